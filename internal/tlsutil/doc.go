// Package tlsutil 集中管理 TLS 配置：运维 HTTP 服务端、Redis 客户端与
// health 子命令的探测客户端共用同一套加固参数（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
