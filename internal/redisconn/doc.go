// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 redisconn 管理 handoffd 与 Redis 之间的连接：建立 go-redis 客户端、
启动时探活、后台健康检查与关闭。hitl.RedisStore 通过 Client 使用该连接。

# 核心类型

  - Manager：持有 redis.Client，提供 Client/Ping/Stats/Close。
  - Config：地址、密码、库编号、连接池大小、可选 TLS 与健康检查间隔。
  - Stats：连接池统计，直接来自 go-redis 的 PoolStats。
*/
package redisconn
