// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 handoffd 服务端程序入口。

# 概述

cmd/handoffd 组装升级引擎、接管请求注册表、会话管理器、浏览器控制与
Supervisor，通过 HTTP API 与操作员 WebSocket 对外提供服务，并提供数据库
迁移、操作员令牌签发、健康检查和版本查询等子命令。

# 核心类型

  - Server: 组件装配、API 与 Metrics 双端口、过期扫描及优雅关闭
  - Middleware: HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate、token、health、version
  - 请求归档：store.driver 选择 memory、redis 或 database
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、Metrics、
    RequestLogger、CORS、RateLimiter（基于 IP）、JWTAuth（操作员身份）、Lifecycle
  - 优雅关闭：信号 → 停止监听与扫描 → 中止运行 → 关闭会话 → 释放浏览器与存储
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
