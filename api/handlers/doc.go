// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 实现 handoffd 的 HTTP 处理器。

# 核心类型

  - RunHandler: 自动化运行：启动、提交尝试、记录成功、恢复、结束
  - HandoffHandler: 接管请求：列表、查询、长轮询等待、人工响应
  - SessionHandler: 会话列表与操作员 WebSocket 通道
  - HealthHandler: /health、/healthz、/ready、/version
  - Response: 统一 JSON 响应结构（success + data + error + timestamp）

# 错误映射

ToAPIError 把组件错误转换为 types.Error：未知请求 404，已终态 409，
不允许的动作 422 并在 details 中列出可选动作。

处理器只依赖小接口（RunService、HandoffRegistry、SessionManager 等），
由 cmd/handoffd 注入 supervisor、hitl.Registry 与 handoff.Manager。
*/
package handlers
