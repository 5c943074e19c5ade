// Copyright 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 handoff 管理人工接管会话：把操作员连接到阻塞中的自动化运行的浏览器。

# 会话状态

每个接管请求至多一个会话：

	pending -> active -> closing -> closed
	active  -> pending（操作员断开但请求仍在 waiting）

同一时刻至多一个操作员；新连接会替换旧连接，旧连接先收到 error 消息再被关闭。

# 推流

每个会话一个独立的定时循环（默认 33ms）。没有操作员时跳过本次 tick，
不截图也不缓冲；推送受 PushDeadline 约束，超时即丢帧，继续下一 tick。

# 操作员输入

操作员事件按到达顺序逐个转发给 browser.ControlHandle，并由 rate.Limiter 限速。
转发失败只回送 error 消息，会话保持打开。complete_handoff 通过 Registry
响应请求，请求进入终态后 Manager 关闭会话并在宽限期后移除。

# 协议

JSON 文本帧，type 字段区分消息：

  - 服务端 -> 操作员：initial_state, frame, error, handoff_complete
  - 操作员 -> 服务端：move, click, scroll, type, key, navigate, back,
    forward, refresh, complete_handoff
*/
package handoff
