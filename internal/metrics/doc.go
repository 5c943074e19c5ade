// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP、升级决策、
接管请求、会话推流与数据库连接池。

# 概述

Collector 通过 promauto 注册到默认 Registry，所有指标按 namespace 隔离。
Collector 同时满足 hitl.MetricsRecorder、handoff.MetricsRecorder 与
supervisor.MetricsRecorder，由 cmd/handoffd 注入各组件；nil Collector
的所有 Record 方法都是空操作。

# 主要指标

  - HTTP：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx
  - 升级：按 kind/classification 的决策计数，运行开始/结束与活跃数
  - 接管请求：按紧急度创建数、终态数、等待时长直方图、waiting 数
  - 会话：打开/关闭计数、活跃数、生命周期、操作员替换次数
  - 推流：按 pushed/dropped/capture_failed 的帧计数，操作员事件计数
  - 数据库：打开/空闲连接数
*/
package metrics
