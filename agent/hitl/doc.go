// Copyright 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 hitl 管理人工接管请求（Human-in-the-Loop）的生命周期。

# 概述

Registry 是一个有明确生命周期的对象：创建请求、接受人工响应、按紧急度
扫描过期，并把终态写穿到 Store。Notifier 为每个请求 ID 提供一次性信号，
自动化运行通过 Await 阻塞等待，直到请求进入 responded 或 expired。

# 状态

请求状态只允许 waiting -> responded 或 waiting -> expired，从不回退。
respond 与过期扫描竞争时，先拿到条目锁的一方胜出：扫描尚未观察到过期时，
响应是权威的。

# 超时

过期时间 expires_at = created_at + ttl(urgency)，默认
urgent 5 分钟、high 15 分钟、normal 30 分钟，可通过 TTLTable 配置。

# 存储

  - MemoryStore：默认，进程内
  - RedisStore：JSON 值 + 按状态、运行的 ZSET 索引
  - GormStore：handoff_requests 表（postgres / mysql / sqlite）
*/
package hitl
