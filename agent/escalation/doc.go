// Copyright 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 escalation 实现浏览器自动化任务的失败升级决策（Flow Brain）。

# 概述

每个任务运行持有一个 Engine 与一个 AttemptLog。自动化每失败一次，调用方把
Attempt 交给 Engine.Evaluate，引擎对失败文本分类、追加一条 AttemptRecord，
然后给出 Decision：Retry（附带下一个 Strategy）、Escalate（请求人工接管）
或 Abort。

# 决策阶梯

  - captcha / two_factor：无论第几次尝试，立即以 urgent 升级
  - 历史中任一失败分类已出现 RepeatThreshold 次：提前以 high 升级（优先于阶梯）
  - 第 0 次失败：按任务描述关键词选择领域最优策略重试（search / code / general）
  - 第 1 次失败：换模型、换元素定位方式，使用 alternative 提示变体避开上次失败特征
  - 第 2 次失败：reasoning 策略，提示中带完整尝试历史（受 token 预算约束）
  - 第 MaxAttempts 次及以后：以 high 升级，选项 manual_intervention / change_strategy / abort_task

引擎自身从不失败：无法分类的输入或内部 panic 都降级为
Escalate{reason="unclassified failure", urgency=normal}。

# 置信度

每条记录带一个 [0,1] 的置信度：初始 0.5，成功 +0.3，该策略曾在同类任务成功
+0.2，该模型本次运行中已失败过 -0.1。置信度只是元数据，不参与阶梯判断。
*/
package escalation
