// Copyright 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 supervisor 是自动化运行一侧的入口。

Supervisor 为每个运行持有一个 escalation.Engine、运行的浏览器控制句柄，
以及该运行创建的接管请求。引擎决定升级时，Supervisor 在 hitl.Registry
中登记请求，并通过 handoff.Manager 打开绑定到控制句柄的会话。

典型流程：

	run, d, _ := sup.StartRun(ctx, supervisor.RunOptions{Task: task, Control: handle})
	for {
		// 按 d.Strategy 执行一次尝试 ...
		d, _ = sup.Escalate(ctx, run.ID, &escalation.Attempt{ErrorText: msg})
		if d.Kind == escalation.DecisionEscalate {
			if _, err := sup.AwaitHumanResponse(ctx, d.HandoffID); err != nil {
				break
			}
			// 动作取自注册表中记录的响应
			d, _ = sup.Resume(ctx, run.ID, d.HandoffID, "")
		}
		if d.Kind == escalation.DecisionAbort {
			break
		}
	}

AwaitHumanResponse 是运行中唯一阻塞的调用，受请求的 expires_at 与 ctx 约束。
AbortRun 关闭运行拥有的会话、让仍在等待的请求过期并释放尝试日志；
Shutdown 并发中止所有运行。
*/
package supervisor
