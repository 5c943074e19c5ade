// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 handoffd 运维 HTTP 服务器（API 端口与 metrics 端口）的生命周期。

# 核心类型

  - Manager：封装 net/http.Server 与 net.Listener，提供 Start（非阻塞）、
    Run（阻塞至 ctx 结束，适合 errgroup）、Shutdown 与 Errors。
  - Config：监听地址、读写与空闲超时、最大请求头、优雅关闭超时，
    以及可选的 TLS 证书与私钥。

# 说明

  - 配置证书后通过 tlsutil.ServerConfig 监听 TLS。
  - 信号处理交给调用方（signal.NotifyContext），Run 只观察 ctx。
  - Addr 在启动后返回实际绑定地址，便于以 ":0" 启动测试。
*/
package server
