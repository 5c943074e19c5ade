// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 browser 提供自动化运行的浏览器控制面。

# 概述

ControlHandle 是人工接管会话使用的最小控制接口：抓取画面帧、鼠标与键盘
输入、导航与历史、读取当前 URL 和标题。流式通道只通过它操作浏览器，
从不检查页面内容。

# 内置实现

ChromeDPDriver 基于 chromedp：

  - NewChromeDPDriver 本地启动 Headless Chrome，支持代理与自定义 UserAgent
  - AttachChromeDPDriver 通过 DevTools WebSocket 连接正在运行的浏览器
    （可指定 target id 接管自动化正在使用的标签页）

Pool 预创建并复用本地浏览器实例，供没有提供远程地址的运行使用。
*/
package browser
