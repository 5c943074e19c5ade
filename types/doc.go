// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 handoffd 各层共享的基础类型。

# 概述

types 是最底层的公共包，不依赖任何内部包。escalation、hitl、handoff、
supervisor 与 api 通过它共享结构化错误码和上下文传播键，避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误，带 HTTP 状态码与 Retryable 标记
  - WithTraceID / WithRunID / WithOperatorID / WithHandoffID：context 传播
*/
package types
