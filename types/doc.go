// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 voxagent 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent、llm、tools
等上层模块提供统一的类型契约，以避免循环依赖。

# 核心类型

  - Message / Role   ：对话轮次（user / assistant / system / tool）
  - ToolSchema       ：工具定义（name + description + JSON Schema parameters）
  - ToolCall         ：模型发起的工具调用
  - ToolResult       ：工具执行结果，输出始终为可读字符串
  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - TokenCounter     ：最小 Token 计数接口

# 主要能力

  - Context 传播：WithTraceID / WithSessionID / WithUserID
  - 错误工具链：GetErrorCode / IsErrorCode / IsRetryable
  - Token 估算：EstimateTokenizer（中英文字符分别计算）
*/
package types
