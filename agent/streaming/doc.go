// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 streaming 把外部语音 worker 接入会话核心。

# 概述

语音识别、模型与语音合成运行在独立的 worker 进程中。worker 通过
WebSocket 连接到会话核心，双方交换 JSON 帧：会话核心下发人设、朗读、
生成回复、打断与结束；worker 上报就绪、用户轮次、工具调用、模型回复文本、
状态与挂断。

# 核心类型

  - Frame / AgentFrame：线上帧格式，每帧带递增序号与时间戳
  - FrameConn：帧连接抽象；Conn 基于 coder/websocket 实现，写操作串行化
  - Bridge：voice.Pipeline 的实现，读循环、分发循环与心跳各占一个 goroutine

# 顺序

用户轮次与工具调用按到达顺序在同一个 goroutine 中处理，用户轮次与
worker 回传的模型回复都会写入共享的 conversation.History。
*/
package streaming
