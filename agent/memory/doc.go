// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 memory 提供跨会话的用户长期记忆连续性。

# 概述

会话开始时 Manager.Load 从 Store 读取用户事实，按 updated_at 降序
渲染为一个 JSON 块，作为单条上下文轮次注入对话；会话结束时
Manager.Save 把 user/assistant 轮次批量写回 Store，并排除任何包含
注入块原文的轮次，避免存储把自己的输出当作新事实再学一遍。

两个操作在边界处捕获全部错误（包括 panic），只记录日志并降级：
加载失败返回空快照，保存失败直接返回。

# 核心接口

  - Store：外部事实存储契约（Search / Add），按用户分区
  - Extractor：本地存储使用的事实抽取策略

# 内置实现

  - InMemoryStore：进程内实现，适合开发与测试
  - RedisStore：ZSET + HASH 布局，适合多实例部署
  - SQLStore：GORM 实现，支持 postgres / mysql / sqlite
  - Mem0Store：托管记忆平台 HTTP 客户端
  - SalienceExtractor：丢弃寒暄，保留陈述与显式记忆条目

# 主要能力

  - 快照 token 预算（tiktoken，失败时退回字符估算）
  - Prometheus 指标与 OpenTelemetry span
*/
package memory
