// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的语音会话指标采集能力，覆盖
HTTP、会话、persona 切换、审批、工具与记忆六个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离，Record* 方法对 nil
接收者安全，组件可以在未启用指标时直接传 nil。

# 主要能力

  - HTTP 指标：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 会话指标：启动结果、活跃会话数 Gauge、按结束原因分组的时长。
  - Persona 切换：按 from/to 分组的切换次数。
  - 审批指标：requested / approved / cancelled / none。
  - 工具指标：按 tool/status 分组的调用次数与耗时。
  - 记忆指标：load/save 结果、耗时与注入事实数。
  - 数据库指标：活跃/空闲连接数 Gauge。
*/
package metrics
