/*
Package main 提供 voxagent 服务端程序入口。

# 概述

cmd/voxagent 是语音助手会话核心的可执行入口。语音 worker 通过
WebSocket 连接 /v1/sessions，每条连接对应一次会话：解析用户身份、
加载长期记忆、连接外部工具服务器、启动人设并在就绪后问候。

# 主要能力

  - 子命令：serve（启动服务）、migrate（user_facts 表迁移）、version、health
  - 组件装配：按配置选择记忆后端（inmemory / redis / sql / mem0）、
    审批注册表（inmemory / redis）、人设目录与本地工具
  - 中间件链：Recovery、RequestID、SecurityHeaders、Metrics、OTel、
    RateLimiter（基于 IP）、RequestLogger
  - 配置热重载：日志级别运行期生效，GET /v1/config 查看脱敏配置
  - 优雅关闭：停止监听 → 结束全部会话并保存记忆 → 关闭工具与连接
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
