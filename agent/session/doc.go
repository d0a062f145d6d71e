// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 session 编排一次语音通话的完整生命周期。

# 概述

Orchestrator.Start 严格按以下顺序建立会话：解析用户标识、加载记忆并
注入为上下文轮次、尽力连接 MCP 服务器、用初始人设启动语音管线、登记
teardown、管线就绪后生成开场白。身份解析与管线启动失败会中止启动，
其余步骤失败只降级。

Session 实现 voice.Handler：用户轮次先交给审批闸门判断是否在回应一个
待确认操作，工具调用交给人设状态机分发。管线结束（挂断或房间被删除）
时 Session 执行一次 teardown：关闭管线、丢弃待确认操作、以启动时的
快照为排除条件保存最终轮次、关闭 MCP 连接。

# 身份

IdentityResolver 决定记忆的分区键。StaticIdentity 使用请求中的 UserID
或配置的默认用户；JWTIdentity 从 HS256 bearer token 的 user_id 或 sub
声明解析用户。

# 关闭

Orchestrator.Shutdown 拒绝新会话，并发关闭所有存活会话并等待各自的
teardown 完成。
*/
package session
