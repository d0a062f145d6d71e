// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理进程共享的 Redis 连接。

Manager 在创建时 Ping 确认可用，可选 TLS，并在后台定时健康检查。
memory.RedisStore 与 hitl.RedisRegistry 通过 Client() 复用同一连接；
Close 在服务关闭、所有会话 teardown 完成之后调用。
*/
package cache
