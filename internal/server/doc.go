// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 voxagent serve 的 HTTP 服务器生命周期。

Manager 非阻塞启动，WaitForShutdown 监听 SIGINT/SIGTERM。关闭时先
停止接收新连接，再按注册顺序执行 ShutdownHook（等待在线会话完成
teardown、关闭 Redis 与数据库连接），整体受 ShutdownTimeout 约束。
*/
package server
