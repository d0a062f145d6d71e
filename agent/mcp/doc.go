// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 mcp 把远程 MCP 工具服务器接入工具表。

Connector 通过 SSE 并发连接配置的服务器，完成初始化后列举一次工具并缓存。
远程工具被适配为 tools.Tool，经同一个执行器分发，调用失败时由执行器
转换为描述性字符串。连接是尽力而为的：服务器不可用只影响它自己的工具。
*/
package mcp
