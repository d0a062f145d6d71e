// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package retry 提供带指数退避与随机抖动的重试器。

默认只重试 types.Error 中标记为 Retryable 的错误，
记忆平台客户端用它处理 429 与 5xx 等瞬时失败。
*/
package retry
