// Package hitl 提供语音会话中敏感操作的人工确认（审批闸门）。
//
// 敏感工具在执行前通过 Gate.Request / Gate.Defer 登记待确认操作并返回
// 确认提示；用户下一轮回答经 Gate.Resolve 消费该条目，得到 none /
// approved / cancelled 三种结果之一。每个会话最多一个待确认操作，
// 新请求覆盖旧请求，每个条目只能被消费一次。
//
// 默认使用进程内 InMemoryRegistry；RedisRegistry 使待确认操作在进程
// 重启后仍可确认。
package hitl
