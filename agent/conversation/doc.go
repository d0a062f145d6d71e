// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 conversation 提供单次通话的对话轮次记录。

# 概述

History 是一次语音通话中按时间排序、只追加的轮次序列。它由语音管线
写入，由记忆管理、审批闸门和 persona 切换读取。persona 切换时传递的是
同一个 *History 引用，因此专员 persona 中产生的轮次在切回前台 persona
后依旧可见，顺序不变。

# 主要能力

  - Append / Add：并发安全地追加轮次
  - Turns / Since / Range：按顺序读取副本
  - Last：查找某角色的最近一轮
*/
package conversation
