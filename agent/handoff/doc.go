// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 handoff 实现单次通话内的人设切换状态机。

# 概述

状态是配置的人设（默认前台加若干专员）。状态只能通过活动人设暴露的
转接工具改变：转接工具用同一个对话历史对象构造目标人设，管线安装新人设
后立即朗读转接语，再按新人设的指令生成回复。反向转接遵循同一契约。

每个人设都带有 end_conversation：打断当前生成，以不可打断方式说告别语，
然后请求删除房间。

# 核心类型

  - Spec / Route：配置驱动的人设描述与转接工具描述
  - Persona：构造后不可变，持有共享的 conversation.History
  - Catalog：人设集合与初始状态，校验转接目标存在
  - Machine：Dispatch / Transition / End / Active

# 并发

转接是工具分发的屏障：普通工具在读锁下并发执行，转接与结束在写锁下
串行执行，且总在同一轮次的普通工具完成之后。
*/
package handoff
