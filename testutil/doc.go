// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 voxagent 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / SessionContext /
    CancelledContext，自动注册 Cleanup 防止泄漏
  - 断言工具: AssertTurnsEqual 只比较轮次的角色与内容
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel
  - 数据工具: MustJSON / ToolCall

# 子包

  - testutil/mocks: MockPipeline（语音管线）、MockRoom（房间）、
    MockStore（长期记忆存储），均支持 Builder 模式与错误注入

# 使用示例

	ctx := testutil.TestContext(t)
	store := mocks.NewMockStore().WithSearchError(errors.New("down"))
	pipeline := mocks.NewMockPipeline()
*/
package testutil
