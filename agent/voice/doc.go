// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 voice 定义语音管线与房间的接口边界。

# 概述

语音识别、语言模型与语音合成都在管线内部完成，本包只描述会话核心
与管线之间的契约：管线消费 AgentConfig（人设指令、工具表、声音配置
以及共享的对话历史），把用户轮次与模型发起的工具调用回交给 Handler。

# 核心类型

  - Profile：声音与模型配置（STT / TTS / 模型 / 音色 / 采样率）
  - AgentConfig：一次安装到管线的人设，持有对话历史的共享引用
  - Pipeline：启动、切换人设、朗读、生成回复、打断、关闭
  - Handler：会话侧回调，处理用户轮次与工具调用
  - Room：承载通话的房间，结束对话时删除
  - State：管线当前状态（idle / listening / processing / speaking / interrupted）
*/
package voice
