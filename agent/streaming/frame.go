package streaming

import (
	"time"

	"github.com/BaSui01/voxagent/agent/voice"
	"github.com/BaSui01/voxagent/types"
)

// FrameType 标识一帧的用途。
type FrameType string

// 会话核心发往语音 worker 的帧。
const (
	FrameStart         FrameType = "start"
	FrameUpdateAgent   FrameType = "update_agent"
	FrameSay           FrameType = "say"
	FrameGenerateReply FrameType = "generate_reply"
	FrameInterrupt     FrameType = "interrupt"
	FrameTurnResult    FrameType = "turn_result"
	FrameToolResults   FrameType = "tool_results"
	FrameClose         FrameType = "close"
)

// 语音 worker 发往会话核心的帧。
const (
	FrameReady      FrameType = "ready"
	FrameTranscript FrameType = "transcript"
	FrameUserTurn   FrameType = "user_turn"
	FrameToolCalls  FrameType = "tool_calls"
	FrameState      FrameType = "state"
	FrameError      FrameType = "error"
	FrameHangup     FrameType = "hangup"
)

// Frame 是线上的一条 JSON 消息。未用到的字段省略。
type Frame struct {
	Type FrameType `json:"type"`
	// ID 关联请求与应答（user_turn/turn_result、tool_calls/tool_results）。
	ID       string `json:"id,omitempty"`
	Sequence int64  `json:"seq,omitempty"`

	Agent *AgentFrame `json:"agent,omitempty"`

	Text               string     `json:"text,omitempty"`
	Role               types.Role `json:"role,omitempty"`
	Final              bool       `json:"final,omitempty"`
	Instructions       string     `json:"instructions,omitempty"`
	AllowInterruptions bool       `json:"allow_interruptions,omitempty"`
	Handled            bool       `json:"handled,omitempty"`

	Calls   []types.ToolCall   `json:"calls,omitempty"`
	Results []types.ToolResult `json:"results,omitempty"`

	State voice.State `json:"state,omitempty"`
	Error string      `json:"error,omitempty"`

	Timestamp time.Time `json:"ts"`
}

// AgentFrame 是 voice.AgentConfig 的线上形式，历史留在会话核心。
type AgentFrame struct {
	Name         string             `json:"name"`
	Instructions string             `json:"instructions"`
	Tools        []types.ToolSchema `json:"tools"`
	Profile      voice.Profile      `json:"profile"`
	// Context 是安装人设时已有的轮次，worker 用它初始化模型上下文。
	Context []types.Message `json:"context,omitempty"`
}

func agentFrame(cfg voice.AgentConfig) *AgentFrame {
	f := &AgentFrame{
		Name:         cfg.Name,
		Instructions: cfg.Instructions,
		Tools:        cfg.Tools,
		Profile:      cfg.Profile,
	}
	if cfg.History != nil {
		f.Context = cfg.History.Turns()
	}
	return f
}
