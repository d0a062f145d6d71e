package voice

import (
	"context"
	"errors"

	"github.com/BaSui01/voxagent/agent/conversation"
	"github.com/BaSui01/voxagent/types"
)

// ErrPipelineClosed is returned by pipeline calls after Close.
var ErrPipelineClosed = errors.New("voice pipeline closed")

// Profile 配置一个人设的声音与模型。
type Profile struct {
	STTProvider      string  `yaml:"stt_provider" json:"stt_provider"` // deepgram, assemblyai, whisper
	TTSProvider      string  `yaml:"tts_provider" json:"tts_provider"` // deepgram, elevenlabs, openai
	Model            string  `yaml:"model" json:"model"`
	Voice            string  `yaml:"voice" json:"voice"`
	Temperature      float64 `yaml:"temperature" json:"temperature"`
	SampleRate       int     `yaml:"sample_rate" json:"sample_rate"` // 16000, 24000, 48000
	InterruptEnabled bool    `yaml:"interrupt_enabled" json:"interrupt_enabled"`
}

// DefaultProfile 返回低延迟的默认配置。
func DefaultProfile() Profile {
	return Profile{
		STTProvider:      "deepgram",
		TTSProvider:      "deepgram",
		Model:            "gpt-4o-mini-realtime-preview",
		Voice:            "aura-2-callista-en",
		Temperature:      0.1,
		SampleRate:       16000,
		InterruptEnabled: true,
	}
}

// Merge fills zero fields of p from base.
func (p Profile) Merge(base Profile) Profile {
	if p.STTProvider == "" {
		p.STTProvider = base.STTProvider
	}
	if p.TTSProvider == "" {
		p.TTSProvider = base.TTSProvider
	}
	if p.Model == "" {
		p.Model = base.Model
	}
	if p.Voice == "" {
		p.Voice = base.Voice
	}
	if p.Temperature == 0 {
		p.Temperature = base.Temperature
	}
	if p.SampleRate == 0 {
		p.SampleRate = base.SampleRate
	}
	return p
}

// AgentConfig 是安装到管线上的一个人设。
// History 是整通电话共享的对话记录，人设切换时原样传递。
type AgentConfig struct {
	Name         string                `json:"name"`
	Instructions string                `json:"instructions"`
	Tools        []types.ToolSchema    `json:"tools"`
	Profile      Profile               `json:"profile"`
	History      *conversation.History `json:"-"`
}

// Handler 是会话侧的回调。
type Handler interface {
	// OnUserTurn 在用户说完一句话且已记入历史后调用。
	// handled 为 true 时管线直接朗读 reply，不再交给模型。
	OnUserTurn(ctx context.Context, text string) (reply string, handled bool)
	// OnToolCalls 执行模型在一个轮次内请求的工具调用，结果与调用顺序一致。
	OnToolCalls(ctx context.Context, calls []types.ToolCall) []types.ToolResult
}

// Pipeline 是 STT / LLM / TTS 管线的会话侧视图。
type Pipeline interface {
	// Start 安装初始人设并开始处理音频，h 接收后续回调。
	Start(ctx context.Context, agent AgentConfig, h Handler) error
	// Ready 在管线可以开口说话时关闭。
	Ready() <-chan struct{}
	// UpdateAgent 切换当前人设，历史不变。
	UpdateAgent(ctx context.Context, agent AgentConfig) error
	// Say 朗读固定文本并记为 assistant 轮次。
	Say(ctx context.Context, text string, allowInterruptions bool) error
	// GenerateReply 让模型按附加指令生成一条回复。
	GenerateReply(ctx context.Context, instructions string, allowInterruptions bool) error
	// Interrupt 打断正在进行的生成与播放。
	Interrupt(ctx context.Context) error
	// Done 在管线结束（对端挂断或 Close）时关闭。
	Done() <-chan struct{}
	Close(ctx context.Context) error
}

// Room 是承载通话的房间。
type Room interface {
	Name() string
	Delete(ctx context.Context) error
}

// State 表示管线当前状态。
type State string

const (
	StateIdle        State = "idle"
	StateListening   State = "listening"
	StateProcessing  State = "processing"
	StateSpeaking    State = "speaking"
	StateInterrupted State = "interrupted"
)
