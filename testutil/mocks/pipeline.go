// =============================================================================
// 🎙️ MockPipeline - 语音管线模拟实现
// =============================================================================
// 用于测试的语音管线模拟，记录所有调用并把说出的内容写入共享历史
//
// 使用方法:
//
//	pipeline := mocks.NewMockPipeline()
//	_ = pipeline.Start(ctx, agent, handler)
//	reply := pipeline.UserSays(ctx, "delete the report")
//	events := pipeline.Events()
//
// =============================================================================
package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/voxagent/agent/voice"
	"github.com/BaSui01/voxagent/types"
)

// SayCall 记录一次 Say
type SayCall struct {
	Text               string
	AllowInterruptions bool
}

// ReplyCall 记录一次 GenerateReply
type ReplyCall struct {
	Instructions       string
	AllowInterruptions bool
}

// MockPipeline 是 voice.Pipeline 的模拟实现
type MockPipeline struct {
	mu sync.Mutex

	agent   voice.AgentConfig
	handler voice.Handler
	started bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	// 错误注入
	startErr  error
	updateErr error
	sayErr    error

	// 行为
	manualReady bool
	replyFn     func(instructions string) string
	startGate   <-chan struct{}
	closeHangs  bool

	// 调用记录
	updates    []voice.AgentConfig
	said       []SayCall
	replies    []ReplyCall
	interrupts int
	closeCalls int
	events     []string
}

// =============================================================================
// 🔧 构造函数和 Builder 方法
// =============================================================================

// NewMockPipeline 创建新的 MockPipeline
func NewMockPipeline() *MockPipeline {
	return &MockPipeline{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// WithStartError 设置 Start 的错误
func (p *MockPipeline) WithStartError(err error) *MockPipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
	return p
}

// WithUpdateError 设置 UpdateAgent 的错误
func (p *MockPipeline) WithUpdateError(err error) *MockPipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateErr = err
	return p
}

// WithSayError 设置 Say 的错误
func (p *MockPipeline) WithSayError(err error) *MockPipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sayErr = err
	return p
}

// WithManualReady 让 Start 不自动就绪，需调用 MarkReady
func (p *MockPipeline) WithManualReady() *MockPipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manualReady = true
	return p
}

// WithStartGate 让 Start 阻塞到 gate 关闭
func (p *MockPipeline) WithStartGate(gate <-chan struct{}) *MockPipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startGate = gate
	return p
}

// WithHangingClose 让 Close 一直阻塞到 ctx 结束，模拟对端不确认关闭
func (p *MockPipeline) WithHangingClose() *MockPipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeHangs = true
	return p
}

// WithReplyFn 设置 GenerateReply 产出的 assistant 文本
func (p *MockPipeline) WithReplyFn(fn func(instructions string) string) *MockPipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyFn = fn
	return p
}

// =============================================================================
// 🎯 Pipeline 接口实现
// =============================================================================

// Start 安装初始人设
func (p *MockPipeline) Start(ctx context.Context, agent voice.AgentConfig, h voice.Handler) error {
	p.mu.Lock()
	gate := p.startGate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, "start:"+agent.Name)
	if p.startErr != nil {
		return p.startErr
	}
	p.agent = agent
	p.handler = h
	p.started = true
	if !p.manualReady {
		p.readyOnce.Do(func() { close(p.ready) })
	}
	return nil
}

// Ready 返回就绪通道
func (p *MockPipeline) Ready() <-chan struct{} {
	return p.ready
}

// UpdateAgent 切换人设
func (p *MockPipeline) UpdateAgent(ctx context.Context, agent voice.AgentConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, "update:"+agent.Name)
	if p.updateErr != nil {
		return p.updateErr
	}
	p.agent = agent
	p.updates = append(p.updates, agent)
	return nil
}

// Say 朗读文本并记为 assistant 轮次
func (p *MockPipeline) Say(ctx context.Context, text string, allowInterruptions bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, "say:"+text)
	if p.sayErr != nil {
		return p.sayErr
	}
	p.said = append(p.said, SayCall{Text: text, AllowInterruptions: allowInterruptions})
	if p.agent.History != nil {
		p.agent.History.Append(types.RoleAssistant, text)
	}
	return nil
}

// GenerateReply 记录生成请求，设置了 replyFn 时写入 assistant 轮次
func (p *MockPipeline) GenerateReply(ctx context.Context, instructions string, allowInterruptions bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, fmt.Sprintf("reply:%s", instructions))
	p.replies = append(p.replies, ReplyCall{Instructions: instructions, AllowInterruptions: allowInterruptions})
	if p.replyFn != nil && p.agent.History != nil {
		if text := p.replyFn(instructions); text != "" {
			p.agent.History.Append(types.RoleAssistant, text)
		}
	}
	return nil
}

// Interrupt 记录打断
func (p *MockPipeline) Interrupt(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "interrupt")
	p.interrupts++
	return nil
}

// Done 返回结束通道
func (p *MockPipeline) Done() <-chan struct{} {
	return p.done
}

// Close 结束管线
func (p *MockPipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.events = append(p.events, "close")
	p.closeCalls++
	hangs := p.closeHangs
	p.mu.Unlock()
	if hangs {
		<-ctx.Done()
		p.Hangup()
		return ctx.Err()
	}
	p.Hangup()
	return nil
}

// =============================================================================
// 🗣️ 模拟对端
// =============================================================================

// MarkReady 手动标记就绪
func (p *MockPipeline) MarkReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// Hangup 模拟对端挂断
func (p *MockPipeline) Hangup() {
	p.doneOnce.Do(func() { close(p.done) })
}

// UserSays 模拟一句用户发言：写入历史，交给 Handler，已处理时朗读回复。
// 返回 Handler 的回复与是否已处理。
func (p *MockPipeline) UserSays(ctx context.Context, text string) (string, bool) {
	p.mu.Lock()
	h, history := p.handler, p.agent.History
	p.mu.Unlock()

	if history != nil {
		history.Append(types.RoleUser, text)
	}
	if h == nil {
		return "", false
	}
	reply, handled := h.OnUserTurn(ctx, text)
	if handled {
		_ = p.Say(ctx, reply, true)
	}
	return reply, handled
}

// ModelCalls 模拟模型请求工具调用
func (p *MockPipeline) ModelCalls(ctx context.Context, calls ...types.ToolCall) []types.ToolResult {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.OnToolCalls(ctx, calls)
}

// ModelSays 模拟模型产出一条 assistant 回复
func (p *MockPipeline) ModelSays(text string) {
	p.mu.Lock()
	history := p.agent.History
	p.mu.Unlock()
	if history != nil {
		history.Append(types.RoleAssistant, text)
	}
}

// =============================================================================
// 🔍 查询方法
// =============================================================================

// Agent 返回当前安装的人设
func (p *MockPipeline) Agent() voice.AgentConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agent
}

// Started 返回是否已启动
func (p *MockPipeline) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Updates 返回 UpdateAgent 记录
func (p *MockPipeline) Updates() []voice.AgentConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]voice.AgentConfig{}, p.updates...)
}

// Said 返回 Say 记录
func (p *MockPipeline) Said() []SayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SayCall{}, p.said...)
}

// Replies 返回 GenerateReply 记录
func (p *MockPipeline) Replies() []ReplyCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ReplyCall{}, p.replies...)
}

// Interrupts 返回打断次数
func (p *MockPipeline) Interrupts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupts
}

// CloseCalls 返回 Close 调用次数
func (p *MockPipeline) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

// Events 返回按顺序记录的调用事件
func (p *MockPipeline) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.events...)
}

// =============================================================================
// 🏠 MockRoom
// =============================================================================

// MockRoom 是 voice.Room 的模拟实现
type MockRoom struct {
	mu        sync.Mutex
	name      string
	deleteErr error
	deletes   int
}

// NewMockRoom 创建 MockRoom
func NewMockRoom(name string) *MockRoom {
	return &MockRoom{name: name}
}

// WithDeleteError 设置 Delete 的错误
func (r *MockRoom) WithDeleteError(err error) *MockRoom {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteErr = err
	return r
}

// Name 返回房间名
func (r *MockRoom) Name() string { return r.name }

// Delete 删除房间
func (r *MockRoom) Delete(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes++
	return r.deleteErr
}

// Deletes 返回 Delete 调用次数
func (r *MockRoom) Deletes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deletes
}
