package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/agent/voice"
	"github.com/BaSui01/voxagent/types"
)

// BridgeConfig 配置 Bridge。
type BridgeConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" json:"write_timeout"`
	// HangupGrace 是房间删除后等待 worker 播完告别语并挂断的时间。
	HangupGrace time.Duration `yaml:"hangup_grace" json:"hangup_grace"`
	EventBuffer int           `yaml:"event_buffer" json:"event_buffer"`
}

// DefaultBridgeConfig returns defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		HangupGrace:       5 * time.Second,
		EventBuffer:       64,
	}
}

// Bridge 是 voice.Pipeline 的 WebSocket 实现：STT / LLM / TTS 运行在外部
// 语音 worker 中，Bridge 把管线调用编码为帧发出，并把 worker 上报的用户轮次
// 与工具调用交给 voice.Handler。
//
// 用户轮次与工具调用在同一个 goroutine 中按到达顺序串行处理。
type Bridge struct {
	conn   FrameConn
	config BridgeConfig
	logger *zap.Logger

	mu      sync.RWMutex
	agent   voice.AgentConfig
	handler voice.Handler
	state   voice.State
	started bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	closing   atomic.Bool

	events chan Frame
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ voice.Pipeline = (*Bridge)(nil)

// NewBridge 创建 Bridge，Start 之前不会读写连接。
func NewBridge(conn FrameConn, config BridgeConfig, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultBridgeConfig()
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if config.HangupGrace <= 0 {
		config.HangupGrace = def.HangupGrace
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = def.EventBuffer
	}
	return &Bridge{
		conn:   conn,
		config: config,
		logger: logger.With(zap.String("component", "stream_bridge")),
		state:  voice.StateIdle,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		events: make(chan Frame, config.EventBuffer),
	}
}

// Start 发送初始人设并启动读循环、分发循环和心跳。
// 循环的生命周期与 ctx 的取消无关，只保留其中的值。
func (b *Bridge) Start(ctx context.Context, agent voice.AgentConfig, h voice.Handler) error {
	if b.closing.Load() {
		return voice.ErrPipelineClosed
	}
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("stream bridge already started")
	}
	b.started = true
	b.agent = agent
	b.handler = h
	b.mu.Unlock()

	if err := b.write(ctx, Frame{Type: FrameStart, Agent: agentFrame(agent)}); err != nil {
		return fmt.Errorf("start agent %q: %w", agent.Name, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	b.wg.Add(3)
	go b.readLoop(loopCtx)
	go b.dispatchLoop(loopCtx)
	go b.heartbeatLoop(loopCtx)

	b.logger.Info("stream bridge started", zap.String("persona", agent.Name))
	return nil
}

// Ready 在 worker 上报 ready 后关闭。
func (b *Bridge) Ready() <-chan struct{} { return b.ready }

// Done 在 worker 挂断、连接断开或 Close 后关闭。
func (b *Bridge) Done() <-chan struct{} { return b.done }

// State 返回 worker 最近上报的管线状态。
func (b *Bridge) State() voice.State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// UpdateAgent 切换人设。
func (b *Bridge) UpdateAgent(ctx context.Context, agent voice.AgentConfig) error {
	if err := b.write(ctx, Frame{Type: FrameUpdateAgent, Agent: agentFrame(agent)}); err != nil {
		return err
	}
	b.mu.Lock()
	b.agent = agent
	b.mu.Unlock()
	return nil
}

// Say 让 worker 朗读固定文本，并把文本记为 assistant 轮次。
func (b *Bridge) Say(ctx context.Context, text string, allowInterruptions bool) error {
	if err := b.write(ctx, Frame{Type: FrameSay, Text: text, AllowInterruptions: allowInterruptions}); err != nil {
		return err
	}
	b.record(types.RoleAssistant, text)
	return nil
}

// GenerateReply 让 worker 的模型按附加指令生成回复，回复文本经 transcript 帧回传。
func (b *Bridge) GenerateReply(ctx context.Context, instructions string, allowInterruptions bool) error {
	return b.write(ctx, Frame{Type: FrameGenerateReply, Instructions: instructions, AllowInterruptions: allowInterruptions})
}

// Interrupt 打断 worker 当前的生成与播放。
func (b *Bridge) Interrupt(ctx context.Context) error {
	if err := b.write(ctx, Frame{Type: FrameInterrupt}); err != nil {
		return err
	}
	b.setState(voice.StateInterrupted)
	return nil
}

// Close 通知 worker 结束，关闭连接并等待循环退出。重复调用安全。
// 不能在 Handler 回调内调用；回调内结束通话用 Room().Delete。
func (b *Bridge) Close(ctx context.Context) error {
	if b.closing.CompareAndSwap(false, true) {
		wctx, cancel := context.WithTimeout(ctx, b.config.WriteTimeout)
		if err := b.conn.WriteFrame(wctx, Frame{Type: FrameClose}); err != nil {
			b.logger.Debug("close frame not delivered", zap.Error(err))
		}
		cancel()
	}
	b.finish("closed")

	waited := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Room 返回以此连接为载体的房间。Delete 请求 worker 播完后挂断，
// 超过 HangupGrace 仍未挂断则强制断开。
func (b *Bridge) Room(name string) voice.Room {
	return &bridgeRoom{name: name, bridge: b}
}

type bridgeRoom struct {
	name   string
	bridge *Bridge
}

func (r *bridgeRoom) Name() string { return r.name }

func (r *bridgeRoom) Delete(ctx context.Context) error {
	b := r.bridge
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, b.config.WriteTimeout)
	defer cancel()
	if err := b.conn.WriteFrame(wctx, Frame{Type: FrameClose, Text: "room deleted"}); err != nil {
		b.finish("room deleted")
		return fmt.Errorf("hang up: %w", err)
	}
	time.AfterFunc(b.config.HangupGrace, func() { b.finish("hangup grace expired") })
	return nil
}

// =============================================================================
// 循环
// =============================================================================

func (b *Bridge) readLoop(ctx context.Context) {
	defer b.wg.Done()
	defer b.finish("read loop exited")

	for {
		f, err := b.conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil && !b.closing.Load() {
				b.logger.Warn("stream read failed", zap.Error(err))
			}
			return
		}

		switch f.Type {
		case FrameReady:
			b.readyOnce.Do(func() { close(b.ready) })
			b.setState(voice.StateListening)
		case FrameTranscript:
			// 只记录最终的模型回复
			if f.Final && f.Role == types.RoleAssistant && f.Text != "" {
				b.record(types.RoleAssistant, f.Text)
			}
		case FrameUserTurn, FrameToolCalls:
			select {
			case b.events <- f:
			case <-ctx.Done():
				return
			}
		case FrameState:
			b.setState(f.State)
		case FrameError:
			b.logger.Warn("worker reported error", zap.String("error", f.Error))
		case FrameHangup:
			b.logger.Info("worker hung up")
			return
		default:
			b.logger.Debug("ignoring frame", zap.String("type", string(f.Type)))
		}
	}
}

func (b *Bridge) dispatchLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-b.events:
			b.dispatch(ctx, f)
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, f Frame) {
	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()

	switch f.Type {
	case FrameUserTurn:
		b.record(types.RoleUser, f.Text)
		var reply string
		var handled bool
		if h != nil {
			reply, handled = h.OnUserTurn(ctx, f.Text)
		}
		if handled {
			b.record(types.RoleAssistant, reply)
		}
		if err := b.write(ctx, Frame{Type: FrameTurnResult, ID: f.ID, Handled: handled, Text: reply}); err != nil {
			b.logger.Warn("failed to send turn result", zap.Error(err))
		}

	case FrameToolCalls:
		results := make([]types.ToolResult, 0, len(f.Calls))
		if h != nil {
			results = h.OnToolCalls(ctx, f.Calls)
		}
		if err := b.write(ctx, Frame{Type: FrameToolResults, ID: f.ID, Results: results}); err != nil {
			b.logger.Warn("failed to send tool results", zap.Error(err))
		}
	}
}

// heartbeatLoop 定期 ping，超时视为连接断开。
func (b *Bridge) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()
	if b.config.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(b.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, b.config.HeartbeatTimeout)
			err := b.conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				b.logger.Warn("heartbeat timeout", zap.Error(err))
				b.finish("heartbeat timeout")
				return
			}
		}
	}
}

// =============================================================================
// 辅助
// =============================================================================

func (b *Bridge) write(ctx context.Context, f Frame) error {
	if b.closing.Load() {
		return voice.ErrPipelineClosed
	}
	select {
	case <-b.done:
		return voice.ErrPipelineClosed
	default:
	}
	wctx, cancel := context.WithTimeout(ctx, b.config.WriteTimeout)
	defer cancel()
	return b.conn.WriteFrame(wctx, f)
}

func (b *Bridge) record(role types.Role, text string) {
	b.mu.RLock()
	history := b.agent.History
	b.mu.RUnlock()
	if history != nil {
		history.Append(role, text)
	}
}

func (b *Bridge) setState(s voice.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != s {
		b.logger.Debug("pipeline state", zap.String("from", string(b.state)), zap.String("to", string(s)))
		b.state = s
	}
}

// finish 关闭 done、停止循环并断开连接。
func (b *Bridge) finish(reason string) {
	b.doneOnce.Do(func() {
		b.closing.Store(true)
		close(b.done)
		b.mu.RLock()
		cancel := b.cancel
		b.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		if err := b.conn.Close(); err != nil {
			b.logger.Debug("close connection", zap.Error(err))
		}
		b.logger.Info("stream bridge finished", zap.String("reason", reason))
	})
}
