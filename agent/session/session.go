package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/agent/conversation"
	"github.com/BaSui01/voxagent/agent/handoff"
	"github.com/BaSui01/voxagent/agent/hitl"
	"github.com/BaSui01/voxagent/agent/mcp"
	"github.com/BaSui01/voxagent/agent/memory"
	"github.com/BaSui01/voxagent/agent/voice"
	"github.com/BaSui01/voxagent/internal/ctxkeys"
	"github.com/BaSui01/voxagent/internal/metrics"
	"github.com/BaSui01/voxagent/types"
)

// ErrSessionClosed is returned by operations on a session that has finished teardown.
var ErrSessionClosed = types.NewError(types.ErrSessionClosed, "session closed")

// 会话结束原因
const (
	EndHangup   = "hangup"
	EndShutdown = "shutdown"
	EndClosed   = "closed"
)

// Session 是一次通话。它实现 voice.Handler：用户轮次先交给审批闸门，
// 工具调用交给人设状态机分发。
type Session struct {
	id       string
	userID   string
	started  time.Time
	history  *conversation.History
	snapshot memory.Snapshot

	machine   *handoff.Machine
	pipeline  voice.Pipeline
	gate      *hitl.Gate
	memory    *memory.Manager
	connector *mcp.Connector
	metrics   *metrics.Collector
	logger    *zap.Logger

	teardownGrace time.Duration
	onClosed      func(*Session)

	closeOnce sync.Once
	closed    chan struct{}
	saved     int
}

var _ voice.Handler = (*Session)(nil)

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// UserID returns the resolved user identity.
func (s *Session) UserID() string { return s.userID }

// History returns the shared turn sequence.
func (s *Session) History() *conversation.History { return s.history }

// Snapshot returns the memory snapshot injected at start.
func (s *Session) Snapshot() memory.Snapshot { return s.snapshot }

// Persona returns the active persona.
func (s *Session) Persona() *handoff.Persona { return s.machine.Active() }

// Done 在 teardown 完成后关闭。
func (s *Session) Done() <-chan struct{} { return s.closed }

// Saved 返回 teardown 时写入存储的条目数。
func (s *Session) Saved() int { return s.saved }

// bind 把会话与用户标识放进 ctx，执行器据此登记待确认操作。
func (s *Session) bind(ctx context.Context) context.Context {
	ctx = types.WithSessionID(ctx, s.id)
	if p := s.machine.Active(); p != nil {
		ctx = ctxkeys.WithPersona(ctx, p.Name())
	}
	return types.WithUserID(ctx, s.userID)
}

// OnUserTurn 在有待确认操作时用这句话解决它：同意则重放被推迟的工具调用并
// 返回结果，否定则返回取消语。没有待确认操作时交给模型。
func (s *Session) OnUserTurn(ctx context.Context, text string) (string, bool) {
	if s.gate == nil || s.isClosed() {
		return "", false
	}
	ctx = s.bind(ctx)

	outcome := s.gate.Resolve(ctx, s.id, text)
	switch outcome.Status {
	case hitl.OutcomeCancelled:
		return outcome.Message, true
	case hitl.OutcomeApproved:
		action := outcome.Action
		if action.Call == nil {
			return fmt.Sprintf("Okay, proceeding with: %s.", action.Description), true
		}
		results := s.machine.Dispatch(ctxkeys.WithApproved(ctx), []types.ToolCall{*action.Call})
		s.logger.Info("approved action executed",
			zap.String("tool", action.Call.Name),
			zap.Bool("failed", results[0].Failed))
		return results[0].Output, true
	default:
		return "", false
	}
}

// OnToolCalls 分发模型在一个轮次内请求的工具调用。
func (s *Session) OnToolCalls(ctx context.Context, calls []types.ToolCall) []types.ToolResult {
	return s.machine.Dispatch(s.bind(ctx), calls)
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// watch 在管线结束时执行 teardown。
func (s *Session) watch(ctx context.Context) {
	select {
	case <-s.pipeline.Done():
		_ = s.close(context.WithoutCancel(ctx), EndHangup)
	case <-s.closed:
	}
}

// Close 结束会话并等待 teardown：停止管线，丢弃待确认操作，
// 以启动时的快照为排除条件保存最终轮次，关闭 MCP 连接。
// 管线关闭与保存各自受 teardown 宽限期约束。重复调用返回 nil 并等待首次调用完成。
func (s *Session) Close(ctx context.Context) error {
	return s.close(ctx, EndClosed)
}

func (s *Session) close(ctx context.Context, reason string) error {
	first := false
	var err error
	s.closeOnce.Do(func() {
		first = true
		err = s.teardown(ctx, reason)
	})
	if first {
		return err
	}
	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) teardown(ctx context.Context, reason string) error {
	defer close(s.closed)

	ctx = s.bind(ctx)
	var errs []error

	// 管线关闭与记忆保存各有一个宽限期，关闭卡住不影响保存
	closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), s.teardownGrace)
	if err := s.pipeline.Close(closeCtx); err != nil && !errors.Is(err, voice.ErrPipelineClosed) {
		errs = append(errs, fmt.Errorf("close pipeline: %w", err))
	}
	cancelClose()

	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), s.teardownGrace)
	defer cancelSave()
	if s.gate != nil {
		s.gate.Discard(saveCtx, s.id)
	}
	s.saved = s.memory.Save(saveCtx, s.userID, s.history.Turns(), s.snapshot)

	if s.connector != nil {
		if err := s.connector.Close(); err != nil {
			s.logger.Warn("failed to close mcp connections", zap.Error(err))
		}
	}

	duration := time.Since(s.started)
	s.metrics.RecordSessionEnd(reason, duration)
	s.logger.Info("session ended",
		zap.String("reason", reason),
		zap.Int("turns", s.history.Len()),
		zap.Int("saved", s.saved),
		zap.Duration("duration", duration))

	if s.onClosed != nil {
		s.onClosed(s)
	}
	return errors.Join(errs...)
}
