package hitl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/agent/memory"
	"github.com/BaSui01/voxagent/internal/metrics"
	"github.com/BaSui01/voxagent/types"
)

// OutcomeStatus 区分"没有待确认操作"、"已批准"与"已取消"。
type OutcomeStatus string

const (
	OutcomeNone      OutcomeStatus = "none"
	OutcomeApproved  OutcomeStatus = "approved"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome 是 Resolve 的结果。只有 OutcomeApproved 携带 Action。
type Outcome struct {
	Status  OutcomeStatus
	Action  *PendingAction
	Message string
}

// Approved reports whether the pending action should run.
func (o Outcome) Approved() bool {
	return o.Status == OutcomeApproved && o.Action != nil
}

// GateConfig 配置审批闸门。
type GateConfig struct {
	// Affirmatives 是视为同意的回答（不区分大小写）。
	Affirmatives []string `yaml:"affirmatives" json:"affirmatives"`
	// PromptTemplate 接收操作描述一个 %s 参数。
	PromptTemplate string `yaml:"prompt_template" json:"prompt_template"`
	CancelMessage  string `yaml:"cancel_message" json:"cancel_message"`
	// TTL 之后待确认操作失效，0 表示不过期。
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// RecordPending 把待确认状态作为事实写入记忆存储。
	RecordPending bool          `yaml:"record_pending" json:"record_pending"`
	RecordTimeout time.Duration `yaml:"record_timeout" json:"record_timeout"`
}

// DefaultGateConfig 返回默认配置。
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Affirmatives:   []string{"yes", "confirm", "go ahead", "yes please", "yeah", "yep", "proceed", "do it"},
		PromptTemplate: "Do you want me to proceed with: %s? Please say yes or no.",
		CancelMessage:  "Action cancelled.",
		TTL:            10 * time.Minute,
		RecordPending:  true,
		RecordTimeout:  10 * time.Second,
	}
}

// Gate 是按会话隔离的审批闸门。进程内构造一次，按引用传给需要的组件。
type Gate struct {
	registry     Registry
	recorder     memory.Recorder
	config       GateConfig
	affirmatives map[string]struct{}
	metrics      *metrics.Collector
	logger       *zap.Logger
	now          func() time.Time

	inflight sync.WaitGroup
}

// GateOption customizes a Gate.
type GateOption func(*Gate)

// WithRecorder sets where pending state is pre-recorded.
func WithRecorder(r memory.Recorder) GateOption {
	return func(g *Gate) { g.recorder = r }
}

// WithGateMetrics attaches a metrics collector.
func WithGateMetrics(c *metrics.Collector) GateOption {
	return func(g *Gate) { g.metrics = c }
}

// NewGate creates an approval gate. A nil registry uses InMemoryRegistry.
func NewGate(registry Registry, config GateConfig, logger *zap.Logger, opts ...GateOption) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewInMemoryRegistry()
	}
	defaults := DefaultGateConfig()
	if len(config.Affirmatives) == 0 {
		config.Affirmatives = defaults.Affirmatives
	}
	if config.PromptTemplate == "" {
		config.PromptTemplate = defaults.PromptTemplate
	}
	if config.CancelMessage == "" {
		config.CancelMessage = defaults.CancelMessage
	}
	if config.RecordTimeout <= 0 {
		config.RecordTimeout = defaults.RecordTimeout
	}

	aff := make(map[string]struct{}, len(config.Affirmatives))
	for _, a := range config.Affirmatives {
		aff[normalizeResponse(a)] = struct{}{}
	}

	g := &Gate{
		registry:     registry,
		config:       config,
		affirmatives: aff,
		logger:       logger.With(zap.String("component", "approval_gate")),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request 在 sessionID 下登记 action（覆盖旧条目）并返回确认提示。
func (g *Gate) Request(ctx context.Context, sessionID, userID, action string) string {
	return g.Defer(ctx, sessionID, userID, action, nil)
}

// Defer 与 Request 相同，但同时保存被推迟的工具调用，批准后可重放。
func (g *Gate) Defer(ctx context.Context, sessionID, userID, description string, call *types.ToolCall) string {
	now := g.now()
	pending := &PendingAction{
		ID:          generateActionID(now),
		SessionID:   sessionID,
		UserID:      userID,
		Description: description,
		Call:        call,
		CreatedAt:   now,
	}
	if g.config.TTL > 0 {
		pending.ExpiresAt = now.Add(g.config.TTL)
	}

	if err := g.registry.Put(ctx, pending); err != nil {
		g.logger.Error("store pending action failed",
			zap.String("session_id", sessionID),
			zap.String("action", description),
			zap.Error(err))
		return fmt.Sprintf("I couldn't queue %q for confirmation right now, so I haven't done it.", description)
	}

	g.metrics.RecordApproval("requested")
	g.logger.Info("approval requested",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("action", description))

	if g.config.RecordPending && g.recorder != nil && userID != "" {
		g.recordPending(ctx, userID, description)
	}
	return fmt.Sprintf(g.config.PromptTemplate, description)
}

// recordPending writes the pending state to memory in the background.
// Wait blocks until every such write has finished.
func (g *Gate) recordPending(ctx context.Context, userID, description string) {
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("pending record panic", zap.Any("panic", r))
			}
		}()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.RecordTimeout)
		defer cancel()
		entry := memory.MemoryEntry("Pending approval: " + description)
		if err := g.recorder.Add(rctx, userID, []memory.Entry{entry}); err != nil {
			g.logger.Warn("record pending approval failed",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}()
}

// Resolve 消费 sessionID 的待确认操作。
// 不存在时返回 OutcomeNone；回答匹配同意集合时返回 OutcomeApproved 与操作；
// 否则删除条目并返回 OutcomeCancelled。
func (g *Gate) Resolve(ctx context.Context, sessionID, response string) Outcome {
	pending, err := g.registry.Take(ctx, sessionID)
	if err != nil {
		g.logger.Error("take pending action failed", zap.String("session_id", sessionID), zap.Error(err))
		g.metrics.RecordApproval("none")
		return Outcome{Status: OutcomeNone}
	}
	if pending == nil {
		g.metrics.RecordApproval("none")
		return Outcome{Status: OutcomeNone}
	}

	if g.IsAffirmative(response) {
		g.metrics.RecordApproval("approved")
		g.logger.Info("action approved",
			zap.String("session_id", sessionID),
			zap.String("action", pending.Description))
		return Outcome{Status: OutcomeApproved, Action: pending}
	}

	g.metrics.RecordApproval("cancelled")
	g.logger.Info("action cancelled",
		zap.String("session_id", sessionID),
		zap.String("action", pending.Description))
	return Outcome{Status: OutcomeCancelled, Message: g.config.CancelMessage}
}

// Pending returns the session's pending action without consuming it.
func (g *Gate) Pending(ctx context.Context, sessionID string) (*PendingAction, bool) {
	pending, err := g.registry.Peek(ctx, sessionID)
	if err != nil {
		g.logger.Warn("peek pending action failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, false
	}
	return pending, pending != nil
}

// Discard drops any pending action for a session that is ending.
func (g *Gate) Discard(ctx context.Context, sessionID string) {
	if _, err := g.registry.Take(ctx, sessionID); err != nil {
		g.logger.Warn("discard pending action failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// IsAffirmative matches a user response against the affirmative set,
// ignoring case, surrounding whitespace and trailing punctuation.
func (g *Gate) IsAffirmative(response string) bool {
	_, ok := g.affirmatives[normalizeResponse(response)]
	return ok
}

// Wait blocks until background pre-record writes finish or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func normalizeResponse(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!?, ")
	return strings.Join(strings.Fields(s), " ")
}

func generateActionID(now time.Time) string {
	return fmt.Sprintf("act_%d", now.UnixNano())
}
