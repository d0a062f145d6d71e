package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/agent/conversation"
	"github.com/BaSui01/voxagent/internal/metrics"
	"github.com/BaSui01/voxagent/internal/telemetry"
	"github.com/BaSui01/voxagent/types"
)

// ManagerConfig 配置记忆连续性管理器。
type ManagerConfig struct {
	// SearchQuery 非空时按语义检索加载，否则加载用户全部事实。
	SearchQuery string `yaml:"search_query" json:"search_query"`
	// Limit 限制加载的事实数，0 表示不限。
	Limit int `yaml:"limit" json:"limit"`
	// MaxSnapshotTokens 限制注入块的 token 数，0 表示不限。
	MaxSnapshotTokens int `yaml:"max_snapshot_tokens" json:"max_snapshot_tokens"`
	// ContextRole 是注入轮次的角色（assistant 或 system）。
	ContextRole types.Role `yaml:"context_role" json:"context_role"`
	// ContextTemplate 接收 user_id 与渲染块两个 %s 参数。
	ContextTemplate string        `yaml:"context_template" json:"context_template"`
	LoadTimeout     time.Duration `yaml:"load_timeout" json:"load_timeout"`
	SaveTimeout     time.Duration `yaml:"save_timeout" json:"save_timeout"`
}

// DefaultManagerConfig returns the defaults used by the session orchestrator.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ContextRole:     types.RoleAssistant,
		ContextTemplate: DefaultContextTemplate,
		LoadTimeout:     10 * time.Second,
		SaveTimeout:     30 * time.Second,
	}
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithTokenCounter sets the counter used for MaxSnapshotTokens.
func WithTokenCounter(c types.TokenCounter) ManagerOption {
	return func(m *Manager) { m.counter = c }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

// Manager 负责会话开始时加载事实、结束时保存新事实。
// 两个操作都在边界处吞掉所有错误：记忆是增强，不是会话前提。
type Manager struct {
	store   Store
	config  ManagerConfig
	counter types.TokenCounter
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewManager creates a memory continuity manager over store.
func NewManager(store Store, config ManagerConfig, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ContextRole == "" {
		config.ContextRole = types.RoleAssistant
	}
	if config.ContextTemplate == "" {
		config.ContextTemplate = DefaultContextTemplate
	}
	m := &Manager{
		store:  store,
		config: config,
		tracer: telemetry.Tracer("memory"),
		logger: logger.With(zap.String("component", "memory_manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.config.MaxSnapshotTokens > 0 && m.counter == nil {
		m.counter = NewTokenCounter("", logger)
	}
	return m
}

// Load 查询 userID 的事实，按 updated_at 降序渲染为一个块，
// 作为单条上下文轮次追加到 history，并返回快照供保存时排除。
// 任何失败都只记录日志并返回空快照。
func (m *Manager) Load(ctx context.Context, userID string, history *conversation.History) (snap Snapshot) {
	snap = Snapshot{UserID: userID}
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "memory.load", trace.WithAttributes(attribute.String("user_id", userID)))

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memory load panic: %v", r)
			snap = Snapshot{UserID: userID}
		}
		status := "success"
		if err != nil {
			status = "error"
			m.logger.Warn("memory load failed, continuing without context",
				zap.String("user_id", userID), zap.Error(err))
		}
		m.metrics.RecordMemoryOp("load", status, time.Since(start))
		m.metrics.RecordSnapshotFacts(len(snap.Facts))
		span.SetAttributes(attribute.Int("facts", len(snap.Facts)))
		telemetry.EndSpan(span, err)
	}()

	if m.store == nil {
		return snap
	}

	loadCtx := ctx
	if m.config.LoadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, m.config.LoadTimeout)
		defer cancel()
	}

	var facts []Fact
	facts, err = m.store.Search(loadCtx, userID, SearchOptions{
		Query: m.config.SearchQuery,
		Limit: m.config.Limit,
	})
	if err != nil {
		err = types.NewError(types.ErrMemoryUnavailable, "search facts").WithCause(err).WithRetryable(true)
		return snap
	}

	facts = usableFacts(facts)
	if len(facts) == 0 {
		m.logger.Debug("no facts for user", zap.String("user_id", userID))
		return snap
	}
	SortByRecency(facts)
	if m.config.MaxSnapshotTokens > 0 {
		facts = fitToBudget(facts, m.config.MaxSnapshotTokens, m.counter)
	}

	var text string
	text, err = RenderFacts(facts)
	if err != nil {
		return snap
	}
	snap.Facts = facts
	snap.Text = text

	if history != nil && !snap.Empty() {
		history.Add(snap.ContextMessage(m.config.ContextTemplate, m.config.ContextRole))
	}

	m.logger.Info("memory loaded",
		zap.String("user_id", userID),
		zap.Int("facts", len(facts)))
	return snap
}

// Save 写入 user/assistant 轮次中未包含注入快照的部分，一次批量调用。
// 过滤结果为空时不调用存储。返回提交的条目数；失败只记录日志。
func (m *Manager) Save(ctx context.Context, userID string, turns []types.Message, injected Snapshot) (written int) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "memory.save", trace.WithAttributes(attribute.String("user_id", userID)))

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memory save panic: %v", r)
			written = 0
		}
		status := "success"
		switch {
		case err != nil:
			status = "error"
			m.logger.Error("memory save failed",
				zap.String("user_id", userID),
				zap.Int("entries", written),
				zap.Error(err))
			written = 0
		case written == 0:
			status = "skipped"
		}
		m.metrics.RecordMemoryOp("save", status, time.Since(start))
		span.SetAttributes(attribute.Int("entries", written))
		telemetry.EndSpan(span, err)
	}()

	entries := FilterTurns(turns, injected)
	if len(entries) == 0 || m.store == nil {
		m.logger.Debug("nothing to save", zap.String("user_id", userID))
		return 0
	}
	written = len(entries)

	saveCtx := ctx
	if m.config.SaveTimeout > 0 {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(ctx, m.config.SaveTimeout)
		defer cancel()
	}

	if err = m.store.Add(saveCtx, userID, entries); err != nil {
		err = types.NewError(types.ErrMemoryUnavailable, "add facts").WithCause(err).WithRetryable(true)
		return 0
	}

	m.logger.Info("memory saved",
		zap.String("user_id", userID),
		zap.Int("entries", written))
	return written
}

// FilterTurns keeps user and assistant turns with non-blank content that do
// not contain the injected snapshot text, trimmed, in original order.
func FilterTurns(turns []types.Message, injected Snapshot) []Entry {
	out := make([]Entry, 0, len(turns))
	for _, t := range turns {
		if t.Role != types.RoleUser && t.Role != types.RoleAssistant {
			continue
		}
		if injected.Excludes(t.Content) {
			continue
		}
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		out = append(out, Entry{Role: t.Role, Content: content})
	}
	return out
}

func usableFacts(facts []Fact) []Fact {
	out := facts[:0]
	for _, f := range facts {
		if strings.TrimSpace(f.Text) != "" {
			out = append(out, f)
		}
	}
	return out
}
