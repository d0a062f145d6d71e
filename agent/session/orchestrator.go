package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/voxagent/agent/conversation"
	"github.com/BaSui01/voxagent/agent/handoff"
	"github.com/BaSui01/voxagent/agent/hitl"
	"github.com/BaSui01/voxagent/agent/mcp"
	"github.com/BaSui01/voxagent/agent/memory"
	"github.com/BaSui01/voxagent/agent/voice"
	"github.com/BaSui01/voxagent/internal/metrics"
	"github.com/BaSui01/voxagent/internal/telemetry"
	"github.com/BaSui01/voxagent/llm/tools"
	"github.com/BaSui01/voxagent/types"
)

// DefaultOpeningInstructions 是就绪后生成开场白的指令：问候用户，
// 并按事实的 updated_at 跟进上次未结束的话题。
const DefaultOpeningInstructions = `# Task
- Provide assistance by using the tools you have access to when needed.
- Greet the user. If the previous conversation ended with an open topic, ask about it.
- Use the chat context to understand the user's preferences and past interactions.
  Example follow-up: "Good evening, how did the meeting with the client go? Did you manage to close the deal?"
- Use the latest information about the user to start the conversation. The updated_at field of each memory tells you how recent it is.
- Only follow up when there is an open topic. If its outcome was already discussed, just say "Good evening, how can I assist you today?"
- Do not repeat an opening question you already asked in an earlier conversation.`

// Config 配置会话编排。
type Config struct {
	OpeningInstructions string `yaml:"opening_instructions" json:"opening_instructions"`
	// ReadyTimeout 是等待管线就绪再开口的上限，超时则跳过开场白。
	ReadyTimeout time.Duration `yaml:"ready_timeout" json:"ready_timeout"`
	// TeardownGrace 分别约束结束时的管线关闭与记忆保存。
	TeardownGrace time.Duration `yaml:"teardown_grace" json:"teardown_grace"`
	// MCPConnectTimeout 约束外部工具服务器的连接，超时的服务器被跳过。
	MCPConnectTimeout time.Duration `yaml:"mcp_connect_timeout" json:"mcp_connect_timeout"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		OpeningInstructions: DefaultOpeningInstructions,
		ReadyTimeout:        30 * time.Second,
		TeardownGrace:       15 * time.Second,
		MCPConnectTimeout:   10 * time.Second,
	}
}

// Request 描述一次待建立的通话。
type Request struct {
	SessionID string
	RoomName  string
	// UserID 是调用方已知的身份提示，由 IdentityResolver 决定是否采用。
	UserID string
	// Token 是 bearer token（可带 "Bearer " 前缀）。
	Token string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithIdentity sets the identity resolver.
func WithIdentity(r IdentityResolver) Option {
	return func(o *Orchestrator) { o.identity = r }
}

// WithGate sets the shared approval gate.
func WithGate(g *hitl.Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithTools adds shared catalogue tools.
func WithTools(ts ...tools.Tool) Option {
	return func(o *Orchestrator) { o.tools = append(o.tools, ts...) }
}

// WithMCPServers sets the remote tool servers connected per session.
func WithMCPServers(servers ...mcp.ServerConfig) Option {
	return func(o *Orchestrator) { o.mcpServers = append(o.mcpServers, servers...) }
}

// WithMachineConfig sets the handoff machine configuration.
func WithMachineConfig(c handoff.MachineConfig) Option {
	return func(o *Orchestrator) { o.machineConfig = c }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// Orchestrator 按固定顺序建立通话并跟踪存活会话，关闭进程前等待全部 teardown。
type Orchestrator struct {
	catalog       *handoff.Catalog
	memory        *memory.Manager
	identity      IdentityResolver
	gate          *hitl.Gate
	tools         []tools.Tool
	mcpServers    []mcp.ServerConfig
	machineConfig handoff.MachineConfig
	config        Config
	metrics       *metrics.Collector
	tracer        trace.Tracer
	logger        *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	draining bool
	wg       sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. The catalog and the memory manager are required.
func NewOrchestrator(catalog *handoff.Catalog, mem *memory.Manager, config Config, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if catalog == nil || mem == nil {
		return nil, errors.New("orchestrator requires a persona catalog and a memory manager")
	}
	def := DefaultConfig()
	if config.OpeningInstructions == "" {
		config.OpeningInstructions = def.OpeningInstructions
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = def.ReadyTimeout
	}
	if config.TeardownGrace <= 0 {
		config.TeardownGrace = def.TeardownGrace
	}
	if config.MCPConnectTimeout <= 0 {
		config.MCPConnectTimeout = def.MCPConnectTimeout
	}

	o := &Orchestrator{
		catalog:       catalog,
		memory:        mem,
		identity:      StaticIdentity{},
		machineConfig: handoff.DefaultMachineConfig(),
		config:        config,
		tracer:        telemetry.Tracer("session"),
		logger:        logger.With(zap.String("component", "session_orchestrator")),
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Start 建立一次通话，严格按顺序：
//  1. 解析用户标识；
//  2. 加载记忆并注入为上下文轮次；
//  3. 连接外部工具服务器（尽力而为）；
//  4. 用已加载的上下文与工具构造初始人设并启动管线；
//  5. 登记 teardown：管线结束时以第 2 步的快照保存最终轮次；
//  6. 管线就绪后生成开场白。
//
// 身份解析失败或管线启动失败时返回错误，其余失败降级。
func (o *Orchestrator) Start(ctx context.Context, req Request, pipeline voice.Pipeline, room voice.Room) (s *Session, err error) {
	if pipeline == nil {
		return nil, errors.New("session requires a pipeline")
	}
	// 启动期间占住一个 wg 名额，Shutdown 会等到本次启动结束
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return nil, ErrSessionClosed
	}
	o.wg.Add(1)
	o.mu.Unlock()
	registered := false
	defer func() {
		if !registered {
			o.wg.Done()
		}
	}()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx = types.WithSessionID(ctx, sessionID)
	if _, ok := types.TraceID(ctx); !ok {
		ctx = types.WithTraceID(ctx, sessionID)
	}
	ctx, span := o.tracer.Start(ctx, "session.start", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer func() {
		status := "started"
		if err != nil {
			status = "error"
		}
		o.metrics.RecordSessionStart(status)
		telemetry.EndSpan(span, err)
	}()
	logger := o.logger.With(zap.String("session_id", sessionID))

	// 1. 身份
	userID, err := o.identity.Resolve(ctx, req)
	if err != nil {
		logger.Warn("identity resolution failed", zap.Error(err))
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	ctx = types.WithUserID(ctx, userID)
	logger = logger.With(zap.String("user_id", userID))
	span.SetAttributes(attribute.String("user_id", userID))

	// 2. 记忆
	history := conversation.NewHistory(sessionID)
	snapshot := o.memory.Load(ctx, userID, history)

	// 3. 外部工具服务器
	var connector *mcp.Connector
	if len(o.mcpServers) > 0 {
		connector = mcp.NewConnector(o.mcpServers, logger)
		cctx, cancel := context.WithTimeout(ctx, o.config.MCPConnectTimeout)
		if cerr := connector.Connect(cctx); cerr != nil {
			logger.Warn("some mcp servers are unavailable", zap.Error(cerr))
		}
		cancel()
	}

	// 4. 人设与管线
	registry := tools.NewRegistry(logger)
	if err = registry.Register(o.tools...); err != nil {
		o.closeConnector(connector, logger)
		return nil, fmt.Errorf("register tools: %w", err)
	}
	if connector != nil {
		for _, t := range connector.Tools() {
			if rerr := registry.Register(t); rerr != nil {
				logger.Warn("skipping mcp tool", zap.String("tool", t.Name), zap.Error(rerr))
			}
		}
	}
	executor := tools.NewExecutor(registry, logger,
		tools.WithApprovalGate(o.gate),
		tools.WithExecutorMetrics(o.metrics))

	machineOpts := []handoff.MachineOption{handoff.WithMachineMetrics(o.metrics)}
	if room != nil {
		machineOpts = append(machineOpts, handoff.WithRoom(room))
	}
	machine, err := handoff.NewMachine(o.catalog, history, pipeline, executor, o.machineConfig, logger, machineOpts...)
	if err != nil {
		o.closeConnector(connector, logger)
		return nil, fmt.Errorf("build personas: %w", err)
	}

	s = &Session{
		id:            sessionID,
		userID:        userID,
		started:       time.Now(),
		history:       history,
		snapshot:      snapshot,
		machine:       machine,
		pipeline:      pipeline,
		gate:          o.gate,
		memory:        o.memory,
		connector:     connector,
		metrics:       o.metrics,
		logger:        logger,
		teardownGrace: o.config.TeardownGrace,
		onClosed:      o.forget,
		closed:        make(chan struct{}),
	}

	if err = pipeline.Start(ctx, machine.Active().AgentConfig(), s); err != nil {
		o.closeConnector(connector, logger)
		logger.Error("failed to start pipeline",
			zap.String("persona", machine.Active().Name()),
			zap.String("room", req.RoomName),
			zap.Error(err))
		return nil, types.NewError(types.ErrPipelineStart, "start voice pipeline").WithCause(err)
	}

	// 5. teardown
	o.mu.Lock()
	if o.draining {
		// Shutdown 已取走存活列表，这里自行结束并保存
		o.mu.Unlock()
		logger.Info("shutdown began while starting, ending session")
		if cerr := s.close(context.WithoutCancel(ctx), EndShutdown); cerr != nil {
			logger.Warn("teardown after shutdown failed", zap.Error(cerr))
		}
		return nil, ErrSessionClosed
	}
	o.sessions[sessionID] = s
	registered = true
	o.mu.Unlock()
	go s.watch(ctx)

	logger.Info("session started",
		zap.String("persona", machine.Active().Name()),
		zap.Int("facts", len(snapshot.Facts)),
		zap.Int("tools", registry.Len()))

	// 6. 开场白
	o.greet(ctx, s)
	return s, nil
}

func (o *Orchestrator) greet(ctx context.Context, s *Session) {
	timer := time.NewTimer(o.config.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-s.pipeline.Ready():
	case <-s.pipeline.Done():
		return
	case <-ctx.Done():
		return
	case <-timer.C:
		s.logger.Warn("pipeline not ready, skipping opening utterance", zap.Duration("timeout", o.config.ReadyTimeout))
		return
	}
	if err := s.pipeline.GenerateReply(ctx, o.config.OpeningInstructions, true); err != nil {
		s.logger.Warn("failed to deliver opening utterance", zap.Error(err))
		return
	}
	s.logger.Debug("opening utterance requested")
}

func (o *Orchestrator) closeConnector(c *mcp.Connector, logger *zap.Logger) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("failed to close mcp connections", zap.Error(err))
	}
}

// forget 在会话 teardown 完成后调用。
func (o *Orchestrator) forget(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sessions[s.id]; ok {
		delete(o.sessions, s.id)
		o.wg.Done()
	}
}

// Session returns a live session by ID.
func (o *Orchestrator) Session(id string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	return s, ok
}

// Active returns the number of live sessions.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Shutdown 拒绝新会话，并发结束全部存活会话并等待各自的 teardown，
// 最后等待审批闸门的预记录写入。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	live := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		live = append(live, s)
	}
	o.mu.Unlock()

	o.logger.Info("shutting down sessions", zap.Int("active", len(live)))

	var g errgroup.Group
	for _, s := range live {
		g.Go(func() error {
			if err := s.close(ctx, EndShutdown); err != nil {
				return fmt.Errorf("session %s: %w", s.id, err)
			}
			return nil
		})
	}
	err := g.Wait()

	waited := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}

	if o.gate != nil {
		if gerr := o.gate.Wait(ctx); gerr != nil {
			err = errors.Join(err, fmt.Errorf("approval gate: %w", gerr))
		}
	}
	return err
}
