package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/agent/conversation"
	"github.com/BaSui01/voxagent/agent/voice"
	"github.com/BaSui01/voxagent/internal/metrics"
	"github.com/BaSui01/voxagent/internal/telemetry"
	"github.com/BaSui01/voxagent/llm/tools"
	"github.com/BaSui01/voxagent/types"
)

// MachineConfig 配置人设状态机。
type MachineConfig struct {
	// GoodbyeInstructions 是 end_conversation 生成告别语时的指令。
	GoodbyeInstructions string `yaml:"goodbye_instructions" json:"goodbye_instructions"`
}

// DefaultMachineConfig returns defaults.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{GoodbyeInstructions: "Say goodbye to the user."}
}

// MachineOption customizes a Machine.
type MachineOption func(*Machine)

// WithRoom sets the room deleted by end_conversation.
func WithRoom(r voice.Room) MachineOption {
	return func(m *Machine) { m.room = r }
}

// WithMachineMetrics attaches a metrics collector.
func WithMachineMetrics(c *metrics.Collector) MachineOption {
	return func(m *Machine) { m.metrics = c }
}

// Machine 是单次通话内的人设状态机。
//
// 状态只能通过活动人设暴露的转接工具改变；转接对工具分发是屏障：
// 普通工具在读锁下并发执行，转接与结束在写锁下串行执行。
type Machine struct {
	catalog  *Catalog
	history  *conversation.History
	pipeline voice.Pipeline
	room     voice.Room
	tools    *tools.Executor
	control  *tools.Executor
	config   MachineConfig
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger

	mu     sync.RWMutex
	active *Persona
	ended  bool
}

// NewMachine 创建状态机并构造初始人设。executor 分发目录工具（含 MCP 工具）。
func NewMachine(catalog *Catalog, history *conversation.History, pipeline voice.Pipeline,
	executor *tools.Executor, config MachineConfig, logger *zap.Logger, opts ...MachineOption) (*Machine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if catalog == nil || history == nil || pipeline == nil {
		return nil, errors.New("handoff machine requires a catalog, a history and a pipeline")
	}
	if executor == nil {
		executor = tools.NewExecutor(tools.NewRegistry(logger), logger)
	}
	if config.GoodbyeInstructions == "" {
		config.GoodbyeInstructions = DefaultMachineConfig().GoodbyeInstructions
	}

	m := &Machine{
		catalog:  catalog,
		history:  history,
		pipeline: pipeline,
		tools:    executor,
		config:   config,
		tracer:   telemetry.Tracer("handoff"),
		logger:   logger.With(zap.String("component", "handoff"), zap.String("session_id", history.ID())),
	}
	for _, opt := range opts {
		opt(m)
	}

	control := tools.NewRegistry(logger)
	for _, r := range catalog.Routes() {
		if err := control.Register(tools.Tool{
			Name:        r.Tool,
			Description: r.Description,
			Parameters:  routeSchema(r),
			Handler:     m.transitionHandler(r.Tool),
		}); err != nil {
			return nil, fmt.Errorf("register transition %q: %w", r.Tool, err)
		}
	}
	if err := control.Register(tools.Tool{
		Name:        EndConversationTool,
		Description: "Call this function when the user wants to end the conversation.",
		Parameters:  routeSchema(Route{}),
		Handler:     m.endHandler,
	}); err != nil {
		return nil, err
	}
	m.control = tools.NewExecutor(control, logger, tools.WithExecutorMetrics(m.metrics), tools.WithMaxConcurrency(1))

	initial, err := m.build(catalog.Default(), nil)
	if err != nil {
		return nil, err
	}
	m.active = initial
	return m, nil
}

// Active returns the active persona.
func (m *Machine) Active() *Persona {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Ended reports whether end_conversation has run.
func (m *Machine) Ended() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ended
}

func (m *Machine) build(name string, params map[string]string) (*Persona, error) {
	return m.catalog.Build(name, m.history, params, m.tools.Registry().Schemas(), m.control.Registry().Schemas())
}

// Dispatch 执行模型在一个轮次内请求的工具调用，结果顺序与 calls 一致。
// 活动人设未暴露的工具一律拒绝。
func (m *Machine) Dispatch(ctx context.Context, calls []types.ToolCall) []types.ToolResult {
	results := make([]types.ToolResult, len(calls))

	var (
		regular    []types.ToolCall
		regularIdx []int
		controlIdx []int
	)

	m.mu.RLock()
	active, ended := m.active, m.ended
	for i, call := range calls {
		switch {
		case ended:
			results[i] = rejected(call, "The conversation has already ended.")
		case !active.HasTool(call.Name):
			results[i] = rejected(call, fmt.Sprintf("I don't have a tool called %q.", call.Name))
		case m.control.Registry().Has(call.Name):
			controlIdx = append(controlIdx, i)
		default:
			regular = append(regular, call)
			regularIdx = append(regularIdx, i)
		}
	}
	if len(regular) > 0 {
		for j, res := range m.tools.Execute(ctx, regular) {
			results[regularIdx[j]] = res
		}
	}
	m.mu.RUnlock()

	// 转接在所有普通调用完成后串行执行
	for _, i := range controlIdx {
		results[i] = m.control.ExecuteOne(ctx, calls[i])
	}
	return results
}

func rejected(call types.ToolCall, output string) types.ToolResult {
	return types.ToolResult{ToolCallID: call.ID, Name: call.Name, Output: output, Failed: true}
}

// Transition 通过活动人设上的转接工具切换人设。
// 新人设与旧人设共享同一个 History；管线先安装新人设，再朗读转接语并按新指令生成回复。
func (m *Machine) Transition(ctx context.Context, tool string, args map[string]string) (next *Persona, utterance string, err error) {
	ctx, span := m.tracer.Start(ctx, "handoff.transition", trace.WithAttributes(attribute.String("tool", tool)))
	defer func() { telemetry.EndSpan(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return nil, "", ErrConversationEnded
	}
	from := m.active
	spec, _ := m.catalog.Spec(from.Name())
	route, ok := spec.route(tool)
	if !ok {
		return nil, "", fmt.Errorf("%s from %s: %w", tool, from.Name(), ErrRouteNotFound)
	}

	params := make(map[string]string)
	if route.Param != "" {
		params[route.Param] = strings.TrimSpace(args[route.Param])
	}
	next, err = m.build(route.Target, params)
	if err != nil {
		return nil, "", err
	}
	if err = m.pipeline.UpdateAgent(ctx, next.AgentConfig()); err != nil {
		return nil, "", fmt.Errorf("install persona %q: %w", next.Name(), err)
	}
	m.active = next
	m.metrics.RecordHandoff(from.Name(), next.Name())
	span.SetAttributes(attribute.String("from", from.Name()), attribute.String("to", next.Name()))
	m.logger.Info("persona handoff",
		zap.String("from", from.Name()),
		zap.String("persona", next.Name()),
		zap.Int("turns", m.history.Len()))

	utterance = renderTemplate(route.Utterance, params)
	if utterance != "" {
		if err := m.pipeline.Say(ctx, utterance, true); err != nil {
			m.logger.Warn("failed to speak handoff utterance", zap.String("persona", next.Name()), zap.Error(err))
		}
	}
	if err := m.pipeline.GenerateReply(ctx, next.spec.OnEnter, true); err != nil {
		m.logger.Warn("failed to generate entry reply", zap.String("persona", next.Name()), zap.Error(err))
	}
	return next, utterance, nil
}

// End 结束对话：打断当前生成，以不可打断方式说告别语，然后删除房间。
func (m *Machine) End(ctx context.Context) (err error) {
	ctx, span := m.tracer.Start(ctx, "handoff.end")
	defer func() { telemetry.EndSpan(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return nil
	}
	m.ended = true

	if err := m.pipeline.Interrupt(ctx); err != nil {
		m.logger.Warn("interrupt failed", zap.Error(err))
	}
	if err := m.pipeline.GenerateReply(ctx, m.config.GoodbyeInstructions, false); err != nil {
		m.logger.Warn("goodbye failed", zap.Error(err))
	}
	if m.room == nil {
		m.logger.Warn("no room to delete")
		return nil
	}
	if err = m.room.Delete(ctx); err != nil {
		m.logger.Error("failed to delete room", zap.String("room", m.room.Name()), zap.Error(err))
		return fmt.Errorf("delete room %s: %w", m.room.Name(), err)
	}
	m.logger.Info("conversation ended", zap.String("persona", m.active.Name()), zap.String("room", m.room.Name()))
	return nil
}

func (m *Machine) transitionHandler(tool string) tools.Handler {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		args, err := tools.Bind[map[string]string](raw)
		if err != nil {
			return "", err
		}
		_, utterance, err := m.Transition(ctx, tool, args)
		switch {
		case errors.Is(err, ErrConversationEnded):
			return "The conversation has already ended.", nil
		case errors.Is(err, ErrRouteNotFound):
			return "That transfer is not available right now.", nil
		case err != nil:
			return "", err
		}
		return utterance, nil
	}
}

func (m *Machine) endHandler(ctx context.Context, _ json.RawMessage) (string, error) {
	if err := m.End(ctx); err != nil {
		return "The conversation ended, but the room could not be closed.", nil
	}
	return "Conversation ended.", nil
}

// routeSchema 生成转接工具的参数 schema：至多一个必填字符串参数。
func routeSchema(r Route) json.RawMessage {
	s := &jsonschema.Schema{
		Type:                 "object",
		Properties:           jsonschema.NewProperties(),
		AdditionalProperties: jsonschema.FalseSchema,
	}
	if r.Param != "" {
		s.Properties.Set(r.Param, &jsonschema.Schema{Type: "string", Description: r.ParamDescription})
		s.Required = []string{r.Param}
	}
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("route schema for %s: %v", r.Tool, err))
	}
	return data
}
