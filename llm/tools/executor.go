package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/voxagent/agent/hitl"
	"github.com/BaSui01/voxagent/internal/ctxkeys"
	"github.com/BaSui01/voxagent/internal/metrics"
	"github.com/BaSui01/voxagent/internal/telemetry"
	"github.com/BaSui01/voxagent/types"
)

// DefaultMaxConcurrency bounds parallel tool calls within one turn.
const DefaultMaxConcurrency = 8

// Executor 按名称分发工具调用。每次调用有独立超时；
// 所有失败（未知工具、参数校验、限流、超时、错误、panic）都转换为描述性字符串。
type Executor struct {
	registry       *Registry
	gate           *hitl.Gate
	metrics        *metrics.Collector
	tracer         trace.Tracer
	maxConcurrency int
	logger         *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithApprovalGate 敏感工具在未确认时改为登记待确认操作并返回确认提示。
func WithApprovalGate(g *hitl.Gate) ExecutorOption {
	return func(e *Executor) { e.gate = g }
}

// WithExecutorMetrics attaches a metrics collector.
func WithExecutorMetrics(c *metrics.Collector) ExecutorOption {
	return func(e *Executor) { e.metrics = c }
}

// WithMaxConcurrency bounds parallel calls in Execute.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// NewExecutor 创建工具执行器。
func NewExecutor(registry *Registry, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		registry:       registry,
		tracer:         telemetry.Tracer("tools"),
		maxConcurrency: DefaultMaxConcurrency,
		logger:         logger.With(zap.String("component", "tool_executor")),
		limiters:       make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry the executor dispatches against.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute 并发执行一轮中的全部工具调用，结果顺序与 calls 一致。
func (e *Executor) Execute(ctx context.Context, calls []types.ToolCall) []types.ToolResult {
	results := make([]types.ToolResult, len(calls))

	var g errgroup.Group
	g.SetLimit(e.maxConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.ExecuteOne(ctx, call)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ExecuteOne 执行单个工具调用，从不返回错误。
func (e *Executor) ExecuteOne(ctx context.Context, call types.ToolCall) types.ToolResult {
	start := time.Now()
	result := types.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
	}

	attrs := []attribute.KeyValue{attribute.String("tool", call.Name)}
	persona, hasPersona := ctxkeys.Persona(ctx)
	if hasPersona {
		attrs = append(attrs, attribute.String("persona", persona))
	}
	ctx, span := e.tracer.Start(ctx, "tool.execute", trace.WithAttributes(attrs...))
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	fail := func(status, output string, err error, fields ...zap.Field) types.ToolResult {
		result.Output = output
		result.Failed = true
		result.Duration = time.Since(start)
		spanErr = err
		e.metrics.RecordToolCall(call.Name, status, result.Duration)
		fields = append(fields, zap.String("tool", call.Name), zap.Error(err), zap.Duration("duration", result.Duration))
		if hasPersona {
			fields = append(fields, zap.String("persona", persona))
		}
		e.logger.Warn("tool call failed", fields...)
		return result
	}

	// 1. 查找工具
	rt, ok := e.registry.lookup(call.Name)
	if !ok {
		err := types.NewError(types.ErrToolNotFound, "tool not found: "+call.Name)
		return fail("not_found", fmt.Sprintf("I don't have a tool called %q.", call.Name), err)
	}
	tool := rt.tool

	args := call.Arguments
	if len(args) == 0 || strings.TrimSpace(string(args)) == "" || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	// 2. 参数校验
	if err := validateArgs(rt.schema, args); err != nil {
		return fail("invalid", fmt.Sprintf("Invalid arguments for %s: %s", tool.Name, errorText(err)), err)
	}

	// 3. 敏感操作先确认
	if tool.Sensitive && e.gate != nil && !ctxkeys.Approved(ctx) {
		sessionID, _ := types.SessionID(ctx)
		userID, _ := types.UserID(ctx)
		if sessionID != "" {
			deferred := call
			deferred.Arguments = args
			result.Output = e.gate.Defer(ctx, sessionID, userID, tool.describe(args), &deferred)
			result.Duration = time.Since(start)
			e.metrics.RecordToolCall(tool.Name, "deferred", result.Duration)
			e.logger.Info("tool call awaiting approval",
				zap.String("tool", tool.Name),
				zap.String("session_id", sessionID))
			return result
		}
	}

	// 4. 速率限制
	if !e.allow(tool) {
		err := types.NewError(types.ErrToolRateLimited, "rate limit exceeded for "+tool.Name).WithRetryable(true)
		return fail("rate_limited", fmt.Sprintf("%s is being used too often right now. Please try again shortly.", tool.Name), err)
	}

	// 5. 带超时执行
	output, err := e.run(ctx, tool, args)
	if err != nil {
		if types.IsErrorCode(err, types.ErrToolTimeout) {
			return fail("timeout", fmt.Sprintf("%s timed out after %s.", tool.Name, tool.Timeout), err)
		}
		return fail("error", fmt.Sprintf("%s failed: %s", tool.Name, errorText(err)), err)
	}

	result.Output = output
	result.Duration = time.Since(start)
	e.metrics.RecordToolCall(tool.Name, "success", result.Duration)
	e.logger.Info("tool executed",
		zap.String("tool", tool.Name),
		zap.String("persona", persona),
		zap.Duration("duration", result.Duration))
	return result
}

// run 在独立 goroutine 中执行处理函数，超时或 panic 均转为错误。
func (e *Executor) run(ctx context.Context, tool Tool, args json.RawMessage) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, tool.Timeout)
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	// 带缓冲，超时后 goroutine 仍可退出
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: types.NewError(types.ErrInternalError, fmt.Sprintf("panic: %v", r))}
			}
		}()
		out, err := tool.Handler(execCtx, args)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", types.NewError(types.ErrToolTimeout, fmt.Sprintf("execution timeout after %s", tool.Timeout)).
			WithCause(execCtx.Err())
	}
}

func (e *Executor) allow(tool Tool) bool {
	if tool.RateLimit == nil || tool.RateLimit.MaxCalls <= 0 || tool.RateLimit.Window <= 0 {
		return true
	}
	e.mu.Lock()
	limiter, ok := e.limiters[tool.Name]
	if !ok {
		every := tool.RateLimit.Window / time.Duration(tool.RateLimit.MaxCalls)
		limiter = rate.NewLimiter(rate.Every(every), tool.RateLimit.MaxCalls)
		e.limiters[tool.Name] = limiter
	}
	e.mu.Unlock()
	return limiter.Allow()
}

func validateArgs(schema *gojsonschema.Schema, args json.RawMessage) error {
	if schema == nil {
		return nil
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return types.NewError(types.ErrToolValidation, "arguments are not valid JSON").WithCause(err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, d := range res.Errors() {
		msgs = append(msgs, d.String())
	}
	return types.NewError(types.ErrToolValidation, strings.Join(msgs, "; "))
}

// errorText 返回适合朗读的错误文本，不带错误码前缀。
func errorText(err error) string {
	var te *types.Error
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}
