package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/voxagent/agent/hitl"
	"github.com/BaSui01/voxagent/internal/ctxkeys"
	"github.com/BaSui01/voxagent/internal/metrics"
	tu "github.com/BaSui01/voxagent/testutil"
	"github.com/BaSui01/voxagent/types"
)

type echoArgs struct {
	Msg string `json:"msg" jsonschema:"description=Text to echo back"`
}

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Echo a message",
		Parameters:  GenerateSchema[echoArgs](),
		Handler: Typed(func(_ context.Context, a echoArgs) (string, error) {
			return "echo: " + a.Msg, nil
		}),
	}
}

func newTestExecutor(t *testing.T, tools ...Tool) *Executor {
	t.Helper()
	reg := NewRegistry(zap.NewNop())
	require.NoError(t, reg.Register(tools...))
	return NewExecutor(reg, zaptest.NewLogger(t))
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	require.NoError(t, reg.Register(echoTool()))
	assert.True(t, reg.Has("echo"))
	assert.Equal(t, 1, reg.Len())

	err := reg.Register(echoTool())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.Error(t, reg.Register(Tool{Name: "nohandler"}))
	assert.Error(t, reg.Register(Tool{Handler: func(context.Context, json.RawMessage) (string, error) { return "", nil }}))
	assert.Error(t, reg.Register(Tool{
		Name:       "badschema",
		Parameters: json.RawMessage(`{"type": 12}`),
		Handler:    func(context.Context, json.RawMessage) (string, error) { return "", nil },
	}))

	tool, ok := reg.Get("echo")
	require.True(t, ok)
	assert.Equal(t, DefaultTimeout, tool.Timeout)

	require.NoError(t, reg.Unregister("echo"))
	assert.False(t, reg.Has("echo"))
	assert.Error(t, reg.Unregister("echo"))
}

func TestRegistry_SchemasSorted(t *testing.T) {
	noop := func(context.Context, json.RawMessage) (string, error) { return "", nil }
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(
		Tool{Name: "zeta", Handler: noop},
		Tool{Name: "alpha", Handler: noop},
	))

	schemas := reg.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(schemas[0].Parameters))

	tools := reg.Tools()
	assert.Equal(t, "zeta", tools[0].Name, "Tools keeps registration order")
}

func TestExecutor_ExecuteOne(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		e := newTestExecutor(t, echoTool())
		res := e.ExecuteOne(ctx, types.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"msg":"hi"}`)})
		assert.False(t, res.Failed)
		assert.Equal(t, "echo: hi", res.Output)
		assert.Equal(t, "c1", res.ToolCallID)
	})

	t.Run("unknown tool", func(t *testing.T) {
		e := newTestExecutor(t)
		res := e.ExecuteOne(ctx, types.ToolCall{ID: "c1", Name: "missing"})
		assert.True(t, res.Failed)
		assert.Contains(t, res.Output, `"missing"`)
	})

	t.Run("schema violation", func(t *testing.T) {
		e := newTestExecutor(t, echoTool())
		res := e.ExecuteOne(ctx, types.ToolCall{Name: "echo", Arguments: json.RawMessage(`{"msg": 5}`)})
		assert.True(t, res.Failed)
		assert.Contains(t, res.Output, "Invalid arguments for echo")
		assert.NotContains(t, res.Output, "TOOL_VALIDATION")
	})

	t.Run("missing required field", func(t *testing.T) {
		e := newTestExecutor(t, echoTool())
		res := e.ExecuteOne(ctx, types.ToolCall{Name: "echo"})
		assert.True(t, res.Failed)
		assert.Contains(t, res.Output, "msg")
	})

	t.Run("malformed json", func(t *testing.T) {
		e := newTestExecutor(t, echoTool())
		res := e.ExecuteOne(ctx, types.ToolCall{Name: "echo", Arguments: json.RawMessage(`{not json`)})
		assert.True(t, res.Failed)
	})

	t.Run("handler error becomes string", func(t *testing.T) {
		e := newTestExecutor(t, Tool{
			Name:    "broken",
			Handler: func(context.Context, json.RawMessage) (string, error) { return "", errors.New("disk full") },
		})
		res := e.ExecuteOne(ctx, types.ToolCall{Name: "broken"})
		assert.True(t, res.Failed)
		assert.Equal(t, "broken failed: disk full", res.Output)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		e := newTestExecutor(t, Tool{
			Name:    "panicky",
			Handler: func(context.Context, json.RawMessage) (string, error) { panic("boom") },
		})
		res := e.ExecuteOne(ctx, types.ToolCall{Name: "panicky"})
		assert.True(t, res.Failed)
		assert.Contains(t, res.Output, "boom")
	})

	t.Run("timeout", func(t *testing.T) {
		e := newTestExecutor(t, Tool{
			Name:    "slow",
			Timeout: 20 * time.Millisecond,
			Handler: func(ctx context.Context, _ json.RawMessage) (string, error) {
				<-ctx.Done()
				time.Sleep(10 * time.Millisecond)
				return "late", nil
			},
		})
		res := e.ExecuteOne(ctx, types.ToolCall{Name: "slow"})
		assert.True(t, res.Failed)
		assert.Equal(t, "slow timed out after 20ms.", res.Output)
	})
}

func TestExecutor_RateLimit(t *testing.T) {
	e := newTestExecutor(t, Tool{
		Name:      "limited",
		RateLimit: &RateLimitConfig{MaxCalls: 2, Window: time.Hour},
		Handler:   func(context.Context, json.RawMessage) (string, error) { return "ok", nil },
	})

	ctx := context.Background()
	assert.False(t, e.ExecuteOne(ctx, types.ToolCall{Name: "limited"}).Failed)
	assert.False(t, e.ExecuteOne(ctx, types.ToolCall{Name: "limited"}).Failed)

	res := e.ExecuteOne(ctx, types.ToolCall{Name: "limited"})
	assert.True(t, res.Failed)
	assert.Contains(t, res.Output, "too often")
}

func TestExecutor_ExecuteConcurrent(t *testing.T) {
	var inflight, peak int32
	tool := Tool{
		Name: "work",
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			n := atomic.AddInt32(&inflight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inflight, -1)
			return string(args), nil
		},
	}
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(tool))
	e := NewExecutor(reg, zap.NewNop(), WithMaxConcurrency(2))

	calls := make([]types.ToolCall, 6)
	for i := range calls {
		calls[i] = types.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "work", Arguments: json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))}
	}

	results := e.Execute(context.Background(), calls)
	require.Len(t, results, 6)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("c%d", i), r.ToolCallID)
		assert.Equal(t, fmt.Sprintf(`{"i":%d}`, i), r.Output)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestExecutor_SensitiveToolsRequireApproval(t *testing.T) {
	var runs int32
	deleteTool := Tool{
		Name:      "delete_path",
		Sensitive: true,
		Describe: func(args json.RawMessage) string {
			var a struct {
				Path string `json:"path"`
			}
			_ = json.Unmarshal(args, &a)
			return "delete " + a.Path
		},
		Handler: func(context.Context, json.RawMessage) (string, error) {
			atomic.AddInt32(&runs, 1)
			return "Deleted.", nil
		},
	}

	gate := hitl.NewGate(hitl.NewInMemoryRegistry(), hitl.DefaultGateConfig(), zap.NewNop())
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(deleteTool))
	e := NewExecutor(reg, zap.NewNop(), WithApprovalGate(gate))

	ctx := tu.SessionContext(t, "s1", "u1")
	call := types.ToolCall{ID: "c1", Name: "delete_path", Arguments: json.RawMessage(`{"path":"notes.txt"}`)}

	res := e.ExecuteOne(ctx, call)
	assert.False(t, res.Failed)
	assert.Equal(t, "Do you want me to proceed with: delete notes.txt? Please say yes or no.", res.Output)
	assert.Zero(t, atomic.LoadInt32(&runs))

	out := gate.Resolve(ctx, "s1", "yes")
	require.True(t, out.Approved())
	require.NotNil(t, out.Action.Call)

	res = e.ExecuteOne(ctxkeys.WithApproved(ctx), *out.Action.Call)
	assert.Equal(t, "Deleted.", res.Output)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	t.Run("no session runs directly", func(t *testing.T) {
		res := e.ExecuteOne(context.Background(), call)
		assert.Equal(t, "Deleted.", res.Output)
	})
}

func TestExecutor_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWith("test", reg, zap.NewNop())

	tools := NewRegistry(nil)
	require.NoError(t, tools.Register(echoTool()))
	e := NewExecutor(tools, zap.NewNop(), WithExecutorMetrics(collector))

	e.ExecuteOne(context.Background(), types.ToolCall{Name: "echo", Arguments: json.RawMessage(`{"msg":"x"}`)})
	e.ExecuteOne(context.Background(), types.ToolCall{Name: "echo"})

	n, err := testutil.GatherAndCount(reg, "test_tool_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestExecutor_SpanCarriesPersona(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	e := newTestExecutor(t, echoTool())
	ctx := ctxkeys.WithPersona(context.Background(), "support")
	res := e.ExecuteOne(ctx, types.ToolCall{Name: "echo", Arguments: json.RawMessage(`{"msg":"hi"}`)})
	require.False(t, res.Failed)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "tool.execute", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("persona", "support"))
}
