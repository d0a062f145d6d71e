package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/voxagent/agent/handoff"
	"github.com/BaSui01/voxagent/agent/hitl"
	"github.com/BaSui01/voxagent/agent/mcp"
	"github.com/BaSui01/voxagent/agent/memory"
	"github.com/BaSui01/voxagent/agent/voice"
	"github.com/BaSui01/voxagent/internal/metrics"
	"github.com/BaSui01/voxagent/llm/tools"
	"github.com/BaSui01/voxagent/testutil/mocks"
	"github.com/BaSui01/voxagent/types"

	tu "github.com/BaSui01/voxagent/testutil"
)

type deleteArgs struct {
	Path string `json:"path"`
}

// deleteTool 是一个敏感工具，executed 记录真实执行次数。
func deleteTool(executed *atomic.Int32) tools.Tool {
	return tools.Tool{
		Name:        "delete_path",
		Description: "Delete a file.",
		Parameters:  tools.GenerateSchema[deleteArgs](),
		Sensitive:   true,
		Describe: func(args json.RawMessage) string {
			a, _ := tools.Bind[deleteArgs](args)
			return "delete file " + a.Path
		},
		Handler: tools.Typed(func(_ context.Context, a deleteArgs) (string, error) {
			executed.Add(1)
			return "Deleted " + a.Path + ".", nil
		}),
	}
}

type fixture struct {
	orch  *Orchestrator
	store *mocks.MockStore
	gate  *hitl.Gate
}

func newFixture(t *testing.T, store *mocks.MockStore, opts ...Option) fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	catalog, err := handoff.NewCatalog(handoff.DefaultSpecs(), handoff.FrontDesk, voice.DefaultProfile())
	require.NoError(t, err)
	gate := hitl.NewGate(nil, hitl.DefaultGateConfig(), logger)
	mgr := memory.NewManager(store, memory.DefaultManagerConfig(), logger)

	opts = append([]Option{
		WithIdentity(StaticIdentity{DefaultUserID: "tanish"}),
		WithGate(gate),
	}, opts...)
	orch, err := NewOrchestrator(catalog, mgr, Config{ReadyTimeout: time.Second, TeardownGrace: 2 * time.Second}, logger, opts...)
	require.NoError(t, err)
	return fixture{orch: orch, store: store, gate: gate}
}

func startSession(t *testing.T, f fixture, sessionID string) (*Session, *mocks.MockPipeline, *mocks.MockRoom) {
	t.Helper()
	pipeline := mocks.NewMockPipeline()
	room := mocks.NewMockRoom("room-" + sessionID)
	s, err := f.orch.Start(tu.TestContext(t), Request{SessionID: sessionID, RoomName: room.Name()}, pipeline, room)
	require.NoError(t, err)
	return s, pipeline, room
}

func hangup(t *testing.T, s *Session, p *mocks.MockPipeline) {
	t.Helper()
	p.Hangup()
	_, ok := tu.WaitForChannel(s.Done(), 5*time.Second)
	require.True(t, ok, "teardown did not finish")
}

func TestOrchestrator_StartOrder(t *testing.T) {
	store := mocks.NewMockStore().WithFacts("tanish",
		memory.Fact{Text: "Has a client meeting on Friday", UpdatedAt: time.Now().Add(-time.Hour)},
	)
	f := newFixture(t, store)

	s, pipeline, _ := startSession(t, f, "s1")
	assert.Equal(t, "s1", s.ID())
	assert.Equal(t, "tanish", s.UserID())
	assert.Equal(t, 1, store.SearchCalls())
	assert.False(t, s.Snapshot().Empty())

	// 记忆在管线启动前注入；开场白在就绪后生成
	assert.Equal(t, []string{"start:" + handoff.FrontDesk, "reply:" + DefaultOpeningInstructions}, pipeline.Events())
	turns := s.History().Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, types.RoleAssistant, turns[0].Role)
	assert.Contains(t, turns[0].Content, "The user's name is tanish")
	assert.Contains(t, turns[0].Content, "client meeting")

	agent := pipeline.Agent()
	assert.Same(t, s.History(), agent.History)
	assert.Equal(t, handoff.FrontDesk, s.Persona().Name())

	sess, ok := f.orch.Session("s1")
	require.True(t, ok)
	assert.Same(t, s, sess)
	assert.Equal(t, 1, f.orch.Active())

	hangup(t, s, pipeline)
	assert.Equal(t, 0, f.orch.Active())
}

func TestOrchestrator_GreetsOnlyWhenReady(t *testing.T) {
	f := newFixture(t, mocks.NewMockStore())
	pipeline := mocks.NewMockPipeline().WithManualReady()

	started := make(chan *Session, 1)
	go func() {
		s, err := f.orch.Start(context.Background(), Request{SessionID: "s1"}, pipeline, nil)
		if err == nil {
			started <- s
		}
	}()

	tu.AssertEventuallyTrue(t, pipeline.Started, time.Second)
	assert.Empty(t, pipeline.Replies(), "no greeting before ready")
	pipeline.MarkReady()

	s, ok := tu.WaitForChannel(started, 5*time.Second)
	require.True(t, ok)
	require.Len(t, pipeline.Replies(), 1)
	require.NoError(t, s.Close(context.Background()))
}

func TestOrchestrator_ApprovalFlow(t *testing.T) {
	var executed atomic.Int32
	f := newFixture(t, mocks.NewMockStore(), WithTools(deleteTool(&executed)))
	s, pipeline, _ := startSession(t, f, "s1")
	ctx := tu.TestContext(t)

	// 无待确认操作时交给模型
	_, handled := pipeline.UserSays(ctx, "hello there")
	assert.False(t, handled)

	res := pipeline.ModelCalls(ctx, tu.ToolCall("1", "delete_path", deleteArgs{Path: "report.pdf"}))
	require.Len(t, res, 1)
	assert.Equal(t, "Do you want me to proceed with: delete file report.pdf? Please say yes or no.", res[0].Output)
	assert.Equal(t, int32(0), executed.Load())
	_, pending := f.gate.Pending(ctx, "s1")
	assert.True(t, pending)

	reply, handled := pipeline.UserSays(ctx, "Yes!")
	assert.True(t, handled)
	assert.Equal(t, "Deleted report.pdf.", reply)
	assert.Equal(t, int32(1), executed.Load())

	// 条目只能被消费一次
	_, handled = pipeline.UserSays(ctx, "yes")
	assert.False(t, handled)
	assert.Equal(t, int32(1), executed.Load())

	pipeline.ModelCalls(ctx, tu.ToolCall("2", "delete_path", deleteArgs{Path: "notes.txt"}))
	reply, handled = pipeline.UserSays(ctx, "no, keep it")
	assert.True(t, handled)
	assert.Equal(t, "Action cancelled.", reply)
	assert.Equal(t, int32(1), executed.Load())

	last, ok := s.History().Last(types.RoleAssistant)
	require.True(t, ok)
	assert.Equal(t, "Action cancelled.", last.Content)

	hangup(t, s, pipeline)
}

func TestOrchestrator_ApprovalIsPerSession(t *testing.T) {
	var executed atomic.Int32
	f := newFixture(t, mocks.NewMockStore(), WithTools(deleteTool(&executed)))
	s1, p1, _ := startSession(t, f, "s1")
	s2, p2, _ := startSession(t, f, "s2")
	ctx := tu.TestContext(t)

	p1.ModelCalls(ctx, tu.ToolCall("1", "delete_path", deleteArgs{Path: "a"}))
	_, handled := p2.UserSays(ctx, "yes")
	assert.False(t, handled, "another session's approval must not resolve it")
	assert.Equal(t, int32(0), executed.Load())

	// 会话结束时丢弃待确认操作
	hangup(t, s1, p1)
	_, pending := f.gate.Pending(ctx, "s1")
	assert.False(t, pending)
	hangup(t, s2, p2)
}

func TestOrchestrator_TeardownSavesFinalTurns(t *testing.T) {
	store := mocks.NewMockStore().WithFacts("tanish", memory.Fact{Text: "Lives in Berlin", UpdatedAt: time.Now()})
	f := newFixture(t, store)
	s, pipeline, _ := startSession(t, f, "s1")
	ctx := tu.TestContext(t)

	pipeline.UserSays(ctx, "I moved to Munich last week")
	pipeline.ModelSays("Congratulations on the move!")

	hangup(t, s, pipeline)
	batches := store.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, []memory.Entry{
		{Role: types.RoleUser, Content: "I moved to Munich last week"},
		{Role: types.RoleAssistant, Content: "Congratulations on the move!"},
	}, batches[0])
	assert.Equal(t, 2, s.Saved())
	assert.Equal(t, 1, pipeline.CloseCalls())

	// 重复关闭不再写入
	require.NoError(t, s.Close(ctx))
	assert.Len(t, store.Batches(), 1)
}

func TestOrchestrator_HandoffKeepsHistory(t *testing.T) {
	f := newFixture(t, mocks.NewMockStore())
	s, pipeline, room := startSession(t, f, "s1")
	ctx := tu.TestContext(t)

	pipeline.UserSays(ctx, "my printer is broken")
	res := pipeline.ModelCalls(ctx, tu.ToolCall("1", "call_support_agent", map[string]string{"topic": "printer"}))
	assert.Equal(t, "Connecting you to our support agent Sourabh with the topic of printer.", res[0].Output)
	assert.Equal(t, handoff.Support, s.Persona().Name())
	assert.Same(t, s.History(), pipeline.Agent().History)

	pipeline.UserSays(ctx, "it jams on every page")
	pipeline.ModelCalls(ctx, tu.ToolCall("2", "call_frontdesk_agent", map[string]any{}))
	assert.Equal(t, handoff.FrontDesk, s.Persona().Name())

	tu.AssertTurnsEqual(t, []tu.Turn{
		{Role: types.RoleUser, Content: "my printer is broken"},
		{Role: types.RoleAssistant, Content: "Connecting you to our support agent Sourabh with the topic of printer."},
		{Role: types.RoleUser, Content: "it jams on every page"},
		{Role: types.RoleAssistant, Content: "Connecting you back to Jarvis."},
	}, s.History().Turns())

	res = pipeline.ModelCalls(ctx, tu.ToolCall("3", handoff.EndConversationTool, map[string]any{}))
	assert.Equal(t, "Conversation ended.", res[0].Output)
	assert.Equal(t, 1, room.Deletes())
	hangup(t, s, pipeline)
}

// Feature: voice-session-core, Property 5: Failing Store Degrades Silently
func TestProperty_FailingStoreDegradesSilently(t *testing.T) {
	store := mocks.NewErrorStore(errors.New("memory backend unavailable"))
	f := newFixture(t, store)

	s, pipeline, _ := startSession(t, f, "s1")
	assert.True(t, s.Snapshot().Empty())
	assert.Empty(t, s.History().Turns(), "nothing injected from a failing store")
	require.Len(t, pipeline.Replies(), 1, "session still greets the user")

	pipeline.UserSays(tu.TestContext(t), "remember that I like tea")
	hangup(t, s, pipeline)
	assert.Len(t, store.Batches(), 1, "save attempted once")
	assert.Equal(t, 0, s.Saved())
}

// Feature: voice-session-core, Property 6: Dark Mode Continuity
func TestProperty_DarkModeContinuity(t *testing.T) {
	store := mocks.NewMockStore()
	f := newFixture(t, store)
	ctx := tu.TestContext(t)

	s1, p1, _ := startSession(t, f, "s1")
	p1.UserSays(ctx, "I prefer dark mode in all my apps")
	hangup(t, s1, p1)
	require.Len(t, store.Facts("tanish"), 1)

	s2, p2, _ := startSession(t, f, "s2")
	turns := s2.History().Turns()
	require.NotEmpty(t, turns)
	assert.Contains(t, turns[0].Content, "I prefer dark mode in all my apps")

	p2.UserSays(ctx, "I prefer dark mode in all my apps")
	hangup(t, s2, p2)

	batches := store.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, []memory.Entry{{Role: types.RoleUser, Content: "I prefer dark mode in all my apps"}}, batches[1])
	for _, e := range batches[1] {
		assert.NotContains(t, e.Text(), s2.Snapshot().Text)
	}
}

func TestOrchestrator_StartFailures(t *testing.T) {
	t.Run("identity", func(t *testing.T) {
		f := newFixture(t, mocks.NewMockStore(), WithIdentity(StaticIdentity{}))
		_, err := f.orch.Start(context.Background(), Request{}, mocks.NewMockPipeline(), nil)
		assert.ErrorIs(t, err, ErrNoIdentity)
	})

	t.Run("pipeline", func(t *testing.T) {
		store := mocks.NewMockStore()
		f := newFixture(t, store)
		pipeline := mocks.NewMockPipeline().WithStartError(errors.New("no audio track"))
		_, err := f.orch.Start(context.Background(), Request{SessionID: "s1"}, pipeline, nil)
		require.Error(t, err)
		assert.True(t, types.IsErrorCode(err, types.ErrPipelineStart))
		assert.Contains(t, err.Error(), "no audio track")
		assert.Equal(t, 0, f.orch.Active())
		assert.Empty(t, store.Batches())
	})

	t.Run("nil pipeline", func(t *testing.T) {
		f := newFixture(t, mocks.NewMockStore())
		_, err := f.orch.Start(context.Background(), Request{}, nil, nil)
		assert.Error(t, err)
	})

	t.Run("duplicate tools", func(t *testing.T) {
		var n atomic.Int32
		f := newFixture(t, mocks.NewMockStore(), WithTools(deleteTool(&n), deleteTool(&n)))
		_, err := f.orch.Start(context.Background(), Request{}, mocks.NewMockPipeline(), nil)
		assert.Error(t, err)
	})
}

func TestOrchestrator_ShutdownAwaitsTeardown(t *testing.T) {
	store := mocks.NewMockStore()
	f := newFixture(t, store)
	ctx := tu.TestContext(t)

	s1, p1, _ := startSession(t, f, "s1")
	s2, p2, _ := startSession(t, f, "s2")
	p1.UserSays(ctx, "book a table for two")
	p2.UserSays(ctx, "what's the weather")

	require.NoError(t, f.orch.Shutdown(ctx))
	assert.Equal(t, 0, f.orch.Active())
	assert.Len(t, store.Batches(), 2)
	for _, s := range []*Session{s1, s2} {
		_, ok := tu.WaitForChannel(s.Done(), time.Millisecond)
		assert.True(t, ok)
	}

	_, err := f.orch.Start(ctx, Request{}, mocks.NewMockPipeline(), nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestOrchestrator_ShutdownWaitsForStartingSession(t *testing.T) {
	store := mocks.NewMockStore()
	f := newFixture(t, store)
	release := make(chan struct{})
	pipeline := mocks.NewMockPipeline().WithStartGate(release)

	type startResult struct {
		s   *Session
		err error
	}
	started := make(chan startResult, 1)
	go func() {
		s, err := f.orch.Start(context.Background(), Request{SessionID: "s1"}, pipeline, nil)
		started <- startResult{s, err}
	}()
	// 记忆已加载，Start 停在管线启动
	tu.AssertEventuallyTrue(t, func() bool { return store.SearchCalls() == 1 }, 2*time.Second)

	shutdown := make(chan error, 1)
	go func() { shutdown <- f.orch.Shutdown(context.Background()) }()

	_, returned := tu.WaitForChannel(shutdown, 100*time.Millisecond)
	require.False(t, returned, "shutdown must wait for the session that is still starting")

	close(release)
	res, ok := tu.WaitForChannel(started, 5*time.Second)
	require.True(t, ok)
	assert.Nil(t, res.s)
	assert.ErrorIs(t, res.err, ErrSessionClosed)

	err, ok := tu.WaitForChannel(shutdown, 5*time.Second)
	require.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 0, f.orch.Active())
	assert.Equal(t, 1, pipeline.CloseCalls(), "the late session is torn down, not left live")
}

func TestOrchestrator_TeardownSavesWhenCloseHangs(t *testing.T) {
	store := mocks.NewMockStore()
	f := newFixture(t, store)
	f.orch.config.TeardownGrace = 150 * time.Millisecond
	ctx := tu.TestContext(t)

	pipeline := mocks.NewMockPipeline().WithHangingClose()
	s, err := f.orch.Start(ctx, Request{SessionID: "s1"}, pipeline, nil)
	require.NoError(t, err)
	pipeline.UserSays(ctx, "remember I prefer dark mode please")

	err = s.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "close failure is reported")

	require.Len(t, store.Batches(), 1)
	assert.Equal(t, 1, s.Saved())
	facts := store.Facts("tanish")
	require.Len(t, facts, 1)
	assert.Equal(t, "remember I prefer dark mode please", facts[0].Text)
	assert.Equal(t, 0, f.orch.Active())
}

func TestOrchestrator_MCPToolsJoinTheCatalogue(t *testing.T) {
	srv := mcpserver.NewMCPServer("n8n", "1.0.0")
	srv.AddTool(mcpproto.NewTool("create_invoice",
		mcpproto.WithDescription("Create an invoice."),
		mcpproto.WithString("customer", mcpproto.Required()),
	), func(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		return mcpproto.NewToolResultText("Invoice created for " + req.GetString("customer", "")), nil
	})
	ts := mcpserver.NewTestServer(srv)
	t.Cleanup(ts.Close)

	f := newFixture(t, mocks.NewMockStore(), WithMCPServers(
		mcp.ServerConfig{Name: "n8n", URL: ts.URL + "/sse"},
		mcp.ServerConfig{Name: "down", URL: "http://127.0.0.1:1/sse", Timeout: time.Second},
	))
	s, pipeline, _ := startSession(t, f, "s1")

	assert.True(t, s.Persona().HasTool("create_invoice"))
	res := pipeline.ModelCalls(tu.TestContext(t), tu.ToolCall("1", "create_invoice", map[string]string{"customer": "ACME"}))
	assert.Equal(t, "Invoice created for ACME", res[0].Output)
	hangup(t, s, pipeline)
}

func TestOrchestrator_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWith("test", reg, zap.NewNop())
	f := newFixture(t, mocks.NewMockStore(), WithMetrics(collector))

	s, pipeline, _ := startSession(t, f, "s1")
	hangup(t, s, pipeline)

	expected := `
# HELP test_sessions_active Number of live voice sessions
# TYPE test_sessions_active gauge
test_sessions_active 0
# HELP test_sessions_total Total number of voice sessions by outcome
# TYPE test_sessions_total counter
test_sessions_total{status="started"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_sessions_active", "test_sessions_total"))
	count, err := testutil.GatherAndCount(reg, "test_session_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := NewOrchestrator(nil, memory.NewManager(nil, memory.ManagerConfig{}, nil), Config{}, nil)
	assert.Error(t, err)

	catalog, err := handoff.NewCatalog(handoff.DefaultSpecs(), "", voice.Profile{})
	require.NoError(t, err)
	o, err := NewOrchestrator(catalog, memory.NewManager(nil, memory.ManagerConfig{}, nil), Config{}, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(o.config.OpeningInstructions, "# Task"))
	assert.Equal(t, DefaultConfig().TeardownGrace, o.config.TeardownGrace)
}
