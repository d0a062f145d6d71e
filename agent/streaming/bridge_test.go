package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/voxagent/agent/conversation"
	"github.com/BaSui01/voxagent/agent/voice"
	"github.com/BaSui01/voxagent/types"

	tu "github.com/BaSui01/voxagent/testutil"
)

// workerServer 启动一个接受 WebSocket 的服务端，服务端连接交给测试充当语音 worker。
func workerServer(t *testing.T) (url string, workers <-chan *Conn) {
	t.Helper()
	ch := make(chan *Conn, 1)
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, 1<<20, nil)
		if err != nil {
			return
		}
		ch <- conn
		select {
		case <-stop:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(stop) })
	return "ws" + strings.TrimPrefix(srv.URL, "http"), ch
}

func connect(t *testing.T) (client *Conn, worker *Conn) {
	t.Helper()
	url, workers := workerServer(t)
	ctx := tu.TestContextWithTimeout(t, 5*time.Second)
	client, err := Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	worker, ok := tu.WaitForChannel(workers, 5*time.Second)
	require.True(t, ok, "worker connection not accepted")
	t.Cleanup(func() { _ = worker.Close() })
	return client, worker
}

func readFrame(t *testing.T, c *Conn, want FrameType) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := c.ReadFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, want, f.Type)
	return f
}

func writeFrame(t *testing.T, c *Conn, f Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WriteFrame(ctx, f))
}

type stubHandler struct {
	mu    sync.Mutex
	turns []string
	calls [][]types.ToolCall
	reply func(text string) (string, bool)
}

func (h *stubHandler) OnUserTurn(_ context.Context, text string) (string, bool) {
	h.mu.Lock()
	h.turns = append(h.turns, text)
	h.mu.Unlock()
	if h.reply != nil {
		return h.reply(text)
	}
	return "", false
}

func (h *stubHandler) OnToolCalls(_ context.Context, calls []types.ToolCall) []types.ToolResult {
	h.mu.Lock()
	h.calls = append(h.calls, calls)
	h.mu.Unlock()
	out := make([]types.ToolResult, len(calls))
	for i, c := range calls {
		out[i] = types.ToolResult{ToolCallID: c.ID, Name: c.Name, Output: "ok:" + c.Name}
	}
	return out
}

func TestConn_FrameRoundTrip(t *testing.T) {
	client, worker := connect(t)

	writeFrame(t, client, Frame{Type: FrameSay, Text: "hello", AllowInterruptions: true})
	writeFrame(t, client, Frame{Type: FrameInterrupt})

	first := readFrame(t, worker, FrameSay)
	assert.Equal(t, "hello", first.Text)
	assert.True(t, first.AllowInterruptions)
	assert.Equal(t, int64(1), first.Sequence)
	assert.False(t, first.Timestamp.IsZero())

	second := readFrame(t, worker, FrameInterrupt)
	assert.Equal(t, int64(2), second.Sequence)
}

func TestConn_CloseIdempotent(t *testing.T) {
	client, _ := connect(t)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	err := client.WriteFrame(context.Background(), Frame{Type: FrameSay})
	assert.ErrorIs(t, err, ErrConnClosed)
	_, err = client.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestBridge_Session(t *testing.T) {
	client, worker := connect(t)
	history := conversation.NewHistory("s1")
	history.Append(types.RoleAssistant, "context snapshot")

	h := &stubHandler{reply: func(text string) (string, bool) {
		if text == "yes" {
			return "Deleted.", true
		}
		return "", false
	}}
	bridge := NewBridge(client, BridgeConfig{}, zaptest.NewLogger(t))
	ctx := tu.TestContext(t)

	require.NoError(t, bridge.Start(ctx, voice.AgentConfig{Name: "frontdesk", Instructions: "be kind", History: history}, h))
	start := readFrame(t, worker, FrameStart)
	require.NotNil(t, start.Agent)
	assert.Equal(t, "frontdesk", start.Agent.Name)
	require.Len(t, start.Agent.Context, 1)
	assert.Equal(t, "context snapshot", start.Agent.Context[0].Content)

	select {
	case <-bridge.Ready():
		t.Fatal("ready before the worker reported it")
	default:
	}
	writeFrame(t, worker, Frame{Type: FrameReady})
	_, ok := tu.WaitForChannel(bridge.Ready(), 5*time.Second)
	require.True(t, ok)

	// 未处理的用户轮次交还给 worker 的模型
	writeFrame(t, worker, Frame{Type: FrameUserTurn, ID: "t1", Text: "delete the report"})
	res := readFrame(t, worker, FrameTurnResult)
	assert.Equal(t, "t1", res.ID)
	assert.False(t, res.Handled)

	writeFrame(t, worker, Frame{Type: FrameTranscript, Role: types.RoleAssistant, Text: "Are you sure?", Final: true})
	writeFrame(t, worker, Frame{Type: FrameUserTurn, ID: "t2", Text: "yes"})
	res = readFrame(t, worker, FrameTurnResult)
	assert.True(t, res.Handled)
	assert.Equal(t, "Deleted.", res.Text)

	writeFrame(t, worker, Frame{Type: FrameToolCalls, ID: "c1", Calls: []types.ToolCall{
		tu.ToolCall("a", "read_file", map[string]string{"path": "x"}),
		tu.ToolCall("b", "web_search", map[string]string{"query": "y"}),
	}})
	results := readFrame(t, worker, FrameToolResults)
	assert.Equal(t, "c1", results.ID)
	require.Len(t, results.Results, 2)
	assert.Equal(t, "ok:read_file", results.Results[0].Output)
	assert.Equal(t, "b", results.Results[1].ToolCallID)

	tu.AssertTurnsEqual(t, []tu.Turn{
		{Role: types.RoleAssistant, Content: "context snapshot"},
		{Role: types.RoleUser, Content: "delete the report"},
		{Role: types.RoleAssistant, Content: "Are you sure?"},
		{Role: types.RoleUser, Content: "yes"},
		{Role: types.RoleAssistant, Content: "Deleted."},
	}, history.Turns())

	// 管线调用编码为帧
	require.NoError(t, bridge.UpdateAgent(ctx, voice.AgentConfig{Name: "support", History: history}))
	assert.Equal(t, "support", readFrame(t, worker, FrameUpdateAgent).Agent.Name)
	require.NoError(t, bridge.Say(ctx, "Connecting you.", true))
	assert.Equal(t, "Connecting you.", readFrame(t, worker, FrameSay).Text)
	require.NoError(t, bridge.GenerateReply(ctx, "greet", false))
	reply := readFrame(t, worker, FrameGenerateReply)
	assert.Equal(t, "greet", reply.Instructions)
	assert.False(t, reply.AllowInterruptions)
	require.NoError(t, bridge.Interrupt(ctx))
	readFrame(t, worker, FrameInterrupt)
	assert.Equal(t, voice.StateInterrupted, bridge.State())

	last, _ := history.Last(types.RoleAssistant)
	assert.Equal(t, "Connecting you.", last.Content)

	writeFrame(t, worker, Frame{Type: FrameHangup})
	_, ok = tu.WaitForChannel(bridge.Done(), 5*time.Second)
	require.True(t, ok, "bridge should finish after hangup")

	assert.ErrorIs(t, bridge.Say(ctx, "too late", true), voice.ErrPipelineClosed)
	require.NoError(t, bridge.Close(ctx))
}

func TestBridge_CloseSendsCloseFrame(t *testing.T) {
	client, worker := connect(t)
	bridge := NewBridge(client, BridgeConfig{}, nil)
	ctx := tu.TestContext(t)

	require.NoError(t, bridge.Start(ctx, voice.AgentConfig{Name: "frontdesk"}, &stubHandler{}))
	readFrame(t, worker, FrameStart)

	require.NoError(t, bridge.Close(ctx))
	readFrame(t, worker, FrameClose)

	_, ok := tu.WaitForChannel(bridge.Done(), time.Second)
	assert.True(t, ok)
	assert.ErrorIs(t, bridge.Start(ctx, voice.AgentConfig{}, nil), voice.ErrPipelineClosed)
	require.NoError(t, bridge.Close(ctx))
}

func TestBridge_RoomDeleteHangsUpAfterGrace(t *testing.T) {
	client, worker := connect(t)
	bridge := NewBridge(client, BridgeConfig{HangupGrace: 50 * time.Millisecond}, nil)
	ctx := tu.TestContext(t)

	require.NoError(t, bridge.Start(ctx, voice.AgentConfig{Name: "frontdesk"}, &stubHandler{}))
	readFrame(t, worker, FrameStart)

	room := bridge.Room("room-1")
	assert.Equal(t, "room-1", room.Name())
	require.NoError(t, room.Delete(ctx))
	closeFrame := readFrame(t, worker, FrameClose)
	assert.Equal(t, "room deleted", closeFrame.Text)

	// worker 不挂断时宽限期后强制结束
	_, ok := tu.WaitForChannel(bridge.Done(), 5*time.Second)
	assert.True(t, ok)
	require.NoError(t, room.Delete(ctx))
}

func TestBridge_StartTwice(t *testing.T) {
	client, worker := connect(t)
	bridge := NewBridge(client, BridgeConfig{}, nil)
	ctx := tu.TestContext(t)

	require.NoError(t, bridge.Start(ctx, voice.AgentConfig{Name: "a"}, nil))
	readFrame(t, worker, FrameStart)
	assert.Error(t, bridge.Start(ctx, voice.AgentConfig{Name: "b"}, nil))
	require.NoError(t, bridge.Close(ctx))
}
