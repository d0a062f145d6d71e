package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/voxagent/llm/tools"

	tu "github.com/BaSui01/voxagent/testutil"
)

func newToolServer(t *testing.T, name string, toolNames ...string) string {
	t.Helper()
	s := server.NewMCPServer(name, "1.0.0")
	for _, tn := range toolNames {
		s.AddTool(mcp.NewTool(tn,
			mcp.WithDescription("Uppercase the given text."),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to transform")),
		), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, err := req.RequireString("text")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			if text == "boom" {
				return mcp.NewToolResultError("workflow failed"), nil
			}
			return mcp.NewToolResultText(strings.ToUpper(text)), nil
		})
	}
	ts := server.NewTestServer(s)
	t.Cleanup(ts.Close)
	return ts.URL + "/sse"
}

func TestConnector_ConnectAndCall(t *testing.T) {
	ctx := tu.TestContextWithTimeout(t, 10*time.Second)
	url := newToolServer(t, "n8n", "shout")

	c := NewConnector([]ServerConfig{{Name: "n8n", URL: url}}, zaptest.NewLogger(t))
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close() })

	assert.Equal(t, []string{"n8n"}, c.Servers())
	remoteTools := c.Tools()
	require.Len(t, remoteTools, 1)
	shout := remoteTools[0]
	assert.Equal(t, "shout", shout.Name)
	assert.Equal(t, "Uppercase the given text.", shout.Description)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(shout.Parameters, &schema))
	assert.Equal(t, "object", schema["type"])

	out, err := shout.Handler(ctx, json.RawMessage(`{"text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", out)

	_, err = shout.Handler(ctx, json.RawMessage(`{"text":"boom"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow failed")
}

func TestConnector_ToolsRunThroughExecutor(t *testing.T) {
	ctx := tu.TestContextWithTimeout(t, 10*time.Second)
	c := NewConnector([]ServerConfig{{URL: newToolServer(t, "n8n", "shout")}}, nil)
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close() })

	reg := tools.NewRegistry(nil)
	require.NoError(t, reg.Register(c.Tools()...))
	exec := tools.NewExecutor(reg, nil)

	res := exec.ExecuteOne(ctx, tu.ToolCall("1", "shout", map[string]string{"text": "hi"}))
	assert.False(t, res.Failed)
	assert.Equal(t, "HI", res.Output)

	res = exec.ExecuteOne(ctx, tu.ToolCall("2", "shout", map[string]string{"text": "boom"}))
	assert.True(t, res.Failed)
	assert.Contains(t, res.Output, "workflow failed")
}

func TestConnector_BestEffort(t *testing.T) {
	ctx := tu.TestContextWithTimeout(t, 10*time.Second)
	good := newToolServer(t, "good", "shout", "whisper")
	dup := newToolServer(t, "dup", "shout")

	c := NewConnector([]ServerConfig{
		{Name: "good", URL: good},
		{Name: "down", URL: "http://127.0.0.1:1/sse", Timeout: time.Second},
		{Name: "empty"},
	}, nil)
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Contains(t, err.Error(), "url is required")
	assert.Equal(t, []string{"good"}, c.Servers())
	assert.Len(t, c.Tools(), 2)
	require.NoError(t, c.Close())
	assert.Empty(t, c.Tools())

	c = NewConnector([]ServerConfig{{Name: "good", URL: good}, {Name: "dup", URL: dup}}, nil)
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close() })
	names := map[string]int{}
	for _, tool := range c.Tools() {
		names[tool.Name]++
	}
	assert.Equal(t, map[string]int{"shout": 1, "whisper": 1}, names)
}

func TestConnector_NoServers(t *testing.T) {
	c := NewConnector(nil, nil)
	require.NoError(t, c.Connect(context.Background()))
	assert.Empty(t, c.Tools())
	require.NoError(t, c.Close())
}
