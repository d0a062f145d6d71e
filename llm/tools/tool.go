package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/types"
)

// DefaultTimeout is applied to tools registered without one.
const DefaultTimeout = 30 * time.Second

// Handler 执行一次工具调用。返回的字符串会被朗读给用户；
// 返回的 error 由执行器转换为描述性字符串，不会向上传播。
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// RateLimitConfig defines rate limit configuration.
type RateLimitConfig struct {
	MaxCalls int           // Maximum calls
	Window   time.Duration // Time window
}

// Tool 是一个封闭的工具记录：名称、描述、参数 schema 与处理函数，按名称分发。
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Handler     Handler

	Timeout   time.Duration    // 单次执行超时（默认 30s）
	RateLimit *RateLimitConfig // 可选
	// Sensitive 工具在执行前需要用户确认。
	Sensitive bool
	// Describe 为审批提示生成可读的操作描述（可选）。
	Describe func(args json.RawMessage) string
}

// Schema returns the function-calling schema of the tool.
func (t Tool) Schema() types.ToolSchema {
	params := t.Parameters
	if len(params) == 0 {
		params = emptyObjectSchema
	}
	return types.ToolSchema{Name: t.Name, Description: t.Description, Parameters: params}
}

// describe 返回审批提示里的操作描述。
func (t Tool) describe(args json.RawMessage) string {
	if t.Describe != nil {
		if d := t.Describe(args); d != "" {
			return d
		}
	}
	if len(args) == 0 || string(args) == "{}" {
		return t.Name
	}
	return fmt.Sprintf("%s %s", t.Name, string(args))
}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

type registeredTool struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// Registry 按名称保存工具。并发安全。
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]registeredTool
	order  []string
	logger *zap.Logger
}

// NewRegistry 创建工具注册表。
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]registeredTool),
		logger: logger.With(zap.String("component", "tool_registry")),
	}
}

// Register 注册一个或多个工具。名称重复或 schema 无法编译时返回错误，
// 出错之前的工具保持已注册状态。
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		if t.Name == "" {
			return fmt.Errorf("tool name is required")
		}
		if t.Handler == nil {
			return fmt.Errorf("tool %s has no handler", t.Name)
		}
		if _, exists := r.tools[t.Name]; exists {
			return fmt.Errorf("tool %s already registered", t.Name)
		}
		if t.Timeout <= 0 {
			t.Timeout = DefaultTimeout
		}
		if len(t.Parameters) == 0 {
			t.Parameters = emptyObjectSchema
		}

		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(t.Parameters))
		if err != nil {
			return fmt.Errorf("compile schema for tool %s: %w", t.Name, err)
		}

		r.tools[t.Name] = registeredTool{tool: t, schema: schema}
		r.order = append(r.order, t.Name)
		r.logger.Debug("tool registered",
			zap.String("tool", t.Name),
			zap.Bool("sensitive", t.Sensitive),
			zap.Duration("timeout", t.Timeout))
	}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	rt, ok := r.lookup(name)
	return rt.tool, ok
}

func (r *Registry) lookup(name string) (registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	return rt, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Tools returns registered tools in registration order.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].tool)
	}
	return out
}

// Schemas returns the schemas of all tools, sorted by name.
func (r *Registry) Schemas() []types.ToolSchema {
	tools := r.Tools()
	schemas := make([]types.ToolSchema, 0, len(tools))
	for _, t := range tools {
		schemas = append(schemas, t.Schema())
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
