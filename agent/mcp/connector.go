package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/voxagent/llm/tools"
)

// ServerConfig 描述一个通过 SSE 提供工具的远程 MCP 服务器。
type ServerConfig struct {
	Name    string            `yaml:"name" json:"name"`
	URL     string            `yaml:"url" json:"url" env:"URL"`
	Headers map[string]string `yaml:"headers" json:"headers"`
	// Timeout 约束握手、列举工具与单次工具调用。
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

const defaultTimeout = 15 * time.Second

// remote 是一个已连接的服务器及其缓存的工具列表。
type remote struct {
	config ServerConfig
	client *mcpclient.Client
	tools  []mcp.Tool
}

// Connector 连接配置的 MCP 服务器并把远程工具适配为 tools.Tool。
// 工具列表在连接时获取一次并缓存。
type Connector struct {
	servers []ServerConfig
	logger  *zap.Logger

	clientName    string
	clientVersion string

	mu      sync.RWMutex
	remotes []*remote
}

// ConnectorOption customizes a Connector.
type ConnectorOption func(*Connector)

// WithClientInfo sets the implementation info sent in the initialize request.
func WithClientInfo(name, version string) ConnectorOption {
	return func(c *Connector) {
		c.clientName = name
		c.clientVersion = version
	}
}

// NewConnector creates a connector for the given servers.
func NewConnector(servers []ServerConfig, logger *zap.Logger, opts ...ConnectorOption) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connector{
		servers:       servers,
		logger:        logger.With(zap.String("component", "mcp_connector")),
		clientName:    "voxagent",
		clientVersion: "dev",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect 并发连接所有服务器。单个服务器失败只记录日志，
// 返回的错误汇总了全部失败，已连上的服务器照常可用。
func (c *Connector) Connect(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range c.servers {
		if cfg.Timeout <= 0 {
			cfg.Timeout = defaultTimeout
		}
		if cfg.Name == "" {
			cfg.Name = cfg.URL
		}
		g.Go(func() error {
			r, err := c.connect(gctx, cfg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn("mcp server unavailable", zap.String("server", cfg.Name), zap.Error(err))
				errs = append(errs, fmt.Errorf("mcp server %s: %w", cfg.Name, err))
				return nil
			}
			c.mu.Lock()
			c.remotes = append(c.remotes, r)
			c.mu.Unlock()
			c.logger.Info("mcp server connected", zap.String("server", cfg.Name), zap.Int("tools", len(r.tools)))
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (c *Connector) connect(ctx context.Context, cfg ServerConfig) (*remote, error) {
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	client, err := mcpclient.NewSSEMCPClient(cfg.URL, mcpclient.WithHeaders(cfg.Headers))
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	// SSE 流的生命周期跟随 Close，不跟随 ctx
	if err := client.Start(context.WithoutCancel(ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("start: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: c.clientName, Version: c.clientVersion}
	if _, err := client.Initialize(hctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	list, err := client.ListTools(hctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return &remote{config: cfg, client: client, tools: list.Tools}, nil
}

// Tools 返回所有已连接服务器的工具，按服务器连接顺序排列。
// 多个服务器提供同名工具时保留先出现的一个。
func (c *Connector) Tools() []tools.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	var out []tools.Tool
	for _, r := range c.remotes {
		for _, t := range r.tools {
			if seen[t.Name] {
				c.logger.Warn("duplicate mcp tool ignored", zap.String("tool", t.Name), zap.String("server", r.config.Name))
				continue
			}
			seen[t.Name] = true
			out = append(out, adapt(r, t))
		}
	}
	return out
}

// Servers 返回已连接的服务器名。
func (c *Connector) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.remotes))
	for i, r := range c.remotes {
		names[i] = r.config.Name
	}
	return names
}

// Close 关闭全部客户端。
func (c *Connector) Close() error {
	c.mu.Lock()
	remotes := c.remotes
	c.remotes = nil
	c.mu.Unlock()

	var errs []error
	for _, r := range remotes {
		if err := r.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", r.config.Name, err))
		}
	}
	return errors.Join(errs...)
}

// adapt 把远程工具包装为本地工具。调用失败或服务器标记 isError 时返回 error，
// 由执行器转换为描述性字符串。
func adapt(r *remote, t mcp.Tool) tools.Tool {
	return tools.Tool{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  inputSchema(t),
		Timeout:     r.config.Timeout,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var arguments map[string]any
			if len(args) > 0 {
				if err := json.Unmarshal(args, &arguments); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
			}
			req := mcp.CallToolRequest{}
			req.Params.Name = t.Name
			req.Params.Arguments = arguments

			res, err := r.client.CallTool(ctx, req)
			if err != nil {
				return "", fmt.Errorf("call %s on %s: %w", t.Name, r.config.Name, err)
			}
			text := resultText(res)
			if res.IsError {
				if text == "" {
					text = "remote tool failed"
				}
				return "", errors.New(text)
			}
			return text, nil
		},
	}
}

func inputSchema(t mcp.Tool) json.RawMessage {
	if len(t.RawInputSchema) > 0 {
		return t.RawInputSchema
	}
	if t.InputSchema.Type == "" {
		return nil
	}
	data, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil
	}
	return data
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, text.Text)
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			return string(data)
		}
	}
	return strings.Join(parts, "\n")
}
