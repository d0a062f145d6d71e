package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/internal/retry"
	"github.com/BaSui01/voxagent/internal/tlsutil"
	"github.com/BaSui01/voxagent/types"
)

// Mem0Config configures the hosted memory platform client.
type Mem0Config struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"api_key" json:"api_key"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MaxRetries 是 429、5xx 与网络错误的重试次数，0 不重试
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// Mem0Store 是托管记忆平台（mem0）的 HTTP 客户端，事实抽取由平台完成。
type Mem0Store struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retryer *retry.Retryer
	logger  *zap.Logger
}

// NewMem0Store creates a client for the hosted memory platform.
func NewMem0Store(config Mem0Config, logger *zap.Logger) *Mem0Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.mem0.ai"
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger = logger.With(zap.String("component", "memory_store_mem0"))
	policy := retry.DefaultPolicy()
	policy.MaxRetries = config.MaxRetries
	return &Mem0Store{
		baseURL: baseURL,
		apiKey:  config.APIKey,
		client:  tlsutil.SecureHTTPClient(timeout),
		retryer: retry.New(policy, logger),
		logger:  logger,
	}
}

// mem0Message 是对话轮次 {role, content} 或原始记忆 {memory}
type mem0Message struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Memory  string `json:"memory,omitempty"`
}

type mem0Memory struct {
	ID        string  `json:"id"`
	Memory    string  `json:"memory"`
	UserID    string  `json:"user_id"`
	CreatedAt *string `json:"created_at"`
	UpdatedAt *string `json:"updated_at"`
}

func userFilter(userID string) map[string]any {
	return map[string]any{"OR": []map[string]any{{"user_id": userID}}}
}

// Search implements Store. An empty query lists every memory for the user.
func (s *Mem0Store) Search(ctx context.Context, userID string, opts SearchOptions) ([]Fact, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	path := "/v2/memories/"
	body := map[string]any{"filters": userFilter(userID)}
	if opts.Query != "" {
		path = "/v2/memories/search/"
		body["query"] = opts.Query
		if opts.Limit > 0 {
			body["top_k"] = opts.Limit
		}
	}

	var raw json.RawMessage
	if err := s.do(ctx, path, body, &raw); err != nil {
		return nil, err
	}
	memories, err := decodeMem0List(raw)
	if err != nil {
		return nil, err
	}

	facts := make([]Fact, 0, len(memories))
	for _, m := range memories {
		f := Fact{ID: m.ID, UserID: userID, Text: m.Memory}
		for _, ts := range []*string{m.UpdatedAt, m.CreatedAt} {
			if ts == nil {
				continue
			}
			if t, err := time.Parse(time.RFC3339Nano, *ts); err == nil {
				f.UpdatedAt = t
				break
			}
		}
		if !opts.UpdatedAfter.IsZero() && !f.UpdatedAt.After(opts.UpdatedAfter) {
			continue
		}
		facts = append(facts, f)
	}
	if opts.Limit > 0 && len(facts) > opts.Limit {
		facts = facts[:opts.Limit]
	}
	return facts, nil
}

// Add implements Store.
func (s *Mem0Store) Add(ctx context.Context, userID string, entries []Entry) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	messages := make([]mem0Message, 0, len(entries))
	for _, e := range entries {
		if e.IsMemory() {
			messages = append(messages, mem0Message{Memory: e.Memory})
			continue
		}
		role := string(e.Role)
		if role == "" {
			role = "user"
		}
		messages = append(messages, mem0Message{Role: role, Content: e.Content})
	}
	if len(messages) == 0 {
		return nil
	}
	return s.do(ctx, "/v1/memories/", map[string]any{
		"messages": messages,
		"user_id":  userID,
	}, nil)
}

func (s *Mem0Store) do(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return s.retryer.Do(ctx, func(ctx context.Context) error {
		return s.post(ctx, path, payload, out)
	})
}

// post 发送一次请求。429、5xx 与网络错误标记为可重试。
func (s *Mem0Store) post(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Token "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return types.NewError(types.ErrMemoryUnavailable, "memory platform request failed").
			WithCause(err).WithRetryable(ctx.Err() == nil)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return types.NewError(types.ErrMemoryUnavailable,
			fmt.Sprintf("memory platform %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))).
			WithHTTPStatus(resp.StatusCode).WithRetryable(retryable)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeMem0List accepts either a bare array or {"results": [...]}.
func decodeMem0List(raw json.RawMessage) ([]mem0Memory, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var list []mem0Memory
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode memories: %w", err)
		}
		return list, nil
	}
	var wrapped struct {
		Results []mem0Memory `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode memories: %w", err)
	}
	return wrapped.Results, nil
}
