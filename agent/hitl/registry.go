package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/voxagent/types"
)

// PendingAction 是等待用户确认的敏感操作。每个会话最多一个。
type PendingAction struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id,omitempty"`
	Description string          `json:"description"`
	Call        *types.ToolCall `json:"call,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at,omitempty"`
}

// Registry 按 session_id 保存待确认操作。
// Put 覆盖同一会话的旧条目；Take 原子地读取并删除，条目只能被消费一次。
type Registry interface {
	Put(ctx context.Context, action *PendingAction) error
	Take(ctx context.Context, sessionID string) (*PendingAction, error)
	Peek(ctx context.Context, sessionID string) (*PendingAction, error)
}

// InMemoryRegistry 为待确认操作提供进程内存储，重启后丢失。
type InMemoryRegistry struct {
	actions map[string]*PendingAction
	now     func() time.Time
	mu      sync.Mutex
}

// NewInMemoryRegistry 创建内存注册表。
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		actions: make(map[string]*PendingAction),
		now:     time.Now,
	}
}

func (r *InMemoryRegistry) Put(ctx context.Context, action *PendingAction) error {
	if action == nil || action.SessionID == "" {
		return errors.New("pending action requires a session id")
	}
	cp := *action
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[action.SessionID] = &cp
	return nil
}

func (r *InMemoryRegistry) Take(ctx context.Context, sessionID string) (*PendingAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	action, ok := r.actions[sessionID]
	if !ok {
		return nil, nil
	}
	delete(r.actions, sessionID)
	if r.expired(action) {
		return nil, nil
	}
	return action, nil
}

func (r *InMemoryRegistry) Peek(ctx context.Context, sessionID string) (*PendingAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	action, ok := r.actions[sessionID]
	if !ok {
		return nil, nil
	}
	if r.expired(action) {
		delete(r.actions, sessionID)
		return nil, nil
	}
	cp := *action
	return &cp, nil
}

func (r *InMemoryRegistry) expired(a *PendingAction) bool {
	return !a.ExpiresAt.IsZero() && !r.now().Before(a.ExpiresAt)
}

// RedisRegistry 把待确认操作存入 Redis，进程重启后仍可确认。
// Take 使用 GETDEL 保证只消费一次。
type RedisRegistry struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisRegistry creates a Redis-backed registry.
func NewRedisRegistry(client redis.UniversalClient, keyPrefix string) *RedisRegistry {
	if keyPrefix == "" {
		keyPrefix = "voxagent:"
	}
	return &RedisRegistry{client: client, keyPrefix: keyPrefix + "approval:"}
}

func (r *RedisRegistry) key(sessionID string) string {
	return r.keyPrefix + sessionID
}

func (r *RedisRegistry) Put(ctx context.Context, action *PendingAction) error {
	if action == nil || action.SessionID == "" {
		return errors.New("pending action requires a session id")
	}
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal pending action: %w", err)
	}
	var ttl time.Duration
	if !action.ExpiresAt.IsZero() {
		ttl = time.Until(action.ExpiresAt)
		if ttl <= 0 {
			// 已过期的新请求仍然顶替旧请求
			return r.client.Del(ctx, r.key(action.SessionID)).Err()
		}
	}
	return r.client.Set(ctx, r.key(action.SessionID), data, ttl).Err()
}

func (r *RedisRegistry) Take(ctx context.Context, sessionID string) (*PendingAction, error) {
	data, err := r.client.GetDel(ctx, r.key(sessionID)).Bytes()
	return decodePending(data, err)
}

func (r *RedisRegistry) Peek(ctx context.Context, sessionID string) (*PendingAction, error) {
	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	return decodePending(data, err)
}

func decodePending(data []byte, err error) (*PendingAction, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending action: %w", err)
	}
	var action PendingAction
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, fmt.Errorf("decode pending action: %w", err)
	}
	return &action, nil
}
