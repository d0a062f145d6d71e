// 配置热重载。
//
// 轮询配置文件的修改时间，变更后按原 Loader 重新加载并校验，
// 通过后替换当前配置并通知回调；失败时保留当前配置。
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback 在新配置生效后调用
type ReloadCallback func(oldConfig, newConfig *Config)

// Reloader 管理配置热重载。只有日志级别、审批 TTL 等运行期字段会被
// 回调方采纳，会话中的人设与存储后端需要重启。
type Reloader struct {
	mu sync.RWMutex

	loader   *Loader
	current  *Config
	previous *Config
	modTime  time.Time
	version  int

	interval  time.Duration
	callbacks []ReloadCallback
	logger    *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// ReloaderOption 配置 Reloader
type ReloaderOption func(*Reloader)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReloadLogger 设置日志
func WithReloadLogger(logger *zap.Logger) ReloaderOption {
	return func(r *Reloader) {
		if logger != nil {
			r.logger = logger.With(zap.String("component", "config_reloader"))
		}
	}
}

// NewReloader 以已加载的配置创建 Reloader，loader 必须设置了配置文件路径。
func NewReloader(loader *Loader, current *Config, opts ...ReloaderOption) (*Reloader, error) {
	if loader == nil || loader.configPath == "" {
		return nil, errors.New("reloader requires a loader with a config path")
	}
	if current == nil {
		return nil, errors.New("reloader requires the current config")
	}
	r := &Reloader{
		loader:   loader,
		current:  current,
		version:  1,
		interval: time.Second,
		logger:   zap.NewNop(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if info, err := os.Stat(loader.configPath); err == nil {
		r.modTime = info.ModTime()
	}
	return r, nil
}

// OnReload 注册回调
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Current 返回当前配置
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Version 返回已生效的配置版本，初始为 1
func (r *Reloader) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Start 在后台轮询配置文件，直到 ctx 结束或调用 Stop。
func (r *Reloader) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				if r.changed() {
					if err := r.Reload(); err != nil {
						r.logger.Error("config reload failed, keeping current config", zap.Error(err))
					}
				}
			}
		}
	}()
	r.logger.Info("config reloader started",
		zap.String("path", r.loader.configPath),
		zap.Duration("interval", r.interval))
}

// Stop 停止轮询并等待后台协程退出
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
	}
}

func (r *Reloader) changed() bool {
	info, err := os.Stat(r.loader.configPath)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !info.ModTime().After(r.modTime) {
		return false
	}
	r.modTime = info.ModTime()
	return true
}

// Reload 立即从文件重新加载
func (r *Reloader) Reload() error {
	next, err := r.loader.Load()
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	r.mu.Lock()
	old := r.current
	r.previous = old
	r.current = next
	r.version++
	version := r.version
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.mu.Unlock()

	r.logger.Info("config reloaded", zap.Int("version", version))
	for _, cb := range callbacks {
		r.notify(cb, old, next)
	}
	return nil
}

// Rollback 恢复上一个生效的配置
func (r *Reloader) Rollback() error {
	r.mu.Lock()
	if r.previous == nil {
		r.mu.Unlock()
		return errors.New("no previous config")
	}
	old := r.current
	r.current, r.previous = r.previous, nil
	r.version++
	next := r.current
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.mu.Unlock()

	r.logger.Warn("config rolled back")
	for _, cb := range callbacks {
		r.notify(cb, old, next)
	}
	return nil
}

func (r *Reloader) notify(cb ReloadCallback, old, next *Config) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("config reload callback panicked", zap.Any("panic", rec))
		}
	}()
	cb(old, next)
}

// Sanitized 返回脱敏后的当前配置
func (r *Reloader) Sanitized() map[string]any {
	return Sanitize(r.Current())
}

// Sanitize 把配置转换为 map 并遮盖密码、密钥与 token
func Sanitize(cfg *Config) map[string]any {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	redactSensitiveFields(result)
	return result
}

var sensitiveKeys = []string{"password", "api_key", "apikey", "secret", "token", "authorization"}

// redactSensitiveFields 递归地遮盖敏感字段
func redactSensitiveFields(data map[string]any) {
	for key, value := range data {
		lowerKey := strings.ToLower(key)
		for _, sensitive := range sensitiveKeys {
			if strings.Contains(lowerKey, sensitive) {
				if str, ok := value.(string); ok && str != "" {
					data[key] = "[REDACTED]"
				}
				break
			}
		}
		switch v := value.(type) {
		case map[string]any:
			redactSensitiveFields(v)
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					redactSensitiveFields(m)
				}
			}
		}
	}
}

// Handler 提供配置查看与重载接口：
//
//	GET  /v1/config         脱敏后的当前配置
//	POST /v1/config/reload  立即重载
func (r *Reloader) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/config", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"version": r.Version(),
			"config":  r.Sanitized(),
		})
	})
	mux.HandleFunc("POST /v1/config/reload", func(w http.ResponseWriter, _ *http.Request) {
		if err := r.Reload(); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": r.Version()})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
