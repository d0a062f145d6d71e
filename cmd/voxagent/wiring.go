package main

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/agent/handoff"
	"github.com/BaSui01/voxagent/agent/hitl"
	"github.com/BaSui01/voxagent/agent/mcp"
	"github.com/BaSui01/voxagent/agent/memory"
	"github.com/BaSui01/voxagent/agent/session"
	"github.com/BaSui01/voxagent/agent/streaming"
	"github.com/BaSui01/voxagent/agent/voice"
	"github.com/BaSui01/voxagent/config"
	"github.com/BaSui01/voxagent/internal/cache"
	"github.com/BaSui01/voxagent/internal/database"
	"github.com/BaSui01/voxagent/llm/tools"
	"github.com/BaSui01/voxagent/tools/browser"
	"github.com/BaSui01/voxagent/tools/email"
	"github.com/BaSui01/voxagent/tools/fs"
	"github.com/BaSui01/voxagent/tools/system"
	"github.com/BaSui01/voxagent/tools/web"
	"github.com/BaSui01/voxagent/types"
)

// backends 是按配置打开的共享连接，关闭顺序与打开相反。
type backends struct {
	redis *cache.Manager
	db    *database.PoolManager
	// sqlite 没有单独的迁移步骤，启动时建表
	autoMigrate bool
	closers     []io.Closer
}

func (b *backends) Close() error {
	var firstErr error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// openBackends 只在 memory/approval 后端需要时连接 Redis 与数据库。
func openBackends(cfg *config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}
	if cfg.Memory.Backend == "redis" || cfg.Approval.Backend == "redis" {
		rc := cache.DefaultConfig()
		rc.Addr = cfg.Redis.Addr
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		rc.TLS = cfg.Redis.TLS
		if cfg.Redis.PoolSize > 0 {
			rc.PoolSize = cfg.Redis.PoolSize
		}
		if cfg.Redis.MinIdleConns > 0 {
			rc.MinIdleConns = cfg.Redis.MinIdleConns
		}
		m, err := cache.NewManager(rc, logger)
		if err != nil {
			return nil, err
		}
		b.redis = m
		b.closers = append(b.closers, m)
	}
	if cfg.Memory.Backend == "sql" {
		pm, err := database.Open(cfg.Database, logger)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.db = pm
		b.autoMigrate = cfg.Database.Driver == "sqlite"
		b.closers = append(b.closers, pm)
	}
	return b, nil
}

// buildStore 按 memory.backend 选择事实存储。
func buildStore(cfg config.MemoryConfig, b *backends, logger *zap.Logger) (memory.Store, error) {
	switch cfg.Backend {
	case "", "inmemory":
		return memory.NewInMemoryStore(memory.InMemoryStoreConfig{MaxFactsPerUser: cfg.MaxFactsPerUser}, logger), nil
	case "redis":
		if b == nil || b.redis == nil {
			return nil, fmt.Errorf("memory backend redis: no redis connection")
		}
		return memory.NewRedisStore(b.redis.Client(), memory.RedisStoreConfig{
			KeyPrefix:       cfg.KeyPrefix,
			MaxFactsPerUser: cfg.MaxFactsPerUser,
		}, logger), nil
	case "sql":
		if b == nil || b.db == nil {
			return nil, fmt.Errorf("memory backend sql: no database connection")
		}
		return memory.NewSQLStore(b.db.DB(), memory.SQLStoreConfig{
			AutoMigrate:     b.autoMigrate,
			MaxFactsPerUser: cfg.MaxFactsPerUser,
		}, logger)
	case "mem0":
		return memory.NewMem0Store(memory.Mem0Config{
			BaseURL:    cfg.Mem0.BaseURL,
			APIKey:     cfg.Mem0.APIKey,
			Timeout:    cfg.Mem0.Timeout,
			MaxRetries: cfg.Mem0.MaxRetries,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown memory backend: %s", cfg.Backend)
	}
}

func managerConfig(cfg config.MemoryConfig) memory.ManagerConfig {
	mc := memory.DefaultManagerConfig()
	mc.SearchQuery = cfg.SearchQuery
	mc.Limit = cfg.Limit
	mc.MaxSnapshotTokens = cfg.MaxSnapshotTokens
	if cfg.ContextRole != "" {
		mc.ContextRole = types.Role(cfg.ContextRole)
	}
	if cfg.LoadTimeout > 0 {
		mc.LoadTimeout = cfg.LoadTimeout
	}
	if cfg.SaveTimeout > 0 {
		mc.SaveTimeout = cfg.SaveTimeout
	}
	return mc
}

// buildGate 按 approval.backend 选择待确认操作注册表。
// 预记录写入与记忆共用同一个存储。
func buildGate(cfg config.ApprovalConfig, b *backends, store memory.Store, logger *zap.Logger, opts ...hitl.GateOption) (*hitl.Gate, error) {
	var registry hitl.Registry
	switch cfg.Backend {
	case "", "inmemory":
		registry = hitl.NewInMemoryRegistry()
	case "redis":
		if b == nil || b.redis == nil {
			return nil, fmt.Errorf("approval backend redis: no redis connection")
		}
		registry = hitl.NewRedisRegistry(b.redis.Client(), cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown approval backend: %s", cfg.Backend)
	}

	gc := hitl.DefaultGateConfig()
	gc.TTL = cfg.TTL
	gc.RecordPending = cfg.RecordPending
	if len(cfg.Affirmatives) > 0 {
		gc.Affirmatives = cfg.Affirmatives
	}
	if cfg.RecordPending && store != nil {
		opts = append(opts, hitl.WithRecorder(store))
	}
	return hitl.NewGate(registry, gc, logger, opts...), nil
}

// catalogue 是进程级的工具目录，浏览器在关闭时释放。
type catalogue struct {
	tools   []tools.Tool
	browser *browser.BrowserTools
}

func (c *catalogue) Close() error {
	if c.browser != nil {
		return c.browser.Close()
	}
	return nil
}

// buildCatalogue 按配置组装本地工具。
func buildCatalogue(cfg config.ToolsConfig, logger *zap.Logger) (*catalogue, error) {
	c := &catalogue{}
	if cfg.FS.Enabled {
		fc := fs.DefaultConfig()
		if cfg.FS.Root != "" {
			fc.Root = cfg.FS.Root
			fc.Aliases = nil
		}
		if cfg.FS.MaxReadChars > 0 {
			fc.MaxReadChars = cfg.FS.MaxReadChars
		}
		if cfg.FS.Timeout > 0 {
			fc.Timeout = cfg.FS.Timeout
		}
		ft, err := fs.New(fc, logger)
		if err != nil {
			return nil, fmt.Errorf("file tools: %w", err)
		}
		c.tools = append(c.tools, ft.Tools()...)
	}
	if cfg.System.Enabled {
		sc := system.DefaultConfig()
		sc.WorkDir = cfg.System.WorkDir
		if cfg.System.MaxOutputChars > 0 {
			sc.MaxOutputChars = cfg.System.MaxOutputChars
		}
		if cfg.System.Timeout > 0 {
			sc.Timeout = cfg.System.Timeout
		}
		c.tools = append(c.tools, system.New(sc, logger).Tools()...)
	}
	if cfg.Web.Enabled {
		wc := web.DefaultConfig()
		if cfg.Web.SearchURL != "" {
			wc.SearchURL = cfg.Web.SearchURL
		}
		if cfg.Web.WeatherURL != "" {
			wc.WeatherURL = cfg.Web.WeatherURL
		}
		if cfg.Web.MaxChars > 0 {
			wc.MaxChars = cfg.Web.MaxChars
		}
		if cfg.Web.Timeout > 0 {
			wc.Timeout = cfg.Web.Timeout
		}
		wc.RateLimitPerMinute = cfg.Web.RateLimitPerMinute
		c.tools = append(c.tools, web.New(wc, logger).Tools()...)
	}
	if cfg.Email.Username != "" {
		ec := email.Config{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			Timeout:  cfg.Email.Timeout,
		}
		c.tools = append(c.tools, email.New(ec, nil, logger).Tools()...)
	}
	if cfg.Browser.Enabled {
		bc := browser.DefaultConfig()
		bc.Headless = cfg.Browser.Headless
		bc.ExecPath = cfg.Browser.ExecPath
		if cfg.Browser.Timeout > 0 {
			bc.Timeout = cfg.Browser.Timeout
		}
		c.browser = browser.New(bc, nil, logger)
		c.tools = append(c.tools, c.browser.Tools()...)
	}
	return c, nil
}

// buildCatalog 把人设配置转换为状态机目录，没有配置时使用内置人设。
func buildCatalog(cfg config.PersonasConfig) (*handoff.Catalog, error) {
	base := toProfile(cfg.Profile, voice.DefaultProfile())
	if len(cfg.Specs) == 0 {
		return handoff.NewCatalog(handoff.DefaultSpecs(), cfg.Default, base)
	}
	specs := make([]handoff.Spec, 0, len(cfg.Specs))
	for _, pc := range cfg.Specs {
		spec := handoff.Spec{
			Name:         pc.Name,
			Instructions: pc.Instructions,
			Tools:        pc.Tools,
			OnEnter:      pc.OnEnter,
			Profile:      toProfile(pc.Profile, voice.Profile{InterruptEnabled: base.InterruptEnabled}),
		}
		for _, rc := range pc.Routes {
			spec.Routes = append(spec.Routes, handoff.Route{
				Tool:             rc.Tool,
				Target:           rc.Target,
				Description:      rc.Description,
				Param:            rc.Param,
				ParamDescription: rc.ParamDescription,
				Utterance:        rc.Utterance,
			})
		}
		specs = append(specs, spec)
	}
	return handoff.NewCatalog(specs, cfg.Default, base)
}

// toProfile 以 fallback 为底覆盖配置中出现的字段。
func toProfile(pc config.ProfileConfig, fallback voice.Profile) voice.Profile {
	p := voice.Profile{
		STTProvider: pc.STTProvider,
		TTSProvider: pc.TTSProvider,
		Model:       pc.Model,
		Voice:       pc.Voice,
		Temperature: pc.Temperature,
		SampleRate:  pc.SampleRate,
	}.Merge(fallback)
	p.InterruptEnabled = fallback.InterruptEnabled
	if pc.InterruptEnabled != nil {
		p.InterruptEnabled = *pc.InterruptEnabled
	}
	return p
}

// buildIdentity 配置了 JWT 密钥时按 token 解析用户，否则使用默认用户。
func buildIdentity(cfg config.AuthConfig) (session.IdentityResolver, error) {
	static := session.StaticIdentity{DefaultUserID: cfg.DefaultUserID}
	if cfg.JWTSecret == "" {
		return static, nil
	}
	var fallback session.IdentityResolver
	if cfg.AllowAnonymous && cfg.DefaultUserID != "" {
		fallback = static
	}
	return session.NewJWTIdentity(session.JWTConfig{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
	}, fallback)
}

func sessionConfig(cfg config.SessionConfig) session.Config {
	sc := session.DefaultConfig()
	if cfg.OpeningInstructions != "" {
		sc.OpeningInstructions = cfg.OpeningInstructions
	}
	if cfg.ReadyTimeout > 0 {
		sc.ReadyTimeout = cfg.ReadyTimeout
	}
	if cfg.TeardownGrace > 0 {
		sc.TeardownGrace = cfg.TeardownGrace
	}
	if cfg.MCPConnectTimeout > 0 {
		sc.MCPConnectTimeout = cfg.MCPConnectTimeout
	}
	return sc
}

func machineConfig(cfg config.SessionConfig) handoff.MachineConfig {
	mc := handoff.DefaultMachineConfig()
	if cfg.GoodbyeInstructions != "" {
		mc.GoodbyeInstructions = cfg.GoodbyeInstructions
	}
	return mc
}

func mcpServers(cfg config.MCPConfig) []mcp.ServerConfig {
	servers := cfg.MCPServers()
	out := make([]mcp.ServerConfig, 0, len(servers))
	for _, s := range servers {
		out = append(out, mcp.ServerConfig{Name: s.Name, URL: s.URL, Headers: s.Headers, Timeout: s.Timeout})
	}
	return out
}

func bridgeConfig(cfg config.ServerConfig) streaming.BridgeConfig {
	bc := streaming.DefaultBridgeConfig()
	if cfg.HeartbeatInterval > 0 {
		bc.HeartbeatInterval = cfg.HeartbeatInterval
	}
	if cfg.HangupGrace > 0 {
		bc.HangupGrace = cfg.HangupGrace
	}
	return bc
}

// healthTimeout 是 /health 探测依赖时的超时
const healthTimeout = 2 * time.Second
