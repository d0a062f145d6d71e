package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/voxagent/agent/hitl"
	"github.com/BaSui01/voxagent/agent/memory"
	"github.com/BaSui01/voxagent/agent/session"
	"github.com/BaSui01/voxagent/agent/streaming"
	"github.com/BaSui01/voxagent/config"
	"github.com/BaSui01/voxagent/internal/metrics"
	"github.com/BaSui01/voxagent/internal/server"
	"github.com/BaSui01/voxagent/internal/telemetry"
	"github.com/BaSui01/voxagent/types"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	envPath := fs.String("env", ".env", "Path to a .env file")
	_ = fs.Parse(args)

	loader := config.NewLoader().WithDotEnv(*envPath)
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, level, cleanup, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer cleanup()

	logger.Info("starting voxagent",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("memory_backend", cfg.Memory.Backend),
		zap.String("approval_backend", cfg.Approval.Backend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	collector := metrics.NewCollector("voxagent", logger)
	a, err := newApp(cfg, logger, collector)
	if err != nil {
		_ = providers.Shutdown(ctx)
		return err
	}

	var reloader *config.Reloader
	if *configPath != "" {
		reloader, err = config.NewReloader(loader, cfg, config.WithReloadLogger(logger))
		if err != nil {
			_ = a.close(ctx)
			_ = providers.Shutdown(ctx)
			return err
		}
		// 只有日志级别在运行期生效，其余字段下次启动生效
		reloader.OnReload(func(old, next *config.Config) {
			if old.Log.Level != next.Log.Level {
				level.SetLevel(parseLevel(next.Log.Level))
				logger.Info("log level changed", zap.String("from", old.Log.Level), zap.String("to", next.Log.Level))
			}
		})
		reloader.Start(ctx)
	}

	srv := server.NewManager(a.routes(ctx, reloader), server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	// 先结束会话（保存记忆），再释放依赖
	srv.OnShutdown(a.close)
	srv.OnShutdown(func(ctx context.Context) error {
		if reloader != nil {
			reloader.Stop()
		}
		return providers.Shutdown(ctx)
	})

	if err := srv.Start(); err != nil {
		_ = a.close(ctx)
		_ = providers.Shutdown(ctx)
		return err
	}
	logger.Info("voxagent ready", zap.String("addr", srv.Addr()))

	if err := srv.WaitForShutdown(); err != nil {
		logger.Error("shutdown finished with errors", zap.Error(err))
		return err
	}
	logger.Info("voxagent stopped")
	return nil
}

// app 持有进程级的组件，每条 WebSocket 连接对应一次会话。
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	metrics      *metrics.Collector
	backends     *backends
	catalogue    *catalogue
	gate         *hitl.Gate
	orchestrator *session.Orchestrator
}

func newApp(cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, metrics: collector}
	defer func() {
		if err != nil {
			_ = a.release()
		}
	}()

	if a.backends, err = openBackends(cfg, logger); err != nil {
		return nil, fmt.Errorf("open backends: %w", err)
	}
	store, err := buildStore(cfg.Memory, a.backends, logger)
	if err != nil {
		return nil, err
	}

	memOpts := []memory.ManagerOption{memory.WithMetrics(collector)}
	if cfg.Memory.MaxSnapshotTokens > 0 {
		memOpts = append(memOpts, memory.WithTokenCounter(memory.NewTokenCounter("", logger)))
	}
	mem := memory.NewManager(store, managerConfig(cfg.Memory), logger, memOpts...)

	if a.gate, err = buildGate(cfg.Approval, a.backends, store, logger, hitl.WithGateMetrics(collector)); err != nil {
		return nil, err
	}
	catalog, err := buildCatalog(cfg.Personas)
	if err != nil {
		return nil, fmt.Errorf("personas: %w", err)
	}
	if a.catalogue, err = buildCatalogue(cfg.Tools, logger); err != nil {
		return nil, err
	}
	identity, err := buildIdentity(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	a.orchestrator, err = session.NewOrchestrator(catalog, mem, sessionConfig(cfg.Session), logger,
		session.WithIdentity(identity),
		session.WithGate(a.gate),
		session.WithTools(a.catalogue.tools...),
		session.WithMCPServers(mcpServers(cfg.MCP)...),
		session.WithMachineConfig(machineConfig(cfg.Session)),
		session.WithMetrics(collector),
	)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	return a, nil
}

// routes 组装 HTTP 路由，reloader 可以为 nil。
func (a *app) routes(ctx context.Context, reloader *config.Reloader) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions", a.handleSession)
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	if reloader != nil {
		mux.Handle("/v1/config", reloader.Handler())
		mux.Handle("/v1/config/", reloader.Handler())
	}

	return Chain(mux,
		Recovery(a.logger),
		RequestID(),
		SecurityHeaders(),
		MetricsMiddleware(a.metrics),
		OTelTracing(),
		RateLimiter(ctx, a.cfg.Server.RateLimitRPS, a.cfg.Server.RateLimitBurst, a.logger),
		RequestLogger(a.logger),
	)
}

// handleSession 把请求升级为语音 worker 连接并在其上运行一次会话，
// 处理函数在会话结束前不返回。
func (a *app) handleSession(w http.ResponseWriter, r *http.Request) {
	// 会话是长连接，不受服务器读写超时约束
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := streaming.Accept(w, r, a.cfg.Server.MaxFrameBytes, a.logger)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	q := r.URL.Query()
	req := session.Request{
		SessionID: q.Get("session_id"),
		RoomName:  q.Get("room"),
		UserID:    q.Get("user_id"),
		Token:     r.Header.Get("Authorization"),
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.RoomName == "" {
		req.RoomName = "room-" + req.SessionID
	}
	if req.Token == "" {
		req.Token = q.Get("token")
	}

	bridge := streaming.NewBridge(conn, bridgeConfig(a.cfg.Server), a.logger)
	s, err := a.orchestrator.Start(r.Context(), req, bridge, bridge.Room(req.RoomName))
	if err != nil {
		a.logger.Warn("session rejected", zap.String("session_id", req.SessionID), zap.Error(err))
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		_ = conn.WriteFrame(ctx, streaming.Frame{Type: streaming.FrameClose, Error: rejectReason(err), Timestamp: time.Now()})
		_ = conn.Close()
		return
	}

	// worker 挂断或断线后会话自行 teardown，等它保存完记忆
	<-s.Done()
}

// rejectReason 只把调用方可处理的错误原样返回。
func rejectReason(err error) string {
	var typed *types.Error
	if errors.As(err, &typed) && typed.Code == types.ErrUnauthorized {
		return typed.Message
	}
	if errors.Is(err, session.ErrNoIdentity) {
		return session.ErrNoIdentity.Error()
	}
	return "session could not be started"
}

// handleHealth 探测已配置的 Redis 与数据库
func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := map[string]string{}
	healthy := true
	if a.backends.redis != nil {
		checks["redis"] = "ok"
		if err := a.backends.redis.Ping(ctx); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		}
	}
	if a.backends.db != nil {
		checks["database"] = "ok"
		if err := a.backends.db.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
		stats := a.backends.db.Stats()
		a.metrics.RecordDBConnections(a.cfg.Database.Driver, stats.OpenConnections, stats.Idle)
	}

	status := http.StatusOK
	body := map[string]any{
		"status":          "healthy",
		"version":         Version,
		"active_sessions": a.orchestrator.Active(),
		"checks":          checks,
	}
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
	}
	writeJSON(w, status, body)
}

// close 先结束所有会话，再关闭工具与后端连接。
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.orchestrator != nil {
		if err := a.orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown sessions: %w", err))
		}
	}
	if err := a.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// release 并行关闭互不依赖的资源
func (a *app) release() error {
	var g errgroup.Group
	if a.catalogue != nil {
		g.Go(a.catalogue.Close)
	}
	if a.backends != nil {
		g.Go(a.backends.Close)
	}
	return g.Wait()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
