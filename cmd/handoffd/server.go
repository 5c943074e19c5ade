package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/handoffd/agent/browser"
	"github.com/BaSui01/handoffd/agent/handoff"
	"github.com/BaSui01/handoffd/agent/hitl"
	"github.com/BaSui01/handoffd/agent/supervisor"
	"github.com/BaSui01/handoffd/api/handlers"
	"github.com/BaSui01/handoffd/config"
	"github.com/BaSui01/handoffd/internal/database"
	"github.com/BaSui01/handoffd/internal/metrics"
	"github.com/BaSui01/handoffd/internal/migration"
	"github.com/BaSui01/handoffd/internal/redisconn"
	"github.com/BaSui01/handoffd/internal/server"
	"github.com/BaSui01/handoffd/internal/telemetry"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装 handoffd 的全部组件并管理其生命周期
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Providers
	redis     *redisconn.Manager
	dbPool    *database.PoolManager

	collector  *metrics.Collector
	registry   *hitl.Registry
	sessions   *handoff.Manager
	controls   *browser.Controls
	supervisor *supervisor.Supervisor

	healthHandler  *handlers.HealthHandler
	handoffHandler *handlers.HandoffHandler
	runHandler     *handlers.RunHandler
	sessionHandler *handlers.SessionHandler

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// ServerOption 配置 Server
type ServerOption func(*Server)

// withCollector 复用已注册的指标收集器；默认 Registry 不允许重复注册
func withCollector(c *metrics.Collector) ServerOption {
	return func(s *Server) { s.collector = c }
}

// withBrowserAttacher 替换远程浏览器接入方式
func withBrowserAttacher(a browser.Attacher) ServerOption {
	return func(s *Server) {
		s.controls = browser.NewControls(s.cfg.Browser, nil, a, s.logger)
	}
}

// NewServer 按配置创建所有组件，不监听端口
func NewServer(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers

	if s.collector == nil {
		s.collector = metrics.NewCollector("handoffd", logger)
	}
	s.healthHandler = handlers.NewHealthHandler(logger)

	store, err := s.openStore(context.Background())
	if err != nil {
		s.closeResources(context.Background())
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}

	s.registry = hitl.NewRegistry(hitl.RegistryConfig{
		TTL:           cfg.Handoff.TTL,
		SweepInterval: cfg.Handoff.SweepInterval,
		Retention:     cfg.Handoff.Retention,
	}, store, logger, hitl.WithMetrics(s.collector))

	s.sessions = handoff.NewManager(handoff.Config{
		FrameInterval:  cfg.Stream.FrameInterval,
		PushDeadline:   cfg.Stream.PushDeadline,
		InputRate:      cfg.Stream.InputRate,
		InputBurst:     cfg.Stream.InputBurst,
		GracePeriod:    cfg.Handoff.SessionGracePeriod,
		MessageTimeout: cfg.Stream.MessageTimeout,
	}, s.registry, logger, handoff.WithMetrics(s.collector))

	if s.controls == nil {
		if err := s.initControls(); err != nil {
			s.closeResources(context.Background())
			return nil, err
		}
	}

	s.supervisor = supervisor.New(supervisor.Config{
		Escalation: cfg.Escalation,
		AwaitSlack: cfg.Handoff.AwaitSlack,
	}, s.registry, s.sessions, logger, supervisor.WithMetrics(s.collector))

	s.initHandlers()

	logger.Info("components initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
		zap.Int("browser_pool_size", cfg.Browser.PoolSize))
	return s, nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// openStore 按 store.driver 选择请求归档后端
func (s *Server) openStore(ctx context.Context) (hitl.Store, error) {
	switch s.cfg.Store.Driver {
	case config.StoreRedis:
		rcfg := redisconn.DefaultConfig()
		rcfg.Addr = s.cfg.Redis.Addr
		rcfg.Password = s.cfg.Redis.Password
		rcfg.DB = s.cfg.Redis.DB
		rcfg.PoolSize = s.cfg.Redis.PoolSize
		rcfg.MinIdleConns = s.cfg.Redis.MinIdleConns
		rcfg.TLS = s.cfg.Redis.TLS
		rcfg.TLSCAFile = s.cfg.Redis.TLSCAFile

		mgr, err := redisconn.NewManager(rcfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.redis = mgr
		s.healthHandler.RegisterCheck(handlers.NewCheck("redis", mgr.Ping))
		return hitl.NewRedisStore(mgr.Client(), s.cfg.Store.KeyPrefix, s.cfg.Store.Retention), nil

	case config.StoreDatabase:
		return s.openDatabaseStore(ctx)

	default:
		return hitl.NewMemoryStore(), nil
	}
}

func (s *Server) openDatabaseStore(ctx context.Context) (hitl.Store, error) {
	dbCfg := s.cfg.Database

	// sqlite 走 gorm AutoMigrate，避免 cgo 的迁移驱动成为运行时依赖
	if dbCfg.AutoMigrate && dbCfg.Driver != "sqlite" {
		if err := s.migrateUp(ctx); err != nil {
			return nil, err
		}
	}

	db, err := database.Open(dbCfg.Driver, dbCfg.DSN(), s.logger)
	if err != nil {
		return nil, err
	}

	poolCfg := database.DefaultPoolConfig()
	if dbCfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = dbCfg.MaxOpenConns
	}
	if dbCfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = min(dbCfg.MaxIdleConns, poolCfg.MaxOpenConns)
	}
	if dbCfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	}

	pool, err := database.NewPoolManager(db, poolCfg, s.logger,
		database.WithStatsReporter(dbCfg.Name, s.collector.RecordDBConnections))
	if err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	s.dbPool = pool
	s.healthHandler.RegisterCheck(handlers.NewCheck("database", pool.Ping))

	store := hitl.NewGormStore(pool.DB())
	if dbCfg.AutoMigrate && dbCfg.Driver == "sqlite" {
		if err := store.AutoMigrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *Server) migrateUp(ctx context.Context) error {
	m, err := migration.NewMigratorFromDatabaseConfig(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, _ := m.Version(ctx)
	s.logger.Info("database migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// initControls 配置本地浏览器池；pool_size 为 0 时只支持远程接入
func (s *Server) initControls() error {
	var pool *browser.Pool
	if s.cfg.Browser.PoolSize > 0 {
		p, err := browser.NewPool(s.cfg.Browser, nil, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create browser pool: %w", err)
		}
		pool = p
	}
	s.controls = browser.NewControls(s.cfg.Browser, pool, nil, s.logger)
	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.handoffHandler = handlers.NewHandoffHandler(s.registry, s.supervisor, s.cfg.Handoff.MaxAwait, s.logger)
	s.runHandler = handlers.NewRunHandler(s.supervisor, s.controls, s.logger)
	s.sessionHandler = handlers.NewSessionHandler(s.sessions, originHosts(s.cfg.Server.CORSAllowedOrigins), s.logger)

	s.healthHandler.SetSummary(s.summary)
}

// originHosts 把 CORS 来源（https://ops.example.com）转换为 WebSocket 的 host 模式
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}

// summary 是 /health 附带的计数
func (s *Server) summary() map[string]int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := map[string]int{"runs": len(s.supervisor.List())}
	if waiting, err := s.registry.List(ctx, hitl.Filter{Status: hitl.StatusWaiting}); err == nil {
		out["handoffs_waiting"] = len(waiting)
	}
	active := 0
	for _, info := range s.sessions.List() {
		if info.Active {
			active++
		}
	}
	out["sessions_active"] = active
	return out
}

// =============================================================================
// 🌐 HTTP 路由
// =============================================================================

// routes 注册 API 与健康检查路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(currentVersion(), BuildTime, GitCommit))

	mux.HandleFunc("GET /api/v1/handoffs", s.handoffHandler.HandleList)
	mux.HandleFunc("GET /api/v1/handoffs/{id}", s.handoffHandler.HandleGet)
	mux.HandleFunc("GET /api/v1/handoffs/{id}/await", s.handoffHandler.HandleAwait)
	mux.HandleFunc("POST /api/v1/handoffs/{id}/respond", s.handoffHandler.HandleRespond)

	mux.HandleFunc("GET /api/v1/runs", s.runHandler.HandleList)
	mux.HandleFunc("POST /api/v1/runs", s.runHandler.HandleStart)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.runHandler.HandleGet)
	mux.HandleFunc("DELETE /api/v1/runs/{id}", s.runHandler.HandleDelete)
	mux.HandleFunc("POST /api/v1/runs/{id}/attempts", s.runHandler.HandleAttempt)
	mux.HandleFunc("POST /api/v1/runs/{id}/successes", s.runHandler.HandleSuccess)
	mux.HandleFunc("POST /api/v1/runs/{id}/resume", s.runHandler.HandleResume)

	mux.HandleFunc("GET /api/v1/sessions", s.sessionHandler.HandleList)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.sessionHandler.HandleGet)
	mux.HandleFunc("GET /api/v1/sessions/{id}/ws", s.sessionHandler.HandleOperatorWS)

	return mux
}

// Handler 返回带完整中间件链的 API handler；ctx 结束时取消所有在途请求
func (s *Server) Handler(ctx context.Context) http.Handler {
	return Chain(s.routes(),
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		JWTAuth(s.cfg.Auth, operatorRoute, s.logger),
		Lifecycle(ctx),
	)
}

// =============================================================================
// 🚀 运行与关闭
// =============================================================================

// Run 启动 API、metrics 与过期扫描，阻塞到收到信号或任一服务失败
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.run(ctx)
}

func (s *Server) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	// 收到信号即摘除就绪，负载均衡先停止派发新请求
	context.AfterFunc(gctx, s.healthHandler.SetDraining)

	srvCfg := s.cfg.Server
	s.httpManager = server.NewManager("api", s.Handler(gctx), server.Config{
		Addr:            fmt.Sprintf(":%d", srvCfg.HTTPPort),
		ReadTimeout:     srvCfg.ReadTimeout,
		WriteTimeout:    srvCfg.WriteTimeout,
		IdleTimeout:     srvCfg.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: srvCfg.ShutdownTimeout,
		TLSCertFile:     srvCfg.TLSCertFile,
		TLSKeyFile:      srvCfg.TLSKeyFile,
	}, s.logger)
	g.Go(func() error { return s.httpManager.Run(gctx) })

	if srvCfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		s.metricsManager = server.NewManager("metrics", mux, server.Config{
			Addr:            fmt.Sprintf(":%d", srvCfg.MetricsPort),
			ReadTimeout:     srvCfg.ReadTimeout,
			WriteTimeout:    srvCfg.WriteTimeout,
			ShutdownTimeout: srvCfg.ShutdownTimeout,
		}, s.logger)
		g.Go(func() error { return s.metricsManager.Run(gctx) })
	}

	g.Go(func() error {
		if err := s.registry.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	s.logger.Info("handoffd started",
		zap.Int("http_port", srvCfg.HTTPPort),
		zap.Int("metrics_port", srvCfg.MetricsPort))

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	s.Shutdown(shutdownCtx)
	return err
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

// Shutdown 中止所有运行、关闭会话，然后释放浏览器与存储连接
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("Starting graceful shutdown...")

	if s.supervisor != nil {
		if err := s.supervisor.Shutdown(ctx); err != nil {
			s.logger.Error("supervisor shutdown error", zap.Error(err))
		}
	}
	if s.sessions != nil {
		if err := s.sessions.Close(ctx); err != nil {
			s.logger.Error("session manager shutdown error", zap.Error(err))
		}
	}
	s.closeResources(ctx)

	s.logger.Info("Graceful shutdown completed")
}

func (s *Server) closeResources(ctx context.Context) {
	if s.controls != nil {
		if err := s.controls.Close(); err != nil {
			s.logger.Warn("browser pool close error", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("redis close error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Warn("database close error", zap.Error(err))
		}
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown error", zap.Error(err))
	}
}
