package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vortexgw/ai-provider-proxy/cache"
	"github.com/vortexgw/ai-provider-proxy/config"
	"github.com/vortexgw/ai-provider-proxy/credentials"
	"github.com/vortexgw/ai-provider-proxy/engine"
	"github.com/vortexgw/ai-provider-proxy/internal/database"
	"github.com/vortexgw/ai-provider-proxy/internal/server"
	"github.com/vortexgw/ai-provider-proxy/metrics"
	"github.com/vortexgw/ai-provider-proxy/music"
	"github.com/vortexgw/ai-provider-proxy/providerrepo"
	"github.com/vortexgw/ai-provider-proxy/proxy"
	"github.com/vortexgw/ai-provider-proxy/templateexec"
	"github.com/vortexgw/ai-provider-proxy/templatestore"

	"github.com/redis/go-redis/v9"
)

// Server owns every collaborator's lifecycle: database pool, caches,
// engine, proxy, music workflow, and the admin HTTP/metrics listeners.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	pool     *database.PoolManager
	repo     *providerrepo.Repository
	tplStore *templatestore.Store

	credentials *credentials.Resolver
	metrics     *metrics.Collector
	templateCache  *cache.Cache
	executionCache *cache.Cache
	executor *templateexec.Executor
	eng      *engine.Engine
	musicWF  *music.Workflow
	prox     *proxy.Proxy

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthCtx    context.Context
	healthCancel context.CancelFunc
}

// NewServer wires every collaborator from cfg and db. It does not start
// any network listener or background loop; call Start for that.
func NewServer(cfg *config.Config, db *gorm.DB, logger *zap.Logger) (*Server, error) {
	poolCfg := database.DefaultPoolConfig()
	if cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = cfg.Database.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}

	pool, err := database.NewPoolManager(db, poolCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build database pool manager: %w", err)
	}

	repo := providerrepo.New(pool.DB())
	tplStore := templatestore.New(pool.DB())

	if err := repo.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate provider schema: %w", err)
	}
	if err := tplStore.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate template schema: %w", err)
	}

	credsResolver := credentials.NewResolver(logger)
	mcol := metrics.NewCollector("aiproxy", logger)

	templateCache := cache.New("templates", cfg.Proxy.TemplateCache.MaxSize, cfg.Proxy.TemplateCache.TTL, cacheRedisOption(cfg.Redis)...)
	executionCache := cache.New("executions", cfg.Proxy.ExecutionCache.MaxSize, cfg.Proxy.ExecutionCache.TTL, cacheRedisOption(cfg.Redis)...)

	executor := templateexec.NewExecutor(tplStore, templateCache, executionCache, logger)

	eng := engine.New(logger, engine.WithProviderTimeouts(cfg.Proxy.ProviderTimeouts))
	musicWF := music.New(30*time.Second, logger)

	prox := proxy.New(repo, eng, credsResolver, mcol, musicWF, logger, cfg.Proxy)

	healthCtx, healthCancel := context.WithCancel(context.Background())

	return &Server{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		repo:           repo,
		tplStore:       tplStore,
		credentials:    credsResolver,
		metrics:        mcol,
		templateCache:  templateCache,
		executionCache: executionCache,
		executor:       executor,
		eng:            eng,
		musicWF:        musicWF,
		prox:           prox,
		healthCtx:      healthCtx,
		healthCancel:   healthCancel,
	}, nil
}

// cacheRedisOption builds the cache.WithRedis option when the distributed
// tier is enabled, or no options otherwise: the local LRU tier always runs
// on its own.
func cacheRedisOption(cfg config.RedisConfig) []cache.Option {
	if !cfg.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
	return []cache.Option{cache.WithRedis(client)}
}

// Start brings up the admin HTTP surface, the metrics surface, and the
// background provider health-check loop.
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start admin HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	go s.prox.StartHealthLoop(s.healthCtx)

	s.logger.Info("gateway started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()
	h := &handlers{server: s}

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/providers/health", h.handleProxyHealth)
	mux.HandleFunc("/v1/providers/select", h.handleSelectProvider)
	mux.HandleFunc("/v1/providers/by-capability", h.handleProvidersByCapability)
	mux.HandleFunc("/v1/providers/", h.handleProviderByID)
	mux.HandleFunc("/v1/usage", h.handleUsageStatistics)
	mux.HandleFunc("/v1/invoke", h.handleInvoke)
	mux.HandleFunc("/v1/templates/", h.handleTemplatePreviewOrExecute)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(mux, serverConfig, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// WaitForShutdown blocks until an interrupt/terminate signal or a listener
// error, then tears every collaborator down in reverse dependency order.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.healthCancel()

	if s.metricsManager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}

	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Warn("database pool close error", zap.Error(err))
		}
	}
}

// migrateSchema runs every owned table's AutoMigrate without building the
// full Server, for the standalone `gateway migrate` command.
func migrateSchema(db *gorm.DB) error {
	if err := providerrepo.New(db).Migrate(context.Background()); err != nil {
		return err
	}
	return templatestore.New(db).Migrate(context.Background())
}
