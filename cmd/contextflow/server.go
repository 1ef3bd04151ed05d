package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/contextflow/cache"
	"github.com/BaSui01/contextflow/config"
	"github.com/BaSui01/contextflow/internal/metrics"
	"github.com/BaSui01/contextflow/internal/server"
	"github.com/BaSui01/contextflow/internal/telemetry"
	"github.com/BaSui01/contextflow/rag"
)

// Server 是 ContextFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	// 引擎与缓存
	engine *rag.Engine
	caches *cache.Layered

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 指标收集器
	collector *metrics.Collector

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otelProviders,
	}
}

// Start 启动所有服务
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("contextflow", prometheus.DefaultRegisterer, s.logger)

	if err := s.initCache(); err != nil {
		return fmt.Errorf("failed to init cache: %w", err)
	}

	if err := s.initEngine(); err != nil {
		return fmt.Errorf("failed to init engine: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("cache_backend", s.cfg.Cache.Backend),
	)

	return nil
}

// initCache 按配置组装多级缓存。持久层连不上时退化为纯内存缓存,
// 服务照常启动。
func (s *Server) initCache() error {
	memory := cache.NewMemoryStore(s.cfg.Engine.Cache.MaxEntries, s.cfg.Engine.Cache.EvictRatio)

	var persisted cache.Store
	switch s.cfg.Cache.Backend {
	case config.CacheBackendSQL:
		store, err := cache.NewSQLStore(s.cfg.Cache.Database.StoreConfig(), s.logger)
		if err != nil {
			s.logger.Warn("SQL cache unavailable, memory-only caching", zap.Error(err))
		} else {
			persisted = store
		}
	case config.CacheBackendRedis:
		store, err := cache.NewRedisStore(s.cfg.Cache.Redis.StoreConfig(), s.logger)
		if err != nil {
			s.logger.Warn("Redis cache unavailable, memory-only caching", zap.Error(err))
		} else {
			persisted = store
		}
	}

	s.caches = cache.NewLayered(memory, persisted, s.collector, s.logger)
	return nil
}

// initEngine 创建检索引擎,遥测开启时接入 OTel 追踪。
func (s *Server) initEngine() error {
	opts := []rag.EngineOption{
		rag.WithEngineCache(s.caches),
		rag.WithEngineMetrics(s.collector),
		rag.WithEngineLogger(s.logger),
	}
	if s.cfg.Telemetry.Enabled {
		opts = append(opts, rag.WithEngineTracer(otel.Tracer("contextflow/engine")))
	}

	engine, err := rag.NewEngine(s.cfg.Engine, opts...)
	if err != nil {
		return err
	}
	s.engine = engine
	return nil
}

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	h := newAPIHandler(s.engine, s.logger)

	mux := http.NewServeMux()

	// 健康检查与版本端点
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/readyz", h.handleReady)
	mux.HandleFunc("/version", h.handleVersion(Version, BuildTime, GitCommit))

	// 检索 API
	mux.HandleFunc("/v1/index", h.handleIndex)
	mux.HandleFunc("/v1/retrieve", h.handleRetrieve)
	mux.HandleFunc("/v1/context", h.handleContext)
	mux.HandleFunc("/v1/stats", h.handleStats)

	// 中间件链
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = rateLimiterCancel
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger))
	}
	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// startMetricsServer 启动 Metrics 服务器
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

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务:先排空两个 HTTP 端口,再关引擎与缓存,
// 最后冲刷遥测数据。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.httpManager != nil {
		g.Go(func() error { return s.httpManager.Shutdown(gctx) })
	}
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Shutdown(gctx) })
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("HTTP shutdown error", zap.Error(err))
	}

	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.logger.Error("Engine shutdown error", zap.Error(err))
		}
	}
	if s.caches != nil {
		if err := s.caches.Close(); err != nil {
			s.logger.Error("Cache shutdown error", zap.Error(err))
		}
	}

	if err := s.otel.Shutdown(ctx); err != nil {
		s.logger.Error("Telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
