package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrmushfiq/api-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/api-gateway/internal/gateway/broadcast"
	"github.com/mrmushfiq/api-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/api-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/api-gateway/internal/gateway/logpipe"
	"github.com/mrmushfiq/api-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/api-gateway/internal/gateway/proxy"
	"github.com/mrmushfiq/api-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/api-gateway/internal/gateway/targets"
	"github.com/mrmushfiq/api-gateway/internal/shared/config"
	"github.com/mrmushfiq/api-gateway/internal/shared/database"
	"github.com/mrmushfiq/api-gateway/internal/shared/logger"
	"github.com/mrmushfiq/api-gateway/internal/shared/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	zl.Info("Starting API gateway",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.Int("targets", len(cfg.Targets)),
		zap.Bool("cache_enabled", cfg.CacheEnabled),
	)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		zl.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		zl.Fatal("Failed to prepare schema", zap.Error(err))
	}
	zl.Info("Connected to PostgreSQL")

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		zl.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	zl.Info("Connected to Redis")

	// Upstream targets
	registry, err := targets.New(cfg.Targets, zl.Named("targets"))
	if err != nil {
		zl.Fatal("Invalid upstream targets", zap.Error(err))
	}
	if cfg.TargetsFile != "" {
		if err := registry.Watch(ctx, cfg.TargetsFile); err != nil {
			zl.Warn("Targets file will not be reloaded", zap.Error(err))
		}
	}
	zl.Info("Initialized upstream targets", zap.Strings("targets", registry.Names()))

	m := metrics.New(prometheus.DefaultRegisterer)

	// Live broadcast and log pipeline
	hub := broadcast.NewHub(zl.Named("broadcast"), broadcast.WithMetrics(m))
	pipeline := logpipe.New(redisClient, db, hub, zl.Named("logpipe"),
		logpipe.WithInterval(cfg.LogFlushInterval),
		logpipe.WithMetrics(m),
	)
	if err := pipeline.Start(ctx); err != nil {
		zl.Fatal("Failed to start log pipeline", zap.Error(err))
	}

	// Core services
	authService := auth.New(db, auth.WithDefaults(cfg.DefaultRateLimit, cfg.KeyExpiryDays))
	limiter := ratelimit.New(redisClient,
		ratelimit.WithWindow(cfg.RateLimitWindow),
		ratelimit.WithMetrics(m),
	)

	proxyOpts := []proxy.Option{
		proxy.WithHTTPClient(&http.Client{Timeout: cfg.UpstreamTimeout}),
		proxy.WithMaxBodyBytes(cfg.MaxBodyBytes),
		proxy.WithMetrics(m),
	}
	if cfg.CacheEnabled {
		proxyOpts = append(proxyOpts, proxy.WithCache(cache.New(redisClient), cfg.CacheTTL))
	}
	proxyService := proxy.New(registry, authService, limiter, pipeline, zl.Named("proxy"), proxyOpts...)

	// Setup router
	router := handlers.NewRouter(handlers.Routes{
		Proxy:     handlers.NewProxyHandler(proxyService, zl.Named("proxy")),
		Keys:      handlers.NewKeysHandler(authService, zl.Named("auth")),
		LogStream: handlers.NewLogStreamHandler(hub, zl.Named("broadcast")),
		Analytics: handlers.NewAnalyticsHandler(db, zl.Named("analytics")),
		Health: handlers.NewHealthHandler(map[string]handlers.Pinger{
			"database": db,
			"redis":    redisClient,
		}, zl.Named("health")),
		Metrics:        promhttp.Handler(),
		RequestTimeout: cfg.UpstreamTimeout + 30*time.Second,
	})

	// HTTP server
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		zl.Info("Server listening",
			zap.String("addr", srv.Addr),
			zap.String("proxy", "/proxy/{target}/*"),
			zap.String("keys", "POST /auth/keys"),
			zap.String("live_logs", "/ws/logs"),
		)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	zl.Info("Shutting down gracefully")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("Server shutdown error", zap.Error(err))
	}
	hub.Close()

	// events still buffered in Redis are picked up by the next process
	pipeline.Stop()
	cancel()

	zl.Info("Server stopped")
}
