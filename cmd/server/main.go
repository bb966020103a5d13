package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/egressguard/egressguard/internal/auth"
	"github.com/egressguard/egressguard/internal/config"
	"github.com/egressguard/egressguard/internal/logger"
	"github.com/egressguard/egressguard/internal/monitoring"
	"github.com/egressguard/egressguard/internal/pool"
	"github.com/egressguard/egressguard/internal/probe"
	"github.com/egressguard/egressguard/internal/ratelimit"
	"github.com/egressguard/egressguard/internal/recalibrate"
	"github.com/egressguard/egressguard/internal/router"
	"github.com/egressguard/egressguard/internal/telemetry"
)

const authCacheSize = 1024

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LoggingLevel)

	log.Info("Starting egressguard",
		"logging_level", cfg.Server.LoggingLevel,
		"port", cfg.Server.Port,
		"rate_limit_storage", cfg.RateLimit.Storage,
		"recalibration_enabled", cfg.Recalibration.Enabled,
	)

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)
	sink := buildSink(cfg, log)

	manager, err := buildPool(cfg, log, sink, metrics)
	if err != nil {
		log.Error("Failed to build proxy pool", "error", err)
		os.Exit(1)
	}
	log.Info("Proxy pool ready", "proxies", manager.Size())

	limiter, err := buildLimiter(cfg, log, metrics)
	if err != nil {
		log.Error("Failed to build rate limiter", "error", err)
		os.Exit(1)
	}

	authenticator, err := auth.NewAuthenticator(cfg.Server.APIKeys, authCacheSize)
	if err != nil {
		log.Error("Failed to build authenticator", "error", err)
		os.Exit(1)
	}

	controller, closeSource, err := buildController(cfg, manager, sink, log, metrics)
	if err != nil {
		log.Error("Failed to build recalibration controller", "error", err)
		os.Exit(1)
	}
	if closeSource != nil {
		defer closeSource()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if controller != nil && cfg.Recalibration.Enabled {
		go controller.Start(ctx, cfg.Recalibration.Interval)
	}

	if cfg.Monitoring.PrometheusEnabled {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					for addr, stats := range manager.SnapshotMetrics() {
						metrics.UpdateProxyActive(addr, stats.Active)
					}
				}
			}
		}()
		log.Info("Metrics updater started (updates every 10 seconds)")
	}

	rtr := router.New(manager, controller, cfg.Monitoring.HealthCheckPath, log)

	handler := authenticator.Middleware(
		ratelimit.Middleware(limiter)(rtr),
	)

	mux := http.NewServeMux()
	mux.Handle("/", handler)

	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("Prometheus metrics enabled", "path", "/metrics")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Server shutdown complete")
}

func buildSink(cfg *config.Config, log *slog.Logger) telemetry.Sink {
	switch cfg.Telemetry.Sink {
	case "redis":
		opts, err := redis.ParseURL(cfg.Telemetry.RedisURL)
		if err != nil {
			log.Error("Invalid telemetry redis_url, falling back to log sink", "error", err)
			return telemetry.NewLogSink(log)
		}
		return telemetry.NewRedisStreamSink(redis.NewClient(opts), cfg.Telemetry.RedisStream, log)
	case "none":
		return telemetry.NopSink{}
	default:
		return telemetry.NewLogSink(log)
	}
}

func buildPool(cfg *config.Config, log *slog.Logger, sink telemetry.Sink, metrics *monitoring.Metrics) (*pool.Manager, error) {
	prober := probe.New(cfg.Pool.HealthCheckURL, cfg.Pool.HealthCheckTimeout, log)

	poolCfg := pool.Config{
		MaxConsecutiveFailures: cfg.Pool.MaxConsecutiveFailures,
		FailureCooldown:        cfg.Pool.FailureCooldown,
		HealthCheck:            prober.Check,
		HealthCheckInterval:    cfg.Pool.HealthCheckInterval,
		Logger:                 log,
		Sink:                   sink,
		Metrics:                metrics,
	}

	if cfg.Pool.ProxyFile != "" {
		return pool.FromFile(cfg.Pool.ProxyFile, poolCfg)
	}
	return pool.New(cfg.Pool.Proxies, poolCfg), nil
}

func buildLimiter(cfg *config.Config, log *slog.Logger, metrics *monitoring.Metrics) (*ratelimit.Limiter, error) {
	var storage ratelimit.Storage
	switch cfg.RateLimit.Storage {
	case "redis":
		redisStorage, err := ratelimit.NewRedisStorageFromURL(cfg.RateLimit.RedisURL, log)
		if err != nil {
			return nil, err
		}
		storage = redisStorage
	default:
		storage = ratelimit.NewMemoryStorage()
	}

	limits := make(map[string]map[ratelimit.CallerClass]ratelimit.LimitConfig, len(cfg.RateLimit.Endpoints))
	for endpoint, classes := range cfg.RateLimit.Endpoints {
		classLimits := make(map[ratelimit.CallerClass]ratelimit.LimitConfig, 2)
		if classes.Anonymous != nil {
			classLimits[ratelimit.CallerAnonymous] = toLimitConfig(*classes.Anonymous)
		}
		if classes.Authenticated != nil {
			classLimits[ratelimit.CallerAuthenticated] = toLimitConfig(*classes.Authenticated)
		}
		limits[endpoint] = classLimits
	}

	return ratelimit.NewLimiter(storage, limits, toLimitConfig(cfg.RateLimit.DefaultLimit), log, metrics), nil
}

func toLimitConfig(limit config.LimitConfig) ratelimit.LimitConfig {
	return ratelimit.LimitConfig{
		Requests: limit.Requests,
		Window:   limit.Window,
		Strategy: ratelimit.Strategy(limit.Strategy),
	}
}

func buildController(
	cfg *config.Config,
	manager *pool.Manager,
	sink telemetry.Sink,
	log *slog.Logger,
	metrics *monitoring.Metrics,
) (*recalibrate.Controller, func(), error) {
	var (
		source      recalibrate.MetricsSource
		closeSource func()
	)

	switch cfg.Recalibration.Source {
	case "postgres":
		pgSource, err := recalibrate.NewPostgresSource(context.Background(), cfg.Recalibration.DSN, log)
		if err != nil {
			return nil, nil, err
		}
		source = pgSource
		closeSource = pgSource.Close
	default:
		source = recalibrate.NewMemorySource(nil)
	}

	return recalibrate.NewController(source, manager, sink, log, metrics), closeSource, nil
}
