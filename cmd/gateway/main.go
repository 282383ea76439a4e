package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/af-corp/llm-relay/internal/access"
	"github.com/af-corp/llm-relay/internal/auth"
	"github.com/af-corp/llm-relay/internal/config"
	"github.com/af-corp/llm-relay/internal/gateway"
	"github.com/af-corp/llm-relay/internal/health"
	"github.com/af-corp/llm-relay/internal/jobs"
	"github.com/af-corp/llm-relay/internal/quota"
	"github.com/af-corp/llm-relay/internal/router"
	"github.com/af-corp/llm-relay/internal/store"
	"github.com/af-corp/llm-relay/internal/telemetry"
	"github.com/af-corp/llm-relay/internal/upstream"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	// Bootstrap logger until the configured one is known.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	providers := loader.Store()

	logger = newLogger(cfg.Telemetry)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		logger.Error("failed to open storage", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer backend.Close()
	logger.Info("storage ready", "backend", cfg.Storage.Backend)

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	ledger := quota.NewLedger(backend.Tokens, cfg.Quota, providers.PremiumModels(), logger)
	if err := ledger.Load(ctx); err != nil {
		logger.Error("failed to load api keys", "error", err)
		os.Exit(1)
	}

	monitor := health.NewMonitor(backend.Health, cfg.Routing.HealthTTL, logger, health.WithMetrics(metrics))
	if err := monitor.Load(ctx); err != nil {
		logger.Warn("failed to load provider status, starting empty", "error", err)
	}

	client := upstream.New(cfg.Routing.DefaultTimeout)
	registry := router.NewModelRegistry(providers, logger)

	routerOpts := []router.Option{router.WithMetrics(metrics)}
	if cfg.Routing.ReportHealth {
		routerOpts = append(routerOpts, router.WithHealthReporter(monitor))
	}
	rt := router.New(providers, registry, logger, routerOpts...)

	handlerOpts := []gateway.Option{
		gateway.WithVersion(version),
		gateway.WithDirectFallback(cfg.Routing.DirectFallback),
		gateway.WithMetrics(metrics),
	}
	if cfg.Policy.Enabled {
		evaluator := access.NewEvaluator(cfg.Policy, logger)
		if err := evaluator.Load(ctx); err != nil {
			logger.Error("failed to load access policy", "error", err)
			os.Exit(1)
		}
		handlerOpts = append(handlerOpts, gateway.WithPolicy(evaluator, ledger.IsPremiumModel))
	}
	handler := gateway.NewHandler(rt, providers, client, monitor, handlerOpts...)

	scheduler, err := startJobs(ctx, cfg, backend, ledger, monitor, providers, client, logger)
	if err != nil {
		logger.Error("failed to start background jobs", "error", err)
		os.Exit(1)
	}
	defer scheduler.Shutdown()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      gateway.Routes(handler, auth.Middleware(ledger, metrics), metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var metricsSrv *http.Server
	if cfg.Telemetry.MetricsPort > 0 {
		mr := chi.NewRouter()
		mr.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Telemetry.MetricsPort),
			Handler: mr,
		}
		go func() {
			logger.Info("metrics server starting", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting",
			"addr", addr,
			"version", version,
			"providers", len(providers.Providers()),
			"models", len(registry.ListAvailableModels()),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func newLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// startJobs wires the background work: absorbing keys issued by cmd/keygen and
// the optional provider health sweep.
func startJobs(ctx context.Context, cfg *config.Config, backend *store.Backend, ledger *quota.Ledger,
	monitor *health.Monitor, providers *config.Store, client *upstream.Client, logger *slog.Logger) (*jobs.Scheduler, error) {
	scheduler, err := jobs.NewScheduler(logger)
	if err != nil {
		return nil, err
	}

	refresh := func(ctx context.Context) {
		if _, err := ledger.Refresh(ctx); err != nil {
			logger.Warn("failed to refresh api keys", "error", err)
		}
	}

	if tokens, ok := backend.Tokens.(*store.File); ok && cfg.Storage.WatchFiles {
		path := tokens.Path()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		if err := store.WatchFile(ctx, tokens, logger, func() { refresh(ctx) }); err != nil {
			logger.Warn("failed to watch api key file", "path", path, "error", err)
		}
	}
	if cfg.Storage.RefreshInterval > 0 {
		if err := scheduler.Every("api-key-refresh", cfg.Storage.RefreshInterval, refresh); err != nil {
			return nil, err
		}
	}

	if cfg.Routing.HealthSweepInterval > 0 {
		sweeper := health.NewSweeper(monitor, providers.Providers, client.Probe, logger)
		sweep := func(ctx context.Context) { sweeper.Sweep(ctx) }
		if err := scheduler.Every("health-sweep", cfg.Routing.HealthSweepInterval, sweep); err != nil {
			return nil, err
		}
	}

	scheduler.Start()
	return scheduler, nil
}
