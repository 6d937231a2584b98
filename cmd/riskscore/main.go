// riskscore - Explainable customer risk scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

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
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/opensource-finance/riskscore/internal/api"
	"github.com/opensource-finance/riskscore/internal/bus"
	"github.com/opensource-finance/riskscore/internal/cache"
	"github.com/opensource-finance/riskscore/internal/config"
	"github.com/opensource-finance/riskscore/internal/domain"
	"github.com/opensource-finance/riskscore/internal/metrics"
	"github.com/opensource-finance/riskscore/internal/repository"
	"github.com/opensource-finance/riskscore/internal/scoring"
	"github.com/opensource-finance/riskscore/internal/service"
	"github.com/opensource-finance/riskscore/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to riskscore.yaml (default: ./riskscore.yaml or /etc/riskscore/riskscore.yaml)")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("RISKSCORE_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "riskscore: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting riskscore",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"risk_config", cfg.Scoring.ConfigPath,
	)

	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("riskscore stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("riskscore shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config, logger *slog.Logger) error {
	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New()

	// Risk engine starts from the configured rule table, or the built-in default
	engine := scoring.NewEngine(
		scoring.WithConfig(scoring.LoadConfiguration(cfg.Scoring.ConfigPath, logger)),
		scoring.WithLogger(logger),
	)

	svc, err := service.New(engine, repo,
		service.WithCache(cacheImpl, cfg.Cache.CustomerTTL),
		service.WithEventBus(busImpl),
		service.WithMetrics(m),
		service.WithLogger(logger),
		service.WithConfigPath(cfg.Scoring.ConfigPath),
	)
	if err != nil {
		return err
	}

	if cfg.Scoring.RestoreSnapshot {
		restored, err := svc.RestoreConfig(ctx)
		if err != nil {
			slog.Warn("failed to restore configuration snapshot", "error", err)
		} else if restored {
			slog.Info("configuration snapshot restored")
		}
	}
	slog.Info("risk engine initialized", "config_version", engine.Config().Version())

	// Custom rules are configured via POST /rules
	if _, err := svc.LoadRules(ctx); err != nil {
		slog.Warn("failed to load custom rules", "error", err)
	}

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, svc, logger)
		if err := asyncWorker.Start(worker.DefaultConfig()); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Dependencies{
		Service:    svc,
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Metrics:    m,
		Logger:     logger,
		RateLimit:  cfg.RateLimit,
		Version:    Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("riskscore is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return serveErr
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.LogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  riskscore - explainable customer risk scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /customers           - Register a customer")
	fmt.Println("    GET    /customers/{id}      - Get customer by ID")
	fmt.Println("    POST   /risk/score          - Score a customer")
	fmt.Println("    GET    /risk/{customerID}   - List a customer's scores")
	fmt.Println("    POST   /risk/explain        - Explain a profile without saving")
	fmt.Println("    GET    /risk/config         - Active risk configuration")
	fmt.Println("    PUT    /risk/config         - Replace risk configuration")
	fmt.Println("    POST   /risk/config/reload  - Reload configuration file")
	fmt.Println("    GET    /rules               - List custom rules")
	fmt.Println("    POST   /rules               - Create a CEL custom rule")
	fmt.Println("    DELETE /rules/{id}          - Delete a custom rule")
	fmt.Println("    POST   /rules/reload        - Hot-reload rules from database")
	fmt.Println("    GET    /health              - Health check")
	fmt.Println("    GET    /metrics             - Prometheus metrics")
	fmt.Println()
}
