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

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"programista_hub/internal/api"
	"programista_hub/internal/auth"
	"programista_hub/internal/config"
	"programista_hub/internal/index"
	"programista_hub/internal/publisher"
	"programista_hub/internal/scheduler"
	"programista_hub/internal/search"
	"programista_hub/internal/service"
	"programista_hub/internal/source/provider"
	"programista_hub/internal/storage/postgres"
	"programista_hub/internal/telemetry"
	"programista_hub/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = setupLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("hub stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry)

	// Stores
	txManager := postgres.NewTransactionManager(db)
	indexStore := postgres.NewIndexStore(db, txManager)
	syncRuns := postgres.NewSyncRunStore(db)
	apiKeys := postgres.NewAPIKeyStore(db)

	idx, err := index.NewStore(logger,
		index.WithPersister(indexStore),
		index.WithRetention(cfg.Index.RetainSnapshots),
		index.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	if err := idx.Load(ctx); err != nil {
		return err
	}

	fetcher := provider.New(provider.Config{
		BaseURL:         cfg.Provider.BaseURL,
		UserAgent:       cfg.Provider.UserAgent,
		Timeout:         cfg.Provider.Timeout,
		MaxPackageBytes: cfg.Provider.MaxPackageBytes,
		MaxAttempts:     cfg.Provider.Retry.MaxAttempts,
		InitialBackoff:  cfg.Provider.Retry.InitialBackoff,
		MaxBackoff:      cfg.Provider.Retry.MaxBackoff,
	}, metrics, logger)

	var events service.Publisher
	if cfg.RabbitMQ.Enabled {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			return err
		}
		defer rabbitMQ.Close()
		events = rabbitMQ
	}

	syncService := service.NewSyncService(fetcher, idx, syncRuns, events, logger)
	coordinator := service.NewCoordinator(syncService, cfg.Sync, logger, service.WithCoordinatorMetrics(metrics))
	defer coordinator.Stop()

	ingestor := webhook.NewIngestor(webhook.Config{
		Secret:       cfg.Webhook.Secret,
		Repository:   cfg.Webhook.Repository,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
	}, coordinator, metrics, logger)
	if cfg.Webhook.Secret == "" {
		logger.Warn("webhook secret not set, provider webhooks will be refused", "env", config.WebhookSecretEnv)
	}

	validator := auth.NewValidator(apiKeys, cfg.Auth.CacheTTL, auth.WithCacheSize(cfg.Auth.CacheSize))

	router := api.NewServer(api.Deps{
		Search:   search.NewService(idx),
		Manifest: fetcher,
		Sync:     coordinator,
		Runs:     syncRuns,
		Keys:     apiKeys,
		DB:       indexStore,
		Index:    idx,
		Webhook:  ingestor,
		Metrics:  telemetry.Handler(registry),
		Logger:   logger,
	},
		api.WithAPIKeyHeader(cfg.Server.APIKeyHeader),
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			api.LoggingMiddleware(logger),
			metrics.Middleware,
			auth.Middleware(auth.MiddlewareConfig{
				Required:    cfg.Server.RequireAPIKey,
				Header:      cfg.Server.APIKeyHeader,
				PublicPaths: auth.DefaultPublicPaths,
			}, validator, logger),
		),
	)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sched := scheduler.NewScheduler(coordinator, cfg.Sync.Schedule, cfg.Sync.SyncOnBoot, logger)
	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Start(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting programista hub",
			"addr", cfg.Server.Addr,
			"index_version", idx.Version(),
			"schedule", cfg.Sync.Schedule,
			"require_api_key", cfg.Server.RequireAPIKey,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serveErr:
		cancel()
		return err
	case err := <-schedErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			cancel()
			return err
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
