// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"pkg-harvest/internal/api"
	"pkg-harvest/internal/collector"
	"pkg-harvest/internal/config"
	"pkg-harvest/internal/database"
	"pkg-harvest/internal/github"
	"pkg-harvest/internal/metrics"
	"pkg-harvest/internal/pypi"
	"pkg-harvest/internal/syncer"
	"pkg-harvest/internal/upstream"
	"pkg-harvest/migrations"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully", "repositories", len(cfg.Repositories), "upstream_links", len(cfg.UpstreamLinks))

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := migrations.Up(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	a, err := newApp(ctx, cfg, dbpool, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return err
	}

	// 6. Start the scheduler and the HTTP API
	go a.syncer.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// 7. Wait for shutdown signal
	logger.Info("Application started. Waiting for shutdown signal...")
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	if err := a.syncer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Active runs did not finish before timeout", "error", err)
	}
	logger.Info("Exiting")
	return nil
}

type app struct {
	store  *database.Store
	syncer *syncer.Syncer
	router http.Handler
}

// newApp wires the store, collectors, resolvers and orchestrator, registers the
// configured repositories and closes runs left over by a previous process.
func newApp(ctx context.Context, cfg *config.Config, dbpool *pgxpool.Pool, reg prometheus.Registerer, logger *slog.Logger) (*app, error) {
	store := database.NewStore(dbpool)

	repos := make([]database.UpsertRepositoryParams, 0, len(cfg.Repositories))
	for _, r := range cfg.Repositories {
		repos = append(repos, database.UpsertRepositoryParams{
			Name:        r.Name,
			DisplayName: r.DisplayName,
			SyncEnabled: r.SyncEnabled(),
		})
	}
	if err := store.EnsureRepositories(ctx, repos); err != nil {
		return nil, fmt.Errorf("failed to register repositories: %w", err)
	}

	ghLinks, pypiLinks, err := upstream.SplitLinks(cfg.UpstreamLinks)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream links: %w", err)
	}
	ghResolver, err := github.NewResolver(cfg.GithubToken, ghLinks, cfg.ResolverMaxRetries, logger.With("component", "resolver"))
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}
	pypiResolver, err := pypi.NewResolver(cfg.PypiURL, pypiLinks, cfg.ResolverMaxRetries, logger.With("component", "resolver", "registry", "pypi"))
	if err != nil {
		return nil, fmt.Errorf("failed to create pypi resolver: %w", err)
	}
	resolver := upstream.Chain{ghResolver, pypiResolver}
	col := collector.New(ctx, logger.With("component", "collector"))

	m, err := metrics.NewSyncMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	s := syncer.NewSyncer(store, col, resolver, cfg.Repositories, syncer.Settings{
		Interval:           cfg.SyncInterval,
		SyncConcurrency:    cfg.SyncConcurrency,
		ResolveConcurrency: cfg.ResolveConcurrency,
	}, m, logger.With("component", "syncer"))
	if err := s.Recover(ctx); err != nil {
		return nil, err
	}

	return &app{
		store:  store,
		syncer: s,
		router: api.NewRouter(s, store, ghResolver, logger.With("component", "api")),
	}, nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
