package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"squeeze/internal/server/api"
	"squeeze/internal/server/config"
	"squeeze/internal/server/database"
	"squeeze/internal/server/hub"
	"squeeze/internal/server/notify"
	"squeeze/internal/server/service"
	"squeeze/internal/server/storage"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg := config.Load()

	// Structured logging, optionally teed into a rotated file
	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		defer rotated.Close()
		out = io.MultiWriter(os.Stdout, rotated)
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"max_file_size", cfg.MaxFileSize,
		"memory_limit", cfg.MemoryLimit,
		"max_concurrent_jobs", cfg.MaxConcurrentJobs,
		"terminal_retention", cfg.TerminalRetention,
	)

	if err := run(cfg, logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server exited cleanly")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, health, closeDB, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	slog.Info("artifact storage initialized", "backend", cfg.StorageBackend)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.NATSURL != "" {
		n, err := notify.NewNATS(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return err
		}
		notifier = n
		slog.Info("job notifications enabled", "subject", cfg.NATSSubject)
	}
	defer notifier.Close()

	events := hub.New(cfg.TerminalRetention, logger)
	jobs := service.NewJobService(repo, store, events, notifier, service.JobOptions{
		MaxConcurrent: cfg.MaxConcurrentJobs,
		MaxFileSize:   cfg.MaxFileSize,
		Retention:     cfg.TerminalRetention,
		MemoryLimit:   cfg.MemoryLimit,
		Logger:        logger,
	})
	artifacts := service.NewArtifactService(repo, store, logger)
	artifacts.SetMemoryLimit(cfg.MemoryLimit)
	shares := service.NewShareService(repo, store, cfg.BaseURL, cfg.ShareDefaultHours, logger)

	cleanup := storage.NewCleanupService(repo, cfg.CleanupInterval)

	handler := api.NewHandler(jobs, artifacts, shares, events, health)
	e := api.SetupRouter(handler, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		cleanup.Start(gctx)
		cleanup.Wait()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		// Stop accepting new requests, finish in-flight with 30s timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := e.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
		if err := jobs.Shutdown(shutdownCtx); err != nil {
			slog.Error("jobs did not stop in time", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// openRepository connects to Postgres when DATABASE_URL is set and falls
// back to the in-memory repository otherwise.
func openRepository(ctx context.Context, cfg *config.Config) (database.Store, api.HealthChecker, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory repository")
		return database.NewMemoryRepository(), nil, func() {}, nil
	}

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("database migrations complete")
	return database.NewRepository(db), db, db.Close, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "fs", "":
		return storage.NewFileSystemStore(cfg.StoragePath), nil
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
