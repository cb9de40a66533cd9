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

	"ugc/server/internal/api"
	"ugc/server/internal/auth"
	"ugc/server/internal/batch"
	"ugc/server/internal/config"
	"ugc/server/internal/events"
	"ugc/server/internal/history"
	"ugc/server/internal/job"
	"ugc/server/internal/poller"
	"ugc/server/internal/provider"
	"ugc/server/internal/storage"
	"ugc/server/internal/store"
	"ugc/server/internal/telemetry"

	"github.com/redis/go-redis/v9"
)

const (
	demoEmail    = "demo@ugc.local"
	demoPassword = "demo123456"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	quota := storage.WithQuota(backend, cfg.Storage.QuotaBytes)

	notifier, err := openNotifier(cfg.AMQP, logger)
	if err != nil {
		return err
	}
	defer notifier.Close()

	st := store.NewMemoryStore()
	authSvc := auth.NewService(st, cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)
	if err := authSvc.SeedDemoUser(demoEmail, demoPassword); err != nil {
		return fmt.Errorf("seed demo user: %w", err)
	}

	registry := buildRegistry(cfg.Providers, logger)
	tracker := history.NewTracker(quota, cfg.Storage.HistoryCap, logger)
	hub := events.NewHub()
	jobs := job.NewService(job.Options{
		Store:    st,
		Hub:      hub,
		Notifier: notifier,
		Registry: registry,
		Retry: provider.RetryPolicy{
			MaxRetries:       cfg.Retry.MaxRetries,
			RateLimitBackoff: cfg.Retry.RateLimitBackoff,
			MaxWait:          cfg.Retry.MaxWait,
			Logger:           logger,
		},
		Poller: poller.New(poller.Options{
			Interval:    cfg.Poll.Interval,
			Timeout:     cfg.Poll.Timeout,
			MaxAttempts: cfg.Poll.MaxAttempts,
			Logger:      logger,
		}),
		History:     tracker,
		Logger:      logger,
		MaxUserJobs: cfg.MaxUserJobs,
	})
	defer jobs.Close()
	batches := batch.NewProcessor(batch.Options{
		Tracker:   history.NewBatchTracker(quota, cfg.Storage.BatchCap, logger),
		Generator: jobs,
		ItemDelay: cfg.Batch.ItemDelay,
		MaxItems:  cfg.Batch.MaxItems,
		Logger:    logger,
	})
	defer batches.Close()

	srv := api.NewServer(api.Deps{
		Auth:         authSvc,
		Store:        st,
		Jobs:         jobs,
		Batches:      batches,
		History:      tracker,
		Providers:    registry,
		Hub:          hub,
		Logger:       logger,
		CORSOrigins:  cfg.CORSOrigins,
		PollInterval: cfg.Poll.Interval,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_start",
			"addr", cfg.Addr,
			"demo_user", demoEmail,
			"storage", cfg.Storage.Driver,
			"max_user_jobs", cfg.MaxUserJobs,
			"poll_interval", cfg.Poll.Interval,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("server_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Driver {
	case "sqlite":
		return storage.NewSQLite(cfg.SQLitePath, logger)
	case "redis":
		return storage.NewRedis(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
	default:
		return storage.NewMemory(), nil
	}
}

func openNotifier(cfg config.AMQPConfig, logger *slog.Logger) (events.Notifier, error) {
	if cfg.URL == "" {
		return events.NopNotifier{}, nil
	}
	n, err := events.DialAMQP(cfg.URL, cfg.Exchange, logger)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func buildRegistry(cfg config.ProvidersConfig, logger *slog.Logger) *provider.Registry {
	registry := provider.NewRegistry(
		provider.NewReplicate(provider.ReplicateOptions{
			Token:          cfg.ReplicateToken,
			BaseURL:        cfg.ReplicateBaseURL,
			Logger:         logger,
			RequestTimeout: cfg.RequestTimeout,
		}),
		provider.NewFal(provider.FalOptions{
			Key:            cfg.FalKey,
			BaseURL:        cfg.FalBaseURL,
			Logger:         logger,
			RequestTimeout: cfg.RequestTimeout,
		}),
		provider.NewHuggingFace(provider.HuggingFaceOptions{
			Token:          cfg.HuggingFaceToken,
			BaseURL:        cfg.HuggingFaceBaseURL,
			Logger:         logger,
			RequestTimeout: cfg.RequestTimeout,
		}),
		provider.NewElevenLabs(provider.ElevenLabsOptions{
			Key:            cfg.ElevenLabsKey,
			BaseURL:        cfg.ElevenLabsBaseURL,
			Voice:          cfg.ElevenLabsVoice,
			Logger:         logger,
			RequestTimeout: cfg.RequestTimeout,
		}),
		provider.NewOpenAI(provider.OpenAIOptions{
			Key:            cfg.OpenAIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Logger:         logger,
			RequestTimeout: cfg.RequestTimeout,
		}),
	)
	if cfg.EnableMock {
		registry.Register(provider.NewMockAdapter(provider.MockOptions{Latency: 200 * time.Millisecond}))
	}
	for _, c := range registry.List() {
		logger.Info("provider registered", "provider", c.Provider, "configured", c.Configured, "synchronous", c.Synchronous)
	}
	return registry
}
