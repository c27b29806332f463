// Command argos runs the request orchestration service: an HTTP API for
// submitting intelligence-gathering requests plus the processing strategy
// that drives them through the workflow executor.
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

	"github.com/joho/godotenv"

	"github.com/argos-intel/argos/internal/artifact"
	"github.com/argos-intel/argos/internal/config"
	"github.com/argos-intel/argos/internal/events"
	"github.com/argos-intel/argos/internal/executor"
	"github.com/argos-intel/argos/internal/orchestrator"
	"github.com/argos-intel/argos/internal/queue"
	"github.com/argos-intel/argos/internal/ratelimit"
	"github.com/argos-intel/argos/internal/server"
	"github.com/argos-intel/argos/internal/storage"
	"github.com/argos-intel/argos/internal/telemetry"
	"github.com/argos-intel/argos/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	// Config must be read before the logger exists, since it carries the
	// log level; errors at this stage go straight to stderr.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "argos: load config:", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	slog.Info("argos starting",
		"version", version, "port", cfg.Port, "strategy", cfg.Strategy, "store", cfg.Store)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect the request store.
	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Lifecycle event publisher (optional).
	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
		defer func() { _ = kp.Close() }()
		publisher = kp
		logger.Info("lifecycle events: kafka", "topic", cfg.KafkaTopic)
	} else {
		logger.Info("lifecycle events: disabled (no ARGOS_KAFKA_BROKERS)")
	}

	// Report artifact store (optional).
	var artifacts artifact.Store
	if cfg.MinIOEndpoint != "" {
		mc, err := artifact.NewMinIOStore(ctx, artifact.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		}, logger)
		if err != nil {
			return fmt.Errorf("artifact: %w", err)
		}
		artifacts = mc
		logger.Info("report offload: minio", "bucket", cfg.MinIOBucket)
	} else {
		logger.Info("report offload: disabled (no ARGOS_MINIO_ENDPOINT)")
	}

	deps := orchestrator.Deps{
		Store:     store,
		Executor:  &executor.Simulated{StageDelay: time.Second},
		Artifacts: artifacts,
		Events:    publisher,
		Logger:    logger,
	}

	strategy, err := newStrategy(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(deps, strategy, cfg.MaxAttempts)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		ml := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = ml.Close() }()
		limiter = ml
		logger.Info("submission rate limiting: enabled",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("submission rate limiting: disabled")
	}

	srv := server.New(server.Config{
		Orchestrator: orch,
		Store:        store,
		Logger:       logger,
		Limiter:      limiter,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting HTTP first, then let in-flight
	// requests finish before the store goes away.
	slog.Info("argos shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := orch.Drain(drainCtx); err != nil {
		slog.Error("drain error", "error", err)
	}
	drainCancel()

	slog.Info("argos stopped")
	return nil
}

// newStore builds the configured store backend. Postgres runs migrations
// at startup; SQLite bootstraps its own schema on open.
func newStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.RequestStore, func(), error) {
	switch cfg.Store {
	case "postgres":
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, pg.Close, nil
	case "sqlite":
		sq, err := storage.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		return sq, func() { _ = sq.Close() }, nil
	case "memory":
		logger.Warn("using in-memory store; requests are lost on restart")
		return storage.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("storage: unknown backend %q", cfg.Store)
	}
}

// newStrategy builds the configured processing strategy.
func newStrategy(ctx context.Context, cfg config.Config, deps orchestrator.Deps, logger *slog.Logger) (orchestrator.Strategy, error) {
	switch cfg.Strategy {
	case "queue":
		rq, err := queue.NewRedisQueue(ctx, cfg.RedisAddr, logger)
		if err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}
		return orchestrator.NewQueueStrategy(deps, rq, orchestrator.QueueConfig{
			Workers:         cfg.Workers,
			ReceiveWait:     cfg.ReceiveWait,
			Visibility:      cfg.VisibilityTimeout,
			RetryBase:       cfg.RetryBase,
			RetryCap:        cfg.RetryCap,
			ExecutorTimeout: cfg.ExecutorTimeout,
		}), nil
	case "table":
		return orchestrator.NewTable(deps, orchestrator.TableConfig{
			PollInterval:    cfg.PollInterval,
			BatchSize:       cfg.PollBatch,
			ExecutorTimeout: cfg.ExecutorTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("orchestrator: unknown strategy %q", cfg.Strategy)
	}
}
