package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/chronoq/chronoq/api"
	"github.com/chronoq/chronoq/config"
	"github.com/chronoq/chronoq/engine"
	"github.com/chronoq/chronoq/lock"
	"github.com/chronoq/chronoq/store"
	"github.com/chronoq/chronoq/store/memory"
	pgstore "github.com/chronoq/chronoq/store/postgres"
	redisstore "github.com/chronoq/chronoq/store/redis"
	"github.com/chronoq/chronoq/transport"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler node and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	st, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	tr, err := buildTransport(cfg)
	if err != nil {
		return err
	}
	defer tr.Close() //nolint:errcheck

	opts := []engine.Option{
		engine.WithStore(st),
		engine.WithTransport(tr),
		engine.WithLogger(logger),
		engine.WithConcurrency(cfg.Scheduler.Concurrency),
		engine.WithLeaseTTL(cfg.Scheduler.LeaseTTL.Std()),
		engine.WithQueuedTTL(cfg.Scheduler.QueuedTTL.Std()),
		engine.WithHeartbeatInterval(cfg.Scheduler.HeartbeatInterval.Std()),
		engine.WithPollInterval(cfg.Scheduler.PollInterval.Std()),
		engine.WithBucketWidth(cfg.Scheduler.BucketWidth.Std()),
		engine.WithLookback(cfg.Scheduler.Lookback.Std()),
		engine.WithJanitorInterval(cfg.Scheduler.JanitorInterval.Std()),
		engine.WithTaskTimeout(cfg.Scheduler.TaskTimeout.Std()),
	}
	if cfg.Scheduler.EnqueueRate > 0 {
		opts = append(opts, engine.WithEnqueueRate(cfg.Scheduler.EnqueueRate, cfg.Scheduler.EnqueueBurst))
	}
	if factory := buildLockerFactory(cfg); factory != nil {
		opts = append(opts, engine.WithLockerFactory(factory))
	}

	eng, err := engine.New(opts...)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	app := api.New(eng, api.WithLogger(logger)).App()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", slog.String("addr", cfg.Listen))
		errCh <- app.Listen(cfg.Listen)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", slog.String("error", err.Error()))
		}
	case <-ctx.Done():
	}

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("http shutdown error", slog.String("error", err.Error()))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return eng.Stop(stopCtx)
}

func buildLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	hopts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}

func buildStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		return redisstore.New(client, redisstore.WithLogger(logger)), nil
	case config.BackendPostgres:
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Store.Postgres.DSN)))
		db := bun.NewDB(sqldb, pgdialect.New())
		return pgstore.New(db, pgstore.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Backend {
	case config.BackendMemory:
		var opts []transport.MemoryOption
		if d := cfg.Transport.VisibilityTimeout.Std(); d > 0 {
			opts = append(opts, transport.WithVisibilityTimeout(d))
		}
		return transport.NewMemory(opts...), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Transport.Redis.Addr,
			Password: cfg.Transport.Redis.Password,
			DB:       cfg.Transport.Redis.DB,
		})
		var opts []transport.RedisOption
		if d := cfg.Transport.VisibilityTimeout.Std(); d > 0 {
			opts = append(opts, transport.WithRedisVisibilityTimeout(d))
		}
		return transport.NewRedis(client, opts...), nil
	default:
		return nil, fmt.Errorf("unknown transport backend %q", cfg.Transport.Backend)
	}
}

// buildLockerFactory returns a distributed locker factory when the store
// backend provides one. A nil return keeps the engine's in-process
// default, which is only correct for single-node deployments.
func buildLockerFactory(cfg *config.Config) engine.LockerFactory {
	if cfg.Store.Backend != config.BackendRedis {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.Redis.Addr,
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
	})
	return func(owner string) lock.Locker {
		return lock.NewRedis(client, owner)
	}
}
