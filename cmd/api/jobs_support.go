package main

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shinkeonkim/boj-to-pdf/internal/config"
	"github.com/shinkeonkim/boj-to-pdf/internal/events"
	"github.com/shinkeonkim/boj-to-pdf/internal/jobs"
	"github.com/shinkeonkim/boj-to-pdf/internal/pipeline"
)

// setupStore は STORE_BACKEND に応じたジョブストアを返します。
func setupStore(cfg *config.Config, logger *zap.Logger) (jobs.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return jobs.NewRedisStore(redis.NewClient(opt), 0, logger), nil
	case config.StoreSQLite, config.StorePostgres:
		db, err := jobs.OpenDB(jobs.DBConfig{
			Driver: cfg.StoreBackend,
			Path:   cfg.DatabasePath,
			DSN:    cfg.DatabaseURL,
		}, logger)
		if err != nil {
			return nil, err
		}
		return jobs.NewSQLStore(db, logger)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.StoreBackend)
	}
}

// setupDispatch は DISPATCH_MODE に応じてジョブの起動方法を切り替えます。
// queue モードでは Asynq のワーカーもこのプロセスで動かします。
func setupDispatch(ctx context.Context, cfg *config.Config, orchestrator *pipeline.Orchestrator, logger *zap.Logger) (*jobs.Manager, error) {
	if cfg.DispatchMode != config.DispatchQueue {
		// 生存記録の途絶えた running ジョブは完了しないので失敗として閉じます。
		if _, err := orchestrator.RecoverInterrupted(ctx); err != nil {
			return nil, err
		}
		orchestrator.WatchInterrupted()
		return nil, nil
	}

	manager, err := jobs.NewManager(jobs.ManagerOptions{
		RedisURL:    cfg.RedisURL,
		Concurrency: cfg.QueueConcurrency,
	}, orchestrator, logger)
	if err != nil {
		return nil, err
	}
	orchestrator.UseLauncher(manager)
	manager.StartWorkers()
	return manager, nil
}

// setupEvents は NATS_URL が設定されていればイベント通知を有効にします。
func setupEvents(cfg *config.Config, logger *zap.Logger) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return events.Nop{}, nil
	}
	publisher, err := events.Connect(cfg.NATSURL, cfg.NATSSubject, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return publisher, nil
}
