// Package bootstrap assembles the components shared by the API server and
// the standalone render worker.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/manimstudio/api/internal/client"
	"github.com/manimstudio/api/internal/config"
	"github.com/manimstudio/api/internal/queue"
	"github.com/manimstudio/api/internal/store"
	"github.com/manimstudio/api/internal/worker"
)

// RedisClient creates the go-redis client used by stores, limits and events
func RedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// AsynqRedisOpt points asynq at the same Redis
func AsynqRedisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// OpenStore selects the project store named by cfg.Store.Driver.
// The returned func releases the store's resources.
func OpenStore(ctx context.Context, cfg *config.StoreConfig, redisClient *redis.Client, logger *slog.Logger) (store.ProjectStore, func(), error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "redis":
		logger.Info("using redis project store")
		return store.NewRedisStore(redisClient), func() {}, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("store driver postgres requires DATABASE_URL")
		}
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		s, err := store.ConnectPostgres(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using postgres project store")
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// ArtifactStore returns the R2 artifact mirror, or nil when R2 is not configured
func ArtifactStore(cfg *config.R2Config, logger *slog.Logger) worker.ArtifactStore {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		logger.Info("R2 storage not configured, keeping render service artifact locations")
		return nil
	}
	r2Client, err := client.NewR2Client(cfg)
	if err != nil {
		logger.Warn("R2 client not initialized", slog.String("error", err.Error()))
		return nil
	}
	if !r2Client.IsConfigured() {
		logger.Warn("R2_BUCKET_NAME not set, keeping render service artifact locations")
		return nil
	}
	return client.NewArtifactMirror(r2Client)
}

// RunWorker processes render jobs and sweeps retained history until ctx is done
func RunWorker(ctx context.Context, cfg *config.Config, projects store.ProjectStore, publisher worker.Publisher, logger *slog.Logger) error {
	policy := queue.PolicyFromConfig(cfg.Queue)
	if cfg.Renderer.Timeout >= policy.LeaseTimeout {
		logger.Warn("renderer timeout is not below the queue lease timeout; slow renders may be redelivered",
			slog.Duration("renderer_timeout", cfg.Renderer.Timeout),
			slog.Duration("lease_timeout", policy.LeaseTimeout),
		)
	}

	renderer := client.NewRendererClient(&cfg.Renderer)
	if !renderer.IsConfigured() {
		logger.Warn("RENDERER_URL not set, render jobs will fail")
	}

	renderWorker := worker.NewRenderWorker(projects, renderer, ArtifactStore(&cfg.R2, logger), publisher, policy, logger)

	redisOpt := AsynqRedisOpt(&cfg.Redis)
	srv := queue.NewServer(redisOpt, policy, logger, cfg.Server.LogLevel)
	if err := srv.Start(queue.NewMux(asynq.HandlerFunc(renderWorker.ProcessTask))); err != nil {
		return fmt.Errorf("failed to start render worker: %w", err)
	}

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		queue.NewJanitor(inspector, renderWorker, policy, logger).Run(ctx, cfg.Queue.JanitorInterval)
	}()

	logger.Info("render worker started",
		slog.String("queue", policy.Queue),
		slog.Int("concurrency", policy.Concurrency),
		slog.Int("max_attempts", policy.MaxAttempts),
	)

	<-ctx.Done()
	srv.Shutdown()
	<-janitorDone
	logger.Info("render worker stopped")
	return nil
}
