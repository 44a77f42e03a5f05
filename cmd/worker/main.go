package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/manimstudio/api/internal/bootstrap"
	"github.com/manimstudio/api/internal/config"
	"github.com/manimstudio/api/internal/events"
	"github.com/manimstudio/api/internal/logging"
)

// Standalone render worker. Run with WORKER_EMBEDDED=false on the API.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logging.New(logging.Config{
		Level:   cfg.Server.LogLevel,
		Format:  cfg.Server.LogFormat,
		Service: "manimstudio-worker",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := bootstrap.RedisClient(&cfg.Redis)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("redis not available", slog.String("error", err.Error()))
		os.Exit(1)
	}

	projects, closeStore, err := bootstrap.OpenStore(ctx, &cfg.Store, redisClient, log)
	if err != nil {
		log.Error("failed to open project store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	if err := bootstrap.RunWorker(ctx, cfg, projects, events.NewPublisher(redisClient, log), log); err != nil {
		log.Error("render worker error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
