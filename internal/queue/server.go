package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/manimstudio/api/internal/logging"
)

// NewServer builds the asynq server that runs render workers under p.
// asynq's recoverer hands tasks whose lease expired back to the retry set.
func NewServer(redisOpt asynq.RedisConnOpt, p Policy, logger *slog.Logger, logLevel string) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: p.Concurrency,
		Queues: map[string]int{
			p.Queue: 1,
		},
		RetryDelayFunc:  p.RetryDelay,
		Logger:          logging.NewAsynqLogger(logger),
		LogLevel:        logging.AsynqLevel(logLevel),
		ShutdownTimeout: 30 * time.Second,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			taskID, _ := asynq.GetTaskID(ctx)
			retried, _ := asynq.GetRetryCount(ctx)
			logger.Warn("render task failed",
				slog.String("job_id", taskID),
				slog.Int("retried", retried),
				slog.String("error", err.Error()),
			)
		}),
	})
}

// NewMux routes render tasks to handler
func NewMux(handler asynq.Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TaskTypeRender, handler)
	return mux
}
