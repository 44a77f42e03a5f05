// Package events fans project state changes out over Redis pub/sub so that
// API instances can push them to websocket subscribers, whichever process
// made the change.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/manimstudio/api/internal/model"
)

const channelPrefix = "project-events:"

// Channel returns the pub/sub channel for a project
func Channel(projectID string) string {
	return channelPrefix + projectID
}

// Publisher announces project snapshots
type Publisher struct {
	redis  *redis.Client
	logger *slog.Logger
}

func NewPublisher(redisClient *redis.Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		redis:  redisClient,
		logger: logger.With(slog.String("component", "events")),
	}
}

// PublishProject sends the project snapshot to its channel.
// Delivery is best effort; failures are logged and never reach the caller.
func (p *Publisher) PublishProject(ctx context.Context, project *model.Project) {
	if project == nil {
		return
	}

	data, err := json.Marshal(model.WSProjectMessage{
		Type:    model.WSMessageTypeProject,
		Project: project,
	})
	if err != nil {
		p.logger.Error("failed to marshal project event", slog.String("error", err.Error()))
		return
	}

	if err := p.redis.Publish(context.WithoutCancel(ctx), Channel(project.ID), data).Err(); err != nil {
		p.logger.Warn("failed to publish project event",
			slog.String("project_id", project.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Handler receives raw event payloads for a project
type Handler func(projectID string, payload []byte)

// Listen relays every project event to handle until ctx is done
func Listen(ctx context.Context, redisClient *redis.Client, handle Handler) error {
	sub := redisClient.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	// wait for the subscription to be confirmed before reporting readiness
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			projectID := strings.TrimPrefix(msg.Channel, channelPrefix)
			handle(projectID, []byte(msg.Payload))
		}
	}
}
