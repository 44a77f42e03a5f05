package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/manimstudio/api/internal/model"
	"github.com/manimstudio/api/pkg/response"
)

// QueueStats reports render queue occupancy
type QueueStats interface {
	Stats(ctx context.Context) (*model.QueueStatsResponse, error)
}

// QueueHandler exposes render queue state
type QueueHandler struct {
	stats QueueStats
}

func NewQueueHandler(stats QueueStats) *QueueHandler {
	return &QueueHandler{stats: stats}
}

// Stats handles GET /api/queue/stats
func (h *QueueHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.stats.Stats(c.Context())
	if err != nil {
		return response.ServiceError(c, "Failed to read queue stats")
	}
	return response.OK(c, stats)
}
