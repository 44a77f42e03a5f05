package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/manimstudio/api/internal/config"
	"github.com/manimstudio/api/internal/middleware"
)

// Routes groups everything the HTTP surface is assembled from
type Routes struct {
	Projects    *ProjectHandler
	Queue       *QueueHandler
	Auth        *AuthHandler
	APIAuth     fiber.Handler
	RateLimiter *middleware.RateLimiter
	RateLimit   config.RateLimitConfig
	// Services is reported by GET /health
	Services fiber.Map
}

// Register mounts all routes on app
func Register(app *fiber.App, r Routes) {
	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"services": r.Services,
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	if r.Auth != nil {
		app.Get("/auth/verify", r.Auth.Verify)
	}

	// API routes
	api := app.Group("/api", r.APIAuth)

	generateLimit := passThrough
	renderLimit := passThrough
	if r.RateLimiter != nil {
		generateLimit = r.RateLimiter.GenerateLimit(r.RateLimit.GeneratePerMin)
		renderLimit = r.RateLimiter.RenderLimit(r.RateLimit.RenderPerHour)
	}

	projects := api.Group("/projects")
	projects.Post("/", r.Projects.Create)
	projects.Get("/", r.Projects.List)
	projects.Get("/:id", r.Projects.Get)
	projects.Put("/:id", r.Projects.Update)
	projects.Delete("/:id", r.Projects.Delete)
	projects.Post("/:id/generate", generateLimit, r.Projects.Generate)
	projects.Post("/:id/render", renderLimit, r.Projects.Render)
	projects.Put("/:id/code", renderLimit, r.Projects.UpdateCode)

	if r.Queue != nil {
		api.Get("/queue/stats", r.Queue.Stats)
	}

	// WebSocket routes
	app.Get("/ws/projects/:id", r.APIAuth, r.Projects.WatchUpgrade, r.Projects.Watch())
}

func passThrough(c *fiber.Ctx) error {
	return c.Next()
}
