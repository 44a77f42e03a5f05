package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"

	"github.com/manimstudio/api/internal/auth"
	"github.com/manimstudio/api/internal/bootstrap"
	"github.com/manimstudio/api/internal/client"
	"github.com/manimstudio/api/internal/config"
	"github.com/manimstudio/api/internal/events"
	"github.com/manimstudio/api/internal/handler"
	"github.com/manimstudio/api/internal/logging"
	"github.com/manimstudio/api/internal/middleware"
	"github.com/manimstudio/api/internal/queue"
	"github.com/manimstudio/api/internal/service"
	ws "github.com/manimstudio/api/internal/websocket"
	"github.com/manimstudio/api/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logging.New(logging.Config{
		Level:   cfg.Server.LogLevel,
		Format:  cfg.Server.LogFormat,
		Service: "manimstudio-api",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisClient := bootstrap.RedisClient(&cfg.Redis)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis not available", slog.String("error", err.Error()))
	}

	projects, closeStore, err := bootstrap.OpenStore(ctx, &cfg.Store, redisClient, log)
	if err != nil {
		log.Error("failed to open project store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	// Initialize Asynq client and inspector
	redisOpt := bootstrap.AsynqRedisOpt(&cfg.Redis)
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	policy := queue.PolicyFromConfig(cfg.Queue)
	renderQueue := queue.NewQueue(asynqClient, policy)
	janitor := queue.NewJanitor(inspector, nil, policy, log)

	// Project events reach websocket subscribers through Redis so that
	// changes made by a standalone worker are relayed too
	publisher := events.NewPublisher(redisClient, log)
	hub := ws.NewHub(log)
	go hub.Run()
	go func() {
		if err := events.Listen(ctx, redisClient, hub.Broadcast); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("project event listener stopped", slog.String("error", err.Error()))
		}
	}()

	// Initialize external clients
	generatorClient := client.NewGeneratorClient(&cfg.Generator)
	rendererClient := client.NewRendererClient(&cfg.Renderer)

	// Initialize Zitadel JWKS verifier (optional - falls back to legacy JWT)
	var tokenVerifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			log.Warn("JWKS verifier not initialized", slog.String("error", err.Error()))
		} else {
			defer jwksVerifier.Close()
			tokenVerifier = jwksVerifier
		}
	}
	authenticator := auth.NewAuthenticator(tokenVerifier, cfg.JWT.Secret)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Info("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(authenticator).Authenticate()
	}

	projectService := service.NewProjectService(projects, generatorClient, renderQueue, publisher, log)

	validate, err := handler.NewValidator()
	if err != nil {
		log.Error("failed to register validations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	handler.Register(app, handler.Routes{
		Projects:    handler.NewProjectHandler(projectService, validate, hub),
		Queue:       handler.NewQueueHandler(janitor),
		Auth:        handler.NewAuthHandler(authenticator),
		APIAuth:     apiAuthMiddleware,
		RateLimiter: middleware.NewRateLimiter(redisClient, log),
		RateLimit:   cfg.RateLimit,
		Services: fiber.Map{
			"generator": generatorClient.IsConfigured(),
			"renderer":  rendererClient.IsConfigured(),
			"r2":        cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "",
			"auth":      authenticator.Enabled() || cfg.Gateway.Enabled,
			"store":     cfg.Store.Driver,
			"worker":    cfg.Worker.Embedded,
		},
	})

	// Embedded render worker; run cmd/worker instead to scale it separately
	workerDone := make(chan struct{})
	if cfg.Worker.Embedded {
		go func() {
			defer close(workerDone)
			if err := bootstrap.RunWorker(ctx, cfg, projects, publisher, log); err != nil {
				log.Error("render worker error", slog.String("error", err.Error()))
			}
		}()
	} else {
		close(workerDone)
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Info("server starting", slog.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		stop()
	}
	<-workerDone
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
