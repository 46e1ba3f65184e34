package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"

	"github.com/pdfcompare/api/internal/client"
	"github.com/pdfcompare/api/internal/config"
	"github.com/pdfcompare/api/internal/handler"
	"github.com/pdfcompare/api/internal/middleware"
	"github.com/pdfcompare/api/internal/service"
	ws "github.com/pdfcompare/api/internal/websocket"
	"github.com/pdfcompare/api/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Server)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Snapshots and rate limits live in Redis when it is reachable
	ctx := context.Background()
	var store service.SnapshotStore
	limiterRedis := redisClient
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not available, using in-memory snapshots")
		store = service.NewMemoryStore()
		limiterRedis = nil
	} else {
		store = service.NewRedisStore(redisClient, cfg.Session.TTL)
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize services
	compareClient := client.NewCompareClient(&cfg.Remote)
	if !compareClient.IsConfigured() {
		log.Fatal().Msg("remote.base_url is required")
	}
	resolver := service.NewResolver(compareClient, compareClient.BaseURL())
	aggregator := service.NewAggregator(compareClient, cfg.Changes.LabelMax)
	sessions := service.NewSessionService(compareClient, resolver, aggregator, store, hub, service.SessionOptions{
		PollInterval: cfg.Poll.Interval,
	})

	// Initialize handlers
	sessionHandler := handler.NewSessionHandler(sessions, validate, cfg.Upload.MaxBytes)

	// Initialize middleware
	rateLimiter := middleware.NewRateLimiter(limiterRedis)
	auth := middleware.Anonymous()
	if cfg.JWT.Secret != "" {
		auth = middleware.NewAuthMiddleware(cfg.JWT.Secret).Authenticate()
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    int(2*cfg.Upload.MaxBytes) + 1024*1024,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		status := fiber.Map{"status": "ok", "engine": "ok", "redis": "ok"}
		hctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
		defer cancel()

		if err := compareClient.HealthCheck(hctx); err != nil {
			status["status"] = "degraded"
			status["engine"] = err.Error()
		}
		if limiterRedis == nil {
			status["redis"] = "disabled"
		} else if err := redisClient.Ping(hctx).Err(); err != nil {
			status["status"] = "degraded"
			status["redis"] = err.Error()
		}
		return c.JSON(status)
	})

	// API routes
	api := app.Group("/api", auth)

	// Session routes
	s := api.Group("/sessions")
	s.Post("/", sessionHandler.Create)
	s.Post("/:sessionId/compare", rateLimiter.CompareLimit(cfg.RateLimit.ComparePerHour), sessionHandler.Compare)
	s.Get("/:sessionId", sessionHandler.Get)
	s.Get("/:sessionId/changes", sessionHandler.Changes)
	s.Post("/:sessionId/select/:changeId", sessionHandler.Select)
	s.Delete("/:sessionId", sessionHandler.Delete)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	source := handler.SnapshotSource{Sessions: sessions}
	app.Get("/ws/sessions/:sessionId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("sessionId"), source)
	}))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sessions.Shutdown(sctx)
		hub.Stop()
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Info().Str("addr", addr).Str("engine", compareClient.BaseURL()).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func setupLogger(cfg config.ServerConfig) {
	var writer log.Writer = &log.IOWriter{Writer: os.Stderr}
	if cfg.Env == "development" {
		writer = &log.ConsoleWriter{ColorOutput: true, QuoteString: true}
	}
	log.DefaultLogger = log.Logger{
		Level:      log.ParseLevel(cfg.LogLevel),
		TimeFormat: time.RFC3339,
		Writer:     writer,
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
