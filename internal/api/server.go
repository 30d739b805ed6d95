package api

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/voxbound/streamlink/internal/api/handlers"
	"github.com/voxbound/streamlink/internal/api/middleware"
	"github.com/voxbound/streamlink/internal/client"
	"github.com/voxbound/streamlink/internal/webhook"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Port              string
	Logger            *zap.SugaredLogger
	Manager           *client.Manager
	WebhookDispatcher *webhook.Dispatcher
}

// Server represents the API server
type Server struct {
	app               *fiber.App
	config            ServerConfig
	connectionHandler *handlers.ConnectionHandler
	webhookHandler    *handlers.WebhookHandler
	webhookDispatcher *webhook.Dispatcher
}

// NewServer creates a new API server
func NewServer(config ServerConfig) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "streamlink",
		ServerHeader: "streamlink",
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-API-Key, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	// Create handlers
	connectionHandler := handlers.NewConnectionHandler(config.Manager, config.Logger)
	webhookHandler := handlers.NewWebhookHandler(config.WebhookDispatcher, config.Logger)

	server := &Server{
		app:               app,
		config:            config,
		connectionHandler: connectionHandler,
		webhookHandler:    webhookHandler,
		webhookDispatcher: config.WebhookDispatcher,
	}

	server.setupRoutes()

	return server
}

// GetWebhookDispatcher returns the webhook dispatcher for event dispatch
func (s *Server) GetWebhookDispatcher() *webhook.Dispatcher {
	return s.webhookDispatcher
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check (no auth required)
	s.app.Get("/health", s.healthHandler)

	// Redirect root to dashboard
	s.app.Get("/", func(c *fiber.Ctx) error {
		return c.Redirect("/dashboard")
	})

	// Serve static files for dashboard, gated by its own basic-auth
	// since it sits outside the X-API-Key-protected /api/v1 group.
	s.app.Use("/dashboard", middleware.DashboardAuth())
	s.app.Static("/dashboard", "./public")

	// API v1 routes with authentication
	api := s.app.Group("/api/v1", middleware.APIKeyAuth())

	// Connection routes: dial out, inspect, close, send/read packets,
	// toggle configuration flags.
	conns := api.Group("/connections")
	conns.Post("/", s.connectionHandler.Create)
	conns.Get("/", s.connectionHandler.List)
	conns.Get("/:id", s.connectionHandler.Get)
	conns.Delete("/:id", s.connectionHandler.Delete)
	conns.Post("/:id/packets", s.connectionHandler.SendPacket)
	conns.Get("/:id/packets", s.connectionHandler.ReadPacket)
	conns.Put("/:id/flags", s.connectionHandler.SetFlags)

	// Webhook routes (n8n-ready)
	webhooks := api.Group("/webhooks")
	webhooks.Get("/", s.webhookHandler.List)
	webhooks.Post("/", s.webhookHandler.Create)
	webhooks.Delete("/:id", s.webhookHandler.Delete)
	webhooks.Post("/:id/test", s.webhookHandler.Test)
	webhooks.Get("/events", s.webhookHandler.AvailableEvents)

	// OpenAPI spec
	api.Get("/openapi.json", s.openAPISpec)
}

// healthHandler handles health check requests
func (s *Server) healthHandler(c *fiber.Ctx) error {
	stats := s.config.Manager.Stats()
	return c.JSON(fiber.Map{
		"status":      "ok",
		"version":     "1.0.0",
		"connections": stats,
	})
}

func (s *Server) openAPISpec(c *fiber.Ctx) error {
	// TODO: Generate proper OpenAPI spec
	return c.JSON(fiber.Map{
		"openapi": "3.0.0",
		"info": fiber.Map{
			"title":   "streamlink API",
			"version": "1.0.0",
		},
	})
}

// Start starts the server
func (s *Server) Start() error {
	return s.app.Listen(fmt.Sprintf(":%s", s.config.Port))
}

// Stop stops the server
func (s *Server) Stop() error {
	return s.app.Shutdown()
}

// Custom error handler
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}
