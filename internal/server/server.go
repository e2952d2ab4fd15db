// Package server wires the Fiber app: route table, middleware chain, and
// graceful listen/shutdown, the same shape this codebase has always used.
package server

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"ragcore/internal/api"
	"ragcore/internal/middleware"
	"ragcore/internal/ratelimit"
)

type Server struct {
	app        *fiber.App
	listenAddr string
	log        *slog.Logger
}

func New(listenAddr string, handler *api.Handler, limiter *ratelimit.Registry, log *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		ErrorHandler: api.ErrorHandler(log),
	})
	app.Use(recover.New())
	app.Use(middleware.ResolveTenant())
	app.Use(middleware.RateLimit(limiter))

	app.Get("/health", handler.HandleHealth)
	app.Post("/upload/content", handler.HandleUpload)
	app.Post("/chat", handler.HandleChat)
	app.Post("/chat/stream", handler.HandleChatStream)
	app.Get("/conversations/:tenant_id", handler.HandleConversations)

	return &Server{app: app, listenAddr: listenAddr, log: log}
}

func (s *Server) Run() error {
	s.log.Info("server listening", "addr", s.listenAddr)
	return s.app.Listen(s.listenAddr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server shutting down")
	return s.app.ShutdownWithContext(ctx)
}
