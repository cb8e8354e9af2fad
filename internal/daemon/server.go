package daemon

import (
	"context"
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/hotwellkz/wabridge/internal/avatar"
	"github.com/hotwellkz/wabridge/internal/config"
	"github.com/hotwellkz/wabridge/internal/hub"
	"github.com/hotwellkz/wabridge/internal/lifecycle"
)

// Server is the HTTP surface for web clients: the realtime websocket plus
// a few read-only endpoints for health and avatars.
type Server struct {
	app    *fiber.App
	addr   string
	logger *zap.Logger
}

// NewServer builds the fiber app and its routes.
func NewServer(p Params, cfg *config.Config, logger *zap.Logger, h *hub.Hub, mgr *lifecycle.Manager, cache *avatar.Cache) *Server {
	addr := p.ListenAddr
	if addr == "" {
		addr = cfg.Listen.Addr
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		healthy := mgr.Healthy()
		status := fiber.StatusOK
		if !healthy {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"healthy": healthy,
			"state":   mgr.Session().State,
		})
	})

	app.Get("/session", func(c *fiber.Ctx) error {
		return c.JSON(mgr.Session())
	})

	// Explicit way out of Failed: clears credentials and starts a fresh
	// pairing flow.
	app.Post("/session/reset", func(c *fiber.Ctx) error {
		if err := mgr.Reset(c.Context()); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Status(fiber.StatusAccepted).JSON(mgr.Session())
	})

	app.Get("/avatars/stats", func(c *fiber.Ctx) error {
		return c.JSON(cache.Stats())
	})

	app.Get("/avatars/:jid", func(c *fiber.Ctx) error {
		url, err := cache.Get(c.Context(), c.Params("jid"))
		if err != nil {
			if errors.Is(err, lifecycle.ErrSessionNotReady) {
				return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
			}
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		return c.JSON(fiber.Map{"url": url})
	})

	app.Post("/avatars/batch", func(c *fiber.Ctx) error {
		var req struct {
			Contacts []string `json:"contacts"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.JSON(cache.GetBatch(c.Context(), req.Contacts))
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		h.Attach(conn)
	}))

	return &Server{app: app, addr: addr, logger: logger}
}

// Start listens and serves until shutdown. Blocking.
func (s *Server) Start() error {
	s.logger.Info("websocket server listening", zap.String("addr", s.addr))
	return s.app.Listen(s.addr)
}

// Stop shuts the server down, honoring the context deadline.
func (s *Server) Stop(ctx context.Context) {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		s.logger.Warn("server shutdown", zap.Error(err))
	}
}
