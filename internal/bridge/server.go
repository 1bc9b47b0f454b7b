package bridge

import (
	"errors"
	"io"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/jonboulle/clockwork"
)

// Server exposes the communication directory over HTTP
type Server struct {
	app   *fiber.App
	comm  *CommDir
	clock clockwork.Clock
}

// NewServer creates the bridge API. Request logs go to accessLog; pass nil to
// disable them.
func NewServer(comm *CommDir, accessLog io.Writer, clock clockwork.Clock) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	if accessLog != nil {
		app.Use(logger.New(logger.Config{Output: accessLog}))
	}
	app.Use(cors.New())

	s := &Server{app: app, comm: comm, clock: clock}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/api/status", s.handleStatus)
	s.app.Get("/api/image", s.handleImage)
	s.app.Post("/api/trigger-scan", s.handleTriggerScan)
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown is called
func (s *Server) Listen(addr string) error {
	slog.Info("Starting bridge server", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"time":   s.clock.Now(),
	})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	status, err := s.comm.ReadStatus()
	if err != nil {
		slog.Error("Error reading status", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Error reading status")
	}
	return c.JSON(status)
}

func (s *Server) handleImage(c *fiber.Ctx) error {
	data, err := s.comm.ReadImage()
	if errors.Is(err, ErrNoImage) {
		return fiber.NewError(fiber.StatusNotFound, "No image available")
	}
	if err != nil {
		slog.Error("Error reading image", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Error reading image")
	}

	c.Set(fiber.HeaderContentType, "image/bmp")
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(data)
}

func (s *Server) handleTriggerScan(c *fiber.Ctx) error {
	if err := s.comm.RequestCapture(); err != nil {
		slog.Error("Error triggering scan", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to trigger scan")
	}
	slog.Info("Scan triggered via API")
	return c.JSON(fiber.Map{"success": true, "message": "Scan triggered"})
}
