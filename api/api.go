// Package api exposes the chronoq engine over HTTP: job submission and
// inspection, cluster visibility, and health. The surface is deliberately
// small; scheduling behavior lives entirely in the engine and its stores.
package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/chronoq/chronoq"
	"github.com/chronoq/chronoq/engine"
)

// API assembles the HTTP handlers for one engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// New creates an API from an engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{eng: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// App returns a fully assembled fiber application with all routes.
func (a *API) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "chronoq",
		DisableStartupMessage: true,
		ErrorHandler:          a.errorHandler,
	})

	app.Use(recover.New())
	app.Use(requestid.New())

	a.RegisterRoutes(app)
	return app
}

// RegisterRoutes registers all chronoq routes on the given app.
func (a *API) RegisterRoutes(app *fiber.App) {
	app.Get("/healthz", a.health)

	v1 := app.Group("/v1")
	v1.Post("/jobs", a.createJob)
	v1.Get("/jobs", a.listJobs)
	v1.Get("/jobs/counts", a.jobCounts)
	v1.Get("/jobs/:jobId", a.getJob)
	v1.Get("/nodes", a.listNodes)
}

// errorHandler converts errors escaping a handler into JSON responses.
// Handlers map domain sentinels themselves; anything arriving here is
// either a fiber routing error or an unexpected failure.
func (a *API) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}

	a.logger.Error("request failed",
		slog.String("method", c.Method()),
		slog.String("path", c.Path()),
		slog.String("error", err.Error()),
	)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal server error",
	})
}

func (a *API) health(c *fiber.Ctx) error {
	if err := a.eng.Store().Ping(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"status":  "ok",
		"node_id": a.eng.NodeID().String(),
	})
}

// notFound reports whether err is one of the domain "does not exist"
// sentinels.
func notFound(err error) bool {
	return errors.Is(err, chronoq.ErrJobNotFound) ||
		errors.Is(err, chronoq.ErrNodeNotFound)
}
