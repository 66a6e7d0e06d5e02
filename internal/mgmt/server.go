package mgmt

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/buildmode/internal/engine"
	"github.com/p-blackswan/buildmode/internal/health"
	"github.com/p-blackswan/buildmode/internal/metrics"
	"github.com/p-blackswan/buildmode/internal/protocol"
	"github.com/p-blackswan/buildmode/internal/requestid"
	"github.com/p-blackswan/buildmode/internal/store"
)

// Engine is the part of the engine the API drives.
type Engine interface {
	Snapshot() engine.Snapshot
	Submit(ctx context.Context, msg protocol.Message) error
}

// Store is the read side of the document store.
type Store interface {
	GetProject(id string) (*store.ProjectRow, error)
	ListProjects() ([]store.ProjectRow, error)
	ListStages(projectID string) ([]store.StageRow, error)
	LoadBuildLog(projectID string) (*store.BuildLogRow, error)
	LoadUsage(scope string) (*store.UsageRow, error)
}

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr     string
	AuthConfig     AuthConfig
	RateLimitRPS   int
	CORSOrigins    string
	CommandTimeout time.Duration
}

// Server is the management API Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures a new management API server. st and m
// may be nil.
func NewServer(cfg ServerConfig, eng Engine, st Store, checker *health.Checker, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "mgmt_server").Logger(),
		config: cfg,
	}
	h := &Handlers{
		engine:    eng,
		store:     st,
		checker:   checker,
		timeout:   cfg.CommandTimeout,
		logger:    logger.With().Str("component", "mgmt_handlers").Logger(),
		startTime: time.Now(),
	}

	s.setupMiddleware(cfg)
	s.setupRoutes(h, m)
	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig) {
	s.app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	s.app.Use(func(c *fiber.Ctx) error {
		ctx, reqID := requestid.Ensure(c.UserContext(), c.Get(requestid.Header))
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, OPTIONS",
		}))
	}

	if cfg.RateLimitRPS > 0 {
		s.app.Use(limiter.New(limiter.Config{
			Max:        cfg.RateLimitRPS,
			Expiration: time.Second,
			Next:       func(c *fiber.Ctx) bool { return isProbe(c.Path()) },
			LimitReached: func(c *fiber.Ctx) error {
				return problemResponse(c, fiber.StatusTooManyRequests,
					"rate_limited", "Too Many Requests", "Request rate limit exceeded")
			},
		}))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, s.logger))

	s.app.Use(func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}
		s.logger.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Interface("request_id", c.Locals("request_id")).
			Msg("mgmt api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, m *metrics.Metrics) {
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)
	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	v1 := s.app.Group("/api/v1")
	v1.Get("/state", h.State)
	v1.Get("/usage", h.Usage)
	v1.Post("/usage/reset", requireRole(RoleOperator), h.ResetUsage)
	v1.Get("/projects", h.ListProjects)
	v1.Get("/projects/:id", h.GetProject)
	v1.Get("/projects/:id/log", h.ProjectLog)
	v1.Post("/commands", requireRole(RoleOperator), h.Command)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}
	s.logger.Info().Str("addr", addr).Msg("management API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("management API server shutting down")
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("unhandled error")
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "request_failed",
			Title:    fiber.ErrInternalServerError.Message,
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
