package mgmt

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
	"github.com/p-blackswan/buildmode/internal/health"
	"github.com/p-blackswan/buildmode/internal/protocol"
	"github.com/p-blackswan/buildmode/internal/store"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	engine    Engine
	store     Store
	checker   *health.Checker
	timeout   time.Duration
	logger    zerolog.Logger
	startTime time.Time
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.JSON(ReadinessResponse{Status: "ready", Report: health.Report{Ready: true}})
	}
	r := h.checker.Run(c.UserContext())
	if !r.Ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ReadinessResponse{Status: "not_ready", Report: r})
	}
	return c.JSON(ReadinessResponse{Status: "ready", Report: r})
}

// State handles GET /api/v1/state.
func (h *Handlers) State(c *fiber.Ctx) error {
	return c.JSON(StateResponse{
		Uptime:   time.Since(h.startTime).Round(time.Second).String(),
		Snapshot: h.engine.Snapshot(),
	})
}

// Usage handles GET /api/v1/usage.
func (h *Handlers) Usage(c *fiber.Ctx) error {
	return c.JSON(h.usage())
}

func (h *Handlers) usage() UsageResponse {
	snap := h.engine.Snapshot()
	resp := UsageResponse{Session: snap.Usage, Limit: snap.TokenLimit, Remaining: -1}
	if snap.TokenLimit > 0 {
		resp.Remaining = max(snap.TokenLimit-snap.Usage.TotalTokens, 0)
	}
	if h.store != nil {
		if row, err := h.store.LoadUsage(store.GlobalUsageScope); err == nil {
			resp.Persisted = row
		} else {
			h.logger.Debug().Err(err).Msg("persisted usage unavailable")
		}
	}
	return resp
}

// ResetUsage handles POST /api/v1/usage/reset.
func (h *Handlers) ResetUsage(c *fiber.Ctx) error {
	if err := h.submit(c, protocol.ResetUsage{}); err != nil {
		return commandProblem(c, err)
	}
	return c.JSON(h.usage())
}

// ListProjects handles GET /api/v1/projects.
func (h *Handlers) ListProjects(c *fiber.Ctx) error {
	if h.store == nil {
		return c.JSON(fiber.Map{"projects": []store.ProjectRow{}, "count": 0})
	}
	projects, err := h.store.ListProjects()
	if err != nil {
		return err
	}
	if projects == nil {
		projects = []store.ProjectRow{}
	}
	return c.JSON(fiber.Map{"projects": projects, "count": len(projects)})
}

// GetProject handles GET /api/v1/projects/:id.
func (h *Handlers) GetProject(c *fiber.Ctx) error {
	if h.store == nil {
		return storeMissing(c)
	}
	id := c.Params("id")
	p, err := h.store.GetProject(id)
	if err != nil {
		return lookupProblem(c, err, "Project not found: "+id)
	}
	rows, err := h.store.ListStages(id)
	if err != nil {
		return err
	}
	detail := ProjectDetail{ProjectRow: *p, Stages: make([]StageSummary, 0, len(rows))}
	for _, r := range rows {
		detail.Stages = append(detail.Stages, StageSummary{Stage: r.Stage, Completed: r.Completed, UpdatedAt: r.UpdatedAt})
	}
	return c.JSON(detail)
}

// ProjectLog handles GET /api/v1/projects/:id/log.
func (h *Handlers) ProjectLog(c *fiber.Ctx) error {
	if h.store == nil {
		return storeMissing(c)
	}
	id := c.Params("id")
	log, err := h.store.LoadBuildLog(id)
	if err != nil {
		return lookupProblem(c, err, "No build log for project: "+id)
	}
	return c.JSON(log)
}

// Command handles POST /api/v1/commands. The body is an operator command
// envelope, the same JSON the UI sends.
func (h *Handlers) Command(c *fiber.Ctx) error {
	msg, err := protocol.Decode(c.Body())
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_command", "Bad Request", err.Error())
	}
	if !protocol.IsCommand(msg.MessageType()) {
		return problemResponse(c, fiber.StatusBadRequest, "not_a_command", "Bad Request",
			"Message type is not an operator command: "+string(msg.MessageType()))
	}

	reqID, _ := c.Locals("request_id").(string)
	if err := h.submit(c, msg); err != nil {
		h.logger.Info().Err(err).Str("type", string(msg.MessageType())).Str("request_id", reqID).Msg("command rejected")
		return commandProblem(c, err)
	}
	return c.JSON(CommandResponse{Status: "ok", RequestID: reqID, Snapshot: h.engine.Snapshot()})
}

func (h *Handlers) submit(c *fiber.Ctx, msg protocol.Message) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()
	return h.engine.Submit(ctx, msg)
}

// commandProblem maps engine errors to HTTP statuses.
func commandProblem(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, perrors.ErrInvalidInput), errors.Is(err, perrors.ErrInvalidProject):
		return problemResponse(c, fiber.StatusBadRequest, "invalid_input", "Bad Request", err.Error())
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrStageLocked),
		errors.Is(err, perrors.ErrStepInFlight),
		errors.Is(err, perrors.ErrLoopInactive),
		errors.Is(err, perrors.ErrNotAwaitingApproval),
		errors.Is(err, perrors.ErrMandatoryRole),
		errors.Is(err, perrors.ErrDuplicateProject):
		return problemResponse(c, fiber.StatusConflict, "conflict", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrRateLimit):
		return problemResponse(c, fiber.StatusTooManyRequests, "token_limit", "Too Many Requests", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return problemResponse(c, fiber.StatusGatewayTimeout, "timeout", "Gateway Timeout", "The engine did not answer in time")
	case errors.Is(err, context.Canceled):
		return problemResponse(c, fiber.StatusServiceUnavailable, "engine_stopped", "Service Unavailable", "The engine is not running")
	default:
		return err
	}
}

func lookupProblem(c *fiber.Ctx, err error, detail string) error {
	if errors.Is(err, perrors.ErrNotFound) {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", detail)
	}
	return err
}

func storeMissing(c *fiber.Ctx) error {
	return problemResponse(c, fiber.StatusServiceUnavailable, "store_unavailable", "Service Unavailable",
		"No document store is configured")
}
