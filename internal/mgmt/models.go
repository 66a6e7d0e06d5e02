// Package mgmt serves the operator API: probes, metrics, engine state,
// usage, projects and commands.
package mgmt

import (
	"time"

	"github.com/p-blackswan/buildmode/internal/engine"
	"github.com/p-blackswan/buildmode/internal/health"
	"github.com/p-blackswan/buildmode/internal/store"
	"github.com/p-blackswan/buildmode/internal/usage"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// StateResponse is returned by GET /api/v1/state.
type StateResponse struct {
	Uptime   string          `json:"uptime"`
	Snapshot engine.Snapshot `json:"snapshot"`
}

// UsageResponse is returned by the usage endpoints.
type UsageResponse struct {
	Session   usage.Counter   `json:"session"`
	Limit     int64           `json:"limit"`
	Remaining int64           `json:"remaining"`
	Persisted *store.UsageRow `json:"persisted,omitempty"`
}

// ProjectDetail is returned by GET /api/v1/projects/:id.
type ProjectDetail struct {
	store.ProjectRow
	Stages []StageSummary `json:"stages"`
}

// StageSummary describes one stored stage without its payload.
type StageSummary struct {
	Stage     string    `json:"stage"`
	Completed bool      `json:"completed"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CommandResponse is returned by POST /api/v1/commands.
type CommandResponse struct {
	Status    string          `json:"status"`
	RequestID string          `json:"requestId"`
	Snapshot  engine.Snapshot `json:"snapshot"`
}

// ReadinessResponse is returned by GET /readyz.
type ReadinessResponse struct {
	Status string `json:"status"`
	health.Report
}
