package engine

import (
	"github.com/p-blackswan/buildmode/internal/artifact"
	"github.com/p-blackswan/buildmode/internal/iteration"
	"github.com/p-blackswan/buildmode/internal/persist"
	"github.com/p-blackswan/buildmode/internal/usage"
)

// Snapshot is an immutable copy of the engine state, published after every
// event.
type Snapshot struct {
	ProjectID    string            `json:"projectId,omitempty"`
	ProjectTitle string            `json:"projectTitle,omitempty"`
	CurrentStage string            `json:"currentStage"`
	Completion   map[string]bool   `json:"completion"`
	Loading      []string          `json:"loading"`
	Dirty        bool              `json:"dirty"`
	Idea         persist.Idea      `json:"idea"`
	Artifacts    artifact.Snapshot `json:"artifacts"`
	Roles        []iteration.Role  `json:"roles"`
	Build        iteration.State   `json:"build"`
	Usage        usage.Counter     `json:"usage"`
	TokenLimit   int64             `json:"tokenLimit"`
	Unparsed     map[string]string `json:"unparsed,omitempty"`
	LogSize      int               `json:"logSize"`
}

func (e *Engine) buildSnapshot() Snapshot {
	proj, _ := e.pipeline.Project()
	completion := make(map[string]bool)
	for s, done := range e.pipeline.Completion() {
		completion[string(s)] = done
	}
	var unparsed map[string]string
	if len(e.unparsed) > 0 {
		unparsed = make(map[string]string, len(e.unparsed))
		for k, v := range e.unparsed {
			unparsed[k] = v
		}
	}
	return Snapshot{
		ProjectID:    proj.ID,
		ProjectTitle: proj.Title,
		CurrentStage: string(e.pipeline.Current()),
		Completion:   completion,
		Loading:      e.merger.Loading(),
		Dirty:        e.persister.Dirty(),
		Idea:         e.ws.Idea,
		Artifacts:    e.ws.Artifacts.Snapshot(),
		Roles:        append([]iteration.Role(nil), e.ws.Roster.Roles...),
		Build:        e.iter.Clone(),
		Usage:        e.guard.Usage(),
		TokenLimit:   e.guard.Limit(),
		Unparsed:     unparsed,
		LogSize:      len(e.persister.Entries()),
	}
}
