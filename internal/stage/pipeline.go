package stage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

// Pipeline owns the project identity and stage records of the open project.
// It is confined to the engine goroutine.
type Pipeline struct {
	project *Project
	records map[Name]Record
	current Name
	index   ProjectIndex
	now     func() time.Time
	logger  zerolog.Logger
}

// NewPipeline creates an empty pipeline. index may be nil to skip collision checks.
func NewPipeline(index ProjectIndex, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		records: make(map[Name]Record),
		current: Order[0],
		index:   index,
		now:     time.Now,
		logger:  logger.With().Str("component", "stage.pipeline").Logger(),
	}
}

// Project returns the established project, if any.
func (p *Pipeline) Project() (Project, bool) {
	if p.project == nil {
		return Project{}, false
	}
	return *p.project, true
}

// ProjectID returns the established project id or "".
func (p *Pipeline) ProjectID() string {
	if p.project == nil {
		return ""
	}
	return p.project.ID
}

// Completion returns the completed flag of every planning stage.
func (p *Pipeline) Completion() Completion {
	c := make(Completion, len(Order))
	for _, s := range Order {
		c[s] = p.records[s].Completed
	}
	return c
}

// Current returns the stage the operator is on.
func (p *Pipeline) Current() Name { return p.current }

// Record returns the stored record of a stage.
func (p *Pipeline) Record(s Name) (Record, bool) {
	r, ok := p.records[s]
	return r, ok
}

// CanNavigateTo applies the gating rule to the current completion map.
func (p *Pipeline) CanNavigateTo(s Name) bool {
	return CanNavigateTo(s, p.Completion())
}

// Navigate moves to s when it is unlocked. Locked stages are refused
// silently: the caller gets false and nothing else happens.
func (p *Pipeline) Navigate(s Name) bool {
	if !p.CanNavigateTo(s) {
		p.logger.Debug().Str("stage", string(s)).Msg("navigation to locked stage refused")
		return false
	}
	p.current = s
	return true
}

// SaveStage writes a record. The effective completed flag is the OR of the
// stored and requested values. Saving the idea stage without a project
// establishes one first; any identity failure aborts before a record exists.
func (p *Pipeline) SaveStage(s Name, data json.RawMessage, completed bool, overrideID string) (Record, error) {
	if _, ok := Parse(string(s)); !ok {
		return Record{}, fmt.Errorf("%w: unknown stage %q", perrors.ErrInvalidInput, s)
	}
	if s != Idea && !p.CanNavigateTo(s) {
		return Record{}, fmt.Errorf("save %s: %w", s, perrors.ErrStageLocked)
	}

	if p.project == nil {
		if s != Idea {
			return Record{}, fmt.Errorf("%w: no project established", perrors.ErrInvalidProject)
		}
		if err := p.establish(ideaTitle(data), overrideID); err != nil {
			return Record{}, err
		}
	}

	prev := p.records[s]
	rec := Record{
		Stage:     s,
		Completed: prev.Completed || completed,
		Data:      data,
		UpdatedAt: p.now(),
	}
	if prev.Completed && !completed {
		p.logger.Debug().Str("stage", string(s)).Msg("kept completed flag on non-completing save")
	}
	p.records[s] = rec
	return rec, nil
}

func (p *Pipeline) establish(title, overrideID string) error {
	id := GenerateSlug(title)
	if overrideID != "" {
		id = overrideID
	}
	if strings.TrimSpace(title) == "" && overrideID == "" {
		return fmt.Errorf("%w: project title is empty", perrors.ErrInvalidProject)
	}
	if err := ValidateID(id, p.index); err != nil {
		return err
	}
	proj := Project{ID: id, Title: strings.TrimSpace(title), CreatedAt: p.now()}
	if p.index != nil {
		if err := p.index.Register(proj); err != nil {
			return err
		}
	}
	p.project = &proj
	p.logger.Info().Str("project_id", id).Msg("project established")
	return nil
}

// Open switches to an existing project and clears records until they load.
func (p *Pipeline) Open(proj Project) {
	p.project = &proj
	p.records = make(map[Name]Record)
	p.current = Order[0]
}

// SetTitle updates the title of the established project.
func (p *Pipeline) SetTitle(title string) {
	if p.project != nil && strings.TrimSpace(title) != "" {
		p.project.Title = strings.TrimSpace(title)
	}
}

// LoadRecord installs a persisted record and re-derives the current stage
// from completion; a cached current stage is never trusted.
func (p *Pipeline) LoadRecord(r Record) {
	if prev, ok := p.records[r.Stage]; ok && prev.Completed {
		r.Completed = true
	}
	p.records[r.Stage] = r
	p.current = DeriveCurrentStage(p.Completion())
}

// Reset forgets the project and all records.
func (p *Pipeline) Reset() {
	p.project = nil
	p.records = make(map[Name]Record)
	p.current = Order[0]
}

func ideaTitle(data json.RawMessage) string {
	var v struct {
		Title string `json:"title"`
		Idea  *struct {
			Title string `json:"title"`
		} `json:"idea"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return ""
	}
	if v.Idea != nil && v.Idea.Title != "" {
		return v.Idea.Title
	}
	return v.Title
}
