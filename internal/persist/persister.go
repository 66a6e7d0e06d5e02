package persist

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/buildmode/internal/artifact"
	perrors "github.com/p-blackswan/buildmode/internal/errors"
	"github.com/p-blackswan/buildmode/internal/iteration"
	"github.com/p-blackswan/buildmode/internal/merge"
	"github.com/p-blackswan/buildmode/internal/protocol"
	"github.com/p-blackswan/buildmode/internal/schedule"
	"github.com/p-blackswan/buildmode/internal/stage"
)

// DefaultAutoSaveInterval is the debounce window after the last edit.
const DefaultAutoSaveInterval = 2 * time.Second

// Workspace is the in-memory working set the stage slices are cut from.
type Workspace struct {
	Idea      Idea
	Artifacts *artifact.Store
	Roster    *iteration.Roster
}

// NewWorkspace returns an empty workspace with the default roster.
func NewWorkspace() *Workspace {
	return &Workspace{Artifacts: artifact.NewStore(), Roster: iteration.DefaultRoster()}
}

// Reset clears the workspace for another project.
func (w *Workspace) Reset() {
	w.Idea = Idea{}
	for _, k := range artifact.Kinds {
		w.Artifacts.Reset(k)
	}
	w.Roster = iteration.DefaultRoster()
}

// Options configures a Persister.
type Options struct {
	Scheduler schedule.Scheduler
	// Interval is the autosave debounce window.
	Interval time.Duration
	// Post runs f on the engine goroutine. Timer callbacks go through it.
	Post func(f func())
	// Send delivers outbound messages to the host.
	Send func(protocol.Message)
}

// Persister owns stage saves, the autosave debounce, resume and the build
// log. It is confined to the engine goroutine; only timer callbacks cross
// over, and they go through Options.Post.
type Persister struct {
	pipeline *stage.Pipeline
	ws       *Workspace
	merger   *merge.Engine
	opts     Options

	dirty map[stage.Name]bool
	gen   int
	timer schedule.Timer

	log     []protocol.BuildLogEntry
	pending []protocol.BuildLogEntry

	newID  func() string
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a Persister.
func New(pipeline *stage.Pipeline, ws *Workspace, merger *merge.Engine, opts Options, logger zerolog.Logger) *Persister {
	if opts.Scheduler == nil {
		opts.Scheduler = schedule.Real{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultAutoSaveInterval
	}
	if opts.Post == nil {
		opts.Post = func(f func()) { f() }
	}
	if opts.Send == nil {
		opts.Send = func(protocol.Message) {}
	}
	return &Persister{
		pipeline: pipeline,
		ws:       ws,
		merger:   merger,
		opts:     opts,
		dirty:    make(map[stage.Name]bool),
		newID:    uuid.NewString,
		now:      time.Now,
		logger:   logger.With().Str("component", "persist").Logger(),
	}
}

// Slice cuts the stage-appropriate part of the workspace.
func (p *Persister) Slice(s stage.Name) StageData {
	d := StageData{Version: StageDataVersion}
	a := p.ws.Artifacts
	switch s {
	case stage.Idea:
		idea := p.ws.Idea
		d.Idea = &idea
	case stage.Users:
		d.Personas = a.Personas.Items()
	case stage.Features:
		d.Features = a.Features.Items()
	case stage.Team:
		d.Team = &Team{Roles: append([]iteration.Role(nil), p.ws.Roster.Roles...), Flow: p.ws.Roster.Flow()}
	case stage.Stories:
		d.Stories = a.Stories.Items()
	case stage.Design:
		d.Screens = a.Screens.Items()
		d.Flows = a.Flows.Items()
	}
	return d
}

// Install puts decoded stage data back into the workspace.
func (p *Persister) Install(s stage.Name, d StageData) {
	a := p.ws.Artifacts
	switch s {
	case stage.Idea:
		if d.Idea != nil {
			p.ws.Idea = *d.Idea
			p.pipeline.SetTitle(d.Idea.Title)
		}
	case stage.Users:
		a.Personas.ReplaceAll(d.Personas)
	case stage.Features:
		a.Features.ReplaceAll(d.Features)
	case stage.Team:
		if d.Team != nil && len(d.Team.Roles) > 0 {
			raw, _ := json.Marshal(struct {
				Roles []iteration.Role `json:"roles"`
			}{d.Team.Roles})
			// ParseRoster accepts JSON as a YAML subset and restores
			// mandatory roles a legacy record may lack.
			if r, err := iteration.ParseRoster(raw); err == nil {
				p.ws.Roster = r
			}
		}
	case stage.Stories:
		a.Stories.ReplaceAll(d.Stories)
	case stage.Design:
		a.Screens.ReplaceAll(d.Screens)
		a.Flows.ReplaceAll(d.Flows)
	}
}

// Load installs a stage record read from the host. The record's data is
// migrated to the current layout first.
func (p *Persister) Load(s stage.Name, file protocol.StageFile) (StageData, error) {
	d, err := DecodeStageData(s, file.Data)
	if err != nil {
		return StageData{}, err
	}
	if s != stage.Building {
		data, err := d.Encode()
		if err != nil {
			return StageData{}, err
		}
		p.pipeline.LoadRecord(stage.Record{Stage: s, Completed: file.Completed, Data: data, UpdatedAt: p.now()})
		p.Install(s, d)
	}
	return d, nil
}

// SaveCurrentStageData snapshots stage s and writes it. On success s is no
// longer dirty; the pending autosave is cancelled once no stage is.
func (p *Persister) SaveCurrentStageData(s stage.Name, completed bool, overrideID string) (stage.Record, error) {
	hadProject := p.pipeline.ProjectID() != ""

	data, err := p.Slice(s).Encode()
	if err != nil {
		return stage.Record{}, err
	}
	rec, err := p.pipeline.SaveStage(s, data, completed, overrideID)
	if err != nil {
		return stage.Record{}, err
	}

	delete(p.dirty, s)
	if len(p.dirty) == 0 {
		p.cancelAutoSave()
	}
	p.send(s, rec)

	if !hadProject {
		p.flushPending()
	}
	return rec, nil
}

// SaveBuildState persists the iteration state under the building stage.
func (p *Persister) SaveBuildState(st iteration.State) error {
	st.Version = iteration.StateVersion
	data, err := StageData{Build: &st}.Encode()
	if err != nil {
		return err
	}
	rec, err := p.pipeline.SaveStage(stage.Building, data, false, "")
	if err != nil {
		return fmt.Errorf("persist build state: %w", err)
	}
	p.send(stage.Building, rec)
	return nil
}

// DecodeBuildState reads an iteration snapshot from a build-state payload.
func DecodeBuildState(raw json.RawMessage) (iteration.State, error) {
	d, err := DecodeStageData(stage.Building, raw)
	if err != nil {
		return iteration.State{}, err
	}
	if d.Build == nil {
		return iteration.State{}, fmt.Errorf("%w: no build state", perrors.ErrNotFound)
	}
	return *d.Build, nil
}

func (p *Persister) send(s stage.Name, rec stage.Record) {
	proj, _ := p.pipeline.Project()
	p.opts.Send(protocol.SaveStageFile{
		ProjectID:    proj.ID,
		ProjectTitle: proj.Title,
		Stage:        string(s),
		Data:         rec.Data,
		Completed:    rec.Completed,
	})
}

// ScheduleAutoSave marks stage s dirty and restarts the debounce timer.
func (p *Persister) ScheduleAutoSave(s stage.Name) {
	p.dirty[s] = true
	p.gen++
	gen := p.gen
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = p.opts.Scheduler.AfterFunc(p.opts.Interval, func() {
		p.opts.Post(func() { p.autoSave(gen) })
	})
}

func (p *Persister) autoSave(gen int) {
	if gen != p.gen || len(p.dirty) == 0 {
		return
	}
	p.timer = nil
	for _, s := range p.DirtyStages() {
		if _, err := p.SaveCurrentStageData(s, false, ""); err != nil {
			p.logger.Warn().Err(err).Str("stage", string(s)).Msg("autosave failed")
			continue
		}
		p.logger.Debug().Str("stage", string(s)).Msg("autosaved")
	}
}

// DirtyStages lists the stages with unsaved edits in pipeline order.
func (p *Persister) DirtyStages() []stage.Name {
	var out []stage.Name
	for _, s := range stage.Order {
		if p.dirty[s] {
			out = append(out, s)
		}
	}
	if p.dirty[stage.Building] {
		out = append(out, stage.Building)
	}
	return out
}

func (p *Persister) cancelAutoSave() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Dirty reports whether there are unsaved edits.
func (p *Persister) Dirty() bool { return len(p.dirty) > 0 }

// AutoSavePending reports whether a debounce timer is armed.
func (p *Persister) AutoSavePending() bool { return p.timer != nil }

// Close stops the debounce timer without saving.
func (p *Persister) Close() { p.cancelAutoSave() }
