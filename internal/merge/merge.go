// Package merge turns incremental and complete model output into artifact
// store mutations.
package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/buildmode/internal/artifact"
	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

// UpdateText marks a stream update carrying free text rather than an artifact.
const UpdateText = "text"

var stageKinds = map[string]artifact.Kind{
	"users":    artifact.KindPersona,
	"features": artifact.KindFeature,
	"stories":  artifact.KindStory,
	"design":   artifact.KindScreen,
}

// DefaultKind returns the artifact kind a stage generates by default.
func DefaultKind(stage string) (artifact.Kind, bool) {
	k, ok := stageKinds[stage]
	return k, ok
}

// Update is one streamed event for a stage.
type Update struct {
	Stage      string
	UpdateType string
	Data       json.RawMessage
	Index      *int // nil appends
	Complete   bool
	Error      string
}

// Failure describes a generation error reported through the stream.
type Failure struct {
	Stage     string
	Message   string
	Retryable bool
}

// Result describes what Apply did.
type Result struct {
	Stage     string
	Kind      artifact.Kind
	Index     int
	Label     string
	Merged    bool
	Replaced  bool
	Dropped   bool
	Completed bool
	Failure   *Failure
	Text      string
}

type resumeState struct {
	kind     artifact.Kind
	replayed map[string]bool
	slots    map[int]int // stream index -> store index, -1 when dropped
}

// Engine applies stream updates to an artifact store. Like the store it is
// confined to one goroutine.
type Engine struct {
	store   *artifact.Store
	loading map[string]bool
	resume  map[string]*resumeState
	logger  zerolog.Logger
}

// New creates a merge engine writing into store.
func New(store *artifact.Store, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		loading: make(map[string]bool),
		resume:  make(map[string]*resumeState),
		logger:  logger.With().Str("component", "merge").Logger(),
	}
}

// StartLoading raises the loading indicator for a stage.
func (e *Engine) StartLoading(stage string) { e.loading[stage] = true }

// StopLoading clears the loading indicator and reports whether it was set.
func (e *Engine) StopLoading(stage string) bool {
	was := e.loading[stage]
	delete(e.loading, stage)
	return was
}

// IsLoading reports the loading indicator of a stage.
func (e *Engine) IsLoading(stage string) bool { return e.loading[stage] }

// Loading lists stages with a raised indicator.
func (e *Engine) Loading() []string {
	out := make([]string, 0, len(e.loading))
	for s := range e.loading {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Apply merges one stream update. Errors and completions never touch the store.
func (e *Engine) Apply(u Update) (Result, error) {
	res := Result{Stage: u.Stage}

	if u.Error != "" {
		e.StopLoading(u.Stage)
		res.Failure = &Failure{Stage: u.Stage, Message: u.Error, Retryable: true}
		return res, nil
	}
	if u.Complete {
		e.StopLoading(u.Stage)
		e.EndResume(u.Stage)
		res.Completed = true
		return res, nil
	}
	if u.UpdateType == "" || u.UpdateType == UpdateText {
		res.Text = decodeText(u.Data)
		return res, nil
	}

	kind, ok := artifact.ParseKind(u.UpdateType)
	if !ok {
		return res, fmt.Errorf("%w: unknown update type %q", perrors.ErrInvalidInput, u.UpdateType)
	}
	res.Kind = kind

	payload, err := unwrapPayload(kind, u.Data)
	if err != nil {
		return res, err
	}
	a, err := artifact.Decode(kind, payload)
	if err != nil {
		return res, err
	}
	res.Label = a.Label()

	index := e.store.Len(kind)
	if u.Index != nil {
		index = *u.Index
	}
	if rs := e.resume[u.Stage]; rs != nil && rs.kind == kind && u.Index != nil {
		slot, known := rs.slots[*u.Index]
		label := artifact.NormalizeLabel(a.Label())
		if slot < 0 || (label != "" && rs.replayed[label]) {
			rs.slots[*u.Index] = -1
			res.Dropped = true
			e.logger.Debug().Str("stage", u.Stage).Str("label", a.Label()).Msg("dropped resumed duplicate")
			return res, nil
		}
		if !known {
			slot = e.store.Len(kind)
			rs.slots[*u.Index] = slot
		}
		index = slot
	}

	replaced, err := e.store.PutArtifact(index, a)
	if err != nil {
		return res, err
	}
	res.Index = index
	res.Merged = true
	res.Replaced = replaced
	return res, nil
}

// Summary counts merged items per kind.
type Summary map[artifact.Kind]int

// MergeParsed merges a complete reply. Each recognized collection key is
// merged independently by position; a bare array goes to the stage's
// default kind. An unparsed reply merges nothing.
func (e *Engine) MergeParsed(stage string, p Parsed) Summary {
	out := Summary{}
	if !p.OK {
		return out
	}
	value := bytes.TrimSpace(p.Value)
	if len(value) > 0 && value[0] == '[' {
		kind, ok := DefaultKind(stage)
		if !ok {
			return out
		}
		out[kind] = e.putAll(kind, extractItems(value, kind))
		return out
	}
	for _, kind := range artifact.Kinds {
		items := extractItems(value, kind)
		if len(items) == 0 {
			continue
		}
		out[kind] = e.putAll(kind, items)
	}
	return out
}

func (e *Engine) putAll(kind artifact.Kind, items []json.RawMessage) int {
	n := 0
	for i, raw := range items {
		if _, _, err := e.store.Put(kind, i, raw); err != nil {
			e.logger.Debug().Err(err).Str("kind", string(kind)).Int("index", i).Msg("skipping unparseable item")
			continue
		}
		n++
	}
	return n
}

// Replay appends previously generated items that are not already present
// (by normalized label) and returns the labels now held for kind.
func (e *Engine) Replay(kind artifact.Kind, p Parsed) []string {
	if p.OK {
		have := labelSet(e.store.Labels(kind))
		for _, raw := range extractItems(p.Value, kind) {
			a, err := artifact.Decode(kind, raw)
			if err != nil {
				continue
			}
			label := artifact.NormalizeLabel(a.Label())
			if label == "" || have[label] {
				continue
			}
			if _, err := e.store.PutArtifact(e.store.Len(kind), a); err == nil {
				have[label] = true
			}
		}
	}
	return e.store.Labels(kind)
}

// BeginResume switches a stage into resume mode: streamed indexes are
// mapped past the items already held and repeats of those items are dropped.
func (e *Engine) BeginResume(stage string, kind artifact.Kind) {
	e.resume[stage] = &resumeState{
		kind:     kind,
		replayed: labelSet(e.store.Labels(kind)),
		slots:    make(map[int]int),
	}
}

// EndResume leaves resume mode.
func (e *Engine) EndResume(stage string) { delete(e.resume, stage) }

// Resuming reports whether a stage is in resume mode.
func (e *Engine) Resuming(stage string) bool { return e.resume[stage] != nil }

func labelSet(labels []string) map[string]bool {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		if n := artifact.NormalizeLabel(l); n != "" {
			set[n] = true
		}
	}
	return set
}

func decodeText(data json.RawMessage) string {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return s
		}
	}
	return string(data)
}

// unwrapPayload accepts an object, an object wrapped in its singular or
// plural key, an array, or a JSON string holding any of those.
func unwrapPayload(kind artifact.Kind, data json.RawMessage) (json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		p := ParseResponse(decodeText(data))
		if !p.OK {
			return nil, fmt.Errorf("%w: %s payload holds no JSON", perrors.ErrInvalidInput, kind)
		}
		data = bytes.TrimSpace(p.Value)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty %s payload", perrors.ErrInvalidInput, kind)
	}
	if data[0] == '[' {
		items := extractItems(data, kind)
		if len(items) == 0 {
			return nil, fmt.Errorf("%w: empty %s array", perrors.ErrInvalidInput, kind)
		}
		return items[0], nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", perrors.ErrInvalidInput, kind, err)
	}
	if inner, ok := obj[string(kind)]; ok && len(bytes.TrimSpace(inner)) > 0 && bytes.TrimSpace(inner)[0] == '{' {
		return inner, nil
	}
	if items := extractItems(data, kind); len(items) > 0 {
		return items[0], nil
	}
	return data, nil
}
