// Package persist maps stage data to durable records: explicit and
// debounced saves, the versioned snapshot format, partial-generation resume
// and the build log.
package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/p-blackswan/buildmode/internal/artifact"
	perrors "github.com/p-blackswan/buildmode/internal/errors"
	"github.com/p-blackswan/buildmode/internal/iteration"
	"github.com/p-blackswan/buildmode/internal/stage"
)

// StageDataVersion is the snapshot version written by this package.
const StageDataVersion = 1

// Idea is the free-form project brief.
type Idea struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Problem     string `json:"problem,omitempty"`
	Audience    string `json:"audience,omitempty"`
}

// Team is the persisted roster and derived flow.
type Team struct {
	Roles []iteration.Role `json:"roles"`
	Flow  []string         `json:"flow,omitempty"`
}

// StageData is the typed snapshot stored in a stage record. Only the slice
// belonging to the record's stage is populated.
type StageData struct {
	Version  int                `json:"version"`
	Idea     *Idea              `json:"idea,omitempty"`
	Personas []artifact.Persona `json:"personas,omitempty"`
	Features []artifact.Feature `json:"features,omitempty"`
	Team     *Team              `json:"team,omitempty"`
	Stories  []artifact.Story   `json:"stories,omitempty"`
	Screens  []artifact.Screen  `json:"screens,omitempty"`
	Flows    []artifact.Flow    `json:"flows,omitempty"`
	Build    *iteration.State   `json:"build,omitempty"`
}

// Encode marshals d with the current version.
func (d StageData) Encode() (json.RawMessage, error) {
	d.Version = StageDataVersion
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("persist: encode stage data: %w", err)
	}
	return raw, nil
}

// DecodeStageData reads a stored record for stage s, migrating older
// layouts. Version 0 is the unversioned layout: a bare array of the stage's
// artifacts or a plain object. Versions newer than StageDataVersion are
// rejected.
func DecodeStageData(s stage.Name, raw json.RawMessage) (StageData, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return StageData{Version: StageDataVersion}, nil
	}

	if raw[0] == '[' {
		return migrateV0Array(s, raw)
	}
	if raw[0] != '{' {
		return StageData{}, fmt.Errorf("%w: %s record is not an object or array", perrors.ErrInvalidInput, s)
	}

	var head struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return StageData{}, fmt.Errorf("%w: %s record: %v", perrors.ErrInvalidInput, s, err)
	}
	switch {
	case head.Version == nil || *head.Version == 0:
		return migrateV0Object(s, raw)
	case *head.Version > StageDataVersion:
		return StageData{}, fmt.Errorf("%w: %s record version %d is newer than %d", perrors.ErrInvalidInput, s, *head.Version, StageDataVersion)
	}

	var d StageData
	if err := json.Unmarshal(raw, &d); err != nil {
		return StageData{}, fmt.Errorf("%w: %s record: %v", perrors.ErrInvalidInput, s, err)
	}
	if d.Build != nil && d.Build.Version == 0 {
		d.Build.Version = iteration.StateVersion
	}
	return d, nil
}

func migrateV0Array(s stage.Name, raw json.RawMessage) (StageData, error) {
	d := StageData{Version: StageDataVersion}
	if s == stage.Team {
		roles, err := decodeLegacyRoles(raw)
		if err != nil {
			return StageData{}, err
		}
		d.Team = &Team{Roles: roles}
		return d, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return StageData{}, fmt.Errorf("%w: %s legacy array: %v", perrors.ErrInvalidInput, s, err)
	}
	switch s {
	case stage.Users:
		d.Personas = decodeAll[artifact.Persona](artifact.KindPersona, items)
	case stage.Features:
		d.Features = decodeAll[artifact.Feature](artifact.KindFeature, items)
	case stage.Stories:
		d.Stories = decodeAll[artifact.Story](artifact.KindStory, items)
	case stage.Design:
		d.Screens = decodeAll[artifact.Screen](artifact.KindScreen, items)
	default:
		return StageData{}, fmt.Errorf("%w: %s has no legacy array layout", perrors.ErrInvalidInput, s)
	}
	return d, nil
}

func migrateV0Object(s stage.Name, raw json.RawMessage) (StageData, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return StageData{}, fmt.Errorf("%w: %s legacy object: %v", perrors.ErrInvalidInput, s, err)
	}
	d := StageData{Version: StageDataVersion}
	list := func(key string) []json.RawMessage {
		var items []json.RawMessage
		if v, ok := obj[key]; ok {
			_ = json.Unmarshal(v, &items)
		}
		return items
	}

	switch s {
	case stage.Idea:
		var idea Idea
		src := raw
		if nested, ok := obj["idea"]; ok {
			src = nested
		}
		if err := json.Unmarshal(src, &idea); err != nil {
			return StageData{}, fmt.Errorf("%w: idea legacy object: %v", perrors.ErrInvalidInput, err)
		}
		d.Idea = &idea
	case stage.Users:
		d.Personas = decodeAll[artifact.Persona](artifact.KindPersona, list("personas"))
	case stage.Features:
		d.Features = decodeAll[artifact.Feature](artifact.KindFeature, list("features"))
	case stage.Team:
		src, ok := obj["roles"]
		if !ok {
			src = obj["teamMembers"]
		}
		roles, err := decodeLegacyRoles(src)
		if err != nil {
			return StageData{}, err
		}
		d.Team = &Team{Roles: roles}
	case stage.Stories:
		d.Stories = decodeAll[artifact.Story](artifact.KindStory, list("stories"))
	case stage.Design:
		d.Screens = decodeAll[artifact.Screen](artifact.KindScreen, list("screens"))
		d.Flows = decodeAll[artifact.Flow](artifact.KindFlow, list("flows"))
	case stage.Building:
		var st iteration.State
		if err := json.Unmarshal(raw, &st); err != nil {
			return StageData{}, fmt.Errorf("%w: build legacy object: %v", perrors.ErrInvalidInput, err)
		}
		st.Version = iteration.StateVersion
		d.Build = &st
	}
	return d, nil
}

// decodeLegacyRoles accepts role names or role objects.
func decodeLegacyRoles(raw json.RawMessage) ([]iteration.Role, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: legacy roles: %v", perrors.ErrInvalidInput, err)
	}
	var roles []iteration.Role
	for _, it := range items {
		var name string
		if err := json.Unmarshal(it, &name); err == nil {
			roles = append(roles, iteration.Role{Name: name})
			continue
		}
		var r iteration.Role
		if err := json.Unmarshal(it, &r); err == nil && strings.TrimSpace(r.Name) != "" {
			roles = append(roles, r)
		}
	}
	return roles, nil
}

func decodeAll[T artifact.Artifact](kind artifact.Kind, items []json.RawMessage) []T {
	out := make([]T, 0, len(items))
	for _, raw := range items {
		a, err := artifact.Decode(kind, raw)
		if err != nil {
			continue
		}
		if v, ok := a.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
