package artifact

import (
	"encoding/json"
	"fmt"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

// Store is the ground truth for generated artifacts. It is owned by a single
// goroutine and is not safe for concurrent use.
type Store struct {
	Personas List[Persona]
	Features List[Feature]
	Stories  List[Story]
	Screens  List[Screen]
	Flows    List[Flow]
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Put decodes raw as an artifact of kind and stores it at index, replacing
// in bounds and appending otherwise.
func (s *Store) Put(kind Kind, index int, raw json.RawMessage) (Artifact, bool, error) {
	a, err := Decode(kind, raw)
	if err != nil {
		return nil, false, err
	}
	replaced, err := s.PutArtifact(index, a)
	return a, replaced, err
}

// PutArtifact stores an already decoded artifact.
func (s *Store) PutArtifact(index int, a Artifact) (bool, error) {
	switch v := a.(type) {
	case Persona:
		return s.Personas.Put(index, v), nil
	case Feature:
		return s.Features.Put(index, v), nil
	case Story:
		return s.Stories.Put(index, v), nil
	case Screen:
		return s.Screens.Put(index, v), nil
	case Flow:
		return s.Flows.Put(index, v), nil
	}
	return false, fmt.Errorf("%w: unsupported artifact %T", perrors.ErrInvalidInput, a)
}

// Len returns the size of the list for kind.
func (s *Store) Len(kind Kind) int {
	switch kind {
	case KindPersona:
		return s.Personas.Len()
	case KindFeature:
		return s.Features.Len()
	case KindStory:
		return s.Stories.Len()
	case KindScreen:
		return s.Screens.Len()
	case KindFlow:
		return s.Flows.Len()
	}
	return 0
}

// Labels returns the labels of the list for kind, in order.
func (s *Store) Labels(kind Kind) []string {
	switch kind {
	case KindPersona:
		return s.Personas.Labels()
	case KindFeature:
		return s.Features.Labels()
	case KindStory:
		return s.Stories.Labels()
	case KindScreen:
		return s.Screens.Labels()
	case KindFlow:
		return s.Flows.Labels()
	}
	return nil
}

// Reset empties the list for kind.
func (s *Store) Reset(kind Kind) {
	switch kind {
	case KindPersona:
		s.Personas.Reset()
	case KindFeature:
		s.Features.Reset()
	case KindStory:
		s.Stories.Reset()
	case KindScreen:
		s.Screens.Reset()
	case KindFlow:
		s.Flows.Reset()
	}
}

// ActivePersonas returns personas whose active flag is set.
func (s *Store) ActivePersonas() []Persona {
	var out []Persona
	for _, p := range s.Personas.items {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// Counts returns the number of items per kind.
func (s *Store) Counts() map[Kind]int {
	out := make(map[Kind]int, len(Kinds))
	for _, k := range Kinds {
		out[k] = s.Len(k)
	}
	return out
}

// Snapshot is a value copy of the whole store.
type Snapshot struct {
	Personas []Persona `json:"personas,omitempty"`
	Features []Feature `json:"features,omitempty"`
	Stories  []Story   `json:"stories,omitempty"`
	Screens  []Screen  `json:"screens,omitempty"`
	Flows    []Flow    `json:"flows,omitempty"`
}

// Snapshot copies every list.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Personas: s.Personas.Items(),
		Features: s.Features.Items(),
		Stories:  s.Stories.Items(),
		Screens:  s.Screens.Items(),
		Flows:    s.Flows.Items(),
	}
}

// Restore replaces every list that is non-nil in snap.
func (s *Store) Restore(snap Snapshot) {
	if snap.Personas != nil {
		s.Personas.ReplaceAll(snap.Personas)
	}
	if snap.Features != nil {
		s.Features.ReplaceAll(snap.Features)
	}
	if snap.Stories != nil {
		s.Stories.ReplaceAll(snap.Stories)
	}
	if snap.Screens != nil {
		s.Screens.ReplaceAll(snap.Screens)
	}
	if snap.Flows != nil {
		s.Flows.ReplaceAll(snap.Flows)
	}
}
