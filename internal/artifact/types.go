// Package artifact holds the typed, ordered collections of generated
// content: personas, features, stories, screens and flows.
package artifact

import "strings"

// Kind names an artifact type.
type Kind string

const (
	KindPersona Kind = "persona"
	KindFeature Kind = "feature"
	KindStory   Kind = "story"
	KindScreen  Kind = "screen"
	KindFlow    Kind = "flow"
)

// Kinds lists every artifact kind.
var Kinds = []Kind{KindPersona, KindFeature, KindStory, KindScreen, KindFlow}

var plurals = map[Kind]string{
	KindPersona: "personas",
	KindFeature: "features",
	KindStory:   "stories",
	KindScreen:  "screens",
	KindFlow:    "flows",
}

// Plural returns the collection key used in model output, e.g. "features".
func (k Kind) Plural() string { return plurals[k] }

// ParseKind accepts a singular or plural kind name.
func ParseKind(s string) (Kind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, p := range plurals {
		if s == string(k) || s == p {
			return k, true
		}
	}
	return "", false
}

// Artifact is implemented by every artifact type.
type Artifact interface {
	Kind() Kind
	GetID() string
	// Label is the human-facing name used in prompts and for dedup.
	Label() string
}

// Identified is an artifact whose id can be reassigned by value.
type Identified[T any] interface {
	Artifact
	WithID(id string) T
}

// Persona is a target user.
type Persona struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Role        string   `json:"role,omitempty"`
	Description string   `json:"description,omitempty"`
	Goals       []string `json:"goals,omitempty"`
	PainPoints  []string `json:"painPoints,omitempty"`
	Active      bool     `json:"active"`
}

func (p Persona) Kind() Kind                 { return KindPersona }
func (p Persona) GetID() string              { return p.ID }
func (p Persona) Label() string              { return p.Name }
func (p Persona) WithID(id string) Persona   { p.ID = id; return p }

// Feature is a scored product capability.
type Feature struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Score       int      `json:"score"`
	Frequency   string   `json:"frequency"`
	Priority    string   `json:"priority"`
	Personas    []string `json:"personas,omitempty"`
}

func (f Feature) Kind() Kind               { return KindFeature }
func (f Feature) GetID() string            { return f.ID }
func (f Feature) Label() string            { return f.Name }
func (f Feature) WithID(id string) Feature { f.ID = id; return f }

// Story is a user story tied to a feature.
type Story struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	AsA                string   `json:"asA,omitempty"`
	IWant              string   `json:"iWant,omitempty"`
	SoThat             string   `json:"soThat,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	FeatureID          string   `json:"featureId,omitempty"`
	Priority           string   `json:"priority"`
}

func (s Story) Kind() Kind             { return KindStory }
func (s Story) GetID() string          { return s.ID }
func (s Story) Label() string          { return s.Title }
func (s Story) WithID(id string) Story { s.ID = id; return s }

// Screen is one product screen the build loop iterates over.
type Screen struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Components  []string `json:"components,omitempty"`
	Stories     []string `json:"stories,omitempty"`
}

func (s Screen) Kind() Kind              { return KindScreen }
func (s Screen) GetID() string           { return s.ID }
func (s Screen) Label() string           { return s.Name }
func (s Screen) WithID(id string) Screen { s.ID = id; return s }

// Flow is a navigation path across screens.
type Flow struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps,omitempty"`
	Screens     []string `json:"screens,omitempty"`
}

func (f Flow) Kind() Kind            { return KindFlow }
func (f Flow) GetID() string         { return f.ID }
func (f Flow) Label() string         { return f.Name }
func (f Flow) WithID(id string) Flow { f.ID = id; return f }

// NormalizeLabel folds a label for duplicate detection.
func NormalizeLabel(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
