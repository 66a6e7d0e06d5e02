package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

// Field defaults applied when model output omits them.
const (
	DefaultFeatureScore = 5
	DefaultFrequency    = "Medium"
	DefaultPriority     = "Should-Have"
)

// looseString accepts a JSON string or number.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	*s = looseString(string(b))
	return nil
}

// looseFloat accepts a number or numeric string; anything else reads as unset.
type looseFloat struct {
	v   float64
	set bool
}

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	var s looseString
	if err := s.UnmarshalJSON(b); err != nil {
		return nil
	}
	raw := strings.TrimSuffix(strings.TrimSpace(string(s)), "/10")
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		f.v, f.set = v, true
	}
	return nil
}

// looseStrings accepts an array of strings, a single string, or an array of
// objects carrying a name or title.
type looseStrings []string

func (l *looseStrings) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		if v != "" {
			*l = looseStrings{v}
		}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil
	}
	out := make(looseStrings, 0, len(raw))
	for _, r := range raw {
		r = bytes.TrimSpace(r)
		if len(r) == 0 {
			continue
		}
		switch r[0] {
		case '{':
			var named struct {
				ID    looseString `json:"id"`
				Name  string      `json:"name"`
				Title string      `json:"title"`
			}
			if err := json.Unmarshal(r, &named); err != nil {
				continue
			}
			if v := firstNonEmpty(named.Name, named.Title, string(named.ID)); v != "" {
				out = append(out, v)
			}
		case '[':
		default:
			var s looseString
			if err := s.UnmarshalJSON(r); err == nil && s != "" {
				out = append(out, string(s))
			}
		}
	}
	*l = out
	return nil
}

// Decode parses one artifact of the given kind and applies field defaults.
func Decode(kind Kind, raw json.RawMessage) (Artifact, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: %s payload is not an object", perrors.ErrInvalidInput, kind)
	}
	switch kind {
	case KindPersona:
		return decodePersona(raw)
	case KindFeature:
		return decodeFeature(raw)
	case KindStory:
		return decodeStory(raw)
	case KindScreen:
		return decodeScreen(raw)
	case KindFlow:
		return decodeFlow(raw)
	}
	return nil, fmt.Errorf("%w: unknown artifact kind %q", perrors.ErrInvalidInput, kind)
}

func decodePersona(raw json.RawMessage) (Persona, error) {
	var in struct {
		ID          looseString  `json:"id"`
		Name        string       `json:"name"`
		Role        string       `json:"role"`
		Occupation  string       `json:"occupation"`
		Description string       `json:"description"`
		Goals       looseStrings `json:"goals"`
		PainPoints  looseStrings `json:"painPoints"`
		Frustration looseStrings `json:"frustrations"`
		Active      *bool        `json:"active"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return Persona{}, fmt.Errorf("%w: persona: %v", perrors.ErrInvalidInput, err)
	}
	p := Persona{
		ID:          string(in.ID),
		Name:        in.Name,
		Role:        firstNonEmpty(in.Role, in.Occupation),
		Description: in.Description,
		Goals:       in.Goals,
		PainPoints:  in.PainPoints,
		Active:      true,
	}
	if len(p.PainPoints) == 0 {
		p.PainPoints = in.Frustration
	}
	if in.Active != nil {
		p.Active = *in.Active
	}
	return p, nil
}

func decodeFeature(raw json.RawMessage) (Feature, error) {
	var in struct {
		ID          looseString  `json:"id"`
		Name        string       `json:"name"`
		Title       string       `json:"title"`
		Description string       `json:"description"`
		Score       looseFloat   `json:"score"`
		Frequency   string       `json:"frequency"`
		Priority    string       `json:"priority"`
		Personas    looseStrings `json:"personas"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return Feature{}, fmt.Errorf("%w: feature: %v", perrors.ErrInvalidInput, err)
	}
	f := Feature{
		ID:          string(in.ID),
		Name:        firstNonEmpty(in.Name, in.Title),
		Description: in.Description,
		Score:       DefaultFeatureScore,
		Frequency:   firstNonEmpty(in.Frequency, DefaultFrequency),
		Priority:    firstNonEmpty(in.Priority, DefaultPriority),
		Personas:    in.Personas,
	}
	if in.Score.set {
		f.Score = clampScore(in.Score.v)
	}
	return f, nil
}

func decodeStory(raw json.RawMessage) (Story, error) {
	var in struct {
		ID                 looseString  `json:"id"`
		Title              string       `json:"title"`
		Name               string       `json:"name"`
		AsA                string       `json:"asA"`
		IWant              string       `json:"iWant"`
		SoThat             string       `json:"soThat"`
		AcceptanceCriteria looseStrings `json:"acceptanceCriteria"`
		FeatureID          looseString  `json:"featureId"`
		Priority           string       `json:"priority"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return Story{}, fmt.Errorf("%w: story: %v", perrors.ErrInvalidInput, err)
	}
	return Story{
		ID:                 string(in.ID),
		Title:              firstNonEmpty(in.Title, in.Name),
		AsA:                in.AsA,
		IWant:              in.IWant,
		SoThat:             in.SoThat,
		AcceptanceCriteria: in.AcceptanceCriteria,
		FeatureID:          string(in.FeatureID),
		Priority:           firstNonEmpty(in.Priority, DefaultPriority),
	}, nil
}

func decodeScreen(raw json.RawMessage) (Screen, error) {
	var in struct {
		ID          looseString  `json:"id"`
		Name        string       `json:"name"`
		Title       string       `json:"title"`
		Description string       `json:"description"`
		Components  looseStrings `json:"components"`
		Stories     looseStrings `json:"stories"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return Screen{}, fmt.Errorf("%w: screen: %v", perrors.ErrInvalidInput, err)
	}
	return Screen{
		ID:          string(in.ID),
		Name:        firstNonEmpty(in.Name, in.Title),
		Description: in.Description,
		Components:  in.Components,
		Stories:     in.Stories,
	}, nil
}

func decodeFlow(raw json.RawMessage) (Flow, error) {
	var in struct {
		ID          looseString  `json:"id"`
		Name        string       `json:"name"`
		Title       string       `json:"title"`
		Description string       `json:"description"`
		Steps       looseStrings `json:"steps"`
		Screens     looseStrings `json:"screens"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return Flow{}, fmt.Errorf("%w: flow: %v", perrors.ErrInvalidInput, err)
	}
	return Flow{
		ID:          string(in.ID),
		Name:        firstNonEmpty(in.Name, in.Title),
		Description: in.Description,
		Steps:       in.Steps,
		Screens:     in.Screens,
	}, nil
}

func clampScore(v float64) int {
	n := int(math.Round(v))
	if n < 0 {
		return 0
	}
	if n > 10 {
		return 10
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
