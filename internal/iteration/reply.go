package iteration

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CompletionMarker is the legacy in-band completion token. It is only
// consulted when a reply carries no structured envelope.
const CompletionMarker = "[STEP_COMPLETE]"

// Reply is a parsed model reply for one step.
type Reply struct {
	Done          bool
	Text          string
	Ratings       []Rating
	AverageRating *float64
	Issues        []string
	Summary       string
	Files         []File
}

type envelope struct {
	Done          *bool        `json:"done"`
	Ratings       []ratingJSON `json:"ratings"`
	AverageRating *score       `json:"averageRating"`
	Issues        []string     `json:"issues"`
	Summary       string       `json:"summary"`
	Files         []File       `json:"files"`
}

type ratingJSON struct {
	Persona string `json:"persona"`
	Name    string `json:"name"`
	Score   score  `json:"score"`
	Comment string `json:"comment"`
}

// score accepts 7, 7.5, "7" and "7/10". Anything else reads as unset.
type score struct {
	v   float64
	set bool
}

func (s *score) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		s.v, s.set = f, true
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return nil
	}
	str = strings.TrimSpace(str)
	if i := strings.Index(str, "/"); i >= 0 {
		str = strings.TrimSpace(str[:i])
	}
	if f, err := strconv.ParseFloat(str, 64); err == nil {
		s.v, s.set = f, true
	}
	return nil
}

const maxEnvelopeScan = 64

var (
	fenceRe        = regexp.MustCompile("(?s)```([^\\n`]*)\\n(.*?)```")
	pathCommentRe  = regexp.MustCompile(`^\s*(?://|#|<!--|/\*)\s*(?:file|path)\s*:\s*(\S+?)\s*(?:-->|\*/)?\s*$`)
	inlineRatingRe = regexp.MustCompile(`(?m)^\s*(?:[-*]\s*)?\**([^:*\n]+?)\**\s*[:\-]\s*(\d+(?:\.\d+)?)\s*/\s*10`)
	averageRe      = regexp.MustCompile(`(?i)average(?:\s+rating)?\s*[:=]\s*(\d+(?:\.\d+)?)`)
)

// ParseReply reads a step reply. A JSON envelope with a "done" field is
// authoritative; without one the completion marker decides. Fenced code
// blocks that are not the envelope are collected as files.
func ParseReply(text string) Reply {
	r := Reply{Text: strings.TrimSpace(strings.ReplaceAll(text, CompletionMarker, ""))}

	env, envBlock := findEnvelope(text)
	if env != nil {
		r.Done = *env.Done
		r.Issues = env.Issues
		r.Summary = strings.TrimSpace(env.Summary)
		for _, rt := range env.Ratings {
			name := rt.Persona
			if name == "" {
				name = rt.Name
			}
			r.Ratings = append(r.Ratings, Rating{Persona: name, Score: rt.Score.v, Unscored: !rt.Score.set, Comment: rt.Comment})
		}
		if env.AverageRating != nil && env.AverageRating.set {
			v := env.AverageRating.v
			r.AverageRating = &v
		}
		r.Files = append(r.Files, env.Files...)
	} else {
		r.Done = strings.Contains(text, CompletionMarker)
		r.Ratings = inlineRatings(text)
		if m := averageRe.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				r.AverageRating = &v
			}
		}
	}

	for i, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		if m[0] == envBlock {
			continue
		}
		if f, ok := fencedFile(m[1], m[2], i+1); ok {
			r.Files = mergeFiles(r.Files, []File{f})
		}
	}
	return r
}

func findEnvelope(text string) (*envelope, string) {
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		if env := decodeEnvelope(m[2]); env != nil {
			return env, m[0]
		}
	}
	// Unfenced: scan from the last brace so a trailing {"done": true} wins.
	tries := 0
	for i := strings.LastIndex(text, "{"); i >= 0 && tries < maxEnvelopeScan; i = strings.LastIndex(text[:i], "{") {
		tries++
		if env := decodeEnvelope(text[i:]); env != nil {
			return env, ""
		}
	}
	return nil, ""
}

func decodeEnvelope(s string) *envelope {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	var env envelope
	if err := dec.Decode(&env); err != nil || env.Done == nil {
		return nil
	}
	return &env
}

func fencedFile(info, body string, n int) (File, bool) {
	fields := strings.Fields(info)
	if len(fields) > 0 && strings.EqualFold(fields[0], "json") && decodeEnvelope(body) != nil {
		return File{}, false
	}
	f := File{Content: body}
	if len(fields) > 0 {
		f.Language = fields[0]
	}
	if len(fields) > 1 {
		f.Path = fields[1]
	} else if first, rest, ok := strings.Cut(body, "\n"); ok {
		if m := pathCommentRe.FindStringSubmatch(first); m != nil {
			f.Path = m[1]
			f.Content = rest
		}
	}
	if f.Path == "" {
		if f.Language == "" || strings.EqualFold(f.Language, "json") {
			return File{}, false
		}
		f.Path = fmt.Sprintf("snippet-%d.%s", n, f.Language)
	}
	return f, true
}

func inlineRatings(text string) []Rating {
	var out []Rating
	for _, m := range inlineRatingRe.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(m[1])
		if strings.Contains(strings.ToLower(name), "average") {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		out = append(out, Rating{Persona: name, Score: v})
	}
	return out
}

// AverageOf returns the mean of the scored ratings, or nil when none are
// scored.
func AverageOf(ratings []Rating) *float64 {
	var sum float64
	n := 0
	for _, r := range ratings {
		if r.Unscored {
			continue
		}
		sum += r.Score
		n++
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

// mergeFiles overlays incoming files onto existing ones by path.
func mergeFiles(existing, incoming []File) []File {
	out := append([]File(nil), existing...)
	for _, f := range incoming {
		replaced := false
		for i := range out {
			if out[i].Path == f.Path {
				out[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, f)
		}
	}
	return out
}
