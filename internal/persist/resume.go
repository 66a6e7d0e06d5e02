package persist

import (
	"fmt"
	"strings"

	"github.com/p-blackswan/buildmode/internal/artifact"
	perrors "github.com/p-blackswan/buildmode/internal/errors"
	"github.com/p-blackswan/buildmode/internal/merge"
	"github.com/p-blackswan/buildmode/internal/protocol"
	"github.com/p-blackswan/buildmode/internal/stage"
)

// Resume is a prepared continuation of a failed generation.
type Resume struct {
	Stage  stage.Name
	Kind   artifact.Kind
	Items  []string
	Count  int
	Prompt string
}

// RetryReady replays the partial output of a failed generation into the
// artifact store, puts the stage in resume mode and returns the prompt to
// re-dispatch. basePrompt is the prompt of the failed request.
func (p *Persister) RetryReady(msg protocol.RetryReady, basePrompt string) (Resume, error) {
	s, ok := stage.Parse(msg.Stage)
	if !ok {
		return Resume{}, fmt.Errorf("%w: unknown stage %q", perrors.ErrInvalidInput, msg.Stage)
	}
	kind, ok := merge.DefaultKind(msg.Stage)
	if !ok {
		return Resume{}, fmt.Errorf("%w: stage %s has no resumable artifacts", perrors.ErrInvalidInput, s)
	}

	labels := p.merger.Replay(kind, merge.ParsePartial(msg.PartialContent, kind))
	p.merger.BeginResume(msg.Stage, kind)

	count := len(labels)
	if count == 0 {
		count = msg.PartialItemCount
	}
	if len(labels) > 0 {
		p.ScheduleAutoSave(s)
	}

	p.logger.Info().
		Str("stage", string(s)).
		Int("replayed", len(labels)).
		Int("reported", msg.PartialItemCount).
		Msg("resuming generation")

	return Resume{
		Stage:  s,
		Kind:   kind,
		Items:  labels,
		Count:  count,
		Prompt: ResumePrompt(basePrompt, kind, labels, count),
	}, nil
}

// ResumePrompt extends basePrompt with the items already generated and asks
// for additional items only.
func ResumePrompt(basePrompt string, kind artifact.Kind, items []string, count int) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(basePrompt))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("The previous response was interrupted after %d %s.", count, kind.Plural()))
	if len(items) > 0 {
		sb.WriteString(" Already generated:\n")
		for i, label := range items {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, label))
		}
	} else {
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("Continue with additional %s only. Do not repeat any of the %d already generated. Use the same JSON format.", kind.Plural(), count))
	return sb.String()
}
