package iteration

import (
	"fmt"
	"strings"

	"github.com/p-blackswan/buildmode/internal/artifact"
)

// Env is the read-only context a step prompt is built from.
type Env struct {
	ProjectTitle string
	Personas     []artifact.Persona
	Screens      []artifact.Screen
	// Instructions holds extra per-role instructions from the roster.
	Instructions map[string]string
}

func (e Env) screen(name string) (artifact.Screen, bool) {
	key := artifact.NormalizeLabel(name)
	for _, s := range e.Screens {
		if artifact.NormalizeLabel(s.Name) == key {
			return s, true
		}
	}
	return artifact.Screen{}, false
}

const maxHandoff = 4000

const envelopeHint = `When you are finished, end your reply with a JSON object on its own line:
{"done": true}`

const feedbackEnvelope = "```json\n" + `{
  "done": true,
  "ratings": [{"persona": "<name>", "score": 0-10, "comment": "<one sentence>"}],
  "averageRating": <mean score>,
  "issues": ["<issue>"],
  "summary": "<consolidated feedback for the team>"
}` + "\n```"

// SystemPrompt returns the system prompt for a role.
func SystemPrompt(role, framework string) string {
	switch ClassifyRole(role) {
	case ClassFeedback:
		return "You simulate real users reviewing a product screen. Stay in character for each persona and be specific about problems."
	case ClassUX:
		return "You are a senior UX designer. You write precise, buildable screen requirements."
	case ClassDeveloper:
		return fmt.Sprintf("You are a senior %s developer. You write complete, runnable source files.", framework)
	default:
		return fmt.Sprintf("You are the team's %s. You review work in progress and give concrete, actionable notes.", role)
	}
}

// BuildPrompt returns the user prompt for the current step of st.
func BuildPrompt(st State, env Env, framework string) string {
	role := st.CurrentRole()
	name := st.CurrentScreen()

	var sb strings.Builder
	if env.ProjectTitle != "" {
		sb.WriteString(fmt.Sprintf("Project: %s\n", env.ProjectTitle))
	}
	sb.WriteString(fmt.Sprintf("Screen %d of %d: %s (iteration %d)\n",
		st.ScreenIndex+1, len(st.Screens), name, st.IterationCount))
	if scr, ok := env.screen(name); ok {
		if scr.Description != "" {
			sb.WriteString(fmt.Sprintf("Description: %s\n", scr.Description))
		}
		if len(scr.Components) > 0 {
			sb.WriteString(fmt.Sprintf("Components: %s\n", strings.Join(scr.Components, ", ")))
		}
	}
	sb.WriteString("\n")

	switch ClassifyRole(role) {
	case ClassFeedback:
		writeFeedbackPrompt(&sb, st, env)
	case ClassUX:
		writeUXPrompt(&sb, st)
	case ClassDeveloper:
		writeDeveloperPrompt(&sb, st, framework)
	default:
		writeReviewPrompt(&sb, st, role)
	}

	if extra := env.Instructions[role]; extra != "" {
		sb.WriteString("\nAdditional instructions:\n")
		sb.WriteString(extra)
		sb.WriteString("\n")
	}
	return sb.String()
}

func writeFeedbackPrompt(sb *strings.Builder, st State, env Env) {
	personas := activePersonas(env.Personas)
	sb.WriteString("Review this screen as each of the following users:\n")
	if len(personas) == 0 {
		sb.WriteString("- A typical first-time user\n")
	}
	for _, p := range personas {
		sb.WriteString(fmt.Sprintf("- %s", p.Name))
		if p.Role != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", p.Role))
		}
		if len(p.Goals) > 0 {
			sb.WriteString(fmt.Sprintf(": goals %s", strings.Join(p.Goals, "; ")))
		}
		sb.WriteString("\n")
	}
	if len(st.GeneratedFiles) > 0 {
		sb.WriteString("\nFiles produced this iteration:\n")
		for _, f := range st.GeneratedFiles {
			sb.WriteString(fmt.Sprintf("- %s\n", f.Path))
		}
	}
	writeHandoff(sb, st)
	sb.WriteString("\nGive each user a score from 0 to 10 and summarise the issues they would hit. Reply with:\n")
	sb.WriteString(feedbackEnvelope)
	sb.WriteString("\n")
}

func writeUXPrompt(sb *strings.Builder, st State) {
	sb.WriteString("Write the requirements for this screen: purpose, layout, components, states and interactions.\n")
	if st.IterationCount > 1 && st.CarriedFeedback != "" {
		sb.WriteString("\nFeedback from the previous iteration that must be addressed:\n")
		sb.WriteString(st.CarriedFeedback)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(envelopeHint)
	sb.WriteString("\n")
}

func writeDeveloperPrompt(sb *strings.Builder, st State, framework string) {
	sb.WriteString(fmt.Sprintf("Implement this screen using %s.\n", framework))
	sb.WriteString("Put each file in its own fenced code block whose info string is the language followed by the file path, e.g. ```tsx src/screens/Landing.tsx\n")
	writeHandoff(sb, st)
	if st.IterationCount > 1 && st.CarriedFeedback != "" {
		sb.WriteString("\nUser feedback to fix:\n")
		sb.WriteString(st.CarriedFeedback)
		sb.WriteString("\n")
	}
	if len(st.GeneratedFiles) > 0 {
		sb.WriteString("\nExisting files you may rewrite:\n")
		for _, f := range st.GeneratedFiles {
			sb.WriteString(fmt.Sprintf("- %s\n", f.Path))
		}
	}
	sb.WriteString("\n")
	sb.WriteString(envelopeHint)
	sb.WriteString("\n")
}

func writeReviewPrompt(sb *strings.Builder, st State, role string) {
	sb.WriteString(fmt.Sprintf("Review the current work on this screen from the point of view of the %s and list concrete improvements.\n", role))
	writeHandoff(sb, st)
	sb.WriteString("\n")
	sb.WriteString(envelopeHint)
	sb.WriteString("\n")
}

func writeHandoff(sb *strings.Builder, st State) {
	if st.Handoff == "" {
		return
	}
	sb.WriteString("\nOutput from the previous team member:\n")
	sb.WriteString(st.Handoff)
	sb.WriteString("\n")
}

func activePersonas(ps []artifact.Persona) []artifact.Persona {
	out := make([]artifact.Persona, 0, len(ps))
	for _, p := range ps {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}
