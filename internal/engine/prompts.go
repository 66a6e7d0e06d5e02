package engine

import (
	"fmt"
	"strings"

	"github.com/p-blackswan/buildmode/internal/artifact"
	perrors "github.com/p-blackswan/buildmode/internal/errors"
	"github.com/p-blackswan/buildmode/internal/persist"
	"github.com/p-blackswan/buildmode/internal/stage"
)

const planningSystemPrompt = "You are a product planning assistant. Reply with a single JSON object inside a ```json fenced block and nothing else."

// StagePrompt builds the generation prompt for a planning stage from the
// workspace. Only stages that produce artifacts can be generated.
func StagePrompt(s stage.Name, ws *persist.Workspace, extra string) (string, error) {
	var sb strings.Builder
	writeIdea(&sb, ws.Idea)

	a := ws.Artifacts
	switch s {
	case stage.Users:
		sb.WriteString("Generate 3 to 5 distinct user personas for this product.\n")
		sb.WriteString(`Format: {"personas": [{"name": "", "role": "", "description": "", "goals": [""], "painPoints": [""]}]}` + "\n")
	case stage.Features:
		writeLabels(&sb, "Personas", a.Personas.Labels())
		sb.WriteString("Generate 7 product features. Score each 0-10 for value, give a usage frequency (High, Medium, Low), a priority (Must-Have, Should-Have, Could-Have) and the personas it serves.\n")
		sb.WriteString(`Format: {"features": [{"name": "", "description": "", "score": 0, "frequency": "", "priority": "", "personas": [""]}]}` + "\n")
	case stage.Stories:
		writeFeatures(&sb, a.Features.Items())
		sb.WriteString("Write user stories for the Must-Have and Should-Have features, each with acceptance criteria and the id of its feature.\n")
		sb.WriteString(`Format: {"stories": [{"title": "", "asA": "", "iWant": "", "soThat": "", "acceptanceCriteria": [""], "featureId": "", "priority": ""}]}` + "\n")
	case stage.Design:
		writeLabels(&sb, "Stories", a.Stories.Labels())
		sb.WriteString("Design the screens needed to deliver these stories and the user flows between them.\n")
		sb.WriteString(`Format: {"screens": [{"name": "", "description": "", "components": [""], "stories": [""]}], "flows": [{"name": "", "description": "", "steps": [""], "screens": [""]}]}` + "\n")
	default:
		return "", fmt.Errorf("%w: stage %s is not generated", perrors.ErrInvalidInput, s)
	}

	if extra = strings.TrimSpace(extra); extra != "" {
		sb.WriteString("\nAdditional instructions: ")
		sb.WriteString(extra)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func writeIdea(sb *strings.Builder, idea persist.Idea) {
	sb.WriteString(fmt.Sprintf("Product: %s\n", idea.Title))
	if idea.Description != "" {
		sb.WriteString(fmt.Sprintf("Description: %s\n", idea.Description))
	}
	if idea.Problem != "" {
		sb.WriteString(fmt.Sprintf("Problem: %s\n", idea.Problem))
	}
	if idea.Audience != "" {
		sb.WriteString(fmt.Sprintf("Audience: %s\n", idea.Audience))
	}
	sb.WriteString("\n")
}

func writeLabels(sb *strings.Builder, title string, labels []string) {
	if len(labels) == 0 {
		return
	}
	sb.WriteString(title + ":\n")
	for _, l := range labels {
		sb.WriteString("- " + l + "\n")
	}
	sb.WriteString("\n")
}

func writeFeatures(sb *strings.Builder, features []artifact.Feature) {
	if len(features) == 0 {
		return
	}
	sb.WriteString("Features:\n")
	for _, f := range features {
		sb.WriteString(fmt.Sprintf("- [%s] %s (%s, score %d)\n", f.ID, f.Name, f.Priority, f.Score))
	}
	sb.WriteString("\n")
}
