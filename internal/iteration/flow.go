package iteration

import "strings"

// FeedbackRole is the reserved final role of every team flow.
const FeedbackRole = "User Feedback"

// RoleClass groups roles that share a prompt template.
type RoleClass int

const (
	ClassGeneric RoleClass = iota
	ClassUX
	ClassDeveloper
	ClassFeedback
)

func (c RoleClass) String() string {
	switch c {
	case ClassUX:
		return "ux"
	case ClassDeveloper:
		return "developer"
	case ClassFeedback:
		return "feedback"
	default:
		return "generic"
	}
}

// ClassifyRole maps a role name to its prompt template.
func ClassifyRole(role string) RoleClass {
	r := strings.ToLower(strings.TrimSpace(role))
	switch {
	case isFeedbackRole(role):
		return ClassFeedback
	case r == "ux" || strings.HasPrefix(r, "ux ") || strings.Contains(r, "designer") || strings.Contains(r, "user experience"):
		return ClassUX
	case strings.Contains(r, "developer") || strings.Contains(r, "engineer") || r == "dev":
		return ClassDeveloper
	default:
		return ClassGeneric
	}
}

func isFeedbackRole(role string) bool {
	return strings.EqualFold(strings.TrimSpace(role), FeedbackRole)
}

// BuildTeamFlow returns roles in the given order with blanks, duplicates and
// any copies of the feedback role removed, then appends FeedbackRole. The
// first UX role, if any, leads the flow so every iteration starts there.
func BuildTeamFlow(roles []string) []string {
	seen := make(map[string]bool, len(roles))
	flow := make([]string, 0, len(roles)+1)
	for _, r := range roles {
		name := strings.TrimSpace(r)
		if name == "" || isFeedbackRole(name) {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		flow = append(flow, name)
	}
	for i, r := range flow {
		if ClassifyRole(r) == ClassUX {
			copy(flow[1:i+1], flow[:i])
			flow[0] = r
			break
		}
	}
	return append(flow, FeedbackRole)
}
