package iteration

import (
	"fmt"
	"strings"
	"time"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

// Machine holds the fixed parameters of the loop. It carries no state of
// its own; every action maps a State to a new State.
type Machine struct {
	Framework  string
	PreviewURL string
	now        func() time.Time
}

// NewMachine returns a Machine that asks developers for framework code and
// captures the preview at previewURL.
func NewMachine(framework, previewURL string) *Machine {
	return &Machine{Framework: framework, PreviewURL: previewURL, now: time.Now}
}

// Start begins a loop over screens with the given roles. The returned state
// already has the first step dispatched.
func (m *Machine) Start(screens, roles []string, autoRun bool, env Env) (State, []Effect, error) {
	list := make([]string, 0, len(screens))
	for _, s := range screens {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		return State{}, nil, fmt.Errorf("%w: no screens to build", perrors.ErrInvalidInput)
	}
	flow := BuildTeamFlow(roles)
	st := State{
		Version:        StateVersion,
		Active:         true,
		IterationCount: 1,
		Screens:        list,
		TeamFlow:       flow,
		AutoRun:        autoRun,
		CurrentAgent:   flow[0],
		AgentStatus:    StatusIdle,
	}
	next, effects, err := m.Step(st, env)
	if err != nil {
		return State{}, nil, err
	}
	return next, append(effects, Persist{}), nil
}

// Step dispatches the current role for the current screen. It refuses while
// a previous dispatch has not been answered.
func (m *Machine) Step(s State, env Env) (State, []Effect, error) {
	if !s.Active {
		return s, nil, perrors.ErrLoopInactive
	}
	if s.InFlight {
		return s, nil, perrors.ErrStepInFlight
	}
	role := s.CurrentRole()
	if role == "" || s.CurrentScreen() == "" {
		return s, nil, fmt.Errorf("%w: position %d/%d out of range", perrors.ErrInvalidInput, s.ScreenIndex, s.MemberIndex)
	}

	next := s.Clone()
	next.StepSeq++
	next.InFlight = true
	next.StepComplete = false
	next.WaitingForUserApproval = next.LastMember()
	next.CurrentAgent = role
	next.AgentStatus = StatusWorking
	next.LastError = ""

	effects := []Effect{Dispatch{
		Seq:          next.StepSeq,
		Role:         role,
		Screen:       next.CurrentScreen(),
		Iteration:    next.IterationCount,
		Prompt:       BuildPrompt(next, env, m.Framework),
		SystemPrompt: SystemPrompt(role, m.Framework),
	}}
	if ClassifyRole(role) == ClassFeedback && m.PreviewURL != "" {
		next.Screenshot = Screenshot{URL: m.PreviewURL, Pending: true}
		effects = append(effects, CaptureScreenshot{URL: m.PreviewURL})
	}
	return next, effects, nil
}

// Receive applies the reply to dispatch seq. Replies to older dispatches are
// ignored. A reply arriving after Stop is recorded but schedules nothing.
func (m *Machine) Receive(s State, seq int, r Reply) (State, []Effect) {
	if seq != s.StepSeq || !s.InFlight {
		return s, nil
	}
	next := s.Clone()
	next.InFlight = false
	next.GeneratedFiles = mergeFiles(next.GeneratedFiles, r.Files)

	feedback := ClassifyRole(next.CurrentRole()) == ClassFeedback
	if feedback {
		if len(r.Ratings) > 0 {
			next.UserRatings = append([]Rating(nil), r.Ratings...)
		}
		next.AverageRating = r.AverageRating
		if next.AverageRating == nil {
			next.AverageRating = AverageOf(next.UserRatings)
		}
		next.ConsolidatedFeedback = consolidate(r)
	} else {
		next.Handoff = truncate(r.Text, maxHandoff)
	}

	if !r.Done {
		next.AgentStatus = StatusIdle
		return next, []Effect{Persist{}}
	}

	next.StepComplete = true
	next.AgentStatus = StatusComplete
	if feedback {
		next.WaitingForUserApproval = true
		next.AgentStatus = StatusWaiting
	}

	effects := []Effect{Persist{}}
	if next.Active && next.AutoRun && !next.WaitingForUserApproval {
		effects = append(effects, ScheduleAdvance{Seq: next.StepSeq})
	}
	return next, effects
}

// Advance moves to the next role once the settle delay after a completed
// step has elapsed. Stale or inapplicable advances are no-ops.
func (m *Machine) Advance(s State, seq int, env Env) (State, []Effect, error) {
	if seq != s.StepSeq || !s.Active || !s.StepComplete || s.WaitingForUserApproval {
		return s, nil, nil
	}
	return m.advance(s, env)
}

func (m *Machine) advance(s State, env Env) (State, []Effect, error) {
	if s.LastMember() {
		return s, nil, perrors.ErrNotAwaitingApproval
	}
	next := s.Clone()
	next.MemberIndex++
	next.StepComplete = false
	next.CurrentAgent = next.CurrentRole()
	return m.Step(next, env)
}

// Next is the manual "next step" action. A completed step moves to the next
// role; an unanswered or incomplete step is dispatched again.
func (m *Machine) Next(s State, env Env) (State, []Effect, error) {
	if !s.Active {
		return s, nil, perrors.ErrLoopInactive
	}
	if s.InFlight {
		return s, nil, perrors.ErrStepInFlight
	}
	if s.StepComplete && s.WaitingForUserApproval {
		return s, nil, fmt.Errorf("%w: approval pending", perrors.ErrInvalidInput)
	}
	if s.StepComplete {
		return m.advance(s, env)
	}
	return m.Step(s, env)
}

// Approve resolves the approval gate. approved moves to the next screen or
// finishes the loop; otherwise the screen is iterated again from the first
// role with the feedback carried forward.
func (m *Machine) Approve(s State, approved bool, feedback string, env Env) (State, []Effect, error) {
	if !s.Active {
		return s, nil, perrors.ErrLoopInactive
	}
	if !s.WaitingForUserApproval || !s.StepComplete {
		return s, nil, perrors.ErrNotAwaitingApproval
	}

	next := s.Clone()
	next.WaitingForUserApproval = false
	next.StepComplete = false
	next.MemberIndex = 0
	next.CurrentAgent = next.TeamFlow[0]
	next.Handoff = ""

	if !approved {
		next.IterationCount++
		next.CarriedFeedback = joinFeedback(s.ConsolidatedFeedback, feedback)
		next.ConsolidatedFeedback = ""
		next.UserRatings = nil
		next.AverageRating = nil
		next.Screenshot = Screenshot{}
		st, effects, err := m.Step(next, env)
		if err != nil {
			return s, nil, err
		}
		return st, append(effects, Persist{}), nil
	}

	next.FeedbackReports = append(next.FeedbackReports, m.report(s, feedback))
	resetScreen(&next)

	if next.ScreenIndex+1 >= len(next.Screens) {
		next.Active = false
		next.AgentStatus = StatusComplete
		return next, []Effect{
			Summary{Reports: append([]Report(nil), next.FeedbackReports...), Text: summaryText(next.FeedbackReports)},
			Persist{},
		}, nil
	}

	next.ScreenIndex++
	next.IterationCount = 1
	st, effects, err := m.Step(next, env)
	if err != nil {
		return s, nil, err
	}
	return st, append(effects, Persist{}), nil
}

// Stop deactivates the loop. An outstanding dispatch may still be received.
func (m *Machine) Stop(s State) (State, []Effect) {
	next := s.Clone()
	next.Active = false
	next.WaitingForUserApproval = false
	if !next.InFlight {
		next.AgentStatus = StatusIdle
	}
	return next, []Effect{Persist{}}
}

// Reject restores prev with the loop deactivated. It is used when a step
// produced by Step could not be dispatched, so nothing of that step is kept.
func (m *Machine) Reject(prev State, cause error) (State, []Effect) {
	next := prev.Clone()
	next.Active = false
	next.InFlight = false
	next.AgentStatus = StatusError
	if cause != nil {
		next.LastError = cause.Error()
	}
	return next, []Effect{Persist{}}
}

// StepFailed records a generation failure for dispatch seq. The loop stays
// active and the step can be retried with Next.
func (m *Machine) StepFailed(s State, seq int, msg string) State {
	if seq != s.StepSeq || !s.InFlight {
		return s
	}
	next := s.Clone()
	next.InFlight = false
	next.StepComplete = false
	next.AgentStatus = StatusError
	next.LastError = msg
	return next
}

// CaptureResult stores a captured preview image.
func (m *Machine) CaptureResult(s State, image string) State {
	next := s.Clone()
	next.Screenshot.Image = image
	next.Screenshot.Error = ""
	next.Screenshot.Pending = false
	return next
}

// CaptureFailed records a capture error. Loop progression is unaffected.
func (m *Machine) CaptureFailed(s State, msg string) State {
	next := s.Clone()
	next.Screenshot.Error = msg
	next.Screenshot.Pending = false
	return next
}

// RetryCapture requests another capture, optionally at a different URL.
func (m *Machine) RetryCapture(s State, url string) (State, []Effect, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		url = s.Screenshot.URL
	}
	if url == "" {
		url = m.PreviewURL
	}
	if url == "" {
		return s, nil, fmt.Errorf("%w: no capture url", perrors.ErrInvalidInput)
	}
	next := s.Clone()
	next.Screenshot = Screenshot{URL: url, Pending: true}
	return next, []Effect{CaptureScreenshot{URL: url}}, nil
}

func (m *Machine) report(s State, operatorNote string) Report {
	r := Report{
		Screen:      s.CurrentScreen(),
		ScreenIndex: s.ScreenIndex,
		Iterations:  s.IterationCount,
		Ratings:     append([]Rating(nil), s.UserRatings...),
		Feedback:    joinFeedback(s.ConsolidatedFeedback, operatorNote),
		ApprovedAt:  m.now().UTC(),
	}
	if s.AverageRating != nil {
		v := *s.AverageRating
		r.AverageRating = &v
	}
	for _, f := range s.GeneratedFiles {
		r.Files = append(r.Files, f.Path)
	}
	return r
}

func resetScreen(s *State) {
	s.UserRatings = nil
	s.AverageRating = nil
	s.ConsolidatedFeedback = ""
	s.CarriedFeedback = ""
	s.GeneratedFiles = nil
	s.Screenshot = Screenshot{}
}

func consolidate(r Reply) string {
	var parts []string
	if r.Summary != "" {
		parts = append(parts, r.Summary)
	}
	for _, issue := range r.Issues {
		if issue = strings.TrimSpace(issue); issue != "" {
			parts = append(parts, "- "+issue)
		}
	}
	for _, rt := range r.Ratings {
		if rt.Comment != "" {
			parts = append(parts, fmt.Sprintf("- %s: %s", rt.Persona, rt.Comment))
		}
	}
	if len(parts) == 0 {
		return truncate(r.Text, maxHandoff)
	}
	return strings.Join(parts, "\n")
}

func joinFeedback(consolidated, operator string) string {
	consolidated = strings.TrimSpace(consolidated)
	operator = strings.TrimSpace(operator)
	switch {
	case consolidated == "":
		return operator
	case operator == "":
		return consolidated
	default:
		return consolidated + "\n\nOperator notes: " + operator
	}
}

func summaryText(reports []Report) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Build complete: %d screens approved.\n", len(reports)))
	for _, r := range reports {
		rating := "n/a"
		if r.AverageRating != nil {
			rating = fmt.Sprintf("%.1f", *r.AverageRating)
		}
		sb.WriteString(fmt.Sprintf("- %s: %d iteration(s), average rating %s\n", r.Screen, r.Iterations, rating))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
