// Package iteration drives one screen at a time through a team flow of
// agent roles, ending each pass with a feedback role and an approval gate.
//
// The Machine is a pure transition function: every action takes a State
// value and returns the next State plus the effects the caller must carry
// out. Nothing here performs I/O or starts timers.
package iteration

import "time"

// StateVersion is the current snapshot version of State.
const StateVersion = 1

// AgentStatus is the display status of the current agent.
type AgentStatus string

const (
	StatusIdle     AgentStatus = "idle"
	StatusWorking  AgentStatus = "working"
	StatusComplete AgentStatus = "complete"
	StatusWaiting  AgentStatus = "waiting"
	StatusError    AgentStatus = "error"
)

// Rating is one persona's score for a screen.
type Rating struct {
	Persona  string  `json:"persona"`
	Score    float64 `json:"score"`
	Unscored bool    `json:"unscored,omitempty"` // score was unreadable
	Comment  string  `json:"comment,omitempty"`
}

// File is a generated source file.
type File struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

// Report is the recorded outcome of an approved screen.
type Report struct {
	Screen        string    `json:"screen"`
	ScreenIndex   int       `json:"screenIndex"`
	Iterations    int       `json:"iterations"`
	AverageRating *float64  `json:"averageRating,omitempty"`
	Ratings       []Rating  `json:"ratings,omitempty"`
	Feedback      string    `json:"feedback,omitempty"`
	Files         []string  `json:"files,omitempty"`
	ApprovedAt    time.Time `json:"approvedAt"`
}

// Screenshot is the preview capture shown alongside the feedback role.
type Screenshot struct {
	URL     string `json:"url,omitempty"`
	Image   string `json:"image,omitempty"`
	Error   string `json:"error,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

// State is the full loop state. Treat it as a value; use the Machine to
// produce a new one.
type State struct {
	Version                int         `json:"version"`
	Active                 bool        `json:"active"`
	ScreenIndex            int         `json:"currentScreenIndex"`
	MemberIndex            int         `json:"currentTeamMemberIndex"`
	IterationCount         int         `json:"iterationCount"`
	Screens                []string    `json:"screenList"`
	TeamFlow               []string    `json:"teamFlow"`
	FeedbackReports        []Report    `json:"feedbackReports"`
	WaitingForUserApproval bool        `json:"waitingForUserApproval"`
	StepComplete           bool        `json:"stepComplete"`
	AutoRun                bool        `json:"autoRun"`
	CurrentAgent           string      `json:"currentAgent"`
	AgentStatus            AgentStatus `json:"agentStatus"`
	UserRatings            []Rating    `json:"userRatings,omitempty"`
	AverageRating          *float64    `json:"averageRating,omitempty"`
	ConsolidatedFeedback   string      `json:"consolidatedFeedback,omitempty"`
	GeneratedFiles         []File      `json:"generatedFiles,omitempty"`

	// CarriedFeedback is prior-iteration feedback fed into the next pass.
	CarriedFeedback string `json:"carriedFeedback,omitempty"`
	// Handoff is the previous role's output within the current pass.
	Handoff string `json:"handoff,omitempty"`
	// InFlight is true between a dispatch and its reply.
	InFlight bool `json:"inFlight"`
	// StepSeq identifies the most recent dispatch. Replies and scheduled
	// advances carrying an older value are stale.
	StepSeq    int        `json:"stepSeq"`
	LastError  string     `json:"lastError,omitempty"`
	Screenshot Screenshot `json:"screenshot"`
}

// CurrentScreen returns the screen being worked on, or "" when none.
func (s State) CurrentScreen() string {
	if s.ScreenIndex < 0 || s.ScreenIndex >= len(s.Screens) {
		return ""
	}
	return s.Screens[s.ScreenIndex]
}

// CurrentRole returns the role at the current member index.
func (s State) CurrentRole() string {
	if s.MemberIndex < 0 || s.MemberIndex >= len(s.TeamFlow) {
		return ""
	}
	return s.TeamFlow[s.MemberIndex]
}

// LastMember reports whether the current role is the final one in the flow.
func (s State) LastMember() bool {
	return len(s.TeamFlow) > 0 && s.MemberIndex == len(s.TeamFlow)-1
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	c.Screens = append([]string(nil), s.Screens...)
	c.TeamFlow = append([]string(nil), s.TeamFlow...)
	c.UserRatings = append([]Rating(nil), s.UserRatings...)
	c.GeneratedFiles = append([]File(nil), s.GeneratedFiles...)
	if s.AverageRating != nil {
		v := *s.AverageRating
		c.AverageRating = &v
	}
	c.FeedbackReports = make([]Report, len(s.FeedbackReports))
	for i, r := range s.FeedbackReports {
		r.Ratings = append([]Rating(nil), r.Ratings...)
		r.Files = append([]string(nil), r.Files...)
		if r.AverageRating != nil {
			v := *r.AverageRating
			r.AverageRating = &v
		}
		c.FeedbackReports[i] = r
	}
	return c
}

// Effect is a side effect requested by a transition.
type Effect interface{ isEffect() }

// Dispatch asks the caller to send a generation request for one step.
type Dispatch struct {
	Seq          int
	Role         string
	Screen       string
	Iteration    int
	Prompt       string
	SystemPrompt string
}

// CaptureScreenshot asks the caller to capture the running preview.
type CaptureScreenshot struct {
	URL string
}

// ScheduleAdvance asks the caller to call Advance with Seq after the settle
// delay.
type ScheduleAdvance struct {
	Seq int
}

// Summary is emitted once when the final screen is approved.
type Summary struct {
	Reports []Report
	Text    string
}

// Persist asks the caller to snapshot the state.
type Persist struct{}

func (Dispatch) isEffect()          {}
func (CaptureScreenshot) isEffect() {}
func (ScheduleAdvance) isEffect()   {}
func (Summary) isEffect()           {}
func (Persist) isEffect()           {}
