package iteration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/buildmode/internal/artifact"
	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

func testEnv() Env {
	return Env{
		ProjectTitle: "Recipe Box",
		Personas: []artifact.Persona{
			{ID: "1", Name: "Busy Parent", Active: true},
			{ID: "2", Name: "Retired Chef", Active: false},
		},
	}
}

func dispatchOf(t *testing.T, effects []Effect) Dispatch {
	t.Helper()
	for _, e := range effects {
		if d, ok := e.(Dispatch); ok {
			return d
		}
	}
	t.Fatalf("no Dispatch in %v", effects)
	return Dispatch{}
}

func hasEffect[T Effect](effects []Effect) bool {
	for _, e := range effects {
		if _, ok := e.(T); ok {
			return true
		}
	}
	return false
}

func ptr(f float64) *float64 { return &f }

// runToFeedback completes every non-feedback role of the current pass.
func runToFeedback(t *testing.T, m *Machine, st State) State {
	t.Helper()
	env := testEnv()
	for !st.LastMember() {
		st, _ = m.Receive(st, st.StepSeq, Reply{Done: true, Text: st.CurrentRole() + " done"})
		var err error
		st, _, err = m.Next(st, env)
		require.NoError(t, err)
	}
	return st
}

func startTwoScreens(t *testing.T, m *Machine) State {
	t.Helper()
	st, effects, err := m.Start([]string{"Landing", "Dashboard"}, []string{"UX", "Developer"}, false, testEnv())
	require.NoError(t, err)
	d := dispatchOf(t, effects)
	assert.Equal(t, "UX", d.Role)
	assert.Equal(t, "Landing", d.Screen)
	return st
}

func TestStart_InitialPosition(t *testing.T) {
	m := NewMachine("react", "")
	st := startTwoScreens(t, m)

	assert.True(t, st.Active)
	assert.Equal(t, 0, st.ScreenIndex)
	assert.Equal(t, 0, st.MemberIndex)
	assert.Equal(t, 1, st.IterationCount)
	assert.Equal(t, []string{"UX", "Developer", FeedbackRole}, st.TeamFlow)
	assert.Equal(t, "UX", st.CurrentAgent)
	assert.True(t, st.InFlight)
	assert.False(t, st.StepComplete)
	assert.False(t, st.WaitingForUserApproval)
}

func TestStart_NoScreens(t *testing.T) {
	m := NewMachine("react", "")
	_, _, err := m.Start([]string{" "}, []string{"UX"}, true, testEnv())
	assert.True(t, errors.Is(err, perrors.ErrInvalidInput))
}

func TestStep_RefusedWhileInFlight(t *testing.T) {
	m := NewMachine("react", "")
	st := startTwoScreens(t, m)

	_, _, err := m.Step(st, testEnv())
	assert.True(t, errors.Is(err, perrors.ErrStepInFlight))
	_, _, err = m.Next(st, testEnv())
	assert.True(t, errors.Is(err, perrors.ErrStepInFlight))
}

func TestReceive_IgnoresStaleReply(t *testing.T) {
	m := NewMachine("react", "")
	st := startTwoScreens(t, m)

	next, effects := m.Receive(st, st.StepSeq-1, Reply{Done: true})
	assert.Nil(t, effects)
	assert.Equal(t, st, next)
}

func TestReceive_AutoRunSchedulesAdvance(t *testing.T) {
	m := NewMachine("react", "")
	st, _, err := m.Start([]string{"Landing"}, []string{"UX", "Developer"}, true, testEnv())
	require.NoError(t, err)

	st, effects := m.Receive(st, st.StepSeq, Reply{Done: true, Text: "requirements"})
	require.True(t, hasEffect[ScheduleAdvance](effects))
	assert.True(t, st.StepComplete)
	assert.Equal(t, "requirements", st.Handoff)

	st, effects, err = m.Advance(st, st.StepSeq, testEnv())
	require.NoError(t, err)
	assert.Equal(t, 1, st.MemberIndex)
	assert.Equal(t, "Developer", st.CurrentAgent)
	d := dispatchOf(t, effects)
	assert.Contains(t, d.Prompt, "react")
	assert.Contains(t, d.Prompt, "requirements")
}

func TestReceive_IncompleteReplyDoesNotAdvance(t *testing.T) {
	m := NewMachine("react", "")
	st, _, err := m.Start([]string{"Landing"}, []string{"UX"}, true, testEnv())
	require.NoError(t, err)

	st, effects := m.Receive(st, st.StepSeq, Reply{Done: false, Text: "half"})
	assert.False(t, hasEffect[ScheduleAdvance](effects))
	assert.False(t, st.StepComplete)
	assert.False(t, st.InFlight)

	// Next re-dispatches the same role.
	st, effects, err = m.Next(st, testEnv())
	require.NoError(t, err)
	assert.Equal(t, 0, st.MemberIndex)
	assert.Equal(t, "UX", dispatchOf(t, effects).Role)
}

func TestAdvance_StaleSeqIsNoop(t *testing.T) {
	m := NewMachine("react", "")
	st, _, err := m.Start([]string{"Landing"}, []string{"UX"}, true, testEnv())
	require.NoError(t, err)
	st, _ = m.Receive(st, st.StepSeq, Reply{Done: true})

	next, effects, err := m.Advance(st, st.StepSeq+5, testEnv())
	require.NoError(t, err)
	assert.Nil(t, effects)
	assert.Equal(t, st, next)
}

func TestStop_ReplyStillMergedWithoutAdvance(t *testing.T) {
	m := NewMachine("react", "")
	st, _, err := m.Start([]string{"Landing"}, []string{"UX", "Developer"}, true, testEnv())
	require.NoError(t, err)

	st, _ = m.Stop(st)
	assert.False(t, st.Active)

	st, effects := m.Receive(st, st.StepSeq, Reply{Done: true, Files: []File{{Path: "a.tsx", Content: "x"}}})
	assert.False(t, hasEffect[ScheduleAdvance](effects))
	assert.Len(t, st.GeneratedFiles, 1)

	_, _, err = m.Advance(st, st.StepSeq, testEnv())
	assert.NoError(t, err)
	_, _, err = m.Next(st, testEnv())
	assert.True(t, errors.Is(err, perrors.ErrLoopInactive))
}

func TestFeedbackStep_WaitsForApproval(t *testing.T) {
	m := NewMachine("react", "http://localhost:5173")
	st := startTwoScreens(t, m)
	st.AutoRun = true

	st = runToFeedback(t, m, st)
	assert.Equal(t, FeedbackRole, st.CurrentAgent)
	assert.True(t, st.WaitingForUserApproval)
	assert.True(t, st.Screenshot.Pending)

	st, effects := m.Receive(st, st.StepSeq, Reply{
		Done:    true,
		Ratings: []Rating{{Persona: "Busy Parent", Score: 3}, {Persona: "Retired Chef", Score: 6}},
	})
	assert.False(t, hasEffect[ScheduleAdvance](effects))
	assert.True(t, st.StepComplete)
	assert.True(t, st.WaitingForUserApproval)
	require.NotNil(t, st.AverageRating)
	assert.InDelta(t, 4.5, *st.AverageRating, 1e-9)
}

func TestFeedbackPrompt_ListsActivePersonas(t *testing.T) {
	m := NewMachine("react", "")
	st := startTwoScreens(t, m)
	st = runToFeedback(t, m, st)

	prompt := BuildPrompt(st, testEnv(), "react")
	assert.Contains(t, prompt, "Busy Parent")
	assert.NotContains(t, prompt, "Retired Chef")
	assert.Contains(t, prompt, "0 to 10")
}

func TestApprove_OutsideGate(t *testing.T) {
	m := NewMachine("react", "")
	st := startTwoScreens(t, m)

	_, _, err := m.Approve(st, true, "", testEnv())
	assert.True(t, errors.Is(err, perrors.ErrNotAwaitingApproval))

	st, _ = m.Stop(st)
	_, _, err = m.Approve(st, true, "", testEnv())
	assert.True(t, errors.Is(err, perrors.ErrLoopInactive))
}

func TestApproveFalse_IteratesSameScreen(t *testing.T) {
	m := NewMachine("react", "")
	st := startTwoScreens(t, m)
	st = runToFeedback(t, m, st)
	st, _ = m.Receive(st, st.StepSeq, Reply{Done: true, AverageRating: ptr(4), Summary: "menu is hidden"})

	st, effects, err := m.Approve(st, false, "fix nav", testEnv())
	require.NoError(t, err)

	assert.Equal(t, 2, st.IterationCount)
	assert.Equal(t, "UX", st.CurrentAgent)
	assert.Equal(t, 0, st.MemberIndex)
	assert.Equal(t, 0, st.ScreenIndex)
	assert.True(t, st.Active)
	assert.Empty(t, st.FeedbackReports)

	d := dispatchOf(t, effects)
	assert.Equal(t, "UX", d.Role)
	assert.Equal(t, 2, d.Iteration)
	assert.Contains(t, d.Prompt, "fix nav")
	assert.Contains(t, d.Prompt, "menu is hidden")
}

func TestApproveFalse_RestartsAtUXRole(t *testing.T) {
	m := NewMachine("react", "")
	st, effects, err := m.Start([]string{"Landing"}, []string{"QA", "Developer", "UX"}, false, testEnv())
	require.NoError(t, err)
	assert.Equal(t, "UX", dispatchOf(t, effects).Role)
	assert.Equal(t, []string{"UX", "QA", "Developer", FeedbackRole}, st.TeamFlow)

	st = runToFeedback(t, m, st)
	st, _ = m.Receive(st, st.StepSeq, Reply{Done: true, Summary: "labels unclear"})
	st, effects, err = m.Approve(st, false, "", testEnv())
	require.NoError(t, err)
	assert.Equal(t, "UX", st.CurrentAgent)
	assert.Equal(t, "UX", dispatchOf(t, effects).Role)
}

func TestApproveTrue_AdvancesThenFinishes(t *testing.T) {
	m := NewMachine("react", "")
	st := startTwoScreens(t, m)

	st = runToFeedback(t, m, st)
	st, _ = m.Receive(st, st.StepSeq, Reply{Done: true, AverageRating: ptr(8)})
	st, effects, err := m.Approve(st, true, "", testEnv())
	require.NoError(t, err)

	assert.True(t, st.Active)
	assert.Equal(t, 1, st.ScreenIndex)
	assert.Equal(t, 0, st.MemberIndex)
	assert.Equal(t, 1, st.IterationCount)
	assert.Nil(t, st.AverageRating)
	require.Len(t, st.FeedbackReports, 1)
	assert.Equal(t, "Landing", st.FeedbackReports[0].Screen)
	assert.Equal(t, "Dashboard", dispatchOf(t, effects).Screen)

	st = runToFeedback(t, m, st)
	st, _ = m.Receive(st, st.StepSeq, Reply{Done: true, AverageRating: ptr(9)})
	st, effects, err = m.Approve(st, true, "", testEnv())
	require.NoError(t, err)

	assert.False(t, st.Active)
	require.Len(t, st.FeedbackReports, 2)
	assert.Equal(t, "Dashboard", st.FeedbackReports[1].Screen)
	require.NotNil(t, st.FeedbackReports[1].AverageRating)
	assert.InDelta(t, 9, *st.FeedbackReports[1].AverageRating, 1e-9)
	assert.True(t, hasEffect[Summary](effects))
	assert.False(t, hasEffect[Dispatch](effects))
}

func TestReject_RestoresPreviousStateInactive(t *testing.T) {
	m := NewMachine("react", "")
	st := startTwoScreens(t, m)
	st, _ = m.Receive(st, st.StepSeq, Reply{Done: true})

	stepped, _, err := m.Next(st, testEnv())
	require.NoError(t, err)
	require.Equal(t, 1, stepped.MemberIndex)

	rejected, _ := m.Reject(st, perrors.ErrRateLimit)
	assert.False(t, rejected.Active)
	assert.Equal(t, 0, rejected.MemberIndex)
	assert.Equal(t, st.StepSeq, rejected.StepSeq)
	assert.Equal(t, StatusError, rejected.AgentStatus)
	assert.Contains(t, rejected.LastError, "rate limit")
}

func TestStepFailed_KeepsLoopActive(t *testing.T) {
	m := NewMachine("react", "")
	st := startTwoScreens(t, m)

	st = m.StepFailed(st, st.StepSeq, "provider 500")
	assert.True(t, st.Active)
	assert.False(t, st.InFlight)
	assert.Equal(t, "provider 500", st.LastError)

	st, effects, err := m.Next(st, testEnv())
	require.NoError(t, err)
	assert.Equal(t, "UX", dispatchOf(t, effects).Role)
}

func TestCapture_FailureDoesNotBlockProgress(t *testing.T) {
	m := NewMachine("react", "http://localhost:5173")
	st := startTwoScreens(t, m)
	st = runToFeedback(t, m, st)

	st = m.CaptureFailed(st, "connection refused")
	assert.Equal(t, "connection refused", st.Screenshot.Error)

	st, effects, err := m.RetryCapture(st, "http://localhost:3000")
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, CaptureScreenshot{URL: "http://localhost:3000"}, effects[0])
	assert.True(t, st.Screenshot.Pending)

	st = m.CaptureResult(st, "data:image/png;base64,AAA")
	assert.Empty(t, st.Screenshot.Error)

	st, _ = m.Receive(st, st.StepSeq, Reply{Done: true})
	_, _, err = m.Approve(st, true, "", testEnv())
	assert.NoError(t, err)
}

func TestClone_IsDeep(t *testing.T) {
	st := State{Screens: []string{"a"}, AverageRating: ptr(1), FeedbackReports: []Report{{Ratings: []Rating{{Score: 1}}}}}
	c := st.Clone()
	c.Screens[0] = "b"
	*c.AverageRating = 2
	c.FeedbackReports[0].Ratings[0].Score = 5

	assert.Equal(t, "a", st.Screens[0])
	assert.InDelta(t, 1, *st.AverageRating, 1e-9)
	assert.InDelta(t, 1, st.FeedbackReports[0].Ratings[0].Score, 1e-9)
}
