package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
	"github.com/p-blackswan/buildmode/internal/iteration"
	"github.com/p-blackswan/buildmode/internal/protocol"
	"github.com/p-blackswan/buildmode/internal/schedule"
	"github.com/p-blackswan/buildmode/internal/stage"
	"github.com/p-blackswan/buildmode/internal/usage"
)

type recorder struct {
	msgs []protocol.Message
}

func (r *recorder) Send(m protocol.Message) { r.msgs = append(r.msgs, m) }

func (r *recorder) reset() { r.msgs = nil }

func sent[T protocol.Message](r *recorder) []T {
	var out []T
	for _, m := range r.msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type harness struct {
	e     *Engine
	out   *recorder
	clock *schedule.Fake
	guard *usage.Guard
}

func newHarness(t *testing.T, limit int64) *harness {
	t.Helper()
	h := &harness{out: &recorder{}, clock: schedule.NewFake()}
	h.guard = usage.NewGuard(limit, zerolog.Nop())
	h.e = New(h.out, h.guard, Options{
		AutoAdvanceDelay: time.Second,
		LoadingTimeout:   10 * time.Second,
		AutosaveInterval: 2 * time.Second,
		PreviewURL:       "http://localhost:3000",
		Scheduler:        h.clock,
		Index:            stage.NewMemoryIndex(),
	}, zerolog.Nop())
	return h
}

func (h *harness) handle(t *testing.T, msg protocol.Message) {
	t.Helper()
	require.NoError(t, h.e.Handle(msg))
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.e.Drain()
}

func (h *harness) saveIdea(t *testing.T) {
	t.Helper()
	h.handle(t, protocol.SaveStage{
		Stage:     "idea",
		Data:      json.RawMessage(`{"version":1,"idea":{"title":"Recipe Box","description":"Share family recipes"}}`),
		Completed: true,
	})
}

// completeThroughDesign saves every planning stage as completed, with two
// screens in the design stage.
func (h *harness) completeThroughDesign(t *testing.T) {
	t.Helper()
	h.saveIdea(t)
	for _, s := range []string{"users", "features", "team", "stories"} {
		h.handle(t, protocol.SaveStage{Stage: s, Completed: true})
	}
	h.handle(t, protocol.SaveStage{
		Stage:     "design",
		Data:      json.RawMessage(`{"version":1,"screens":[{"name":"Home"},{"name":"Recipe"}]}`),
		Completed: true,
	})
}

func (h *harness) buildDispatches() []protocol.GenerateContentStreaming {
	var out []protocol.GenerateContentStreaming
	for _, g := range sent[protocol.GenerateContentStreaming](h.out) {
		if g.Stage == "building" {
			out = append(out, g)
		}
	}
	return out
}

func (h *harness) reply(t *testing.T, seq int, text string) {
	t.Helper()
	data, err := json.Marshal(text)
	require.NoError(t, err)
	h.handle(t, protocol.StreamUpdate{Stage: "building", Seq: seq, UpdateType: "text", Data: data})
	h.handle(t, protocol.StreamUpdate{Stage: "building", Seq: seq, Complete: true})
}

func idx(i int) *int { return &i }

func entriesOf(e *Engine, typ protocol.EntryType) []protocol.BuildLogEntry {
	var out []protocol.BuildLogEntry
	for _, en := range e.persister.Entries() {
		if en.Type == typ {
			out = append(out, en)
		}
	}
	return out
}

func TestStartLoop_RequiresDesign(t *testing.T) {
	h := newHarness(t, 0)
	h.saveIdea(t)

	err := h.e.Handle(protocol.StartLoop{})
	assert.ErrorIs(t, err, perrors.ErrStageLocked)
	assert.Empty(t, h.buildDispatches())
	assert.False(t, h.e.Snapshot().Build.Active)
}

func TestStartLoop_DispatchesFirstRole(t *testing.T) {
	h := newHarness(t, 0)
	h.completeThroughDesign(t)

	h.handle(t, protocol.StartLoop{})

	d := h.buildDispatches()
	require.Len(t, d, 1)
	assert.Equal(t, 1, d[0].Seq)
	assert.Equal(t, "recipe-box", d[0].ProjectID)
	assert.Contains(t, d[0].Prompt, "Home")

	snap := h.e.Snapshot()
	assert.True(t, snap.Build.Active)
	assert.Equal(t, []string{"Home", "Recipe"}, snap.Build.Screens)
	assert.Equal(t, []string{"UX", "Developer", iteration.FeedbackRole}, snap.Build.TeamFlow)
	assert.Equal(t, "building", snap.CurrentStage)
	assert.Contains(t, snap.Loading, "building")
	assert.Equal(t, []string{"building"}, h.e.watchdog.Armed())
}

func TestLoop_AutoAdvanceAfterCompletedStep(t *testing.T) {
	h := newHarness(t, 0)
	h.completeThroughDesign(t)
	h.handle(t, protocol.StartLoop{})

	h.reply(t, 1, "Layout defined. [STEP_COMPLETE]")
	st := h.e.Snapshot().Build
	assert.True(t, st.StepComplete)
	assert.False(t, st.InFlight)
	assert.Empty(t, h.e.watchdog.Armed())
	require.Len(t, h.buildDispatches(), 1)

	h.advance(time.Second)

	d := h.buildDispatches()
	require.Len(t, d, 2)
	assert.Equal(t, 2, d[1].Seq)
	assert.Contains(t, d[1].Prompt, "Layout defined.")
	assert.Equal(t, "Developer", h.e.Snapshot().Build.CurrentAgent)
}

func TestLoop_StopCancelsScheduledAdvance(t *testing.T) {
	h := newHarness(t, 0)
	h.completeThroughDesign(t)
	h.handle(t, protocol.StartLoop{})
	h.reply(t, 1, "done [STEP_COMPLETE]")

	h.handle(t, protocol.StopLoop{})
	h.advance(5 * time.Second)

	assert.Len(t, h.buildDispatches(), 1)
	assert.False(t, h.e.Snapshot().Build.Active)
}

func TestLoop_StaleAdvanceIgnored(t *testing.T) {
	h := newHarness(t, 0)
	h.completeThroughDesign(t)
	h.handle(t, protocol.StartLoop{})
	h.reply(t, 1, "done [STEP_COMPLETE]")

	// a manual next-step supersedes the pending advance
	h.handle(t, protocol.NextStep{})
	require.Len(t, h.buildDispatches(), 2)

	h.e.onAdvance(1)
	h.advance(5 * time.Second)
	assert.Len(t, h.buildDispatches(), 2)
	assert.Equal(t, 2, h.e.Snapshot().Build.StepSeq)
}

func TestLoop_StaleReplyIgnored(t *testing.T) {
	h := newHarness(t, 0)
	h.completeThroughDesign(t)
	h.handle(t, protocol.StartLoop{})

	h.reply(t, 7, "late [STEP_COMPLETE]")
	st := h.e.Snapshot().Build
	assert.True(t, st.InFlight)
	assert.False(t, st.StepComplete)
}

func TestLoop_GuardRejectionDeactivates(t *testing.T) {
	h := newHarness(t, 100)
	h.completeThroughDesign(t)
	h.handle(t, protocol.UsageUpdate{Usage: protocol.Usage{InputTokens: 60, OutputTokens: 40, TotalTokens: 100}, Cumulative: true})

	err := h.e.Handle(protocol.StartLoop{})
	require.ErrorIs(t, err, perrors.ErrRateLimit)

	assert.Empty(t, h.buildDispatches())
	st := h.e.Snapshot().Build
	assert.False(t, st.Active)
	assert.Equal(t, iteration.StatusError, st.AgentStatus)
	assert.NotEmpty(t, entriesOf(h.e, protocol.EntryError))
}

func TestLoop_FeedbackWaitsForApproval(t *testing.T) {
	h := newHarness(t, 0)
	h.completeThroughDesign(t)
	f := false
	h.handle(t, protocol.StartLoop{AutoRun: &f})

	h.reply(t, 1, "ux [STEP_COMPLETE]")
	h.handle(t, protocol.NextStep{})
	h.reply(t, 2, "dev [STEP_COMPLETE]")
	h.handle(t, protocol.NextStep{})

	captures := sent[protocol.CaptureScreenshot](h.out)
	require.Len(t, captures, 1)
	assert.Equal(t, "http://localhost:3000", captures[0].URL)

	h.reply(t, 3, "```json\n{\"done\": true, \"ratings\": [{\"persona\": \"Busy Parent\", \"score\": 6}], \"summary\": \"Navigation is unclear\"}\n```")
	st := h.e.Snapshot().Build
	assert.True(t, st.WaitingForUserApproval)
	require.NotNil(t, st.AverageRating)
	assert.InDelta(t, 6.0, *st.AverageRating, 0.001)

	h.handle(t, protocol.Approve{Approved: false, Feedback: "fix nav"})
	st = h.e.Snapshot().Build
	assert.Equal(t, 2, st.IterationCount)
	assert.Equal(t, 0, st.ScreenIndex)
	assert.Equal(t, "UX", st.CurrentAgent)
	assert.Contains(t, st.CarriedFeedback, "fix nav")
	assert.Len(t, h.buildDispatches(), 4)
}

func TestLoop_StepErrorAllowsRetry(t *testing.T) {
	h := newHarness(t, 0)
	h.completeThroughDesign(t)
	h.handle(t, protocol.StartLoop{})

	h.handle(t, protocol.StreamUpdate{Stage: "building", Seq: 1, Error: "overloaded"})
	st := h.e.Snapshot().Build
	assert.Equal(t, iteration.StatusError, st.AgentStatus)
	assert.False(t, st.InFlight)

	h.handle(t, protocol.RetryGeneration{Stage: "building"})
	d := h.buildDispatches()
	require.Len(t, d, 2)
	assert.Equal(t, 2, d[1].Seq)
}

func TestGenerate_CompletionSavesStage(t *testing.T) {
	h := newHarness(t, 0)
	h.saveIdea(t)
	h.out.reset()

	h.handle(t, protocol.Generate{Stage: "users"})
	gens := sent[protocol.GenerateContentStreaming](h.out)
	require.Len(t, gens, 1)
	assert.Equal(t, "users", gens[0].Stage)
	assert.Contains(t, gens[0].Prompt, "Recipe Box")
	assert.Contains(t, h.e.Snapshot().Loading, "users")

	h.handle(t, protocol.StreamUpdate{Stage: "users", UpdateType: "persona", Data: json.RawMessage(`{"name":"Busy Parent"}`), Index: idx(0)})
	h.handle(t, protocol.StreamUpdate{Stage: "users", UpdateType: "persona", Data: json.RawMessage(`{"name":"Retired Chef"}`), Index: idx(1)})
	h.handle(t, protocol.StreamUpdate{Stage: "users", Complete: true})

	snap := h.e.Snapshot()
	assert.Empty(t, snap.Loading)
	assert.Len(t, snap.Artifacts.Personas, 2)
	assert.True(t, snap.Completion["users"])
	assert.Empty(t, h.e.watchdog.Armed())

	var completed []protocol.SaveStageFile
	for _, s := range sent[protocol.SaveStageFile](h.out) {
		if s.Stage == "users" && s.Completed {
			completed = append(completed, s)
		}
	}
	assert.Len(t, completed, 1)
}

func TestGenerate_LockedStage(t *testing.T) {
	h := newHarness(t, 0)
	err := h.e.Handle(protocol.Generate{Stage: "features"})
	assert.ErrorIs(t, err, perrors.ErrStageLocked)
	assert.Empty(t, sent[protocol.GenerateContentStreaming](h.out))
}

func TestGenerate_RejectedByGuard(t *testing.T) {
	h := newHarness(t, 10)
	h.saveIdea(t)
	h.handle(t, protocol.UsageUpdate{Usage: protocol.Usage{InputTokens: 8, OutputTokens: 4}})

	err := h.e.Handle(protocol.Generate{Stage: "users"})
	assert.ErrorIs(t, err, perrors.ErrRateLimit)
	assert.Empty(t, sent[protocol.GenerateContentStreaming](h.out))
	assert.Empty(t, h.e.Snapshot().Loading)
}

func TestGenerate_ErrorLogsRetryAction(t *testing.T) {
	h := newHarness(t, 0)
	h.saveIdea(t)
	h.handle(t, protocol.Generate{Stage: "users"})

	h.handle(t, protocol.StreamUpdate{Stage: "users", Error: "connection reset"})

	errs := entriesOf(h.e, protocol.EntryError)
	require.NotEmpty(t, errs)
	last := errs[len(errs)-1]
	assert.Equal(t, "users", last.Stage)
	assert.Equal(t, "retry-generation", last.Metadata["action"])
	assert.Empty(t, h.e.Snapshot().Loading)
}

func TestWatchdogExpiry_ClearsLoading(t *testing.T) {
	h := newHarness(t, 0)
	h.saveIdea(t)
	h.handle(t, protocol.Generate{Stage: "users"})

	h.advance(10 * time.Second)

	assert.Empty(t, h.e.Snapshot().Loading)
	assert.Empty(t, h.e.watchdog.Armed())
	sys := entriesOf(h.e, protocol.EntrySystem)
	require.NotEmpty(t, sys)
	assert.Equal(t, "retry-generation", sys[len(sys)-1].Metadata["action"])
}

func TestWatchdogExpiry_LateCompletionStillCompletes(t *testing.T) {
	h := newHarness(t, 0)
	h.saveIdea(t)
	h.handle(t, protocol.Generate{Stage: "users"})
	h.handle(t, protocol.StreamUpdate{Stage: "users", UpdateType: "persona", Data: json.RawMessage(`{"name":"Busy Parent"}`), Index: idx(0)})

	h.advance(11 * time.Second)
	require.Empty(t, h.e.Snapshot().Loading)

	h.handle(t, protocol.StreamUpdate{Stage: "users", Complete: true})
	snap := h.e.Snapshot()
	assert.True(t, snap.Completion["users"])
	assert.Len(t, snap.Artifacts.Personas, 1)
}

func TestRetryReady_ResumesWithoutRepeats(t *testing.T) {
	h := newHarness(t, 0)
	h.saveIdea(t)
	h.handle(t, protocol.Generate{Stage: "users"})
	h.handle(t, protocol.StreamUpdate{Stage: "users", Error: "stream cut"})
	h.out.reset()

	h.handle(t, protocol.RetryReady{
		Stage:            "users",
		PartialContent:   `{"personas":[{"name":"Busy Parent"},{"name":"Retired Chef"},{"name":"Stud`,
		PartialItemCount: 2,
	})

	gens := sent[protocol.GenerateContentStreaming](h.out)
	require.Len(t, gens, 1)
	assert.Contains(t, gens[0].Prompt, "Do not repeat any of the 2 already generated")
	assert.Contains(t, gens[0].Prompt, "Retired Chef")
	assert.Len(t, h.e.Snapshot().Artifacts.Personas, 2)

	// the resumed stream repeats an item before producing a new one
	h.handle(t, protocol.StreamUpdate{Stage: "users", UpdateType: "persona", Data: json.RawMessage(`{"name":"Busy Parent"}`), Index: idx(0)})
	h.handle(t, protocol.StreamUpdate{Stage: "users", UpdateType: "persona", Data: json.RawMessage(`{"name":"Student"}`), Index: idx(1)})
	h.handle(t, protocol.StreamUpdate{Stage: "users", Complete: true})

	var names []string
	for _, p := range h.e.Snapshot().Artifacts.Personas {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"Busy Parent", "Retired Chef", "Student"}, names)
}

func TestChat_MergesParsedReply(t *testing.T) {
	h := newHarness(t, 0)
	h.saveIdea(t)

	h.handle(t, protocol.Chat{Stage: "users", Message: "add a chef persona"})
	inputs := sent[protocol.UserInput](h.out)
	require.Len(t, inputs, 1)
	assert.Equal(t, "chat", inputs[0].Mode)

	text, _ := json.Marshal("Here you go:\n```json\n{\"personas\": [{\"name\": \"Chef\"}]}\n```")
	h.handle(t, protocol.StreamUpdate{Stage: "users", UpdateType: "text", Data: text})
	h.handle(t, protocol.StreamUpdate{Stage: "users", Complete: true})

	snap := h.e.Snapshot()
	require.Len(t, snap.Artifacts.Personas, 1)
	assert.Equal(t, "Chef", snap.Artifacts.Personas[0].Name)
	assert.True(t, snap.Completion["users"])
	assert.False(t, snap.Dirty)
}

func TestChat_RejectedByGuardStopsLoop(t *testing.T) {
	h := newHarness(t, 100000)
	h.completeThroughDesign(t)
	h.handle(t, protocol.StartLoop{})
	require.True(t, h.e.Snapshot().Build.Active)

	h.handle(t, protocol.UsageUpdate{Usage: protocol.Usage{TotalTokens: 100000}, Cumulative: true})
	err := h.e.Handle(protocol.Chat{Stage: "design", Message: "make the header sticky"})
	require.ErrorIs(t, err, perrors.ErrRateLimit)

	st := h.e.Snapshot().Build
	assert.False(t, st.Active)
	assert.NotEmpty(t, st.LastError)
	assert.Empty(t, sent[protocol.UserInput](h.out))
}

func TestChat_UnparsedReplyKept(t *testing.T) {
	h := newHarness(t, 0)
	h.saveIdea(t)
	h.handle(t, protocol.Chat{Stage: "users", Message: "thoughts?"})

	text, _ := json.Marshal("I think the personas look good.")
	h.handle(t, protocol.StreamUpdate{Stage: "users", UpdateType: "text", Data: text})
	h.handle(t, protocol.StreamUpdate{Stage: "users", Complete: true})

	snap := h.e.Snapshot()
	assert.Empty(t, snap.Artifacts.Personas)
	assert.Equal(t, "I think the personas look good.", snap.Unparsed["users"])
}

func TestNavigate_LockedIsSilent(t *testing.T) {
	h := newHarness(t, 0)
	h.handle(t, protocol.Navigate{Stage: "design"})
	assert.Equal(t, "idea", h.e.Snapshot().CurrentStage)
}

func TestSaveStage_LockedStageErrors(t *testing.T) {
	h := newHarness(t, 0)
	h.saveIdea(t)
	err := h.e.Handle(protocol.SaveStage{Stage: "stories"})
	assert.ErrorIs(t, err, perrors.ErrStageLocked)
	assert.NotEmpty(t, entriesOf(h.e, protocol.EntryError))
}

func TestOpenProject_LoadsEveryStage(t *testing.T) {
	h := newHarness(t, 0)
	h.handle(t, protocol.OpenProject{ProjectID: "recipe-box"})

	loads := sent[protocol.LoadStageFile](h.out)
	require.Len(t, loads, len(stage.Order)+1)
	assert.Equal(t, "building", loads[len(loads)-1].Stage)

	h.handle(t, protocol.StageFileLoaded{
		ProjectID: "recipe-box",
		Stage:     "idea",
		Found:     true,
		Data:      protocol.StageFile{Data: json.RawMessage(`{"title":"Recipe Box"}`), Completed: true},
	})
	snap := h.e.Snapshot()
	assert.Equal(t, "Recipe Box", snap.ProjectTitle)
	assert.Equal(t, "users", snap.CurrentStage)
	assert.True(t, snap.Completion["idea"])
}

func TestBuildState_RestoredIdle(t *testing.T) {
	h := newHarness(t, 0)
	h.handle(t, protocol.OpenProject{ProjectID: "recipe-box"})

	h.handle(t, protocol.BuildState{
		ProjectID:  "recipe-box",
		BuildState: json.RawMessage(`{"version":1,"build":{"version":1,"active":true,"screenList":["Home"],"teamFlow":["UX","User Feedback"],"currentAgent":"UX","agentStatus":"working","inFlight":true,"stepSeq":4}}`),
	})

	st := h.e.Snapshot().Build
	assert.True(t, st.Active)
	assert.False(t, st.InFlight)
	assert.Equal(t, iteration.StatusIdle, st.AgentStatus)
	assert.Equal(t, 4, st.StepSeq)
}

func TestUsage_RecordAndReset(t *testing.T) {
	h := newHarness(t, 0)
	h.handle(t, protocol.UsageUpdate{Usage: protocol.Usage{InputTokens: 10, OutputTokens: 5}})
	h.handle(t, protocol.UsageUpdate{Usage: protocol.Usage{InputTokens: 1, OutputTokens: 1}})
	assert.Equal(t, int64(17), h.e.Snapshot().Usage.TotalTokens)

	h.handle(t, protocol.ResetUsage{})
	assert.Zero(t, h.e.Snapshot().Usage.TotalTokens)
	assert.Len(t, sent[protocol.ResetTokenUsage](h.out), 1)
}

func TestRoles_AddAndRemove(t *testing.T) {
	h := newHarness(t, 0)
	h.handle(t, protocol.AddRole{Name: "QA Engineer", Description: "Tests the screen"})
	assert.Len(t, h.e.Snapshot().Roles, 3)

	assert.ErrorIs(t, h.e.Handle(protocol.RemoveRole{Name: "UX"}), perrors.ErrMandatoryRole)
	h.handle(t, protocol.RemoveRole{Name: "QA Engineer"})
	assert.Len(t, h.e.Snapshot().Roles, 2)
}

func TestEngineState_PublishedAfterEvents(t *testing.T) {
	h := newHarness(t, 0)
	before := len(sent[protocol.EngineState](h.out))
	h.handle(t, protocol.Navigate{Stage: "idea"})
	states := sent[protocol.EngineState](h.out)
	require.Len(t, states, before+1)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(states[len(states)-1].State, &snap))
	assert.Equal(t, "idea", snap.CurrentStage)
}

func TestRun_SubmitReturnsCommandError(t *testing.T) {
	h := newHarness(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx) }()

	err := h.e.Submit(ctx, protocol.StartLoop{})
	assert.ErrorIs(t, err, perrors.ErrStageLocked)
	assert.False(t, h.e.Stopped())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.False(t, h.e.Post(protocol.NextStep{}))
	assert.True(t, h.e.Stopped())
}
