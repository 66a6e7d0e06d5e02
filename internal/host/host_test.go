package host

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
	"github.com/p-blackswan/buildmode/internal/llm"
	"github.com/p-blackswan/buildmode/internal/protocol"
	"github.com/p-blackswan/buildmode/internal/retry"
	"github.com/p-blackswan/buildmode/internal/stage"
	"github.com/p-blackswan/buildmode/internal/store"
)

// scriptedProvider replays one token script per Stream call. A non-nil
// entry in errs fails that call before any token.
type scriptedProvider struct {
	mu      sync.Mutex
	calls   int
	scripts [][]llm.Token
	errs    []error
	prompts []llm.CompletionRequest
}

func (p *scriptedProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("not used")
}

func (p *scriptedProvider) Stream(ctx context.Context, req llm.CompletionRequest, out chan<- llm.Token) error {
	p.mu.Lock()
	n := p.calls
	p.calls++
	p.prompts = append(p.prompts, req)
	p.mu.Unlock()

	if n < len(p.errs) && p.errs[n] != nil {
		return p.errs[n]
	}
	var script []llm.Token
	if n < len(p.scripts) {
		script = p.scripts[n]
	}
	go func() {
		defer close(out)
		for _, tok := range script {
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (p *scriptedProvider) ModelID() string { return "scripted" }
func (p *scriptedProvider) MaxTokens() int  { return 1024 }

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixedCapture struct{ img string }

func (c fixedCapture) Capture(context.Context, string) (string, error) { return c.img, nil }

type harness struct {
	host  *Host
	store *store.Store
	inbox chan protocol.Message
}

func newHarness(t *testing.T, provider llm.LLMProvider, capturer Capturer) *harness {
	t.Helper()
	st, err := store.New(":memory:", zerolog.Nop())
	require.NoError(t, err)

	inbox := make(chan protocol.Message, 256)
	h := New(func(m protocol.Message) bool {
		inbox <- m
		return true
	}, Options{
		Provider: provider,
		Store:    st,
		Capturer: capturer,
		Retry:    retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}, zerolog.Nop())

	t.Cleanup(func() {
		h.Close()
		st.Close()
	})
	return &harness{host: h, store: st, inbox: inbox}
}

// until collects posted messages up to and including the first of type T.
func until[T protocol.Message](t *testing.T, h *harness) (T, []protocol.Message) {
	t.Helper()
	var seen []protocol.Message
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-h.inbox:
			seen = append(seen, m)
			if v, ok := m.(T); ok {
				return v, seen
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T posted; saw %d messages", zero, len(seen))
			return zero, seen
		}
	}
}

// untilDone collects stream updates up to the completing or failing one.
func untilDone(t *testing.T, h *harness) []protocol.StreamUpdate {
	t.Helper()
	var updates []protocol.StreamUpdate
	for {
		u, _ := until[protocol.StreamUpdate](t, h)
		updates = append(updates, u)
		if u.Complete || u.Error != "" {
			return updates
		}
	}
}

func TestGenerate_StructuredStageStreamsItems(t *testing.T) {
	p := &scriptedProvider{scripts: [][]llm.Token{{
		{Text: `[{"name":"Ana",`},
		{Text: `"role":"Nurse"},{"name":"Bo"}]`},
		{Done: true, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 5}},
	}}}
	h := newHarness(t, p, nil)

	h.host.Send(protocol.GenerateContentStreaming{ProjectID: "recipe-box", Stage: "users", Prompt: "Who uses it?"})
	updates := untilDone(t, h)

	require.Len(t, updates, 3)
	assert.Equal(t, "persona", updates[0].UpdateType)
	require.NotNil(t, updates[0].Index)
	assert.Equal(t, 0, *updates[0].Index)
	assert.JSONEq(t, `{"name":"Ana","role":"Nurse"}`, string(updates[0].Data))
	assert.Equal(t, 1, *updates[1].Index)
	assert.True(t, updates[2].Complete)

	usage, _ := until[protocol.UsageUpdate](t, h)
	assert.Equal(t, int64(15), usage.Usage.TotalTokens)
	assert.False(t, usage.Cumulative)

	assert.Eventually(t, func() bool {
		row, err := h.store.LoadUsage(store.GlobalUsageScope)
		return err == nil && row.TotalTokens == 15
	}, time.Second, 10*time.Millisecond)
}

func TestGenerate_BuildStepStreamsTextWithSeq(t *testing.T) {
	p := &scriptedProvider{scripts: [][]llm.Token{{
		{Text: "Reviewed the Home screen. "},
		{Text: "STEP_COMPLETE"},
		{Done: true},
	}}}
	h := newHarness(t, p, nil)

	h.host.Send(protocol.GenerateContentStreaming{
		ProjectID: "recipe-box", Stage: "building", Prompt: "review", SystemPrompt: "You are UX", Seq: 3,
	})
	updates := untilDone(t, h)

	require.Len(t, updates, 3)
	for _, u := range updates {
		assert.Equal(t, 3, u.Seq)
	}
	var first string
	require.NoError(t, json.Unmarshal(updates[0].Data, &first))
	assert.Equal(t, "Reviewed the Home screen. ", first)
	assert.Equal(t, "text", updates[1].UpdateType)
	assert.True(t, updates[2].Complete)
	assert.Equal(t, "You are UX", p.prompts[0].SystemPrompt)
}

func TestGenerate_FailureKeepsPartialForRetry(t *testing.T) {
	p := &scriptedProvider{scripts: [][]llm.Token{{
		{Text: `[{"name":"Login"},{"name":"Sea`},
		{Error: perrors.NewAPIError("anthropic", 529, "overloaded")},
	}}}
	h := newHarness(t, p, nil)

	h.host.Send(protocol.GenerateContentStreaming{ProjectID: "recipe-box", Stage: "features", Prompt: "features"})
	updates := untilDone(t, h)

	require.Len(t, updates, 2)
	assert.Equal(t, "feature", updates[0].UpdateType)
	assert.Contains(t, updates[1].Error, "overloaded")
	assert.Equal(t, 1, p.Calls(), "output already streamed, no retry")

	h.host.Send(protocol.RetryGeneration{ProjectID: "recipe-box", Stage: "features"})
	ready, _ := until[protocol.RetryReady](t, h)
	assert.Equal(t, "features", ready.Stage)
	assert.Equal(t, 1, ready.PartialItemCount)
	assert.Equal(t, `[{"name":"Login"},{"name":"Sea`, ready.PartialContent)

	// The partial is handed out once.
	h.host.Send(protocol.RetryGeneration{ProjectID: "recipe-box", Stage: "features"})
	again, _ := until[protocol.RetryReady](t, h)
	assert.Empty(t, again.PartialContent)
	assert.Zero(t, again.PartialItemCount)
}

func TestGenerate_RetriesBeforeFirstToken(t *testing.T) {
	p := &scriptedProvider{
		errs:    []error{perrors.NewAPIError("anthropic", 529, "overloaded")},
		scripts: [][]llm.Token{nil, {{Text: "hello"}, {Done: true}}},
	}
	h := newHarness(t, p, nil)

	h.host.Send(protocol.UserInput{ProjectID: "recipe-box", Stage: "users", Mode: "chat", Value: "hi"})
	updates := untilDone(t, h)

	require.Len(t, updates, 2)
	assert.Equal(t, "text", updates[0].UpdateType)
	assert.True(t, updates[1].Complete)
	assert.Equal(t, 2, p.Calls())
}

func TestGenerate_PermanentErrorNotRetried(t *testing.T) {
	p := &scriptedProvider{errs: []error{perrors.NewAPIError("anthropic", 400, "bad request")}}
	h := newHarness(t, p, nil)

	h.host.Send(protocol.GenerateContentStreaming{ProjectID: "recipe-box", Stage: "stories", Prompt: "stories"})
	updates := untilDone(t, h)

	require.Len(t, updates, 1)
	assert.Contains(t, updates[0].Error, "bad request")
	assert.Equal(t, 1, p.Calls())
}

func TestGenerate_NoProvider(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.host.Send(protocol.GenerateContentStreaming{Stage: "building", Prompt: "x", Seq: 1})
	updates := untilDone(t, h)
	require.Len(t, updates, 1)
	assert.Equal(t, 1, updates[0].Seq)
	assert.Contains(t, updates[0].Error, "no model provider")
}

func TestGenerate_ChatIncludesContextFiles(t *testing.T) {
	p := &scriptedProvider{scripts: [][]llm.Token{{{Done: true}}}}
	h := newHarness(t, p, nil)

	h.host.Send(protocol.UserInput{Stage: "design", Mode: "chat", Value: "tweak", ContextFiles: []string{"home.tsx"}})
	untilDone(t, h)

	require.Len(t, p.prompts, 1)
	assert.Contains(t, p.prompts[0].Messages[0].Content, "home.tsx")
}

func TestStageFiles_SaveThenLoad(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.host.Send(protocol.SaveStageFile{
		ProjectID: "recipe-box", ProjectTitle: "Recipe Box", Stage: "users",
		Data: json.RawMessage(`{"version":1,"personas":[]}`), Completed: true,
	})
	saved, _ := until[protocol.StageFileSaved](t, h)
	assert.Empty(t, saved.Error)
	assert.True(t, saved.Completed)

	h.host.Send(protocol.LoadStageFile{ProjectID: "recipe-box", Stage: "users"})
	loaded, _ := until[protocol.StageFileLoaded](t, h)
	assert.True(t, loaded.Found)
	assert.True(t, loaded.Data.Completed)
	assert.JSONEq(t, `{"version":1,"personas":[]}`, string(loaded.Data.Data))

	h.host.Send(protocol.LoadStageFile{ProjectID: "recipe-box", Stage: "stories"})
	missing, _ := until[protocol.StageFileLoaded](t, h)
	assert.False(t, missing.Found)
	assert.Equal(t, "stories", missing.Stage)
}

func TestAppendBuildLog_Stored(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.host.Send(protocol.AppendBuildLog{
		ProjectID: "recipe-box", ProjectTitle: "Recipe Box",
		Entry: protocol.BuildLogEntry{
			ID: "e1", Type: protocol.EntrySystem, Stage: "building", Content: "Build started",
			Metadata: map[string]string{"event": "start"}, Timestamp: time.Now(),
		},
	})

	assert.Eventually(t, func() bool {
		log, err := h.store.LoadBuildLog("recipe-box")
		return err == nil && len(log.Entries) == 1 && log.Entries[0].Content == "Build started"
	}, time.Second, 10*time.Millisecond)
}

func TestResetTokenUsage(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.store.AddUsage(store.GlobalUsageScope, 100, 50)
	require.NoError(t, err)

	h.host.Send(protocol.ResetTokenUsage{})
	u, _ := until[protocol.UsageUpdate](t, h)
	assert.True(t, u.Cumulative)
	assert.Zero(t, u.Usage.TotalTokens)

	row, err := h.store.LoadUsage(store.GlobalUsageScope)
	require.NoError(t, err)
	assert.Zero(t, row.TotalTokens)
}

func TestCaptureScreenshot(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.host.Send(protocol.CaptureScreenshot{URL: "http://localhost:5173"})
	failed, _ := until[protocol.ScreenshotError](t, h)
	assert.Contains(t, failed.Message, "not configured")

	h2 := newHarness(t, nil, fixedCapture{img: "data:image/png;base64,AAAA"})
	h2.host.Send(protocol.CaptureScreenshot{URL: "http://localhost:5173"})
	got, _ := until[protocol.ScreenshotCaptured](t, h2)
	assert.Equal(t, "data:image/png;base64,AAAA", got.Screenshot)
}

func TestEngineStateForwardedToUI(t *testing.T) {
	var got []protocol.Message
	h := New(func(protocol.Message) bool { return true }, Options{
		UI: func(m protocol.Message) { got = append(got, m) },
	}, zerolog.Nop())
	defer h.Close()

	h.Send(protocol.EngineState{State: json.RawMessage(`{"currentStage":"idea"}`)})
	require.Len(t, got, 1)
}

func TestStoreIndex(t *testing.T) {
	h := newHarness(t, nil, nil)
	idx := StoreIndex{Store: h.store}

	ok, err := idx.Exists("recipe-box")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, idx.Register(stage.Project{ID: "recipe-box", Title: "Recipe Box"}))
	ok, err = idx.Exists("recipe-box")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, idx.Register(stage.Project{ID: "recipe-box"}), perrors.ErrDuplicateProject)
}

func TestLoadBuildingStageAlsoPostsBuildState(t *testing.T) {
	h := newHarness(t, nil, nil)
	state := json.RawMessage(`{"version":1,"build":{"iteration":2}}`)

	h.host.Send(protocol.SaveStageFile{ProjectID: "recipe-box", Stage: "building", Data: state})
	until[protocol.StageFileSaved](t, h)

	h.host.Send(protocol.LoadStageFile{ProjectID: "recipe-box", Stage: "building"})
	loaded, _ := until[protocol.StageFileLoaded](t, h)
	assert.True(t, loaded.Found)
	bs, _ := until[protocol.BuildState](t, h)
	assert.Equal(t, "recipe-box", bs.ProjectID)
	assert.JSONEq(t, string(state), string(bs.BuildState))
}
