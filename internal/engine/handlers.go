package engine

import (
	"fmt"
	"strings"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
	"github.com/p-blackswan/buildmode/internal/iteration"
	"github.com/p-blackswan/buildmode/internal/merge"
	"github.com/p-blackswan/buildmode/internal/persist"
	"github.com/p-blackswan/buildmode/internal/protocol"
	"github.com/p-blackswan/buildmode/internal/stage"
	"github.com/p-blackswan/buildmode/internal/usage"
)

var _ protocol.InboundHandler = (*Engine)(nil)

// ---- collaborator messages ----

func (e *Engine) OnStreamUpdate(m protocol.StreamUpdate) {
	if m.Stage == building && m.Seq != 0 {
		e.onStepUpdate(m)
		return
	}

	res, err := e.merger.Apply(merge.Update{
		Stage:      m.Stage,
		UpdateType: m.UpdateType,
		Data:       m.Data,
		Index:      m.Index,
		Complete:   m.Complete,
		Error:      m.Error,
	})
	if err != nil {
		e.metrics.RecordError("merge", "decode")
		e.logger.Warn().Err(err).Str("stage", m.Stage).Str("update_type", m.UpdateType).Msg("stream update not merged")
		return
	}

	switch {
	case res.Failure != nil:
		e.watchdog.Disarm(m.Stage)
		delete(e.generating, m.Stage)
		delete(e.text, m.Stage)
		e.metrics.RecordGeneration(m.Stage, "error")
		e.persister.Log(protocol.EntryError, m.Stage, res.Failure.Message,
			map[string]string{"action": string(protocol.TypeRetryGeneration)})
	case res.Completed:
		e.watchdog.Disarm(m.Stage)
		e.finishGeneration(m.Stage)
	case res.Merged:
		op := "append"
		if res.Replaced {
			op = "replace"
		}
		e.metrics.RecordMerge(string(res.Kind), op)
		if s, ok := stage.Parse(m.Stage); ok {
			e.persister.ScheduleAutoSave(s)
		}
	case res.Dropped:
		e.metrics.RecordMerge(string(res.Kind), "drop")
	default:
		e.textBuf(m.Stage).WriteString(res.Text)
	}
}

// finishGeneration merges any free text the stage received and saves the
// stage as completed. Chat replies complete the stage the same way a
// generate request does.
func (e *Engine) finishGeneration(name string) {
	var text string
	if b, ok := e.text[name]; ok {
		text = b.String()
		delete(e.text, name)
	}
	generated := e.generating[name]
	delete(e.generating, name)
	delete(e.unparsed, name)

	merged := 0
	if strings.TrimSpace(text) != "" {
		parsed := merge.ParseResponse(text)
		if !parsed.OK {
			e.unparsed[name] = text
			e.persister.Log(protocol.EntrySystem, name, "The reply could not be parsed; nothing was merged.", nil)
		}
		for kind, n := range e.merger.MergeParsed(name, parsed) {
			e.metrics.RecordMerge(string(kind), "parsed")
			merged += n
		}
		if !generated {
			e.persister.Log(protocol.EntryAssistant, name, text, nil)
		}
	}

	s, ok := stage.Parse(name)
	if !ok {
		return
	}
	if s == stage.Building {
		if merged > 0 {
			e.persister.ScheduleAutoSave(s)
		}
		return
	}
	if generated {
		e.metrics.RecordGeneration(name, "success")
	}
	if _, err := e.persister.SaveCurrentStageData(s, true, ""); err != nil {
		e.logger.Warn().Err(err).Str("stage", name).Bool("generated", generated).Msg("completed stage not saved")
		if generated {
			e.persister.Log(protocol.EntryError, name, err.Error(), nil)
		}
	}
}

func (e *Engine) OnStageFileLoaded(m protocol.StageFileLoaded) {
	s, ok := stage.Parse(m.Stage)
	if !ok {
		e.logger.Warn().Str("stage", m.Stage).Msg("loaded file for unknown stage")
		return
	}
	if !m.Found {
		return
	}
	if m.ProjectID != "" && m.ProjectID != e.pipeline.ProjectID() {
		e.logger.Debug().Str("project_id", m.ProjectID).Msg("ignoring stage file of another project")
		return
	}
	if s == stage.Building {
		st, err := persist.DecodeBuildState(m.Data.Data)
		if err != nil {
			e.logger.Warn().Err(err).Msg("build state not restored")
			return
		}
		e.restoreBuild(st)
		return
	}
	if _, err := e.persister.Load(s, m.Data); err != nil {
		e.metrics.RecordError("persist", "load")
		e.logger.Warn().Err(err).Str("stage", m.Stage).Msg("stage file not installed")
	}
}

func (e *Engine) OnStageFileSaved(m protocol.StageFileSaved) {
	if m.Error == "" {
		e.logger.Debug().Str("stage", m.Stage).Bool("completed", m.Completed).Msg("stage saved")
		return
	}
	e.metrics.RecordError("persist", "save")
	e.persister.Log(protocol.EntryError, m.Stage, "Save failed: "+m.Error, nil)
}

func (e *Engine) OnRetryReady(m protocol.RetryReady) {
	base := e.lastPrompt[m.Stage]
	if base == "" {
		if s, ok := stage.Parse(m.Stage); ok {
			base, _ = StagePrompt(s, e.ws, "")
			e.lastPrompt[m.Stage] = base
		}
	}
	r, err := e.persister.RetryReady(m, base)
	if err != nil {
		e.logger.Warn().Err(err).Str("stage", m.Stage).Msg("retry not resumed")
		e.persister.Log(protocol.EntryError, m.Stage, err.Error(), nil)
		return
	}
	e.persister.Log(protocol.EntrySystem, m.Stage,
		fmt.Sprintf("Resuming generation after %d %s.", r.Count, r.Kind.Plural()), nil)
	if err := e.dispatchGeneration(r.Stage, r.Prompt); err != nil {
		e.merger.EndResume(m.Stage)
	}
}

func (e *Engine) OnScreenshotCaptured(m protocol.ScreenshotCaptured) {
	e.iter = e.machine.CaptureResult(e.iter, m.Screenshot)
	e.persister.Log(protocol.EntrySystem, building, "Preview captured.", nil)
}

func (e *Engine) OnScreenshotError(m protocol.ScreenshotError) {
	e.iter = e.machine.CaptureFailed(e.iter, m.Message)
	e.metrics.RecordError("capture", "screenshot")
	e.persister.Log(protocol.EntryError, building, "Screenshot failed: "+m.Message,
		map[string]string{"action": string(protocol.TypeRetryCapture)})
}

func (e *Engine) OnUsageUpdate(m protocol.UsageUpdate) {
	if m.Cumulative {
		e.guard.Restore(usage.Counter{
			InputTokens:  m.Usage.InputTokens,
			OutputTokens: m.Usage.OutputTokens,
			TotalTokens:  m.Usage.TotalTokens,
		})
		return
	}
	e.guard.Record(m.Usage.InputTokens, m.Usage.OutputTokens)
	e.metrics.AddTokens(m.Usage.InputTokens, m.Usage.OutputTokens)
}

func (e *Engine) OnBuildState(m protocol.BuildState) {
	if m.ProjectID != "" && m.ProjectID != e.pipeline.ProjectID() {
		return
	}
	st, err := persist.DecodeBuildState(m.BuildState)
	if err != nil {
		e.logger.Warn().Err(err).Msg("build state not restored")
		return
	}
	e.restoreBuild(st)
}

// ---- operator commands ----

func (e *Engine) OnOpenProject(m protocol.OpenProject) {
	id := strings.TrimSpace(m.ProjectID)
	if id == "" {
		e.cmdErr = fmt.Errorf("%w: project id is required", perrors.ErrInvalidInput)
		return
	}
	e.persister.Close()
	e.watchdog.Stop()
	e.stopAdvance()
	for _, s := range e.merger.Loading() {
		e.merger.StopLoading(s)
	}

	e.ws.Reset()
	e.ws.Roster = e.baseRoster()
	e.pipeline.Open(stage.Project{ID: id})
	e.persister.ReplaceLog(nil)
	e.iter = iteration.State{}
	e.stepText.Reset()
	clear(e.lastPrompt)
	clear(e.generating)
	clear(e.text)
	clear(e.unparsed)

	for _, s := range stage.Order {
		e.send(protocol.LoadStageFile{ProjectID: id, Stage: string(s)})
	}
	e.send(protocol.LoadStageFile{ProjectID: id, Stage: building})
	e.logger.Info().Str("project_id", id).Msg("project opened")
}

func (e *Engine) OnNavigate(m protocol.Navigate) {
	s, ok := stage.Parse(m.Stage)
	if !ok {
		e.cmdErr = fmt.Errorf("%w: unknown stage %q", perrors.ErrInvalidInput, m.Stage)
		return
	}
	e.pipeline.Navigate(s)
}

func (e *Engine) OnEditStage(m protocol.EditStage) {
	s, ok := stage.Parse(m.Stage)
	if !ok || s == stage.Building {
		e.cmdErr = fmt.Errorf("%w: stage %q cannot be edited", perrors.ErrInvalidInput, m.Stage)
		return
	}
	if s != stage.Idea && !e.pipeline.CanNavigateTo(s) {
		e.logger.Debug().Str("stage", m.Stage).Msg("edit of locked stage ignored")
		return
	}
	d, err := persist.DecodeStageData(s, m.Data)
	if err != nil {
		e.cmdErr = err
		return
	}
	e.persister.Install(s, d)
	e.persister.ScheduleAutoSave(s)
}

func (e *Engine) OnSaveStage(m protocol.SaveStage) {
	s, ok := stage.Parse(m.Stage)
	if !ok || s == stage.Building {
		e.cmdErr = fmt.Errorf("%w: stage %q cannot be saved", perrors.ErrInvalidInput, m.Stage)
		return
	}
	if len(m.Data) > 0 {
		d, err := persist.DecodeStageData(s, m.Data)
		if err != nil {
			e.cmdErr = err
			return
		}
		e.persister.Install(s, d)
	}
	rec, err := e.persister.SaveCurrentStageData(s, m.Completed, m.OverrideID)
	if err != nil {
		e.cmdErr = err
		e.metrics.RecordError("stage", "save")
		e.persister.Log(protocol.EntryError, m.Stage, err.Error(), nil)
		return
	}
	if rec.Completed && m.Completed {
		e.pipeline.Navigate(s.Next())
	}
}

func (e *Engine) OnGenerate(m protocol.Generate) {
	s, ok := stage.Parse(m.Stage)
	if !ok {
		e.cmdErr = fmt.Errorf("%w: unknown stage %q", perrors.ErrInvalidInput, m.Stage)
		return
	}
	if !e.pipeline.CanNavigateTo(s) {
		e.cmdErr = fmt.Errorf("generate %s: %w", s, perrors.ErrStageLocked)
		return
	}
	prompt, err := StagePrompt(s, e.ws, m.Instructions)
	if err != nil {
		e.cmdErr = err
		return
	}
	e.lastPrompt[m.Stage] = prompt
	e.merger.EndResume(m.Stage)
	e.persister.Log(protocol.EntryUser, m.Stage, "Generate "+m.Stage, nil)
	e.cmdErr = e.dispatchGeneration(s, prompt)
}

// dispatchGeneration sends a planning-stage generation after the usage
// guard allows it.
func (e *Engine) dispatchGeneration(s stage.Name, prompt string) error {
	if err := e.guard.CheckAndReserve(usage.Estimate(prompt + planningSystemPrompt)); err != nil {
		e.metrics.RecordUsageRejection()
		e.persister.Log(protocol.EntryError, string(s), err.Error(), map[string]string{"reason": "token-limit"})
		e.stopOnLimit(err)
		return err
	}
	name := string(s)
	e.generating[name] = true
	delete(e.text, name)
	e.merger.StartLoading(name)
	e.watchdog.Arm(name)
	e.send(protocol.GenerateContentStreaming{
		ProjectID:    e.pipeline.ProjectID(),
		Stage:        name,
		Prompt:       prompt,
		SystemPrompt: planningSystemPrompt,
	})
	e.metrics.RecordGeneration(name, "dispatched")
	return nil
}

func (e *Engine) OnChat(m protocol.Chat) {
	msg := strings.TrimSpace(m.Message)
	if msg == "" {
		e.cmdErr = fmt.Errorf("%w: empty chat message", perrors.ErrInvalidInput)
		return
	}
	if _, ok := stage.Parse(m.Stage); !ok {
		e.cmdErr = fmt.Errorf("%w: unknown stage %q", perrors.ErrInvalidInput, m.Stage)
		return
	}
	if err := e.guard.CheckAndReserve(usage.Estimate(msg)); err != nil {
		e.metrics.RecordUsageRejection()
		e.persister.Log(protocol.EntryError, m.Stage, err.Error(), map[string]string{"reason": "token-limit"})
		e.stopOnLimit(err)
		e.cmdErr = err
		return
	}
	e.persister.Log(protocol.EntryUser, m.Stage, msg, nil)
	delete(e.text, m.Stage)
	e.merger.StartLoading(m.Stage)
	e.watchdog.Arm(m.Stage)
	e.send(protocol.UserInput{
		ProjectID:    e.pipeline.ProjectID(),
		Stage:        m.Stage,
		Mode:         "chat",
		Value:        msg,
		ContextFiles: m.ContextFiles,
	})
}

func (e *Engine) OnRetryGeneration(m protocol.RetryGeneration) {
	if m.Stage == building {
		e.OnNextStep(protocol.NextStep{})
		return
	}
	if _, ok := merge.DefaultKind(m.Stage); !ok {
		e.cmdErr = fmt.Errorf("%w: stage %q cannot be retried", perrors.ErrInvalidInput, m.Stage)
		return
	}
	e.send(protocol.RetryGeneration{ProjectID: e.pipeline.ProjectID(), Stage: m.Stage})
}

func (e *Engine) OnStartLoop(m protocol.StartLoop) {
	if !e.pipeline.CanNavigateTo(stage.Building) {
		e.cmdErr = fmt.Errorf("start loop: %w", perrors.ErrStageLocked)
		return
	}
	if e.iter.Active {
		e.cmdErr = fmt.Errorf("%w: loop already running", perrors.ErrInvalidInput)
		return
	}
	screens := m.Screens
	if len(screens) == 0 {
		screens = e.ws.Artifacts.Screens.Labels()
	}
	roles := m.Roles
	if len(roles) == 0 {
		roles = e.ws.Roster.Names()
	}
	autoRun := true
	if m.AutoRun != nil {
		autoRun = *m.AutoRun
	}

	prev := e.iter
	next, effects, err := e.machine.Start(screens, roles, autoRun, e.env())
	if err := e.commit(prev, next, effects, err); err != nil {
		e.cmdErr = err
		return
	}
	e.pipeline.Navigate(stage.Building)
	e.persister.Log(protocol.EntrySystem, building,
		fmt.Sprintf("Build started: %d screens, team %s.", len(next.Screens), strings.Join(next.TeamFlow, ", ")), nil)
}

func (e *Engine) OnNextStep(protocol.NextStep) {
	e.stopAdvance()
	prev := e.iter
	next, effects, err := e.machine.Next(prev, e.env())
	e.cmdErr = e.commit(prev, next, effects, err)
}

func (e *Engine) OnApprove(m protocol.Approve) {
	e.stopAdvance()
	prev := e.iter
	next, effects, err := e.machine.Approve(prev, m.Approved, m.Feedback, e.env())
	if err := e.commit(prev, next, effects, err); err != nil {
		e.cmdErr = err
		return
	}
	decision := "rejected"
	content := "Requested changes"
	if m.Approved {
		decision = "approved"
		content = "Approved " + prev.CurrentScreen()
	}
	if fb := strings.TrimSpace(m.Feedback); fb != "" {
		content += ": " + fb
	}
	e.metrics.RecordApproval(decision)
	e.persister.Log(protocol.EntryUser, building, content, map[string]string{"decision": decision})
}

func (e *Engine) OnStopLoop(protocol.StopLoop) {
	if !e.iter.Active {
		e.cmdErr = perrors.ErrLoopInactive
		return
	}
	e.stopAdvance()
	e.watchdog.Disarm(building)
	e.merger.StopLoading(building)
	prev := e.iter
	next, effects := e.machine.Stop(prev)
	e.cmdErr = e.commit(prev, next, effects, nil)
	e.persister.Log(protocol.EntrySystem, building, "Build stopped.", nil)
}

func (e *Engine) OnRetryCapture(m protocol.RetryCapture) {
	prev := e.iter
	next, effects, err := e.machine.RetryCapture(prev, m.URL)
	e.cmdErr = e.commit(prev, next, effects, err)
}

func (e *Engine) OnResetUsage(protocol.ResetUsage) {
	e.guard.Reset()
	e.send(protocol.ResetTokenUsage{})
}

func (e *Engine) OnAddRole(m protocol.AddRole) {
	err := e.ws.Roster.Add(iteration.Role{
		Name:         strings.TrimSpace(m.Name),
		Description:  m.Description,
		Instructions: m.Instructions,
	})
	if err != nil {
		e.cmdErr = err
		return
	}
	if e.pipeline.CanNavigateTo(stage.Team) {
		e.persister.ScheduleAutoSave(stage.Team)
	}
}

func (e *Engine) OnRemoveRole(m protocol.RemoveRole) {
	if err := e.ws.Roster.Remove(m.Name); err != nil {
		e.cmdErr = err
		return
	}
	if e.pipeline.CanNavigateTo(stage.Team) {
		e.persister.ScheduleAutoSave(stage.Team)
	}
}
