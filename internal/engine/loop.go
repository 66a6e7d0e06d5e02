package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
	"github.com/p-blackswan/buildmode/internal/iteration"
	"github.com/p-blackswan/buildmode/internal/protocol"
	"github.com/p-blackswan/buildmode/internal/stage"
	"github.com/p-blackswan/buildmode/internal/usage"
)

const building = string(stage.Building)

// commit installs a transition. Dispatch effects are checked against the
// usage guard first; a rejected step is not kept and the loop is
// deactivated from prev instead.
func (e *Engine) commit(prev, next iteration.State, effects []iteration.Effect, err error) error {
	if err != nil {
		if !errors.Is(err, perrors.ErrStepInFlight) {
			e.metrics.RecordError("iteration", "transition")
		}
		return err
	}
	for _, eff := range effects {
		d, ok := eff.(iteration.Dispatch)
		if !ok {
			continue
		}
		if gerr := e.guard.CheckAndReserve(usage.Estimate(d.Prompt + d.SystemPrompt)); gerr != nil {
			e.metrics.RecordUsageRejection()
			e.metrics.RecordLoopStep(d.Role, "rejected")
			rejected, reffects := e.machine.Reject(prev, gerr)
			e.iter = rejected
			e.persister.Log(protocol.EntryError, building, gerr.Error(), map[string]string{"reason": "token-limit"})
			e.apply(reffects)
			return gerr
		}
	}
	e.iter = next
	e.apply(effects)
	return nil
}

func (e *Engine) apply(effects []iteration.Effect) {
	for _, eff := range effects {
		switch ef := eff.(type) {
		case iteration.Dispatch:
			e.stepText.Reset()
			e.merger.StartLoading(building)
			e.watchdog.Arm(building)
			e.send(protocol.GenerateContentStreaming{
				ProjectID:    e.pipeline.ProjectID(),
				Stage:        building,
				Prompt:       ef.Prompt,
				SystemPrompt: ef.SystemPrompt,
				Seq:          ef.Seq,
			})
			e.metrics.RecordLoopStep(ef.Role, "dispatched")
			e.persister.Log(protocol.EntrySystem, building,
				fmt.Sprintf("%s working on %s (iteration %d)", ef.Role, ef.Screen, ef.Iteration),
				map[string]string{"role": ef.Role, "screen": ef.Screen})
		case iteration.CaptureScreenshot:
			e.send(protocol.CaptureScreenshot{URL: ef.URL})
		case iteration.ScheduleAdvance:
			e.scheduleAdvance(ef.Seq)
		case iteration.Summary:
			e.persister.Log(protocol.EntrySystem, building, ef.Text, map[string]string{"event": "build-complete"})
		case iteration.Persist:
			if err := e.persister.SaveBuildState(e.iter); err != nil {
				e.logger.Debug().Err(err).Msg("build state not saved")
			}
		}
	}
}

// stopOnLimit deactivates a running loop after any usage-guard rejection.
// A step already in flight may still complete but will not advance.
func (e *Engine) stopOnLimit(cause error) {
	if !e.iter.Active {
		return
	}
	e.stopAdvance()
	next, effects := e.machine.Stop(e.iter)
	next.LastError = cause.Error()
	e.iter = next
	e.apply(effects)
	e.metrics.RecordLoopStep(next.CurrentAgent, "rejected")
	e.persister.Log(protocol.EntrySystem, building, "Build stopped: token limit reached.", map[string]string{"reason": "token-limit"})
}

func (e *Engine) scheduleAdvance(seq int) {
	e.stopAdvance()
	e.advanceTimer = e.opts.Scheduler.AfterFunc(e.opts.AutoAdvanceDelay, func() {
		e.post(func() { e.onAdvance(seq) })
	})
}

func (e *Engine) stopAdvance() {
	if e.advanceTimer != nil {
		e.advanceTimer.Stop()
		e.advanceTimer = nil
	}
}

func (e *Engine) onAdvance(seq int) {
	e.advanceTimer = nil
	prev := e.iter
	next, effects, err := e.machine.Advance(prev, seq, e.env())
	if err := e.commit(prev, next, effects, err); err != nil {
		e.logger.Warn().Err(err).Int("seq", seq).Msg("auto-advance failed")
	}
}

// onStepUpdate handles stream updates that answer a loop dispatch.
func (e *Engine) onStepUpdate(m protocol.StreamUpdate) {
	if m.Seq != e.iter.StepSeq || !e.iter.InFlight {
		e.logger.Debug().Int("seq", m.Seq).Int("current", e.iter.StepSeq).Msg("ignoring stale step update")
		return
	}
	role := e.iter.CurrentRole()

	switch {
	case m.Error != "":
		e.watchdog.Disarm(building)
		e.merger.StopLoading(building)
		e.iter = e.machine.StepFailed(e.iter, m.Seq, m.Error)
		e.metrics.RecordLoopStep(role, "error")
		e.persister.Log(protocol.EntryError, building, m.Error,
			map[string]string{"role": role, "action": string(protocol.TypeNextStep)})

	case m.Complete:
		e.watchdog.Disarm(building)
		e.merger.StopLoading(building)
		text := e.stepText.String()
		e.stepText.Reset()

		reply := iteration.ParseReply(text)
		prev := e.iter
		next, effects := e.machine.Receive(prev, m.Seq, reply)
		e.persister.Log(protocol.EntryAssistant, building, text, map[string]string{"role": role})
		result := "complete"
		if !reply.Done {
			result = "partial"
		}
		e.metrics.RecordLoopStep(role, result)
		if err := e.commit(prev, next, effects, nil); err != nil {
			e.logger.Warn().Err(err).Msg("step reply not applied")
		}

	default:
		e.stepText.WriteString(textOf(m.Data))
	}
}

func (e *Engine) onLoadingTimeout(s string) {
	e.merger.StopLoading(s)
	e.metrics.RecordWatchdogExpiry(s)
	e.logger.Warn().Str("stage", s).Dur("timeout", e.opts.LoadingTimeout).Msg("loading indicator expired")
	e.persister.Log(protocol.EntrySystem, s, "No response received; the loading indicator was cleared.",
		map[string]string{"action": string(protocol.TypeRetryGeneration)})
}

func (e *Engine) restoreBuild(st iteration.State) {
	st.InFlight = false
	if st.AgentStatus == iteration.StatusWorking {
		st.AgentStatus = iteration.StatusIdle
	}
	e.stopAdvance()
	e.iter = st
}

func textOf(data json.RawMessage) string {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return s
		}
	}
	return string(data)
}
