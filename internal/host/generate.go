package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
	"github.com/p-blackswan/buildmode/internal/llm"
	"github.com/p-blackswan/buildmode/internal/merge"
	"github.com/p-blackswan/buildmode/internal/protocol"
	"github.com/p-blackswan/buildmode/internal/retry"
	"github.com/p-blackswan/buildmode/internal/store"
)

// job is one model request and where its output goes.
type job struct {
	projectID string
	stage     string
	prompt    string
	system    string
	seq       int
	// structured jobs stream artifact items; others stream text.
	structured bool
}

func (h *Host) OnGenerateContentStreaming(m protocol.GenerateContentStreaming) {
	_, structured := merge.DefaultKind(m.Stage)
	h.start(job{
		projectID:  m.ProjectID,
		stage:      m.Stage,
		prompt:     m.Prompt,
		system:     m.SystemPrompt,
		seq:        m.Seq,
		structured: structured && m.Seq == 0,
	})
}

func (h *Host) OnUserInput(m protocol.UserInput) {
	prompt := m.Value
	if len(m.ContextFiles) > 0 {
		prompt = fmt.Sprintf("%s\n\nContext files:\n- %s", prompt, strings.Join(m.ContextFiles, "\n- "))
	}
	h.start(job{projectID: m.ProjectID, stage: m.Stage, prompt: prompt})
}

func (h *Host) OnRetryGeneration(m protocol.RetryGeneration) {
	key := jobKey(m.ProjectID, m.Stage)
	h.mu.Lock()
	p := h.partials[key]
	delete(h.partials, key)
	h.mu.Unlock()

	h.emit(protocol.RetryReady{
		Stage:            m.Stage,
		PartialContent:   p.text,
		PartialItemCount: p.items,
	})
}

func jobKey(projectID, stage string) string {
	return projectID + "/" + stage
}

// start runs j in the background, cancelling an earlier job for the same
// stage.
func (h *Host) start(j job) {
	key := jobKey(j.projectID, j.stage)
	ctx, cancel := context.WithCancel(h.ctx)

	h.mu.Lock()
	if prev, ok := h.running[key]; ok {
		prev.cancel()
	}
	h.gen++
	id := h.gen
	h.running[key] = running{id: id, cancel: cancel}
	delete(h.partials, key)
	h.mu.Unlock()

	h.goWork(func() {
		defer func() {
			cancel()
			h.mu.Lock()
			if r, ok := h.running[key]; ok && r.id == id {
				delete(h.running, key)
			}
			h.mu.Unlock()
		}()
		h.generate(ctx, key, j)
	})
}

func (h *Host) generate(ctx context.Context, key string, j job) {
	log := h.logger.With().Str("stage", j.stage).Int("seq", j.seq).Logger()
	if h.provider == nil {
		h.emit(protocol.StreamUpdate{Stage: j.stage, Seq: j.seq,
			Error: fmt.Sprintf("%v: no model provider configured", perrors.ErrUnavailable)})
		return
	}

	started := time.Now()
	var (
		text  strings.Builder
		items int
		usage llm.Usage
	)
	req := llm.UserPrompt(j.system, j.prompt)

	cfg := h.retry
	cfg.Retryable = func(err error) bool {
		// Once output reached the engine a fresh attempt would duplicate it.
		return text.Len() == 0 && perrors.IsRetryable(err)
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying generation")
	}

	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		tokens := make(chan llm.Token, 64)
		if err := h.provider.Stream(ctx, req, tokens); err != nil {
			return err
		}
		var scanner *merge.Scanner
		if j.structured {
			kind, _ := merge.DefaultKind(j.stage)
			scanner = merge.NewScanner(kind)
		}
		for tok := range tokens {
			if tok.Error != nil {
				return tok.Error
			}
			if tok.Text != "" {
				text.WriteString(tok.Text)
				if scanner == nil {
					h.emitText(j, tok.Text)
				} else {
					items += h.emitItems(j, scanner.Feed(tok.Text))
				}
			}
			if tok.Usage != nil {
				usage = *tok.Usage
			}
			if tok.Done {
				return nil
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: stream closed before completion", perrors.ErrUnavailable)
	})

	elapsed := time.Since(started)
	switch {
	case err == nil:
		h.metrics.ObserveGeneration(h.provider.ModelID(), elapsed.Seconds())
		h.emit(protocol.StreamUpdate{Stage: j.stage, Seq: j.seq, Complete: true})
		h.recordUsage(usage)
		log.Debug().Dur("elapsed", elapsed).Int("items", items).Int64("tokens", usage.Total()).Msg("generation complete")
	case errors.Is(err, context.Canceled):
		log.Debug().Msg("generation cancelled")
	default:
		h.metrics.RecordError("host", "generate")
		h.mu.Lock()
		h.partials[key] = partial{text: text.String(), items: items}
		h.mu.Unlock()
		log.Warn().Err(err).Int("partial_items", items).Msg("generation failed")
		h.emit(protocol.StreamUpdate{Stage: j.stage, Seq: j.seq, Error: err.Error()})
		h.recordUsage(usage)
	}
}

func (h *Host) emitText(j job, chunk string) {
	data, _ := json.Marshal(chunk)
	h.emit(protocol.StreamUpdate{
		Stage:      j.stage,
		UpdateType: merge.UpdateText,
		Data:       data,
		Seq:        j.seq,
	})
}

// emitItems forwards finished items only; partial snapshots of an item stay
// in the host.
func (h *Host) emitItems(j job, found []merge.Item) int {
	n := 0
	for _, it := range found {
		if it.Partial {
			continue
		}
		idx := it.Index
		h.emit(protocol.StreamUpdate{
			Stage:      j.stage,
			UpdateType: string(it.Kind),
			Data:       it.Raw,
			Index:      &idx,
		})
		n++
	}
	return n
}

func (h *Host) recordUsage(u llm.Usage) {
	if u.Total() == 0 {
		return
	}
	h.emit(protocol.UsageUpdate{Usage: protocol.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.Total(),
	}})
	if h.store == nil {
		return
	}
	h.enqueue(func() {
		if _, err := h.store.AddUsage(store.GlobalUsageScope, u.InputTokens, u.OutputTokens); err != nil {
			h.logger.Warn().Err(err).Msg("usage not recorded")
		}
	})
}
