// Package engine runs the build-mode state machine on a single goroutine.
// Every inbound message, command and timer callback is applied in arrival
// order by Run; collaborators only ever post into the engine.
package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/buildmode/internal/iteration"
	"github.com/p-blackswan/buildmode/internal/merge"
	"github.com/p-blackswan/buildmode/internal/metrics"
	"github.com/p-blackswan/buildmode/internal/persist"
	"github.com/p-blackswan/buildmode/internal/protocol"
	"github.com/p-blackswan/buildmode/internal/schedule"
	"github.com/p-blackswan/buildmode/internal/stage"
	"github.com/p-blackswan/buildmode/internal/usage"
)

// Sender delivers outbound messages. Implementations must not block.
type Sender interface {
	Send(msg protocol.Message)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(protocol.Message)

func (f SenderFunc) Send(msg protocol.Message) { f(msg) }

// Options configures an Engine.
type Options struct {
	AutoAdvanceDelay time.Duration
	LoadingTimeout   time.Duration
	AutosaveInterval time.Duration
	Framework        string
	PreviewURL       string
	QueueSize        int

	Scheduler schedule.Scheduler
	Index     stage.ProjectIndex
	Roster    *iteration.Roster
	Metrics   *metrics.Metrics
}

func (o *Options) defaults() {
	if o.AutoAdvanceDelay <= 0 {
		o.AutoAdvanceDelay = 1500 * time.Millisecond
	}
	if o.LoadingTimeout <= 0 {
		o.LoadingTimeout = 45 * time.Second
	}
	if o.AutosaveInterval <= 0 {
		o.AutosaveInterval = persist.DefaultAutoSaveInterval
	}
	if o.Framework == "" {
		o.Framework = "react"
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Scheduler == nil {
		o.Scheduler = schedule.Real{}
	}
}

type event struct {
	msg   protocol.Message
	fn    func()
	reply chan error
}

// Engine owns the artifact store, pipeline, persistence, loop state and
// usage guard. Only the goroutine running Run touches them.
type Engine struct {
	opts    Options
	out     Sender
	guard   *usage.Guard
	metrics *metrics.Metrics

	ws        *persist.Workspace
	merger    *merge.Engine
	pipeline  *stage.Pipeline
	persister *persist.Persister
	machine   *iteration.Machine
	watchdog  *Watchdog

	iter         iteration.State
	advanceTimer schedule.Timer
	stepText     strings.Builder

	// per-stage generation bookkeeping
	lastPrompt map[string]string
	generating map[string]bool
	text       map[string]*strings.Builder
	// raw replies that could not be parsed, kept for the operator
	unparsed   map[string]string

	cmdErr error

	inbox    chan event
	done     chan struct{}
	snapshot atomic.Pointer[Snapshot]
	logger   zerolog.Logger
}

// New creates an engine sending outbound messages to out and gating
// generation through guard.
func New(out Sender, guard *usage.Guard, opts Options, logger zerolog.Logger) *Engine {
	opts.defaults()
	e := &Engine{
		opts:       opts,
		out:        out,
		guard:      guard,
		metrics:    opts.Metrics,
		ws:         persist.NewWorkspace(),
		machine:    iteration.NewMachine(opts.Framework, opts.PreviewURL),
		lastPrompt: make(map[string]string),
		generating: make(map[string]bool),
		text:       make(map[string]*strings.Builder),
		unparsed:   make(map[string]string),
		inbox:      make(chan event, opts.QueueSize),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "engine").Logger(),
	}
	if e.guard == nil {
		e.guard = usage.NewGuard(0, logger)
	}
	e.ws.Roster = e.baseRoster()
	e.merger = merge.New(e.ws.Artifacts, logger)
	e.pipeline = stage.NewPipeline(opts.Index, logger)
	e.persister = persist.New(e.pipeline, e.ws, e.merger, persist.Options{
		Scheduler: opts.Scheduler,
		Interval:  opts.AutosaveInterval,
		Post:      e.post,
		Send:      e.send,
	}, logger)
	e.watchdog = NewWatchdog(opts.Scheduler, opts.LoadingTimeout, e.post, e.onLoadingTimeout)
	e.publish()
	return e
}

// Post enqueues an inbound message. It returns false once the engine has
// stopped.
func (e *Engine) Post(msg protocol.Message) bool {
	return e.enqueue(event{msg: msg})
}

// Submit enqueues msg and waits for it to be handled, returning the error a
// command produced.
func (e *Engine) Submit(ctx context.Context, msg protocol.Message) error {
	reply := make(chan error, 1)
	if !e.enqueue(event{msg: msg, reply: reply}) {
		return context.Canceled
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) post(fn func()) {
	e.enqueue(event{fn: fn})
}

func (e *Engine) enqueue(ev event) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.inbox <- ev:
		return true
	case <-e.done:
		return false
	}
}

// Run processes events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Msg("engine started")
	defer func() {
		close(e.done)
		e.watchdog.Stop()
		e.persister.Close()
		e.stopAdvance()
		e.logger.Info().Msg("engine stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.inbox:
			e.process(ev)
		}
	}
}

// Stopped reports whether Run has returned.
func (e *Engine) Stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Drain processes every queued event on the calling goroutine. It is meant
// for callers that drive the engine without Run, such as tests.
func (e *Engine) Drain() {
	for {
		select {
		case ev := <-e.inbox:
			e.process(ev)
		default:
			return
		}
	}
}

func (e *Engine) process(ev event) {
	if ev.fn != nil {
		ev.fn()
		e.publish()
		return
	}
	err := e.Handle(ev.msg)
	if ev.reply != nil {
		ev.reply <- err
	}
}

// Handle applies one message synchronously. It must only be called from the
// engine goroutine.
func (e *Engine) Handle(msg protocol.Message) error {
	e.metrics.RecordMessage("in", string(msg.MessageType()))
	e.cmdErr = nil
	if err := protocol.Dispatch(e, msg); err != nil {
		e.logger.Warn().Err(err).Msg("dropping message")
		return err
	}
	e.publish()
	return e.cmdErr
}

func (e *Engine) send(msg protocol.Message) {
	e.metrics.RecordMessage("out", string(msg.MessageType()))
	e.out.Send(msg)
}

// Snapshot returns the most recently published state. Safe from any
// goroutine.
func (e *Engine) Snapshot() Snapshot {
	if s := e.snapshot.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

func (e *Engine) publish() {
	s := e.buildSnapshot()
	e.snapshot.Store(&s)
	raw, err := json.Marshal(s)
	if err != nil {
		e.logger.Error().Err(err).Msg("encode snapshot")
		return
	}
	e.send(protocol.EngineState{State: raw})
}

func (e *Engine) env() iteration.Env {
	proj, _ := e.pipeline.Project()
	title := proj.Title
	if title == "" {
		title = e.ws.Idea.Title
	}
	return iteration.Env{
		ProjectTitle: title,
		Personas:     e.ws.Artifacts.Personas.Items(),
		Screens:      e.ws.Artifacts.Screens.Items(),
		Instructions: e.ws.Roster.Instructions(),
	}
}

func (e *Engine) textBuf(stage string) *strings.Builder {
	b, ok := e.text[stage]
	if !ok {
		b = &strings.Builder{}
		e.text[stage] = b
	}
	return b
}

func (e *Engine) baseRoster() *iteration.Roster {
	if e.opts.Roster == nil {
		return iteration.DefaultRoster()
	}
	return &iteration.Roster{Roles: append([]iteration.Role(nil), e.opts.Roster.Roles...)}
}
