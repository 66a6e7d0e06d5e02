// Package host answers the engine's outbound messages in-process: model
// generation, stage files, the build log, usage counters and preview
// capture. Results are posted back to the engine as inbound messages.
package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
	"github.com/p-blackswan/buildmode/internal/llm"
	"github.com/p-blackswan/buildmode/internal/metrics"
	"github.com/p-blackswan/buildmode/internal/protocol"
	"github.com/p-blackswan/buildmode/internal/retry"
	"github.com/p-blackswan/buildmode/internal/store"
)

// Capturer takes a screenshot of a running preview and returns it as a
// data URL.
type Capturer interface {
	Capture(ctx context.Context, url string) (string, error)
}

// NoCapture reports capture as unavailable.
type NoCapture struct{}

func (NoCapture) Capture(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: screenshot capture is not configured", perrors.ErrUnavailable)
}

// Options configures a Host.
type Options struct {
	Provider llm.LLMProvider
	Store    *store.Store
	Capturer Capturer
	Retry    retry.Config
	Metrics  *metrics.Metrics
	// UI receives engine-state messages. Optional.
	UI func(protocol.Message)
	// QueueSize bounds pending store operations.
	QueueSize int
}

// Host implements protocol.OutboundHandler. Send never waits for model or
// capture work; store operations run in order on one worker.
type Host struct {
	post     func(protocol.Message) bool
	provider llm.LLMProvider
	store    *store.Store
	capturer Capturer
	retry    retry.Config
	metrics  *metrics.Metrics
	ui       func(protocol.Message)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ops    chan func()

	mu       sync.Mutex
	gen      uint64
	running  map[string]running
	partials map[string]partial

	logger zerolog.Logger
}

type running struct {
	id     uint64
	cancel context.CancelFunc
}

// partial is the output of a failed generation, kept for retry-generation.
type partial struct {
	text  string
	items int
}

var _ protocol.OutboundHandler = (*Host)(nil)

// New creates a host that delivers results through post.
func New(post func(protocol.Message) bool, opts Options, logger zerolog.Logger) *Host {
	if opts.Capturer == nil {
		opts.Capturer = NoCapture{}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		post:     post,
		provider: opts.Provider,
		store:    opts.Store,
		capturer: opts.Capturer,
		retry:    opts.Retry,
		metrics:  opts.Metrics,
		ui:       opts.UI,
		ctx:      ctx,
		cancel:   cancel,
		ops:      make(chan func(), opts.QueueSize),
		running:  make(map[string]running),
		partials: make(map[string]partial),
		logger:   logger.With().Str("component", "host").Logger(),
	}
	h.wg.Add(1)
	go h.storeWorker()
	return h
}

// Send routes an engine message to its handler.
func (h *Host) Send(msg protocol.Message) {
	if err := protocol.DispatchOutbound(h, msg); err != nil {
		h.logger.Warn().Err(err).Msg("unhandled outbound message")
	}
}

// Close cancels running generations and waits for workers to finish.
func (h *Host) Close() {
	h.cancel()
	h.wg.Wait()
}

func (h *Host) emit(msg protocol.Message) {
	if !h.post(msg) {
		h.logger.Debug().Str("type", string(msg.MessageType())).Msg("engine gone, dropping result")
	}
}

func (h *Host) enqueue(op func()) {
	select {
	case h.ops <- op:
	case <-h.ctx.Done():
	}
}

func (h *Host) storeWorker() {
	defer h.wg.Done()
	for {
		select {
		case op := <-h.ops:
			op()
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Host) goWork(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

func (h *Host) OnEngineState(m protocol.EngineState) {
	if h.ui != nil {
		h.ui(m)
	}
}

func (h *Host) OnCaptureScreenshot(m protocol.CaptureScreenshot) {
	h.goWork(func() {
		img, err := h.capturer.Capture(h.ctx, m.URL)
		if err != nil {
			h.metrics.RecordError("host", "capture")
			h.emit(protocol.ScreenshotError{Message: err.Error()})
			return
		}
		h.emit(protocol.ScreenshotCaptured{Screenshot: img})
	})
}
