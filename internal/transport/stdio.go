// Package transport carries protocol messages between the engine and an
// out-of-process host.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/buildmode/internal/protocol"
)

const maxLine = 8 << 20

// Stdio exchanges newline-delimited JSON envelopes over a reader and a
// writer. Outbound messages are written to w; inbound lines read from r are
// posted to the engine.
type Stdio struct {
	r      io.Reader
	w      io.Writer
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewStdio creates a stdio transport.
func NewStdio(r io.Reader, w io.Writer, logger zerolog.Logger) *Stdio {
	return &Stdio{r: r, w: w, logger: logger.With().Str("component", "transport.stdio").Logger()}
}

// Send writes one message as a single line.
func (s *Stdio) Send(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(msg.MessageType())).Msg("encode failed")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		s.logger.Warn().Err(err).Msg("write failed")
	}
}

// Run reads inbound lines until r is exhausted or ctx ends. Malformed lines
// are logged and skipped.
func (s *Stdio) Run(ctx context.Context, post func(protocol.Message) bool) error {
	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(s.r)
		sc.Buffer(make([]byte, 64<<10), maxLine)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("stdio read: %w", err)
			}
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			msg, err := protocol.Decode(line)
			if err != nil {
				s.logger.Warn().Err(err).Msg("dropping malformed message")
				continue
			}
			if !post(msg) {
				return nil
			}
		}
	}
}
