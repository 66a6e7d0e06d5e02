package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		var body anthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			var head struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal([]byte(ev), &head)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", head.Type, ev)
		}
	}))
}

func collect(t *testing.T, out <-chan Token) []Token {
	t.Helper()
	var toks []Token
	for tok := range out {
		toks = append(toks, tok)
	}
	return toks
}

func TestAnthropicStream_TextAndUsage(t *testing.T) {
	srv := sseServer(t,
		`{"type":"message_start","message":{"usage":{"input_tokens":12,"output_tokens":1}}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":" world"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
		`{"type":"message_stop"}`,
	)
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithBaseURL(srv.URL), WithLogger(zerolog.Nop()))
	out := make(chan Token, 16)
	require.NoError(t, p.Stream(context.Background(), UserPrompt("sys", "hi"), out))

	toks := collect(t, out)
	require.Len(t, toks, 3)
	assert.Equal(t, "Hello", toks[0].Text)
	assert.Equal(t, " world", toks[1].Text)
	assert.True(t, toks[2].Done)
	require.NotNil(t, toks[2].Usage)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 7}, *toks[2].Usage)
}

func TestAnthropicStream_TruncatedStreamErrors(t *testing.T) {
	srv := sseServer(t,
		`{"type":"message_start","message":{"usage":{"input_tokens":3}}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"partial"}}`,
	)
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithBaseURL(srv.URL))
	out := make(chan Token, 16)
	require.NoError(t, p.Stream(context.Background(), UserPrompt("", "hi"), out))

	toks := collect(t, out)
	require.Len(t, toks, 2)
	assert.Equal(t, "partial", toks[0].Text)
	assert.ErrorIs(t, toks[1].Error, perrors.ErrUnavailable)
}

func TestAnthropicStream_StatusErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithBaseURL(srv.URL))
	err := p.Stream(context.Background(), UserPrompt("", "hi"), make(chan Token, 1))
	require.Error(t, err)
	assert.True(t, perrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "overloaded_error")
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body anthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-test", body.Model)
		assert.Equal(t, 256, body.MaxTokens)
		assert.Equal(t, "be brief", body.System)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":1}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithBaseURL(srv.URL+"/"), WithModel("claude-test"), WithMaxTokens(256))
	resp, err := p.Complete(context.Background(), UserPrompt("be brief", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, StopReasonEndTurn, resp.StopReason)
	assert.Equal(t, int64(6), resp.Usage.Total())
}

func TestNewProvider_Unknown(t *testing.T) {
	_, err := NewProvider(context.Background(), Settings{Provider: "mystery"}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "mystery"))

	p, err := NewProvider(context.Background(), Settings{Provider: "anthropic", Model: "claude-x", MaxTokens: 100}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "claude-x", p.ModelID())
	assert.Equal(t, 100, p.MaxTokens())
}
