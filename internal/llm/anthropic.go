package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 8192
	defaultModel        = "claude-sonnet-4-5"
	maxSSELine          = 1 << 20
)

// AnthropicProvider implements LLMProvider using the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
	logger    zerolog.Logger
}

// AnthropicOption configures the provider.
type AnthropicOption func(*AnthropicProvider)

func WithModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) { p.model = model }
}

func WithMaxTokens(n int) AnthropicOption {
	return func(p *AnthropicProvider) { p.maxTokens = n }
}

func WithHTTPClient(c *http.Client) AnthropicOption {
	return func(p *AnthropicProvider) { p.client = c }
}

// WithBaseURL points the provider at another endpoint, such as a proxy or a
// test server.
func WithBaseURL(u string) AnthropicOption {
	return func(p *AnthropicProvider) { p.baseURL = strings.TrimRight(u, "/") }
}

func WithLogger(l zerolog.Logger) AnthropicOption {
	return func(p *AnthropicProvider) { p.logger = l.With().Str("component", "llm.anthropic").Logger() }
}

// NewAnthropicProvider constructs a new Anthropic provider.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:    apiKey,
		baseURL:   anthropicAPIBase,
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
		client:    &http.Client{Timeout: 5 * time.Minute},
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *AnthropicProvider) ModelID() string { return p.model }
func (p *AnthropicProvider) MaxTokens() int  { return p.maxTokens }

// ---- wire types ----

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      anthropicUsage  `json:"usage"`
	Error      *anthropicError `json:"error,omitempty"`
}

// streamEvent covers the fields of every SSE event type used here.
type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage  `json:"usage"`
	Error *anthropicError `json:"error"`
}

func (p *AnthropicProvider) buildRequest(req CompletionRequest, stream bool) anthropicRequest {
	ar := anthropicRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		System:    req.SystemPrompt,
		Messages:  req.Messages,
		Stream:    stream,
	}
	if req.Model != "" {
		ar.Model = req.Model
	}
	if req.MaxTokens > 0 {
		ar.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		ar.Temperature = &t
	}
	return ar
}

// doRequest posts ar and returns the response when the status is 2xx.
func (p *AnthropicProvider) doRequest(ctx context.Context, ar anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(ar)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("anthropic http: %w: %v", perrors.ErrUnavailable, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(raw))
		var wrapped struct {
			Error *anthropicError `json:"error"`
		}
		if json.Unmarshal(raw, &wrapped) == nil && wrapped.Error != nil {
			msg = wrapped.Error.Type + ": " + wrapped.Error.Message
		}
		return nil, perrors.NewAPIError("anthropic", resp.StatusCode, msg)
	}
	return resp, nil
}

// Complete sends a blocking completion request.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ar := p.buildRequest(req, false)
	resp, err := p.doRequest(ctx, ar)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, perrors.NewAPIError("anthropic", resp.StatusCode, decoded.Error.Type+": "+decoded.Error.Message)
	}

	out := &CompletionResponse{
		StopReason: decoded.StopReason,
		Usage:      Usage{InputTokens: decoded.Usage.InputTokens, OutputTokens: decoded.Usage.OutputTokens},
	}
	for _, block := range decoded.Content {
		if block.Type == "text" {
			out.Text += block.Text
		}
	}

	p.logger.Debug().
		Str("model", ar.Model).
		Str("stop_reason", out.StopReason).
		Int64("in_tokens", out.Usage.InputTokens).
		Int64("out_tokens", out.Usage.OutputTokens).
		Msg("anthropic complete")
	return out, nil
}

// Stream sends a streaming request and relays Server-Sent Events to out.
// Usage is accumulated from message_start and message_delta and attached to
// the final token.
func (p *AnthropicProvider) Stream(ctx context.Context, req CompletionRequest, out chan<- Token) error {
	ar := p.buildRequest(req, true)
	resp, err := p.doRequest(ctx, ar)
	if err != nil {
		return err
	}

	go func() {
		defer resp.Body.Close()
		defer close(out)

		emit := func(t Token) bool {
			select {
			case out <- t:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var usage Usage
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64<<10), maxSSELine)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "message_start":
				usage.InputTokens = ev.Message.Usage.InputTokens
				usage.OutputTokens = ev.Message.Usage.OutputTokens
			case "content_block_delta":
				if ev.Delta.Text != "" && !emit(Token{Text: ev.Delta.Text}) {
					return
				}
			case "message_delta":
				if ev.Usage.OutputTokens > 0 {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
			case "message_stop":
				p.logger.Debug().
					Str("model", ar.Model).
					Int64("in_tokens", usage.InputTokens).
					Int64("out_tokens", usage.OutputTokens).
					Msg("anthropic stream complete")
				u := usage
				emit(Token{Done: true, Usage: &u})
				return
			case "error":
				msg := "stream error"
				if ev.Error != nil {
					msg = ev.Error.Type + ": " + ev.Error.Message
				}
				emit(Token{Error: perrors.NewAPIError("anthropic", http.StatusInternalServerError, msg)})
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(Token{Error: fmt.Errorf("read stream: %w", err)})
			return
		}
		emit(Token{Error: fmt.Errorf("%w: stream ended before message_stop", perrors.ErrUnavailable)})
	}()

	return nil
}
