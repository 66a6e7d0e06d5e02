// Package llm defines the model provider interface used for generation.
// Providers are interchangeable behind LLMProvider.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Role constants for Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Stop reasons reported by providers.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
)

// Message is a single turn in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input to Complete and Stream.
type CompletionRequest struct {
	Messages     []Message
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Model        string // overrides the provider default when set
}

// Usage is provider-reported token usage.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// Token is one streamed event. The final token has Done set and carries the
// usage of the whole request; an Error token ends the stream.
type Token struct {
	Text  string
	Done  bool
	Error error
	Usage *Usage
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	Text       string
	StopReason string
	Usage      Usage
}

// LLMProvider is the core abstraction for language model backends.
type LLMProvider interface {
	// Complete sends a request and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Stream starts a request and delivers tokens to out, closing it when the
	// stream ends. An error returned here means no token was produced and the
	// request may be retried.
	Stream(ctx context.Context, req CompletionRequest, out chan<- Token) error

	// ModelID returns the current model identifier.
	ModelID() string

	// MaxTokens returns the default output token limit.
	MaxTokens() int
}

// UserPrompt builds a single-turn request.
func UserPrompt(system, prompt string) CompletionRequest {
	return CompletionRequest{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: prompt}},
	}
}

// Settings selects and configures a provider.
type Settings struct {
	Provider  string // anthropic or gemini
	APIKey    string
	Model     string
	MaxTokens int
	BaseURL   string
}

// NewProvider builds the provider named in s.
func NewProvider(ctx context.Context, s Settings, logger zerolog.Logger) (LLMProvider, error) {
	switch strings.ToLower(s.Provider) {
	case "", "anthropic":
		opts := []AnthropicOption{WithLogger(logger)}
		if s.Model != "" {
			opts = append(opts, WithModel(s.Model))
		}
		if s.MaxTokens > 0 {
			opts = append(opts, WithMaxTokens(s.MaxTokens))
		}
		if s.BaseURL != "" {
			opts = append(opts, WithBaseURL(s.BaseURL))
		}
		return NewAnthropicProvider(s.APIKey, opts...), nil
	case "gemini":
		return NewGeminiProvider(ctx, s.APIKey, s.Model, s.MaxTokens, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", s.Provider)
	}
}
