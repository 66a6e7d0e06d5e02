package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiProvider implements LLMProvider with the official genai client.
type GeminiProvider struct {
	cli       *genai.Client
	model     string
	maxTokens int
	logger    zerolog.Logger
}

// NewGeminiProvider creates a Gemini API client. An empty apiKey lets the
// client read GEMINI_API_KEY or GOOGLE_API_KEY itself.
func NewGeminiProvider(ctx context.Context, apiKey, model string, maxTokens int, logger zerolog.Logger) (*GeminiProvider, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &GeminiProvider{
		cli:       cli,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.With().Str("component", "llm.gemini").Logger(),
	}, nil
}

func (g *GeminiProvider) ModelID() string { return g.model }
func (g *GeminiProvider) MaxTokens() int  { return g.maxTokens }

func (g *GeminiProvider) request(req CompletionRequest) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := g.model
	if req.Model != "" {
		model = req.Model
	}
	maxTok := g.maxTokens
	if req.MaxTokens > 0 {
		maxTok = req.MaxTokens
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{MaxOutputTokens: int32(maxTok)}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
	}
	return model, contents, cfg
}

func usageOf(md *genai.GenerateContentResponseUsageMetadata) Usage {
	if md == nil {
		return Usage{}
	}
	return Usage{InputTokens: int64(md.PromptTokenCount), OutputTokens: int64(md.CandidatesTokenCount)}
}

// Complete sends a blocking request.
func (g *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model, contents, cfg := g.request(req)
	resp, err := g.cli.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, wrapGeminiError(err)
	}
	out := &CompletionResponse{Text: resp.Text(), StopReason: StopReasonEndTurn, Usage: usageOf(resp.UsageMetadata)}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		out.StopReason = StopReasonMaxTokens
	}
	g.logger.Debug().
		Str("model", model).
		Int64("in_tokens", out.Usage.InputTokens).
		Int64("out_tokens", out.Usage.OutputTokens).
		Msg("gemini complete")
	return out, nil
}

// Stream relays GenerateContentStream chunks to out. The stream is started
// lazily by the iterator, so request errors surface as Error tokens.
func (g *GeminiProvider) Stream(ctx context.Context, req CompletionRequest, out chan<- Token) error {
	model, contents, cfg := g.request(req)

	go func() {
		defer close(out)
		var usage Usage
		for resp, err := range g.cli.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				select {
				case out <- Token{Error: wrapGeminiError(err)}:
				case <-ctx.Done():
				}
				return
			}
			if resp.UsageMetadata != nil {
				usage = usageOf(resp.UsageMetadata)
			}
			if text := resp.Text(); text != "" {
				select {
				case out <- Token{Text: text}:
				case <-ctx.Done():
					return
				}
			}
		}
		u := usage
		select {
		case out <- Token{Done: true, Usage: &u}:
		case <-ctx.Done():
		}
	}()
	return nil
}

func wrapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return perrors.NewAPIError("gemini", apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("gemini: %w", err)
}
