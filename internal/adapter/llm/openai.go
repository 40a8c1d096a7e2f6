package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"warden/internal/domain"
	"warden/internal/infra/config"
	"warden/internal/infra/tracer"
)

// GPT4Backend serves the gpt4 provider tier via any OpenAI-compatible chat
// completions API.
type GPT4Backend struct {
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	health  healthTracker
	logger  *slog.Logger
}

// NewGPT4Backend creates a backend with configured timeouts.
func NewGPT4Backend(cfg config.ProviderConfig, logger *slog.Logger) *GPT4Backend {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}

	return &GPT4Backend{
		model:   model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Provider implements domain.CloudBackend.
func (b *GPT4Backend) Provider() domain.Provider { return domain.ProviderGPT4 }

// Available implements domain.CloudBackend.
func (b *GPT4Backend) Available() bool { return b.apiKey != "" }

// Health implements domain.CloudBackend.
func (b *GPT4Backend) Health() float32 { return b.health.score() }

// Execute implements domain.CloudBackend.
func (b *GPT4Backend) Execute(ctx context.Context, req domain.LLMRequest) (*domain.LLMResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.execute",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", "gpt4"),
			tracer.StringAttr("llm.model", b.model),
		),
	)
	defer span.End()

	wire := openaiRequest{
		Model:       b.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.SystemMessage != "" {
		wire.Messages = append(wire.Messages, openaiMessage{Role: "system", Content: req.SystemMessage})
	}
	wire.Messages = append(wire.Messages, openaiMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(wire)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{"Authorization": "Bearer " + b.apiKey}
	respBody, err := doJSONRequest(ctx, b.client, b.baseURL+"/chat/completions", body, headers)
	if err != nil {
		b.health.record(false)
		tracer.RecordError(span, err)
		return nil, err
	}

	var wireResp openaiResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		b.health.record(false)
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(wireResp.Choices) == 0 {
		b.health.record(false)
		err := fmt.Errorf("%w: empty choices", domain.ErrProviderError)
		tracer.RecordError(span, err)
		return nil, err
	}

	resp := &domain.LLMResponse{
		Provider:   domain.ProviderGPT4,
		Text:       wireResp.Choices[0].Message.Content,
		TokensUsed: wireResp.Usage.TotalTokens,
	}

	b.health.record(true)
	span.SetAttributes(tracer.IntAttr("llm.tokens_used", resp.TokensUsed))
	tracer.SetOK(span)
	b.logger.Debug("llm request completed", "provider", "gpt4", "model", b.model, "tokens", resp.TokensUsed)
	return resp, nil
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
