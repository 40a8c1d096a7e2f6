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

const defaultAnthropicVersion = "2023-06-01"

// ClaudeBackend serves the claude provider tier via the Anthropic Messages
// API.
type ClaudeBackend struct {
	model   string
	apiKey  string
	baseURL string
	version string
	client  *http.Client
	health  healthTracker
	logger  *slog.Logger
}

// NewClaudeBackend creates a backend for the Anthropic Messages API.
func NewClaudeBackend(cfg config.ProviderConfig, logger *slog.Logger) *ClaudeBackend {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	return &ClaudeBackend{
		model:   model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		version: defaultAnthropicVersion,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Provider implements domain.CloudBackend.
func (b *ClaudeBackend) Provider() domain.Provider { return domain.ProviderClaude }

// Available implements domain.CloudBackend. The Messages API needs a key.
func (b *ClaudeBackend) Available() bool { return b.apiKey != "" }

// Health implements domain.CloudBackend.
func (b *ClaudeBackend) Health() float32 { return b.health.score() }

// Execute implements domain.CloudBackend.
func (b *ClaudeBackend) Execute(ctx context.Context, req domain.LLMRequest) (*domain.LLMResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.execute",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", "claude"),
			tracer.StringAttr("llm.model", b.model),
		),
	)
	defer span.End()

	wire := anthropicRequest{
		Model:     b.model,
		MaxTokens: req.MaxTokens,
		System:    req.SystemMessage,
		Messages: []anthropicMessage{
			{Role: "user", Content: []anthropicContent{{Type: "text", Text: req.Prompt}}},
		},
		Temperature: req.Temperature,
	}
	body, err := json.Marshal(wire)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"x-api-key":         b.apiKey,
		"anthropic-version": b.version,
	}
	respBody, err := doJSONRequest(ctx, b.client, b.baseURL+"/v1/messages", body, headers)
	if err != nil {
		b.health.record(false)
		tracer.RecordError(span, err)
		return nil, err
	}

	var wireResp anthropicResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		b.health.record(false)
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var text strings.Builder
	for _, block := range wireResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	resp := &domain.LLMResponse{
		Provider:   domain.ProviderClaude,
		Text:       text.String(),
		TokensUsed: wireResp.Usage.InputTokens + wireResp.Usage.OutputTokens,
	}

	b.health.record(true)
	span.SetAttributes(tracer.IntAttr("llm.tokens_used", resp.TokensUsed))
	tracer.SetOK(span)
	b.logger.Debug("llm request completed", "provider", "claude", "model", b.model, "tokens", resp.TokensUsed)
	return resp, nil
}

// --- Anthropic API wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
