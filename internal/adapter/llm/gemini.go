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

// GeminiBackend serves the gemini provider tier via the Google Gemini API.
type GeminiBackend struct {
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	health  healthTracker
	logger  *slog.Logger
}

// NewGeminiBackend creates a backend for the Google Gemini API.
func NewGeminiBackend(cfg config.ProviderConfig, logger *slog.Logger) *GeminiBackend {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	return &GeminiBackend{
		model:   model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Provider implements domain.CloudBackend.
func (b *GeminiBackend) Provider() domain.Provider { return domain.ProviderGemini }

// Available implements domain.CloudBackend.
func (b *GeminiBackend) Available() bool { return b.apiKey != "" }

// Health implements domain.CloudBackend.
func (b *GeminiBackend) Health() float32 { return b.health.score() }

// Execute implements domain.CloudBackend.
func (b *GeminiBackend) Execute(ctx context.Context, req domain.LLMRequest) (*domain.LLMResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.execute",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", "gemini"),
			tracer.StringAttr("llm.model", b.model),
		),
	)
	defer span.End()

	wire := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
		GenerationConfig: &geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	if req.SystemMessage != "" {
		wire.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemMessage}}}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", b.baseURL, b.model, b.apiKey)
	respBody, err := doJSONRequest(ctx, b.client, url, body, nil)
	if err != nil {
		b.health.record(false)
		tracer.RecordError(span, err)
		return nil, err
	}

	var wireResp geminiResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		b.health.record(false)
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(wireResp.Candidates) == 0 {
		b.health.record(false)
		err := fmt.Errorf("%w: no candidates", domain.ErrProviderError)
		tracer.RecordError(span, err)
		return nil, err
	}

	var text strings.Builder
	for _, part := range wireResp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	resp := &domain.LLMResponse{
		Provider:   domain.ProviderGemini,
		Text:       text.String(),
		TokensUsed: wireResp.UsageMetadata.TotalTokenCount,
	}

	b.health.record(true)
	span.SetAttributes(tracer.IntAttr("llm.tokens_used", resp.TokensUsed))
	tracer.SetOK(span)
	b.logger.Debug("llm request completed", "provider", "gemini", "model", b.model, "tokens", resp.TokensUsed)
	return resp, nil
}

// --- Gemini API wire types ---

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata geminiUsage       `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}
