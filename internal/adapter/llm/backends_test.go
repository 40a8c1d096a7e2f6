package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"warden/internal/domain"
	"warden/internal/infra/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGPT4BackendExecute(t *testing.T) {
	var got openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(openaiResponse{
			Choices: []openaiChoice{{Message: openaiMessage{Role: "assistant", Content: "hello back"}}},
			Usage:   openaiUsage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
		})
	}))
	defer srv.Close()

	b := NewGPT4Backend(config.ProviderConfig{Name: "gpt4", BaseURL: srv.URL, APIKey: "test-key", Model: "gpt-4o"}, discardLogger())
	req := domain.NewLLMRequest(1, "hello")
	req.SystemMessage = "be brief"

	resp, err := b.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Text != "hello back" || resp.TokensUsed != 6 || resp.Provider != domain.ProviderGPT4 {
		t.Fatalf("resp = %+v", resp)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "hello" {
		t.Fatalf("wire messages = %+v", got.Messages)
	}
	if b.Health() != 1.0 {
		t.Fatalf("health = %v", b.Health())
	}
}

func TestClaudeBackendExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("api key header = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version header")
		}
		json.NewEncoder(w).Encode(anthropicResponse{
			Content: []anthropicContent{{Type: "text", Text: "claude says hi"}},
			Usage:   anthropicUsage{InputTokens: 5, OutputTokens: 3},
		})
	}))
	defer srv.Close()

	b := NewClaudeBackend(config.ProviderConfig{Name: "claude", BaseURL: srv.URL, APIKey: "test-key"}, discardLogger())
	resp, err := b.Execute(context.Background(), domain.NewLLMRequest(1, "hi"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Text != "claude says hi" || resp.TokensUsed != 8 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestGeminiBackendExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("key query param = %q", r.URL.Query().Get("key"))
		}
		json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{{
				Content: geminiContent{Parts: []geminiPart{{Text: "gemini reply"}}},
			}},
			UsageMetadata: geminiUsage{TotalTokenCount: 11},
		})
	}))
	defer srv.Close()

	b := NewGeminiBackend(config.ProviderConfig{Name: "gemini", BaseURL: srv.URL, APIKey: "test-key"}, discardLogger())
	resp, err := b.Execute(context.Background(), domain.NewLLMRequest(1, "hi"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Text != "gemini reply" || resp.TokensUsed != 11 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestErrorMappingFromStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrProviderRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusInternalServerError, domain.ErrProviderError},
		{http.StatusGatewayTimeout, domain.ErrTimeout},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		b := NewGPT4Backend(config.ProviderConfig{Name: "gpt4", BaseURL: srv.URL, APIKey: "k"}, discardLogger())
		_, err := b.Execute(context.Background(), domain.NewLLMRequest(1, "hi"))
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: error = %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestAvailabilityRequiresAPIKey(t *testing.T) {
	logger := discardLogger()
	if NewGPT4Backend(config.ProviderConfig{Name: "gpt4"}, logger).Available() {
		t.Fatal("keyless gpt4 backend reports available")
	}
	if !NewClaudeBackend(config.ProviderConfig{Name: "claude", APIKey: "k"}, logger).Available() {
		t.Fatal("keyed claude backend reports unavailable")
	}
	if !NewLocalBackend(logger).Available() {
		t.Fatal("local backend must always be available")
	}
}

func TestLocalBackendAlwaysAnswers(t *testing.T) {
	b := NewLocalBackend(discardLogger())
	resp, err := b.Execute(context.Background(), domain.NewLLMRequest(1, "summarize the incident report"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Provider != domain.ProviderLocalFallback || resp.Text == "" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.TokensUsed <= 0 {
		t.Fatalf("tokens = %d, want > 0", resp.TokensUsed)
	}
	if b.Health() != 1.0 {
		t.Fatalf("health = %v", b.Health())
	}
}

func TestHealthDegradesOnFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewGPT4Backend(config.ProviderConfig{Name: "gpt4", BaseURL: srv.URL, APIKey: "k"}, discardLogger())
	if b.Health() != 1.0 {
		t.Fatalf("initial health = %v", b.Health())
	}
	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), domain.NewLLMRequest(1, "hi"))
	}
	if b.Health() != 0 {
		t.Fatalf("health after failures = %v", b.Health())
	}
}
