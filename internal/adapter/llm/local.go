package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"warden/internal/domain"
)

// LocalBackend is the provider of last resort: it answers every request
// in-process with a canned acknowledgment, so the gateway always has a
// healthy fallback with no external dependency.
type LocalBackend struct {
	logger *slog.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewLocalBackend creates the local fallback backend.
func NewLocalBackend(logger *slog.Logger) *LocalBackend {
	return &LocalBackend{logger: logger}
}

// Provider implements domain.CloudBackend.
func (b *LocalBackend) Provider() domain.Provider { return domain.ProviderLocalFallback }

// Available implements domain.CloudBackend. Always true.
func (b *LocalBackend) Available() bool { return true }

// Health implements domain.CloudBackend. Always 1.0: nothing external can
// degrade it.
func (b *LocalBackend) Health() float32 { return 1.0 }

// Execute implements domain.CloudBackend.
func (b *LocalBackend) Execute(_ context.Context, req domain.LLMRequest) (*domain.LLMResponse, error) {
	text := b.generate(req)
	return &domain.LLMResponse{
		Provider:   domain.ProviderLocalFallback,
		Text:       text,
		TokensUsed: b.countTokens(req.Prompt) + b.countTokens(text),
	}, nil
}

// generate produces a deterministic acknowledgment. No model runs here; the
// point is a well-formed response when every cloud provider is down.
func (b *LocalBackend) generate(req domain.LLMRequest) string {
	prompt := strings.TrimSpace(req.Prompt)
	const excerptLen = 80
	excerpt := prompt
	if len(excerpt) > excerptLen {
		excerpt = excerpt[:excerptLen] + "..."
	}
	return fmt.Sprintf("[local fallback] Unable to reach a cloud provider. Request noted: %q. Please retry later for a full completion.", excerpt)
}

// countTokens estimates with the cl100k_base tokenizer, falling back to the
// rough bytes/4 heuristic when the encoding is unavailable (e.g. offline).
func (b *LocalBackend) countTokens(text string) int {
	b.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			b.logger.Warn("tokenizer unavailable, using byte estimate", "error", err)
			return
		}
		b.enc = enc
	})
	if b.enc == nil {
		return len(text) / 4
	}
	return len(b.enc.Encode(text, nil, nil))
}
