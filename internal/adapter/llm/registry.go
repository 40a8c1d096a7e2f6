package llm

import (
	"log/slog"

	"warden/internal/domain"
	"warden/internal/infra/config"
)

// BuildBackends constructs one CloudBackend per configured provider,
// wrapping cloud backends with a circuit breaker when enabled. The local
// fallback is always present even if the config omits it.
func BuildBackends(cfg config.LLMConfig, logger *slog.Logger) []domain.CloudBackend {
	var out []domain.CloudBackend
	haveLocal := false

	for _, pc := range cfg.Providers {
		var backend domain.CloudBackend
		switch domain.Provider(pc.Name) {
		case domain.ProviderGPT4:
			backend = NewGPT4Backend(pc, logger)
		case domain.ProviderClaude:
			backend = NewClaudeBackend(pc, logger)
		case domain.ProviderGemini:
			backend = NewGeminiBackend(pc, logger)
		case domain.ProviderLocalFallback:
			backend = NewLocalBackend(logger)
			haveLocal = true
		default:
			logger.Warn("skipping unknown provider", "name", pc.Name)
			continue
		}

		// The local backend has no external dependency to protect.
		if cfg.CircuitBreaker.Enabled && backend.Provider() != domain.ProviderLocalFallback {
			backend = NewCircuitBreakerBackend(backend, cfg.CircuitBreaker, logger)
		}
		out = append(out, backend)
	}

	if !haveLocal {
		out = append(out, NewLocalBackend(logger))
	}
	return out
}
