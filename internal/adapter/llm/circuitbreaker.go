package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"warden/internal/domain"
	"warden/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerBackend wraps a CloudBackend with circuit breaker
// protection. When the wrapped backend fails repeatedly, the circuit opens
// and subsequent calls fail fast without reaching the provider, preventing
// retry storms against an API that is already struggling.
type CircuitBreakerBackend struct {
	inner   domain.CloudBackend
	breaker *gobreaker.CircuitBreaker[*domain.LLMResponse]
	logger  *slog.Logger
}

// NewCircuitBreakerBackend wraps inner with a circuit breaker. Zero-valued
// settings fall back to defaults.
func NewCircuitBreakerBackend(inner domain.CloudBackend, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerBackend {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	name := string(inner.Provider())
	cb := gobreaker.NewCircuitBreaker[*domain.LLMResponse](gobreaker.Settings{
		Name:        "llm:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &CircuitBreakerBackend{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Execute implements domain.CloudBackend. Calls are routed through the
// circuit breaker.
func (b *CircuitBreakerBackend) Execute(ctx context.Context, req domain.LLMRequest) (*domain.LLMResponse, error) {
	resp, err := b.breaker.Execute(func() (*domain.LLMResponse, error) {
		return b.inner.Execute(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("provider %q circuit open: %w", b.inner.Provider(), domain.ErrNotAvailable)
		}
		return nil, err
	}
	return resp, nil
}

// Provider implements domain.CloudBackend.
func (b *CircuitBreakerBackend) Provider() domain.Provider { return b.inner.Provider() }

// Available implements domain.CloudBackend. An open circuit makes the
// backend unavailable so the gateway skips it without an attempt.
func (b *CircuitBreakerBackend) Available() bool {
	return b.inner.Available() && b.breaker.State() != gobreaker.StateOpen
}

// Health implements domain.CloudBackend. An open circuit reports zero.
func (b *CircuitBreakerBackend) Health() float32 {
	if b.breaker.State() == gobreaker.StateOpen {
		return 0
	}
	return b.inner.Health()
}

// State returns the current circuit breaker state for monitoring.
func (b *CircuitBreakerBackend) State() gobreaker.State {
	return b.breaker.State()
}

// Counts returns the current failure/success counts.
func (b *CircuitBreakerBackend) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}

var _ domain.CloudBackend = (*CircuitBreakerBackend)(nil)
