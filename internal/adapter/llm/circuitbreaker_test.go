package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"warden/internal/domain"
	"warden/internal/infra/config"
)

type flakyBackend struct {
	fail  bool
	calls int
}

func (f *flakyBackend) Execute(context.Context, domain.LLMRequest) (*domain.LLMResponse, error) {
	f.calls++
	if f.fail {
		return nil, domain.ErrProviderError
	}
	return &domain.LLMResponse{Text: "ok"}, nil
}

func (f *flakyBackend) Provider() domain.Provider { return domain.ProviderGPT4 }
func (f *flakyBackend) Available() bool           { return true }
func (f *flakyBackend) Health() float32           { return 1.0 }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyBackend{fail: true}
	b := NewCircuitBreakerBackend(inner, config.CircuitBreakerConfig{
		MaxFailures: 2,
		Timeout:     time.Hour,
	}, discardLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := b.Execute(ctx, domain.NewLLMRequest(1, "hi")); !errors.Is(err, domain.ErrProviderError) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	// Open circuit fails fast without reaching the backend.
	_, err := b.Execute(ctx, domain.NewLLMRequest(1, "hi"))
	if !errors.Is(err, domain.ErrNotAvailable) {
		t.Fatalf("error = %v, want ErrNotAvailable", err)
	}
	if inner.calls != 2 {
		t.Fatalf("backend calls = %d, want 2", inner.calls)
	}

	// The gateway sees the open circuit as an unavailable backend.
	if b.Available() {
		t.Fatal("open breaker reports available")
	}
	if b.Health() != 0 {
		t.Fatalf("open breaker health = %v", b.Health())
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	inner := &flakyBackend{fail: true}
	b := NewCircuitBreakerBackend(inner, config.CircuitBreakerConfig{
		MaxFailures: 1,
		Timeout:     10 * time.Millisecond,
	}, discardLogger())
	ctx := context.Background()

	b.Execute(ctx, domain.NewLLMRequest(1, "hi"))
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	inner.fail = false
	time.Sleep(20 * time.Millisecond)

	if _, err := b.Execute(ctx, domain.NewLLMRequest(1, "hi")); err != nil {
		t.Fatalf("probe after timeout: %v", err)
	}
	if b.State() != gobreaker.StateClosed {
		t.Fatalf("state after recovery = %v, want closed", b.State())
	}
}

func TestBuildBackendsAlwaysIncludesLocal(t *testing.T) {
	cfg := config.LLMConfig{
		Providers: []config.ProviderConfig{
			{Name: "claude", APIKey: "k"},
			{Name: "mystery"},
		},
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true},
	}
	backends := BuildBackends(cfg, discardLogger())

	var providers []domain.Provider
	for _, b := range backends {
		providers = append(providers, b.Provider())
	}
	if len(backends) != 2 {
		t.Fatalf("backends = %v", providers)
	}
	if backends[0].Provider() != domain.ProviderClaude {
		t.Fatalf("first backend = %v", backends[0].Provider())
	}
	if _, ok := backends[0].(*CircuitBreakerBackend); !ok {
		t.Fatal("cloud backend not wrapped with circuit breaker")
	}
	if backends[1].Provider() != domain.ProviderLocalFallback {
		t.Fatal("local fallback missing")
	}
	if _, ok := backends[1].(*LocalBackend); !ok {
		t.Fatal("local backend must not be breaker-wrapped")
	}
}
