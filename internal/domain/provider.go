package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderLocalFallback Provider = "local"
	ProviderGPT4          Provider = "gpt4"
	ProviderClaude        Provider = "claude"
	ProviderGemini        Provider = "gemini"
)

// AllProviders lists every provider in declaration order.
func AllProviders() []Provider {
	return []Provider{ProviderLocalFallback, ProviderGPT4, ProviderClaude, ProviderGemini}
}

// CostTier orders providers by cost; lower is cheaper. LocalFallback is
// always cheapest since it has no external dependency.
func (p Provider) CostTier() int {
	switch p {
	case ProviderLocalFallback:
		return 0
	case ProviderGPT4:
		return 1
	case ProviderClaude:
		return 2
	case ProviderGemini:
		return 3
	}
	return 99
}

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderLocalFallback, ProviderGPT4, ProviderClaude, ProviderGemini:
		return true
	}
	return false
}

// UnmarshalJSON accepts known provider names only.
func (p *Provider) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v := Provider(s)
	if !v.Valid() {
		return fmt.Errorf("unknown provider %q", s)
	}
	*p = v
	return nil
}

// FallbackPolicyKind selects the provider ordering strategy.
type FallbackPolicyKind string

const (
	// FallbackLocalOnly never calls a cloud provider.
	FallbackLocalOnly FallbackPolicyKind = "local_only"
	// FallbackCostOptimized tries providers in ascending cost tier.
	FallbackCostOptimized FallbackPolicyKind = "cost_optimized"
	// FallbackReliabilityOptimized tries providers in descending measured
	// reliability, with LocalFallback always eligible as ultimate fallback.
	FallbackReliabilityOptimized FallbackPolicyKind = "reliability_optimized"
	// FallbackExplicit tries an operator-supplied order verbatim.
	FallbackExplicit FallbackPolicyKind = "explicit"
)

// FallbackPolicy is the ordering strategy plus its parameters.
type FallbackPolicy struct {
	Kind  FallbackPolicyKind `yaml:"kind" json:"kind"`
	Order []Provider         `yaml:"order,omitempty" json:"order,omitempty"` // Explicit only
}

// LLMRequest is one outbound request mediated by the gateway.
type LLMRequest struct {
	AgentID           AgentID   `json:"agent_id"`
	Prompt            string    `json:"prompt"`
	MaxTokens         int       `json:"max_tokens,omitempty"`   // default 1000
	Temperature       float64   `json:"temperature,omitempty"`  // default 0.7
	PreferredProvider *Provider `json:"preferred_provider,omitempty"`
	SystemMessage     string    `json:"system_message,omitempty"`
	TimeoutMS         int64     `json:"timeout_ms,omitempty"`
}

const (
	DefaultMaxTokens   = 1000
	DefaultTemperature = 0.7
)

// NewLLMRequest creates a request with defaults.
func NewLLMRequest(agentID AgentID, prompt string) LLMRequest {
	return LLMRequest{
		AgentID:     agentID,
		Prompt:      prompt,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
	}
}

// Normalize fills zero-valued tunables with defaults.
func (r *LLMRequest) Normalize() {
	if r.MaxTokens <= 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.Temperature == 0 {
		r.Temperature = DefaultTemperature
	}
}

// LLMResponse is the gateway's answer to an LLMRequest.
type LLMResponse struct {
	Provider    Provider      `json:"provider"`
	Text        string        `json:"text"`
	TokensUsed  int           `json:"tokens_used"`
	Duration    time.Duration `json:"duration"`
	WasFallback bool          `json:"was_fallback"`
}

// CloudBackend is implemented by every provider client integrated into the
// gateway.
type CloudBackend interface {
	// Execute performs the request. Expected failures return gateway
	// sentinels (ErrTimeout, ErrProviderError, ...).
	Execute(ctx context.Context, req LLMRequest) (*LLMResponse, error)
	// Provider identifies the backend.
	Provider() Provider
	// Available reports whether the backend can currently serve requests.
	Available() bool
	// Health is a 0.0-1.0 score; LocalFallback is always 1.0.
	Health() float32
}
