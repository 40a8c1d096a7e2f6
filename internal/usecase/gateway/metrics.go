package gateway

import (
	"time"

	"warden/internal/domain"
)

// ProviderStats counts one provider's attempts.
type ProviderStats struct {
	Successes uint64 `json:"successes"`
	Failures  uint64 `json:"failures"`
}

// Reliability is the measured success ratio. A provider that was never
// attempted scores 1.0 so new backends get a chance under
// reliability-optimized ordering.
func (s ProviderStats) Reliability() float64 {
	attempts := s.Successes + s.Failures
	if attempts == 0 {
		return 1.0
	}
	return float64(s.Successes) / float64(attempts)
}

// GatewayMetrics is a point-in-time copy of the gateway's counters.
type GatewayMetrics struct {
	TotalRequests      uint64                                `json:"total_requests"`
	SuccessfulRequests uint64                                `json:"successful_requests"`
	FailedRequests     uint64                                `json:"failed_requests"`
	RateLimited        uint64                                `json:"rate_limited"`
	Fallbacks          uint64                                `json:"fallbacks"`
	TokensUsed         uint64                                `json:"tokens_used"`
	AvgDuration        time.Duration                         `json:"avg_duration"`
	Providers          map[domain.Provider]ProviderStats     `json:"providers"`
}

// metricsState is the gateway's live counters, guarded by the gateway mutex.
type metricsState struct {
	totalRequests      uint64
	successfulRequests uint64
	failedRequests     uint64
	rateLimited        uint64
	fallbacks          uint64
	tokensUsed         uint64
	durationTotal      time.Duration
	providers          map[domain.Provider]*ProviderStats
}

func newMetricsState() metricsState {
	return metricsState{providers: make(map[domain.Provider]*ProviderStats)}
}

func (m *metricsState) statsFor(p domain.Provider) *ProviderStats {
	s, ok := m.providers[p]
	if !ok {
		s = &ProviderStats{}
		m.providers[p] = s
	}
	return s
}

func (m *metricsState) snapshot() GatewayMetrics {
	out := GatewayMetrics{
		TotalRequests:      m.totalRequests,
		SuccessfulRequests: m.successfulRequests,
		FailedRequests:     m.failedRequests,
		RateLimited:        m.rateLimited,
		Fallbacks:          m.fallbacks,
		TokensUsed:         m.tokensUsed,
		Providers:          make(map[domain.Provider]ProviderStats, len(m.providers)),
	}
	if m.successfulRequests > 0 {
		out.AvgDuration = m.durationTotal / time.Duration(m.successfulRequests)
	}
	for p, s := range m.providers {
		out.Providers[p] = *s
	}
	return out
}
