// Package gateway mediates agent LLM traffic: per-agent rate limiting,
// provider selection under a fallback policy, and request metrics.
package gateway

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"warden/internal/domain"
	"warden/internal/infra/tracer"
	"warden/internal/usecase/eventbus"
)

// Gateway routes LLMRequests to registered backends. The rate limiter is
// consulted before any provider attempt; a rejected request counts as failed
// and no backend is touched.
type Gateway struct {
	mu       sync.Mutex
	backends map[domain.Provider]domain.CloudBackend
	policy   domain.FallbackPolicy
	metrics  metricsState
	timeout  time.Duration

	limiter *RateLimiter
	bus     *eventbus.Bus
	logger  *slog.Logger
}

// New creates a gateway with no backends registered.
func New(policy domain.FallbackPolicy, limiter *RateLimiter, bus *eventbus.Bus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	return &Gateway{
		backends: make(map[domain.Provider]domain.CloudBackend),
		policy:   policy,
		metrics:  newMetricsState(),
		limiter:  limiter,
		bus:      bus,
		logger:   logger.With("component", "gateway"),
	}
}

// RegisterBackend adds or replaces the backend for its provider.
func (g *Gateway) RegisterBackend(b domain.CloudBackend) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.backends[b.Provider()] = b
}

// SetFallbackPolicy swaps the provider ordering strategy.
func (g *Gateway) SetFallbackPolicy(p domain.FallbackPolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = p
}

// SetRequestTimeout bounds each backend attempt. Zero disables the bound.
func (g *Gateway) SetRequestTimeout(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timeout = d
}

// RateLimiter exposes the per-agent bucket table.
func (g *Gateway) RateLimiter() *RateLimiter { return g.limiter }

// ActiveAgents counts distinct agents with a configured rate bucket.
func (g *Gateway) ActiveAgents() int { return g.limiter.ActiveAgents() }

// RemoveAgent drops the agent's rate-limiter state. Invoked from the
// supervisor's exit path.
func (g *Gateway) RemoveAgent(id domain.AgentID) { g.limiter.RemoveAgent(id) }

// OnLifecycleEvent lets the gateway ride the supervisor's listener chain:
// terminal exits release rate-limiter state; a restarted agent gets a fresh
// default bucket on its next request.
func (g *Gateway) OnLifecycleEvent(ev domain.LifecycleEvent) {
	switch ev.Kind {
	case domain.LifecycleExited, domain.LifecycleCrashed:
		g.RemoveAgent(ev.AgentID)
	}
}

// RouteRequest selects providers per the fallback policy and returns the
// first successful response, annotated with whether it came from a fallback
// provider. Rate-limit rejection fails fast without touching any backend.
func (g *Gateway) RouteRequest(ctx context.Context, req domain.LLMRequest) (*domain.LLMResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "gateway.RouteRequest")
	defer span.End()
	span.SetAttributes(tracer.IntAttr("agent.id", int(req.AgentID)))

	req.Normalize()

	g.mu.Lock()
	g.metrics.totalRequests++
	g.mu.Unlock()

	if !g.limiter.Check(req.AgentID) {
		g.mu.Lock()
		g.metrics.rateLimited++
		g.metrics.failedRequests++
		g.mu.Unlock()
		err := domain.NewSubSystemError("gateway", "Gateway.RouteRequest", domain.ErrRateLimit, "no tokens for agent")
		tracer.RecordError(span, err)
		return nil, err
	}

	candidates := g.candidates(req.PreferredProvider)
	if len(candidates) == 0 {
		g.mu.Lock()
		g.metrics.failedRequests++
		g.mu.Unlock()
		err := domain.NewSubSystemError("gateway", "Gateway.RouteRequest", domain.ErrAllProvidersFailed, "no eligible providers")
		tracer.RecordError(span, err)
		return nil, err
	}

	timeout := g.requestTimeout(req)
	tried := 0
	for _, p := range candidates {
		g.mu.Lock()
		backend, ok := g.backends[p]
		g.mu.Unlock()
		if !ok || !backend.Available() {
			continue
		}
		tried++

		execute := func() (*domain.LLMResponse, error) {
			if timeout > 0 {
				attemptCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				return backend.Execute(attemptCtx, req)
			}
			return backend.Execute(ctx, req)
		}
		start := time.Now()
		resp, err := execute()
		elapsed := time.Since(start)

		if err != nil {
			g.mu.Lock()
			g.metrics.statsFor(p).Failures++
			g.mu.Unlock()
			g.logger.Warn("provider attempt failed", "provider", p, "agent_id", req.AgentID, "error", err)
			continue
		}

		resp.Provider = p
		resp.Duration = elapsed
		resp.WasFallback = tried > 1

		g.mu.Lock()
		g.metrics.statsFor(p).Successes++
		g.metrics.successfulRequests++
		g.metrics.tokensUsed += uint64(resp.TokensUsed)
		g.metrics.durationTotal += elapsed
		if resp.WasFallback {
			g.metrics.fallbacks++
		}
		g.mu.Unlock()

		if g.bus != nil {
			g.bus.PublishJSON(ctx, domain.EventLLMCompleted, llmCompletedPayload{
				AgentID:     req.AgentID,
				Provider:    p,
				TokensUsed:  resp.TokensUsed,
				WasFallback: resp.WasFallback,
				DurationMS:  elapsed.Milliseconds(),
			})
		}
		span.SetAttributes(tracer.StringAttr("provider", string(p)))
		tracer.SetOK(span)
		return resp, nil
	}

	g.mu.Lock()
	g.metrics.failedRequests++
	g.mu.Unlock()
	err := domain.NewSubSystemError("gateway", "Gateway.RouteRequest", domain.ErrAllProvidersFailed, "every candidate failed")
	tracer.RecordError(span, err)
	return nil, err
}

// requestTimeout resolves the per-attempt bound: the request's own timeout
// wins over the gateway default.
func (g *Gateway) requestTimeout(req domain.LLMRequest) time.Duration {
	if req.TimeoutMS > 0 {
		return time.Duration(req.TimeoutMS) * time.Millisecond
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timeout
}

// candidates builds the ordered provider list for one request. A preferred
// provider is tried first; the policy ordering follows without duplicating it.
func (g *Gateway) candidates(preferred *domain.Provider) []domain.Provider {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ordered []domain.Provider
	switch g.policy.Kind {
	case domain.FallbackLocalOnly:
		ordered = []domain.Provider{domain.ProviderLocalFallback}
	case domain.FallbackExplicit:
		ordered = append(ordered, g.policy.Order...)
	case domain.FallbackReliabilityOptimized:
		for p := range g.backends {
			if p != domain.ProviderLocalFallback {
				ordered = append(ordered, p)
			}
		}
		sort.SliceStable(ordered, func(i, j int) bool {
			ri := g.metrics.statsFor(ordered[i]).Reliability()
			rj := g.metrics.statsFor(ordered[j]).Reliability()
			if ri != rj {
				return ri > rj
			}
			return ordered[i].CostTier() < ordered[j].CostTier()
		})
		// Local is the ultimate fallback, always last and always eligible.
		ordered = append(ordered, domain.ProviderLocalFallback)
	default: // CostOptimized
		for p := range g.backends {
			ordered = append(ordered, p)
		}
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].CostTier() < ordered[j].CostTier()
		})
	}

	registered := ordered[:0]
	for _, p := range ordered {
		if _, ok := g.backends[p]; ok {
			registered = append(registered, p)
		}
	}
	ordered = registered

	if preferred == nil {
		return ordered
	}
	if _, ok := g.backends[*preferred]; !ok {
		return ordered
	}
	out := []domain.Provider{*preferred}
	for _, p := range ordered {
		if p != *preferred {
			out = append(out, p)
		}
	}
	return out
}

// BackendHealth reports the provider's 0.0-1.0 health score. The second
// return is false for unregistered providers. LocalFallback always scores
// 1.0: it has no external dependency.
func (g *Gateway) BackendHealth(p domain.Provider) (float32, bool) {
	g.mu.Lock()
	backend, ok := g.backends[p]
	g.mu.Unlock()
	if !ok {
		return 0, false
	}
	if p == domain.ProviderLocalFallback {
		return 1.0, true
	}
	return backend.Health(), true
}

// Metrics returns a copy of the gateway counters.
func (g *Gateway) Metrics() GatewayMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metrics.snapshot()
}

type llmCompletedPayload struct {
	AgentID     domain.AgentID  `json:"agent_id"`
	Provider    domain.Provider `json:"provider"`
	TokensUsed  int             `json:"tokens_used"`
	WasFallback bool            `json:"was_fallback"`
	DurationMS  int64           `json:"duration_ms"`
}
