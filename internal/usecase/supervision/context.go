// Package supervision wires the control-plane components together.
//
// Locking follows a strict hierarchy: Supervisor < Telemetry < Policy <
// Gateway. No operation holds two component locks at once — each component
// copies what it needs out under its own lock, releases, and only then calls
// into the next component. The supervisor is the sole mutator of agent
// metadata; the policy controller reaches it through an explicit setter.
package supervision

import (
	"context"
	"fmt"
	"log/slog"

	"warden/internal/adapter/llm"
	"warden/internal/adapter/store"
	"warden/internal/domain"
	"warden/internal/infra/config"
	"warden/internal/security"
	"warden/internal/usecase/compliance"
	"warden/internal/usecase/eventbus"
	"warden/internal/usecase/fault"
	"warden/internal/usecase/gateway"
	"warden/internal/usecase/policy"
	"warden/internal/usecase/supervisor"
	"warden/internal/usecase/telemetry"
)

// Context owns one instance of every control-plane component. Construct it
// once at startup; all components share its lifetime.
type Context struct {
	Bus        *eventbus.Bus
	Telemetry  *telemetry.Aggregator
	Detector   *fault.Detector
	Supervisor *supervisor.Supervisor
	Policy     *policy.Controller
	Gateway    *gateway.Gateway
	Compliance *compliance.Tracker

	Store *store.SQLiteStore        // nil when compliance persistence is disabled
	Audit *security.FileAuditLogger // nil when auditing is disabled

	logger *slog.Logger
}

// New builds the full component graph from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Context, error) {
	bus := eventbus.New(logger)
	tele := telemetry.NewAggregator(cfg.Telemetry.EventBufferSize, logger)
	det := fault.NewDetector(cfg.Fault.RecoveryPreset, logger)

	if lim := limitsFromConfig(cfg.Fault.Limits); lim != nil {
		det.SetDefaultLimits(*lim)
	}

	sup := supervisor.New(det, tele, bus, logger)
	if cfg.Supervisor.RestartBackoff > 0 {
		sup.SetRestartBackoff(cfg.Supervisor.RestartBackoff)
	}

	var st *store.SQLiteStore
	if cfg.Compliance.Enabled && cfg.Compliance.StorePath != "" {
		var err error
		st, err = store.NewSQLiteStore(cfg.Compliance.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open compliance store: %w", err)
		}
	}

	var eventStore compliance.EventStore
	if st != nil {
		eventStore = st
	}
	tracker := compliance.NewTracker(eventStore, logger)
	sup.AddListener(tracker)

	var audit *security.FileAuditLogger
	var sink policy.AuditSink
	if cfg.Security.Audit.Enabled && cfg.Security.Audit.Path != "" {
		var err error
		audit, err = security.NewFileAuditLogger(cfg.Security.Audit.Path)
		if err != nil {
			if st != nil {
				st.Close()
			}
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		sink = audit
	}
	pol := policy.NewController(sup, tele, bus, sink, logger)

	limiter := gateway.NewRateLimiter(int(cfg.Gateway.RateLimitCap), cfg.Gateway.RateLimitPerSec)
	gw := gateway.New(fallbackFromConfig(cfg.Gateway), limiter, bus, logger)
	if cfg.Gateway.RequestTimeout > 0 {
		gw.SetRequestTimeout(cfg.Gateway.RequestTimeout)
	}
	for _, backend := range llm.BuildBackends(cfg.LLM, logger) {
		gw.RegisterBackend(backend)
	}
	sup.AddListener(gw)

	return &Context{
		Bus:        bus,
		Telemetry:  tele,
		Detector:   det,
		Supervisor: sup,
		Policy:     pol,
		Gateway:    gw,
		Compliance: tracker,
		Store:      st,
		Audit:      audit,
		logger:     logger.With("component", "supervision"),
	}, nil
}

// PeriodicHealthCheck runs health-check passes until one pass completes
// without a fault, and returns the number of faults handled. Each pass
// handles at most one fault, so the loop is bounded by the agent count.
func (c *Context) PeriodicHealthCheck(ctx context.Context) int {
	handled := 0
	limit := c.Supervisor.Count() + 1
	for i := 0; i < limit; i++ {
		if !c.Supervisor.HealthCheck(ctx) {
			break
		}
		handled++
	}
	if handled > 0 {
		c.logger.Info("health check handled faults", "count", handled)
	}
	return handled
}

// Close releases resources in reverse construction order. The bus is drained
// first so in-flight events still reach their subscribers.
func (c *Context) Close() error {
	c.Bus.Close()
	var firstErr error
	if c.Audit != nil {
		if err := c.Audit.Close(); err != nil {
			firstErr = err
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// limitsFromConfig converts configured ceilings to domain limits. Zero
// values mean "no override"; an entirely zero config keeps the detector's
// conservative defaults.
func limitsFromConfig(lc config.LimitsConfig) *domain.ResourceLimits {
	if lc == (config.LimitsConfig{}) {
		return nil
	}
	var lim domain.ResourceLimits
	if lc.CPUQuotaUS > 0 {
		v := lc.CPUQuotaUS
		lim.CpuQuotaUS = &v
	}
	if lc.MemoryBytes > 0 {
		v := lc.MemoryBytes
		lim.MemoryLimitBytes = &v
	}
	if lc.SyscallRateLimit > 0 {
		v := lc.SyscallRateLimit
		lim.SyscallRateLimit = &v
	}
	if lc.WatchdogTimeoutUS > 0 {
		v := lc.WatchdogTimeoutUS
		lim.WatchdogUS = &v
	}
	return &lim
}

func fallbackFromConfig(gc config.GatewayConfig) domain.FallbackPolicy {
	pol := domain.FallbackPolicy{Kind: domain.FallbackCostOptimized}
	switch domain.FallbackPolicyKind(gc.FallbackPolicy) {
	case domain.FallbackLocalOnly, domain.FallbackCostOptimized,
		domain.FallbackReliabilityOptimized, domain.FallbackExplicit:
		pol.Kind = domain.FallbackPolicyKind(gc.FallbackPolicy)
	}
	for _, name := range gc.ExplicitOrder {
		p := domain.Provider(name)
		if p.Valid() {
			pol.Order = append(pol.Order, p)
		}
	}
	return pol
}
