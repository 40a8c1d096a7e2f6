// Package policy implements the dynamic policy controller: per-agent
// capability sets, scope restrictions, auto-restart configuration, bounded
// violation records, and compliance export. Policy sets outlive their agents
// so that compliance reports cover already-exited agents.
package policy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"warden/internal/domain"
	"warden/internal/infra/tracer"
	"warden/internal/usecase/eventbus"
	"warden/internal/usecase/supervisor"
	"warden/internal/usecase/telemetry"
)

// AuditSink receives durable audit records for policy decisions. Satisfied
// by security.FileAuditLogger.
type AuditSink interface {
	LogPolicyPatch(ctx context.Context, actor string, agentID domain.AgentID, patch domain.PolicyPatch, outcome string) error
	LogViolation(ctx context.Context, agentID domain.AgentID, description string) error
}

type nopAuditSink struct{}

func (nopAuditSink) LogPolicyPatch(context.Context, string, domain.AgentID, domain.PolicyPatch, string) error {
	return nil
}
func (nopAuditSink) LogViolation(context.Context, domain.AgentID, string) error { return nil }

// TokenVerifier checks the signature on an externally-issued agent token.
// Satisfied by security.TokenMinter.
type TokenVerifier interface {
	Verify(tok domain.AgentToken) error
}

// Controller owns every agent's PolicySet. Its mutex is always released
// before calling into the supervisor, telemetry, the bus, or the audit sink.
type Controller struct {
	mu       sync.Mutex
	policies map[domain.AgentID]*domain.PolicySet
	rejected uint64

	sup       *supervisor.Supervisor
	telemetry *telemetry.Aggregator
	bus       *eventbus.Bus
	audit     AuditSink
	verifier  TokenVerifier
	logger    *slog.Logger
}

// NewController creates a controller with no policies. A nil audit sink
// disables durable auditing; the in-memory audit trail is always kept.
func NewController(sup *supervisor.Supervisor, tele *telemetry.Aggregator, bus *eventbus.Bus, audit AuditSink, logger *slog.Logger) *Controller {
	if audit == nil {
		audit = nopAuditSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		policies:  make(map[domain.AgentID]*domain.PolicySet),
		sup:       sup,
		telemetry: tele,
		bus:       bus,
		audit:     audit,
		logger:    logger.With("component", "policy"),
	}
}

// SetTokenVerifier attaches the verifier consulted by InitFromToken.
func (c *Controller) SetTokenVerifier(v TokenVerifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifier = v
}

// setFor returns the agent's policy set, creating it on first touch.
// Caller holds c.mu.
func (c *Controller) setFor(id domain.AgentID) *domain.PolicySet {
	set, ok := c.policies[id]
	if !ok {
		set = domain.NewPolicySet(id)
		c.policies[id] = set
	}
	return set
}

// UpdatePolicy validates and applies a patch to the agent's policy set.
// An unsafe patch is rejected with ErrPrivilegeEscalation before any state
// is touched; the rejection is counted and audited. On success the new
// configuration is written through to the supervisor's registry record if
// the agent is currently registered.
func (c *Controller) UpdatePolicy(ctx context.Context, actor string, id domain.AgentID, patch domain.PolicyPatch) error {
	ctx, span := tracer.StartSpan(ctx, "policy.UpdatePolicy")
	defer span.End()
	span.SetAttributes(
		tracer.IntAttr("agent.id", int(id)),
		tracer.StringAttr("patch.kind", string(patch.Kind)),
	)

	if !patch.IsSafe() {
		c.mu.Lock()
		c.rejected++
		c.mu.Unlock()

		err := domain.NewSubSystemError("policy", "Controller.UpdatePolicy", domain.ErrPrivilegeEscalation,
			"cannot grant "+patch.Capability.String())
		tracer.RecordError(span, err)
		c.logger.Warn("policy patch rejected", "agent_id", id, "actor", actor, "capability", patch.Capability.String())
		if aerr := c.audit.LogPolicyPatch(ctx, actor, id, patch, "denied"); aerr != nil {
			c.logger.Error("audit write failed", "error", aerr)
		}
		return err
	}

	c.mu.Lock()
	set := c.setFor(id)
	if err := set.Apply(patch); err != nil {
		c.mu.Unlock()
		tracer.RecordError(span, err)
		return err
	}
	applied := set.Clone()
	c.mu.Unlock()

	// Write-through after releasing our own lock; a missing registry entry
	// just means the agent is not running right now.
	c.sup.ApplyPolicyFields(id, applied.Capabilities, applied.Scope, applied.AutoRestart, applied.MaxRestarts)
	c.telemetry.RecordPolicyChange(id)
	if c.bus != nil {
		c.bus.PublishJSON(ctx, domain.EventPolicyChanged, policyChangedPayload{
			AgentID: id,
			Kind:    patch.Kind,
			Actor:   actor,
		})
	}
	if aerr := c.audit.LogPolicyPatch(ctx, actor, id, patch, "applied"); aerr != nil {
		c.logger.Error("audit write failed", "error", aerr)
	}
	c.logger.Info("policy updated", "agent_id", id, "kind", patch.Kind, "actor", actor)
	tracer.SetOK(span)
	return nil
}

// RecordViolation appends to the agent's bounded violation list and audits
// the denial when the decision is not Allow.
func (c *Controller) RecordViolation(ctx context.Context, id domain.AgentID, description string, decision domain.PolicyDecision) {
	v := domain.PolicyViolation{
		Timestamp:   time.Now(),
		Description: description,
		Decision:    decision,
	}
	c.mu.Lock()
	c.setFor(id).RecordViolation(v)
	c.mu.Unlock()

	if decision != domain.DecisionAllow {
		if err := c.audit.LogViolation(ctx, id, description); err != nil {
			c.logger.Error("audit write failed", "error", err)
		}
	}
}

// Authorize checks one capability use against the agent's policy. Agents
// without a policy set hold no capabilities. A deny is recorded as a
// violation.
func (c *Controller) Authorize(ctx context.Context, id domain.AgentID, cap domain.Capability, resource string) domain.PolicyDecision {
	c.mu.Lock()
	set, ok := c.policies[id]
	var allowed bool
	if ok && set.HasCapability(cap) {
		allowed = scopeAllows(set.Scope, cap, resource)
	}
	c.mu.Unlock()

	if allowed {
		return domain.DecisionAllow
	}
	c.RecordViolation(ctx, id, cap.String()+" denied for "+resource, domain.DecisionDeny)
	return domain.DecisionDeny
}

// scopeAllows applies the scope restriction relevant to the capability:
// path prefix for filesystem capabilities, host allow-list for network ones.
// An empty restriction means unrestricted.
func scopeAllows(scope domain.Scope, cap domain.Capability, resource string) bool {
	switch cap {
	case domain.CapFsBasic, domain.CapDocBasic:
		return scope.AllowsPath(resource)
	case domain.CapNetBasic, domain.CapLLMAccess:
		return scope.AllowsHost(resource)
	}
	return true
}

// InitFromToken seeds an agent's policy from an externally-issued token,
// overwriting any prior policy for that agent. When a verifier is attached
// the token signature must check out.
func (c *Controller) InitFromToken(ctx context.Context, tok domain.AgentToken) error {
	c.mu.Lock()
	verifier := c.verifier
	c.mu.Unlock()
	if verifier != nil {
		if err := verifier.Verify(tok); err != nil {
			c.logger.Warn("token rejected", "agent_id", tok.AgentID, "error", err)
			return domain.WrapOp("Controller.InitFromToken", err)
		}
	}

	set := domain.NewPolicySet(tok.AgentID)
	set.Capabilities = append([]domain.Capability(nil), tok.Capabilities...)
	set.Scope = tok.Scope.Clone()

	c.mu.Lock()
	c.policies[tok.AgentID] = set
	applied := set.Clone()
	c.mu.Unlock()

	c.sup.ApplyPolicyFields(tok.AgentID, applied.Capabilities, applied.Scope, applied.AutoRestart, applied.MaxRestarts)
	c.telemetry.RecordPolicyChange(tok.AgentID)
	c.logger.Info("policy seeded from token", "agent_id", tok.AgentID, "capabilities", len(tok.Capabilities))
	return nil
}

// PolicyFor returns a clone of the agent's policy set.
func (c *Controller) PolicyFor(id domain.AgentID) (*domain.PolicySet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.policies[id]
	if !ok {
		return nil, false
	}
	return set.Clone(), true
}

// EscalationRejections returns the count of unsafe patches rejected.
func (c *Controller) EscalationRejections() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

// ExportCompliance snapshots every known agent's capabilities, violations,
// and full audit trail. Includes agents that have already exited.
func (c *Controller) ExportCompliance() domain.ComplianceReport {
	return c.export("")
}

// ExportEUAIActReport shapes the compliance snapshot for EU AI Act
// reporting. Same underlying data, tagged with the framework.
func (c *Controller) ExportEUAIActReport() domain.ComplianceReport {
	return c.export("eu_ai_act")
}

func (c *Controller) export(framework string) domain.ComplianceReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	report := domain.ComplianceReport{
		Timestamp: time.Now(),
		Framework: framework,
		Agents:    make([]domain.ComplianceEntry, 0, len(c.policies)),
	}
	for id, set := range c.policies {
		clone := set.Clone()
		report.Agents = append(report.Agents, domain.ComplianceEntry{
			AgentID:      id,
			Capabilities: clone.Capabilities,
			Violations:   clone.Violations,
			AuditTrail:   clone.AuditTrail,
		})
	}
	return report
}

type policyChangedPayload struct {
	AgentID domain.AgentID   `json:"agent_id"`
	Kind    domain.PatchKind `json:"kind"`
	Actor   string           `json:"actor,omitempty"`
}
