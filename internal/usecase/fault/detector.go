package fault

import (
	"log/slog"
	"sync"

	"warden/internal/domain"
)

// Detector evaluates resource samples against configured limits and owns the
// active RecoveryPolicy. The checks themselves are pure; per-agent limit
// overrides and the policy live behind the detector's mutex.
type Detector struct {
	mu            sync.Mutex
	policy        domain.RecoveryPolicy
	defaultLimits domain.ResourceLimits
	perAgent      map[domain.AgentID]domain.ResourceLimits
	logger        *slog.Logger
}

// NewDetector creates a detector with the given recovery preset
// ("default", "permissive", "strict") and conservative default limits.
func NewDetector(preset string, logger *slog.Logger) *Detector {
	var policy domain.RecoveryPolicy
	switch preset {
	case "permissive":
		policy = domain.PermissiveRecoveryPolicy()
	case "strict":
		policy = domain.StrictRecoveryPolicy()
	default:
		policy = domain.DefaultRecoveryPolicy()
	}
	return &Detector{
		policy:        policy,
		defaultLimits: domain.ConservativeLimits(),
		perAgent:      make(map[domain.AgentID]domain.ResourceLimits),
		logger:        logger,
	}
}

// Policy returns the active recovery policy.
func (d *Detector) Policy() domain.RecoveryPolicy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.policy
}

// SetPolicy replaces the active recovery policy.
func (d *Detector) SetPolicy(p domain.RecoveryPolicy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policy = p
}

// DefaultLimits returns the limits applied to agents without an override.
func (d *Detector) DefaultLimits() domain.ResourceLimits {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.defaultLimits
}

// SetDefaultLimits replaces the default limits.
func (d *Detector) SetDefaultLimits(l domain.ResourceLimits) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defaultLimits = l
}

// SetAgentLimits installs a per-agent limit override.
func (d *Detector) SetAgentLimits(id domain.AgentID, l domain.ResourceLimits) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.perAgent[id] = l
}

// RemoveAgent drops an agent's limit override.
func (d *Detector) RemoveAgent(id domain.AgentID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.perAgent, id)
}

// LimitsFor returns the effective limits for an agent.
func (d *Detector) LimitsFor(id domain.AgentID) domain.ResourceLimits {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.perAgent[id]; ok {
		return l
	}
	return d.defaultLimits
}

// ActionFor resolves the recovery action for a fault under the active policy.
func (d *Detector) ActionFor(f domain.Fault) domain.FaultAction {
	return d.Policy().ActionFor(f)
}

// CheckCPUQuota compares CPU time used against the agent's quota. Returns a
// fault only when the quota is exceeded; a nil quota means unlimited.
func (d *Detector) CheckCPUQuota(id domain.AgentID, usedUS uint64) *domain.Fault {
	limits := d.LimitsFor(id)
	if limits.CpuQuotaUS == nil || usedUS <= *limits.CpuQuotaUS {
		return nil
	}
	return &domain.Fault{
		Kind:    domain.FaultCpuQuotaExceeded,
		UsedUS:  usedUS,
		QuotaUS: *limits.CpuQuotaUS,
	}
}

// CheckMemoryLimit compares resident bytes against the agent's memory limit.
func (d *Detector) CheckMemoryLimit(id domain.AgentID, usedBytes uint64) *domain.Fault {
	limits := d.LimitsFor(id)
	if limits.MemoryLimitBytes == nil || usedBytes <= *limits.MemoryLimitBytes {
		return nil
	}
	return &domain.Fault{
		Kind:       domain.FaultMemoryExceeded,
		UsedBytes:  usedBytes,
		LimitBytes: *limits.MemoryLimitBytes,
	}
}

// CheckSyscallRate compares a measured per-second syscall rate against the
// agent's limit.
func (d *Detector) CheckSyscallRate(id domain.AgentID, rate uint64) *domain.Fault {
	limits := d.LimitsFor(id)
	if limits.SyscallRateLimit == nil || rate <= *limits.SyscallRateLimit {
		return nil
	}
	return &domain.Fault{
		Kind:      domain.FaultSyscallFlood,
		Rate:      rate,
		Threshold: *limits.SyscallRateLimit,
	}
}

// CheckWatchdog compares idle time against the agent's watchdog threshold.
func (d *Detector) CheckWatchdog(id domain.AgentID, idleUS uint64) *domain.Fault {
	limits := d.LimitsFor(id)
	if limits.WatchdogUS == nil || idleUS <= *limits.WatchdogUS {
		return nil
	}
	return &domain.Fault{
		Kind:        domain.FaultUnresponsive,
		IdleUS:      idleUS,
		ThresholdUS: *limits.WatchdogUS,
	}
}

// ReportCrash constructs a crash fault from a terminating signal.
func ReportCrash(signal uint32) domain.Fault {
	return domain.Fault{Kind: domain.FaultCrashed, Signal: signal}
}

// ReportCapabilityViolation constructs a fault for an attempted use of a
// capability the agent does not hold.
func ReportCapabilityViolation(attempted domain.Capability) domain.Fault {
	return domain.Fault{Kind: domain.FaultCapabilityViolation, Attempted: attempted}
}

// ReportPolicyViolation constructs a fault for a denied policy action.
func ReportPolicyViolation(reason string) domain.Fault {
	return domain.Fault{Kind: domain.FaultPolicyViolation, Reason: reason}
}
