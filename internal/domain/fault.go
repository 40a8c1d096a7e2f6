package domain

// FaultKind identifies the class of a detected violation.
type FaultKind string

const (
	FaultCpuQuotaExceeded    FaultKind = "cpu_quota_exceeded"
	FaultMemoryExceeded      FaultKind = "memory_exceeded"
	FaultSyscallFlood        FaultKind = "syscall_flood"
	FaultCrashed             FaultKind = "crashed"
	FaultCapabilityViolation FaultKind = "capability_violation"
	FaultUnresponsive        FaultKind = "unresponsive"
	FaultPolicyViolation     FaultKind = "policy_violation"
)

// Fault is a detected violation of a resource or policy limit. Immutable
// once constructed; only the fields relevant to Kind are set.
type Fault struct {
	Kind FaultKind `json:"kind"`

	// CpuQuotaExceeded
	UsedUS  uint64 `json:"used_us,omitempty"`
	QuotaUS uint64 `json:"quota_us,omitempty"`

	// MemoryExceeded
	UsedBytes  uint64 `json:"used_bytes,omitempty"`
	LimitBytes uint64 `json:"limit_bytes,omitempty"`

	// SyscallFlood
	Rate      uint64 `json:"rate,omitempty"`
	Threshold uint64 `json:"threshold,omitempty"`

	// Crashed
	Signal uint32 `json:"signal,omitempty"`

	// CapabilityViolation
	Attempted Capability `json:"attempted,omitempty"`

	// Unresponsive
	IdleUS      uint64 `json:"idle_us,omitempty"`
	ThresholdUS uint64 `json:"threshold_us,omitempty"`

	// PolicyViolation
	Reason string `json:"reason,omitempty"`
}

// Description is a fixed human-readable label for the fault kind.
func (f Fault) Description() string {
	switch f.Kind {
	case FaultCpuQuotaExceeded:
		return "CPU quota exceeded"
	case FaultMemoryExceeded:
		return "Memory limit exceeded"
	case FaultSyscallFlood:
		return "Syscall rate limit exceeded"
	case FaultCrashed:
		return "Agent crashed"
	case FaultCapabilityViolation:
		return "Capability violation"
	case FaultUnresponsive:
		return "Agent unresponsive"
	case FaultPolicyViolation:
		return "Policy violation"
	}
	return "Unknown fault"
}

// FaultSeverity orders faults for alert routing. The ordering
// Low < Medium < High < Critical is total.
type FaultSeverity int

const (
	SeverityLow FaultSeverity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s FaultSeverity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// Severity derives the severity from the fault kind.
func (f Fault) Severity() FaultSeverity {
	switch f.Kind {
	case FaultCrashed, FaultCapabilityViolation:
		return SeverityCritical
	case FaultMemoryExceeded, FaultUnresponsive, FaultPolicyViolation:
		return SeverityHigh
	case FaultCpuQuotaExceeded, FaultSyscallFlood:
		return SeverityMedium
	}
	return SeverityLow
}

// FaultAction is the supervisor's response to a fault.
type FaultAction string

const (
	ActionKill     FaultAction = "kill"
	ActionThrottle FaultAction = "throttle"
	ActionRestart  FaultAction = "restart"
	ActionAlert    FaultAction = "alert"
)

// RecoveryPolicy is a total mapping from fault kind to action.
type RecoveryPolicy struct {
	CpuQuota            FaultAction `yaml:"cpu_quota" json:"cpu_quota"`
	Memory              FaultAction `yaml:"memory" json:"memory"`
	SyscallFlood        FaultAction `yaml:"syscall_flood" json:"syscall_flood"`
	Crash               FaultAction `yaml:"crash" json:"crash"`
	CapabilityViolation FaultAction `yaml:"capability_violation" json:"capability_violation"`
	Unresponsive        FaultAction `yaml:"unresponsive" json:"unresponsive"`
	PolicyViolation     FaultAction `yaml:"policy_violation" json:"policy_violation"`
}

// DefaultRecoveryPolicy balances containment against availability.
func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		CpuQuota:            ActionThrottle,
		Memory:              ActionKill,
		SyscallFlood:        ActionThrottle,
		Crash:               ActionRestart,
		CapabilityViolation: ActionKill,
		Unresponsive:        ActionRestart,
		PolicyViolation:     ActionKill,
	}
}

// PermissiveRecoveryPolicy only alerts; used in tests and dry runs.
func PermissiveRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		CpuQuota:            ActionAlert,
		Memory:              ActionAlert,
		SyscallFlood:        ActionAlert,
		Crash:               ActionAlert,
		CapabilityViolation: ActionAlert,
		Unresponsive:        ActionAlert,
		PolicyViolation:     ActionAlert,
	}
}

// StrictRecoveryPolicy kills on every fault.
func StrictRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		CpuQuota:            ActionKill,
		Memory:              ActionKill,
		SyscallFlood:        ActionKill,
		Crash:               ActionKill,
		CapabilityViolation: ActionKill,
		Unresponsive:        ActionKill,
		PolicyViolation:     ActionKill,
	}
}

// ActionFor resolves the action for a fault under this policy.
func (p RecoveryPolicy) ActionFor(f Fault) FaultAction {
	switch f.Kind {
	case FaultCpuQuotaExceeded:
		return p.CpuQuota
	case FaultMemoryExceeded:
		return p.Memory
	case FaultSyscallFlood:
		return p.SyscallFlood
	case FaultCrashed:
		return p.Crash
	case FaultCapabilityViolation:
		return p.CapabilityViolation
	case FaultUnresponsive:
		return p.Unresponsive
	case FaultPolicyViolation:
		return p.PolicyViolation
	}
	return ActionAlert
}

// ResourceLimits configures fault thresholds. A nil field means unlimited.
type ResourceLimits struct {
	CpuQuotaUS       *uint64 `yaml:"cpu_quota_us" json:"cpu_quota_us,omitempty"`
	MemoryLimitBytes *uint64 `yaml:"memory_limit_bytes" json:"memory_limit_bytes,omitempty"`
	SyscallRateLimit *uint64 `yaml:"syscall_rate_limit" json:"syscall_rate_limit,omitempty"`
	WatchdogUS       *uint64 `yaml:"watchdog_us" json:"watchdog_us,omitempty"`
}

// UnlimitedLimits disables all threshold checks.
func UnlimitedLimits() ResourceLimits {
	return ResourceLimits{}
}

// ConservativeLimits is the default limit set for new agents.
func ConservativeLimits() ResourceLimits {
	cpu := uint64(1_000_000)          // 1 second per window
	mem := uint64(100 * 1024 * 1024)  // 100 MB
	syscalls := uint64(1000)          // per second
	watchdog := uint64(30_000_000)    // 30 seconds
	return ResourceLimits{
		CpuQuotaUS:       &cpu,
		MemoryLimitBytes: &mem,
		SyscallRateLimit: &syscalls,
		WatchdogUS:       &watchdog,
	}
}
