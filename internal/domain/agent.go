package domain

import (
	"time"
)

// AgentID identifies a logical agent. Unique while the agent is registered.
type AgentID uint64

// Pid is an opaque process identifier owned by the external process manager.
type Pid uint32

// DynamicAgentIDStart is the first agent ID handed out by the dynamic
// allocator; IDs below it are reserved for statically-declared agents.
const DynamicAgentIDStart AgentID = 1000

// DefaultMaxRestarts bounds automatic restarts when a spec does not say.
const DefaultMaxRestarts = 3

// AgentSpec describes an agent at spawn time.
type AgentSpec struct {
	AgentID      AgentID      `json:"agent_id"`
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Scope        Scope        `json:"scope"`
	AutoRestart  bool         `json:"auto_restart"`
	MaxRestarts  uint32       `json:"max_restarts"`
}

// NewAgentSpec creates a spec with defaults.
func NewAgentSpec(id AgentID, name string) AgentSpec {
	return AgentSpec{AgentID: id, Name: name, MaxRestarts: DefaultMaxRestarts}
}

// WithCapability returns a copy of the spec with the capability added.
func (s AgentSpec) WithCapability(cap Capability) AgentSpec {
	s.Capabilities = append(append([]Capability(nil), s.Capabilities...), cap)
	return s
}

// AgentMetadata is the supervisor's per-agent record. Owned exclusively by
// the supervisor; the policy controller writes through the supervisor's
// setter, never directly.
type AgentMetadata struct {
	AgentID      AgentID      `json:"agent_id"`
	Pid          Pid          `json:"pid"`
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Scope        Scope        `json:"scope"`
	AutoRestart  bool         `json:"auto_restart"`
	MaxRestarts  uint32       `json:"max_restarts"`
	RestartCount uint32       `json:"restart_count"`
	SpawnedAt    time.Time    `json:"spawned_at"`
	LastActivity time.Time    `json:"last_activity"`
	Active       bool         `json:"active"`
}

// NewAgentMetadata creates metadata for a freshly spawned agent.
func NewAgentMetadata(id AgentID, pid Pid, name string) AgentMetadata {
	now := time.Now()
	return AgentMetadata{
		AgentID:      id,
		Pid:          pid,
		Name:         name,
		MaxRestarts:  DefaultMaxRestarts,
		SpawnedAt:    now,
		LastActivity: now,
		Active:       true,
	}
}

// Touch updates the last-activity timestamp (watchdog input).
func (m *AgentMetadata) Touch() {
	m.LastActivity = time.Now()
}

// Uptime is the duration since spawn.
func (m *AgentMetadata) Uptime() time.Duration {
	return time.Since(m.SpawnedAt)
}

// HasExceededRestarts reports whether the restart budget is spent.
func (m *AgentMetadata) HasExceededRestarts() bool {
	return m.RestartCount >= m.MaxRestarts
}

// HasCapability reports whether the agent holds cap.
func (m *AgentMetadata) HasCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to use outside the supervisor lock.
func (m *AgentMetadata) Clone() AgentMetadata {
	out := *m
	out.Capabilities = append([]Capability(nil), m.Capabilities...)
	out.Scope.NetworkHosts = append([]string(nil), m.Scope.NetworkHosts...)
	return out
}

// LifecycleEventKind classifies lifecycle notifications.
type LifecycleEventKind string

const (
	LifecycleSpawned   LifecycleEventKind = "spawned"
	LifecycleExited    LifecycleEventKind = "exited"
	LifecycleCrashed   LifecycleEventKind = "crashed"
	LifecycleRestarted LifecycleEventKind = "restarted"
)

// LifecycleEvent is delivered synchronously, in registration order, to every
// listener on each lifecycle transition.
type LifecycleEvent struct {
	Kind     LifecycleEventKind
	AgentID  AgentID
	ExitCode int    // Exited / Crashed
	Attempt  uint32 // Restarted
}

// LifecycleListener observes agent lifecycle transitions. A listener failure
// (panic) never aborts the operation that triggered the notification.
type LifecycleListener interface {
	OnLifecycleEvent(event LifecycleEvent)
}

// ProcessController is the slice of the external process manager this core
// calls back into: delivering a terminate signal on Kill actions and
// re-launching a process when a restart is scheduled.
type ProcessController interface {
	// Terminate forcibly kills the process.
	Terminate(pid Pid) error
	// Respawn launches a fresh process for the agent spec and returns its pid.
	Respawn(spec AgentSpec) (Pid, error)
}
