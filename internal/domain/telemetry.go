package domain

import "time"

// MaxRecentFaults bounds the per-agent recent-fault list.
const MaxRecentFaults = 10

// TelemetryEventKind classifies ring-buffer entries.
type TelemetryEventKind string

const (
	TelemetrySpawn        TelemetryEventKind = "spawn"
	TelemetryExit         TelemetryEventKind = "exit"
	TelemetryFault        TelemetryEventKind = "fault"
	TelemetryRestart      TelemetryEventKind = "restart"
	TelemetryPolicyChange TelemetryEventKind = "policy_change"
)

// TelemetryEvent is one entry in the bounded event ring buffer.
type TelemetryEvent struct {
	Kind      TelemetryEventKind `json:"kind"`
	AgentID   AgentID            `json:"agent_id"`
	Timestamp time.Time          `json:"timestamp"`
	ExitCode  int                `json:"exit_code,omitempty"` // Exit
	Fault     *Fault             `json:"fault,omitempty"`     // Fault
	Attempt   uint32             `json:"attempt,omitempty"`   // Restart
}

// AgentMetrics holds monotonically increasing per-agent counters plus the
// agent's most recent faults.
type AgentMetrics struct {
	AgentID      AgentID   `json:"agent_id"`
	SpawnCount   uint64    `json:"spawn_count"`
	ExitCount    uint64    `json:"exit_count"`
	FaultCount   uint64    `json:"fault_count"`
	RestartCount uint64    `json:"restart_count"`
	LastSpawn    time.Time `json:"last_spawn"`
	LastExit     time.Time `json:"last_exit"`
	LastExitCode int       `json:"last_exit_code"`
	RecentFaults []Fault   `json:"recent_faults,omitempty"`
}

// Clone returns a deep copy.
func (m *AgentMetrics) Clone() AgentMetrics {
	out := *m
	out.RecentFaults = append([]Fault(nil), m.RecentFaults...)
	return out
}

// SystemMetrics holds system-wide aggregates.
type SystemMetrics struct {
	TotalSpawns   uint64 `json:"total_spawns"`
	TotalExits    uint64 `json:"total_exits"`
	TotalFaults   uint64 `json:"total_faults"`
	TotalRestarts uint64 `json:"total_restarts"`
	ActiveAgents  int    `json:"active_agents"`
}

// TelemetrySnapshot is a consistent point-in-time copy of all telemetry.
type TelemetrySnapshot struct {
	Timestamp     time.Time               `json:"timestamp"`
	AgentMetrics  map[AgentID]AgentMetrics `json:"agent_metrics"`
	SystemMetrics SystemMetrics           `json:"system_metrics"`
	RecentEvents  []TelemetryEvent        `json:"recent_events"`
	TotalSyscalls uint64                  `json:"total_syscalls"`
}
