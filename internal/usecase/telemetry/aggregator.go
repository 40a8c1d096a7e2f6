package telemetry

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"warden/internal/domain"
)

// DefaultEventBufferSize is the ring capacity used when config does not
// override it.
const DefaultEventBufferSize = 1024

// Aggregator collects lifecycle and fault telemetry for all agents. All
// counters are monotonically increasing; a restarted agent accumulates into
// the same entry. One mutex guards everything except the syscall counter,
// which is atomic so the syscall hot path never takes the lock.
type Aggregator struct {
	mu       sync.Mutex
	agents   map[domain.AgentID]*domain.AgentMetrics
	system   domain.SystemMetrics
	events   *Ring[domain.TelemetryEvent]
	syscalls atomic.Uint64
	logger   *slog.Logger
}

// NewAggregator creates an aggregator with the given event ring capacity.
func NewAggregator(bufferSize int, logger *slog.Logger) *Aggregator {
	if bufferSize <= 0 {
		bufferSize = DefaultEventBufferSize
	}
	return &Aggregator{
		agents: make(map[domain.AgentID]*domain.AgentMetrics),
		events: NewRing[domain.TelemetryEvent](bufferSize),
		logger: logger,
	}
}

// agentEntry returns the metrics entry for id, creating it on first use.
// Caller holds a.mu.
func (a *Aggregator) agentEntry(id domain.AgentID) *domain.AgentMetrics {
	m, ok := a.agents[id]
	if !ok {
		m = &domain.AgentMetrics{AgentID: id}
		a.agents[id] = m
	}
	return m
}

// RecordSpawn registers an agent spawn.
func (a *Aggregator) RecordSpawn(id domain.AgentID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.agentEntry(id)
	m.SpawnCount++
	m.LastSpawn = time.Now()
	a.system.TotalSpawns++
	a.system.ActiveAgents++
	a.events.Push(domain.TelemetryEvent{
		Kind:      domain.TelemetrySpawn,
		AgentID:   id,
		Timestamp: time.Now(),
	})
}

// RecordExit registers an agent exit with its exit code.
func (a *Aggregator) RecordExit(id domain.AgentID, exitCode int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.agentEntry(id)
	m.ExitCount++
	m.LastExit = time.Now()
	m.LastExitCode = exitCode
	a.system.TotalExits++
	if a.system.ActiveAgents > 0 {
		a.system.ActiveAgents--
	}
	a.events.Push(domain.TelemetryEvent{
		Kind:      domain.TelemetryExit,
		AgentID:   id,
		Timestamp: time.Now(),
		ExitCode:  exitCode,
	})
}

// RecordFault registers a fault. The per-agent recent-fault list keeps at most
// domain.MaxRecentFaults entries, oldest evicted first.
func (a *Aggregator) RecordFault(id domain.AgentID, fault domain.Fault) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.agentEntry(id)
	m.FaultCount++
	if len(m.RecentFaults) >= domain.MaxRecentFaults {
		m.RecentFaults = m.RecentFaults[1:]
	}
	m.RecentFaults = append(m.RecentFaults, fault)
	a.system.TotalFaults++

	f := fault
	a.events.Push(domain.TelemetryEvent{
		Kind:      domain.TelemetryFault,
		AgentID:   id,
		Timestamp: time.Now(),
		Fault:     &f,
	})
}

// RecordRestart registers a restart attempt.
func (a *Aggregator) RecordRestart(id domain.AgentID, attempt uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.agentEntry(id)
	m.RestartCount++
	a.system.TotalRestarts++
	a.system.ActiveAgents++
	a.events.Push(domain.TelemetryEvent{
		Kind:      domain.TelemetryRestart,
		AgentID:   id,
		Timestamp: time.Now(),
		Attempt:   attempt,
	})
}

// RecordPolicyChange registers a policy mutation for the agent.
func (a *Aggregator) RecordPolicyChange(id domain.AgentID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.agentEntry(id)
	a.events.Push(domain.TelemetryEvent{
		Kind:      domain.TelemetryPolicyChange,
		AgentID:   id,
		Timestamp: time.Now(),
	})
}

// AddSyscalls bumps the global syscall counter. Lock-free.
func (a *Aggregator) AddSyscalls(n uint64) {
	a.syscalls.Add(n)
}

// TotalSyscalls returns the global syscall count.
func (a *Aggregator) TotalSyscalls() uint64 {
	return a.syscalls.Load()
}

// AgentMetrics returns a copy of one agent's metrics.
func (a *Aggregator) AgentMetrics(id domain.AgentID) (domain.AgentMetrics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.agents[id]
	if !ok {
		return domain.AgentMetrics{}, false
	}
	return m.Clone(), true
}

// Snapshot returns a fully consistent deep copy of all telemetry state.
func (a *Aggregator) Snapshot() domain.TelemetrySnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := domain.TelemetrySnapshot{
		Timestamp:     time.Now(),
		AgentMetrics:  make(map[domain.AgentID]domain.AgentMetrics, len(a.agents)),
		SystemMetrics: a.system,
		RecentEvents:  a.events.Items(),
		TotalSyscalls: a.syscalls.Load(),
	}
	for id, m := range a.agents {
		snap.AgentMetrics[id] = m.Clone()
	}
	return snap
}

// RemoveAgent drops an agent's metrics entry. System totals are unaffected;
// they count history, not live agents.
func (a *Aggregator) RemoveAgent(id domain.AgentID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.agents, id)
}

// ExportProc renders a human-readable telemetry report into buf and returns
// the number of bytes written. Output is truncated, never overflowed, when
// buf is too small.
func (a *Aggregator) ExportProc(buf []byte) int {
	snap := a.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "=== Agent Telemetry ===\n")
	fmt.Fprintf(&b, "spawns: %d  exits: %d  faults: %d  restarts: %d  active: %d\n",
		snap.SystemMetrics.TotalSpawns, snap.SystemMetrics.TotalExits,
		snap.SystemMetrics.TotalFaults, snap.SystemMetrics.TotalRestarts,
		snap.SystemMetrics.ActiveAgents)
	fmt.Fprintf(&b, "syscalls: %d\n", snap.TotalSyscalls)

	for id, m := range snap.AgentMetrics {
		fmt.Fprintf(&b, "agent %d: spawns=%d exits=%d faults=%d restarts=%d last_exit_code=%d\n",
			id, m.SpawnCount, m.ExitCount, m.FaultCount, m.RestartCount, m.LastExitCode)
		for _, f := range m.RecentFaults {
			fmt.Fprintf(&b, "  fault: %s\n", f.Description())
		}
	}

	fmt.Fprintf(&b, "recent events: %d\n", len(snap.RecentEvents))
	for _, ev := range snap.RecentEvents {
		fmt.Fprintf(&b, "  [%s] agent=%d %s\n",
			ev.Timestamp.Format(time.RFC3339), ev.AgentID, ev.Kind)
	}

	return copy(buf, b.String())
}
