// Package supervisor owns the agent registry and lifecycle: spawn, exit,
// restart scheduling, fault response, and the periodic health check. It is
// the only writer of AgentMetadata; other components read clones or write
// through its setters.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"warden/internal/domain"
	"warden/internal/usecase/eventbus"
	"warden/internal/usecase/fault"
	"warden/internal/usecase/telemetry"
)

// ResourceUsage is a point-in-time sample for one process.
type ResourceUsage struct {
	CpuTimeUS   uint64
	MemoryBytes uint64
	SyscallRate uint64
}

// UsageSampler provides resource usage for health checks. The second return
// is false when the process cannot be sampled; the check is skipped then.
type UsageSampler interface {
	SampleUsage(pid domain.Pid) (ResourceUsage, bool)
}

// Supervisor tracks every registered agent and drives its lifecycle.
//
// Lock discipline: the single mutex guards the registry, the listener list
// and the dependency graph. It is never held across calls into the process
// controller, the bus, telemetry, or listeners — state is copied out first.
type Supervisor struct {
	mu        sync.Mutex
	agents    map[domain.AgentID]*domain.AgentMetadata
	byPid     map[domain.Pid]domain.AgentID
	nextID    domain.AgentID
	listeners []domain.LifecycleListener
	deps      *depGraph

	detector  *fault.Detector
	telemetry *telemetry.Aggregator
	bus       *eventbus.Bus
	logger    *slog.Logger

	procs   domain.ProcessController
	sampler UsageSampler
	backoff time.Duration
}

// New creates a supervisor with an empty registry. A process controller must
// be attached before kills or restarts can take effect.
func New(detector *fault.Detector, tele *telemetry.Aggregator, bus *eventbus.Bus, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		agents:    make(map[domain.AgentID]*domain.AgentMetadata),
		byPid:     make(map[domain.Pid]domain.AgentID),
		nextID:    domain.DynamicAgentIDStart,
		deps:      newDepGraph(),
		detector:  detector,
		telemetry: tele,
		bus:       bus,
		logger:    logger.With("component", "supervisor"),
	}
}

// SetProcessController attaches the external process manager slice used for
// kills and respawns.
func (s *Supervisor) SetProcessController(pc domain.ProcessController) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = pc
}

// SetUsageSampler attaches the resource sampler consulted by health checks.
func (s *Supervisor) SetUsageSampler(us UsageSampler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampler = us
}

// SetRestartBackoff sets the delay inserted before each respawn.
func (s *Supervisor) SetRestartBackoff(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff = d
}

// AddListener registers a lifecycle listener. Listeners are notified
// synchronously, in registration order, on every transition.
func (s *Supervisor) AddListener(l domain.LifecycleListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// AllocateID hands out the next dynamic agent ID.
func (s *Supervisor) AllocateID() domain.AgentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// Spawn registers an agent already launched under pid. A zero spec.AgentID
// requests dynamic allocation. Re-spawning an already-registered ID
// overwrites its metadata and releases the stale pid index entry; the
// ID↔pid mapping stays a bijection, so a pid held by a different agent is
// rejected.
func (s *Supervisor) Spawn(ctx context.Context, spec domain.AgentSpec, pid domain.Pid) (domain.AgentID, error) {
	s.mu.Lock()
	id := spec.AgentID
	if id == 0 {
		id = s.nextID
		s.nextID++
	}
	if other, ok := s.byPid[pid]; ok && other != id {
		s.mu.Unlock()
		return 0, domain.NewSubSystemError("supervisor", "Supervisor.Spawn", domain.ErrDuplicate, "pid registered to another agent")
	}
	if old, ok := s.agents[id]; ok {
		delete(s.byPid, old.Pid)
	}
	meta := domain.NewAgentMetadata(id, pid, spec.Name)
	meta.Capabilities = append([]domain.Capability(nil), spec.Capabilities...)
	meta.Scope = spec.Scope.Clone()
	meta.AutoRestart = spec.AutoRestart
	if spec.MaxRestarts > 0 {
		meta.MaxRestarts = spec.MaxRestarts
	}
	s.agents[id] = &meta
	s.byPid[pid] = id
	s.mu.Unlock()

	s.notify(domain.LifecycleEvent{Kind: domain.LifecycleSpawned, AgentID: id})
	s.telemetry.RecordSpawn(id)
	s.publish(ctx, domain.EventAgentSpawned, lifecyclePayload{AgentID: id, Name: meta.Name})
	s.logger.Info("agent spawned", "agent_id", id, "pid", pid, "name", meta.Name)
	return id, nil
}

// Exit handles process death. Unknown pids are a no-op: the process manager
// may report exits for processes the supervisor never registered or already
// forgot. A nonzero exit code counts as a crash and may trigger a restart.
func (s *Supervisor) Exit(ctx context.Context, pid domain.Pid, exitCode int) {
	s.mu.Lock()
	id, ok := s.byPid[pid]
	if !ok {
		s.mu.Unlock()
		return
	}
	meta := s.agents[id].Clone()
	delete(s.byPid, pid)
	delete(s.agents, id)
	s.mu.Unlock()

	kind := domain.LifecycleExited
	eventType := domain.EventAgentExited
	if exitCode != 0 {
		kind = domain.LifecycleCrashed
		eventType = domain.EventAgentCrashed
	}
	s.notify(domain.LifecycleEvent{Kind: kind, AgentID: id, ExitCode: exitCode})
	s.telemetry.RecordExit(id, exitCode)
	s.publish(ctx, eventType, lifecyclePayload{AgentID: id, Name: meta.Name, ExitCode: exitCode})
	s.logger.Info("agent exited", "agent_id", id, "pid", pid, "exit_code", exitCode)

	if exitCode != 0 && meta.AutoRestart {
		s.reschedule(ctx, meta)
		return
	}
	s.removePermanently(ctx, meta)
}

// reschedule respawns an agent that left the registry, or removes it for
// good when the restart budget is spent or no process controller is wired.
func (s *Supervisor) reschedule(ctx context.Context, meta domain.AgentMetadata) {
	if meta.HasExceededRestarts() {
		s.logger.Warn("restart budget exhausted", "agent_id", meta.AgentID,
			"restarts", meta.RestartCount, "max_restarts", meta.MaxRestarts)
		s.publish(ctx, domain.EventAgentExited, lifecyclePayload{
			AgentID: meta.AgentID, Name: meta.Name, Reason: "restart budget exhausted",
		})
		s.removePermanently(ctx, meta)
		return
	}

	s.mu.Lock()
	procs := s.procs
	backoff := s.backoff
	s.mu.Unlock()
	if procs == nil {
		s.logger.Error("cannot restart agent: no process controller", "agent_id", meta.AgentID)
		s.removePermanently(ctx, meta)
		return
	}
	if backoff > 0 {
		time.Sleep(backoff)
	}

	spec := domain.AgentSpec{
		AgentID:      meta.AgentID,
		Name:         meta.Name,
		Capabilities: append([]domain.Capability(nil), meta.Capabilities...),
		Scope:        meta.Scope.Clone(),
		AutoRestart:  meta.AutoRestart,
		MaxRestarts:  meta.MaxRestarts,
	}
	pid, err := procs.Respawn(spec)
	if err != nil {
		s.logger.Error("respawn failed", "agent_id", meta.AgentID, "error", err)
		s.removePermanently(ctx, meta)
		return
	}

	attempt := meta.RestartCount + 1
	fresh := domain.NewAgentMetadata(meta.AgentID, pid, meta.Name)
	fresh.Capabilities = spec.Capabilities
	fresh.Scope = spec.Scope
	fresh.AutoRestart = meta.AutoRestart
	fresh.MaxRestarts = meta.MaxRestarts
	fresh.RestartCount = attempt

	s.mu.Lock()
	s.agents[meta.AgentID] = &fresh
	s.byPid[pid] = meta.AgentID
	s.mu.Unlock()

	s.notify(domain.LifecycleEvent{Kind: domain.LifecycleRestarted, AgentID: meta.AgentID, Attempt: attempt})
	s.telemetry.RecordRestart(meta.AgentID, attempt)
	s.publish(ctx, domain.EventAgentRestarted, lifecyclePayload{AgentID: meta.AgentID, Name: meta.Name, Attempt: attempt})
	s.logger.Info("agent restarted", "agent_id", meta.AgentID, "pid", pid, "attempt", attempt)
}

// removePermanently finishes a terminal removal: per-agent detector state is
// dropped and required dependents are cascaded. The agent itself is already
// out of the registry.
func (s *Supervisor) removePermanently(ctx context.Context, meta domain.AgentMetadata) {
	s.detector.RemoveAgent(meta.AgentID)

	s.mu.Lock()
	dependents := s.deps.requiredDependents(meta.AgentID)
	s.deps.remove(meta.AgentID)
	procs := s.procs
	victims := make([]domain.Pid, 0, len(dependents))
	for _, dep := range dependents {
		if m, ok := s.agents[dep]; ok {
			victims = append(victims, m.Pid)
		}
	}
	s.mu.Unlock()

	if len(victims) > 0 && procs != nil {
		s.logger.Warn("cascading required dependents", "agent_id", meta.AgentID, "dependents", len(victims))
		for _, pid := range victims {
			if err := procs.Terminate(pid); err != nil {
				s.logger.Error("cascade terminate failed", "pid", pid, "error", err)
			}
		}
	}
	_ = ctx
}

// HandleFault applies the recovery policy's action for the fault and returns
// the action taken. The fault is always recorded in telemetry, even for
// agents the registry no longer knows; those degrade to an alert.
func (s *Supervisor) HandleFault(ctx context.Context, id domain.AgentID, f domain.Fault) domain.FaultAction {
	s.mu.Lock()
	rec, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		s.telemetry.RecordFault(id, f)
		s.logger.Warn("fault for unknown agent", "agent_id", id, "kind", f.Kind)
		return domain.ActionAlert
	}
	meta := rec.Clone()
	procs := s.procs
	s.mu.Unlock()

	action := s.detector.ActionFor(f)
	s.telemetry.RecordFault(id, f)
	s.publish(ctx, domain.EventAgentFault, faultPayload{AgentID: id, Fault: f, Action: action})
	s.logger.Warn("fault detected", "agent_id", id, "kind", f.Kind,
		"severity", f.Severity().String(), "action", action)

	switch action {
	case domain.ActionKill:
		if procs == nil {
			s.logger.Error("cannot kill agent: no process controller", "agent_id", id)
			return action
		}
		if err := procs.Terminate(meta.Pid); err != nil {
			s.logger.Error("terminate failed", "agent_id", id, "pid", meta.Pid, "error", err)
		}
	case domain.ActionRestart:
		s.mu.Lock()
		if cur, ok := s.agents[id]; ok && cur.Pid == meta.Pid {
			delete(s.byPid, meta.Pid)
			delete(s.agents, id)
		} else {
			// Already replaced by a concurrent exit; nothing to do.
			s.mu.Unlock()
			return action
		}
		s.mu.Unlock()
		s.reschedule(ctx, meta)
	case domain.ActionThrottle:
		s.logger.Warn("throttling agent", "agent_id", id, "kind", f.Kind)
	case domain.ActionAlert:
		s.logger.Warn("fault alert", "agent_id", id, "kind", f.Kind, "detail", f.Description())
	}
	return action
}

// Touch refreshes the watchdog timestamp for an agent.
func (s *Supervisor) Touch(id domain.AgentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.agents[id]
	if ok {
		meta.Touch()
	}
	return ok
}

// TouchByPid refreshes the watchdog timestamp via the pid index.
func (s *Supervisor) TouchByPid(pid domain.Pid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPid[pid]
	if !ok {
		return false
	}
	s.agents[id].Touch()
	return true
}

// Agent returns a clone of the agent's metadata.
func (s *Supervisor) Agent(id domain.AgentID) (domain.AgentMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.agents[id]
	if !ok {
		return domain.AgentMetadata{}, false
	}
	return meta.Clone(), true
}

// Lookup resolves a pid to its agent ID.
func (s *Supervisor) Lookup(pid domain.Pid) (domain.AgentID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPid[pid]
	return id, ok
}

// Agents returns clones of every registered agent's metadata.
func (s *Supervisor) Agents() []domain.AgentMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AgentMetadata, 0, len(s.agents))
	for _, meta := range s.agents {
		out = append(out, meta.Clone())
	}
	return out
}

// Count returns the number of registered agents.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// ApplyPolicyFields is the write-through setter used by the policy
// controller to sync an applied policy into the registry record.
func (s *Supervisor) ApplyPolicyFields(id domain.AgentID, caps []domain.Capability, scope domain.Scope, autoRestart bool, maxRestarts uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.agents[id]
	if !ok {
		return false
	}
	meta.Capabilities = append([]domain.Capability(nil), caps...)
	meta.Scope = scope.Clone()
	meta.AutoRestart = autoRestart
	meta.MaxRestarts = maxRestarts
	return true
}

// AddDependency records that dependent depends on dependency. Both agents
// must be registered.
func (s *Supervisor) AddDependency(dependent, dependency domain.AgentID, kind DependencyKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[dependent]; !ok {
		return domain.NewSubSystemError("supervisor", "Supervisor.AddDependency", domain.ErrAgentNotFound, "dependent not registered")
	}
	if _, ok := s.agents[dependency]; !ok {
		return domain.NewSubSystemError("supervisor", "Supervisor.AddDependency", domain.ErrAgentNotFound, "dependency not registered")
	}
	return s.deps.add(dependent, dependency, kind)
}

// Dependencies returns the direct dependencies of an agent with their kinds.
func (s *Supervisor) Dependencies(id domain.AgentID) map[domain.AgentID]DependencyKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps.dependenciesOf(id)
}

// HealthCheck runs one pass over all agents: watchdog first, then resource
// checks from the sampler. It handles at most one fault per pass so the
// registry is re-read between recoveries; the scheduler calls it again soon.
// Returns true when a fault was handled.
func (s *Supervisor) HealthCheck(ctx context.Context) bool {
	s.mu.Lock()
	snapshot := make([]domain.AgentMetadata, 0, len(s.agents))
	for _, meta := range s.agents {
		snapshot = append(snapshot, meta.Clone())
	}
	sampler := s.sampler
	s.mu.Unlock()

	for _, meta := range snapshot {
		idle := uint64(time.Since(meta.LastActivity).Microseconds())
		if f := s.detector.CheckWatchdog(meta.AgentID, idle); f != nil {
			s.HandleFault(ctx, meta.AgentID, *f)
			return true
		}
		if sampler == nil {
			continue
		}
		usage, ok := sampler.SampleUsage(meta.Pid)
		if !ok {
			continue
		}
		if f := s.detector.CheckCPUQuota(meta.AgentID, usage.CpuTimeUS); f != nil {
			s.HandleFault(ctx, meta.AgentID, *f)
			return true
		}
		if f := s.detector.CheckMemoryLimit(meta.AgentID, usage.MemoryBytes); f != nil {
			s.HandleFault(ctx, meta.AgentID, *f)
			return true
		}
		if f := s.detector.CheckSyscallRate(meta.AgentID, usage.SyscallRate); f != nil {
			s.telemetry.AddSyscalls(usage.SyscallRate)
			s.HandleFault(ctx, meta.AgentID, *f)
			return true
		}
		s.telemetry.AddSyscalls(usage.SyscallRate)
	}
	return false
}

// notify delivers the event to every listener in registration order. A
// panicking listener is logged and skipped; it never aborts the operation.
func (s *Supervisor) notify(ev domain.LifecycleEvent) {
	s.mu.Lock()
	listeners := append([]domain.LifecycleListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("lifecycle listener panic",
						"kind", ev.Kind, "agent_id", ev.AgentID, "panic", r)
				}
			}()
			l.OnLifecycleEvent(ev)
		}()
	}
}

func (s *Supervisor) publish(ctx context.Context, t domain.EventType, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.PublishJSON(ctx, t, payload)
}

type lifecyclePayload struct {
	AgentID  domain.AgentID `json:"agent_id"`
	Name     string         `json:"name,omitempty"`
	ExitCode int            `json:"exit_code,omitempty"`
	Attempt  uint32         `json:"attempt,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

type faultPayload struct {
	AgentID domain.AgentID     `json:"agent_id"`
	Fault   domain.Fault       `json:"fault"`
	Action  domain.FaultAction `json:"action"`
}
