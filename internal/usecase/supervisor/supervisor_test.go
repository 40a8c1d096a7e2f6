package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"warden/internal/domain"
	"warden/internal/usecase/fault"
	"warden/internal/usecase/telemetry"
)

type fakeProcs struct {
	mu         sync.Mutex
	terminated []domain.Pid
	respawned  []domain.AgentSpec
	nextPid    domain.Pid
	respawnErr error
}

func (f *fakeProcs) Terminate(pid domain.Pid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	return nil
}

func (f *fakeProcs) Respawn(spec domain.AgentSpec) (domain.Pid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respawnErr != nil {
		return 0, f.respawnErr
	}
	f.nextPid++
	f.respawned = append(f.respawned, spec)
	return f.nextPid, nil
}

func (f *fakeProcs) terminateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.terminated)
}

func (f *fakeProcs) respawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.respawned)
}

type fakeSampler struct {
	usage map[domain.Pid]ResourceUsage
}

func (f fakeSampler) SampleUsage(pid domain.Pid) (ResourceUsage, bool) {
	u, ok := f.usage[pid]
	return u, ok
}

type recordingListener struct {
	name   string
	log    *[]string
	events []domain.LifecycleEvent
}

func (l *recordingListener) OnLifecycleEvent(ev domain.LifecycleEvent) {
	*l.log = append(*l.log, l.name)
	l.events = append(l.events, ev)
}

type panickyListener struct{}

func (panickyListener) OnLifecycleEvent(domain.LifecycleEvent) { panic("listener bug") }

func newTestSupervisor(t *testing.T, preset string) (*Supervisor, *fakeProcs, *fault.Detector) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	det := fault.NewDetector(preset, logger)
	agg := telemetry.NewAggregator(16, logger)
	sup := New(det, agg, nil, logger)
	procs := &fakeProcs{nextPid: 5000}
	sup.SetProcessController(procs)
	return sup, procs, det
}

func TestSpawnRegistersBijection(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "default")
	ctx := context.Background()

	id, err := sup.Spawn(ctx, domain.NewAgentSpec(7, "static"), 100)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if id != 7 {
		t.Fatalf("id = %d, want 7", id)
	}
	if got, ok := sup.Lookup(100); !ok || got != 7 {
		t.Fatalf("Lookup(100) = %d, %v", got, ok)
	}
	meta, ok := sup.Agent(7)
	if !ok || meta.Pid != 100 || !meta.Active {
		t.Fatalf("Agent(7) = %+v, %v", meta, ok)
	}

	if _, err := sup.Spawn(ctx, domain.NewAgentSpec(8, "dup-pid"), 100); !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("duplicate pid error = %v, want ErrDuplicate", err)
	}
	if sup.Count() != 1 {
		t.Fatalf("Count = %d, want 1", sup.Count())
	}
}

func TestRespawnSameIDOverwritesMetadata(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "default")
	ctx := context.Background()

	if _, err := sup.Spawn(ctx, domain.NewAgentSpec(7, "first"), 100); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := sup.Spawn(ctx, domain.NewAgentSpec(7, "second"), 101); err != nil {
		t.Fatalf("re-spawn: %v", err)
	}

	meta, ok := sup.Agent(7)
	if !ok || meta.Pid != 101 || meta.Name != "second" {
		t.Fatalf("Agent(7) = %+v, %v", meta, ok)
	}
	if _, ok := sup.Lookup(100); ok {
		t.Fatal("stale pid 100 still indexed after overwrite")
	}
	if got, ok := sup.Lookup(101); !ok || got != 7 {
		t.Fatalf("Lookup(101) = %d, %v", got, ok)
	}
	if sup.Count() != 1 {
		t.Fatalf("Count = %d, want 1", sup.Count())
	}
}

func TestSpawnAllocatesDynamicIDs(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "default")
	ctx := context.Background()

	a, err := sup.Spawn(ctx, domain.NewAgentSpec(0, "first"), 200)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	b, err := sup.Spawn(ctx, domain.NewAgentSpec(0, "second"), 201)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if a != domain.DynamicAgentIDStart || b != domain.DynamicAgentIDStart+1 {
		t.Fatalf("dynamic ids = %d, %d", a, b)
	}
	if next := sup.AllocateID(); next != domain.DynamicAgentIDStart+2 {
		t.Fatalf("AllocateID = %d", next)
	}
}

func TestListenersNotifiedInOrderDespitePanic(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "default")
	ctx := context.Background()

	var order []string
	first := &recordingListener{name: "first", log: &order}
	last := &recordingListener{name: "last", log: &order}
	sup.AddListener(first)
	sup.AddListener(panickyListener{})
	sup.AddListener(last)

	if _, err := sup.Spawn(ctx, domain.NewAgentSpec(1, "a"), 300); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	sup.Exit(ctx, 300, 0)

	want := []string{"first", "last", "first", "last"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if first.events[0].Kind != domain.LifecycleSpawned || first.events[1].Kind != domain.LifecycleExited {
		t.Fatalf("events = %+v", first.events)
	}
}

func TestExitUnknownPidIsNoOp(t *testing.T) {
	sup, procs, _ := newTestSupervisor(t, "default")
	sup.Exit(context.Background(), 9999, 1)
	if procs.respawnCount() != 0 || procs.terminateCount() != 0 {
		t.Fatal("exit of unknown pid had side effects")
	}
}

func TestNormalExitDoesNotRestart(t *testing.T) {
	sup, procs, _ := newTestSupervisor(t, "default")
	ctx := context.Background()

	spec := domain.NewAgentSpec(1, "worker")
	spec.AutoRestart = true
	if _, err := sup.Spawn(ctx, spec, 400); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	sup.Exit(ctx, 400, 0)

	if procs.respawnCount() != 0 {
		t.Fatal("clean exit triggered a restart")
	}
	if _, ok := sup.Agent(1); ok {
		t.Fatal("agent still registered after exit")
	}
}

func TestCrashRestartsUntilBudgetExhausted(t *testing.T) {
	sup, procs, _ := newTestSupervisor(t, "default")
	ctx := context.Background()

	spec := domain.NewAgentSpec(1, "flaky")
	spec.AutoRestart = true
	spec.MaxRestarts = 2
	if _, err := sup.Spawn(ctx, spec, 500); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// Crash 1: restart attempt 1.
	sup.Exit(ctx, 500, 1)
	meta, ok := sup.Agent(1)
	if !ok || meta.RestartCount != 1 {
		t.Fatalf("after crash 1: meta=%+v ok=%v", meta, ok)
	}

	// Crash 2: restart attempt 2, budget now spent.
	sup.Exit(ctx, meta.Pid, 1)
	meta, ok = sup.Agent(1)
	if !ok || meta.RestartCount != 2 {
		t.Fatalf("after crash 2: meta=%+v ok=%v", meta, ok)
	}

	// Crash 3: no budget left, permanent removal.
	sup.Exit(ctx, meta.Pid, 1)
	if _, ok := sup.Agent(1); ok {
		t.Fatal("agent restarted past its budget")
	}
	if procs.respawnCount() != 2 {
		t.Fatalf("respawns = %d, want 2", procs.respawnCount())
	}
}

func TestRestartPreservesSpec(t *testing.T) {
	sup, procs, _ := newTestSupervisor(t, "default")
	ctx := context.Background()

	spec := domain.NewAgentSpec(1, "scoped")
	spec.AutoRestart = true
	spec.Capabilities = []domain.Capability{domain.CapFsBasic}
	spec.Scope = domain.Scope{PathPrefix: "/data"}
	if _, err := sup.Spawn(ctx, spec, 600); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	sup.Exit(ctx, 600, 137)

	if procs.respawnCount() != 1 {
		t.Fatalf("respawns = %d, want 1", procs.respawnCount())
	}
	got := procs.respawned[0]
	if got.Name != "scoped" || got.Scope.PathPrefix != "/data" || len(got.Capabilities) != 1 {
		t.Fatalf("respawn spec = %+v", got)
	}
	meta, _ := sup.Agent(1)
	if !meta.HasCapability(domain.CapFsBasic) {
		t.Fatal("capabilities lost across restart")
	}
}

func TestRespawnFailureRemovesAgent(t *testing.T) {
	sup, procs, _ := newTestSupervisor(t, "default")
	ctx := context.Background()
	procs.respawnErr = errors.New("exec: not found")

	spec := domain.NewAgentSpec(1, "broken")
	spec.AutoRestart = true
	if _, err := sup.Spawn(ctx, spec, 700); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	sup.Exit(ctx, 700, 1)

	if _, ok := sup.Agent(1); ok {
		t.Fatal("agent still registered after failed respawn")
	}
}

func TestHandleFaultKillTerminatesProcess(t *testing.T) {
	sup, procs, _ := newTestSupervisor(t, "default")
	ctx := context.Background()

	if _, err := sup.Spawn(ctx, domain.NewAgentSpec(1, "hog"), 800); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	// Default policy maps memory faults to kill.
	action := sup.HandleFault(ctx, 1, domain.Fault{Kind: domain.FaultMemoryExceeded, UsedBytes: 200 << 20, LimitBytes: 100 << 20})
	if action != domain.ActionKill {
		t.Fatalf("action = %v, want kill", action)
	}

	if procs.terminateCount() != 1 || procs.terminated[0] != 800 {
		t.Fatalf("terminated = %v", procs.terminated)
	}
	// Registry removal happens when the process manager reports the exit.
	if _, ok := sup.Agent(1); !ok {
		t.Fatal("kill removed the agent before its exit was reported")
	}
}

func TestHandleFaultRestartReschedules(t *testing.T) {
	sup, procs, _ := newTestSupervisor(t, "default")
	ctx := context.Background()

	spec := domain.NewAgentSpec(1, "stuck")
	if _, err := sup.Spawn(ctx, spec, 900); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	// Default policy maps crashes to restart.
	if action := sup.HandleFault(ctx, 1, fault.ReportCrash(0)); action != domain.ActionRestart {
		t.Fatalf("action = %v, want restart", action)
	}

	if procs.respawnCount() != 1 {
		t.Fatalf("respawns = %d, want 1", procs.respawnCount())
	}
	meta, ok := sup.Agent(1)
	if !ok {
		t.Fatal("agent gone after restart action")
	}
	if meta.RestartCount != 1 || meta.Pid == 900 {
		t.Fatalf("meta after restart = %+v", meta)
	}
}

func TestHandleFaultUnknownAgentAlertsAndRecords(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	det := fault.NewDetector("strict", logger)
	agg := telemetry.NewAggregator(16, logger)
	sup := New(det, agg, nil, logger)
	procs := &fakeProcs{nextPid: 5000}
	sup.SetProcessController(procs)

	action := sup.HandleFault(context.Background(), 42, fault.ReportCrash(9))
	if action != domain.ActionAlert {
		t.Fatalf("action = %v, want alert", action)
	}
	if procs.terminateCount() != 0 {
		t.Fatal("fault on unknown agent had process side effects")
	}
	metrics, ok := agg.AgentMetrics(42)
	if !ok || metrics.FaultCount != 1 {
		t.Fatalf("fault not recorded for unknown agent: %+v, %v", metrics, ok)
	}
}

func TestPermissiveFaultOnlyAlerts(t *testing.T) {
	sup, procs, _ := newTestSupervisor(t, "permissive")
	ctx := context.Background()

	if _, err := sup.Spawn(ctx, domain.NewAgentSpec(1, "watched"), 1000); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	sup.HandleFault(ctx, 1, fault.ReportCapabilityViolation(domain.CapAdmin))

	if procs.terminateCount() != 0 || procs.respawnCount() != 0 {
		t.Fatal("alert action touched the process")
	}
	if _, ok := sup.Agent(1); !ok {
		t.Fatal("alert action removed the agent")
	}
}

func TestTouchUpdatesActivity(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "default")
	ctx := context.Background()

	if _, err := sup.Spawn(ctx, domain.NewAgentSpec(1, "a"), 1100); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	before, _ := sup.Agent(1)
	time.Sleep(2 * time.Millisecond)

	if !sup.Touch(1) {
		t.Fatal("Touch returned false for registered agent")
	}
	after, _ := sup.Agent(1)
	if !after.LastActivity.After(before.LastActivity) {
		t.Fatal("LastActivity not advanced")
	}
	if sup.Touch(99) {
		t.Fatal("Touch returned true for unknown agent")
	}
	if !sup.TouchByPid(1100) || sup.TouchByPid(9999) {
		t.Fatal("TouchByPid index mismatch")
	}
}

func TestHealthCheckWatchdog(t *testing.T) {
	sup, procs, det := newTestSupervisor(t, "default")
	ctx := context.Background()

	if _, err := sup.Spawn(ctx, domain.NewAgentSpec(1, "quiet"), 1200); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	watchdog := uint64(1000) // 1ms
	det.SetAgentLimits(1, domain.ResourceLimits{WatchdogUS: &watchdog})
	time.Sleep(5 * time.Millisecond)

	if !sup.HealthCheck(ctx) {
		t.Fatal("health check missed the watchdog expiry")
	}
	// Default policy restarts unresponsive agents.
	if procs.respawnCount() != 1 {
		t.Fatalf("respawns = %d, want 1", procs.respawnCount())
	}
}

func TestHealthCheckHandlesOneFaultPerPass(t *testing.T) {
	sup, procs, _ := newTestSupervisor(t, "default")
	ctx := context.Background()

	if _, err := sup.Spawn(ctx, domain.NewAgentSpec(1, "a"), 1300); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := sup.Spawn(ctx, domain.NewAgentSpec(2, "b"), 1301); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	// Both agents over the conservative 100MB memory limit.
	sup.SetUsageSampler(fakeSampler{usage: map[domain.Pid]ResourceUsage{
		1300: {MemoryBytes: 500 << 20},
		1301: {MemoryBytes: 500 << 20},
	}})

	if !sup.HealthCheck(ctx) {
		t.Fatal("first pass handled nothing")
	}
	if procs.terminateCount() != 1 {
		t.Fatalf("terminations after one pass = %d, want 1", procs.terminateCount())
	}
	if !sup.HealthCheck(ctx) {
		t.Fatal("second pass handled nothing")
	}
	if procs.terminateCount() != 2 {
		t.Fatalf("terminations after two passes = %d, want 2", procs.terminateCount())
	}
}

func TestHealthCheckCleanPass(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "default")
	ctx := context.Background()

	if _, err := sup.Spawn(ctx, domain.NewAgentSpec(1, "a"), 1400); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	sup.SetUsageSampler(fakeSampler{usage: map[domain.Pid]ResourceUsage{
		1400: {CpuTimeUS: 100, MemoryBytes: 1 << 20, SyscallRate: 10},
	}})
	if sup.HealthCheck(ctx) {
		t.Fatal("clean pass reported a fault")
	}
}

func TestApplyPolicyFields(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "default")
	ctx := context.Background()

	if _, err := sup.Spawn(ctx, domain.NewAgentSpec(1, "a"), 1500); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	caps := []domain.Capability{domain.CapNetBasic}
	scope := domain.Scope{NetworkHosts: []string{"api.internal"}}
	if !sup.ApplyPolicyFields(1, caps, scope, true, 5) {
		t.Fatal("ApplyPolicyFields returned false")
	}
	meta, _ := sup.Agent(1)
	if !meta.HasCapability(domain.CapNetBasic) || !meta.AutoRestart || meta.MaxRestarts != 5 {
		t.Fatalf("meta = %+v", meta)
	}
	if sup.ApplyPolicyFields(42, nil, domain.Scope{}, false, 0) {
		t.Fatal("ApplyPolicyFields succeeded for unknown agent")
	}
}
