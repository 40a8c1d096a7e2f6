package compliance

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"warden/internal/domain"
)

type recordingStore struct {
	mu    sync.Mutex
	kinds []string
	err   error
}

func (s *recordingStore) AppendComplianceEvent(_ context.Context, _ time.Time, _ domain.AgentID, kind string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.kinds = append(s.kinds, kind)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTracker(store EventStore) *Tracker {
	return NewTracker(store, discardLogger())
}

func TestRegisterAgentLogsSpawnEvent(t *testing.T) {
	tr := newTestTracker(nil)
	tr.RegisterAgent(context.Background(), 1000, RiskHigh, "loan scoring")

	rec, ok := tr.Record(1000)
	if !ok {
		t.Fatal("record not created")
	}
	if rec.RiskLevel != RiskHigh || rec.Purpose != "loan scoring" {
		t.Errorf("record = %+v", rec)
	}
	events := tr.RecentEvents(10)
	if len(events) != 1 || events[0].Kind != EventAgentSpawned {
		t.Fatalf("events = %+v", events)
	}

	report := tr.GenerateReport()
	if report.HighRiskAgents != 1 {
		t.Errorf("high risk agents = %d, want 1", report.HighRiskAgents)
	}
	if report.TotalEvents != 1 {
		t.Errorf("total events = %d, want 1", report.TotalEvents)
	}
}

func TestEventsUpdatePerAgentCounters(t *testing.T) {
	tr := newTestTracker(nil)
	ctx := context.Background()
	tr.RegisterAgent(ctx, 1000, RiskHigh, "triage")

	tr.LogEvent(ctx, Event{AgentID: 1000, Kind: EventDecisionMade, DecisionType: "classification", Confidence: 0.95})
	tr.LogEvent(ctx, Event{AgentID: 1000, Kind: EventSensitiveDataAccess, DataCategory: "health", AccessType: "read"})
	tr.LogEvent(ctx, Event{AgentID: 1000, Kind: EventHumanOversight, ReviewerID: "dr-lee", Action: "approved"})
	tr.LogEvent(ctx, Event{AgentID: 1000, Kind: EventPolicyViolation, ViolationType: "scope", Severity: RiskLimited})

	rec, _ := tr.Record(1000)
	if rec.DecisionsMade != 1 || rec.SensitiveDataAccesses != 1 || rec.HumanReviews != 1 || rec.PolicyViolations != 1 {
		t.Errorf("counters = %+v", rec)
	}
	if rec.TotalOperations != 2 {
		t.Errorf("total operations = %d, want 2", rec.TotalOperations)
	}

	report := tr.GenerateReport()
	if report.TotalViolations != 1 {
		t.Errorf("total violations = %d, want 1", report.TotalViolations)
	}
	// spawn + four events
	if report.TotalEvents != 5 {
		t.Errorf("total events = %d, want 5", report.TotalEvents)
	}
}

func TestEventForUnknownAgentStillLogged(t *testing.T) {
	tr := newTestTracker(nil)
	tr.LogEvent(context.Background(), Event{AgentID: 42, Kind: EventDecisionMade})

	if len(tr.RecentEvents(10)) != 1 {
		t.Fatal("event dropped")
	}
	if _, ok := tr.Record(42); ok {
		t.Error("record should not exist for unregistered agent")
	}
}

func TestHighRiskComplianceRequiresOversight(t *testing.T) {
	rec := Record{AgentID: 1000, RiskLevel: RiskHigh, DecisionsMade: 5}
	if rec.Compliant() {
		t.Error("high-risk decisions without review should not be compliant")
	}
	rec.HumanReviews = 1
	if !rec.Compliant() {
		t.Error("reviewed high-risk agent should be compliant")
	}
	rec.PolicyViolations = 1
	if rec.Compliant() {
		t.Error("high-risk agent with a violation should not be compliant")
	}
}

func TestRiskTierViolationTolerance(t *testing.T) {
	limited := Record{RiskLevel: RiskLimited, PolicyViolations: 2}
	if !limited.Compliant() {
		t.Error("limited risk tolerates 2 violations")
	}
	limited.PolicyViolations = 3
	if limited.Compliant() {
		t.Error("limited risk rejects 3 violations")
	}

	minimal := Record{RiskLevel: RiskMinimal, PolicyViolations: 9}
	if !minimal.Compliant() {
		t.Error("minimal risk tolerates 9 violations")
	}

	unacceptable := Record{RiskLevel: RiskUnacceptable}
	if unacceptable.Compliant() {
		t.Error("unacceptable risk is never compliant")
	}
}

func TestScorePenaltiesAndOversightBonus(t *testing.T) {
	rec := Record{RiskLevel: RiskMinimal}
	if got := rec.Score(); got != 1.0 {
		t.Errorf("clean score = %v, want 1.0", got)
	}
	rec.PolicyViolations = 2
	if got := rec.Score(); got < 0.79 || got > 0.81 {
		t.Errorf("score with 2 violations = %v, want ~0.8", got)
	}
	rec.PolicyViolations = 20
	if got := rec.Score(); got != 0 {
		t.Errorf("score floor = %v, want 0", got)
	}

	high := Record{RiskLevel: RiskHigh, HumanReviews: 1}
	if got := high.Score(); got != 1.0 {
		t.Errorf("oversight bonus capped at 1.0, got %v", got)
	}
	high.PolicyViolations = 1
	if got := high.Score(); got < 0.99 {
		t.Errorf("one violation offset by oversight, got %v", got)
	}
}

func TestSystemScoreAverages(t *testing.T) {
	tr := newTestTracker(nil)
	ctx := context.Background()
	if got := tr.SystemScore(); got != 1.0 {
		t.Errorf("empty tracker score = %v, want 1.0", got)
	}

	tr.RegisterAgent(ctx, 1000, RiskMinimal, "a")
	tr.RegisterAgent(ctx, 1001, RiskMinimal, "b")
	for i := 0; i < 5; i++ {
		tr.LogEvent(ctx, Event{AgentID: 1001, Kind: EventPolicyViolation})
	}
	got := tr.SystemScore()
	if got < 0.74 || got > 0.76 {
		t.Errorf("system score = %v, want ~0.75", got)
	}
}

func TestWriteThroughAndStoreFailureTolerated(t *testing.T) {
	store := &recordingStore{}
	tr := newTestTracker(store)
	ctx := context.Background()

	tr.RegisterAgent(ctx, 1000, RiskLimited, "chat")
	tr.LogEvent(ctx, Event{AgentID: 1000, Kind: EventDecisionMade})

	store.mu.Lock()
	kinds := append([]string(nil), store.kinds...)
	store.mu.Unlock()
	if len(kinds) != 2 || kinds[0] != "agent_spawned" || kinds[1] != "decision_made" {
		t.Fatalf("persisted kinds = %v", kinds)
	}

	// In-memory state stays authoritative when the store errors.
	store.mu.Lock()
	store.err = context.DeadlineExceeded
	store.mu.Unlock()
	tr.LogEvent(ctx, Event{AgentID: 1000, Kind: EventPolicyViolation})
	rec, _ := tr.Record(1000)
	if rec.PolicyViolations != 1 {
		t.Errorf("violation not counted despite store failure: %+v", rec)
	}
}

func TestLifecycleListenerClosesOutRecord(t *testing.T) {
	tr := newTestTracker(nil)

	tr.OnLifecycleEvent(domain.LifecycleEvent{Kind: domain.LifecycleSpawned, AgentID: 1000})
	rec, ok := tr.Record(1000)
	if !ok || rec.RiskLevel != RiskMinimal {
		t.Fatalf("spawn should auto-register minimal risk, got %+v ok=%v", rec, ok)
	}

	// A pre-classified agent keeps its classification on spawn.
	tr.RegisterAgent(context.Background(), 1001, RiskHigh, "scoring")
	tr.OnLifecycleEvent(domain.LifecycleEvent{Kind: domain.LifecycleSpawned, AgentID: 1001})
	rec, _ = tr.Record(1001)
	if rec.RiskLevel != RiskHigh {
		t.Errorf("spawn overwrote classification: %+v", rec)
	}

	tr.OnLifecycleEvent(domain.LifecycleEvent{Kind: domain.LifecycleCrashed, AgentID: 1000, ExitCode: 139})
	rec, _ = tr.Record(1000)
	if rec.ExitedAt.IsZero() {
		t.Error("exit time not recorded")
	}
	// Record survives exit so reports cover completed runs.
	if _, ok := tr.Record(1000); !ok {
		t.Error("record removed on exit")
	}
}

func TestUnregisterDropsRecordAndHighRiskCount(t *testing.T) {
	tr := newTestTracker(nil)
	ctx := context.Background()
	tr.RegisterAgent(ctx, 1000, RiskHigh, "scoring")
	tr.Unregister(1000)

	if _, ok := tr.Record(1000); ok {
		t.Error("record still present")
	}
	if got := tr.GenerateReport().HighRiskAgents; got != 0 {
		t.Errorf("high risk agents = %d, want 0", got)
	}
}

func TestReportTextLayout(t *testing.T) {
	tr := newTestTracker(nil)
	ctx := context.Background()
	tr.RegisterAgent(ctx, 1000, RiskHigh, "scoring")
	tr.RegisterAgent(ctx, 1001, RiskMinimal, "chat")
	tr.LogEvent(ctx, Event{AgentID: 1001, Kind: EventPolicyViolation})

	report := tr.GenerateReport()
	if report.TotalAgents != 2 || report.CompliantAgents != 2 {
		t.Errorf("report = %+v", report)
	}
	if len(report.AgentRecords) != 2 || report.AgentRecords[0].AgentID != 1000 {
		t.Errorf("records not ordered by id: %+v", report.AgentRecords)
	}

	text := report.ToText()
	for _, want := range []string{"EU AI Act Compliance Report", "Total Agents: 2", "High-Risk Agents: 1", "Agent Details:", "1000", "Minimal"} {
		if !strings.Contains(text, want) {
			t.Errorf("report text missing %q:\n%s", want, text)
		}
	}
}

func TestEventRingBounded(t *testing.T) {
	tr := newTestTracker(nil)
	ctx := context.Background()
	for i := 0; i < defaultEventCapacity+10; i++ {
		tr.LogEvent(ctx, Event{AgentID: 1000, Kind: EventDecisionMade})
	}
	if got := len(tr.RecentEvents(defaultEventCapacity * 2)); got != defaultEventCapacity {
		t.Errorf("ring holds %d events, want %d", got, defaultEventCapacity)
	}
	if got := tr.GenerateReport().TotalEvents; got != uint64(defaultEventCapacity+10) {
		t.Errorf("total events = %d", got)
	}
}

func TestRecentEventsNonPositiveCount(t *testing.T) {
	tr := newTestTracker(nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		tr.LogEvent(ctx, Event{AgentID: 1000, Kind: EventDecisionMade})
	}
	if got := tr.RecentEvents(0); len(got) != 0 {
		t.Errorf("RecentEvents(0) = %d events, want 0", len(got))
	}
	if got := tr.RecentEvents(-3); len(got) != 0 {
		t.Errorf("RecentEvents(-3) = %d events, want 0", len(got))
	}
	if got := tr.RecentEvents(2); len(got) != 2 {
		t.Errorf("RecentEvents(2) = %d events, want 2", len(got))
	}
}
