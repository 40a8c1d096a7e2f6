// Package compliance tracks agent activity against regulatory transparency
// requirements (EU AI Act style): risk classification, decision and data
// access logging, human oversight, and per-agent compliance scoring.
package compliance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"warden/internal/domain"
	"warden/internal/usecase/telemetry"
)

// RiskLevel classifies an agent per EU AI Act risk tiers. Levels order from
// least to most restricted.
type RiskLevel uint8

const (
	RiskMinimal RiskLevel = iota
	RiskLimited
	RiskHigh
	RiskUnacceptable
)

func (r RiskLevel) String() string {
	switch r {
	case RiskMinimal:
		return "Minimal"
	case RiskLimited:
		return "Limited"
	case RiskHigh:
		return "High"
	case RiskUnacceptable:
		return "Unacceptable"
	default:
		return "Unknown"
	}
}

// EventKind identifies a compliance log entry.
type EventKind string

const (
	EventAgentSpawned        EventKind = "agent_spawned"
	EventDecisionMade        EventKind = "decision_made"
	EventSensitiveDataAccess EventKind = "sensitive_data_access"
	EventPolicyViolation     EventKind = "policy_violation"
	EventHumanOversight      EventKind = "human_oversight"
	EventAgentExited         EventKind = "agent_exited"
)

// Event is one compliance log entry. Only the fields relevant to the kind
// are populated.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	AgentID   domain.AgentID `json:"agent_id"`
	Kind      EventKind      `json:"kind"`

	// AgentSpawned
	RiskLevel RiskLevel `json:"risk_level,omitempty"`
	Purpose   string    `json:"purpose,omitempty"`

	// DecisionMade
	DecisionType  string  `json:"decision_type,omitempty"`
	Confidence    float32 `json:"confidence,omitempty"`
	HumanReviewed bool    `json:"human_reviewed,omitempty"`

	// SensitiveDataAccess
	DataCategory string `json:"data_category,omitempty"`
	AccessType   string `json:"access_type,omitempty"` // read/write/delete

	// PolicyViolation
	ViolationType string    `json:"violation_type,omitempty"`
	Severity      RiskLevel `json:"severity,omitempty"`

	// HumanOversight
	ReviewerID string `json:"reviewer_id,omitempty"`
	Action     string `json:"action,omitempty"`

	// AgentExited
	ExitCode        int    `json:"exit_code,omitempty"`
	OperationsCount uint64 `json:"operations_count,omitempty"`
}

// Record accumulates one agent's compliance history.
type Record struct {
	AgentID               domain.AgentID `json:"agent_id"`
	RiskLevel             RiskLevel      `json:"risk_level"`
	Purpose               string         `json:"purpose"`
	SpawnedAt             time.Time      `json:"spawned_at"`
	ExitedAt              time.Time      `json:"exited_at"`
	DecisionsMade         uint64         `json:"decisions_made"`
	HumanReviews          uint64         `json:"human_reviews"`
	PolicyViolations      uint64         `json:"policy_violations"`
	SensitiveDataAccesses uint64         `json:"sensitive_data_accesses"`
	TotalOperations       uint64         `json:"total_operations"`
}

func (r *Record) recordEvent(ev Event) {
	switch ev.Kind {
	case EventDecisionMade:
		r.DecisionsMade++
		r.TotalOperations++
	case EventSensitiveDataAccess:
		r.SensitiveDataAccesses++
		r.TotalOperations++
	case EventPolicyViolation:
		r.PolicyViolations++
	case EventHumanOversight:
		r.HumanReviews++
	case EventAgentExited:
		r.ExitedAt = ev.Timestamp
		if ev.OperationsCount > 0 {
			r.TotalOperations = ev.OperationsCount
		}
	}
}

// Compliant reports whether the record meets the obligations of its risk
// tier. Unacceptable-risk agents are never compliant; high-risk agents need
// human oversight on their decisions and a clean violation record; lower
// tiers tolerate a small number of violations.
func (r *Record) Compliant() bool {
	switch r.RiskLevel {
	case RiskUnacceptable:
		return false
	case RiskHigh:
		if r.DecisionsMade > 0 && r.HumanReviews == 0 {
			return false
		}
		return r.PolicyViolations == 0
	case RiskLimited:
		return r.PolicyViolations < 3
	default:
		return r.PolicyViolations < 10
	}
}

// Score returns a compliance score in [0, 1]. Each violation costs 0.1;
// human oversight on a high-risk agent earns 0.1 back.
func (r *Record) Score() float32 {
	score := float32(1.0)
	score -= float32(r.PolicyViolations) * 0.1
	if r.RiskLevel >= RiskHigh && r.HumanReviews > 0 {
		score += 0.1
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// EventStore persists compliance events. The tracker writes through to it;
// in-memory state stays authoritative and a store failure only logs a
// warning.
type EventStore interface {
	AppendComplianceEvent(ctx context.Context, ts time.Time, agentID domain.AgentID, kind string, payload any) error
}

const defaultEventCapacity = 1024

// Tracker aggregates compliance events across all agents. Records survive
// agent exit so reports cover completed runs; Unregister drops a record
// explicitly (retention).
type Tracker struct {
	mu      sync.Mutex
	records map[domain.AgentID]*Record
	events  *telemetry.Ring[Event]

	totalEvents     uint64
	totalViolations uint64
	highRiskAgents  uint64

	store  EventStore
	logger *slog.Logger
}

// NewTracker creates a tracker. store may be nil when persistence is
// disabled.
func NewTracker(store EventStore, logger *slog.Logger) *Tracker {
	return &Tracker{
		records: make(map[domain.AgentID]*Record),
		events:  telemetry.NewRing[Event](defaultEventCapacity),
		store:   store,
		logger:  logger.With("component", "compliance"),
	}
}

// RegisterAgent starts tracking an agent and logs its spawn event.
// Re-registering an agent resets its record.
func (t *Tracker) RegisterAgent(ctx context.Context, id domain.AgentID, risk RiskLevel, purpose string) {
	now := time.Now()
	t.mu.Lock()
	if prev, ok := t.records[id]; ok && prev.RiskLevel >= RiskHigh {
		t.highRiskAgents--
	}
	t.records[id] = &Record{
		AgentID:   id,
		RiskLevel: risk,
		Purpose:   purpose,
		SpawnedAt: now,
	}
	if risk >= RiskHigh {
		t.highRiskAgents++
	}
	t.mu.Unlock()

	t.LogEvent(ctx, Event{
		Timestamp: now,
		AgentID:   id,
		Kind:      EventAgentSpawned,
		RiskLevel: risk,
		Purpose:   purpose,
	})
}

// LogEvent records one compliance event: updates the agent's record, appends
// to the bounded event log, and writes through to the store.
func (t *Tracker) LogEvent(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	t.mu.Lock()
	if rec, ok := t.records[ev.AgentID]; ok {
		rec.recordEvent(ev)
	}
	if ev.Kind == EventPolicyViolation {
		t.totalViolations++
	}
	t.events.Push(ev)
	t.totalEvents++
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.AppendComplianceEvent(ctx, ev.Timestamp, ev.AgentID, string(ev.Kind), ev); err != nil {
			t.logger.Warn("compliance event not persisted",
				"agent_id", ev.AgentID, "kind", ev.Kind, "error", err)
		}
	}
}

// Unregister drops an agent's record. Reports generated afterwards no longer
// include it.
func (t *Tracker) Unregister(id domain.AgentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[id]; ok {
		if rec.RiskLevel >= RiskHigh && t.highRiskAgents > 0 {
			t.highRiskAgents--
		}
		delete(t.records, id)
	}
}

// Record returns a copy of one agent's record.
func (t *Tracker) Record(id domain.AgentID) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// RecentEvents returns up to count events, oldest first. A non-positive
// count yields an empty slice.
func (t *Tracker) RecentEvents(count int) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	items := t.events.Items()
	if count <= 0 {
		return nil
	}
	if count < len(items) {
		items = items[len(items)-count:]
	}
	return items
}

// SystemScore averages the per-agent compliance scores. An empty tracker
// scores 1.0.
func (t *Tracker) SystemScore() float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.records) == 0 {
		return 1.0
	}
	var total float32
	for _, rec := range t.records {
		total += rec.Score()
	}
	return total / float32(len(t.records))
}

// OnLifecycleEvent wires the tracker to the supervisor: spawns of agents that
// were never classified get a minimal-risk record, and exits close out the
// record. Crashed agents log their nonzero exit code like any other exit.
func (t *Tracker) OnLifecycleEvent(event domain.LifecycleEvent) {
	ctx := context.Background()
	switch event.Kind {
	case domain.LifecycleSpawned:
		t.mu.Lock()
		_, known := t.records[event.AgentID]
		t.mu.Unlock()
		if !known {
			t.RegisterAgent(ctx, event.AgentID, RiskMinimal, "unclassified")
		}
	case domain.LifecycleExited, domain.LifecycleCrashed:
		t.LogEvent(ctx, Event{
			AgentID:  event.AgentID,
			Kind:     EventAgentExited,
			ExitCode: event.ExitCode,
		})
	}
}

var _ domain.LifecycleListener = (*Tracker)(nil)
