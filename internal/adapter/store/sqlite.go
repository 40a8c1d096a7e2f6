package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"warden/internal/domain"
)

// SQLiteStore is the durable append store for compliance events and audit
// entries. The in-memory trackers remain the source of truth; this store
// exists so records survive a restart and can be queried offline.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS compliance_events (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			agent_id  INTEGER NOT NULL,
			kind      TEXT NOT NULL,
			payload   TEXT NOT NULL DEFAULT '{}'
		);
		CREATE TABLE IF NOT EXISTS audit_events (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			type      TEXT NOT NULL,
			actor     TEXT NOT NULL DEFAULT '',
			agent_id  INTEGER NOT NULL DEFAULT 0,
			resource  TEXT NOT NULL DEFAULT '',
			action    TEXT NOT NULL DEFAULT '',
			outcome   TEXT NOT NULL DEFAULT '',
			detail    TEXT NOT NULL DEFAULT '{}'
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoredComplianceEvent is one persisted compliance log row. Payload holds
// the kind-specific fields as JSON.
type StoredComplianceEvent struct {
	Timestamp time.Time
	AgentID   domain.AgentID
	Kind      string
	Payload   json.RawMessage
}

// AppendComplianceEvent persists one compliance event. Payload is marshaled
// to JSON; a nil payload stores an empty object.
func (s *SQLiteStore) AppendComplianceEvent(ctx context.Context, ts time.Time, agentID domain.AgentID, kind string, payload any) error {
	body := []byte("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal compliance payload: %w", err)
		}
		body = b
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO compliance_events (timestamp, agent_id, kind, payload) VALUES (?, ?, ?, ?)",
		ts.UTC().Format(time.RFC3339Nano), uint64(agentID), kind, string(body),
	)
	return err
}

// RecentComplianceEvents returns up to limit events, newest first.
func (s *SQLiteStore) RecentComplianceEvents(ctx context.Context, limit int) ([]StoredComplianceEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT timestamp, agent_id, kind, payload FROM compliance_events ORDER BY id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StoredComplianceEvent
	for rows.Next() {
		var ev StoredComplianceEvent
		var tsStr, payload string
		var agentID uint64
		if err := rows.Scan(&tsStr, &agentID, &ev.Kind, &payload); err != nil {
			return nil, err
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		ev.AgentID = domain.AgentID(agentID)
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Log appends one audit event. SQLiteStore satisfies domain.AuditLogger so it
// can back the security audit trail directly.
func (s *SQLiteStore) Log(ctx context.Context, event domain.AuditEvent) error {
	detail := []byte("{}")
	if len(event.Detail) > 0 {
		b, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = b
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (timestamp, type, actor, agent_id, resource, action, outcome, detail) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		ts.UTC().Format(time.RFC3339Nano), string(event.Type), event.Actor,
		uint64(event.AgentID), event.Resource, event.Action, event.Outcome, string(detail),
	)
	return err
}

// AuditEvents returns up to limit audit entries, newest first.
func (s *SQLiteStore) AuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT timestamp, type, actor, agent_id, resource, action, outcome, detail FROM audit_events ORDER BY id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var tsStr, typ, detail string
		var agentID uint64
		if err := rows.Scan(&tsStr, &typ, &ev.Actor, &agentID, &ev.Resource, &ev.Action, &ev.Outcome, &detail); err != nil {
			return nil, err
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		ev.Type = domain.AuditEventType(typ)
		ev.AgentID = domain.AgentID(agentID)
		if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
			return nil, fmt.Errorf("unmarshal audit detail: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

var _ domain.AuditLogger = (*SQLiteStore)(nil)
