package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditPolicyPatch    AuditEventType = "policy_patch"
	AuditViolation      AuditEventType = "violation"
	AuditLifecycle      AuditEventType = "lifecycle"
	AuditFaultRecovery  AuditEventType = "fault_recovery"
	AuditAccessLog      AuditEventType = "access"
	AuditTokenIssued    AuditEventType = "token_issued"
	AuditTokenRejected  AuditEventType = "token_rejected"
)

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Actor     string            `json:"actor,omitempty"`    // RPC client or subsystem name
	AgentID   AgentID           `json:"agent_id,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Action    string            `json:"action,omitempty"`
	Outcome   string            `json:"outcome,omitempty"` // "success", "denied", "error"
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditLogger records security-relevant events durably.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}

// NopAuditLogger discards all events. Used when auditing is disabled.
type NopAuditLogger struct{}

func (NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }
func (NopAuditLogger) Close() error                          { return nil }
