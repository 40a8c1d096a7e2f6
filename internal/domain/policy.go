package domain

import "time"

// MaxViolationsPerAgent bounds the per-agent violation list; the oldest
// entry is evicted first.
const MaxViolationsPerAgent = 100

// PatchKind identifies a policy patch operation.
type PatchKind string

const (
	PatchAddCapability      PatchKind = "add_capability"
	PatchRemoveCapability   PatchKind = "remove_capability"
	PatchUpdateScope        PatchKind = "update_scope"
	PatchEnableAutoRestart  PatchKind = "enable_auto_restart"
	PatchDisableAutoRestart PatchKind = "disable_auto_restart"
)

// PolicyPatch is a single dynamic policy mutation. Only the fields relevant
// to Kind are set.
type PolicyPatch struct {
	Kind        PatchKind  `json:"kind"`
	Capability  Capability `json:"capability,omitempty"`
	Scope       Scope      `json:"scope,omitempty"`
	MaxRestarts uint32     `json:"max_restarts,omitempty"`
}

// IsSafe reports whether applying the patch cannot escalate privileges.
// Granting the admin capability is never safe; removal always is.
func (p PolicyPatch) IsSafe() bool {
	return !(p.Kind == PatchAddCapability && p.Capability == CapAdmin)
}

// AddCapabilityPatch constructs an AddCapability patch.
func AddCapabilityPatch(cap Capability) PolicyPatch {
	return PolicyPatch{Kind: PatchAddCapability, Capability: cap}
}

// RemoveCapabilityPatch constructs a RemoveCapability patch.
func RemoveCapabilityPatch(cap Capability) PolicyPatch {
	return PolicyPatch{Kind: PatchRemoveCapability, Capability: cap}
}

// UpdateScopePatch constructs an UpdateScope patch.
func UpdateScopePatch(scope Scope) PolicyPatch {
	return PolicyPatch{Kind: PatchUpdateScope, Scope: scope}
}

// EnableAutoRestartPatch constructs an EnableAutoRestart patch.
func EnableAutoRestartPatch(maxRestarts uint32) PolicyPatch {
	return PolicyPatch{Kind: PatchEnableAutoRestart, MaxRestarts: maxRestarts}
}

// DisableAutoRestartPatch constructs a DisableAutoRestart patch.
func DisableAutoRestartPatch() PolicyPatch {
	return PolicyPatch{Kind: PatchDisableAutoRestart}
}

// PolicyViolation records one rejected or audited agent action.
type PolicyViolation struct {
	Timestamp   time.Time      `json:"timestamp"`
	Description string         `json:"description"`
	Decision    PolicyDecision `json:"decision"`
}

// PolicyAuditEntry records one applied patch. The audit trail is append-only.
type PolicyAuditEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Patch     PolicyPatch `json:"patch"`
}

// PolicySet is the per-agent dynamic policy. Created lazily on first patch;
// never deleted automatically so compliance export survives agent exit.
type PolicySet struct {
	AgentID      AgentID            `json:"agent_id"`
	Capabilities []Capability       `json:"capabilities"`
	Scope        Scope              `json:"scope"`
	AutoRestart  bool               `json:"auto_restart"`
	MaxRestarts  uint32             `json:"max_restarts"`
	Violations   []PolicyViolation  `json:"violations"`
	AuditTrail   []PolicyAuditEntry `json:"audit_trail"`
}

// NewPolicySet creates an empty policy for an agent.
func NewPolicySet(id AgentID) *PolicySet {
	return &PolicySet{
		AgentID:     id,
		Scope:       ScopeUnrestricted,
		MaxRestarts: DefaultMaxRestarts,
	}
}

// HasCapability reports whether the set contains cap.
func (s *PolicySet) HasCapability(cap Capability) bool {
	for _, c := range s.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Apply mutates the set per the patch and appends an audit entry. The caller
// is responsible for safety validation; Apply assumes the patch passed IsSafe.
func (s *PolicySet) Apply(patch PolicyPatch) error {
	switch patch.Kind {
	case PatchAddCapability:
		if !s.HasCapability(patch.Capability) {
			s.Capabilities = append(s.Capabilities, patch.Capability)
		}
	case PatchRemoveCapability:
		kept := s.Capabilities[:0]
		for _, c := range s.Capabilities {
			if c != patch.Capability {
				kept = append(kept, c)
			}
		}
		s.Capabilities = kept
	case PatchUpdateScope:
		s.Scope = patch.Scope
	case PatchEnableAutoRestart:
		s.AutoRestart = true
		s.MaxRestarts = patch.MaxRestarts
	case PatchDisableAutoRestart:
		s.AutoRestart = false
	default:
		return NewDomainError("PolicySet.Apply", ErrInvalidPatch, string(patch.Kind))
	}

	s.AuditTrail = append(s.AuditTrail, PolicyAuditEntry{
		Timestamp: time.Now(),
		Patch:     patch,
	})
	return nil
}

// RecordViolation appends to the bounded violation list, evicting the oldest
// entry once the cap is reached.
func (s *PolicySet) RecordViolation(v PolicyViolation) {
	if len(s.Violations) >= MaxViolationsPerAgent {
		s.Violations = s.Violations[1:]
	}
	s.Violations = append(s.Violations, v)
}

// Clone returns a deep copy safe to hand out of the controller lock.
func (s *PolicySet) Clone() *PolicySet {
	out := *s
	out.Capabilities = append([]Capability(nil), s.Capabilities...)
	out.Violations = append([]PolicyViolation(nil), s.Violations...)
	out.AuditTrail = append([]PolicyAuditEntry(nil), s.AuditTrail...)
	out.Scope.NetworkHosts = append([]string(nil), s.Scope.NetworkHosts...)
	return &out
}

// ComplianceEntry is one agent's slice of a compliance report.
type ComplianceEntry struct {
	AgentID      AgentID            `json:"agent_id"`
	Capabilities []Capability       `json:"capabilities"`
	Violations   []PolicyViolation  `json:"violations"`
	AuditTrail   []PolicyAuditEntry `json:"audit_trail"`
}

// ComplianceReport is a timestamped snapshot of every known agent's policy
// state, used for regulatory reporting.
type ComplianceReport struct {
	Timestamp time.Time         `json:"timestamp"`
	Framework string            `json:"framework,omitempty"` // e.g. "eu_ai_act"
	Agents    []ComplianceEntry `json:"agents"`
}
