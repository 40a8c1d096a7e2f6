package domain

import (
	"fmt"
	"strings"
)

// Capability is a discrete permission grant an agent may hold.
type Capability uint32

const (
	CapFsBasic Capability = iota
	CapAudioControl
	CapDocBasic
	CapCapture
	CapScreenshot
	CapNetBasic
	CapLLMAccess
	// CapAdmin is the highest-privilege capability. It can never be granted
	// through a policy patch; see PolicyPatch.IsSafe.
	CapAdmin
)

var capabilityNames = map[Capability]string{
	CapFsBasic:      "fs_basic",
	CapAudioControl: "audio_control",
	CapDocBasic:     "doc_basic",
	CapCapture:      "capture",
	CapScreenshot:   "screenshot",
	CapNetBasic:     "net_basic",
	CapLLMAccess:    "llm_access",
	CapAdmin:        "admin",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("capability(%d)", uint32(c))
}

// ParseCapability resolves a capability by name.
func ParseCapability(name string) (Capability, error) {
	for c, n := range capabilityNames {
		if n == name {
			return c, nil
		}
	}
	return 0, NewDomainError("ParseCapability", ErrInvalidInput, name)
}

// Scope restricts where an agent's capabilities apply.
type Scope struct {
	// PathPrefix limits filesystem capabilities to paths under this prefix.
	// Empty means unrestricted.
	PathPrefix string `json:"path_prefix,omitempty"`
	// NetworkHosts limits network capabilities to these hosts. Empty means
	// unrestricted.
	NetworkHosts []string `json:"network_hosts,omitempty"`
}

// ScopeUnrestricted is the zero scope: no restrictions.
var ScopeUnrestricted = Scope{}

// Unrestricted reports whether the scope imposes no restrictions.
func (s Scope) Unrestricted() bool {
	return s.PathPrefix == "" && len(s.NetworkHosts) == 0
}

// Clone returns a copy with its own NetworkHosts slice.
func (s Scope) Clone() Scope {
	s.NetworkHosts = append([]string(nil), s.NetworkHosts...)
	return s
}

// AllowsPath reports whether a filesystem path falls inside the scope.
func (s Scope) AllowsPath(path string) bool {
	if s.PathPrefix == "" {
		return true
	}
	return strings.HasPrefix(path, s.PathPrefix)
}

// AllowsHost reports whether a network host is on the allow-list.
func (s Scope) AllowsHost(host string) bool {
	if len(s.NetworkHosts) == 0 {
		return true
	}
	for _, h := range s.NetworkHosts {
		if h == host {
			return true
		}
	}
	return false
}

// PolicyDecision is the outcome of a policy check.
type PolicyDecision string

const (
	DecisionAllow PolicyDecision = "allow"
	DecisionDeny  PolicyDecision = "deny"
	DecisionAudit PolicyDecision = "audit"
)

// AgentToken is an externally-issued credential seeding an agent's policy.
type AgentToken struct {
	AgentID      AgentID      `json:"agent_id"`
	Capabilities []Capability `json:"capabilities"`
	Scope        Scope        `json:"scope"`
	IssuedAt     int64        `json:"issued_at"` // unix micros
	Signature    string       `json:"signature,omitempty"`
}
