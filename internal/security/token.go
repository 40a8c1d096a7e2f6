package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"warden/internal/domain"
)

// TokenMinter issues and verifies signed agent tokens. Tokens seed an agent's
// initial policy via the policy controller.
type TokenMinter struct {
	key []byte
}

// NewTokenMinter creates a minter with the given HMAC signing key.
func NewTokenMinter(key string) (*TokenMinter, error) {
	if len(key) < 16 {
		return nil, domain.NewDomainError("NewTokenMinter", domain.ErrInvalidInput,
			"signing key must be at least 16 bytes")
	}
	return &TokenMinter{key: []byte(key)}, nil
}

// Mint issues a signed token granting the listed capabilities under scope.
func (m *TokenMinter) Mint(agentID domain.AgentID, caps []domain.Capability, scope domain.Scope) domain.AgentToken {
	tok := domain.AgentToken{
		AgentID:      agentID,
		Capabilities: append([]domain.Capability(nil), caps...),
		Scope:        scope,
		IssuedAt:     time.Now().UnixMicro(),
	}
	tok.Signature = m.sign(tok)
	return tok
}

// Verify checks the token signature. The payload is canonicalized before
// signing so capability order does not affect validity.
func (m *TokenMinter) Verify(tok domain.AgentToken) error {
	want := m.sign(tok)
	if !hmac.Equal([]byte(want), []byte(tok.Signature)) {
		return domain.NewDomainError("TokenMinter.Verify", domain.ErrAuthInvalid,
			fmt.Sprintf("bad signature for agent %d", tok.AgentID))
	}
	return nil
}

// sign computes the HMAC-SHA256 signature over the canonical token payload.
func (m *TokenMinter) sign(tok domain.AgentToken) string {
	caps := make([]string, len(tok.Capabilities))
	for i, c := range tok.Capabilities {
		caps[i] = c.String()
	}
	sort.Strings(caps)

	var b strings.Builder
	fmt.Fprintf(&b, "v1|%d|%d|", tok.AgentID, tok.IssuedAt)
	b.WriteString(strings.Join(caps, ","))
	fmt.Fprintf(&b, "|%s|%s", tok.Scope.PathPrefix, strings.Join(tok.Scope.NetworkHosts, ","))

	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}
