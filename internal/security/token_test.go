package security

import (
	"errors"
	"testing"

	"warden/internal/domain"
)

func TestTokenMintVerify(t *testing.T) {
	minter, err := NewTokenMinter("0123456789abcdef")
	if err != nil {
		t.Fatalf("NewTokenMinter: %v", err)
	}

	tok := minter.Mint(1001, []domain.Capability{domain.CapFsBasic, domain.CapLLMAccess},
		domain.Scope{PathPrefix: "/data"})

	if err := minter.Verify(tok); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestTokenVerifyRejectsTampering(t *testing.T) {
	minter, _ := NewTokenMinter("0123456789abcdef")
	tok := minter.Mint(1001, []domain.Capability{domain.CapFsBasic}, domain.ScopeUnrestricted)

	tampered := tok
	tampered.Capabilities = append([]domain.Capability(nil), domain.CapAdmin)
	if err := minter.Verify(tampered); !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("capability tampering: err = %v, want ErrAuthInvalid", err)
	}

	tampered = tok
	tampered.AgentID = 2000
	if err := minter.Verify(tampered); !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("agent id tampering: err = %v, want ErrAuthInvalid", err)
	}
}

func TestTokenCapabilityOrderIrrelevant(t *testing.T) {
	minter, _ := NewTokenMinter("0123456789abcdef")
	tok := minter.Mint(1001,
		[]domain.Capability{domain.CapLLMAccess, domain.CapFsBasic}, domain.ScopeUnrestricted)

	// Reordering capabilities should not invalidate the signature.
	tok.Capabilities[0], tok.Capabilities[1] = tok.Capabilities[1], tok.Capabilities[0]
	if err := minter.Verify(tok); err != nil {
		t.Errorf("reordered capabilities should verify: %v", err)
	}
}

func TestTokenMinterRejectsShortKey(t *testing.T) {
	if _, err := NewTokenMinter("short"); err == nil {
		t.Fatal("expected error for short signing key")
	}
}

func TestTokenVerifyDifferentKey(t *testing.T) {
	m1, _ := NewTokenMinter("0123456789abcdef")
	m2, _ := NewTokenMinter("fedcba9876543210")

	tok := m1.Mint(1001, nil, domain.ScopeUnrestricted)
	if err := m2.Verify(tok); err == nil {
		t.Fatal("token signed with a different key should not verify")
	}
}
