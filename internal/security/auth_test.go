package security

import (
	"errors"
	"testing"

	"warden/internal/domain"
	"warden/internal/infra/config"
)

func TestStaticTokenAuth(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "secret-1", Name: "operator", Roles: []string{"admin"}},
		{Token: "secret-2", Name: "readonly", Roles: []string{"viewer"}},
	})

	info, err := auth.Authenticate("secret-1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Name != "operator" || !info.HasRole("admin") {
		t.Errorf("info = %+v, want operator/admin", info)
	}

	info, err = auth.Authenticate("secret-2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.HasRole("admin") {
		t.Error("readonly client should not have admin role")
	}
}

func TestStaticTokenAuthRejectsUnknown(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "secret", Name: "operator"},
	})

	_, err := auth.Authenticate("wrong")
	if !errors.Is(err, domain.ErrRPCAuthFailed) {
		t.Errorf("err = %v, want ErrRPCAuthFailed", err)
	}

	_, err = auth.Authenticate("")
	if !errors.Is(err, domain.ErrRPCAuthFailed) {
		t.Errorf("empty token: err = %v, want ErrRPCAuthFailed", err)
	}
}

func TestAllowAllAuth(t *testing.T) {
	info, err := AllowAllAuth{}.Authenticate("anything")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Name != "anonymous" {
		t.Errorf("Name = %q, want anonymous", info.Name)
	}
}
