package rpc

import (
	"errors"
	"testing"

	"warden/internal/domain"
)

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		err  error
		want Errno
	}{
		{nil, ""},
		{domain.ErrRateLimit, EAGAIN},
		{domain.ErrNotInitialized, EAGAIN},
		{domain.ErrAgentNotFound, ESRCH},
		{domain.ErrUnknownAgent, ESRCH},
		{domain.ErrInsufficientPermission, EPERM},
		{domain.ErrPrivilegeEscalation, EPERM},
		{domain.ErrPermissionDenied, EPERM},
		{domain.ErrInvalidPatch, EINVAL},
		{domain.ErrInvalidInput, EINVAL},
		{domain.ErrRPCMethodNotFound, EINVAL},
		{domain.ErrTimeout, ETIMEDOUT},
		{domain.ErrAllProvidersFailed, EIO},
		{domain.ErrProviderError, EIO},
		{errors.New("unclassified"), EIO},
	}
	for _, tc := range cases {
		if got := ErrnoFor(tc.err); got != tc.want {
			t.Errorf("ErrnoFor(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestErrnoSeesThroughWrapping(t *testing.T) {
	wrapped := domain.NewSubSystemError("policy", "UpdatePolicy", domain.ErrPrivilegeEscalation, "admin grant")
	if got := ErrnoFor(wrapped); got != EPERM {
		t.Errorf("ErrnoFor(wrapped escalation) = %s, want EPERM", got)
	}
	doubly := domain.WrapOp("rpc.dispatch", wrapped)
	if got := ErrnoFor(doubly); got != EPERM {
		t.Errorf("ErrnoFor(doubly wrapped) = %s, want EPERM", got)
	}
}
