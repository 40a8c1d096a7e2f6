package rpc

import (
	"errors"

	"warden/internal/domain"
)

// Errno is the syscall-style error code carried in response frames.
type Errno string

const (
	EAGAIN    Errno = "EAGAIN"    // retryable: rate limited or not yet initialized
	EPERM     Errno = "EPERM"     // permission denied or escalation blocked
	ESRCH     Errno = "ESRCH"     // no such agent
	EINVAL    Errno = "EINVAL"    // malformed payload or invalid patch
	ETIMEDOUT Errno = "ETIMEDOUT" // operation timed out
	EIO       Errno = "EIO"       // everything else
)

// ErrnoFor maps a domain error to its errno. Order matters: the more
// specific sentinels are checked before the catch-all classes.
func ErrnoFor(err error) Errno {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrRateLimit),
		errors.Is(err, domain.ErrNotInitialized):
		return EAGAIN
	case errors.Is(err, domain.ErrAgentNotFound),
		errors.Is(err, domain.ErrUnknownAgent),
		errors.Is(err, domain.ErrNotFound):
		return ESRCH
	case errors.Is(err, domain.ErrInsufficientPermission),
		errors.Is(err, domain.ErrPrivilegeEscalation),
		errors.Is(err, domain.ErrPermissionDenied),
		errors.Is(err, domain.ErrRPCAuthFailed):
		return EPERM
	case errors.Is(err, domain.ErrInvalidPatch),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrRPCMethodNotFound):
		return EINVAL
	case errors.Is(err, domain.ErrTimeout):
		return ETIMEDOUT
	default:
		return EIO
	}
}
