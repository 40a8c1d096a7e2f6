package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrNotInitialized   = fmt.Errorf("not initialized")
)

// Gateway errors — expected, recoverable-by-caller conditions. None of these
// are fatal to the gateway itself.
var (
	ErrRateLimit          = fmt.Errorf("rate limit exceeded")
	ErrAllProvidersFailed = fmt.Errorf("all providers failed")
	ErrUnknownAgent       = fmt.Errorf("unknown agent")
	ErrProviderError      = fmt.Errorf("provider error")
	ErrProviderRateLimit  = fmt.Errorf("provider rate limit")
	ErrAuthInvalid        = fmt.Errorf("authentication failed")
	ErrNotAvailable       = fmt.Errorf("backend not available")
)

// Policy errors — each rejects the specific operation only; no state is
// corrupted by a rejected patch.
var (
	ErrAgentNotFound          = fmt.Errorf("agent not found")
	ErrInsufficientPermission = fmt.Errorf("insufficient permission")
	ErrPrivilegeEscalation    = fmt.Errorf("privilege escalation blocked")
	ErrInvalidPatch           = fmt.Errorf("invalid policy patch")
)

// Audit / store errors.
var (
	ErrAuditWrite = fmt.Errorf("audit log write failed")
	ErrStoreWrite = fmt.Errorf("compliance store write failed")
)

// RPC errors.
var (
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCAuthFailed     = fmt.Errorf("rpc authentication failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Gateway.RouteRequest")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "supervisor", "gateway")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrProviderRateLimit) || errors.Is(err, ErrTimeout)
}
