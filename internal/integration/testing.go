// Package integration holds full-stack tests that wire the control plane
// the same way cmd/warden does: supervision context, process manager, and
// the WebSocket RPC surface. Run with -tags integration.
package integration

import (
	"context"
	"testing"
	"time"
)

// TestTimeout bounds one full-stack test run.
const TestTimeout = 30 * time.Second

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
