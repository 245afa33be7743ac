package testutil

import (
	"context"
	"testing"
	"time"
)

// Default timeouts for test contexts.
const (
	// DefaultCycleTimeout bounds a test that runs one or more pipeline cycles.
	DefaultCycleTimeout = 30 * time.Second

	// DefaultTestBuffer is the buffer time subtracted from test deadline
	// to allow for cleanup operations before the test times out.
	DefaultTestBuffer = 5 * time.Second
)

// ContextWithTestDeadline creates a context that respects the test's deadline.
// It subtracts a buffer from the test deadline to allow time for cleanup.
// If the test has no deadline, it falls back to the provided fallback duration.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    ctx, cancel := testutil.ContextWithTestDeadline(t, 5*time.Second)
//	    defer cancel()
//	    // ... test code using ctx
//	}
func ContextWithTestDeadline(t *testing.T, fallback time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()

	if deadline, ok := t.Deadline(); ok {
		adjusted := deadline.Add(-DefaultTestBuffer)
		// Only use adjusted deadline if it's still in the future
		if time.Until(adjusted) > 0 && time.Until(adjusted) < fallback {
			return context.WithDeadline(context.Background(), adjusted)
		}
	}
	return context.WithTimeout(context.Background(), fallback)
}

// CycleContext returns a context suitable for running pipeline cycles
// against a MockClient.
func CycleContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := ContextWithTestDeadline(t, DefaultCycleTimeout)
	t.Cleanup(cancel)
	return ctx
}
