package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// TestContext returns a context bounded by a 30 second timeout, cancelled
// automatically when the test finishes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout returns a context with a custom timeout.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext returns a context that is already cancelled.
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// Eventually polls condition every 10ms until it returns true or the timeout
// elapses, failing the test on timeout.
func Eventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("condition did not become true within %v: %s", timeout, msg)
}

// AssertJSONEqual asserts that two values have identical JSON encodings.
func AssertJSONEqual(t *testing.T, expected, actual any) {
	t.Helper()
	want, err := json.Marshal(expected)
	if err != nil {
		t.Fatalf("marshal expected: %v", err)
	}
	got, err := json.Marshal(actual)
	if err != nil {
		t.Fatalf("marshal actual: %v", err)
	}
	if string(want) != string(got) {
		t.Errorf("JSON mismatch:\nexpected: %s\nactual:   %s", want, got)
	}
}
