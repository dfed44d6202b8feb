package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrTransport, "send failed").
		WithCause(root).
		WithRetryable(true)

	if CodeOf(err) != ErrTransport {
		t.Fatalf("expected code %s, got %s", ErrTransport, CodeOf(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_CodeOfWrapped(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrNotFound, "no such task")
	wrapped := fmt.Errorf("fetch: %w", inner)

	if !IsCode(wrapped, ErrNotFound) {
		t.Fatalf("expected NOT_FOUND through wrapping")
	}
	if IsRetryable(wrapped) {
		t.Fatalf("NotFound must not be retryable")
	}
}

func TestError_CodeOfForeignError(t *testing.T) {
	t.Parallel()

	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty code for non-framework error")
	}
}
