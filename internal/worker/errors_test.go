package worker

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNoRetry(t *testing.T) {
	t.Parallel()

	if NoRetry(nil) != nil {
		t.Fatal("NoRetry(nil) != nil")
	}

	base := errors.New("boom")
	err := NoRetry(fmt.Errorf("wrap: %w", base))
	if !IsNoRetry(err) {
		t.Fatal("IsNoRetry = false")
	}
	if !errors.Is(err, base) {
		t.Fatal("wrapped cause lost")
	}
	if IsNoRetry(base) {
		t.Fatal("IsNoRetry true for plain error")
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	if RetryAfter(nil, time.Second) != nil {
		t.Fatal("RetryAfter(nil) != nil")
	}

	base := errors.New("rate limited")
	err := RetryAfter(base, 2*time.Second)

	var ra RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatal("errors.As(RetryAfterError) = false")
	}
	if ra.RetryAfter() != 2*time.Second {
		t.Fatalf("RetryAfter() = %v", ra.RetryAfter())
	}
	if !errors.Is(err, base) {
		t.Fatal("wrapped cause lost")
	}

	// Negative hints are clamped to zero.
	if errors.As(RetryAfter(base, -time.Second), &ra); ra.RetryAfter() != 0 {
		t.Fatalf("negative hint = %v, want 0", ra.RetryAfter())
	}
}
