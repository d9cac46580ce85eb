package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"review-pipeline/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), testLogger(), fastPolicy(), "fetch", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", types.NewRetryableError(errors.New("connection reset"))
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result != "ok" {
		t.Errorf("expected %q, got %q", "ok", result)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("schema field missing")
	_, err := Retry(context.Background(), testLogger(), fastPolicy(), "validate", func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call for a permanent error, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), testLogger(), fastPolicy(), "fetch", func(ctx context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("upstream 503")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Retry(ctx, testLogger(), fastPolicy(), "fetch", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no calls on a cancelled context, got %d", calls)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"marked retryable", types.NewRetryableError(errors.New("x")), true},
		{"rate limit message", errors.New("API returned 429 Too Many Requests"), true},
		{"bad gateway", errors.New("received 502 Bad Gateway"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("invalid response shape"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.expected {
				t.Errorf("IsTransient(%v): expected %v, got %v", tc.err, tc.expected, got)
			}
		})
	}
}

func TestBestEffortRetriesOnceThenDegrades(t *testing.T) {
	calls := 0
	result, ok := BestEffort(context.Background(), testLogger(), "policy fetch", func(ctx context.Context) ([]string, error) {
		calls++
		return nil, errors.New("503 service unavailable")
	})
	if ok {
		t.Error("expected a degradation")
	}
	if result != nil {
		t.Errorf("expected zero value, got %v", result)
	}
	if calls != 2 {
		t.Errorf("expected exactly one retry (2 calls), got %d", calls)
	}
}

func TestBestEffortNoRetryOnPermanentError(t *testing.T) {
	calls := 0
	_, ok := BestEffort(context.Background(), testLogger(), "ticket fetch", func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("ticket system rejected the key")
	})
	if ok {
		t.Error("expected a degradation")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for a permanent error, got %d", calls)
	}
}

func TestBestEffortSuccess(t *testing.T) {
	result, ok := BestEffort(context.Background(), testLogger(), "expand", func(ctx context.Context) (string, error) {
		return "content", nil
	})
	if !ok || result != "content" {
		t.Errorf("expected success with content, got ok=%v result=%q", ok, result)
	}
}

func TestWithTimeout(t *testing.T) {
	_, err := WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Second):
			return 1, nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
