package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"review-pipeline/internal/types"
)

// RetryPolicy bounds a retry loop. Backoff doubles per attempt up to
// MaxBackoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy matches the transient-upstream policy: three attempts,
// exponential backoff starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, the
// context ends, or attempts are exhausted. Backoff sleeps are cancellable.
func Retry[T any](ctx context.Context, logger *slog.Logger, policy RetryPolicy, operation string, fn func(context.Context) (T, error)) (T, error) {
	var result T
	var lastErr error

	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	backoff := policy.InitialBackoff

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result, lastErr = fn(ctx)
		if lastErr == nil {
			return result, nil
		}
		if !IsTransient(lastErr) {
			return result, lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		logger.Warn("retrying after transient failure",
			"operation", operation,
			"attempt", attempt,
			"backoff", backoff,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	return result, fmt.Errorf("%s failed after %d attempts: %w", operation, policy.MaxAttempts, lastErr)
}

// transientFragments mark upstream failures worth retrying when the error
// chain carries no explicit classification.
var transientFragments = []string{
	"429",
	"rate limit",
	"too many requests",
	"500",
	"502",
	"503",
	"504",
	"bad gateway",
	"service unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"temporarily unavailable",
	"timeout",
	"deadline exceeded",
	"unexpected eof",
}

// IsTransient reports whether err looks retryable: explicitly marked
// retryable, a net timeout, or a message matching a known transient
// fragment. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if types.IsRetryable(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// WithTimeout runs fn under a derived deadline.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
