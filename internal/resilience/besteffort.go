package resilience

import (
	"context"
	"log/slog"
)

// BestEffort runs fn with the degradation policy used by context strategies,
// file expansion, policies, tickets, and publishing: one retry on a
// transient failure, then give up and return the zero value. The boolean
// reports whether real data came back; failures are logged, never
// propagated.
func BestEffort[T any](ctx context.Context, logger *slog.Logger, operation string, fn func(context.Context) (T, error)) (T, bool) {
	result, err := fn(ctx)
	if err == nil {
		return result, true
	}

	if IsTransient(err) && ctx.Err() == nil {
		logger.Debug("best-effort retry", "operation", operation, "error", err)
		result, err = fn(ctx)
		if err == nil {
			return result, true
		}
	}

	logger.Warn("degraded to empty result", "operation", operation, "error", err)
	var zero T
	return zero, false
}
