package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"review-pipeline/internal/config"
	"review-pipeline/internal/correlation"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/metrics"
	"review-pipeline/internal/queue"
	syncx "review-pipeline/internal/sync"
	"review-pipeline/internal/types"
)

// reviewExecutor is the slice of the pipeline driver the worker calls.
type reviewExecutor interface {
	Execute(ctx context.Context, ref domain.ChangeRequestRef) (*domain.Review, error)
}

// worker is one consumer-group member: it claims deliveries, runs the
// pipeline, and writes terminal idempotency records before acknowledging.
type worker struct {
	consumer string
	cfg      *config.Config
	queue    queue.Queue
	driver   reviewExecutor
	locks    *syncx.KeyLock
	logger   *slog.Logger
}

// run polls the stream until ctx is cancelled.
func (w *worker) run(ctx context.Context) {
	poll := w.cfg.Queue.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}
	batch := w.cfg.Queue.BatchSize
	if batch <= 0 {
		batch = 1
	}

	for {
		if ctx.Err() != nil {
			return
		}

		deliveries, err := w.queue.Claim(ctx, w.consumer, batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", "error", err)
			w.sleep(ctx, poll)
			continue
		}
		if len(deliveries) == 0 {
			w.sleep(ctx, poll)
			continue
		}

		if n, err := w.queue.Pending(ctx); err == nil {
			metrics.QueuePending.Set(float64(n))
		}

		for _, delivery := range deliveries {
			w.process(ctx, delivery)
		}
	}
}

func (w *worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// process runs one claimed delivery to a terminal outcome. The record is
// acknowledged only after the idempotency record is terminal, so a crash
// between the two redelivers into the terminal short-circuit rather than a
// second execution.
func (w *worker) process(ctx context.Context, delivery queue.Delivery) {
	req := delivery.Request
	if req.CorrelationID != "" {
		ctx = correlation.WithID(ctx, req.CorrelationID)
	}
	logger := correlation.Logger(ctx, w.logger).With(
		"request_id", req.RequestID,
		"ref", req.Ref.String())

	if delivery.DeliveryCount > 1 {
		metrics.QueueRedeliveries.Inc()
		logger.Warn("request redelivered", "delivery_count", delivery.DeliveryCount)
	}

	// A terminal record means some earlier delivery finished the work.
	if res, err := w.queue.Result(ctx, req.RequestID); err == nil && res.Status.IsTerminal() {
		logger.Info("request already terminal, skipping", "status", string(res.Status))
		w.ack(ctx, delivery, logger)
		return
	}

	// Duplicate submissions share a request ID; only one may execute in
	// this process. The loser leaves its record unacked, redelivery finds
	// the terminal result and short-circuits above.
	if !w.locks.TryLock(req.RequestID) {
		logger.Info("request already executing here, leaving for redelivery")
		return
	}
	defer w.locks.Unlock(req.RequestID)

	if err := w.queue.MarkProcessing(ctx, req.RequestID); err != nil {
		logger.Warn("mark processing failed", "error", err)
	}

	start := time.Now()
	review, err := w.driver.Execute(ctx, req.Ref)
	elapsed := time.Since(start)

	if err != nil {
		// Shutdown mid-run: leave the record unacked so the request
		// redelivers on the next boot.
		if errors.Is(err, context.Canceled) {
			logger.Info("run abandoned by shutdown")
			return
		}
		cause := err.Error()
		if code := types.CodeOf(err); code != "" {
			cause = fmt.Sprintf("%s: %v", code, err)
		}
		if ferr := w.queue.FailResult(ctx, req.RequestID, cause, elapsed); ferr != nil {
			logger.Error("record failure failed", "error", ferr)
			return
		}
		w.ack(ctx, delivery, logger)
		return
	}

	resultJSON, merr := json.Marshal(review.Findings)
	if merr != nil {
		logger.Error("marshal findings failed", "error", merr)
		resultJSON = []byte("{}")
	}
	if cerr := w.queue.CompleteResult(ctx, req.RequestID, string(resultJSON), elapsed); cerr != nil {
		logger.Error("record completion failed", "error", cerr)
		return
	}
	w.ack(ctx, delivery, logger)

	logger.Info("request processed",
		"review_id", review.ID,
		"issues", len(review.Findings.Issues),
		"elapsed", elapsed)
}

func (w *worker) ack(ctx context.Context, delivery queue.Delivery, logger *slog.Logger) {
	if err := w.queue.Ack(ctx, delivery.Offset); err != nil {
		logger.Error("ack failed", "offset", delivery.Offset, "error", err)
	}
}
