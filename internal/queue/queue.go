// Package queue provides the durable request stream backing async reviews.
//
// The stream is append-only with consumer-group semantics: N workers share
// one group, each record is delivered to one member at a time, and a record
// whose claim outlives the visibility timeout is redelivered. Alongside the
// stream, an idempotency record keyed review:results:<requestId> holds the
// terminal outcome of each request with a TTL, so a duplicate submission is
// answered from the record instead of running the pipeline again.
package queue

import (
	"context"
	"errors"
	"time"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
)

// ErrNoResult is returned when no live idempotency record exists for a
// request ID.
var ErrNoResult = errors.New("no result record")

// Delivery is one claimed stream record, pending acknowledgment.
type Delivery struct {
	// Offset is the record's position on the stream; Ack takes it.
	Offset int64
	// DeliveryCount is 1 on first delivery and grows on each redelivery
	// past the visibility timeout.
	DeliveryCount int
	Request       domain.QueuedRequest
}

// Result mirrors the idempotency record for one request.
type Result struct {
	RequestID        string             `json:"request_id"`
	Status           domain.ReviewState `json:"status"`
	Result           string             `json:"result,omitempty"` // JSON findings when COMPLETED
	Error            string             `json:"error,omitempty"`
	ProcessingTimeMs int64              `json:"processing_time_ms,omitempty"`
	ExpiresAt        time.Time          `json:"-"`
}

// Queue is the durable stream plus its idempotency records.
type Queue interface {
	// Enqueue appends req to the stream and seeds its idempotency record
	// with status PENDING. A live record for the same request ID is left
	// untouched, so a terminal outcome survives resubmission.
	Enqueue(ctx context.Context, req domain.QueuedRequest) error

	// Claim delivers up to batch unacknowledged records to consumer,
	// oldest first. A record counts as deliverable when it was never
	// claimed or its claim is older than the visibility timeout.
	Claim(ctx context.Context, consumer string, batch int) ([]Delivery, error)

	// Ack marks the record at offset as processed; it will not be
	// delivered again.
	Ack(ctx context.Context, offset int64) error

	// Result returns the idempotency record for requestID, or ErrNoResult
	// when none exists or the record has expired.
	Result(ctx context.Context, requestID string) (*Result, error)

	// MarkProcessing moves the idempotency record to PROCESSING. Terminal
	// records are left untouched.
	MarkProcessing(ctx context.Context, requestID string) error

	// CompleteResult records the COMPLETED outcome with its findings JSON.
	// The first terminal write wins; later writes are no-ops.
	CompleteResult(ctx context.Context, requestID, resultJSON string, elapsed time.Duration) error

	// FailResult records the FAILED outcome with its cause. The first
	// terminal write wins; later writes are no-ops.
	FailResult(ctx context.Context, requestID, cause string, elapsed time.Duration) error

	// Pending counts unacknowledged records on the stream.
	Pending(ctx context.Context) (int64, error)

	// PurgeExpired removes idempotency records past their TTL and stream
	// records acknowledged longer than the retention ago. It returns the
	// number of rows removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

func resultKey(requestID string) string {
	return config.ResultKeyPrefix + requestID
}
