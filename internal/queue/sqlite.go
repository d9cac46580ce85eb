package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/metrics"
)

// SQLiteQueue is the stream and idempotency store on a single SQLite file.
type SQLiteQueue struct {
	db         *sql.DB
	stream     string
	group      string
	visibility time.Duration
	retention  time.Duration
}

// NewSQLite opens (creating if necessary) the queue database at cfg.Path.
func NewSQLite(cfg config.QueueConfig) (*SQLiteQueue, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}

	// Pragmas ride in the DSN so every pooled connection gets them, and
	// _txlock=immediate makes claim transactions take the write lock up
	// front instead of failing on upgrade when two workers race.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping queue database: %w", err)
	}

	q := &SQLiteQueue{
		db:         db,
		stream:     cfg.Stream,
		group:      cfg.Group,
		visibility: cfg.VisibilityTimeout,
		retention:  cfg.Retention,
	}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stream_records (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		stream         TEXT NOT NULL,
		consumer_group TEXT NOT NULL,
		request_id     TEXT NOT NULL,
		payload        TEXT NOT NULL,
		enqueued_at    DATETIME NOT NULL,
		claimed_by     TEXT NOT NULL DEFAULT '',
		claimed_at     DATETIME,
		acked_at       DATETIME,
		delivery_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_stream_records_deliverable
		ON stream_records (stream, consumer_group, acked_at, id);

	CREATE TABLE IF NOT EXISTS idempotency_records (
		key                TEXT PRIMARY KEY,
		request_id         TEXT NOT NULL,
		status             TEXT NOT NULL,
		result             TEXT NOT NULL DEFAULT '',
		error              TEXT NOT NULL DEFAULT '',
		processing_time_ms INTEGER NOT NULL DEFAULT 0,
		updated_at         DATETIME NOT NULL,
		expires_at         DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_expiry
		ON idempotency_records (expires_at);
	`
	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate queue schema: %w", err)
	}
	return nil
}

// Enqueue appends the request and seeds its idempotency record. An expired
// record for the same key is dropped first so a resubmission after the TTL
// starts fresh; a live one is kept as is.
func (q *SQLiteQueue) Enqueue(ctx context.Context, req domain.QueuedRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal queued request: %w", err)
	}
	now := time.Now().UTC()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	key := resultKey(req.RequestID)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE key = ? AND expires_at < ?`,
		key, now); err != nil {
		return fmt.Errorf("drop expired result record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, request_id, status, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO NOTHING`,
		key, req.RequestID, domain.StatePending, now, now.Add(q.retention)); err != nil {
		return fmt.Errorf("seed result record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stream_records (stream, consumer_group, request_id, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?)`,
		q.stream, q.group, req.RequestID, string(payload), now); err != nil {
		return fmt.Errorf("append stream record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

// Claim delivers up to batch deliverable records to consumer under one
// transaction, stamping the claim and bumping the delivery count.
func (q *SQLiteQueue) Claim(ctx context.Context, consumer string, batch int) ([]Delivery, error) {
	if batch < 1 {
		batch = 1
	}
	now := time.Now().UTC()
	staleBefore := now.Add(-q.visibility)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload, delivery_count
		FROM stream_records
		WHERE stream = ? AND consumer_group = ? AND acked_at IS NULL
		  AND (claimed_at IS NULL OR claimed_at < ?)
		ORDER BY id
		LIMIT ?`,
		q.stream, q.group, staleBefore, batch)
	if err != nil {
		return nil, fmt.Errorf("select deliverable records: %w", err)
	}

	type candidate struct {
		id         int64
		payload    string
		deliveries int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.payload, &c.deliveries); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stream record: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate stream records: %w", err)
	}
	rows.Close()

	deliveries := make([]Delivery, 0, len(candidates))
	redelivered := 0
	for _, c := range candidates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE stream_records
			SET claimed_by = ?, claimed_at = ?, delivery_count = delivery_count + 1
			WHERE id = ?`,
			consumer, now, c.id); err != nil {
			return nil, fmt.Errorf("stamp claim on record %d: %w", c.id, err)
		}
		var req domain.QueuedRequest
		if err := json.Unmarshal([]byte(c.payload), &req); err != nil {
			return nil, fmt.Errorf("unmarshal record %d payload: %w", c.id, err)
		}
		if c.deliveries > 0 {
			redelivered++
		}
		deliveries = append(deliveries, Delivery{
			Offset:        c.id,
			DeliveryCount: c.deliveries + 1,
			Request:       req,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	if redelivered > 0 {
		metrics.QueueRedeliveries.Add(float64(redelivered))
	}
	return deliveries, nil
}

// Ack marks the record at offset as processed.
func (q *SQLiteQueue) Ack(ctx context.Context, offset int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE stream_records SET acked_at = ? WHERE id = ? AND acked_at IS NULL`,
		time.Now().UTC(), offset)
	if err != nil {
		return fmt.Errorf("ack record %d: %w", offset, err)
	}
	return nil
}

// Result loads the idempotency record for requestID. Expired records count
// as absent even before the purge sweep removes them.
func (q *SQLiteQueue) Result(ctx context.Context, requestID string) (*Result, error) {
	var r Result
	err := q.db.QueryRowContext(ctx, `
		SELECT request_id, status, result, error, processing_time_ms, expires_at
		FROM idempotency_records WHERE key = ?`,
		resultKey(requestID)).
		Scan(&r.RequestID, &r.Status, &r.Result, &r.Error, &r.ProcessingTimeMs, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, fmt.Errorf("load result record: %w", err)
	}
	if r.ExpiresAt.Before(time.Now()) {
		return nil, ErrNoResult
	}
	return &r, nil
}

// MarkProcessing upserts the record to PROCESSING unless it is terminal.
func (q *SQLiteQueue) MarkProcessing(ctx context.Context, requestID string) error {
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, request_id, status, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
		WHERE idempotency_records.status NOT IN (?, ?)`,
		resultKey(requestID), requestID, domain.StateProcessing, now, now.Add(q.retention),
		domain.StateCompleted, domain.StateFailed)
	if err != nil {
		return fmt.Errorf("mark result processing: %w", err)
	}
	return nil
}

// CompleteResult records the COMPLETED outcome. First terminal write wins.
func (q *SQLiteQueue) CompleteResult(ctx context.Context, requestID, resultJSON string, elapsed time.Duration) error {
	return q.finishResult(ctx, requestID, domain.StateCompleted, resultJSON, "", elapsed)
}

// FailResult records the FAILED outcome. First terminal write wins.
func (q *SQLiteQueue) FailResult(ctx context.Context, requestID, cause string, elapsed time.Duration) error {
	return q.finishResult(ctx, requestID, domain.StateFailed, "", cause, elapsed)
}

func (q *SQLiteQueue) finishResult(ctx context.Context, requestID string, status domain.ReviewState, resultJSON, cause string, elapsed time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = ?, result = ?, error = ?, processing_time_ms = ?, updated_at = ?
		WHERE key = ? AND status NOT IN (?, ?)`,
		status, resultJSON, cause, elapsed.Milliseconds(), time.Now().UTC(),
		resultKey(requestID), domain.StateCompleted, domain.StateFailed)
	if err != nil {
		return fmt.Errorf("write %s result: %w", status, err)
	}
	return nil
}

// Pending counts unacknowledged records on the stream.
func (q *SQLiteQueue) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stream_records
		WHERE stream = ? AND consumer_group = ? AND acked_at IS NULL`,
		q.stream, q.group).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending records: %w", err)
	}
	return n, nil
}

// PurgeExpired removes idempotency records past their TTL and stream records
// acknowledged longer than the retention ago.
func (q *SQLiteQueue) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge result records: %w", err)
	}
	results, _ := res.RowsAffected()

	res, err = q.db.ExecContext(ctx,
		`DELETE FROM stream_records WHERE acked_at IS NOT NULL AND acked_at < ?`,
		now.UTC().Add(-q.retention))
	if err != nil {
		return results, fmt.Errorf("purge acked records: %w", err)
	}
	records, _ := res.RowsAffected()

	return results + records, nil
}

// Close closes the underlying database.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

var _ Queue = (*SQLiteQueue)(nil)
