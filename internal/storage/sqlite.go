package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go driver, CGO-free, compatible with CGO_ENABLED=0

	"review-pipeline/internal/domain"
	"review-pipeline/internal/types"
)

type SQLiteRepository struct {
	db        *sql.DB
	retention time.Duration
}

func NewSQLite(path string, retention time.Duration) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL for concurrent readers; foreign keys drive the issue/note cascade.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteRepository{db: db, retention: retention}, nil
}

func migrateSQLite(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS reviews (
        id                    TEXT PRIMARY KEY,
        provider              TEXT NOT NULL,
        repository_id         TEXT NOT NULL,
        change_request_number INTEGER NOT NULL,
        state                 TEXT NOT NULL,
        created_at            DATETIME NOT NULL,
        updated_at            DATETIME NOT NULL,
        completed_at          DATETIME,
        llm_provider          TEXT NOT NULL DEFAULT '',
        llm_model             TEXT NOT NULL DEFAULT '',
        raw_response          TEXT NOT NULL DEFAULT '',
        summary               TEXT NOT NULL DEFAULT '',
        overall_confidence    REAL NOT NULL DEFAULT 0,
        counts_by_severity    TEXT NOT NULL DEFAULT '{}',
        counts_by_source      TEXT NOT NULL DEFAULT '{}',
        total_before_dedup    INTEGER NOT NULL DEFAULT 0,
        total_after_dedup     INTEGER NOT NULL DEFAULT 0,
        total_filtered        INTEGER NOT NULL DEFAULT 0,
        UNIQUE (repository_id, change_request_number, provider)
    );
    CREATE INDEX IF NOT EXISTS idx_reviews_created ON reviews(created_at);

    CREATE TABLE IF NOT EXISTS review_issues (
        id                    INTEGER PRIMARY KEY AUTOINCREMENT,
        review_id             TEXT NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
        file                  TEXT NOT NULL,
        start_line            INTEGER NOT NULL,
        severity              TEXT NOT NULL,
        title                 TEXT NOT NULL,
        suggestion            TEXT NOT NULL DEFAULT '',
        confidence_score      REAL,
        inline_comment_posted INTEGER NOT NULL DEFAULT 0,
        scm_comment_id        TEXT NOT NULL DEFAULT '',
        fallback_reason       TEXT NOT NULL DEFAULT '',
        position_metadata     TEXT NOT NULL DEFAULT ''
    );
    CREATE INDEX IF NOT EXISTS idx_review_issues_review ON review_issues(review_id);

    CREATE TABLE IF NOT EXISTS review_notes (
        id        INTEGER PRIMARY KEY AUTOINCREMENT,
        review_id TEXT NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
        file      TEXT NOT NULL,
        line      INTEGER NOT NULL,
        note      TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_review_notes_review ON review_notes(review_id);

    CREATE TABLE IF NOT EXISTS context_retrieval_sessions (
        id                    TEXT PRIMARY KEY,
        review_id             TEXT NOT NULL,
        provider              TEXT NOT NULL,
        repository_id         TEXT NOT NULL,
        change_request_number INTEGER NOT NULL,
        matches               TEXT NOT NULL DEFAULT '[]',
        prompt_text           TEXT NOT NULL DEFAULT '',
        created_at            DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_context_sessions_created ON context_retrieval_sessions(created_at);

    CREATE TABLE IF NOT EXISTS strategy_executions (
        id          INTEGER PRIMARY KEY AUTOINCREMENT,
        session_id  TEXT NOT NULL REFERENCES context_retrieval_sessions(id) ON DELETE CASCADE,
        strategy    TEXT NOT NULL,
        status      TEXT NOT NULL,
        duration_ms INTEGER NOT NULL,
        match_count INTEGER NOT NULL,
        cause       TEXT NOT NULL DEFAULT ''
    );
    `
	_, err := db.Exec(schema)
	return err
}

func (r *SQLiteRepository) Save(ctx context.Context, review *domain.Review) (*domain.Review, error) {
	saved := *review
	now := time.Now().UTC()
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if saved.State == "" {
		saved.State = domain.StatePending
	}
	saved.UpdatedAt = now

	counts, err := marshalCounts(saved.Findings)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var existingID string
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
        SELECT id, created_at FROM reviews
        WHERE repository_id = ? AND change_request_number = ? AND provider = ?
    `, saved.Ref.RepositoryID, saved.Ref.ChangeRequestNumber, saved.Ref.Provider).Scan(&existingID, &createdAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		saved.CreatedAt = now
		_, err = tx.ExecContext(ctx, `
            INSERT INTO reviews (id, provider, repository_id, change_request_number, state,
                created_at, updated_at, completed_at, llm_provider, llm_model, raw_response,
                summary, overall_confidence, counts_by_severity, counts_by_source,
                total_before_dedup, total_after_dedup, total_filtered)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        `, saved.ID, saved.Ref.Provider, saved.Ref.RepositoryID, saved.Ref.ChangeRequestNumber,
			saved.State, saved.CreatedAt, saved.UpdatedAt, nullableTime(saved.CompletedAt),
			saved.LLMProvider, saved.LLMModel, saved.RawResponse,
			saved.Findings.Summary, saved.Findings.OverallConfidence, counts.severity, counts.source,
			saved.Findings.TotalBeforeDedup, saved.Findings.TotalAfterDedup, saved.Findings.TotalFiltered)
		if err != nil {
			return nil, fmt.Errorf("insert review: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		// Replacement, not duplication: keep the identity and createdAt.
		saved.ID = existingID
		saved.CreatedAt = createdAt.UTC()
		_, err = tx.ExecContext(ctx, `
            UPDATE reviews SET state = ?, updated_at = ?, completed_at = ?,
                llm_provider = ?, llm_model = ?, raw_response = ?,
                summary = ?, overall_confidence = ?, counts_by_severity = ?, counts_by_source = ?,
                total_before_dedup = ?, total_after_dedup = ?, total_filtered = ?
            WHERE id = ?
        `, saved.State, saved.UpdatedAt, nullableTime(saved.CompletedAt),
			saved.LLMProvider, saved.LLMModel, saved.RawResponse,
			saved.Findings.Summary, saved.Findings.OverallConfidence, counts.severity, counts.source,
			saved.Findings.TotalBeforeDedup, saved.Findings.TotalAfterDedup, saved.Findings.TotalFiltered,
			saved.ID)
		if err != nil {
			return nil, fmt.Errorf("update review: %w", err)
		}
	}

	if err := replaceFindingsSQLite(ctx, tx, saved.ID, saved.Findings); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *SQLiteRepository) FindByID(ctx context.Context, reviewID string) (*domain.Review, error) {
	return r.loadReview(ctx, "id = ?", reviewID)
}

func (r *SQLiteRepository) FindByRef(ctx context.Context, ref domain.ChangeRequestRef) (*domain.Review, error) {
	return r.loadReview(ctx, "repository_id = ? AND change_request_number = ? AND provider = ?",
		ref.RepositoryID, ref.ChangeRequestNumber, ref.Provider)
}

func (r *SQLiteRepository) UpdateState(ctx context.Context, reviewID string, next domain.ReviewState) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyTransitionSQLite(ctx, tx, reviewID, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepository) UpdateResultAndState(ctx context.Context, reviewID string, findings domain.AggregatedFindings, llmProvider, llmModel, rawResponse string, next domain.ReviewState) error {
	counts, err := marshalCounts(findings)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyTransitionSQLite(ctx, tx, reviewID, next); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE reviews SET llm_provider = ?, llm_model = ?, raw_response = ?,
            summary = ?, overall_confidence = ?, counts_by_severity = ?, counts_by_source = ?,
            total_before_dedup = ?, total_after_dedup = ?, total_filtered = ?
        WHERE id = ?
    `, llmProvider, llmModel, rawResponse,
		findings.Summary, findings.OverallConfidence, counts.severity, counts.source,
		findings.TotalBeforeDedup, findings.TotalAfterDedup, findings.TotalFiltered, reviewID)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}

	if err := replaceFindingsSQLite(ctx, tx, reviewID, findings); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepository) UpdateIssuePublication(ctx context.Context, reviewID string, issue domain.Issue, pub IssuePublication) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE review_issues SET inline_comment_posted = ?, scm_comment_id = ?, fallback_reason = ?
        WHERE review_id = ? AND file = ? AND start_line = ? AND title = ?
    `, pub.Posted, pub.SCMCommentID, pub.FallbackReason, reviewID, issue.File, issue.StartLine, issue.Title)
	if err != nil {
		return fmt.Errorf("update issue publication: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UTC().Add(-r.retention)

	res, err := r.db.ExecContext(ctx, `DELETE FROM reviews WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup reviews: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM context_retrieval_sessions WHERE created_at < ?`, cutoff); err != nil {
		return removed, fmt.Errorf("cleanup context sessions: %w", err)
	}
	return removed, nil
}

func (r *SQLiteRepository) SaveContextAudit(ctx context.Context, session *ContextSession, executions []StrategyExecution) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	matches, err := json.Marshal(session.Matches)
	if err != nil {
		return fmt.Errorf("marshal matches: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO context_retrieval_sessions (id, review_id, provider, repository_id,
            change_request_number, matches, prompt_text, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `, session.ID, session.ReviewID, session.Ref.Provider, session.Ref.RepositoryID,
		session.Ref.ChangeRequestNumber, string(matches), session.PromptText, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert context session: %w", err)
	}

	for _, exec := range executions {
		_, err = tx.ExecContext(ctx, `
            INSERT INTO strategy_executions (session_id, strategy, status, duration_ms, match_count, cause)
            VALUES (?, ?, ?, ?, ?, ?)
        `, session.ID, exec.Strategy, exec.Status, exec.DurationMs, exec.MatchCount, exec.Cause)
		if err != nil {
			return fmt.Errorf("insert strategy execution: %w", err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// applyTransitionSQLite checks legality against the current state and
// writes the new state, setting completed_at on entry into a terminal one.
func applyTransitionSQLite(ctx context.Context, tx *sql.Tx, reviewID string, next domain.ReviewState) error {
	var current domain.ReviewState
	err := tx.QueryRowContext(ctx, `SELECT state FROM reviews WHERE id = ?`, reviewID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !current.CanTransitionTo(next) {
		return types.Errorf(types.CodeStateIllegal, "review %s cannot transition %s -> %s", reviewID, current, next)
	}

	now := time.Now().UTC()
	if next.IsTerminal() {
		_, err = tx.ExecContext(ctx, `UPDATE reviews SET state = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
			next, now, now, reviewID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE reviews SET state = ?, updated_at = ? WHERE id = ?`,
			next, now, reviewID)
	}
	return err
}

func replaceFindingsSQLite(ctx context.Context, tx *sql.Tx, reviewID string, findings domain.AggregatedFindings) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM review_issues WHERE review_id = ?`, reviewID); err != nil {
		return fmt.Errorf("clear issues: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM review_notes WHERE review_id = ?`, reviewID); err != nil {
		return fmt.Errorf("clear notes: %w", err)
	}

	for _, issue := range findings.Issues {
		var score sql.NullFloat64
		if issue.ConfidenceScore != nil {
			score = sql.NullFloat64{Float64: *issue.ConfidenceScore, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
            INSERT INTO review_issues (review_id, file, start_line, severity, title, suggestion,
                confidence_score, inline_comment_posted, scm_comment_id, fallback_reason, position_metadata)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        `, reviewID, issue.File, issue.StartLine, issue.Severity, issue.Title, issue.Suggestion,
			score, issue.InlineCommentPosted, issue.SCMCommentID, issue.FallbackReason, issue.PositionMetadata)
		if err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}
	}

	for _, note := range findings.Notes {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO review_notes (review_id, file, line, note) VALUES (?, ?, ?, ?)
        `, reviewID, note.File, note.Line, note.Note)
		if err != nil {
			return fmt.Errorf("insert note: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRepository) loadReview(ctx context.Context, where string, args ...any) (*domain.Review, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT id, provider, repository_id, change_request_number, state,
            created_at, updated_at, completed_at, llm_provider, llm_model, raw_response,
            summary, overall_confidence, counts_by_severity, counts_by_source,
            total_before_dedup, total_after_dedup, total_filtered
        FROM reviews WHERE `+where, args...)

	review, err := scanReviewRow(row)
	if err != nil {
		return nil, err
	}

	issues, err := r.db.QueryContext(ctx, `
        SELECT file, start_line, severity, title, suggestion, confidence_score,
            inline_comment_posted, scm_comment_id, fallback_reason, position_metadata
        FROM review_issues WHERE review_id = ? ORDER BY id
    `, review.ID)
	if err != nil {
		return nil, err
	}
	defer issues.Close()
	for issues.Next() {
		var issue domain.Issue
		var score sql.NullFloat64
		if err := issues.Scan(&issue.File, &issue.StartLine, &issue.Severity, &issue.Title, &issue.Suggestion,
			&score, &issue.InlineCommentPosted, &issue.SCMCommentID, &issue.FallbackReason, &issue.PositionMetadata); err != nil {
			return nil, err
		}
		if score.Valid {
			v := score.Float64
			issue.ConfidenceScore = &v
		}
		review.Findings.Issues = append(review.Findings.Issues, issue)
	}
	if err := issues.Err(); err != nil {
		return nil, err
	}

	notes, err := r.db.QueryContext(ctx, `
        SELECT file, line, note FROM review_notes WHERE review_id = ? ORDER BY id
    `, review.ID)
	if err != nil {
		return nil, err
	}
	defer notes.Close()
	for notes.Next() {
		var note domain.Note
		if err := notes.Scan(&note.File, &note.Line, &note.Note); err != nil {
			return nil, err
		}
		review.Findings.Notes = append(review.Findings.Notes, note)
	}
	if err := notes.Err(); err != nil {
		return nil, err
	}

	return review, nil
}

// Scanner supports both Row and Rows.
type Scanner interface {
	Scan(dest ...any) error
}

func scanReviewRow(s Scanner) (*domain.Review, error) {
	var review domain.Review
	var completedAt sql.NullTime
	var severityJSON, sourceJSON string

	err := s.Scan(&review.ID, &review.Ref.Provider, &review.Ref.RepositoryID, &review.Ref.ChangeRequestNumber,
		&review.State, &review.CreatedAt, &review.UpdatedAt, &completedAt,
		&review.LLMProvider, &review.LLMModel, &review.RawResponse,
		&review.Findings.Summary, &review.Findings.OverallConfidence, &severityJSON, &sourceJSON,
		&review.Findings.TotalBeforeDedup, &review.Findings.TotalAfterDedup, &review.Findings.TotalFiltered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time.UTC()
		review.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(severityJSON), &review.Findings.CountsBySeverity); err != nil {
		return nil, fmt.Errorf("unmarshal severity counts: %w", err)
	}
	if err := json.Unmarshal([]byte(sourceJSON), &review.Findings.CountsBySource); err != nil {
		return nil, fmt.Errorf("unmarshal source counts: %w", err)
	}
	return &review, nil
}

type countColumns struct {
	severity string
	source   string
}

func marshalCounts(findings domain.AggregatedFindings) (countColumns, error) {
	severity, err := json.Marshal(orEmptyCounts(findings.CountsBySeverity))
	if err != nil {
		return countColumns{}, fmt.Errorf("marshal severity counts: %w", err)
	}
	source, err := json.Marshal(orEmptyCounts(findings.CountsBySource))
	if err != nil {
		return countColumns{}, fmt.Errorf("marshal source counts: %w", err)
	}
	return countColumns{severity: string(severity), source: string(source)}, nil
}

func orEmptyCounts(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

var _ Repository = (*SQLiteRepository)(nil)
