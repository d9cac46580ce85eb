package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // Postgres driver for self-hosted deployments

	"review-pipeline/internal/domain"
	"review-pipeline/internal/types"
)

// PostgresRepository implements Repository on PostgreSQL. Intended for
// deployments where several server or worker processes share one store.
type PostgresRepository struct {
	db        *sql.DB
	retention time.Duration
}

func NewPostgres(dsn string, retention time.Duration) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migratePostgres(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresRepository{db: db, retention: retention}, nil
}

func migratePostgres(db *sql.DB) error {
	schema := `
        CREATE TABLE IF NOT EXISTS reviews (
            id                    TEXT PRIMARY KEY,
            provider              TEXT NOT NULL,
            repository_id         TEXT NOT NULL,
            change_request_number INTEGER NOT NULL,
            state                 TEXT NOT NULL,
            created_at            TIMESTAMPTZ NOT NULL,
            updated_at            TIMESTAMPTZ NOT NULL,
            completed_at          TIMESTAMPTZ,
            llm_provider          TEXT NOT NULL DEFAULT '',
            llm_model             TEXT NOT NULL DEFAULT '',
            raw_response          TEXT NOT NULL DEFAULT '',
            summary               TEXT NOT NULL DEFAULT '',
            overall_confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
            counts_by_severity    JSONB NOT NULL DEFAULT '{}',
            counts_by_source      JSONB NOT NULL DEFAULT '{}',
            total_before_dedup    INTEGER NOT NULL DEFAULT 0,
            total_after_dedup     INTEGER NOT NULL DEFAULT 0,
            total_filtered        INTEGER NOT NULL DEFAULT 0,
            UNIQUE (repository_id, change_request_number, provider)
        );
        CREATE INDEX IF NOT EXISTS idx_reviews_created ON reviews(created_at);

        CREATE TABLE IF NOT EXISTS review_issues (
            id                    BIGSERIAL PRIMARY KEY,
            review_id             TEXT NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
            file                  TEXT NOT NULL,
            start_line            INTEGER NOT NULL,
            severity              TEXT NOT NULL,
            title                 TEXT NOT NULL,
            suggestion            TEXT NOT NULL DEFAULT '',
            confidence_score      DOUBLE PRECISION,
            inline_comment_posted BOOLEAN NOT NULL DEFAULT FALSE,
            scm_comment_id        TEXT NOT NULL DEFAULT '',
            fallback_reason       TEXT NOT NULL DEFAULT '',
            position_metadata     TEXT NOT NULL DEFAULT ''
        );
        CREATE INDEX IF NOT EXISTS idx_review_issues_review ON review_issues(review_id);

        CREATE TABLE IF NOT EXISTS review_notes (
            id        BIGSERIAL PRIMARY KEY,
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
            matches               JSONB NOT NULL DEFAULT '[]',
            prompt_text           TEXT NOT NULL DEFAULT '',
            created_at            TIMESTAMPTZ NOT NULL
        );
        CREATE INDEX IF NOT EXISTS idx_context_sessions_created ON context_retrieval_sessions(created_at);

        CREATE TABLE IF NOT EXISTS strategy_executions (
            id          BIGSERIAL PRIMARY KEY,
            session_id  TEXT NOT NULL REFERENCES context_retrieval_sessions(id) ON DELETE CASCADE,
            strategy    TEXT NOT NULL,
            status      TEXT NOT NULL,
            duration_ms BIGINT NOT NULL,
            match_count INTEGER NOT NULL,
            cause       TEXT NOT NULL DEFAULT ''
        );
    `
	_, err := db.Exec(schema)
	return err
}

func (p *PostgresRepository) Save(ctx context.Context, review *domain.Review) (*domain.Review, error) {
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

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// DO UPDATE leaves id and created_at untouched, so RETURNING yields the
	// surviving identity on both insert and replace.
	err = tx.QueryRowContext(ctx, `
        INSERT INTO reviews (id, provider, repository_id, change_request_number, state,
            created_at, updated_at, completed_at, llm_provider, llm_model, raw_response,
            summary, overall_confidence, counts_by_severity, counts_by_source,
            total_before_dedup, total_after_dedup, total_filtered)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
        ON CONFLICT (repository_id, change_request_number, provider) DO UPDATE SET
            state = EXCLUDED.state,
            updated_at = EXCLUDED.updated_at,
            completed_at = EXCLUDED.completed_at,
            llm_provider = EXCLUDED.llm_provider,
            llm_model = EXCLUDED.llm_model,
            raw_response = EXCLUDED.raw_response,
            summary = EXCLUDED.summary,
            overall_confidence = EXCLUDED.overall_confidence,
            counts_by_severity = EXCLUDED.counts_by_severity,
            counts_by_source = EXCLUDED.counts_by_source,
            total_before_dedup = EXCLUDED.total_before_dedup,
            total_after_dedup = EXCLUDED.total_after_dedup,
            total_filtered = EXCLUDED.total_filtered
        RETURNING id, created_at
    `, saved.ID, saved.Ref.Provider, saved.Ref.RepositoryID, saved.Ref.ChangeRequestNumber,
		saved.State, now, saved.UpdatedAt, nullableTime(saved.CompletedAt),
		saved.LLMProvider, saved.LLMModel, saved.RawResponse,
		saved.Findings.Summary, saved.Findings.OverallConfidence, counts.severity, counts.source,
		saved.Findings.TotalBeforeDedup, saved.Findings.TotalAfterDedup, saved.Findings.TotalFiltered,
	).Scan(&saved.ID, &saved.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert review: %w", err)
	}
	saved.CreatedAt = saved.CreatedAt.UTC()

	if err := replaceFindingsPostgres(ctx, tx, saved.ID, saved.Findings); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &saved, nil
}

func (p *PostgresRepository) FindByID(ctx context.Context, reviewID string) (*domain.Review, error) {
	return p.loadReview(ctx, "id = $1", reviewID)
}

func (p *PostgresRepository) FindByRef(ctx context.Context, ref domain.ChangeRequestRef) (*domain.Review, error) {
	return p.loadReview(ctx, "repository_id = $1 AND change_request_number = $2 AND provider = $3",
		ref.RepositoryID, ref.ChangeRequestNumber, ref.Provider)
}

func (p *PostgresRepository) UpdateState(ctx context.Context, reviewID string, next domain.ReviewState) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyTransitionPostgres(ctx, tx, reviewID, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresRepository) UpdateResultAndState(ctx context.Context, reviewID string, findings domain.AggregatedFindings, llmProvider, llmModel, rawResponse string, next domain.ReviewState) error {
	counts, err := marshalCounts(findings)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyTransitionPostgres(ctx, tx, reviewID, next); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE reviews SET llm_provider = $1, llm_model = $2, raw_response = $3,
            summary = $4, overall_confidence = $5, counts_by_severity = $6, counts_by_source = $7,
            total_before_dedup = $8, total_after_dedup = $9, total_filtered = $10
        WHERE id = $11
    `, llmProvider, llmModel, rawResponse,
		findings.Summary, findings.OverallConfidence, counts.severity, counts.source,
		findings.TotalBeforeDedup, findings.TotalAfterDedup, findings.TotalFiltered, reviewID)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}

	if err := replaceFindingsPostgres(ctx, tx, reviewID, findings); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresRepository) UpdateIssuePublication(ctx context.Context, reviewID string, issue domain.Issue, pub IssuePublication) error {
	res, err := p.db.ExecContext(ctx, `
        UPDATE review_issues SET inline_comment_posted = $1, scm_comment_id = $2, fallback_reason = $3
        WHERE review_id = $4 AND file = $5 AND start_line = $6 AND title = $7
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

func (p *PostgresRepository) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UTC().Add(-p.retention)

	res, err := p.db.ExecContext(ctx, `DELETE FROM reviews WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup reviews: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := p.db.ExecContext(ctx, `DELETE FROM context_retrieval_sessions WHERE created_at < $1`, cutoff); err != nil {
		return removed, fmt.Errorf("cleanup context sessions: %w", err)
	}
	return removed, nil
}

func (p *PostgresRepository) SaveContextAudit(ctx context.Context, session *ContextSession, executions []StrategyExecution) error {
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

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO context_retrieval_sessions (id, review_id, provider, repository_id,
            change_request_number, matches, prompt_text, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, session.ID, session.ReviewID, session.Ref.Provider, session.Ref.RepositoryID,
		session.Ref.ChangeRequestNumber, string(matches), session.PromptText, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert context session: %w", err)
	}

	for _, exec := range executions {
		_, err = tx.ExecContext(ctx, `
            INSERT INTO strategy_executions (session_id, strategy, status, duration_ms, match_count, cause)
            VALUES ($1, $2, $3, $4, $5, $6)
        `, session.ID, exec.Strategy, exec.Status, exec.DurationMs, exec.MatchCount, exec.Cause)
		if err != nil {
			return fmt.Errorf("insert strategy execution: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

func applyTransitionPostgres(ctx context.Context, tx *sql.Tx, reviewID string, next domain.ReviewState) error {
	var current domain.ReviewState
	err := tx.QueryRowContext(ctx, `SELECT state FROM reviews WHERE id = $1 FOR UPDATE`, reviewID).Scan(&current)
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
		_, err = tx.ExecContext(ctx, `UPDATE reviews SET state = $1, updated_at = $2, completed_at = $3 WHERE id = $4`,
			next, now, now, reviewID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE reviews SET state = $1, updated_at = $2 WHERE id = $3`,
			next, now, reviewID)
	}
	return err
}

func replaceFindingsPostgres(ctx context.Context, tx *sql.Tx, reviewID string, findings domain.AggregatedFindings) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM review_issues WHERE review_id = $1`, reviewID); err != nil {
		return fmt.Errorf("clear issues: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM review_notes WHERE review_id = $1`, reviewID); err != nil {
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
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        `, reviewID, issue.File, issue.StartLine, issue.Severity, issue.Title, issue.Suggestion,
			score, issue.InlineCommentPosted, issue.SCMCommentID, issue.FallbackReason, issue.PositionMetadata)
		if err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}
	}

	for _, note := range findings.Notes {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO review_notes (review_id, file, line, note) VALUES ($1, $2, $3, $4)
        `, reviewID, note.File, note.Line, note.Note)
		if err != nil {
			return fmt.Errorf("insert note: %w", err)
		}
	}
	return nil
}

func (p *PostgresRepository) loadReview(ctx context.Context, where string, args ...any) (*domain.Review, error) {
	row := p.db.QueryRowContext(ctx, `
        SELECT id, provider, repository_id, change_request_number, state,
            created_at, updated_at, completed_at, llm_provider, llm_model, raw_response,
            summary, overall_confidence, counts_by_severity, counts_by_source,
            total_before_dedup, total_after_dedup, total_filtered
        FROM reviews WHERE `+where, args...)

	review, err := scanReviewRow(row)
	if err != nil {
		return nil, err
	}

	issues, err := p.db.QueryContext(ctx, `
        SELECT file, start_line, severity, title, suggestion, confidence_score,
            inline_comment_posted, scm_comment_id, fallback_reason, position_metadata
        FROM review_issues WHERE review_id = $1 ORDER BY id
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

	notes, err := p.db.QueryContext(ctx, `
        SELECT file, line, note FROM review_notes WHERE review_id = $1 ORDER BY id
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

var _ Repository = (*PostgresRepository)(nil)
