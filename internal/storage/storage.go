// Package storage persists reviews and context-retrieval audit records.
// Two drivers are provided: SQLite for single-node deployments and
// Postgres for shared ones.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
)

// ErrNotFound is returned by lookups that matched no review.
var ErrNotFound = errors.New("review not found")

// ContextSession is one audit record of a context-retrieval run.
type ContextSession struct {
	ID         string                  `json:"id"`
	ReviewID   string                  `json:"review_id"`
	Ref        domain.ChangeRequestRef `json:"ref"`
	Matches    []domain.ContextMatch   `json:"matches"`
	PromptText string                  `json:"prompt_text,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
}

// StrategyExecution is one strategy outcome inside a context session.
type StrategyExecution struct {
	Strategy   string                `json:"strategy"`
	Status     domain.StrategyStatus `json:"status"`
	DurationMs int64                 `json:"duration_ms"`
	MatchCount int                   `json:"match_count"`
	Cause      string                `json:"cause,omitempty"`
}

// IssuePublication records the outcome of publishing one issue inline.
type IssuePublication struct {
	Posted         bool
	SCMCommentID   string
	FallbackReason string
}

// Repository is the single mutator for reviews. Writes happen inside short
// transactions; the store is at-most-one review per change-request ref.
type Repository interface {
	// Save upserts by (repository, change request, provider). An existing
	// review keeps its id and createdAt; its findings are replaced. State
	// defaults to PENDING when unset.
	Save(ctx context.Context, review *domain.Review) (*domain.Review, error)
	// FindByID returns the review with issues and notes materialized, or
	// ErrNotFound.
	FindByID(ctx context.Context, reviewID string) (*domain.Review, error)
	// FindByRef returns the review for the change-request ref, or ErrNotFound.
	FindByRef(ctx context.Context, ref domain.ChangeRequestRef) (*domain.Review, error)
	// UpdateState applies a legal state transition. CompletedAt is set iff
	// the new state is terminal. Illegal transitions fail with a
	// STATE_ILLEGAL coded error.
	UpdateState(ctx context.Context, reviewID string, next domain.ReviewState) error
	// UpdateResultAndState atomically replaces the findings and applies the
	// state transition, under the same legality rules as UpdateState.
	UpdateResultAndState(ctx context.Context, reviewID string, findings domain.AggregatedFindings, llmProvider, llmModel, rawResponse string, next domain.ReviewState) error
	// UpdateIssuePublication records the publication outcome of one issue,
	// matched by (file, startLine, title).
	UpdateIssuePublication(ctx context.Context, reviewID string, issue domain.Issue, pub IssuePublication) error
	// CleanupExpired deletes reviews and audit sessions older than the
	// retention window and returns how many reviews were removed.
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
	// SaveContextAudit persists a context session and its per-strategy
	// executions.
	SaveContextAudit(ctx context.Context, session *ContextSession, executions []StrategyExecution) error
	Close() error
}

// New builds the repository selected by cfg.Driver.
func New(cfg config.StorageConfig) (Repository, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return NewSQLite(cfg.Path, cfg.Retention)
	case config.DriverPostgres:
		return NewPostgres(cfg.DSN, cfg.Retention)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
