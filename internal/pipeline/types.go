package pipeline

import (
	"context"

	"review-pipeline/internal/domain"
	"review-pipeline/internal/prompt"
	"review-pipeline/internal/publisher"
	"review-pipeline/internal/scm"
)

// DiffFetcher is the slice of the SCM client the pipeline pulls a change
// request through.
type DiffFetcher interface {
	FetchDiff(ctx context.Context, ref domain.ChangeRequestRef) (string, error)
	FetchChangeRequest(ctx context.Context, ref domain.ChangeRequestRef) (*scm.ChangeRequestInfo, error)
}

// Enricher assembles everything the prompt carries beyond the raw diff.
// Implementations degrade instead of failing: a fully degraded run returns
// inputs holding just the diff.
type Enricher interface {
	Enrich(ctx context.Context, ref domain.ChangeRequestRef, doc domain.DiffDocument, info *scm.ChangeRequestInfo) prompt.Inputs
	Audit(ctx context.Context, reviewID string, ref domain.ChangeRequestRef, enriched domain.EnrichedDiff, promptText string)
}

// PromptAssembler renders the prompt pair under the character budget.
type PromptAssembler interface {
	Assemble(in prompt.Inputs) (domain.PromptResult, error)
}

// Analyzer streams review chunks for an assembled prompt. Both channels
// close when the stream ends; the error channel carries the terminal
// failure, if any.
type Analyzer interface {
	Analyze(ctx context.Context, enriched domain.EnrichedDiff, prompt domain.PromptResult) (<-chan domain.ReviewChunk, <-chan error)
}

// FindingsPublisher posts aggregated findings back to the SCM.
type FindingsPublisher interface {
	Publish(ctx context.Context, review *domain.Review, doc domain.DiffDocument) (publisher.Receipt, error)
}
