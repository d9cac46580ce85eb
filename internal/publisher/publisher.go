// Package publisher posts aggregated findings back to the change request:
// one summary comment plus one inline comment per anchorable issue. Issues
// the diff cannot anchor stay in the summary with a fallback reason instead
// of failing the batch.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"review-pipeline/internal/diff"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/metrics"
	"review-pipeline/internal/scm"
	"review-pipeline/internal/storage"
	"review-pipeline/internal/validator"
)

// maxConcurrentComments bounds the inline fan-out so a large review does not
// overwhelm the SCM API.
const maxConcurrentComments = 5

// FallbackInvalidLine marks issues whose (file, startLine) maps to no
// position inside the diff.
const FallbackInvalidLine = "INVALID_LINE"

// Receipt reports what one publication run did.
type Receipt struct {
	SummaryCommentID string `json:"summary_comment_id,omitempty"`
	InlinePosted     int    `json:"inline_posted"`
	InlineFallback   int    `json:"inline_fallback"`
	InlineSkipped    int    `json:"inline_skipped"`
	InlineErrors     int    `json:"inline_errors"`
}

// Publisher posts review findings to the SCM and records per-issue outcomes
// in the store.
type Publisher struct {
	client scm.Client
	store  storage.Repository
	logger *slog.Logger
}

// New builds a publisher. store may be nil for publish-only runs that have
// no persisted review behind them.
func New(client scm.Client, store storage.Repository, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, store: store, logger: logger.With("component", "publisher")}
}

// inlinePlan is one issue resolved to its diff position, ready to post.
type inlinePlan struct {
	idx      int
	path     string
	position int
}

// Publish posts the summary comment, then fans out one inline comment per
// anchorable issue. Issues already carrying an SCM comment id are skipped,
// so re-publishing a review is idempotent per issue. Per-issue failures are
// logged and metered without aborting the batch; only a failed summary post
// fails the call. Publication outcomes are written back both to the store
// and to the issues in review.Findings.
func (p *Publisher) Publish(ctx context.Context, review *domain.Review, doc domain.DiffDocument) (Receipt, error) {
	var receipt Receipt
	issues := review.Findings.Issues

	v := validator.NewFindingValidator(doc)
	plans := make([]inlinePlan, 0, len(issues))
	var fallback []domain.Issue
	for i := range issues {
		issue := &issues[i]
		if issue.SCMCommentID != "" {
			receipt.InlineSkipped++
			continue
		}
		path := resolvePath(doc, validator.NormalizeFindingPath(issue.File))
		pos := diff.PositionFor(doc, path, issue.StartLine)
		if pos <= 0 {
			issue.FallbackReason = FallbackInvalidLine
			issue.PositionMetadata = v.InvalidReason(issue.File, issue.StartLine)
			fallback = append(fallback, *issue)
			receipt.InlineFallback++
			metrics.CommentsPublished.WithLabelValues("inline", "fallback").Inc()
			p.recordOutcome(ctx, review.ID, *issue, storage.IssuePublication{FallbackReason: FallbackInvalidLine})
			p.logger.Info("issue kept in summary",
				"file", issue.File, "line", issue.StartLine, "reason", issue.PositionMetadata)
			continue
		}
		plans = append(plans, inlinePlan{idx: i, path: path, position: pos})
	}

	summaryID, err := p.client.PostSummaryComment(ctx, review.Ref, summaryBody(review, fallback))
	if err != nil {
		metrics.CommentsPublished.WithLabelValues("summary", "error").Inc()
		return receipt, fmt.Errorf("post summary comment: %w", err)
	}
	receipt.SummaryCommentID = summaryID
	metrics.CommentsPublished.WithLabelValues("summary", "posted").Inc()

	// Each goroutine writes only its own outcome slot and its own issue,
	// and always returns nil so one failure never cancels the others.
	outcomes := make([]string, len(plans))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentComments)
	for i, plan := range plans {
		g.Go(func() error {
			issue := &issues[plan.idx]
			id, postErr := p.client.PostInlineComment(gCtx, review.Ref, scm.InlineComment{
				Path:     plan.path,
				Position: plan.position,
				Line:     issue.StartLine,
				Body:     inlineBody(*issue, plan.path),
			})
			if postErr != nil {
				outcomes[i] = "error"
				metrics.CommentsPublished.WithLabelValues("inline", "error").Inc()
				p.logger.Error("inline comment failed",
					"file", issue.File, "line", issue.StartLine, "error", postErr)
				return nil
			}
			issue.InlineCommentPosted = true
			issue.SCMCommentID = id
			outcomes[i] = "posted"
			metrics.CommentsPublished.WithLabelValues("inline", "posted").Inc()
			p.recordOutcome(gCtx, review.ID, *issue, storage.IssuePublication{Posted: true, SCMCommentID: id})
			return nil
		})
	}
	g.Wait()

	for _, o := range outcomes {
		switch o {
		case "posted":
			receipt.InlinePosted++
		case "error":
			receipt.InlineErrors++
		}
	}

	p.logger.Info("review published",
		"review_id", review.ID,
		"ref", review.Ref.String(),
		"inline_posted", receipt.InlinePosted,
		"inline_fallback", receipt.InlineFallback,
		"inline_skipped", receipt.InlineSkipped,
		"inline_errors", receipt.InlineErrors)
	return receipt, nil
}

// recordOutcome persists one issue's publication result. Store failures are
// logged only; the comment is already on the SCM.
func (p *Publisher) recordOutcome(ctx context.Context, reviewID string, issue domain.Issue, pub storage.IssuePublication) {
	if p.store == nil || reviewID == "" {
		return
	}
	if err := p.store.UpdateIssuePublication(ctx, reviewID, issue, pub); err != nil {
		p.logger.Warn("publication outcome not recorded",
			"review_id", reviewID, "file", issue.File, "error", err)
	}
}

// resolvePath maps a normalized finding path onto the document path it
// names. Models sometimes report a shorter suffix of the real path, so fall
// back to a path-segment suffix match.
func resolvePath(doc domain.DiffDocument, path string) string {
	paths := doc.ModifiedPaths()
	for _, dp := range paths {
		if dp == path {
			return path
		}
	}
	for _, dp := range paths {
		if strings.HasSuffix(dp, "/"+path) || strings.HasSuffix(path, "/"+dp) {
			return dp
		}
	}
	return path
}
