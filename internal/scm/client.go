// Package scm defines the source-control capability set the pipeline
// consumes, with REST adapters for GitHub and GitLab.
package scm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"review-pipeline/internal/domain"
)

// ChangeRequestInfo is the metadata of one pull/merge request.
type ChangeRequestInfo struct {
	Title        string
	Description  string
	Author       string
	SourceBranch string
	TargetBranch string
	HeadSHA      string
	BaseSHA      string
}

// Commit is one history entry used by the co-change strategy.
type Commit struct {
	SHA        string
	Files      []string
	AuthoredAt time.Time
}

// InlineComment anchors a review comment inside the diff. Position is the
// unified-diff position; Line is the new-file line number. Adapters use
// whichever their API wants.
type InlineComment struct {
	Path     string
	Position int
	Line     int
	Body     string
}

// Client is the abstract SCM capability set.
type Client interface {
	// FetchDiff returns the raw unified diff of the change request.
	FetchDiff(ctx context.Context, ref domain.ChangeRequestRef) (string, error)
	// FetchChangeRequest returns title, description, and branch metadata.
	FetchChangeRequest(ctx context.Context, ref domain.ChangeRequestRef) (*ChangeRequestInfo, error)
	// FileContent returns the body of path at the head of the change request.
	FileContent(ctx context.Context, ref domain.ChangeRequestRef, path string) (string, error)
	// ListFiles returns all repository paths at the head of the change request.
	ListFiles(ctx context.Context, ref domain.ChangeRequestRef) ([]string, error)
	// RecentCommits returns history entries newer than since, newest first,
	// capped at limit, each carrying the paths it touched.
	RecentCommits(ctx context.Context, ref domain.ChangeRequestRef, since time.Time, limit int) ([]Commit, error)
	// PostSummaryComment posts a change-request-level comment and returns
	// the provider's comment id.
	PostSummaryComment(ctx context.Context, ref domain.ChangeRequestRef, body string) (string, error)
	// PostInlineComment posts a diff-anchored comment and returns the
	// provider's comment id.
	PostInlineComment(ctx context.Context, ref domain.ChangeRequestRef, comment InlineComment) (string, error)
}

// APIError is a non-2xx response from the SCM.
type APIError struct {
	StatusCode int
	Message    string
	// RateLimitReset is non-zero on 429 responses that carry a reset hint.
	RateLimitReset time.Time
}

func (e *APIError) Error() string {
	return fmt.Sprintf("scm api error: status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the SCM.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// IsAuthError reports whether err is a 401/403 from the SCM.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.StatusCode == 401 || apiErr.StatusCode == 403)
}

// IsRateLimited reports whether err is a 429 from the SCM.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}
