// Package strategy nominates repository files relevant to a diff. Each
// strategy is independent and side-effect free; the enrichment
// orchestrator runs them in parallel and merges their nominations.
package strategy

import (
	"context"
	"time"

	"review-pipeline/internal/domain"
)

// Commit is one history entry surfaced by RepoView for co-change analysis.
type Commit struct {
	SHA        string
	Files      []string
	AuthoredAt time.Time
}

// RepoView is the read-only repository surface strategies may probe. It is
// bound to one change request head; implementations wrap an SCM client.
type RepoView interface {
	// ListFiles returns every repository path at the change request head.
	ListFiles(ctx context.Context) ([]string, error)
	// RecentCommits returns history newer than since, newest first, capped
	// at limit, each entry carrying the paths it touched.
	RecentCommits(ctx context.Context, since time.Time, limit int) ([]Commit, error)
}

// Strategy produces context matches for a diff. Run must respect ctx and
// return partial results with an error rather than block past cancellation.
type Strategy interface {
	Name() string
	Priority() int
	Run(ctx context.Context, diff domain.DiffDocument, repo RepoView) ([]domain.ContextMatch, error)
}

// dedupeMatches collapses nominations of the same path, keeping the
// highest-confidence reason (ties broken by reason priority). Input order
// is preserved for the surviving entries.
func dedupeMatches(matches []domain.ContextMatch) []domain.ContextMatch {
	index := make(map[string]int, len(matches))
	out := make([]domain.ContextMatch, 0, len(matches))
	for _, m := range matches {
		i, seen := index[m.Path]
		if !seen {
			index[m.Path] = len(out)
			out = append(out, m)
			continue
		}
		prev := out[i]
		if m.Confidence > prev.Confidence ||
			(m.Confidence == prev.Confidence && m.Reason.Priority() < prev.Reason.Priority()) {
			out[i] = m
		}
	}
	return out
}

// modifiedSet returns the effective paths of the diff as a lookup set.
func modifiedSet(diff domain.DiffDocument) map[string]bool {
	set := make(map[string]bool, len(diff.Files))
	for _, p := range diff.ModifiedPaths() {
		if p != "" {
			set[p] = true
		}
	}
	return set
}
