package strategy

import (
	"context"
	"fmt"
	"time"

	"review-pipeline/internal/domain"
)

// minCoOccurrences is the commit-count floor below which a co-change is
// treated as noise.
const minCoOccurrences = 2

// CoChange relates files that historically change together with the
// modified files, weighted by how often.
type CoChange struct {
	window     time.Duration
	maxCommits int
	now        func() time.Time
}

var _ Strategy = (*CoChange)(nil)

// NewCoChange builds the strategy over a lookback of windowDays capped at
// maxCommits history entries.
func NewCoChange(windowDays, maxCommits int) *CoChange {
	if windowDays <= 0 {
		windowDays = 90
	}
	if maxCommits <= 0 {
		maxCommits = 200
	}
	return &CoChange{
		window:     time.Duration(windowDays) * 24 * time.Hour,
		maxCommits: maxCommits,
		now:        time.Now,
	}
}

func (*CoChange) Name() string { return "co-change" }

func (*CoChange) Priority() int { return 3 }

func (s *CoChange) Run(ctx context.Context, diff domain.DiffDocument, repo RepoView) ([]domain.ContextMatch, error) {
	modified := modifiedSet(diff)
	if len(modified) == 0 {
		return nil, nil
	}

	since := s.now().Add(-s.window)
	commits, err := repo.RecentCommits(ctx, since, s.maxCommits)
	if err != nil {
		return nil, fmt.Errorf("recent commits: %w", err)
	}

	// Count, per candidate file, the commits where it appeared alongside
	// any modified file.
	counts := make(map[string]int)
	for _, c := range commits {
		touched := false
		for _, f := range c.Files {
			if modified[f] {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		seen := make(map[string]bool, len(c.Files))
		for _, f := range c.Files {
			if f == "" || modified[f] || seen[f] {
				continue
			}
			seen[f] = true
			counts[f]++
		}
	}

	var out []domain.ContextMatch
	for f, n := range counts {
		if n < minCoOccurrences {
			continue
		}
		conf := float64(n) / 5
		if conf > 1 {
			conf = 1
		}
		out = append(out, domain.ContextMatch{
			Path:       f,
			Reason:     domain.ReasonCoChange,
			Confidence: conf,
			Evidence:   fmt.Sprintf("co-changed in %d of the last %d commits", n, len(commits)),
		})
	}
	return out, nil
}
