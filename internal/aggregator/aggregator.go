// Package aggregator turns raw model findings into the final, bounded set
// of issues a review publishes.
package aggregator

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
)

// Aggregator applies the fixed post-processing order to model findings:
// confidence filter, dedupe, per-file cap, severity histogram, overall
// confidence, summary. Deterministic for a given input and config, and
// monotone under loosening config. Notes bypass every step.
type Aggregator struct {
	cfg    config.AggregationConfig
	logger *slog.Logger
}

// New builds an aggregator with the given bounds.
func New(cfg config.AggregationConfig, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{cfg: cfg, logger: logger}
}

// Aggregate produces the publishable finding set. testOutcome, when
// non-empty, is appended to the summary as one line.
func (a *Aggregator) Aggregate(findings domain.Findings, testOutcome string) domain.AggregatedFindings {
	out := domain.AggregatedFindings{
		TotalBeforeDedup: len(findings.Issues),
		Notes:            findings.Notes,
	}

	kept, dropped := a.filterByConfidence(findings.Issues)
	out.TotalFiltered = dropped

	if a.cfg.Deduplication.Enabled {
		kept = dedupe(kept)
	}
	out.TotalAfterDedup = len(kept)

	out.Issues = capPerFile(kept, a.cfg.MaxIssuesPerFile)
	out.CountsBySeverity = severityHistogram(out.Issues)
	out.CountsBySource = map[string]int{"ai": len(out.Issues)}
	out.OverallConfidence = overallConfidence(out.Issues)
	out.Summary = composeSummary(findings.Summary, len(out.Issues), testOutcome)

	a.logger.Debug("findings aggregated",
		"input", out.TotalBeforeDedup,
		"filtered", out.TotalFiltered,
		"after_dedup", out.TotalAfterDedup,
		"final", len(out.Issues),
		"notes", len(out.Notes))
	return out
}

// filterByConfidence drops issues whose score is present and below the
// configured minimum. Unscored issues always pass.
func (a *Aggregator) filterByConfidence(issues []domain.Issue) ([]domain.Issue, int) {
	kept := make([]domain.Issue, 0, len(issues))
	dropped := 0
	for _, issue := range issues {
		if issue.ConfidenceScore != nil && *issue.ConfidenceScore < a.cfg.MinConfidence {
			dropped++
			continue
		}
		kept = append(kept, issue)
	}
	return kept, dropped
}

// dedupe keeps the first occurrence per (file, startLine, normalized title),
// preserving input order.
func dedupe(issues []domain.Issue) []domain.Issue {
	seen := make(map[string]bool, len(issues))
	kept := make([]domain.Issue, 0, len(issues))
	for _, issue := range issues {
		key := fmt.Sprintf("%s:%d:%s", issue.File, issue.StartLine, normalizeTitle(issue.Title))
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, issue)
	}
	return kept
}

// normalizeTitle lowercases and strips everything but letters and digits so
// trivially reworded titles collide.
func normalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// capPerFile takes the first maxPerFile issues per file by insertion order.
// A cap of zero or less empties the list.
func capPerFile(issues []domain.Issue, maxPerFile int) []domain.Issue {
	kept := make([]domain.Issue, 0, len(issues))
	if maxPerFile <= 0 {
		return kept
	}
	perFile := make(map[string]int, len(issues))
	for _, issue := range issues {
		if perFile[issue.File] >= maxPerFile {
			continue
		}
		perFile[issue.File]++
		kept = append(kept, issue)
	}
	return kept
}

func severityHistogram(issues []domain.Issue) map[string]int {
	hist := make(map[string]int, len(domain.KnownSeverities))
	for _, issue := range issues {
		if issue.Severity.IsKnown() {
			hist[string(issue.Severity)]++
		} else {
			hist["unknown"]++
		}
	}
	return hist
}

// overallConfidence is the mean score over scored issues: 1.0 when there
// are no issues at all, 0.7 when none carry a score.
func overallConfidence(issues []domain.Issue) float64 {
	if len(issues) == 0 {
		return 1.0
	}
	var sum float64
	scored := 0
	for _, issue := range issues {
		if issue.ConfidenceScore != nil {
			sum += *issue.ConfidenceScore
			scored++
		}
	}
	if scored == 0 {
		return 0.7
	}
	return sum / float64(scored)
}

// composeSummary prefers the model's prose; zero surviving issues or empty
// prose fall back to the fixed count line.
func composeSummary(prose string, issueCount int, testOutcome string) string {
	summary := strings.TrimSpace(prose)
	if issueCount == 0 || summary == "" {
		summary = fmt.Sprintf("Analysis complete. Found %d issues.", issueCount)
	}
	if testOutcome != "" {
		summary += "\n" + testOutcome
	}
	return summary
}
