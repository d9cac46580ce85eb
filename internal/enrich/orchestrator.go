// Package enrich augments a parsed diff with repository context: strategy
// matches, expanded file bodies, policy documents, and ticket metadata.
// Everything here is best-effort; a review proceeds on the bare diff when
// enrichment degrades.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/metrics"
	"review-pipeline/internal/storage"
	"review-pipeline/internal/strategy"

	"github.com/google/uuid"
)

// Orchestrator fans the enabled strategies out in parallel, each under its
// own deadline, and merges their nominations. Strategy failures are
// recorded, never propagated.
type Orchestrator struct {
	strategies []strategy.Strategy
	deadline   time.Duration
	maxMatches int
	store      storage.Repository
	logger     *slog.Logger
}

// NewOrchestrator builds the orchestrator. store may be nil; audit writes
// are then skipped.
func NewOrchestrator(cfg config.ContextConfig, strategies []strategy.Strategy, store storage.Repository, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	maxMatches := cfg.MaxMatches
	if maxMatches == 0 {
		maxMatches = 20
	}
	return &Orchestrator{
		strategies: strategies,
		deadline:   cfg.StrategyDeadline,
		maxMatches: maxMatches,
		store:      store,
		logger:     logger,
	}
}

// Enrich runs every strategy against the diff and merges the results.
// PerStrategy always carries one report per strategy; an all-fail run
// yields empty matches, never an error.
func (o *Orchestrator) Enrich(ctx context.Context, doc domain.DiffDocument, repo strategy.RepoView) domain.EnrichedDiff {
	reports := make(map[string]domain.StrategyReport, len(o.strategies))

	if doc.IsEmpty() {
		for _, s := range o.strategies {
			reports[s.Name()] = domain.StrategyReport{Status: domain.StrategySkipped, Cause: "empty diff"}
			metrics.StrategyExecutions.WithLabelValues(s.Name(), string(domain.StrategySkipped)).Inc()
		}
		return domain.EnrichedDiff{Diff: doc, PerStrategy: reports}
	}

	// A non-positive deadline cannot admit any work.
	if o.deadline <= 0 {
		for _, s := range o.strategies {
			reports[s.Name()] = domain.StrategyReport{Status: domain.StrategyTimeout, Cause: "strategy deadline is not positive"}
			metrics.StrategyExecutions.WithLabelValues(s.Name(), string(domain.StrategyTimeout)).Inc()
		}
		return domain.EnrichedDiff{Diff: doc, PerStrategy: reports}
	}

	results := make([][]domain.ContextMatch, len(o.strategies))
	reportList := make([]domain.StrategyReport, len(o.strategies))

	var g errgroup.Group
	for i, s := range o.strategies {
		g.Go(func() error {
			reportList[i], results[i] = o.runOne(ctx, s, doc, repo)
			return nil
		})
	}
	g.Wait()

	for i, s := range o.strategies {
		reports[s.Name()] = reportList[i]
		metrics.StrategyExecutions.WithLabelValues(s.Name(), string(reportList[i].Status)).Inc()
	}

	merged := mergeMatches(results, o.maxMatches)
	return domain.EnrichedDiff{Diff: doc, Matches: merged, PerStrategy: reports}
}

// runOne executes a single strategy under the per-strategy deadline,
// translating panics and timeouts into reports.
func (o *Orchestrator) runOne(ctx context.Context, s strategy.Strategy, doc domain.DiffDocument, repo strategy.RepoView) (report domain.StrategyReport, matches []domain.ContextMatch) {
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		if r := recover(); r != nil {
			o.logger.Error("strategy panicked", "strategy", s.Name(), "panic", r)
			report.Status = domain.StrategyError
			report.Cause = fmt.Sprintf("panic: %v", r)
			matches = nil
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	found, err := s.Run(sctx, doc, repo)
	switch {
	case err == nil:
		report.Status = domain.StrategySuccess
		report.Reasons = countReasons(found)
		matches = found
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		report.Status = domain.StrategyTimeout
		report.Cause = fmt.Sprintf("exceeded %s", o.deadline)
		o.logger.Warn("strategy timed out", "strategy", s.Name(), "deadline", o.deadline)
	default:
		report.Status = domain.StrategyError
		report.Cause = err.Error()
		o.logger.Warn("strategy failed", "strategy", s.Name(), "error", err)
	}
	return report, matches
}

// Audit persists the context-retrieval session and its per-strategy
// executions. Best-effort: failures are logged and swallowed.
func (o *Orchestrator) Audit(ctx context.Context, reviewID string, ref domain.ChangeRequestRef, enriched domain.EnrichedDiff, promptText string) {
	if o.store == nil || len(enriched.PerStrategy) == 0 {
		return
	}

	session := &storage.ContextSession{
		ID:         uuid.NewString(),
		ReviewID:   reviewID,
		Ref:        ref,
		Matches:    enriched.Matches,
		PromptText: promptText,
		CreatedAt:  time.Now().UTC(),
	}
	executions := make([]storage.StrategyExecution, 0, len(enriched.PerStrategy))
	for name, report := range enriched.PerStrategy {
		count := 0
		for _, n := range report.Reasons {
			count += n
		}
		executions = append(executions, storage.StrategyExecution{
			Strategy:   name,
			Status:     report.Status,
			DurationMs: report.Duration.Milliseconds(),
			MatchCount: count,
			Cause:      report.Cause,
		})
	}
	sort.Slice(executions, func(i, j int) bool { return executions[i].Strategy < executions[j].Strategy })

	if err := o.store.SaveContextAudit(ctx, session, executions); err != nil {
		o.logger.Warn("context audit write failed", "review_id", reviewID, "error", err)
	}
}

func countReasons(matches []domain.ContextMatch) map[domain.MatchReason]int {
	if len(matches) == 0 {
		return nil
	}
	counts := make(map[domain.MatchReason]int)
	for _, m := range matches {
		counts[m.Reason]++
	}
	return counts
}

// mergeMatches combines per-strategy nominations: one entry per path
// keeping the max-confidence reason with every other reason appended to
// its evidence, ordered by confidence, reason priority, then path, capped
// at limit.
func mergeMatches(lists [][]domain.ContextMatch, limit int) []domain.ContextMatch {
	type entry struct {
		best  domain.ContextMatch
		extra []string
	}
	byPath := make(map[string]*entry)
	var order []string

	for _, list := range lists {
		for _, m := range list {
			e, ok := byPath[m.Path]
			if !ok {
				byPath[m.Path] = &entry{best: m}
				order = append(order, m.Path)
				continue
			}
			if m.Confidence > e.best.Confidence ||
				(m.Confidence == e.best.Confidence && m.Reason.Priority() < e.best.Reason.Priority()) {
				e.extra = append(e.extra, describeMatch(e.best))
				e.best = m
			} else {
				e.extra = append(e.extra, describeMatch(m))
			}
		}
	}

	merged := make([]domain.ContextMatch, 0, len(byPath))
	for _, p := range order {
		e := byPath[p]
		m := e.best
		if len(e.extra) > 0 {
			m.Evidence = strings.TrimSuffix(m.Evidence+"; also "+strings.Join(e.extra, "; "), "; ")
		}
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Confidence != merged[j].Confidence {
			return merged[i].Confidence > merged[j].Confidence
		}
		if merged[i].Reason.Priority() != merged[j].Reason.Priority() {
			return merged[i].Reason.Priority() < merged[j].Reason.Priority()
		}
		return merged[i].Path < merged[j].Path
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func describeMatch(m domain.ContextMatch) string {
	if m.Evidence == "" {
		return string(m.Reason)
	}
	return fmt.Sprintf("%s (%s)", m.Reason, m.Evidence)
}
