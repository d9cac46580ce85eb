package enrich

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/strategy"
)

type stubStrategy struct {
	name    string
	matches []domain.ContextMatch
	err     error
	delay   time.Duration
	panics  bool
}

func (s *stubStrategy) Name() string  { return s.name }
func (s *stubStrategy) Priority() int { return 1 }

func (s *stubStrategy) Run(ctx context.Context, diff domain.DiffDocument, repo strategy.RepoView) ([]domain.ContextMatch, error) {
	if s.panics {
		panic("boom")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.matches, s.err
}

type stubRepoView struct{}

func (stubRepoView) ListFiles(ctx context.Context) ([]string, error) { return nil, nil }
func (stubRepoView) RecentCommits(ctx context.Context, since time.Time, limit int) ([]strategy.Commit, error) {
	return nil, nil
}

func testDiff() domain.DiffDocument {
	return domain.DiffDocument{Files: []domain.FileModification{{OldPath: "a.go", NewPath: "a.go"}}}
}

func orchestratorWith(deadline time.Duration, max int, strategies ...strategy.Strategy) *Orchestrator {
	cfg := config.ContextConfig{StrategyDeadline: deadline, MaxMatches: max}
	return NewOrchestrator(cfg, strategies, nil, slog.New(slog.NewTextHandler(testWriter{}, nil)))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestEnrichMergesAndCaps(t *testing.T) {
	a := &stubStrategy{name: "a", matches: []domain.ContextMatch{
		{Path: "x.go", Reason: domain.ReasonSamePackage, Confidence: 0.80, Evidence: "same dir"},
		{Path: "y.go", Reason: domain.ReasonParentPackage, Confidence: 0.50},
	}}
	b := &stubStrategy{name: "b", matches: []domain.ContextMatch{
		{Path: "x.go", Reason: domain.ReasonCoChange, Confidence: 0.40, Evidence: "2 commits"},
		{Path: "z.go", Reason: domain.ReasonDirectImport, Confidence: 0.85},
	}}

	enriched := orchestratorWith(time.Second, 2, a, b).Enrich(context.Background(), testDiff(), stubRepoView{})

	if len(enriched.Matches) != 2 {
		t.Fatalf("expected cap at 2 matches, got %d", len(enriched.Matches))
	}
	if enriched.Matches[0].Path != "z.go" {
		t.Errorf("expected z.go first (0.85), got %s", enriched.Matches[0].Path)
	}
	x := enriched.Matches[1]
	if x.Path != "x.go" || x.Reason != domain.ReasonSamePackage {
		t.Fatalf("expected merged x.go keeping SAME_PACKAGE, got %+v", x)
	}
	if want := "same dir; also CO_CHANGE (2 commits)"; x.Evidence != want {
		t.Errorf("evidence %q, want %q", x.Evidence, want)
	}

	for name, r := range enriched.PerStrategy {
		if r.Status != domain.StrategySuccess {
			t.Errorf("strategy %s status %s, want SUCCESS", name, r.Status)
		}
	}
}

func TestEnrichIsolatesFailures(t *testing.T) {
	good := &stubStrategy{name: "good", matches: []domain.ContextMatch{
		{Path: "ok.go", Reason: domain.ReasonSamePackage, Confidence: 0.80},
	}}
	bad := &stubStrategy{name: "bad", err: errors.New("listing exploded")}
	hung := &stubStrategy{name: "hung", delay: 2 * time.Second}
	panicky := &stubStrategy{name: "panicky", panics: true}

	enriched := orchestratorWith(50*time.Millisecond, 20, good, bad, hung, panicky).
		Enrich(context.Background(), testDiff(), stubRepoView{})

	if len(enriched.Matches) != 1 || enriched.Matches[0].Path != "ok.go" {
		t.Fatalf("expected the surviving strategy's match, got %v", enriched.Matches)
	}

	cases := map[string]domain.StrategyStatus{
		"good":    domain.StrategySuccess,
		"bad":     domain.StrategyError,
		"hung":    domain.StrategyTimeout,
		"panicky": domain.StrategyError,
	}
	for name, want := range cases {
		r, ok := enriched.PerStrategy[name]
		if !ok {
			t.Fatalf("missing report for %s", name)
		}
		if r.Status != want {
			t.Errorf("%s: status %s, want %s", name, r.Status, want)
		}
	}
	if enriched.PerStrategy["bad"].Cause == "" {
		t.Error("error report must carry a cause")
	}
}

func TestEnrichNonPositiveDeadline(t *testing.T) {
	s := &stubStrategy{name: "never", matches: []domain.ContextMatch{
		{Path: "x.go", Reason: domain.ReasonSamePackage, Confidence: 0.80},
	}}

	enriched := orchestratorWith(0, 20, s).Enrich(context.Background(), testDiff(), stubRepoView{})

	if len(enriched.Matches) != 0 {
		t.Errorf("expected zero matches, got %v", enriched.Matches)
	}
	r, ok := enriched.PerStrategy["never"]
	if !ok {
		t.Fatal("missing report")
	}
	if r.Status != domain.StrategyTimeout {
		t.Errorf("status %s, want TIMEOUT", r.Status)
	}
}

func TestEnrichEmptyDiffSkips(t *testing.T) {
	s := &stubStrategy{name: "s"}
	enriched := orchestratorWith(time.Second, 20, s).Enrich(context.Background(), domain.DiffDocument{}, stubRepoView{})
	if enriched.PerStrategy["s"].Status != domain.StrategySkipped {
		t.Errorf("status %s, want SKIPPED", enriched.PerStrategy["s"].Status)
	}
}

func TestMergeTieBreaks(t *testing.T) {
	lists := [][]domain.ContextMatch{{
		{Path: "b.go", Reason: domain.ReasonSamePackage, Confidence: 0.80},
		{Path: "a.go", Reason: domain.ReasonSamePackage, Confidence: 0.80},
		{Path: "c.go", Reason: domain.ReasonTestCounterpart, Confidence: 0.80},
	}}
	merged := mergeMatches(lists, 20)
	if merged[0].Path != "c.go" {
		t.Errorf("reason priority tie-break failed: got %s first", merged[0].Path)
	}
	if merged[1].Path != "a.go" || merged[2].Path != "b.go" {
		t.Errorf("path tie-break failed: got %s, %s", merged[1].Path, merged[2].Path)
	}
}
