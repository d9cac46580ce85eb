package aggregator

import (
	"io"
	"log/slog"
	"math"
	"reflect"
	"testing"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
)

func aggWith(minConfidence float64, maxPerFile int, dedupeOn bool) *Aggregator {
	cfg := config.AggregationConfig{
		MinConfidence:    minConfidence,
		MaxIssuesPerFile: maxPerFile,
	}
	cfg.Deduplication.Enabled = dedupeOn
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func score(v float64) *float64 { return &v }

func issue(file string, line int, severity domain.Severity, title string, confidence *float64) domain.Issue {
	return domain.Issue{File: file, StartLine: line, Severity: severity, Title: title, ConfidenceScore: confidence}
}

func TestAggregateDedupesByNormalizedTitle(t *testing.T) {
	findings := domain.Findings{
		Summary: "Two problems.",
		Issues: []domain.Issue{
			issue("dao.go", 12, domain.SeverityMajor, "Unchecked error!", score(0.9)),
			issue("dao.go", 12, domain.SeverityMajor, "unchecked ERROR", score(0.8)),
			issue("svc.go", 3, domain.SeverityMinor, "magic number", nil),
		},
	}

	out := aggWith(0.7, 10, true).Aggregate(findings, "")

	if out.TotalBeforeDedup != 3 || out.TotalAfterDedup != 2 || out.TotalFiltered != 0 {
		t.Fatalf("counts before=%d after=%d filtered=%d, want 3/2/0",
			out.TotalBeforeDedup, out.TotalAfterDedup, out.TotalFiltered)
	}
	if len(out.Issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(out.Issues))
	}
	if out.Issues[0].Title != "Unchecked error!" {
		t.Errorf("first occurrence must win, got %q", out.Issues[0].Title)
	}

	total := 0
	for _, n := range out.CountsBySeverity {
		total += n
	}
	if total != 2 {
		t.Errorf("severity counts sum %d, want 2", total)
	}
}

func TestAggregateFiltersScoredBelowMinimum(t *testing.T) {
	findings := domain.Findings{
		Summary: "Several problems.",
		Issues: []domain.Issue{
			issue("a.go", 1, domain.SeverityCritical, "sql injection", score(0.9)),
			issue("a.go", 9, domain.SeverityMajor, "race on counter", score(0.5)),
			issue("a.go", 14, domain.SeverityMajor, "unchecked error", score(0.9)),
			issue("a.go", 20, domain.SeverityMinor, "dead code", score(0.5)),
			issue("a.go", 31, domain.SeverityMinor, "long function", score(0.8)),
			issue("a.go", 40, domain.SeverityInfo, "typo in comment", nil),
		},
	}

	out := aggWith(0.8, 10, true).Aggregate(findings, "")

	if out.TotalBeforeDedup != 6 || out.TotalAfterDedup != 4 || out.TotalFiltered != 2 {
		t.Fatalf("counts before=%d after=%d filtered=%d, want 6/4/2",
			out.TotalBeforeDedup, out.TotalAfterDedup, out.TotalFiltered)
	}

	want := (0.9 + 0.9 + 0.8) / 3
	if math.Abs(out.OverallConfidence-want) > 1e-9 {
		t.Errorf("overall confidence %v, want mean of remaining scores %v", out.OverallConfidence, want)
	}
}

func TestAggregateUnscoredIssuesPass(t *testing.T) {
	findings := domain.Findings{Issues: []domain.Issue{
		issue("a.go", 1, domain.SeverityMinor, "no score", nil),
	}}

	out := aggWith(0.99, 10, true).Aggregate(findings, "")

	if len(out.Issues) != 1 {
		t.Fatalf("unscored issue must pass the filter, got %d issues", len(out.Issues))
	}
	if out.OverallConfidence != 0.7 {
		t.Errorf("confidence %v, want 0.7 when no issue has a score", out.OverallConfidence)
	}
}

func TestAggregatePerFileCap(t *testing.T) {
	findings := domain.Findings{Issues: []domain.Issue{
		issue("a.go", 1, domain.SeverityMinor, "one", nil),
		issue("a.go", 2, domain.SeverityMinor, "two", nil),
		issue("b.go", 1, domain.SeverityMinor, "three", nil),
		issue("a.go", 3, domain.SeverityMinor, "four", nil),
		issue("b.go", 2, domain.SeverityMinor, "five", nil),
	}}

	out := aggWith(0, 2, false).Aggregate(findings, "")

	if len(out.Issues) != 4 {
		t.Fatalf("expected 4 issues after cap, got %d", len(out.Issues))
	}
	titles := []string{out.Issues[0].Title, out.Issues[1].Title, out.Issues[2].Title, out.Issues[3].Title}
	want := []string{"one", "two", "three", "five"}
	if !reflect.DeepEqual(titles, want) {
		t.Errorf("cap must keep insertion order per file: got %v, want %v", titles, want)
	}
}

func TestAggregateCapZeroEmptiesIssues(t *testing.T) {
	findings := domain.Findings{
		Issues: []domain.Issue{issue("a.go", 1, domain.SeverityCritical, "bad", score(0.9))},
		Notes:  []domain.Note{{File: "a.go", Line: 2, Note: "style"}},
	}

	out := aggWith(0, 0, true).Aggregate(findings, "")

	if len(out.Issues) != 0 {
		t.Fatalf("cap 0 must empty issues, got %d", len(out.Issues))
	}
	if len(out.CountsBySeverity) != 0 {
		t.Errorf("cap 0 must empty the histogram, got %v", out.CountsBySeverity)
	}
	if out.TotalAfterDedup != 1 {
		t.Errorf("TotalAfterDedup %d, want pre-cap count 1", out.TotalAfterDedup)
	}
	if len(out.Notes) != 1 {
		t.Errorf("notes must bypass the cap, got %v", out.Notes)
	}
}

func TestAggregateEmptyInput(t *testing.T) {
	out := aggWith(0.7, 10, true).Aggregate(domain.Findings{}, "")

	if out.OverallConfidence != 1.0 {
		t.Errorf("confidence %v, want 1.0 for no issues", out.OverallConfidence)
	}
	if out.Summary != "Analysis complete. Found 0 issues." {
		t.Errorf("summary %q", out.Summary)
	}
	if out.Issues == nil {
		t.Error("issues must be an empty slice, not nil")
	}
}

func TestAggregateUnknownSeverityBucketed(t *testing.T) {
	findings := domain.Findings{Issues: []domain.Issue{
		issue("a.go", 1, "blocker", "odd severity", nil),
		issue("a.go", 2, domain.SeverityInfo, "fine", nil),
	}}

	out := aggWith(0, 10, false).Aggregate(findings, "")

	if out.CountsBySeverity["unknown"] != 1 {
		t.Errorf("histogram %v, want unknown:1", out.CountsBySeverity)
	}
	if out.CountsBySeverity["info"] != 1 {
		t.Errorf("histogram %v, want info:1", out.CountsBySeverity)
	}
}

func TestAggregateSummaryComposition(t *testing.T) {
	findings := domain.Findings{
		Summary: "Looks risky around the cache layer.",
		Issues:  []domain.Issue{issue("c.go", 4, domain.SeverityMajor, "stale read", score(0.9))},
	}

	out := aggWith(0.7, 10, true).Aggregate(findings, "Tests: 41 passed, 0 failed.")

	if out.Summary != "Looks risky around the cache layer.\nTests: 41 passed, 0 failed." {
		t.Errorf("summary %q", out.Summary)
	}
}

func TestAggregateDeterministicUnderDuplicateSwap(t *testing.T) {
	dup := issue("a.go", 5, domain.SeverityMajor, "Leaky Abstraction", score(0.9))
	other := issue("b.go", 1, domain.SeverityMinor, "naming", nil)

	first := aggWith(0.7, 10, true).Aggregate(domain.Findings{Issues: []domain.Issue{dup, dup, other}}, "")
	second := aggWith(0.7, 10, true).Aggregate(domain.Findings{Issues: []domain.Issue{dup, dup, other}}, "")

	if !reflect.DeepEqual(first, second) {
		t.Error("aggregation must be deterministic")
	}
}

func TestAggregateMonotoneUnderLoosening(t *testing.T) {
	findings := domain.Findings{Issues: []domain.Issue{
		issue("a.go", 1, domain.SeverityMajor, "one", score(0.6)),
		issue("a.go", 2, domain.SeverityMajor, "two", score(0.9)),
		issue("a.go", 3, domain.SeverityMajor, "three", nil),
		issue("a.go", 4, domain.SeverityMajor, "four", score(0.75)),
	}}

	strict := aggWith(0.8, 2, true).Aggregate(findings, "")
	loose := aggWith(0.5, 4, true).Aggregate(findings, "")

	if len(loose.Issues) < len(strict.Issues) {
		t.Fatalf("loosening config removed issues: strict=%d loose=%d", len(strict.Issues), len(loose.Issues))
	}
	for _, s := range strict.Issues {
		found := false
		for _, l := range loose.Issues {
			if reflect.DeepEqual(s, l) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("issue %q present under strict config but missing under loose", s.Title)
		}
	}
}
