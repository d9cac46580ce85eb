package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"review-pipeline/internal/domain"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

func diffDoc() domain.DiffDocument {
	return domain.DiffDocument{Files: []domain.FileModification{{
		OldPath: "pkg/db/query.go",
		NewPath: "pkg/db/query.go",
		Hunks: []domain.DiffHunk{{
			OldStart: 3, OldCount: 2, NewStart: 3, NewCount: 2,
			Lines: []domain.HunkLine{
				{Marker: ' ', Text: "func lookup(id string) {"},
				{Marker: '-', Text: `	q := "SELECT * FROM t WHERE id = " + id`},
				{Marker: '+', Text: `	q := "SELECT * FROM t WHERE id = ?"`},
			},
		}},
	}}}
}

func fullInputs() Inputs {
	return Inputs{
		Title: "[PAY-1] harden lookups",
		Enriched: domain.EnrichedDiff{
			Diff: diffDoc(),
			Matches: []domain.ContextMatch{
				{Path: "pkg/db/query_test.go", Reason: domain.ReasonTestCounterpart, Confidence: 0.9},
			},
		},
		Files:    []domain.ExpandedFile{{Path: "pkg/db/query.go", Content: "package db"}},
		Policies: []domain.PolicyDocument{{Kind: "contributing", Path: "CONTRIBUTING.md", Content: "be kind"}},
		Ticket:   domain.TicketContext{Key: "PAY-1", Summary: "Harden lookups", Status: "Open"},
	}
}

func TestAssembleFramesAllSections(t *testing.T) {
	a := NewAssembler(NewTemplateLoader("testdata-none"), 48000, testLogger())

	result, err := a.Assemble(fullInputs())
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	for _, name := range []string{"DIFF", "CONTEXT_MATCHES", "TICKET", "FILES", "POLICIES"} {
		opening, closing := "["+name+"]", "[/"+name+"]"
		if !strings.Contains(result.User, opening) || !strings.Contains(result.User, closing) {
			t.Errorf("user prompt missing section %s", name)
		}
	}
	if !strings.HasPrefix(result.User, "Change request: [PAY-1] harden lookups") {
		t.Errorf("missing title header: %q", result.User[:60])
	}
	if !strings.Contains(result.User, "pkg/db/query_test.go (TEST_COUNTERPART 0.90)") {
		t.Error("context match not rendered")
	}
	if !strings.Contains(result.System, "golang") {
		t.Error("system prompt missing detected language")
	}
	if result.TotalChars != len(result.System)+len(result.User) {
		t.Errorf("TotalChars %d inconsistent", result.TotalChars)
	}
}

func TestAssembleDropsSectionsFromLowEnd(t *testing.T) {
	in := fullInputs()
	in.Policies = []domain.PolicyDocument{{Kind: "contributing", Path: "C.md", Content: strings.Repeat("p", 3000)}}
	in.Files = []domain.ExpandedFile{{Path: "f.go", Content: strings.Repeat("f", 3000)}}

	// Budget admits the system prompt, diff, matches and ticket, but not
	// files or policies.
	loader := NewTemplateLoader("testdata-none")
	system, err := loader.System("golang")
	if err != nil {
		t.Fatalf("System failed: %v", err)
	}
	budget := len(system) + 2500

	a := NewAssembler(loader, budget, testLogger())
	result, err := a.Assemble(in)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if result.TotalChars > budget {
		t.Errorf("TotalChars %d exceeds budget %d", result.TotalChars, budget)
	}
	if strings.Contains(result.User, "[POLICIES]") {
		t.Error("POLICIES must drop before FILES")
	}
	if strings.Contains(result.User, "[FILES]") {
		t.Error("FILES section should have been dropped")
	}
	if !strings.Contains(result.User, "[DIFF]") || !strings.Contains(result.User, "[TICKET]") {
		t.Error("high-priority sections must survive")
	}
}

func TestAssembleTruncatesDiffAsLastResort(t *testing.T) {
	var lines []domain.HunkLine
	for i := 0; i < 400; i++ {
		lines = append(lines, domain.HunkLine{Marker: '+', Text: fmt.Sprintf("added line %d with some padding text", i)})
	}
	in := Inputs{Enriched: domain.EnrichedDiff{Diff: domain.DiffDocument{Files: []domain.FileModification{{
		OldPath: "big.go", NewPath: "big.go",
		Hunks: []domain.DiffHunk{{OldStart: 1, NewStart: 1, NewCount: 400, Lines: lines}},
	}}}}}

	loader := NewTemplateLoader("testdata-none")
	system, err := loader.System("golang")
	if err != nil {
		t.Fatalf("System failed: %v", err)
	}
	budget := len(system) + 1000

	a := NewAssembler(loader, budget, testLogger())
	result, err := a.Assemble(in)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if result.TotalChars > budget {
		t.Errorf("TotalChars %d exceeds budget %d", result.TotalChars, budget)
	}
	if !strings.Contains(result.User, "... [TRUNCATED]") {
		t.Error("truncated diff must carry the marker")
	}
	// The cut lands on a line boundary: the marker sits on its own line.
	for _, l := range strings.Split(result.User, "\n") {
		if strings.Contains(l, "[TRUNCATED]") && strings.TrimSpace(l) != "... [TRUNCATED]" {
			t.Errorf("truncation not at a line boundary: %q", l)
		}
	}
}

func TestLoaderPrefersDiskTemplate(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "system"), 0o755); err != nil {
		t.Fatal(err)
	}
	custom := "Custom reviewer for {{.Language}}. Respond with JSON."
	if err := os.WriteFile(filepath.Join(dir, "system", "golang.md"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewTemplateLoader(dir)
	got, err := loader.System("golang")
	if err != nil {
		t.Fatalf("System failed: %v", err)
	}
	if got != "Custom reviewer for golang. Respond with JSON." {
		t.Errorf("disk template not used: %q", got)
	}

	// Unknown language falls through to the embedded default.
	got, err = loader.System("cobol")
	if err != nil {
		t.Fatalf("System failed: %v", err)
	}
	if !strings.Contains(got, "cobol") || !strings.Contains(got, "single JSON object") {
		t.Errorf("embedded fallback not rendered: %.80q", got)
	}
}

func TestDetectLanguage(t *testing.T) {
	cases := []struct {
		files []string
		want  string
	}{
		{[]string{"a.go", "b.go", "c.md"}, "golang"},
		{[]string{"A.java", "B.java", "c.go"}, "java"},
		{[]string{"x.txt"}, "default"},
		{nil, "default"},
	}
	for _, c := range cases {
		if got := DetectLanguage(c.files); got != c.want {
			t.Errorf("DetectLanguage(%v) = %q, want %q", c.files, got, c.want)
		}
	}
}

func TestCompactDiffFoldsDeleteRuns(t *testing.T) {
	var lines []domain.HunkLine
	for i := 0; i < 40; i++ {
		lines = append(lines, domain.HunkLine{Marker: '-', Text: fmt.Sprintf("old %d", i)})
	}
	lines = append(lines, domain.HunkLine{Marker: '+', Text: "replacement"})
	doc := domain.DiffDocument{Files: []domain.FileModification{{
		OldPath: "f.go", NewPath: "f.go",
		Hunks: []domain.DiffHunk{{OldStart: 1, OldCount: 40, NewStart: 1, NewCount: 1, Lines: lines}},
	}}}

	out := CompactDiff(doc, DefaultCompactOptions())
	if !strings.Contains(out, "- [... 40 lines deleted ...]") {
		t.Errorf("delete run not folded:\n%s", out)
	}
	if strings.Contains(out, "old 5") {
		t.Error("folded lines must not appear")
	}
	if !strings.Contains(out, "+replacement") {
		t.Error("addition lost")
	}
}

func TestCompactDiffSkipsWhitespaceOnly(t *testing.T) {
	doc := domain.DiffDocument{Files: []domain.FileModification{{
		OldPath: "ws.go", NewPath: "ws.go",
		Hunks: []domain.DiffHunk{{OldStart: 1, OldCount: 1, NewStart: 1, NewCount: 1,
			Lines: []domain.HunkLine{
				{Marker: '-', Text: "   "},
				{Marker: '+', Text: "\t"},
			}}},
	}}}

	out := CompactDiff(doc, DefaultCompactOptions())
	if !strings.Contains(out, "[WHITESPACE ONLY - SKIPPED]") {
		t.Errorf("whitespace-only file not skipped:\n%s", out)
	}
}
