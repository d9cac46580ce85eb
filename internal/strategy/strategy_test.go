package strategy

import (
	"context"
	"testing"
	"time"

	"review-pipeline/internal/domain"
)

type fakeRepo struct {
	files      []string
	commits    []Commit
	listErr    error
	commitsErr error
}

func (f *fakeRepo) ListFiles(ctx context.Context) ([]string, error) {
	return f.files, f.listErr
}

func (f *fakeRepo) RecentCommits(ctx context.Context, since time.Time, limit int) ([]Commit, error) {
	return f.commits, f.commitsErr
}

func docFor(paths ...string) domain.DiffDocument {
	var doc domain.DiffDocument
	for _, p := range paths {
		doc.Files = append(doc.Files, domain.FileModification{OldPath: p, NewPath: p})
	}
	return doc
}

func docWithAddedLines(path string, lines ...string) domain.DiffDocument {
	hunk := domain.DiffHunk{OldStart: 1, NewStart: 1}
	for _, l := range lines {
		hunk.Lines = append(hunk.Lines, domain.HunkLine{Marker: '+', Text: l})
	}
	return domain.DiffDocument{Files: []domain.FileModification{
		{OldPath: path, NewPath: path, Hunks: []domain.DiffHunk{hunk}},
	}}
}

func matchByPath(matches []domain.ContextMatch, path string) (domain.ContextMatch, bool) {
	for _, m := range matches {
		if m.Path == path {
			return m, true
		}
	}
	return domain.ContextMatch{}, false
}

func TestPathPatternRelations(t *testing.T) {
	repo := &fakeRepo{files: []string{
		"src/main/java/com/acme/dao/UserDAO.java",
		"src/test/java/com/acme/dao/UserDAOTest.java",
		"src/main/java/com/acme/dao/OrderDAO.java",
		"src/main/java/com/acme/service/UserService.java",
		"src/main/java/com/acme/dao/legacy/LegacyDAO.java",
		"docs/README.md",
	}}
	diff := docFor("src/main/java/com/acme/dao/UserDAO.java")

	matches, err := NewPathPattern().Run(context.Background(), diff, repo)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	cases := []struct {
		path   string
		reason domain.MatchReason
		conf   float64
	}{
		{"src/test/java/com/acme/dao/UserDAOTest.java", domain.ReasonTestCounterpart, 0.90},
		{"src/main/java/com/acme/dao/OrderDAO.java", domain.ReasonSamePackage, 0.80},
		{"src/main/java/com/acme/service/UserService.java", domain.ReasonRelatedLayer, 0.70},
		{"src/main/java/com/acme/dao/legacy/LegacyDAO.java", domain.ReasonParentPackage, 0.50},
	}
	for _, c := range cases {
		m, ok := matchByPath(matches, c.path)
		if !ok {
			t.Errorf("expected a match for %s", c.path)
			continue
		}
		if m.Reason != c.reason {
			t.Errorf("%s: reason %s, want %s", c.path, m.Reason, c.reason)
		}
		if m.Confidence != c.conf {
			t.Errorf("%s: confidence %v, want %v", c.path, m.Confidence, c.conf)
		}
	}

	if _, ok := matchByPath(matches, "src/main/java/com/acme/dao/UserDAO.java"); ok {
		t.Error("strategy nominated the modified file itself")
	}
	if _, ok := matchByPath(matches, "docs/README.md"); ok {
		t.Error("unrelated file nominated")
	}
}

func TestPathPatternGoTestCounterpart(t *testing.T) {
	repo := &fakeRepo{files: []string{
		"pkg/svc/user.go",
		"pkg/svc/user_test.go",
	}}
	matches, err := NewPathPattern().Run(context.Background(), docFor("pkg/svc/user.go"), repo)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	m, ok := matchByPath(matches, "pkg/svc/user_test.go")
	if !ok {
		t.Fatal("expected user_test.go nominated")
	}
	if m.Reason != domain.ReasonTestCounterpart {
		t.Errorf("reason %s, want TEST_COUNTERPART", m.Reason)
	}
}

func TestLayerOfWordBoundary(t *testing.T) {
	cases := []struct {
		path  string
		layer string
		core  string
	}{
		{"src/UserDao.java", "dao", "user"},
		{"src/user_dao.go", "dao", "user"},
		{"src/report.go", "", ""},
		{"src/export.go", "", ""},
		{"service/user.go", "service", "user"},
	}
	for _, c := range cases {
		layer, core := layerOf(c.path)
		if layer != c.layer || core != c.core {
			t.Errorf("layerOf(%s) = (%q, %q), want (%q, %q)", c.path, layer, core, c.layer, c.core)
		}
	}
}

func TestCoChangeCounts(t *testing.T) {
	repo := &fakeRepo{commits: []Commit{
		{SHA: "1", Files: []string{"a.go", "b.go"}},
		{SHA: "2", Files: []string{"a.go", "b.go", "c.go"}},
		{SHA: "3", Files: []string{"a.go", "c.go"}},
		{SHA: "4", Files: []string{"d.go"}},
	}}
	matches, err := NewCoChange(90, 200).Run(context.Background(), docFor("a.go"), repo)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	b, ok := matchByPath(matches, "b.go")
	if !ok {
		t.Fatal("expected b.go nominated")
	}
	if b.Reason != domain.ReasonCoChange {
		t.Errorf("reason %s, want CO_CHANGE", b.Reason)
	}
	if b.Confidence != 0.4 {
		t.Errorf("confidence %v, want 0.4", b.Confidence)
	}

	c, ok := matchByPath(matches, "c.go")
	if !ok {
		t.Fatal("expected c.go nominated")
	}
	if c.Confidence != 0.4 {
		t.Errorf("confidence %v, want 0.4", c.Confidence)
	}

	if _, ok := matchByPath(matches, "d.go"); ok {
		t.Error("d.go never co-changed with a.go, must not be nominated")
	}
	if _, ok := matchByPath(matches, "a.go"); ok {
		t.Error("modified file nominated by co-change")
	}
}

func TestCoChangeConfidenceCap(t *testing.T) {
	var commits []Commit
	for i := 0; i < 8; i++ {
		commits = append(commits, Commit{Files: []string{"a.go", "hot.go"}})
	}
	repo := &fakeRepo{commits: commits}
	matches, err := NewCoChange(90, 200).Run(context.Background(), docFor("a.go"), repo)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	m, ok := matchByPath(matches, "hot.go")
	if !ok {
		t.Fatal("expected hot.go nominated")
	}
	if m.Confidence != 1.0 {
		t.Errorf("confidence %v, want capped at 1.0", m.Confidence)
	}
}

func TestMetadataImports(t *testing.T) {
	repo := &fakeRepo{files: []string{
		"src/main/java/com/acme/util/Sanitizer.java",
		"src/main/java/com/acme/api/UserController.java",
		"internal/ledger/ledger.go",
		"internal/ledger/entry.go",
		"web/src/util.ts",
		"web/src/app.ts",
	}}

	cases := []struct {
		name string
		from string
		line string
		want string
	}{
		{"java import", "src/main/java/com/acme/api/UserController.java",
			"import com.acme.util.Sanitizer;", "src/main/java/com/acme/util/Sanitizer.java"},
		{"go import", "cmd/server/main.go",
			`import "example.com/payments/internal/ledger"`, "internal/ledger/entry.go"},
		{"js relative import", "web/src/app.ts",
			`import { clamp } from './util'`, "web/src/util.ts"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			diff := docWithAddedLines(c.from, c.line)
			matches, err := NewMetadata().Run(context.Background(), diff, repo)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			m, ok := matchByPath(matches, c.want)
			if !ok {
				t.Fatalf("expected %s nominated, got %v", c.want, matches)
			}
			if m.Reason != domain.ReasonDirectImport {
				t.Errorf("reason %s, want DIRECT_IMPORT", m.Reason)
			}
			if m.Confidence != 0.85 {
				t.Errorf("confidence %v, want 0.85", m.Confidence)
			}
		})
	}
}

func TestMetadataTypeReference(t *testing.T) {
	repo := &fakeRepo{files: []string{
		"src/main/java/com/acme/dao/UserDAO.java",
		"internal/billing/invoice_builder.go",
	}}
	diff := docWithAddedLines("src/main/java/com/acme/svc/UserService.java",
		"UserDAO dao = new UserDAO();",
		"InvoiceBuilder ib;",
		"String name = null;")

	matches, err := NewMetadata().Run(context.Background(), diff, repo)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	m, ok := matchByPath(matches, "src/main/java/com/acme/dao/UserDAO.java")
	if !ok {
		t.Fatal("expected UserDAO.java nominated")
	}
	if m.Reason != domain.ReasonTypeReference || m.Confidence != 0.60 {
		t.Errorf("got %s/%v, want TYPE_REFERENCE/0.60", m.Reason, m.Confidence)
	}

	if _, ok := matchByPath(matches, "internal/billing/invoice_builder.go"); !ok {
		t.Error("snake_case counterpart of InvoiceBuilder not nominated")
	}

	for _, m := range matches {
		if m.Path == "String" {
			t.Error("stopword identifier resolved to a match")
		}
	}
}

func TestCamelToSnake(t *testing.T) {
	cases := map[string]string{
		"UserDAO":        "user_dao",
		"HTTPClient":     "http_client",
		"InvoiceBuilder": "invoice_builder",
		"User":           "user",
	}
	for in, want := range cases {
		if got := camelToSnake(in); got != want {
			t.Errorf("camelToSnake(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestDedupeMatchesKeepsStrongest(t *testing.T) {
	in := []domain.ContextMatch{
		{Path: "a.go", Reason: domain.ReasonTypeReference, Confidence: 0.60},
		{Path: "a.go", Reason: domain.ReasonDirectImport, Confidence: 0.85},
		{Path: "b.go", Reason: domain.ReasonSamePackage, Confidence: 0.80},
	}
	out := dedupeMatches(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(out))
	}
	if out[0].Path != "a.go" || out[0].Reason != domain.ReasonDirectImport {
		t.Errorf("dedupe kept %v, want the DIRECT_IMPORT nomination", out[0])
	}
}
