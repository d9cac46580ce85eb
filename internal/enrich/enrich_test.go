package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/scm"
)

type fakeFetcher struct {
	contents map[string]string
	errs     map[string]error
	calls    []string
}

func (f *fakeFetcher) FileContent(ctx context.Context, ref domain.ChangeRequestRef, path string) (string, error) {
	f.calls = append(f.calls, path)
	if err, ok := f.errs[path]; ok {
		return "", err
	}
	if c, ok := f.contents[path]; ok {
		return c, nil
	}
	return "", &scm.APIError{StatusCode: 404, Message: "not found"}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

func testRef() domain.ChangeRequestRef {
	return domain.ChangeRequestRef{Provider: domain.ProviderGitHub, RepositoryID: "acme/pay", ChangeRequestNumber: 7}
}

func TestExpanderSkipsCreatesDeletesAndDenied(t *testing.T) {
	fetcher := &fakeFetcher{contents: map[string]string{
		"kept.go": "package kept",
	}}
	doc := domain.DiffDocument{Files: []domain.FileModification{
		{NewPath: "created.go"},
		{OldPath: "removed.go"},
		{OldPath: "big.lock", NewPath: "big.lock"},
		{OldPath: "kept.go", NewPath: "kept.go"},
	}}
	cfg := config.ExpandConfig{MaxFiles: 5, MaxLines: 400, DenyExtensions: []string{".lock"}}

	files := NewExpander(fetcher, cfg, quietLogger()).Expand(context.Background(), testRef(), doc)

	if len(files) != 1 || files[0].Path != "kept.go" {
		t.Fatalf("expected only kept.go expanded, got %v", files)
	}
	for _, call := range fetcher.calls {
		if call != "kept.go" {
			t.Errorf("unexpected fetch of %s", call)
		}
	}
}

func TestExpanderTruncates(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	fetcher := &fakeFetcher{contents: map[string]string{"f.go": b.String()}}
	cfg := config.ExpandConfig{MaxFiles: 5, MaxLines: 4}

	files := NewExpander(fetcher, cfg, quietLogger()).Expand(context.Background(), testRef(),
		domain.DiffDocument{Files: []domain.FileModification{{OldPath: "f.go", NewPath: "f.go"}}})

	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	f := files[0]
	if !f.Truncated {
		t.Error("expected Truncated=true")
	}
	// 11 raw lines (trailing newline yields an empty last element), 4 kept.
	if !strings.Contains(f.Content, "... (truncated 7 lines) ...") {
		t.Errorf("missing truncation marker: %q", f.Content)
	}
	if !strings.HasPrefix(f.Content, "line 0\nline 1\nline 2\nline 3") {
		t.Errorf("unexpected kept prefix: %q", f.Content)
	}
}

func TestExpanderBoundsFileCount(t *testing.T) {
	fetcher := &fakeFetcher{contents: map[string]string{}}
	var doc domain.DiffDocument
	for i := 0; i < 8; i++ {
		p := fmt.Sprintf("f%d.go", i)
		fetcher.contents[p] = "x"
		doc.Files = append(doc.Files, domain.FileModification{OldPath: p, NewPath: p})
	}
	cfg := config.ExpandConfig{MaxFiles: 3, MaxLines: 400}

	files := NewExpander(fetcher, cfg, quietLogger()).Expand(context.Background(), testRef(), doc)

	if len(files) != 3 {
		t.Fatalf("expected 3 expanded files, got %d", len(files))
	}
	if files[0].Path != "f0.go" || files[2].Path != "f2.go" {
		t.Errorf("expansion must keep diff order, got %v", files)
	}
}

func TestExpanderDegradesOnFetchError(t *testing.T) {
	fetcher := &fakeFetcher{
		contents: map[string]string{"good.go": "ok"},
		errs:     map[string]error{"bad.go": errors.New("boom")},
	}
	cfg := config.ExpandConfig{MaxFiles: 5, MaxLines: 400}
	doc := domain.DiffDocument{Files: []domain.FileModification{
		{OldPath: "bad.go", NewPath: "bad.go"},
		{OldPath: "good.go", NewPath: "good.go"},
	}}

	files := NewExpander(fetcher, cfg, quietLogger()).Expand(context.Background(), testRef(), doc)

	if len(files) != 1 || files[0].Path != "good.go" {
		t.Fatalf("expected the failing file skipped, got %v", files)
	}
}

func TestPolicyProviderFirstHitWins(t *testing.T) {
	fetcher := &fakeFetcher{contents: map[string]string{
		".github/CONTRIBUTING.md": "second choice",
		"CONTRIBUTING.md":         "first choice",
		"SECURITY.md":             "report privately",
	}}

	docs := NewPolicyProvider(fetcher, quietLogger()).Policies(context.Background(), testRef())

	if len(docs) != 2 {
		t.Fatalf("expected 2 policies, got %d: %v", len(docs), docs)
	}
	if docs[0].Kind != "contributing" || docs[0].Path != "CONTRIBUTING.md" {
		t.Errorf("first hit must win: %+v", docs[0])
	}
	if docs[1].Kind != "security" {
		t.Errorf("expected security policy second, got %+v", docs[1])
	}
}

func TestPolicyProviderTruncates(t *testing.T) {
	fetcher := &fakeFetcher{contents: map[string]string{
		"CONTRIBUTING.md": strings.Repeat("a", config.PolicyMaxChars+100),
	}}

	docs := NewPolicyProvider(fetcher, quietLogger()).Policies(context.Background(), testRef())

	if len(docs) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(docs))
	}
	if !docs[0].Truncated {
		t.Error("expected Truncated=true")
	}
	if !strings.HasSuffix(docs[0].Content, config.TruncatedSuffix) {
		t.Errorf("missing truncation suffix: %q", docs[0].Content[len(docs[0].Content)-40:])
	}
}

type stubResolver struct {
	ticket domain.TicketContext
	err    error
	calls  int
}

func (r *stubResolver) Resolve(ctx context.Context, key string) (domain.TicketContext, error) {
	r.calls++
	return r.ticket, r.err
}

func TestTicketExtraction(t *testing.T) {
	cases := []struct {
		name        string
		title, desc string
		want        string
	}{
		{"from title", "[PAY-123] fix rounding", "", "PAY-123"},
		{"from description", "fix rounding", "relates to [CORE-9]", "CORE-9"},
		{"title wins", "[PAY-1] x", "[CORE-2] y", "PAY-1"},
		{"no match", "fix rounding", "no ticket here", ""},
		{"lowercase ignored", "[pay-12] fix", "", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ExtractKey(c.title, c.desc); got != c.want {
				t.Errorf("ExtractKey = %q, want %q", got, c.want)
			}
		})
	}
}

func TestTicketExtractorResolves(t *testing.T) {
	resolver := &stubResolver{ticket: domain.TicketContext{Key: "PAY-123", Summary: "Rounding bug", Status: "Open"}}
	ext := NewTicketExtractor(resolver, quietLogger())

	tc := ext.Extract(context.Background(), "[PAY-123] fix rounding", "")
	if tc.Summary != "Rounding bug" {
		t.Errorf("unexpected ticket %+v", tc)
	}

	tc = ext.Extract(context.Background(), "no key", "")
	if !tc.IsEmpty() {
		t.Errorf("expected empty context without a key, got %+v", tc)
	}
	if resolver.calls != 1 {
		t.Errorf("resolver called %d times, want 1", resolver.calls)
	}
}

func TestTicketExtractorDegradesOnError(t *testing.T) {
	resolver := &stubResolver{err: errors.New("mcp unavailable")}
	ext := NewTicketExtractor(resolver, quietLogger())

	tc := ext.Extract(context.Background(), "[PAY-123] fix", "")
	if !tc.IsEmpty() {
		t.Errorf("expected empty context on resolver failure, got %+v", tc)
	}
}
