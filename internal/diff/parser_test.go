package diff

import (
	"strings"
	"testing"

	"review-pipeline/internal/domain"
	"review-pipeline/internal/types"
)

const sampleDiff = `--- a/src/main/java/com/acme/dao/UserDAO.java
+++ b/src/main/java/com/acme/dao/UserDAO.java
@@ -10,6 +10,7 @@ public class UserDAO {
 context1
 context2
-    String q = "SELECT * FROM users WHERE id = " + id;
+    String q = "SELECT * FROM users WHERE id = ?";
+    stmt.setString(1, id);
 context3
 context4
 context5
--- a/README.md
+++ b/README.md
@@ -1,2 +1,3 @@
 # Title
+New line
 Body
`

func TestParseBasic(t *testing.T) {
	doc, err := Parse(sampleDiff)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(doc.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(doc.Files))
	}

	f := doc.Files[0]
	if f.EffectivePath() != "src/main/java/com/acme/dao/UserDAO.java" {
		t.Errorf("unexpected effective path %q", f.EffectivePath())
	}
	if len(f.Hunks) != 1 {
		t.Fatalf("expected 1 hunk, got %d", len(f.Hunks))
	}

	h := f.Hunks[0]
	if h.OldStart != 10 || h.OldCount != 6 || h.NewStart != 10 || h.NewCount != 7 {
		t.Errorf("unexpected hunk ranges: -%d,%d +%d,%d", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
	}
	if h.Section != " public class UserDAO {" {
		t.Errorf("unexpected section heading %q", h.Section)
	}
	if len(h.Lines) != 8 {
		t.Fatalf("expected 8 hunk lines, got %d", len(h.Lines))
	}
	if h.Lines[2].Marker != '-' || h.Lines[3].Marker != '+' {
		t.Errorf("unexpected markers %c %c", h.Lines[2].Marker, h.Lines[3].Marker)
	}
	if h.Lines[3].Text != `    String q = "SELECT * FROM users WHERE id = ?";` {
		t.Errorf("line bytes not preserved: %q", h.Lines[3].Text)
	}
}

func TestParsePreservesExactBytes(t *testing.T) {
	input := "--- a/f.txt\n+++ b/f.txt\n@@ -1 +1,2 @@\n trailing  \n+padded\t\r\n"
	doc, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	lines := doc.Files[0].Hunks[0].Lines
	if lines[0].Text != "trailing  " {
		t.Errorf("trailing whitespace lost: %q", lines[0].Text)
	}
	if lines[1].Text != "padded\t\r" {
		t.Errorf("CR not preserved: %q", lines[1].Text)
	}
}

func TestParseCreateAndDelete(t *testing.T) {
	created := "--- /dev/null\n+++ b/new.txt\n@@ -0,0 +1,2 @@\n+a\n+b\n"
	doc, err := Parse(created)
	if err != nil {
		t.Fatalf("Parse(create) failed: %v", err)
	}
	f := doc.Files[0]
	if !f.IsCreate() {
		t.Errorf("expected create, got old=%q new=%q", f.OldPath, f.NewPath)
	}
	if f.EffectivePath() != "new.txt" {
		t.Errorf("unexpected effective path %q", f.EffectivePath())
	}

	deleted := "--- a/gone.txt\n+++ /dev/null\n@@ -1,2 +0,0 @@\n-a\n-b\n"
	doc, err = Parse(deleted)
	if err != nil {
		t.Fatalf("Parse(delete) failed: %v", err)
	}
	f = doc.Files[0]
	if !f.IsDelete() {
		t.Errorf("expected delete, got old=%q new=%q", f.OldPath, f.NewPath)
	}
	if f.EffectivePath() != "gone.txt" {
		t.Errorf("unexpected effective path %q", f.EffectivePath())
	}
}

func TestParseGitHeaderStyle(t *testing.T) {
	input := `diff --git a/pkg/svc/user.go b/pkg/svc/user.go
index 1a2b3c4..5d6e7f8 100644
--- a/pkg/svc/user.go
+++ b/pkg/svc/user.go
@@ -5 +5 @@
-old
+new
`
	doc, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	f := doc.Files[0]
	if f.OldPath != "pkg/svc/user.go" || f.NewPath != "pkg/svc/user.go" {
		t.Errorf("unexpected paths old=%q new=%q", f.OldPath, f.NewPath)
	}
	h := f.Hunks[0]
	// counts omitted in the header default to 1
	if h.OldCount != 1 || h.NewCount != 1 {
		t.Errorf("expected default counts 1, got %d and %d", h.OldCount, h.NewCount)
	}
}

func TestParseNoNewlineMarker(t *testing.T) {
	input := "--- a/f.txt\n+++ b/f.txt\n@@ -1 +1 @@\n-old\n\\ No newline at end of file\n+new\n\\ No newline at end of file\n"
	doc, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	lines := doc.Files[0].Hunks[0].Lines
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines including markers, got %d", len(lines))
	}
	if lines[1].Marker != '\\' || lines[3].Marker != '\\' {
		t.Errorf("no-newline markers not preserved: %c %c", lines[1].Marker, lines[3].Marker)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"bad hunk header", "--- a/f\n+++ b/f\n@@ -x,y +1,2 @@\n line\n"},
		{"truncated hunk", "--- a/f\n+++ b/f\n@@ -1,3 +1,3 @@\n one\n"},
		{"hunk before header", "@@ -1,1 +1,1 @@\n x\n"},
		{"not a diff", "just some text\nwith lines\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.input)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if code := types.CodeOf(err); code != types.CodeDiffMalformed {
				t.Errorf("expected DIFF_MALFORMED, got %q (%v)", code, err)
			}
		})
	}
}

func TestParseMalformedCarriesLineNumber(t *testing.T) {
	input := "--- a/f\n+++ b/f\n@@ broken @@\n"
	_, err := Parse(input)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "line 3") {
		t.Errorf("expected offending line number in error, got %v", err)
	}
}

func TestParseEmptyInput(t *testing.T) {
	doc, err := Parse("")
	if err != nil {
		t.Fatalf("Parse of empty input failed: %v", err)
	}
	if !doc.IsEmpty() {
		t.Errorf("expected empty document, got %d files", len(doc.Files))
	}
}

func TestParseIdempotent(t *testing.T) {
	first, err := Parse(sampleDiff)
	if err != nil {
		t.Fatalf("first Parse failed: %v", err)
	}
	second, err := Parse(sampleDiff)
	if err != nil {
		t.Fatalf("second Parse failed: %v", err)
	}
	if Render(first) != Render(second) {
		t.Error("reparsing the same input produced a different document")
	}
}

func TestRenderRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"two files", sampleDiff},
		{"create", "--- /dev/null\n+++ b/new.txt\n@@ -0,0 +1,2 @@\n+a\n+b\n"},
		{"delete", "--- a/gone.txt\n+++ /dev/null\n@@ -1,2 +0,0 @@\n-a\n-b\n"},
		{"single line counts", "--- a/f\n+++ b/f\n@@ -5 +5 @@\n-old\n+new\n"},
		{"no newline markers", "--- a/f\n+++ b/f\n@@ -1 +1 @@\n-old\n\\ No newline at end of file\n+new\n\\ No newline at end of file\n"},
		{"section heading", "--- a/f.go\n+++ b/f.go\n@@ -3,3 +3,3 @@ func main() {\n ctx\n-a\n+b\n ctx2\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := Parse(tc.input)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if got := Render(doc); got != tc.input {
				t.Errorf("round trip mismatch:\n--- input ---\n%q\n--- output ---\n%q", tc.input, got)
			}
		})
	}
}

func TestModifiedPaths(t *testing.T) {
	doc, err := Parse(sampleDiff)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	paths := doc.ModifiedPaths()
	expected := []string{"src/main/java/com/acme/dao/UserDAO.java", "README.md"}
	if len(paths) != len(expected) {
		t.Fatalf("expected %d paths, got %d", len(expected), len(paths))
	}
	for i := range expected {
		if paths[i] != expected[i] {
			t.Errorf("path %d: expected %q, got %q", i, expected[i], paths[i])
		}
	}
}

func TestNormalizeDiffPath(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{"a/src/x.go", "src/x.go"},
		{"b/src/x.go", "src/x.go"},
		{"/dev/null", ""},
		{"plain/path.go", "plain/path.go"},
		{"a/b/nested.go", "b/nested.go"},
	}
	for _, tc := range cases {
		if got := domain.NormalizeDiffPath(tc.input); got != tc.expected {
			t.Errorf("NormalizeDiffPath(%q): expected %q, got %q", tc.input, tc.expected, got)
		}
	}
}
