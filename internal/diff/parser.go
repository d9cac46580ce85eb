package diff

import (
	"regexp"
	"strconv"
	"strings"

	"review-pipeline/internal/domain"
	"review-pipeline/internal/types"
)

// hunkHeaderRegex matches @@ -oldStart,oldCount +newStart,newCount @@ and
// captures the optional section heading after the closing @@. Counts
// default to 1 when omitted.
var hunkHeaderRegex = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@(.*)$`)

// metadata line prefixes between a file header and its first hunk
var fileMetaPrefixes = []string{
	"index ",
	"new file mode",
	"deleted file mode",
	"old mode",
	"new mode",
	"similarity index",
	"dissimilarity index",
	"rename from",
	"rename to",
	"copy from",
	"copy to",
	"Binary files",
	"GIT binary patch",
}

// Parse converts unified diff text into a DiffDocument. Line bytes inside
// hunks are preserved exactly (trailing whitespace and CR included) because
// position mapping depends on byte identity. Malformed hunk headers and
// truncated hunks fail with DIFF_MALFORMED carrying the offending line
// number. Parsing is pure and idempotent: reparsing the same input yields
// the same document.
func Parse(text string) (domain.DiffDocument, error) {
	var doc domain.DiffDocument

	lines := strings.Split(text, "\n")
	// A trailing newline produces one empty trailing element; drop it so it
	// is not mistaken for hunk content.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var (
		cur          *domain.FileModification
		curStarted   bool // a diff --git or --- header opened the current file
		remainingOld int
		remainingNew int
	)

	flush := func() {
		if cur != nil && curStarted {
			doc.Files = append(doc.Files, *cur)
		}
		cur = nil
		curStarted = false
	}

	inHunk := func() bool { return remainingOld > 0 || remainingNew > 0 }

	for i, line := range lines {
		lineNo := i + 1

		if inHunk() {
			hunk := &cur.Hunks[len(cur.Hunks)-1]
			marker, text, ok := splitHunkLine(line)
			if !ok {
				return domain.DiffDocument{}, types.Errorf(types.CodeDiffMalformed,
					"unexpected line %d inside hunk: %q", lineNo, line)
			}
			switch marker {
			case ' ':
				remainingOld--
				remainingNew--
			case '+':
				remainingNew--
			case '-':
				remainingOld--
			case '\\':
				// no-newline marker consumes no counted line
			}
			if remainingOld < 0 || remainingNew < 0 {
				return domain.DiffDocument{}, types.Errorf(types.CodeDiffMalformed,
					"hunk line counts overflow at line %d", lineNo)
			}
			hunk.Lines = append(hunk.Lines, domain.HunkLine{Marker: marker, Text: text})
			continue
		}

		switch {
		case strings.HasPrefix(line, "@@"):
			m := hunkHeaderRegex.FindStringSubmatch(line)
			if m == nil {
				return domain.DiffDocument{}, types.Errorf(types.CodeDiffMalformed,
					"malformed hunk header at line %d: %q", lineNo, line)
			}
			if cur == nil {
				return domain.DiffDocument{}, types.Errorf(types.CodeDiffMalformed,
					"hunk header at line %d precedes any file header", lineNo)
			}
			hunk := domain.DiffHunk{
				OldStart: atoiDefault(m[1], 0),
				OldCount: atoiDefault(m[2], 1),
				NewStart: atoiDefault(m[3], 0),
				NewCount: atoiDefault(m[4], 1),
				Section:  m[5],
			}
			cur.Hunks = append(cur.Hunks, hunk)
			remainingOld = hunk.OldCount
			remainingNew = hunk.NewCount
			curStarted = true

		case strings.HasPrefix(line, "diff --git "):
			flush()
			old, new := parseGitHeaderPaths(line)
			cur = &domain.FileModification{OldPath: old, NewPath: new}
			curStarted = true

		case strings.HasPrefix(line, "--- "):
			// Without diff --git separators, a --- header that follows a
			// completed file opens the next one.
			if cur != nil && len(cur.Hunks) > 0 {
				flush()
			}
			if cur == nil {
				cur = &domain.FileModification{}
			}
			cur.OldPath = parseHeaderPath(line[4:])
			curStarted = true

		case strings.HasPrefix(line, "+++ "):
			if cur == nil {
				cur = &domain.FileModification{}
			}
			cur.NewPath = parseHeaderPath(line[4:])
			curStarted = true

		case strings.HasPrefix(line, "\\") && cur != nil && len(cur.Hunks) > 0:
			// no-newline marker trailing the final counted line of a hunk
			hunk := &cur.Hunks[len(cur.Hunks)-1]
			hunk.Lines = append(hunk.Lines, domain.HunkLine{Marker: '\\', Text: line[1:]})

		case line == "":
			// separator between files

		case hasAnyPrefix(line, fileMetaPrefixes):
			// git metadata between header and hunks

		default:
			// prose between diffs (commit messages, email headers); ignored
		}
	}

	if inHunk() {
		return domain.DiffDocument{}, types.Errorf(types.CodeDiffMalformed,
			"diff truncated: hunk expects %d more old / %d more new lines",
			remainingOld, remainingNew)
	}
	flush()

	if len(doc.Files) == 0 && strings.TrimSpace(text) != "" {
		return domain.DiffDocument{}, types.Errorf(types.CodeDiffMalformed,
			"no file headers found in %d lines of input", len(lines))
	}
	return doc, nil
}

// splitHunkLine classifies one raw line inside a hunk. An empty line is
// tolerated as a context line whose trailing space was stripped in transit.
func splitHunkLine(line string) (byte, string, bool) {
	if line == "" {
		return ' ', "", true
	}
	switch line[0] {
	case ' ', '+', '-', '\\':
		return line[0], line[1:], true
	}
	return 0, "", false
}

// parseHeaderPath extracts the path from a ---/+++ header body, dropping a
// traditional tab-separated timestamp and the a//b/ prefix. /dev/null maps
// to the empty string.
func parseHeaderPath(s string) string {
	if tab := strings.IndexByte(s, '\t'); tab >= 0 {
		s = s[:tab]
	}
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if unq, err := strconv.Unquote(s); err == nil {
			s = unq
		}
	}
	return domain.NormalizeDiffPath(s)
}

// parseGitHeaderPaths pulls the old and new paths out of a
// "diff --git a/x b/y" line. Paths containing spaces make the split
// ambiguous; the ---/+++ headers that follow override whatever is read here.
func parseGitHeaderPaths(line string) (string, string) {
	rest := strings.TrimPrefix(line, "diff --git ")
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return "", ""
	}
	return domain.NormalizeDiffPath(fields[0]), domain.NormalizeDiffPath(fields[len(fields)-1])
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
