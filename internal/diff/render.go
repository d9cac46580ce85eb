package diff

import (
	"fmt"
	"strings"

	"review-pipeline/internal/domain"
)

// Render writes a DiffDocument back out as canonical unified diff text.
// For documents parsed from plain unified diffs (---/+++/@@ form with a//b/
// prefixes) the output is byte-identical to the input up to the trailing
// newline; git extension lines (diff --git, index, mode changes) are not
// reproduced.
func Render(doc domain.DiffDocument) string {
	var b strings.Builder
	for _, f := range doc.Files {
		b.WriteString("--- ")
		b.WriteString(headerPath(f.OldPath, domain.PathPrefixOld))
		b.WriteByte('\n')
		b.WriteString("+++ ")
		b.WriteString(headerPath(f.NewPath, domain.PathPrefixNew))
		b.WriteByte('\n')
		for _, h := range f.Hunks {
			b.WriteString(hunkHeader(h))
			b.WriteByte('\n')
			for _, l := range h.Lines {
				b.WriteByte(l.Marker)
				b.WriteString(l.Text)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

func headerPath(path, prefix string) string {
	if path == "" {
		return domain.DevNull
	}
	return prefix + path
}

// hunkHeader renders @@ -a,b +c,d @@<section>, omitting a count of 1 the
// way git does.
func hunkHeader(h domain.DiffHunk) string {
	var b strings.Builder
	b.WriteString("@@ -")
	b.WriteString(rangeText(h.OldStart, h.OldCount))
	b.WriteString(" +")
	b.WriteString(rangeText(h.NewStart, h.NewCount))
	b.WriteString(" @@")
	b.WriteString(h.Section)
	return b.String()
}

func rangeText(start, count int) string {
	if count == 1 {
		return fmt.Sprintf("%d", start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}
