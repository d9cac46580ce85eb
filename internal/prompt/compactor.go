package prompt

import (
	"fmt"
	"strings"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
)

// CompactOptions bound the lossy diff rendering used for prompts.
type CompactOptions struct {
	FoldDeletesOver    int  // Fold delete runs longer than this into a one-line summary
	SkipWhitespaceOnly bool // Replace whitespace-only file diffs with a marker
}

// DefaultCompactOptions matches the preprocessing applied before budgeting.
func DefaultCompactOptions() CompactOptions {
	return CompactOptions{FoldDeletesOver: 30, SkipWhitespaceOnly: true}
}

// CompactDiff renders the document for prompt embedding: file headers and
// hunks are kept, oversized delete runs are folded, and whitespace-only
// files are reduced to a marker. Binary files never reach here; the parser
// drops them for lack of hunks.
func CompactDiff(doc domain.DiffDocument, opts CompactOptions) string {
	if opts.FoldDeletesOver <= 0 {
		opts.FoldDeletesOver = 30
	}

	var b strings.Builder
	for _, f := range doc.Files {
		writeFileHeader(&b, f)
		if opts.SkipWhitespaceOnly && isWhitespaceOnly(f) {
			b.WriteString("[WHITESPACE ONLY - SKIPPED]\n")
			continue
		}
		for _, h := range f.Hunks {
			writeHunkHeader(&b, h)
			writeFoldedLines(&b, h.Lines, opts.FoldDeletesOver)
		}
	}
	return b.String()
}

func writeFileHeader(b *strings.Builder, f domain.FileModification) {
	oldP, newP := f.OldPath, f.NewPath
	if oldP == "" {
		oldP = domain.DevNull
	} else {
		oldP = "a/" + oldP
	}
	if newP == "" {
		newP = domain.DevNull
	} else {
		newP = "b/" + newP
	}
	fmt.Fprintf(b, "--- %s\n+++ %s\n", oldP, newP)
}

func writeHunkHeader(b *strings.Builder, h domain.DiffHunk) {
	fmt.Fprintf(b, "@@ -%d,%d +%d,%d @@%s\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount, h.Section)
}

// writeFoldedLines emits hunk lines, replacing delete runs longer than
// foldOver with a single summary line.
func writeFoldedLines(b *strings.Builder, lines []domain.HunkLine, foldOver int) {
	flush := func(buf []domain.HunkLine) {
		if len(buf) > foldOver {
			fmt.Fprintf(b, config.MarkerDeletedFormat+"\n", len(buf))
			return
		}
		for _, l := range buf {
			b.WriteByte(l.Marker)
			b.WriteString(l.Text)
			b.WriteByte('\n')
		}
	}

	var deletes []domain.HunkLine
	for _, l := range lines {
		if l.Marker == '-' {
			deletes = append(deletes, l)
			continue
		}
		if len(deletes) > 0 {
			flush(deletes)
			deletes = nil
		}
		b.WriteByte(l.Marker)
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	if len(deletes) > 0 {
		flush(deletes)
	}
}

// isWhitespaceOnly reports whether every changed line in the file is blank
// after trimming.
func isWhitespaceOnly(f domain.FileModification) bool {
	changed := false
	for _, h := range f.Hunks {
		for _, l := range h.Lines {
			if l.Marker != '+' && l.Marker != '-' {
				continue
			}
			changed = true
			if strings.TrimSpace(l.Text) != "" {
				return false
			}
		}
	}
	return changed
}
