package diff

import "review-pipeline/internal/domain"

// PositionFor maps (path, newLine) to the 1-based position of that line
// within the diff, counting every hunk header and every hunk line as one
// position and file headers as zero. Deletion-only lines and unknown paths
// yield -1. The walk visits files in document order, tracks the running new
// line number per hunk, and returns on the first match, so it runs in
// O(diff size) time with O(1) extra memory.
func PositionFor(doc domain.DiffDocument, path string, newLine int) int {
	if newLine < 1 {
		return -1
	}
	pos := 0
	for _, f := range doc.Files {
		target := f.EffectivePath() == path
		for _, h := range f.Hunks {
			pos++ // hunk header
			if !target {
				pos += len(h.Lines)
				continue
			}
			cur := h.NewStart - 1
			for _, l := range h.Lines {
				pos++
				if l.Marker == '+' || l.Marker == ' ' {
					cur++
					if cur == newLine {
						return pos
					}
				}
			}
		}
	}
	return -1
}
