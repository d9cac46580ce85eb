// Package validator checks finding anchors against the parsed diff before
// anything is posted inline. A line is a valid anchor when the diff shows
// it on the new side (added or context); deletion-only lines and files
// outside the diff are rejected with a reason the publisher can record.
package validator

import (
	"regexp"
	"strconv"
	"strings"

	"review-pipeline/internal/domain"
)

// LineType classifies a valid anchor line.
const (
	LineAdded   = "ADDED"
	LineContext = "CONTEXT"
)

// LineRange is a contiguous run of anchorable lines in one file.
type LineRange struct {
	Start int
	End   int
}

// FindingValidator indexes the new-side lines of a diff document.
type FindingValidator struct {
	validRanges map[string][]LineRange
	lineTypes   map[string]map[int]string
	allFiles    map[string]bool
}

// NewFindingValidator builds the index from a parsed diff.
func NewFindingValidator(doc domain.DiffDocument) *FindingValidator {
	v := &FindingValidator{
		validRanges: make(map[string][]LineRange),
		lineTypes:   make(map[string]map[int]string),
		allFiles:    make(map[string]bool),
	}
	for _, f := range doc.Files {
		v.indexFile(f)
	}
	return v
}

func (v *FindingValidator) indexFile(f domain.FileModification) {
	path := f.EffectivePath()
	if path == "" {
		return
	}
	v.allFiles[path] = true
	if _, ok := v.lineTypes[path]; !ok {
		v.lineTypes[path] = make(map[int]string)
	}

	for _, h := range f.Hunks {
		newLine := h.NewStart
		for _, line := range h.Lines {
			switch line.Marker {
			case '+':
				v.addValidLine(path, newLine)
				v.lineTypes[path][newLine] = LineAdded
				newLine++
			case ' ':
				v.addValidLine(path, newLine)
				v.lineTypes[path][newLine] = LineContext
				newLine++
			case '-':
				// Deletions have no new-side line number.
			}
		}
	}
}

// addValidLine grows the last range when the line is adjacent, otherwise
// starts a new one. Hunk lines arrive in ascending order per file.
func (v *FindingValidator) addValidLine(file string, line int) {
	ranges := v.validRanges[file]
	for i := range ranges {
		if line == ranges[i].End+1 {
			ranges[i].End = line
			v.validRanges[file] = ranges
			return
		}
		if line >= ranges[i].Start && line <= ranges[i].End {
			return
		}
	}
	v.validRanges[file] = append(ranges, LineRange{Start: line, End: line})
}

// IsValid reports whether an inline comment can anchor at file:line.
func (v *FindingValidator) IsValid(file string, line int) bool {
	for _, r := range v.rangesFor(file) {
		if line >= r.Start && line <= r.End {
			return true
		}
	}
	return false
}

// LineType returns ADDED or CONTEXT for a valid anchor, "" otherwise.
func (v *FindingValidator) LineType(file string, line int) string {
	normalized := NormalizeFindingPath(file)
	if types, ok := v.lineTypes[normalized]; ok {
		if t, ok := types[line]; ok {
			return t
		}
	}
	for f, types := range v.lineTypes {
		if suffixMatch(f, normalized) {
			if t, ok := types[line]; ok {
				return t
			}
		}
	}
	return ""
}

// FileInDiff reports whether the file appears in the diff at all. Models
// sometimes emit paths with extra prefixes, so a suffix match is accepted.
func (v *FindingValidator) FileInDiff(file string) bool {
	normalized := NormalizeFindingPath(file)
	if v.allFiles[normalized] {
		return true
	}
	for f := range v.allFiles {
		if suffixMatch(f, normalized) {
			return true
		}
	}
	return false
}

// InvalidReason explains why file:line cannot anchor an inline comment,
// naming the nearest anchorable range when one exists.
func (v *FindingValidator) InvalidReason(file string, line int) string {
	if !v.FileInDiff(file) {
		return "file not in diff"
	}

	ranges := v.rangesFor(file)
	if len(ranges) == 0 {
		return "no modified lines in file"
	}

	nearest := ranges[0]
	minDist := int(^uint(0) >> 1)
	for _, r := range ranges {
		if d := abs(line - r.Start); d < minDist {
			minDist = d
			nearest = r
		}
		if d := abs(line - r.End); d < minDist {
			minDist = d
			nearest = r
		}
	}
	return "line not in diff (nearest: " + strconv.Itoa(nearest.Start) + "-" + strconv.Itoa(nearest.End) + ")"
}

// ValidRanges returns the anchorable ranges for a file.
func (v *FindingValidator) ValidRanges(file string) []LineRange {
	return v.rangesFor(file)
}

func (v *FindingValidator) rangesFor(file string) []LineRange {
	normalized := NormalizeFindingPath(file)
	if ranges, ok := v.validRanges[normalized]; ok {
		return ranges
	}
	for f, r := range v.validRanges {
		if suffixMatch(f, normalized) {
			return r
		}
	}
	return nil
}

func suffixMatch(a, b string) bool {
	return strings.HasSuffix(a, "/"+b) || strings.HasSuffix(b, "/"+a) || a == b
}

var (
	markdownLinkRe = regexp.MustCompile(`^\[(.*?)\]\(.*?\)$`)
	urlPrefixRe    = regexp.MustCompile(`^(?:tree|blob)/[^/]+/`)
)

// NormalizeFindingPath cleans up file references as models emit them:
// markdown links, backslash separators, tree/blob URL prefixes, and diff
// a/ b/ prefixes.
func NormalizeFindingPath(file string) string {
	file = strings.TrimSpace(file)
	if m := markdownLinkRe.FindStringSubmatch(file); len(m) > 1 {
		file = m[1]
	}
	file = strings.ReplaceAll(file, "\\", "/")
	file = urlPrefixRe.ReplaceAllString(file, "")
	file = strings.TrimPrefix(file, "/")
	return domain.NormalizeDiffPath(file)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
