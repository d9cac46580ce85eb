package domain

import "strings"

// Diff header path prefixes defined here to avoid dependency cycles
const (
	// PathPrefixOld is the unified-diff prefix on the old side
	PathPrefixOld = "a/"
	// PathPrefixNew is the unified-diff prefix on the new side
	PathPrefixNew = "b/"
)

// NormalizeDiffPath strips the a/ or b/ diff prefix and standardizes
// separators. /dev/null is mapped to the empty string so callers can treat
// creation and deletion uniformly. Only one prefix is stripped; a repo path
// that itself begins with b/ survives.
func NormalizeDiffPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	switch {
	case strings.HasPrefix(path, PathPrefixOld):
		path = strings.TrimPrefix(path, PathPrefixOld)
	case strings.HasPrefix(path, PathPrefixNew):
		path = strings.TrimPrefix(path, PathPrefixNew)
	}
	if path == DevNull {
		return ""
	}
	return path
}
