package domain

// DevNull is the path unified diffs use for created or deleted files.
const DevNull = "/dev/null"

// HunkLine is one raw line inside a hunk. Text preserves the exact bytes
// after the marker, including trailing whitespace and carriage returns,
// because position mapping depends on byte identity.
type HunkLine struct {
	Marker byte   `json:"marker"`
	Text   string `json:"text"`
}

// DiffHunk is a contiguous block of changes headed by an @@ line.
// Section carries the text after the closing @@ (git's section heading),
// byte-exact, so headers survive a parse/render round trip.
type DiffHunk struct {
	OldStart int        `json:"old_start"`
	OldCount int        `json:"old_count"`
	NewStart int        `json:"new_start"`
	NewCount int        `json:"new_count"`
	Section  string     `json:"section,omitempty"`
	Lines    []HunkLine `json:"lines"`
}

// FileModification describes the changes to a single file. Empty paths
// encode creation (no OldPath) or deletion (no NewPath).
type FileModification struct {
	OldPath string     `json:"old_path,omitempty"`
	NewPath string     `json:"new_path,omitempty"`
	Hunks   []DiffHunk `json:"hunks"`
}

// EffectivePath is the path the change applies to: NewPath when present,
// OldPath otherwise.
func (f FileModification) EffectivePath() string {
	if f.NewPath != "" {
		return f.NewPath
	}
	return f.OldPath
}

// IsCreate reports whether the file is newly added.
func (f FileModification) IsCreate() bool { return f.OldPath == "" && f.NewPath != "" }

// IsDelete reports whether the file is removed.
func (f FileModification) IsDelete() bool { return f.NewPath == "" && f.OldPath != "" }

// IsRename reports whether the file moved between two real paths.
func (f FileModification) IsRename() bool {
	return f.OldPath != "" && f.NewPath != "" && f.OldPath != f.NewPath
}

// DiffDocument is the parsed form of one unified diff.
type DiffDocument struct {
	Files []FileModification `json:"files"`
}

// IsEmpty reports whether the document carries no file modifications.
func (d DiffDocument) IsEmpty() bool { return len(d.Files) == 0 }

// ModifiedPaths returns the effective path of every file in document order.
func (d DiffDocument) ModifiedPaths() []string {
	paths := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		paths = append(paths, f.EffectivePath())
	}
	return paths
}
