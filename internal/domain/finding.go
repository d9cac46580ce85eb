package domain

// Severity grades an issue. Unknown values are tolerated on input and
// bucketed as "unknown" by the aggregator's histogram.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
)

// KnownSeverities lists the graded values in display order, worst first.
var KnownSeverities = []Severity{SeverityCritical, SeverityMajor, SeverityMinor, SeverityInfo}

// IsKnown reports whether the severity is one of the graded values.
func (s Severity) IsKnown() bool {
	switch s {
	case SeverityCritical, SeverityMajor, SeverityMinor, SeverityInfo:
		return true
	}
	return false
}

// severityRank orders severities for summary display; lower is worse.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityMajor:    1,
	SeverityMinor:    2,
	SeverityInfo:     3,
}

// Rank returns the display order of a severity; unknown sorts last.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// Issue is a blocking finding anchored at a file and line.
// InlineCommentPosted implies SCMCommentID is non-empty.
type Issue struct {
	File                string   `json:"file"`
	StartLine           int      `json:"start_line"`
	Severity            Severity `json:"severity"`
	Title               string   `json:"title"`
	Suggestion          string   `json:"suggestion,omitempty"`
	ConfidenceScore     *float64 `json:"confidence_score,omitempty"`
	InlineCommentPosted bool     `json:"inline_comment_posted"`
	SCMCommentID        string   `json:"scm_comment_id,omitempty"`
	FallbackReason      string   `json:"fallback_reason,omitempty"`
	PositionMetadata    string   `json:"position_metadata,omitempty"`
}

// Note is a non-blocking observation. Notes bypass confidence filtering,
// deduplication, and the per-file cap.
type Note struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Note string `json:"note"`
}

// Findings is the model's parsed response before aggregation: the prose
// summary plus every issue and note the model reported.
type Findings struct {
	Summary string  `json:"summary"`
	Issues  []Issue `json:"issues"`
	Notes   []Note  `json:"notes,omitempty"`
}

// AggregatedFindings is the aggregator's output: filtered, deduplicated,
// capped issues plus pass-through notes and exact audit counts.
type AggregatedFindings struct {
	Issues            []Issue        `json:"issues"`
	Notes             []Note         `json:"notes,omitempty"`
	CountsBySource    map[string]int `json:"counts_by_source,omitempty"`
	CountsBySeverity  map[string]int `json:"counts_by_severity,omitempty"`
	TotalBeforeDedup  int            `json:"total_before_dedup"`
	TotalAfterDedup   int            `json:"total_after_dedup"`
	TotalFiltered     int            `json:"total_filtered"`
	OverallConfidence float64        `json:"overall_confidence"`
	Summary           string         `json:"summary,omitempty"`
}
