package domain

import "time"

// MatchReason classifies why a context strategy nominated a file.
type MatchReason string

const (
	ReasonDirectImport    MatchReason = "DIRECT_IMPORT"
	ReasonTypeReference   MatchReason = "TYPE_REFERENCE"
	ReasonSamePackage     MatchReason = "SAME_PACKAGE"
	ReasonRelatedLayer    MatchReason = "RELATED_LAYER"
	ReasonTestCounterpart MatchReason = "TEST_COUNTERPART"
	ReasonParentPackage   MatchReason = "PARENT_PACKAGE"
	ReasonCoChange        MatchReason = "CO_CHANGE"
	ReasonSiblingFile     MatchReason = "SIBLING_FILE"
)

// reasonPriority orders reasons for tie-breaking; lower is stronger.
var reasonPriority = map[MatchReason]int{
	ReasonTestCounterpart: 0,
	ReasonDirectImport:    1,
	ReasonSamePackage:     2,
	ReasonRelatedLayer:    3,
	ReasonTypeReference:   4,
	ReasonCoChange:        5,
	ReasonSiblingFile:     6,
	ReasonParentPackage:   7,
}

// Priority returns the tie-break rank of the reason; lower wins.
func (r MatchReason) Priority() int {
	if p, ok := reasonPriority[r]; ok {
		return p
	}
	return len(reasonPriority)
}

// ContextMatch is one file nominated as relevant to the diff.
type ContextMatch struct {
	Path       string      `json:"path"`
	Reason     MatchReason `json:"reason"`
	Confidence float64     `json:"confidence"`
	Evidence   string      `json:"evidence,omitempty"`
}

// StrategyStatus is the outcome of one strategy execution.
type StrategyStatus string

const (
	StrategySuccess StrategyStatus = "SUCCESS"
	StrategyTimeout StrategyStatus = "TIMEOUT"
	StrategyError   StrategyStatus = "ERROR"
	StrategySkipped StrategyStatus = "SKIPPED"
)

// StrategyReport records how one strategy execution went.
type StrategyReport struct {
	Status   StrategyStatus      `json:"status"`
	Duration time.Duration       `json:"duration"`
	Reasons  map[MatchReason]int `json:"reasons,omitempty"`
	Cause    string              `json:"cause,omitempty"`
}

// EnrichedDiff is the diff plus everything the context orchestrator found.
// PerStrategy is non-empty whenever the orchestrator ran, even if every
// strategy failed.
type EnrichedDiff struct {
	Diff        DiffDocument              `json:"diff"`
	Matches     []ContextMatch            `json:"matches"`
	PerStrategy map[string]StrategyReport `json:"per_strategy"`
}

// ExpandedFile is the fetched body of a modified file, possibly truncated.
type ExpandedFile struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// PolicyDocument is one repository policy file (contributing guide, code of
// conduct, PR template, security policy).
type PolicyDocument struct {
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// TicketContext is the resolved ticket referenced from the change request
// title or description. Zero value means no ticket was found.
type TicketContext struct {
	Key         string `json:"key,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

// IsEmpty reports whether no ticket was resolved.
func (t TicketContext) IsEmpty() bool { return t.Key == "" }

// PromptResult is the assembled prompt pair. TotalChars never exceeds the
// configured character budget.
type PromptResult struct {
	System     string `json:"system"`
	User       string `json:"user"`
	TotalChars int    `json:"total_chars"`
}
