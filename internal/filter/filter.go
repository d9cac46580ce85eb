// Package filter decides which change-request events reach the review
// queue. Parsers normalize provider payloads into an Event; a Chain of
// EventFilters then lets it through or names the rule that stopped it.
package filter

import "review-pipeline/internal/domain"

// Canonical event kinds. Parsers map provider vocabulary onto these.
const (
	KindOpened         = "opened"
	KindUpdated        = "updated"
	KindReopened       = "reopened"
	KindReadyForReview = "ready_for_review"
)

// Event is one normalized change-request notification extracted from a
// webhook payload.
type Event struct {
	Ref          domain.ChangeRequestRef
	Kind         string
	Draft        bool
	AuthorLogin  string
	AuthorType   string // User, Bot
	SourceBranch string
	TargetBranch string
	Title        string
}

// Verdict is one filter's judgement of an event.
type Verdict struct {
	Allow  bool
	Reason string
}

// Allowed is the verdict that lets an event through.
var Allowed = Verdict{Allow: true}

// Reject builds a rejecting verdict with the given reason.
func Reject(reason string) Verdict { return Verdict{Reason: reason} }

// EventFilter inspects one normalized event.
type EventFilter interface {
	Name() string
	Check(ev Event) Verdict
}
