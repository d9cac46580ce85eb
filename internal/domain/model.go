package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider identifies the source-control system hosting a change request.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// ParseProvider normalizes a provider name from a URL segment or payload.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "github":
		return ProviderGitHub, nil
	case "gitlab":
		return ProviderGitLab, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// ChangeRequestRef is the compound key identifying one pull/merge request.
// It is a value type; all fields are required.
type ChangeRequestRef struct {
	Provider            Provider `json:"provider"`
	RepositoryID        string   `json:"repository_id"`
	ChangeRequestNumber int      `json:"change_request_number"`
}

// Validate checks the ref is well formed (known provider, non-empty repo,
// positive change-request number).
func (r ChangeRequestRef) Validate() error {
	if r.Provider != ProviderGitHub && r.Provider != ProviderGitLab {
		return fmt.Errorf("unknown provider %q", r.Provider)
	}
	if strings.TrimSpace(r.RepositoryID) == "" {
		return fmt.Errorf("repository id is empty")
	}
	if r.ChangeRequestNumber <= 0 {
		return fmt.Errorf("change request number %d is not positive", r.ChangeRequestNumber)
	}
	return nil
}

// Hash returns a stable digest over the ref, used for request identity
// and idempotency bookkeeping.
func (r ChangeRequestRef) Hash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", r.Provider, r.RepositoryID, r.ChangeRequestNumber)))
	return hex.EncodeToString(sum[:])
}

func (r ChangeRequestRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Provider, r.RepositoryID, r.ChangeRequestNumber)
}

// ReviewState is the lifecycle state of a persisted review.
type ReviewState string

const (
	StatePending    ReviewState = "PENDING"
	StateProcessing ReviewState = "PROCESSING"
	StateCompleted  ReviewState = "COMPLETED"
	StateFailed     ReviewState = "FAILED"
)

// IsTerminal reports whether the state admits no further transitions.
func (s ReviewState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransitionTo reports whether s -> next is a legal state transition.
// Legal moves: PENDING -> PROCESSING, PROCESSING -> COMPLETED|FAILED.
func (s ReviewState) CanTransitionTo(next ReviewState) bool {
	switch s {
	case StatePending:
		return next == StateProcessing
	case StateProcessing:
		return next == StateCompleted || next == StateFailed
	default:
		return false
	}
}

// Review is the aggregate root persisted by the store. It exclusively owns
// its issues and notes; back-references are lookups by ID only.
type Review struct {
	ID          string             `json:"id"`
	Ref         ChangeRequestRef   `json:"ref"`
	State       ReviewState        `json:"state"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	LLMProvider string             `json:"llm_provider"`
	LLMModel    string             `json:"llm_model"`
	RawResponse string             `json:"raw_response,omitempty"`
	Findings    AggregatedFindings `json:"findings"`
}

// QueuedRequest is one durable record on the request stream.
type QueuedRequest struct {
	RequestID     string           `json:"request_id"`
	Ref           ChangeRequestRef `json:"ref"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Hash          string           `json:"hash"`
}

// NewQueuedRequest builds the durable record for one submission. The request
// ID is a name-based UUID over the ref hash, so resubmitting the same change
// request yields the same ID and the idempotency record deduplicates it.
func NewQueuedRequest(ref ChangeRequestRef, correlationID string) QueuedRequest {
	hash := ref.Hash()
	return QueuedRequest{
		RequestID:     uuid.NewSHA1(uuid.NameSpaceURL, []byte("review:"+hash)).String(),
		Ref:           ref,
		SubmittedAt:   time.Now().UTC(),
		CorrelationID: correlationID,
		Hash:          hash,
	}
}
