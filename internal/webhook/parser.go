package webhook

import (
	"fmt"
	"strings"

	"review-pipeline/internal/domain"
	"review-pipeline/internal/filter"

	"github.com/tidwall/gjson"
)

// ParseEvent extracts a normalized change-request event from a provider
// webhook payload. Candidate gjson paths are probed left to right so the
// payload dialects each provider ships (webhook vs REST shapes, renamed
// fields across versions) all land on the same Event.
func ParseEvent(provider domain.Provider, body []byte) (filter.Event, error) {
	if !gjson.ValidBytes(body) {
		return filter.Event{}, fmt.Errorf("payload is not valid json")
	}
	switch provider {
	case domain.ProviderGitHub:
		return parseGitHub(body)
	case domain.ProviderGitLab:
		return parseGitLab(body)
	default:
		return filter.Event{}, fmt.Errorf("unknown provider %q", provider)
	}
}

func parseGitHub(body []byte) (filter.Event, error) {
	number := probe(body, []string{"pull_request.number", "number"})
	repo := probe(body, []string{"repository.full_name", "pull_request.base.repo.full_name"})
	if !number.Exists() || repo.String() == "" {
		return filter.Event{}, fmt.Errorf("payload carries no pull request")
	}

	ev := filter.Event{
		Ref: domain.ChangeRequestRef{
			Provider:            domain.ProviderGitHub,
			RepositoryID:        repo.String(),
			ChangeRequestNumber: int(number.Int()),
		},
		Kind:         normalizeKind(gjson.GetBytes(body, "action").String()),
		Draft:        gjson.GetBytes(body, "pull_request.draft").Bool(),
		AuthorLogin:  probe(body, []string{"pull_request.user.login", "sender.login"}).String(),
		AuthorType:   probe(body, []string{"pull_request.user.type", "sender.type"}).String(),
		SourceBranch: gjson.GetBytes(body, "pull_request.head.ref").String(),
		TargetBranch: gjson.GetBytes(body, "pull_request.base.ref").String(),
		Title:        gjson.GetBytes(body, "pull_request.title").String(),
	}
	if err := ev.Ref.Validate(); err != nil {
		return filter.Event{}, err
	}
	return ev, nil
}

func parseGitLab(body []byte) (filter.Event, error) {
	if kind := gjson.GetBytes(body, "object_kind").String(); kind != "" && kind != "merge_request" {
		return filter.Event{}, fmt.Errorf("object kind %q is not a merge request", kind)
	}

	iid := probe(body, []string{"object_attributes.iid", "merge_request.iid"})
	repo := probe(body, []string{"project.path_with_namespace", "object_attributes.target.path_with_namespace"})
	if !iid.Exists() || repo.String() == "" {
		return filter.Event{}, fmt.Errorf("payload carries no merge request")
	}

	ev := filter.Event{
		Ref: domain.ChangeRequestRef{
			Provider:            domain.ProviderGitLab,
			RepositoryID:        repo.String(),
			ChangeRequestNumber: int(iid.Int()),
		},
		Kind:         normalizeKind(gjson.GetBytes(body, "object_attributes.action").String()),
		Draft:        probe(body, []string{"object_attributes.draft", "object_attributes.work_in_progress"}).Bool(),
		AuthorLogin:  gjson.GetBytes(body, "user.username").String(),
		SourceBranch: gjson.GetBytes(body, "object_attributes.source_branch").String(),
		TargetBranch: gjson.GetBytes(body, "object_attributes.target_branch").String(),
		Title:        gjson.GetBytes(body, "object_attributes.title").String(),
	}
	if err := ev.Ref.Validate(); err != nil {
		return filter.Event{}, err
	}
	return ev, nil
}

// probe returns the first existing result among candidate paths.
func probe(body []byte, paths []string) gjson.Result {
	for _, p := range paths {
		if res := gjson.GetBytes(body, p); res.Exists() && res.Value() != nil {
			return res
		}
	}
	return gjson.Result{}
}

// normalizeKind maps provider action vocabulary onto the canonical kinds.
// Unknown actions pass through lowercased so the kind filter rejects them
// by name.
func normalizeKind(action string) string {
	switch strings.ToLower(action) {
	case "opened", "open":
		return filter.KindOpened
	case "synchronize", "update", "updated":
		return filter.KindUpdated
	case "reopened", "reopen":
		return filter.KindReopened
	case "ready_for_review":
		return filter.KindReadyForReview
	default:
		return strings.ToLower(action)
	}
}
