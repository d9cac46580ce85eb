package scm

import (
	"context"
	"testing"

	"review-pipeline/internal/domain"
)

func TestRegistryFor(t *testing.T) {
	gitlab := &GitLab{}
	registry := NewRegistryWith(map[domain.Provider]Client{
		domain.ProviderGitLab: gitlab,
	})

	client, err := registry.For(domain.ProviderGitLab)
	if err != nil {
		t.Fatalf("For(gitlab) failed: %v", err)
	}
	if client != gitlab {
		t.Errorf("expected the configured gitlab client")
	}

	if _, err := registry.For(domain.ProviderGitHub); err == nil {
		t.Errorf("expected error for unconfigured provider")
	}
}

type stubDiffClient struct {
	Client
	diff string
}

func (s *stubDiffClient) FetchDiff(ctx context.Context, ref domain.ChangeRequestRef) (string, error) {
	return s.diff, nil
}

func TestRegistryDispatchesByRefProvider(t *testing.T) {
	registry := NewRegistryWith(map[domain.Provider]Client{
		domain.ProviderGitHub: &stubDiffClient{diff: "from-github"},
		domain.ProviderGitLab: &stubDiffClient{diff: "from-gitlab"},
	})

	ref := domain.ChangeRequestRef{Provider: domain.ProviderGitLab, RepositoryID: "acme/app", ChangeRequestNumber: 1}
	diff, err := registry.FetchDiff(context.Background(), ref)
	if err != nil {
		t.Fatalf("FetchDiff failed: %v", err)
	}
	if diff != "from-gitlab" {
		t.Errorf("dispatched to the wrong adapter: got %q", diff)
	}

	ref.Provider = "bitbucket"
	if _, err := registry.FetchDiff(context.Background(), ref); err == nil {
		t.Errorf("expected error for unconfigured provider")
	}
}
