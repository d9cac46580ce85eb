package scm

import (
	"context"
	"fmt"
	"time"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
)

// Registry holds one configured adapter per provider.
type Registry struct {
	clients map[domain.Provider]Client
}

// NewRegistry builds adapters for every supported provider from cfg.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	github, err := NewGitHub(cfg.SCM.GitHub, cfg.SCM.Timeout)
	if err != nil {
		return nil, err
	}
	return &Registry{
		clients: map[domain.Provider]Client{
			domain.ProviderGitHub: github,
			domain.ProviderGitLab: NewGitLab(cfg.SCM.GitLab, cfg.SCM.Timeout),
		},
	}, nil
}

// NewRegistryWith builds a registry from explicit adapters, used by tests
// to substitute fakes.
func NewRegistryWith(clients map[domain.Provider]Client) *Registry {
	return &Registry{clients: clients}
}

// For returns the adapter for provider.
func (r *Registry) For(provider domain.Provider) (Client, error) {
	client, ok := r.clients[provider]
	if !ok {
		return nil, fmt.Errorf("no scm client configured for provider %q", provider)
	}
	return client, nil
}

// The registry is itself a Client: every call routes to the adapter for the
// ref's provider, so one pipeline serves all configured providers.
var _ Client = (*Registry)(nil)

func (r *Registry) FetchDiff(ctx context.Context, ref domain.ChangeRequestRef) (string, error) {
	client, err := r.For(ref.Provider)
	if err != nil {
		return "", err
	}
	return client.FetchDiff(ctx, ref)
}

func (r *Registry) FetchChangeRequest(ctx context.Context, ref domain.ChangeRequestRef) (*ChangeRequestInfo, error) {
	client, err := r.For(ref.Provider)
	if err != nil {
		return nil, err
	}
	return client.FetchChangeRequest(ctx, ref)
}

func (r *Registry) FileContent(ctx context.Context, ref domain.ChangeRequestRef, path string) (string, error) {
	client, err := r.For(ref.Provider)
	if err != nil {
		return "", err
	}
	return client.FileContent(ctx, ref, path)
}

func (r *Registry) ListFiles(ctx context.Context, ref domain.ChangeRequestRef) ([]string, error) {
	client, err := r.For(ref.Provider)
	if err != nil {
		return nil, err
	}
	return client.ListFiles(ctx, ref)
}

func (r *Registry) RecentCommits(ctx context.Context, ref domain.ChangeRequestRef, since time.Time, limit int) ([]Commit, error) {
	client, err := r.For(ref.Provider)
	if err != nil {
		return nil, err
	}
	return client.RecentCommits(ctx, ref, since, limit)
}

func (r *Registry) PostSummaryComment(ctx context.Context, ref domain.ChangeRequestRef, body string) (string, error) {
	client, err := r.For(ref.Provider)
	if err != nil {
		return "", err
	}
	return client.PostSummaryComment(ctx, ref, body)
}

func (r *Registry) PostInlineComment(ctx context.Context, ref domain.ChangeRequestRef, comment InlineComment) (string, error) {
	client, err := r.For(ref.Provider)
	if err != nil {
		return "", err
	}
	return client.PostInlineComment(ctx, ref, comment)
}
