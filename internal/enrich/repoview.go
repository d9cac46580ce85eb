package enrich

import (
	"context"
	"sync"
	"time"

	"review-pipeline/internal/domain"
	"review-pipeline/internal/scm"
	"review-pipeline/internal/strategy"
)

// repoView binds an SCM client to one change request and memoizes the
// tree listing, which several strategies probe in the same run.
type repoView struct {
	client scm.Client
	ref    domain.ChangeRequestRef

	listOnce sync.Once
	files    []string
	listErr  error
}

var _ strategy.RepoView = (*repoView)(nil)

// NewRepoView adapts an SCM client into the strategy seam.
func NewRepoView(client scm.Client, ref domain.ChangeRequestRef) strategy.RepoView {
	return &repoView{client: client, ref: ref}
}

func (v *repoView) ListFiles(ctx context.Context) ([]string, error) {
	v.listOnce.Do(func() {
		v.files, v.listErr = v.client.ListFiles(ctx, v.ref)
	})
	return v.files, v.listErr
}

func (v *repoView) RecentCommits(ctx context.Context, since time.Time, limit int) ([]strategy.Commit, error) {
	commits, err := v.client.RecentCommits(ctx, v.ref, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]strategy.Commit, 0, len(commits))
	for _, c := range commits {
		out = append(out, strategy.Commit{SHA: c.SHA, Files: c.Files, AuthoredAt: c.AuthoredAt})
	}
	return out, nil
}
