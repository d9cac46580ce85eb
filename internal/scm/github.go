package scm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	github_ratelimit "github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"golang.org/x/sync/errgroup"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/types"
)

// commitDetailConcurrency bounds parallel per-commit detail fetches when
// building co-change history.
const commitDetailConcurrency = 8

// GitHub implements Client against the GitHub REST API.
// Uses go-github-ratelimit middleware for automatic rate limit handling.
type GitHub struct {
	client *gh.Client

	mu       sync.RWMutex
	headSHAs map[string]string
}

// NewGitHub creates a GitHub adapter. cfg.BaseURL overrides the API root
// for GitHub Enterprise or tests.
func NewGitHub(cfg config.SCMProviderConfig, timeout time.Duration) (*GitHub, error) {
	rateLimiter := github_ratelimit.NewClient(nil)
	rateLimiter.Timeout = timeout
	client := gh.NewClient(rateLimiter).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid github base url %q: %w", cfg.BaseURL, err)
		}
		client.BaseURL = u
	}
	return &GitHub{
		client:   client,
		headSHAs: make(map[string]string),
	}, nil
}

// splitRepositoryID decomposes "owner/repo" into its two halves.
func splitRepositoryID(repositoryID string) (string, string, error) {
	owner, repo, ok := strings.Cut(repositoryID, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("repository id %q is not in owner/repo form", repositoryID)
	}
	return owner, repo, nil
}

func (g *GitHub) FetchDiff(ctx context.Context, ref domain.ChangeRequestRef) (string, error) {
	owner, repo, err := splitRepositoryID(ref.RepositoryID)
	if err != nil {
		return "", err
	}

	diff, _, err := g.client.PullRequests.GetRaw(ctx, owner, repo, ref.ChangeRequestNumber, gh.RawOptions{Type: gh.Diff})
	if err != nil {
		return "", mapGitHubError("fetch diff", err)
	}
	return diff, nil
}

func (g *GitHub) FetchChangeRequest(ctx context.Context, ref domain.ChangeRequestRef) (*ChangeRequestInfo, error) {
	owner, repo, err := splitRepositoryID(ref.RepositoryID)
	if err != nil {
		return nil, err
	}

	pr, _, err := g.client.PullRequests.Get(ctx, owner, repo, ref.ChangeRequestNumber)
	if err != nil {
		return nil, mapGitHubError("fetch pull request", err)
	}

	info := &ChangeRequestInfo{
		Title:        pr.GetTitle(),
		Description:  pr.GetBody(),
		Author:       pr.GetUser().GetLogin(),
		SourceBranch: pr.GetHead().GetRef(),
		TargetBranch: pr.GetBase().GetRef(),
		HeadSHA:      pr.GetHead().GetSHA(),
		BaseSHA:      pr.GetBase().GetSHA(),
	}
	g.rememberHeadSHA(ref, info.HeadSHA)
	return info, nil
}

func (g *GitHub) FileContent(ctx context.Context, ref domain.ChangeRequestRef, path string) (string, error) {
	owner, repo, err := splitRepositoryID(ref.RepositoryID)
	if err != nil {
		return "", err
	}
	sha, err := g.headSHA(ctx, ref)
	if err != nil {
		return "", err
	}

	file, _, _, err := g.client.Repositories.GetContents(ctx, owner, repo, path, &gh.RepositoryContentGetOptions{Ref: sha})
	if err != nil {
		return "", mapGitHubError("fetch file content", err)
	}
	if file == nil {
		return "", fmt.Errorf("fetch file content: %q is not a file", path)
	}

	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("fetch file content: decode %q: %w", path, err)
	}
	return content, nil
}

func (g *GitHub) ListFiles(ctx context.Context, ref domain.ChangeRequestRef) ([]string, error) {
	owner, repo, err := splitRepositoryID(ref.RepositoryID)
	if err != nil {
		return nil, err
	}
	sha, err := g.headSHA(ctx, ref)
	if err != nil {
		return nil, err
	}

	tree, _, err := g.client.Git.GetTree(ctx, owner, repo, sha, true)
	if err != nil {
		return nil, mapGitHubError("list files", err)
	}

	paths := make([]string, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		if entry.GetType() == "blob" {
			paths = append(paths, entry.GetPath())
		}
	}
	return paths, nil
}

func (g *GitHub) RecentCommits(ctx context.Context, ref domain.ChangeRequestRef, since time.Time, limit int) ([]Commit, error) {
	owner, repo, err := splitRepositoryID(ref.RepositoryID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	perPage := limit
	if perPage > 100 {
		perPage = 100
	}
	opts := &gh.CommitsListOptions{
		Since:       since,
		ListOptions: gh.ListOptions{PerPage: perPage},
	}

	var shas []string
	for len(shas) < limit {
		page, resp, err := g.client.Repositories.ListCommits(ctx, owner, repo, opts)
		if err != nil {
			return nil, mapGitHubError("list commits", err)
		}
		for _, c := range page {
			shas = append(shas, c.GetSHA())
			if len(shas) == limit {
				break
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	// The list endpoint omits per-commit file sets, so each commit needs a
	// detail fetch. Bounded fan-out keeps this inside strategy deadlines.
	commits := make([]Commit, len(shas))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(commitDetailConcurrency)
	for i, sha := range shas {
		eg.Go(func() error {
			detail, _, err := g.client.Repositories.GetCommit(egCtx, owner, repo, sha, nil)
			if err != nil {
				return mapGitHubError("fetch commit", err)
			}
			commit := Commit{
				SHA:        sha,
				AuthoredAt: detail.GetCommit().GetAuthor().GetDate().Time,
			}
			for _, f := range detail.Files {
				commit.Files = append(commit.Files, f.GetFilename())
			}
			commits[i] = commit
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return commits, nil
}

func (g *GitHub) PostSummaryComment(ctx context.Context, ref domain.ChangeRequestRef, body string) (string, error) {
	owner, repo, err := splitRepositoryID(ref.RepositoryID)
	if err != nil {
		return "", err
	}

	comment, _, err := g.client.Issues.CreateComment(ctx, owner, repo, ref.ChangeRequestNumber, &gh.IssueComment{
		Body: gh.Ptr(body),
	})
	if err != nil {
		return "", mapGitHubError("post summary comment", err)
	}
	return strconv.FormatInt(comment.GetID(), 10), nil
}

func (g *GitHub) PostInlineComment(ctx context.Context, ref domain.ChangeRequestRef, comment InlineComment) (string, error) {
	owner, repo, err := splitRepositoryID(ref.RepositoryID)
	if err != nil {
		return "", err
	}
	sha, err := g.headSHA(ctx, ref)
	if err != nil {
		return "", err
	}

	posted, _, err := g.client.PullRequests.CreateComment(ctx, owner, repo, ref.ChangeRequestNumber, &gh.PullRequestComment{
		Body:     gh.Ptr(comment.Body),
		CommitID: gh.Ptr(sha),
		Path:     gh.Ptr(comment.Path),
		Position: gh.Ptr(comment.Position),
	})
	if err != nil {
		return "", mapGitHubError("post inline comment", err)
	}
	return strconv.FormatInt(posted.GetID(), 10), nil
}

// headSHA returns the cached head commit of the change request, fetching
// the pull request once per ref when the cache is cold.
func (g *GitHub) headSHA(ctx context.Context, ref domain.ChangeRequestRef) (string, error) {
	g.mu.RLock()
	sha, ok := g.headSHAs[ref.Hash()]
	g.mu.RUnlock()
	if ok {
		return sha, nil
	}

	info, err := g.FetchChangeRequest(ctx, ref)
	if err != nil {
		return "", err
	}
	if info.HeadSHA == "" {
		return "", fmt.Errorf("pull request %s has no head sha", ref)
	}
	return info.HeadSHA, nil
}

func (g *GitHub) rememberHeadSHA(ref domain.ChangeRequestRef, sha string) {
	if sha == "" {
		return
	}
	g.mu.Lock()
	g.headSHAs[ref.Hash()] = sha
	g.mu.Unlock()
}

// mapGitHubError converts go-github errors into APIError, marking rate
// limits and server-side failures retryable.
func mapGitHubError(op string, err error) error {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		apiErr := &APIError{StatusCode: 429, Message: rateErr.Message, RateLimitReset: rateErr.Rate.Reset.Time}
		return types.NewRetryableError(fmt.Errorf("%s: %w", op, apiErr))
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		apiErr := &APIError{StatusCode: 429, Message: abuseErr.Message}
		if abuseErr.RetryAfter != nil {
			apiErr.RateLimitReset = time.Now().Add(*abuseErr.RetryAfter)
		}
		return types.NewRetryableError(fmt.Errorf("%s: %w", op, apiErr))
	}
	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		apiErr := &APIError{StatusCode: respErr.Response.StatusCode, Message: respErr.Message}
		wrapped := fmt.Errorf("%s: %w", op, apiErr)
		if apiErr.StatusCode >= 500 {
			return types.NewRetryableError(wrapped)
		}
		return wrapped
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Client = (*GitHub)(nil)
