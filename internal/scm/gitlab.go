package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/types"
)

const defaultGitLabBaseURL = "https://gitlab.com"

// GitLab implements Client against the GitLab REST API v4.
type GitLab struct {
	httpClient *http.Client
	baseURL    string
	token      string

	mu   sync.RWMutex
	refs map[string]gitlabDiffRefs
}

// gitlabDiffRefs are the three SHAs GitLab wants on positioned discussion
// notes.
type gitlabDiffRefs struct {
	BaseSHA  string `json:"base_sha"`
	HeadSHA  string `json:"head_sha"`
	StartSHA string `json:"start_sha"`
}

// NewGitLab creates a GitLab adapter. cfg.BaseURL overrides the instance
// root for self-hosted installations or tests.
func NewGitLab(cfg config.SCMProviderConfig, timeout time.Duration) *GitLab {
	base := cfg.BaseURL
	if base == "" {
		base = defaultGitLabBaseURL
	}
	return &GitLab{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(base, "/") + "/api/v4",
		token:      cfg.Token,
		refs:       make(map[string]gitlabDiffRefs),
	}
}

type gitlabMergeRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	SHA          string `json:"sha"`
	Author       struct {
		Username string `json:"username"`
	} `json:"author"`
	DiffRefs gitlabDiffRefs `json:"diff_refs"`
}

type gitlabChange struct {
	OldPath     string `json:"old_path"`
	NewPath     string `json:"new_path"`
	NewFile     bool   `json:"new_file"`
	RenamedFile bool   `json:"renamed_file"`
	DeletedFile bool   `json:"deleted_file"`
	Diff        string `json:"diff"`
}

func (g *GitLab) FetchDiff(ctx context.Context, ref domain.ChangeRequestRef) (string, error) {
	path := fmt.Sprintf("/projects/%s/merge_requests/%d/changes", url.PathEscape(ref.RepositoryID), ref.ChangeRequestNumber)
	data, _, err := g.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", fmt.Errorf("fetch diff: %w", err)
	}

	var payload struct {
		Changes []gitlabChange `json:"changes"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("fetch diff: decode changes: %w", err)
	}

	// GitLab delivers one hunk blob per file. Stitch the blobs back into a
	// unified document with the conventional a/ and b/ header prefixes.
	var b strings.Builder
	for _, ch := range payload.Changes {
		if ch.Diff == "" {
			continue
		}
		oldHeader := domain.PathPrefixOld + ch.OldPath
		newHeader := domain.PathPrefixNew + ch.NewPath
		if ch.NewFile {
			oldHeader = domain.DevNull
		}
		if ch.DeletedFile {
			newHeader = domain.DevNull
		}
		fmt.Fprintf(&b, "--- %s\n+++ %s\n", oldHeader, newHeader)
		b.WriteString(ch.Diff)
		if !strings.HasSuffix(ch.Diff, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

func (g *GitLab) FetchChangeRequest(ctx context.Context, ref domain.ChangeRequestRef) (*ChangeRequestInfo, error) {
	path := fmt.Sprintf("/projects/%s/merge_requests/%d", url.PathEscape(ref.RepositoryID), ref.ChangeRequestNumber)
	data, _, err := g.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch merge request: %w", err)
	}

	var mr gitlabMergeRequest
	if err := json.Unmarshal(data, &mr); err != nil {
		return nil, fmt.Errorf("fetch merge request: decode: %w", err)
	}

	headSHA := mr.DiffRefs.HeadSHA
	if headSHA == "" {
		headSHA = mr.SHA
	}
	g.rememberDiffRefs(ref, mr.DiffRefs)

	return &ChangeRequestInfo{
		Title:        mr.Title,
		Description:  mr.Description,
		Author:       mr.Author.Username,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
		HeadSHA:      headSHA,
		BaseSHA:      mr.DiffRefs.BaseSHA,
	}, nil
}

func (g *GitLab) FileContent(ctx context.Context, ref domain.ChangeRequestRef, path string) (string, error) {
	refs, err := g.diffRefsFor(ctx, ref)
	if err != nil {
		return "", err
	}

	apiPath := fmt.Sprintf("/projects/%s/repository/files/%s/raw", url.PathEscape(ref.RepositoryID), url.PathEscape(path))
	query := url.Values{"ref": {refs.HeadSHA}}
	data, _, err := g.doRequest(ctx, http.MethodGet, apiPath, query, nil)
	if err != nil {
		return "", fmt.Errorf("fetch file content: %w", err)
	}
	return string(data), nil
}

func (g *GitLab) ListFiles(ctx context.Context, ref domain.ChangeRequestRef) ([]string, error) {
	refs, err := g.diffRefsFor(ctx, ref)
	if err != nil {
		return nil, err
	}

	apiPath := fmt.Sprintf("/projects/%s/repository/tree", url.PathEscape(ref.RepositoryID))
	var paths []string
	page := "1"
	for page != "" {
		query := url.Values{
			"recursive": {"true"},
			"per_page":  {"100"},
			"ref":       {refs.HeadSHA},
			"page":      {page},
		}
		data, header, err := g.doRequest(ctx, http.MethodGet, apiPath, query, nil)
		if err != nil {
			return nil, fmt.Errorf("list files: %w", err)
		}

		var entries []struct {
			Path string `json:"path"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("list files: decode tree: %w", err)
		}
		for _, e := range entries {
			if e.Type == "blob" {
				paths = append(paths, e.Path)
			}
		}
		page = header.Get("X-Next-Page")
	}
	return paths, nil
}

func (g *GitLab) RecentCommits(ctx context.Context, ref domain.ChangeRequestRef, since time.Time, limit int) ([]Commit, error) {
	if limit <= 0 {
		return nil, nil
	}

	apiPath := fmt.Sprintf("/projects/%s/repository/commits", url.PathEscape(ref.RepositoryID))
	perPage := limit
	if perPage > 100 {
		perPage = 100
	}

	type commitSummary struct {
		ID        string    `json:"id"`
		CreatedAt time.Time `json:"created_at"`
	}
	var summaries []commitSummary
	page := "1"
	for page != "" && len(summaries) < limit {
		query := url.Values{
			"since":    {since.UTC().Format(time.RFC3339)},
			"per_page": {strconv.Itoa(perPage)},
			"page":     {page},
		}
		data, header, err := g.doRequest(ctx, http.MethodGet, apiPath, query, nil)
		if err != nil {
			return nil, fmt.Errorf("list commits: %w", err)
		}
		var batch []commitSummary
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("list commits: decode: %w", err)
		}
		for _, c := range batch {
			summaries = append(summaries, c)
			if len(summaries) == limit {
				break
			}
		}
		page = header.Get("X-Next-Page")
	}

	commits := make([]Commit, len(summaries))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(commitDetailConcurrency)
	for i, summary := range summaries {
		eg.Go(func() error {
			diffPath := fmt.Sprintf("/projects/%s/repository/commits/%s/diff", url.PathEscape(ref.RepositoryID), summary.ID)
			data, _, err := g.doRequest(egCtx, http.MethodGet, diffPath, nil, nil)
			if err != nil {
				return fmt.Errorf("fetch commit diff: %w", err)
			}
			var files []struct {
				OldPath string `json:"old_path"`
				NewPath string `json:"new_path"`
			}
			if err := json.Unmarshal(data, &files); err != nil {
				return fmt.Errorf("fetch commit diff: decode: %w", err)
			}

			commit := Commit{SHA: summary.ID, AuthoredAt: summary.CreatedAt}
			seen := make(map[string]bool, len(files))
			for _, f := range files {
				for _, p := range []string{f.NewPath, f.OldPath} {
					if p != "" && !seen[p] {
						seen[p] = true
						commit.Files = append(commit.Files, p)
					}
				}
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

func (g *GitLab) PostSummaryComment(ctx context.Context, ref domain.ChangeRequestRef, body string) (string, error) {
	apiPath := fmt.Sprintf("/projects/%s/merge_requests/%d/notes", url.PathEscape(ref.RepositoryID), ref.ChangeRequestNumber)
	data, _, err := g.doRequest(ctx, http.MethodPost, apiPath, nil, map[string]string{"body": body})
	if err != nil {
		return "", fmt.Errorf("post summary comment: %w", err)
	}

	var note struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(data, &note); err != nil {
		return "", fmt.Errorf("post summary comment: decode: %w", err)
	}
	return strconv.FormatInt(note.ID, 10), nil
}

func (g *GitLab) PostInlineComment(ctx context.Context, ref domain.ChangeRequestRef, comment InlineComment) (string, error) {
	refs, err := g.diffRefsFor(ctx, ref)
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"body": comment.Body,
		"position": map[string]any{
			"position_type": "text",
			"base_sha":      refs.BaseSHA,
			"head_sha":      refs.HeadSHA,
			"start_sha":     refs.StartSHA,
			"new_path":      comment.Path,
			"new_line":      comment.Line,
		},
	}

	apiPath := fmt.Sprintf("/projects/%s/merge_requests/%d/discussions", url.PathEscape(ref.RepositoryID), ref.ChangeRequestNumber)
	data, _, err := g.doRequest(ctx, http.MethodPost, apiPath, nil, payload)
	if err != nil {
		return "", fmt.Errorf("post inline comment: %w", err)
	}

	var discussion struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &discussion); err != nil {
		return "", fmt.Errorf("post inline comment: decode: %w", err)
	}
	return discussion.ID, nil
}

// diffRefsFor returns the cached diff refs for the change request, fetching
// the merge request once per ref when the cache is cold.
func (g *GitLab) diffRefsFor(ctx context.Context, ref domain.ChangeRequestRef) (gitlabDiffRefs, error) {
	g.mu.RLock()
	refs, ok := g.refs[ref.Hash()]
	g.mu.RUnlock()
	if ok {
		return refs, nil
	}

	if _, err := g.FetchChangeRequest(ctx, ref); err != nil {
		return gitlabDiffRefs{}, err
	}

	g.mu.RLock()
	refs, ok = g.refs[ref.Hash()]
	g.mu.RUnlock()
	if !ok || refs.HeadSHA == "" {
		return gitlabDiffRefs{}, fmt.Errorf("merge request %s has no diff refs", ref)
	}
	return refs, nil
}

func (g *GitLab) rememberDiffRefs(ref domain.ChangeRequestRef, refs gitlabDiffRefs) {
	if refs.HeadSHA == "" {
		return
	}
	g.mu.Lock()
	g.refs[ref.Hash()] = refs
	g.mu.Unlock()
}

// doRequest performs one API call and returns the raw body. Non-2xx
// responses are mapped to APIError, retryable for 429 and 5xx.
func (g *GitLab) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, http.Header, error) {
	fullURL := g.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", g.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.Header, mapGitLabError(resp.StatusCode, resp.Header, data)
	}
	return data, resp.Header, nil
}

// mapGitLabError builds an APIError from an error response. GitLab error
// bodies carry "message" as either a string or an object, so the field is
// read leniently.
func mapGitLabError(status int, header http.Header, body []byte) error {
	message := gjson.GetBytes(body, "message").String()
	if message == "" {
		message = gjson.GetBytes(body, "error").String()
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	apiErr := &APIError{StatusCode: status, Message: message}
	if reset := header.Get("RateLimit-Reset"); reset != "" {
		if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
			apiErr.RateLimitReset = time.Unix(unix, 0)
		}
	}

	if status == 429 || status >= 500 {
		return types.NewRetryableError(apiErr)
	}
	return apiErr
}

var _ Client = (*GitLab)(nil)
