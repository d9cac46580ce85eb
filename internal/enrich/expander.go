package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/resilience"
)

// FileFetcher is the slice of the SCM surface the expander and policy
// provider consume.
type FileFetcher interface {
	FileContent(ctx context.Context, ref domain.ChangeRequestRef, path string) (string, error)
}

// Expander fetches the current bodies of modified files so the model sees
// code beyond the hunks. Per-file failures degrade to a skipped file.
type Expander struct {
	fetcher FileFetcher
	cfg     config.ExpandConfig
	logger  *slog.Logger
}

func NewExpander(fetcher FileFetcher, cfg config.ExpandConfig, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 5
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = 400
	}
	return &Expander{fetcher: fetcher, cfg: cfg, logger: logger}
}

// Expand returns expanded bodies for up to MaxFiles modified files,
// skipping creates, deletes, and denied extensions. Fetches run
// concurrently, bounded at MaxFiles.
func (e *Expander) Expand(ctx context.Context, ref domain.ChangeRequestRef, doc domain.DiffDocument) []domain.ExpandedFile {
	var targets []string
	for _, f := range doc.Files {
		if f.IsCreate() || f.IsDelete() {
			continue
		}
		p := f.EffectivePath()
		if p == "" || !e.extensionAllowed(p) {
			continue
		}
		targets = append(targets, p)
		if len(targets) == e.cfg.MaxFiles {
			break
		}
	}
	if len(targets) == 0 {
		return nil
	}

	results := make([]domain.ExpandedFile, len(targets))
	ok := make([]bool, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxFiles)
	for i, p := range targets {
		g.Go(func() error {
			content, got := resilience.BestEffort(gctx, e.logger, "expand "+p,
				func(c context.Context) (string, error) {
					return e.fetcher.FileContent(c, ref, p)
				})
			if !got {
				return nil
			}
			results[i] = e.truncate(p, content)
			ok[i] = true
			return nil
		})
	}
	g.Wait()

	out := make([]domain.ExpandedFile, 0, len(targets))
	for i := range results {
		if ok[i] {
			out = append(out, results[i])
		}
	}
	return out
}

// truncate cuts content at MaxLines and marks the cut.
func (e *Expander) truncate(path, content string) domain.ExpandedFile {
	lines := strings.Split(content, "\n")
	if len(lines) <= e.cfg.MaxLines {
		return domain.ExpandedFile{Path: path, Content: content}
	}
	removed := len(lines) - e.cfg.MaxLines
	kept := strings.Join(lines[:e.cfg.MaxLines], "\n")
	return domain.ExpandedFile{
		Path:      path,
		Content:   kept + fmt.Sprintf(config.MarkerTruncatedFormat, removed),
		Truncated: true,
	}
}

// extensionAllowed applies the deny list, then the allow list when one is
// configured.
func (e *Expander) extensionAllowed(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range e.cfg.DenyExtensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return false
		}
	}
	if len(e.cfg.AllowExtensions) == 0 {
		return true
	}
	for _, ext := range e.cfg.AllowExtensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}
