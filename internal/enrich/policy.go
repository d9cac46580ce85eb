package enrich

import (
	"context"
	"log/slog"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/scm"
)

// PolicyProvider fetches repository policy documents (contributing guide,
// code of conduct, PR template, security policy). Absent documents are
// skipped silently; fetch errors degrade to skipped.
type PolicyProvider struct {
	fetcher FileFetcher
	logger  *slog.Logger
}

func NewPolicyProvider(fetcher FileFetcher, logger *slog.Logger) *PolicyProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyProvider{fetcher: fetcher, logger: logger}
}

// Policies returns the resolved documents in the fixed kind order. For
// each kind the first existing path wins.
func (p *PolicyProvider) Policies(ctx context.Context, ref domain.ChangeRequestRef) []domain.PolicyDocument {
	var out []domain.PolicyDocument
	for _, kind := range config.PolicyKinds {
		for _, path := range config.PolicyPaths[kind] {
			content, err := p.fetcher.FileContent(ctx, ref, path)
			if err != nil {
				if scm.IsNotFound(err) {
					continue
				}
				p.logger.Debug("policy fetch failed", "kind", kind, "path", path, "error", err)
				continue
			}
			doc := domain.PolicyDocument{Kind: kind, Path: path, Content: content}
			if len(doc.Content) > config.PolicyMaxChars {
				doc.Content = doc.Content[:config.PolicyMaxChars] + config.TruncatedSuffix
				doc.Truncated = true
			}
			out = append(out, doc)
			break
		}
	}
	return out
}
