package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"review-pipeline/internal/diff"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/resilience"
	"review-pipeline/internal/scm"
	"review-pipeline/internal/types"
)

// diffStage fetches and parses the change-request diff. Transient SCM
// failures are retried; whatever survives the retries is classified
// SCM_TIMEOUT or SCM_ERROR.
type diffStage struct {
	fetcher DiffFetcher
	timeout time.Duration
	logger  *slog.Logger
}

func (s *diffStage) fetch(ctx context.Context, ref domain.ChangeRequestRef) (domain.DiffDocument, *scm.ChangeRequestInfo, error) {
	raw, err := resilience.Retry(ctx, s.logger, resilience.DefaultRetryPolicy(), "fetch diff",
		func(ctx context.Context) (string, error) {
			return resilience.WithTimeout(ctx, s.timeout, func(ctx context.Context) (string, error) {
				return s.fetcher.FetchDiff(ctx, ref)
			})
		})
	if err != nil {
		return domain.DiffDocument{}, nil, classifySCM(err)
	}

	doc, err := diff.Parse(raw)
	if err != nil {
		return domain.DiffDocument{}, nil, err
	}

	// Title and description only feed the prompt; losing them degrades the
	// review instead of failing it.
	info, err := s.fetcher.FetchChangeRequest(ctx, ref)
	if err != nil {
		s.logger.Warn("change request metadata unavailable", "ref", ref.String(), "error", err)
		info = &scm.ChangeRequestInfo{}
	}
	return doc, info, nil
}

// classifySCM attaches an error code to an upstream SCM failure. Coded
// errors and subscriber cancellations pass through untouched.
func classifySCM(err error) error {
	switch {
	case err == nil:
		return nil
	case types.CodeOf(err) != "":
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewPipelineError(types.CodeSCMTimeout, err)
	default:
		return types.NewPipelineError(types.CodeSCMError, err)
	}
}
