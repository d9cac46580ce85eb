package pipeline

import (
	"context"
	"log/slog"

	"review-pipeline/internal/domain"
	"review-pipeline/internal/enrich"
	"review-pipeline/internal/prompt"
	"review-pipeline/internal/scm"
)

// contextStage composes the enrichment pieces: strategy orchestration, file
// expansion, policy documents, and ticket metadata. Every piece degrades on
// its own; the stage itself never fails.
type contextStage struct {
	client       scm.Client
	orchestrator *enrich.Orchestrator
	expander     *enrich.Expander
	policies     *enrich.PolicyProvider
	tickets      *enrich.TicketExtractor
	logger       *slog.Logger
}

// NewContextStage wires the enrichment components into an Enricher. The
// expander, policy provider, and ticket extractor may be nil when disabled.
func NewContextStage(client scm.Client, orchestrator *enrich.Orchestrator, expander *enrich.Expander, policies *enrich.PolicyProvider, tickets *enrich.TicketExtractor, logger *slog.Logger) Enricher {
	return &contextStage{
		client:       client,
		orchestrator: orchestrator,
		expander:     expander,
		policies:     policies,
		tickets:      tickets,
		logger:       logger.With("component", "context_stage"),
	}
}

func (s *contextStage) Enrich(ctx context.Context, ref domain.ChangeRequestRef, doc domain.DiffDocument, info *scm.ChangeRequestInfo) prompt.Inputs {
	in := prompt.Inputs{}
	if info != nil {
		in.Title = info.Title
		in.Description = info.Description
	}

	in.Enriched = s.orchestrator.Enrich(ctx, doc, enrich.NewRepoView(s.client, ref))
	if s.expander != nil {
		in.Files = s.expander.Expand(ctx, ref, doc)
	}
	if s.policies != nil {
		in.Policies = s.policies.Policies(ctx, ref)
	}
	if s.tickets != nil {
		in.Ticket = s.tickets.Extract(ctx, in.Title, in.Description)
	}
	return in
}

func (s *contextStage) Audit(ctx context.Context, reviewID string, ref domain.ChangeRequestRef, enriched domain.EnrichedDiff, promptText string) {
	s.orchestrator.Audit(ctx, reviewID, ref, enriched, promptText)
}
