package enrich

import (
	"context"
	"log/slog"
	"regexp"

	"review-pipeline/internal/domain"
	"review-pipeline/internal/resilience"
)

// ticketKeyRe matches bracketed ticket keys like [PROJ-123].
var ticketKeyRe = regexp.MustCompile(`\[([A-Z]+-\d+)\]`)

// TicketResolver looks a ticket key up in the ticket system. The MCP
// adapter in internal/ticket implements it.
type TicketResolver interface {
	Resolve(ctx context.Context, key string) (domain.TicketContext, error)
}

// TicketExtractor finds a ticket key in the change request title or
// description and resolves it. No match, no resolver, or a resolver
// failure all degrade to an empty context.
type TicketExtractor struct {
	resolver TicketResolver
	logger   *slog.Logger
}

func NewTicketExtractor(resolver TicketResolver, logger *slog.Logger) *TicketExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TicketExtractor{resolver: resolver, logger: logger}
}

// ExtractKey returns the first bracketed ticket key in title, falling
// back to description.
func ExtractKey(title, description string) string {
	if m := ticketKeyRe.FindStringSubmatch(title); m != nil {
		return m[1]
	}
	if m := ticketKeyRe.FindStringSubmatch(description); m != nil {
		return m[1]
	}
	return ""
}

// Extract resolves the ticket referenced by the change request, if any.
func (t *TicketExtractor) Extract(ctx context.Context, title, description string) domain.TicketContext {
	key := ExtractKey(title, description)
	if key == "" || t.resolver == nil {
		return domain.TicketContext{}
	}

	tc, ok := resilience.BestEffort(ctx, t.logger, "resolve ticket "+key,
		func(c context.Context) (domain.TicketContext, error) {
			return t.resolver.Resolve(c, key)
		})
	if !ok {
		return domain.TicketContext{}
	}
	if tc.Key == "" {
		tc.Key = key
	}
	return tc
}
