// Package ticket resolves ticket references through an MCP server. The
// server is either launched as a child process over stdio or reached over
// an SSE HTTP endpoint, and must expose a single lookup tool that accepts
// a ticket key.
package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/metrics"
)

const (
	// circuitThreshold consecutive connection failures open the circuit.
	circuitThreshold = 3
	// circuitOpenFor is how long lookups fast-fail once the circuit opens.
	circuitOpenFor = 30 * time.Second
)

// Resolver looks tickets up on one MCP server. The session is established
// lazily on first use and re-established once per call when it has gone
// stale. Safe for concurrent use.
type Resolver struct {
	cfg    config.TicketConfig
	logger *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	lookups singleflight.Group

	mu        sync.Mutex
	session   *mcp.ClientSession
	stale     bool
	failures  int
	openUntil time.Time
}

// NewResolver builds a resolver for the configured ticket server. No
// connection is made until the first lookup.
func NewResolver(cfg config.TicketConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		cfg:     cfg,
		logger:  logger.With("component", "ticket"),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Resolve fetches the ticket behind key. Concurrent lookups for one key
// share a single tool call. A stale session is reconnected once; repeated
// connection failures open a circuit so enrichment is not stalled by a
// dead ticket system.
func (r *Resolver) Resolve(ctx context.Context, key string) (domain.TicketContext, error) {
	if key == "" {
		return domain.TicketContext{}, nil
	}
	v, err, _ := r.lookups.Do(key, func() (any, error) {
		ticket, err := r.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		return ticket, nil
	})
	if err != nil {
		return domain.TicketContext{}, err
	}
	return v.(domain.TicketContext), nil
}

func (r *Resolver) lookup(ctx context.Context, key string) (domain.TicketContext, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	result, err := r.callTool(ctx, map[string]any{"key": key})
	if err != nil {
		metrics.TicketLookups.WithLabelValues("error").Inc()
		return domain.TicketContext{}, err
	}

	text := firstText(result)
	if result.IsError {
		metrics.TicketLookups.WithLabelValues("error").Inc()
		return domain.TicketContext{}, fmt.Errorf("ticket tool %s: %s", r.tool(), text)
	}
	metrics.TicketLookups.WithLabelValues("success").Inc()
	return parseTicket(key, text), nil
}

// Close tears the session and any child process down.
func (r *Resolver) Close() error {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	session := r.session
	r.session = nil
	return session.Close()
}

func (r *Resolver) callTool(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		session, err := r.getOrReconnect()
		if err != nil {
			return nil, err
		}

		result, err := session.CallTool(ctx, &mcp.CallToolParams{
			Name:      r.tool(),
			Arguments: args,
		})
		if err == nil {
			return result, nil
		}

		lastErr = err
		r.logger.Warn("ticket tool call failed", "tool", r.tool(), "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
		r.markStale()
	}
	return nil, fmt.Errorf("call tool %s failed: %w", r.tool(), lastErr)
}

// getOrReconnect returns the live session, dialing a fresh one when the
// previous call marked it stale. Fast-fails while the circuit is open.
func (r *Resolver) getOrReconnect() (*mcp.ClientSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.openUntil.IsZero() && time.Now().Before(r.openUntil) {
		metrics.TicketLookups.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("ticket server circuit open, retry after %v", time.Until(r.openUntil).Round(time.Second))
	}

	if r.session != nil && !r.stale {
		return r.session, nil
	}
	if r.session != nil {
		_ = r.session.Close()
		r.session = nil
	}

	transport, err := newTransport(r.baseCtx, r.cfg)
	if err != nil {
		return nil, err
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "review-pipeline", Version: "1.0.0"}, nil)
	session, err := client.Connect(r.baseCtx, transport, nil)
	if err != nil {
		r.failures++
		if r.failures >= circuitThreshold {
			r.openUntil = time.Now().Add(circuitOpenFor)
			r.logger.Warn("ticket server circuit opened", "failures", r.failures, "open_until", r.openUntil)
		}
		return nil, fmt.Errorf("connect ticket server: %w", err)
	}

	r.session = session
	r.stale = false
	r.failures = 0
	r.openUntil = time.Time{}
	r.logger.Info("ticket server connected")
	return session, nil
}

func (r *Resolver) markStale() {
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()
}

func (r *Resolver) tool() string {
	if r.cfg.Tool != "" {
		return r.cfg.Tool
	}
	return "get_ticket"
}

func (r *Resolver) timeout() time.Duration {
	if r.cfg.Timeout > 0 {
		return r.cfg.Timeout
	}
	return 10 * time.Second
}

// firstText concatenates the text contents of a tool result.
func firstText(result *mcp.CallToolResult) string {
	var b strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// parseTicket reads the common field spellings ticket servers use. A
// non-JSON payload degrades to the raw text as the summary.
func parseTicket(key, text string) domain.TicketContext {
	doc := gjson.Parse(text)
	if !doc.IsObject() {
		return domain.TicketContext{Key: key, Summary: text}
	}
	ticket := domain.TicketContext{
		Key:         firstString(doc, "key", "id", "ticket.key"),
		Summary:     firstString(doc, "summary", "title", "fields.summary"),
		Description: firstString(doc, "description", "body", "fields.description"),
		Status:      firstString(doc, "status", "state", "fields.status.name"),
	}
	if ticket.Key == "" {
		ticket.Key = key
	}
	return ticket
}

// firstString probes paths in priority order and returns the first
// non-empty string value.
func firstString(doc gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := doc.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
