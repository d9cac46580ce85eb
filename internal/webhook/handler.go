package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"review-pipeline/internal/config"
	"review-pipeline/internal/correlation"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/filter"
	"review-pipeline/internal/metrics"
	syncx "review-pipeline/internal/sync"
)

// Enqueuer is the slice of the queue the intake needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req domain.QueuedRequest) error
}

// Handler turns SCM webhook deliveries into queued review requests. Events
// pass the filter chain, are debounced per change request, and land on the
// durable queue; the HTTP response never waits for review work.
type Handler struct {
	queue     Enqueuer
	chain     *filter.Chain
	debouncer *syncx.Debouncer
	secret    string
	maxBody   int64
	logger    *slog.Logger
}

// NewHandler builds the intake. A nil chain gets the default filter set.
func NewHandler(cfg *config.Config, q Enqueuer, chain *filter.Chain, logger *slog.Logger) *Handler {
	debounce := cfg.Webhook.Debounce
	if debounce <= 0 {
		debounce = 10 * time.Second
	}
	maxBody := cfg.Server.MaxBodySize
	if maxBody <= 0 {
		maxBody = 2 << 20
	}
	if chain == nil {
		chain = filter.DefaultChain()
	}
	return &Handler{
		queue:     q,
		chain:     chain,
		debouncer: syncx.NewDebouncer(debounce),
		secret:    cfg.Server.WebhookSecret,
		maxBody:   maxBody,
		logger:    logger.With("component", "webhook"),
	}
}

// Close cancels pending debounced enqueues. Deliveries dropped here
// resurface on the provider's next event for the change request.
func (h *Handler) Close() {
	h.debouncer.Stop()
}

// ServeHTTP expects to be mounted at a pattern ending in {provider}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		metrics.WebhookRequests.WithLabelValues("invalid").Inc()
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	provider, err := domain.ParseProvider(r.PathValue("provider"))
	if err != nil {
		metrics.WebhookRequests.WithLabelValues("invalid").Inc()
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	logger := correlation.Logger(r.Context(), h.logger).With("provider", string(provider))

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Warn("read body failed", "error", err)
		metrics.WebhookRequests.WithLabelValues("invalid").Inc()
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	if h.secret != "" && !h.verify(provider, r, body) {
		logger.Warn("signature verification failed")
		metrics.WebhookRequests.WithLabelValues("invalid").Inc()
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if !utf8.Valid(body) {
		logger.Warn("request body is not valid utf-8")
		metrics.WebhookRequests.WithLabelValues("invalid").Inc()
		http.Error(w, "invalid encoding", http.StatusBadRequest)
		return
	}

	if logger.Enabled(r.Context(), slog.LevelDebug) {
		logger.Debug("webhook payload", "payload", truncateForLog(SanitizePayload(body), 2000))
	}

	ev, err := ParseEvent(provider, body)
	if err != nil {
		logger.Info("webhook ignored", "error", err)
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if name, verdict := h.chain.Check(ev); !verdict.Allow {
		logger.Info("webhook filtered",
			"ref", ev.Ref.String(),
			"filter", name,
			"reason", verdict.Reason)
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	req := domain.NewQueuedRequest(ev.Ref, correlation.FromContext(r.Context()))
	h.debouncer.Add(ev.Ref.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.queue.Enqueue(ctx, req); err != nil {
			h.logger.Error("enqueue after debounce failed",
				"ref", req.Ref.String(),
				"request_id", req.RequestID,
				"error", err)
			return
		}
		h.logger.Info("review enqueued", "ref", req.Ref.String(), "request_id", req.RequestID)
	})

	logger.Info("webhook accepted",
		"ref", ev.Ref.String(),
		"kind", ev.Kind,
		"request_id", req.RequestID)
	metrics.WebhookRequests.WithLabelValues("accepted").Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"requestId": req.RequestID,
		"statusUrl": fmt.Sprintf("/api/v1/async-reviews/%s/status", req.RequestID),
	})
}

// verify checks the delivery came from the configured SCM. GitHub signs the
// body (X-Hub-Signature-256: sha256=<hex>); GitLab echoes the shared secret
// (X-Gitlab-Token).
func (h *Handler) verify(provider domain.Provider, r *http.Request, body []byte) bool {
	switch provider {
	case domain.ProviderGitLab:
		token := r.Header.Get("X-Gitlab-Token")
		return token != "" && hmac.Equal([]byte(token), []byte(h.secret))
	default:
		signature := r.Header.Get("X-Hub-Signature-256")
		if signature == "" {
			signature = r.Header.Get("X-Hub-Signature")
		}
		return verifySignature(body, signature, h.secret)
	}
}

// verifySignature validates an HMAC-SHA256 body signature in the
// sha256=<hex> format, in constant time.
func verifySignature(body []byte, signature, secret string) bool {
	parts := strings.SplitN(signature, "=", 2)
	if len(parts) != 2 || parts[0] != "sha256" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(parts[1]))
}
