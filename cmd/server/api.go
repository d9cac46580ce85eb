package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"review-pipeline/internal/config"
	"review-pipeline/internal/correlation"
	"review-pipeline/internal/diff"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/metrics"
	"review-pipeline/internal/publisher"
	"review-pipeline/internal/queue"
	"review-pipeline/internal/scm"
	"review-pipeline/internal/storage"
)

// reviewStreamer is the slice of the pipeline driver the SSE endpoints call.
type reviewStreamer interface {
	Stream(ctx context.Context, ref domain.ChangeRequestRef, publish bool) <-chan domain.ReviewChunk
}

// api holds the HTTP surface and its collaborators.
type api struct {
	cfg       *config.Config
	driver    reviewStreamer
	queue     queue.Queue
	store     storage.Repository
	publisher *publisher.Publisher
	scm       scm.Client
	logger    *slog.Logger
}

// routes builds the server mux. intake may be nil when webhook intake is
// disabled.
func (a *api) routes(intake http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/reviews/{provider}/{repositoryId}/change-requests/{n}/stream", a.stream(false))
	mux.HandleFunc("GET /api/v1/reviews/{provider}/{repositoryId}/change-requests/{n}/stream-and-publish", a.stream(true))
	mux.HandleFunc("POST /api/v1/reviews/{provider}/{repositoryId}/change-requests/{n}/review", a.publishOnly)
	mux.HandleFunc("POST /api/v1/async-reviews/{provider}/{repositoryId}/change-requests/{n}", a.submitAsync)
	mux.HandleFunc("GET /api/v1/async-reviews/{requestId}/status", a.asyncStatus)

	if intake != nil {
		mux.Handle("/webhooks/{provider}", intake)
	}

	// Liveness probe (Kubernetes: startup/liveness)
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Readiness probe: both databases must answer.
	mux.HandleFunc("/health/ready", a.ready)

	// Prometheus Metrics Endpoint
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			a.logger.Warn("received request at root path",
				"method", r.Method,
				"msg", "review endpoints live under /api/v1, webhooks under /webhooks/{provider}",
			)
		}
		http.NotFound(w, r)
	})

	return mux
}

// refFromRequest builds and validates the change-request ref from the
// {provider}/{repositoryId}/{n} path segments. GitHub repository ids carry
// a slash, so the segment arrives URL-escaped.
func refFromRequest(r *http.Request) (domain.ChangeRequestRef, error) {
	provider, err := domain.ParseProvider(r.PathValue("provider"))
	if err != nil {
		return domain.ChangeRequestRef{}, err
	}
	repo := r.PathValue("repositoryId")
	if unescaped, err := url.PathUnescape(repo); err == nil {
		repo = unescaped
	}
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil {
		return domain.ChangeRequestRef{}, fmt.Errorf("change request number %q is not an integer", r.PathValue("n"))
	}
	ref := domain.ChangeRequestRef{Provider: provider, RepositoryID: repo, ChangeRequestNumber: n}
	return ref, ref.Validate()
}

// stream runs the pipeline inside the request and relays every chunk as one
// SSE data frame. The stream always ends with a terminal chunk unless the
// client disconnects first.
func (a *api) stream(publish bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, err := refFromRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		metrics.SSEActiveStreams.Inc()
		defer metrics.SSEActiveStreams.Dec()

		for chunk := range a.driver.Stream(r.Context(), ref, publish) {
			payload, err := json.Marshal(chunk)
			if err != nil {
				correlation.Logger(r.Context(), a.logger).Error("marshal chunk failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// publishOnly posts previously produced findings without running a review.
// The diff is refetched for position mapping; nothing is persisted.
func (a *api) publishOnly(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.Server.MaxBodySize)
	var findings domain.AggregatedFindings
	if err := json.NewDecoder(r.Body).Decode(&findings); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode findings: %v", err))
		return
	}

	logger := correlation.Logger(r.Context(), a.logger).With("ref", ref.String())

	ctx, cancel := context.WithTimeout(r.Context(), 2*a.cfg.SCM.Timeout)
	defer cancel()
	raw, err := a.scm.FetchDiff(ctx, ref)
	if err != nil {
		logger.Error("fetch diff for publish failed", "error", err)
		writeError(w, http.StatusBadGateway, "scm_error")
		return
	}
	doc, err := diff.Parse(raw)
	if err != nil {
		logger.Error("parse diff for publish failed", "error", err)
		writeError(w, http.StatusBadGateway, "scm_error")
		return
	}

	// An empty review id keeps the publisher from writing outcome rows.
	review := &domain.Review{Ref: ref, Findings: findings}
	receipt, err := a.publisher.Publish(ctx, review, doc)
	if err != nil {
		logger.Error("publish failed", "error", err)
		writeError(w, http.StatusBadGateway, "scm_error")
		return
	}

	logger.Info("findings published",
		"inline_posted", receipt.InlinePosted,
		"inline_fallback", receipt.InlineFallback)
	writeJSON(w, http.StatusOK, receipt)
}

// submitAsync enqueues a review request and answers immediately.
func (a *api) submitAsync(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := domain.NewQueuedRequest(ref, correlation.FromContext(r.Context()))
	if err := a.queue.Enqueue(r.Context(), req); err != nil {
		correlation.Logger(r.Context(), a.logger).Error("enqueue failed", "ref", ref.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	correlation.Logger(r.Context(), a.logger).Info("review submitted",
		"ref", ref.String(),
		"request_id", req.RequestID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"requestId": req.RequestID,
		"statusUrl": fmt.Sprintf("/api/v1/async-reviews/%s/status", req.RequestID),
	})
}

// statusResponse is the async status payload. Result carries the findings
// JSON untouched.
type statusResponse struct {
	Status           domain.ReviewState `json:"status"`
	Result           json.RawMessage    `json:"result,omitempty"`
	Error            string             `json:"error,omitempty"`
	ProcessingTimeMs int64              `json:"processingTimeMs,omitempty"`
}

func (a *api) asyncStatus(w http.ResponseWriter, r *http.Request) {
	res, err := a.queue.Result(r.Context(), r.PathValue("requestId"))
	if errors.Is(err, queue.ErrNoResult) {
		writeError(w, http.StatusNotFound, "unknown request id")
		return
	}
	if err != nil {
		correlation.Logger(r.Context(), a.logger).Error("result lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "result lookup failed")
		return
	}

	resp := statusResponse{
		Status:           res.Status,
		Error:            res.Error,
		ProcessingTimeMs: res.ProcessingTimeMs,
	}
	if res.Result != "" {
		resp.Result = json.RawMessage(res.Result)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := a.queue.Pending(ctx); err != nil {
		a.logger.Warn("queue unhealthy", "error", err)
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	if _, err := a.store.FindByID(ctx, "readiness-probe"); err != nil && !errors.Is(err, storage.ErrNotFound) {
		a.logger.Warn("store unhealthy", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
