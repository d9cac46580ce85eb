package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReviewsTotal counts completed review pipelines, labeled by provider and outcome.
	ReviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_pipeline_reviews_total",
		Help: "The total number of review pipelines run",
	}, []string{"provider", "status"}) // status: completed, failed, cancelled

	// ReviewDuration measures end-to-end pipeline time.
	ReviewDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "review_pipeline_duration_seconds",
		Help:    "Time taken to run one review pipeline end to end",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"shape"}) // shape: sync, async

	// ChunksEmitted counts streamed review chunks by type.
	ChunksEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_pipeline_llm_chunks_total",
		Help: "The total number of review chunks emitted by the LLM adapter",
	}, []string{"type"})

	// LLMStreamDuration measures one streaming completion, open to terminal chunk.
	LLMStreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "review_pipeline_llm_stream_duration_seconds",
		Help:    "Time from opening the LLM stream to its terminal chunk",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "status"}) // status: done, error, timeout

	// StrategyExecutions counts context strategy runs by outcome.
	StrategyExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_pipeline_strategy_executions_total",
		Help: "The total number of context strategy executions",
	}, []string{"strategy", "status"}) // status: SUCCESS, TIMEOUT, ERROR, SKIPPED

	// QueueRedeliveries counts requests redelivered after a visibility timeout.
	QueueRedeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "review_pipeline_queue_redeliveries_total",
		Help: "Total number of queue records redelivered past the visibility timeout",
	})

	// QueuePending tracks records waiting on the request stream.
	QueuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "review_pipeline_queue_pending",
		Help: "Number of unacknowledged records on the request stream",
	})

	// CommentsPublished counts SCM comment posts.
	CommentsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_pipeline_comments_published_total",
		Help: "The total number of comments posted to the SCM",
	}, []string{"kind", "outcome"}) // kind: summary, inline; outcome: posted, fallback, error

	// SSEActiveStreams tracks open server-sent-event subscriptions.
	SSEActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "review_pipeline_sse_active_streams",
		Help: "Number of currently open SSE review streams",
	})

	// WebhookRequests counts incoming webhooks, labeled by status.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_pipeline_webhook_requests_total",
		Help: "The total number of received webhook requests",
	}, []string{"status"}) // status: accepted, dropped, invalid, ignored

	// TicketLookups counts MCP ticket resolutions by outcome.
	TicketLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_pipeline_ticket_lookups_total",
		Help: "The total number of ticket lookups through the MCP adapter",
	}, []string{"status"}) // status: success, error, rejected
)
