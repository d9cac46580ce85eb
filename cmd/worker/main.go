// The worker consumes the durable review queue: it claims requests as part
// of one consumer group, runs the pipeline, and records terminal outcomes
// on the idempotency records the status endpoint reads. Run any number of
// workers against the same queue; the claim protocol keeps each record on
// one member at a time.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	"review-pipeline/internal/aggregator"
	"review-pipeline/internal/client"
	"review-pipeline/internal/config"
	"review-pipeline/internal/enrich"
	"review-pipeline/internal/llm"
	"review-pipeline/internal/pipeline"
	"review-pipeline/internal/prompt"
	"review-pipeline/internal/publisher"
	"review-pipeline/internal/queue"
	"review-pipeline/internal/scm"
	"review-pipeline/internal/storage"
	"review-pipeline/internal/strategy"
	syncx "review-pipeline/internal/sync"
	"review-pipeline/internal/ticket"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, logCleanup := setupLogger(cfg)
	defer logCleanup()
	slog.SetDefault(logger)

	store, err := storage.New(cfg.Storage)
	if err != nil {
		slog.Error("init storage failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	q, err := queue.NewSQLite(cfg.Queue)
	if err != nil {
		slog.Error("init queue failed", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	registry, err := scm.NewRegistry(cfg)
	if err != nil {
		slog.Error("init scm clients failed", "error", err)
		os.Exit(1)
	}

	backend, err := client.NewBackend(context.Background(), cfg.LLM)
	if err != nil {
		slog.Error("create llm backend failed", "error", err)
		os.Exit(1)
	}
	if err := backend.Ping(context.Background()); err != nil {
		slog.Error("llm health check failed", "error", err)
		os.Exit(1)
	}
	analyzer := llm.NewAdapter(backend, cfg.LLM, logger)

	strategies := []strategy.Strategy{
		strategy.NewPathPattern(),
		strategy.NewCoChange(cfg.Context.CoChangeWindowDays, cfg.Context.CoChangeMaxCommits),
		strategy.NewMetadata(),
	}
	orchestrator := enrich.NewOrchestrator(cfg.Context, strategies, store, logger)
	expander := enrich.NewExpander(registry, cfg.Diff.Expand, logger)
	policies := enrich.NewPolicyProvider(registry, logger)

	var tickets *enrich.TicketExtractor
	if cfg.Ticket.Enabled {
		resolver := ticket.NewResolver(cfg.Ticket, logger)
		defer resolver.Close()
		tickets = enrich.NewTicketExtractor(resolver, logger)
	} else {
		tickets = enrich.NewTicketExtractor(nil, logger)
	}

	enricher := pipeline.NewContextStage(registry, orchestrator, expander, policies, tickets, logger)
	assembler := prompt.NewAssembler(prompt.NewTemplateLoader(cfg.Prompt.Dir), cfg.Prompt.CharBudget, logger)
	agg := aggregator.New(cfg.Aggregation, logger)
	pub := publisher.New(registry, store, logger)

	driver := pipeline.NewDriver(cfg, registry, enricher, assembler, analyzer, agg, store, pub, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Health and metrics for the worker process itself.
	probe := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: probeMux()}
	go func() {
		if err := probe.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("probe server failed", "error", err)
		}
	}()

	workers := cfg.Queue.Workers
	if workers <= 0 {
		workers = 1
	}
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}

	locks := syncx.NewKeyLock()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		w := &worker{
			consumer: fmt.Sprintf("%s-%d", host, i),
			cfg:      cfg,
			queue:    q,
			driver:   driver,
			locks:    locks,
			logger:   logger.With("component", "worker", "consumer", fmt.Sprintf("%s-%d", host, i)),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}
	slog.Info("workers started", "count", workers, "group", cfg.Queue.Group)

	<-ctx.Done()
	slog.Info("worker stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	probe.Shutdown(shutdownCtx)

	// Claim loops exit on cancellation; in-flight runs are abandoned and
	// their records redeliver after the visibility timeout.
	wg.Wait()
	slog.Info("worker stopped")
}

func probeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg *config.Config) (*slog.Logger, func()) {
	var writers []io.Writer
	var closers []io.Closer
	outputs := strings.Split(cfg.Log.Output, ",")

	for _, output := range outputs {
		output = strings.TrimSpace(output)
		if output == "" {
			continue
		}

		var w io.Writer
		switch output {
		case "stderr":
			w = os.Stderr
		case "stdout":
			w = os.Stdout
		default:
			// Use lumberjack for log rotation
			l := &lumberjack.Logger{
				Filename:   output,
				MaxSize:    cfg.Log.Rotation.MaxSize,
				MaxBackups: cfg.Log.Rotation.MaxBackups,
				MaxAge:     cfg.Log.Rotation.MaxAge,
				Compress:   cfg.Log.Rotation.Compress,
			}
			w = l
			closers = append(closers, l)
		}
		writers = append(writers, w)
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	multiWriter := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: cfg.GetLogLevel()}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(multiWriter, opts)
	} else {
		handler = slog.NewTextHandler(multiWriter, opts)
	}

	cleanup := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	return slog.New(handler), cleanup
}
