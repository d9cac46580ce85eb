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
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"review-pipeline/internal/aggregator"
	"review-pipeline/internal/client"
	"review-pipeline/internal/config"
	"review-pipeline/internal/correlation"
	"review-pipeline/internal/enrich"
	"review-pipeline/internal/llm"
	"review-pipeline/internal/metrics"
	"review-pipeline/internal/pipeline"
	"review-pipeline/internal/prompt"
	"review-pipeline/internal/publisher"
	"review-pipeline/internal/queue"
	"review-pipeline/internal/scm"
	"review-pipeline/internal/storage"
	"review-pipeline/internal/strategy"
	"review-pipeline/internal/ticket"
	"review-pipeline/internal/webhook"
)

func main() {
	// Secrets may live in a local .env; absence is fine.
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
	slog.Info("pipeline assembled", "llm_provider", cfg.LLM.Provider, "llm_model", cfg.LLM.Model)

	var intake *webhook.Handler
	if cfg.Webhook.Enabled {
		intake = webhook.NewHandler(cfg, q, nil, logger)
		defer intake.Close()
	}

	api := &api{
		cfg:       cfg,
		driver:    driver,
		queue:     q,
		store:     store,
		publisher: pub,
		scm:       registry,
		logger:    logger,
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      correlation.Middleware(api.routes(intake)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	go retentionSweeps(sweepCtx, cfg, store, q, logger)

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server start failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("server stopping")

	// Open SSE streams end when their pipeline deadline or client lifetime
	// does; bound the drain rather than waiting out the worst case.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server shutdown forced", "error", err)
	}

	slog.Info("server stopped")
}

// retentionSweeps deletes expired reviews and idempotency records on the
// configured cadence and keeps the queue depth gauge fresh.
func retentionSweeps(ctx context.Context, cfg *config.Config, store storage.Repository, q queue.Queue, logger *slog.Logger) {
	interval := cfg.Storage.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()
	gauge := time.NewTicker(30 * time.Second)
	defer gauge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gauge.C:
			if n, err := q.Pending(ctx); err == nil {
				metrics.QueuePending.Set(float64(n))
			}
		case now := <-sweep.C:
			sctx, cancel := context.WithTimeout(ctx, time.Minute)
			if n, err := store.CleanupExpired(sctx, now); err != nil {
				logger.Error("review cleanup failed", "error", err)
			} else if n > 0 {
				logger.Info("expired reviews removed", "count", n)
			}
			if n, err := q.PurgeExpired(sctx, now); err != nil {
				logger.Error("queue purge failed", "error", err)
			} else if n > 0 {
				logger.Info("expired queue records removed", "count", n)
			}
			cancel()
		}
	}
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
