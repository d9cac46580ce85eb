// Package pipeline runs one review end to end: fetch the diff, parse it,
// enrich it, assemble the prompt, stream the model's analysis, aggregate
// the findings, persist the terminal review, and publish. The driver
// exposes the run in two shapes: Execute for queue workers and Stream for
// SSE subscribers.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"review-pipeline/internal/aggregator"
	"review-pipeline/internal/config"
	"review-pipeline/internal/correlation"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/llm"
	"review-pipeline/internal/metrics"
	"review-pipeline/internal/storage"
	"review-pipeline/internal/types"
)

const defaultDeadline = 10 * time.Minute

// Driver owns one review pipeline and its collaborators.
type Driver struct {
	diffs      *diffStage
	enricher   Enricher
	assembler  PromptAssembler
	analyzer   Analyzer
	aggregator *aggregator.Aggregator
	store      storage.Repository
	publisher  FindingsPublisher
	provider   string
	model      string
	deadline   time.Duration
	logger     *slog.Logger
}

// NewDriver assembles a pipeline driver from its stages.
func NewDriver(cfg *config.Config, fetcher DiffFetcher, enricher Enricher, assembler PromptAssembler, analyzer Analyzer, agg *aggregator.Aggregator, store storage.Repository, pub FindingsPublisher, logger *slog.Logger) *Driver {
	scmTimeout := cfg.SCM.Timeout
	if scmTimeout <= 0 {
		scmTimeout = 30 * time.Second
	}
	deadline := cfg.Pipeline.Deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	log := logger.With("component", "pipeline")
	return &Driver{
		diffs:      &diffStage{fetcher: fetcher, timeout: scmTimeout, logger: log},
		enricher:   enricher,
		assembler:  assembler,
		analyzer:   analyzer,
		aggregator: agg,
		store:      store,
		publisher:  pub,
		provider:   cfg.LLM.Provider,
		model:      cfg.LLM.Model,
		deadline:   deadline,
		logger:     log,
	}
}

// emitFunc relays one chunk to the subscriber. It reports false when the
// subscriber is gone.
type emitFunc func(domain.ReviewChunk) bool

// execution carries the mutable state of one pipeline run.
type execution struct {
	ref     domain.ChangeRequestRef
	logger  *slog.Logger
	emit    emitFunc
	publish bool
	cancel  context.CancelFunc

	doc           domain.DiffDocument
	enriched      domain.EnrichedDiff
	promptText    string
	raw           strings.Builder // reassembled model response
	errorSignaled bool            // the analyzer already emitted a terminal ERROR chunk
}

// send relays a chunk when a subscriber is attached. It reports false only
// when the subscriber disconnected.
func (ex *execution) send(chunk domain.ReviewChunk) bool {
	if ex.emit == nil {
		return true
	}
	return ex.emit(chunk)
}

// Execute runs the pipeline without a subscriber, for queued requests. The
// terminal review is persisted before Execute returns; failures come back
// as coded errors with a FAILED review row behind them.
func (d *Driver) Execute(ctx context.Context, ref domain.ChangeRequestRef) (*domain.Review, error) {
	return d.run(ctx, ref, "async", nil, true)
}

// Stream runs the pipeline inside the subscriber's lifetime and relays
// every chunk. The returned channel always ends with a terminal chunk
// unless the subscriber cancels first; on cancellation the run is
// abandoned and nothing is persisted.
func (d *Driver) Stream(ctx context.Context, ref domain.ChangeRequestRef, publish bool) <-chan domain.ReviewChunk {
	out := make(chan domain.ReviewChunk)
	go func() {
		defer close(out)
		emit := func(chunk domain.ReviewChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}
		d.run(ctx, ref, "sync", emit, publish)
	}()
	return out
}

func (d *Driver) run(parent context.Context, ref domain.ChangeRequestRef, shape string, emit emitFunc, publish bool) (*domain.Review, error) {
	start := time.Now()
	defer func() {
		metrics.ReviewDuration.WithLabelValues(shape).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(parent, d.deadline)
	defer cancel()

	logger := correlation.Logger(ctx, d.logger).With("ref", ref.String(), "shape", shape)
	logger.Info("review started")

	ex := &execution{
		ref:     ref,
		logger:  logger,
		emit:    emit,
		publish: publish,
		cancel:  cancel,
	}
	review, err := d.execute(ctx, ex)
	switch {
	case err == nil:
		metrics.ReviewsTotal.WithLabelValues(string(ref.Provider), "completed").Inc()
		logger.Info("review completed",
			"review_id", review.ID,
			"issues", len(review.Findings.Issues),
			"duration", time.Since(start))
	case errors.Is(err, context.Canceled):
		metrics.ReviewsTotal.WithLabelValues(string(ref.Provider), "cancelled").Inc()
		logger.Info("review cancelled", "duration", time.Since(start))
	default:
		metrics.ReviewsTotal.WithLabelValues(string(ref.Provider), "failed").Inc()
		logger.Error("review failed",
			"error", err,
			"code", string(types.CodeOf(err)),
			"duration", time.Since(start))
	}
	return review, err
}

func (d *Driver) execute(ctx context.Context, ex *execution) (*domain.Review, error) {
	doc, info, err := d.diffs.fetch(ctx, ex.ref)
	if err != nil {
		return nil, d.fail(ctx, ex, err)
	}
	ex.doc = doc
	ex.enriched = domain.EnrichedDiff{Diff: doc}

	// A diff touching zero files completes without consulting the model.
	if doc.IsEmpty() {
		findings := d.aggregator.Aggregate(domain.Findings{}, "")
		if !ex.send(domain.NewChunk(domain.ChunkDone, findings.Summary)) {
			return nil, context.Canceled
		}
		return d.complete(ctx, ex, findings)
	}

	inputs := d.enricher.Enrich(ctx, ex.ref, doc, info)
	ex.enriched = inputs.Enriched

	promptResult, err := d.assembler.Assemble(inputs)
	if err != nil {
		return nil, d.fail(ctx, ex, fmt.Errorf("assemble prompt: %w", err))
	}
	ex.promptText = promptResult.User

	findings, err := d.analyze(ctx, ex, promptResult)
	if err != nil {
		return nil, d.fail(ctx, ex, err)
	}

	return d.complete(ctx, ex, d.aggregator.Aggregate(findings, ""))
}

// analyze consumes the model stream, relaying every chunk to the subscriber
// and capturing the validated findings from the DONE chunk.
func (d *Driver) analyze(ctx context.Context, ex *execution, promptResult domain.PromptResult) (domain.Findings, error) {
	chunks, errs := d.analyzer.Analyze(ctx, ex.enriched, promptResult)

	var findings domain.Findings
	done := false
	for chunk := range chunks {
		switch chunk.Type {
		case domain.ChunkDone:
			if err := json.Unmarshal([]byte(chunk.Metadata), &findings); err != nil {
				ex.cancel()
				drain(chunks, errs)
				return findings, fmt.Errorf("decode findings payload: %w", err)
			}
			done = true
		case domain.ChunkError:
			ex.errorSignaled = true
		case domain.ChunkCommentary:
			// A strict reprompt restarts the response.
			ex.raw.Reset()
		default:
			ex.raw.WriteString(chunk.Content)
			ex.raw.WriteString("\n")
		}
		if !ex.send(chunk) {
			ex.cancel()
			drain(chunks, errs)
			return findings, context.Canceled
		}
	}
	if err := <-errs; err != nil {
		return findings, err
	}
	if !done {
		return findings, errors.New("stream ended without findings")
	}
	return findings, nil
}

// drain empties both analyzer channels after cancellation so its goroutine
// can exit.
func drain(chunks <-chan domain.ReviewChunk, errs <-chan error) {
	for range chunks {
	}
	<-errs
}

// complete persists the COMPLETED review, records the enrichment audit, and
// publishes when asked. Publishing is best-effort: its failure rides on the
// PUBLISHED chunk instead of failing the review.
func (d *Driver) complete(ctx context.Context, ex *execution, findings domain.AggregatedFindings) (*domain.Review, error) {
	review, err := d.persist(ctx, ex.ref, findings, ex.raw.String(), domain.StateCompleted)
	if err != nil {
		ex.send(domain.NewErrorChunk("persist failed"))
		return nil, err
	}
	d.enricher.Audit(ctx, review.ID, ex.ref, ex.enriched, ex.promptText)

	if ex.publish {
		ex.send(d.publishFindings(ctx, ex, review))
	}
	return review, nil
}

func (d *Driver) publishFindings(ctx context.Context, ex *execution, review *domain.Review) domain.ReviewChunk {
	receipt, err := d.publisher.Publish(ctx, review, ex.doc)
	chunk := domain.NewChunk(domain.ChunkPublished,
		fmt.Sprintf("Posted %d inline comments, %d kept in the summary.", receipt.InlinePosted, receipt.InlineFallback))
	if meta, merr := json.Marshal(receipt); merr == nil {
		chunk.Metadata = string(meta)
	}
	if err != nil {
		ex.logger.Error("publishing failed", "review_id", review.ID, "error", err)
		chunk.Error = string(types.CodeSCMError)
	}
	return chunk
}

// fail persists the FAILED review and emits the terminal ERROR chunk. A
// subscriber cancellation is not a review failure: nothing is persisted and
// no chunk is emitted.
func (d *Driver) fail(ctx context.Context, ex *execution, err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	err = d.classify(ctx, err)

	raw := ex.raw.String()
	var schemaErr *llm.SchemaError
	if errors.As(err, &schemaErr) {
		raw = schemaErr.Raw
	}

	if _, perr := d.persist(ctx, ex.ref, domain.AggregatedFindings{}, raw, domain.StateFailed); perr != nil {
		ex.logger.Warn("failed review not persisted", "error", perr)
	}
	if !ex.errorSignaled {
		ex.send(domain.NewErrorChunk(errorLabel(err)))
	}
	return err
}

// classify upgrades an uncoded failure to PIPELINE_TIMEOUT when the overall
// deadline is what killed it.
func (d *Driver) classify(ctx context.Context, err error) error {
	if types.CodeOf(err) != "" {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewPipelineError(types.CodePipelineTimeout, err)
	}
	return err
}

// errorLabel is the sanitized message carried by terminal ERROR chunks.
func errorLabel(err error) string {
	if code := types.CodeOf(err); code != "" {
		return string(code)
	}
	return "analysis failed"
}

// persist writes the terminal review row. The review is seeded PROCESSING
// so the terminal transition is legal, then findings and state land
// together. A dead pipeline context still gets a bounded write: terminal
// states must not be lost to the deadline that caused them.
func (d *Driver) persist(ctx context.Context, ref domain.ChangeRequestRef, findings domain.AggregatedFindings, raw string, state domain.ReviewState) (*domain.Review, error) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}

	review, err := d.store.Save(ctx, &domain.Review{Ref: ref, State: domain.StateProcessing})
	if err != nil {
		return nil, fmt.Errorf("save review: %w", err)
	}
	if err := d.store.UpdateResultAndState(ctx, review.ID, findings, d.provider, d.model, raw, state); err != nil {
		return nil, fmt.Errorf("persist result: %w", err)
	}

	review.State = state
	review.LLMProvider = d.provider
	review.LLMModel = d.model
	review.RawResponse = raw
	review.Findings = findings
	if state.IsTerminal() {
		now := time.Now().UTC()
		review.CompletedAt = &now
	}
	return review, nil
}
