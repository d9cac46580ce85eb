package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/metrics"
	"review-pipeline/internal/resilience"
	"review-pipeline/internal/types"
)

// chunkBuffer bounds the chunk channel. A slow subscriber applies
// backpressure to the upstream stream once this many chunks are queued.
const chunkBuffer = 16

// strictRetryInstruction is appended to the system prompt when the first
// response fails schema validation.
const strictRetryInstruction = "\n\nIMPORTANT: Your previous response was not valid JSON matching the required schema. " +
	"Respond with ONLY a single JSON object that matches the schema exactly. " +
	"Do not wrap it in markdown fences. Do not add prose before or after the JSON."

// streamState tracks one analysis call. Transitions are single direction:
// OPENING -> STREAMING -> (VALIDATING -> DONE) | ERROR.
type streamState string

const (
	stateOpening    streamState = "OPENING"
	stateStreaming  streamState = "STREAMING"
	stateValidating streamState = "VALIDATING"
	stateDone       streamState = "DONE"
	stateError      streamState = "ERROR"
)

// Adapter turns one backend completion into a stream of review chunks,
// then validates the accumulated response against the findings schema.
type Adapter struct {
	backend StreamBackend
	cfg     config.LLMConfig
	logger  *slog.Logger
}

// NewAdapter wires a streaming backend to the analysis chunk protocol.
func NewAdapter(backend StreamBackend, cfg config.LLMConfig, logger *slog.Logger) *Adapter {
	return &Adapter{backend: backend, cfg: cfg, logger: logger}
}

// Analyze opens one streaming completion for the assembled prompt and
// returns the chunk stream plus a one-shot error channel. The chunk channel
// always terminates with a DONE or ERROR chunk unless the caller cancels
// first; the error channel delivers at most one error and then closes.
// The DONE chunk's metadata carries the validated findings as compact JSON.
func (a *Adapter) Analyze(ctx context.Context, enriched domain.EnrichedDiff, prompt domain.PromptResult) (<-chan domain.ReviewChunk, <-chan error) {
	chunks := make(chan domain.ReviewChunk, chunkBuffer)
	errs := make(chan error, 1)
	go a.run(ctx, enriched, prompt, chunks, errs)
	return chunks, errs
}

func (a *Adapter) run(ctx context.Context, enriched domain.EnrichedDiff, prompt domain.PromptResult, chunks chan<- domain.ReviewChunk, errs chan<- error) {
	defer close(errs)
	defer close(chunks)

	start := time.Now()
	status := "error"
	defer func() {
		metrics.LLMStreamDuration.WithLabelValues(a.backend.Provider(), status).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	state := stateOpening
	logger := a.logger.With("provider", a.backend.Provider(), "model", a.backend.Model())
	logger.Debug("opening llm stream",
		"prompt_chars", prompt.TotalChars,
		"context_matches", len(enriched.Matches),
		"modified_files", len(enriched.Diff.Files))

	system := prompt.System
	retries := a.schemaRetries()
	var lastErr *SchemaError

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			logger.Warn("response failed findings schema, reprompting strictly",
				"attempt", attempt, "violations", len(lastErr.Violations))
			note := domain.NewChunk(domain.ChunkCommentary, "Response failed validation; requesting strict JSON output.")
			if err := send(ctx, chunks, note); err != nil {
				a.fail(ctx, chunks, errs, state, err)
				return
			}
			system = prompt.System + strictRetryInstruction
			state = stateOpening
		}

		emitter := &lineEmitter{ctx: ctx, out: chunks}
		emitter.onFirst = func() { state = stateStreaming }

		raw, err := a.backend.Stream(ctx, system, prompt.User, emitter.emit)
		if err != nil {
			a.fail(ctx, chunks, errs, state, err)
			if errors.Is(err, context.DeadlineExceeded) {
				status = "timeout"
			}
			return
		}
		if err := emitter.flush(); err != nil {
			a.fail(ctx, chunks, errs, state, err)
			return
		}

		state = stateValidating
		findings, perr := ParseFindings(raw)
		if perr != nil {
			if !errors.As(perr, &lastErr) {
				a.fail(ctx, chunks, errs, state, perr)
				return
			}
			continue
		}

		meta, err := json.Marshal(findings)
		if err != nil {
			a.fail(ctx, chunks, errs, state, fmt.Errorf("encode findings: %w", err))
			return
		}
		done := domain.NewChunk(domain.ChunkDone, fmt.Sprintf("Parsed %d issues and %d notes.", len(findings.Issues), len(findings.Notes)))
		done.Metadata = string(meta)
		if err := send(ctx, chunks, done); err != nil {
			a.fail(ctx, chunks, errs, state, err)
			return
		}
		state = stateDone
		status = "done"
		logger.Info("llm stream complete",
			"issues", len(findings.Issues),
			"notes", len(findings.Notes),
			"attempts", attempt+1,
			"duration", time.Since(start))
		return
	}

	// Every attempt produced schema-invalid output. Surface the last raw
	// response through the error so callers can persist it.
	a.fail(ctx, chunks, errs, state, types.NewPipelineError(types.CodeLLMSchemaInvalid, lastErr))
}

// fail emits a terminal ERROR chunk and delivers the classified error. The
// chunk send is bounded by one heartbeat so a vanished subscriber cannot
// hold the producer open.
func (a *Adapter) fail(ctx context.Context, chunks chan<- domain.ReviewChunk, errs chan<- error, state streamState, err error) {
	err = a.classify(err)
	a.logger.Error("llm stream failed", "provider", a.backend.Provider(), "state", string(state), "error", err)

	if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		chunk := domain.NewErrorChunk(sanitize(err))
		t := time.NewTimer(a.heartbeat())
		defer t.Stop()
		select {
		case chunks <- chunk:
			metrics.ChunksEmitted.WithLabelValues(string(chunk.Type)).Inc()
		case <-t.C:
		}
	}
	errs <- err
}

// classify maps transport-level failures onto stable pipeline codes.
func (a *Adapter) classify(err error) error {
	if types.CodeOf(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewPipelineError(types.CodeLLMTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case resilience.IsTransient(err):
		return types.NewPipelineError(types.CodeLLMTransient, err)
	}
	return err
}

// sanitize reduces an error to a message safe for the subscriber-facing
// stream: the stable code when present, otherwise a generic label.
func sanitize(err error) string {
	if code := types.CodeOf(err); code != "" {
		return string(code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(types.CodeLLMTimeout)
	}
	return "analysis failed"
}

func (a *Adapter) timeout() time.Duration {
	if a.cfg.Timeout > 0 {
		return a.cfg.Timeout
	}
	return 120 * time.Second
}

func (a *Adapter) heartbeat() time.Duration {
	if a.cfg.Heartbeat > 0 {
		return a.cfg.Heartbeat
	}
	return 5 * time.Second
}

func (a *Adapter) schemaRetries() int {
	if a.cfg.SchemaRetries >= 0 {
		return a.cfg.SchemaRetries
	}
	return 1
}

// send delivers one chunk, honoring cancellation while the buffer is full.
func send(ctx context.Context, out chan<- domain.ReviewChunk, chunk domain.ReviewChunk) error {
	select {
	case out <- chunk:
		metrics.ChunksEmitted.WithLabelValues(string(chunk.Type)).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lineEmitter converts backend deltas into line-granular ANALYSIS chunks.
// Token deltas are buffered until a newline arrives; flush drains the tail.
type lineEmitter struct {
	ctx     context.Context
	out     chan<- domain.ReviewChunk
	pending string
	onFirst func()
}

func (e *lineEmitter) emit(delta string) error {
	if e.onFirst != nil {
		e.onFirst()
		e.onFirst = nil
	}
	e.pending += delta
	for {
		i := strings.IndexByte(e.pending, '\n')
		if i < 0 {
			return nil
		}
		line := e.pending[:i+1]
		e.pending = e.pending[i+1:]
		if err := e.send(line); err != nil {
			return err
		}
	}
}

func (e *lineEmitter) flush() error {
	if e.pending == "" {
		return nil
	}
	line := e.pending
	e.pending = ""
	return e.send(line)
}

func (e *lineEmitter) send(line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	return send(e.ctx, e.out, domain.NewChunk(domain.ChunkAnalysis, line))
}
