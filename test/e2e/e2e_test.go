//go:build e2e

// Package e2e runs the review pipeline end to end over faked external
// systems: a scripted model backend, a scripted SCM, and real SQLite files
// for the store and the queue.
package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"review-pipeline/internal/aggregator"
	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
	"review-pipeline/internal/enrich"
	"review-pipeline/internal/llm"
	"review-pipeline/internal/pipeline"
	"review-pipeline/internal/prompt"
	"review-pipeline/internal/publisher"
	"review-pipeline/internal/queue"
	"review-pipeline/internal/scm"
	"review-pipeline/internal/storage"
	"review-pipeline/internal/strategy"
)

const rootDir = "../../"

const daoPath = "src/main/java/com/acme/dao/UserDAO.java"

// sqlInjectionDiff changes a parameterized query into string concatenation.
// Within the single hunk, position 1 is the header, so the added line 41
// sits at position 4.
const sqlInjectionDiff = `diff --git a/src/main/java/com/acme/dao/UserDAO.java b/src/main/java/com/acme/dao/UserDAO.java
index 3f9c21b..8d4e112 100644
--- a/src/main/java/com/acme/dao/UserDAO.java
+++ b/src/main/java/com/acme/dao/UserDAO.java
@@ -40,6 +40,7 @@ public class UserDAO {
     public User findByName(String name) throws SQLException {
-        String sql = "SELECT * FROM users WHERE name = ?";
+        String sql = "SELECT * FROM users WHERE name = '" + name + "'";
+        log.debug("running {}", sql);
         try (Statement st = conn.createStatement()) {
             ResultSet rs = st.executeQuery(sql);
             return map(rs);
         }
`

const criticalResponse = `{
  "summary": "The lookup now builds SQL by concatenating the caller's input.",
  "issues": [
    {
      "file": "src/main/java/com/acme/dao/UserDAO.java",
      "start_line": 41,
      "severity": "critical",
      "title": "SQL injection via string concatenation",
      "suggestion": "Bind the name with a PreparedStatement parameter.",
      "confidence_score": 0.9
    }
  ]
}`

// scriptedBackend plays one canned response per Stream call, split across
// two deltas to exercise chunk reassembly. Calls past the script replay the
// last response.
type scriptedBackend struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (b *scriptedBackend) Provider() string           { return "openai" }
func (b *scriptedBackend) Model() string              { return "gpt-review-test" }
func (b *scriptedBackend) Ping(context.Context) error { return nil }

func (b *scriptedBackend) Stream(ctx context.Context, system, user string, emit func(string) error) (string, error) {
	b.mu.Lock()
	idx := b.calls
	b.calls++
	if idx >= len(b.responses) {
		idx = len(b.responses) - 1
	}
	resp := b.responses[idx]
	b.mu.Unlock()

	half := len(resp) / 2
	if err := emit(resp[:half]); err != nil {
		return "", err
	}
	if err := emit(resp[half:]); err != nil {
		return "", err
	}
	return resp, nil
}

func (b *scriptedBackend) streamCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// holdBackend emits its lines, then blocks until the stream context ends.
// released closes once the upstream call has observed cancellation.
type holdBackend struct {
	lines    []string
	released chan struct{}
}

func newHoldBackend(lines ...string) *holdBackend {
	return &holdBackend{lines: lines, released: make(chan struct{})}
}

func (b *holdBackend) Provider() string           { return "openai" }
func (b *holdBackend) Model() string              { return "gpt-review-test" }
func (b *holdBackend) Ping(context.Context) error { return nil }

func (b *holdBackend) Stream(ctx context.Context, system, user string, emit func(string) error) (string, error) {
	for _, line := range b.lines {
		if err := emit(line + "\n"); err != nil {
			return "", err
		}
	}
	<-ctx.Done()
	close(b.released)
	return "", ctx.Err()
}

// captureSCM serves scripted repository data and records every posted
// comment.
type captureSCM struct {
	mu        sync.Mutex
	diff      string
	info      scm.ChangeRequestInfo
	files     map[string]string
	summaries []string
	inline    []scm.InlineComment
	nextID    int
}

func newCaptureSCM(diff string) *captureSCM {
	return &captureSCM{
		diff: diff,
		info: scm.ChangeRequestInfo{
			Title:        "Harden user lookup",
			Description:  "Switches the DAO to direct statement execution.",
			Author:       "dev-a",
			SourceBranch: "feature/user-dao",
			TargetBranch: "main",
			HeadSHA:      "1dfa57501d988cea1d7e514be5d670e822c0e435",
			BaseSHA:      "0edb30c498aae820bd418973f4bda6850d3e839e",
		},
		files: map[string]string{
			daoPath: "public class UserDAO {\n    // elided\n}\n",
		},
	}
}

func (c *captureSCM) FetchDiff(ctx context.Context, ref domain.ChangeRequestRef) (string, error) {
	return c.diff, nil
}

func (c *captureSCM) FetchChangeRequest(ctx context.Context, ref domain.ChangeRequestRef) (*scm.ChangeRequestInfo, error) {
	info := c.info
	return &info, nil
}

func (c *captureSCM) FileContent(ctx context.Context, ref domain.ChangeRequestRef, path string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if body, ok := c.files[path]; ok {
		return body, nil
	}
	return "", &scm.APIError{StatusCode: 404, Message: "not found"}
}

func (c *captureSCM) ListFiles(ctx context.Context, ref domain.ChangeRequestRef) ([]string, error) {
	return []string{daoPath, "src/test/java/com/acme/dao/UserDAOTest.java"}, nil
}

func (c *captureSCM) RecentCommits(ctx context.Context, ref domain.ChangeRequestRef, since time.Time, limit int) ([]scm.Commit, error) {
	return []scm.Commit{
		{SHA: "f10a19", Files: []string{daoPath, "src/test/java/com/acme/dao/UserDAOTest.java"}, AuthoredAt: time.Now().Add(-24 * time.Hour)},
	}, nil
}

func (c *captureSCM) PostSummaryComment(ctx context.Context, ref domain.ChangeRequestRef, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.summaries = append(c.summaries, body)
	return "summary-1", nil
}

func (c *captureSCM) PostInlineComment(ctx context.Context, ref domain.ChangeRequestRef, comment scm.InlineComment) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.inline = append(c.inline, comment)
	return "inline-1", nil
}

func (c *captureSCM) posted() (summaries []string, inline []scm.InlineComment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.summaries...), append([]scm.InlineComment(nil), c.inline...)
}

// harness wires the production pipeline over the fakes: real aggregator,
// real prompt assembly, real SQLite store and queue in a temp directory.
type harness struct {
	cfg    *config.Config
	scm    *captureSCM
	store  storage.Repository
	queue  *queue.SQLiteQueue
	driver *pipeline.Driver
}

func e2eConfig(dir string) *config.Config {
	cfg := &config.Config{}
	cfg.SCM.Timeout = 5 * time.Second
	cfg.LLM = config.LLMConfig{
		Provider:      "openai",
		Model:         "gpt-review-test",
		Timeout:       20 * time.Second,
		SchemaRetries: 1,
		Heartbeat:     250 * time.Millisecond,
		MaxConcurrent: 2,
	}
	cfg.Context = config.ContextConfig{
		StrategyDeadline:   2 * time.Second,
		MaxMatches:         20,
		CoChangeWindowDays: 90,
		CoChangeMaxCommits: 50,
	}
	cfg.Diff.Expand = config.ExpandConfig{MaxFiles: 3, MaxLines: 200}
	cfg.Prompt.Dir = filepath.Join(rootDir, "prompts")
	cfg.Prompt.CharBudget = 60000
	cfg.Aggregation.MinConfidence = 0.7
	cfg.Aggregation.MaxIssuesPerFile = 10
	cfg.Aggregation.Deduplication.Enabled = true
	cfg.Queue = config.QueueConfig{
		Path:              filepath.Join(dir, "queue.db"),
		Stream:            "review:agent-requests",
		Group:             "agent-workers",
		VisibilityTimeout: time.Minute,
		Retention:         time.Hour,
	}
	cfg.Storage = config.StorageConfig{
		Driver:    config.DriverSQLite,
		Path:      filepath.Join(dir, "reviews.db"),
		Timeout:   5 * time.Second,
		Retention: 24 * time.Hour,
	}
	cfg.Pipeline.Deadline = 30 * time.Second
	cfg.Webhook.Enabled = true
	cfg.Webhook.Debounce = 50 * time.Millisecond
	cfg.Server.MaxBodySize = 1 << 20
	return cfg
}

func newHarness(t *testing.T, backend llm.StreamBackend, diff string, mutate func(*config.Config)) *harness {
	t.Helper()

	dir, err := os.MkdirTemp("", "review-e2e")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := e2eConfig(dir)
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	sc := newCaptureSCM(diff)
	store, err := storage.New(cfg.Storage)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q, err := queue.NewSQLite(cfg.Queue)
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	strategies := []strategy.Strategy{
		strategy.NewPathPattern(),
		strategy.NewCoChange(cfg.Context.CoChangeWindowDays, cfg.Context.CoChangeMaxCommits),
		strategy.NewMetadata(),
	}
	orch := enrich.NewOrchestrator(cfg.Context, strategies, store, logger)
	expander := enrich.NewExpander(sc, cfg.Diff.Expand, logger)
	policies := enrich.NewPolicyProvider(sc, logger)
	tickets := enrich.NewTicketExtractor(nil, logger)
	enricher := pipeline.NewContextStage(sc, orch, expander, policies, tickets, logger)

	assembler := prompt.NewAssembler(prompt.NewTemplateLoader(cfg.Prompt.Dir), cfg.Prompt.CharBudget, logger)
	analyzer := llm.NewAdapter(backend, cfg.LLM, logger)
	agg := aggregator.New(cfg.Aggregation, logger)
	pub := publisher.New(sc, store, logger)
	driver := pipeline.NewDriver(cfg, sc, enricher, assembler, analyzer, agg, store, pub, logger)

	return &harness{cfg: cfg, scm: sc, store: store, queue: q, driver: driver}
}

func testRef() domain.ChangeRequestRef {
	return domain.ChangeRequestRef{
		Provider:            domain.ProviderGitHub,
		RepositoryID:        "acme/billing",
		ChangeRequestNumber: 7,
	}
}

// drainQueue claims and processes queued requests the way the worker binary
// does: short-circuit on a terminal record, otherwise execute and write the
// terminal result, then ack.
func (h *harness) drainQueue(ctx context.Context, t *testing.T) {
	t.Helper()
	for {
		deliveries, err := h.queue.Claim(ctx, "e2e-worker", 10)
		if err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		if len(deliveries) == 0 {
			return
		}
		for _, d := range deliveries {
			if res, rerr := h.queue.Result(ctx, d.Request.RequestID); rerr == nil && res.Status.IsTerminal() {
				if aerr := h.queue.Ack(ctx, d.Offset); aerr != nil {
					t.Fatalf("ack failed: %v", aerr)
				}
				continue
			}
			if err := h.queue.MarkProcessing(ctx, d.Request.RequestID); err != nil {
				t.Fatalf("mark processing failed: %v", err)
			}
			started := time.Now()
			review, execErr := h.driver.Execute(ctx, d.Request.Ref)
			if execErr != nil {
				if ferr := h.queue.FailResult(ctx, d.Request.RequestID, execErr.Error(), time.Since(started)); ferr != nil {
					t.Fatalf("fail result: %v", ferr)
				}
			} else {
				payload, _ := json.Marshal(review.Findings)
				if cerr := h.queue.CompleteResult(ctx, d.Request.RequestID, string(payload), time.Since(started)); cerr != nil {
					t.Fatalf("complete result: %v", cerr)
				}
			}
			if err := h.queue.Ack(ctx, d.Offset); err != nil {
				t.Fatalf("ack failed: %v", err)
			}
		}
	}
}

func closeTo(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestReviewFlowPostsCriticalFinding(t *testing.T) {
	backend := &scriptedBackend{responses: []string{criticalResponse}}
	h := newHarness(t, backend, sqlInjectionDiff, nil)
	ctx := context.Background()

	review, err := h.driver.Execute(ctx, testRef())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if review.State != domain.StateCompleted {
		t.Errorf("state = %s, want COMPLETED", review.State)
	}
	if n := len(review.Findings.Issues); n != 1 {
		t.Fatalf("aggregated %d issues, want 1", n)
	}
	issue := review.Findings.Issues[0]
	if issue.Severity != domain.SeverityCritical {
		t.Errorf("severity = %s, want critical", issue.Severity)
	}
	if !closeTo(review.Findings.OverallConfidence, 0.9) {
		t.Errorf("overall confidence = %v, want 0.9", review.Findings.OverallConfidence)
	}
	if !issue.InlineCommentPosted {
		t.Error("issue not marked as posted inline")
	}
	if issue.SCMCommentID == "" {
		t.Error("issue carries no SCM comment id")
	}

	summaries, inline := h.scm.posted()
	if len(summaries) != 1 {
		t.Fatalf("posted %d summary comments, want 1", len(summaries))
	}
	if len(inline) != 1 {
		t.Fatalf("posted %d inline comments, want 1", len(inline))
	}
	if inline[0].Path != daoPath {
		t.Errorf("inline path = %s, want %s", inline[0].Path, daoPath)
	}
	if inline[0].Position != 4 {
		t.Errorf("inline position = %d, want 4", inline[0].Position)
	}

	// The publication outcome lands in the stored row too.
	stored, err := h.store.FindByRef(ctx, testRef())
	if err != nil {
		t.Fatalf("FindByRef failed: %v", err)
	}
	if len(stored.Findings.Issues) != 1 || !stored.Findings.Issues[0].InlineCommentPosted {
		t.Errorf("stored issue missing publication outcome: %+v", stored.Findings.Issues)
	}
}

func TestReviewFlowDeduplicatesFindings(t *testing.T) {
	resp := `{
  "summary": "Two reports describe the same concatenation.",
  "issues": [
    {"file": "src/main/java/com/acme/dao/UserDAO.java", "start_line": 41, "severity": "critical", "title": "SQL injection via string concatenation", "confidence_score": 0.9},
    {"file": "src/main/java/com/acme/dao/UserDAO.java", "start_line": 41, "severity": "major", "title": "SQL Injection via string concatenation!", "confidence_score": 0.85},
    {"file": "src/main/java/com/acme/dao/UserDAO.java", "start_line": 42, "severity": "minor", "title": "Debug log leaks the SQL statement", "confidence_score": 0.8}
  ]
}`
	h := newHarness(t, &scriptedBackend{responses: []string{resp}}, sqlInjectionDiff, nil)

	review, err := h.driver.Execute(context.Background(), testRef())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	f := review.Findings
	if f.TotalBeforeDedup != 3 {
		t.Errorf("TotalBeforeDedup = %d, want 3", f.TotalBeforeDedup)
	}
	if f.TotalAfterDedup != 2 {
		t.Errorf("TotalAfterDedup = %d, want 2", f.TotalAfterDedup)
	}
	if f.TotalFiltered != 0 {
		t.Errorf("TotalFiltered = %d, want 0", f.TotalFiltered)
	}
	var sum int
	for _, n := range f.CountsBySeverity {
		sum += n
	}
	if sum != 2 {
		t.Errorf("severity counts sum to %d, want 2", sum)
	}
}

func TestReviewFlowFiltersLowConfidence(t *testing.T) {
	resp := `{
  "summary": "Mixed-confidence findings on one file.",
  "issues": [
    {"file": "src/main/java/com/acme/dao/UserDAO.java", "start_line": 41, "severity": "critical", "title": "SQL injection via string concatenation", "confidence_score": 0.9},
    {"file": "src/main/java/com/acme/dao/UserDAO.java", "start_line": 42, "severity": "major", "title": "Debug log leaks the SQL statement", "confidence_score": 0.85},
    {"file": "src/main/java/com/acme/dao/UserDAO.java", "start_line": 43, "severity": "major", "title": "Statement is not closed on the error path", "confidence_score": 0.8},
    {"file": "src/main/java/com/acme/dao/UserDAO.java", "start_line": 44, "severity": "minor", "title": "Result mapping ignores warnings", "confidence_score": 0.85},
    {"file": "src/main/java/com/acme/dao/UserDAO.java", "start_line": 45, "severity": "minor", "title": "Method lacks a javadoc update", "confidence_score": 0.5},
    {"file": "src/main/java/com/acme/dao/UserDAO.java", "start_line": 46, "severity": "info", "title": "Variable could be final", "confidence_score": 0.5}
  ]
}`
	h := newHarness(t, &scriptedBackend{responses: []string{resp}}, sqlInjectionDiff, func(cfg *config.Config) {
		cfg.Aggregation.MinConfidence = 0.8
	})

	review, err := h.driver.Execute(context.Background(), testRef())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	f := review.Findings
	if f.TotalBeforeDedup != 6 {
		t.Errorf("TotalBeforeDedup = %d, want 6", f.TotalBeforeDedup)
	}
	if f.TotalFiltered != 2 {
		t.Errorf("TotalFiltered = %d, want 2", f.TotalFiltered)
	}
	if f.TotalAfterDedup != 4 {
		t.Errorf("TotalAfterDedup = %d, want 4", f.TotalAfterDedup)
	}
	// Mean of the surviving scores: (0.9 + 0.85 + 0.8 + 0.85) / 4.
	if !closeTo(f.OverallConfidence, 0.85) {
		t.Errorf("overall confidence = %v, want 0.85", f.OverallConfidence)
	}
}

func TestAsyncSubmitIsIdempotent(t *testing.T) {
	backend := &scriptedBackend{responses: []string{criticalResponse}}
	h := newHarness(t, backend, sqlInjectionDiff, nil)
	ctx := context.Background()

	// The same change request submitted twice maps onto one request id.
	first := domain.NewQueuedRequest(testRef(), "e2e-corr")
	if err := h.queue.Enqueue(ctx, first); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	second := domain.NewQueuedRequest(testRef(), "e2e-corr")
	if second.RequestID != first.RequestID {
		t.Fatalf("request ids diverged: %s vs %s", first.RequestID, second.RequestID)
	}
	if err := h.queue.Enqueue(ctx, second); err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}

	h.drainQueue(ctx, t)

	if calls := backend.streamCalls(); calls != 1 {
		t.Errorf("model called %d times, want 1", calls)
	}

	res, err := h.queue.Result(ctx, first.RequestID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.Status != domain.StateCompleted {
		t.Fatalf("status = %s, want COMPLETED", res.Status)
	}
	var findings domain.AggregatedFindings
	if err := json.Unmarshal([]byte(res.Result), &findings); err != nil {
		t.Fatalf("result payload is not findings JSON: %v", err)
	}
	if len(findings.Issues) != 1 {
		t.Errorf("result carries %d issues, want 1", len(findings.Issues))
	}

	// One review row behind both submissions.
	if _, err := h.store.FindByRef(ctx, testRef()); err != nil {
		t.Errorf("stored review not found: %v", err)
	}
}

func TestSchemaFailureRecoversWithStrictRetry(t *testing.T) {
	prose := "After reviewing the change I could not produce the requested format."
	backend := &scriptedBackend{responses: []string{prose, criticalResponse}}
	h := newHarness(t, backend, sqlInjectionDiff, nil)

	review, err := h.driver.Execute(context.Background(), testRef())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if calls := backend.streamCalls(); calls != 2 {
		t.Errorf("model called %d times, want 2", calls)
	}
	if review.State != domain.StateCompleted {
		t.Errorf("state = %s, want COMPLETED", review.State)
	}
	if len(review.Findings.Issues) != 1 {
		t.Errorf("aggregated %d issues, want 1", len(review.Findings.Issues))
	}
	// The persisted raw response is the retry's output, not the first
	// attempt's prose.
	if !strings.Contains(review.RawResponse, "SQL injection via string concatenation") {
		t.Errorf("raw response missing retry output:\n%s", review.RawResponse)
	}
	if strings.Contains(review.RawResponse, "could not produce") {
		t.Errorf("raw response still carries the invalid attempt:\n%s", review.RawResponse)
	}
}

func TestStreamSubscriberCancellation(t *testing.T) {
	backend := newHoldBackend(
		"Reviewing the change for unsafe statement construction.",
		"The query string now embeds caller input directly.",
		"Checking how the result set is consumed.",
	)
	h := newHarness(t, backend, sqlInjectionDiff, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := h.driver.Stream(ctx, testRef(), true)

	var analysis int
	for chunk := range stream {
		if chunk.Type != domain.ChunkAnalysis {
			t.Fatalf("unexpected %s chunk before cancellation: %q", chunk.Type, chunk.Content)
		}
		analysis++
		if analysis == 3 {
			cancel()
			break
		}
	}
	if analysis != 3 {
		t.Fatalf("received %d analysis chunks, want 3", analysis)
	}

	// The upstream model call ends within one heartbeat of the disconnect.
	select {
	case <-backend.released:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream stream not closed after cancellation")
	}

	// The channel drains without a terminal chunk; nothing is published or
	// persisted for the abandoned run.
	for chunk := range stream {
		if chunk.Type == domain.ChunkPublished || chunk.Type == domain.ChunkDone {
			t.Errorf("terminal %s chunk after cancellation", chunk.Type)
		}
	}
	summaries, inline := h.scm.posted()
	if len(summaries) != 0 || len(inline) != 0 {
		t.Errorf("comments posted for a cancelled run: %d summaries, %d inline", len(summaries), len(inline))
	}
	if _, err := h.store.FindByRef(context.Background(), testRef()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("cancelled run left a review row (err=%v)", err)
	}
}
