// Package prompt assembles the system and user prompts sent to the
// analysis model: compacted diff, context matches, ticket metadata,
// expanded files, and policies, framed in named sections and trimmed to a
// character budget.
package prompt

import (
	"fmt"
	"log/slog"
	"strings"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
)

// Inputs is everything the assembler may embed.
type Inputs struct {
	Title       string
	Description string
	Enriched    domain.EnrichedDiff
	Files       []domain.ExpandedFile
	Policies    []domain.PolicyDocument
	Ticket      domain.TicketContext
}

// HasContext reports whether anything beyond the bare diff is present.
func (in Inputs) HasContext() bool {
	return len(in.Enriched.Matches) > 0 || len(in.Files) > 0 ||
		len(in.Policies) > 0 || !in.Ticket.IsEmpty()
}

type section struct {
	name    string
	content string
}

// Assembler builds prompt pairs under a character budget.
type Assembler struct {
	loader  *TemplateLoader
	budget  int
	compact CompactOptions
	logger  *slog.Logger
}

func NewAssembler(loader *TemplateLoader, charBudget int, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if charBudget <= 0 {
		charBudget = 48000
	}
	return &Assembler{
		loader:  loader,
		budget:  charBudget,
		compact: DefaultCompactOptions(),
		logger:  logger,
	}
}

// Assemble produces the prompt pair. TotalChars never exceeds the budget:
// low-priority sections are dropped whole, and as a last resort the diff
// body is cut at a line boundary.
func (a *Assembler) Assemble(in Inputs) (domain.PromptResult, error) {
	language := DetectLanguage(in.Enriched.Diff.ModifiedPaths())
	system, err := a.loader.System(language)
	if err != nil {
		return domain.PromptResult{}, err
	}

	// Priority order: when over budget, sections drop from the end of
	// this list, so the diff survives longest. Content is pre-trimmed so
	// the budget arithmetic below is exact.
	all := []section{
		{name: "DIFF", content: strings.TrimRight(CompactDiff(in.Enriched.Diff, a.compact), "\n")},
		{name: "CONTEXT_MATCHES", content: strings.TrimRight(renderMatches(in.Enriched.Matches), "\n")},
		{name: "TICKET", content: strings.TrimRight(renderTicket(in.Ticket), "\n")},
		{name: "FILES", content: strings.TrimRight(renderFiles(in.Files), "\n")},
		{name: "POLICIES", content: strings.TrimRight(renderPolicies(in.Policies), "\n")},
	}
	sections := all[:0]
	for _, s := range all {
		if strings.TrimSpace(s.content) != "" || s.name == "DIFF" {
			sections = append(sections, s)
		}
	}

	header := ""
	if in.Title != "" {
		header = "Change request: " + strings.TrimSpace(in.Title) + "\n\n"
	}

	user := buildUser(header, sections)
	for len(system)+len(user) > a.budget && len(sections) > 1 {
		dropped := sections[len(sections)-1]
		sections = sections[:len(sections)-1]
		a.logger.Debug("prompt section dropped for budget",
			"section", dropped.name, "section_chars", len(dropped.content))
		user = buildUser(header, sections)
	}

	if len(system)+len(user) > a.budget {
		overhead := len(system) + len(user) - len(sections[0].content)
		allowed := a.budget - overhead - len(config.TruncatedSuffix) - 1
		if allowed < 0 {
			allowed = 0
		}
		sections[0].content = truncateAtLine(sections[0].content, allowed) + "\n" + config.TruncatedSuffix
		user = buildUser(header, sections)
		a.logger.Warn("diff truncated for prompt budget", "budget", a.budget)
	}

	return domain.PromptResult{
		System:     system,
		User:       user,
		TotalChars: len(system) + len(user),
	}, nil
}

func buildUser(header string, sections []section) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		parts = append(parts, fmt.Sprintf(config.SectionOpenFormat, s.name)+"\n"+
			s.content+"\n"+
			fmt.Sprintf(config.SectionCloseFormat, s.name))
	}
	return header + strings.Join(parts, "\n\n")
}

func renderMatches(matches []domain.ContextMatch) string {
	if len(matches) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Files related to this change:\n")
	for _, m := range matches {
		fmt.Fprintf(&b, "- %s (%s %.2f)", m.Path, m.Reason, m.Confidence)
		if m.Evidence != "" {
			b.WriteString(": " + m.Evidence)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func renderTicket(t domain.TicketContext) string {
	if t.IsEmpty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", t.Key, t.Summary)
	if t.Status != "" {
		fmt.Fprintf(&b, "status: %s\n", t.Status)
	}
	if t.Description != "" {
		b.WriteString(t.Description + "\n")
	}
	return b.String()
}

func renderFiles(files []domain.ExpandedFile) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", f.Path, f.Content)
	}
	return b.String()
}

func renderPolicies(policies []domain.PolicyDocument) string {
	if len(policies) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range policies {
		fmt.Fprintf(&b, "--- %s (%s) ---\n%s\n", p.Kind, p.Path, p.Content)
	}
	return b.String()
}

// truncateAtLine cuts s to at most n bytes, ending on a line boundary.
func truncateAtLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndexByte(s[:n], '\n')
	if cut <= 0 {
		return s[:n]
	}
	return s[:cut]
}
