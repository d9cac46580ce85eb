package publisher

import (
	"fmt"
	"sort"
	"strings"

	"review-pipeline/internal/config"
	"review-pipeline/internal/domain"
)

// escapeCell makes text safe inside a Markdown table cell.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", "<br>")
}

func severityBadge(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical:
		return "🚫 critical"
	case domain.SeverityMajor:
		return "⚠️ major"
	default:
		return string(s)
	}
}

// headIcon picks the heading icon from the worst severity present.
func headIcon(issues []domain.Issue) string {
	if len(issues) == 0 {
		return "✅"
	}
	for _, issue := range issues {
		if issue.Severity == domain.SeverityCritical {
			return "🚫"
		}
	}
	return "⚠️"
}

// summaryBody renders the change-request-level comment: hidden marker,
// heading, counts, severity table, the issues that could not be anchored
// inline, and the notes table.
func summaryBody(review *domain.Review, fallback []domain.Issue) string {
	f := review.Findings
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%ssummary:%s %s\n\n", config.MarkerReviewPrefix, review.Ref.Hash(), config.MarkerReviewSuffix))
	sb.WriteString(fmt.Sprintf("## %s Code Review: %s\n\n", headIcon(f.Issues), review.Ref))
	sb.WriteString(fmt.Sprintf("%s: %d issues, %d notes.\n\n", config.MarkerReviewVisible, len(f.Issues), len(f.Notes)))

	if f.Summary != "" {
		sb.WriteString(f.Summary)
		sb.WriteString("\n\n")
	}

	if len(f.CountsBySeverity) > 0 {
		sb.WriteString("| Severity | Count |\n")
		sb.WriteString("|----------|-------|\n")
		for _, sev := range domain.KnownSeverities {
			if n := f.CountsBySeverity[string(sev)]; n > 0 {
				sb.WriteString(fmt.Sprintf("| %s | %d |\n", severityBadge(sev), n))
			}
		}
		if n := f.CountsBySeverity["unknown"]; n > 0 {
			sb.WriteString(fmt.Sprintf("| unknown | %d |\n", n))
		}
		sb.WriteString("\n")
	}

	if len(fallback) > 0 {
		sb.WriteString("### 📋 Issues without an inline anchor\n\n")
		sb.WriteString("| File | Line | Severity | Finding |\n")
		sb.WriteString("|------|------|----------|---------|\n")
		sorted := append([]domain.Issue(nil), fallback...)
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].File != sorted[j].File {
				return sorted[i].File < sorted[j].File
			}
			return sorted[i].StartLine < sorted[j].StartLine
		})
		for _, issue := range sorted {
			msg := issue.Title
			if issue.Suggestion != "" {
				msg += "\n" + issue.Suggestion
			}
			sb.WriteString(fmt.Sprintf("| %s | %d | %s | %s |\n",
				escapeCell(issue.File), issue.StartLine, severityBadge(issue.Severity), escapeCell(msg)))
		}
		sb.WriteString("\n")
	}

	if len(f.Notes) > 0 {
		sb.WriteString("### Notes\n\n")
		sb.WriteString("| File | Line | Note |\n")
		sb.WriteString("|------|------|------|\n")
		notes := append([]domain.Note(nil), f.Notes...)
		sort.Slice(notes, func(i, j int) bool {
			if notes[i].File != notes[j].File {
				return notes[i].File < notes[j].File
			}
			return notes[i].Line < notes[j].Line
		})
		for _, n := range notes {
			sb.WriteString(fmt.Sprintf("| %s | %d | %s |\n", escapeCell(n.File), n.Line, escapeCell(n.Note)))
		}
		sb.WriteString("\n")
	}

	footer := "*This comment was generated automatically*"
	if review.LLMModel != "" {
		footer = fmt.Sprintf("*Automatically generated by %s*", review.LLMModel)
	}
	sb.WriteString(fmt.Sprintf("---\n%s", footer))
	return sb.String()
}

// inlineBody renders one diff-anchored comment. path is the document path
// the issue resolved to, which may differ from the path the model reported.
func inlineBody(issue domain.Issue, path string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%sissue:%s:%d %s\n\n", config.MarkerReviewPrefix, path, issue.StartLine, config.MarkerReviewSuffix))
	sb.WriteString(fmt.Sprintf("**%s** %s\n", severityBadge(issue.Severity), issue.Title))
	if issue.Suggestion != "" {
		sb.WriteString("\n")
		sb.WriteString(issue.Suggestion)
		sb.WriteString("\n")
	}
	return sb.String()
}
