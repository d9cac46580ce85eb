package config

// LLM provider names
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Queue layout defaults
const (
	DefaultStreamName = "review:agent-requests"
	DefaultGroupName  = "agent-workers"
	// ResultKeyPrefix prefixes idempotency record keys: review:results:<requestId>
	ResultKeyPrefix = "review:results:"
)

// Prompt section markers; sections are dropped whole when over budget
const (
	SectionOpenFormat  = "[%s]"
	SectionCloseFormat = "[/%s]"
)

// Diff processing markers
const (
	MarkerTruncatedFormat = "\n... (truncated %d lines) ..."
	MarkerDeletedFormat   = "- [... %d lines deleted ...]"
	TruncatedSuffix       = "... [TRUNCATED]"
)

// Review comment markers
const (
	// MarkerReviewPrefix is the HTML comment start for review metadata
	MarkerReviewPrefix = "<!-- review-pipeline:"
	// MarkerReviewSuffix is the HTML comment end
	MarkerReviewSuffix = "-->"
	// MarkerReviewVisible is the visible Markdown identifier
	MarkerReviewVisible = "**Automated Review**"
)

// Repository policy files, tried in order per kind; the first hit wins
var PolicyPaths = map[string][]string{
	"contributing":    {"CONTRIBUTING.md", ".github/CONTRIBUTING.md", "docs/CONTRIBUTING.md"},
	"code_of_conduct": {"CODE_OF_CONDUCT.md", ".github/CODE_OF_CONDUCT.md"},
	"pr_template":     {".github/PULL_REQUEST_TEMPLATE.md", ".github/pull_request_template.md", "PULL_REQUEST_TEMPLATE.md"},
	"security":        {"SECURITY.md", ".github/SECURITY.md"},
}

// PolicyKinds fixes the fetch order of policy documents.
var PolicyKinds = []string{"contributing", "code_of_conduct", "pr_template", "security"}

// PolicyMaxChars bounds each policy document embedded in a prompt.
const PolicyMaxChars = 4000
