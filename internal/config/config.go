package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values
const (
	DefaultMaxBodySize int64 = 2 * 1024 * 1024 // 2MB
	DefaultConfigPath        = "config.yaml"
)

// SCMProviderConfig holds connection settings for one SCM provider.
type SCMProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"-"` // From Env
}

// LLMConfig holds settings for the streaming analysis backend.
type LLMConfig struct {
	Provider      string        `yaml:"provider"` // openai, anthropic, ollama, gemini
	Model         string        `yaml:"model"`
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"api_key"` // From YAML or Env
	Timeout       time.Duration `yaml:"timeout"`
	SchemaRetries int           `yaml:"schema_retries"` // Strict reprompts after a schema failure (default: 1)
	Heartbeat     time.Duration `yaml:"heartbeat"`      // Cancellation propagation bound
	MaxTokens     int           `yaml:"max_tokens"`
	MaxConcurrent int           `yaml:"max_concurrent"` // Simultaneous upstream streams (default: 4)
}

// ContextConfig bounds the enrichment orchestrator.
type ContextConfig struct {
	StrategyDeadline   time.Duration `yaml:"strategy_deadline"`     // Per-strategy budget (default: 5s)
	MaxMatches         int           `yaml:"max_matches"`           // Cap after merge (default: 20)
	CoChangeWindowDays int           `yaml:"co_change_window_days"` // History lookback (default: 90)
	CoChangeMaxCommits int           `yaml:"co_change_max_commits"` // History cap (default: 200)
}

// ExpandConfig bounds per-file content expansion.
type ExpandConfig struct {
	MaxFiles        int      `yaml:"max_files"` // Also the fetch concurrency (default: 5)
	MaxLines        int      `yaml:"max_lines"` // Truncation threshold per file (default: 400)
	AllowExtensions []string `yaml:"allow_extensions"`
	DenyExtensions  []string `yaml:"deny_extensions"`
}

// AggregationConfig controls finding filtering and capping.
type AggregationConfig struct {
	MinConfidence    float64 `yaml:"min_confidence"`      // Scored issues below are dropped (default: 0.7)
	MaxIssuesPerFile int     `yaml:"max_issues_per_file"` // Per-file cap (default: 10)
	Deduplication    struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"deduplication"`
}

// QueueConfig shapes the durable request stream and its consumers.
type QueueConfig struct {
	Path              string        `yaml:"path"`   // SQLite file backing the stream
	Stream            string        `yaml:"stream"` // Stream key (default: review:agent-requests)
	Group             string        `yaml:"group"`  // Consumer group (default: agent-workers)
	BatchSize         int           `yaml:"batch_size"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	Retention         time.Duration `yaml:"retention"` // Idempotency record TTL (default: 24h)
	Workers           int           `yaml:"workers"`
}

// StorageConfig holds configuration for review persistence.
type StorageConfig struct {
	Driver          string        `yaml:"driver"` // sqlite, postgres
	Path            string        `yaml:"path"`   // SQLite file
	DSN             string        `yaml:"dsn"`    // Postgres connection string
	Timeout         time.Duration `yaml:"timeout"`
	Retention       time.Duration `yaml:"retention"`        // Review rows older than this are purged
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Purge cadence (default: 1h)
}

// TicketConfig configures the MCP ticket-system adapter.
type TicketConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Command  string        `yaml:"command"` // MCP server launched over stdio
	Args     []string      `yaml:"args"`
	Endpoint string        `yaml:"endpoint"` // SSE HTTP endpoint, if not stdio
	Token    string        `yaml:"-"`        // From Env
	Tool     string        `yaml:"tool"`     // Tool name exposed by the server (default: get_ticket)
	Timeout  time.Duration `yaml:"timeout"`
}

// WebhookIntakeConfig controls the SCM webhook intake.
type WebhookIntakeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"` // Collapse rapid re-triggers per change request
}

// Config holds the configuration for the review pipeline engine.
type Config struct {
	Log struct {
		Level    string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR
		Format   string `yaml:"format"` // text, json
		Output   string `yaml:"output"` // stdout, stderr, /path/to/file
		Rotation struct {
			MaxSize    int  `yaml:"max_size"`    // Megabytes
			MaxBackups int  `yaml:"max_backups"` // Number of old files to keep
			MaxAge     int  `yaml:"max_age"`     // Days to keep
			Compress   bool `yaml:"compress"`
		} `yaml:"rotation"`
	} `yaml:"log"`

	Server struct {
		Port          int           `yaml:"port"`
		ReadTimeout   time.Duration `yaml:"read_timeout"`
		WriteTimeout  time.Duration `yaml:"write_timeout"` // Must exceed llm.timeout for SSE streams
		MaxBodySize   int64         `yaml:"max_body_size"`
		WebhookSecret string        `yaml:"-"` // From Env
	} `yaml:"server"`

	SCM struct {
		GitHub  SCMProviderConfig `yaml:"github"`
		GitLab  SCMProviderConfig `yaml:"gitlab"`
		Timeout time.Duration     `yaml:"timeout"`
	} `yaml:"scm"`

	LLM LLMConfig `yaml:"llm"`

	Context ContextConfig `yaml:"context"`

	Diff struct {
		Expand ExpandConfig `yaml:"expand"`
	} `yaml:"diff"`

	Prompt struct {
		CharBudget int    `yaml:"char_budget"`
		Dir        string `yaml:"dir"` // Root directory for prompt templates
	} `yaml:"prompt"`

	Aggregation AggregationConfig `yaml:"aggregation"`

	Queue QueueConfig `yaml:"queue"`

	Storage StorageConfig `yaml:"storage"`

	Ticket TicketConfig `yaml:"ticket"`

	Webhook WebhookIntakeConfig `yaml:"webhook"`

	Pipeline struct {
		Deadline time.Duration `yaml:"deadline"` // Per-request bound (default: 10m)
	} `yaml:"pipeline"`
}

// GetLogLevel returns the slog.Level based on Log.Level string
func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadConfig loads configuration from YAML file and supplements with environment variables
func LoadConfig() *Config {
	cfg := &Config{}

	// Set defaults before loading
	cfg.Log.Level = "INFO"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"
	cfg.Log.Rotation.MaxSize = 100
	cfg.Log.Rotation.MaxBackups = 10
	cfg.Log.Rotation.MaxAge = 7
	cfg.Log.Rotation.Compress = true

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 180 * time.Second
	cfg.Server.MaxBodySize = DefaultMaxBodySize

	cfg.SCM.Timeout = 30 * time.Second

	cfg.LLM.Provider = ProviderOpenAI
	cfg.LLM.Endpoint = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o"
	cfg.LLM.Timeout = 120 * time.Second
	cfg.LLM.SchemaRetries = 1
	cfg.LLM.Heartbeat = 5 * time.Second
	cfg.LLM.MaxTokens = 4096
	cfg.LLM.MaxConcurrent = 4

	cfg.Context.StrategyDeadline = 5 * time.Second
	cfg.Context.MaxMatches = 20
	cfg.Context.CoChangeWindowDays = 90
	cfg.Context.CoChangeMaxCommits = 200

	cfg.Diff.Expand.MaxFiles = 5
	cfg.Diff.Expand.MaxLines = 400
	cfg.Diff.Expand.DenyExtensions = []string{".min.js", ".lock", ".svg", ".png", ".jpg", ".gif", ".pdf", ".bin"}

	cfg.Prompt.CharBudget = 48000
	cfg.Prompt.Dir = "prompts"

	cfg.Aggregation.MinConfidence = 0.7
	cfg.Aggregation.MaxIssuesPerFile = 10
	cfg.Aggregation.Deduplication.Enabled = true

	cfg.Queue.Path = "data/queue.db"
	cfg.Queue.Stream = DefaultStreamName
	cfg.Queue.Group = DefaultGroupName
	cfg.Queue.BatchSize = 1
	cfg.Queue.PollTimeout = 5 * time.Second
	cfg.Queue.VisibilityTimeout = 60 * time.Second
	cfg.Queue.Retention = 24 * time.Hour
	cfg.Queue.Workers = 4

	cfg.Storage.Driver = DriverSQLite
	cfg.Storage.Path = "data/reviews.db"
	cfg.Storage.Timeout = 10 * time.Second
	cfg.Storage.Retention = 720 * time.Hour
	cfg.Storage.CleanupInterval = time.Hour

	cfg.Ticket.Tool = "get_ticket"
	cfg.Ticket.Timeout = 10 * time.Second

	cfg.Webhook.Enabled = true
	cfg.Webhook.Debounce = 10 * time.Second

	cfg.Pipeline.Deadline = 10 * time.Minute

	// Try to load from YAML
	configPath := getEnv("CONFIG_PATH", DefaultConfigPath)
	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			slog.Error("unmarshal config failed", "error", err, "path", configPath)
			os.Exit(1)
		}
		slog.Info("config loaded", "path", configPath)
	} else {
		if !os.IsNotExist(err) {
			slog.Error("read config failed", "error", err, "path", configPath)
			os.Exit(1)
		}
		slog.Info("config not found, using defaults", "path", configPath)
	}

	// Always supplement/override with environment variables for secrets and critical items
	cfg.LLM.APIKey = getEnv("LLM_API_KEY", cfg.LLM.APIKey)
	cfg.Server.WebhookSecret = getEnv("WEBHOOK_SECRET", cfg.Server.WebhookSecret)
	cfg.SCM.GitHub.Token = getEnv("GITHUB_TOKEN", cfg.SCM.GitHub.Token)
	cfg.SCM.GitLab.Token = getEnv("GITLAB_TOKEN", cfg.SCM.GitLab.Token)
	cfg.Ticket.Token = getEnv("TICKET_MCP_TOKEN", cfg.Ticket.Token)
	cfg.Storage.DSN = getEnv("DATABASE_DSN", cfg.Storage.DSN)

	if envPort := getEnvInt("PORT", 0); envPort != 0 {
		cfg.Server.Port = envPort
	}
	if envLogLevel := os.Getenv("LOG_LEVEL"); envLogLevel != "" {
		cfg.Log.Level = envLogLevel
	}
	if envLogFormat := os.Getenv("LOG_FORMAT"); envLogFormat != "" {
		cfg.Log.Format = envLogFormat
	}
	if envLogOutput := getEnv("LOG_OUTPUT", ""); envLogOutput != "" {
		cfg.Log.Output = envLogOutput
	}
	if envProvider := os.Getenv("LLM_PROVIDER"); envProvider != "" {
		cfg.LLM.Provider = envProvider
	}
	if envModel := os.Getenv("LLM_MODEL"); envModel != "" {
		cfg.LLM.Model = envModel
	}

	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.LLM.APIKey == "" && c.LLM.Provider != ProviderOllama {
		errs = append(errs, "LLM_API_KEY is required")
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama, ProviderGemini:
	default:
		errs = append(errs, fmt.Sprintf("unknown llm provider: %q", c.LLM.Provider))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid server port: %d", c.Server.Port))
	}

	if c.Aggregation.MinConfidence < 0 || c.Aggregation.MinConfidence > 1 {
		errs = append(errs, fmt.Sprintf("aggregation.min_confidence must be in [0,1], got %v", c.Aggregation.MinConfidence))
	}
	if c.Aggregation.MaxIssuesPerFile < 0 {
		errs = append(errs, fmt.Sprintf("aggregation.max_issues_per_file must be >= 0, got %d", c.Aggregation.MaxIssuesPerFile))
	}

	if c.Queue.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("queue.batch_size must be >= 1, got %d", c.Queue.BatchSize))
	}
	if c.Queue.Workers < 1 {
		errs = append(errs, fmt.Sprintf("queue.workers must be >= 1, got %d", c.Queue.Workers))
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, "storage.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, "DATABASE_DSN is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown storage driver: %q", c.Storage.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Helper functions for reading environment variables

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}
