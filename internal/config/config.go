// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sandbox backends.
const (
	SandboxInterpreter = "interpreter"
	SandboxDocker      = "docker"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	GRPCHealthPort  string
	FrontendURL     string
	DBPath          string
	DownloadDir     string
	ArtifactDir     string
	ProfileSeedPath string
	FileSourceRoot  string

	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration
	ContextRetentionDays int
	FetchTimeout         time.Duration
	RateLimitPerMinute   int

	Analysis        AnalysisConfig
	LLM             LLMConfig
	Sandbox         SandboxConfig
	ConversationLog ConversationLogConfig
}

// AnalysisConfig tunes the analysis loop.
type AnalysisConfig struct {
	MaxAttempts     int
	KeepRecent      int
	PromptCeiling   int
	HistoryMessages int
	Summarize       bool
}

// LLMConfig selects the OpenAI-compatible completion endpoint.
type LLMConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// SandboxConfig selects and limits the code execution backend.
type SandboxConfig struct {
	Backend  string
	Timeout  time.Duration
	MemoryMB int
	Image    string
	Runtime  string // Docker runtime: "" = default (runc), "runsc" = gVisor
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		GRPCHealthPort:  getEnv("GRPC_HEALTH_PORT", ""),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		DBPath:          getEnv("DB_PATH", "./data/kily.db"),
		DownloadDir:     getEnv("DOWNLOAD_DIR", "./data/downloads"),
		ArtifactDir:     getEnv("ARTIFACT_DIR", "./data/artifacts"),
		ProfileSeedPath: getEnv("PROFILE_SEED_PATH", "./profiles.yaml"),
		FileSourceRoot:  getEnv("FILE_SOURCE_ROOT", ""),

		SessionIdleTimeout:   getEnvDuration("SESSION_IDLE_TIMEOUT", 15*time.Minute),
		SessionSweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 60*time.Second),
		ContextRetentionDays: getEnvInt("CONTEXT_RETENTION_DAYS", 7),
		FetchTimeout:         getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		RateLimitPerMinute:   getEnvInt("RATE_LIMIT_PER_MINUTE", 20),

		Analysis: AnalysisConfig{
			MaxAttempts:     getEnvInt("ANALYSIS_MAX_ATTEMPTS", 5),
			KeepRecent:      getEnvInt("ANALYSIS_KEEP_RECENT", 2),
			PromptCeiling:   getEnvInt("ANALYSIS_PROMPT_CEILING", 24000),
			HistoryMessages: getEnvInt("ANALYSIS_HISTORY_MESSAGES", 6),
			Summarize:       getEnvBool("ANALYSIS_SUMMARIZE", true),
		},
		LLM: LLMConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
			Timeout: getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		},
		Sandbox: SandboxConfig{
			Backend:  strings.ToLower(getEnv("SANDBOX_BACKEND", SandboxInterpreter)),
			Timeout:  getEnvDuration("SANDBOX_TIMEOUT", 10*time.Second),
			MemoryMB: getEnvInt("SANDBOX_MEMORY_MB", 512),
			Image:    getEnv("SANDBOX_IMAGE", "python:3.12-slim"),
			Runtime:  getEnv("SANDBOX_RUNTIME", ""),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR cannot be empty")
	}
	if c.ArtifactDir == "" {
		return fmt.Errorf("ARTIFACT_DIR cannot be empty")
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be > 0")
	}
	if c.SessionSweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.ContextRetentionDays < 1 {
		return fmt.Errorf("CONTEXT_RETENTION_DAYS must be >= 1")
	}
	if c.Analysis.MaxAttempts < 1 {
		return fmt.Errorf("ANALYSIS_MAX_ATTEMPTS must be >= 1")
	}
	if c.Analysis.KeepRecent < 0 {
		return fmt.Errorf("ANALYSIS_KEEP_RECENT must be >= 0")
	}
	if c.Analysis.PromptCeiling < 1024 {
		return fmt.Errorf("ANALYSIS_PROMPT_CEILING must be >= 1024")
	}
	switch c.Sandbox.Backend {
	case SandboxInterpreter:
	case SandboxDocker:
		if c.Sandbox.Image == "" {
			return fmt.Errorf("SANDBOX_IMAGE cannot be empty with the docker backend")
		}
	default:
		return fmt.Errorf("SANDBOX_BACKEND must be %q or %q, got %q", SandboxInterpreter, SandboxDocker, c.Sandbox.Backend)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("SANDBOX_TIMEOUT must be > 0")
	}
	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("SANDBOX_MEMORY_MB must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SandboxMemoryBytes returns the per-run memory budget in bytes.
func (c *Config) SandboxMemoryBytes() int64 {
	return int64(c.Sandbox.MemoryMB) * 1024 * 1024
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
