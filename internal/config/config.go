// Package config provides configuration for the orchestrator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int
	RPCPort  int

	// Database
	DatabaseURL string

	// Runs
	DefaultEngine    string
	TimeoutGrace     time.Duration
	ToolTimeout      time.Duration
	RunRetention     time.Duration
	ReaperInterval   time.Duration
	MaxQuestionBytes int

	// Streams
	StreamBufferSize int
	MaxStreamsPerRun int
	WSPingInterval   time.Duration
	WSWriteTimeout   time.Duration

	// Tools
	WorkspaceDir    string
	ToolCatalogPath string
	PolicyPath      string

	// LLM engine
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	// Telemetry
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:         getEnvInt("HTTP_PORT", 8080),
		RPCPort:          getEnvInt("RPC_PORT", 8082),
		DatabaseURL:      getEnv("DATABASE_URL", "file:agentrun.db?cache=shared&mode=rwc"),
		DefaultEngine:    getEnv("DEFAULT_ENGINE", "scripted"),
		TimeoutGrace:     getEnvMillis("RUN_TIMEOUT_GRACE_MS", 2000),
		ToolTimeout:      getEnvMillis("TOOL_TIMEOUT_MS", 60000),
		RunRetention:     getEnvMillis("RUN_RETENTION_MS", 600000),
		ReaperInterval:   getEnvMillis("REAPER_INTERVAL_MS", 1000),
		MaxQuestionBytes: getEnvInt("MAX_QUESTION_BYTES", 32*1024),
		StreamBufferSize: getEnvInt("STREAM_BUFFER_SIZE", 256),
		MaxStreamsPerRun: getEnvInt("MAX_STREAMS_PER_RUN", 4),
		WSPingInterval:   getEnvMillis("WS_PING_INTERVAL_MS", 30000),
		WSWriteTimeout:   getEnvMillis("WS_WRITE_TIMEOUT_MS", 10000),
		WorkspaceDir:     getEnv("WORKSPACE_DIR", "./workspace"),
		ToolCatalogPath:  getEnv("TOOL_CATALOG_PATH", ""),
		PolicyPath:       getEnv("POLICY_PATH", ""),
		LLMBaseURL:       getEnv("LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:        getEnv("LLM_API_KEY", ""),
		LLMModel:         getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:       getEnvMillis("LLM_TIMEOUT_MS", 120000),
		OTELEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:     getEnvBool("OTEL_INSECURE", false),
		ServiceName:      getEnv("OTEL_SERVICE_NAME", "agentrun"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.StreamBufferSize <= 0 {
		return fmt.Errorf("config: STREAM_BUFFER_SIZE must be positive")
	}
	if c.MaxStreamsPerRun <= 0 {
		return fmt.Errorf("config: MAX_STREAMS_PER_RUN must be positive")
	}
	if c.MaxQuestionBytes <= 0 {
		return fmt.Errorf("config: MAX_QUESTION_BYTES must be positive")
	}
	if c.TimeoutGrace <= 0 || c.ReaperInterval <= 0 {
		return fmt.Errorf("config: RUN_TIMEOUT_GRACE_MS and REAPER_INTERVAL_MS must be positive")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
