// Package config loads the immutable process-wide configuration from the
// environment. The struct is built once at startup and injected into the
// pipeline factory; it is never mutated afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for pipeline tuning knobs. Values can be overridden via the
// environment variable of the same name.
const (
	DefaultMaxRevisionCycles     = 2
	DefaultRetrievalThreshold    = 0.3
	DefaultRetrievalLimit        = 15
	DefaultStreamUpdateEvery     = 10
	DefaultHistoryMessageCap     = 12
	DefaultCoverageTarget        = 0.85
	DefaultCoverageTargetRelaxed = 0.70
	DefaultSessionTimeout        = 5 * time.Minute
	DefaultMaxConcurrentSessions = 16
)

// Config is the process-wide configuration.
type Config struct {
	// Model backend
	ModelAPIKey  string
	ModelBaseURL string
	WriterModel  string
	JudgeModel   string
	SkepticModel string
	// Attribution headers sent on every model request
	Referer string
	Title   string

	// Retrieval backend
	RetrieverURL string

	// Pipeline tuning
	MaxRevisionCycles     int
	RetrievalThreshold    float64
	RetrievalLimit        int
	StreamUpdateEvery     int
	HistoryMessageCap     int
	CoverageTarget        float64
	CoverageTargetRelaxed float64

	// Scheduling
	SessionTimeout        time.Duration
	MaxConcurrentSessions int
}

// Load builds a Config from the environment. MODEL_API_KEY is the only
// required setting; everything else has a default.
func Load() (*Config, error) {
	apiKey := os.Getenv("MODEL_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("MODEL_API_KEY is required")
	}

	cfg := &Config{
		ModelAPIKey:  apiKey,
		ModelBaseURL: getEnvOrDefault("MODEL_BASE_URL", "https://openrouter.ai/api/v1"),
		WriterModel:  getEnvOrDefault("WRITER_MODEL", "anthropic/claude-sonnet-4"),
		JudgeModel:   getEnvOrDefault("JUDGE_MODEL", "openai/gpt-4o"),
		SkepticModel: getEnvOrDefault("SKEPTIC_MODEL", "openai/gpt-4o-mini"),
		Referer:      getEnvOrDefault("MODEL_HTTP_REFERER", "https://verity.dev"),
		Title:        getEnvOrDefault("MODEL_HTTP_TITLE", "Verity"),

		RetrieverURL: getEnvOrDefault("RETRIEVER_URL", "http://localhost:8001"),

		MaxRevisionCycles:     getEnvInt("MAX_REVISION_CYCLES", DefaultMaxRevisionCycles),
		RetrievalThreshold:    getEnvFloat("RETRIEVAL_THRESHOLD", DefaultRetrievalThreshold),
		RetrievalLimit:        getEnvInt("RETRIEVAL_LIMIT", DefaultRetrievalLimit),
		StreamUpdateEvery:     getEnvInt("STREAM_UPDATE_EVERY", DefaultStreamUpdateEvery),
		HistoryMessageCap:     getEnvInt("HISTORY_MESSAGE_CAP", DefaultHistoryMessageCap),
		CoverageTarget:        getEnvFloat("COVERAGE_TARGET_DEFAULT", DefaultCoverageTarget),
		CoverageTargetRelaxed: getEnvFloat("COVERAGE_TARGET_RELAXED", DefaultCoverageTargetRelaxed),

		SessionTimeout:        getEnvDuration("SESSION_TIMEOUT", DefaultSessionTimeout),
		MaxConcurrentSessions: getEnvInt("MAX_CONCURRENT_SESSIONS", DefaultMaxConcurrentSessions),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxRevisionCycles < 0 {
		return fmt.Errorf("MAX_REVISION_CYCLES must be non-negative, got %d", c.MaxRevisionCycles)
	}
	if c.RetrievalLimit <= 0 {
		return fmt.Errorf("RETRIEVAL_LIMIT must be positive, got %d", c.RetrievalLimit)
	}
	if c.StreamUpdateEvery <= 0 {
		return fmt.Errorf("STREAM_UPDATE_EVERY must be positive, got %d", c.StreamUpdateEvery)
	}
	if c.CoverageTarget < 0 || c.CoverageTarget > 1 {
		return fmt.Errorf("COVERAGE_TARGET_DEFAULT must be within [0,1], got %v", c.CoverageTarget)
	}
	if c.CoverageTargetRelaxed < 0 || c.CoverageTargetRelaxed > c.CoverageTarget {
		return fmt.Errorf("COVERAGE_TARGET_RELAXED must be within [0, COVERAGE_TARGET_DEFAULT], got %v", c.CoverageTargetRelaxed)
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_SESSIONS must be positive, got %d", c.MaxConcurrentSessions)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
