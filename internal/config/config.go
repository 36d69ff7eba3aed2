// Package config loads process configuration from the environment.
// Every knob is overridable; only the signing key has no default.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/apelabs/ape/internal/aperrors"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultPort           = 8000
	DefaultModel          = "qwen3:8b"
	DefaultOllamaBaseURL  = "http://localhost:11434"
	DefaultTemperature    = 0.5
	DefaultTopP           = 0.95
	DefaultTopK           = 20
	DefaultMaxIterations  = 15
	DefaultContextLimit   = 8192
	DefaultContextMargin  = 1024
	DefaultSummaryTokens  = 128
	DefaultDBPath         = "ape/sessions.db"
	DefaultPromptsDir     = "prompts"
	DefaultLogLevel       = "info"
	DefaultRateLimitCap   = 60
	DefaultRateLimitWinSec = 60
)

// Config is an immutable snapshot of process configuration. Construct it
// once at startup with Load, or build literals in tests.
type Config struct {
	Port          int
	LogLevel      string
	LogFormat     string
	Model         string
	OllamaBaseURL string
	Temperature   float64
	TopP          float64
	TopK          int

	MaxToolsIterations int
	ContextLimit       int
	ContextMargin      int
	SummaryMaxTokens   int
	SummarizeThoughts  bool

	JWTKey          string
	DBPath          string
	PromptsDir      string
	PromptHotReload bool

	RateLimitCap    int
	RateLimitWindow int // seconds
}

// Load reads configuration from the environment. A missing MCP_JWT_KEY is
// the one fatal condition: the server must never mint unsigned results.
func Load() (*Config, error) {
	key := strings.TrimSpace(os.Getenv("MCP_JWT_KEY"))
	if key == "" {
		return nil, aperrors.New(aperrors.CodeConfigFatal, "MCP_JWT_KEY is not set; refusing to start without a signing key")
	}

	cfg := &Config{
		Port:               envInt("PORT", DefaultPort),
		LogLevel:           envStr("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          envStr("LOG_FORMAT", "text"),
		Model:              envStr("LLM_MODEL", DefaultModel),
		OllamaBaseURL:      envStr("OLLAMA_BASE_URL", DefaultOllamaBaseURL),
		Temperature:        envFloat("TEMPERATURE", DefaultTemperature),
		TopP:               envFloat("TOP_P", DefaultTopP),
		TopK:               envInt("TOP_K", DefaultTopK),
		MaxToolsIterations: envInt("MAX_TOOLS_ITERATIONS", DefaultMaxIterations),
		ContextLimit:       envInt("CONTEXT_LIMIT", DefaultContextLimit),
		ContextMargin:      envInt("CONTEXT_MARGIN_TOKENS", DefaultContextMargin),
		SummaryMaxTokens:   envInt("SUMMARY_MAX_TOKENS", DefaultSummaryTokens),
		SummarizeThoughts:  envBool("SUMMARIZE_THOUGHTS", false),
		JWTKey:             key,
		DBPath:             envStr("SESSION_DB_PATH", DefaultDBPath),
		PromptsDir:         envStr("PROMPTS_DIR", DefaultPromptsDir),
		PromptHotReload:    envBool("PROMPT_HOT_RELOAD", true),
		RateLimitCap:       envInt("RATE_LIMIT_MAX_CALLS", DefaultRateLimitCap),
		RateLimitWindow:    envInt("RATE_LIMIT_WINDOW_SEC", DefaultRateLimitWinSec),
	}

	if cfg.ContextMargin < DefaultContextMargin {
		cfg.ContextMargin = DefaultContextMargin
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
