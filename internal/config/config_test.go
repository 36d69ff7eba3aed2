package config

import (
	"errors"
	"testing"

	"github.com/apelabs/ape/internal/aperrors"
)

func TestLoadRequiresJWTKey(t *testing.T) {
	t.Setenv("MCP_JWT_KEY", "")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error with empty MCP_JWT_KEY")
	}
	var coded *aperrors.Error
	if !errors.As(err, &coded) || coded.Code != aperrors.CodeConfigFatal {
		t.Errorf("want CONFIG_FATAL, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MCP_JWT_KEY", "test-secret-key")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8000 {
		t.Errorf("Port = %d, want 8000", cfg.Port)
	}
	if cfg.Model != "qwen3:8b" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if cfg.MaxToolsIterations != 15 {
		t.Errorf("MaxToolsIterations = %d", cfg.MaxToolsIterations)
	}
	if cfg.SummaryMaxTokens != 128 {
		t.Errorf("SummaryMaxTokens = %d", cfg.SummaryMaxTokens)
	}
	if cfg.SummarizeThoughts {
		t.Error("SummarizeThoughts should default to false")
	}
	if cfg.RateLimitCap != 60 || cfg.RateLimitWindow != 60 {
		t.Errorf("rate limit defaults = %d/%ds", cfg.RateLimitCap, cfg.RateLimitWindow)
	}
	if !cfg.PromptHotReload {
		t.Error("PromptHotReload should default to true")
	}
}

func TestLoadPromptHotReloadDisable(t *testing.T) {
	t.Setenv("MCP_JWT_KEY", "k")
	t.Setenv("PROMPT_HOT_RELOAD", "false")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PromptHotReload {
		t.Error("PROMPT_HOT_RELOAD=false ignored")
	}
}

func TestLoadOverridesAndMarginFloor(t *testing.T) {
	t.Setenv("MCP_JWT_KEY", "k")
	t.Setenv("PORT", "9001")
	t.Setenv("TEMPERATURE", "0.9")
	t.Setenv("SUMMARIZE_THOUGHTS", "true")
	t.Setenv("CONTEXT_MARGIN_TOKENS", "100")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9001 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.Temperature != 0.9 {
		t.Errorf("Temperature = %v", cfg.Temperature)
	}
	if !cfg.SummarizeThoughts {
		t.Error("SummarizeThoughts override ignored")
	}
	// Margin below the safety floor is clamped up.
	if cfg.ContextMargin != 1024 {
		t.Errorf("ContextMargin = %d, want 1024", cfg.ContextMargin)
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("MCP_JWT_KEY", "k")
	t.Setenv("PORT", "not-a-number")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8000 {
		t.Errorf("Port = %d, want default on malformed input", cfg.Port)
	}
}
