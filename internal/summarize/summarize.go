// Package summarize compresses text blocks to a bounded token budget.
// The model path is best effort with a hard timeout; the extractive
// fallback guarantees an answer even with no backend running.
package summarize

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/apelabs/ape/internal/aperrors"
	"github.com/apelabs/ape/internal/llm"
	"github.com/apelabs/ape/internal/observability"
	"github.com/apelabs/ape/internal/tokens"
)

const (
	// InputLimit is the hard cap on input size, in tokens.
	InputLimit = 4000

	// DefaultMaxTokens is the default output budget K.
	DefaultMaxTokens = 128

	// modelTimeout bounds each backend attempt.
	modelTimeout = 30 * time.Second
)

var thinkRE = regexp.MustCompile(`(?s)<think>.*?</think>`)

// sentenceRE splits on sentence boundaries for the truncation passes.
var sentenceRE = regexp.MustCompile(`(?:[.!?])\s+`)

// Generator is the slice of the model client the summariser needs.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts llm.Options) (string, error)
}

// Summarizer produces bounded summaries.
type Summarizer struct {
	backend           Generator
	logger            *observability.Logger
	maxTokens         int
	summarizeThoughts bool
}

// Config for New.
type Config struct {
	MaxTokens         int
	SummarizeThoughts bool
}

// New creates a Summarizer. backend may be nil, in which case only the
// extractive path runs.
func New(backend Generator, cfg Config, logger *observability.Logger) *Summarizer {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Summarizer{
		backend:           backend,
		logger:            logger,
		maxTokens:         maxTokens,
		summarizeThoughts: cfg.SummarizeThoughts,
	}
}

// MaxTokens returns the configured output budget.
func (s *Summarizer) MaxTokens() int { return s.maxTokens }

// Summarize compresses text to at most MaxTokens tokens. Inputs over
// InputLimit tokens are refused with INPUT_TOO_LARGE.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	if !s.summarizeThoughts {
		text = thinkRE.ReplaceAllString(text, "")
	}
	text = strings.TrimSpace(text)

	if n := tokens.Estimate(text); n > InputLimit {
		return "", aperrors.Newf(aperrors.CodeInputTooLarge,
			"input too large for summarize_text: %d tokens, maximum is %d", n, InputLimit)
	}
	if text == "" {
		return "(no content)", nil
	}

	if summary, ok := s.modelSummary(ctx, text); ok {
		return summary, nil
	}
	return s.extractive(text), nil
}

// modelSummary asks the backend for a TL;DR, retrying once with a
// stricter prompt when the first answer blows the budget.
func (s *Summarizer) modelSummary(ctx context.Context, text string) (string, bool) {
	if s.backend == nil {
		return "", false
	}

	prompt := fmt.Sprintf(
		"You are an expert summariser. Provide a concise TL;DR of the following text in at most %d tokens.\n\n%s\n\nTL;DR:",
		s.maxTokens, text)
	summary, err := s.generate(ctx, prompt)
	if err != nil {
		if s.logger != nil {
			s.logger.Debug(ctx, "model summary failed, using extractive fallback", "error", err)
		}
		return "", false
	}
	if summary == "" {
		return "", false
	}

	if tokens.Estimate(summary) > s.maxTokens {
		stricter := fmt.Sprintf(
			"The following summary is too long. Rewrite it in at most %d tokens. Output only the rewritten summary.\n\n%s",
			s.maxTokens, summary)
		if retried, err := s.generate(ctx, stricter); err == nil && retried != "" {
			summary = retried
		}
	}

	return s.truncate(summary), true
}

func (s *Summarizer) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, modelTimeout)
	defer cancel()
	out, err := s.backend.Generate(ctx, prompt, llm.Options{Temperature: 0.2, NumPredict: s.maxTokens * 2})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// truncate enforces the budget: whole sentences first, then words.
func (s *Summarizer) truncate(summary string) string {
	if tokens.Estimate(summary) <= s.maxTokens {
		return summary
	}

	var kept []string
	total := 0
	for _, sent := range splitSentences(summary) {
		n := tokens.Estimate(sent)
		if total+n > s.maxTokens {
			break
		}
		kept = append(kept, sent)
		total += n
	}
	out := strings.TrimSpace(strings.Join(kept, " "))
	if out == "" {
		out = summary
	}

	for tokens.Estimate(out) > s.maxTokens {
		words := strings.Fields(out)
		if len(words) <= 1 {
			break
		}
		out = strings.Join(words[:len(words)-1], " ")
	}
	return out
}

// extractive keeps leading sentences up to the budget.
func (s *Summarizer) extractive(text string) string {
	var kept []string
	total := 0
	for _, sent := range splitSentences(text) {
		if sent == "" {
			continue
		}
		n := tokens.Estimate(sent)
		if total+n > s.maxTokens {
			break
		}
		kept = append(kept, sent)
		total += n
	}

	if len(kept) == 0 && text != "" {
		words := strings.Fields(text)
		if len(words) > s.maxTokens {
			words = words[:s.maxTokens]
		}
		kept = append(kept, strings.Join(words, " "))
	}

	summary := strings.TrimSpace(strings.Join(kept, " "))
	for tokens.Estimate(summary) > s.maxTokens {
		words := strings.Fields(summary)
		if len(words) <= 1 {
			break
		}
		summary = strings.Join(words[:len(words)-1], " ")
	}
	if summary == "" {
		return "(no content)"
	}
	return summary
}

// splitSentences splits text on .!? boundaries, keeping the punctuation
// with the preceding sentence.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	bounds := sentenceRE.FindAllStringIndex(text, -1)
	if len(bounds) == 0 {
		return []string{text}
	}
	var out []string
	prev := 0
	for _, b := range bounds {
		// b[0] is the punctuation position; keep it in the sentence.
		out = append(out, strings.TrimSpace(text[prev:b[0]+1]))
		prev = b[1]
	}
	if prev < len(text) {
		out = append(out, strings.TrimSpace(text[prev:]))
	}
	return out
}
