package summarize

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/apelabs/ape/internal/aperrors"
	"github.com/apelabs/ape/internal/llm"
	"github.com/apelabs/ape/internal/tokens"
)

// stubBackend returns canned responses in order, then errors.
type stubBackend struct {
	responses []string
	err       error
	prompts   []string
}

func (s *stubBackend) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", errors.New("no more responses")
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

func TestInputTooLarge(t *testing.T) {
	s := New(nil, Config{}, nil)
	big := strings.Repeat("word ", 5000) // ~6250 tokens
	_, err := s.Summarize(context.Background(), big)
	if aperrors.CodeOf(err) != aperrors.CodeInputTooLarge {
		t.Fatalf("want INPUT_TOO_LARGE, got %v", err)
	}
}

func TestThinkBlocksStripped(t *testing.T) {
	backend := &stubBackend{responses: []string{"clean summary"}}
	s := New(backend, Config{SummarizeThoughts: false}, nil)

	_, err := s.Summarize(context.Background(), "<think>secret\nreasoning</think>Visible text.")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(backend.prompts[0], "secret") {
		t.Error("think block leaked into model prompt")
	}
	if !strings.Contains(backend.prompts[0], "Visible text.") {
		t.Error("visible text missing from prompt")
	}
}

func TestThinkBlocksKeptWhenEnabled(t *testing.T) {
	backend := &stubBackend{responses: []string{"ok"}}
	s := New(backend, Config{SummarizeThoughts: true}, nil)
	s.Summarize(context.Background(), "<think>reasoning</think>Text.")
	if !strings.Contains(backend.prompts[0], "reasoning") {
		t.Error("think block stripped despite SUMMARIZE_THOUGHTS=true")
	}
}

func TestModelPathWithinBudget(t *testing.T) {
	backend := &stubBackend{responses: []string{"A short TL;DR."}}
	s := New(backend, Config{MaxTokens: 50}, nil)

	out, err := s.Summarize(context.Background(), "Some long text. With sentences.")
	if err != nil {
		t.Fatal(err)
	}
	if out != "A short TL;DR." {
		t.Errorf("out = %q", out)
	}
	if len(backend.prompts) != 1 {
		t.Errorf("prompts = %d, want 1 (no retry needed)", len(backend.prompts))
	}
}

func TestOverlongModelAnswerRetriesStricter(t *testing.T) {
	long := strings.Repeat("verylongword ", 100) // way over 10 tokens
	backend := &stubBackend{responses: []string{long, "Tight answer."}}
	s := New(backend, Config{MaxTokens: 10}, nil)

	out, err := s.Summarize(context.Background(), "input text to compress.")
	if err != nil {
		t.Fatal(err)
	}
	if len(backend.prompts) != 2 {
		t.Fatalf("prompts = %d, want retry", len(backend.prompts))
	}
	if !strings.Contains(backend.prompts[1], "too long") {
		t.Errorf("retry prompt not stricter: %q", backend.prompts[1])
	}
	if tokens.Estimate(out) > 10 {
		t.Errorf("output over budget: %d tokens", tokens.Estimate(out))
	}
}

func TestBudgetGuaranteeAfterFailedRetry(t *testing.T) {
	long := strings.Repeat("word ", 200)
	backend := &stubBackend{responses: []string{long, long}}
	s := New(backend, Config{MaxTokens: 16}, nil)

	out, err := s.Summarize(context.Background(), "input.")
	if err != nil {
		t.Fatal(err)
	}
	if tokens.Estimate(out) > 16 {
		t.Errorf("output over budget: %d tokens", tokens.Estimate(out))
	}
}

func TestExtractiveFallback(t *testing.T) {
	backend := &stubBackend{err: errors.New("connection refused")}
	s := New(backend, Config{MaxTokens: 12}, nil)

	text := "First sentence here. Second sentence follows. Third sentence is longer than the rest and will not fit."
	out, err := s.Summarize(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "First sentence here.") {
		t.Errorf("fallback should keep leading sentences: %q", out)
	}
	if tokens.Estimate(out) > 12 {
		t.Errorf("fallback over budget: %d tokens", tokens.Estimate(out))
	}
}

func TestExtractiveWithoutBackend(t *testing.T) {
	s := New(nil, Config{MaxTokens: 128}, nil)
	out, err := s.Summarize(context.Background(), "Only sentence.")
	if err != nil {
		t.Fatal(err)
	}
	if out != "Only sentence." {
		t.Errorf("out = %q", out)
	}
}

func TestEmptyInput(t *testing.T) {
	s := New(nil, Config{}, nil)
	out, err := s.Summarize(context.Background(), "   ")
	if err != nil {
		t.Fatal(err)
	}
	if out != "(no content)" {
		t.Errorf("out = %q", out)
	}
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("One. Two! Three? Four")
	want := []string{"One.", "Two!", "Three?", "Four"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}
}
