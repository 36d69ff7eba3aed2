package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/apelabs/ape/internal/storage"
)

func stubSummarizer(out string, err error) SummarizeFunc {
	return func(ctx context.Context, text string) (string, error) {
		return out, err
	}
}

type recordingSaver struct {
	records []string
	err     error
}

func (r *recordingSaver) SaveSummary(ctx context.Context, sessionID string, original []storage.Message, summaryText string) error {
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, summaryText)
	return nil
}

func msg(content string) storage.Message {
	return storage.Message{Role: "user", Content: content}
}

func TestPruneKeepsBudgetInvariant(t *testing.T) {
	saver := &recordingSaver{}
	w := NewWindow(Config{SessionID: "s1", CtxLimit: 1124, Margin: 1024}, stubSummarizer("S", nil), saver, nil)
	// Budget is 100 tokens.

	for i := 0; i < 20; i++ {
		w.Add(msg(strings.Repeat("x", 40))) // 10 tokens each
		if err := w.Prune(context.Background()); err != nil {
			t.Fatal(err)
		}
		if w.Tokens() > w.Budget() && len(w.Messages()) > 0 {
			t.Fatalf("invariant violated after add %d: tokens=%d budget=%d", i, w.Tokens(), w.Budget())
		}
	}

	if len(saver.records) == 0 {
		t.Fatal("no summary records persisted")
	}
	// Cumulative summary accrues one "S" per cycle, newline separated.
	parts := strings.Split(w.Summary(), "\n")
	if len(parts) != len(saver.records) {
		t.Errorf("summary entries = %d, records = %d", len(parts), len(saver.records))
	}
	for _, p := range parts {
		if p != "S" {
			t.Errorf("summary entry = %q", p)
		}
	}
}

func TestPruneNoopUnderBudget(t *testing.T) {
	called := false
	summarize := func(ctx context.Context, text string) (string, error) {
		called = true
		return "S", nil
	}
	w := NewWindow(Config{CtxLimit: 9000, Margin: 1024}, summarize, nil, nil)
	w.Add(msg("short"))
	if err := w.Prune(context.Background()); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("summariser invoked below budget")
	}
	if len(w.Messages()) != 1 {
		t.Error("message evicted below budget")
	}
}

func TestPruneBatchIsOldestQuarter(t *testing.T) {
	var sawText string
	summarize := func(ctx context.Context, text string) (string, error) {
		if sawText == "" {
			sawText = text
		}
		return "S", nil
	}
	w := NewWindow(Config{SessionID: "s", CtxLimit: 1124, Margin: 1024}, summarize, &recordingSaver{}, nil)
	for i, content := range []string{"oldest", "second", "third", "fourth"} {
		_ = i
		w.Add(storage.Message{Role: "user", Content: content + strings.Repeat("!", 100)})
	}
	if err := w.Prune(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sawText, "oldest") {
		t.Errorf("first summarised chunk = %q, want oldest message first", sawText[:20])
	}
}

func TestPruneAbortsOnSummarizerFailure(t *testing.T) {
	w := NewWindow(Config{SessionID: "s", CtxLimit: 1124, Margin: 1024}, stubSummarizer("", errors.New("backend down")), &recordingSaver{}, nil)
	w.Add(msg(strings.Repeat("x", 800)))

	if err := w.Prune(context.Background()); err == nil {
		t.Fatal("expected prune error")
	}
	if len(w.Messages()) != 1 {
		t.Error("messages dropped despite summariser failure")
	}
	if w.Summary() != "" {
		t.Error("summary mutated despite failure")
	}
}

func TestPruneAbortsOnEmptySummary(t *testing.T) {
	w := NewWindow(Config{SessionID: "s", CtxLimit: 1124, Margin: 1024}, stubSummarizer("", nil), &recordingSaver{}, nil)
	w.Add(msg(strings.Repeat("x", 800)))
	if err := w.Prune(context.Background()); err == nil {
		t.Fatal("expected prune error on empty summary")
	}
	if len(w.Messages()) != 1 {
		t.Error("buffer changed on empty summary")
	}
}

func TestPruneAbortsOnPersistenceFailure(t *testing.T) {
	saver := &recordingSaver{err: errors.New("disk full")}
	w := NewWindow(Config{SessionID: "s", CtxLimit: 1124, Margin: 1024}, stubSummarizer("S", nil), saver, nil)
	w.Add(msg(strings.Repeat("x", 800)))

	if err := w.Prune(context.Background()); err == nil {
		t.Fatal("expected prune error")
	}
	// Save failed, so no message may be lost.
	if len(w.Messages()) != 1 {
		t.Error("messages dropped despite failed persistence")
	}
}

func TestPruneIdempotent(t *testing.T) {
	saver := &recordingSaver{}
	w := NewWindow(Config{SessionID: "s", CtxLimit: 1124, Margin: 1024}, stubSummarizer("S", nil), saver, nil)
	for i := 0; i < 12; i++ {
		w.Add(msg(strings.Repeat("x", 40)))
	}
	if err := w.Prune(context.Background()); err != nil {
		t.Fatal(err)
	}
	records := len(saver.records)

	// Second prune with no new messages must be a no-op.
	if err := w.Prune(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(saver.records) != records {
		t.Error("idempotent prune produced new records")
	}
}

func TestForceSummarize(t *testing.T) {
	saver := &recordingSaver{}
	w := NewWindow(Config{SessionID: "s", CtxLimit: 8192, Margin: 1024}, stubSummarizer("whole buffer", nil), saver, nil)
	w.Add(msg("a"))
	w.Add(msg("b"))

	if err := w.ForceSummarize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(w.Messages()) != 0 {
		t.Error("buffer not cleared")
	}
	if w.Summary() != "whole buffer" {
		t.Errorf("summary = %q", w.Summary())
	}
	if len(saver.records) != 1 {
		t.Errorf("records = %d", len(saver.records))
	}

	// Empty buffer: no-op.
	if err := w.ForceSummarize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(saver.records) != 1 {
		t.Error("force_summarize on empty buffer wrote a record")
	}
}

func TestLatestContextPlaceholder(t *testing.T) {
	w := NewWindow(Config{}, stubSummarizer("S", nil), nil, nil)
	if got := w.LatestContext(); got != "(no summary yet)" {
		t.Errorf("LatestContext = %q", got)
	}
	w.summary = "something"
	if got := w.LatestContext(); got != "something" {
		t.Errorf("LatestContext = %q", got)
	}
}

func TestThinkBlocksStrippedBeforeSummarise(t *testing.T) {
	var saw string
	summarize := func(ctx context.Context, text string) (string, error) {
		saw = text
		return "S", nil
	}
	w := NewWindow(Config{SessionID: "s", CtxLimit: 1124, Margin: 1024, SummarizeThoughts: false}, summarize, &recordingSaver{}, nil)
	w.Add(msg("<think>hidden</think>visible" + strings.Repeat("x", 500)))
	if err := w.Prune(context.Background()); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(saw, "hidden") {
		t.Error("think block reached summariser")
	}
}
