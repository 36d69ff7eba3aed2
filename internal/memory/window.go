// Package memory keeps a bounded conversation history within the model's
// context budget, spilling older content into a running summary that is
// persisted before anything is dropped.
package memory

import (
	"context"
	"regexp"
	"strings"

	"github.com/apelabs/ape/internal/observability"
	"github.com/apelabs/ape/internal/storage"
	"github.com/apelabs/ape/internal/tokens"
)

var thinkRE = regexp.MustCompile(`(?s)<think>.*?</think>`)

// SummarizeFunc compresses a text block. Wired to the summarize_text
// tool (through the MCP client on the agent side) or directly to the
// summariser in-process.
type SummarizeFunc func(ctx context.Context, text string) (string, error)

// SummarySaver is the slice of the store the memory needs for the audit
// trail. Satisfied by *storage.Store.
type SummarySaver interface {
	SaveSummary(ctx context.Context, sessionID string, original []storage.Message, summaryText string) error
}

// Window is a sliding message window with on-overflow summarisation.
// Not safe for concurrent use; each agent owns one.
type Window struct {
	sessionID         string
	ctxLimit          int
	margin            int
	summarizeThoughts bool

	messages []storage.Message
	summary  string

	summarize SummarizeFunc
	saver     SummarySaver
	logger    *observability.Logger
}

// Config for NewWindow.
type Config struct {
	SessionID         string
	CtxLimit          int
	Margin            int
	SummarizeThoughts bool
}

// NewWindow creates a window memory. saver may be nil (no audit trail,
// e.g. in throwaway sessions); summarize must not be.
func NewWindow(cfg Config, summarize SummarizeFunc, saver SummarySaver, logger *observability.Logger) *Window {
	if cfg.CtxLimit <= 0 {
		cfg.CtxLimit = 8192
	}
	if cfg.Margin < 1024 {
		cfg.Margin = 1024
	}
	return &Window{
		sessionID:         cfg.SessionID,
		ctxLimit:          cfg.CtxLimit,
		margin:            cfg.Margin,
		summarizeThoughts: cfg.SummarizeThoughts,
		summarize:         summarize,
		saver:             saver,
		logger:            logger,
	}
}

// Add appends a message to the window.
func (w *Window) Add(msg storage.Message) {
	w.messages = append(w.messages, msg)
}

// Messages returns the live buffer (callers must not mutate it).
func (w *Window) Messages() []storage.Message { return w.messages }

// Summary returns the cumulative summary text.
func (w *Window) Summary() string { return w.summary }

// Tokens returns the combined footprint of raw messages and summary.
func (w *Window) Tokens() int {
	total := tokens.Estimate(w.summary)
	for _, m := range w.messages {
		total += tokens.Estimate(m.Content)
	}
	return total
}

// Budget returns the usable token budget, ctx_limit minus margin.
func (w *Window) Budget() int { return w.ctxLimit - w.margin }

// Prune summarises and evicts oldest messages until the window fits the
// budget. Each cycle takes the oldest 25% of the buffer (at least one
// message), persists the summary record, and only then drops the
// originals. Any failure aborts the loop with the buffer intact.
func (w *Window) Prune(ctx context.Context) error {
	for w.Tokens() > w.Budget() && len(w.messages) > 0 {
		batch := len(w.messages) / 4
		if batch < 1 {
			batch = 1
		}
		if err := w.compact(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// ForceSummarize summarises the entire buffer and clears it. Used for
// stagnation recovery.
func (w *Window) ForceSummarize(ctx context.Context) error {
	if len(w.messages) == 0 {
		return nil
	}
	return w.compact(ctx, len(w.messages))
}

// compact summarises the oldest batch messages, persists the record, and
// evicts them. Returns an error without touching the buffer when the
// summary is empty or persistence fails.
func (w *Window) compact(ctx context.Context, batch int) error {
	chunk := w.messages[:batch]

	parts := make([]string, 0, batch)
	for _, m := range chunk {
		parts = append(parts, m.Content)
	}
	text := strings.Join(parts, "\n")
	if !w.summarizeThoughts {
		text = thinkRE.ReplaceAllString(text, "")
	}
	text = strings.TrimSpace(text)

	summaryText, err := w.summarize(ctx, text)
	if err != nil {
		w.logWarn(ctx, "summarisation failed, buffer unchanged", err)
		return err
	}
	if summaryText == "" {
		w.logWarn(ctx, "summarisation returned empty text, buffer unchanged", nil)
		return errEmptySummary
	}

	// Persist before dropping: the audit trail must never have a gap.
	if w.saver != nil && w.sessionID != "" {
		original := make([]storage.Message, batch)
		copy(original, chunk)
		if err := w.saver.SaveSummary(ctx, w.sessionID, original, summaryText); err != nil {
			w.logWarn(ctx, "summary persistence failed, buffer unchanged", err)
			return err
		}
	}

	w.messages = append(w.messages[:0:0], w.messages[batch:]...)
	if w.summary != "" {
		w.summary += "\n"
	}
	w.summary += summaryText

	if w.logger != nil {
		w.logger.Debug(ctx, "window compacted",
			"session_id", w.sessionID, "evicted", batch, "tokens", w.Tokens())
	}
	return nil
}

// LatestContext returns the summary for prompt injection, or a
// placeholder when nothing has been summarised yet.
func (w *Window) LatestContext() string {
	if w.summary == "" {
		return "(no summary yet)"
	}
	return w.summary
}

func (w *Window) logWarn(ctx context.Context, msg string, err error) {
	if w.logger == nil {
		return
	}
	if err != nil {
		w.logger.Warn(ctx, msg, "error", err)
	} else {
		w.logger.Warn(ctx, msg)
	}
}

type summaryError string

func (e summaryError) Error() string { return string(e) }

const errEmptySummary = summaryError("summariser returned empty text")
