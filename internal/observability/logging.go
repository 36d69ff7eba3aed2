// Package observability provides structured logging for the APE runtime.
//
// Built on log/slog with:
//   - configurable level and format (JSON for production, text for development)
//   - automatic session/tool/agent correlation from context
//   - redaction of secrets (the signing key, JWTs, generic tokens)
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with context correlation and secret redaction.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures logger construction.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" or "text". Defaults to "text".
	Format string

	// Output defaults to os.Stderr so log lines never interleave with
	// the stdio transport's protocol frames on stdout.
	Output io.Writer

	// RedactPatterns are additional regexes redacted from all records.
	RedactPatterns []string
}

// ContextKey is the type for logging correlation keys stored in context.
type ContextKey string

const (
	SessionIDKey ContextKey = "session_id"
	ToolKey      ContextKey = "tool"
	AgentKey     ContextKey = "agent"
)

// defaultRedactPatterns cover the secrets this process handles: the HMAC
// signing key material and compact JWTs inside result envelopes.
var defaultRedactPatterns = []string{
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	`(?i)(secret|password|api[_-]?key|jwt[_-]?key)[\s:=]+["']?([^\s"']{8,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-.]{16,})`,
}

// NewLogger creates a logger. Unrecognised levels fall back to info.
func NewLogger(cfg LogConfig) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	patterns := append(append([]string{}, defaultRedactPatterns...), cfg.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// ParseLevel converts a level string to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// WithFields returns a logger carrying the given key-value pairs on
// every record.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), redacts: l.redacts}
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redact(msg)

	attrs := make([]any, 0, len(args)+6)
	for _, key := range []ContextKey{SessionIDKey, ToolKey, AgentKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, string(key), v)
		}
	}
	for _, arg := range args {
		attrs = append(attrs, l.redactValue(arg))
	}

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redact(val)
	case error:
		return l.redact(val.Error())
	default:
		return v
	}
}

func (l *Logger) redact(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// WithSessionID stores a session id for correlation in log records.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// WithTool stores the tool name being executed.
func WithTool(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ToolKey, name)
}

// WithAgent stores the agent name for multi-agent runs.
func WithAgent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, AgentKey, name)
}
