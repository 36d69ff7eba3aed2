package aperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"direct", New(CodeToolNotFound, "no such tool"), CodeToolNotFound},
		{"wrapped", fmt.Errorf("dispatch: %w", New(CodeRateLimitExceeded, "slow down")), CodeRateLimitExceeded},
		{"plain", errors.New("boom"), CodeToolExecutionError},
		{"nested wrap", Wrap(CodeSQLError, "query failed", errors.New("syntax")), CodeSQLError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(CodeSQLError, "query failed", errors.New("near SELECT"))
	want := "SQL_ERROR: query failed: near SELECT"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, err.Unwrap()) && err.Unwrap() == nil {
		t.Error("Unwrap() returned nil for wrapped error")
	}
}

func TestNewEnvelope(t *testing.T) {
	err := New(CodeValidationError, "missing field").WithDetail("field", "query")
	env := NewEnvelope(err, "execute_database_query", map[string]any{"limit": 5})
	if env.Tool != "execute_database_query" {
		t.Errorf("Tool = %q", env.Tool)
	}
	if env.Details["field"] != "query" {
		t.Errorf("Details = %v", env.Details)
	}
	if env.Timestamp == "" {
		t.Error("Timestamp empty")
	}
	if env.Error != "VALIDATION_ERROR: missing field" {
		t.Errorf("Error = %q", env.Error)
	}
	if env.Code != CodeValidationError {
		t.Errorf("Code = %q", env.Code)
	}
}

func TestNewEnvelopeUncodedError(t *testing.T) {
	env := NewEnvelope(errors.New("handler blew up"), "lookup", nil)
	if env.Code != CodeToolExecutionError {
		t.Errorf("Code = %q, want default classification", env.Code)
	}
}
