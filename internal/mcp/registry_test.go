package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/apelabs/ape/internal/aperrors"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes its input",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get("echo"); !ok {
		t.Error("registered tool not found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("unregistered tool found")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	err := r.Register(echoTool("echo"))
	if err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if aperrors.CodeOf(err) != aperrors.CodeConfigFatal {
		t.Errorf("code = %s", aperrors.CodeOf(err))
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewToolRegistry()

	if err := r.Register(&Tool{Name: "", Handler: echoTool("x").Handler}); err == nil {
		t.Error("empty name accepted")
	}
	if err := r.Register(&Tool{Name: strings.Repeat("a", MaxToolNameLength+1), Handler: echoTool("x").Handler}); err == nil {
		t.Error("oversized name accepted")
	}
	if err := r.Register(&Tool{Name: "no_handler"}); err == nil {
		t.Error("nil handler accepted")
	}
}

func TestListInsertionOrder(t *testing.T) {
	r := NewToolRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(echoTool(name)); err != nil {
			t.Fatal(err)
		}
	}
	list := r.List()
	got := []string{list[0].Name, list[1].Name, list[2].Name}
	want := []string{"zeta", "alpha", "mid"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestListDefaultsEmptySchema(t *testing.T) {
	r := NewToolRegistry()
	r.MustRegister(&Tool{
		Name:        "no_args",
		Description: "takes nothing",
		Handler:     func(context.Context, map[string]any) (string, error) { return "ok", nil },
	})
	list := r.List()
	var schema struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(list[0].InputSchema, &schema); err != nil {
		t.Fatal(err)
	}
	if schema.Type != "object" || len(schema.Properties) != 0 {
		t.Errorf("default schema = %s", list[0].InputSchema)
	}
}
