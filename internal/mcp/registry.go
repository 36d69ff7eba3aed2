package mcp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/apelabs/ape/internal/aperrors"
)

// Limits on registered tool metadata.
const (
	MaxToolNameLength = 256
	MaxSchemaSize     = 1 << 20
)

// Handler executes a tool call with already-sanitised arguments and
// returns the result string.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// ToolRegistry holds registered tools. Written at startup, read-only
// during request handling.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Duplicate names are a fatal configuration
// error: two handlers behind one name means the catalog is lying.
func (r *ToolRegistry) Register(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return aperrors.New(aperrors.CodeConfigFatal, "tool registration requires a name")
	}
	if len(tool.Name) > MaxToolNameLength {
		return aperrors.Newf(aperrors.CodeConfigFatal, "tool name %q exceeds %d bytes", tool.Name, MaxToolNameLength)
	}
	if len(tool.InputSchema) > MaxSchemaSize {
		return aperrors.Newf(aperrors.CodeConfigFatal, "tool %q schema exceeds %d bytes", tool.Name, MaxSchemaSize)
	}
	if tool.Handler == nil {
		return aperrors.Newf(aperrors.CodeConfigFatal, "tool %q has no handler", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return aperrors.Newf(aperrors.CodeConfigFatal, "duplicate tool name %q", tool.Name)
	}
	r.tools[tool.Name] = tool
	r.order = append(r.order, tool.Name)
	return nil
}

// MustRegister panics on registration failure. Used for builtin tools
// whose registration can only fail through a programming error.
func (r *ToolRegistry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns tool metadata in registration order.
func (r *ToolRegistry) List() []ToolMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolMeta, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, ToolMeta{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out
}

// Len reports the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
