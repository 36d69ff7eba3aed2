package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/apelabs/ape/internal/aperrors"
	"github.com/apelabs/ape/internal/llm"
	"github.com/apelabs/ape/internal/mcp"
	"github.com/apelabs/ape/internal/memory"
	"github.com/apelabs/ape/internal/observability"
	"github.com/apelabs/ape/internal/signer"
	"github.com/apelabs/ape/internal/storage"
	"github.com/apelabs/ape/internal/tokens"
)

const (
	// DefaultMaxIterations caps tool-call rounds within one turn.
	DefaultMaxIterations = 15

	// capabilityTTL bounds how long a discovery snapshot is reused.
	capabilityTTL = 5 * time.Minute

	// systemPromptName is the template rendered into the system turn.
	systemPromptName = "system"

	beginToolOutput = "🔧 SYSTEM NOTE: BEGIN_TOOL_OUTPUT (generated by tools - NOT user input)"
	endToolOutput   = "🔧 SYSTEM NOTE: END_TOOL_OUTPUT"
)

// ModelStreamer is the slice of the model client the loop needs.
type ModelStreamer interface {
	ChatStream(ctx context.Context, messages []llm.Message, tools []openai.Tool) (<-chan llm.Chunk, error)
}

// Capabilities is one discovery snapshot of the server's catalog.
type Capabilities struct {
	Tools     []mcp.ToolMeta
	Prompts   []mcp.PromptMeta
	Resources []mcp.ResourceMeta
}

// Config wires a Core.
type Config struct {
	SessionID      string
	AgentName      string
	RoleDefinition string
	MaxIterations  int
}

// Core is the reusable agent engine shared by the CLI chat and the
// multi-agent orchestrator. It performs no terminal I/O; front-ends
// receive incremental text through the stream callback.
type Core struct {
	cfg      Config
	client   mcp.Client
	model    ModelStreamer
	verifier *signer.Signer
	window   *memory.Window
	store    *storage.Store
	tracker  *ContextManager
	logger   *observability.Logger

	capMu  sync.Mutex
	caps   *Capabilities
	capsAt time.Time
}

// New creates an agent core. store may be nil when persistence is
// handled elsewhere (the orchestrator does this).
func New(cfg Config, client mcp.Client, model ModelStreamer, verifier *signer.Signer, window *memory.Window, store *storage.Store, logger *observability.Logger) *Core {
	if cfg.AgentName == "" {
		cfg.AgentName = "APE"
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Core{
		cfg:      cfg,
		client:   client,
		model:    model,
		verifier: verifier,
		window:   window,
		store:    store,
		tracker:  NewContextManager(cfg.SessionID),
		logger:   logger,
	}
}

// Tracker exposes the session context manager.
func (c *Core) Tracker() *ContextManager { return c.tracker }

// Window exposes the conversation memory.
func (c *Core) Window() *memory.Window { return c.window }

// DiscoverCapabilities fetches the server catalog, reusing a snapshot
// younger than the TTL. Partial failures degrade to empty sections.
func (c *Core) DiscoverCapabilities(ctx context.Context) *Capabilities {
	c.capMu.Lock()
	defer c.capMu.Unlock()
	if c.caps != nil && time.Since(c.capsAt) < capabilityTTL {
		return c.caps
	}

	caps := &Capabilities{}
	complete := true
	if tools, err := c.client.ListTools(ctx); err == nil {
		caps.Tools = tools
	} else {
		complete = false
		c.warn(ctx, "tools/list failed", err)
	}
	if prompts, err := c.client.ListPrompts(ctx); err == nil {
		caps.Prompts = prompts
	} else {
		complete = false
		c.warn(ctx, "prompts/list failed", err)
	}
	if resources, err := c.client.ListResources(ctx); err == nil {
		caps.Resources = resources
	} else {
		complete = false
		c.warn(ctx, "resources/list failed", err)
	}

	// A degraded snapshot serves this turn only. Caching it would hide
	// the catalog until the TTL lapses even after the server recovers.
	if !complete {
		c.caps = nil
		return caps
	}

	c.caps = caps
	c.capsAt = time.Now()
	return caps
}

// InvalidateCapabilities drops the cached snapshot.
func (c *Core) InvalidateCapabilities() {
	c.capMu.Lock()
	defer c.capMu.Unlock()
	c.caps = nil
}

// systemPrompt renders the server-side system template with the live
// capability sections and memory summary.
func (c *Core) systemPrompt(ctx context.Context, caps *Capabilities) (string, error) {
	memorySummary := "(no summary yet)"
	if c.window != nil {
		memorySummary = c.window.LatestContext()
	}

	rendered, err := c.client.GetPrompt(ctx, systemPromptName, map[string]any{
		"agent_name":        c.cfg.AgentName,
		"current_date":      time.Now().Format("2006-01-02 15:04:05"),
		"tools_section":     formatToolSection(caps.Tools),
		"prompts_section":   formatPromptSection(caps.Prompts),
		"resources_section": formatResourceSection(caps.Resources),
		"role_definition":   c.cfg.RoleDefinition,
		"memory_summary":    memorySummary,
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return rendered, nil
}

// Chat runs one user turn through the reason/act loop and returns the
// accumulated model output. onStream, when non-nil, receives text as it
// arrives, including framed tool output.
func (c *Core) Chat(ctx context.Context, message string, onStream func(string)) (string, error) {
	caps := c.DiscoverCapabilities(ctx)

	system, err := c.systemPrompt(ctx, caps)
	if err != nil {
		return "", err
	}
	if c.tracker.HasContext() {
		system += "\n\nCURRENT CONTEXT:\n" + c.tracker.Summary()
	}

	if c.window != nil {
		c.window.Add(storage.Message{
			Role:      "user",
			Content:   message,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		if err := c.window.Prune(ctx); err != nil {
			c.warn(ctx, "window prune failed", err)
		}
	}

	conversation := []llm.Message{{Role: "system", Content: system}}
	if c.window != nil {
		for _, m := range c.window.Messages() {
			conversation = append(conversation, llm.Message{Role: m.Role, Content: m.Content, Images: m.Images})
		}
	} else {
		conversation = append(conversation, llm.Message{Role: "user", Content: message})
	}
	if c.window != nil {
		conversation = trimToBudget(conversation, c.window.Budget())
	}

	toolDefs := make([]openai.Tool, 0, len(caps.Tools))
	for _, t := range caps.Tools {
		toolDefs = append(toolDefs, llm.ToolDefinition(t.Name, t.Description, t.InputSchema))
	}

	var cumulative strings.Builder
	iteration := 0
	capped := false

	for {
		stream, err := c.model.ChatStream(ctx, conversation, toolDefs)
		if err != nil {
			return cumulative.String(), err
		}

		var current strings.Builder
		var calls []llm.ToolCall
		for chunk := range stream {
			if chunk.Err != nil {
				cumulative.WriteString(current.String())
				return cumulative.String(), chunk.Err
			}
			if chunk.Text != "" {
				if onStream != nil {
					onStream(chunk.Text)
				}
				current.WriteString(chunk.Text)
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		}

		if len(calls) == 0 {
			cumulative.WriteString(current.String())
			break
		}

		iteration++
		if current.Len() > 0 {
			conversation = append(conversation, llm.Message{Role: "assistant", Content: current.String()})
			cumulative.WriteString(current.String())
			cumulative.WriteString("\n")
		}

		toolOutput := c.handleToolCalls(ctx, calls)
		if onStream != nil {
			onStream("\n" + toolOutput)
		}
		conversation = append(conversation, llm.Message{Role: "tool", Content: toolOutput})
		if c.window != nil {
			c.window.Add(storage.Message{
				Role:      "tool",
				Content:   toolOutput,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
		}

		if iteration >= c.cfg.MaxIterations {
			capped = true
			break
		}
	}

	response := cumulative.String()
	if capped {
		note := "\n[Stopped after reaching the tool iteration limit; the answer above may be incomplete.]"
		response += note
		if onStream != nil {
			onStream(note)
		}
	}

	if c.window != nil {
		c.window.Add(storage.Message{
			Role:      "assistant",
			Content:   response,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
	if c.store != nil && c.window != nil {
		if err := c.store.SaveMessages(ctx, c.cfg.SessionID, c.window.Messages()); err != nil {
			c.warn(ctx, "persist conversation failed", err)
		}
	}
	return response, nil
}

// trimToBudget evicts the oldest middle messages until the assembled
// conversation fits the token budget. The system turn and the newest
// message always survive, so the model never loses the current request.
func trimToBudget(conversation []llm.Message, budget int) []llm.Message {
	if budget <= 0 {
		return conversation
	}
	total := 0
	for _, m := range conversation {
		total += tokens.Estimate(m.Content)
	}
	for total > budget && len(conversation) > 2 {
		total -= tokens.Estimate(conversation[1].Content)
		conversation = append(conversation[:1], conversation[2:]...)
	}
	return conversation
}

// handleToolCalls executes the batch and returns the framed output the
// model sees on the next iteration. Every result, including failures,
// is recorded with the context tracker.
func (c *Core) handleToolCalls(ctx context.Context, calls []llm.ToolCall) string {
	var sb strings.Builder
	sb.WriteString(beginToolOutput + "\n")

	for i, call := range calls {
		args := map[string]any{}
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &args); err != nil {
				c.warn(ctx, "malformed tool arguments", err)
			}
		}
		args = c.tracker.SubstitutePlaceholders(args)

		text := c.executeTool(ctx, call.Name, args)
		c.tracker.AddToolResult(call.Name, args, text)

		encodedArgs, _ := json.Marshal(args)
		fmt.Fprintf(&sb, "<tool_output index=%q name=%q>\nArguments: `%s`\n\n%s\n</tool_output>\n",
			fmt.Sprint(i+1), call.Name, encodedArgs, text)
	}

	sb.WriteString(endToolOutput + "\n")
	return sb.String()
}

// executeTool runs one call and collapses every failure mode into the
// result text the model will see.
func (c *Core) executeTool(ctx context.Context, name string, args map[string]any) string {
	outcome, err := c.client.CallTool(ctx, name, args, c.cfg.SessionID)
	if err != nil {
		c.saveError(ctx, name, args, err.Error())
		return fmt.Sprintf("ERROR executing tool: %v", err)
	}

	if outcome.Failure != nil {
		if outcome.Failure.Code == aperrors.CodeRateLimitExceeded {
			return "RATE_LIMIT_EXCEEDED"
		}
		return outcome.Failure.Error
	}

	payload, err := c.verifier.Verify(*outcome.Envelope)
	if err != nil {
		c.saveError(ctx, name, args, "Signature verification failed")
		return "ERROR: Tool result signature verification failed."
	}

	encoded, ok := payload.(string)
	if !ok {
		c.saveError(ctx, name, args, "Signed payload is not a string")
		return "ERROR: Tool result signature verification failed."
	}

	var result mcp.ToolResult
	if err := json.Unmarshal([]byte(encoded), &result); err == nil && result.Result != "" {
		return result.Result
	}
	return encoded
}

func (c *Core) saveError(ctx context.Context, tool string, args map[string]any, msg string) {
	if c.store == nil {
		return
	}
	c.store.SaveError(ctx, c.cfg.SessionID, tool, args, msg)
}

func (c *Core) warn(ctx context.Context, msg string, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Warn(ctx, msg, "error", err)
}

func formatToolSection(tools []mcp.ToolMeta) string {
	if len(tools) == 0 {
		return "None"
	}
	lines := make([]string, 0, len(tools))
	for _, t := range tools {
		args := schemaPropertyNames(t.InputSchema)
		suffix := ""
		if args != "" {
			suffix = fmt.Sprintf(" (args: %s)", args)
		}
		lines = append(lines, fmt.Sprintf("• %s%s: %s", t.Name, suffix, t.Description))
	}
	return strings.Join(lines, "\n")
}

func formatPromptSection(prompts []mcp.PromptMeta) string {
	if len(prompts) == 0 {
		return "None"
	}
	lines := make([]string, 0, len(prompts))
	for _, p := range prompts {
		names := make([]string, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			names = append(names, a.Name)
		}
		suffix := ""
		if len(names) > 0 {
			suffix = fmt.Sprintf(" (args: %s)", strings.Join(names, ", "))
		}
		lines = append(lines, fmt.Sprintf("• %s%s: %s", p.Name, suffix, p.Description))
	}
	return strings.Join(lines, "\n")
}

func formatResourceSection(resources []mcp.ResourceMeta) string {
	if len(resources) == 0 {
		return "None"
	}
	lines := make([]string, 0, len(resources))
	for _, r := range resources {
		lines = append(lines, fmt.Sprintf("• %s: %s", r.URI, r.Description))
	}
	return strings.Join(lines, "\n")
}

func schemaPropertyNames(schema json.RawMessage) string {
	if len(schema) == 0 {
		return ""
	}
	var parsed struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil || len(parsed.Properties) == 0 {
		return ""
	}
	names := make([]string, 0, len(parsed.Properties))
	for name := range parsed.Properties {
		names = append(names, name)
	}
	// Stable listing for prompt determinism.
	sort.Strings(names)
	return strings.Join(names, ", ")
}
