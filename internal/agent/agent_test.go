package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/apelabs/ape/internal/aperrors"
	"github.com/apelabs/ape/internal/llm"
	"github.com/apelabs/ape/internal/mcp"
	"github.com/apelabs/ape/internal/memory"
	"github.com/apelabs/ape/internal/signer"
	"github.com/apelabs/ape/internal/storage"
)

// scriptedModel replays canned turns: each call to ChatStream consumes
// the next script entry.
type scriptedModel struct {
	turns [][]llm.Chunk
	calls int
}

func (m *scriptedModel) ChatStream(_ context.Context, _ []llm.Message, _ []openai.Tool) (<-chan llm.Chunk, error) {
	turn := m.turns[len(m.turns)-1]
	if m.calls < len(m.turns) {
		turn = m.turns[m.calls]
	}
	m.calls++

	ch := make(chan llm.Chunk, len(turn))
	for _, c := range turn {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// fakeClient serves a fixed catalog and scripted tool outcomes. listErr,
// when set, fails every catalog verb.
type fakeClient struct {
	signer    *signer.Signer
	outcome   func(name string, args map[string]any) *mcp.ToolOutcome
	listErr   error
	lastArgs  map[string]any
	callCount int
}

func (f *fakeClient) Initialize(context.Context) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{ProtocolVersion: mcp.ProtocolVersion}, nil
}

func (f *fakeClient) ListTools(context.Context) ([]mcp.ToolMeta, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []mcp.ToolMeta{{
		Name:        "lookup",
		Description: "looks things up",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"session_id":{"type":"string"}}}`),
	}}, nil
}

func (f *fakeClient) CallTool(_ context.Context, name string, args map[string]any, _ string) (*mcp.ToolOutcome, error) {
	f.callCount++
	f.lastArgs = args
	return f.outcome(name, args), nil
}

func (f *fakeClient) ListPrompts(context.Context) ([]mcp.PromptMeta, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []mcp.PromptMeta{{Name: "system", Description: "system prompt"}}, nil
}

func (f *fakeClient) GetPrompt(_ context.Context, name string, args map[string]any) (string, error) {
	return "You are " + args["agent_name"].(string) + ". Tools:\n" + args["tools_section"].(string), nil
}

func (f *fakeClient) ListResources(context.Context) ([]mcp.ResourceMeta, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []mcp.ResourceMeta{{URI: "schema://tables", Description: "table list"}}, nil
}

func (f *fakeClient) ReadResource(context.Context, string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{MIMEType: "text/plain", Contents: "ok"}, nil
}

func signedOutcome(t *testing.T, s *signer.Signer, tool, result string) *mcp.ToolOutcome {
	t.Helper()
	payload, err := json.Marshal(mcp.ToolResult{
		ToolName:  tool,
		Result:    result,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	env, err := s.Sign("res-1", string(payload))
	if err != nil {
		t.Fatal(err)
	}
	return &mcp.ToolOutcome{Envelope: &env}
}

func toolCallTurn(name, args string) []llm.Chunk {
	return []llm.Chunk{
		{Text: "Let me check. "},
		{ToolCall: &llm.ToolCall{ID: "c1", Name: name, Arguments: json.RawMessage(args)}},
	}
}

func newTestCore(t *testing.T, client *fakeClient, model ModelStreamer, maxIter int) (*Core, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	window := memory.NewWindow(memory.Config{SessionID: "sess-t", CtxLimit: 32768}, nil, nil, nil)
	core := New(Config{SessionID: "sess-t", MaxIterations: maxIter},
		client, model, signer.New("agent-test-key"), window, store, nil)
	return core, store
}

func TestChatWithVerifiedToolCall(t *testing.T) {
	sg := signer.New("agent-test-key")
	client := &fakeClient{signer: sg}
	client.outcome = func(name string, _ map[string]any) *mcp.ToolOutcome {
		return signedOutcome(t, sg, name, "42 sessions found")
	}
	model := &scriptedModel{turns: [][]llm.Chunk{
		toolCallTurn("lookup", `{}`),
		{{Text: "There are 42 sessions."}},
	}}

	core, store := newTestCore(t, client, model, 0)
	var streamed strings.Builder
	out, err := core.Chat(context.Background(), "how many sessions?", func(s string) { streamed.WriteString(s) })
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "There are 42 sessions.") {
		t.Errorf("out = %q", out)
	}
	if !strings.Contains(streamed.String(), beginToolOutput) || !strings.Contains(streamed.String(), "42 sessions found") {
		t.Errorf("streamed = %q", streamed.String())
	}

	// The full turn is persisted: user input, framed tool output, reply.
	history := store.GetHistory(context.Background(), "sess-t")
	if len(history) != 3 || history[0].Role != "user" || history[1].Role != "tool" || history[2].Role != "assistant" {
		t.Errorf("history = %+v", history)
	}
	toolRows := store.RecentByRole(context.Background(), "tool", "sess-t", 10)
	if len(toolRows) != 1 || !strings.Contains(toolRows[0].Content, "42 sessions found") {
		t.Errorf("tool rows = %+v", toolRows)
	}
}

func TestChatSignatureFailureSubstituted(t *testing.T) {
	wrongKey := signer.New("some-other-key")
	client := &fakeClient{}
	client.outcome = func(name string, _ map[string]any) *mcp.ToolOutcome {
		return signedOutcome(t, wrongKey, name, "tampered")
	}
	model := &scriptedModel{turns: [][]llm.Chunk{
		toolCallTurn("lookup", `{}`),
		{{Text: "done"}},
	}}

	core, store := newTestCore(t, client, model, 0)
	var streamed strings.Builder
	if _, err := core.Chat(context.Background(), "hi", func(s string) { streamed.WriteString(s) }); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(streamed.String(), "signature verification failed") {
		t.Errorf("streamed = %q", streamed.String())
	}
	errs := store.GetRecentErrors(context.Background(), 10, "sess-t")
	if len(errs) != 1 || errs[0].Tool != "lookup" {
		t.Errorf("audit = %+v", errs)
	}
}

func TestChatRateLimitSubstituted(t *testing.T) {
	client := &fakeClient{}
	client.outcome = func(string, map[string]any) *mcp.ToolOutcome {
		env := aperrors.NewEnvelope(aperrors.New(aperrors.CodeRateLimitExceeded, "slow down"), "lookup", nil)
		return &mcp.ToolOutcome{Failure: &env}
	}
	model := &scriptedModel{turns: [][]llm.Chunk{
		toolCallTurn("lookup", `{}`),
		{{Text: "ok"}},
	}}

	core, _ := newTestCore(t, client, model, 0)
	var streamed strings.Builder
	if _, err := core.Chat(context.Background(), "hi", func(s string) { streamed.WriteString(s) }); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(streamed.String(), "RATE_LIMIT_EXCEEDED") {
		t.Errorf("streamed = %q", streamed.String())
	}
}

func TestChatFailureMentioningRateLimitNotSubstituted(t *testing.T) {
	client := &fakeClient{}
	client.outcome = func(string, map[string]any) *mcp.ToolOutcome {
		env := aperrors.NewEnvelope(
			aperrors.New(aperrors.CodeToolExecutionError, `upstream replied "RATE_LIMIT_EXCEEDED"`),
			"lookup", nil)
		return &mcp.ToolOutcome{Failure: &env}
	}
	model := &scriptedModel{turns: [][]llm.Chunk{
		toolCallTurn("lookup", `{}`),
		{{Text: "ok"}},
	}}

	core, _ := newTestCore(t, client, model, 0)
	var streamed strings.Builder
	if _, err := core.Chat(context.Background(), "hi", func(s string) { streamed.WriteString(s) }); err != nil {
		t.Fatal(err)
	}
	// Only the limiter's own code triggers the bare substitution; an
	// execution failure keeps its full message.
	if !strings.Contains(streamed.String(), "TOOL_EXECUTION_ERROR") {
		t.Errorf("streamed = %q", streamed.String())
	}
}

func TestChatIterationCap(t *testing.T) {
	sg := signer.New("agent-test-key")
	client := &fakeClient{}
	client.outcome = func(name string, _ map[string]any) *mcp.ToolOutcome {
		return signedOutcome(t, sg, name, "more data")
	}
	// Model never stops asking for tools.
	model := &scriptedModel{turns: [][]llm.Chunk{toolCallTurn("lookup", `{}`)}}

	core, _ := newTestCore(t, client, model, 3)
	out, err := core.Chat(context.Background(), "loop forever", nil)
	if err != nil {
		t.Fatal(err)
	}
	if client.callCount != 3 {
		t.Errorf("tool calls = %d, want capped at 3", client.callCount)
	}
	if !strings.Contains(out, "iteration limit") {
		t.Errorf("out = %q", out)
	}
}

func TestPlaceholderSubstitution(t *testing.T) {
	sg := signer.New("agent-test-key")
	client := &fakeClient{}
	client.outcome = func(name string, _ map[string]any) *mcp.ToolOutcome {
		return signedOutcome(t, sg, name, "done")
	}
	model := &scriptedModel{turns: [][]llm.Chunk{
		toolCallTurn("lookup", `{"session_id":"retrieved_session_id"}`),
		{{Text: "ok"}},
	}}

	core, _ := newTestCore(t, client, model, 0)
	// Bind last_session_id the way a prior sessions listing would.
	core.Tracker().AddToolResult("get_conversation_history", nil, `[{"session_id":"sess-bound"}]`)

	if _, err := core.Chat(context.Background(), "hi", nil); err != nil {
		t.Fatal(err)
	}
	if client.lastArgs["session_id"] != "sess-bound" {
		t.Errorf("args = %+v", client.lastArgs)
	}
}

func TestFailedDiscoveryNotCached(t *testing.T) {
	client := &fakeClient{listErr: errors.New("server unavailable")}
	model := &scriptedModel{turns: [][]llm.Chunk{{{Text: "hi"}}}}
	core, _ := newTestCore(t, client, model, 0)

	degraded := core.DiscoverCapabilities(context.Background())
	if len(degraded.Tools) != 0 {
		t.Fatalf("degraded snapshot = %+v", degraded)
	}

	// Server recovers: the next discovery must hit it again instead of
	// reusing the empty snapshot for the whole TTL.
	client.listErr = nil
	recovered := core.DiscoverCapabilities(context.Background())
	if len(recovered.Tools) != 1 || len(recovered.Prompts) != 1 || len(recovered.Resources) != 1 {
		t.Errorf("recovered snapshot = %+v", recovered)
	}
}

func TestCapabilityCaching(t *testing.T) {
	client := &fakeClient{}
	model := &scriptedModel{turns: [][]llm.Chunk{{{Text: "hi"}}}}
	core, _ := newTestCore(t, client, model, 0)

	first := core.DiscoverCapabilities(context.Background())
	second := core.DiscoverCapabilities(context.Background())
	if first != second {
		t.Error("snapshot not reused within TTL")
	}
	core.InvalidateCapabilities()
	third := core.DiscoverCapabilities(context.Background())
	if third == first {
		t.Error("snapshot survived invalidation")
	}
}

func TestContextManagerSummary(t *testing.T) {
	cm := NewContextManager("s")
	if cm.HasContext() {
		t.Error("fresh manager reports context")
	}
	cm.AddToolResult("lookup", map[string]any{"q": "x"}, `[{"session_id":"abc","message_count":7}]`)

	if v, _ := cm.Extracted("last_session_id"); v != "abc" {
		t.Errorf("last_session_id = %v", v)
	}
	if v, _ := cm.Extracted("last_message_count"); v != float64(7) {
		t.Errorf("last_message_count = %v", v)
	}

	summary := cm.Summary()
	if !strings.HasPrefix(summary, "CURRENT SESSION CONTEXT:") || !strings.Contains(summary, "last_session_id: abc") {
		t.Errorf("summary = %q", summary)
	}

	cm.Clear()
	if cm.HasContext() {
		t.Error("clear did not reset")
	}
}

func TestTrimToBudgetKeepsSystemAndNewest(t *testing.T) {
	big := strings.Repeat("x", 400) // 100 tokens each
	conversation := []llm.Message{
		{Role: "system", Content: big},
		{Role: "user", Content: big},
		{Role: "assistant", Content: big},
		{Role: "user", Content: big},
	}

	trimmed := trimToBudget(conversation, 250)
	if len(trimmed) != 2 {
		t.Fatalf("len = %d, want 2", len(trimmed))
	}
	if trimmed[0].Role != "system" || trimmed[1].Role != "user" {
		t.Errorf("roles = %s, %s", trimmed[0].Role, trimmed[1].Role)
	}
	// Under budget: untouched.
	small := []llm.Message{{Role: "system", Content: "a"}, {Role: "user", Content: "b"}}
	if got := trimToBudget(small, 250); len(got) != 2 {
		t.Errorf("under-budget conversation trimmed to %d", len(got))
	}
}

func TestSubstituteUnboundPlaceholderPassesThrough(t *testing.T) {
	cm := NewContextManager("s")
	args := cm.SubstitutePlaceholders(map[string]any{"session_id": "retrieved_session_id"})
	if args["session_id"] != "retrieved_session_id" {
		t.Errorf("args = %+v", args)
	}
}
