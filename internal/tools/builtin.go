// Package tools registers the builtin capability set: database
// introspection, conversation retrieval, resource access, and text
// summarisation. Handlers return plain strings; the dispatcher wraps
// them in signed envelopes.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apelabs/ape/internal/aperrors"
	"github.com/apelabs/ape/internal/mcp"
	"github.com/apelabs/ape/internal/observability"
	"github.com/apelabs/ape/internal/resources"
	"github.com/apelabs/ape/internal/storage"
	"github.com/apelabs/ape/internal/summarize"
)

// MaxResourceBytes caps read_resource payloads.
const MaxResourceBytes = 64 * 1024

// allowedSchemes whitelists URI schemes the model may read through the
// read_resource tool. The errors:// adapter stays operator-only.
var allowedSchemes = []string{"conversation://", "schema://"}

// allowedMIMETypes whitelists content types returned to the model.
var allowedMIMETypes = map[string]bool{
	resources.MIMEJSON:     true,
	resources.MIMEText:     true,
	resources.MIMEMarkdown: true,
}

// forbiddenSQLTokens is a coarse guard on top of the SELECT-only rule:
// multiple statements and mutating keywords are rejected outright.
var forbiddenSQLTokens = []string{";", "DROP", "DELETE", "UPDATE", "INSERT", "ALTER", "CREATE", "ATTACH", "DETACH", "PRAGMA"}

// Deps are the collaborators the builtin handlers close over.
type Deps struct {
	Store      *storage.Store
	Resources  *resources.Registry
	Summarizer *summarize.Summarizer
	Logger     *observability.Logger
}

// RegisterBuiltins installs the builtin tool set on the registry.
func RegisterBuiltins(reg *mcp.ToolRegistry, deps Deps) error {
	b := &builtins{deps: deps, registry: reg}

	all := []*mcp.Tool{
		{
			Name:        "execute_database_query",
			Description: "Execute a read-only SQL query on the conversation database",
			InputSchema: objectSchema(map[string]any{
				"query": map[string]any{"type": "string", "description": "SQL SELECT statement to execute"},
			}, "query"),
			Handler: b.executeDatabaseQuery,
		},
		{
			Name:        "get_conversation_history",
			Description: "Retrieve recent conversation history from the database",
			InputSchema: objectSchema(map[string]any{
				"session_id": map[string]any{"type": "string", "description": "Session to read; omit for all sessions"},
				"limit":      map[string]any{"type": "integer", "default": 10},
			}),
			Handler: b.getConversationHistory,
		},
		{
			Name:        "get_database_info",
			Description: "Get conversation database schema and per-table statistics",
			InputSchema: objectSchema(nil),
			Handler:     b.getDatabaseInfo,
		},
		{
			Name:        "search_conversations",
			Description: "Search conversation history using text matching",
			InputSchema: objectSchema(map[string]any{
				"query": map[string]any{"type": "string", "description": "Substring to search for"},
				"limit": map[string]any{"type": "integer", "default": 5},
			}, "query"),
			Handler: b.searchConversations,
		},
		{
			Name:        "list_available_tools",
			Description: "List all registered tools with their descriptions",
			InputSchema: objectSchema(nil),
			Handler:     b.listAvailableTools,
		},
		{
			Name:        "get_last_n_user_interactions",
			Description: "Get the last N user messages",
			InputSchema: interactionSchema(),
			Handler:     b.lastInteractions("user", "User"),
		},
		{
			Name:        "get_last_n_tool_interactions",
			Description: "Get the last N tool execution results",
			InputSchema: interactionSchema(),
			Handler:     b.lastInteractions("tool", "Tool Result"),
		},
		{
			Name:        "get_last_n_agent_interactions",
			Description: "Get the last N agent responses",
			InputSchema: interactionSchema(),
			Handler:     b.lastInteractions("assistant", "Agent"),
		},
		{
			Name:        "read_resource",
			Description: "Read a registry resource (conversation://*, schema://*)",
			InputSchema: objectSchema(map[string]any{
				"uri":   map[string]any{"type": "string", "description": "Resource URI to read"},
				"limit": map[string]any{"type": "integer", "description": "Optional limit supported by some resources", "default": 20},
			}, "uri"),
			Handler: b.readResource,
		},
		{
			Name:        "summarize_text",
			Description: "Return a concise summary of the provided text",
			InputSchema: objectSchema(map[string]any{
				"text": map[string]any{"type": "string", "description": "Text to summarise"},
			}, "text"),
			Handler: b.summarizeText,
		},
	}

	for _, tool := range all {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

type builtins struct {
	deps     Deps
	registry *mcp.ToolRegistry
}

func (b *builtins) executeDatabaseQuery(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", aperrors.New(aperrors.CodeValidationError, "empty SQL query provided")
	}

	normalized := strings.ToUpper(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";")))
	if !strings.HasPrefix(normalized, "SELECT") {
		return "SECURITY_ERROR: Only read-only SELECT statements are allowed. Destructive or mutating queries are blocked.", nil
	}
	for _, token := range forbiddenSQLTokens {
		if strings.Contains(normalized, token) {
			return "SECURITY_ERROR: Potentially unsafe SQL detected, query rejected.", nil
		}
	}

	rows, err := b.deps.Store.Query(ctx, query)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "QUERY_RESULT: No data found. The query returned zero rows.", nil
	}
	encoded, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", aperrors.Wrap(aperrors.CodeToolExecutionError, "encode query result", err)
	}
	return "QUERY_RESULT: " + string(encoded), nil
}

func (b *builtins) getConversationHistory(ctx context.Context, args map[string]any) (string, error) {
	sessionID, _ := args["session_id"].(string)
	limit := intArg(args, "limit", 10)

	var msgs []storage.Message
	if sessionID != "" {
		msgs = b.deps.Store.GetHistory(ctx, sessionID)
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
	} else {
		msgs = b.deps.Store.SearchMessages(ctx, "", limit)
		// SearchMessages returns newest first; present chronologically.
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}

	if len(msgs) == 0 {
		return "No conversation history found.", nil
	}
	encoded, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return "", aperrors.Wrap(aperrors.CodeToolExecutionError, "encode history", err)
	}
	return string(encoded), nil
}

func (b *builtins) getDatabaseInfo(ctx context.Context, _ map[string]any) (string, error) {
	info := map[string]any{"tables": map[string]any{}}
	tables := info["tables"].(map[string]any)

	for _, table := range b.deps.Store.TableNames(ctx) {
		columns, err := b.deps.Store.TableColumns(ctx, table)
		if err != nil {
			return "", err
		}
		count, err := b.deps.Store.RowCount(ctx, table)
		if err != nil {
			return "", err
		}
		entry := map[string]any{"schema": columns, "row_count": count}
		if table == "history" {
			entry["unique_sessions"] = len(b.deps.Store.GetAllSessions(ctx))
		}
		tables[table] = entry
	}

	encoded, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", aperrors.Wrap(aperrors.CodeToolExecutionError, "encode database info", err)
	}
	return string(encoded), nil
}

func (b *builtins) searchConversations(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	limit := intArg(args, "limit", 5)

	msgs := b.deps.Store.SearchMessages(ctx, query, limit)
	if len(msgs) == 0 {
		return fmt.Sprintf("No conversations found matching: %s", query), nil
	}

	type hit struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
	}
	hits := make([]hit, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		hits = append(hits, hit{Role: m.Role, Content: content, Timestamp: m.Timestamp})
	}
	encoded, err := json.MarshalIndent(hits, "", "  ")
	if err != nil {
		return "", aperrors.Wrap(aperrors.CodeToolExecutionError, "encode search results", err)
	}
	return string(encoded), nil
}

func (b *builtins) listAvailableTools(_ context.Context, _ map[string]any) (string, error) {
	var sb strings.Builder
	sb.WriteString("Available tools:\n\n")
	for _, meta := range b.registry.List() {
		fmt.Fprintf(&sb, "- %s: %s\n", meta.Name, meta.Description)
	}
	return sb.String(), nil
}

// lastInteractions builds a role-filtered history handler. label is the
// speaker prefix in the rendered transcript.
func (b *builtins) lastInteractions(role, label string) mcp.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		n := intArg(args, "n", 5)
		sessionID, _ := args["session_id"].(string)

		msgs := b.deps.Store.RecentByRole(ctx, role, sessionID, n)
		if len(msgs) == 0 {
			scope := sessionID
			if scope == "" {
				scope = "any session"
			}
			return fmt.Sprintf("No %s interactions found for session: %s", role, scope), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Last %d %s interactions:\n\n", len(msgs), role)
		for i, m := range msgs {
			content := m.Content
			if len(content) > 500 {
				content = content[:500] + "..."
			}
			fmt.Fprintf(&sb, "%d. [%s]\n   %s: %s\n\n", i+1, m.Timestamp, label, content)
		}
		return sb.String(), nil
	}
}

func (b *builtins) readResource(ctx context.Context, args map[string]any) (string, error) {
	uri, _ := args["uri"].(string)

	permitted := false
	for _, scheme := range allowedSchemes {
		if strings.HasPrefix(uri, scheme) {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Sprintf("SECURITY_ERROR: URI scheme not permitted: %s", uri), nil
	}

	if limit := intArg(args, "limit", 0); limit > 0 && !strings.Contains(uri, "?") {
		uri = fmt.Sprintf("%s?limit=%d", uri, limit)
	}

	mime, content, err := b.deps.Resources.Read(ctx, uri)
	if err != nil {
		return fmt.Sprintf("ERROR reading resource %s: %v", uri, err), nil
	}
	if len(content) > MaxResourceBytes {
		return "SECURITY_ERROR: Resource content exceeds safe size limit", nil
	}
	if !allowedMIMETypes[mime] {
		return fmt.Sprintf("SECURITY_ERROR: MIME type %q not permitted", mime), nil
	}
	return content, nil
}

func (b *builtins) summarizeText(ctx context.Context, args map[string]any) (string, error) {
	text, _ := args["text"].(string)
	return b.deps.Summarizer.Summarize(ctx, text)
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return def
}

func objectSchema(properties map[string]any, required ...string) json.RawMessage {
	if properties == nil {
		properties = map[string]any{}
	}
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	encoded, err := json.Marshal(schema)
	if err != nil {
		panic(err)
	}
	return encoded
}

func interactionSchema() json.RawMessage {
	return objectSchema(map[string]any{
		"n":          map[string]any{"type": "integer", "default": 5},
		"session_id": map[string]any{"type": "string"},
	})
}
