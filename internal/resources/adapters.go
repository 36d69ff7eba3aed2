package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/apelabs/ape/internal/storage"
)

// ConversationAdapter serves session catalogs and per-session history.
type ConversationAdapter struct {
	store *storage.Store
}

// NewConversationAdapter wires the adapter to the store.
func NewConversationAdapter(store *storage.Store) *ConversationAdapter {
	return &ConversationAdapter{store: store}
}

func (a *ConversationAdapter) Patterns() []string {
	return []string{
		"conversation://sessions",
		"conversation://recent",
		"conversation://*",
	}
}

func (a *ConversationAdapter) Catalog() []Meta {
	return []Meta{
		{
			URI:         "conversation://sessions",
			Name:        "All conversation sessions",
			Description: "List of session IDs with basic metadata",
			MIMEType:    MIMEJSON,
		},
		{
			URI:         "conversation://recent",
			Name:        "Recent messages (all sessions)",
			Description: "Most recent messages across every session (default 20)",
			MIMEType:    MIMEJSON,
		},
	}
}

func (a *ConversationAdapter) Read(ctx context.Context, uri string, query url.Values) (string, string, error) {
	switch {
	case uri == "conversation://sessions":
		sessions := a.store.GetAllSessions(ctx)
		return marshalJSON(sessions)

	case uri == "conversation://recent":
		limit := queryInt(query, "limit", 20)
		msgs := a.store.SearchMessages(ctx, "", limit)
		return marshalJSON(msgs)

	case strings.HasPrefix(uri, "conversation://"):
		sessionID := strings.TrimPrefix(uri, "conversation://")
		limit := queryInt(query, "limit", 50)
		msgs := a.store.GetHistory(ctx, sessionID)
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		return marshalJSON(msgs)
	}
	return "", "", fmt.Errorf("conversation adapter cannot handle %q", uri)
}

// SchemaAdapter exposes the store's table layout.
type SchemaAdapter struct {
	store *storage.Store
}

// NewSchemaAdapter wires the adapter to the store.
func NewSchemaAdapter(store *storage.Store) *SchemaAdapter {
	return &SchemaAdapter{store: store}
}

func (a *SchemaAdapter) Patterns() []string {
	return []string{
		"schema://tables",
		"schema://*/columns",
	}
}

func (a *SchemaAdapter) Catalog() []Meta {
	return []Meta{
		{
			URI:         "schema://tables",
			Name:        "Database schema tables",
			Description: "List all table names in the conversation database",
			MIMEType:    MIMEJSON,
		},
		{
			URI:         "schema://<table>/columns",
			Name:        "Table columns",
			Description: "Column names and types for one table",
			MIMEType:    MIMEJSON,
		},
	}
}

func (a *SchemaAdapter) Read(ctx context.Context, uri string, query url.Values) (string, string, error) {
	if uri == "schema://tables" {
		return marshalJSON(a.store.TableNames(ctx))
	}
	if strings.HasSuffix(uri, "/columns") {
		table := strings.TrimSuffix(strings.TrimPrefix(uri, "schema://"), "/columns")
		cols, err := a.store.TableColumns(ctx, table)
		if err != nil {
			return "", "", err
		}
		return marshalJSON(cols)
	}
	return "", "", fmt.Errorf("schema adapter cannot handle %q", uri)
}

// ErrorLogAdapter exposes the tool error audit trail.
type ErrorLogAdapter struct {
	store *storage.Store
}

// NewErrorLogAdapter wires the adapter to the store.
func NewErrorLogAdapter(store *storage.Store) *ErrorLogAdapter {
	return &ErrorLogAdapter{store: store}
}

func (a *ErrorLogAdapter) Patterns() []string {
	return []string{"errors://recent"}
}

func (a *ErrorLogAdapter) Catalog() []Meta {
	return []Meta{
		{
			URI:         "errors://recent",
			Name:        "Recent tool errors",
			Description: "Most recent tool errors (default limit=20)",
			MIMEType:    MIMEJSON,
		},
	}
}

func (a *ErrorLogAdapter) Read(ctx context.Context, uri string, query url.Values) (string, string, error) {
	if uri != "errors://recent" {
		return "", "", fmt.Errorf("errors adapter cannot handle %q", uri)
	}
	limit := queryInt(query, "limit", 20)
	sessionID := query.Get("session_id")
	return marshalJSON(a.store.GetRecentErrors(ctx, limit, sessionID))
}

func marshalJSON(v any) (string, string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode resource payload: %w", err)
	}
	return MIMEJSON, string(data), nil
}

func queryInt(q url.Values, key string, def int) int {
	if v := q.Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
