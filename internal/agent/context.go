// Package agent implements the reason/act loop: capability discovery,
// streaming chat with tool interception, signed result verification, and
// the per-session context tracker.
package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// placeholderSessionID is the argument value the model emits when it
// wants the session id recovered from earlier tool results.
const placeholderSessionID = "retrieved_session_id"

// ContextManager tracks tool results and values extracted from them
// within one session. Runtime-only; nothing here touches disk.
type ContextManager struct {
	sessionID string
	results   []trackedResult
	extracted map[string]any
}

type trackedResult struct {
	Tool      string
	Arguments map[string]any
	Result    string
	Timestamp string
}

// NewContextManager creates a tracker for one session.
func NewContextManager(sessionID string) *ContextManager {
	return &ContextManager{
		sessionID: sessionID,
		extracted: make(map[string]any),
	}
}

// AddToolResult records one invocation and mines the result for values
// the model may want to reference later.
func (c *ContextManager) AddToolResult(tool string, arguments map[string]any, result string) {
	tr := trackedResult{
		Tool:      tool,
		Arguments: arguments,
		Result:    result,
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
	}
	c.results = append(c.results, tr)

	key := fmt.Sprintf("%s_%d", tool, len(c.results))
	c.extracted[key+"_tool"] = tool
	c.extracted[key+"_timestamp"] = tr.Timestamp

	var items []map[string]any
	if err := json.Unmarshal([]byte(result), &items); err == nil && len(items) > 0 {
		first := items[0]
		for _, field := range []string{"session_id", "message_count", "total_messages", "total_sessions"} {
			if v, ok := first[field]; ok {
				c.extracted["last_"+field] = v
			}
		}
	}
}

// Extracted returns one mined value.
func (c *ContextManager) Extracted(key string) (any, bool) {
	v, ok := c.extracted[key]
	return v, ok
}

// SubstitutePlaceholders replaces known placeholder argument values with
// their bound context values. Unbound placeholders pass through
// untouched so validation can flag them.
func (c *ContextManager) SubstitutePlaceholders(arguments map[string]any) map[string]any {
	if len(arguments) == 0 {
		return arguments
	}
	sessionID, bound := c.extracted["last_session_id"]
	out := make(map[string]any, len(arguments))
	for k, v := range arguments {
		if s, ok := v.(string); ok && s == placeholderSessionID && bound {
			out[k] = sessionID
			continue
		}
		out[k] = v
	}
	return out
}

// Summary renders the tracked context for prompt stuffing. Values over
// 100 characters are truncated.
func (c *ContextManager) Summary() string {
	var sb strings.Builder
	sb.WriteString("CURRENT SESSION CONTEXT:\n")

	if len(c.results) > 0 {
		sb.WriteString("\nAvailable Tool Results:\n")
		for i, r := range c.results {
			fmt.Fprintf(&sb, "- %s_%d: %s (executed at %s)\n", r.Tool, i+1, r.Tool, r.Timestamp)
		}
	}

	if len(c.extracted) > 0 {
		keys := make([]string, 0, len(c.extracted))
		for k := range c.extracted {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString("\nExtracted Values:\n")
		for _, k := range keys {
			value := fmt.Sprintf("%v", c.extracted[k])
			if len(value) > 100 {
				value = value[:100] + "..."
			}
			fmt.Fprintf(&sb, "- %s: %s\n", k, value)
		}
	}
	return sb.String()
}

// HasContext reports whether any tool results have been tracked yet.
func (c *ContextManager) HasContext() bool {
	return len(c.results) > 0 || len(c.extracted) > 0
}

// Clear resets the tracker for a new session.
func (c *ContextManager) Clear() {
	c.results = nil
	c.extracted = make(map[string]any)
}
