// Package resources exposes read-only data through URI-addressed
// adapters: conversation history, database schema, and the tool error
// log. Adapters declare wildcard URI patterns; the registry resolves a
// concrete URI to the first matching adapter.
package resources

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// MIME types used by the built-in adapters.
const (
	MIMEJSON     = "application/json"
	MIMEText     = "text/plain"
	MIMEMarkdown = "text/markdown"
)

// Meta describes one catalog entry for resources/list.
type Meta struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MIMEType    string `json:"mimeType"`
}

// Adapter serves a family of URIs.
type Adapter interface {
	// Patterns returns the URI patterns this adapter claims. A trailing
	// or embedded `*` matches any suffix/segment.
	Patterns() []string

	// Catalog returns the entries advertised via resources/list.
	Catalog() []Meta

	// Read resolves a concrete URI (query already split off) and returns
	// (mimeType, content).
	Read(ctx context.Context, uri string, query url.Values) (string, string, error)
}

// Registry maps URI patterns to adapters.
type Registry struct {
	mu       sync.RWMutex
	patterns []compiledPattern
	adapters []Adapter
}

type compiledPattern struct {
	re      *regexp.Regexp
	adapter Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an adapter's patterns. Later registrations lose to
// earlier ones on overlapping patterns.
func (r *Registry) Register(adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pattern := range adapter.Patterns() {
		re, err := compilePattern(pattern)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", pattern, err)
		}
		r.patterns = append(r.patterns, compiledPattern{re: re, adapter: adapter})
	}
	r.adapters = append(r.adapters, adapter)
	return nil
}

// List returns the combined catalog in registration order.
func (r *Registry) List() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Meta
	for _, a := range r.adapters {
		out = append(out, a.Catalog()...)
	}
	return out
}

// Read resolves and reads a URI. The query string, when present, is
// parsed and passed to the adapter.
func (r *Registry) Read(ctx context.Context, rawURI string) (string, string, error) {
	uri := rawURI
	query := url.Values{}
	if idx := strings.Index(rawURI, "?"); idx != -1 {
		uri = rawURI[:idx]
		parsed, err := url.ParseQuery(rawURI[idx+1:])
		if err == nil {
			query = parsed
		}
	}

	adapter := r.match(uri)
	if adapter == nil {
		return "", "", fmt.Errorf("no resource adapter for %q", uri)
	}
	return adapter.Read(ctx, uri, query)
}

func (r *Registry) match(uri string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cp := range r.patterns {
		if cp.re.MatchString(uri) {
			return cp.adapter
		}
	}
	return nil
}

// compilePattern turns a wildcard pattern into an anchored regexp,
// quoting everything except `*`.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}
