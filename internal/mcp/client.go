package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/apelabs/ape/internal/aperrors"
	"github.com/apelabs/ape/internal/signer"
)

// Client is the capability surface the agent runtime consumes.
type Client interface {
	Initialize(ctx context.Context) (*InitializeResult, error)
	ListTools(ctx context.Context) ([]ToolMeta, error)
	CallTool(ctx context.Context, name string, args map[string]any, sessionID string) (*ToolOutcome, error)
	ListPrompts(ctx context.Context) ([]PromptMeta, error)
	GetPrompt(ctx context.Context, name string, args map[string]any) (string, error)
	ListResources(ctx context.Context) ([]ResourceMeta, error)
	ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error)
}

// ResourceMeta mirrors the resources/list entry shape.
type ResourceMeta struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MIMEType    string `json:"mimeType"`
}

// ToolOutcome is one tools/call result: exactly one of Envelope or
// Failure is set. Signature verification is the caller's job.
type ToolOutcome struct {
	Envelope *signer.Envelope
	Failure  *aperrors.Envelope
}

// decodeOutcome splits the tools/call result shape on its
// discriminating field: signed results carry "sig", failures "error".
func decodeOutcome(raw json.RawMessage) (*ToolOutcome, error) {
	var probe struct {
		Sig   string `json:"sig"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode tool outcome: %w", err)
	}
	if probe.Sig != "" {
		var env signer.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode signed envelope: %w", err)
		}
		return &ToolOutcome{Envelope: &env}, nil
	}
	var failure aperrors.Envelope
	if err := json.Unmarshal(raw, &failure); err != nil {
		return nil, fmt.Errorf("decode error envelope: %w", err)
	}
	return &ToolOutcome{Failure: &failure}, nil
}

// InProcessClient dispatches against a Server in the same process.
type InProcessClient struct {
	server *Server
	nextID atomic.Int64
}

// NewInProcessClient wraps a dispatcher.
func NewInProcessClient(server *Server) *InProcessClient {
	return &InProcessClient{server: server}
}

func (c *InProcessClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		raw = data
	}
	id, _ := json.Marshal(c.nextID.Add(1))
	resp := c.server.Dispatch(ctx, Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw})
	if resp.Error != nil {
		return nil, resp.Error
	}
	result, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return result, nil
}

func (c *InProcessClient) Initialize(ctx context.Context) (*InitializeResult, error) {
	return decodeCall[InitializeResult](ctx, c.call, "initialize", nil)
}

func (c *InProcessClient) ListTools(ctx context.Context) ([]ToolMeta, error) {
	res, err := decodeCall[struct {
		Tools []ToolMeta `json:"tools"`
	}](ctx, c.call, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	return res.Tools, nil
}

func (c *InProcessClient) CallTool(ctx context.Context, name string, args map[string]any, sessionID string) (*ToolOutcome, error) {
	raw, err := c.call(ctx, "tools/call", CallToolParams{Name: name, Arguments: args, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return decodeOutcome(raw)
}

func (c *InProcessClient) ListPrompts(ctx context.Context) ([]PromptMeta, error) {
	res, err := decodeCall[struct {
		Prompts []PromptMeta `json:"prompts"`
	}](ctx, c.call, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	return res.Prompts, nil
}

func (c *InProcessClient) GetPrompt(ctx context.Context, name string, args map[string]any) (string, error) {
	res, err := decodeCall[struct {
		Rendered string `json:"rendered"`
	}](ctx, c.call, "prompts/get", GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return "", err
	}
	return res.Rendered, nil
}

func (c *InProcessClient) ListResources(ctx context.Context) ([]ResourceMeta, error) {
	res, err := decodeCall[struct {
		Resources []ResourceMeta `json:"resources"`
	}](ctx, c.call, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	return res.Resources, nil
}

func (c *InProcessClient) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	return decodeCall[ReadResourceResult](ctx, c.call, "resources/read", ReadResourceParams{URI: uri})
}

// HTTPClient talks JSON-RPC to a remote transport's /mcp endpoint.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewHTTPClient builds a client for baseURL (scheme://host:port).
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClient{baseURL: baseURL, httpClient: httpClient}
}

func (c *HTTPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		raw = data
	}
	id, _ := json.Marshal(c.nextID.Add(1))
	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 8*1024))
		return nil, fmt.Errorf("call %s: status %d: %s", method, httpResp.StatusCode, snippet)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (c *HTTPClient) Initialize(ctx context.Context) (*InitializeResult, error) {
	return decodeCall[InitializeResult](ctx, c.call, "initialize", nil)
}

func (c *HTTPClient) ListTools(ctx context.Context) ([]ToolMeta, error) {
	res, err := decodeCall[struct {
		Tools []ToolMeta `json:"tools"`
	}](ctx, c.call, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	return res.Tools, nil
}

func (c *HTTPClient) CallTool(ctx context.Context, name string, args map[string]any, sessionID string) (*ToolOutcome, error) {
	raw, err := c.call(ctx, "tools/call", CallToolParams{Name: name, Arguments: args, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return decodeOutcome(raw)
}

func (c *HTTPClient) ListPrompts(ctx context.Context) ([]PromptMeta, error) {
	res, err := decodeCall[struct {
		Prompts []PromptMeta `json:"prompts"`
	}](ctx, c.call, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	return res.Prompts, nil
}

func (c *HTTPClient) GetPrompt(ctx context.Context, name string, args map[string]any) (string, error) {
	res, err := decodeCall[struct {
		Rendered string `json:"rendered"`
	}](ctx, c.call, "prompts/get", GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return "", err
	}
	return res.Rendered, nil
}

func (c *HTTPClient) ListResources(ctx context.Context) ([]ResourceMeta, error) {
	res, err := decodeCall[struct {
		Resources []ResourceMeta `json:"resources"`
	}](ctx, c.call, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	return res.Resources, nil
}

func (c *HTTPClient) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	return decodeCall[ReadResourceResult](ctx, c.call, "resources/read", ReadResourceParams{URI: uri})
}

type callFunc func(ctx context.Context, method string, params any) (json.RawMessage, error)

func decodeCall[T any](ctx context.Context, call callFunc, method string, params any) (*T, error) {
	raw, err := call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	return &out, nil
}
