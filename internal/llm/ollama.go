// Package llm talks to the local Ollama endpoint: a streaming chat API
// for the agent loop and a blocking generate API for the summariser.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// Options carries the sampling parameters sent with every request.
type Options struct {
	Temperature float64
	TopP        float64
	TopK        int
	NumPredict  int
}

// Config configures the client.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	Options Options
}

// Message is one chat turn in provider form.
type Message struct {
	Role      string
	Content   string
	Images    []string
	ToolCalls []ToolCall
	// ToolName is set on role "tool" messages to name the producing tool.
	ToolName string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Chunk is one unit of a streamed completion.
type Chunk struct {
	Text     string
	ToolCall *ToolCall
	Done     bool
	Err      error
}

// Client is an Ollama HTTP client. Safe for concurrent use.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
	model        string
	options      Options
}

// NewClient creates a client with sane fallbacks for empty config. The
// configured timeout bounds one-shot requests only; streaming responses
// have no deadline of their own and end on context cancellation.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		baseURL:      baseURL,
		model:        strings.TrimSpace(cfg.Model),
		options:      cfg.Options,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Tools    []openai.Tool  `json:"tools,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content,omitempty"`
	Images    []string       `json:"images,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
}

type chatResponse struct {
	Message *chatMessage `json:"message"`
	Done    bool         `json:"done"`
	Error   string       `json:"error"`
}

type wireToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ChatStream sends a streaming chat request. Tool definitions, when
// present, let the model emit tool calls. The returned channel closes
// after the Done chunk.
func (c *Client) ChatStream(ctx context.Context, messages []Message, tools []openai.Tool) (<-chan Chunk, error) {
	if c.model == "" {
		return nil, errors.New("model is required")
	}

	payload := chatRequest{
		Model:    c.model,
		Stream:   true,
		Messages: toWireMessages(messages),
		Tools:    tools,
		Options:  c.samplingOptions(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	resp, err := c.post(ctx, c.streamClient, "/api/chat", body)
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk)
	go c.streamResponse(ctx, resp.Body, chunks)
	return chunks, nil
}

func (c *Client) streamResponse(ctx context.Context, body io.ReadCloser, out chan Chunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	emitted := map[string]struct{}{}
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- Chunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp chatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- Chunk{Err: fmt.Errorf("decode stream line: %w", err), Done: true}
			return
		}
		if resp.Error != "" {
			out <- Chunk{Err: errors.New(resp.Error), Done: true}
			return
		}
		if resp.Message != nil {
			if resp.Message.Content != "" {
				out <- Chunk{Text: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				key := toolCallKey(tc)
				if key == "" {
					key = uuid.NewString()
				}
				if _, ok := emitted[key]; ok {
					continue
				}
				emitted[key] = struct{}{}

				call := &ToolCall{
					ID:        strings.TrimSpace(tc.ID),
					Name:      strings.TrimSpace(tc.Function.Name),
					Arguments: tc.Function.Arguments,
				}
				if call.ID == "" {
					call.ID = uuid.NewString()
				}
				if len(call.Arguments) == 0 {
					call.Arguments = json.RawMessage(`{}`)
				}
				out <- Chunk{ToolCall: call}
			}
		}
		if resp.Done {
			out <- Chunk{Done: true}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- Chunk{Err: err, Done: true}
		return
	}
	out <- Chunk{Done: true}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Generate runs a blocking one-shot completion. Used by the summariser,
// which wants a single short answer rather than a stream.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	if c.model == "" {
		return "", errors.New("model is required")
	}

	options := map[string]any{}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.TopP > 0 {
		options["top_p"] = opts.TopP
	}
	if opts.TopK > 0 {
		options["top_k"] = opts.TopK
	}
	if opts.NumPredict > 0 {
		options["num_predict"] = opts.NumPredict
	}

	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	resp, err := c.post(ctx, c.httpClient, "/api/generate", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if gen.Error != "" {
		return "", errors.New(gen.Error)
	}
	return strings.TrimSpace(gen.Response), nil
}

func (c *Client) post(ctx context.Context, client *http.Client, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	return resp, nil
}

func (c *Client) samplingOptions() map[string]any {
	options := map[string]any{}
	if c.options.Temperature > 0 {
		options["temperature"] = c.options.Temperature
	}
	if c.options.TopP > 0 {
		options["top_p"] = c.options.TopP
	}
	if c.options.TopK > 0 {
		options["top_k"] = c.options.TopK
	}
	if c.options.NumPredict > 0 {
		options["num_predict"] = c.options.NumPredict
	}
	if len(options) == 0 {
		return nil
	}
	return options
}

func toWireMessages(messages []Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role
		if role == "" {
			role = "user"
		}
		wire := chatMessage{Role: role, Content: msg.Content, Images: msg.Images, ToolName: msg.ToolName}
		for _, tc := range msg.ToolCalls {
			args := tc.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			wire.ToolCalls = append(wire.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunction{Name: tc.Name, Arguments: args},
			})
		}
		out = append(out, wire)
	}
	return out
}

func toolCallKey(tc wireToolCall) string {
	if id := strings.TrimSpace(tc.ID); id != "" {
		return id
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
