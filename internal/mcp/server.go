package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/apelabs/ape/internal/aperrors"
	"github.com/apelabs/ape/internal/observability"
	"github.com/apelabs/ape/internal/prompts"
	"github.com/apelabs/ape/internal/ratelimit"
	"github.com/apelabs/ape/internal/resources"
	"github.com/apelabs/ape/internal/signer"
	"github.com/apelabs/ape/internal/storage"
)

// ServerName and ServerVersion identify this implementation in the
// initialize handshake.
const (
	ServerName    = "ape-mcp-server"
	ServerVersion = "1.0.0"
)

// defaultSession keys the rate limiter for callers that do not identify
// a session.
const defaultSession = "default"

// Server is the capability dispatcher. One instance serves all
// transports concurrently.
type Server struct {
	tools     *ToolRegistry
	prompts   *prompts.Registry
	resources *resources.Registry
	signer    *signer.Signer
	limiter   *ratelimit.Limiter
	store     *storage.Store
	logger    *observability.Logger
	metrics   *Metrics

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// ServerConfig wires the dispatcher's collaborators.
type ServerConfig struct {
	Tools     *ToolRegistry
	Prompts   *prompts.Registry
	Resources *resources.Registry
	Signer    *signer.Signer
	Limiter   *ratelimit.Limiter
	Store     *storage.Store
	Logger    *observability.Logger
	Metrics   *Metrics
}

// NewServer builds a dispatcher.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		tools:     cfg.Tools,
		prompts:   cfg.Prompts,
		resources: cfg.Resources,
		signer:    cfg.Signer,
		limiter:   cfg.Limiter,
		store:     cfg.Store,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// Dispatch routes one request to its verb handler.
func (s *Server) Dispatch(ctx context.Context, req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(req.Method).Inc()
	}

	switch req.Method {
	case "initialize":
		resp.Result = s.initialize()
	case "tools/list":
		resp.Result = map[string]any{"tools": s.tools.List()}
	case "tools/call":
		resp.Result = s.callTool(ctx, req.Params)
	case "prompts/list":
		resp.Result = map[string]any{"prompts": s.listPrompts()}
	case "prompts/get":
		result, rpcErr := s.getPrompt(req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	case "resources/list":
		resp.Result = map[string]any{"resources": s.resources.List()}
	case "resources/read":
		result, rpcErr := s.readResource(ctx, req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	default:
		resp.Error = &RPCError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
	return resp
}

func (s *Server) initialize() InitializeResult {
	caps := ServerCaps{}
	if s.tools != nil {
		caps.Tools = &struct{}{}
	}
	if s.prompts != nil {
		caps.Prompts = &struct{}{}
	}
	if s.resources != nil {
		caps.Resources = &struct{}{}
	}
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      ServerInfo{Name: ServerName, Version: ServerVersion},
	}
}

// callTool runs the full tool dispatch pipeline. Tool-level failures
// ride inside the result as an error envelope; only malformed requests
// become JSON-RPC errors upstream.
func (s *Server) callTool(ctx context.Context, params json.RawMessage) any {
	var call CallToolParams
	if err := json.Unmarshal(params, &call); err != nil {
		return s.errorEnvelope(ctx, "", "",
			aperrors.Wrap(aperrors.CodeValidationError, "malformed tools/call params", err), nil)
	}

	sessionID := call.SessionID
	if sessionID == "" {
		sessionID = defaultSession
	}
	ctx = observability.WithTool(observability.WithSessionID(ctx, sessionID), call.Name)

	if s.limiter != nil && !s.limiter.Allow(sessionID) {
		return s.errorEnvelope(ctx, call.Name, call.SessionID,
			aperrors.New(aperrors.CodeRateLimitExceeded, "rate limit exceeded for session"), call.Arguments)
	}

	tool, ok := s.tools.Get(call.Name)
	if !ok {
		return s.errorEnvelope(ctx, call.Name, call.SessionID,
			aperrors.Newf(aperrors.CodeToolNotFound, "tool %q not found", call.Name), call.Arguments)
	}

	args, err := s.sanitizeArguments(tool, call.Arguments)
	if err != nil {
		return s.errorEnvelope(ctx, call.Name, call.SessionID, err, call.Arguments)
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		return s.errorEnvelope(ctx, call.Name, call.SessionID, err, args)
	}

	payload, err := json.Marshal(ToolResult{
		ToolName:  call.Name,
		Arguments: args,
		Result:    result,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return s.errorEnvelope(ctx, call.Name, call.SessionID,
			aperrors.Wrap(aperrors.CodeToolExecutionError, "encode tool result", err), args)
	}

	env, err := s.signer.Sign(uuid.NewString(), string(payload))
	if err != nil {
		return s.errorEnvelope(ctx, call.Name, call.SessionID, err, args)
	}

	if s.metrics != nil {
		s.metrics.ToolCallsTotal.WithLabelValues(call.Name, "ok").Inc()
	}
	if s.logger != nil {
		s.logger.Debug(ctx, "tool call completed", "result_id", env.ResultID)
	}
	return env
}

// sanitizeArguments drops keys the schema does not declare, then
// validates the remainder. Tools with no declared properties receive no
// arguments at all.
func (s *Server) sanitizeArguments(tool *Tool, raw map[string]any) (map[string]any, error) {
	properties, err := schemaProperties(tool.InputSchema)
	if err != nil {
		return nil, aperrors.Wrap(aperrors.CodeValidationError, "invalid tool schema", err)
	}

	args := make(map[string]any)
	for key, value := range raw {
		if _, ok := properties[key]; ok {
			args[key] = value
		}
	}

	if err := s.validateArguments(tool, args); err != nil {
		return nil, err
	}
	return args, nil
}

func (s *Server) validateArguments(tool *Tool, args map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	sch, err := s.compiledSchema(tool)
	if err != nil {
		return aperrors.Wrap(aperrors.CodeValidationError, "compile tool schema", err)
	}

	// Round-trip through JSON so numbers validate as json.Number-free
	// generic values the validator understands.
	encoded, err := json.Marshal(args)
	if err != nil {
		return aperrors.Wrap(aperrors.CodeValidationError, "encode arguments", err)
	}
	var generic any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return aperrors.Wrap(aperrors.CodeValidationError, "decode arguments", err)
	}

	if err := sch.Validate(generic); err != nil {
		return aperrors.Wrap(aperrors.CodeValidationError,
			fmt.Sprintf("arguments for %q failed validation", tool.Name), err)
	}
	return nil
}

func (s *Server) compiledSchema(tool *Tool) (*jsonschema.Schema, error) {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if sch, ok := s.schemas[tool.Name]; ok {
		return sch, nil
	}

	compiler := jsonschema.NewCompiler()
	url := "mem://" + tool.Name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(tool.InputSchema))); err != nil {
		return nil, err
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	s.schemas[tool.Name] = sch
	return sch, nil
}

// errorEnvelope records the failure in the audit trail and builds the
// wire error shape.
func (s *Server) errorEnvelope(ctx context.Context, tool, sessionID string, err error, args map[string]any) aperrors.Envelope {
	if s.metrics != nil {
		name := tool
		if name == "" {
			name = "unknown"
		}
		s.metrics.ToolCallsTotal.WithLabelValues(name, string(aperrors.CodeOf(err))).Inc()
	}
	if s.store != nil && tool != "" {
		s.store.SaveError(ctx, sessionID, tool, args, err.Error())
	}
	if s.logger != nil {
		s.logger.Warn(ctx, "tool call failed", "error", err)
	}

	request := map[string]any{"name": tool}
	if args != nil {
		request["arguments"] = args
	}
	return aperrors.NewEnvelope(err, tool, request)
}

func (s *Server) listPrompts() []PromptMeta {
	if s.prompts == nil {
		return nil
	}
	templates := s.prompts.List()
	out := make([]PromptMeta, 0, len(templates))
	for _, t := range templates {
		meta := PromptMeta{Name: t.Name, Description: t.Description}
		for _, a := range t.Arguments {
			meta.Arguments = append(meta.Arguments, PromptArgumentMeta{
				Name: a.Name, Description: a.Description, Required: a.Required,
			})
		}
		out = append(out, meta)
	}
	return out
}

func (s *Server) getPrompt(params json.RawMessage) (any, *RPCError) {
	var p GetPromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "malformed prompts/get params"}
	}
	tmpl, err := s.prompts.Get(p.Name)
	if err != nil {
		return nil, &RPCError{Code: ErrCodePromptNotFound, Message: err.Error()}
	}
	rendered, err := tmpl.Render(p.Arguments)
	if err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: err.Error()}
	}
	return map[string]any{"description": tmpl.Description, "rendered": rendered}, nil
}

func (s *Server) readResource(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "malformed resources/read params"}
	}
	mime, content, err := s.resources.Read(ctx, p.URI)
	if err != nil {
		return nil, &RPCError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return ReadResourceResult{MIMEType: mime, Contents: content}, nil
}

// schemaProperties extracts the declared property names of a schema.
func schemaProperties(schema json.RawMessage) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(schema) == 0 {
		return out, nil
	}
	var parsed struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil, err
	}
	for name := range parsed.Properties {
		out[name] = struct{}{}
	}
	return out, nil
}
