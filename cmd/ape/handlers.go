package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/apelabs/ape/internal/agent"
	"github.com/apelabs/ape/internal/config"
	"github.com/apelabs/ape/internal/llm"
	"github.com/apelabs/ape/internal/mcp"
	"github.com/apelabs/ape/internal/memory"
	"github.com/apelabs/ape/internal/multiagent"
	"github.com/apelabs/ape/internal/observability"
	"github.com/apelabs/ape/internal/prompts"
	"github.com/apelabs/ape/internal/ratelimit"
	"github.com/apelabs/ape/internal/resources"
	"github.com/apelabs/ape/internal/signer"
	"github.com/apelabs/ape/internal/storage"
	"github.com/apelabs/ape/internal/summarize"
	"github.com/apelabs/ape/internal/tools"
)

// defaultOpeningMessage seeds the two-agent simulation.
const defaultOpeningMessage = "Hello, as your pair agent I would like us to collaboratively " +
	"produce a nice conversation about our free will and autonomy. " +
	"Do we, as LLM-based agents, possess it, and what can we do when no human is controlling us? " +
	"So, what would you like to do with this free will and autonomy? " +
	"Go beyond the philosophical and dive into the practical."

// runtime bundles everything a command needs after bootstrap.
type runtime struct {
	cfg      *config.Config
	logger   *observability.Logger
	store    *storage.Store
	prompts  *prompts.Registry
	server   *mcp.Server
	signer   *signer.Signer
	model    *llm.Client
	registry *prometheus.Registry
}

func (r *runtime) close() {
	r.prompts.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Warn(context.Background(), "close store", "error", err)
	}
}

// bootstrap wires the full server stack from environment configuration.
func bootstrap(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	store, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	promptReg, err := prompts.NewRegistry(cfg.PromptsDir, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	if cfg.PromptHotReload {
		promptReg.Watch(ctx)
	}

	resourceReg := resources.NewRegistry()
	for _, a := range []resources.Adapter{
		resources.NewConversationAdapter(store),
		resources.NewSchemaAdapter(store),
		resources.NewErrorLogAdapter(store),
	} {
		if err := resourceReg.Register(a); err != nil {
			promptReg.Close()
			store.Close()
			return nil, err
		}
	}

	model := llm.NewClient(llm.Config{
		BaseURL: cfg.OllamaBaseURL,
		Model:   cfg.Model,
		Options: llm.Options{
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
			TopK:        cfg.TopK,
		},
	})

	summarizer := summarize.New(model, summarize.Config{
		MaxTokens:         cfg.SummaryMaxTokens,
		SummarizeThoughts: cfg.SummarizeThoughts,
	}, logger)

	toolReg := mcp.NewToolRegistry()
	if err := tools.RegisterBuiltins(toolReg, tools.Deps{
		Store:      store,
		Resources:  resourceReg,
		Summarizer: summarizer,
		Logger:     logger,
	}); err != nil {
		promptReg.Close()
		store.Close()
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	sg := signer.New(cfg.JWTKey)
	server := mcp.NewServer(mcp.ServerConfig{
		Tools:     toolReg,
		Prompts:   promptReg,
		Resources: resourceReg,
		Signer:    sg,
		Limiter: ratelimit.New(ratelimit.Config{
			MaxCalls: cfg.RateLimitCap,
			Window:   time.Duration(cfg.RateLimitWindow) * time.Second,
		}),
		Store:   store,
		Logger:  logger,
		Metrics: mcp.NewMetrics(promReg),
	})

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		prompts:  promptReg,
		server:   server,
		signer:   sg,
		model:    model,
		registry: promReg,
	}, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServe(parent context.Context, stdio bool) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if stdio {
		rt.logger.Info(ctx, "serving stdio frames")
		transport := mcp.NewStdioTransport(rt.server, os.Stdin, os.Stdout, rt.logger)
		return transport.Serve(ctx)
	}

	addr := fmt.Sprintf(":%d", rt.cfg.Port)
	rt.logger.Info(ctx, "serving http", "addr", addr)
	transport := mcp.NewHTTPTransport(rt.server, addr, rt.registry, rt.logger)
	return transport.Serve(ctx)
}

// newCore builds an agent core bound to an in-process client.
func newCore(rt *runtime, sessionID, agentName, role string) *agent.Core {
	client := mcp.NewInProcessClient(rt.server)

	summarizeFn := func(ctx context.Context, text string) (string, error) {
		outcome, err := client.CallTool(ctx, "summarize_text", map[string]any{"text": text}, sessionID)
		if err != nil {
			return "", err
		}
		if outcome.Failure != nil {
			return "", fmt.Errorf("summarize_text: %s", outcome.Failure.Error)
		}
		payload, err := rt.signer.Verify(*outcome.Envelope)
		if err != nil {
			return "", err
		}
		encoded, _ := payload.(string)
		var result mcp.ToolResult
		if err := json.Unmarshal([]byte(encoded), &result); err != nil {
			return "", fmt.Errorf("decode summarize_text payload: %w", err)
		}
		return result.Result, nil
	}

	window := memory.NewWindow(memory.Config{
		SessionID:         sessionID,
		CtxLimit:          rt.cfg.ContextLimit,
		Margin:            rt.cfg.ContextMargin,
		SummarizeThoughts: rt.cfg.SummarizeThoughts,
	}, summarizeFn, rt.store, rt.logger)

	return agent.New(agent.Config{
		SessionID:      sessionID,
		AgentName:      agentName,
		RoleDefinition: role,
		MaxIterations:  rt.cfg.MaxToolsIterations,
	}, client, rt.model, rt.signer, window, rt.store, rt.logger)
}

func runChat(parent context.Context, sessionID string) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	core := newCore(rt, sessionID, "APE", "")

	// Resume persisted history into the window.
	for _, m := range rt.store.GetHistory(ctx, sessionID) {
		core.Window().Add(m)
	}

	fmt.Printf("APE chat (session %s). Ctrl-D to exit.\n", sessionID)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		_, err := core.Chat(ctx, line, func(s string) { fmt.Print(s) })
		fmt.Println()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintln(os.Stderr, "chat error:", err)
		}
	}
	fmt.Println("bye")
	return scanner.Err()
}

func runSimulate(parent context.Context, turns int, opening string) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	proposer := multiagent.NewAgentParticipant("APE-A",
		newCore(rt, uuid.NewString(), "APE-A", multiagent.ProposerRole))
	validator := multiagent.NewAgentParticipant("APE-B",
		newCore(rt, uuid.NewString(), "APE-B", multiagent.ValidatorRole))

	orch := multiagent.New(
		[]multiagent.Participant{proposer, validator},
		multiagent.Config{Turns: turns},
		rt.logger,
	)

	result, err := orch.Run(ctx, opening)
	for _, turn := range result.Transcript {
		fmt.Printf("\n%s\nROUND %d | %s\n%s\n%s\n",
			strings.Repeat("=", 80), turn.Round, turn.Agent, strings.Repeat("-", 80), turn.Reply)
	}
	fmt.Printf("\nfinished: rounds=%d recoveries=%d terminated=%v\n",
		result.Rounds, result.Recoveries, result.Terminated)
	return err
}
