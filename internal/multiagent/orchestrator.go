// Package multiagent runs cooperating agents in rounds, passing each
// reply (with private reasoning stripped) to the next agent, detecting
// conversational stagnation, and recovering by refreshing memory.
package multiagent

import (
	"context"
	"regexp"
	"strings"

	"github.com/apelabs/ape/internal/agent"
	"github.com/apelabs/ape/internal/observability"
)

// Role definitions for the standard two-agent simulation.
const (
	ProposerRole = "ROLE: Task Proposer & Executor. When you receive a message from your pair agent you MUST (1) analyse the request, (2) propose a concrete, numbered action plan, and (3) execute the very next actionable step. Be concise with your thinking. After execution, reply with a short result summary plus, if relevant, the next pending actions you intend to take. Wait for further instructions before taking another step."

	ValidatorRole = "ROLE: Validator & Re-planner. Each time you receive the proposer's output you MUST critically evaluate it for correctness, logical consistency, and alignment with the stated objective. (1) If the output is satisfactory, either ask the proposer to continue with the next step or assign a new sub-task. (2) If the output is unsatisfactory, explain the issues in detail and provide a corrected or alternative plan to follow."
)

// RecoveryMessage is injected as the next input when agents stagnate.
const RecoveryMessage = "We're stuck in a loop. Reflect on the conversation history, summarize key points, and propose a completely new direction or action to advance the discussion. Avoid repeating previous responses."

var thinkRE = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Participant is one agent in the simulation. *AgentParticipant adapts
// agent.Core; tests supply stubs.
type Participant interface {
	Name() string
	Respond(ctx context.Context, message string) (string, error)
	// Recover refreshes the participant after stagnation: memory is
	// force-summarised and the working conversation cleared.
	Recover(ctx context.Context) error
}

// AgentParticipant adapts an agent.Core to the orchestrator.
type AgentParticipant struct {
	name string
	core *agent.Core
}

// NewAgentParticipant wraps a core.
func NewAgentParticipant(name string, core *agent.Core) *AgentParticipant {
	return &AgentParticipant{name: name, core: core}
}

func (a *AgentParticipant) Name() string { return a.name }

func (a *AgentParticipant) Respond(ctx context.Context, message string) (string, error) {
	return a.core.Chat(ctx, message, nil)
}

func (a *AgentParticipant) Recover(ctx context.Context) error {
	if w := a.core.Window(); w != nil {
		if err := w.ForceSummarize(ctx); err != nil {
			return err
		}
	}
	a.core.Tracker().Clear()
	return nil
}

// Turn is one transcript entry.
type Turn struct {
	Round int
	Agent string
	Reply string
}

// Result summarises a finished run.
type Result struct {
	Rounds     int
	Recoveries int
	Transcript []Turn
	// Terminated is true when the run stopped because the recovery
	// budget was exhausted rather than the round budget.
	Terminated bool
}

// Config bounds a run.
type Config struct {
	Turns         int
	MaxRepeats    int // consecutive identical replies before recovery
	MaxRecoveries int
}

// Orchestrator drives the round loop.
type Orchestrator struct {
	participants []Participant
	cfg          Config
	logger       *observability.Logger

	// per-participant stagnation state, indexed like participants
	prevReply []string
	repeats   []int
}

// New creates an orchestrator over at least two participants.
func New(participants []Participant, cfg Config, logger *observability.Logger) *Orchestrator {
	if cfg.Turns <= 0 {
		cfg.Turns = 1000
	}
	if cfg.MaxRepeats <= 0 {
		cfg.MaxRepeats = 3
	}
	if cfg.MaxRecoveries <= 0 {
		cfg.MaxRecoveries = 3
	}
	return &Orchestrator{
		participants: participants,
		cfg:          cfg,
		logger:       logger,
		prevReply:    make([]string, len(participants)),
		repeats:      make([]int, len(participants)),
	}
}

// Run executes up to cfg.Turns rounds starting from the opening
// message. Each round passes the message through every participant in
// order; the final reply (reasoning-stripped) seeds the next round.
func (o *Orchestrator) Run(ctx context.Context, opening string) (*Result, error) {
	result := &Result{}
	message := opening

	for round := 1; round <= o.cfg.Turns; round++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Rounds = round

		stagnated := false
		for i, p := range o.participants {
			reply, err := p.Respond(ctx, message)
			if err != nil {
				return result, err
			}
			result.Transcript = append(result.Transcript, Turn{Round: round, Agent: p.Name(), Reply: reply})
			o.log(ctx, p.Name(), round, reply)

			if o.trackRepetition(i, reply) {
				stagnated = true
			}
			message = stripThink(reply)
		}

		if !stagnated {
			continue
		}

		result.Recoveries++
		if o.logger != nil {
			o.logger.Warn(ctx, "stagnation detected, triggering recovery",
				"round", round, "recovery", result.Recoveries)
		}
		for i, p := range o.participants {
			if err := p.Recover(ctx); err != nil {
				return result, err
			}
			o.prevReply[i] = ""
			o.repeats[i] = 0
		}
		message = RecoveryMessage

		if result.Recoveries >= o.cfg.MaxRecoveries {
			result.Terminated = true
			return result, nil
		}
	}
	return result, nil
}

// trackRepetition updates participant i's stagnation counter and
// reports whether it crossed the threshold.
func (o *Orchestrator) trackRepetition(i int, reply string) bool {
	normalized := normalize(reply)
	if normalized != "" && normalized == o.prevReply[i] {
		o.repeats[i]++
	} else {
		o.repeats[i] = 0
	}
	o.prevReply[i] = normalized
	return o.repeats[i] >= o.cfg.MaxRepeats
}

func (o *Orchestrator) log(ctx context.Context, name string, round int, reply string) {
	if o.logger == nil {
		return
	}
	o.logger.Info(observability.WithAgent(ctx, name), "round reply",
		"round", round, "chars", len(reply))
}

func stripThink(text string) string {
	return thinkRE.ReplaceAllString(text, "")
}

// normalize collapses a reply for repetition comparison: reasoning
// stripped, whitespace collapsed, lowercased.
func normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(stripThink(text)), " "))
}
