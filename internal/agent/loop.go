// Package agent implements the agentic tool loop and the agents built on it:
// the long-lived Meta-agent that fronts every session and the ephemeral
// Task-agents spawned to execute stored task definitions.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Crestview-Labs/metagen/internal/llm"
	"github.com/Crestview-Labs/metagen/internal/observability"
	"github.com/Crestview-Labs/metagen/internal/tools"
	"github.com/Crestview-Labs/metagen/pkg/models"
)

// LoopConfig bounds one turn of the agentic tool loop.
type LoopConfig struct {
	// MaxIterations caps LLM round-trips per turn. One iteration is one
	// completion call plus the execution of the tools it requested.
	MaxIterations int

	// MaxToolsPerTurn caps how many tool calls may execute in one turn.
	MaxToolsPerTurn int

	// MaxRepeatedCalls is how many times the identical call (same name and
	// canonical arguments) may run before further repeats are skipped.
	MaxRepeatedCalls int

	// MaxTokenBudget caps tokens consumed across all LLM calls in the turn.
	MaxTokenBudget int
}

// DefaultLoopConfig returns the stock limits.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:    50,
		MaxToolsPerTurn:  100,
		MaxRepeatedCalls: 5,
		MaxTokenBudget:   1_000_000,
	}
}

func (c LoopConfig) withDefaults() LoopConfig {
	d := DefaultLoopConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.MaxToolsPerTurn <= 0 {
		c.MaxToolsPerTurn = d.MaxToolsPerTurn
	}
	if c.MaxRepeatedCalls <= 0 {
		c.MaxRepeatedCalls = d.MaxRepeatedCalls
	}
	if c.MaxTokenBudget <= 0 {
		c.MaxTokenBudget = d.MaxTokenBudget
	}
	return c
}

// Result summarizes a finished loop run. It is valid once the channel
// returned by Run has closed.
type Result struct {
	// StopReason names why the run ended.
	StopReason StopReason

	// Content is the concatenated text of every AgentMessage the run emitted.
	Content string

	// Usage aggregates token counts across the run's LLM calls.
	Usage models.TokenUsage

	// Iterations is how many LLM round-trips ran.
	Iterations int

	// ToolsDuration and LLMDuration split the run's wall time.
	ToolsDuration time.Duration
	LLMDuration   time.Duration

	// ToolsUsed lists the distinct tools that actually executed, in first-use
	// order. Skipped calls (loop detection, resource limits) do not appear.
	ToolsUsed []string

	// Messages is the transcript extended with this run's assistant and tool
	// entries, ready to seed the next turn.
	Messages []llm.ChatMessage

	// Err reports why the run stopped early: ErrMaxIterations or
	// ErrTokenBudget on limit stops, the provider failure on error stops,
	// nil on natural stops.
	Err error
}

// LoopParams carries the collaborators and settings for one run.
type LoopParams struct {
	Client   llm.Client
	Executor *tools.Executor

	AgentID   string
	SessionID string
	System    string

	// Exclude hides tool names from this run's catalog.
	Exclude []string

	// Messages is the conversation so far, ending with the user message that
	// opened the turn.
	Messages []llm.ChatMessage

	Config  LoopConfig
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Loop drives one turn to completion: alternating LLM calls and tool
// executions until the model stops requesting tools or a limit fires, while
// streaming unified messages to the consumer.
type Loop struct {
	client  llm.Client
	exec    *tools.Executor
	cfg     LoopConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	agentID   string
	sessionID string
	system    string
	exclude   []string

	result Result
}

// NewLoop builds a loop for one turn. Zero config fields take defaults.
func NewLoop(p LoopParams) *Loop {
	logger := p.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	l := &Loop{
		client:    p.Client,
		exec:      p.Executor,
		cfg:       p.Config.withDefaults(),
		logger:    logger,
		metrics:   p.Metrics,
		agentID:   p.AgentID,
		sessionID: p.SessionID,
		system:    p.System,
		exclude:   p.Exclude,
	}
	l.result.Messages = p.Messages
	return l
}

// Run executes the loop and streams its messages. The channel is unbuffered,
// so a slow consumer back-pressures tool execution; every send honors ctx.
// The channel closes when the run stops, after which Result is valid.
//
// Message order within the run is causal: an iteration's AgentMessage
// precedes its ToolCallMessage, every ToolStartedMessage precedes its
// matching result, results arrive in call order, and the turn's final
// AgentMessage is the last message emitted.
func (l *Loop) Run(ctx context.Context) <-chan models.Message {
	out := make(chan models.Message)
	go func() {
		defer close(out)
		l.run(ctx, out)
	}()
	return out
}

// Result reports the outcome of the finished run. Calling it before the Run
// channel closes reads a partial snapshot.
func (l *Loop) Result() Result { return l.result }

func (l *Loop) run(ctx context.Context, out chan<- models.Message) {
	res := &l.result

	fingerprints := make(map[string]int)
	executed := 0
	var parts []string

	for iteration := 1; ; iteration++ {
		res.Iterations = iteration

		req := &llm.Request{
			System:    l.system,
			Messages:  res.Messages,
			Tools:     l.catalog(),
			AgentID:   l.agentID,
			SessionID: l.sessionID,
		}

		llmStart := time.Now()
		resp, err := l.client.Generate(ctx, req)
		llmElapsed := time.Since(llmStart)
		res.LLMDuration += llmElapsed
		if err != nil {
			l.metrics.RecordLLMRequest(l.client.Provider(), l.client.Model(), "error", llmElapsed.Seconds(), 0, 0)
			l.logger.Error(ctx, "llm call failed",
				"agent", l.agentID,
				"iteration", iteration,
				"error", err)
			res.StopReason = StopError
			res.Err = err
			res.Content = strings.Join(parts, "\n")
			return
		}
		l.metrics.RecordLLMRequest(l.client.Provider(), l.client.Model(), "success", llmElapsed.Seconds(),
			resp.Usage.InputTokens, resp.Usage.OutputTokens)
		res.Usage.Add(resp.Usage)

		if resp.Content != "" {
			parts = append(parts, resp.Content)
		}

		// Natural stop: no tool requests. Usage goes out first so the final
		// AgentMessage is the last message of the turn.
		if len(resp.ToolCalls) == 0 {
			res.Messages = append(res.Messages, llm.ChatMessage{Role: llm.RoleAssistant, Content: resp.Content})
			if !l.send(ctx, out, models.NewUsageMessage(l.agentID, l.sessionID, resp.Usage)) {
				l.abort(ctx, parts)
				return
			}
			if !l.send(ctx, out, models.NewAgentMessage(l.agentID, l.sessionID, resp.Content, true)) {
				l.abort(ctx, parts)
				return
			}
			res.StopReason = StopNatural
			res.Content = strings.Join(parts, "\n")
			return
		}

		if resp.Content != "" {
			if !l.send(ctx, out, models.NewAgentMessage(l.agentID, l.sessionID, resp.Content, false)) {
				l.abort(ctx, parts)
				return
			}
		}
		if !l.send(ctx, out, models.NewToolCallMessage(l.agentID, l.sessionID, resp.ToolCalls)) {
			l.abort(ctx, parts)
			return
		}

		results := make([]llm.ToolResultPayload, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			payload, ok := l.runTool(ctx, out, call, fingerprints, &executed)
			if !ok {
				l.abort(ctx, parts)
				return
			}
			results = append(results, payload)
		}

		res.Messages = llm.AppendToolResults(res.Messages, resp.Content, resp.ToolCalls, results)

		if !l.send(ctx, out, models.NewUsageMessage(l.agentID, l.sessionID, resp.Usage)) {
			l.abort(ctx, parts)
			return
		}

		if res.Usage.TotalTokens >= l.cfg.MaxTokenBudget {
			l.logger.Warn(ctx, "token budget exhausted",
				"agent", l.agentID,
				"tokens", res.Usage.TotalTokens,
				"budget", l.cfg.MaxTokenBudget)
			l.stopAtLimit(ctx, out, parts, StopBudget, ErrTokenBudget)
			return
		}
		if iteration >= l.cfg.MaxIterations {
			l.logger.Warn(ctx, "iteration limit reached",
				"agent", l.agentID,
				"iterations", iteration)
			l.stopAtLimit(ctx, out, parts, StopIterations, ErrMaxIterations)
			return
		}
	}
}

// runTool handles one requested call: loop and resource guards first, then
// dispatch through the executor. Guarded calls never dispatch and never emit
// a ToolStartedMessage; their synthesized errors flow back to the model like
// ordinary tool replies. A false return means the consumer went away.
func (l *Loop) runTool(ctx context.Context, out chan<- models.Message, call models.ToolCallRequest, fingerprints map[string]int, executed *int) (llm.ToolResultPayload, bool) {
	fp := fingerprint(call)
	seen := fingerprints[fp]
	fingerprints[fp] = seen + 1

	if seen >= l.cfg.MaxRepeatedCalls {
		msg := fmt.Sprintf("Tool '%s' with arguments %s has been called %d times. Skipping to prevent infinite loop.",
			call.ToolName, canonicalArgs(call.ToolArgs), seen+1)
		l.logger.Warn(ctx, "repeated tool call skipped",
			"agent", l.agentID,
			"tool", call.ToolName,
			"count", seen+1)
		return l.synthesize(ctx, out, call, models.ToolErrorLoopDetected, msg)
	}

	if *executed >= l.cfg.MaxToolsPerTurn {
		msg := fmt.Sprintf("Resource limit exceeded: max_tools_per_turn (%d/%d). Cannot execute tool '%s'.",
			*executed, l.cfg.MaxToolsPerTurn, call.ToolName)
		l.logger.Warn(ctx, "tool budget exhausted",
			"agent", l.agentID,
			"tool", call.ToolName,
			"executed", *executed)
		return l.synthesize(ctx, out, call, models.ToolErrorResourceLimit, msg)
	}
	*executed++

	if !l.send(ctx, out, models.NewToolStartedMessage(l.agentID, l.sessionID, call.ToolID, call.ToolName)) {
		return llm.ToolResultPayload{}, false
	}

	start := time.Now()
	result := l.exec.Execute(ctx, call)
	l.result.ToolsDuration += time.Since(start)
	l.noteToolUsed(call.ToolName)

	payload := llm.ToolResultPayload{
		ToolCallID: call.ToolID,
		ToolName:   call.ToolName,
		Content:    result.Content,
	}
	if result.Success {
		display := result.UserDisplay
		if display == "" {
			display = result.Content
		}
		return payload, l.send(ctx, out, models.NewToolResultMessage(l.agentID, l.sessionID, call.ToolID, call.ToolName, display))
	}

	payload.Content = result.Error
	payload.IsError = true
	payload.ErrorType = string(result.ErrorType)
	return payload, l.send(ctx, out, models.NewToolErrorMessage(l.agentID, l.sessionID, call.ToolID, call.ToolName, result.Error, result.ErrorType))
}

// synthesize emits a guard error for a skipped call and builds its payload.
func (l *Loop) synthesize(ctx context.Context, out chan<- models.Message, call models.ToolCallRequest, errType models.ToolErrorType, msg string) (llm.ToolResultPayload, bool) {
	payload := llm.ToolResultPayload{
		ToolCallID: call.ToolID,
		ToolName:   call.ToolName,
		Content:    msg,
		IsError:    true,
		ErrorType:  string(errType),
	}
	return payload, l.send(ctx, out, models.NewToolErrorMessage(l.agentID, l.sessionID, call.ToolID, call.ToolName, msg, errType))
}

// stopAtLimit finishes a limit-terminated run. The current iteration has
// already completed, so an empty final AgentMessage closes the turn.
func (l *Loop) stopAtLimit(ctx context.Context, out chan<- models.Message, parts []string, reason StopReason, cause error) {
	res := &l.result
	if !l.send(ctx, out, models.NewAgentMessage(l.agentID, l.sessionID, "", true)) {
		l.abort(ctx, parts)
		return
	}
	res.StopReason = reason
	res.Err = cause
	res.Content = strings.Join(parts, "\n")
}

// abort records a consumer-side cancellation.
func (l *Loop) abort(ctx context.Context, parts []string) {
	res := &l.result
	res.StopReason = StopError
	res.Err = ctx.Err()
	res.Content = strings.Join(parts, "\n")
}

// catalog builds the tool list advertised to the model for this run.
func (l *Loop) catalog() []llm.ToolSpec {
	descriptors := l.exec.Registry().List(tools.ListOptions{Exclude: l.exclude})
	specs := make([]llm.ToolSpec, len(descriptors))
	for i, d := range descriptors {
		specs[i] = llm.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		}
	}
	return specs
}

// send delivers one message, honoring cancellation. A false return means the
// consumer is gone and the run must unwind without further work.
func (l *Loop) send(ctx context.Context, out chan<- models.Message, msg models.Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Loop) noteToolUsed(name string) {
	for _, used := range l.result.ToolsUsed {
		if used == name {
			return
		}
	}
	l.result.ToolsUsed = append(l.result.ToolsUsed, name)
}

// fingerprint identifies a call by name plus canonical arguments, so the same
// request with reordered keys still counts as a repeat.
func fingerprint(call models.ToolCallRequest) string {
	return call.ToolName + canonicalArgs(call.ToolArgs)
}

// canonicalArgs renders arguments as compact JSON with sorted keys at every
// level, which encoding/json guarantees for maps.
func canonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		// Unmarshalable values still need a stable key.
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}
