package agent

import (
	"context"
	"time"

	"github.com/Crestview-Labs/metagen/internal/llm"
	"github.com/Crestview-Labs/metagen/internal/memory"
	"github.com/Crestview-Labs/metagen/internal/observability"
	"github.com/Crestview-Labs/metagen/internal/tools"
	"github.com/Crestview-Labs/metagen/pkg/models"
)

// metaSystemPrompt frames the Meta-agent as the session orchestrator.
const metaSystemPrompt = `You are METAGEN, the orchestrating agent for this session.

Answer the user directly when you can, and use tools when they help. You
manage reusable tasks: create them with create_task, inspect them with
list_tasks and get_task, and run them with execute_task. Prefer executing a
stored task over improvising when one matches the request.

Be concise. Report tool failures honestly instead of inventing results.`

// userEntity names the human side of USER_AGENT turns.
const userEntity = "USER"

// Deps bundles the collaborators every agent in a session shares.
type Deps struct {
	SessionID string
	Store     memory.Store
	LLM       llm.Client
	Executor  *tools.Executor
	Config    LoopConfig

	// SystemPrompt overrides the built-in Meta-agent persona when set.
	// Task-agents ignore it; their instructions are the persona.
	SystemPrompt string

	// HistoryLimit bounds how many recent exchanges stay in the in-memory
	// transcript. Zero keeps everything.
	HistoryLimit int

	// TaskID links a Task-agent's turns to its stored definition.
	TaskID string

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Agent is one stateful session participant: a persona, a view of the tool
// catalog, and the in-memory transcript of its conversation. Agents persist
// a ConversationTurn per exchange; tool usage rows are written by the
// executor as calls dispatch.
//
// An agent is not safe for concurrent ChatStream calls; turns in a session
// are strictly sequential.
type Agent struct {
	id           string
	sessionID    string
	systemPrompt string
	conversation models.ConversationType
	source       string
	taskID       string
	exclude      []string
	historyLimit int

	llm     llm.Client
	exec    *tools.Executor
	store   memory.Store
	cfg     LoopConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	history []llm.ChatMessage
}

// NewMetaAgent builds the session's orchestrating agent. Its catalog is the
// full registry view, including task management and execute_task.
func NewMetaAgent(deps Deps) *Agent {
	prompt := deps.SystemPrompt
	if prompt == "" {
		prompt = metaSystemPrompt
	}
	a := newAgent(deps, models.MetaAgentID, prompt)
	a.conversation = models.ConversationUserAgent
	a.source = userEntity
	return a
}

// NewTaskAgent builds an ephemeral task-execution agent. Instructions come
// from the stored task definition with parameters substituted; the catalog
// excludes execute_task so tasks cannot spawn tasks.
func NewTaskAgent(deps Deps, id, instructions string) *Agent {
	a := newAgent(deps, id, instructions)
	a.conversation = models.ConversationAgentAgent
	a.source = models.MetaAgentID
	a.exclude = []string{tools.ExecuteTaskName}
	return a
}

func newAgent(deps Deps, id, prompt string) *Agent {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Agent{
		id:           id,
		sessionID:    deps.SessionID,
		systemPrompt: prompt,
		taskID:       deps.TaskID,
		historyLimit: deps.HistoryLimit,
		llm:          deps.LLM,
		exec:         deps.Executor,
		store:        deps.Store,
		cfg:          deps.Config.withDefaults(),
		logger:       logger.WithFields("agent", id),
		metrics:      deps.Metrics,
	}
}

// ID returns the agent's identifier.
func (a *Agent) ID() string { return a.id }

// SessionID returns the session this agent participates in.
func (a *Agent) SessionID() string { return a.sessionID }

// ChatStream runs one conversation turn and streams its messages. The
// channel is unbuffered and closes when the turn finishes. On cancellation
// the open turn row is left in_progress for the next startup's recovery
// sweep; no synthetic error is emitted.
func (a *Agent) ChatStream(ctx context.Context, userMessage string) <-chan models.Message {
	out := make(chan models.Message)
	go func() {
		defer close(out)
		a.runTurn(ctx, userMessage, out)
	}()
	return out
}

func (a *Agent) runTurn(ctx context.Context, userMessage string, out chan<- models.Message) {
	start := time.Now()

	turnID, err := a.openTurn(ctx, userMessage)
	if err != nil {
		a.logger.Error(ctx, "failed to open turn", "error", err)
		a.send(ctx, out, models.NewErrorMessage(a.id, a.sessionID, "failed to open turn: "+err.Error()))
		return
	}
	a.metrics.SessionStarted(a.id)
	defer a.metrics.SessionEnded(a.id)

	// Tool usage rows written during this turn attach to it.
	ctx = tools.WithInvocation(ctx, tools.Invocation{TurnID: turnID, AgentID: a.id})

	a.history = trimHistory(a.history, a.historyLimit)
	a.history = append(a.history, llm.ChatMessage{Role: llm.RoleUser, Content: userMessage})

	loop := NewLoop(LoopParams{
		Client:    a.llm,
		Executor:  a.exec,
		AgentID:   a.id,
		SessionID: a.sessionID,
		System:    a.systemPrompt,
		Exclude:   a.exclude,
		Messages:  a.history,
		Config:    a.cfg,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})

	relayed := true
	for msg := range loop.Run(ctx) {
		if !a.send(ctx, out, msg) {
			relayed = false
			break
		}
	}
	if !relayed || ctx.Err() != nil {
		// Shutdown mid-turn. The in_progress row stays for recovery.
		a.logger.Warn(context.WithoutCancel(ctx), "turn abandoned by cancellation", "turn_id", turnID)
		return
	}

	res := loop.Result()
	a.history = res.Messages

	if res.StopReason == StopError {
		a.send(ctx, out, models.NewErrorMessage(a.id, a.sessionID, res.Err.Error()))
		a.finalizeTurn(ctx, turnID, res, start, models.TurnError)
		return
	}
	a.finalizeTurn(ctx, turnID, res, start, models.TurnCompleted)
}

// openTurn records the turn as in_progress. The store assigns the agent's
// next turn number atomically.
func (a *Agent) openTurn(ctx context.Context, userMessage string) (string, error) {
	turn := &models.ConversationTurn{
		AgentID:          a.id,
		SessionID:        a.sessionID,
		Timestamp:        time.Now().UTC(),
		SourceEntity:     a.source,
		TargetEntity:     a.id,
		ConversationType: a.conversation,
		UserQuery:        userMessage,
		TaskID:           a.taskID,
		Status:           models.TurnInProgress,
	}
	return a.store.StoreTurn(ctx, turn)
}

func (a *Agent) finalizeTurn(ctx context.Context, turnID string, res Result, start time.Time, status models.TurnStatus) {
	total := time.Since(start).Milliseconds()
	llmMs := res.LLMDuration.Milliseconds()
	toolsMs := res.ToolsDuration.Milliseconds()
	toolsUsed := len(res.ToolsUsed) > 0

	patch := memory.TurnPatch{
		AgentResponse:   &res.Content,
		Status:          &status,
		TotalDurationMs: &total,
		LLMDurationMs:   &llmMs,
		ToolsDurationMs: &toolsMs,
		ToolsUsed:       &toolsUsed,
		AgentMetadata: map[string]any{
			"stop_reason":   string(res.StopReason),
			"iterations":    res.Iterations,
			"tools":         res.ToolsUsed,
			"input_tokens":  res.Usage.InputTokens,
			"output_tokens": res.Usage.OutputTokens,
			"total_tokens":  res.Usage.TotalTokens,
		},
	}
	if status == models.TurnError && res.Err != nil {
		patch.ErrorDetails = map[string]any{"error": res.Err.Error()}
	}

	if _, err := a.store.UpdateTurn(ctx, turnID, patch); err != nil {
		a.logger.Error(ctx, "failed to finalize turn", "turn_id", turnID, "error", err)
	}
	a.metrics.RecordTurn(a.id, string(status))
	a.logger.Info(ctx, "turn finished",
		"turn_id", turnID,
		"status", string(status),
		"stop_reason", string(res.StopReason),
		"iterations", res.Iterations,
		"tools", len(res.ToolsUsed),
		"total_ms", total)
}

func (a *Agent) send(ctx context.Context, out chan<- models.Message, msg models.Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// trimHistory keeps the most recent limit exchanges. The cut lands on a user
// message so assistant tool calls never separate from their results and the
// transcript still opens with a user message.
func trimHistory(history []llm.ChatMessage, limit int) []llm.ChatMessage {
	if limit <= 0 {
		return history
	}
	turns := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != llm.RoleUser {
			continue
		}
		turns++
		if turns == limit && i > 0 {
			return history[i:]
		}
	}
	return history
}
