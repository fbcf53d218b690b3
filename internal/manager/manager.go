// Package manager wires the runtime together for one session: memory store,
// tool registry and executor, subprocess tool servers, the LLM client, and
// the Meta-agent fronting the user. It owns the execute_task interception
// that turns one tool call into a subordinate Task-agent whose messages
// interleave with the parent stream.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Crestview-Labs/metagen/internal/agent"
	"github.com/Crestview-Labs/metagen/internal/config"
	"github.com/Crestview-Labs/metagen/internal/llm"
	"github.com/Crestview-Labs/metagen/internal/memory"
	"github.com/Crestview-Labs/metagen/internal/observability"
	"github.com/Crestview-Labs/metagen/internal/tools"
	"github.com/Crestview-Labs/metagen/internal/toolserver"
	"github.com/Crestview-Labs/metagen/pkg/models"
)

// LLMFactory builds the provider client. Tests substitute scripted clients.
type LLMFactory func(cfg llm.Config) (llm.Client, error)

// Option configures optional manager collaborators.
type Option func(*Manager)

// WithMetrics enables metric recording across the managed components.
func WithMetrics(m *observability.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithTracer sets the tracer handed to the executor.
func WithTracer(t *observability.Tracer) Option {
	return func(mgr *Manager) { mgr.tracer = t }
}

// Manager owns the agents of one session and mediates their message streams.
type Manager struct {
	cfg        *config.Config
	store      memory.Store
	registry   *tools.Registry
	supervisor *toolserver.Supervisor
	factory    LLMFactory
	logger     *observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	sessionID string
	llm       llm.Client
	exec      *tools.Executor
	meta      *agent.Agent

	// sink is the active external stream. The execute_task interceptor
	// writes Task-agent messages through it while the Meta-agent's loop is
	// parked inside the tool dispatch.
	sinkMu sync.Mutex
	sink   *streamSink
}

// New assembles a manager. Initialize must run before ChatStream.
func New(cfg *config.Config, store memory.Store, registry *tools.Registry, supervisor *toolserver.Supervisor, factory LLMFactory, logger *observability.Logger, opts ...Option) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	m := &Manager{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		supervisor: supervisor,
		factory:    factory,
		logger:     logger,
		sessionID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.factory == nil {
		m.factory = llm.New
	}
	return m
}

// SessionID returns the id stamped on every message of this manager's
// session.
func (m *Manager) SessionID() string { return m.sessionID }

// ToolServers snapshots the state of the supervised tool servers, or nil
// when none are configured.
func (m *Manager) ToolServers() []toolserver.ServerStatus {
	if m.supervisor == nil {
		return nil
	}
	return m.supervisor.Status()
}

// Initialize prepares the session: recover rows abandoned by a crash,
// populate the registry, start tool servers, construct the LLM client, and
// instantiate the Meta-agent. Failed tool servers are logged and skipped;
// everything else is fatal.
func (m *Manager) Initialize(ctx context.Context) error {
	report, err := m.store.RecoverAbandoned(ctx)
	if err != nil {
		return fmt.Errorf("recover abandoned rows: %w", err)
	}
	if report.AbandonedTurns > 0 || report.AbandonedToolCalls > 0 {
		m.logger.Info(ctx, "recovered rows from previous run",
			"abandoned_turns", report.AbandonedTurns,
			"abandoned_tool_calls", report.AbandonedToolCalls)
	}

	tools.RegisterTaskTools(m.registry, m.store)
	m.registry.RegisterInterceptor(tools.ExecuteTaskDescriptor(), m.executeTask)
	m.registry.SetDisabled(m.cfg.Tools.Disabled)
	m.registry.RequireApproval(m.cfg.Tools.RequireApproval...)

	if m.supervisor != nil {
		m.registry.SetCatalog(m.supervisor)
		if err := m.supervisor.StartAll(ctx); err != nil {
			// The supervisor keeps whatever came up; missing servers just
			// contribute no tools.
			m.logger.Warn(ctx, "some tool servers failed to start", "error", err)
		}
	}

	m.llm, err = m.factory(llm.Config{
		Provider:    m.cfg.LLM.Provider,
		Model:       m.cfg.LLM.Model,
		APIKey:      m.cfg.LLM.APIKey,
		BaseURL:     m.cfg.LLM.BaseURL,
		MaxTokens:   m.cfg.LLM.MaxTokens,
		Temperature: temperature(m.cfg.LLM.Temperature),
	})
	if err != nil {
		return fmt.Errorf("construct llm client: %w", err)
	}

	m.exec = tools.NewExecutor(m.registry,
		tools.WithStore(m.store),
		tools.WithLogger(m.logger),
		tools.WithMetrics(m.metrics),
		tools.WithTracer(m.tracer),
	)

	m.meta = agent.NewMetaAgent(m.agentDeps(""))

	m.logger.Info(ctx, "session initialized",
		"session_id", m.sessionID,
		"provider", m.llm.Provider(),
		"model", m.llm.Model(),
		"tools", len(m.registry.List(tools.ListOptions{})))
	return nil
}

// ChatStream forwards one user message to the Meta-agent and streams the
// session's unified messages, including any Task-agent messages produced by
// intercepted execute_task calls. The channel closes when the turn ends.
func (m *Manager) ChatStream(ctx context.Context, text string) <-chan models.Message {
	out := make(chan models.Message)
	go func() {
		defer close(out)
		if m.meta == nil {
			send(ctx, out, models.NewErrorMessage(models.MetaAgentID, m.sessionID, "manager not initialized"))
			return
		}

		m.setSink(ctx, out)
		defer m.clearSink()

		for msg := range m.meta.ChatStream(ctx, text) {
			if !send(ctx, out, msg) {
				return
			}
		}
	}()
	return out
}

// Close releases the session's resources: tool servers first so in-flight
// calls fail fast, then the store. Agents hold no background work between
// turns; cancelling the ChatStream context stops an active turn.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	if m.supervisor != nil {
		if err := m.supervisor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tool servers: %w", err))
		}
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	m.logger.Info(ctx, "session closed", "session_id", m.sessionID)
	return errors.Join(errs...)
}

// executeTask is the interceptor behind the execute_task descriptor. It
// resolves the stored task, spawns a Task-agent, drains its stream into the
// active session stream, and returns the task's output as the tool result
// the Meta-agent's loop hands back to the model.
func (m *Manager) executeTask(ctx context.Context, call models.ToolCallRequest) (*tools.Result, error) {
	taskID, _ := call.ToolArgs["task_id"].(string)
	if taskID == "" {
		return tools.Failure(models.ToolErrorExecution, "Tool execution failed: execute_task requires a task_id"), nil
	}

	taskCfg, err := m.store.GetTaskConfig(ctx, taskID)
	if err != nil {
		return tools.Failure(models.ToolErrorExecution, "Tool execution failed: %v", err), nil
	}
	if taskCfg == nil {
		return tools.Failure(models.ToolErrorExecution, "Tool execution failed: task '%s' not found", taskID), nil
	}

	values, _ := call.ToolArgs["task_args"].(map[string]any)
	if missing := taskCfg.Definition.MissingInputs(values); len(missing) > 0 {
		return tools.Failure(models.ToolErrorExecution,
			"Tool execution failed: task '%s' missing required parameters: %s",
			taskCfg.Name, strings.Join(missing, ", ")), nil
	}
	values = taskCfg.Definition.ApplyDefaults(values)
	instructions := taskCfg.Definition.RenderInstructions(values)

	agentID := models.TaskAgentPrefix + uuid.NewString()[:8]
	task := agent.NewTaskAgent(m.agentDeps(taskCfg.ID), agentID, instructions)

	m.logger.Info(ctx, "spawning task agent",
		"task_id", taskCfg.ID,
		"task_name", taskCfg.Name,
		"agent_id", agentID)

	output, taskErr := m.drainTask(ctx, task, taskUserMessage(taskCfg.Name, values))
	if taskErr != "" {
		return tools.Failure(models.ToolErrorExecution, "Tool execution failed: %s", taskErr), nil
	}

	payload, err := json.Marshal(map[string]string{
		"task_id":   taskCfg.ID,
		"task_name": taskCfg.Name,
		"agent_id":  agentID,
		"output":    output,
	})
	if err != nil {
		return tools.Failure(models.ToolErrorExecution, "Tool execution failed: %v", err), nil
	}
	return &tools.Result{Success: true, Content: string(payload)}, nil
}

// drainTask consumes the Task-agent's stream to completion, relaying its
// messages into the active session stream. The task's final AgentMessage is
// demoted to final=false on the way out; only the Meta-agent closes the
// session turn. The concatenated agent content becomes the task output.
//
// The Meta-agent's loop is blocked inside the executor for the duration, so
// the relayed messages slot between the execute_task ToolCallMessage and its
// ToolResultMessage in the session's total order.
func (m *Manager) drainTask(ctx context.Context, task *agent.Agent, userMessage string) (output, taskErr string) {
	sink := m.currentSink()
	var parts []string

	for msg := range task.ChatStream(ctx, userMessage) {
		switch msg.Type {
		case models.MessageTypeAgent:
			if msg.Content != "" {
				parts = append(parts, msg.Content)
			}
			if msg.Final {
				msg.Final = false
				if msg.Content == "" {
					// Limit-stop terminator; nothing to show externally.
					continue
				}
			}
		case models.MessageTypeError:
			if taskErr == "" {
				taskErr = msg.Error
			}
		}
		if sink != nil && !sink.send(msg) {
			// External consumer is gone; keep draining so the task agent
			// still finalizes its turn.
			sink = nil
		}
	}
	return strings.Join(parts, "\n"), taskErr
}

func (m *Manager) agentDeps(taskID string) agent.Deps {
	return agent.Deps{
		SessionID: m.sessionID,
		Store:     m.store,
		LLM:       m.llm,
		Executor:  m.exec,
		Config: agent.LoopConfig{
			MaxIterations:    m.cfg.Agent.MaxIterations,
			MaxToolsPerTurn:  m.cfg.Agent.MaxToolsPerTurn,
			MaxRepeatedCalls: m.cfg.Agent.MaxRepeatedCalls,
			MaxTokenBudget:   m.cfg.Agent.MaxTokenBudget,
		},
		SystemPrompt: m.cfg.Agent.SystemPrompt,
		HistoryLimit: m.cfg.Agent.HistoryLimit,
		TaskID:       taskID,
		Logger:       m.logger,
		Metrics:      m.metrics,
	}
}

// streamSink is one active ChatStream's output channel plus the context that
// bounds sends to it.
type streamSink struct {
	ctx context.Context
	out chan<- models.Message
}

func (s *streamSink) send(msg models.Message) bool {
	select {
	case s.out <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (m *Manager) setSink(ctx context.Context, out chan<- models.Message) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.sink = &streamSink{ctx: ctx, out: out}
}

func (m *Manager) clearSink() {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.sink = nil
}

func (m *Manager) currentSink() *streamSink {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	return m.sink
}

// taskUserMessage builds the synthetic user message that opens a Task-agent
// turn.
func taskUserMessage(name string, values map[string]any) string {
	if len(values) == 0 {
		return fmt.Sprintf("Execute task '%s'.", name)
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return fmt.Sprintf("Execute task '%s'.", name)
	}
	return fmt.Sprintf("Execute task '%s' with inputs: %s", name, encoded)
}

func send(ctx context.Context, out chan<- models.Message, msg models.Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func temperature(t *float64) float64 {
	if t == nil {
		return 0
	}
	return *t
}
