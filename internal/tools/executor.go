package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Crestview-Labs/metagen/internal/memory"
	"github.com/Crestview-Labs/metagen/internal/observability"
	"github.com/Crestview-Labs/metagen/pkg/models"
)

// Executor dispatches tool calls through the registry. Every failure mode
// becomes a Result the LLM can observe; Execute never returns a Go error.
type Executor struct {
	registry *Registry
	store    memory.Store
	approval ApprovalPolicy
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStore makes the executor persist a ToolUsage row per dispatch when the
// context carries an Invocation.
func WithStore(store memory.Store) ExecutorOption {
	return func(e *Executor) { e.store = store }
}

// WithApprovalPolicy replaces the default auto-approve policy.
func WithApprovalPolicy(policy ApprovalPolicy) ExecutorOption {
	return func(e *Executor) { e.approval = policy }
}

// WithLogger sets the executor's logger.
func WithLogger(l *observability.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics enables tool execution metrics.
func WithMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer sets the executor's tracer.
func WithTracer(t *observability.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		approval: AutoApprove{},
		logger:   observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	return e
}

// Registry returns the registry this executor dispatches through.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute dispatches one tool call:
//
//  1. disabled tools are refused with permission_denied
//  2. an interceptor registered for the name handles the call, unless it
//     declines with (nil, nil)
//  3. in-process tools validate arguments against their schema, then run
//  4. otherwise the call is forwarded to the owning subprocess server
//
// Approval-gated tools consult the approval policy between lookup and run.
// Errors and panics from any step come back as execution_error Results.
func (e *Executor) Execute(ctx context.Context, call models.ToolCallRequest) *Result {
	start := time.Now()

	ctx, span := e.tracer.TraceToolExecution(ctx, call.ToolName)
	defer span.End()

	rec := e.newRecorder(ctx, call)
	result := e.dispatch(ctx, rec, call)
	rec.finish(ctx, result, start)

	status := "success"
	if result.Success {
		e.logger.Debug(ctx, "tool call completed",
			"tool", call.ToolName,
			"duration_ms", time.Since(start).Milliseconds())
	} else {
		status = "error"
		e.metrics.RecordToolError(call.ToolName, string(result.ErrorType))
		e.tracer.RecordError(span, errors.New(result.Error))
		e.logger.Warn(ctx, "tool call failed",
			"tool", call.ToolName,
			"error_type", result.ErrorType,
			"error", result.Error)
	}
	e.metrics.RecordToolExecution(call.ToolName, status, time.Since(start).Seconds())

	return result
}

func (e *Executor) dispatch(ctx context.Context, rec *usageRecorder, call models.ToolCallRequest) *Result {
	name := call.ToolName

	if len(name) > MaxToolNameLength {
		return Failure(models.ToolErrorInvalidArgs,
			"tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}

	raw := json.RawMessage(`{}`)
	if call.ToolArgs != nil {
		encoded, err := json.Marshal(call.ToolArgs)
		if err != nil {
			return Failure(models.ToolErrorInvalidArgs,
				"Invalid arguments for tool '%s': %v", name, err)
		}
		raw = encoded
	}
	if len(raw) > MaxToolParamsSize {
		return Failure(models.ToolErrorInvalidArgs,
			"tool arguments exceed maximum size of %d bytes", MaxToolParamsSize)
	}

	if e.registry.IsDisabled(name) {
		return Failure(models.ToolErrorPermissionDenied, "Tool '%s' is disabled", name)
	}

	if intercept, ok := e.registry.Interceptor(name); ok {
		result, err := intercept(ctx, call)
		if err != nil {
			return Failure(models.ToolErrorExecution, "Tool execution failed: %v", err)
		}
		if result != nil {
			return result
		}
		// Declined; fall through to normal dispatch.
	}

	tool, inProcess := e.registry.Get(name)
	catalog := e.registry.Catalog()
	remote := false
	if !inProcess && catalog != nil {
		_, remote = catalog.FindTool(name)
	}
	if !inProcess && !remote {
		return Failure(models.ToolErrorExecution, "Tool execution failed: tool '%s' not found", name)
	}

	if inProcess {
		if err := validateArgs(tool.Schema(), raw); err != nil {
			return Failure(models.ToolErrorInvalidArgs, "Invalid arguments for tool '%s': %v", name, err)
		}
	}

	if e.registry.RequiresApproval(name) {
		rec.markPendingApproval(ctx)
		decision, feedback, err := e.approval.Decide(ctx, call)
		if err != nil {
			return Failure(models.ToolErrorExecution, "Tool execution failed: approval: %v", err)
		}
		rec.markDecision(ctx, decision, feedback)
		if decision == models.DecisionRejected {
			if feedback != "" {
				return Failure(models.ToolErrorUserRejected, "Tool execution rejected by user: %s", feedback)
			}
			return Failure(models.ToolErrorUserRejected, "Tool execution rejected by user")
		}
	}

	rec.markExecuting(ctx)

	var (
		result *Result
		err    error
	)
	if inProcess {
		result, err = e.invoke(ctx, tool, raw)
	} else {
		result, err = catalog.CallTool(ctx, name, raw)
	}
	if err != nil {
		return Failure(models.ToolErrorExecution, "Tool execution failed: %v", err)
	}
	if result == nil {
		result = &Result{Success: true}
	}
	return result
}

// invoke runs an in-process tool, converting panics into errors.
func (e *Executor) invoke(ctx context.Context, tool Tool, args json.RawMessage) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "tool panicked",
				"tool", tool.Name(),
				"panic", r,
				"stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return tool.Execute(ctx, args)
}

// usageRecorder persists the ToolUsage row for one dispatch. A nil recorder
// (no store configured, or no invocation on the context) skips every write.
// Store failures are logged and never interrupt the dispatch.
type usageRecorder struct {
	store    memory.Store
	logger   *observability.Logger
	usageID  string
	terminal bool
}

func (e *Executor) newRecorder(ctx context.Context, call models.ToolCallRequest) *usageRecorder {
	if e.store == nil {
		return nil
	}
	inv, ok := InvocationFrom(ctx)
	if !ok {
		return nil
	}

	usage := &models.ToolUsage{
		TurnID:           inv.TurnID,
		AgentID:          inv.AgentID,
		ToolName:         call.ToolName,
		ToolArgs:         call.ToolArgs,
		ToolCallID:       call.ToolID,
		RequiresApproval: e.registry.RequiresApproval(call.ToolName),
	}
	id, err := e.store.RecordToolUsage(ctx, usage)
	if err != nil {
		e.logger.Warn(ctx, "failed to record tool usage", "tool", call.ToolName, "error", err)
		return nil
	}
	return &usageRecorder{store: e.store, logger: e.logger, usageID: id}
}

func (u *usageRecorder) apply(ctx context.Context, patch memory.ToolUsagePatch) {
	if u == nil {
		return
	}
	if _, err := u.store.UpdateToolUsage(ctx, u.usageID, patch); err != nil {
		u.logger.Warn(ctx, "failed to update tool usage", "usage_id", u.usageID, "error", err)
	}
}

func (u *usageRecorder) markPendingApproval(ctx context.Context) {
	status := models.ExecutionPendingApproval
	u.apply(ctx, memory.ToolUsagePatch{ExecutionStatus: &status})
}

func (u *usageRecorder) markDecision(ctx context.Context, decision models.UserDecision, feedback string) {
	if u == nil {
		return
	}
	now := time.Now().UTC()
	patch := memory.ToolUsagePatch{UserDecision: &decision, DecisionTimestamp: &now}
	if feedback != "" {
		patch.UserFeedback = &feedback
	}
	if decision == models.DecisionRejected {
		status := models.ExecutionRejected
		patch.ExecutionStatus = &status
		patch.ExecutionCompletedAt = &now
		u.terminal = true
	} else {
		status := models.ExecutionApproved
		patch.ExecutionStatus = &status
	}
	u.apply(ctx, patch)
}

func (u *usageRecorder) markExecuting(ctx context.Context) {
	if u == nil {
		return
	}
	now := time.Now().UTC()
	status := models.ExecutionExecuting
	u.apply(ctx, memory.ToolUsagePatch{ExecutionStatus: &status, ExecutionStartedAt: &now})
}

func (u *usageRecorder) finish(ctx context.Context, result *Result, start time.Time) {
	if u == nil || u.terminal {
		return
	}
	now := time.Now().UTC()
	duration := time.Since(start).Milliseconds()
	patch := memory.ToolUsagePatch{ExecutionCompletedAt: &now, DurationMs: &duration}
	if result.Success {
		status := models.ExecutionCompleted
		patch.ExecutionStatus = &status
		payload := map[string]any{"content": result.Content}
		if result.UserDisplay != "" {
			payload["user_display"] = result.UserDisplay
		}
		patch.ExecutionResult = payload
	} else {
		status := models.ExecutionFailed
		patch.ExecutionStatus = &status
		errMsg := result.Error
		patch.ExecutionError = &errMsg
	}
	u.apply(ctx, patch)
}
