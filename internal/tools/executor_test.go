package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Crestview-Labs/metagen/internal/memory"
	"github.com/Crestview-Labs/metagen/pkg/models"
)

func call(name string, args map[string]any) models.ToolCallRequest {
	return models.ToolCallRequest{ToolID: "call-1", ToolName: name, ToolArgs: args}
}

func TestExecuteInProcessTool(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{
		name:   "echo",
		schema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		execute: func(_ context.Context, args json.RawMessage) (*Result, error) {
			var input struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, err
			}
			return &Result{Success: true, Content: input.Text}, nil
		},
	})
	e := NewExecutor(r)

	res := e.Execute(context.Background(), call("echo", map[string]any{"text": "hello"}))
	if !res.Success {
		t.Fatalf("execute failed: %+v", res)
	}
	if res.Content != "hello" {
		t.Errorf("content = %q, want %q", res.Content, "hello")
	}
}

func TestExecuteValidatesArgs(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{
		name:   "read_file",
		schema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	})
	e := NewExecutor(r)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required", nil},
		{"wrong type", map[string]any{"path": 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Execute(context.Background(), call("read_file", tt.args))
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.ErrorType != models.ToolErrorInvalidArgs {
				t.Errorf("error type = %q, want %q", res.ErrorType, models.ToolErrorInvalidArgs)
			}
			if !strings.Contains(res.Error, "Invalid arguments for tool 'read_file'") {
				t.Errorf("error = %q", res.Error)
			}
		})
	}
}

func TestExecuteDisabledTool(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "shell"})
	r.Disable("shell")
	e := NewExecutor(r)

	res := e.Execute(context.Background(), call("shell", nil))
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorType != models.ToolErrorPermissionDenied {
		t.Errorf("error type = %q, want %q", res.ErrorType, models.ToolErrorPermissionDenied)
	}
	if res.Error != "Tool 'shell' is disabled" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e := NewExecutor(NewRegistry())

	res := e.Execute(context.Background(), call("ghost", nil))
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorType != models.ToolErrorExecution {
		t.Errorf("error type = %q, want %q", res.ErrorType, models.ToolErrorExecution)
	}
	if !strings.Contains(res.Error, "tool 'ghost' not found") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteInterceptor(t *testing.T) {
	r := NewRegistry()
	r.RegisterInterceptor(Descriptor{Name: "execute_task"}, func(_ context.Context, c models.ToolCallRequest) (*Result, error) {
		return &Result{Success: true, Content: "intercepted:" + c.ToolName}, nil
	})
	e := NewExecutor(r)

	res := e.Execute(context.Background(), call("execute_task", nil))
	if !res.Success || res.Content != "intercepted:execute_task" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteInterceptorDeclines(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{
		name: "echo",
		execute: func(context.Context, json.RawMessage) (*Result, error) {
			return &Result{Success: true, Content: "from tool"}, nil
		},
	})
	// A declining interceptor hands the call back to normal dispatch.
	r.RegisterInterceptor(Descriptor{Name: "echo"}, func(context.Context, models.ToolCallRequest) (*Result, error) {
		return nil, nil
	})
	e := NewExecutor(r)

	res := e.Execute(context.Background(), call("echo", nil))
	if !res.Success || res.Content != "from tool" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteInterceptorError(t *testing.T) {
	r := NewRegistry()
	r.RegisterInterceptor(Descriptor{Name: "execute_task"}, func(context.Context, models.ToolCallRequest) (*Result, error) {
		return nil, errors.New("router unavailable")
	})
	e := NewExecutor(r)

	res := e.Execute(context.Background(), call("execute_task", nil))
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "Tool execution failed: router unavailable" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecutePanicRecovery(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{
		name: "explode",
		execute: func(context.Context, json.RawMessage) (*Result, error) {
			panic("boom")
		},
	})
	e := NewExecutor(r)

	res := e.Execute(context.Background(), call("explode", nil))
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorType != models.ToolErrorExecution {
		t.Errorf("error type = %q, want %q", res.ErrorType, models.ToolErrorExecution)
	}
	if !strings.Contains(res.Error, "panic: boom") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteToolErrorWrapped(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{
		name: "flaky",
		execute: func(context.Context, json.RawMessage) (*Result, error) {
			return nil, errors.New("connection reset")
		},
	})
	e := NewExecutor(r)

	res := e.Execute(context.Background(), call("flaky", nil))
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "Tool execution failed: connection reset" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteSubprocessTool(t *testing.T) {
	r := NewRegistry()
	r.SetCatalog(&fakeCatalog{
		descriptors: []Descriptor{{Name: "calendar_read"}},
		call: func(_ context.Context, name string, args json.RawMessage) (*Result, error) {
			return &Result{Success: true, Content: fmt.Sprintf("%s(%s)", name, args)}, nil
		},
	})
	e := NewExecutor(r)

	res := e.Execute(context.Background(), call("calendar_read", map[string]any{"day": "today"}))
	if !res.Success {
		t.Fatalf("execute failed: %+v", res)
	}
	if res.Content != `calendar_read({"day":"today"})` {
		t.Errorf("content = %q", res.Content)
	}
}

func TestExecuteNameTooLong(t *testing.T) {
	e := NewExecutor(NewRegistry())

	res := e.Execute(context.Background(), call(strings.Repeat("x", MaxToolNameLength+1), nil))
	if res.Success || res.ErrorType != models.ToolErrorInvalidArgs {
		t.Errorf("result = %+v, want invalid_args failure", res)
	}
}

func TestExecuteArgsTooLarge(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "echo"})
	e := NewExecutor(r)

	res := e.Execute(context.Background(), call("echo", map[string]any{
		"blob": strings.Repeat("a", MaxToolParamsSize),
	}))
	if res.Success || res.ErrorType != models.ToolErrorInvalidArgs {
		t.Errorf("result = %+v, want invalid_args failure", res)
	}
}

func newUsageFixture(t *testing.T) (memory.Store, string, context.Context) {
	t.Helper()

	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "metagen.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	turnID, err := store.StoreTurn(context.Background(), &models.ConversationTurn{
		AgentID:   "METAGEN",
		SessionID: "session-1",
	})
	if err != nil {
		t.Fatalf("failed to store turn: %v", err)
	}

	ctx := WithInvocation(context.Background(), Invocation{TurnID: turnID, AgentID: "METAGEN"})
	return store, turnID, ctx
}

func TestExecuteRecordsUsage(t *testing.T) {
	store, turnID, ctx := newUsageFixture(t)

	r := NewRegistry()
	r.Register(&fakeTool{
		name: "echo",
		execute: func(context.Context, json.RawMessage) (*Result, error) {
			return &Result{Success: true, Content: "hi"}, nil
		},
	})
	e := NewExecutor(r, WithStore(store))

	res := e.Execute(ctx, call("echo", map[string]any{"text": "hi"}))
	if !res.Success {
		t.Fatalf("execute failed: %+v", res)
	}

	usages, err := store.GetToolUsagesByTurn(ctx, turnID)
	if err != nil {
		t.Fatalf("failed to load usages: %v", err)
	}
	if len(usages) != 1 {
		t.Fatalf("got %d usage rows, want 1", len(usages))
	}
	u := usages[0]
	if u.ExecutionStatus != models.ExecutionCompleted {
		t.Errorf("status = %q, want %q", u.ExecutionStatus, models.ExecutionCompleted)
	}
	if u.ToolName != "echo" || u.ToolCallID != "call-1" {
		t.Errorf("identity = (%q, %q)", u.ToolName, u.ToolCallID)
	}
	if u.ToolArgs["text"] != "hi" {
		t.Errorf("args = %v", u.ToolArgs)
	}
	if u.ExecutionResult["content"] != "hi" {
		t.Errorf("result = %v", u.ExecutionResult)
	}
	if u.ExecutionStartedAt == nil || u.ExecutionCompletedAt == nil {
		t.Error("timestamps not set")
	}
	if u.RequiresApproval {
		t.Error("requires_approval = true, want false")
	}
}

func TestExecuteRecordsFailure(t *testing.T) {
	store, turnID, ctx := newUsageFixture(t)

	r := NewRegistry()
	r.Register(&fakeTool{
		name: "flaky",
		execute: func(context.Context, json.RawMessage) (*Result, error) {
			return nil, errors.New("connection reset")
		},
	})
	e := NewExecutor(r, WithStore(store))

	res := e.Execute(ctx, call("flaky", nil))
	if res.Success {
		t.Fatal("expected failure")
	}

	usages, err := store.GetToolUsagesByTurn(ctx, turnID)
	if err != nil {
		t.Fatalf("failed to load usages: %v", err)
	}
	if len(usages) != 1 {
		t.Fatalf("got %d usage rows, want 1", len(usages))
	}
	u := usages[0]
	if u.ExecutionStatus != models.ExecutionFailed {
		t.Errorf("status = %q, want %q", u.ExecutionStatus, models.ExecutionFailed)
	}
	if u.ExecutionError != "Tool execution failed: connection reset" {
		t.Errorf("error = %q", u.ExecutionError)
	}
}

func TestExecuteApprovalFlow(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		store, turnID, ctx := newUsageFixture(t)

		r := NewRegistry()
		r.Register(&fakeTool{name: "shell"})
		r.RequireApproval("shell")
		e := NewExecutor(r, WithStore(store), WithApprovalPolicy(RejectAll{Feedback: "too risky"}))

		res := e.Execute(ctx, call("shell", nil))
		if res.Success {
			t.Fatal("expected failure")
		}
		if res.ErrorType != models.ToolErrorUserRejected {
			t.Errorf("error type = %q, want %q", res.ErrorType, models.ToolErrorUserRejected)
		}
		if !strings.Contains(res.Error, "too risky") {
			t.Errorf("error = %q", res.Error)
		}

		usages, err := store.GetToolUsagesByTurn(ctx, turnID)
		if err != nil {
			t.Fatalf("failed to load usages: %v", err)
		}
		if len(usages) != 1 {
			t.Fatalf("got %d usage rows, want 1", len(usages))
		}
		u := usages[0]
		if u.ExecutionStatus != models.ExecutionRejected {
			t.Errorf("status = %q, want %q", u.ExecutionStatus, models.ExecutionRejected)
		}
		if u.UserDecision != models.DecisionRejected {
			t.Errorf("decision = %q, want %q", u.UserDecision, models.DecisionRejected)
		}
		if u.UserFeedback != "too risky" {
			t.Errorf("feedback = %q", u.UserFeedback)
		}
		if !u.RequiresApproval {
			t.Error("requires_approval = false, want true")
		}
		if u.ExecutionStartedAt != nil {
			t.Error("rejected call must not reach EXECUTING")
		}
	})

	t.Run("approved", func(t *testing.T) {
		store, turnID, ctx := newUsageFixture(t)

		r := NewRegistry()
		r.Register(&fakeTool{
			name: "shell",
			execute: func(context.Context, json.RawMessage) (*Result, error) {
				return &Result{Success: true, Content: "ok"}, nil
			},
		})
		r.RequireApproval("shell")
		e := NewExecutor(r, WithStore(store))

		res := e.Execute(ctx, call("shell", nil))
		if !res.Success {
			t.Fatalf("execute failed: %+v", res)
		}

		usages, err := store.GetToolUsagesByTurn(ctx, turnID)
		if err != nil {
			t.Fatalf("failed to load usages: %v", err)
		}
		u := usages[0]
		if u.ExecutionStatus != models.ExecutionCompleted {
			t.Errorf("status = %q, want %q", u.ExecutionStatus, models.ExecutionCompleted)
		}
		if u.UserDecision != models.DecisionApproved {
			t.Errorf("decision = %q, want %q", u.UserDecision, models.DecisionApproved)
		}
		if u.DecisionTimestamp == nil {
			t.Error("decision timestamp not set")
		}
	})
}
