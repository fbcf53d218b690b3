// Package tools provides the tool catalog and dispatcher of the runtime.
// Tools come from three places: in-process implementations registered here,
// subprocess tool servers exposed through a ServerCatalog, and interceptors
// that claim a tool name and handle its calls elsewhere.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Crestview-Labs/metagen/pkg/models"
)

// Tool is an in-process tool implementation.
type Tool interface {
	Name() string
	Description() string

	// Schema is the JSON schema for the tool's arguments. Arguments are
	// validated against it before Execute runs.
	Schema() json.RawMessage

	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Result is the uniform outcome of one tool dispatch. Content is what the
// LLM sees; UserDisplay optionally carries a rendering for humans.
type Result struct {
	Success     bool                 `json:"success"`
	Content     string               `json:"content,omitempty"`
	UserDisplay string               `json:"user_display,omitempty"`
	Error       string               `json:"error,omitempty"`
	ErrorType   models.ToolErrorType `json:"error_type,omitempty"`
}

// Failure builds an error Result.
func Failure(errType models.ToolErrorType, format string, args ...any) *Result {
	return &Result{Error: fmt.Sprintf(format, args...), ErrorType: errType}
}

// Interceptor handles calls for a tool name instead of normal dispatch. A
// (nil, nil) return declines the call and dispatch continues as if no
// interceptor were registered.
type Interceptor func(ctx context.Context, call models.ToolCallRequest) (*Result, error)

// Descriptor advertises one callable tool to LLM clients.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ServerCatalog is the registry's view of subprocess tool servers. The
// toolserver supervisor implements it.
type ServerCatalog interface {
	// Servers returns the names of the managed servers.
	Servers() []string

	// ListTools returns the descriptors of every subprocess-hosted tool.
	ListTools() []Descriptor

	// FindTool returns the descriptor of a subprocess-hosted tool.
	FindTool(name string) (Descriptor, bool)

	// CallTool forwards a call to the server hosting the named tool.
	CallTool(ctx context.Context, name string, args json.RawMessage) (*Result, error)
}

// Invocation ties tool executions to the turn being processed so the
// executor can persist ToolUsage rows.
type Invocation struct {
	TurnID  string
	AgentID string
}

type invocationKey struct{}

// WithInvocation attaches invocation metadata to ctx.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom extracts invocation metadata attached by WithInvocation.
func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}
