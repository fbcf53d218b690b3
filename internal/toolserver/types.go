// Package toolserver supervises subprocess tool servers. Each server is an
// external process spoken to over stdio with line-delimited JSON-RPC 2.0,
// probed periodically and restarted with backoff when it stops answering.
package toolserver

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ProtocolVersion is the wire protocol version this supervisor speaks.
const ProtocolVersion = "1.0"

// Protocol methods.
const (
	methodInitialize = "initialize"
	methodListTools  = "list_tools"
	methodCallTool   = "call_tool"
)

// DBPathEnv is the environment variable carrying the shared profile database
// path into tool server subprocesses.
const DBPathEnv = "METAGEN_DB_PATH"

// ServerConfig describes one subprocess tool server.
type ServerConfig struct {
	// Name identifies the server in logs, metrics, and tool routing.
	Name string

	// Command is the executable to spawn, with Args.
	Command string
	Args    []string

	// Env adds variables to the child environment on top of the parent's.
	Env map[string]string

	// HealthInterval is the period between liveness probes.
	HealthInterval time.Duration

	// MaxRestarts caps consecutive restart attempts before the server is
	// marked failed.
	MaxRestarts int

	// CallTimeout bounds individual tool calls and the startup handshake.
	CallTimeout time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// Validate checks the server configuration for spawn-safety issues.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if c.Command == "" {
		return fmt.Errorf("command is required for server %s", c.Name)
	}
	if err := validatePath(c.Command, "command"); err != nil {
		return fmt.Errorf("server %s: %w", c.Name, err)
	}
	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("server %s: arg[%d] contains suspicious shell metacharacters: %q", c.Name, i, arg)
		}
	}
	return nil
}

// validatePath checks a path for traversal attacks.
func validatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
	}
	return nil
}

// containsShellMetachars checks for shell metacharacters that could indicate
// injection. Spaces and quotes are allowed since they are common in
// legitimate args.
func containsShellMetachars(s string) bool {
	dangerousPatterns := []string{
		"$(", "${", // Command substitution
		"`",        // Backtick substitution
		"&&", "||", // Command chaining
		";",      // Command separator
		"|",      // Pipe
		">", "<", // Redirection
		"\n", "\r", // Newlines
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// InitializeResult is the handshake response from a tool server.
type InitializeResult struct {
	ProtocolVersion string `json:"protocol_version"`
	ServerName      string `json:"server_name"`
}

// ToolSpec is one entry of a server's tool catalog.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CallToolParams are the parameters of a call_tool request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the response to a call_tool request. Content may be any
// JSON value; is_error marks a tool-level execution failure.
type CallToolResult struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error,omitempty"`
}

// Text renders the result content for transcript and LLM consumption. String
// content is unquoted; everything else stays compact JSON.
func (r *CallToolResult) Text() string {
	if len(r.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Content, &s); err == nil {
		return s
	}
	return string(r.Content)
}

// JSON-RPC 2.0 framing.

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *jsonRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)
