// Package toolsdk implements the server side of the metagen tool-server
// protocol: line-delimited JSON-RPC 2.0 over stdin/stdout. A tool server
// registers handlers, calls Serve, and is then driven by the supervisor's
// initialize / list_tools / call_tool requests.
//
// The wire types here mirror internal/toolserver and must stay in sync with
// it; the package stays free of internal imports so out-of-tree servers can
// build against it alone.
package toolsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// ProtocolVersion is negotiated during initialize. The supervisor refuses
// servers speaking anything else.
const ProtocolVersion = "1.0"

// DBPathEnv is the environment variable through which the supervisor shares
// the profile database path with its children.
const DBPathEnv = "METAGEN_DB_PATH"

const maxLineBytes = 1024 * 1024

// ToolDefinition describes one tool exposed by a server. Schema is a JSON
// Schema document for the tool's arguments object; when present, arguments
// are validated before the handler runs.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolResult is the output of one tool execution. IsError marks a failure
// the model should see as a tool error rather than a protocol fault.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolHandler executes a tool with raw JSON arguments. A returned error is
// reported to the host as a failed call; panics are recovered and reported
// the same way.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolResult, error)

// Errorf builds a failed ToolResult.
func Errorf(format string, args ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// DBPath returns the supervisor-injected SQLite database path.
func DBPath() (string, error) {
	path := os.Getenv(DBPathEnv)
	if path == "" {
		return "", fmt.Errorf("toolsdk: %s is not set", DBPathEnv)
	}
	return path, nil
}

type registeredTool struct {
	def     ToolDefinition
	handler ToolHandler
}

// Server hosts a set of tools behind the stdio protocol.
type Server struct {
	name   string
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]registeredTool
	order []string
}

// NewServer creates a server. The name is reported during initialize and
// shows up in the supervisor's logs. Diagnostics go to stderr, which the
// supervisor drains into its own log.
func NewServer(name string) *Server {
	return &Server{
		name:   name,
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)).With("server", name),
		tools:  make(map[string]registeredTool),
	}
}

// RegisterTool adds one tool. Names must be unique within the server.
func (s *Server) RegisterTool(def ToolDefinition, handler ToolHandler) error {
	if def.Name == "" {
		return fmt.Errorf("toolsdk: tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("toolsdk: tool %q needs a handler", def.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[def.Name]; exists {
		return fmt.Errorf("toolsdk: tool %q is already registered", def.Name)
	}
	s.tools[def.Name] = registeredTool{def: def, handler: handler}
	s.order = append(s.order, def.Name)
	return nil
}

// Serve answers requests on stdin/stdout until stdin closes, which is how
// the supervisor shuts a server down. Requests are handled concurrently so
// health probes are not stuck behind slow tool calls.
func (s *Server) Serve(ctx context.Context) error {
	return s.serve(ctx, os.Stdin, os.Stdout)
}

func (s *Server) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, maxLineBytes), maxLineBytes)

	var wg sync.WaitGroup
	var writeMu sync.Mutex

	write := func(resp *rpcResponse) {
		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("failed to encode response", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := out.Write(append(data, '\n')); err != nil {
			s.logger.Error("failed to write response", "error", err)
		}
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		line := make([]byte, len(raw))
		copy(line, raw)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := s.handle(ctx, line); resp != nil {
				write(resp)
			}
		}()
	}

	wg.Wait()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("toolsdk: read requests: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, line []byte) *rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return errorResponse(nil, codeParseError, "parse error: "+err.Error())
	}
	// Notifications get no reply; the supervisor correlates by id.
	if req.ID == nil {
		s.logger.Warn("dropping request without id", "method", req.Method)
		return nil
	}

	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, initializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerName:      s.name,
		})
	case "list_tools":
		return resultResponse(req.ID, s.specs())
	case "call_tool":
		return s.callTool(ctx, req.ID, req.Params)
	default:
		return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (s *Server) specs() []toolSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	specs := make([]toolSpec, 0, len(s.order))
	for _, name := range s.order {
		reg := s.tools[name]
		specs = append(specs, toolSpec{
			Name:        reg.def.Name,
			Description: reg.def.Description,
			InputSchema: reg.def.Schema,
		})
	}
	return specs
}

func (s *Server) callTool(ctx context.Context, id any, raw json.RawMessage) *rpcResponse {
	var params callToolParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return errorResponse(id, codeInvalidParams, "invalid call_tool params: "+err.Error())
	}

	s.mu.RLock()
	reg, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return errorResponse(id, codeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name))
	}

	if len(reg.def.Schema) > 0 {
		if err := validateArgs(reg.def.Schema, params.Arguments); err != nil {
			return resultResponse(id, errResult("invalid arguments: "+err.Error()))
		}
	}

	result := s.invoke(ctx, reg, params.Arguments)
	return resultResponse(id, result)
}

// invoke runs one handler with panic containment.
func (s *Server) invoke(ctx context.Context, reg registeredTool, args json.RawMessage) (out callToolResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool panicked", "tool", reg.def.Name, "panic", r)
			out = errResult(fmt.Sprintf("tool %s panicked: %v", reg.def.Name, r))
		}
	}()

	res, err := reg.handler(ctx, args)
	if err != nil {
		return errResult(err.Error())
	}
	if res == nil {
		return callToolResult{Content: encodeContent("")}
	}
	return callToolResult{Content: encodeContent(res.Content), IsError: res.IsError}
}

func errResult(msg string) callToolResult {
	return callToolResult{Content: encodeContent(msg), IsError: true}
}

func encodeContent(content string) json.RawMessage {
	data, err := json.Marshal(content)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return data
}

// Wire types, mirroring internal/toolserver.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type initializeResult struct {
	ProtocolVersion string `json:"protocol_version"`
	ServerName      string `json:"server_name"`
}

type toolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type callToolResult struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error,omitempty"`
}

func resultResponse(id any, result any) *rpcResponse {
	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, codeInternalError, "encode result: "+err.Error())
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: data}
}

func errorResponse(id any, code int, msg string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}
