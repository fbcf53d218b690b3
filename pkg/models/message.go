// Package models provides the domain types shared across the metagen runtime.
package models

// MessageType identifies the variant of a Message on the session stream.
type MessageType string

const (
	MessageTypeUser        MessageType = "user"
	MessageTypeAgent       MessageType = "agent"
	MessageTypeThinking    MessageType = "thinking"
	MessageTypeToolCall    MessageType = "tool_call"
	MessageTypeToolStarted MessageType = "tool_started"
	MessageTypeToolResult  MessageType = "tool_result"
	MessageTypeToolError   MessageType = "tool_error"
	MessageTypeError       MessageType = "error"
	MessageTypeUsage       MessageType = "usage"
)

// MetaAgentID is the identifier of the always-on orchestrating agent.
const MetaAgentID = "METAGEN"

// TaskAgentPrefix prefixes the ids of ephemeral task-execution agents.
const TaskAgentPrefix = "TASK_AGENT_"

// ToolErrorType classifies tool failures. The values are wire-visible and
// observed by the LLM as part of tool replies, so they must stay stable.
type ToolErrorType string

const (
	ToolErrorExecution        ToolErrorType = "execution_error"
	ToolErrorLoopDetected     ToolErrorType = "loop_detected"
	ToolErrorResourceLimit    ToolErrorType = "resource_limit"
	ToolErrorUserRejected     ToolErrorType = "user_rejected"
	ToolErrorInvalidArgs      ToolErrorType = "invalid_args"
	ToolErrorPermissionDenied ToolErrorType = "permission_denied"
)

// ToolCallRequest is an LLM-issued request to execute one tool.
type ToolCallRequest struct {
	ToolID   string         `json:"tool_id"`
	ToolName string         `json:"tool_name"`
	ToolArgs map[string]any `json:"tool_args,omitempty"`
}

// TokenUsage aggregates token counts across LLM calls.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Message is the unified event on the session stream. It is a tagged variant:
// Type selects which payload fields are meaningful, and every variant carries
// AgentID and SessionID. Messages are not persisted as-is; agents persist the
// artifacts they imply (turns, tool usages).
type Message struct {
	Type      MessageType `json:"type"`
	AgentID   string      `json:"agent_id"`
	SessionID string      `json:"session_id"`

	// Content carries text for user, agent, thinking, and error variants.
	Content string `json:"content,omitempty"`

	// Final marks the last agent message of the current turn.
	Final bool `json:"final,omitempty"`

	// ToolCalls is set on tool_call messages.
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`

	// ToolID and ToolName are set on tool_started, tool_result, and
	// tool_error messages.
	ToolID   string `json:"tool_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`

	// Result is the stringified tool output on tool_result messages.
	Result string `json:"result,omitempty"`

	// Error and ErrorType are set on tool_error and error messages.
	Error     string        `json:"error,omitempty"`
	ErrorType ToolErrorType `json:"error_type,omitempty"`

	// Usage is set on usage messages.
	Usage *TokenUsage `json:"usage,omitempty"`
}

// NewUserMessage builds a user variant.
func NewUserMessage(agentID, sessionID, content string) Message {
	return Message{Type: MessageTypeUser, AgentID: agentID, SessionID: sessionID, Content: content}
}

// NewAgentMessage builds an agent variant. Final marks the end of the turn.
func NewAgentMessage(agentID, sessionID, content string, final bool) Message {
	return Message{Type: MessageTypeAgent, AgentID: agentID, SessionID: sessionID, Content: content, Final: final}
}

// NewThinkingMessage builds a thinking variant.
func NewThinkingMessage(agentID, sessionID, content string) Message {
	return Message{Type: MessageTypeThinking, AgentID: agentID, SessionID: sessionID, Content: content}
}

// NewToolCallMessage builds a tool_call variant carrying the LLM's requests.
func NewToolCallMessage(agentID, sessionID string, calls []ToolCallRequest) Message {
	return Message{Type: MessageTypeToolCall, AgentID: agentID, SessionID: sessionID, ToolCalls: calls}
}

// NewToolStartedMessage builds a tool_started variant.
func NewToolStartedMessage(agentID, sessionID, toolID, toolName string) Message {
	return Message{Type: MessageTypeToolStarted, AgentID: agentID, SessionID: sessionID, ToolID: toolID, ToolName: toolName}
}

// NewToolResultMessage builds a tool_result variant.
func NewToolResultMessage(agentID, sessionID, toolID, toolName, result string) Message {
	return Message{Type: MessageTypeToolResult, AgentID: agentID, SessionID: sessionID, ToolID: toolID, ToolName: toolName, Result: result}
}

// NewToolErrorMessage builds a tool_error variant.
func NewToolErrorMessage(agentID, sessionID, toolID, toolName, errMsg string, errType ToolErrorType) Message {
	return Message{Type: MessageTypeToolError, AgentID: agentID, SessionID: sessionID, ToolID: toolID, ToolName: toolName, Error: errMsg, ErrorType: errType}
}

// NewErrorMessage builds an error variant for unrecoverable failures.
func NewErrorMessage(agentID, sessionID, errMsg string) Message {
	return Message{Type: MessageTypeError, AgentID: agentID, SessionID: sessionID, Error: errMsg}
}

// NewUsageMessage builds a usage variant reporting token consumption.
func NewUsageMessage(agentID, sessionID string, usage TokenUsage) Message {
	return Message{Type: MessageTypeUsage, AgentID: agentID, SessionID: sessionID, Usage: &usage}
}
