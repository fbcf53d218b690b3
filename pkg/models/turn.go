package models

import "time"

// ConversationType classifies who is talking to whom in a turn.
type ConversationType string

const (
	ConversationUserAgent  ConversationType = "USER_AGENT"
	ConversationAgentAgent ConversationType = "AGENT_AGENT"
	ConversationSystem     ConversationType = "SYSTEM_MESSAGE"
)

// TurnStatus is the lifecycle state of a conversation turn.
type TurnStatus string

const (
	TurnInProgress TurnStatus = "in_progress"
	TurnCompleted  TurnStatus = "completed"
	TurnError      TurnStatus = "error"
	TurnPartial    TurnStatus = "partial"
	TurnAbandoned  TurnStatus = "abandoned"
)

// ConversationTurn is one user-query/agent-response cycle. A turn is created
// in_progress and reaches a terminal status exactly once; any turn still
// in_progress after a restart is rewritten to abandoned by the recovery sweep.
type ConversationTurn struct {
	ID               string           `json:"id"`
	AgentID          string           `json:"agent_id"`
	SessionID        string           `json:"session_id"`
	TurnNumber       int              `json:"turn_number"`
	Timestamp        time.Time        `json:"timestamp"`
	SourceEntity     string           `json:"source_entity"`
	TargetEntity     string           `json:"target_entity"`
	ConversationType ConversationType `json:"conversation_type"`
	UserQuery        string           `json:"user_query"`
	AgentResponse    string           `json:"agent_response,omitempty"`
	TaskID           string           `json:"task_id,omitempty"`
	TotalDurationMs  int64            `json:"total_duration_ms"`
	LLMDurationMs    int64            `json:"llm_duration_ms"`
	ToolsDurationMs  int64            `json:"tools_duration_ms"`
	UserMetadata     map[string]any   `json:"user_metadata,omitempty"`
	AgentMetadata    map[string]any   `json:"agent_metadata,omitempty"`
	Status           TurnStatus       `json:"status"`
	ErrorDetails     map[string]any   `json:"error_details,omitempty"`
	ToolsUsed        bool             `json:"tools_used"`
	Compacted        bool             `json:"compacted"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ExecutionStatus is the lifecycle state of a tool invocation. The strings
// are stored as-is; they must not change for on-disk compatibility.
type ExecutionStatus string

const (
	ExecutionPending         ExecutionStatus = "PENDING"
	ExecutionPendingApproval ExecutionStatus = "PENDING_APPROVAL"
	ExecutionApproved        ExecutionStatus = "APPROVED"
	ExecutionRejected        ExecutionStatus = "REJECTED"
	ExecutionExecuting       ExecutionStatus = "EXECUTING"
	ExecutionCompleted       ExecutionStatus = "COMPLETED"
	ExecutionFailed          ExecutionStatus = "FAILED"
	ExecutionAbandoned       ExecutionStatus = "ABANDONED"
)

// UserDecision records a human approval verdict on a tool invocation.
type UserDecision string

const (
	DecisionApproved UserDecision = "APPROVED"
	DecisionRejected UserDecision = "REJECTED"
)

// ToolUsage is one tool invocation within a turn. Rows outlive the turn for
// audit.
type ToolUsage struct {
	ID                   string          `json:"id"`
	TurnID               string          `json:"turn_id"`
	AgentID              string          `json:"agent_id"`
	ToolName             string          `json:"tool_name"`
	ToolArgs             map[string]any  `json:"tool_args,omitempty"`
	ToolCallID           string          `json:"tool_call_id,omitempty"`
	RequiresApproval     bool            `json:"requires_approval"`
	UserDecision         UserDecision    `json:"user_decision,omitempty"`
	UserFeedback         string          `json:"user_feedback,omitempty"`
	DecisionTimestamp    *time.Time      `json:"decision_timestamp,omitempty"`
	ExecutionStartedAt   *time.Time      `json:"execution_started_at,omitempty"`
	ExecutionCompletedAt *time.Time      `json:"execution_completed_at,omitempty"`
	ExecutionStatus      ExecutionStatus `json:"execution_status"`
	ExecutionResult      map[string]any  `json:"execution_result,omitempty"`
	ExecutionError       string          `json:"execution_error,omitempty"`
	DurationMs           int64           `json:"duration_ms"`
	TokensUsed           int             `json:"tokens_used"`
	CreatedAt            time.Time       `json:"created_at"`
}
