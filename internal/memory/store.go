package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Crestview-Labs/metagen/pkg/models"
)

// Store is the durable memory shared by all agents: conversation turns, tool
// usage audit rows, stored task definitions, and compact memories. All agents
// in a process share one Store over one profile database.
type Store interface {
	// StoreTurn persists a new turn and returns its id. A zero TurnNumber is
	// assigned the agent's next sequence number atomically. Inserting an
	// explicit (agent_id, turn_number) pair that already exists fails with an
	// integrity StorageError.
	StoreTurn(ctx context.Context, turn *models.ConversationTurn) (string, error)

	// UpdateTurn applies the non-nil fields of patch. Returns false when the
	// turn does not exist.
	UpdateTurn(ctx context.Context, id string, patch TurnPatch) (bool, error)

	// NextTurnNumber returns MAX(turn_number)+1 for the agent.
	NextTurnNumber(ctx context.Context, agentID string) (int, error)

	// GetTurn returns the turn or (nil, nil) when unknown.
	GetTurn(ctx context.Context, id string) (*models.ConversationTurn, error)

	// GetTurnsBySession returns the most recent limit turns of a session in
	// chronological order. limit <= 0 returns all turns.
	GetTurnsBySession(ctx context.Context, sessionID string, limit int) ([]*models.ConversationTurn, error)

	// GetTurnsByAgent pages through an agent's turns oldest-first.
	GetTurnsByAgent(ctx context.Context, agentID string, limit, offset int) ([]*models.ConversationTurn, error)

	// GetTurnsByTimeRange returns turns newest-first. Either bound may be nil.
	GetTurnsByTimeRange(ctx context.Context, start, end *time.Time, limit, offset int) ([]*models.ConversationTurn, error)

	// MarkTurnsCompacted flags the given turns as compacted and returns how
	// many rows changed.
	MarkTurnsCompacted(ctx context.Context, ids []string) (int, error)

	// GetUncompactedTurns returns finished, uncompacted turns oldest-first.
	// tokenLimit > 0 stops accumulating once the estimated token total
	// passes it; limit > 0 caps the number of rows.
	GetUncompactedTurns(ctx context.Context, tokenLimit, limit int) ([]*models.ConversationTurn, error)

	// RecordToolUsage persists a new tool usage row and returns its id.
	RecordToolUsage(ctx context.Context, usage *models.ToolUsage) (string, error)

	// UpdateToolUsage applies the non-nil fields of patch. Returns false when
	// the row does not exist.
	UpdateToolUsage(ctx context.Context, id string, patch ToolUsagePatch) (bool, error)

	// GetToolUsage returns the row or (nil, nil) when unknown.
	GetToolUsage(ctx context.Context, id string) (*models.ToolUsage, error)

	// GetToolUsagesByTurn returns a turn's tool usages oldest-first.
	GetToolUsagesByTurn(ctx context.Context, turnID string) ([]*models.ToolUsage, error)

	// GetToolUsagesByStatus returns usages in the given status oldest-first.
	GetToolUsagesByStatus(ctx context.Context, status models.ExecutionStatus, limit int) ([]*models.ToolUsage, error)

	// CreateTaskConfig stores a task definition. Names are unique; reusing
	// one fails with an integrity StorageError.
	CreateTaskConfig(ctx context.Context, cfg *models.TaskConfig) (string, error)

	// GetTaskConfig returns the config or (nil, nil) when unknown.
	GetTaskConfig(ctx context.Context, id string) (*models.TaskConfig, error)

	// GetTaskConfigByName returns the config or (nil, nil) when unknown.
	GetTaskConfigByName(ctx context.Context, name string) (*models.TaskConfig, error)

	// ListTaskConfigs returns all task configs ordered by name.
	ListTaskConfigs(ctx context.Context) ([]*models.TaskConfig, error)

	// UpdateTaskConfig replaces a stored definition. Returns false when the
	// config does not exist.
	UpdateTaskConfig(ctx context.Context, id string, def models.TaskDefinition) (bool, error)

	// DeleteTaskConfig removes a config. Returns false when it did not exist.
	DeleteTaskConfig(ctx context.Context, id string) (bool, error)

	// StoreCompactMemory persists a compact memory and returns its id.
	StoreCompactMemory(ctx context.Context, cm *models.CompactMemory) (string, error)

	// GetUnprocessedCompactMemories returns unprocessed memories oldest-first.
	GetUnprocessedCompactMemories(ctx context.Context, limit int) ([]*models.CompactMemory, error)

	// MarkCompactMemoryProcessed flags one memory as processed. Returns false
	// when it does not exist.
	MarkCompactMemoryProcessed(ctx context.Context, id string) (bool, error)

	// RecoverAbandoned rewrites rows left open by a crash: in-progress turns
	// become abandoned and unfinished tool usages become ABANDONED. Safe to
	// run on every startup.
	RecoverAbandoned(ctx context.Context) (RecoveryReport, error)

	// Close checkpoints and closes the database.
	Close() error
}

// TurnPatch selects ConversationTurn fields to update. Nil fields are left
// untouched; updated_at always refreshes.
type TurnPatch struct {
	AgentResponse   *string
	Status          *models.TurnStatus
	ErrorDetails    map[string]any
	TotalDurationMs *int64
	LLMDurationMs   *int64
	ToolsDurationMs *int64
	ToolsUsed       *bool
	AgentMetadata   map[string]any
	UserMetadata    map[string]any
	TaskID          *string
}

// ToolUsagePatch selects ToolUsage fields to update. Nil fields are left
// untouched.
type ToolUsagePatch struct {
	ExecutionStatus      *models.ExecutionStatus
	ExecutionStartedAt   *time.Time
	ExecutionCompletedAt *time.Time
	ExecutionResult      map[string]any
	ExecutionError       *string
	UserDecision         *models.UserDecision
	UserFeedback         *string
	DecisionTimestamp    *time.Time
	DurationMs           *int64
	TokensUsed           *int
}

// RecoveryReport summarizes a startup recovery sweep.
type RecoveryReport struct {
	AbandonedTurns     int
	AbandonedToolCalls int
}

// ErrorKind classifies storage failures for callers that branch on them.
type ErrorKind string

const (
	// KindIntegrity covers constraint violations: duplicate turn numbers,
	// duplicate task names, missing foreign rows.
	KindIntegrity ErrorKind = "integrity"

	// KindBusy covers lock contention. Mutating operations retry these
	// internally before giving up.
	KindBusy ErrorKind = "busy"

	// KindInternal covers everything else.
	KindInternal ErrorKind = "internal"
)

// StorageError wraps a database failure with the operation name and a
// classification.
type StorageError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("memory: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsIntegrity reports whether err is a constraint violation.
func IsIntegrity(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindIntegrity
}

// IsBusy reports whether err is lock contention that survived retries.
func IsBusy(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindBusy
}
