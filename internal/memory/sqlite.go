package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Crestview-Labs/metagen/internal/observability"
	"github.com/Crestview-Labs/metagen/internal/retry"
	"github.com/Crestview-Labs/metagen/pkg/models"
)

// SQLiteStore implements Store on a single SQLite file.
//
// The pool is capped at one connection so all goroutines serialize through
// it, which eliminates SQLITE_BUSY errors between our own writers. Lock
// contention from other processes sharing the file (tool servers opened on
// METAGEN_DB_PATH) is retried before surfacing as a busy StorageError.
type SQLiteStore struct {
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics

	// turnSeq serializes turn-number assignment per agent.
	turnSeq keyedMutex

	stmtInsertTurn  *sql.Stmt
	stmtGetTurn     *sql.Stmt
	stmtNextNumber  *sql.Stmt
	stmtInsertUsage *sql.Stmt
	stmtGetUsage    *sql.Stmt
}

var _ Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*storeOptions)

type storeOptions struct {
	logger      *observability.Logger
	metrics     *observability.Metrics
	busyTimeout time.Duration
}

// WithLogger sets the store's logger.
func WithLogger(l *observability.Logger) Option {
	return func(o *storeOptions) { o.logger = l }
}

// WithMetrics enables store operation metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *storeOptions) { o.metrics = m }
}

// WithBusyTimeout sets how long SQLite waits on a locked database held by
// another process before reporting busy.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *storeOptions) { o.busyTimeout = d }
}

// NewSQLiteStore opens (or creates) the profile database at path and ensures
// the schema exists. Pass ":memory:" for a throwaway store.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	options := &storeOptions{busyTimeout: 5 * time.Second}
	for _, o := range opts {
		o(options)
	}
	if options.logger == nil {
		options.logger = observability.NewNopLogger()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One shared connection; see the type comment.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", options.busyTimeout.Milliseconds()),
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	store := &SQLiteStore{
		db:      db,
		logger:  options.logger,
		metrics: options.metrics,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

// DB exposes the underlying connection for related stores and tests.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

const turnColumns = `id, agent_id, session_id, turn_number, timestamp, source_entity, target_entity,
	conversation_type, user_query, agent_response, task_id, total_duration_ms, llm_duration_ms,
	tools_duration_ms, user_metadata, agent_metadata, status, error_details, tools_used, compacted,
	created_at, updated_at`

const usageColumns = `id, turn_id, agent_id, tool_name, tool_args, tool_call_id, requires_approval,
	user_decision, user_feedback, decision_timestamp, execution_started_at, execution_completed_at,
	execution_status, execution_result, execution_error, duration_ms, tokens_used, created_at`

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.stmtInsertTurn, err = s.db.Prepare(`
		INSERT INTO conversation_turns (` + turnColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	s.stmtGetTurn, err = s.db.Prepare(`
		SELECT ` + turnColumns + ` FROM conversation_turns WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("get turn: %w", err)
	}

	s.stmtNextNumber, err = s.db.Prepare(`
		SELECT COALESCE(MAX(turn_number), 0) + 1 FROM conversation_turns WHERE agent_id = ?
	`)
	if err != nil {
		return fmt.Errorf("next turn number: %w", err)
	}

	s.stmtInsertUsage, err = s.db.Prepare(`
		INSERT INTO tool_usage (` + usageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("insert tool usage: %w", err)
	}

	s.stmtGetUsage, err = s.db.Prepare(`
		SELECT ` + usageColumns + ` FROM tool_usage WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("get tool usage: %w", err)
	}

	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	var errs []error

	for _, stmt := range []*sql.Stmt{
		s.stmtInsertTurn, s.stmtGetTurn, s.stmtNextNumber, s.stmtInsertUsage, s.stmtGetUsage,
	} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	// Best effort: fold the WAL back into the main file so the profile
	// database is a single file at rest.
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		errs = append(errs, err)
	}

	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

// ---- retry and classification ----

var writeRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Factor:       2,
	Jitter:       true,
}

func classify(err error) ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "constraint") || strings.Contains(msg, "unique"):
		return KindIntegrity
	case strings.Contains(msg, "busy") || strings.Contains(msg, "locked"):
		return KindBusy
	}
	return KindInternal
}

// mutate runs a write with busy retries. Integrity violations and unknown
// failures return immediately.
func (s *SQLiteStore) mutate(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := retry.Do(ctx, writeRetry, func() error {
		if err := fn(); err != nil {
			kind := classify(err)
			serr := &StorageError{Op: op, Kind: kind, Err: err}
			if kind == KindBusy {
				return serr
			}
			return retry.Permanent(serr)
		}
		return nil
	})
	s.observe(op, start, err)
	return err
}

func (s *SQLiteStore) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordStoreOperation(op, status, time.Since(start).Seconds())
}

func (s *SQLiteStore) readErr(op string, err error) error {
	return &StorageError{Op: op, Kind: classify(err), Err: err}
}

// ---- turns ----

// StoreTurn persists a new turn. A zero TurnNumber gets the agent's next
// sequence number; assignment and insert run under the per-agent lock so
// concurrent opens cannot collide.
func (s *SQLiteStore) StoreTurn(ctx context.Context, turn *models.ConversationTurn) (string, error) {
	if turn.AgentID == "" {
		return "", fmt.Errorf("agent id is required")
	}
	if turn.SessionID == "" {
		return "", fmt.Errorf("session id is required")
	}

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	turn.UpdatedAt = now
	if turn.Status == "" {
		turn.Status = models.TurnInProgress
	}
	if turn.ConversationType == "" {
		turn.ConversationType = models.ConversationUserAgent
	}

	if turn.TurnNumber <= 0 {
		unlock := s.turnSeq.lock(turn.AgentID)
		defer unlock()
		next, err := s.NextTurnNumber(ctx, turn.AgentID)
		if err != nil {
			return "", err
		}
		turn.TurnNumber = next
	}

	userMeta, err := jsonOrNull(turn.UserMetadata)
	if err != nil {
		return "", fmt.Errorf("marshal user metadata: %w", err)
	}
	agentMeta, err := jsonOrNull(turn.AgentMetadata)
	if err != nil {
		return "", fmt.Errorf("marshal agent metadata: %w", err)
	}
	errDetails, err := jsonOrNull(turn.ErrorDetails)
	if err != nil {
		return "", fmt.Errorf("marshal error details: %w", err)
	}

	err = s.mutate(ctx, "store_turn", func() error {
		_, err := s.stmtInsertTurn.ExecContext(ctx,
			turn.ID,
			turn.AgentID,
			turn.SessionID,
			turn.TurnNumber,
			turn.Timestamp.UTC(),
			turn.SourceEntity,
			turn.TargetEntity,
			string(turn.ConversationType),
			turn.UserQuery,
			turn.AgentResponse,
			nullString(turn.TaskID),
			turn.TotalDurationMs,
			turn.LLMDurationMs,
			turn.ToolsDurationMs,
			userMeta,
			agentMeta,
			string(turn.Status),
			errDetails,
			turn.ToolsUsed,
			turn.Compacted,
			turn.CreatedAt.UTC(),
			turn.UpdatedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return "", err
	}
	return turn.ID, nil
}

// UpdateTurn applies the non-nil fields of patch.
func (s *SQLiteStore) UpdateTurn(ctx context.Context, id string, patch TurnPatch) (bool, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if patch.AgentResponse != nil {
		sets = append(sets, "agent_response = ?")
		args = append(args, *patch.AgentResponse)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.ErrorDetails != nil {
		details, err := jsonOrNull(patch.ErrorDetails)
		if err != nil {
			return false, fmt.Errorf("marshal error details: %w", err)
		}
		sets = append(sets, "error_details = ?")
		args = append(args, details)
	}
	if patch.TotalDurationMs != nil {
		sets = append(sets, "total_duration_ms = ?")
		args = append(args, *patch.TotalDurationMs)
	}
	if patch.LLMDurationMs != nil {
		sets = append(sets, "llm_duration_ms = ?")
		args = append(args, *patch.LLMDurationMs)
	}
	if patch.ToolsDurationMs != nil {
		sets = append(sets, "tools_duration_ms = ?")
		args = append(args, *patch.ToolsDurationMs)
	}
	if patch.ToolsUsed != nil {
		sets = append(sets, "tools_used = ?")
		args = append(args, *patch.ToolsUsed)
	}
	if patch.AgentMetadata != nil {
		meta, err := jsonOrNull(patch.AgentMetadata)
		if err != nil {
			return false, fmt.Errorf("marshal agent metadata: %w", err)
		}
		sets = append(sets, "agent_metadata = ?")
		args = append(args, meta)
	}
	if patch.UserMetadata != nil {
		meta, err := jsonOrNull(patch.UserMetadata)
		if err != nil {
			return false, fmt.Errorf("marshal user metadata: %w", err)
		}
		sets = append(sets, "user_metadata = ?")
		args = append(args, meta)
	}
	if patch.TaskID != nil {
		sets = append(sets, "task_id = ?")
		args = append(args, nullString(*patch.TaskID))
	}

	query := "UPDATE conversation_turns SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	var affected int64
	err := s.mutate(ctx, "update_turn", func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// NextTurnNumber returns MAX(turn_number)+1 for the agent.
func (s *SQLiteStore) NextTurnNumber(ctx context.Context, agentID string) (int, error) {
	start := time.Now()
	var next int
	err := s.stmtNextNumber.QueryRowContext(ctx, agentID).Scan(&next)
	if err != nil {
		err = s.readErr("next_turn_number", err)
	}
	s.observe("next_turn_number", start, err)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// GetTurn returns the turn or (nil, nil) when unknown.
func (s *SQLiteStore) GetTurn(ctx context.Context, id string) (*models.ConversationTurn, error) {
	start := time.Now()
	turn, err := scanTurn(s.stmtGetTurn.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		s.observe("get_turn", start, nil)
		return nil, nil
	}
	if err != nil {
		err = s.readErr("get_turn", err)
	}
	s.observe("get_turn", start, err)
	if err != nil {
		return nil, err
	}
	return turn, nil
}

// GetTurnsBySession returns the most recent limit turns of a session in
// chronological order. Sessions may span agents (meta plus task agents), so
// ordering follows timestamps rather than per-agent turn numbers.
func (s *SQLiteStore) GetTurnsBySession(ctx context.Context, sessionID string, limit int) ([]*models.ConversationTurn, error) {
	start := time.Now()

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+turnColumns+` FROM conversation_turns
			WHERE session_id = ?
			ORDER BY timestamp DESC, turn_number DESC
			LIMIT ?`, sessionID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+turnColumns+` FROM conversation_turns
			WHERE session_id = ?
			ORDER BY timestamp ASC, turn_number ASC`, sessionID)
	}
	if err != nil {
		err = s.readErr("get_turns_by_session", err)
		s.observe("get_turns_by_session", start, err)
		return nil, err
	}

	turns, err := collectTurns(rows)
	if err != nil {
		err = s.readErr("get_turns_by_session", err)
	}
	s.observe("get_turns_by_session", start, err)
	if err != nil {
		return nil, err
	}

	if limit > 0 {
		reverseTurns(turns)
	}
	return turns, nil
}

// GetTurnsByAgent pages through an agent's turns oldest-first.
func (s *SQLiteStore) GetTurnsByAgent(ctx context.Context, agentID string, limit, offset int) ([]*models.ConversationTurn, error) {
	start := time.Now()
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+turnColumns+` FROM conversation_turns
		WHERE agent_id = ?
		ORDER BY turn_number ASC
		LIMIT ? OFFSET ?`, agentID, limit, offset)
	if err != nil {
		err = s.readErr("get_turns_by_agent", err)
		s.observe("get_turns_by_agent", start, err)
		return nil, err
	}

	turns, err := collectTurns(rows)
	if err != nil {
		err = s.readErr("get_turns_by_agent", err)
	}
	s.observe("get_turns_by_agent", start, err)
	if err != nil {
		return nil, err
	}
	return turns, nil
}

// GetTurnsByTimeRange returns turns newest-first. Either bound may be nil.
func (s *SQLiteStore) GetTurnsByTimeRange(ctx context.Context, startTime, endTime *time.Time, limit, offset int) ([]*models.ConversationTurn, error) {
	start := time.Now()

	query := `SELECT ` + turnColumns + ` FROM conversation_turns`
	var conds []string
	var args []any
	if startTime != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, startTime.UTC())
	}
	if endTime != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, endTime.UTC())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		err = s.readErr("get_turns_by_time_range", err)
		s.observe("get_turns_by_time_range", start, err)
		return nil, err
	}

	turns, err := collectTurns(rows)
	if err != nil {
		err = s.readErr("get_turns_by_time_range", err)
	}
	s.observe("get_turns_by_time_range", start, err)
	if err != nil {
		return nil, err
	}
	return turns, nil
}

// MarkTurnsCompacted flags the given turns as compacted.
func (s *SQLiteStore) MarkTurnsCompacted(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := "UPDATE conversation_turns SET compacted = 1, updated_at = ? WHERE id IN (" + placeholders(len(ids)) + ")"
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}

	var affected int64
	err := s.mutate(ctx, "mark_turns_compacted", func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// GetUncompactedTurns returns finished, uncompacted turns oldest-first.
// tokenLimit > 0 stops accumulating once the estimated token total passes
// it; limit > 0 caps the number of rows.
func (s *SQLiteStore) GetUncompactedTurns(ctx context.Context, tokenLimit, limit int) ([]*models.ConversationTurn, error) {
	start := time.Now()
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+turnColumns+` FROM conversation_turns
		WHERE compacted = 0 AND status != ?
		ORDER BY timestamp ASC, turn_number ASC
		LIMIT ?`, string(models.TurnInProgress), limit)
	if err != nil {
		err = s.readErr("get_uncompacted_turns", err)
		s.observe("get_uncompacted_turns", start, err)
		return nil, err
	}

	turns, err := collectTurns(rows)
	if err != nil {
		err = s.readErr("get_uncompacted_turns", err)
	}
	s.observe("get_uncompacted_turns", start, err)
	if err != nil {
		return nil, err
	}

	if tokenLimit > 0 {
		total := 0
		for i, turn := range turns {
			total += estimateTokens(turn)
			if total > tokenLimit && i > 0 {
				return turns[:i], nil
			}
		}
	}
	return turns, nil
}

// estimateTokens approximates a turn's token weight at ~4 bytes per token.
func estimateTokens(turn *models.ConversationTurn) int {
	return (len(turn.UserQuery) + len(turn.AgentResponse)) / 4
}

// ---- tool usage ----

// RecordToolUsage persists a new tool usage row.
func (s *SQLiteStore) RecordToolUsage(ctx context.Context, usage *models.ToolUsage) (string, error) {
	if usage.TurnID == "" {
		return "", fmt.Errorf("turn id is required")
	}
	if usage.ToolName == "" {
		return "", fmt.Errorf("tool name is required")
	}

	if usage.ID == "" {
		usage.ID = uuid.NewString()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}
	if usage.ExecutionStatus == "" {
		usage.ExecutionStatus = models.ExecutionPending
	}

	toolArgs, err := jsonOrNull(usage.ToolArgs)
	if err != nil {
		return "", fmt.Errorf("marshal tool args: %w", err)
	}
	result, err := jsonOrNull(usage.ExecutionResult)
	if err != nil {
		return "", fmt.Errorf("marshal execution result: %w", err)
	}

	err = s.mutate(ctx, "record_tool_usage", func() error {
		_, err := s.stmtInsertUsage.ExecContext(ctx,
			usage.ID,
			usage.TurnID,
			usage.AgentID,
			usage.ToolName,
			toolArgs,
			nullString(usage.ToolCallID),
			usage.RequiresApproval,
			nullString(string(usage.UserDecision)),
			nullString(usage.UserFeedback),
			nullTime(usage.DecisionTimestamp),
			nullTime(usage.ExecutionStartedAt),
			nullTime(usage.ExecutionCompletedAt),
			string(usage.ExecutionStatus),
			result,
			nullString(usage.ExecutionError),
			usage.DurationMs,
			usage.TokensUsed,
			usage.CreatedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return "", err
	}
	return usage.ID, nil
}

// UpdateToolUsage applies the non-nil fields of patch.
func (s *SQLiteStore) UpdateToolUsage(ctx context.Context, id string, patch ToolUsagePatch) (bool, error) {
	var sets []string
	var args []any

	if patch.ExecutionStatus != nil {
		sets = append(sets, "execution_status = ?")
		args = append(args, string(*patch.ExecutionStatus))
	}
	if patch.ExecutionStartedAt != nil {
		sets = append(sets, "execution_started_at = ?")
		args = append(args, patch.ExecutionStartedAt.UTC())
	}
	if patch.ExecutionCompletedAt != nil {
		sets = append(sets, "execution_completed_at = ?")
		args = append(args, patch.ExecutionCompletedAt.UTC())
	}
	if patch.ExecutionResult != nil {
		result, err := jsonOrNull(patch.ExecutionResult)
		if err != nil {
			return false, fmt.Errorf("marshal execution result: %w", err)
		}
		sets = append(sets, "execution_result = ?")
		args = append(args, result)
	}
	if patch.ExecutionError != nil {
		sets = append(sets, "execution_error = ?")
		args = append(args, nullString(*patch.ExecutionError))
	}
	if patch.UserDecision != nil {
		sets = append(sets, "user_decision = ?")
		args = append(args, string(*patch.UserDecision))
	}
	if patch.UserFeedback != nil {
		sets = append(sets, "user_feedback = ?")
		args = append(args, *patch.UserFeedback)
	}
	if patch.DecisionTimestamp != nil {
		sets = append(sets, "decision_timestamp = ?")
		args = append(args, patch.DecisionTimestamp.UTC())
	}
	if patch.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *patch.DurationMs)
	}
	if patch.TokensUsed != nil {
		sets = append(sets, "tokens_used = ?")
		args = append(args, *patch.TokensUsed)
	}

	if len(sets) == 0 {
		return false, fmt.Errorf("empty tool usage patch")
	}

	query := "UPDATE tool_usage SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	var affected int64
	err := s.mutate(ctx, "update_tool_usage", func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetToolUsage returns the row or (nil, nil) when unknown.
func (s *SQLiteStore) GetToolUsage(ctx context.Context, id string) (*models.ToolUsage, error) {
	start := time.Now()
	usage, err := scanUsage(s.stmtGetUsage.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		s.observe("get_tool_usage", start, nil)
		return nil, nil
	}
	if err != nil {
		err = s.readErr("get_tool_usage", err)
	}
	s.observe("get_tool_usage", start, err)
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// GetToolUsagesByTurn returns a turn's tool usages oldest-first.
func (s *SQLiteStore) GetToolUsagesByTurn(ctx context.Context, turnID string) ([]*models.ToolUsage, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+usageColumns+` FROM tool_usage
		WHERE turn_id = ?
		ORDER BY created_at ASC, id ASC`, turnID)
	if err != nil {
		err = s.readErr("get_tool_usages_by_turn", err)
		s.observe("get_tool_usages_by_turn", start, err)
		return nil, err
	}

	usages, err := collectUsages(rows)
	if err != nil {
		err = s.readErr("get_tool_usages_by_turn", err)
	}
	s.observe("get_tool_usages_by_turn", start, err)
	if err != nil {
		return nil, err
	}
	return usages, nil
}

// GetToolUsagesByStatus returns usages in the given status oldest-first.
func (s *SQLiteStore) GetToolUsagesByStatus(ctx context.Context, status models.ExecutionStatus, limit int) ([]*models.ToolUsage, error) {
	start := time.Now()
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+usageColumns+` FROM tool_usage
		WHERE execution_status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, string(status), limit)
	if err != nil {
		err = s.readErr("get_tool_usages_by_status", err)
		s.observe("get_tool_usages_by_status", start, err)
		return nil, err
	}

	usages, err := collectUsages(rows)
	if err != nil {
		err = s.readErr("get_tool_usages_by_status", err)
	}
	s.observe("get_tool_usages_by_status", start, err)
	if err != nil {
		return nil, err
	}
	return usages, nil
}

// ---- task configs ----

// CreateTaskConfig stores a task definition. Names are unique.
func (s *SQLiteStore) CreateTaskConfig(ctx context.Context, cfg *models.TaskConfig) (string, error) {
	if cfg.Name == "" {
		cfg.Name = cfg.Definition.Name
	}
	if cfg.Name == "" {
		return "", fmt.Errorf("task name is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	definition, err := json.Marshal(cfg.Definition)
	if err != nil {
		return "", fmt.Errorf("marshal task definition: %w", err)
	}

	err = s.mutate(ctx, "create_task_config", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_configs (id, name, definition, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			cfg.ID, cfg.Name, string(definition), cfg.CreatedAt.UTC(), cfg.UpdatedAt.UTC())
		return err
	})
	if err != nil {
		return "", err
	}
	return cfg.ID, nil
}

// GetTaskConfig returns the config or (nil, nil) when unknown.
func (s *SQLiteStore) GetTaskConfig(ctx context.Context, id string) (*models.TaskConfig, error) {
	return s.getTaskConfigWhere(ctx, "get_task_config", "id = ?", id)
}

// GetTaskConfigByName returns the config or (nil, nil) when unknown.
func (s *SQLiteStore) GetTaskConfigByName(ctx context.Context, name string) (*models.TaskConfig, error) {
	return s.getTaskConfigWhere(ctx, "get_task_config_by_name", "name = ?", name)
}

func (s *SQLiteStore) getTaskConfigWhere(ctx context.Context, op, where string, arg any) (*models.TaskConfig, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, definition, created_at, updated_at
		FROM task_configs WHERE `+where, arg)

	cfg, err := scanTaskConfig(row)
	if err == sql.ErrNoRows {
		s.observe(op, start, nil)
		return nil, nil
	}
	if err != nil {
		err = s.readErr(op, err)
	}
	s.observe(op, start, err)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListTaskConfigs returns all task configs ordered by name.
func (s *SQLiteStore) ListTaskConfigs(ctx context.Context) ([]*models.TaskConfig, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, definition, created_at, updated_at
		FROM task_configs ORDER BY name ASC`)
	if err != nil {
		err = s.readErr("list_task_configs", err)
		s.observe("list_task_configs", start, err)
		return nil, err
	}
	defer rows.Close()

	var configs []*models.TaskConfig
	for rows.Next() {
		cfg, err := scanTaskConfig(rows)
		if err != nil {
			err = s.readErr("list_task_configs", err)
			s.observe("list_task_configs", start, err)
			return nil, err
		}
		configs = append(configs, cfg)
	}
	err = rows.Err()
	if err != nil {
		err = s.readErr("list_task_configs", err)
	}
	s.observe("list_task_configs", start, err)
	if err != nil {
		return nil, err
	}
	return configs, nil
}

// UpdateTaskConfig replaces a stored definition. The row's name follows the
// definition's name.
func (s *SQLiteStore) UpdateTaskConfig(ctx context.Context, id string, def models.TaskDefinition) (bool, error) {
	definition, err := json.Marshal(def)
	if err != nil {
		return false, fmt.Errorf("marshal task definition: %w", err)
	}

	var affected int64
	err = s.mutate(ctx, "update_task_config", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task_configs SET name = ?, definition = ?, updated_at = ?
			WHERE id = ?`,
			def.Name, string(definition), time.Now().UTC(), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteTaskConfig removes a config.
func (s *SQLiteStore) DeleteTaskConfig(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := s.mutate(ctx, "delete_task_config", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_configs WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ---- compact memories ----

// StoreCompactMemory persists a compact memory.
func (s *SQLiteStore) StoreCompactMemory(ctx context.Context, cm *models.CompactMemory) (string, error) {
	if cm.ID == "" {
		cm.ID = uuid.NewString()
	}
	if cm.CreatedAt.IsZero() {
		cm.CreatedAt = time.Now().UTC()
	}

	taskIDs, err := jsonOrNull(cm.TaskIDs)
	if err != nil {
		return "", fmt.Errorf("marshal task ids: %w", err)
	}
	keyPoints, err := jsonOrNull(cm.KeyPoints)
	if err != nil {
		return "", fmt.Errorf("marshal key points: %w", err)
	}
	entities, err := jsonOrNull(cm.Entities)
	if err != nil {
		return "", fmt.Errorf("marshal entities: %w", err)
	}
	labels, err := jsonOrNull(cm.SemanticLabels)
	if err != nil {
		return "", fmt.Errorf("marshal semantic labels: %w", err)
	}

	err = s.mutate(ctx, "store_compact_memory", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO compact_memories (id, start_time, end_time, task_ids, summary, key_points,
				entities, semantic_labels, turn_count, token_count, compressed_token_count,
				processed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cm.ID, cm.StartTime.UTC(), cm.EndTime.UTC(), taskIDs, cm.Summary, keyPoints,
			entities, labels, cm.TurnCount, cm.TokenCount, cm.CompressedTokenCount,
			cm.Processed, cm.CreatedAt.UTC())
		return err
	})
	if err != nil {
		return "", err
	}
	return cm.ID, nil
}

// GetUnprocessedCompactMemories returns unprocessed memories oldest-first.
func (s *SQLiteStore) GetUnprocessedCompactMemories(ctx context.Context, limit int) ([]*models.CompactMemory, error) {
	start := time.Now()
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_time, end_time, task_ids, summary, key_points, entities,
			semantic_labels, turn_count, token_count, compressed_token_count, processed, created_at
		FROM compact_memories
		WHERE processed = 0
		ORDER BY start_time ASC
		LIMIT ?`, limit)
	if err != nil {
		err = s.readErr("get_unprocessed_compact_memories", err)
		s.observe("get_unprocessed_compact_memories", start, err)
		return nil, err
	}
	defer rows.Close()

	var memories []*models.CompactMemory
	for rows.Next() {
		cm, err := scanCompactMemory(rows)
		if err != nil {
			err = s.readErr("get_unprocessed_compact_memories", err)
			s.observe("get_unprocessed_compact_memories", start, err)
			return nil, err
		}
		memories = append(memories, cm)
	}
	err = rows.Err()
	if err != nil {
		err = s.readErr("get_unprocessed_compact_memories", err)
	}
	s.observe("get_unprocessed_compact_memories", start, err)
	if err != nil {
		return nil, err
	}
	return memories, nil
}

// MarkCompactMemoryProcessed flags one memory as processed.
func (s *SQLiteStore) MarkCompactMemoryProcessed(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := s.mutate(ctx, "mark_compact_memory_processed", func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE compact_memories SET processed = 1 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ---- recovery ----

const (
	abandonedTurnDetail  = "Conversation was abandoned (system shutdown)"
	abandonedUsageDetail = "Tool execution was abandoned (system shutdown)"
)

// RecoverAbandoned rewrites rows left open by a crash. Runs in a single
// transaction and is safe to repeat.
func (s *SQLiteStore) RecoverAbandoned(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	err := s.mutate(ctx, "recover_abandoned", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC()
		details, err := jsonOrNull(map[string]any{"error": abandonedTurnDetail})
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE conversation_turns
			SET status = ?, error_details = ?, updated_at = ?
			WHERE lower(status) = ?`,
			string(models.TurnAbandoned), details, now, string(models.TurnInProgress))
		if err != nil {
			return err
		}
		turns, err := res.RowsAffected()
		if err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE tool_usage
			SET execution_status = ?, execution_error = ?, execution_completed_at = ?
			WHERE execution_status IN (?, ?, ?)`,
			string(models.ExecutionAbandoned), abandonedUsageDetail, now,
			string(models.ExecutionPending), string(models.ExecutionPendingApproval), string(models.ExecutionExecuting))
		if err != nil {
			return err
		}
		calls, err := res.RowsAffected()
		if err != nil {
			return err
		}

		report = RecoveryReport{AbandonedTurns: int(turns), AbandonedToolCalls: int(calls)}
		return tx.Commit()
	})
	if err != nil {
		return RecoveryReport{}, err
	}

	if report.AbandonedTurns > 0 || report.AbandonedToolCalls > 0 {
		s.logger.Info(ctx, "recovered abandoned work",
			"turns", report.AbandonedTurns,
			"tool_calls", report.AbandonedToolCalls)
	}
	return report, nil
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*models.ConversationTurn, error) {
	var (
		t          models.ConversationTurn
		taskID     sql.NullString
		userMeta   sql.NullString
		agentMeta  sql.NullString
		errDetails sql.NullString
	)

	err := row.Scan(
		&t.ID, &t.AgentID, &t.SessionID, &t.TurnNumber, &t.Timestamp,
		&t.SourceEntity, &t.TargetEntity, &t.ConversationType, &t.UserQuery, &t.AgentResponse,
		&taskID, &t.TotalDurationMs, &t.LLMDurationMs, &t.ToolsDurationMs,
		&userMeta, &agentMeta, &t.Status, &errDetails, &t.ToolsUsed, &t.Compacted,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.TaskID = taskID.String
	if err := unmarshalColumn(userMeta, &t.UserMetadata); err != nil {
		return nil, fmt.Errorf("unmarshal user metadata: %w", err)
	}
	if err := unmarshalColumn(agentMeta, &t.AgentMetadata); err != nil {
		return nil, fmt.Errorf("unmarshal agent metadata: %w", err)
	}
	if err := unmarshalColumn(errDetails, &t.ErrorDetails); err != nil {
		return nil, fmt.Errorf("unmarshal error details: %w", err)
	}
	return &t, nil
}

func collectTurns(rows *sql.Rows) ([]*models.ConversationTurn, error) {
	defer rows.Close()
	var turns []*models.ConversationTurn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func reverseTurns(turns []*models.ConversationTurn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}

func scanUsage(row rowScanner) (*models.ToolUsage, error) {
	var (
		u            models.ToolUsage
		toolArgs     sql.NullString
		toolCallID   sql.NullString
		userDecision sql.NullString
		userFeedback sql.NullString
		decisionAt   sql.NullTime
		startedAt    sql.NullTime
		completedAt  sql.NullTime
		result       sql.NullString
		execError    sql.NullString
	)

	err := row.Scan(
		&u.ID, &u.TurnID, &u.AgentID, &u.ToolName, &toolArgs, &toolCallID,
		&u.RequiresApproval, &userDecision, &userFeedback, &decisionAt,
		&startedAt, &completedAt, &u.ExecutionStatus, &result, &execError,
		&u.DurationMs, &u.TokensUsed, &u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.ToolCallID = toolCallID.String
	u.UserDecision = models.UserDecision(userDecision.String)
	u.UserFeedback = userFeedback.String
	u.ExecutionError = execError.String
	if decisionAt.Valid {
		t := decisionAt.Time
		u.DecisionTimestamp = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		u.ExecutionStartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		u.ExecutionCompletedAt = &t
	}
	if err := unmarshalColumn(toolArgs, &u.ToolArgs); err != nil {
		return nil, fmt.Errorf("unmarshal tool args: %w", err)
	}
	if err := unmarshalColumn(result, &u.ExecutionResult); err != nil {
		return nil, fmt.Errorf("unmarshal execution result: %w", err)
	}
	return &u, nil
}

func collectUsages(rows *sql.Rows) ([]*models.ToolUsage, error) {
	defer rows.Close()
	var usages []*models.ToolUsage
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}
	return usages, rows.Err()
}

func scanTaskConfig(row rowScanner) (*models.TaskConfig, error) {
	var (
		cfg        models.TaskConfig
		definition string
	)
	if err := row.Scan(&cfg.ID, &cfg.Name, &definition, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(definition), &cfg.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal task definition: %w", err)
	}
	return &cfg, nil
}

func scanCompactMemory(row rowScanner) (*models.CompactMemory, error) {
	var (
		cm        models.CompactMemory
		taskIDs   sql.NullString
		keyPoints sql.NullString
		entities  sql.NullString
		labels    sql.NullString
	)

	err := row.Scan(
		&cm.ID, &cm.StartTime, &cm.EndTime, &taskIDs, &cm.Summary, &keyPoints,
		&entities, &labels, &cm.TurnCount, &cm.TokenCount, &cm.CompressedTokenCount,
		&cm.Processed, &cm.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalColumn(taskIDs, &cm.TaskIDs); err != nil {
		return nil, fmt.Errorf("unmarshal task ids: %w", err)
	}
	if err := unmarshalColumn(keyPoints, &cm.KeyPoints); err != nil {
		return nil, fmt.Errorf("unmarshal key points: %w", err)
	}
	if err := unmarshalColumn(entities, &cm.Entities); err != nil {
		return nil, fmt.Errorf("unmarshal entities: %w", err)
	}
	if err := unmarshalColumn(labels, &cm.SemanticLabels); err != nil {
		return nil, fmt.Errorf("unmarshal semantic labels: %w", err)
	}
	return &cm, nil
}

// ---- column helpers ----

// jsonOrNull marshals v for a nullable JSON column. Nil and empty values
// store as NULL.
func jsonOrNull(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalColumn(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ---- keyed mutex ----

// keyedMutex hands out one mutex per key, dropping entries when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
