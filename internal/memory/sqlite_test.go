package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Crestview-Labs/metagen/pkg/models"
)

// newTestStore creates a store backed by a database file in a temp dir.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "metagen.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return store
}

func seedTurn(t *testing.T, store *SQLiteStore, turn *models.ConversationTurn) string {
	t.Helper()

	id, err := store.StoreTurn(context.Background(), turn)
	if err != nil {
		t.Fatalf("failed to store turn: %v", err)
	}
	return id
}

func TestStoreTurnAssignsSequentialNumbers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		turn := &models.ConversationTurn{
			AgentID:   "METAGEN",
			SessionID: "session-1",
			UserQuery: "hello",
		}
		if _, err := store.StoreTurn(ctx, turn); err != nil {
			t.Fatalf("failed to store turn %d: %v", want, err)
		}
		if turn.TurnNumber != want {
			t.Errorf("turn number = %d, want %d", turn.TurnNumber, want)
		}
	}

	// Another agent has its own sequence.
	other := &models.ConversationTurn{AgentID: "TASK_AGENT_deadbeef", SessionID: "session-1"}
	if _, err := store.StoreTurn(ctx, other); err != nil {
		t.Fatalf("failed to store turn for second agent: %v", err)
	}
	if other.TurnNumber != 1 {
		t.Errorf("second agent turn number = %d, want 1", other.TurnNumber)
	}
}

func TestStoreTurnValidation(t *testing.T) {
	tests := []struct {
		name        string
		turn        *models.ConversationTurn
		errContains string
	}{
		{
			name:        "missing agent id",
			turn:        &models.ConversationTurn{SessionID: "session-1"},
			errContains: "agent id is required",
		},
		{
			name:        "missing session id",
			turn:        &models.ConversationTurn{AgentID: "METAGEN"},
			errContains: "session id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			_, err := store.StoreTurn(context.Background(), tt.turn)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error = %q, want it to contain %q", err, tt.errContains)
			}
		})
	}
}

func TestStoreTurnDuplicateNumberIsIntegrityError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &models.ConversationTurn{AgentID: "METAGEN", SessionID: "s", TurnNumber: 7}
	if _, err := store.StoreTurn(ctx, first); err != nil {
		t.Fatalf("failed to store first turn: %v", err)
	}

	dup := &models.ConversationTurn{AgentID: "METAGEN", SessionID: "s", TurnNumber: 7}
	_, err := store.StoreTurn(ctx, dup)
	if err == nil {
		t.Fatal("expected integrity error for duplicate turn number, got nil")
	}
	if !IsIntegrity(err) {
		t.Errorf("IsIntegrity(%v) = false, want true", err)
	}

	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("error %v is not a StorageError", err)
	}
	if serr.Op != "store_turn" {
		t.Errorf("StorageError.Op = %q, want %q", serr.Op, "store_turn")
	}
}

func TestGetTurnRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	taskStart := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	turn := &models.ConversationTurn{
		AgentID:          "METAGEN",
		SessionID:        "session-1",
		Timestamp:        taskStart,
		SourceEntity:     "user",
		TargetEntity:     "METAGEN",
		ConversationType: models.ConversationUserAgent,
		UserQuery:        "what is on my calendar?",
		AgentResponse:    "You have two meetings.",
		TaskID:           "task-42",
		TotalDurationMs:  1200,
		LLMDurationMs:    900,
		ToolsDurationMs:  300,
		UserMetadata:     map[string]any{"client": "cli"},
		AgentMetadata:    map[string]any{"model": "test-model"},
		Status:           models.TurnCompleted,
		ToolsUsed:        true,
	}
	id := seedTurn(t, store, turn)

	got, err := store.GetTurn(ctx, id)
	if err != nil {
		t.Fatalf("failed to get turn: %v", err)
	}
	if got == nil {
		t.Fatal("got nil turn")
	}

	if got.AgentID != "METAGEN" || got.SessionID != "session-1" {
		t.Errorf("identity fields = (%q, %q)", got.AgentID, got.SessionID)
	}
	if !got.Timestamp.Equal(taskStart) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, taskStart)
	}
	if got.ConversationType != models.ConversationUserAgent {
		t.Errorf("conversation type = %q", got.ConversationType)
	}
	if got.UserQuery != turn.UserQuery || got.AgentResponse != turn.AgentResponse {
		t.Errorf("content = (%q, %q)", got.UserQuery, got.AgentResponse)
	}
	if got.TaskID != "task-42" {
		t.Errorf("task id = %q, want %q", got.TaskID, "task-42")
	}
	if got.TotalDurationMs != 1200 || got.LLMDurationMs != 900 || got.ToolsDurationMs != 300 {
		t.Errorf("durations = (%d, %d, %d)", got.TotalDurationMs, got.LLMDurationMs, got.ToolsDurationMs)
	}
	if got.UserMetadata["client"] != "cli" {
		t.Errorf("user metadata = %v", got.UserMetadata)
	}
	if got.AgentMetadata["model"] != "test-model" {
		t.Errorf("agent metadata = %v", got.AgentMetadata)
	}
	if got.Status != models.TurnCompleted {
		t.Errorf("status = %q, want %q", got.Status, models.TurnCompleted)
	}
	if !got.ToolsUsed {
		t.Error("tools_used = false, want true")
	}
	if got.Compacted {
		t.Error("compacted = true, want false")
	}
}

func TestGetTurnUnknownReturnsNil(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetTurn(context.Background(), "no-such-turn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestUpdateTurnAppliesPatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := seedTurn(t, store, &models.ConversationTurn{
		AgentID:   "METAGEN",
		SessionID: "session-1",
		UserQuery: "do something",
	})

	response := "done"
	status := models.TurnCompleted
	total := int64(2500)
	used := true
	updated, err := store.UpdateTurn(ctx, id, TurnPatch{
		AgentResponse:   &response,
		Status:          &status,
		TotalDurationMs: &total,
		ToolsUsed:       &used,
		AgentMetadata:   map[string]any{"iterations": float64(3)},
	})
	if err != nil {
		t.Fatalf("failed to update turn: %v", err)
	}
	if !updated {
		t.Fatal("updated = false, want true")
	}

	got, err := store.GetTurn(ctx, id)
	if err != nil {
		t.Fatalf("failed to get turn: %v", err)
	}
	if got.AgentResponse != "done" {
		t.Errorf("agent response = %q, want %q", got.AgentResponse, "done")
	}
	if got.Status != models.TurnCompleted {
		t.Errorf("status = %q, want %q", got.Status, models.TurnCompleted)
	}
	if got.TotalDurationMs != 2500 {
		t.Errorf("total duration = %d, want 2500", got.TotalDurationMs)
	}
	if !got.ToolsUsed {
		t.Error("tools_used = false, want true")
	}
	if got.AgentMetadata["iterations"] != float64(3) {
		t.Errorf("agent metadata = %v", got.AgentMetadata)
	}
	// Untouched fields survive.
	if got.UserQuery != "do something" {
		t.Errorf("user query = %q, want original", got.UserQuery)
	}

	updated, err = store.UpdateTurn(ctx, "no-such-turn", TurnPatch{Status: &status})
	if err != nil {
		t.Fatalf("unexpected error updating unknown turn: %v", err)
	}
	if updated {
		t.Error("updated = true for unknown turn, want false")
	}
}

func TestGetTurnsBySessionWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		id := seedTurn(t, store, &models.ConversationTurn{
			AgentID:   "METAGEN",
			SessionID: "session-1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			UserQuery: "q",
		})
		ids = append(ids, id)
	}
	// A different session should not leak in.
	seedTurn(t, store, &models.ConversationTurn{
		AgentID:   "METAGEN",
		SessionID: "session-2",
		Timestamp: base.Add(time.Hour),
	})

	recent, err := store.GetTurnsBySession(ctx, "session-1", 3)
	if err != nil {
		t.Fatalf("failed to get session turns: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d turns, want 3", len(recent))
	}
	// Most recent three, oldest first.
	for i, want := range ids[2:] {
		if recent[i].ID != want {
			t.Errorf("turn %d id = %q, want %q", i, recent[i].ID, want)
		}
	}

	all, err := store.GetTurnsBySession(ctx, "session-1", 0)
	if err != nil {
		t.Fatalf("failed to get all session turns: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d turns, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			t.Errorf("turns out of chronological order at %d", i)
		}
	}
}

func TestGetTurnsByAgentPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedTurn(t, store, &models.ConversationTurn{AgentID: "METAGEN", SessionID: "s"})
	}

	page, err := store.GetTurnsByAgent(ctx, "METAGEN", 2, 1)
	if err != nil {
		t.Fatalf("failed to get agent turns: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d turns, want 2", len(page))
	}
	if page[0].TurnNumber != 2 || page[1].TurnNumber != 3 {
		t.Errorf("turn numbers = (%d, %d), want (2, 3)", page[0].TurnNumber, page[1].TurnNumber)
	}

	all, err := store.GetTurnsByAgent(ctx, "METAGEN", 0, 0)
	if err != nil {
		t.Fatalf("failed to get all agent turns: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("got %d turns, want 5", len(all))
	}
}

func TestGetTurnsByTimeRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		seedTurn(t, store, &models.ConversationTurn{
			AgentID:   "METAGEN",
			SessionID: "s",
			Timestamp: base.Add(time.Duration(i*10) * time.Minute),
		})
	}

	from := base.Add(5 * time.Minute)
	to := base.Add(15 * time.Minute)
	got, err := store.GetTurnsByTimeRange(ctx, &from, &to, 0, 0)
	if err != nil {
		t.Fatalf("failed to query time range: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d turns, want 1", len(got))
	}
	if !got[0].Timestamp.Equal(base.Add(10 * time.Minute)) {
		t.Errorf("timestamp = %v", got[0].Timestamp)
	}

	// Open-ended lower bound, newest first.
	got, err = store.GetTurnsByTimeRange(ctx, nil, &to, 0, 0)
	if err != nil {
		t.Fatalf("failed to query open range: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d turns, want 2", len(got))
	}
	if got[0].Timestamp.Before(got[1].Timestamp) {
		t.Error("turns not ordered newest first")
	}
}

func TestCompactionFlow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	longQuery := strings.Repeat("q", 400) // ~100 tokens
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	var finished []string
	for i := 0; i < 3; i++ {
		id := seedTurn(t, store, &models.ConversationTurn{
			AgentID:   "METAGEN",
			SessionID: "s",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			UserQuery: longQuery,
			Status:    models.TurnCompleted,
		})
		finished = append(finished, id)
	}
	// Still running, must never be offered for compaction.
	seedTurn(t, store, &models.ConversationTurn{
		AgentID:   "METAGEN",
		SessionID: "s",
		Timestamp: base.Add(time.Hour),
	})

	all, err := store.GetUncompactedTurns(ctx, 0, 0)
	if err != nil {
		t.Fatalf("failed to get uncompacted turns: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d uncompacted turns, want 3", len(all))
	}

	// The token limit cuts off accumulation but always yields at least one.
	capped, err := store.GetUncompactedTurns(ctx, 150, 0)
	if err != nil {
		t.Fatalf("failed to get capped turns: %v", err)
	}
	if len(capped) != 1 {
		t.Fatalf("got %d capped turns, want 1", len(capped))
	}
	if capped[0].ID != finished[0] {
		t.Errorf("capped turn = %q, want oldest %q", capped[0].ID, finished[0])
	}

	n, err := store.MarkTurnsCompacted(ctx, finished[:2])
	if err != nil {
		t.Fatalf("failed to mark compacted: %v", err)
	}
	if n != 2 {
		t.Errorf("marked %d turns, want 2", n)
	}

	remaining, err := store.GetUncompactedTurns(ctx, 0, 0)
	if err != nil {
		t.Fatalf("failed to get remaining turns: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != finished[2] {
		t.Errorf("remaining = %v", remaining)
	}

	n, err = store.MarkTurnsCompacted(ctx, nil)
	if err != nil || n != 0 {
		t.Errorf("empty mark = (%d, %v), want (0, nil)", n, err)
	}
}

func TestToolUsageLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	turnID := seedTurn(t, store, &models.ConversationTurn{AgentID: "METAGEN", SessionID: "s"})

	usage := &models.ToolUsage{
		TurnID:     turnID,
		AgentID:    "METAGEN",
		ToolName:   "read_file",
		ToolArgs:   map[string]any{"path": "/tmp/notes.txt"},
		ToolCallID: "call-1",
	}
	id, err := store.RecordToolUsage(ctx, usage)
	if err != nil {
		t.Fatalf("failed to record tool usage: %v", err)
	}

	got, err := store.GetToolUsage(ctx, id)
	if err != nil {
		t.Fatalf("failed to get tool usage: %v", err)
	}
	if got == nil {
		t.Fatal("got nil tool usage")
	}
	if got.ExecutionStatus != models.ExecutionPending {
		t.Errorf("initial status = %q, want %q", got.ExecutionStatus, models.ExecutionPending)
	}
	if got.ToolArgs["path"] != "/tmp/notes.txt" {
		t.Errorf("tool args = %v", got.ToolArgs)
	}

	started := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	executing := models.ExecutionExecuting
	if _, err := store.UpdateToolUsage(ctx, id, ToolUsagePatch{
		ExecutionStatus:    &executing,
		ExecutionStartedAt: &started,
	}); err != nil {
		t.Fatalf("failed to mark executing: %v", err)
	}

	completed := started.Add(2 * time.Second)
	done := models.ExecutionCompleted
	duration := int64(2000)
	if _, err := store.UpdateToolUsage(ctx, id, ToolUsagePatch{
		ExecutionStatus:      &done,
		ExecutionCompletedAt: &completed,
		ExecutionResult:      map[string]any{"content": "hello"},
		DurationMs:           &duration,
	}); err != nil {
		t.Fatalf("failed to mark completed: %v", err)
	}

	got, err = store.GetToolUsage(ctx, id)
	if err != nil {
		t.Fatalf("failed to reload tool usage: %v", err)
	}
	if got.ExecutionStatus != models.ExecutionCompleted {
		t.Errorf("status = %q, want %q", got.ExecutionStatus, models.ExecutionCompleted)
	}
	if got.ExecutionStartedAt == nil || !got.ExecutionStartedAt.Equal(started) {
		t.Errorf("started at = %v, want %v", got.ExecutionStartedAt, started)
	}
	if got.ExecutionCompletedAt == nil || !got.ExecutionCompletedAt.Equal(completed) {
		t.Errorf("completed at = %v, want %v", got.ExecutionCompletedAt, completed)
	}
	if got.ExecutionResult["content"] != "hello" {
		t.Errorf("result = %v", got.ExecutionResult)
	}
	if got.DurationMs != 2000 {
		t.Errorf("duration = %d, want 2000", got.DurationMs)
	}

	missing, err := store.GetToolUsage(ctx, "no-such-usage")
	if err != nil || missing != nil {
		t.Errorf("unknown usage = (%v, %v), want (nil, nil)", missing, err)
	}

	if _, err := store.UpdateToolUsage(ctx, id, ToolUsagePatch{}); err == nil {
		t.Error("expected error for empty patch, got nil")
	}
}

func TestGetToolUsagesByTurnAndStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	turnID := seedTurn(t, store, &models.ConversationTurn{AgentID: "METAGEN", SessionID: "s"})
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	first := &models.ToolUsage{
		TurnID:    turnID,
		AgentID:   "METAGEN",
		ToolName:  "list_tasks",
		CreatedAt: base,
	}
	if _, err := store.RecordToolUsage(ctx, first); err != nil {
		t.Fatalf("failed to record first usage: %v", err)
	}
	second := &models.ToolUsage{
		TurnID:          turnID,
		AgentID:         "METAGEN",
		ToolName:        "get_task",
		CreatedAt:       base.Add(time.Second),
		ExecutionStatus: models.ExecutionCompleted,
	}
	if _, err := store.RecordToolUsage(ctx, second); err != nil {
		t.Fatalf("failed to record second usage: %v", err)
	}

	byTurn, err := store.GetToolUsagesByTurn(ctx, turnID)
	if err != nil {
		t.Fatalf("failed to get usages by turn: %v", err)
	}
	if len(byTurn) != 2 {
		t.Fatalf("got %d usages, want 2", len(byTurn))
	}
	if byTurn[0].ToolName != "list_tasks" || byTurn[1].ToolName != "get_task" {
		t.Errorf("order = (%q, %q)", byTurn[0].ToolName, byTurn[1].ToolName)
	}

	pending, err := store.GetToolUsagesByStatus(ctx, models.ExecutionPending, 10)
	if err != nil {
		t.Fatalf("failed to get pending usages: %v", err)
	}
	if len(pending) != 1 || pending[0].ToolName != "list_tasks" {
		t.Errorf("pending = %v", pending)
	}
}

func TestTaskConfigCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	def := models.TaskDefinition{
		Name:         "summarize",
		Description:  "Summarize a document",
		Instructions: "Summarize {url} in {words} words.",
		InputSchema: []models.Parameter{
			{Name: "url", Type: models.ParamString, Required: true},
			{Name: "words", Type: models.ParamInteger, Default: float64(100)},
		},
	}
	id, err := store.CreateTaskConfig(ctx, &models.TaskConfig{Definition: def})
	if err != nil {
		t.Fatalf("failed to create task config: %v", err)
	}

	got, err := store.GetTaskConfig(ctx, id)
	if err != nil {
		t.Fatalf("failed to get task config: %v", err)
	}
	if got == nil || got.Name != "summarize" {
		t.Fatalf("got %+v", got)
	}
	if len(got.Definition.InputSchema) != 2 {
		t.Errorf("input schema = %v", got.Definition.InputSchema)
	}
	if got.Definition.InputSchema[1].Default != float64(100) {
		t.Errorf("default = %v, want 100", got.Definition.InputSchema[1].Default)
	}

	byName, err := store.GetTaskConfigByName(ctx, "summarize")
	if err != nil {
		t.Fatalf("failed to get by name: %v", err)
	}
	if byName == nil || byName.ID != id {
		t.Errorf("got %+v, want id %q", byName, id)
	}

	missing, err := store.GetTaskConfigByName(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("unknown name = (%v, %v), want (nil, nil)", missing, err)
	}

	def.Description = "Summarize any document"
	def.Name = "summarize_v2"
	updated, err := store.UpdateTaskConfig(ctx, id, def)
	if err != nil {
		t.Fatalf("failed to update task config: %v", err)
	}
	if !updated {
		t.Fatal("updated = false, want true")
	}
	got, err = store.GetTaskConfig(ctx, id)
	if err != nil {
		t.Fatalf("failed to reload task config: %v", err)
	}
	if got.Name != "summarize_v2" || got.Definition.Description != "Summarize any document" {
		t.Errorf("after update = %+v", got)
	}

	if _, err := store.CreateTaskConfig(ctx, &models.TaskConfig{
		Definition: models.TaskDefinition{Name: "lookup", Instructions: "Look up {q}."},
	}); err != nil {
		t.Fatalf("failed to create second config: %v", err)
	}
	list, err := store.ListTaskConfigs(ctx)
	if err != nil {
		t.Fatalf("failed to list task configs: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d configs, want 2", len(list))
	}
	if list[0].Name != "lookup" || list[1].Name != "summarize_v2" {
		t.Errorf("list order = (%q, %q)", list[0].Name, list[1].Name)
	}

	deleted, err := store.DeleteTaskConfig(ctx, id)
	if err != nil || !deleted {
		t.Fatalf("delete = (%v, %v), want (true, nil)", deleted, err)
	}
	deleted, err = store.DeleteTaskConfig(ctx, id)
	if err != nil || deleted {
		t.Errorf("second delete = (%v, %v), want (false, nil)", deleted, err)
	}
}

func TestTaskConfigDuplicateName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	def := models.TaskDefinition{Name: "daily_report", Instructions: "Report."}
	if _, err := store.CreateTaskConfig(ctx, &models.TaskConfig{Definition: def}); err != nil {
		t.Fatalf("failed to create task config: %v", err)
	}

	_, err := store.CreateTaskConfig(ctx, &models.TaskConfig{Definition: def})
	if err == nil {
		t.Fatal("expected error for duplicate name, got nil")
	}
	if !IsIntegrity(err) {
		t.Errorf("IsIntegrity(%v) = false, want true", err)
	}
}

func TestCompactMemoryFlow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	cm := &models.CompactMemory{
		StartTime:            base,
		EndTime:              base.Add(time.Hour),
		TaskIDs:              []string{"task-1", "task-2"},
		Summary:              "Morning planning session",
		KeyPoints:            []string{"drafted agenda"},
		Entities:             []string{"calendar"},
		SemanticLabels:       []string{"planning"},
		TurnCount:            12,
		TokenCount:           4800,
		CompressedTokenCount: 300,
	}
	id, err := store.StoreCompactMemory(ctx, cm)
	if err != nil {
		t.Fatalf("failed to store compact memory: %v", err)
	}

	later := &models.CompactMemory{
		StartTime: base.Add(2 * time.Hour),
		EndTime:   base.Add(3 * time.Hour),
		Summary:   "Afternoon review",
	}
	if _, err := store.StoreCompactMemory(ctx, later); err != nil {
		t.Fatalf("failed to store second memory: %v", err)
	}

	unprocessed, err := store.GetUnprocessedCompactMemories(ctx, 10)
	if err != nil {
		t.Fatalf("failed to get unprocessed memories: %v", err)
	}
	if len(unprocessed) != 2 {
		t.Fatalf("got %d memories, want 2", len(unprocessed))
	}
	if unprocessed[0].ID != id {
		t.Errorf("first memory = %q, want oldest %q", unprocessed[0].ID, id)
	}
	got := unprocessed[0]
	if got.Summary != "Morning planning session" || got.TurnCount != 12 {
		t.Errorf("round trip = %+v", got)
	}
	if len(got.TaskIDs) != 2 || got.TaskIDs[0] != "task-1" {
		t.Errorf("task ids = %v", got.TaskIDs)
	}
	if len(got.KeyPoints) != 1 || got.KeyPoints[0] != "drafted agenda" {
		t.Errorf("key points = %v", got.KeyPoints)
	}

	marked, err := store.MarkCompactMemoryProcessed(ctx, id)
	if err != nil || !marked {
		t.Fatalf("mark processed = (%v, %v), want (true, nil)", marked, err)
	}

	unprocessed, err = store.GetUnprocessedCompactMemories(ctx, 10)
	if err != nil {
		t.Fatalf("failed to reload unprocessed memories: %v", err)
	}
	if len(unprocessed) != 1 || unprocessed[0].Summary != "Afternoon review" {
		t.Errorf("after mark = %v", unprocessed)
	}
}

func TestRecoverAbandoned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	openTurn := seedTurn(t, store, &models.ConversationTurn{AgentID: "METAGEN", SessionID: "s"})
	doneTurn := seedTurn(t, store, &models.ConversationTurn{
		AgentID: "METAGEN", SessionID: "s", Status: models.TurnCompleted,
	})

	statuses := []models.ExecutionStatus{
		models.ExecutionPending,
		models.ExecutionPendingApproval,
		models.ExecutionExecuting,
		models.ExecutionCompleted,
	}
	usageIDs := make([]string, len(statuses))
	for i, status := range statuses {
		id, err := store.RecordToolUsage(ctx, &models.ToolUsage{
			TurnID:          openTurn,
			AgentID:         "METAGEN",
			ToolName:        "read_file",
			ExecutionStatus: status,
		})
		if err != nil {
			t.Fatalf("failed to record usage %q: %v", status, err)
		}
		usageIDs[i] = id
	}

	report, err := store.RecoverAbandoned(ctx)
	if err != nil {
		t.Fatalf("failed to recover: %v", err)
	}
	if report.AbandonedTurns != 1 {
		t.Errorf("abandoned turns = %d, want 1", report.AbandonedTurns)
	}
	if report.AbandonedToolCalls != 3 {
		t.Errorf("abandoned tool calls = %d, want 3", report.AbandonedToolCalls)
	}

	turn, err := store.GetTurn(ctx, openTurn)
	if err != nil {
		t.Fatalf("failed to reload turn: %v", err)
	}
	if turn.Status != models.TurnAbandoned {
		t.Errorf("turn status = %q, want %q", turn.Status, models.TurnAbandoned)
	}
	if turn.ErrorDetails["error"] != "Conversation was abandoned (system shutdown)" {
		t.Errorf("error details = %v", turn.ErrorDetails)
	}

	kept, err := store.GetTurn(ctx, doneTurn)
	if err != nil {
		t.Fatalf("failed to reload completed turn: %v", err)
	}
	if kept.Status != models.TurnCompleted {
		t.Errorf("completed turn status = %q, want untouched", kept.Status)
	}

	for _, id := range usageIDs[:3] {
		usage, err := store.GetToolUsage(ctx, id)
		if err != nil {
			t.Fatalf("failed to reload usage: %v", err)
		}
		if usage.ExecutionStatus != models.ExecutionAbandoned {
			t.Errorf("usage status = %q, want %q", usage.ExecutionStatus, models.ExecutionAbandoned)
		}
		if usage.ExecutionError != "Tool execution was abandoned (system shutdown)" {
			t.Errorf("usage error = %q", usage.ExecutionError)
		}
		if usage.ExecutionCompletedAt == nil {
			t.Error("completed at not set")
		}
	}
	finished, err := store.GetToolUsage(ctx, usageIDs[3])
	if err != nil {
		t.Fatalf("failed to reload finished usage: %v", err)
	}
	if finished.ExecutionStatus != models.ExecutionCompleted {
		t.Errorf("finished usage status = %q, want untouched", finished.ExecutionStatus)
	}

	// Safe to repeat: nothing left to sweep.
	report, err = store.RecoverAbandoned(ctx)
	if err != nil {
		t.Fatalf("failed on second recovery: %v", err)
	}
	if report.AbandonedTurns != 0 || report.AbandonedToolCalls != 0 {
		t.Errorf("second report = %+v, want zeroes", report)
	}
}

func TestConcurrentTurnNumbering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.StoreTurn(ctx, &models.ConversationTurn{
				AgentID:   "METAGEN",
				SessionID: "s",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent store failed: %v", err)
		}
	}

	turns, err := store.GetTurnsByAgent(ctx, "METAGEN", 0, 0)
	if err != nil {
		t.Fatalf("failed to list turns: %v", err)
	}
	if len(turns) != workers {
		t.Fatalf("got %d turns, want %d", len(turns), workers)
	}
	seen := make(map[int]bool, workers)
	for _, turn := range turns {
		if seen[turn.TurnNumber] {
			t.Errorf("duplicate turn number %d", turn.TurnNumber)
		}
		seen[turn.TurnNumber] = true
	}
	for n := 1; n <= workers; n++ {
		if !seen[n] {
			t.Errorf("missing turn number %d", n)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"unique violation", errors.New("constraint failed: UNIQUE constraint failed: task_configs.name (2067)"), KindIntegrity},
		{"foreign key", errors.New("constraint failed: FOREIGN KEY constraint failed (787)"), KindIntegrity},
		{"busy", errors.New("database is locked (5) (SQLITE_BUSY)"), KindBusy},
		{"other", errors.New("disk I/O error"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestJSONOrNull(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		wantNil  bool
		wantJSON string
	}{
		{"nil", nil, true, ""},
		{"empty map", map[string]any{}, true, ""},
		{"empty slice", []string{}, true, ""},
		{"map", map[string]any{"a": float64(1)}, false, `{"a":1}`},
		{"slice", []string{"x"}, false, `["x"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := jsonOrNull(tt.value)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("got %v, want nil", got)
				}
				return
			}
			if got != tt.wantJSON {
				t.Errorf("got %v, want %q", got, tt.wantJSON)
			}
		})
	}
}
