package memory

// schemaStatements creates all tables and indexes. Every statement is
// idempotent so opening an existing database is a no-op.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversation_turns (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		source_entity TEXT NOT NULL,
		target_entity TEXT NOT NULL,
		conversation_type TEXT NOT NULL,
		user_query TEXT NOT NULL,
		agent_response TEXT NOT NULL DEFAULT '',
		task_id TEXT,
		total_duration_ms INTEGER NOT NULL DEFAULT 0,
		llm_duration_ms INTEGER NOT NULL DEFAULT 0,
		tools_duration_ms INTEGER NOT NULL DEFAULT 0,
		user_metadata TEXT,
		agent_metadata TEXT,
		status TEXT NOT NULL DEFAULT 'in_progress',
		error_details TEXT,
		tools_used INTEGER NOT NULL DEFAULT 0,
		compacted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_agent_number ON conversation_turns(agent_id, turn_number)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_agent_timestamp ON conversation_turns(agent_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_session ON conversation_turns(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_compacted ON conversation_turns(compacted)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_source_entity ON conversation_turns(source_entity)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_target_entity ON conversation_turns(target_entity)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_conversation_type ON conversation_turns(conversation_type)`,

	`CREATE TABLE IF NOT EXISTS tool_usage (
		id TEXT PRIMARY KEY,
		turn_id TEXT NOT NULL REFERENCES conversation_turns(id),
		agent_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		tool_args TEXT,
		tool_call_id TEXT,
		requires_approval INTEGER NOT NULL DEFAULT 0,
		user_decision TEXT,
		user_feedback TEXT,
		decision_timestamp TIMESTAMP,
		execution_started_at TIMESTAMP,
		execution_completed_at TIMESTAMP,
		execution_status TEXT NOT NULL DEFAULT 'PENDING',
		execution_result TEXT,
		execution_error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_usage_turn ON tool_usage(turn_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_usage_agent ON tool_usage(agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_usage_name ON tool_usage(tool_name)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_usage_status ON tool_usage(execution_status)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_usage_created ON tool_usage(created_at)`,

	`CREATE TABLE IF NOT EXISTS task_configs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		definition TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS compact_memories (
		id TEXT PRIMARY KEY,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		task_ids TEXT,
		summary TEXT NOT NULL,
		key_points TEXT,
		entities TEXT,
		semantic_labels TEXT,
		turn_count INTEGER NOT NULL DEFAULT 0,
		token_count INTEGER NOT NULL DEFAULT 0,
		compressed_token_count INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_compact_time_range ON compact_memories(start_time, end_time)`,
	`CREATE INDEX IF NOT EXISTS idx_compact_processed ON compact_memories(processed)`,
}
