package store

// schemaStatements create the tables on both sqlite and postgres. Column
// types are chosen from the subset both engines accept.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		trigger_text TEXT NOT NULL,
		trigger_keywords TEXT NOT NULL DEFAULT '[]',
		signature TEXT NOT NULL,
		embedding TEXT NOT NULL DEFAULT '[]',
		template TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		execution_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		auto_executable BOOLEAN NOT NULL DEFAULT FALSE,
		state TEXT NOT NULL,
		human_approved BOOLEAN NOT NULL DEFAULT FALSE,
		flagged BOOLEAN NOT NULL DEFAULT FALSE,
		flag_reason TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		last_used_at BIGINT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_patterns_live_signature
		ON patterns (signature) WHERE state IN ('staged', 'active')`,
	`CREATE INDEX IF NOT EXISTS idx_patterns_state ON patterns (state)`,
	`CREATE TABLE IF NOT EXISTS candidates (
		pattern_id TEXT PRIMARY KEY REFERENCES patterns (id),
		signature TEXT NOT NULL,
		provenance TEXT NOT NULL DEFAULT '[]',
		initial_confidence DOUBLE PRECISION NOT NULL,
		created_at BIGINT NOT NULL,
		last_reinforced_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		message_text TEXT NOT NULL,
		pattern_id TEXT,
		match_score DOUBLE PRECISION NOT NULL,
		effective_confidence DOUBLE PRECISION NOT NULL,
		action TEXT NOT NULL,
		would_action TEXT NOT NULL,
		shadow BOOLEAN NOT NULL,
		auto_executed BOOLEAN NOT NULL,
		reasoning_failed BOOLEAN NOT NULL,
		vetoed BOOLEAN NOT NULL,
		keyword_fallback BOOLEAN NOT NULL,
		response TEXT NOT NULL DEFAULT '',
		rationale TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		outcome_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_created ON executions (created_at)`,
	`CREATE TABLE IF NOT EXISTS execution_outcomes (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES executions (id),
		outcome TEXT NOT NULL,
		recorded_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_outcomes_execution ON execution_outcomes (execution_id, recorded_at)`,
	`CREATE TABLE IF NOT EXISTS engine_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		doc TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

const patternColumns = `id, type, trigger_text, trigger_keywords, signature, embedding, template,
	confidence, execution_count, success_count, auto_executable, state, human_approved,
	flagged, flag_reason, created_at, updated_at, last_used_at`

const executionColumns = `id, conversation_id, message_text, pattern_id, match_score,
	effective_confidence, action, would_action, shadow, auto_executed, reasoning_failed,
	vetoed, keyword_fallback, response, rationale, created_at`
