package storage

import (
	_ "github.com/lib/pq"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS results (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		sequence_id TEXT NOT NULL DEFAULT '',
		score INTEGER NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ NOT NULL,
		units_json JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_user_id ON results(user_id);
	CREATE INDEX IF NOT EXISTS idx_results_completed_at ON results(completed_at);

	CREATE TABLE IF NOT EXISTS drafts (
		draft_key TEXT PRIMARY KEY,
		draft_json JSONB NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL
	);
	`

func NewPostgresRepository(connStr string) (*SQLRepository, error) {
	return openSQL("postgres", connStr, postgresSchema, dollarPlaceholders)
}
