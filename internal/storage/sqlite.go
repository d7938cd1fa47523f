package storage

import (
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS results (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		sequence_id TEXT NOT NULL DEFAULT '',
		score INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME NOT NULL,
		units_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_user_id ON results(user_id);
	CREATE INDEX IF NOT EXISTS idx_results_completed_at ON results(completed_at);

	CREATE TABLE IF NOT EXISTS drafts (
		draft_key TEXT PRIMARY KEY,
		draft_json TEXT NOT NULL,
		saved_at DATETIME NOT NULL
	);
	`

func NewSQLiteRepository(dbPath string) (*SQLRepository, error) {
	return openSQL("sqlite3", dbPath, sqliteSchema, keepQuestionMarks)
}
