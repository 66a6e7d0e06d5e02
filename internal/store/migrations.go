package store

import (
	"fmt"
	"strconv"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) schemaVersion() int {
	var raw string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&raw); err != nil {
		return 0
	}
	v, _ := strconv.Atoi(raw)
	return v
}

func (s *Store) setSchemaVersion(v int) error {
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', ?)`, strconv.Itoa(v)); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stage_records (
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		stage      TEXT NOT NULL,
		completed  INTEGER NOT NULL DEFAULT 0,
		data       TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (project_id, stage)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}
	if s.schemaVersion() >= 1 {
		return nil
	}
	return s.setSchemaVersion(1)
}

func (s *Store) migrateV2() error {
	if s.schemaVersion() >= 2 {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS build_logs (
		project_id    TEXT PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
		project_title TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		last_updated  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS build_log_entries (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		project_id TEXT NOT NULL REFERENCES build_logs(project_id) ON DELETE CASCADE,
		type       TEXT NOT NULL,
		stage      TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL,
		metadata   TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_log_entries_project ON build_log_entries(project_id, seq);

	CREATE TABLE IF NOT EXISTS usage_counters (
		scope         TEXT PRIMARY KEY,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens  INTEGER NOT NULL DEFAULT 0,
		updated_at    INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}
	return s.setSchemaVersion(2)
}
