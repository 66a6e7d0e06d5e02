package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

// LogEntryRow is one append-only build log entry.
type LogEntryRow struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Stage     string          `json:"stage,omitempty"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// BuildLogRow is the full build log of a project.
type BuildLogRow struct {
	ProjectID    string        `json:"projectId"`
	ProjectTitle string        `json:"projectTitle"`
	Entries      []LogEntryRow `json:"entries"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastUpdated  time.Time     `json:"lastUpdated"`
}

// AppendLogEntry appends an entry to the project's build log, creating the
// log on first use. Re-appending an entry id is a no-op.
func (s *Store) AppendLogEntry(projectID, projectTitle string, e LogEntryRow) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin log append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
	INSERT INTO projects (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`, projectID, projectTitle, now, now); err != nil {
		return fmt.Errorf("failed to ensure project for log: %w", err)
	}
	if _, err := tx.Exec(`
	INSERT INTO build_logs (project_id, project_title, created_at, last_updated) VALUES (?, ?, ?, ?)
	ON CONFLICT(project_id) DO UPDATE SET
		last_updated = excluded.last_updated,
		project_title = CASE WHEN excluded.project_title != '' THEN excluded.project_title ELSE build_logs.project_title END`,
		projectID, projectTitle, now, now); err != nil {
		return fmt.Errorf("failed to upsert build log: %w", err)
	}

	var meta sql.NullString
	if len(e.Metadata) > 0 {
		meta = sql.NullString{String: string(e.Metadata), Valid: true}
	}
	if _, err := tx.Exec(`
	INSERT OR IGNORE INTO build_log_entries (id, project_id, type, stage, content, metadata, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, projectID, e.Type, e.Stage, e.Content, meta, e.Timestamp.UnixMilli()); err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}

	return tx.Commit()
}

// LoadBuildLog returns a project's build log in append order.
func (s *Store) LoadBuildLog(projectID string) (*BuildLogRow, error) {
	log := &BuildLogRow{ProjectID: projectID}
	var created, updated int64
	err := s.db.QueryRow(
		`SELECT project_title, created_at, last_updated FROM build_logs WHERE project_id = ?`, projectID,
	).Scan(&log.ProjectTitle, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build log %q: %w", projectID, perrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load build log: %w", err)
	}
	log.CreatedAt, log.LastUpdated = msTime(created), msTime(updated)

	rows, err := s.db.Query(`
	SELECT id, type, stage, content, metadata, created_at
	FROM build_log_entries WHERE project_id = ? ORDER BY seq`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load log entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e    LogEntryRow
			meta sql.NullString
			ts   int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Stage, &e.Content, &meta, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		if meta.Valid {
			e.Metadata = json.RawMessage(meta.String)
		}
		e.Timestamp = msTime(ts)
		log.Entries = append(log.Entries, e)
	}
	return log, rows.Err()
}
