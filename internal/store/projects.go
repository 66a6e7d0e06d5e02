package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

// ProjectRow is a persisted project identity.
type ProjectRow struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateProject inserts a new project. A taken id returns ErrDuplicateProject.
func (s *Store) CreateProject(id, title string) (*ProjectRow, error) {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO projects (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("project %q: %w", id, perrors.ErrDuplicateProject)
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return &ProjectRow{ID: id, Title: title, CreatedAt: msTime(now.UnixMilli()), UpdatedAt: msTime(now.UnixMilli())}, nil
}

// EnsureProject creates the project if missing and refreshes a non-empty title.
func (s *Store) EnsureProject(id, title string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
	INSERT INTO projects (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = CASE WHEN excluded.title != '' THEN excluded.title ELSE projects.title END,
		updated_at = excluded.updated_at`,
		id, title, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure project: %w", err)
	}
	return nil
}

// ProjectExists reports whether a project id is taken.
func (s *Store) ProjectExists(id string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM projects WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check project: %w", err)
	}
	return n > 0, nil
}

// GetProject retrieves a project by id.
func (s *Store) GetProject(id string) (*ProjectRow, error) {
	p := &ProjectRow{}
	var created, updated int64
	err := s.db.QueryRow(`SELECT id, title, created_at, updated_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", id, perrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = msTime(created), msTime(updated)
	return p, nil
}

// ListProjects returns all projects, most recently updated first.
func (s *Store) ListProjects() ([]ProjectRow, error) {
	rows, err := s.db.Query(`SELECT id, title, created_at, updated_at FROM projects ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []ProjectRow
	for rows.Next() {
		var p ProjectRow
		var created, updated int64
		if err := rows.Scan(&p.ID, &p.Title, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.CreatedAt, p.UpdatedAt = msTime(created), msTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject removes a project with its stage records and build log.
func (s *Store) DeleteProject(id string) error {
	res, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %q: %w", id, perrors.ErrNotFound)
	}
	s.stages.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, id+"/") })
	return nil
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
