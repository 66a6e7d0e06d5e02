package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

// StageRow is the persisted form of one stage of a project.
type StageRow struct {
	ProjectID string          `json:"projectId"`
	Stage     string          `json:"stage"`
	Completed bool            `json:"completed"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func stageKey(projectID, stage string) string {
	return projectID + "/" + stage
}

// PutStage upserts a stage record. Completion is monotonic: a stored
// completed=true is never overwritten by false. The effective row is returned.
func (s *Store) PutStage(row StageRow) (*StageRow, error) {
	if len(row.Data) == 0 {
		row.Data = json.RawMessage(`{}`)
	}
	now := time.Now().UnixMilli()

	_, err := s.db.Exec(`
	INSERT INTO stage_records (project_id, stage, completed, data, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(project_id, stage) DO UPDATE SET
		completed = MAX(stage_records.completed, excluded.completed),
		data = excluded.data,
		updated_at = excluded.updated_at`,
		row.ProjectID, row.Stage, boolInt(row.Completed), string(row.Data), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to put stage %s/%s: %w", row.ProjectID, row.Stage, err)
	}

	s.stages.Delete(stageKey(row.ProjectID, row.Stage))
	return s.GetStage(row.ProjectID, row.Stage)
}

// GetStage returns one stage record, served from the read cache when possible.
func (s *Store) GetStage(projectID, stage string) (*StageRow, error) {
	key := stageKey(projectID, stage)
	if row, ok := s.stages.Get(key); ok {
		return &row, nil
	}

	var (
		completed int
		data      string
		updated   int64
	)
	err := s.db.QueryRow(
		`SELECT completed, data, updated_at FROM stage_records WHERE project_id = ? AND stage = ?`,
		projectID, stage,
	).Scan(&completed, &data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage %s/%s: %w", projectID, stage, perrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage: %w", err)
	}

	row := StageRow{
		ProjectID: projectID,
		Stage:     stage,
		Completed: completed != 0,
		Data:      json.RawMessage(data),
		UpdatedAt: msTime(updated),
	}
	s.stages.Put(key, row)
	return &row, nil
}

// ListStages returns every stage record stored for a project.
func (s *Store) ListStages(projectID string) ([]StageRow, error) {
	rows, err := s.db.Query(
		`SELECT stage, completed, data, updated_at FROM stage_records WHERE project_id = ? ORDER BY stage`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	defer rows.Close()

	var out []StageRow
	for rows.Next() {
		var (
			r         StageRow
			completed int
			data      string
			updated   int64
		)
		if err := rows.Scan(&r.Stage, &completed, &data, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		r.ProjectID = projectID
		r.Completed = completed != 0
		r.Data = json.RawMessage(data)
		r.UpdatedAt = msTime(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
