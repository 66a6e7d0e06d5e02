package host

import (
	"encoding/json"
	"errors"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
	"github.com/p-blackswan/buildmode/internal/protocol"
	"github.com/p-blackswan/buildmode/internal/stage"
	"github.com/p-blackswan/buildmode/internal/store"
)

func (h *Host) OnSaveStageFile(m protocol.SaveStageFile) {
	if h.store == nil {
		h.emit(protocol.StageFileSaved{ProjectID: m.ProjectID, Stage: m.Stage, Completed: m.Completed,
			Error: perrors.ErrUnavailable.Error()})
		return
	}
	h.enqueue(func() {
		saved := protocol.StageFileSaved{ProjectID: m.ProjectID, Stage: m.Stage, Completed: m.Completed}
		err := h.store.EnsureProject(m.ProjectID, m.ProjectTitle)
		if err == nil {
			_, err = h.store.PutStage(store.StageRow{
				ProjectID: m.ProjectID,
				Stage:     m.Stage,
				Completed: m.Completed,
				Data:      m.Data,
			})
		}
		if err != nil {
			h.metrics.RecordError("host", "save_stage")
			h.logger.Error().Err(err).Str("project_id", m.ProjectID).Str("stage", m.Stage).Msg("stage file not saved")
			saved.Error = err.Error()
		}
		h.emit(saved)
	})
}

func (h *Host) OnLoadStageFile(m protocol.LoadStageFile) {
	if h.store == nil {
		h.emit(protocol.StageFileLoaded{ProjectID: m.ProjectID, Stage: m.Stage})
		return
	}
	h.enqueue(func() {
		loaded := protocol.StageFileLoaded{ProjectID: m.ProjectID, Stage: m.Stage}
		row, err := h.store.GetStage(m.ProjectID, m.Stage)
		switch {
		case errors.Is(err, perrors.ErrNotFound):
		case err != nil:
			h.metrics.RecordError("host", "load_stage")
			h.logger.Error().Err(err).Str("project_id", m.ProjectID).Str("stage", m.Stage).Msg("stage file not loaded")
		default:
			loaded.Found = true
			loaded.Data = protocol.StageFile{Data: row.Data, Completed: row.Completed}
		}
		h.emit(loaded)
		if loaded.Found && m.Stage == string(stage.Building) {
			h.emit(protocol.BuildState{ProjectID: m.ProjectID, BuildState: loaded.Data.Data})
		}
	})
}

func (h *Host) OnAppendBuildLog(m protocol.AppendBuildLog) {
	if h.store == nil {
		return
	}
	var meta json.RawMessage
	if len(m.Entry.Metadata) > 0 {
		meta, _ = json.Marshal(m.Entry.Metadata)
	}
	row := store.LogEntryRow{
		ID:        m.Entry.ID,
		Type:      string(m.Entry.Type),
		Stage:     m.Entry.Stage,
		Content:   m.Entry.Content,
		Metadata:  meta,
		Timestamp: m.Entry.Timestamp,
	}
	h.enqueue(func() {
		if err := h.store.AppendLogEntry(m.ProjectID, m.ProjectTitle, row); err != nil {
			h.metrics.RecordError("host", "build_log")
			h.logger.Warn().Err(err).Str("project_id", m.ProjectID).Msg("build log entry not stored")
		}
	})
}

func (h *Host) OnResetTokenUsage(protocol.ResetTokenUsage) {
	if h.store == nil {
		return
	}
	h.enqueue(func() {
		if err := h.store.ResetUsage(store.GlobalUsageScope); err != nil {
			h.logger.Error().Err(err).Msg("usage counters not reset")
			return
		}
		h.emit(protocol.UsageUpdate{Cumulative: true})
	})
}

// StoreIndex backs project id checks with the store.
type StoreIndex struct {
	Store *store.Store
}

var _ stage.ProjectIndex = StoreIndex{}

func (i StoreIndex) Exists(id string) (bool, error) {
	return i.Store.ProjectExists(id)
}

func (i StoreIndex) Register(p stage.Project) error {
	_, err := i.Store.CreateProject(p.ID, p.Title)
	return err
}
