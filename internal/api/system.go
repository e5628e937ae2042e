package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gatecount/gatecount/internal/database"
	"github.com/gatecount/gatecount/internal/worker"
)

// SystemHandler reports process-level status
type SystemHandler struct {
	pipeline Pipeline
	db       *database.DB
	migrator *database.Migrator
	started  time.Time
	logger   *slog.Logger
}

// NewSystemHandler creates a new system handler
func NewSystemHandler(pipeline Pipeline, db *database.DB, migrator *database.Migrator, started time.Time) *SystemHandler {
	return &SystemHandler{
		pipeline: pipeline,
		db:       db,
		migrator: migrator,
		started:  started,
		logger:   slog.Default().With("component", "api.system"),
	}
}

type systemStatus struct {
	CameraOnline  bool    `json:"camera_online"`
	CameraStatus  string  `json:"camera_status"`
	ModelLoaded   bool    `json:"model_loaded"`
	FPS           float64 `json:"fps"`
	ActiveTracks  int     `json:"active_tracks"`
	ConfigID      int64   `json:"config_id"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	DatabaseBytes int64   `json:"database_bytes"`
	SchemaVersion int     `json:"schema_version"`
}

// Status returns the pipeline snapshot plus uptime and storage figures.
func (h *SystemHandler) Status(w http.ResponseWriter, r *http.Request) {
	st := h.pipeline.Status()

	status := systemStatus{
		CameraOnline:  st.CameraStatus == worker.CameraOnline,
		CameraStatus:  st.CameraStatus,
		ModelLoaded:   st.ModelLoaded,
		FPS:           st.FPS,
		ActiveTracks:  st.ActiveTracks,
		ConfigID:      st.ConfigID,
		UptimeSeconds: time.Since(h.started).Seconds(),
	}

	if size, err := h.db.GetSize(); err == nil {
		status.DatabaseBytes = size
	} else {
		h.logger.Warn("Database size unavailable", "error", err)
	}
	if version, err := h.migrator.Version(r.Context()); err == nil {
		status.SchemaVersion = version
	}

	OK(w, status)
}
