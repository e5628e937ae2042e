package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// CounterHandler serves live counter state and resets
type CounterHandler struct {
	pipeline Pipeline
	logger   *slog.Logger
}

// NewCounterHandler creates a new counter handler
func NewCounterHandler(pipeline Pipeline) *CounterHandler {
	return &CounterHandler{
		pipeline: pipeline,
		logger:   slog.Default().With("component", "api.counter"),
	}
}

// Current returns the live counter snapshot.
func (h *CounterHandler) Current(w http.ResponseWriter, r *http.Request) {
	OK(w, h.pipeline.Stats())
}

type resetRequest struct {
	ClearGallery bool `json:"clear_gallery"`
}

// Reset zeroes the in-memory counters. Stored events are untouched; the
// Re-ID gallery is wiped only when the body asks for it.
func (h *CounterHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		BadRequest(w, "Invalid request body")
		return
	}

	if err := h.pipeline.Reset(r.Context(), req.ClearGallery); err != nil {
		h.logger.Error("Counter reset failed", "error", err)
		InternalError(w, "Failed to reset counters")
		return
	}

	h.logger.Info("Counters reset", "clear_gallery", req.ClearGallery)
	OK(w, map[string]interface{}{
		"message": "Counters reset",
		"stats":   h.pipeline.Stats(),
	})
}
