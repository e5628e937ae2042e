package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gatecount/gatecount/internal/streamhealth"
)

// HealthHandler answers liveness probes. The payload is flat (no envelope)
// so load balancers and scripts can read it directly.
type HealthHandler struct {
	pipeline Pipeline
	stream   *streamhealth.Prober
	started  time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(pipeline Pipeline, stream *streamhealth.Prober, started time.Time) *HealthHandler {
	return &HealthHandler{
		pipeline: pipeline,
		stream:   stream,
		started:  started,
	}
}

// Health reports process health. vps_status appears only when a stream
// proxy is configured.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.pipeline.Status()

	payload := map[string]interface{}{
		"ok":             true,
		"camera":         st.CameraStatus,
		"model_loaded":   st.ModelLoaded,
		"uptime_seconds": time.Since(h.started).Seconds(),
		"stream_mode":    h.stream.Mode(),
	}
	if h.stream.Enabled() {
		payload["vps_status"] = h.stream.Status()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
