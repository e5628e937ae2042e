package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultFramePoll = 33 * time.Millisecond

// VideoHandler streams annotated preview frames
type VideoHandler struct {
	pipeline Pipeline
	logger   *slog.Logger

	// pollInterval bounds how often the handler asks for a new frame.
	pollInterval time.Duration
}

// NewVideoHandler creates a new video handler
func NewVideoHandler(pipeline Pipeline) *VideoHandler {
	return &VideoHandler{
		pipeline:     pipeline,
		logger:       slog.Default().With("component", "api.video"),
		pollInterval: defaultFramePoll,
	}
}

// Feed streams annotated frames as multipart/x-mixed-replace until the
// client goes away. Parts are written only when the pipeline produces a
// new frame; a stalled source stalls the stream instead of repeating.
func (h *VideoHandler) Feed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug("Video stream started", "remote", r.RemoteAddr)

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var lastSeq int64 = -1
	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("Video stream closed", "remote", r.RemoteAddr)
			return
		case <-ticker.C:
			frame, seq := h.pipeline.Annotated()
			if frame == nil || seq == lastSeq {
				continue
			}
			lastSeq = seq

			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
