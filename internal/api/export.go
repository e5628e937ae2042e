package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gatecount/gatecount/internal/export"
)

// ExportHandler renders stored events as downloadable reports
type ExportHandler struct {
	svc    *export.Service
	logger *slog.Logger
}

// NewExportHandler creates a new export handler
func NewExportHandler(svc *export.Service) *ExportHandler {
	return &ExportHandler{
		svc:    svc,
		logger: slog.Default().With("component", "api.export"),
	}
}

// Export generates a report and answers it as a file attachment.
func (h *ExportHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req export.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}

	result, err := h.svc.Export(r.Context(), req)
	if err != nil {
		if errors.Is(err, export.ErrInvalidFormat) {
			BadRequest(w, "Invalid export format")
			return
		}
		h.logger.Error("Export failed", "format", req.Format, "error", err)
		InternalError(w, "Export failed")
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	_, _ = w.Write(result.Data)
}
