package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gatecount/gatecount/internal/camera"
	"github.com/gatecount/gatecount/internal/config"
	"github.com/gatecount/gatecount/internal/worker"
)

// CameraHandler manages capture source settings and live source switching
type CameraHandler struct {
	settings *camera.Service
	pipeline Pipeline
	video    config.VideoConfig
	dahua    config.DahuaConfig
	logger   *slog.Logger
}

// NewCameraHandler creates a new camera handler
func NewCameraHandler(settings *camera.Service, pipeline Pipeline, video config.VideoConfig, dahua config.DahuaConfig) *CameraHandler {
	return &CameraHandler{
		settings: settings,
		pipeline: pipeline,
		video:    video,
		dahua:    dahua,
		logger:   slog.Default().With("component", "api.camera"),
	}
}

// Routes returns the camera endpoints
func (h *CameraHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/settings", h.getSettings)
	r.Post("/settings", h.createSettings)
	r.Put("/settings/{id}", h.updateSettings)
	r.Post("/switch", h.switchSource)

	return r
}

type settingsRequest struct {
	Name        string `json:"name"`
	SourceKind  string `json:"source_kind"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Channel     int    `json:"channel"`
	Subtype     int    `json:"subtype"`
	LineX       *int   `json:"line_x"`
	DirectionIn string `json:"direction_in"`
}

func (req settingsRequest) toSettings() *camera.Settings {
	return &camera.Settings{
		Name:        req.Name,
		SourceKind:  camera.SourceKind(req.SourceKind),
		Address:     req.Address,
		Port:        req.Port,
		Username:    req.Username,
		Password:    req.Password,
		Channel:     req.Channel,
		Subtype:     req.Subtype,
		LineX:       req.LineX,
		DirectionIn: req.DirectionIn,
	}
}

// settingsSaveResponse is the stored row plus the outcome of pointing the
// pipeline at it. The row stays saved even when the source does not open.
type settingsSaveResponse struct {
	camera.Settings
	CameraConnected bool   `json:"camera_connected"`
	Message         string `json:"message,omitempty"`
}

func (h *CameraHandler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.Active(r.Context())
	if err != nil {
		if errors.Is(err, camera.ErrNotFound) {
			OK(w, defaultSettings(h.dahua))
			return
		}
		h.logger.Error("Load camera settings", "error", err)
		InternalError(w, "Failed to load camera settings")
		return
	}
	OK(w, settings)
}

func (h *CameraHandler) createSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}
	if errs := NewSettingsValidator().Validate(req); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	settings := req.toSettings()
	if err := h.settings.Create(r.Context(), settings); err != nil {
		h.logger.Error("Create camera settings", "error", err)
		InternalError(w, "Failed to save camera settings")
		return
	}

	OK(w, h.applySettings(r.Context(), settings))
}

func (h *CameraHandler) updateSettings(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		BadRequest(w, "Invalid settings ID")
		return
	}

	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}
	if errs := NewSettingsValidator().Validate(req); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	settings := req.toSettings()
	settings.ID = id
	updated, err := h.settings.Update(r.Context(), settings)
	if err != nil {
		if errors.Is(err, camera.ErrNotFound) {
			NotFound(w, "Camera settings not found")
			return
		}
		h.logger.Error("Update camera settings", "id", id, "error", err)
		InternalError(w, "Failed to update camera settings")
		return
	}

	OK(w, h.applySettings(r.Context(), updated))
}

// applySettings points the pipeline at the stored row and reports whether
// the source opened. A failed open keeps the previous source running.
func (h *CameraHandler) applySettings(ctx context.Context, settings *camera.Settings) settingsSaveResponse {
	resp := settingsSaveResponse{Settings: *settings, CameraConnected: true}

	if err := h.pipeline.Reconfigure(ctx, h.pipelineConfig(settings), false); err != nil {
		h.logger.Warn("Camera source unreachable after save",
			"id", settings.ID, "source", settings.MaskedURL(), "error", err)
		resp.CameraConnected = false
		resp.Message = fmt.Sprintf(
			"Settings saved, but the camera at %s:%d did not answer. Check the address and credentials.",
			settings.Address, settings.Port)
	}
	return resp
}

func (h *CameraHandler) pipelineConfig(settings *camera.Settings) worker.PipelineConfig {
	pcfg := worker.PipelineConfig{
		ConfigID:    settings.ID,
		Input:       settings.SourceURL(),
		ResizeWidth: h.video.ResizeWidth,
		DirectionIn: settings.DirectionIn,
	}
	if settings.LineX != nil {
		pcfg.LineX = *settings.LineX
	}
	return pcfg
}

type switchRequest struct {
	Source string `json:"source"`
}

type switchResponse struct {
	Switched bool   `json:"switched"`
	Source   string `json:"source"`
	Input    string `json:"input"`
	Message  string `json:"message,omitempty"`
}

// switchSource flips the pipeline between the local webcam, the configured
// RTSP camera and explicit stream URLs without touching stored settings.
func (h *CameraHandler) switchSource(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}
	if req.Source == "" {
		BadRequest(w, "source is required")
		return
	}

	pcfg, err := h.switchConfig(r.Context(), req.Source)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	h.logger.Info("Switching source", "source", req.Source, "input", displayInput(pcfg.Input))

	resp := switchResponse{Switched: true, Source: req.Source, Input: displayInput(pcfg.Input)}
	if err := h.pipeline.Reconfigure(r.Context(), pcfg, false); err != nil {
		h.logger.Warn("Source switch failed, previous source keeps running",
			"source", req.Source, "error", err)
		resp.Switched = false
		resp.Message = fmt.Sprintf("Could not connect to %s. The previous source keeps running.", req.Source)
	}
	OK(w, resp)
}

// switchConfig resolves a switch target to a pipeline configuration,
// carrying over line position and direction from the active settings.
func (h *CameraHandler) switchConfig(ctx context.Context, source string) (worker.PipelineConfig, error) {
	pcfg := worker.PipelineConfig{
		ResizeWidth: h.video.ResizeWidth,
		DirectionIn: "L->R",
	}
	active, err := h.settings.Active(ctx)
	if err == nil {
		pcfg.ConfigID = active.ID
		pcfg.DirectionIn = active.DirectionIn
		if active.LineX != nil {
			pcfg.LineX = *active.LineX
		}
	}

	switch {
	case source == "webcam":
		pcfg.Input = strconv.Itoa(h.video.CameraIndex)
	case source == "dahua":
		if err == nil && active.SourceKind != camera.SourceDevice {
			pcfg.Input = active.SourceURL()
		} else {
			pcfg.Input = dahuaURL(h.dahua)
		}
	case strings.Contains(source, "://"):
		pcfg.Input = source
	default:
		return worker.PipelineConfig{}, fmt.Errorf("unknown source %q: want 'webcam', 'dahua' or a stream URL", source)
	}

	return pcfg, nil
}

// defaultSettings mirrors what Seed would store, with id 0 so clients can
// tell nothing is persisted yet.
func defaultSettings(dahua config.DahuaConfig) *camera.Settings {
	now := time.Now()
	return &camera.Settings{
		Name:        "dahua-main",
		SourceKind:  camera.SourceRTSP,
		Address:     dahua.IP,
		Port:        dahua.Port,
		Username:    dahua.Username,
		Channel:     dahua.Channel,
		Subtype:     dahua.Subtype,
		DirectionIn: "L->R",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func dahuaURL(d config.DahuaConfig) string {
	s := camera.Settings{
		SourceKind: camera.SourceRTSP,
		Address:    d.IP,
		Port:       d.Port,
		Username:   d.Username,
		Password:   d.Password,
		Channel:    d.Channel,
		Subtype:    d.Subtype,
	}
	return s.SourceURL()
}

// displayInput hides credentials in URL inputs; device indexes pass through.
func displayInput(input string) string {
	if strings.Contains(input, "://") {
		return SanitizeSourceURL(input)
	}
	return input
}
