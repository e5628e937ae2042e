package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gatecount/gatecount/internal/events"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// EventsHandler serves stored crossing events
type EventsHandler struct {
	store  *events.Store
	logger *slog.Logger
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(store *events.Store) *EventsHandler {
	return &EventsHandler{
		store:  store,
		logger: slog.Default().With("component", "api.events"),
	}
}

// Routes returns the event endpoints
func (h *EventsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.list)
	r.Post("/clear", h.clear)

	return r
}

func (h *EventsHandler) list(w http.ResponseWriter, r *http.Request) {
	opts := events.ListOptions{Limit: defaultEventLimit}

	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxEventLimit {
			BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		opts.Limit = limit
	}
	if v := r.URL.Query().Get("skip"); v != "" {
		skip, err := strconv.Atoi(v)
		if err != nil || skip < 0 {
			BadRequest(w, "skip must be a non-negative integer")
			return
		}
		opts.Offset = skip
	}
	if v := r.URL.Query().Get("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			BadRequest(w, "start_date must be RFC 3339")
			return
		}
		opts.StartTime = t
	}
	if v := r.URL.Query().Get("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			BadRequest(w, "end_date must be RFC 3339")
			return
		}
		opts.EndTime = t
	}

	evs, err := h.store.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("List events", "error", err)
		InternalError(w, "Failed to query events")
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}

	total, err := h.store.Count(r.Context())
	if err != nil {
		h.logger.Error("Count events", "error", err)
		InternalError(w, "Failed to query events")
		return
	}

	JSONWithMeta(w, http.StatusOK, evs, &Meta{
		Total: int(total),
		Limit: opts.Limit,
	})
}

func (h *EventsHandler) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ClearAll(r.Context()); err != nil {
		h.logger.Error("Clear events", "error", err)
		InternalError(w, "Failed to clear events")
		return
	}

	h.logger.Info("All events cleared")
	OK(w, map[string]string{
		"message": "All events cleared",
	})
}
