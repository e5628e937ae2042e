package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gatecount/gatecount/internal/reid"
)

const defaultCleanupDays = 7

// ReIDHandler exposes the person gallery
type ReIDHandler struct {
	gallery *reid.Gallery
	now     func() time.Time
	logger  *slog.Logger
}

// NewReIDHandler creates a new Re-ID handler
func NewReIDHandler(gallery *reid.Gallery) *ReIDHandler {
	return &ReIDHandler{
		gallery: gallery,
		now:     time.Now,
		logger:  slog.Default().With("component", "api.reid"),
	}
}

// Routes returns the Re-ID endpoints
func (h *ReIDHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/persons", h.persons)
	r.Get("/persons/{id}", h.person)
	r.Post("/clear", h.clear)
	r.Post("/cleanup", h.cleanup)

	return r
}

func (h *ReIDHandler) persons(w http.ResponseWriter, r *http.Request) {
	persons := h.gallery.Persons()

	JSONWithMeta(w, http.StatusOK, persons, &Meta{Total: len(persons)})
}

func (h *ReIDHandler) person(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	for _, p := range h.gallery.Persons() {
		if p.ID == id {
			OK(w, p)
			return
		}
	}
	NotFound(w, "Person not found")
}

func (h *ReIDHandler) clear(w http.ResponseWriter, r *http.Request) {
	h.gallery.Clear()

	h.logger.Info("Gallery cleared")
	OK(w, map[string]string{
		"message": "Re-ID gallery cleared",
	})
}

func (h *ReIDHandler) cleanup(w http.ResponseWriter, r *http.Request) {
	days := defaultCleanupDays
	if v := r.URL.Query().Get("max_age_days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			BadRequest(w, "max_age_days must be a positive integer")
			return
		}
		days = parsed
	}

	removed := h.gallery.Cleanup(days, h.now())

	h.logger.Info("Gallery cleanup", "max_age_days", days, "removed", removed)
	OK(w, map[string]interface{}{
		"removed":      removed,
		"max_age_days": days,
	})
}
