package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gatecount/gatecount/internal/analytics"
)

// AnalyticsHandler serves aggregate statistics over the event store
type AnalyticsHandler struct {
	svc    *analytics.Service
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// NewAnalyticsHandler creates a new analytics handler. loc interprets bare
// calendar dates in query parameters; nil means the process-local zone.
func NewAnalyticsHandler(svc *analytics.Service, loc *time.Location) *AnalyticsHandler {
	if loc == nil {
		loc = time.Local
	}
	return &AnalyticsHandler{
		svc:    svc,
		loc:    loc,
		now:    time.Now,
		logger: slog.Default().With("component", "api.analytics"),
	}
}

// Routes returns the analytics endpoints
func (h *AnalyticsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/day", h.day)
	r.Get("/week", h.week)
	r.Get("/month", h.month)
	r.Get("/hourly", h.hourly)
	r.Get("/daily", h.daily)
	r.Get("/monthly", h.monthly)
	r.Get("/peak-hour-avg", h.peakHourAvg)
	r.Get("/weekday-stats", h.weekdayStats)
	r.Get("/averages", h.averages)
	r.Get("/growth-trend", h.growthTrend)
	r.Get("/predict-peak", h.predictPeak)

	return r
}

func (h *AnalyticsHandler) day(w http.ResponseWriter, r *http.Request) {
	h.period(w, r, analytics.PeriodDay)
}

func (h *AnalyticsHandler) week(w http.ResponseWriter, r *http.Request) {
	h.period(w, r, analytics.PeriodWeek)
}

func (h *AnalyticsHandler) month(w http.ResponseWriter, r *http.Request) {
	h.period(w, r, analytics.PeriodMonth)
}

func (h *AnalyticsHandler) period(w http.ResponseWriter, r *http.Request, kind analytics.PeriodKind) {
	anchor, ok := h.anchorParam(w, r, "date")
	if !ok {
		return
	}

	stats, err := h.svc.Period(r.Context(), kind, anchor)
	if err != nil {
		h.logger.Error("Period stats", "kind", kind, "error", err)
		InternalError(w, "Failed to compute period statistics")
		return
	}
	OK(w, stats)
}

func (h *AnalyticsHandler) hourly(w http.ResponseWriter, r *http.Request) {
	day, ok := h.anchorParam(w, r, "date")
	if !ok {
		return
	}

	buckets, err := h.svc.Hourly(r.Context(), day)
	if err != nil {
		h.logger.Error("Hourly stats", "error", err)
		InternalError(w, "Failed to compute hourly statistics")
		return
	}
	OK(w, buckets)
}

// daily defaults to the full current month when no range is given.
func (h *AnalyticsHandler) daily(w http.ResponseWriter, r *http.Request) {
	start, end, ok := h.rangeParams(w, r)
	if !ok {
		return
	}
	if start.IsZero() || end.IsZero() {
		now := h.now().In(h.loc)
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, h.loc)
		end = start.AddDate(0, 1, -1)
	}

	buckets, err := h.svc.DailyRange(r.Context(), start, end)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	OK(w, buckets)
}

// monthly defaults to the full current year when no range is given.
func (h *AnalyticsHandler) monthly(w http.ResponseWriter, r *http.Request) {
	start, end, ok := h.rangeParams(w, r)
	if !ok {
		return
	}
	if start.IsZero() || end.IsZero() {
		now := h.now().In(h.loc)
		start = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, h.loc)
		end = time.Date(now.Year(), time.December, 1, 0, 0, 0, 0, h.loc)
	}

	buckets, err := h.svc.MonthlyRange(r.Context(), start, end)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	OK(w, buckets)
}

func (h *AnalyticsHandler) peakHourAvg(w http.ResponseWriter, r *http.Request) {
	days, ok := h.daysParam(w, r)
	if !ok {
		return
	}

	peak, err := h.svc.PeakHourAvg(r.Context(), days)
	if err != nil {
		h.logger.Error("Peak hour stats", "error", err)
		InternalError(w, "Failed to compute peak hour")
		return
	}
	OK(w, peak)
}

func (h *AnalyticsHandler) weekdayStats(w http.ResponseWriter, r *http.Request) {
	days, ok := h.daysParam(w, r)
	if !ok {
		return
	}

	stats, err := h.svc.WeekdayStats(r.Context(), days)
	if err != nil {
		h.logger.Error("Weekday stats", "error", err)
		InternalError(w, "Failed to compute weekday statistics")
		return
	}
	OK(w, stats)
}

func (h *AnalyticsHandler) averages(w http.ResponseWriter, r *http.Request) {
	avgs, err := h.svc.Averages(r.Context())
	if err != nil {
		h.logger.Error("Averages", "error", err)
		InternalError(w, "Failed to compute averages")
		return
	}
	OK(w, avgs)
}

func (h *AnalyticsHandler) growthTrend(w http.ResponseWriter, r *http.Request) {
	trend, err := h.svc.GrowthTrend(r.Context())
	if err != nil {
		h.logger.Error("Growth trend", "error", err)
		InternalError(w, "Failed to compute growth trend")
		return
	}
	OK(w, trend)
}

func (h *AnalyticsHandler) predictPeak(w http.ResponseWriter, r *http.Request) {
	days, ok := h.daysParam(w, r)
	if !ok {
		return
	}

	prediction, err := h.svc.PredictPeak(r.Context(), days)
	if err != nil {
		h.logger.Error("Peak prediction", "error", err)
		InternalError(w, "Failed to predict peak")
		return
	}
	OK(w, prediction)
}

// parseDate accepts RFC 3339 or a bare calendar date in the handler zone.
func (h *AnalyticsHandler) parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", v, h.loc)
}

// anchorParam returns the named query date, or now when absent. A false
// return means the response has already been written.
func (h *AnalyticsHandler) anchorParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return h.now(), true
	}
	t, err := h.parseDate(v)
	if err != nil {
		BadRequest(w, name+" must be RFC 3339 or YYYY-MM-DD")
		return time.Time{}, false
	}
	return t, true
}

func (h *AnalyticsHandler) rangeParams(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	var start, end time.Time

	if v := r.URL.Query().Get("start_date"); v != "" {
		t, err := h.parseDate(v)
		if err != nil {
			BadRequest(w, "start_date must be RFC 3339 or YYYY-MM-DD")
			return time.Time{}, time.Time{}, false
		}
		start = t
	}
	if v := r.URL.Query().Get("end_date"); v != "" {
		t, err := h.parseDate(v)
		if err != nil {
			BadRequest(w, "end_date must be RFC 3339 or YYYY-MM-DD")
			return time.Time{}, time.Time{}, false
		}
		end = t
	}

	return start, end, true
}

func (h *AnalyticsHandler) daysParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("days")
	if v == "" {
		return analytics.DefaultWindowDays, true
	}
	days, err := strconv.Atoi(v)
	if err != nil || days < 1 || days > 365 {
		BadRequest(w, "days must be between 1 and 365")
		return 0, false
	}
	return days, true
}
