// Package analytics computes dashboard statistics over the event store.
// All functions are pure reads: results depend only on stored events, the
// configured location and the injected clock, so they are reproducible in
// tests. Period boundaries (midnight, Monday, first of month) are evaluated
// in the service's location, which is constant per deployment.
package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gatecount/gatecount/internal/events"
)

// Default lookback window for weekday, peak and prediction queries.
const DefaultWindowDays = 30

// PeriodKind selects the aggregation window for Period.
type PeriodKind string

const (
	PeriodDay   PeriodKind = "day"
	PeriodWeek  PeriodKind = "week"
	PeriodMonth PeriodKind = "month"
)

// PeriodStats summarizes one calendar period. End is exclusive.
type PeriodStats struct {
	Period      string    `json:"period"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	In          int       `json:"in_count"`
	Out         int       `json:"out_count"`
	NetFlow     int       `json:"net_flow"`
	TotalEvents int       `json:"total_events"`
}

// WeekdayStat is one row of the Monday..Sunday aggregate.
type WeekdayStat struct {
	Weekday string `json:"weekday"`
	In      int    `json:"in_count"`
	Out     int    `json:"out_count"`
	Total   int    `json:"total"`
}

// Averages holds visitor averages per calendar period. A value is zero
// until at least one full period of history exists.
type Averages struct {
	PerDay   float64 `json:"avg_per_day"`
	PerWeek  float64 `json:"avg_per_week"`
	PerMonth float64 `json:"avg_per_month"`
}

// GrowthTrend compares the current week and month against the preceding
// equal-length periods.
type GrowthTrend struct {
	WeekChangePercent  float64 `json:"week_change_percent"`
	MonthChangePercent float64 `json:"month_change_percent"`
	Trend              string  `json:"trend"`
}

// PeakHour reports the busiest hour of day over a lookback window.
// PeakHour is nil when the window holds no events.
type PeakHour struct {
	PeakHour   *int    `json:"peak_hour"`
	AvgCount   float64 `json:"avg_count"`
	TotalCount int     `json:"total_count"`
}

// PeakPrediction projects the next occurrence of the historical peak hour.
type PeakPrediction struct {
	PredictedHour *int    `json:"predicted_hour"`
	HoursUntil    int     `json:"hours_until"`
	ExpectedCount float64 `json:"expected_count"`
	Confidence    float64 `json:"confidence"`
}

// Snapshot bundles the periodic dashboard payload.
type Snapshot struct {
	Today       PeriodStats         `json:"today"`
	Week        PeriodStats         `json:"week"`
	Month       PeriodStats         `json:"month"`
	Hourly      []events.HourBucket `json:"hourly"`
	PeakHour    PeakHour            `json:"peak_hour"`
	Averages    Averages            `json:"averages"`
	GrowthTrend GrowthTrend         `json:"growth_trend"`
	Prediction  PeakPrediction      `json:"prediction"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// Service answers analytics queries against the event store.
type Service struct {
	store *events.Store
	loc   *time.Location
	now   func() time.Time
}

// New creates the analytics service. loc decides all period boundaries;
// nil means the process-local zone.
func New(store *events.Store, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{store: store, loc: loc, now: time.Now}
}

// Period returns totals for the day, Monday-start week or calendar month
// containing anchor.
func (s *Service) Period(ctx context.Context, kind PeriodKind, anchor time.Time) (PeriodStats, error) {
	start, end, err := s.periodBounds(kind, anchor)
	if err != nil {
		return PeriodStats{}, err
	}

	totals, err := s.store.TotalsBetween(ctx, start, end.Add(-time.Millisecond))
	if err != nil {
		return PeriodStats{}, err
	}

	return PeriodStats{
		Period:      string(kind),
		Start:       start,
		End:         end,
		In:          totals.In,
		Out:         totals.Out,
		NetFlow:     totals.In - totals.Out,
		TotalEvents: totals.Sum(),
	}, nil
}

// Hourly returns 24 zero-filled buckets for the local day containing day.
func (s *Service) Hourly(ctx context.Context, day time.Time) ([]events.HourBucket, error) {
	start := s.midnight(day)
	end := start.AddDate(0, 0, 1).Add(-time.Millisecond)

	got, err := s.store.HourlyCounts(ctx, start, end, s.loc)
	if err != nil {
		return nil, err
	}

	filled := make([]events.HourBucket, 24)
	for h := range filled {
		filled[h].Hour = h
	}
	for _, b := range got {
		if b.Hour >= 0 && b.Hour < 24 {
			filled[b.Hour] = b
		}
	}
	return filled, nil
}

// DailyRange returns one bucket per local day from startDay through endDay
// inclusive, zero-filling days without events.
func (s *Service) DailyRange(ctx context.Context, startDay, endDay time.Time) ([]events.DayBucket, error) {
	start := s.midnight(startDay)
	endEx := s.midnight(endDay).AddDate(0, 0, 1)
	if !start.Before(endEx) {
		return nil, fmt.Errorf("daily range: start %s after end %s", startDay, endDay)
	}

	got, err := s.store.DailyCounts(ctx, start, endEx.Add(-time.Millisecond), s.loc)
	if err != nil {
		return nil, err
	}
	byDate := make(map[string]events.DayBucket, len(got))
	for _, b := range got {
		byDate[b.Date] = b
	}

	var out []events.DayBucket
	for d := start; d.Before(endEx); d = d.AddDate(0, 0, 1) {
		key := events.DayKey(d, s.loc)
		if b, ok := byDate[key]; ok {
			out = append(out, b)
		} else {
			out = append(out, events.DayBucket{Date: key})
		}
	}
	return out, nil
}

// MonthlyRange returns one bucket per calendar month from startMonth
// through endMonth inclusive, zero-filling months without events.
func (s *Service) MonthlyRange(ctx context.Context, startMonth, endMonth time.Time) ([]events.MonthBucket, error) {
	start := s.firstOfMonth(startMonth)
	endEx := s.firstOfMonth(endMonth).AddDate(0, 1, 0)
	if !start.Before(endEx) {
		return nil, fmt.Errorf("monthly range: start %s after end %s", startMonth, endMonth)
	}

	got, err := s.store.MonthlyCounts(ctx, start, endEx.Add(-time.Millisecond), s.loc)
	if err != nil {
		return nil, err
	}
	byMonth := make(map[string]events.MonthBucket, len(got))
	for _, b := range got {
		byMonth[b.Month] = b
	}

	var out []events.MonthBucket
	for m := start; m.Before(endEx); m = m.AddDate(0, 1, 0) {
		key := events.MonthKey(m, s.loc)
		if b, ok := byMonth[key]; ok {
			out = append(out, b)
		} else {
			out = append(out, events.MonthBucket{Month: key})
		}
	}
	return out, nil
}

var weekdayNames = [7]string{
	"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday",
}

// WeekdayStats aggregates the last days of events by day of week.
// Always returns 7 rows, Monday first.
func (s *Service) WeekdayStats(ctx context.Context, days int) ([]WeekdayStat, error) {
	if days <= 0 {
		days = DefaultWindowDays
	}
	now := s.now()

	evs, err := s.store.Range(ctx, now.AddDate(0, 0, -days), now)
	if err != nil {
		return nil, err
	}

	rows := make([]WeekdayStat, 7)
	for i := range rows {
		rows[i].Weekday = weekdayNames[i]
	}
	for _, ev := range evs {
		i := mondayIndex(ev.Timestamp.In(s.loc).Weekday())
		switch ev.Direction {
		case events.DirectionIn:
			rows[i].In++
		case events.DirectionOut:
			rows[i].Out++
		}
		rows[i].Total++
	}
	return rows, nil
}

// Averages reports mean visitors per day (over the last week), per week
// (over the last 30 days) and per month (last 30 days total). Each value
// stays zero until a full period of history has accumulated.
func (s *Service) Averages(ctx context.Context) (Averages, error) {
	now := s.now()

	earliest, ok, err := s.store.EarliestTimestamp(ctx)
	if err != nil {
		return Averages{}, err
	}
	if !ok {
		return Averages{}, nil
	}
	history := now.Sub(earliest)

	weekTotals, err := s.store.TotalsBetween(ctx, now.AddDate(0, 0, -7), now)
	if err != nil {
		return Averages{}, err
	}
	monthTotals, err := s.store.TotalsBetween(ctx, now.AddDate(0, 0, -30), now)
	if err != nil {
		return Averages{}, err
	}

	var av Averages
	if history >= 24*time.Hour {
		av.PerDay = round1(float64(weekTotals.Sum()) / 7)
	}
	if history >= 7*24*time.Hour {
		// ~4.3 weeks per month
		av.PerWeek = round1(float64(monthTotals.Sum()) / 4.3)
	}
	if history >= 30*24*time.Hour {
		av.PerMonth = float64(monthTotals.Sum())
	}
	return av, nil
}

// GrowthTrend compares this week against last week and this month-to-date
// against the previous calendar month. The trend label follows the week
// change: stable within five percent either way.
func (s *Service) GrowthTrend(ctx context.Context) (GrowthTrend, error) {
	now := s.now()

	weekStart := now.AddDate(0, 0, -7)
	thisWeek, err := s.store.TotalsBetween(ctx, weekStart, now)
	if err != nil {
		return GrowthTrend{}, err
	}
	lastWeek, err := s.store.TotalsBetween(ctx, now.AddDate(0, 0, -14), weekStart.Add(-time.Millisecond))
	if err != nil {
		return GrowthTrend{}, err
	}

	monthStart := s.firstOfMonth(now)
	thisMonth, err := s.store.TotalsBetween(ctx, monthStart, now)
	if err != nil {
		return GrowthTrend{}, err
	}
	lastMonth, err := s.store.TotalsBetween(ctx, monthStart.AddDate(0, -1, 0), monthStart.Add(-time.Millisecond))
	if err != nil {
		return GrowthTrend{}, err
	}

	weekChange := pctChange(thisWeek.Sum(), lastWeek.Sum())
	trend := "stable"
	switch {
	case weekChange >= 5:
		trend = "up"
	case weekChange <= -5:
		trend = "down"
	}

	return GrowthTrend{
		WeekChangePercent:  weekChange,
		MonthChangePercent: pctChange(thisMonth.Sum(), lastMonth.Sum()),
		Trend:              trend,
	}, nil
}

// PeakHourAvg finds the hour of day with the most events over the lookback
// window and its per-day average.
func (s *Service) PeakHourAvg(ctx context.Context, days int) (PeakHour, error) {
	if days <= 0 {
		days = DefaultWindowDays
	}
	pw, err := s.peakStats(ctx, days)
	if err != nil || pw == nil {
		return PeakHour{}, err
	}

	hour := pw.hour
	return PeakHour{
		PeakHour:   &hour,
		AvgCount:   round2(float64(pw.peakTotal) / float64(pw.observedDays)),
		TotalCount: pw.peakTotal,
	}, nil
}

// PredictPeak projects when the historical peak hour next occurs.
// Confidence scales with how much of the window has real history and how
// strongly the peak stands out from the mean hour.
func (s *Service) PredictPeak(ctx context.Context, days int) (PeakPrediction, error) {
	if days <= 0 {
		days = DefaultWindowDays
	}
	pw, err := s.peakStats(ctx, days)
	if err != nil || pw == nil {
		return PeakPrediction{}, err
	}

	hour := pw.hour
	avg := float64(pw.peakTotal) / float64(pw.observedDays)
	mean := float64(pw.windowTotal) / float64(pw.observedDays*24)

	var ratio float64
	if mean > 0 {
		ratio = avg / mean
	}
	confidence := 100 * (float64(pw.observedDays) / float64(days)) * ratio
	confidence = math.Min(math.Max(confidence, 0), 100)

	return PeakPrediction{
		PredictedHour: &hour,
		HoursUntil:    (hour - s.now().In(s.loc).Hour() + 24) % 24,
		ExpectedCount: round1(avg),
		Confidence:    round1(confidence),
	}, nil
}

// Snapshot assembles the periodic dashboard payload.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := s.now()
	snap := &Snapshot{GeneratedAt: now}

	var err error
	if snap.Today, err = s.Period(ctx, PeriodDay, now); err != nil {
		return nil, err
	}
	if snap.Week, err = s.Period(ctx, PeriodWeek, now); err != nil {
		return nil, err
	}
	if snap.Month, err = s.Period(ctx, PeriodMonth, now); err != nil {
		return nil, err
	}
	if snap.Hourly, err = s.Hourly(ctx, now); err != nil {
		return nil, err
	}
	if snap.PeakHour, err = s.PeakHourAvg(ctx, DefaultWindowDays); err != nil {
		return nil, err
	}
	if snap.Averages, err = s.Averages(ctx); err != nil {
		return nil, err
	}
	if snap.GrowthTrend, err = s.GrowthTrend(ctx); err != nil {
		return nil, err
	}
	if snap.Prediction, err = s.PredictPeak(ctx, DefaultWindowDays); err != nil {
		return nil, err
	}
	return snap, nil
}

type peakWindow struct {
	hour         int
	peakTotal    int
	windowTotal  int
	observedDays int
}

// peakStats aggregates the window by hour of day and finds the argmax.
// Returns nil when the window holds no events.
func (s *Service) peakStats(ctx context.Context, days int) (*peakWindow, error) {
	now := s.now()
	start := now.AddDate(0, 0, -days)

	buckets, err := s.store.HourlyCounts(ctx, start, now, s.loc)
	if err != nil {
		return nil, err
	}

	pw := &peakWindow{hour: -1}
	peak := 0
	for _, b := range buckets {
		total := b.In + b.Out
		pw.windowTotal += total
		if total > peak {
			peak = total
			pw.hour = b.Hour
			pw.peakTotal = total
		}
	}
	if pw.hour < 0 {
		return nil, nil
	}

	pw.observedDays, err = s.observedDays(ctx, now, days)
	if err != nil {
		return nil, err
	}
	if pw.observedDays < 1 {
		pw.observedDays = 1
	}
	return pw, nil
}

// observedDays counts the local calendar days actually covered by history
// inside the lookback window, capped at the window length.
func (s *Service) observedDays(ctx context.Context, now time.Time, days int) (int, error) {
	earliest, ok, err := s.store.EarliestTimestamp(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	windowStart := now.AddDate(0, 0, -days)
	if earliest.Before(windowStart) {
		earliest = windowStart
	}
	if earliest.After(now) {
		return 0, nil
	}

	from := s.midnight(earliest)
	to := s.midnight(now)
	n := int(math.Round(to.Sub(from).Hours()/24)) + 1
	if n > days {
		n = days
	}
	return n, nil
}

func (s *Service) periodBounds(kind PeriodKind, anchor time.Time) (time.Time, time.Time, error) {
	t := anchor.In(s.loc)
	switch kind {
	case PeriodDay:
		start := s.midnight(t)
		return start, start.AddDate(0, 0, 1), nil
	case PeriodWeek:
		start := s.midnight(t).AddDate(0, 0, -mondayIndex(t.Weekday()))
		return start, start.AddDate(0, 0, 7), nil
	case PeriodMonth:
		start := s.firstOfMonth(t)
		return start, start.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown period %q", kind)
	}
}

func (s *Service) midnight(t time.Time) time.Time {
	t = t.In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}

func (s *Service) firstOfMonth(t time.Time) time.Time {
	t = t.In(s.loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, s.loc)
}

// mondayIndex maps Go's Sunday-first weekday onto a Monday-first index.
func mondayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

func pctChange(current, previous int) float64 {
	if previous == 0 {
		return 0
	}
	return round1(float64(current-previous) / float64(previous) * 100)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
