// Package export renders stored crossing events as downloadable reports.
// CSV and XLSX carry the raw event rows; PDF and HTML add summary tables
// and charts for readers who never open the dashboard.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatecount/gatecount/internal/events"
)

// Format selects the report file type.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatExcel Format = "excel"
	FormatPDF   Format = "pdf"
	FormatHTML  Format = "html"
)

// Valid reports whether f is a supported export format.
func (f Format) Valid() bool {
	switch f {
	case FormatCSV, FormatExcel, FormatPDF, FormatHTML:
		return true
	}
	return false
}

// ErrInvalidFormat is returned for formats other than csv, excel, pdf or html.
var ErrInvalidFormat = errors.New("invalid export format")

// maxEventRows caps how many events a single report carries.
const maxEventRows = 10000

// timestampLayout is the human-readable timestamp format used in report rows.
const timestampLayout = "2006-01-02 15:04:05"

// Request describes one export. The window is optional: a nil StartDate
// reaches back to the first stored event, a nil EndDate up to now.
type Request struct {
	Format        Format     `json:"format"`
	IncludeCharts bool       `json:"include_charts"`
	StartDate     *time.Time `json:"start_date,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`
}

// Result is a rendered report ready to be served as an attachment.
type Result struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Service builds reports from the event store.
type Service struct {
	store  *events.Store
	loc    *time.Location
	logger *slog.Logger

	now       func() time.Time
	maxEvents int
}

// New creates the export service. loc decides how row timestamps and day
// boundaries are rendered; nil means the process-local zone.
func New(store *events.Store, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		store:     store,
		loc:       loc,
		logger:    slog.Default().With("component", "export"),
		now:       time.Now,
		maxEvents: maxEventRows,
	}
}

// Export renders the requested report.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if !req.Format.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, req.Format)
	}

	now := s.now()
	data, err := s.gather(ctx, req, now)
	if err != nil {
		return nil, err
	}

	var (
		payload []byte
		ctype   string
		ext     string
	)
	switch req.Format {
	case FormatCSV:
		payload, err = renderCSV(data)
		ctype, ext = "text/csv", "csv"
	case FormatExcel:
		payload, err = renderExcel(data)
		ctype, ext = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "xlsx"
	case FormatPDF:
		payload, err = renderPDF(data)
		ctype, ext = "application/pdf", "pdf"
	case FormatHTML:
		payload, err = renderHTML(data)
		ctype, ext = "text/html; charset=utf-8", "html"
	}
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", req.Format, err)
	}

	result := &Result{
		Data:        payload,
		ContentType: ctype,
		Filename:    fmt.Sprintf("people_counter_%s.%s", now.In(s.loc).Format("20060102_150405"), ext),
	}
	s.logger.Info("Report generated",
		"format", req.Format,
		"events", len(data.Events),
		"bytes", len(result.Data))
	return result, nil
}

// reportData is everything the renderers need, queried once up front.
type reportData struct {
	Events   []events.Event      // chronological, capped at maxEvents
	Totals   events.Totals       // whole window, not capped
	Hourly   []events.HourBucket // hour of day for ChartDay, quiet hours absent
	Daily    []events.DayBucket  // per day across the window
	ChartDay time.Time
	Charts   bool
	Loc      *time.Location
	Now      time.Time
}

func (s *Service) gather(ctx context.Context, req Request, now time.Time) (*reportData, error) {
	start := time.UnixMilli(0)
	if req.StartDate != nil {
		start = *req.StartDate
	}
	end := now
	if req.EndDate != nil {
		end = *req.EndDate
	}

	evs, err := s.store.Range(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	if len(evs) > s.maxEvents {
		evs = evs[:s.maxEvents]
	}

	totals, err := s.store.TotalsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}

	data := &reportData{
		Events: evs,
		Totals: totals,
		Charts: req.IncludeCharts,
		Loc:    s.loc,
		Now:    now,
	}

	// The hourly chart covers one local day: the window start, or today
	// for an open-ended window.
	if req.Format == FormatHTML || (req.Format == FormatPDF && req.IncludeCharts) {
		day := now
		if req.StartDate != nil {
			day = *req.StartDate
		}
		y, m, d := day.In(s.loc).Date()
		dayStart := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
		dayEnd := dayStart.Add(24*time.Hour - time.Millisecond)

		hourly, err := s.store.HourlyCounts(ctx, dayStart, dayEnd, s.loc)
		if err != nil {
			return nil, fmt.Errorf("query hourly counts: %w", err)
		}
		data.Hourly = hourly
		data.ChartDay = dayStart
	}

	if req.Format == FormatHTML {
		daily, err := s.store.DailyCounts(ctx, start, end, s.loc)
		if err != nil {
			return nil, fmt.Errorf("query daily counts: %w", err)
		}
		data.Daily = daily
	}

	return data, nil
}
