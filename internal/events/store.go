package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gatecount/gatecount/internal/database"
)

// Store manages crossing event persistence. Events are append-only:
// inserts and full clears are the only writes, so IDs assigned by the
// database stay strictly increasing for the lifetime of a table.
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

// NewStore creates a new event store
func NewStore(db *database.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "event_store"),
	}
}

// Insert persists an event and assigns its database ID
func (s *Store) Insert(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if !event.Direction.Valid() {
		return fmt.Errorf("invalid direction: %q", event.Direction)
	}

	var personID any
	if event.PersonID != "" {
		personID = event.PersonID
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (timestamp, track_id, person_id, direction)
		VALUES (?, ?, ?, ?)
	`, event.Timestamp.UnixMilli(), event.TrackID, personID, string(event.Direction))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	event.ID = id

	return nil
}

// List retrieves events with filters, most recent first
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Event, error) {
	query := `SELECT id, timestamp, track_id, person_id, direction FROM events WHERE 1=1`
	args := []any{}

	if !opts.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.StartTime.UnixMilli())
	}
	if !opts.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, opts.EndTime.UnixMilli())
	}

	query += " ORDER BY timestamp DESC, id DESC"

	limit := 50
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Recent returns the most recent events, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	return s.List(ctx, ListOptions{Limit: limit})
}

// Range returns all events with start <= timestamp <= end in chronological order
func (s *Store) Range(ctx context.Context, start, end time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, track_id, person_id, direction
		FROM events
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, id ASC
	`, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// TotalsBetween returns IN/OUT counts for start <= timestamp <= end
func (s *Store) TotalsBetween(ctx context.Context, start, end time.Time) (Totals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT direction, COUNT(*)
		FROM events
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY direction
	`, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return Totals{}, err
	}
	defer rows.Close()

	var totals Totals
	for rows.Next() {
		var direction string
		var count int
		if err := rows.Scan(&direction, &count); err != nil {
			return Totals{}, err
		}
		switch Direction(direction) {
		case DirectionIn:
			totals.In = count
		case DirectionOut:
			totals.Out = count
		}
	}

	return totals, rows.Err()
}

// Count returns the total number of stored events
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count)
	return count, err
}

// EarliestTimestamp returns the timestamp of the oldest stored event.
// The second return is false when the store is empty.
func (s *Store) EarliestTimestamp(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MIN(timestamp) FROM events").Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

// ClearAll deletes every stored event. IDs are not reused afterwards.
func (s *Store) ClearAll(ctx context.Context) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM events")
	if err != nil {
		return fmt.Errorf("failed to clear events: %w", err)
	}

	deleted, _ := result.RowsAffected()
	s.logger.Info("Events cleared", "deleted", deleted)

	if err := s.db.Vacuum(ctx); err != nil {
		s.logger.Warn("Vacuum after clear failed", "error", err)
	}

	return nil
}

// HourlyCounts aggregates events in [start, end] by local hour of day
func (s *Store) HourlyCounts(ctx context.Context, start, end time.Time, loc *time.Location) ([]HourBucket, error) {
	evs, err := s.Range(ctx, start, end)
	if err != nil {
		return nil, err
	}

	byHour := BucketByHour(evs, loc)
	buckets := make([]HourBucket, 0, len(byHour))
	for hour, t := range byHour {
		buckets = append(buckets, HourBucket{Hour: hour, In: t.In, Out: t.Out})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Hour < buckets[j].Hour })

	return buckets, nil
}

// DailyCounts aggregates events in [start, end] by local calendar day
func (s *Store) DailyCounts(ctx context.Context, start, end time.Time, loc *time.Location) ([]DayBucket, error) {
	evs, err := s.Range(ctx, start, end)
	if err != nil {
		return nil, err
	}

	byDay := BucketByDay(evs, loc)
	buckets := make([]DayBucket, 0, len(byDay))
	for day, t := range byDay {
		buckets = append(buckets, DayBucket{Date: day, In: t.In, Out: t.Out})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Date < buckets[j].Date })

	return buckets, nil
}

// MonthlyCounts aggregates events in [start, end] by local calendar month
func (s *Store) MonthlyCounts(ctx context.Context, start, end time.Time, loc *time.Location) ([]MonthBucket, error) {
	evs, err := s.Range(ctx, start, end)
	if err != nil {
		return nil, err
	}

	byMonth := BucketByMonth(evs, loc)
	buckets := make([]MonthBucket, 0, len(byMonth))
	for month, t := range byMonth {
		buckets = append(buckets, MonthBucket{Month: month, In: t.In, Out: t.Out})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Month < buckets[j].Month })

	return buckets, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	events := []Event{}
	for rows.Next() {
		var event Event
		var timestamp int64
		var personID sql.NullString

		if err := rows.Scan(&event.ID, &timestamp, &event.TrackID, &personID, &event.Direction); err != nil {
			return nil, err
		}

		event.Timestamp = time.UnixMilli(timestamp)
		if personID.Valid {
			event.PersonID = personID.String
		}

		events = append(events, event)
	}

	return events, rows.Err()
}
