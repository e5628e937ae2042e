// Package events provides storage for line crossing events
package events

import (
	"time"
)

// Direction indicates which way a person crossed the counting line
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Valid reports whether d is a known crossing direction
func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

// Event represents a single counted line crossing
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	TrackID   int       `json:"track_id"`
	PersonID  string    `json:"person_id,omitempty"`
	Direction Direction `json:"direction"`
}

// Totals holds IN/OUT counts for a window
type Totals struct {
	In  int `json:"in_count"`
	Out int `json:"out_count"`
}

// Add counts one event into the totals
func (t *Totals) Add(d Direction) {
	switch d {
	case DirectionIn:
		t.In++
	case DirectionOut:
		t.Out++
	}
}

// Sum returns the total number of crossings in both directions
func (t Totals) Sum() int {
	return t.In + t.Out
}

// HourBucket holds counts for one hour of a local day
type HourBucket struct {
	Hour int `json:"hour"`
	In   int `json:"in_count"`
	Out  int `json:"out_count"`
}

// DayBucket holds counts for one local calendar day
type DayBucket struct {
	Date string `json:"date"`
	In   int    `json:"in_count"`
	Out  int    `json:"out_count"`
}

// MonthBucket holds counts for one local calendar month
type MonthBucket struct {
	Month string `json:"month"`
	In    int    `json:"in_count"`
	Out   int    `json:"out_count"`
}

// ListOptions represents filters for querying events
type ListOptions struct {
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// DayKey formats t as the local calendar day key (YYYY-MM-DD)
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// MonthKey formats t as the local calendar month key (YYYY-MM)
func MonthKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01")
}

// BucketByHour groups events by local hour of day
func BucketByHour(evs []Event, loc *time.Location) map[int]Totals {
	out := make(map[int]Totals)
	for _, e := range evs {
		h := e.Timestamp.In(loc).Hour()
		t := out[h]
		t.Add(e.Direction)
		out[h] = t
	}
	return out
}

// BucketByDay groups events by local calendar day
func BucketByDay(evs []Event, loc *time.Location) map[string]Totals {
	out := make(map[string]Totals)
	for _, e := range evs {
		k := DayKey(e.Timestamp, loc)
		t := out[k]
		t.Add(e.Direction)
		out[k] = t
	}
	return out
}

// BucketByMonth groups events by local calendar month
func BucketByMonth(evs []Event, loc *time.Location) map[string]Totals {
	out := make(map[string]Totals)
	for _, e := range evs {
		k := MonthKey(e.Timestamp, loc)
		t := out[k]
		t.Add(e.Direction)
		out[k] = t
	}
	return out
}
