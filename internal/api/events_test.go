package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gatecount/gatecount/internal/events"
)

// seedEvents inserts n alternating IN/OUT crossings one minute apart,
// oldest first, starting at base.
func seedEvents(t *testing.T, store *events.Store, base time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		dir := events.DirectionIn
		if i%2 == 1 {
			dir = events.DirectionOut
		}
		ev := &events.Event{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			TrackID:   i + 1,
			Direction: dir,
		}
		if err := store.Insert(context.Background(), ev); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
}

func TestListEvents(t *testing.T) {
	store := events.NewStore(setupTestDB(t))
	base := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	seedEvents(t, store, base, 3)

	h := NewEventsHandler(store)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	env := decodeEnvelope(t, rec)
	var evs []events.Event
	decodeData(t, env, &evs)

	if len(evs) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(evs))
	}
	// Newest first
	if !evs[0].Timestamp.After(evs[2].Timestamp) {
		t.Errorf("Expected newest-first ordering, got %v then %v", evs[0].Timestamp, evs[2].Timestamp)
	}

	if env.Meta == nil {
		t.Fatal("Expected meta")
	}
	if env.Meta.Total != 3 {
		t.Errorf("Expected total 3, got %d", env.Meta.Total)
	}
	if env.Meta.Limit != defaultEventLimit {
		t.Errorf("Expected default limit %d, got %d", defaultEventLimit, env.Meta.Limit)
	}
}

func TestListEventsEmpty(t *testing.T) {
	h := NewEventsHandler(events.NewStore(setupTestDB(t)))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	// Empty list, not null
	var evs []events.Event
	decodeData(t, decodeEnvelope(t, rec), &evs)
	if evs == nil || len(evs) != 0 {
		t.Errorf("Expected empty array, got %v", evs)
	}
}

func TestListEventsPagination(t *testing.T) {
	store := events.NewStore(setupTestDB(t))
	base := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	seedEvents(t, store, base, 5)

	h := NewEventsHandler(store)
	req := httptest.NewRequest(http.MethodGet, "/?limit=2&skip=1", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec)
	var evs []events.Event
	decodeData(t, env, &evs)

	if len(evs) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(evs))
	}
	// Skipped the newest (track 5), so the page starts at track 4
	if evs[0].TrackID != 4 {
		t.Errorf("Expected track 4 first, got %d", evs[0].TrackID)
	}
	if env.Meta.Total != 5 {
		t.Errorf("Expected total 5 regardless of page, got %d", env.Meta.Total)
	}
}

func TestListEventsWindow(t *testing.T) {
	store := events.NewStore(setupTestDB(t))
	base := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	seedEvents(t, store, base, 5)

	h := NewEventsHandler(store)
	url := fmt.Sprintf("/?start_date=%s&end_date=%s",
		base.Add(time.Minute).Format(time.RFC3339),
		base.Add(3*time.Minute).Format(time.RFC3339))
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	var evs []events.Event
	decodeData(t, decodeEnvelope(t, rec), &evs)
	if len(evs) != 3 {
		t.Fatalf("Expected 3 events in window, got %d", len(evs))
	}
	for _, ev := range evs {
		if ev.Timestamp.Before(base.Add(time.Minute)) || ev.Timestamp.After(base.Add(3*time.Minute)) {
			t.Errorf("Event %d outside window: %v", ev.TrackID, ev.Timestamp)
		}
	}
}

func TestListEventsBadParams(t *testing.T) {
	h := NewEventsHandler(events.NewStore(setupTestDB(t)))

	cases := []struct {
		name string
		url  string
	}{
		{"zero limit", "/?limit=0"},
		{"limit too large", "/?limit=2000"},
		{"limit not a number", "/?limit=many"},
		{"negative skip", "/?skip=-1"},
		{"bad start date", "/?start_date=yesterday"},
		{"bad end date", "/?end_date=2025-13-45"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			rec := httptest.NewRecorder()
			h.Routes().ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", rec.Code)
			}
		})
	}
}

func TestClearEvents(t *testing.T) {
	store := events.NewStore(setupTestDB(t))
	seedEvents(t, store, time.Now().Add(-time.Hour), 4)

	h := NewEventsHandler(store)
	req := httptest.NewRequest(http.MethodPost, "/clear", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var resp map[string]string
	decodeData(t, decodeEnvelope(t, rec), &resp)
	if resp["message"] != "All events cleared" {
		t.Errorf("Unexpected message: %s", resp["message"])
	}

	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected empty store, got %d events", count)
	}
}
