package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gatecount/gatecount/internal/events"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()

	b, err := New(DefaultConfig(), slog.Default())
	if err != nil {
		t.Fatalf("Failed to start bus: %v", err)
	}
	t.Cleanup(b.Stop)

	return b
}

func TestPublishEvent(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *nats.Msg, 1)
	if _, err := b.Subscribe(SubjectEvents, func(msg *nats.Msg) {
		received <- msg
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := &events.Event{
		ID:        42,
		Timestamp: time.Now(),
		TrackID:   7,
		PersonID:  "P0001",
		Direction: events.DirectionIn,
	}
	if err := b.PublishEvent(event); err != nil {
		t.Fatalf("PublishEvent failed: %v", err)
	}

	select {
	case msg := <-received:
		var got events.Event
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("Failed to unmarshal event: %v", err)
		}
		if got.ID != 42 || got.Direction != events.DirectionIn || got.PersonID != "P0001" {
			t.Errorf("Unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestPublishStatus(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *nats.Msg, 1)
	if _, err := b.Subscribe(SubjectStatus, func(msg *nats.Msg) {
		received <- msg
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.PublishStatus(StatusCounterReset, "counters cleared"); err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}

	select {
	case msg := <-received:
		var got StatusEvent
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("Failed to unmarshal status: %v", err)
		}
		if got.State != StatusCounterReset {
			t.Errorf("Expected state %q, got %q", StatusCounterReset, got.State)
		}
		if got.Timestamp.IsZero() {
			t.Error("Expected timestamp to be set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for status")
	}
}

func TestRequestReply(t *testing.T) {
	b := newTestBus(t)

	if _, err := b.Subscribe(SubjectGetStats, func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"in_count":3,"out_count":1,"active_tracks":2}`))
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := b.Request(ctx, SubjectGetStats, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	var got struct {
		In     int `json:"in_count"`
		Out    int `json:"out_count"`
		Tracks int `json:"active_tracks"`
	}
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("Failed to unmarshal reply: %v", err)
	}
	if got.In != 3 || got.Out != 1 || got.Tracks != 2 {
		t.Errorf("Unexpected reply: %+v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *nats.Msg, 1)
	if _, err := b.Subscribe(SubjectStats, func(msg *nats.Msg) {
		received <- msg
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Unsubscribe(SubjectStats)

	if err := b.Publish(SubjectStats, map[string]int{"in_count": 1}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-received:
		t.Error("Received message after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHealthCheck(t *testing.T) {
	b := newTestBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := b.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestPortFallback(t *testing.T) {
	// Two buses with the same preferred port; the second falls back
	first := newTestBus(t)
	second := newTestBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := first.HealthCheck(ctx); err != nil {
		t.Errorf("First bus unhealthy: %v", err)
	}
	if err := second.HealthCheck(ctx); err != nil {
		t.Errorf("Second bus unhealthy: %v", err)
	}
}
