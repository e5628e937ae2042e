package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gatecount/gatecount/internal/metrics"
)

const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 60 * time.Second
)

// Recorder persists crossing events through the store. When a write
// fails the event is still handed back (with ID -1) so it can be
// broadcast, and the insert is retried in the background with
// exponential backoff. Events are never silently dropped.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	mu      sync.Mutex
	pending []*Event
	wake    chan struct{}
}

// NewRecorder creates a recorder backed by the given store
func NewRecorder(store *Store) *Recorder {
	return &Recorder{
		store:  store,
		logger: slog.Default().With("component", "event_recorder"),
		wake:   make(chan struct{}, 1),
	}
}

// Record persists the event and returns it with its assigned ID.
// On write failure the returned event has ID -1 and the insert is
// queued for retry.
func (r *Recorder) Record(ctx context.Context, event *Event) *Event {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := r.store.Insert(ctx, event); err != nil {
		r.logger.Error("Failed to persist event, queuing for retry",
			"track_id", event.TrackID, "direction", event.Direction, "error", err)
		metrics.EventWriteFailures.Inc()

		queued := *event
		queued.ID = 0

		r.mu.Lock()
		r.pending = append(r.pending, &queued)
		r.mu.Unlock()

		select {
		case r.wake <- struct{}{}:
		default:
		}

		event.ID = -1
		return event
	}

	return event
}

// PendingCount returns the number of events waiting for a retry
func (r *Recorder) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Run drains the retry queue until ctx is cancelled. Failed attempts
// back off exponentially from 1s up to 60s; a successful write resets
// the delay.
func (r *Recorder) Run(ctx context.Context) {
	delay := retryBaseDelay

	for {
		r.mu.Lock()
		empty := len(r.pending) == 0
		r.mu.Unlock()

		if empty {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
			}
			delay = retryBaseDelay
		}

		if !r.flushOnce(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		} else {
			delay = retryBaseDelay
		}
	}
}

// flushOnce attempts to write all currently queued events. It reports
// whether the queue is empty afterwards.
func (r *Recorder) flushOnce(ctx context.Context) bool {
	r.mu.Lock()
	queue := r.pending
	r.pending = nil
	r.mu.Unlock()

	for i, event := range queue {
		if err := r.store.Insert(ctx, event); err != nil {
			// Put the remainder back, preserving order ahead of any
			// events queued while we were flushing.
			r.mu.Lock()
			r.pending = append(queue[i:], r.pending...)
			r.mu.Unlock()
			return false
		}
		r.logger.Info("Retried event persisted", "id", event.ID,
			"track_id", event.TrackID, "direction", event.Direction)
	}

	return true
}
