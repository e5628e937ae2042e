// Package metrics exposes Prometheus instrumentation for the counter service
package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsTotal counts line crossings recognized by the engine.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatecount_events_total",
		Help: "Counted line crossings by direction.",
	}, []string{"direction"})

	// EventWriteFailures counts crossing events that failed to persist
	// on first attempt and were queued for retry.
	EventWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatecount_event_write_failures_total",
		Help: "Crossing events that failed to persist and were queued for retry.",
	})

	// FramesProcessed counts frames run through the detection pipeline.
	FramesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatecount_frames_processed_total",
		Help: "Frames pulled from the video source and run through detection.",
	})

	// DetectorErrors counts failed detection sidecar calls.
	DetectorErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatecount_detector_errors_total",
		Help: "Detection sidecar calls that returned an error.",
	})

	// FPS reports the smoothed processing rate.
	FPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatecount_fps",
		Help: "Smoothed processing rate in frames per second.",
	})

	// ActiveTracks reports tracks currently held by the counting engine.
	ActiveTracks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatecount_active_tracks",
		Help: "Tracks currently maintained by the counting engine.",
	})

	// WebsocketClients reports connected websocket clients.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatecount_websocket_clients",
		Help: "Connected websocket clients.",
	})

	// GalleryPersons reports identities held in the Re-ID gallery.
	GalleryPersons = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatecount_gallery_persons",
		Help: "Identities currently registered in the Re-ID gallery.",
	})
)

// RegisterDBStats exposes connection pool gauges for the SQLite database.
// Call once at startup.
func RegisterDBStats(stats func() sql.DBStats) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gatecount_db_open_connections",
		Help: "Open database connections.",
	}, func() float64 {
		return float64(stats().OpenConnections)
	})
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gatecount_db_in_use_connections",
		Help: "Database connections currently in use.",
	}, func() float64 {
		return float64(stats().InUse)
	})
}
