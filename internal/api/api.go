// Package api implements the HTTP control plane: REST handlers for
// authentication, camera settings, counters, analytics, Re-ID and export,
// plus the MJPEG preview and the WebSocket fan-out. Handlers depend on
// narrow interfaces so tests can run against fakes.
package api

import (
	"context"

	"github.com/gatecount/gatecount/internal/worker"
)

// Pipeline is the capture worker's control surface used by handlers.
// *worker.Worker satisfies it.
type Pipeline interface {
	Status() worker.Status
	Stats() worker.Stats
	Annotated() ([]byte, int64)
	Reconfigure(ctx context.Context, pcfg worker.PipelineConfig, resetCounters bool) error
	Reset(ctx context.Context, clearGallery bool) error
}
