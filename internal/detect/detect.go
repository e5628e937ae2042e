// Package detect adapts the external detector+tracker sidecar. The sidecar
// runs the person model and the multi-object tracker; this package only
// ships frames to it and returns per-frame observations.
package detect

import (
	"context"
	"math"

	"github.com/gatecount/gatecount/internal/source"
)

// Observation is one tracked person box in pixel coordinates of the
// original frame.
type Observation struct {
	TrackID    int        `json:"track_id"`
	BBox       [4]float64 `json:"bbox"` // x1, y1, x2, y2
	Confidence float64    `json:"confidence"`
}

// CenterX returns the horizontal center of the box.
func (o Observation) CenterX() float64 {
	return (o.BBox[0] + o.BBox[2]) / 2
}

// Area returns the box area in square pixels.
func (o Observation) Area() float64 {
	return (o.BBox[2] - o.BBox[0]) * (o.BBox[3] - o.BBox[1])
}

// Valid reports whether the box is well formed.
func (o Observation) Valid() bool {
	for _, v := range o.BBox {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return o.BBox[2] > o.BBox[0] && o.BBox[3] > o.BBox[1]
}

// Processor turns frames into tracked person observations.
type Processor interface {
	Process(ctx context.Context, frame *source.Frame) ([]Observation, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, frame *source.Frame) ([]Observation, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, frame *source.Frame) ([]Observation, error) {
	return f(ctx, frame)
}
