// Package counter turns tracked person observations into line crossing
// events. The engine is owned by a single worker goroutine and does no
// locking of its own.
package counter

import (
	"log/slog"
	"math"
	"time"

	"github.com/gatecount/gatecount/internal/detect"
	"github.com/gatecount/gatecount/internal/events"
	"github.com/gatecount/gatecount/internal/metrics"
	"github.com/gatecount/gatecount/internal/reid"
	"github.com/gatecount/gatecount/internal/source"
)

// Travel directions that can map to IN.
const (
	DirectionInLR = "L->R"
	DirectionInRL = "R->L"
)

// Config tunes the crossing rules.
type Config struct {
	// LineX is the counting line position in pixels from the left edge.
	LineX float64
	// DirectionIn maps travel direction to IN: "L->R" or "R->L".
	DirectionIn string
	// HysteresisPx is the minimum distance from the line a center must
	// reach for a side change to count.
	HysteresisPx float64
	// AreaChangeThreshold is the minimum relative bbox area change since
	// the previous observation. Zero disables the movement gate.
	AreaChangeThreshold float64
	// MaxAge evicts tracks not seen for this long.
	MaxAge time.Duration
	// CleanupInterval throttles eviction sweeps.
	CleanupInterval time.Duration
}

type side uint8

const (
	sideLeft side = iota
	sideRight
)

func (s side) String() string {
	if s == sideLeft {
		return "L"
	}
	return "R"
}

type trackState struct {
	id       int
	lastCX   float64
	lastCY   float64
	lastArea float64
	lastSide side
	lastSeen time.Time
	personID string
	counted  map[events.Direction]bool
}

// Stats is the read-only counter snapshot.
type Stats struct {
	In           int `json:"in_count"`
	Out          int `json:"out_count"`
	ActiveTracks int `json:"active_tracks"`
}

// Engine maintains per-track state and promotes qualifying line crossings
// to events. Not safe for concurrent use: all calls must come from the
// goroutine that owns it.
type Engine struct {
	cfg     Config
	gallery *reid.Gallery
	logger  *slog.Logger

	tracks      map[int]*trackState
	in          int
	out         int
	lastCleanup time.Time
}

// New creates an engine. gallery may be nil to disable Re-ID linkage.
func New(cfg Config, gallery *reid.Gallery, logger *slog.Logger) *Engine {
	if cfg.DirectionIn != DirectionInRL {
		cfg.DirectionIn = DirectionInLR
	}
	return &Engine{
		cfg:     cfg,
		gallery: gallery,
		logger:  logger.With("component", "counter"),
		tracks:  make(map[int]*trackState),
	}
}

// Process consumes one frame's observations and returns the crossing
// events they produced, if any. Returned events have a zero ID until
// stored; their timestamp is the wall clock reading of now.
func (e *Engine) Process(observations []detect.Observation, frame *source.Frame, now time.Time) []events.Event {
	var promoted []events.Event

	for _, obs := range observations {
		if !obs.Valid() {
			e.logger.Debug("Dropping malformed box", "track_id", obs.TrackID, "bbox", obs.BBox)
			continue
		}

		cx := obs.CenterX()
		cy := (obs.BBox[1] + obs.BBox[3]) / 2
		area := obs.Area()
		s := e.sideOf(cx)

		tr, known := e.tracks[obs.TrackID]
		if !known {
			tr = &trackState{id: obs.TrackID, counted: make(map[events.Direction]bool)}
			e.tracks[obs.TrackID] = tr
			e.link(tr, frame, obs, now)
		} else if s != tr.lastSide {
			if ev := e.promote(tr, cx, area, s, now); ev != nil {
				promoted = append(promoted, *ev)
			}
		}

		tr.lastCX, tr.lastCY = cx, cy
		tr.lastArea = area
		tr.lastSide = s
		tr.lastSeen = now
	}

	e.maybeCleanup(now)
	metrics.ActiveTracks.Set(float64(len(e.tracks)))
	return promoted
}

// link asks the gallery for a person match on the first sighting of a
// track and imports that person's already counted directions, so a person
// reappearing under a fresh track id is not counted twice.
func (e *Engine) link(tr *trackState, frame *source.Frame, obs detect.Observation, now time.Time) {
	if e.gallery == nil || frame == nil {
		return
	}
	img, err := frame.Decode()
	if err != nil {
		e.logger.Debug("Frame decode failed, skipping Re-ID", "track_id", tr.id, "error", err)
		return
	}
	personID, counted, ok := e.gallery.Identify(img, obs.BBox, tr.id, now)
	if !ok {
		return
	}
	tr.personID = personID
	for dir, seen := range counted {
		if seen {
			tr.counted[events.Direction(dir)] = true
		}
	}
}

// promote applies the qualification rules to a side change and returns
// the event when all pass.
func (e *Engine) promote(tr *trackState, cx, area float64, s side, now time.Time) *events.Event {
	if math.Abs(cx-e.cfg.LineX) < e.cfg.HysteresisPx {
		return nil
	}
	if relChange(area, tr.lastArea) < e.cfg.AreaChangeThreshold {
		return nil
	}

	dir := e.direction(s)
	if tr.counted[dir] {
		return nil
	}
	if e.gallery != nil && tr.personID != "" && e.gallery.IsCounted(tr.personID, string(dir)) {
		// Another track of the same person already produced this event
		tr.counted[dir] = true
		return nil
	}

	tr.counted[dir] = true
	if dir == events.DirectionIn {
		e.in++
	} else {
		e.out++
	}
	if e.gallery != nil && tr.personID != "" {
		e.gallery.MarkCounted(tr.personID, string(dir))
	}
	metrics.EventsTotal.WithLabelValues(string(dir)).Inc()

	e.logger.Info("Crossing counted",
		"track_id", tr.id,
		"person_id", tr.personID,
		"direction", dir,
		"from", tr.lastSide.String(),
		"to", s.String(),
	)

	return &events.Event{
		Timestamp: now,
		TrackID:   tr.id,
		PersonID:  tr.personID,
		Direction: dir,
	}
}

func (e *Engine) sideOf(cx float64) side {
	if cx < e.cfg.LineX {
		return sideLeft
	}
	return sideRight
}

// direction maps the side just arrived at to IN or OUT.
func (e *Engine) direction(s side) events.Direction {
	movedRight := s == sideRight
	if movedRight == (e.cfg.DirectionIn == DirectionInLR) {
		return events.DirectionIn
	}
	return events.DirectionOut
}

func relChange(area, lastArea float64) float64 {
	return math.Abs(area-lastArea) / math.Max(lastArea, 1)
}

// maybeCleanup sweeps expired tracks at most once per cleanup interval.
func (e *Engine) maybeCleanup(now time.Time) {
	if now.Sub(e.lastCleanup) < e.cfg.CleanupInterval {
		return
	}
	e.lastCleanup = now

	for id, tr := range e.tracks {
		if now.Sub(tr.lastSeen) > e.cfg.MaxAge {
			delete(e.tracks, id)
			e.logger.Debug("Track expired", "track_id", id, "person_id", tr.personID)
		}
	}
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{In: e.in, Out: e.out, ActiveTracks: len(e.tracks)}
}

// Reset zeroes the counters and forgets all tracks. Stored events are
// untouched. With clearGallery the Re-ID gallery is wiped entirely,
// otherwise only its counted directions are cleared so known persons
// count again after the reset.
func (e *Engine) Reset(clearGallery bool) {
	e.in, e.out = 0, 0
	e.tracks = make(map[int]*trackState)
	metrics.ActiveTracks.Set(0)

	if e.gallery != nil {
		if clearGallery {
			e.gallery.Clear()
		} else {
			e.gallery.ResetCounted()
		}
	}
	e.logger.Info("Counters reset", "clear_gallery", clearGallery)
}

// SetLineX moves the counting line. Counted state and sides are recomputed
// so the move itself cannot produce a crossing.
func (e *Engine) SetLineX(x float64) {
	e.cfg.LineX = x
	for _, tr := range e.tracks {
		tr.counted = make(map[events.Direction]bool)
		tr.lastSide = e.sideOf(tr.lastCX)
	}
	e.logger.Info("Counting line moved", "line_x", x)
}

// LineX returns the current counting line position.
func (e *Engine) LineX() float64 { return e.cfg.LineX }

// SetDirectionIn changes which travel direction maps to IN. Directions a
// track has already produced stay counted: the mapping change does not
// un-emit past events.
func (e *Engine) SetDirectionIn(direction string) {
	if direction != DirectionInRL {
		direction = DirectionInLR
	}
	if direction == e.cfg.DirectionIn {
		return
	}
	e.cfg.DirectionIn = direction
	e.logger.Info("Direction mapping changed", "direction_in", direction)
}

// DirectionIn returns the travel direction currently mapped to IN.
func (e *Engine) DirectionIn() string { return e.cfg.DirectionIn }
