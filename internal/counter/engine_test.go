package counter

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/gatecount/gatecount/internal/detect"
	"github.com/gatecount/gatecount/internal/events"
	"github.com/gatecount/gatecount/internal/reid"
	"github.com/gatecount/gatecount/internal/source"
)

func testConfig() Config {
	return Config{
		LineX:               400,
		DirectionIn:         DirectionInLR,
		HysteresisPx:        10,
		AreaChangeThreshold: 0,
		MaxAge:              5 * time.Second,
		CleanupInterval:     time.Second,
	}
}

// obs builds a 100px-wide person box centered at cx with the given area.
func obs(trackID int, cx, area float64) detect.Observation {
	const w = 100.0
	h := area / w
	return detect.Observation{
		TrackID:    trackID,
		BBox:       [4]float64{cx - w/2, 100, cx + w/2, 100 + h},
		Confidence: 0.9,
	}
}

type step struct {
	cx   float64
	area float64
}

func feed(e *Engine, trackID int, steps []step, start time.Time) []events.Event {
	var out []events.Event
	for i, s := range steps {
		ts := start.Add(time.Duration(i) * 100 * time.Millisecond)
		out = append(out, e.Process([]detect.Observation{obs(trackID, s.cx, s.area)}, nil, ts)...)
	}
	return out
}

func feedCenters(e *Engine, trackID int, centers []float64, start time.Time) []events.Event {
	steps := make([]step, len(centers))
	for i, c := range centers {
		steps[i] = step{cx: c, area: 10000}
	}
	return feed(e, trackID, steps, start)
}

func TestSingleCrossingLeftToRight(t *testing.T) {
	e := New(testConfig(), nil, slog.Default())

	got := feedCenters(e, 1, []float64{100, 300, 500, 700}, time.Now())
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].TrackID != 1 || got[0].Direction != events.DirectionIn {
		t.Errorf("event = %+v, want track 1 direction IN", got[0])
	}
	if got[0].ID != 0 {
		t.Errorf("event ID = %d, want 0 before storage", got[0].ID)
	}

	stats := e.Stats()
	if stats.In != 1 || stats.Out != 0 {
		t.Errorf("counts = (%d, %d), want (1, 0)", stats.In, stats.Out)
	}
}

func TestJitterAroundLineSuppressed(t *testing.T) {
	e := New(testConfig(), nil, slog.Default())

	got := feedCenters(e, 1, []float64{395, 405, 395, 405, 395}, time.Now())
	if len(got) != 0 {
		t.Fatalf("got %d events, want 0", len(got))
	}
	stats := e.Stats()
	if stats.In != 0 || stats.Out != 0 {
		t.Errorf("counts = (%d, %d), want (0, 0)", stats.In, stats.Out)
	}
}

func TestHysteresisBoundaryInclusive(t *testing.T) {
	e := New(testConfig(), nil, slog.Default())

	got := feedCenters(e, 1, []float64{390, 410}, time.Now())
	if len(got) != 1 {
		t.Fatalf("got %d events at exactly hysteresis distance, want 1", len(got))
	}
}

func TestAreaGateBlocksLateralCrossing(t *testing.T) {
	cfg := testConfig()
	cfg.AreaChangeThreshold = 0.15
	e := New(cfg, nil, slog.Default())

	got := feedCenters(e, 1, []float64{100, 300, 500, 700}, time.Now())
	if len(got) != 0 {
		t.Fatalf("got %d events for constant-area crossing, want 0", len(got))
	}
}

func TestAreaGatePassesApproach(t *testing.T) {
	cfg := testConfig()
	cfg.AreaChangeThreshold = 0.15
	e := New(cfg, nil, slog.Default())

	got := feed(e, 1, []step{
		{cx: 100, area: 10000},
		{cx: 300, area: 10000},
		{cx: 500, area: 12000},
		{cx: 700, area: 13000},
	}, time.Now())
	if len(got) != 1 {
		t.Fatalf("got %d events for approaching crossing, want 1", len(got))
	}
	if got[0].Direction != events.DirectionIn {
		t.Errorf("direction = %s, want IN", got[0].Direction)
	}
}

func TestPerTrackDeduplication(t *testing.T) {
	e := New(testConfig(), nil, slog.Default())

	got := feedCenters(e, 7, []float64{100, 500, 100, 500, 100, 500}, time.Now())
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (one per direction)", len(got))
	}
	if got[0].Direction != events.DirectionIn || got[1].Direction != events.DirectionOut {
		t.Errorf("directions = [%s %s], want [IN OUT]", got[0].Direction, got[1].Direction)
	}

	stats := e.Stats()
	if stats.In != 1 || stats.Out != 1 {
		t.Errorf("counts = (%d, %d), want (1, 1)", stats.In, stats.Out)
	}
}

func TestTimeoutThenNewTrackCountsAgain(t *testing.T) {
	e := New(testConfig(), nil, slog.Default())
	start := time.Now()

	got := feedCenters(e, 42, []float64{100, 700}, start)
	if len(got) != 1 {
		t.Fatalf("first pass got %d events, want 1", len(got))
	}

	// Idle past max_age so the cleanup sweep evicts track 42.
	e.Process(nil, nil, start.Add(10*time.Second))
	if n := e.Stats().ActiveTracks; n != 0 {
		t.Fatalf("active tracks after expiry = %d, want 0", n)
	}

	got = feedCenters(e, 77, []float64{100, 700}, start.Add(11*time.Second))
	if len(got) != 1 {
		t.Fatalf("reappearance got %d events, want 1", len(got))
	}
	if e.Stats().In != 2 {
		t.Errorf("in count = %d, want 2", e.Stats().In)
	}
}

func TestCleanupThrottledByInterval(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAge = time.Second
	cfg.CleanupInterval = time.Minute
	e := New(cfg, nil, slog.Default())
	start := time.Now()

	feedCenters(e, 1, []float64{100}, start)
	// The first Process already ran a sweep, so this one is inside the
	// throttle window and must leave the stale track alone.
	e.Process(nil, nil, start.Add(30*time.Second))
	if n := e.Stats().ActiveTracks; n != 1 {
		t.Errorf("active tracks = %d, want 1 while sweep is throttled", n)
	}

	e.Process(nil, nil, start.Add(2*time.Minute))
	if n := e.Stats().ActiveTracks; n != 0 {
		t.Errorf("active tracks = %d, want 0 after sweep", n)
	}
}

func personFrame(t *testing.T, c color.RGBA) *source.Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, 255
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return &source.Frame{Data: buf.Bytes(), Width: 640, Height: 480}
}

func testGallery(t *testing.T) *reid.Gallery {
	t.Helper()
	g, err := reid.NewGallery(reid.GalleryConfig{
		Path: filepath.Join(t.TempDir(), "gallery.json"),
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewGallery: %v", err)
	}
	return g
}

func TestReIDSuppressesRecount(t *testing.T) {
	gallery := testGallery(t)
	e := New(testConfig(), gallery, slog.Default())
	start := time.Now()
	frame := personFrame(t, color.RGBA{R: 200, G: 40, B: 40})

	// Track 42 crosses and is counted IN.
	var got []events.Event
	for i, cx := range []float64{100, 700} {
		ts := start.Add(time.Duration(i) * 100 * time.Millisecond)
		got = append(got, e.Process([]detect.Observation{obs(42, cx, 10000)}, frame, ts)...)
	}
	if len(got) != 1 {
		t.Fatalf("first pass got %d events, want 1", len(got))
	}
	if got[0].PersonID == "" {
		t.Fatal("counted event carries no person id")
	}
	person := got[0].PersonID

	// Track expires, the same person reappears as track 77.
	e.Process(nil, nil, start.Add(10*time.Second))

	for i, cx := range []float64{100, 700} {
		ts := start.Add(11*time.Second + time.Duration(i)*100*time.Millisecond)
		got = append(got, e.Process([]detect.Observation{obs(77, cx, 10000)}, frame, ts)...)
	}
	if len(got) != 1 {
		t.Fatalf("reappearance produced extra events: %+v", got[1:])
	}
	if e.Stats().In != 1 {
		t.Errorf("in count = %d, want 1", e.Stats().In)
	}

	// Both tracks link to the one gallery person.
	persons := gallery.Persons()
	if len(persons) != 1 || persons[0].ID != person {
		t.Fatalf("gallery persons = %+v, want just %s", persons, person)
	}
	if ids := persons[0].TrackIDs; len(ids) != 2 || ids[0] != 42 || ids[1] != 77 {
		t.Errorf("linked tracks = %v, want [42 77]", ids)
	}
}

func TestResetAllowsRecountOfKnownPerson(t *testing.T) {
	gallery := testGallery(t)
	e := New(testConfig(), gallery, slog.Default())
	start := time.Now()
	frame := personFrame(t, color.RGBA{R: 40, G: 40, B: 200})

	for i, cx := range []float64{100, 700} {
		e.Process([]detect.Observation{obs(1, cx, 10000)}, frame, start.Add(time.Duration(i)*100*time.Millisecond))
	}
	if e.Stats().In != 1 {
		t.Fatalf("in count = %d, want 1", e.Stats().In)
	}

	e.Reset(false)
	if s := e.Stats(); s.In != 0 || s.Out != 0 || s.ActiveTracks != 0 {
		t.Fatalf("stats after reset = %+v, want zeros", s)
	}
	if gallery.Len() != 1 {
		t.Fatalf("reset without clear dropped persons: %d", gallery.Len())
	}

	// Same person, new track: counted directions were reset, so this
	// crossing counts again.
	for i, cx := range []float64{100, 700} {
		e.Process([]detect.Observation{obs(2, cx, 10000)}, frame, start.Add(time.Second+time.Duration(i)*100*time.Millisecond))
	}
	if e.Stats().In != 1 {
		t.Errorf("in count after reset = %d, want 1", e.Stats().In)
	}
}

func TestResetClearGallery(t *testing.T) {
	gallery := testGallery(t)
	e := New(testConfig(), gallery, slog.Default())
	frame := personFrame(t, color.RGBA{R: 40, G: 200, B: 40})

	e.Process([]detect.Observation{obs(1, 100, 10000)}, frame, time.Now())
	if gallery.Len() != 1 {
		t.Fatalf("gallery size = %d, want 1", gallery.Len())
	}

	e.Reset(true)
	if gallery.Len() != 0 {
		t.Errorf("gallery size after clearing reset = %d, want 0", gallery.Len())
	}
}

func TestResetIdempotent(t *testing.T) {
	e := New(testConfig(), nil, slog.Default())
	feedCenters(e, 1, []float64{100, 700}, time.Now())

	e.Reset(false)
	first := e.Stats()
	e.Reset(false)
	second := e.Stats()

	if first != second {
		t.Errorf("stats diverged across double reset: %+v vs %+v", first, second)
	}
	if second.In != 0 || second.Out != 0 || second.ActiveTracks != 0 {
		t.Errorf("stats after reset = %+v, want zeros", second)
	}
}

func TestDeterministicOverTrace(t *testing.T) {
	trace := []float64{100, 300, 500, 395, 405, 700, 100, 500}
	start := time.Unix(1700000000, 0)

	run := func() []events.Event {
		e := New(testConfig(), nil, slog.Default())
		return feedCenters(e, 3, trace, start)
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("event counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("event %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestMalformedBoxesDropped(t *testing.T) {
	e := New(testConfig(), nil, slog.Default())

	bad := []detect.Observation{
		{TrackID: 1, BBox: [4]float64{500, 100, 100, 200}},      // inverted x
		{TrackID: 2, BBox: [4]float64{math.NaN(), 0, 100, 100}}, // NaN
		{TrackID: 3, BBox: [4]float64{0, 0, math.Inf(1), 100}},  // Inf
		{TrackID: 4, BBox: [4]float64{100, 100, 100, 200}},      // zero width
	}
	got := e.Process(bad, nil, time.Now())
	if len(got) != 0 {
		t.Fatalf("got %d events from malformed boxes, want 0", len(got))
	}
	if n := e.Stats().ActiveTracks; n != 0 {
		t.Errorf("active tracks = %d, want 0", n)
	}
}

func TestSetLineXCannotItselfCount(t *testing.T) {
	e := New(testConfig(), nil, slog.Default())
	start := time.Now()

	feedCenters(e, 1, []float64{100, 500}, start)
	if e.Stats().In != 1 {
		t.Fatalf("in count = %d, want 1", e.Stats().In)
	}

	// Track sits at 500, right of line 400. Moving the line past it must
	// not register the flip to the left side as a crossing.
	e.SetLineX(600)
	got := feedCenters(e, 1, []float64{500}, start.Add(300*time.Millisecond))
	if len(got) != 0 {
		t.Fatalf("line move produced %d events, want 0", len(got))
	}

	// Counted state was cleared with the move, so a real crossing of the
	// new line counts fresh.
	got = e.Process([]detect.Observation{obs(1, 700, 10000)}, nil, start.Add(400*time.Millisecond))
	if len(got) != 1 || got[0].Direction != events.DirectionIn {
		t.Fatalf("crossing of moved line = %+v, want one IN", got)
	}
	if e.LineX() != 600 {
		t.Errorf("line x = %v, want 600", e.LineX())
	}
}

func TestDirectionMappingRightToLeftIn(t *testing.T) {
	cfg := testConfig()
	cfg.DirectionIn = DirectionInRL
	e := New(cfg, nil, slog.Default())

	got := feedCenters(e, 1, []float64{100, 500, 100}, time.Now())
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Direction != events.DirectionOut {
		t.Errorf("L to R with R->L mapping = %s, want OUT", got[0].Direction)
	}
	if got[1].Direction != events.DirectionIn {
		t.Errorf("R to L with R->L mapping = %s, want IN", got[1].Direction)
	}
}

func TestStatsTracksMultiplePeople(t *testing.T) {
	e := New(testConfig(), nil, slog.Default())
	now := time.Now()

	e.Process([]detect.Observation{
		obs(1, 100, 10000),
		obs(2, 700, 9000),
		obs(3, 300, 8000),
	}, nil, now)

	if n := e.Stats().ActiveTracks; n != 3 {
		t.Errorf("active tracks = %d, want 3", n)
	}
}

func TestSetDirectionInRemapsFutureCrossings(t *testing.T) {
	e := New(testConfig(), nil, slog.Default())
	start := time.Now()

	got := feedCenters(e, 1, []float64{100, 500}, start)
	if len(got) != 1 || got[0].Direction != events.DirectionIn {
		t.Fatalf("initial crossing = %+v, want one IN", got)
	}

	e.SetDirectionIn(DirectionInRL)
	if e.DirectionIn() != DirectionInRL {
		t.Fatalf("direction in = %s, want %s", e.DirectionIn(), DirectionInRL)
	}

	// Track 1 already produced IN. Crossing back computes IN again under
	// the flipped mapping, so it stays suppressed.
	got = feedCenters(e, 1, []float64{100}, start.Add(time.Second))
	if len(got) != 0 {
		t.Fatalf("remapped re-crossing = %+v, want none", got)
	}

	// A fresh track crossing right to left counts as IN now.
	got = feedCenters(e, 2, []float64{500, 100}, start.Add(2*time.Second))
	if len(got) != 1 || got[0].Direction != events.DirectionIn {
		t.Fatalf("fresh crossing after remap = %+v, want one IN", got)
	}

	// Invalid values coerce to the default left-to-right mapping.
	e.SetDirectionIn("sideways")
	if e.DirectionIn() != DirectionInLR {
		t.Errorf("direction in = %s, want %s", e.DirectionIn(), DirectionInLR)
	}
}
