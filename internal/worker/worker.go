// Package worker runs the counting pipeline: it pulls frames from the
// video source, ships them through the detector sidecar, feeds the
// engine, persists and broadcasts the resulting events, and keeps an
// annotated preview frame for the MJPEG feed. A single goroutine owns
// the source, the detector calls and the engine; everything else talks
// to it through atomic snapshots and a command channel serviced at
// frame boundaries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatecount/gatecount/internal/bus"
	"github.com/gatecount/gatecount/internal/counter"
	"github.com/gatecount/gatecount/internal/detect"
	"github.com/gatecount/gatecount/internal/events"
	"github.com/gatecount/gatecount/internal/metrics"
	"github.com/gatecount/gatecount/internal/source"
	"github.com/gatecount/gatecount/internal/video"
)

// Camera states reported in the status snapshot.
const (
	CameraInitializing = "initializing"
	CameraOnline       = "online"
	CameraOffline      = "offline"
)

const (
	// Source reopen backoff after a failed open.
	openBackoffBase = 500 * time.Millisecond
	openBackoffMax  = 30 * time.Second

	// A single frame wait is bounded so queued commands are serviced
	// during stalls; silenceLimit consecutive empty waits declare the
	// stream dead.
	defaultPollTimeout  = time.Second
	defaultSilenceLimit = 10

	// fpsAlpha smooths the frame rate over roughly 30 frames.
	fpsAlpha = 2.0 / 31.0

	detectWarnEvery = 10 * time.Second
)

// Status is the pipeline snapshot served by the control plane.
type Status struct {
	CameraStatus string  `json:"camera_status"`
	ModelLoaded  bool    `json:"model_loaded"`
	FPS          float64 `json:"fps"`
	ActiveTracks int     `json:"active_tracks"`
	ConfigID     int64   `json:"config_id"`
}

// Stats is the live counter payload broadcast on the bus.
type Stats struct {
	In           int     `json:"in_count"`
	Out          int     `json:"out_count"`
	ActiveTracks int     `json:"active_tracks"`
	CameraStatus string  `json:"camera_status"`
	ModelLoaded  bool    `json:"model_loaded"`
	FPS          float64 `json:"fps"`
}

// PipelineConfig selects the video source and counting geometry. It is
// derived from the active camera settings row.
type PipelineConfig struct {
	// ConfigID is the camera settings row the pipeline runs.
	ConfigID int64
	// Input is handed to the source: device index, RTSP URL, or file.
	Input       string
	ResizeWidth int
	// FPS caps the source rate. 0 keeps the stream rate.
	FPS int
	// LineX is the counting line position. Zero or negative resolves
	// to the frame center on the first frame.
	LineX int
	// DirectionIn maps travel direction to IN ("L->R" or "R->L").
	DirectionIn string
}

// SourceFactory opens a frame source for a pipeline configuration.
type SourceFactory func(cfg source.Config) (source.Source, error)

// Config assembles a worker.
type Config struct {
	Pipeline PipelineConfig
	Engine   *counter.Engine
	Detector detect.Processor
	Recorder *events.Recorder
	Bus      *bus.Bus
	// HWAccel contributes extra decoder input flags. Optional.
	HWAccel *video.Probe
	// OpenSource overrides the ffmpeg source, for tests. Optional.
	OpenSource SourceFactory
	// MJPEGFPS caps preview rendering. 0 disables the preview.
	MJPEGFPS int
	Logger   *slog.Logger
}

type commandKind uint8

const (
	cmdReconfigure commandKind = iota
	cmdReset
	cmdSetLine
)

type command struct {
	kind          commandKind
	pcfg          PipelineConfig
	resetCounters bool
	clearGallery  bool
	lineX         int
	reply         chan error
}

// snapshot is the immutable state published by the Run goroutine.
type snapshot struct {
	cameraStatus string
	modelLoaded  bool
	fps          float64
	in           int
	out          int
	activeTracks int
	configID     int64
}

// Worker owns the frame loop. Construct with New, start with Run; the
// exported methods are safe from any goroutine.
type Worker struct {
	engine     *counter.Engine
	detector   detect.Processor
	recorder   *events.Recorder
	bus        *bus.Bus
	hw         *video.Probe
	openSource SourceFactory
	mjpegFPS   int
	logger     *slog.Logger

	commands chan command
	state    atomic.Pointer[snapshot]

	annotated struct {
		sync.Mutex
		data  []byte
		frame int64
	}

	// Everything below is owned by the Run goroutine.
	pcfg         PipelineConfig
	src          source.Source
	backoff      time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
	pollTimeout  time.Duration
	silenceLimit int
	silence      int
	needLine     bool
	cameraStatus string
	modelLoaded  bool
	fps          float64
	lastFrameAt  time.Time
	lastRender   time.Time
	lastWidth    int
	lastWarn     time.Time
	lastDir      map[int]events.Direction
}

// New assembles a worker. The engine must not be touched by any other
// goroutine once Run starts.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	open := cfg.OpenSource
	if open == nil {
		open = func(sc source.Config) (source.Source, error) {
			return source.Open(sc, logger)
		}
	}

	w := &Worker{
		engine:       cfg.Engine,
		detector:     cfg.Detector,
		recorder:     cfg.Recorder,
		bus:          cfg.Bus,
		hw:           cfg.HWAccel,
		openSource:   open,
		mjpegFPS:     cfg.MJPEGFPS,
		logger:       logger.With("component", "worker"),
		commands:     make(chan command, 8),
		pcfg:         cfg.Pipeline,
		backoffBase:  openBackoffBase,
		backoffMax:   openBackoffMax,
		pollTimeout:  defaultPollTimeout,
		silenceLimit: defaultSilenceLimit,
		cameraStatus: CameraInitializing,
		lastDir:      make(map[int]events.Direction),
	}
	w.backoff = w.backoffBase
	w.publishSnapshot()
	return w
}

// Run drives the pipeline until ctx is canceled, closing the source on
// the way out.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Worker starting",
		"config_id", w.pcfg.ConfigID,
		"line_x", w.pcfg.LineX,
		"direction_in", w.pcfg.DirectionIn,
	)
	defer w.closeSource()

	for ctx.Err() == nil {
		w.drainCommands(ctx)
		if ctx.Err() != nil {
			return
		}

		if w.src == nil {
			w.openCurrent(ctx)
			continue
		}

		frameCtx, cancel := context.WithTimeout(ctx, w.pollTimeout)
		frame, err := w.src.Next(frameCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				w.silence++
				if w.silence < w.silenceLimit {
					continue
				}
				err = fmt.Errorf("no frames for %s", time.Duration(w.silence)*w.pollTimeout)
			}
			w.dropSource(err)
			continue
		}
		w.silence = 0
		w.processFrame(ctx, frame)
	}
}

func (w *Worker) closeSource() {
	if w.src == nil {
		return
	}
	if err := w.src.Close(); err != nil {
		w.logger.Warn("Failed to close video source", "error", err)
	}
	w.src = nil
}

// dropSource handles a mid-stream failure: close, report offline, and
// let the reopen path back off.
func (w *Worker) dropSource(err error) {
	w.logger.Warn("Video source failed", "error", err)
	w.closeSource()
	w.setCameraStatus(CameraOffline, err.Error())
}

// openCurrent opens the configured source, sleeping the backoff delay
// after a failed attempt.
func (w *Worker) openCurrent(ctx context.Context) {
	src, err := w.openSource(w.sourceConfig(ctx, w.pcfg))
	if err != nil {
		w.setCameraStatus(CameraOffline, err.Error())
		w.logger.Warn("Failed to open video source", "retry_in", w.backoff, "error", err)
		w.sleep(ctx, w.backoff)
		w.backoff = min(w.backoff*2, w.backoffMax)
		return
	}
	w.adoptSource(src)
}

// adoptSource installs a freshly opened source and resets per-stream
// state. Counters and tracks are untouched.
func (w *Worker) adoptSource(src source.Source) {
	w.src = src
	w.backoff = w.backoffBase
	w.silence = 0
	w.fps = 0
	w.lastFrameAt = time.Time{}
	w.needLine = w.pcfg.LineX <= 0
	if !w.needLine && float64(w.pcfg.LineX) != w.engine.LineX() {
		w.engine.SetLineX(float64(w.pcfg.LineX))
	}
	w.setCameraStatus(CameraOnline, "")
}

func (w *Worker) sourceConfig(ctx context.Context, pcfg PipelineConfig) source.Config {
	sc := source.Config{
		Input:       pcfg.Input,
		ResizeWidth: pcfg.ResizeWidth,
		FPS:         pcfg.FPS,
	}
	if w.hw != nil {
		sc.HWAccel = w.hw.InputArgs(ctx)
	}
	return sc
}

// sleep waits for d while still serving commands: a reconfigure during
// backoff may install a working source and end the wait early.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case cmd := <-w.commands:
			w.handleCommand(ctx, cmd)
			if w.src != nil {
				return
			}
		}
	}
}

func (w *Worker) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-w.commands:
			w.handleCommand(ctx, cmd)
		default:
			return
		}
	}
}

func (w *Worker) handleCommand(ctx context.Context, cmd command) {
	var err error
	switch cmd.kind {
	case cmdReconfigure:
		err = w.applyReconfigure(ctx, cmd)
	case cmdReset:
		w.engine.Reset(cmd.clearGallery)
		w.lastDir = make(map[int]events.Direction)
		w.publishSnapshot()
		w.publishStatus(bus.StatusCounterReset, "")
		w.logger.Info("Counters reset", "clear_gallery", cmd.clearGallery)
	case cmdSetLine:
		err = w.applySetLine(cmd.lineX)
	}
	cmd.reply <- err
}

// applyReconfigure opens the new source before touching the running
// one, so a bad configuration never leaves the pipeline source-less.
func (w *Worker) applyReconfigure(ctx context.Context, cmd command) error {
	src, err := w.openSource(w.sourceConfig(ctx, cmd.pcfg))
	if err != nil {
		w.logger.Warn("Reconfigure could not open source, keeping current",
			"config_id", cmd.pcfg.ConfigID, "error", err)
		return fmt.Errorf("open source: %w", err)
	}

	w.closeSource()
	w.pcfg = cmd.pcfg
	w.engine.SetDirectionIn(cmd.pcfg.DirectionIn)
	if cmd.resetCounters {
		w.engine.Reset(false)
		w.lastDir = make(map[int]events.Direction)
	}
	w.adoptSource(src)
	w.publishSnapshot()
	w.publishStatus(bus.StatusSettingsSaved, fmt.Sprintf("camera config %d active", cmd.pcfg.ConfigID))
	w.logger.Info("Pipeline reconfigured",
		"config_id", cmd.pcfg.ConfigID,
		"line_x", cmd.pcfg.LineX,
		"direction_in", cmd.pcfg.DirectionIn,
	)
	return nil
}

func (w *Worker) applySetLine(x int) error {
	if x <= 0 {
		return fmt.Errorf("line x must be positive, got %d", x)
	}
	if w.lastWidth > 0 && x >= w.lastWidth {
		return fmt.Errorf("line x %d outside frame width %d", x, w.lastWidth)
	}
	w.engine.SetLineX(float64(x))
	w.pcfg.LineX = x
	w.needLine = false
	w.publishSnapshot()
	return nil
}

func (w *Worker) processFrame(ctx context.Context, frame *source.Frame) {
	now := time.Now()
	w.observeFrame(now)
	if frame.Width > 0 {
		w.lastWidth = frame.Width
	}

	if w.needLine && frame.Width > 0 {
		w.pcfg.LineX = frame.Width / 2
		w.engine.SetLineX(float64(w.pcfg.LineX))
		w.needLine = false
	}

	obs, err := w.detector.Process(ctx, frame)
	if err != nil {
		metrics.DetectorErrors.Inc()
		w.modelLoaded = false
		if now.Sub(w.lastWarn) >= detectWarnEvery {
			w.lastWarn = now
			w.logger.Warn("Detection failed, counting continues without observations", "error", err)
		}
		obs = nil
	} else {
		w.modelLoaded = true
	}

	evs := w.engine.Process(obs, frame, now)
	for i := range evs {
		stored := w.recorder.Record(ctx, &evs[i])
		if err := w.bus.PublishEvent(stored); err != nil {
			w.logger.Warn("Failed to publish event", "error", err)
		}
	}
	w.rememberDirections(obs, evs)

	metrics.FramesProcessed.Inc()
	w.publishSnapshot()
	w.maybeRender(frame, obs, now)
}

// rememberDirections keeps the last crossing direction per live track
// for preview coloring, dropping tracks that left the frame.
func (w *Worker) rememberDirections(obs []detect.Observation, evs []events.Event) {
	for i := range evs {
		w.lastDir[evs[i].TrackID] = evs[i].Direction
	}
	if len(w.lastDir) == 0 {
		return
	}
	seen := make(map[int]bool, len(obs))
	for _, o := range obs {
		seen[o.TrackID] = true
	}
	for id := range w.lastDir {
		if !seen[id] {
			delete(w.lastDir, id)
		}
	}
}

// observeFrame folds the frame interval into the smoothed rate.
func (w *Worker) observeFrame(now time.Time) {
	if !w.lastFrameAt.IsZero() {
		if dt := now.Sub(w.lastFrameAt).Seconds(); dt > 0 {
			inst := 1 / dt
			if w.fps == 0 {
				w.fps = inst
			} else {
				w.fps += fpsAlpha * (inst - w.fps)
			}
			metrics.FPS.Set(w.fps)
		}
	}
	w.lastFrameAt = now
}

// setCameraStatus records a state change and publishes the transition.
func (w *Worker) setCameraStatus(status, detail string) {
	if w.cameraStatus == status {
		return
	}
	w.cameraStatus = status
	w.publishSnapshot()

	switch status {
	case CameraOnline:
		w.publishStatus(bus.StatusCameraOnline, detail)
		w.logger.Info("Camera online", "config_id", w.pcfg.ConfigID)
	case CameraOffline:
		w.publishStatus(bus.StatusCameraOffline, detail)
	}
}

func (w *Worker) publishStatus(state, detail string) {
	if err := w.bus.PublishStatus(state, detail); err != nil {
		w.logger.Debug("Failed to publish status", "state", state, "error", err)
	}
}

// publishSnapshot stores an immutable copy of the loop state for the
// accessors. Only the Run goroutine may call it.
func (w *Worker) publishSnapshot() {
	st := w.engine.Stats()
	w.state.Store(&snapshot{
		cameraStatus: w.cameraStatus,
		modelLoaded:  w.modelLoaded,
		fps:          w.fps,
		in:           st.In,
		out:          st.Out,
		activeTracks: st.ActiveTracks,
		configID:     w.pcfg.ConfigID,
	})
}

// Status returns the pipeline snapshot for the control plane.
func (w *Worker) Status() Status {
	s := w.state.Load()
	return Status{
		CameraStatus: s.cameraStatus,
		ModelLoaded:  s.modelLoaded,
		FPS:          round1(s.fps),
		ActiveTracks: s.activeTracks,
		ConfigID:     s.configID,
	}
}

// Stats returns the live counter payload broadcast on the bus.
func (w *Worker) Stats() Stats {
	s := w.state.Load()
	return Stats{
		In:           s.in,
		Out:          s.out,
		ActiveTracks: s.activeTracks,
		CameraStatus: s.cameraStatus,
		ModelLoaded:  s.modelLoaded,
		FPS:          round1(s.fps),
	}
}

// Annotated returns the latest preview JPEG and its frame number. The
// buffer is replaced, never mutated, so callers may hold it.
func (w *Worker) Annotated() ([]byte, int64) {
	w.annotated.Lock()
	defer w.annotated.Unlock()
	return w.annotated.data, w.annotated.frame
}

// Reconfigure swaps the pipeline to a new camera configuration. The
// current source keeps running when the new one cannot be opened.
func (w *Worker) Reconfigure(ctx context.Context, pcfg PipelineConfig, resetCounters bool) error {
	return w.send(ctx, command{kind: cmdReconfigure, pcfg: pcfg, resetCounters: resetCounters})
}

// Reset zeroes the counters. Stored events are preserved; with
// clearGallery the Re-ID gallery is wiped as well.
func (w *Worker) Reset(ctx context.Context, clearGallery bool) error {
	return w.send(ctx, command{kind: cmdReset, clearGallery: clearGallery})
}

// SetLineX moves the counting line, validated against the last seen
// frame width.
func (w *Worker) SetLineX(ctx context.Context, x int) error {
	return w.send(ctx, command{kind: cmdSetLine, lineX: x})
}

func (w *Worker) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case w.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
