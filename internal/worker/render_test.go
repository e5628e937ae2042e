package worker

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"testing"
	"time"

	"github.com/gatecount/gatecount/internal/counter"
	"github.com/gatecount/gatecount/internal/detect"
	"github.com/gatecount/gatecount/internal/events"
	"github.com/gatecount/gatecount/internal/source"
)

// renderWorker builds a worker for direct render calls, no Run loop.
func renderWorker(t *testing.T, lineX int, directionIn string, mjpegFPS int) *Worker {
	t.Helper()
	engine := counter.New(counter.Config{
		LineX:           float64(lineX),
		DirectionIn:     directionIn,
		HysteresisPx:    10,
		MaxAge:          time.Minute,
		CleanupInterval: time.Second,
	}, nil, slog.Default())
	return New(Config{
		Pipeline: PipelineConfig{ConfigID: 1, Input: "test", LineX: lineX, DirectionIn: directionIn},
		Engine:   engine,
		MJPEGFPS: mjpegFPS,
		Logger:   slog.Default(),
	})
}

func rgbAt(t *testing.T, img image.Image, x, y int) (uint8, uint8, uint8) {
	t.Helper()
	c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
	return c.R, c.G, c.B
}

func TestRenderFrameAnnotates(t *testing.T) {
	w := renderWorker(t, 160, counter.DirectionInLR, 10)
	w.lastDir[3] = events.DirectionIn

	frame := &source.Frame{Data: testJPEG(t, 320, 240), Width: 320, Height: 240, Number: 5}
	obs := []detect.Observation{trackAt(3, 80), trackAt(4, 240)}

	data, err := w.renderFrame(frame, obs)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}

	// Counting line at x=160, clear of boxes and panel.
	if r, g, b := rgbAt(t, img, 160, 230); g < 150 || b < 150 || r > 100 {
		t.Errorf("line pixel = (%d,%d,%d), want cyan", r, g, b)
	}

	// Track 3 crossed IN, so its box edge is green.
	if r, g, b := rgbAt(t, img, 41, 200); g < 150 || r > 100 || b > 100 {
		t.Errorf("IN box edge = (%d,%d,%d), want green", r, g, b)
	}

	// Track 4 has no crossing, so its box edge is orange.
	if r, g, b := rgbAt(t, img, 201, 200); r < 150 || g < 100 || g > 220 || b > 100 {
		t.Errorf("tracking box edge = (%d,%d,%d), want orange", r, g, b)
	}

	// Info panel background is dark and carries bright text.
	if r, g, b := rgbAt(t, img, 3, 3); r > 80 || g > 80 || b > 80 {
		t.Errorf("panel pixel = (%d,%d,%d), want near black", r, g, b)
	}
	bright := false
	for y := 8; y < 24 && !bright; y++ {
		for x := 6; x < 100 && !bright; x++ {
			r, g, b := rgbAt(t, img, x, y)
			bright = int(r)+int(g)+int(b) > 450
		}
	}
	if !bright {
		t.Error("panel has no readable text pixels")
	}

	// Direction arrows: IN on the left of the line, OUT on the right.
	if r, g, b := rgbAt(t, img, 120, 97); g < 150 || r > 100 || b > 100 {
		t.Errorf("IN arrow pixel = (%d,%d,%d), want green", r, g, b)
	}
	if r, g, b := rgbAt(t, img, 190, 145); r < 150 || g > 100 || b > 100 {
		t.Errorf("OUT arrow pixel = (%d,%d,%d), want red", r, g, b)
	}
}

func TestRenderArrowsFollowDirection(t *testing.T) {
	w := renderWorker(t, 160, counter.DirectionInRL, 10)
	frame := &source.Frame{Data: testJPEG(t, 320, 240), Width: 320, Height: 240, Number: 1}

	data, err := w.renderFrame(frame, nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}

	// With R->L mapped to IN the green arrow sits right of the line.
	if r, g, b := rgbAt(t, img, 190, 97); g < 150 || r > 100 || b > 100 {
		t.Errorf("IN arrow pixel = (%d,%d,%d), want green", r, g, b)
	}
	if r, g, b := rgbAt(t, img, 120, 145); r < 150 || g > 100 || b > 100 {
		t.Errorf("OUT arrow pixel = (%d,%d,%d), want red", r, g, b)
	}
}

func TestMaybeRenderThrottles(t *testing.T) {
	w := renderWorker(t, 160, counter.DirectionInLR, 1)
	data := testJPEG(t, 64, 48)
	now := time.Now()

	w.maybeRender(&source.Frame{Data: data, Width: 64, Height: 48, Number: 5}, nil, now)
	buf, n := w.Annotated()
	if len(buf) == 0 || n != 5 {
		t.Fatalf("first render: %d bytes, frame %d", len(buf), n)
	}

	w.maybeRender(&source.Frame{Data: data, Width: 64, Height: 48, Number: 6}, nil, now.Add(100*time.Millisecond))
	if _, n := w.Annotated(); n != 5 {
		t.Errorf("render inside throttle window replaced frame, got %d", n)
	}

	w.maybeRender(&source.Frame{Data: data, Width: 64, Height: 48, Number: 6}, nil, now.Add(1100*time.Millisecond))
	if _, n := w.Annotated(); n != 6 {
		t.Errorf("render after throttle window kept frame %d", n)
	}
}

func TestPreviewDisabled(t *testing.T) {
	w := renderWorker(t, 160, counter.DirectionInLR, 0)
	w.maybeRender(&source.Frame{Data: testJPEG(t, 64, 48), Width: 64, Height: 48, Number: 1}, nil, time.Now())
	if buf, _ := w.Annotated(); buf != nil {
		t.Errorf("preview rendered with mjpeg disabled: %d bytes", len(buf))
	}
}
