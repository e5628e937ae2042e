package worker

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/gatecount/gatecount/internal/counter"
	"github.com/gatecount/gatecount/internal/detect"
	"github.com/gatecount/gatecount/internal/events"
	"github.com/gatecount/gatecount/internal/source"
)

// Annotation palette.
var (
	colorIn       = color.RGBA{G: 255, A: 255}
	colorOut      = color.RGBA{R: 255, A: 255}
	colorTracking = color.RGBA{R: 255, G: 165, A: 255}
	colorLine     = color.RGBA{G: 255, B: 255, A: 255}
	colorPanelBG  = color.RGBA{A: 255}
	colorText     = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const (
	previewJPEGQuality = 80

	panelPad   = 6
	lineHeight = 16

	arrowGap    = 20
	arrowLen    = 40
	arrowOffset = 24
)

// maybeRender refreshes the preview frame at most mjpegFPS times per
// second.
func (w *Worker) maybeRender(frame *source.Frame, obs []detect.Observation, now time.Time) {
	if w.mjpegFPS <= 0 {
		return
	}
	if !w.lastRender.IsZero() && now.Sub(w.lastRender) < time.Second/time.Duration(w.mjpegFPS) {
		return
	}
	w.lastRender = now

	data, err := w.renderFrame(frame, obs)
	if err != nil {
		w.logger.Debug("Preview render failed", "error", err)
		return
	}

	w.annotated.Lock()
	w.annotated.data = data
	w.annotated.frame = frame.Number
	w.annotated.Unlock()
}

// renderFrame draws the tracked boxes, the counting line, the direction
// arrows and the info panel over the frame and re-encodes it.
func (w *Worker) renderFrame(frame *source.Frame, obs []detect.Observation) ([]byte, error) {
	decoded, err := frame.Decode()
	if err != nil {
		return nil, err
	}

	img := image.NewRGBA(decoded.Bounds())
	draw.Draw(img, img.Bounds(), decoded, decoded.Bounds().Min, draw.Src)

	lineX := int(w.engine.LineX())
	drawVLine(img, lineX, colorLine, 2)

	for _, o := range obs {
		if !o.Valid() {
			continue
		}
		c := colorTracking
		switch w.lastDir[o.TrackID] {
		case events.DirectionIn:
			c = colorIn
		case events.DirectionOut:
			c = colorOut
		}
		box := image.Rect(int(o.BBox[0]), int(o.BBox[1]), int(o.BBox[2]), int(o.BBox[3]))
		strokeRect(img, box, c, 2)
		drawBoxLabel(img, box, fmt.Sprintf("ID:%d", o.TrackID), c)
	}

	w.drawArrows(img, lineX)
	w.drawPanel(img)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: previewJPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// drawArrows marks which side of the line counts IN and which OUT.
func (w *Worker) drawArrows(img *image.RGBA, lineX int) {
	b := img.Bounds()
	midY := (b.Min.Y + b.Max.Y) / 2

	leftTail := lineX - arrowGap - arrowLen
	leftHead := lineX - arrowGap
	rightTail := lineX + arrowGap + arrowLen
	rightHead := lineX + arrowGap

	inY := midY - arrowOffset
	outY := midY + arrowOffset

	if w.engine.DirectionIn() == counter.DirectionInLR {
		drawArrow(img, leftTail, leftHead, inY, colorIn)
		drawText(img, leftTail, inY-6, "IN", colorIn)
		drawArrow(img, rightTail, rightHead, outY, colorOut)
		drawText(img, rightHead, outY-6, "OUT", colorOut)
	} else {
		drawArrow(img, rightTail, rightHead, inY, colorIn)
		drawText(img, rightHead, inY-6, "IN", colorIn)
		drawArrow(img, leftTail, leftHead, outY, colorOut)
		drawText(img, leftTail, outY-6, "OUT", colorOut)
	}
}

// drawPanel paints the counter readout in the top-left corner.
func (w *Worker) drawPanel(img *image.RGBA) {
	st := w.engine.Stats()
	lines := []string{
		fmt.Sprintf("IN: %d  OUT: %d", st.In, st.Out),
		fmt.Sprintf("Active: %d", st.ActiveTracks),
		fmt.Sprintf("FPS: %.1f", w.fps),
		"Mode: Line-crossing",
		fmt.Sprintf("Line: x=%d", int(w.engine.LineX())),
	}

	width := 0
	for _, s := range lines {
		if tw := textWidth(s); tw > width {
			width = tw
		}
	}
	fillRect(img, image.Rect(0, 0, width+2*panelPad, len(lines)*lineHeight+2*panelPad), colorPanelBG)

	y := panelPad + basicfont.Face7x13.Ascent
	for _, s := range lines {
		drawText(img, panelPad, y, s, colorText)
		y += lineHeight
	}
}

// drawBoxLabel puts the track id on a filled tag above the box.
func drawBoxLabel(img *image.RGBA, box image.Rectangle, label string, c color.RGBA) {
	h := basicfont.Face7x13.Height
	tag := image.Rect(box.Min.X, box.Min.Y-h-4, box.Min.X+textWidth(label)+4, box.Min.Y)
	fillRect(img, tag, c)
	drawText(img, box.Min.X+2, box.Min.Y-basicfont.Face7x13.Descent-2, label, color.RGBA{A: 255})
}

// fillRect fills r clipped to the image bounds.
func fillRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	draw.Draw(img, r.Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
}

// strokeRect outlines r with the given stroke width.
func strokeRect(img *image.RGBA, r image.Rectangle, c color.RGBA, px int) {
	if r.Empty() {
		return
	}
	fillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+px), c)
	fillRect(img, image.Rect(r.Min.X, r.Max.Y-px, r.Max.X, r.Max.Y), c)
	fillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+px, r.Max.Y), c)
	fillRect(img, image.Rect(r.Max.X-px, r.Min.Y, r.Max.X, r.Max.Y), c)
}

// drawVLine paints a full-height vertical line centered on x.
func drawVLine(img *image.RGBA, x int, c color.RGBA, px int) {
	b := img.Bounds()
	fillRect(img, image.Rect(x-px/2, b.Min.Y, x-px/2+px, b.Max.Y), c)
}

// drawArrow draws a horizontal arrow on row y from tailX to headX.
func drawArrow(img *image.RGBA, tailX, headX, y int, c color.RGBA) {
	drawSeg(img, tailX, y, headX, y, c, 2)
	dir := 1
	if headX < tailX {
		dir = -1
	}
	drawSeg(img, headX, y, headX-dir*10, y-6, c, 2)
	drawSeg(img, headX, y, headX-dir*10, y+6, c, 2)
}

// drawSeg draws a straight segment with a square brush.
func drawSeg(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA, px int) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		fillRect(img, image.Rect(x0, y0, x0+px, y0+px), c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

// drawText renders s with the 7x13 bitmap face; y is the baseline.
func drawText(img *image.RGBA, x, y int, s string, c color.RGBA) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func textWidth(s string) int {
	d := font.Drawer{Face: basicfont.Face7x13}
	return d.MeasureString(s).Ceil()
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
