// Package source acquires video frames for the counting pipeline. The
// production implementation decodes a camera stream through an ffmpeg
// subprocess; a synthetic generator covers tests and bench rigs.
package source

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"time"
)

// ErrStreamEnded is returned by Next once the underlying stream finished
// and no further frames will arrive.
var ErrStreamEnded = errors.New("stream ended")

// Frame is a single captured frame. Frames are confined to the worker
// goroutine, so lazy decoding below needs no locking.
type Frame struct {
	// Data holds the encoded JPEG as produced by the source.
	Data       []byte
	Width      int
	Height     int
	Number     int64
	CapturedAt time.Time

	img image.Image
}

// Decode returns the decoded image, decoding on first use.
func (f *Frame) Decode() (image.Image, error) {
	if f.img != nil {
		return f.img, nil
	}
	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, err
	}
	f.img = img
	return img, nil
}

// Source produces a sequence of frames. A source is not restartable after
// Close; reconfiguration opens a new instance.
type Source interface {
	// Next blocks until a frame is available, the stream ends, or the
	// context is canceled.
	Next(ctx context.Context) (*Frame, error)
	Close() error
}
