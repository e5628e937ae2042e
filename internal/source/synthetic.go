package source

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"
	"time"
)

// SyntheticSource emits generated frames at a fixed rate. Tests and bench
// rigs use it in place of a camera.
type SyntheticSource struct {
	width    int
	height   int
	interval time.Duration

	number int64
	next   time.Time
	closed chan struct{}
	once   sync.Once
}

// NewSynthetic creates a generator producing width x height frames at fps.
func NewSynthetic(width, height, fps int) *SyntheticSource {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	if fps <= 0 {
		fps = 10
	}
	return &SyntheticSource{
		width:    width,
		height:   height,
		interval: time.Second / time.Duration(fps),
		closed:   make(chan struct{}),
	}
}

// Next generates the next frame, pacing to the configured rate.
func (s *SyntheticSource) Next(ctx context.Context) (*Frame, error) {
	if now := time.Now(); !s.next.IsZero() && now.Before(s.next) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, ErrStreamEnded
		case <-time.After(s.next.Sub(now)):
		}
	}
	select {
	case <-s.closed:
		return nil, ErrStreamEnded
	default:
	}

	s.next = time.Now().Add(s.interval)
	s.number++

	img := s.render()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}

	return &Frame{
		Data:       buf.Bytes(),
		Width:      s.width,
		Height:     s.height,
		Number:     s.number,
		CapturedAt: time.Now(),
		img:        img,
	}, nil
}

// Close ends the stream. Subsequent Next calls return ErrStreamEnded.
func (s *SyntheticSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// render draws a gray field with a dark block sweeping left to right, so
// downstream stages see something that moves.
func (s *SyntheticSource) render() image.Image {
	img := image.NewGray(image.Rect(0, 0, s.width, s.height))
	for i := range img.Pix {
		img.Pix[i] = 0xB0
	}

	blockW, blockH := s.width/8, s.height/3
	span := s.width - blockW
	if span <= 0 {
		span = 1
	}
	x0 := int(s.number*4) % span
	y0 := (s.height - blockH) / 2

	for y := y0; y < y0+blockH; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+s.width]
		for x := x0; x < x0+blockW; x++ {
			row[x] = 0x30
		}
	}
	return img
}
