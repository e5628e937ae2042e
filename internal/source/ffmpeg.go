package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config configures an ffmpeg-backed source.
type Config struct {
	// Input is a capture device index ("0"), an RTSP URL, or a file path.
	Input       string
	ResizeWidth int
	// FPS caps the output frame rate. 0 keeps the source rate.
	FPS int
	// HWAccel holds extra input flags from the hardware acceleration probe.
	HWAccel []string
	// CloseGrace is how long Close waits for the decoder to exit (default 2s).
	CloseGrace time.Duration
}

// FFmpegSource decodes a camera stream through an ffmpeg subprocess that
// emits MJPEG on stdout. A reader goroutine splits the byte stream into
// frames; the newest frame always wins when the consumer falls behind.
type FFmpegSource struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	frames chan *Frame
	done   chan struct{}
	grace  time.Duration
	logger *slog.Logger

	mu  sync.Mutex
	err error
}

// Open spawns the decoder. It fails only when the process cannot start;
// a stream that dies right after startup surfaces through Next instead,
// so the caller can back off and reopen.
func Open(cfg Config, logger *slog.Logger) (*FFmpegSource, error) {
	if cfg.Input == "" {
		return nil, fmt.Errorf("no video input configured")
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 2 * time.Second
	}

	args := buildFFmpegArgs(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := &FFmpegSource{
		cmd:    cmd,
		cancel: cancel,
		frames: make(chan *Frame, 1),
		done:   make(chan struct{}),
		grace:  cfg.CloseGrace,
		logger: logger.With("component", "source"),
	}

	s.logger.Info("ffmpeg started",
		"pid", cmd.Process.Pid,
		"input", maskCredentials(cfg.Input),
		"resize_width", cfg.ResizeWidth,
	)

	go s.logStderr(stderr)
	go s.readLoop(stdout)

	return s, nil
}

// Next returns the most recent frame.
func (s *FFmpegSource) Next(ctx context.Context) (*Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-s.frames:
		if !ok {
			return nil, s.runErr()
		}
		return frame, nil
	}
}

// Close kills the decoder and waits briefly for the reader to finish.
func (s *FFmpegSource) Close() error {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(s.grace):
		s.logger.Warn("ffmpeg did not exit within grace period")
	}
	return nil
}

func (s *FFmpegSource) runErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return ErrStreamEnded
	}
	return s.err
}

// readLoop splits the MJPEG stream into frames until the process exits.
func (s *FFmpegSource) readLoop(stdout io.Reader) {
	defer close(s.done)

	br := bufio.NewReaderSize(stdout, 1<<20)
	var buf bytes.Buffer
	var number int64

	for {
		data, err := nextJPEG(br, &buf)
		if err != nil {
			waitErr := s.cmd.Wait()
			s.mu.Lock()
			if waitErr != nil {
				s.err = fmt.Errorf("ffmpeg exited: %w", waitErr)
			} else {
				s.err = ErrStreamEnded
			}
			s.mu.Unlock()
			close(s.frames)
			return
		}

		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			s.logger.Debug("Dropping malformed frame", "error", err)
			continue
		}

		number++
		s.push(&Frame{
			Data:       data,
			Width:      cfg.Width,
			Height:     cfg.Height,
			Number:     number,
			CapturedAt: time.Now(),
		})
	}
}

// push delivers a frame with drop-oldest semantics.
func (s *FFmpegSource) push(frame *Frame) {
	select {
	case s.frames <- frame:
		return
	default:
	}
	select {
	case <-s.frames:
	default:
	}
	select {
	case s.frames <- frame:
	default:
	}
}

func (s *FFmpegSource) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(strings.ToLower(line), "error") {
			s.logger.Warn("ffmpeg", "line", line)
		} else {
			s.logger.Debug("ffmpeg", "line", line)
		}
	}
}

// nextJPEG reads one JPEG (SOI through EOI) from the MJPEG byte stream.
func nextJPEG(br *bufio.Reader, buf *bytes.Buffer) ([]byte, error) {
	// Seek the start-of-image marker
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0xFF {
			continue
		}
		next, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		if next == 0xD8 {
			break
		}
		if next == 0xFF {
			// Could itself start the marker
			_ = br.UnreadByte()
		}
	}

	buf.Reset()
	buf.WriteByte(0xFF)
	buf.WriteByte(0xD8)

	// Copy until the end-of-image marker
	prev := byte(0)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(b)
		if prev == 0xFF && b == 0xD9 {
			out := make([]byte, buf.Len())
			copy(out, buf.Bytes())
			return out, nil
		}
		prev = b
	}
}

// buildFFmpegArgs constructs the decode command. Output is an MJPEG stream
// on stdout.
func buildFFmpegArgs(cfg Config) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, cfg.HWAccel...)

	switch {
	case isDeviceIndex(cfg.Input):
		args = append(args, "-f", "v4l2", "-i", "/dev/video"+cfg.Input)
	case strings.HasPrefix(cfg.Input, "rtsp://"):
		args = append(args,
			"-rtsp_transport", "tcp",
			"-stimeout", "5000000", // 5 second socket timeout (microseconds)
			"-fflags", "+genpts+discardcorrupt",
			"-i", cfg.Input,
		)
	default:
		args = append(args, "-i", cfg.Input)
	}

	if cfg.ResizeWidth > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:-2", cfg.ResizeWidth))
	}
	if cfg.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(cfg.FPS))
	}

	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
	return args
}

// isDeviceIndex reports whether the input names a local capture device.
func isDeviceIndex(input string) bool {
	if input == "" {
		return false
	}
	for _, r := range input {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// maskCredentials hides user:pass@ in a URL for logging.
func maskCredentials(input string) string {
	i := strings.Index(input, "://")
	if i == -1 {
		return input
	}
	rest := input[i+3:]
	at := strings.Index(rest, "@")
	if at == -1 {
		return input
	}
	if slash := strings.Index(rest, "/"); slash != -1 && at > slash {
		return input
	}
	return input[:i+3] + "***:***@" + rest[at+1:]
}
