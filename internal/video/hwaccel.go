// Package video probes ffmpeg hardware decode acceleration for the frame
// source. The probe runs `ffmpeg -hwaccels` once and caches the result.
package video

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Accel identifies an ffmpeg hwaccel method.
type Accel string

const (
	AccelNone         Accel = ""
	AccelCUDA         Accel = "cuda"         // NVIDIA GPU
	AccelVideoToolbox Accel = "videotoolbox" // macOS
	AccelQSV          Accel = "qsv"          // Intel Quick Sync
	AccelVAAPI        Accel = "vaapi"        // Linux VA-API
)

// Result describes the probed decode acceleration.
type Result struct {
	Available   []Accel   `json:"available"`
	Recommended Accel     `json:"recommended"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Probe detects which hwaccel methods the local ffmpeg build offers.
type Probe struct {
	mu     sync.Mutex
	result *Result
	logger *slog.Logger
}

// NewProbe creates a new hardware acceleration probe.
func NewProbe() *Probe {
	return &Probe{
		logger: slog.Default().With("component", "hwaccel"),
	}
}

// Detect lists the ffmpeg hwaccel methods and picks the best usable one.
// Probe failures are not errors; they mean software decode.
func (p *Probe) Detect(ctx context.Context) *Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.result != nil {
		return p.result
	}

	res := &Result{
		Available:  make([]Accel, 0),
		DetectedAt: time.Now(),
	}

	out, err := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-hwaccels").CombinedOutput()
	if err != nil {
		p.logger.Warn("ffmpeg hwaccel probe failed, using software decode", "error", err)
		p.result = res
		return res
	}

	res.Available = filterUsable(parseHWAccels(string(out)))
	if len(res.Available) > 0 {
		res.Recommended = res.Available[0]
	}

	p.logger.Info("Hardware acceleration probed",
		"available", res.Available,
		"recommended", res.Recommended,
	)

	p.result = res
	return res
}

// InputArgs returns the ffmpeg input flags for the recommended method.
func (p *Probe) InputArgs(ctx context.Context) []string {
	return AccelArgs(p.Detect(ctx).Recommended)
}

// AccelArgs returns the ffmpeg decode flags for a specific method.
func AccelArgs(a Accel) []string {
	switch a {
	case AccelCUDA:
		return []string{"-hwaccel", "cuda"}
	case AccelVideoToolbox:
		return []string{"-hwaccel", "videotoolbox"}
	case AccelQSV:
		return []string{"-hwaccel", "qsv"}
	case AccelVAAPI:
		return []string{"-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128"}
	default:
		return nil
	}
}

// parseHWAccels extracts method names from `ffmpeg -hwaccels` output.
// The first line is a header ("Hardware acceleration methods:").
func parseHWAccels(out string) []Accel {
	var methods []Accel
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, ":") {
			continue
		}
		methods = append(methods, Accel(line))
	}
	return methods
}

// filterUsable orders the listed methods by preference and drops the ones
// whose device prerequisites are missing.
func filterUsable(methods []Accel) []Accel {
	listed := make(map[Accel]bool, len(methods))
	for _, m := range methods {
		listed[m] = true
	}

	usable := make([]Accel, 0, len(methods))
	for _, a := range []Accel{AccelCUDA, AccelVideoToolbox, AccelQSV, AccelVAAPI} {
		if !listed[a] {
			continue
		}
		switch a {
		case AccelCUDA:
			if _, err := exec.LookPath("nvidia-smi"); err != nil {
				continue
			}
		case AccelVideoToolbox:
			if runtime.GOOS != "darwin" {
				continue
			}
		case AccelQSV, AccelVAAPI:
			if _, err := os.Stat("/dev/dri/renderD128"); err != nil {
				continue
			}
		}
		usable = append(usable, a)
	}
	return usable
}

// Global probe instance
var (
	defaultProbe     *Probe
	defaultProbeOnce sync.Once
)

// Default returns the process-wide probe.
func Default() *Probe {
	defaultProbeOnce.Do(func() {
		defaultProbe = NewProbe()
	})
	return defaultProbe
}
