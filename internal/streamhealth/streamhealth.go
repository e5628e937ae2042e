// Package streamhealth probes external stream proxy endpoints (HLS playlist
// and WebRTC) and caches the result for health reporting. Deployments that
// serve video through a proxy run the prober in the background; deployments
// reading the camera directly leave it disabled.
package streamhealth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	ModeCamera = "camera"
	ModeVPS    = "vps"

	StatusLive    = "live"
	StatusOffline = "offline"
)

const (
	checkIntervalBase = time.Second
	checkIntervalMax  = 60 * time.Second
	checkTimeout      = 5 * time.Second

	probeUserAgent = "gatecount-stream-health/1.0"
)

// Status is the result of the most recent probe round.
type Status struct {
	Status       string    `json:"status"`
	HLSOK        bool      `json:"hls_ok"`
	WebRTCOK     bool      `json:"webrtc_ok"`
	LastCheckUTC time.Time `json:"last_check_utc"`
}

// Live reports whether at least one endpoint answered.
func (s Status) Live() bool { return s.Status == StatusLive }

// Prober checks the configured stream endpoints on a backoff schedule:
// every second while the proxy answers, doubling up to a minute while it
// does not.
type Prober struct {
	hlsURL    string
	webrtcURL string
	client    *http.Client
	logger    *slog.Logger

	mu       sync.RWMutex
	status   Status
	interval time.Duration
}

// New creates a prober for the given endpoints. Either URL may be empty;
// with both empty the prober is disabled and Run returns immediately.
func New(hlsURL, webrtcURL string) *Prober {
	return &Prober{
		hlsURL:    hlsURL,
		webrtcURL: webrtcURL,
		client:    &http.Client{Timeout: checkTimeout},
		logger:    slog.Default().With("component", "stream_health"),
		status:    Status{Status: StatusOffline},
		interval:  checkIntervalBase,
	}
}

// Enabled reports whether any endpoint is configured.
func (p *Prober) Enabled() bool {
	return p.hlsURL != "" || p.webrtcURL != ""
}

// Mode returns the stream mode reported by health endpoints.
func (p *Prober) Mode() string {
	if p.Enabled() {
		return ModeVPS
	}
	return ModeCamera
}

// Status returns the latest cached probe result.
func (p *Prober) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	if !p.Enabled() {
		p.logger.Debug("No stream endpoints configured, prober idle")
		return
	}

	p.logger.Info("Stream health prober started", "hls", p.hlsURL != "", "webrtc", p.webrtcURL != "")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.CheckNow(ctx)
			p.mu.RLock()
			next := p.interval
			p.mu.RUnlock()
			timer.Reset(next)
		}
	}
}

// CheckNow runs one probe round, updates the cache and adjusts the backoff.
func (p *Prober) CheckNow(ctx context.Context) Status {
	hlsOK := p.checkHLS(ctx)
	webrtcOK := p.checkWebRTC(ctx)

	st := Status{
		Status:       StatusOffline,
		HLSOK:        hlsOK,
		WebRTCOK:     webrtcOK,
		LastCheckUTC: time.Now().UTC(),
	}
	if hlsOK || webrtcOK {
		st.Status = StatusLive
	}

	p.mu.Lock()
	if st.Live() {
		p.interval = checkIntervalBase
	} else {
		p.interval = min(p.interval*2, checkIntervalMax)
	}
	next := p.interval
	p.status = st
	p.mu.Unlock()

	if st.Live() {
		p.logger.Debug("Stream proxy live", "hls_ok", hlsOK, "webrtc_ok", webrtcOK)
	} else {
		p.logger.Warn("Stream proxy offline",
			"hls_ok", hlsOK,
			"webrtc_ok", webrtcOK,
			"next_check", next)
	}
	return st
}

// checkHLS fetches the playlist URL and accepts a 200 that either declares
// an m3u8 content type or starts with the #EXTM3U magic.
func (p *Prober) checkHLS(ctx context.Context) bool {
	if p.hlsURL == "" {
		return false
	}

	resp, err := p.get(ctx, p.hlsURL)
	if err != nil {
		p.logger.Warn("HLS check error", "url", p.hlsURL, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("HLS check failed", "url", p.hlsURL, "status", resp.StatusCode)
		return false
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "mpegurl") || strings.Contains(ct, "m3u8") {
		return true
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<10))
	if strings.HasPrefix(strings.TrimSpace(string(body)), "#EXTM3U") {
		return true
	}

	p.logger.Warn("HLS check got non-playlist response", "url", p.hlsURL, "content_type", ct)
	return false
}

// checkWebRTC fetches the WebRTC endpoint. A 404 still proves the proxy is
// reachable, so it counts as up.
func (p *Prober) checkWebRTC(ctx context.Context) bool {
	if p.webrtcURL == "" {
		return false
	}

	resp, err := p.get(ctx, p.webrtcURL)
	if err != nil {
		p.logger.Warn("WebRTC check error", "url", p.webrtcURL, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		return true
	}
	p.logger.Warn("WebRTC check failed", "url", p.webrtcURL, "status", resp.StatusCode)
	return false
}

func (p *Prober) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", probeUserAgent)
	return p.client.Do(req)
}
