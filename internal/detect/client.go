package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gatecount/gatecount/internal/metrics"
	"github.com/gatecount/gatecount/internal/source"
)

// Client is an HTTP client for the detector sidecar.
type Client struct {
	mu         sync.RWMutex
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger

	model      string
	confidence float64
	iou        float64

	// Stats
	requestCount int64
	errorCount   int64
	totalLatency time.Duration
}

// ClientConfig holds sidecar client configuration.
type ClientConfig struct {
	BaseURL    string
	Model      string
	Confidence float64
	IOU        float64
	Timeout    time.Duration
}

// NewClient creates a new sidecar client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("detector URL required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:     slog.Default().With("component", "detect_client"),
		model:      cfg.Model,
		confidence: cfg.Confidence,
		iou:        cfg.IOU,
	}, nil
}

// Process posts the frame JPEG to the sidecar and returns the tracked
// observations, filtered by the confidence threshold.
func (c *Client) Process(ctx context.Context, frame *source.Frame) ([]Observation, error) {
	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()

	start := time.Now()

	q := url.Values{}
	q.Set("conf", strconv.FormatFloat(c.confidence, 'f', -1, 64))
	q.Set("iou", strconv.FormatFloat(c.iou, 'f', -1, 64))
	if c.model != "" {
		q.Set("model", c.model)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/detect?"+q.Encode(), bytes.NewReader(frame.Data))
	if err != nil {
		c.countError()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.countError()
		return nil, fmt.Errorf("detect request failed: %w", err)
	}
	defer resp.Body.Close()

	c.mu.Lock()
	c.totalLatency += time.Since(start)
	c.mu.Unlock()

	if resp.StatusCode != http.StatusOK {
		c.countError()
		return nil, fmt.Errorf("detector returned status %d", resp.StatusCode)
	}

	var result struct {
		Observations []Observation `json:"observations"`
		Error        string        `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.countError()
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != "" {
		c.countError()
		return nil, fmt.Errorf("detection failed: %s", result.Error)
	}

	// The sidecar already restricts itself to person boxes; the threshold
	// is enforced again here in case it runs with a looser default.
	obs := result.Observations[:0]
	for _, o := range result.Observations {
		if o.Confidence >= c.confidence {
			obs = append(obs, o)
		}
	}
	return obs, nil
}

func (c *Client) countError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
	metrics.DetectorErrors.Inc()
}

// HealthStatus reports the sidecar state.
type HealthStatus struct {
	Connected   bool   `json:"connected"`
	ModelLoaded bool   `json:"model_loaded"`
	Model       string `json:"model,omitempty"`
}

// Health probes the sidecar. An unreachable sidecar is not an error; it
// reports Connected false so the pipeline can keep running without it.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &HealthStatus{Connected: false}, nil
	}
	defer resp.Body.Close()

	var result struct {
		ModelLoaded bool   `json:"model_loaded"`
		Model       string `json:"model"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.logger.Debug("Malformed health response", "error", err)
		return &HealthStatus{Connected: true}, nil
	}

	return &HealthStatus{
		Connected:   true,
		ModelLoaded: result.ModelLoaded,
		Model:       result.Model,
	}, nil
}

// Stats returns client statistics.
func (c *Client) Stats() (requests int64, errors int64, avgLatency time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	requests = c.requestCount
	errors = c.errorCount
	if requests > 0 {
		avgLatency = c.totalLatency / time.Duration(requests)
	}
	return
}
