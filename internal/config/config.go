// Package config provides configuration management for the people counter service
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config represents the main service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	System    SystemConfig    `yaml:"system"`
	Video     VideoConfig     `yaml:"video"`
	Detection DetectionConfig `yaml:"detection"`
	Counter   CounterConfig   `yaml:"counter"`
	ReID      ReIDConfig      `yaml:"reid"`
	Auth      AuthConfig      `yaml:"auth"`
	Bus       BusConfig       `yaml:"bus"`
	Streams   StreamsConfig   `yaml:"streams"`
	Dahua     DahuaConfig     `yaml:"dahua"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	DataDir  string        `yaml:"data_dir"`
	Timezone string        `yaml:"timezone"`
	Logging  LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// VideoConfig holds frame source settings
type VideoConfig struct {
	// CameraIndex selects a local capture device when Source is empty
	CameraIndex int `yaml:"camera_index"`
	// Source overrides the device index: an RTSP URL or a proxied stream path
	Source      string `yaml:"source,omitempty"`
	ResizeWidth int    `yaml:"resize_width"`
	MJPEGFPS    int    `yaml:"mjpeg_fps"`
}

// DetectionConfig holds detection sidecar settings
type DetectionConfig struct {
	DetectorURL    string  `yaml:"detector_url"`
	Model          string  `yaml:"model"`
	Confidence     float64 `yaml:"confidence"`
	IOU            float64 `yaml:"iou"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// CounterConfig holds line crossing settings
type CounterConfig struct {
	// LineX is the vertical line position in pixels. 0 means the frame center.
	LineX                  int     `yaml:"line_x"`
	HysteresisPx           int     `yaml:"hysteresis_px"`
	AreaChangeThreshold    float64 `yaml:"area_change_threshold"`
	DirectionIn            string  `yaml:"direction_in"`
	MaxAgeSeconds          float64 `yaml:"max_age_seconds"`
	CleanupIntervalSeconds float64 `yaml:"cleanup_interval_seconds"`
}

// MaxAge returns the track expiry age as a duration
func (c CounterConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds * float64(time.Second))
}

// CleanupInterval returns the minimum time between track sweeps
func (c CounterConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds * float64(time.Second))
}

// ReIDConfig holds person re-identification settings
type ReIDConfig struct {
	Enabled             bool    `yaml:"enabled"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxPersons          int     `yaml:"max_persons"`
	GalleryPath         string  `yaml:"gallery_path"`
	UpdateEmbeddings    bool    `yaml:"update_embeddings"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`
	TokenTTLHours int    `yaml:"token_ttl_hours"`
}

// TokenTTL returns the access token lifetime
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLHours) * time.Hour
}

// BusConfig holds periodic broadcast settings
type BusConfig struct {
	StatsIntervalSeconds     int `yaml:"stats_interval_seconds"`
	AnalyticsIntervalSeconds int `yaml:"analytics_interval_seconds"`
}

// StatsInterval returns how often live stats are broadcast
func (b BusConfig) StatsInterval() time.Duration {
	return time.Duration(b.StatsIntervalSeconds) * time.Second
}

// AnalyticsInterval returns how often analytics snapshots are broadcast
func (b BusConfig) AnalyticsInterval() time.Duration {
	return time.Duration(b.AnalyticsIntervalSeconds) * time.Second
}

// StreamsConfig holds optional external stream endpoints probed for /health
type StreamsConfig struct {
	HLSURL    string `yaml:"hls_url,omitempty"`
	WebRTCURL string `yaml:"webrtc_url,omitempty"`
}

// DahuaConfig holds defaults used to seed camera settings on first run
type DahuaConfig struct {
	IP       string `yaml:"ip"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Channel  int    `yaml:"channel"`
	Subtype  int    `yaml:"subtype"`
}

// Default returns a configuration populated with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"*"},
		},
		System: SystemConfig{
			DataDir:  "./data",
			Timezone: "Local",
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Video: VideoConfig{
			CameraIndex: 0,
			ResizeWidth: 960,
			MJPEGFPS:    15,
		},
		Detection: DetectionConfig{
			DetectorURL:    "http://127.0.0.1:8500",
			Model:          "yolov8n.pt",
			Confidence:     0.45,
			IOU:            0.5,
			TimeoutSeconds: 5,
		},
		Counter: CounterConfig{
			LineX:                  0,
			HysteresisPx:           5,
			AreaChangeThreshold:    0.15,
			DirectionIn:            "L->R",
			MaxAgeSeconds:          5,
			CleanupIntervalSeconds: 1,
		},
		ReID: ReIDConfig{
			Enabled:             true,
			SimilarityThreshold: 0.65,
			MaxPersons:          100,
			UpdateEmbeddings:    true,
		},
		Auth: AuthConfig{
			JWTSecret:     "change-me-in-production",
			AdminUsername: "admin",
			AdminPassword: "admin",
			TokenTTLHours: 24,
		},
		Bus: BusConfig{
			StatsIntervalSeconds:     2,
			AnalyticsIntervalSeconds: 30,
		},
		Dahua: DahuaConfig{
			IP:       "192.168.0.200",
			Port:     554,
			Username: "admin",
			Channel:  1,
			Subtype:  0,
		},
	}
}

// Load loads configuration from a YAML file, overlaying PC_* environment
// variables on top. A missing file is not an error: defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	// Create a copy for saving (without mutex)
	cfgCopy := &Config{
		Server:    c.Server,
		System:    c.System,
		Video:     c.Video,
		Detection: c.Detection,
		Counter:   c.Counter,
		ReID:      c.ReID,
		Auth:      c.Auth,
		Bus:       c.Bus,
		Streams:   c.Streams,
		Dahua:     c.Dahua,
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header
	header := "# People Counter Configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching for configuration file changes
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("Failed to reload config, keeping previous", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Server = newCfg.Server
	c.System = newCfg.System
	c.Video = newCfg.Video
	c.Detection = newCfg.Detection
	c.Counter = newCfg.Counter
	c.ReID = newCfg.ReID
	c.Auth = newCfg.Auth
	c.Bus = newCfg.Bus
	c.Streams = newCfg.Streams
	c.Dahua = newCfg.Dahua
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// ListenAddr returns the host:port the HTTP server binds to
func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Location resolves the configured timezone, falling back to the
// system local zone when the name cannot be loaded.
func (c *Config) Location() *time.Location {
	c.mu.RLock()
	tz := c.System.Timezone
	c.mu.RUnlock()

	switch tz {
	case "", "Local":
		return time.Local
	case "UTC":
		return time.UTC
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("Unknown timezone, using local", "timezone", tz)
		return time.Local
	}
	return loc
}

// setDefaults fills derived values for unset fields
func (c *Config) setDefaults() {
	if c.ReID.GalleryPath == "" {
		c.ReID.GalleryPath = filepath.Join(c.System.DataDir, "reid_gallery.json")
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "json"
	}
}

// Validate checks configuration invariants. Invalid values reject the
// whole configuration so the caller keeps the previous one.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Video.ResizeWidth < 0 {
		problems = append(problems, "video.resize_width must not be negative")
	}
	if c.Video.MJPEGFPS < 1 {
		problems = append(problems, "video.mjpeg_fps must be at least 1")
	}
	if c.Detection.Confidence <= 0 || c.Detection.Confidence > 1 {
		problems = append(problems, fmt.Sprintf("detection.confidence %g outside (0, 1]", c.Detection.Confidence))
	}
	if c.Detection.IOU <= 0 || c.Detection.IOU > 1 {
		problems = append(problems, fmt.Sprintf("detection.iou %g outside (0, 1]", c.Detection.IOU))
	}
	if c.Counter.LineX < 0 {
		problems = append(problems, "counter.line_x must not be negative")
	}
	if c.Counter.HysteresisPx < 0 {
		problems = append(problems, "counter.hysteresis_px must not be negative")
	}
	if c.Counter.AreaChangeThreshold < 0 || c.Counter.AreaChangeThreshold > 1 {
		problems = append(problems, fmt.Sprintf("counter.area_change_threshold %g outside [0, 1]", c.Counter.AreaChangeThreshold))
	}
	if c.Counter.DirectionIn != "L->R" && c.Counter.DirectionIn != "R->L" {
		problems = append(problems, fmt.Sprintf("counter.direction_in %q must be L->R or R->L", c.Counter.DirectionIn))
	}
	if c.Counter.MaxAgeSeconds <= 0 {
		problems = append(problems, "counter.max_age_seconds must be positive")
	}
	if c.Counter.CleanupIntervalSeconds <= 0 {
		problems = append(problems, "counter.cleanup_interval_seconds must be positive")
	}
	if c.ReID.SimilarityThreshold < 0 || c.ReID.SimilarityThreshold > 1 {
		problems = append(problems, fmt.Sprintf("reid.similarity_threshold %g outside [0, 1]", c.ReID.SimilarityThreshold))
	}
	if c.ReID.MaxPersons < 1 {
		problems = append(problems, "reid.max_persons must be at least 1")
	}
	if c.Auth.TokenTTLHours < 1 {
		problems = append(problems, "auth.token_ttl_hours must be at least 1")
	}
	if c.Bus.StatsIntervalSeconds < 1 {
		problems = append(problems, "bus.stats_interval_seconds must be at least 1")
	}
	if c.Bus.AnalyticsIntervalSeconds < 1 {
		problems = append(problems, "bus.analytics_interval_seconds must be at least 1")
	}

	switch c.System.Timezone {
	case "", "Local", "UTC":
	default:
		if _, err := time.LoadLocation(c.System.Timezone); err != nil {
			problems = append(problems, fmt.Sprintf("system.timezone %q unknown", c.System.Timezone))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// applyEnv overrides configuration fields from PC_* environment variables
func (c *Config) applyEnv() {
	envString("PC_HOST", &c.Server.Host)
	envInt("PC_PORT", &c.Server.Port)
	envStringSlice("PC_CORS_ORIGINS", &c.Server.CORSOrigins)

	envString("PC_DATA_DIR", &c.System.DataDir)
	envString("PC_TIMEZONE", &c.System.Timezone)
	envString("PC_LOG_LEVEL", &c.System.Logging.Level)
	envString("PC_LOG_FORMAT", &c.System.Logging.Format)

	envInt("PC_CAMERA_INDEX", &c.Video.CameraIndex)
	envString("PC_VIDEO_SOURCE", &c.Video.Source)
	envInt("PC_RESIZE_WIDTH", &c.Video.ResizeWidth)
	envInt("PC_MJPEG_FPS", &c.Video.MJPEGFPS)

	envString("PC_DETECTOR_URL", &c.Detection.DetectorURL)
	envString("PC_MODEL_NAME", &c.Detection.Model)
	envFloat("PC_CONF_THRESHOLD", &c.Detection.Confidence)
	envFloat("PC_IOU_THRESHOLD", &c.Detection.IOU)

	envInt("PC_LINE_X", &c.Counter.LineX)
	envInt("PC_HYSTERESIS_PX", &c.Counter.HysteresisPx)
	envFloat("PC_AREA_CHANGE_THRESHOLD", &c.Counter.AreaChangeThreshold)
	envString("PC_DIRECTION_IN", &c.Counter.DirectionIn)
	envFloat("PC_MAX_AGE", &c.Counter.MaxAgeSeconds)
	envFloat("PC_CLEANUP_INTERVAL", &c.Counter.CleanupIntervalSeconds)

	envBool("PC_REID_ENABLED", &c.ReID.Enabled)
	envFloat("PC_REID_SIMILARITY_THRESHOLD", &c.ReID.SimilarityThreshold)
	envInt("PC_REID_MAX_PERSONS", &c.ReID.MaxPersons)
	envString("PC_REID_GALLERY_PATH", &c.ReID.GalleryPath)
	envBool("PC_REID_UPDATE_EMBEDDINGS", &c.ReID.UpdateEmbeddings)

	envString("PC_JWT_SECRET", &c.Auth.JWTSecret)
	envString("PC_ADMIN_USERNAME", &c.Auth.AdminUsername)
	envString("PC_ADMIN_PASSWORD", &c.Auth.AdminPassword)
	envInt("PC_TOKEN_TTL_HOURS", &c.Auth.TokenTTLHours)

	envInt("PC_STATS_INTERVAL", &c.Bus.StatsIntervalSeconds)
	envInt("PC_ANALYTICS_INTERVAL", &c.Bus.AnalyticsIntervalSeconds)

	envString("PC_HLS_URL", &c.Streams.HLSURL)
	envString("PC_WEBRTC_URL", &c.Streams.WebRTCURL)

	envString("PC_DAHUA_IP", &c.Dahua.IP)
	envInt("PC_DAHUA_PORT", &c.Dahua.Port)
	envString("PC_DAHUA_USERNAME", &c.Dahua.Username)
	envString("PC_DAHUA_PASSWORD", &c.Dahua.Password)
	envInt("PC_DAHUA_CHANNEL", &c.Dahua.Channel)
	envInt("PC_DAHUA_SUBTYPE", &c.Dahua.Subtype)
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envStringSlice(name string, dst *[]string) {
	if v, ok := os.LookupEnv(name); ok {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("Ignoring invalid integer environment variable", "name", name, "value", v)
			return
		}
		*dst = n
	}
}

func envFloat(name string, dst *float64) {
	if v, ok := os.LookupEnv(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			slog.Warn("Ignoring invalid float environment variable", "name", name, "value", v)
			return
		}
		*dst = f
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("Ignoring invalid boolean environment variable", "name", name, "value", v)
			return
		}
		*dst = b
	}
}
