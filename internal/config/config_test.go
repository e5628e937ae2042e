package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Create a test config file
	configContent := `
server:
  host: "127.0.0.1"
  port: 9000
system:
  data_dir: "/data"
  timezone: "UTC"
counter:
  line_x: 400
  hysteresis_px: 10
  direction_in: "R->L"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Expected host '127.0.0.1', got '%s'", cfg.Server.Host)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Counter.LineX != 400 {
		t.Errorf("Expected line_x 400, got %d", cfg.Counter.LineX)
	}
	if cfg.Counter.HysteresisPx != 10 {
		t.Errorf("Expected hysteresis_px 10, got %d", cfg.Counter.HysteresisPx)
	}
	if cfg.Counter.DirectionIn != "R->L" {
		t.Errorf("Expected direction_in 'R->L', got '%s'", cfg.Counter.DirectionIn)
	}

	// Unset fields keep defaults
	if cfg.Detection.Confidence != 0.45 {
		t.Errorf("Expected default confidence 0.45, got %g", cfg.Detection.Confidence)
	}
	if cfg.Counter.AreaChangeThreshold != 0.15 {
		t.Errorf("Expected default area threshold 0.15, got %g", cfg.Counter.AreaChangeThreshold)
	}

	// Gallery path derives from the data dir
	want := filepath.Join("/data", "reid_gallery.json")
	if cfg.ReID.GalleryPath != want {
		t.Errorf("Expected gallery path %s, got %s", want, cfg.ReID.GalleryPath)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Missing config file should not be an error: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Expected default port 8000, got %d", cfg.Server.Port)
	}
	if cfg.Video.ResizeWidth != 960 {
		t.Errorf("Expected default resize width 960, got %d", cfg.Video.ResizeWidth)
	}
	if cfg.Counter.DirectionIn != "L->R" {
		t.Errorf("Expected default direction 'L->R', got '%s'", cfg.Counter.DirectionIn)
	}
	if !cfg.ReID.Enabled {
		t.Error("Expected Re-ID enabled by default")
	}
	if cfg.ReID.SimilarityThreshold != 0.65 {
		t.Errorf("Expected default similarity 0.65, got %g", cfg.ReID.SimilarityThreshold)
	}
	if cfg.ReID.MaxPersons != 100 {
		t.Errorf("Expected default max persons 100, got %d", cfg.ReID.MaxPersons)
	}
	if cfg.Bus.StatsIntervalSeconds != 2 {
		t.Errorf("Expected default stats interval 2, got %d", cfg.Bus.StatsIntervalSeconds)
	}
	if cfg.Bus.AnalyticsIntervalSeconds != 30 {
		t.Errorf("Expected default analytics interval 30, got %d", cfg.Bus.AnalyticsIntervalSeconds)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PC_PORT", "8080")
	t.Setenv("PC_DIRECTION_IN", "R->L")
	t.Setenv("PC_MAX_AGE", "2.5")
	t.Setenv("PC_REID_ENABLED", "false")
	t.Setenv("PC_CORS_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("PC_DAHUA_IP", "10.0.0.5")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected port 8080 from env, got %d", cfg.Server.Port)
	}
	if cfg.Counter.DirectionIn != "R->L" {
		t.Errorf("Expected direction 'R->L' from env, got '%s'", cfg.Counter.DirectionIn)
	}
	if cfg.Counter.MaxAgeSeconds != 2.5 {
		t.Errorf("Expected max age 2.5 from env, got %g", cfg.Counter.MaxAgeSeconds)
	}
	if cfg.ReID.Enabled {
		t.Error("Expected Re-ID disabled from env")
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[0] != "http://a.example" {
		t.Errorf("Unexpected CORS origins: %v", cfg.Server.CORSOrigins)
	}
	if cfg.Dahua.IP != "10.0.0.5" {
		t.Errorf("Expected Dahua IP from env, got %s", cfg.Dahua.IP)
	}
}

func TestEnvInvalidValuesIgnored(t *testing.T) {
	t.Setenv("PC_PORT", "not-a-number")
	t.Setenv("PC_CONF_THRESHOLD", "abc")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Invalid env int should keep default, got %d", cfg.Server.Port)
	}
	if cfg.Detection.Confidence != 0.45 {
		t.Errorf("Invalid env float should keep default, got %g", cfg.Detection.Confidence)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad confidence", func(c *Config) { c.Detection.Confidence = 1.5 }},
		{"bad iou", func(c *Config) { c.Detection.IOU = 0 }},
		{"negative hysteresis", func(c *Config) { c.Counter.HysteresisPx = -1 }},
		{"bad area threshold", func(c *Config) { c.Counter.AreaChangeThreshold = 2 }},
		{"bad direction", func(c *Config) { c.Counter.DirectionIn = "UP" }},
		{"zero max age", func(c *Config) { c.Counter.MaxAgeSeconds = 0 }},
		{"zero cleanup interval", func(c *Config) { c.Counter.CleanupIntervalSeconds = 0 }},
		{"bad similarity", func(c *Config) { c.ReID.SimilarityThreshold = -0.1 }},
		{"zero max persons", func(c *Config) { c.ReID.MaxPersons = 0 }},
		{"unknown timezone", func(c *Config) { c.System.Timezone = "Not/AZone" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error for %s", tc.name)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := Default()
	cfg.SetPath(configPath)
	cfg.Counter.LineX = 512
	cfg.Counter.DirectionIn = "R->L"
	cfg.System.Timezone = "UTC"

	if err := cfg.Save(); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}
	if loaded.Counter.LineX != 512 {
		t.Errorf("Expected line_x 512, got %d", loaded.Counter.LineX)
	}
	if loaded.Counter.DirectionIn != "R->L" {
		t.Errorf("Expected direction 'R->L', got '%s'", loaded.Counter.DirectionIn)
	}
	if loaded.System.Timezone != "UTC" {
		t.Errorf("Expected timezone UTC, got '%s'", loaded.System.Timezone)
	}
}

func TestReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("counter:\n  line_x: 100\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Counter.LineX != 100 {
		t.Fatalf("Expected line_x 100, got %d", cfg.Counter.LineX)
	}

	notified := make(chan *Config, 1)
	cfg.OnChange(func(c *Config) { notified <- c })

	if err := os.WriteFile(configPath, []byte("counter:\n  line_x: 250\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	cfg.reload()

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("OnChange callback not invoked")
	}

	if cfg.Counter.LineX != 250 {
		t.Errorf("Expected reloaded line_x 250, got %d", cfg.Counter.LineX)
	}
}

func TestReloadKeepsPreviousOnInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("counter:\n  line_x: 100\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Direction UP fails validation, so the reload must be rejected
	if err := os.WriteFile(configPath, []byte("counter:\n  line_x: 999\n  direction_in: \"UP\"\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	cfg.reload()

	if cfg.Counter.LineX != 100 {
		t.Errorf("Invalid reload should keep previous line_x 100, got %d", cfg.Counter.LineX)
	}
}

func TestCounterDurations(t *testing.T) {
	c := CounterConfig{MaxAgeSeconds: 0.5, CleanupIntervalSeconds: 2}

	if c.MaxAge() != 500*time.Millisecond {
		t.Errorf("Expected max age 500ms, got %v", c.MaxAge())
	}
	if c.CleanupInterval() != 2*time.Second {
		t.Errorf("Expected cleanup interval 2s, got %v", c.CleanupInterval())
	}
}

func TestLocation(t *testing.T) {
	cfg := Default()

	cfg.System.Timezone = "UTC"
	if cfg.Location() != time.UTC {
		t.Error("Expected UTC location")
	}

	cfg.System.Timezone = "Local"
	if cfg.Location() != time.Local {
		t.Error("Expected local location")
	}

	// Unknown zones fall back to local instead of failing
	cfg.System.Timezone = "Not/AZone"
	if cfg.Location() != time.Local {
		t.Error("Expected fallback to local for unknown zone")
	}
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8000

	if cfg.ListenAddr() != "0.0.0.0:8000" {
		t.Errorf("Expected '0.0.0.0:8000', got '%s'", cfg.ListenAddr())
	}
}
