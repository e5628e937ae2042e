// Command gatecount runs the people counter service: a video pipeline
// that counts line crossings through a detector sidecar, persists them
// to SQLite and serves the dashboard API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatecount/gatecount/internal/analytics"
	"github.com/gatecount/gatecount/internal/api"
	"github.com/gatecount/gatecount/internal/auth"
	"github.com/gatecount/gatecount/internal/bus"
	"github.com/gatecount/gatecount/internal/camera"
	"github.com/gatecount/gatecount/internal/config"
	"github.com/gatecount/gatecount/internal/counter"
	"github.com/gatecount/gatecount/internal/database"
	"github.com/gatecount/gatecount/internal/detect"
	"github.com/gatecount/gatecount/internal/events"
	"github.com/gatecount/gatecount/internal/export"
	"github.com/gatecount/gatecount/internal/metrics"
	"github.com/gatecount/gatecount/internal/reid"
	"github.com/gatecount/gatecount/internal/streamhealth"
	"github.com/gatecount/gatecount/internal/video"
	"github.com/gatecount/gatecount/internal/worker"
)

const version = "2.0.0"

func main() {
	// Bootstrap logging from the environment; the config file may adjust
	// level and format once it is loaded.
	slog.SetDefault(newLogger(os.Getenv("PC_LOG_LEVEL"), "json"))

	cfg, err := config.Load(findConfigFile())
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.System.Logging.Level, cfg.System.Logging.Format))
	logger := slog.Default()

	slog.Info("Starting people counter",
		"version", version,
		"config", cfg.GetPath(),
		"data_dir", cfg.System.DataDir,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.System.DataDir, 0o755); err != nil {
		slog.Error("Failed to create data directory", "path", cfg.System.DataDir, "error", err)
		os.Exit(1)
	}

	db, err := database.Open(database.DefaultConfig(cfg.System.DataDir))
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}

	migrator := database.NewMigrator(db)
	if err := migrator.Run(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	metrics.RegisterDBStats(db.Stats)

	b, err := bus.New(bus.Config{}, logger)
	if err != nil {
		slog.Error("Failed to start event bus", "error", err)
		os.Exit(1)
	}

	authenticator, err := auth.New(auth.Config{
		Username: cfg.Auth.AdminUsername,
		Password: cfg.Auth.AdminPassword,
		Secret:   cfg.Auth.JWTSecret,
		TokenTTL: cfg.Auth.TokenTTL(),
	})
	if err != nil {
		slog.Error("Failed to initialize authentication", "error", err)
		os.Exit(1)
	}

	gallery, err := reid.NewGallery(reid.GalleryConfig{
		SimilarityThreshold: cfg.ReID.SimilarityThreshold,
		MaxPersons:          cfg.ReID.MaxPersons,
		Path:                cfg.ReID.GalleryPath,
		UpdateEmbeddings:    cfg.ReID.UpdateEmbeddings,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize Re-ID gallery", "error", err)
		os.Exit(1)
	}

	settingsSvc := camera.NewService(db)
	settings, err := settingsSvc.Seed(ctx, cfg.Dahua)
	if err != nil {
		slog.Error("Failed to load camera settings", "error", err)
		os.Exit(1)
	}
	pcfg := bootPipeline(settings, cfg)

	// Disabling Re-ID detaches the gallery from the engine only; the
	// admin endpoints keep serving whatever the gallery already holds.
	engineGallery := gallery
	if !cfg.ReID.Enabled {
		engineGallery = nil
	}

	engine := counter.New(counter.Config{
		LineX:               float64(pcfg.LineX),
		DirectionIn:         pcfg.DirectionIn,
		HysteresisPx:        float64(cfg.Counter.HysteresisPx),
		AreaChangeThreshold: cfg.Counter.AreaChangeThreshold,
		MaxAge:              cfg.Counter.MaxAge(),
		CleanupInterval:     cfg.Counter.CleanupInterval(),
	}, engineGallery, logger)

	detector, err := detect.NewClient(detect.ClientConfig{
		BaseURL:    cfg.Detection.DetectorURL,
		Model:      cfg.Detection.Model,
		Confidence: cfg.Detection.Confidence,
		IOU:        cfg.Detection.IOU,
		Timeout:    time.Duration(cfg.Detection.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		slog.Error("Failed to configure detector client", "error", err)
		os.Exit(1)
	}

	store := events.NewStore(db)
	recorder := events.NewRecorder(store)
	go recorder.Run(ctx)

	w := worker.New(worker.Config{
		Pipeline: pcfg,
		Engine:   engine,
		Detector: detector,
		Recorder: recorder,
		Bus:      b,
		HWAccel:  video.Default(),
		MJPEGFPS: cfg.Video.MJPEGFPS,
		Logger:   logger,
	})
	go w.Run(ctx)

	loc := cfg.Location()
	analyticsSvc := analytics.New(store, loc)
	publisher := worker.NewPublisher(w, analyticsSvc, b, cfg.Bus.StatsInterval(), cfg.Bus.AnalyticsInterval())
	go publisher.Run(ctx)

	prober := streamhealth.New(cfg.Streams.HLSURL, cfg.Streams.WebRTCURL)
	go prober.Run(ctx)

	hub := api.NewHub(api.HubConfig{
		Stats:       func() interface{} { return w.Stats() },
		OnSubscribe: func() { publisher.PublishAnalytics(ctx) },
	})
	if err := hub.AttachBus(b); err != nil {
		slog.Error("Failed to attach websocket hub to event bus", "error", err)
		os.Exit(1)
	}
	go hub.Run(ctx)

	started := time.Now()
	router := setupRouter(routes{
		authenticator: authenticator,
		auth:          api.NewAuthHandler(authenticator),
		camera:        api.NewCameraHandler(settingsSvc, w, cfg.Video, cfg.Dahua),
		counter:       api.NewCounterHandler(w),
		events:        api.NewEventsHandler(store),
		analytics:     api.NewAnalyticsHandler(analyticsSvc, loc),
		export:        api.NewExportHandler(export.New(store, loc)),
		reid:          api.NewReIDHandler(gallery),
		system:        api.NewSystemHandler(w, db, migrator, started),
		health:        api.NewHealthHandler(w, prober, started),
		video:         api.NewVideoHandler(w),
		hub:           hub,
		corsOrigins:   cfg.Server.CORSOrigins,
	})

	addr := cfg.ListenAddr()
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No write timeout: /video_feed and /ws stream for the lifetime
		// of the connection. The /api group carries its own timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Config edits apply to logging immediately; everything else picks up
	// new values through the settings endpoints.
	cfg.OnChange(func(c *config.Config) {
		slog.SetDefault(newLogger(c.System.Logging.Level, c.System.Logging.Format))
	})
	if err := cfg.Watch(); err != nil {
		slog.Warn("Config watch unavailable", "error", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		exitCode = 1
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	b.Stop()
	gallery.Save()
	if err := db.Checkpoint(shutdownCtx); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Warn("Database close failed", "error", err)
	}

	slog.Info("Server stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// routes bundles the handlers the HTTP surface mounts.
type routes struct {
	authenticator *auth.Authenticator
	auth          *api.AuthHandler
	camera        *api.CameraHandler
	counter       *api.CounterHandler
	events        *api.EventsHandler
	analytics     *api.AnalyticsHandler
	export        *api.ExportHandler
	reid          *api.ReIDHandler
	system        *api.SystemHandler
	health        *api.HealthHandler
	video         *api.VideoHandler
	hub           *api.Hub
	corsOrigins   []string
}

// setupRouter creates the HTTP router with all routes. Everything under
// /api except login requires a bearer token; the streaming endpoints and
// the probes live outside the group and its timeout.
func setupRouter(rt routes) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rt.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Post("/auth/login", rt.auth.Login)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(rt.authenticator))

			r.Get("/auth/me", rt.auth.Me)
			r.Mount("/camera", rt.camera.Routes())
			r.Get("/system/status", rt.system.Status)
			r.Get("/stats/current", rt.counter.Current)
			r.Post("/reset", rt.counter.Reset)
			r.Mount("/events", rt.events.Routes())
			r.Mount("/analytics", rt.analytics.Routes())
			r.Post("/export", rt.export.Export)
			r.Mount("/reid", rt.reid.Routes())
		})
	})

	r.Get("/health", rt.health.Health)
	r.Get("/video_feed", rt.video.Feed)
	r.Get("/ws", rt.hub.HandleWebSocket)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// bootPipeline derives the worker's starting configuration from the
// active camera settings row, falling back to the file configuration
// for values the row does not carry.
func bootPipeline(settings *camera.Settings, cfg *config.Config) worker.PipelineConfig {
	pcfg := worker.PipelineConfig{
		ConfigID:    settings.ID,
		Input:       settings.SourceURL(),
		ResizeWidth: cfg.Video.ResizeWidth,
		LineX:       cfg.Counter.LineX,
		DirectionIn: settings.DirectionIn,
	}
	if settings.LineX != nil {
		pcfg.LineX = *settings.LineX
	}
	if pcfg.DirectionIn == "" {
		pcfg.DirectionIn = cfg.Counter.DirectionIn
	}
	return pcfg
}

func newLogger(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// findConfigFile returns the PC_CONFIG override when set, otherwise the
// first existing file among the usual locations.
func findConfigFile() string {
	if path := os.Getenv("PC_CONFIG"); path != "" {
		return path
	}

	locations := []string{
		"./config.yaml",
		"./config/config.yaml",
		"./data/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return "./config.yaml"
}
