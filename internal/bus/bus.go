// Package bus provides pub/sub fan-out between the capture pipeline and its
// consumers using an embedded NATS server.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/gatecount/gatecount/internal/events"
)

// Subjects used by the counter pipeline.
const (
	// SubjectEvents carries each persisted crossing event.
	SubjectEvents = "counter.events"
	// SubjectStats carries the periodic live stats broadcast.
	SubjectStats = "counter.stats"
	// SubjectAnalytics carries periodic analytics snapshots.
	SubjectAnalytics = "counter.analytics"
	// SubjectStatus carries pipeline status transitions.
	SubjectStatus = "counter.status"
	// SubjectGetStats is the request/reply subject for on-demand stats.
	SubjectGetStats = "counter.get_stats"
)

// Status states published on SubjectStatus.
const (
	StatusCameraOnline  = "camera_online"
	StatusCameraOffline = "camera_offline"
	StatusCounterReset  = "counter_reset"
	StatusSettingsSaved = "settings_updated"
)

// StatusEvent represents a pipeline status transition.
type StatusEvent struct {
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus wraps an embedded NATS server and a client connection to it.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	// Subscription tracking
	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// Config configures the embedded NATS server.
type Config struct {
	// Host for the NATS server (default: 127.0.0.1)
	Host string
	// Port for the NATS server (default: 4222)
	Port int
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{Host: "127.0.0.1", Port: 4222}
}

// New starts an embedded NATS server and connects to it. If the preferred
// port is already bound, the server falls back to a random free one.
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 4222
	}

	port := cfg.Port
	if !portAvailable(cfg.Host, port) {
		logger.Info("Bus port in use, picking a random one", "preferred", cfg.Port)
		port = server.RANDOM_PORT
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   port,
		NoSigs: true,
		NoLog:  true, // We'll use our own logger
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	// NATS embedded server is typically ready in <100ms
	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	b := &Bus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "bus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	b.logger.Info("Event bus started", "url", ns.ClientURL())

	return b, nil
}

// portAvailable checks whether the preferred port can be bound.
func portAvailable(host string, port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Publish marshals data to JSON and publishes it on subject.
func (b *Bus) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// PublishEvent publishes a crossing event on SubjectEvents.
func (b *Bus) PublishEvent(event *events.Event) error {
	return b.Publish(SubjectEvents, event)
}

// PublishStatus publishes a status transition on SubjectStatus.
func (b *Bus) PublishStatus(state, detail string) error {
	return b.Publish(SubjectStatus, StatusEvent{
		State:     state,
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

// Subscribe subscribes to a subject.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	b.subsMu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.subsMu.Unlock()

	return sub, nil
}

// Request sends a JSON request and waits for a response.
func (b *Bus) Request(ctx context.Context, subject string, data any) (*nats.Msg, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	return b.conn.RequestWithContext(ctx, subject, payload)
}

// Unsubscribe removes all subscriptions for a subject.
func (b *Bus) Unsubscribe(subject string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	if subs, ok := b.subs[subject]; ok {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		delete(b.subs, subject)
	}
}

// Stop drains the connection and shuts down the embedded server.
func (b *Bus) Stop() {
	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("Event bus stopped")
}

// HealthCheck verifies the bus connection is alive.
func (b *Bus) HealthCheck(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}

	// No responders is OK, it just means no one is listening
	_, err := b.conn.RequestWithContext(ctx, "_health", []byte("ping"))
	if errors.Is(err, nats.ErrNoResponders) {
		return nil
	}
	return err
}
