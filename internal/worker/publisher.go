package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gatecount/gatecount/internal/analytics"
	"github.com/gatecount/gatecount/internal/bus"
)

// Publisher broadcasts live stats and analytics snapshots on the bus
// and answers counter.get_stats requests with the current numbers. It
// runs off the worker goroutine and only reads atomic snapshots.
type Publisher struct {
	worker         *Worker
	analytics      *analytics.Service
	bus            *bus.Bus
	statsEvery     time.Duration
	analyticsEvery time.Duration
	logger         *slog.Logger
}

// NewPublisher wires the periodic broadcasters. Zero intervals fall
// back to 2s stats and 30s analytics.
func NewPublisher(w *Worker, svc *analytics.Service, b *bus.Bus, statsEvery, analyticsEvery time.Duration) *Publisher {
	if statsEvery <= 0 {
		statsEvery = 2 * time.Second
	}
	if analyticsEvery <= 0 {
		analyticsEvery = 30 * time.Second
	}
	return &Publisher{
		worker:         w,
		analytics:      svc,
		bus:            b,
		statsEvery:     statsEvery,
		analyticsEvery: analyticsEvery,
		logger:         slog.Default().With("component", "publisher"),
	}
}

// Run broadcasts until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) {
	if _, err := p.bus.Subscribe(bus.SubjectGetStats, p.respondStats); err != nil {
		p.logger.Error("Failed to subscribe for stats requests", "error", err)
	} else {
		defer p.bus.Unsubscribe(bus.SubjectGetStats)
	}

	statsTick := time.NewTicker(p.statsEvery)
	defer statsTick.Stop()
	analyticsTick := time.NewTicker(p.analyticsEvery)
	defer analyticsTick.Stop()

	p.PublishAnalytics(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTick.C:
			p.PublishStats()
		case <-analyticsTick.C:
			p.PublishAnalytics(ctx)
		}
	}
}

// PublishStats broadcasts the current live stats.
func (p *Publisher) PublishStats() {
	if err := p.bus.Publish(bus.SubjectStats, p.worker.Stats()); err != nil {
		p.logger.Debug("Failed to publish stats", "error", err)
	}
}

// PublishAnalytics broadcasts a fresh analytics snapshot. Also called
// when a dashboard client connects.
func (p *Publisher) PublishAnalytics(ctx context.Context) {
	snap, err := p.analytics.Snapshot(ctx)
	if err != nil {
		p.logger.Warn("Failed to build analytics snapshot", "error", err)
		return
	}
	if err := p.bus.Publish(bus.SubjectAnalytics, snap); err != nil {
		p.logger.Debug("Failed to publish analytics", "error", err)
	}
}

func (p *Publisher) respondStats(msg *nats.Msg) {
	data, err := json.Marshal(p.worker.Stats())
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		p.logger.Debug("Failed to answer stats request", "error", err)
	}
}
