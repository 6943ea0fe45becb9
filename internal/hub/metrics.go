package hub

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stockpilot/realtime/internal/protocol"
)

const meterName = "github.com/stockpilot/realtime/hub"

type hubMetrics struct {
	sessions   metric.Int64UpDownCounter
	rejections metric.Int64Counter
	deliveries metric.Int64Counter
	drops      metric.Int64Counter
	coalesces  metric.Int64Counter
	authFails  metric.Int64Counter
}

// newHubMetrics registers the hub instruments on meter, or on the global
// provider when meter is nil. Registration failures fall back to no-op
// instruments from the same meter.
func newHubMetrics(meter metric.Meter, log zerolog.Logger) *hubMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &hubMetrics{}
	var err error
	if m.sessions, err = meter.Int64UpDownCounter("stockpilot.hub.sessions",
		metric.WithDescription("Open realtime sessions"),
		metric.WithUnit("{session}")); err != nil {
		log.Warn().Err(err).Msg("register sessions gauge")
	}
	if m.rejections, err = meter.Int64Counter("stockpilot.hub.sessions.rejected",
		metric.WithDescription("Sessions refused at the connection limit"),
		metric.WithUnit("{session}")); err != nil {
		log.Warn().Err(err).Msg("register rejections counter")
	}
	if m.deliveries, err = meter.Int64Counter("stockpilot.hub.deliveries",
		metric.WithDescription("Frames queued to sessions"),
		metric.WithUnit("{frame}")); err != nil {
		log.Warn().Err(err).Msg("register deliveries counter")
	}
	if m.drops, err = meter.Int64Counter("stockpilot.hub.drops",
		metric.WithDescription("Frames dropped"),
		metric.WithUnit("{frame}")); err != nil {
		log.Warn().Err(err).Msg("register drops counter")
	}
	if m.coalesces, err = meter.Int64Counter("stockpilot.hub.dashboard.coalesced",
		metric.WithDescription("Dashboard signals superseded within a throttle window"),
		metric.WithUnit("{signal}")); err != nil {
		log.Warn().Err(err).Msg("register coalesced counter")
	}
	if m.authFails, err = meter.Int64Counter("stockpilot.hub.auth.failures",
		metric.WithDescription("Rejected authenticate messages"),
		metric.WithUnit("{message}")); err != nil {
		log.Warn().Err(err).Msg("register auth failures counter")
	}
	return m
}

func (m *hubMetrics) connected(transport string, delta int64) {
	if m.sessions != nil {
		m.sessions.Add(context.Background(), delta,
			metric.WithAttributes(attribute.String("transport", transport)))
	}
}

func (m *hubMetrics) rejected(transport string) {
	if m.rejections != nil {
		m.rejections.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("transport", transport)))
	}
}

func (m *hubMetrics) published(kind protocol.MessageType, n int) {
	if m.deliveries != nil && n > 0 {
		m.deliveries.Add(context.Background(), int64(n),
			metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

func (m *hubMetrics) dropped(kind protocol.MessageType, reason string) {
	if m.drops != nil {
		m.drops.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("reason", reason)))
	}
}

func (m *hubMetrics) coalesced() {
	if m.coalesces != nil {
		m.coalesces.Add(context.Background(), 1)
	}
}

func (m *hubMetrics) authFailed() {
	if m.authFails != nil {
		m.authFails.Add(context.Background(), 1)
	}
}
