package hub

import (
	"context"
	"time"

	"github.com/tsarna/hubline/pkg/hubline/o11y"
)

// Metrics holds the instruments recorded by the hub's HTTP endpoints. A nil
// *Metrics records nothing.
type Metrics struct {
	activeConnections  o11y.Gauge
	totalConnections   o11y.Counter
	connectionDuration o11y.Histogram

	eventsSent    o11y.Counter
	eventsDropped o11y.Counter
	heartbeats    o11y.Counter

	published    o11y.Counter
	authFailures o11y.Counter
}

// NewMetrics creates the hub instruments, or returns nil for a nil provider.
func NewMetrics(provider o11y.MetricsProvider) *Metrics {
	if provider == nil {
		return nil
	}

	return &Metrics{
		activeConnections:  provider.Gauge("hubline_hub_active_connections"),
		totalConnections:   provider.Counter("hubline_hub_connections_total"),
		connectionDuration: provider.Histogram("hubline_hub_connection_duration_seconds"),

		eventsSent:    provider.Counter("hubline_hub_events_sent_total"),
		eventsDropped: provider.Counter("hubline_hub_events_dropped_total"),
		heartbeats:    provider.Counter("hubline_hub_heartbeats_total"),

		published:    provider.Counter("hubline_hub_published_total"),
		authFailures: provider.Counter("hubline_hub_auth_failures_total"),
	}
}

func transportLabel(transport string) o11y.Label {
	return o11y.Label{Key: "transport", Value: transport}
}

func (m *Metrics) connectionStarted(ctx context.Context, transport string, active int) {
	if m == nil {
		return
	}
	m.totalConnections.Add(ctx, 1, transportLabel(transport))
	m.activeConnections.Set(ctx, float64(active), transportLabel(transport))
}

func (m *Metrics) connectionEnded(ctx context.Context, transport string, active int, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeConnections.Set(ctx, float64(active), transportLabel(transport))
	m.connectionDuration.Record(ctx, duration.Seconds(), transportLabel(transport))
}

func (m *Metrics) eventSent(ctx context.Context, transport string) {
	if m == nil {
		return
	}
	m.eventsSent.Add(ctx, 1, transportLabel(transport))
}

func (m *Metrics) eventDropped(ctx context.Context, transport string) {
	if m == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1, transportLabel(transport))
}

func (m *Metrics) heartbeat(ctx context.Context, transport string) {
	if m == nil {
		return
	}
	m.heartbeats.Add(ctx, 1, transportLabel(transport))
}

func (m *Metrics) eventPublished(ctx context.Context, topics int) {
	if m == nil {
		return
	}
	m.published.Add(ctx, int64(topics))
}

func (m *Metrics) authFailed(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.authFailures.Add(ctx, 1, o11y.Label{Key: "operation", Value: operation})
}
