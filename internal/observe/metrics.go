// Package observe provides application-wide observability primitives for
// voxcart: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxcart metrics.
const meterName = "github.com/voxcart/voxcart"

// Relay directions for [Metrics.RecordChunkRelayed].
const (
	DirectionUpstream   = "upstream"   // client → provider
	DirectionDownstream = "downstream" // provider → client
)

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// RelayLatency tracks the time from receiving a client frame to handing
	// it to the upstream session.
	RelayLatency metric.Float64Histogram

	// SessionDuration tracks how long server sessions live, recorded at
	// close time.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksRelayed counts audio chunks relayed. Use with attribute:
	//   attribute.String("direction", "upstream"|"downstream")
	ChunksRelayed metric.Int64Counter

	// QueueEvictions counts audio chunks dropped instead of relayed, either
	// by queue overflow or because the upstream session was unavailable.
	QueueEvictions metric.Int64Counter

	// ReconnectAttempts counts upstream reconnection attempts.
	ReconnectAttempts metric.Int64Counter

	// ExpiredSessions counts sessions removed by the expiry and idle sweeps.
	// Use with attribute: attribute.String("reason", "ttl"|"idle").
	ExpiredSessions metric.Int64Counter

	// --- Error counters ---

	// ProtocolErrors counts malformed or unrecognised wire messages.
	ProtocolErrors metric.Int64Counter

	// ProviderErrors counts upstream provider session errors.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of open client sockets.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live server sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime relay latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// sessionBuckets covers session lifetimes from seconds up to the TTL scale.
var sessionBuckets = []float64{
	1, 10, 30, 60, 300, 900, 1800, 3600, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RelayLatency, err = m.Float64Histogram("voxcart.relay.latency",
		metric.WithDescription("Latency from client frame receipt to upstream handoff."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voxcart.session.duration",
		metric.WithDescription("Lifetime of server sessions, recorded at close."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksRelayed, err = m.Int64Counter("voxcart.chunks.relayed",
		metric.WithDescription("Total audio chunks relayed by direction."),
	); err != nil {
		return nil, err
	}
	if met.QueueEvictions, err = m.Int64Counter("voxcart.queue.evictions",
		metric.WithDescription("Total audio chunks dropped instead of relayed."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("voxcart.reconnect.attempts",
		metric.WithDescription("Total upstream reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.ExpiredSessions, err = m.Int64Counter("voxcart.sessions.expired",
		metric.WithDescription("Total sessions removed by the expiry and idle sweeps."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProtocolErrors, err = m.Int64Counter("voxcart.protocol.errors",
		metric.WithDescription("Total malformed or unrecognised wire messages."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxcart.provider.errors",
		metric.WithDescription("Total upstream provider session errors."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("voxcart.active_connections",
		metric.WithDescription("Number of open client sockets."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxcart.active_sessions",
		metric.WithDescription("Number of live server sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxcart.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordChunkRelayed records one relayed audio chunk in the given direction.
func (m *Metrics) RecordChunkRelayed(ctx context.Context, direction string) {
	m.ChunksRelayed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordRelayLatency records the client-frame-to-upstream handoff latency.
func (m *Metrics) RecordRelayLatency(ctx context.Context, d time.Duration) {
	m.RelayLatency.Record(ctx, d.Seconds())
}

// RecordSessionClosed records a session's lifetime at close.
func (m *Metrics) RecordSessionClosed(ctx context.Context, lifetime time.Duration) {
	m.SessionDuration.Record(ctx, lifetime.Seconds())
	m.ActiveSessions.Add(ctx, -1)
}

// RecordExpiredSession records one session removed by a sweep.
func (m *Metrics) RecordExpiredSession(ctx context.Context, reason string) {
	m.ExpiredSessions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProviderError records one upstream provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
