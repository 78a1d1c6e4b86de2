// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, a Prometheus exporter bridge, and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so the standard /metrics
// endpoint keeps working. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "squawk"

// Metrics holds all OpenTelemetry metric instruments for the relay. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// MixTickDuration tracks how long one mixer pass over a channel takes.
	// Anything approaching the tick interval is trouble.
	MixTickDuration metric.Float64Histogram

	// FramesIn counts PCM frames accepted into member queues.
	FramesIn metric.Int64Counter

	// FrameBytesIn counts the payload bytes of accepted frames.
	FrameBytesIn metric.Int64Counter

	// FramesDropped counts frames discarded before queueing or delivery.
	// Use with attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// FramesMixed counts mixed frames delivered to listener buffers.
	FramesMixed metric.Int64Counter

	// SignalMessages counts inbound control messages. Use with
	// attribute.String("type", ...).
	SignalMessages metric.Int64Counter

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveChannels tracks the number of channels in the registry.
	ActiveChannels metric.Int64UpDownCounter

	// Evictions counts sessions removed by the liveness watchdog.
	Evictions metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// tickBuckets defines histogram bucket boundaries (in seconds) for the mixer
// pass, which has to finish well inside one 20 ms tick.
var tickBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.MixTickDuration, err = m.Float64Histogram("squawk.mix.tick.duration",
		metric.WithDescription("Duration of one mixer pass over a channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesIn, err = m.Int64Counter("squawk.audio.frames.in",
		metric.WithDescription("PCM frames accepted into member queues."),
	); err != nil {
		return nil, err
	}
	if met.FrameBytesIn, err = m.Int64Counter("squawk.audio.bytes.in",
		metric.WithDescription("Payload bytes of accepted PCM frames."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("squawk.audio.frames.dropped",
		metric.WithDescription("Frames discarded before queueing or delivery, by reason."),
	); err != nil {
		return nil, err
	}
	if met.FramesMixed, err = m.Int64Counter("squawk.audio.frames.mixed",
		metric.WithDescription("Mixed frames delivered to listener buffers."),
	); err != nil {
		return nil, err
	}
	if met.SignalMessages, err = m.Int64Counter("squawk.signal.messages",
		metric.WithDescription("Inbound control messages by type."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("squawk.sessions.active",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveChannels, err = m.Int64UpDownCounter("squawk.channels.active",
		metric.WithDescription("Number of channels in the registry."),
	); err != nil {
		return nil, err
	}
	if met.Evictions, err = m.Int64Counter("squawk.watchdog.evictions",
		metric.WithDescription("Sessions removed by the liveness watchdog."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("squawk.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// The convenience methods below record with a background context; the hot
// paths that call them carry no request context.

// CountFrameIn records one accepted frame of the given byte size.
func (m *Metrics) CountFrameIn(bytes int) {
	ctx := context.Background()
	m.FramesIn.Add(ctx, 1)
	m.FrameBytesIn.Add(ctx, int64(bytes))
}

// CountFrameDropped records one dropped frame with its reason.
func (m *Metrics) CountFrameDropped(reason string) {
	m.FramesDropped.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordMixTick records the duration of one mixer pass and how many mixed
// frames it delivered.
func (m *Metrics) RecordMixTick(d time.Duration, delivered int) {
	ctx := context.Background()
	m.MixTickDuration.Record(ctx, d.Seconds())
	if delivered > 0 {
		m.FramesMixed.Add(ctx, int64(delivered))
	}
}

// CountSignal records one inbound control message by type.
func (m *Metrics) CountSignal(msgType string) {
	m.SignalMessages.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", msgType)))
}

// AddSessions moves the live session gauge by n (negative to decrement).
func (m *Metrics) AddSessions(n int) {
	m.ActiveSessions.Add(context.Background(), int64(n))
}

// AddChannels moves the channel gauge by n (negative to decrement).
func (m *Metrics) AddChannels(n int) {
	m.ActiveChannels.Add(context.Background(), int64(n))
}

// CountEvictions records n watchdog evictions.
func (m *Metrics) CountEvictions(n int) {
	m.Evictions.Add(context.Background(), int64(n))
}
