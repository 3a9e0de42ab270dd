// Package observe holds the OpenTelemetry instruments of the call core and
// the Prometheus bridge that serves them on /metrics.
//
// Tests should build their own [Metrics] with [NewMetrics] over a
// ManualReader-backed provider so recordings do not leak between tests.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dkeye/VideoCall"

// Metrics holds every instrument. Safe for concurrent use.
type Metrics struct {
	// JoinAttempts counts join sequences that reached the loop.
	JoinAttempts metric.Int64Counter

	// JoinFailures counts failed joins. Use with attribute.String("kind", ...).
	JoinFailures metric.Int64Counter

	// JoinDuration tracks the time from join request to Joined or failure.
	JoinDuration metric.Float64Histogram

	// ActiveCalls tracks controllers currently in the Joined state.
	ActiveCalls metric.Int64UpDownCounter

	// RemoteParticipants tracks remote participants across all calls.
	RemoteParticipants metric.Int64UpDownCounter

	// SubscribeRequests counts remote subscriptions. Use with
	// attribute.String("kind", ...), attribute.String("status", ...).
	SubscribeRequests metric.Int64Counter
}

var joinBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.JoinAttempts, err = m.Int64Counter("videocall.join.attempts",
		metric.WithDescription("Join sequences started."),
	); err != nil {
		return nil, err
	}
	if met.JoinFailures, err = m.Int64Counter("videocall.join.failures",
		metric.WithDescription("Failed joins by failure kind."),
	); err != nil {
		return nil, err
	}
	if met.JoinDuration, err = m.Float64Histogram("videocall.join.duration",
		metric.WithDescription("Latency of the join sequence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(joinBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("videocall.active_calls",
		metric.WithDescription("Calls currently joined."),
	); err != nil {
		return nil, err
	}
	if met.RemoteParticipants, err = m.Int64UpDownCounter("videocall.remote_participants",
		metric.WithDescription("Remote participants visible across all calls."),
	); err != nil {
		return nil, err
	}
	if met.SubscribeRequests, err = m.Int64Counter("videocall.subscribe.requests",
		metric.WithDescription("Remote media subscriptions by kind and status."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level instance built on the global provider.
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

func (m *Metrics) RecordJoin(ctx context.Context, started time.Time, failure string) {
	m.JoinAttempts.Add(ctx, 1)
	m.JoinDuration.Record(ctx, time.Since(started).Seconds())
	if failure != "" {
		m.JoinFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", failure)))
	}
}

func (m *Metrics) RecordSubscribe(ctx context.Context, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SubscribeRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}
