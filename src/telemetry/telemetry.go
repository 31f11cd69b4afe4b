// Package telemetry wires the coordinator's counters, histograms, gauges,
// and spans (spec.md §4, §6.5) onto the OpenTelemetry metrics/trace API,
// exported in Prometheus exposition format. Grounded on the pack's
// internal/mux/hub.go registerMetrics (otel meter provider backed by the
// otel/exporters/prometheus bridge, served through promhttp.Handler()).
package telemetry

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Emitter owns the process-wide meter and tracer and the instruments
// named in spec.md §6.5.
type Emitter struct {
	meter  metric.Meter
	tracer trace.Tracer

	sessionsStarted    metric.Int64Counter
	sessionsEnded      metric.Int64Counter
	invitesValidated   metric.Int64Counter
	sessionDuration     metric.Float64Histogram
	queueWait           metric.Float64Histogram
	ttydSpawn           metric.Float64Histogram

	queueSize      atomic.Int64
	sessionsActive atomic.Int64
}

// NewEmitter registers a Prometheus-backed meter provider, mirroring the
// pack's registerMetrics: prometheus.New() exporter, a meter provider
// reading from it, instruments created once at startup.
func NewEmitter() (*Emitter, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("ttyd-queue/coordinator")
	tracer := otel.Tracer("ttyd-queue/coordinator")

	e := &Emitter{meter: meter, tracer: tracer}

	e.sessionsStarted, err = meter.Int64Counter("demo_sessions_started_total")
	if err != nil {
		return nil, err
	}
	e.sessionsEnded, err = meter.Int64Counter("demo_sessions_ended_total")
	if err != nil {
		return nil, err
	}
	e.invitesValidated, err = meter.Int64Counter("demo_invites_validated_total")
	if err != nil {
		return nil, err
	}
	e.sessionDuration, err = meter.Float64Histogram("demo_session_duration_seconds")
	if err != nil {
		return nil, err
	}
	e.queueWait, err = meter.Float64Histogram("demo_queue_wait_seconds")
	if err != nil {
		return nil, err
	}
	e.ttydSpawn, err = meter.Float64Histogram("demo_ttyd_spawn_seconds")
	if err != nil {
		return nil, err
	}

	if _, err := meter.Int64ObservableGauge("demo_queue_size",
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(e.queueSize.Load())
			return nil
		}),
	); err != nil {
		return nil, err
	}
	if _, err := meter.Int64ObservableGauge("demo_sessions_active",
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(e.sessionsActive.Load())
			return nil
		}),
	); err != nil {
		return nil, err
	}

	return e, nil
}

// Handler returns the /metrics HTTP handler (spec.md §6.5).
func (e *Emitter) Handler() http.Handler {
	return promhttp.Handler()
}

// SetQueueSize updates the demo_queue_size gauge.
func (e *Emitter) SetQueueSize(n int) {
	e.queueSize.Store(int64(n))
}

// SetSessionActive updates the demo_sessions_active gauge (0 or 1).
func (e *Emitter) SetSessionActive(active bool) {
	if active {
		e.sessionsActive.Store(1)
	} else {
		e.sessionsActive.Store(0)
	}
}

// IncSessionsStarted increments demo_sessions_started_total.
func (e *Emitter) IncSessionsStarted(ctx context.Context) {
	e.sessionsStarted.Add(ctx, 1)
}

// IncSessionsEnded increments demo_sessions_ended_total{reason}.
func (e *Emitter) IncSessionsEnded(ctx context.Context, reason string) {
	e.sessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// IncInvitesValidated increments demo_invites_validated_total{status}. This
// is the Counter interface consumed by the invite package.
func (e *Emitter) IncInvitesValidated(status string) {
	e.invitesValidated.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

// ObserveSessionDuration records demo_session_duration_seconds{reason}.
func (e *Emitter) ObserveSessionDuration(ctx context.Context, reason string, seconds float64) {
	e.sessionDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("reason", reason)))
}

// ObserveQueueWait records demo_queue_wait_seconds.
func (e *Emitter) ObserveQueueWait(ctx context.Context, seconds float64) {
	e.queueWait.Record(ctx, seconds)
}

// ObserveSpawn records demo_ttyd_spawn_seconds.
func (e *Emitter) ObserveSpawn(ctx context.Context, seconds float64) {
	e.ttydSpawn.Record(ctx, seconds)
}

// StartSpan opens one of the named spans from spec.md §6.5
// (invite.validate, session.start, session.end).
func (e *Emitter) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name)
}

// Flush is called on graceful shutdown (spec.md "Graceful Shutdown").
// The Prometheus exporter is pull-based, so there is nothing to flush
// beyond logging the shutdown itself.
func (e *Emitter) Flush(ctx context.Context) {
	logrus.Info("telemetry emitter shutting down")
}
