// Package observe holds the OpenTelemetry instruments and HTTP middleware
// shared by the synthesis transports.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-tts/internal/gate"
)

const meterName = "github.com/loqalabs/loqa-tts"

// Metrics holds every instrument recorded by the service. All fields are safe
// for concurrent use.
type Metrics struct {
	// SynthesisDuration covers gate wait plus engine time for one request.
	SynthesisDuration metric.Float64Histogram

	// Requests counts synthesis outcomes. Attributes: transport, status.
	Requests metric.Int64Counter

	// SamplesGenerated counts PCM frames handed to the WAV encoder.
	SamplesGenerated metric.Int64Counter

	// HTTPRequestDuration. Attributes: method, path, status.
	HTTPRequestDuration metric.Float64Histogram

	meter metric.Meter
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.SynthesisDuration, err = m.Float64Histogram("loqa_tts.synthesis.duration",
		metric.WithDescription("Latency of speech synthesis including queueing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Requests, err = m.Int64Counter("loqa_tts.requests",
		metric.WithDescription("Synthesis requests by transport and status."),
	); err != nil {
		return nil, err
	}
	if met.SamplesGenerated, err = m.Int64Counter("loqa_tts.samples",
		metric.WithDescription("Audio frames produced by the engine."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("loqa_tts.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// ObserveGate registers asynchronous gauges reporting the gate's in-flight
// and waiting counts at collection time.
func (m *Metrics) ObserveGate(g *gate.Gate) error {
	inflight, err := m.meter.Int64ObservableGauge("loqa_tts.gate.inflight",
		metric.WithDescription("Synthesis permits currently held."),
	)
	if err != nil {
		return err
	}
	waiting, err := m.meter.Int64ObservableGauge("loqa_tts.gate.waiting",
		metric.WithDescription("Requests waiting for a synthesis permit."),
	)
	if err != nil {
		return err
	}
	limit, err := m.meter.Int64ObservableGauge("loqa_tts.gate.limit",
		metric.WithDescription("Configured synthesis permits per worker."),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := g.Stats()
		o.ObserveInt64(inflight, int64(stats.InFlight))
		o.ObserveInt64(waiting, int64(stats.Waiting))
		o.ObserveInt64(limit, int64(stats.Limit))
		return nil
	}, inflight, waiting, limit)
	return err
}

// RecordRequest increments the request counter.
func (m *Metrics) RecordRequest(ctx context.Context, transport, status string) {
	m.Requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("status", status),
	))
}

// RecordSynthesis records one completed engine run.
func (m *Metrics) RecordSynthesis(ctx context.Context, seconds float64, samples int) {
	m.SynthesisDuration.Record(ctx, seconds)
	if samples > 0 {
		m.SamplesGenerated.Add(ctx, int64(samples))
	}
}
