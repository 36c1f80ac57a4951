// Package observe holds the OpenTelemetry instruments recorded by the caption
// pipeline. Tests should build Metrics with NewMetrics over their own
// MeterProvider to avoid cross-test pollution.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/obiente/translate/captioncast"

// Recognition paths, used as the "path" attribute.
const (
	PathWindow   = "window"
	PathFallback = "fallback"
)

// Send outcomes, used as the "status" attribute.
const (
	SendOK      = "ok"
	SendError   = "error"
	SendOffline = "offline"
)

// Metrics holds every instrument. The OTel types are safe for concurrent use.
type Metrics struct {
	SamplesIngested metric.Int64Counter
	EngineDuration  metric.Float64Histogram
	EngineErrors    metric.Int64Counter
	Segments        metric.Int64Counter
	EmptyCycles     metric.Int64Counter
	Fallbacks       metric.Int64Counter
	LinesFinalized  metric.Int64Counter
	Sends           metric.Int64Counter
	SendsSuppressed metric.Int64Counter
}

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SamplesIngested, err = m.Int64Counter("captioncast.audio.samples",
		metric.WithDescription("Normalized audio samples accepted into the ingest queue."),
	); err != nil {
		return nil, err
	}
	if met.EngineDuration, err = m.Float64Histogram("captioncast.engine.duration",
		metric.WithDescription("Wall time of one recognition engine call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("captioncast.engine.errors",
		metric.WithDescription("Recognition calls that failed for a reason other than cancellation."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("captioncast.segments",
		metric.WithDescription("Non-blank segments emitted to the stabilizer."),
	); err != nil {
		return nil, err
	}
	if met.EmptyCycles, err = m.Int64Counter("captioncast.segmenter.empty_cycles",
		metric.WithDescription("Windows that produced no text."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("captioncast.segmenter.fallbacks",
		metric.WithDescription("Re-recognitions of the long context buffer."),
	); err != nil {
		return nil, err
	}
	if met.LinesFinalized, err = m.Int64Counter("captioncast.captions.finalized",
		metric.WithDescription("Lines appended to the completed caption history."),
	); err != nil {
		return nil, err
	}
	if met.Sends, err = m.Int64Counter("captioncast.device.sends",
		metric.WithDescription("Payload deliveries to the caption device by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SendsSuppressed, err = m.Int64Counter("captioncast.device.suppressed",
		metric.WithDescription("Payloads skipped because their dedup key was unchanged."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Discard returns Metrics that record nothing.
func Discard() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic(err) // the no-op provider never fails
	}
	return m
}

// RecordSegment counts one emitted segment for path.
func (m *Metrics) RecordSegment(ctx context.Context, path string) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// RecordEngineCall records the duration of an engine call for path.
func (m *Metrics) RecordEngineCall(ctx context.Context, path string, seconds float64) {
	m.EngineDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("path", path)))
}

// RecordSend counts one device delivery attempt by status.
func (m *Metrics) RecordSend(ctx context.Context, status string) {
	m.Sends.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
