// Package observe provides observability primitives for the ingestion
// pipeline: OpenTelemetry metrics with a Prometheus exporter bridge, a
// /metrics HTTP endpoint, and a GPU utilisation sampler for the periodic
// telemetry log line.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pipeline metrics.
const meterName = "earshot"

// Metrics holds all OpenTelemetry metric instruments for the pipeline. All
// fields are safe for concurrent use; the underlying OTel types handle their
// own synchronisation.
type Metrics struct {
	// StageDuration tracks per-video wall time of one pipeline stage. Use
	// with attribute.String("stage", ...), one of "acquire", "asr",
	// "diarize", "identify", "embed", "persist".
	StageDuration metric.Float64Histogram

	// VideosFinished counts videos leaving the pipeline. Use with
	// attribute.String("status", ...), one of "processed", "skipped",
	// "errored", "no_audio".
	VideosFinished metric.Int64Counter

	// Failures counts terminal failures by class. Use with
	// attribute.String("class", ...).
	Failures metric.Int64Counter

	// QueueDepth tracks the fill level of the bounded inter-stage channels.
	// Use with attribute.String("queue", "audio"|"asr").
	QueueDepth metric.Int64UpDownCounter

	// AudioSeconds accumulates seconds of audio successfully transcribed.
	AudioSeconds metric.Float64Counter

	// SegmentsPersisted counts segment rows written to the database.
	SegmentsPersisted metric.Int64Counter

	// GPUUtilization is the last sampled GPU SM utilisation in percent.
	GPUUtilization metric.Float64Gauge

	// GPUMemoryUsedMiB is the last sampled GPU memory usage.
	GPUMemoryUsedMiB metric.Float64Gauge
}

// stageBuckets covers the latencies of pipeline stages, which run from
// sub-second persistence up to hour-long transcriptions.
var stageBuckets = []float64{
	0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("earshot.stage.duration",
		metric.WithDescription("Per-video wall time of one pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VideosFinished, err = m.Int64Counter("earshot.videos.finished",
		metric.WithDescription("Videos leaving the pipeline by status."),
	); err != nil {
		return nil, err
	}
	if met.Failures, err = m.Int64Counter("earshot.failures",
		metric.WithDescription("Terminal failures by class."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("earshot.queue.depth",
		metric.WithDescription("Fill level of the bounded inter-stage queues."),
	); err != nil {
		return nil, err
	}
	if met.AudioSeconds, err = m.Float64Counter("earshot.audio.seconds",
		metric.WithDescription("Seconds of audio successfully transcribed."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.SegmentsPersisted, err = m.Int64Counter("earshot.segments.persisted",
		metric.WithDescription("Segment rows written to the database."),
	); err != nil {
		return nil, err
	}
	if met.GPUUtilization, err = m.Float64Gauge("earshot.gpu.utilization",
		metric.WithDescription("Last sampled GPU SM utilisation."),
		metric.WithUnit("%"),
	); err != nil {
		return nil, err
	}
	if met.GPUMemoryUsedMiB, err = m.Float64Gauge("earshot.gpu.memory.used",
		metric.WithDescription("Last sampled GPU memory usage."),
		metric.WithUnit("MiB"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

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

// RecordStage records one stage's wall time for a single video.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordFinished records a video leaving the pipeline with the given status.
func (m *Metrics) RecordFinished(ctx context.Context, status string) {
	m.VideosFinished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordFailure records a terminal failure by class.
func (m *Metrics) RecordFailure(ctx context.Context, class string) {
	m.Failures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("class", class)))
}

// AddQueueDepth adjusts the depth gauge of the named queue by delta.
func (m *Metrics) AddQueueDepth(ctx context.Context, queue string, delta int64) {
	m.QueueDepth.Add(ctx, delta,
		metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordGPU records one GPU sample.
func (m *Metrics) RecordGPU(ctx context.Context, s GPUSample) {
	m.GPUUtilization.Record(ctx, s.UtilizationPct)
	m.GPUMemoryUsedMiB.Record(ctx, s.MemoryUsedMiB)
}
