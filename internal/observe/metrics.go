// Package observe provides application-wide observability primitives for
// Chronicle: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Chronicle metrics.
const meterName = "github.com/chronicle-systems/chronicle"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// JobDuration tracks post-conversation job handler execution latency.
	// Use with attributes: attribute.String("role", ...), attribute.String("status", ...)
	JobDuration metric.Float64Histogram

	// TranscriptionDuration tracks speech-to-text latency, both the batch
	// transcribe_full_audio path and per-utterance streaming latency.
	// Use with attribute: attribute.String("mode", "batch"|"stream")
	TranscriptionDuration metric.Float64Histogram

	// SpeakerRecognitionDuration tracks external speaker-recognition service
	// call latency.
	SpeakerRecognitionDuration metric.Float64Histogram

	// LLMDuration tracks LLM provider call latency (memory extraction, title
	// and summary generation). Use with attribute: attribute.String("field", ...)
	LLMDuration metric.Float64Histogram

	// --- Counters ---

	// JobsProcessed counts post-conversation jobs that reached a terminal
	// state. Use with attributes:
	//   attribute.String("role", ...), attribute.String("status", ...)
	JobsProcessed metric.Int64Counter

	// JobsFailed counts post-conversation jobs that failed after exhausting
	// retries. Use with attribute: attribute.String("role", ...)
	JobsFailed metric.Int64Counter

	// WorkerRestarts counts supervisor-initiated worker process restarts.
	// Use with attributes:
	//   attribute.String("worker", ...), attribute.String("reason", "crash"|"unhealthy"|"bulk")
	WorkerRestarts metric.Int64Counter

	// --- Gauges ---

	// ActiveStreamingSessions tracks the number of sessions currently being
	// transcribed by the streaming ASR consumer.
	ActiveStreamingSessions metric.Int64UpDownCounter

	// ActiveAudioPersistenceSessions tracks the number of sessions currently
	// being drained to disk by the audio persistence loop.
	ActiveAudioPersistenceSessions metric.Int64UpDownCounter

	// RegisteredWorkers tracks the cluster-wide count of workers currently
	// registered against the queue, mirroring [queue.Manager.RegisteredWorkerCount].
	RegisteredWorkers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for job and provider-call latencies, which range from sub-second LLM calls
// up to multi-minute full-conversation transcriptions.
var latencyBuckets = []float64{
	0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.JobDuration, err = m.Float64Histogram("chronicle.job.duration",
		metric.WithDescription("Latency of post-conversation job handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("chronicle.transcription.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeakerRecognitionDuration, err = m.Float64Histogram("chronicle.speaker_recognition.duration",
		metric.WithDescription("Latency of speaker-recognition service calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("chronicle.llm.duration",
		metric.WithDescription("Latency of LLM provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.JobsProcessed, err = m.Int64Counter("chronicle.jobs.processed",
		metric.WithDescription("Total post-conversation jobs reaching a terminal state, by role and status."),
	); err != nil {
		return nil, err
	}
	if met.JobsFailed, err = m.Int64Counter("chronicle.jobs.failed",
		metric.WithDescription("Total post-conversation jobs that failed after exhausting retries, by role."),
	); err != nil {
		return nil, err
	}
	if met.WorkerRestarts, err = m.Int64Counter("chronicle.worker.restarts",
		metric.WithDescription("Total supervisor-initiated worker restarts, by worker and reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreamingSessions, err = m.Int64UpDownCounter("chronicle.active_streaming_sessions",
		metric.WithDescription("Number of sessions currently being transcribed by the streaming consumer."),
	); err != nil {
		return nil, err
	}
	if met.ActiveAudioPersistenceSessions, err = m.Int64UpDownCounter("chronicle.active_audio_persistence_sessions",
		metric.WithDescription("Number of sessions currently being drained to disk."),
	); err != nil {
		return nil, err
	}
	if met.RegisteredWorkers, err = m.Int64UpDownCounter("chronicle.registered_workers",
		metric.WithDescription("Number of workers currently registered against the queue cluster-wide."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("chronicle.http.request.duration",
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

// RecordJobProcessed is a convenience method that records a job duration and
// terminal-status counter increment with the standard attribute set.
func (m *Metrics) RecordJobProcessed(ctx context.Context, role, status string, duration float64) {
	m.JobDuration.Record(ctx, duration, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("status", status),
	))
	m.JobsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("status", status),
	))
}

// RecordJobFailed is a convenience method that records a job-failed counter
// increment.
func (m *Metrics) RecordJobFailed(ctx context.Context, role string) {
	m.JobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordWorkerRestart is a convenience method that records a worker restart
// counter increment.
func (m *Metrics) RecordWorkerRestart(ctx context.Context, worker, reason string) {
	m.WorkerRestarts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worker", worker),
		attribute.String("reason", reason),
	))
}
