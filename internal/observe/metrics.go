// Package observe holds the service's telemetry: OpenTelemetry instruments
// for turns, prompts, renders and light commands, tracing helpers, a slog
// handler that stamps trace IDs, and the HTTP middleware.
//
// [Setup] installs the SDK providers and a Prometheus registry for /metrics.
// [DefaultMetrics] records through the global meter provider; tests build
// their own with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/chandaliar"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks one-shot transcription latency (kiosk asks).
	STTDuration metric.Float64Histogram

	// PromptLatency tracks time from prompt to first reply chunk.
	PromptLatency metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// RenderDuration tracks how long an item was audible.
	RenderDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Attributes:
	//   provider, kind, status
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind
	ProviderErrors metric.Int64Counter

	// TurnsInserted counts completed turns. Attribute: role
	TurnsInserted metric.Int64Counter

	// Decisions counts operator decisions. Attributes: role, decision
	Decisions metric.Int64Counter

	// Prompts counts prompter invocations. Attribute: status
	Prompts metric.Int64Counter

	// LLMCost accumulates the estimated spend in USD. Attribute: model
	LLMCost metric.Float64Counter

	// Renders counts finished playback items. Attribute: status
	// (played, removed, failed)
	Renders metric.Int64Counter

	// LightSends counts light sink commands. Attributes: sink, status
	LightSends metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks items waiting or playing in the playback queue.
	QueueDepth metric.Int64UpDownCounter

	// KioskClients tracks connected kiosk clients.
	KioskClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   method, path
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// renderBuckets covers spoken turns, which run for seconds to minutes.
var renderBuckets = []float64{
	0.5, 1, 2, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("chandaliar.stt.duration",
		metric.WithDescription("Latency of one-shot speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PromptLatency, err = m.Float64Histogram("chandaliar.prompt.latency",
		metric.WithDescription("Time from prompt to the first reply chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("chandaliar.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RenderDuration, err = m.Float64Histogram("chandaliar.render.duration",
		metric.WithDescription("Audible duration of played items."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(renderBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("chandaliar.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("chandaliar.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.TurnsInserted, err = m.Int64Counter("chandaliar.turns.inserted",
		metric.WithDescription("Completed turns added to the conversation by role."),
	); err != nil {
		return nil, err
	}
	if met.Decisions, err = m.Int64Counter("chandaliar.turns.decisions",
		metric.WithDescription("Operator decisions by role and decision."),
	); err != nil {
		return nil, err
	}
	if met.Prompts, err = m.Int64Counter("chandaliar.prompts",
		metric.WithDescription("Prompter invocations by status."),
	); err != nil {
		return nil, err
	}
	if met.LLMCost, err = m.Float64Counter("chandaliar.llm.cost",
		metric.WithDescription("Estimated language model spend."),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if met.Renders, err = m.Int64Counter("chandaliar.renders",
		metric.WithDescription("Finished playback items by status."),
	); err != nil {
		return nil, err
	}
	if met.LightSends, err = m.Int64Counter("chandaliar.light.sends",
		metric.WithDescription("Light sink commands by sink and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("chandaliar.playback.queue_depth",
		metric.WithDescription("Items waiting or playing in the playback queue."),
	); err != nil {
		return nil, err
	}
	if met.KioskClients, err = m.Int64UpDownCounter("chandaliar.kiosk.clients",
		metric.WithDescription("Number of connected kiosk clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("chandaliar.http.request.duration",
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

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records a completed turn entering the conversation.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.TurnsInserted.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordDecision records an operator decision.
func (m *Metrics) RecordDecision(ctx context.Context, role, decision string) {
	m.Decisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("decision", decision),
		),
	)
}

// RecordRender records a finished playback item.
func (m *Metrics) RecordRender(ctx context.Context, status string) {
	m.Renders.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordLightSend records a light sink command.
func (m *Metrics) RecordLightSend(ctx context.Context, sink, status string) {
	m.LightSends.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sink", sink),
			attribute.String("status", status),
		),
	)
}
