package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/runs/operations take
// - Traffic: Request/run throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (active runs, dispatcher queue)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Run metrics (Latency, Traffic, Errors, Saturation)
	RunDuration       metric.Float64Histogram
	RunsTotal         metric.Int64Counter
	RunsCompleted     metric.Int64Counter
	RunsAborted       metric.Int64Counter
	RunsActive        metric.Int64UpDownCounter
	PollsTotal        metric.Int64Counter
	CallbackFailures  metric.Int64Counter
	OperationDuration metric.Float64Histogram
	OperationErrors   metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherDeferred  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("jobflow")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Run metrics
	m.RunDuration, err = meter.Float64Histogram(
		"run_duration_seconds",
		metric.WithDescription("Run duration from start to done in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 30, 60, 300, 600, 1800, 3600, 7200, 21600, 86400),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunsTotal, err = meter.Int64Counter(
		"runs_total",
		metric.WithDescription("Total number of runs started"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter(
		"runs_completed_total",
		metric.WithDescription("Total number of runs completed, by final phase"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunsAborted, err = meter.Int64Counter(
		"runs_aborted_total",
		metric.WithDescription("Total number of runs aborted by a command error, by stage"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunsActive, err = meter.Int64UpDownCounter(
		"runs_active",
		metric.WithDescription("Number of runs in flight (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollsTotal, err = meter.Int64Counter(
		"run_polls_total",
		metric.WithDescription("Total number of status polls, by observed phase"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbackFailures, err = meter.Int64Counter(
		"run_callback_failures_total",
		metric.WithDescription("Total number of runs whose callback failed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OperationDuration, err = meter.Float64Histogram(
		"operation_duration_seconds",
		metric.WithDescription("Command invocation latency in seconds, including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OperationErrors, err = meter.Int64Counter(
		"operation_errors_total",
		metric.WithDescription("Total number of failed command invocations"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Event delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (shard full or max deferrals)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDeferred, err = meter.Int64Counter(
		"dispatcher_deferred_total",
		metric.WithDescription("Total deliveries held back by an open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		routeAttr(route),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRunStarted records a run entering the workflow.
func (m *Metrics) RecordRunStarted(ctx context.Context, platform string) {
	attrs := metric.WithAttributes(platformAttr(platform))
	m.RunsTotal.Add(ctx, 1, attrs)
	m.RunsActive.Add(ctx, 1, attrs)
}

// RecordRunFinished records a run reaching DONE with its final phase.
func (m *Metrics) RecordRunFinished(ctx context.Context, platform, phase string, durationSeconds float64) {
	attrs := metric.WithAttributes(platformAttr(platform), phaseAttr(phase))
	m.RunDuration.Record(ctx, durationSeconds, attrs)
	m.RunsCompleted.Add(ctx, 1, attrs)
	m.RunsActive.Add(ctx, -1, metric.WithAttributes(platformAttr(platform)))
}

// RecordRunAborted records a run aborted at stage.
func (m *Metrics) RecordRunAborted(ctx context.Context, platform, stage string) {
	m.RunsAborted.Add(ctx, 1, metric.WithAttributes(platformAttr(platform), stageAttr(stage)))
	m.RunsActive.Add(ctx, -1, metric.WithAttributes(platformAttr(platform)))
}

// RecordPoll records one status observation.
func (m *Metrics) RecordPoll(ctx context.Context, platform, phase string) {
	m.PollsTotal.Add(ctx, 1, metric.WithAttributes(platformAttr(platform), phaseAttr(phase)))
}

// RecordCallbackFailed records a run whose callback or delivery failed.
func (m *Metrics) RecordCallbackFailed(ctx context.Context, platform string) {
	m.CallbackFailures.Add(ctx, 1, metric.WithAttributes(platformAttr(platform)))
}

// RecordOperation records one command invocation.
func (m *Metrics) RecordOperation(ctx context.Context, platform, op string, durationSeconds float64, err error) {
	attrs := metric.WithAttributes(platformAttr(platform), opAttr(op), successAttr(err == nil))
	m.OperationDuration.Record(ctx, durationSeconds, attrs)
	if err != nil {
		m.OperationErrors.Add(ctx, 1, metric.WithAttributes(platformAttr(platform), opAttr(op)))
	}
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherDeferred records a delivery held back by an open circuit.
func (m *Metrics) RecordDispatcherDeferred(ctx context.Context) {
	m.DispatcherDeferred.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
