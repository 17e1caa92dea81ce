package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"simjobs/internal/job"
)

// Metrics holds all application metrics.
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	JobsCreated     metric.Int64Counter
	JobTransitions  metric.Int64Counter
	JobDuration     metric.Float64Histogram
	JobsRunning     metric.Int64UpDownCounter
	JobsDeleted     metric.Int64Counter
	ReconcileCycles metric.Float64Histogram
	ReconcilePolls  metric.Int64Counter

	AdapterDuration metric.Float64Histogram
	BreakerChanges  metric.Int64Counter

	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("simjobs"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	// HTTP metrics
	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}
	if m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	); err != nil {
		return nil, err
	}

	// Job lifecycle
	if m.JobsCreated, err = meter.Int64Counter(
		"simulation_jobs_created_total",
		metric.WithDescription("Total number of simulation jobs created"),
	); err != nil {
		return nil, err
	}
	if m.JobTransitions, err = meter.Int64Counter(
		"simulation_job_transitions_total",
		metric.WithDescription("Job status transitions by target status"),
	); err != nil {
		return nil, err
	}
	if m.JobDuration, err = meter.Float64Histogram(
		"simulation_job_duration_seconds",
		metric.WithDescription("Wall time from start to terminal status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(60, 300, 900, 1800, 3600, 7200, 21600, 43200, 86400, 259200, 604800),
	); err != nil {
		return nil, err
	}
	if m.JobsRunning, err = meter.Int64UpDownCounter(
		"simulation_jobs_running",
		metric.WithDescription("Jobs currently running (saturation)"),
	); err != nil {
		return nil, err
	}
	if m.JobsDeleted, err = meter.Int64Counter(
		"simulation_jobs_deleted_total",
		metric.WithDescription("Finished jobs removed by retention cleanup"),
	); err != nil {
		return nil, err
	}

	// Reconciliation
	if m.ReconcileCycles, err = meter.Float64Histogram(
		"reconcile_cycle_duration_seconds",
		metric.WithDescription("Duration of one reconciliation cycle"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}
	if m.ReconcilePolls, err = meter.Int64Counter(
		"reconcile_polls_total",
		metric.WithDescription("Orchestrator status polls by result"),
	); err != nil {
		return nil, err
	}

	// Orchestrator adapter
	if m.AdapterDuration, err = meter.Float64Histogram(
		"orchestrator_call_duration_seconds",
		metric.WithDescription("Orchestrator API call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}
	if m.BreakerChanges, err = meter.Int64Counter(
		"circuit_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state changes"),
	); err != nil {
		return nil, err
	}

	// Dispatcher metrics
	if m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Notification delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}
	if m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with its duration and status.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// OnTransition records a committed status change. It is registered as a
// job.Controller hook.
func (m *Metrics) OnTransition(ctx context.Context, ev job.TransitionEvent) {
	if ev.From == "" {
		m.JobsCreated.Add(ctx, 1, metric.WithAttributes(
			attribute.String(attrPriority, string(ev.Job.Priority)),
			attribute.String(attrComputeType, string(ev.Job.ComputeType)),
		))
	}
	status := metric.WithAttributes(jobStatusAttr(string(ev.To)))
	m.JobTransitions.Add(ctx, 1, status)

	if ev.To == job.StatusRunning {
		m.JobsRunning.Add(ctx, 1)
	}
	if ev.From == job.StatusRunning && ev.To.IsTerminal() {
		m.JobsRunning.Add(ctx, -1)
	}
	if d, ok := ev.Job.Duration(ev.At); ok && ev.To.IsTerminal() {
		m.JobDuration.Record(ctx, d.Seconds(), status)
	}
}

// RecordReconcileCycle records one reconciliation pass.
func (m *Metrics) RecordReconcileCycle(ctx context.Context, durationSeconds float64) {
	m.ReconcileCycles.Record(ctx, durationSeconds)
}

// RecordPoll records one status poll. result is "ok", "error", "not_found"
// or "skipped".
func (m *Metrics) RecordPoll(ctx context.Context, result string) {
	m.ReconcilePolls.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordRetention records jobs removed by retention cleanup.
func (m *Metrics) RecordRetention(ctx context.Context, deleted int64) {
	m.JobsDeleted.Add(ctx, deleted)
}

// RecordAdapterCall records one orchestrator API call.
func (m *Metrics) RecordAdapterCall(ctx context.Context, operation string, success bool, durationSeconds float64) {
	m.AdapterDuration.Record(ctx, durationSeconds, metric.WithAttributes(
		attribute.String(attrOperation, operation),
		successAttr(success),
	))
}

// RecordBreakerChange records a circuit breaker entering state.
func (m *Metrics) RecordBreakerChange(ctx context.Context, breaker, state string) {
	m.BreakerChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrBreaker, breaker),
		attribute.String(attrState, state),
	))
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

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
