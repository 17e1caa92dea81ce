package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"simjobs/internal/job"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	return m, reader
}

// sum returns the total of an Int64 sum metric across attribute sets.
func sum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T", name, m.Data)
			}
			var total int64
			for _, dp := range data.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	metrics, handler, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if metrics == nil || handler == nil {
		t.Fatal("Expected metrics and handler to be non-nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	m.RecordHTTPRequest(ctx, "GET", "/livez", 200, 0.001)
	m.RecordHTTPRequest(ctx, "POST", "/v1/jobs", 201, 0.050)
	m.RecordHTTPRequest(ctx, "GET", "/v1/jobs/abc123", 404, 0.005)
	m.RecordHTTPRequest(ctx, "POST", "/v1/jobs", 500, 0.001)

	if got := sum(t, reader, "http_requests_total"); got != 4 {
		t.Errorf("http_requests_total = %d, want 4", got)
	}
	if got := sum(t, reader, "http_errors_total"); got != 2 {
		t.Errorf("http_errors_total = %d, want 2", got)
	}
}

func TestOnTransition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	j := &job.Job{ID: "j1", Priority: job.PriorityNormal, ComputeType: job.ComputeCPU}

	m.OnTransition(ctx, job.TransitionEvent{Job: j, From: "", To: job.StatusPending, At: start})
	m.OnTransition(ctx, job.TransitionEvent{Job: j, From: job.StatusPending, To: job.StatusQueued, At: start})
	running := *j
	running.StartedAt = &start
	m.OnTransition(ctx, job.TransitionEvent{Job: &running, From: job.StatusQueued, To: job.StatusRunning, At: start})
	done := running
	done.CompletedAt = &end
	m.OnTransition(ctx, job.TransitionEvent{Job: &done, From: job.StatusRunning, To: job.StatusCompleted, At: end})

	if got := sum(t, reader, "simulation_jobs_created_total"); got != 1 {
		t.Errorf("created = %d, want 1", got)
	}
	if got := sum(t, reader, "simulation_job_transitions_total"); got != 4 {
		t.Errorf("transitions = %d, want 4", got)
	}
	if got := sum(t, reader, "simulation_jobs_running"); got != 0 {
		t.Errorf("running = %d, want 0 after completion", got)
	}
}

type stubOrchestrator struct{ err error }

func (s stubOrchestrator) Submit(context.Context, job.SubmitRequest) (string, error) {
	return "ns/sim-1", s.err
}
func (s stubOrchestrator) Status(context.Context, string) (job.ObservedStatus, error) {
	return job.ObservedStatus{Active: 1}, s.err
}
func (s stubOrchestrator) Delete(context.Context, string) error { return s.err }
func (s stubOrchestrator) Ready(context.Context) error          { return s.err }

func TestInstrumentOrchestrator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	o := InstrumentOrchestrator(stubOrchestrator{}, m)
	if ref, err := o.Submit(ctx, job.SubmitRequest{}); err != nil || ref != "ns/sim-1" {
		t.Fatalf("Submit = %q, %v", ref, err)
	}
	failing := InstrumentOrchestrator(stubOrchestrator{err: errors.New("boom")}, m)
	if _, err := failing.Status(ctx, "ns/sim-1"); err == nil {
		t.Fatal("expected error to pass through")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	var points int
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name == "orchestrator_call_duration_seconds" {
				points = len(metric.Data.(metricdata.Histogram[float64]).DataPoints)
			}
		}
	}
	if points != 2 {
		t.Errorf("Expected 2 attribute sets (submit ok, status failed), got %d", points)
	}

	if InstrumentOrchestrator(stubOrchestrator{}, nil) != (stubOrchestrator{}) {
		t.Error("nil metrics should return the orchestrator unchanged")
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/v1/jobs", "/v1/jobs"},
		{"/v1/jobs/abc123", "/v1/jobs/{jobId}"},
		{"/v1/jobs/abc123/status", "/v1/jobs/{jobId}/status"},
		{"/internal/jobs/abc123/events", "/internal/jobs/{jobId}/events"},
		{"/v1/statistics", "/v1/statistics"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
