package observability

import (
	"context"
	"time"

	"simjobs/internal/job"
)

// instrumentedOrchestrator times every call to the wrapped orchestrator.
type instrumentedOrchestrator struct {
	next    job.Orchestrator
	metrics *Metrics
}

// InstrumentOrchestrator wraps o so each call is recorded in m.
func InstrumentOrchestrator(o job.Orchestrator, m *Metrics) job.Orchestrator {
	if m == nil {
		return o
	}
	return &instrumentedOrchestrator{next: o, metrics: m}
}

func (i *instrumentedOrchestrator) record(ctx context.Context, op string, start time.Time, err error) {
	i.metrics.RecordAdapterCall(ctx, op, err == nil, time.Since(start).Seconds())
}

func (i *instrumentedOrchestrator) Submit(ctx context.Context, req job.SubmitRequest) (ref string, err error) {
	defer func(start time.Time) { i.record(ctx, "submit", start, err) }(time.Now())
	return i.next.Submit(ctx, req)
}

func (i *instrumentedOrchestrator) Status(ctx context.Context, ref string) (obs job.ObservedStatus, err error) {
	defer func(start time.Time) { i.record(ctx, "status", start, err) }(time.Now())
	return i.next.Status(ctx, ref)
}

func (i *instrumentedOrchestrator) Delete(ctx context.Context, ref string) (err error) {
	defer func(start time.Time) { i.record(ctx, "delete", start, err) }(time.Now())
	return i.next.Delete(ctx, ref)
}

func (i *instrumentedOrchestrator) Ready(ctx context.Context) (err error) {
	defer func(start time.Time) { i.record(ctx, "ready", start, err) }(time.Now())
	return i.next.Ready(ctx)
}
