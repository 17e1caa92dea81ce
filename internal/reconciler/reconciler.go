// Package reconciler keeps job records in line with the orchestrator by
// polling workload status on a fixed interval.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"simjobs/internal/apperrors"
	"simjobs/internal/job"
	"simjobs/pkg/circuitbreaker"
)

// Controller is the part of job.Controller the reconciler drives.
type Controller interface {
	Active(ctx context.Context) ([]*job.Job, error)
	Reconcile(ctx context.Context, id string, observed job.ObservedStatus) error
	MarkLost(ctx context.Context, id string) error
	Overdue(j *job.Job, now time.Time) bool
	Timeout(ctx context.Context, id string) error
	Cleanup(ctx context.Context, days int) (int64, error)
}

// MetricsRecorder is an optional sink for reconciler metrics.
type MetricsRecorder interface {
	RecordReconcileCycle(ctx context.Context, durationSeconds float64)
	RecordPoll(ctx context.Context, result string)
	RecordRetention(ctx context.Context, deleted int64)
	RecordBreakerChange(ctx context.Context, breaker, state string)
}

// Result summarises one reconciliation cycle.
type Result struct {
	Active   int `json:"active"`
	Polled   int `json:"polled"`
	Errors   int `json:"errors"`
	Lost     int `json:"lost"`
	TimedOut int `json:"timed_out"`
	Skipped  int `json:"skipped"`
}

type counters struct {
	polled, errors, lost, timedOut, skipped atomic.Int64
}

func (c *counters) result(active int) Result {
	return Result{
		Active:   active,
		Polled:   int(c.polled.Load()),
		Errors:   int(c.errors.Load()),
		Lost:     int(c.lost.Load()),
		TimedOut: int(c.timedOut.Load()),
		Skipped:  int(c.skipped.Load()),
	}
}

type Reconciler struct {
	ctrl    Controller
	orch    job.Orchestrator
	cfg     Config
	breaker *circuitbreaker.Breaker
	metrics MetricsRecorder
	now     func() time.Time
	logger  *slog.Logger

	// cycles are serialised between the loop and RunOnce callers.
	cycleMu sync.Mutex

	stop chan struct{}
	done chan struct{}
}

type Option func(*Reconciler)

func WithMetrics(m MetricsRecorder) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(ctrl Controller, orch job.Orchestrator, cfg Config, opts ...Option) *Reconciler {
	r := &Reconciler{
		ctrl:   ctrl,
		orch:   orch,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: slog.With("component", "reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breaker = circuitbreaker.New(circuitbreaker.Config{
		Threshold: r.cfg.BreakerThreshold,
		Cooldown:  r.cfg.BreakerCooldown,
		Now:       r.now,
		OnStateChange: func(from, to circuitbreaker.State) {
			r.logger.Warn("Orchestrator circuit breaker changed state", "from", from, "to", to)
			if r.metrics != nil {
				r.metrics.RecordBreakerChange(context.Background(), "orchestrator", to.String())
			}
		},
	})
	return r
}

// Start launches the reconciliation and retention loops. Stop ends them.
func (r *Reconciler) Start() {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.run()
}

// Stop signals the loops to exit and waits for an in-flight cycle.
func (r *Reconciler) Stop() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
	r.stop = nil
}

func (r *Reconciler) run() {
	defer close(r.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stop
		cancel()
	}()

	reconcile := time.NewTicker(r.cfg.Interval)
	defer reconcile.Stop()
	retention := time.NewTicker(r.cfg.RetentionInterval)
	defer retention.Stop()

	r.logger.Info("Reconciler started", "interval", r.cfg.Interval, "concurrency", r.cfg.Concurrency,
		"retentionDays", r.cfg.RetentionDays)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-reconcile.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Reconciliation cycle failed", "error", err)
			}
		case <-retention.C:
			if _, err := r.Retain(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Retention cleanup failed", "error", err)
			}
		}
	}
}

// RunOnce performs one reconciliation cycle: overdue running jobs are
// timed out and every other active job with an external workload is
// polled. Per-job failures are counted, not returned.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	start := time.Now()
	jobs, err := r.ctrl.Active(ctx)
	if err != nil {
		return Result{}, err
	}

	var c counters
	now := r.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, j := range jobs {
		if r.ctrl.Overdue(j, now) {
			g.Go(func() error {
				r.timeout(gctx, j, &c)
				return nil
			})
			continue
		}
		if j.ExternalRef == "" {
			continue
		}
		g.Go(func() error {
			r.poll(gctx, j, &c)
			return nil
		})
	}
	_ = g.Wait()

	res := c.result(len(jobs))
	if r.metrics != nil {
		r.metrics.RecordReconcileCycle(ctx, time.Since(start).Seconds())
	}
	if res.Errors > 0 || res.Lost > 0 || res.TimedOut > 0 || res.Skipped > 0 {
		r.logger.Info("Reconciliation cycle complete", "active", res.Active, "polled", res.Polled,
			"errors", res.Errors, "lost", res.Lost, "timedOut", res.TimedOut, "skipped", res.Skipped)
	} else {
		r.logger.Debug("Reconciliation cycle complete", "active", res.Active, "polled", res.Polled)
	}
	return res, nil
}

func (r *Reconciler) timeout(ctx context.Context, j *job.Job, c *counters) {
	logger := r.logger.With("jobId", j.ID)
	if err := r.ctrl.Timeout(ctx, j.ID); err != nil {
		logger.Warn("Failed to time out job", "error", err)
		c.errors.Add(1)
		return
	}
	logger.Info("Job timed out", "startedAt", j.StartedAt)
	c.timedOut.Add(1)
}

func (r *Reconciler) poll(ctx context.Context, j *job.Job, c *counters) {
	logger := r.logger.With("jobId", j.ID, "ref", j.ExternalRef)

	if !r.breaker.Allow() {
		c.skipped.Add(1)
		r.recordPoll(ctx, "skipped")
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, r.cfg.PollTimeout)
	observed, err := r.orch.Status(pollCtx, j.ExternalRef)
	cancel()

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		r.breaker.RecordSuccess()
		c.lost.Add(1)
		r.recordPoll(ctx, "not_found")
		if err := r.ctrl.MarkLost(ctx, j.ID); err != nil {
			logger.Warn("Failed to mark lost job", "error", err)
			c.errors.Add(1)
			return
		}
		logger.Warn("External job no longer exists, job failed")
		return

	case err != nil:
		if ctx.Err() != nil {
			// Shutting down; release a half-open trial without counting a failure.
			r.breaker.RecordSuccess()
			return
		}
		r.breaker.RecordFailure()
		c.errors.Add(1)
		r.recordPoll(ctx, "error")
		logger.Warn("Failed to poll job status", "error", err)
		return
	}

	r.breaker.RecordSuccess()
	c.polled.Add(1)
	r.recordPoll(ctx, "ok")
	if err := r.ctrl.Reconcile(ctx, j.ID, observed); err != nil {
		c.errors.Add(1)
		logger.Warn("Failed to apply observed status", "error", err, "observed", observed)
	}
}

func (r *Reconciler) recordPoll(ctx context.Context, result string) {
	if r.metrics != nil {
		r.metrics.RecordPoll(ctx, result)
	}
}

// Retain deletes finished jobs older than the retention window.
func (r *Reconciler) Retain(ctx context.Context) (int64, error) {
	n, err := r.ctrl.Cleanup(ctx, r.cfg.RetentionDays)
	if err != nil {
		return 0, err
	}
	if r.metrics != nil && n > 0 {
		r.metrics.RecordRetention(ctx, n)
	}
	return n, nil
}

// BreakerState reports the orchestrator circuit breaker state.
func (r *Reconciler) BreakerState() circuitbreaker.State {
	return r.breaker.State()
}
