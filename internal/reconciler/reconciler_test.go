package reconciler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simjobs/internal/apperrors"
	"simjobs/internal/job"
	"simjobs/internal/reconciler"
	"simjobs/internal/store"
	"simjobs/internal/testutil"
	"simjobs/pkg/circuitbreaker"
)

// scriptedOrchestrator answers Status from a per-ref table.
type scriptedOrchestrator struct {
	mu       sync.Mutex
	observed map[string]job.ObservedStatus
	errs     map[string]error
	deleted  []string

	calls    atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration

	// deleteGate, when set, holds every Delete until it is closed.
	deleteGate chan struct{}
}

func newScripted() *scriptedOrchestrator {
	return &scriptedOrchestrator{
		observed: make(map[string]job.ObservedStatus),
		errs:     make(map[string]error),
	}
}

func (s *scriptedOrchestrator) Submit(_ context.Context, req job.SubmitRequest) (string, error) {
	return "sim/" + req.JobID, nil
}

func (s *scriptedOrchestrator) Status(ctx context.Context, ref string) (job.ObservedStatus, error) {
	s.calls.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return job.ObservedStatus{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[ref]; err != nil {
		return job.ObservedStatus{}, err
	}
	return s.observed[ref], nil
}

func (s *scriptedOrchestrator) Delete(ctx context.Context, ref string) error {
	if s.deleteGate != nil {
		select {
		case <-s.deleteGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ref)
	return nil
}

func (s *scriptedOrchestrator) Ready(context.Context) error { return nil }

func (s *scriptedOrchestrator) set(ref string, obs job.ObservedStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed[ref] = obs
	s.errs[ref] = err
}

type recorder struct {
	mu       sync.Mutex
	cycles   int
	polls    map[string]int
	retained int64
	states   []string
}

func (r *recorder) RecordReconcileCycle(context.Context, float64) {
	r.mu.Lock()
	r.cycles++
	r.mu.Unlock()
}

func (r *recorder) RecordPoll(_ context.Context, result string) {
	r.mu.Lock()
	if r.polls == nil {
		r.polls = make(map[string]int)
	}
	r.polls[result]++
	r.mu.Unlock()
}

func (r *recorder) RecordRetention(_ context.Context, n int64) {
	r.mu.Lock()
	r.retained += n
	r.mu.Unlock()
}

func (r *recorder) RecordBreakerChange(_ context.Context, _, state string) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

type fixture struct {
	ctrl    *job.Controller
	store   *store.Memory
	orch    *scriptedOrchestrator
	clock   *testutil.Clock
	metrics *recorder
	rec     *reconciler.Reconciler
}

func newFixture(t *testing.T, cfg reconciler.Config) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemory(),
		orch:    newScripted(),
		clock:   testutil.NewClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)),
		metrics: &recorder{},
	}
	n := 0
	ctrl, err := job.NewController(f.store, f.orch, job.Config{MaxJobDuration: 2 * time.Hour},
		job.WithClock(f.clock.Now),
		job.WithIDGenerator(func() string { n++; return fmt.Sprintf("job-%d", n) }),
	)
	require.NoError(t, err)
	f.ctrl = ctrl
	f.rec = reconciler.New(ctrl, f.orch, cfg, reconciler.WithClock(f.clock.Now), reconciler.WithMetrics(f.metrics))
	return f
}

// queued creates and submits a job, leaving it queued with ref sim/<id>.
func (f *fixture) queued(t *testing.T) *job.Job {
	t.Helper()
	ctx := context.Background()
	j, err := f.ctrl.Create(ctx, "alice", job.Submission{Name: "cavity"})
	require.NoError(t, err)
	j, err = f.ctrl.Submit(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusQueued, j.Status)
	return j
}

func (f *fixture) status(t *testing.T, id string) job.Status {
	t.Helper()
	j, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j.Status
}

func TestRunOnceAppliesObservedStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reconciler.Config{})
	ctx := context.Background()

	running := f.queued(t)
	done := f.queued(t)
	failed := f.queued(t)
	idle := f.queued(t)
	f.orch.set(running.ExternalRef, job.ObservedStatus{Active: 1}, nil)
	f.orch.set(done.ExternalRef, job.ObservedStatus{Succeeded: 1}, nil)
	f.orch.set(failed.ExternalRef, job.ObservedStatus{Failed: 1}, nil)

	res, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciler.Result{Active: 4, Polled: 4}, res)

	assert.Equal(t, job.StatusRunning, f.status(t, running.ID))
	assert.Equal(t, job.StatusCompleted, f.status(t, done.ID))
	assert.Equal(t, job.StatusFailed, f.status(t, failed.ID))
	assert.Equal(t, job.StatusQueued, f.status(t, idle.ID))
	assert.Equal(t, 1, f.metrics.cycles)
	assert.Equal(t, 4, f.metrics.polls["ok"])

	// A second pass over the same observations changes nothing.
	res, err = f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Active)
	assert.Equal(t, job.StatusRunning, f.status(t, running.ID))
}

func TestRunOnceSkipsJobsWithoutWorkload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reconciler.Config{})
	_, err := f.ctrl.Create(context.Background(), "alice", job.Submission{Name: "draft"})
	require.NoError(t, err)

	res, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Active)
	assert.Zero(t, res.Polled)
	assert.Zero(t, f.orch.calls.Load())
}

func TestRunOnceFailsLostJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reconciler.Config{})
	j := f.queued(t)
	f.orch.set(j.ExternalRef, job.ObservedStatus{}, apperrors.NotFound("job", j.ExternalRef))

	res, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Lost)
	assert.Zero(t, res.Errors)

	got, err := f.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "no longer exists")
	assert.Equal(t, circuitbreaker.Closed, f.rec.BreakerState())
}

func TestRunOnceCountsTransientErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reconciler.Config{BreakerThreshold: 10})
	j := f.queued(t)
	f.orch.set(j.ExternalRef, job.ObservedStatus{}, apperrors.Transient("orchestrator.status", errors.New("connection refused")))

	res, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, job.StatusQueued, f.status(t, j.ID))
	assert.Equal(t, 1, f.metrics.polls["error"])
}

func TestBreakerSkipsPollsWhileOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reconciler.Config{Concurrency: 1, BreakerThreshold: 2, BreakerCooldown: time.Minute})
	ctx := context.Background()

	var jobs []*job.Job
	for range 4 {
		j := f.queued(t)
		f.orch.set(j.ExternalRef, job.ObservedStatus{}, errors.New("apiserver unavailable"))
		jobs = append(jobs, j)
	}

	res, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Errors)
	assert.Equal(t, 2, res.Skipped)
	assert.EqualValues(t, 2, f.orch.calls.Load())
	assert.Equal(t, circuitbreaker.Open, f.rec.BreakerState())

	// After the cooldown a probe goes through; success closes the breaker.
	for _, j := range jobs {
		f.orch.set(j.ExternalRef, job.ObservedStatus{Active: 1}, nil)
	}
	f.clock.Advance(2 * time.Minute)
	res, err = f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Polled)
	assert.Equal(t, circuitbreaker.Closed, f.rec.BreakerState())
	for _, j := range jobs {
		assert.Equal(t, job.StatusRunning, f.status(t, j.ID))
	}

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	assert.Equal(t, []string{"open", "half-open", "closed"}, f.metrics.states)
}

func TestRunOnceTimesOutOverdueJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reconciler.Config{})
	ctx := context.Background()

	j := f.queued(t)
	f.orch.set(j.ExternalRef, job.ObservedStatus{Active: 1}, nil)
	_, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, job.StatusRunning, f.status(t, j.ID))

	f.clock.Advance(3 * time.Hour)
	callsBefore := f.orch.calls.Load()
	res, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TimedOut)
	assert.Equal(t, callsBefore, f.orch.calls.Load(), "overdue jobs are not polled")
	assert.Equal(t, job.StatusTimeout, f.status(t, j.ID))

	f.orch.mu.Lock()
	defer f.orch.mu.Unlock()
	assert.Equal(t, []string{j.ExternalRef}, f.orch.deleted)
}

func TestRunOnceTimeoutDoesNotBlockPolls(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reconciler.Config{Concurrency: 2})
	ctx := context.Background()

	overdue := f.queued(t)
	f.orch.set(overdue.ExternalRef, job.ObservedStatus{Active: 1}, nil)
	_, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, job.StatusRunning, f.status(t, overdue.ID))
	f.clock.Advance(3 * time.Hour)

	fresh := f.queued(t)
	f.orch.set(fresh.ExternalRef, job.ObservedStatus{Active: 1}, nil)
	f.orch.deleteGate = make(chan struct{})

	done := make(chan reconciler.Result, 1)
	go func() {
		res, err := f.rec.RunOnce(ctx)
		assert.NoError(t, err)
		done <- res
	}()

	testutil.MustWaitFor(t, func() bool {
		return f.status(t, fresh.ID) == job.StatusRunning
	}, testutil.WithTimeout(2*time.Second))
	select {
	case <-done:
		t.Fatal("cycle finished while the delete was still held")
	default:
	}
	assert.Equal(t, job.StatusRunning, f.status(t, overdue.ID))

	close(f.orch.deleteGate)
	select {
	case res := <-done:
		assert.Equal(t, 1, res.TimedOut)
		assert.Equal(t, 1, res.Polled)
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not finish after the delete was released")
	}
	assert.Equal(t, job.StatusTimeout, f.status(t, overdue.ID))
}

func TestRunOnceBoundsConcurrency(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reconciler.Config{Concurrency: 3})
	f.orch.delay = 5 * time.Millisecond
	for range 12 {
		j := f.queued(t)
		f.orch.set(j.ExternalRef, job.ObservedStatus{Active: 1}, nil)
	}

	res, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, res.Polled)
	assert.LessOrEqual(t, f.orch.peak.Load(), int64(3))
}

func TestRetain(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reconciler.Config{RetentionDays: 7})
	ctx := context.Background()

	old := f.queued(t)
	f.orch.set(old.ExternalRef, job.ObservedStatus{Succeeded: 1}, nil)
	_, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)
	fresh := f.queued(t)
	f.orch.set(fresh.ExternalRef, job.ObservedStatus{Succeeded: 1}, nil)
	_, err = f.rec.RunOnce(ctx)
	require.NoError(t, err)

	n, err := f.rec.Retain(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.EqualValues(t, 1, f.metrics.retained)

	_, err = f.store.Get(ctx, old.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, job.StatusCompleted, f.status(t, fresh.ID))
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reconciler.Config{Interval: 5 * time.Millisecond})
	j := f.queued(t)
	f.orch.set(j.ExternalRef, job.ObservedStatus{Succeeded: 1}, nil)

	f.rec.Start()
	testutil.MustWaitFor(t, func() bool {
		got, err := f.store.Get(context.Background(), j.ID)
		return err == nil && got.Status == job.StatusCompleted
	}, testutil.WithTimeout(2*time.Second))
	f.rec.Stop()
	f.rec.Stop()
}
