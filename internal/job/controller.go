package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"simjobs/internal/apperrors"
	"simjobs/internal/storage"
)

const (
	maxUpdateAttempts = 3

	defaultListLimit = 50
	maxListLimit     = 100
	defaultLogLimit  = 100
	maxLogLimit      = 1000

	maxRetentionDays = 36500
)

// Hook observes committed transitions. Hooks run synchronously after the
// store write returns and must not block.
type Hook func(ctx context.Context, ev TransitionEvent)

// Controller is the single writer of job status.
//
// Every status change goes through mutate: the job is re-read, the change
// is applied in memory, and the store write is conditional on the version
// that was read. Within a process a per-job mutex serialises operations;
// across processes the version check does. Hooks registered with
// OnTransition run only after a write has committed.
type Controller struct {
	store   Store
	orch    Orchestrator
	objects ObjectStore
	cfg     Config
	limits  limits
	rates   costRates
	locks   *keyedMutex
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger

	hooksMu sync.RWMutex
	hooks   []Hook
}

type Option func(*Controller)

// WithObjectStore enables uploading parameter files on Create.
func WithObjectStore(o ObjectStore) Option {
	return func(c *Controller) { c.objects = o }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithIDGenerator(f func() string) Option {
	return func(c *Controller) { c.newID = f }
}

func NewController(store Store, orch Orchestrator, cfg Config, opts ...Option) (*Controller, error) {
	cfg = cfg.withDefaults()
	lim, err := cfg.limits()
	if err != nil {
		return nil, err
	}
	c := &Controller{
		store:  store,
		orch:   orch,
		cfg:    cfg,
		limits: lim,
		rates:  costRates{cpu: cfg.CPUHourlyRate, gpu: cfg.GPUHourlyRate},
		locks:  newKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: slog.With("component", "controller"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OnTransition registers h to run after every committed transition,
// including job creation (From is empty).
func (c *Controller) OnTransition(h Hook) {
	c.hooksMu.Lock()
	c.hooks = append(c.hooks, h)
	c.hooksMu.Unlock()
}

// Create validates sub and persists a new pending job owned by owner.
func (c *Controller) Create(ctx context.Context, owner string, sub Submission) (*Job, error) {
	applyDefaults(&sub, c.cfg)
	if err := validate(owner, &sub, c.limits); err != nil {
		return nil, err
	}

	now := c.now()
	id := c.newID()
	j := &Job{
		ID:               id,
		Owner:            owner,
		Name:             sub.Name,
		Description:      sub.Description,
		Status:           StatusPending,
		Priority:         sub.Priority,
		ComputeType:      ComputeCPU,
		Resources:        sub.Resources,
		Workload:         sub.Workload,
		OutputPrefix:     storage.OutputPrefix(owner, id),
		LogKey:           storage.LogKey(owner, id),
		TotalSteps:       sub.TotalSteps,
		SimulationConfig: sub.SimulationConfig,
		EstimatedMinutes: sub.EstimatedMinutes,
		EstimatedCost:    c.rates.cost(sub.Resources, time.Duration(sub.EstimatedMinutes)*time.Minute),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if sub.Resources.GPUCount > 0 {
		j.ComputeType = ComputeGPU
	}

	if sub.Parameters != "" {
		if c.objects == nil {
			return nil, apperrors.Validation("parameters", "parameter upload is not configured")
		}
		key := storage.ParamsKey(owner, id)
		if err := c.objects.Put(ctx, key, []byte(sub.Parameters), "text/x-python"); err != nil {
			return nil, apperrors.Internal("storage.putParams", err)
		}
		j.ParamsKey = key
	}

	logs := []LogEntry{{
		JobID:     id,
		Level:     LevelInfo,
		Message:   fmt.Sprintf("Job created: %s (%s, cpu=%s memory=%s gpus=%d)", j.Name, j.ComputeType, j.Resources.CPU, j.Resources.Memory, j.Resources.GPUCount),
		Source:    SourceController,
		Timestamp: now,
	}}
	if err := c.store.Create(ctx, j, logs); err != nil {
		return nil, err
	}
	c.publish(ctx, j, []TransitionEvent{{To: StatusPending, At: now}})

	c.logger.Info("Job created", "jobId", id, "owner", owner, "computeType", j.ComputeType)
	return j, nil
}

// Submit starts a pending job on the orchestrator. On success the job is
// queued with its external reference; on failure it is failed with the
// orchestrator's message and the submission error is returned with it.
func (c *Controller) Submit(ctx context.Context, id string) (*Job, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	j, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusPending {
		return nil, apperrors.InvalidState("job", id, fmt.Sprintf("job is %s and cannot be submitted", j.Status))
	}

	logger := c.logger.With("jobId", id)
	ref, subErr := c.orch.Submit(ctx, c.submitRequest(j))
	if subErr != nil {
		if !errors.Is(subErr, apperrors.ErrSubmission) {
			subErr = apperrors.Submission("orchestrator.submit", subErr)
		}
		logger.Error("Job submission failed", "error", subErr)
		failed, err := c.mutate(ctx, id, func(ch *change) error {
			return ch.transition(StatusFailed, SourceOrchestrator, apperrors.Message(subErr))
		})
		if err != nil {
			return nil, errors.Join(subErr, err)
		}
		return failed, subErr
	}

	queued, err := c.mutate(ctx, id, func(ch *change) error {
		if err := ch.transition(StatusQueued, SourceController, ""); err != nil {
			return err
		}
		ch.job.ExternalRef = ref
		ch.log(LevelInfo, SourceOrchestrator, "Submitted to orchestrator as "+ref)
		return nil
	})
	if err != nil {
		// The workload exists but the job could not record it.
		if delErr := c.orch.Delete(ctx, ref); delErr != nil {
			logger.Warn("Failed to remove orphaned workload", "ref", ref, "error", delErr)
		}
		return nil, err
	}
	logger.Info("Job submitted", "ref", ref)
	return queued, nil
}

func (c *Controller) submitRequest(j *Job) SubmitRequest {
	req := SubmitRequest{
		JobID:        j.ID,
		Owner:        j.Owner,
		Priority:     j.Priority,
		ComputeType:  j.ComputeType,
		Resources:    j.Resources,
		Workload:     j.Workload,
		ParamsKey:    j.ParamsKey,
		OutputPrefix: j.OutputPrefix,
		LogKey:       j.LogKey,
	}
	if c.cfg.CallbackBaseURL != "" {
		req.CallbackURL = fmt.Sprintf("%s/internal/jobs/%s/events", c.cfg.CallbackBaseURL, j.ID)
	}
	return req
}

// Cancel stops a non-terminal job. Deleting the external workload is best
// effort: a failure is recorded as a warning and the job is still cancelled.
func (c *Controller) Cancel(ctx context.Context, id, reason string) (*Job, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	j, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() {
		return nil, apperrors.InvalidState("job", id, "job is already finished")
	}

	deleteErr := c.deleteWorkload(ctx, j)
	if reason == "" {
		reason = "cancelled by user"
	}
	return c.mutate(ctx, id, func(ch *change) error {
		if ch.job.Status.IsTerminal() {
			return apperrors.InvalidState("job", id, "job is already finished")
		}
		if deleteErr != nil {
			ch.log(LevelWarning, SourceOrchestrator, "Failed to delete external job: "+deleteErr.Error())
		}
		return ch.transition(StatusCancelled, SourceUser, reason)
	})
}

// Reconcile applies an orchestrator observation. Applying the same
// observation again changes nothing.
func (c *Controller) Reconcile(ctx context.Context, id string, observed ObservedStatus) error {
	target, ok := observed.Outcome()
	if !ok {
		return nil
	}

	unlock := c.locks.Lock(id)
	defer unlock()

	_, err := c.mutate(ctx, id, func(ch *change) error {
		from := ch.job.Status
		if from.IsTerminal() || from == StatusPending {
			return nil
		}
		switch target {
		case StatusRunning:
			return ch.transition(StatusRunning, SourceReconciler, "")
		case StatusCompleted:
			if from == StatusQueued {
				if err := ch.transition(StatusRunning, SourceReconciler, ""); err != nil {
					return err
				}
			}
			return ch.transition(StatusCompleted, SourceReconciler, "")
		case StatusFailed:
			return ch.transition(StatusFailed, SourceReconciler,
				fmt.Sprintf("Job failed in orchestrator (%d failed)", observed.Failed))
		}
		return nil
	})
	return err
}

// MarkLost fails a job whose external workload no longer exists.
func (c *Controller) MarkLost(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	_, err := c.mutate(ctx, id, func(ch *change) error {
		if ch.job.Status.IsTerminal() {
			return nil
		}
		return ch.transition(StatusFailed, SourceReconciler,
			fmt.Sprintf("external job %s no longer exists in the orchestrator", ch.job.ExternalRef))
	})
	return err
}

// Overdue reports whether a running job has exceeded the maximum duration.
func (c *Controller) Overdue(j *Job, now time.Time) bool {
	if j.Status != StatusRunning || j.StartedAt == nil {
		return false
	}
	return now.Sub(*j.StartedAt) > c.cfg.MaxJobDuration
}

// Timeout ends a running job that exceeded the maximum duration.
func (c *Controller) Timeout(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	j, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return nil
	}
	if j.Status != StatusRunning {
		return apperrors.InvalidState("job", id, fmt.Sprintf("job is %s, only running jobs can time out", j.Status))
	}

	deleteErr := c.deleteWorkload(ctx, j)
	_, err = c.mutate(ctx, id, func(ch *change) error {
		if deleteErr != nil {
			ch.log(LevelWarning, SourceOrchestrator, "Failed to delete external job: "+deleteErr.Error())
		}
		return ch.transition(StatusTimeout, SourceReconciler,
			fmt.Sprintf("Job exceeded maximum duration of %s", c.cfg.MaxJobDuration))
	})
	return err
}

// ReportProgress records runner progress. Percent is clamped to [0,100] and
// never decreases. A report for a queued job is evidence that it is running.
func (c *Controller) ReportProgress(ctx context.Context, id string, percent float64, step string) (*Job, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	return c.mutate(ctx, id, func(ch *change) error {
		j := ch.job
		switch {
		case j.Status.IsTerminal():
			return nil
		case j.Status == StatusPending:
			return apperrors.InvalidState("job", id, "job has not been submitted")
		case j.Status == StatusQueued:
			if err := ch.transition(StatusRunning, SourceRunner, ""); err != nil {
				return err
			}
		}
		if p := clampPercent(percent); p > j.Progress {
			j.Progress = p
			ch.touch()
		}
		if step != "" && step != j.CurrentStep {
			j.CurrentStep = step
			ch.touch()
		}
		return nil
	})
}

func clampPercent(p float64) float64 {
	if math.IsNaN(p) {
		return 0
	}
	return math.Max(0, math.Min(100, p))
}

// AppendLog adds an entry to a job's log without changing the job.
func (c *Controller) AppendLog(ctx context.Context, id string, level LogLevel, source LogSource, message string) error {
	if _, err := c.store.Get(ctx, id); err != nil {
		return err
	}
	return c.store.AppendLogs(ctx, []LogEntry{{
		JobID:     id,
		Level:     level,
		Message:   message,
		Source:    source,
		Timestamp: c.now(),
	}})
}

func (c *Controller) Get(ctx context.Context, id string) (*Job, error) {
	return c.store.Get(ctx, id)
}

func (c *Controller) Status(ctx context.Context, id string) (StatusView, error) {
	j, err := c.store.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return j.View(c.now()), nil
}

func (c *Controller) List(ctx context.Context, f Filter) (*ListResult, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperrors.Validation("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Offset < 0 {
		return nil, apperrors.Validation("offset", "offset cannot be negative")
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	f.Limit = min(f.Limit, maxListLimit)

	jobs, total, err := c.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return &ListResult{Jobs: jobs, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Active returns every non-terminal job.
func (c *Controller) Active(ctx context.Context) ([]*Job, error) {
	return c.store.ListActive(ctx)
}

func (c *Controller) Logs(ctx context.Context, id string, f LogFilter) ([]LogEntry, error) {
	if _, err := c.store.Get(ctx, id); err != nil {
		return nil, err
	}
	if f.Limit <= 0 {
		f.Limit = defaultLogLimit
	}
	f.Limit = min(f.Limit, maxLogLimit)
	return c.store.Logs(ctx, id, f)
}

// Cleanup removes terminal jobs that completed more than days ago.
func (c *Controller) Cleanup(ctx context.Context, days int) (int64, error) {
	if days < 1 {
		return 0, apperrors.Validation("days", "retention must be at least one day")
	}
	if days > maxRetentionDays {
		return 0, apperrors.Validation("days", fmt.Sprintf("retention must be at most %d days", maxRetentionDays))
	}
	cutoff := c.now().AddDate(0, 0, -days)
	n, err := c.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("Removed expired jobs", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (c *Controller) Statistics(ctx context.Context, owner string) (*Statistics, error) {
	return c.store.Stats(ctx, owner)
}

// Ready reports whether the store is reachable.
func (c *Controller) Ready(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func (c *Controller) deleteWorkload(ctx context.Context, j *Job) error {
	if j.ExternalRef == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DeleteTimeout)
	defer cancel()
	err := c.orch.Delete(ctx, j.ExternalRef)
	if err != nil {
		c.logger.Warn("Failed to delete external job", "jobId", j.ID, "ref", j.ExternalRef, "error", err)
	}
	return err
}

// mutate re-reads the job, applies fn, and writes the result conditionally
// on the version read. A version conflict restarts from the read.
func (c *Controller) mutate(ctx context.Context, id string, fn func(*change) error) (*Job, error) {
	for attempt := 1; ; attempt++ {
		j, err := c.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		ch := newChange(j, c.now(), c.rates)
		if err := fn(ch); err != nil {
			return nil, err
		}
		if !ch.dirty {
			return j, nil
		}

		err = c.store.Update(ctx, j, ch.version, ch.logs)
		if errors.Is(err, apperrors.ErrConflict) && attempt < maxUpdateAttempts {
			c.logger.Debug("Retrying job update after version conflict", "jobId", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		c.publish(ctx, j, ch.events)
		return j, nil
	}
}

func (c *Controller) publish(ctx context.Context, j *Job, events []TransitionEvent) {
	if len(events) == 0 {
		return
	}
	c.hooksMu.RLock()
	hooks := c.hooks
	c.hooksMu.RUnlock()

	for _, ev := range events {
		ev.Job = j.Clone()
		for _, h := range hooks {
			c.runHook(ctx, h, ev)
		}
	}
}

func (c *Controller) runHook(ctx context.Context, h Hook, ev TransitionEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Transition hook panicked", "jobId", ev.Job.ID, "to", ev.To, "panic", r)
		}
	}()
	h(ctx, ev)
}
