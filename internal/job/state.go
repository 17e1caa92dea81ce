package job

import (
	"fmt"
	"time"

	"simjobs/internal/apperrors"
)

// transitions lists the legal targets from each non-terminal status.
var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusFailed, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionEvent describes one committed status change. From is empty for
// the creation event.
type TransitionEvent struct {
	Job    *Job
	From   Status
	To     Status
	Reason string
	At     time.Time
}

// change accumulates the effects of one controller operation on a job:
// the log entries to persist with it and the events to publish once the
// write has committed.
type change struct {
	job     *Job
	version int64
	now     time.Time
	dirty   bool
	logs    []LogEntry
	events  []TransitionEvent
	rates   costRates
}

func newChange(j *Job, now time.Time, rates costRates) *change {
	return &change{job: j, version: j.Version, now: now, rates: rates}
}

func (c *change) log(level LogLevel, source LogSource, msg string) {
	c.logs = append(c.logs, LogEntry{
		JobID:     c.job.ID,
		Level:     level,
		Message:   msg,
		Source:    source,
		Timestamp: c.now,
	})
	c.dirty = true
}

// transition moves the job to status to. Re-entering the current status and
// any terminal request on an already terminal job are no-ops.
func (c *change) transition(to Status, source LogSource, reason string) error {
	j := c.job
	from := j.Status
	if from == to {
		return nil
	}
	if from.IsTerminal() {
		if to.IsTerminal() {
			return nil
		}
		return apperrors.InvalidState("job", j.ID, fmt.Sprintf("job is %s and cannot become %s", from, to))
	}
	if !CanTransition(from, to) {
		return apperrors.InvalidState("job", j.ID, fmt.Sprintf("cannot move job from %s to %s", from, to))
	}

	now := c.now
	if to == StatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if to.IsTerminal() && j.CompletedAt == nil {
		done := now
		if j.StartedAt != nil && done.Before(*j.StartedAt) {
			done = *j.StartedAt
		}
		j.CompletedAt = &done
		if d, ok := j.Duration(done); ok {
			cost := c.rates.cost(j.Resources, d)
			j.ActualCost = &cost
		}
	}
	switch to {
	case StatusCompleted:
		j.Progress = 100
	case StatusFailed, StatusTimeout:
		j.ErrorMessage = reason
	}
	j.Status = to
	j.UpdatedAt = now

	level := LevelInfo
	if to == StatusFailed || to == StatusTimeout {
		level = LevelError
	}
	msg := fmt.Sprintf("Status changed from %s to %s", from, to)
	if reason != "" {
		msg += ": " + reason
	}
	c.log(level, source, msg)
	c.events = append(c.events, TransitionEvent{From: from, To: to, Reason: reason, At: now})
	return nil
}

// touch marks the job modified without a status change.
func (c *change) touch() {
	c.job.UpdatedAt = c.now
	c.dirty = true
}
