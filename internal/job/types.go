package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusQueued, StatusRunning,
	StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout,
}

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	case "":
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type ComputeType string

const (
	ComputeCPU ComputeType = "cpu"
	ComputeGPU ComputeType = "gpu"
)

// Resources is a resource request expressed as Kubernetes quantities.
type Resources struct {
	CPU      string `json:"cpu" yaml:"cpu"`
	Memory   string `json:"memory" yaml:"memory"`
	GPUCount int    `json:"gpu_count" yaml:"gpu_count"`
}

// Job is the persisted record of one simulation run.
type Job struct {
	ID          string      `json:"job_id"`
	Owner       string      `json:"owner"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Status      Status      `json:"status"`
	Priority    Priority    `json:"priority"`
	ComputeType ComputeType `json:"compute_type"`
	Resources   Resources   `json:"resource_spec"`

	// Workload is the container image that runs the simulation.
	Workload    string `json:"workload_reference"`
	ExternalRef string `json:"external_reference,omitempty"`

	ParamsKey    string `json:"params_key,omitempty"`
	OutputPrefix string `json:"output_prefix"`
	LogKey       string `json:"log_key"`

	Progress     float64 `json:"progress_percentage"`
	CurrentStep  string  `json:"current_step,omitempty"`
	TotalSteps   int     `json:"total_steps,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`

	SimulationConfig map[string]any `json:"simulation_config,omitempty"`

	EstimatedMinutes int              `json:"estimated_minutes"`
	EstimatedCost    decimal.Decimal  `json:"estimated_cost"`
	ActualCost       *decimal.Decimal `json:"actual_cost,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version is incremented by the store on every update.
	Version int64 `json:"version"`
}

// Duration is the time spent running: until completion for finished jobs,
// until now for running ones. ok is false when the job never started.
func (j *Job) Duration(now time.Time) (d time.Duration, ok bool) {
	if j.StartedAt == nil {
		return 0, false
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt), true
}

// Clone returns a deep copy safe to hand to hooks.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.ActualCost != nil {
		d := *j.ActualCost
		c.ActualCost = &d
	}
	if j.SimulationConfig != nil {
		c.SimulationConfig = make(map[string]any, len(j.SimulationConfig))
		for k, v := range j.SimulationConfig {
			c.SimulationConfig[k] = v
		}
	}
	return &c
}

// StatusView is the compact status returned to pollers.
type StatusView struct {
	JobID           string   `json:"job_id"`
	Status          Status   `json:"status"`
	Progress        float64  `json:"progress_percentage"`
	CurrentStep     string   `json:"current_step,omitempty"`
	DurationMinutes *float64 `json:"duration_minutes"`
	ErrorMessage    string   `json:"error_message,omitempty"`
}

func (j *Job) View(now time.Time) StatusView {
	v := StatusView{
		JobID:        j.ID,
		Status:       j.Status,
		Progress:     j.Progress,
		CurrentStep:  j.CurrentStep,
		ErrorMessage: j.ErrorMessage,
	}
	if d, ok := j.Duration(now); ok {
		m := d.Minutes()
		v.DurationMinutes = &m
	}
	return v
}

type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

func ParseLogLevel(s string) (LogLevel, error) {
	switch l := LogLevel(strings.ToLower(s)); l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return l, nil
	case "warn":
		return LevelWarning, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// LogSource names the component that produced a log entry.
type LogSource string

const (
	SourceController   LogSource = "controller"
	SourceReconciler   LogSource = "reconciler"
	SourceOrchestrator LogSource = "orchestrator"
	SourceRunner       LogSource = "runner"
	SourceUser         LogSource = "user"
)

// LogEntry is an append-only event attached to a job.
type LogEntry struct {
	ID        int64     `json:"id,omitempty"`
	JobID     string    `json:"job_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Source    LogSource `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Submission is a user request to create a job.
type Submission struct {
	Name             string         `json:"name" yaml:"name"`
	Description      string         `json:"description,omitempty" yaml:"description,omitempty"`
	Priority         Priority       `json:"priority,omitempty" yaml:"priority,omitempty"`
	Resources        Resources      `json:"resource_spec" yaml:"resource_spec"`
	Workload         string         `json:"workload_reference,omitempty" yaml:"workload_reference,omitempty"`
	SimulationConfig map[string]any `json:"simulation_config,omitempty" yaml:"simulation_config,omitempty"`
	// Parameters is the parameter file content handed to the simulator.
	Parameters       string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	TotalSteps       int    `json:"total_steps,omitempty" yaml:"total_steps,omitempty"`
	EstimatedMinutes int    `json:"estimated_minutes,omitempty" yaml:"estimated_minutes,omitempty"`
}

// Filter selects jobs for List.
type Filter struct {
	Owner  string
	Status Status
	Limit  int
	Offset int
}

// LogFilter selects log entries; zero values mean no restriction.
type LogFilter struct {
	Level LogLevel
	Limit int
}

// Statistics summarises an owner's jobs.
type Statistics struct {
	Total                  int64            `json:"total_jobs"`
	ByStatus               map[Status]int64 `json:"by_status"`
	Running                int64            `json:"running_jobs"`
	Completed              int64            `json:"completed_jobs"`
	Failed                 int64            `json:"failed_jobs"`
	SuccessRate            float64          `json:"success_rate"`
	AverageDurationMinutes float64          `json:"average_duration_minutes"`
}

// ListResult is one page of jobs.
type ListResult struct {
	Jobs   []*Job `json:"jobs"`
	Total  int64  `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}
