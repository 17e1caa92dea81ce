package job

import (
	"simjobs/pkg/cloudevent"
)

// Runner callback event types.
const (
	EventTypeStart    = "simjobs.runner.start"
	EventTypeProgress = "simjobs.runner.progress"
	EventTypeLog      = "simjobs.runner.log"
	EventTypeExit     = "simjobs.runner.exit"
)

type ProgressData struct {
	Percent float64 `json:"percent"`
	Step    string  `json:"step,omitempty"`
}

type LogData struct {
	Level  LogLevel `json:"level,omitempty"`
	Stream string   `json:"stream,omitempty"`
	Lines  []string `json:"lines"`
}

type ExitData struct {
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// EventBuilder builds runner callback events for one job.
type EventBuilder struct {
	source  string
	subject string
}

func NewEventBuilder(jobID, source string) *EventBuilder {
	return &EventBuilder{source: source, subject: jobID}
}

func (b *EventBuilder) build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	return cloudevent.New(eventType, b.source, b.subject, data)
}

func (b *EventBuilder) Start() *cloudevent.CloudEvent {
	return b.build(EventTypeStart, map[string]any{"job_id": b.subject})
}

func (b *EventBuilder) Progress(percent float64, step string) *cloudevent.CloudEvent {
	data := map[string]any{"percent": percent}
	if step != "" {
		data["step"] = step
	}
	return b.build(EventTypeProgress, data)
}

func (b *EventBuilder) Log(level LogLevel, stream string, lines []string) *cloudevent.CloudEvent {
	return b.build(EventTypeLog, map[string]any{
		"level":  string(level),
		"stream": stream,
		"lines":  lines,
	})
}

func (b *EventBuilder) Exit(exitCode int, err error) *cloudevent.CloudEvent {
	data := map[string]any{"exit_code": exitCode}
	if err != nil {
		data["error"] = err.Error()
	}
	return b.build(EventTypeExit, data)
}
