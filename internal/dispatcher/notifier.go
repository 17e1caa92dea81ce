package dispatcher

import (
	"context"
	"errors"
	"log/slog"

	"simjobs/internal/job"
	"simjobs/pkg/cloudevent"
)

// EventTypePrefix prefixes the status in transition event types,
// e.g. "simjobs.job.completed".
const EventTypePrefix = "simjobs.job."

// Notifier turns committed job transitions into CloudEvents for a webhook.
type Notifier struct {
	d      Dispatcher
	cfg    NotifyConfig
	logger *slog.Logger
}

// NewNotifier returns nil when no webhook is configured.
func NewNotifier(d Dispatcher, cfg NotifyConfig) *Notifier {
	if cfg.WebhookURL == "" {
		return nil
	}
	if cfg.Source == "" {
		cfg.Source = "simjobs"
	}
	return &Notifier{d: d, cfg: cfg, logger: slog.With("component", "notifier")}
}

// OnTransition is a job.Hook. It never blocks.
func (n *Notifier) OnTransition(_ context.Context, ev job.TransitionEvent) {
	err := n.d.Dispatch(&Event{
		Payload:     TransitionEvent(n.cfg.Source, ev),
		Destination: n.cfg.WebhookURL,
		SigningKey:  n.cfg.SigningKey,
	})
	if err != nil && !errors.Is(err, ErrBufferFull) {
		n.logger.Warn("Failed to queue transition event", "jobId", ev.Job.ID, "to", ev.To, "error", err)
	}
}

// TransitionEvent builds the CloudEvent for ev.
func TransitionEvent(source string, ev job.TransitionEvent) *cloudevent.CloudEvent {
	j := ev.Job
	data := map[string]any{
		"job_id":              j.ID,
		"owner":               j.Owner,
		"name":                j.Name,
		"from":                string(ev.From),
		"status":              string(ev.To),
		"progress_percentage": j.Progress,
		"compute_type":        string(j.ComputeType),
	}
	if ev.Reason != "" {
		data["reason"] = ev.Reason
	}
	if j.ErrorMessage != "" {
		data["error_message"] = j.ErrorMessage
	}
	if d, ok := j.Duration(ev.At); ok {
		data["duration_seconds"] = int64(d.Seconds())
	}
	if j.ActualCost != nil {
		data["actual_cost"] = j.ActualCost.String()
	}
	e := cloudevent.New(EventTypePrefix+string(ev.To), source, j.ID, data)
	e.Time = ev.At
	return e
}
