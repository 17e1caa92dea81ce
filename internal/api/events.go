package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"simjobs/internal/apperrors"
	"simjobs/internal/job"
	"simjobs/pkg/cloudevent"
)

// RunnerEvent handles POST /internal/jobs/{jobId}/events: progress, log
// and lifecycle callbacks sent by the simulation runner. Status changes
// they imply go through the controller like any other.
func (h *Handler) RunnerEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("jobId")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "event too large")
		return
	}
	if h.callbackKey != "" && !cloudevent.Verify(body, h.callbackKey, r.Header.Get(cloudevent.SignatureHeader)) {
		writeError(w, http.StatusUnauthorized, "invalid event signature")
		return
	}

	ev, err := cloudevent.Decode(bytes.NewReader(body))
	if err != nil {
		h.handleError(w, r, apperrors.Validation("event", err.Error()))
		return
	}
	if ev.Subject != "" && ev.Subject != id {
		h.handleError(w, r, apperrors.Validation("subject", fmt.Sprintf("event subject %q does not match job %q", ev.Subject, id)))
		return
	}

	if err := h.applyRunnerEvent(r, id, ev); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) applyRunnerEvent(r *http.Request, id string, ev *cloudevent.CloudEvent) error {
	ctx := r.Context()
	switch ev.Type {
	case job.EventTypeStart:
		_, err := h.ctrl.ReportProgress(ctx, id, 0, "Starting simulation")
		return err

	case job.EventTypeProgress:
		var data job.ProgressData
		if err := ev.DataInto(&data); err != nil {
			return apperrors.Validation("data", err.Error())
		}
		_, err := h.ctrl.ReportProgress(ctx, id, data.Percent, data.Step)
		return err

	case job.EventTypeLog:
		var data job.LogData
		if err := ev.DataInto(&data); err != nil {
			return apperrors.Validation("data", err.Error())
		}
		level := job.LevelInfo
		if data.Level != "" {
			l, err := job.ParseLogLevel(string(data.Level))
			if err != nil {
				return apperrors.Validation("level", err.Error())
			}
			level = l
		}
		msg := strings.TrimRight(strings.Join(data.Lines, "\n"), "\n")
		if msg == "" {
			return nil
		}
		return h.ctrl.AppendLog(ctx, id, level, job.SourceRunner, msg)

	case job.EventTypeExit:
		var data job.ExitData
		if err := ev.DataInto(&data); err != nil {
			return apperrors.Validation("data", err.Error())
		}
		level, msg := job.LevelInfo, fmt.Sprintf("Simulator exited with code %d", data.ExitCode)
		if data.ExitCode != 0 {
			level = job.LevelError
			if data.Error != "" {
				msg += ": " + data.Error
			}
		}
		return h.ctrl.AppendLog(ctx, id, level, job.SourceRunner, msg)
	}
	return apperrors.Validation("type", fmt.Sprintf("unsupported event type %q", ev.Type))
}
