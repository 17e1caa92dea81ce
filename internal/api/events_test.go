package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"simjobs/internal/job"
	"simjobs/pkg/cloudevent"
)

func (f *fixture) postEvent(t *testing.T, jobID string, ev *cloudevent.CloudEvent, key string) int {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/"+jobID+"/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/cloudevents+json")
	if key != "" {
		req.Header.Set(cloudevent.SignatureHeader, cloudevent.Sign(body, key))
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w.Code
}

func TestRunnerProgressEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	j := f.create(t, "alice", "cavity")
	events := job.NewEventBuilder(j.ID, "sim-runner")

	if code := f.postEvent(t, j.ID, events.Start(), ""); code != http.StatusAccepted {
		t.Fatalf("start: status %d", code)
	}
	got, _ := f.ctrl.Get(context.Background(), j.ID)
	if got.Status != job.StatusRunning {
		t.Fatalf("status after start = %s, want running", got.Status)
	}

	if code := f.postEvent(t, j.ID, events.Progress(42.5, "Time step 425/1000"), ""); code != http.StatusAccepted {
		t.Fatalf("progress: status %d", code)
	}
	got, _ = f.ctrl.Get(context.Background(), j.ID)
	if got.Progress != 42.5 || got.CurrentStep != "Time step 425/1000" {
		t.Errorf("progress = %v %q", got.Progress, got.CurrentStep)
	}

	// Progress never decreases.
	f.postEvent(t, j.ID, events.Progress(10, ""), "")
	got, _ = f.ctrl.Get(context.Background(), j.ID)
	if got.Progress != 42.5 {
		t.Errorf("progress after lower report = %v, want 42.5", got.Progress)
	}
}

func TestRunnerLogAndExitEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	j := f.create(t, "alice", "cavity")
	events := job.NewEventBuilder(j.ID, "sim-runner")

	if code := f.postEvent(t, j.ID, events.Log(job.LevelWarning, "stderr", []string{"CFL = 0.9", "reducing dt"}), ""); code != http.StatusAccepted {
		t.Fatalf("log: status %d", code)
	}
	if code := f.postEvent(t, j.ID, events.Exit(3, nil), ""); code != http.StatusAccepted {
		t.Fatalf("exit: status %d", code)
	}

	logs, err := f.ctrl.Logs(context.Background(), j.ID, job.LogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	var runner []job.LogEntry
	for _, l := range logs {
		if l.Source == job.SourceRunner {
			runner = append(runner, l)
		}
	}
	if len(runner) != 2 {
		t.Fatalf("runner logs = %+v", runner)
	}
	// Newest first.
	if runner[0].Level != job.LevelError {
		t.Errorf("exit entry level = %s, want error", runner[0].Level)
	}
	if runner[1].Message != "CFL = 0.9\nreducing dt" || runner[1].Level != job.LevelWarning {
		t.Errorf("log entry = %+v", runner[1])
	}
}

func TestRunnerEventValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	j := f.create(t, "alice", "cavity")
	events := job.NewEventBuilder(j.ID, "sim-runner")

	other := job.NewEventBuilder("someone-else", "sim-runner")
	if code := f.postEvent(t, j.ID, other.Progress(5, ""), ""); code != http.StatusBadRequest {
		t.Errorf("subject mismatch: status %d, want 400", code)
	}
	unknown := cloudevent.New("simjobs.runner.reboot", "sim-runner", j.ID, nil)
	if code := f.postEvent(t, j.ID, unknown, ""); code != http.StatusBadRequest {
		t.Errorf("unknown type: status %d, want 400", code)
	}
	if code := f.postEvent(t, "missing", job.NewEventBuilder("missing", "r").Progress(1, ""), ""); code != http.StatusNotFound {
		t.Errorf("unknown job: status %d, want 404", code)
	}
	incomplete := events.Progress(1, "")
	incomplete.ID = ""
	if code := f.postEvent(t, j.ID, incomplete, ""); code != http.StatusBadRequest {
		t.Errorf("incomplete event: status %d, want 400", code)
	}
}

func TestRunnerEventSignature(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *RouterConfig) { c.CallbackKey = "callback-secret" })
	j := f.create(t, "alice", "cavity")
	events := job.NewEventBuilder(j.ID, "sim-runner")

	if code := f.postEvent(t, j.ID, events.Progress(1, ""), ""); code != http.StatusUnauthorized {
		t.Errorf("unsigned: status %d, want 401", code)
	}
	if code := f.postEvent(t, j.ID, events.Progress(1, ""), "wrong"); code != http.StatusUnauthorized {
		t.Errorf("wrong key: status %d, want 401", code)
	}
	if code := f.postEvent(t, j.ID, events.Progress(1, ""), "callback-secret"); code != http.StatusAccepted {
		t.Errorf("signed: status %d, want 202", code)
	}
}
