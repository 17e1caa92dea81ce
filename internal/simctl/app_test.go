package simctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"simjobs/internal/api"
	"simjobs/internal/apperrors"
	"simjobs/internal/health"
	"simjobs/internal/job"
	"simjobs/internal/reconciler"
	"simjobs/internal/storage"
	"simjobs/internal/store"
)

type orchestrator struct{}

func (orchestrator) Submit(_ context.Context, req job.SubmitRequest) (string, error) {
	return "sim-users/" + req.JobID, nil
}
func (orchestrator) Status(context.Context, string) (job.ObservedStatus, error) {
	return job.ObservedStatus{Active: 1}, nil
}
func (orchestrator) Delete(context.Context, string) error { return nil }
func (orchestrator) Ready(context.Context) error          { return nil }

type objects struct {
	mu   sync.Mutex
	puts map[string]string
}

func (o *objects) Put(_ context.Context, key string, body []byte, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.puts[key] = string(body)
	return nil
}

func (o *objects) ListSigned(_ context.Context, prefix string, _ time.Duration) ([]storage.Object, error) {
	return []storage.Object{{Key: prefix + "fields.h5", Size: 2048}}, nil
}

func (o *objects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://bucket.test/" + key + "?sig=1", nil
}

type reconcilerStub struct{}

func (reconcilerStub) RunOnce(context.Context) (reconciler.Result, error) {
	return reconciler.Result{Active: 2, Polled: 2}, nil
}

type fixture struct {
	app     *App
	out     *bytes.Buffer
	ctrl    *job.Controller
	objects *objects
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	objs := &objects{puts: map[string]string{}}
	ctrl, err := job.NewController(store.NewMemory(), orchestrator{}, job.Config{}, job.WithObjectStore(objs))
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Controller:    ctrl,
		Objects:       objs,
		Reconciler:    reconcilerStub{},
		HealthChecker: health.NewChecker(),
		APIKey:        "secret",
	}))
	t.Cleanup(srv.Close)

	out := &bytes.Buffer{}
	return &fixture{
		app:     &App{Client: NewClient(srv.URL+"/", "secret", "alice"), Out: out, Format: FormatTable},
		out:     out,
		ctrl:    ctrl,
		objects: objs,
	}
}

func (f *fixture) writeJobFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "para.py"), []byte("N = 256\n"), 0o644))
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const jobYAML = `
name: taylor-green
description: decaying vortex
priority: high
resource_spec:
  cpu: "4"
  memory: 8Gi
parameters_file: para.py
simulation_config:
  grid: [256, 256, 256]
estimated_minutes: 30
`

func (f *fixture) submit(t *testing.T) *job.Job {
	t.Helper()
	sub, err := LoadSubmission(f.writeJobFile(t, jobYAML))
	require.NoError(t, err)
	j, err := f.app.Client.Submit(context.Background(), sub)
	require.NoError(t, err)
	return j
}

func TestParseSubmission(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "para.py"), []byte("N = 64\n"), 0o644))

	tests := map[string]struct {
		body    string
		check   func(t *testing.T, sub job.Submission)
		wantErr string
	}{
		"yaml with parameters file": {
			body: jobYAML,
			check: func(t *testing.T, sub job.Submission) {
				assert.Equal(t, "taylor-green", sub.Name)
				assert.Equal(t, job.Priority("high"), sub.Priority)
				assert.Equal(t, "4", sub.Resources.CPU)
				assert.Equal(t, "N = 64\n", sub.Parameters)
				assert.Equal(t, 30, sub.EstimatedMinutes)
				assert.Contains(t, sub.SimulationConfig, "grid")
			},
		},
		"json": {
			body: `{"name": "gpu-run", "resource_spec": {"cpu": "8", "memory": "32Gi", "gpu_count": 2}, "parameters": "N = 1"}`,
			check: func(t *testing.T, sub job.Submission) {
				assert.Equal(t, 2, sub.Resources.GPUCount)
				assert.Equal(t, "N = 1", sub.Parameters)
			},
		},
		"unknown key": {
			body:    "name: x\nresources:\n  cpu: 2\n",
			wantErr: "resources",
		},
		"both parameter sources": {
			body:    "name: x\nparameters: N = 1\nparameters_file: para.py\n",
			wantErr: "not both",
		},
		"missing parameters file": {
			body:    "name: x\nparameters_file: nope.py\n",
			wantErr: "read parameters",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			sub, err := ParseSubmission([]byte(tc.body), dir)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			tc.check(t, sub)
		})
	}
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	path := f.writeJobFile(t, jobYAML)
	require.NoError(t, f.app.Submit(context.Background(), path))

	assert.Contains(t, f.out.String(), "Submitted job ")
	assert.Contains(t, f.out.String(), "(queued)")

	res, err := f.ctrl.List(context.Background(), job.Filter{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	j := res.Jobs[0]
	assert.Equal(t, "N = 256\n", f.objects.puts[storage.ParamsKey("alice", j.ID)])
	assert.Equal(t, job.PriorityHigh, j.Priority)
}

func TestListFormats(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	j := f.submit(t)
	ctx := context.Background()

	require.NoError(t, f.app.List(ctx, "", 0, 0))
	table := f.out.String()
	assert.Contains(t, table, "JOB ID")
	assert.Contains(t, table, j.ID)
	assert.Contains(t, table, "1 of 1 jobs")

	f.out.Reset()
	f.app.Format = FormatJSON
	require.NoError(t, f.app.List(ctx, "queued", 10, 0))
	var res job.ListResult
	require.NoError(t, json.Unmarshal(f.out.Bytes(), &res))
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, j.ID, res.Jobs[0].ID)

	f.out.Reset()
	f.app.Format = FormatYAML
	require.NoError(t, f.app.List(ctx, "completed", 0, 0))
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(f.out.Bytes(), &doc))
	assert.Equal(t, 0, doc["total"])

	f.app.Format = "xml"
	assert.ErrorContains(t, f.app.List(ctx, "", 0, 0), "unknown output format")

	f.app.Format = FormatTable
	assert.Error(t, f.app.List(ctx, "sleeping", 0, 0))
}

func TestStatusAndDescribe(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	j := f.submit(t)
	ctx := context.Background()

	_, err := f.ctrl.ReportProgress(ctx, j.ID, 40, "time step 400")
	require.NoError(t, err)

	require.NoError(t, f.app.Status(ctx, j.ID))
	assert.Contains(t, f.out.String(), "running")
	assert.Contains(t, f.out.String(), "40.0%")
	assert.Contains(t, f.out.String(), "time step 400")

	f.out.Reset()
	require.NoError(t, f.app.Describe(ctx, j.ID))
	out := f.out.String()
	assert.Contains(t, out, "taylor-green")
	assert.Contains(t, out, "cpu=4 memory=8Gi gpus=0")
	assert.Contains(t, out, "Recent logs:")
	assert.Contains(t, out, "Job created")
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	j := f.submit(t)
	ctx := context.Background()

	require.NoError(t, f.app.Cancel(ctx, j.ID, "wrong grid"))
	assert.Equal(t, fmt.Sprintf("Job %s cancelled\n", j.ID), f.out.String())

	err := f.app.Cancel(ctx, j.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	logs, err := f.app.Client.Logs(ctx, j.ID, job.LevelInfo, 0)
	require.NoError(t, err)
	found := false
	for _, l := range logs {
		if strings.Contains(l.Message, "wrong grid") {
			found = true
		}
	}
	assert.True(t, found, "cancel reason should be logged")
}

func TestErrorsCarryStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.app.Client.Get(ctx, "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// Another owner cannot see alice's job.
	j := f.submit(t)
	f.app.Client.User = "bob"
	assert.ErrorIs(t, f.app.Status(ctx, j.ID), apperrors.ErrNotFound)

	f.app.Client.APIKey = "wrong"
	_, err = f.app.Client.Statistics(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)
}

func TestLogsOldestFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	j := f.submit(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.AppendLog(ctx, j.ID, job.LevelInfo, job.SourceRunner, "step 1"))
	require.NoError(t, f.ctrl.AppendLog(ctx, j.ID, job.LevelInfo, job.SourceRunner, "step 2"))

	require.NoError(t, f.app.Logs(ctx, j.ID, "", 0))
	out := f.out.String()
	assert.Less(t, strings.Index(out, "step 1"), strings.Index(out, "step 2"))

	assert.Error(t, f.app.Logs(ctx, j.ID, "loud", 0))
}

func TestFilesAndDownload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	j := f.submit(t)
	ctx := context.Background()

	require.NoError(t, f.app.Files(ctx, j.ID))
	assert.Contains(t, f.out.String(), j.OutputPrefix+"fields.h5")
	assert.Contains(t, f.out.String(), "2048")

	f.out.Reset()
	require.NoError(t, f.app.Download(ctx, j.ID, "fields.h5"))
	assert.Equal(t, "https://bucket.test/"+j.OutputPrefix+"fields.h5?sig=1\n", f.out.String())

	assert.ErrorIs(t, f.app.Download(ctx, j.ID, "../../etc/passwd"), apperrors.ErrValidation)
}

func TestAdminCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.submit(t)
	ctx := context.Background()

	require.NoError(t, f.app.Statistics(ctx))
	assert.Contains(t, f.out.String(), "Total:")

	f.out.Reset()
	require.NoError(t, f.app.Cleanup(ctx, 7))
	assert.Equal(t, "Removed 0 finished jobs older than 7 days\n", f.out.String())

	f.out.Reset()
	require.NoError(t, f.app.Reconcile(ctx))
	assert.Contains(t, f.out.String(), "Reconciled 2 active jobs: 2 polled")
}
