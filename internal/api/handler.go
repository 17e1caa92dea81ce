// Package api serves the jobs HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"simjobs/internal/apperrors"
	"simjobs/internal/health"
	"simjobs/internal/job"
	"simjobs/internal/reconciler"
	"simjobs/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20
	recentLogLimit     = 20
)

// ObjectStore is the part of storage.S3 the file endpoints use.
type ObjectStore interface {
	ListSigned(ctx context.Context, prefix string, ttl time.Duration) ([]storage.Object, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type Reconciler interface {
	RunOnce(ctx context.Context) (reconciler.Result, error)
}

type Handler struct {
	ctrl        *job.Controller
	objects     ObjectStore
	reconciler  Reconciler
	health      *health.Checker
	callbackKey string
	presignTTL  time.Duration
}

func NewHandler(cfg RouterConfig) *Handler {
	h := &Handler{
		ctrl:        cfg.Controller,
		objects:     cfg.Objects,
		reconciler:  cfg.Reconciler,
		health:      cfg.HealthChecker,
		callbackKey: cfg.CallbackKey,
		presignTTL:  cfg.PresignTTL,
	}
	if h.presignTTL <= 0 {
		h.presignTTL = time.Hour
	}
	return h
}

// JobDetails is a job with its most recent log entries.
type JobDetails struct {
	*job.Job
	Logs []job.LogEntry `json:"logs"`
}

// CreateJob handles POST /v1/jobs: the job is created and submitted in
// one request.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var sub job.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx := r.Context()
	created, err := h.ctrl.Create(ctx, ownerFrom(ctx), sub)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	submitted, err := h.ctrl.Submit(ctx, created.ID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("job %s: %w", created.ID, err))
		return
	}
	writeJSON(w, http.StatusAccepted, submitted)
}

// ListJobs handles GET /v1/jobs?status=&limit=&offset=.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := job.Filter{Owner: ownerFrom(r.Context())}
	if s := q.Get("status"); s != "" {
		st, err := job.ParseStatus(s)
		if err != nil {
			h.handleError(w, r, apperrors.Validation("status", err.Error()))
			return
		}
		f.Status = st
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		h.handleError(w, r, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		h.handleError(w, r, err)
		return
	}

	res, err := h.ctrl.List(r.Context(), f)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetJob handles GET /v1/jobs/{jobId}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	logs, err := h.ctrl.Logs(r.Context(), j.ID, job.LogFilter{Limit: recentLogLimit})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobDetails{Job: j, Logs: logs})
}

// JobStatus handles GET /v1/jobs/{jobId}/status.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	view, err := h.ctrl.Status(r.Context(), j.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CancelJob handles POST /v1/jobs/{jobId}/cancel with an optional
// {"reason": "..."} body.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	reason := body.Reason
	if reason == "" {
		reason = "Cancelled by " + ownerFrom(r.Context())
	}

	cancelled, err := h.ctrl.Cancel(r.Context(), j.ID, reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

// JobLogs handles GET /v1/jobs/{jobId}/logs?level=&limit=.
func (h *Handler) JobLogs(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var f job.LogFilter
	if l := q.Get("level"); l != "" {
		level, err := job.ParseLogLevel(l)
		if err != nil {
			h.handleError(w, r, apperrors.Validation("level", err.Error()))
			return
		}
		f.Level = level
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		h.handleError(w, r, err)
		return
	}

	logs, err := h.ctrl.Logs(r.Context(), j.ID, f)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": j.ID, "logs": logs})
}

// Livez handles GET /livez. It does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz and answers 503 while a required dependency
// is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	resp := h.health.Readiness(r.Context())
	status := http.StatusOK
	if !resp.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// ownedJob loads the path job. Jobs of other owners are reported as not
// found.
func (h *Handler) ownedJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	id := r.PathValue("jobId")
	j, err := h.ctrl.Get(r.Context(), id)
	if err == nil && j.Owner != ownerFrom(r.Context()) {
		err = apperrors.NotFound("job", id)
	}
	if err != nil {
		h.handleError(w, r, err)
		return nil, false
	}
	return j, true
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.Validation(name, name+" must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps service errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if errors.Is(err, context.Canceled) {
		status = 499
	}
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	writeError(w, status, err.Error())
}
