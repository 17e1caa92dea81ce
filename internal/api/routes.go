package api

import (
	"net/http"
	"time"

	"simjobs/internal/health"
	"simjobs/internal/job"
	"simjobs/internal/observability"
)

type RouterConfig struct {
	Controller    *job.Controller
	Objects       ObjectStore // optional; file endpoints answer 503 without it
	Reconciler    Reconciler  // optional; POST /v1/reconcile answers 503 without it
	PresignTTL    time.Duration
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
	// AdminKey, when set, replaces APIKey on the routes that act on every
	// owner's jobs.
	AdminKey string
	// CallbackKey, when set, is required to sign runner events.
	CallbackKey string
}

func NewRouter(cfg RouterConfig) http.Handler {
	h := NewHandler(cfg)
	mux := http.NewServeMux()

	// Probes: no auth.
	mux.HandleFunc("GET /livez", h.Livez)
	mux.HandleFunc("GET /readyz", h.Readyz)

	// Runner callbacks: network-isolated, optionally signed.
	mux.HandleFunc("POST /internal/jobs/{jobId}/events", h.RunnerEvent)

	auth := AuthMiddleware(cfg.APIKey)
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}
	route("POST /v1/jobs", h.CreateJob)
	route("GET /v1/jobs", h.ListJobs)
	route("GET /v1/jobs/{jobId}", h.GetJob)
	route("GET /v1/jobs/{jobId}/status", h.JobStatus)
	route("POST /v1/jobs/{jobId}/cancel", h.CancelJob)
	route("GET /v1/jobs/{jobId}/logs", h.JobLogs)
	route("GET /v1/jobs/{jobId}/files", h.JobFiles)
	route("GET /v1/jobs/{jobId}/download", h.DownloadFile)
	route("GET /v1/statistics", h.Statistics)

	adminAuth := auth
	if cfg.AdminKey != "" {
		adminAuth = AuthMiddleware(cfg.AdminKey)
	}
	mux.Handle("POST /v1/maintenance/cleanup", adminAuth(http.HandlerFunc(h.Cleanup)))
	mux.Handle("POST /v1/reconcile", adminAuth(http.HandlerFunc(h.Reconcile)))

	// Outermost first.
	var handler http.Handler = mux
	handler = ContentTypeMiddleware()(handler)
	handler = CORSMiddleware()(handler)
	if cfg.Metrics != nil {
		handler = MetricsMiddleware(cfg.Metrics)(handler)
	}
	handler = LoggingMiddleware()(handler)
	handler = RecoveryMiddleware()(handler)
	return handler
}
