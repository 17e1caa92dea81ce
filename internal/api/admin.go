package api

import (
	"net/http"
	"strconv"

	"simjobs/internal/apperrors"
)

// Statistics handles GET /v1/statistics for the caller's jobs.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ctrl.Statistics(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

const defaultRetentionDays = 30

// Cleanup handles POST /v1/maintenance/cleanup?days=N (default 30).
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	days := defaultRetentionDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.handleError(w, r, apperrors.Validation("days", "days must be an integer"))
			return
		}
		days = n
	}
	n, err := h.ctrl.Cleanup(r.Context(), days)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

// Reconcile handles POST /v1/reconcile by running one cycle inline.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciler is not running")
		return
	}
	res, err := h.reconciler.RunOnce(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
