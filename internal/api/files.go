package api

import (
	"net/http"
	"time"

	"simjobs/internal/storage"
)

type fileList struct {
	JobID string           `json:"job_id"`
	Files []storage.Object `json:"files"`
}

type download struct {
	JobID     string    `json:"job_id"`
	Key       string    `json:"key"`
	URL       string    `json:"download_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// JobFiles handles GET /v1/jobs/{jobId}/files: every output object with a
// presigned download URL.
func (h *Handler) JobFiles(w http.ResponseWriter, r *http.Request) {
	if h.objects == nil {
		writeError(w, http.StatusServiceUnavailable, "object storage is not configured")
		return
	}
	j, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	files, err := h.objects.ListSigned(r.Context(), j.OutputPrefix, h.presignTTL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if files == nil {
		files = []storage.Object{}
	}
	writeJSON(w, http.StatusOK, fileList{JobID: j.ID, Files: files})
}

// DownloadFile handles GET /v1/jobs/{jobId}/download?path=: a presigned
// URL for one object below the job's output prefix.
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	if h.objects == nil {
		writeError(w, http.StatusServiceUnavailable, "object storage is not configured")
		return
	}
	j, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	key, err := storage.ObjectKey(j.OutputPrefix, r.URL.Query().Get("path"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	url, err := h.objects.PresignGet(r.Context(), key, h.presignTTL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, download{
		JobID:     j.ID,
		Key:       key,
		URL:       url,
		ExpiresAt: time.Now().UTC().Add(h.presignTTL),
	})
}
