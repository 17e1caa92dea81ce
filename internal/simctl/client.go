// Package simctl implements the command line client for the jobs service.
package simctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"simjobs/internal/apperrors"
	"simjobs/internal/job"
	"simjobs/internal/reconciler"
	"simjobs/internal/storage"
)

// APIError is a non-2xx response from the jobs service. It unwraps to the
// apperrors sentinel matching its status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return apperrors.FromHTTPStatus(e.StatusCode)
}

// Client talks to the jobs service REST API.
type Client struct {
	BaseURL string
	APIKey  string
	User    string
	HTTP    *http.Client
}

func NewClient(baseURL, apiKey, user string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		User:    user,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// FileList is the response of the files endpoint.
type FileList struct {
	JobID string           `json:"job_id"`
	Files []storage.Object `json:"files"`
}

// Download is a presigned URL for one output file.
type Download struct {
	JobID     string    `json:"job_id"`
	Key       string    `json:"key"`
	URL       string    `json:"download_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// JobDetails is a job with its most recent log entries.
type JobDetails struct {
	job.Job
	Logs []job.LogEntry `json:"logs"`
}

func (c *Client) Submit(ctx context.Context, sub job.Submission) (*job.Job, error) {
	var out job.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", nil, sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) List(ctx context.Context, status job.Status, limit, offset int) (*job.ListResult, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out job.ListResult
	if err := c.do(ctx, http.MethodGet, "/v1/jobs", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Get(ctx context.Context, id string) (*JobDetails, error) {
	var out JobDetails
	if err := c.do(ctx, http.MethodGet, jobPath(id, ""), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, id string) (*job.StatusView, error) {
	var out job.StatusView
	if err := c.do(ctx, http.MethodGet, jobPath(id, "/status"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, id, reason string) (*job.Job, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var out job.Job
	if err := c.do(ctx, http.MethodPost, jobPath(id, "/cancel"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Logs(ctx context.Context, id string, level job.LogLevel, limit int) ([]job.LogEntry, error) {
	q := url.Values{}
	if level != "" {
		q.Set("level", string(level))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Logs []job.LogEntry `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, jobPath(id, "/logs"), q, nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

func (c *Client) Files(ctx context.Context, id string) (*FileList, error) {
	var out FileList
	if err := c.do(ctx, http.MethodGet, jobPath(id, "/files"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Download(ctx context.Context, id, path string) (*Download, error) {
	var out Download
	if err := c.do(ctx, http.MethodGet, jobPath(id, "/download"), url.Values{"path": {path}}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Statistics(ctx context.Context) (*job.Statistics, error) {
	var out job.Statistics
	if err := c.do(ctx, http.MethodGet, "/v1/statistics", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cleanup removes the caller's finished jobs older than days and returns
// how many were removed.
func (c *Client) Cleanup(ctx context.Context, days int) (int64, error) {
	var out struct {
		Removed int64 `json:"removed"`
	}
	q := url.Values{"days": {strconv.Itoa(days)}}
	if err := c.do(ctx, http.MethodPost, "/v1/maintenance/cleanup", q, nil, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

func (c *Client) Reconcile(ctx context.Context) (*reconciler.Result, error) {
	var out reconciler.Result
	if err := c.do(ctx, http.MethodPost, "/v1/reconcile", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func jobPath(id, suffix string) string {
	return "/v1/jobs/" + url.PathEscape(id) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.User != "" {
		req.Header.Set("X-User", c.User)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload) == nil {
			apiErr.Message = payload.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
