package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"simjobs/internal/apperrors"
	"simjobs/internal/job"
)

// Memory is a job.Store kept in process memory. It is meant for tests and
// single-instance development; nothing survives a restart.
type Memory struct {
	mu     sync.RWMutex
	jobs   map[string]*job.Job
	logs   map[string][]job.LogEntry
	nextID int64
}

func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*job.Job),
		logs: make(map[string][]job.LogEntry),
	}
}

func (m *Memory) Create(_ context.Context, j *job.Job, logs []job.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, "job "+j.ID+" already exists")
	}
	j.Version = 1
	m.jobs[j.ID] = j.Clone()
	m.appendLocked(logs)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

func (m *Memory) List(_ context.Context, f job.Filter) ([]*job.Job, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*job.Job
	for _, j := range m.jobs {
		if f.Owner != "" && j.Owner != f.Owner {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool {
		if matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].ID > matched[b].ID
		}
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})

	total := int64(len(matched))
	start := min(f.Offset, len(matched))
	end := len(matched)
	if f.Limit > 0 {
		end = min(start+f.Limit, len(matched))
	}
	page := make([]*job.Job, 0, end-start)
	for _, j := range matched[start:end] {
		page = append(page, j.Clone())
	}
	return page, total, nil
}

func (m *Memory) ListActive(_ context.Context) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []*job.Job
	for _, j := range m.jobs {
		if !j.Status.IsTerminal() {
			active = append(active, j.Clone())
		}
	}
	sort.Slice(active, func(a, b int) bool { return active[a].CreatedAt.Before(active[b].CreatedAt) })
	return active, nil
}

func (m *Memory) Update(_ context.Context, j *job.Job, expectedVersion int64, logs []job.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[j.ID]
	if !ok {
		return apperrors.NotFound("job", j.ID)
	}
	if current.Version != expectedVersion {
		return apperrors.Conflict("job", j.ID, "job was modified concurrently")
	}
	j.Version = expectedVersion + 1
	m.jobs[j.ID] = j.Clone()
	m.appendLocked(logs)
	return nil
}

func (m *Memory) AppendLogs(_ context.Context, logs []job.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range logs {
		if _, ok := m.jobs[l.JobID]; !ok {
			return apperrors.NotFound("job", l.JobID)
		}
	}
	m.appendLocked(logs)
	return nil
}

func (m *Memory) appendLocked(logs []job.LogEntry) {
	for _, l := range logs {
		m.nextID++
		l.ID = m.nextID
		m.logs[l.JobID] = append(m.logs[l.JobID], l)
	}
}

// Logs returns entries newest first.
func (m *Memory) Logs(_ context.Context, jobID string, f job.LogFilter) ([]job.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.logs[jobID]
	out := make([]job.LogEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if f.Level != "" && entries[i].Level != f.Level {
			continue
		}
		out = append(out, entries[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, j := range m.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			delete(m.logs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(_ context.Context, owner string) (*job.Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rows []statRow
	for _, j := range m.jobs {
		if owner != "" && j.Owner != owner {
			continue
		}
		rows = append(rows, statRow{Status: string(j.Status), StartedAt: j.StartedAt, CompletedAt: j.CompletedAt})
	}
	return summarize(rows), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
