package job

import (
	"context"
	"time"
)

// Store persists jobs and their log entries.
//
// Update is conditional: it succeeds only when the stored version equals
// expectedVersion, writes the job and logs atomically, and increments the
// version. A mismatch returns an apperrors.ErrConflict error.
type Store interface {
	Create(ctx context.Context, j *Job, logs []LogEntry) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, f Filter) ([]*Job, int64, error)
	// ListActive returns all jobs in a non-terminal status, oldest first.
	ListActive(ctx context.Context) ([]*Job, error)
	Update(ctx context.Context, j *Job, expectedVersion int64, logs []LogEntry) error
	AppendLogs(ctx context.Context, logs []LogEntry) error
	Logs(ctx context.Context, jobID string, f LogFilter) ([]LogEntry, error)
	// DeleteFinishedBefore removes terminal jobs completed before cutoff,
	// with their logs, and returns how many jobs were removed.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, owner string) (*Statistics, error)
	Ping(ctx context.Context) error
	Close() error
}

// ObjectStore is the object-storage surface the controller needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

