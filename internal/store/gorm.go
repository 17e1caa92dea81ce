// Package store implements job.Store on SQL databases through gorm and in
// process memory.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"simjobs/internal/apperrors"
	"simjobs/internal/job"
)

const deleteBatchSize = 500

type jobRecord struct {
	ID               string `gorm:"primaryKey;size:36"`
	Owner            string `gorm:"size:64;not null;index:idx_jobs_owner_created,priority:1"`
	Name             string `gorm:"size:200;not null"`
	Description      string
	Status           string `gorm:"size:16;not null;index"`
	Priority         string `gorm:"size:16;not null"`
	ComputeType      string `gorm:"size:8;not null"`
	CPURequest       string `gorm:"size:32;not null"`
	MemoryRequest    string `gorm:"size:32;not null"`
	GPUCount         int    `gorm:"not null;default:0"`
	Workload         string `gorm:"size:512;not null"`
	ExternalRef      string `gorm:"size:255"`
	ParamsKey        string `gorm:"size:512"`
	OutputPrefix     string `gorm:"size:512"`
	LogKey           string `gorm:"size:512"`
	Progress         float64
	CurrentStep      string `gorm:"size:255"`
	TotalSteps       int
	ErrorMessage     string
	SimulationConfig map[string]any      `gorm:"serializer:json"`
	EstimatedMinutes int                 `gorm:"not null;default:0"`
	EstimatedCost    decimal.Decimal     `gorm:"type:numeric(12,2)"`
	ActualCost       decimal.NullDecimal `gorm:"type:numeric(12,2)"`
	CreatedAt        time.Time           `gorm:"not null;autoCreateTime:false;index:idx_jobs_owner_created,priority:2"`
	UpdatedAt        time.Time           `gorm:"not null;autoUpdateTime:false"`
	StartedAt        *time.Time
	CompletedAt      *time.Time `gorm:"index"`
	Version          int64      `gorm:"not null"`
}

func (jobRecord) TableName() string { return "simulation_jobs" }

type logRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	JobID     string    `gorm:"size:36;not null;index:idx_job_logs_job_ts,priority:1"`
	Level     string    `gorm:"size:16;not null"`
	Message   string    `gorm:"not null"`
	Source    string    `gorm:"size:32"`
	Timestamp time.Time `gorm:"not null;autoCreateTime:false;index:idx_job_logs_job_ts,priority:2"`
}

func (logRecord) TableName() string { return "job_logs" }

func toRecord(j *job.Job) *jobRecord {
	r := &jobRecord{
		ID:               j.ID,
		Owner:            j.Owner,
		Name:             j.Name,
		Description:      j.Description,
		Status:           string(j.Status),
		Priority:         string(j.Priority),
		ComputeType:      string(j.ComputeType),
		CPURequest:       j.Resources.CPU,
		MemoryRequest:    j.Resources.Memory,
		GPUCount:         j.Resources.GPUCount,
		Workload:         j.Workload,
		ExternalRef:      j.ExternalRef,
		ParamsKey:        j.ParamsKey,
		OutputPrefix:     j.OutputPrefix,
		LogKey:           j.LogKey,
		Progress:         j.Progress,
		CurrentStep:      j.CurrentStep,
		TotalSteps:       j.TotalSteps,
		ErrorMessage:     j.ErrorMessage,
		SimulationConfig: j.SimulationConfig,
		EstimatedMinutes: j.EstimatedMinutes,
		EstimatedCost:    j.EstimatedCost,
		CreatedAt:        j.CreatedAt.UTC(),
		UpdatedAt:        j.UpdatedAt.UTC(),
		StartedAt:        utc(j.StartedAt),
		CompletedAt:      utc(j.CompletedAt),
		Version:          j.Version,
	}
	if j.ActualCost != nil {
		r.ActualCost = decimal.NewNullDecimal(*j.ActualCost)
	}
	return r
}

func (r *jobRecord) toJob() *job.Job {
	j := &job.Job{
		ID:          r.ID,
		Owner:       r.Owner,
		Name:        r.Name,
		Description: r.Description,
		Status:      job.Status(r.Status),
		Priority:    job.Priority(r.Priority),
		ComputeType: job.ComputeType(r.ComputeType),
		Resources: job.Resources{
			CPU:      r.CPURequest,
			Memory:   r.MemoryRequest,
			GPUCount: r.GPUCount,
		},
		Workload:         r.Workload,
		ExternalRef:      r.ExternalRef,
		ParamsKey:        r.ParamsKey,
		OutputPrefix:     r.OutputPrefix,
		LogKey:           r.LogKey,
		Progress:         r.Progress,
		CurrentStep:      r.CurrentStep,
		TotalSteps:       r.TotalSteps,
		ErrorMessage:     r.ErrorMessage,
		SimulationConfig: r.SimulationConfig,
		EstimatedMinutes: r.EstimatedMinutes,
		EstimatedCost:    r.EstimatedCost,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
		StartedAt:        utc(r.StartedAt),
		CompletedAt:      utc(r.CompletedAt),
		Version:          r.Version,
	}
	if r.ActualCost.Valid {
		cost := r.ActualCost.Decimal
		j.ActualCost = &cost
	}
	return j
}

func toLogRecords(logs []job.LogEntry) []logRecord {
	out := make([]logRecord, len(logs))
	for i, l := range logs {
		out[i] = logRecord{
			JobID:     l.JobID,
			Level:     string(l.Level),
			Message:   l.Message,
			Source:    string(l.Source),
			Timestamp: l.Timestamp.UTC(),
		}
	}
	return out
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Gorm is a job.Store backed by sqlite or postgres.
type Gorm struct {
	db *gorm.DB
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config) (*Gorm, error) {
	cfg = cfg.withDefaults()

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres store requires DATABASE_URL")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(cfg.LogLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == "sqlite" {
		// One connection serialises writers and keeps ":memory:" databases shared.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns / 2)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return NewGorm(db)
}

// NewGorm wraps an open connection and migrates the schema.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&jobRecord{}, &logRecord{}); err != nil {
		return nil, fmt.Errorf("migrate job tables: %w", err)
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) Create(ctx context.Context, j *job.Job, logs []job.LogEntry) error {
	j.Version = 1
	rec := toRecord(j)
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperrors.Conflict("job", j.ID, "job "+j.ID+" already exists")
			}
			return apperrors.Internal("store.createJob", err)
		}
		return insertLogs(tx, logs)
	})
}

func insertLogs(tx *gorm.DB, logs []job.LogEntry) error {
	if len(logs) == 0 {
		return nil
	}
	if err := tx.Create(toLogRecords(logs)).Error; err != nil {
		return apperrors.Internal("store.appendLogs", err)
	}
	return nil
}

func (g *Gorm) Get(ctx context.Context, id string) (*job.Job, error) {
	var rec jobRecord
	err := g.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getJob", err)
	}
	return rec.toJob(), nil
}

func (g *Gorm) List(ctx context.Context, f job.Filter) ([]*job.Job, int64, error) {
	q := g.db.WithContext(ctx).Model(&jobRecord{})
	if f.Owner != "" {
		q = q.Where("owner = ?", f.Owner)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, apperrors.Internal("store.countJobs", err)
	}

	var recs []jobRecord
	q = q.Order("created_at DESC").Order("id DESC").Offset(f.Offset)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, 0, apperrors.Internal("store.listJobs", err)
	}
	return toJobs(recs), total, nil
}

func (g *Gorm) ListActive(ctx context.Context) ([]*job.Job, error) {
	var recs []jobRecord
	err := g.db.WithContext(ctx).
		Where("status NOT IN ?", terminalStatuses()).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, apperrors.Internal("store.listActive", err)
	}
	return toJobs(recs), nil
}

func toJobs(recs []jobRecord) []*job.Job {
	jobs := make([]*job.Job, len(recs))
	for i := range recs {
		jobs[i] = recs[i].toJob()
	}
	return jobs
}

func terminalStatuses() []string {
	var out []string
	for _, s := range job.Statuses {
		if s.IsTerminal() {
			out = append(out, string(s))
		}
	}
	return out
}

// Update writes j if the stored version is still expectedVersion.
func (g *Gorm) Update(ctx context.Context, j *job.Job, expectedVersion int64, logs []job.LogEntry) error {
	rec := toRecord(j)
	rec.Version = expectedVersion + 1

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&jobRecord{}).
			Where("id = ? AND version = ?", j.ID, expectedVersion).
			Select("*").Omit("id", "created_at").
			Updates(rec)
		if res.Error != nil {
			return apperrors.Internal("store.updateJob", res.Error)
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&jobRecord{}).Where("id = ?", j.ID).Count(&n).Error; err != nil {
				return apperrors.Internal("store.updateJob", err)
			}
			if n == 0 {
				return apperrors.NotFound("job", j.ID)
			}
			return apperrors.Conflict("job", j.ID, "job was modified concurrently")
		}
		return insertLogs(tx, logs)
	})
	if err != nil {
		return err
	}
	j.Version = rec.Version
	return nil
}

func (g *Gorm) AppendLogs(ctx context.Context, logs []job.LogEntry) error {
	return insertLogs(g.db.WithContext(ctx), logs)
}

func (g *Gorm) Logs(ctx context.Context, jobID string, f job.LogFilter) ([]job.LogEntry, error) {
	q := g.db.WithContext(ctx).Where("job_id = ?", jobID)
	if f.Level != "" {
		q = q.Where("level = ?", string(f.Level))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var recs []logRecord
	if err := q.Order("timestamp DESC").Order("id DESC").Find(&recs).Error; err != nil {
		return nil, apperrors.Internal("store.listLogs", err)
	}

	out := make([]job.LogEntry, len(recs))
	for i, r := range recs {
		out[i] = job.LogEntry{
			ID:        r.ID,
			JobID:     r.JobID,
			Level:     job.LogLevel(r.Level),
			Message:   r.Message,
			Source:    job.LogSource(r.Source),
			Timestamp: r.Timestamp.UTC(),
		}
	}
	return out, nil
}

func (g *Gorm) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var ids []string
	err := g.db.WithContext(ctx).Model(&jobRecord{}).
		Where("status IN ? AND completed_at IS NOT NULL AND completed_at < ?", terminalStatuses(), cutoff.UTC()).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, apperrors.Internal("store.findExpired", err)
	}

	var removed int64
	for start := 0; start < len(ids); start += deleteBatchSize {
		batch := ids[start:min(start+deleteBatchSize, len(ids))]
		err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("job_id IN ?", batch).Delete(&logRecord{}).Error; err != nil {
				return err
			}
			res := tx.Where("id IN ?", batch).Delete(&jobRecord{})
			removed += res.RowsAffected
			return res.Error
		})
		if err != nil {
			return removed, apperrors.Internal("store.deleteExpired", err)
		}
	}
	return removed, nil
}

func (g *Gorm) Stats(ctx context.Context, owner string) (*job.Statistics, error) {
	q := g.db.WithContext(ctx).Model(&jobRecord{}).Select("status", "started_at", "completed_at")
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	var rows []statRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, apperrors.Internal("store.stats", err)
	}
	return summarize(rows), nil
}

func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
