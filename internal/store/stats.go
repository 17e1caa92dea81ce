package store

import (
	"math"
	"time"

	"simjobs/internal/job"
)

type statRow struct {
	Status      string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// summarize computes statistics in Go so every backend agrees on the
// arithmetic. The success rate is completed jobs as a percentage of all jobs.
func summarize(rows []statRow) *job.Statistics {
	s := &job.Statistics{ByStatus: make(map[job.Status]int64, len(job.Statuses))}
	for _, st := range job.Statuses {
		s.ByStatus[st] = 0
	}

	var totalMinutes float64
	var timed int64
	for _, r := range rows {
		st := job.Status(r.Status)
		s.Total++
		s.ByStatus[st]++
		if st == job.StatusCompleted && r.StartedAt != nil && r.CompletedAt != nil {
			totalMinutes += r.CompletedAt.Sub(*r.StartedAt).Minutes()
			timed++
		}
	}
	s.Running = s.ByStatus[job.StatusRunning]
	s.Completed = s.ByStatus[job.StatusCompleted]
	s.Failed = s.ByStatus[job.StatusFailed]
	if s.Total > 0 {
		s.SuccessRate = round2(float64(s.Completed) / float64(s.Total) * 100)
	}
	if timed > 0 {
		s.AverageDurationMinutes = round2(totalMinutes / float64(timed))
	}
	return s
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
