package docker

import (
	"sync"

	"simjobs/internal/apperrors"
)

// containerState is what the orchestrator remembers about a job's
// container. Docker remains the source of truth; this only saves lookups.
type containerState struct {
	containerID string
	volumeName  string
}

// stateRepo maps job ids to their containers.
type stateRepo struct {
	mu   sync.RWMutex
	jobs map[string]*containerState
}

func newStateRepo() *stateRepo {
	return &stateRepo{
		jobs: make(map[string]*containerState),
	}
}

// reserve claims jobID while its container is being created. The slot
// holds nil until commit.
func (r *stateRepo) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[jobID]; exists {
		return apperrors.Conflict("job", jobID, "submission already in progress")
	}
	r.jobs[jobID] = nil
	return nil
}

func (r *stateRepo) commit(jobID string, cs *containerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = cs
}

// release removes jobID and returns its state if it existed.
func (r *stateRepo) release(jobID string) (*containerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, exists := r.jobs[jobID]
	if exists {
		delete(r.jobs, jobID)
	}
	return cs, exists
}

// get returns (nil, true) for a reserved but uncommitted job.
func (r *stateRepo) get(jobID string) (*containerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cs, exists := r.jobs[jobID]
	return cs, exists
}

func (r *stateRepo) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
