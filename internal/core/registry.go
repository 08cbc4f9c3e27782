package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry holds every job submitted during the process lifetime. Records
// are only mutated through transition, which the worker pool owns.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

func (r *Registry) create(sourceRef string) Job {
	job := &Job{
		ID:        uuid.New().String(),
		SourceRef: sourceRef,
		Status:    JobStatusQueued,
		CreatedAt: r.now(),
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	r.mu.Unlock()

	return *job
}

// Get returns a copy of the job, or false when the id is unknown.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// List returns jobs in submission order. An empty status matches all jobs.
func (r *Registry) List(status JobStatus) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]Job, 0, len(r.order))
	for _, id := range r.order {
		job := r.jobs[id]
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs
}

func (r *Registry) Stats() QueueStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := QueueStats{Total: len(r.jobs)}
	for _, job := range r.jobs {
		switch job.Status {
		case JobStatusQueued:
			stats.Queued++
		case JobStatusProcessing:
			stats.Processing++
		case JobStatusCompleted:
			stats.Completed++
		case JobStatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// transition moves a job forward and returns the committed snapshot. Status
// and error are written together under the lock so readers never see a
// failed job without its error.
func (r *Registry) transition(id string, status JobStatus, errMsg string) (Job, error) {
	if status == JobStatusFailed && errMsg == "" {
		errMsg = "unknown error"
	}
	if status != JobStatusFailed {
		errMsg = ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !status.Valid() || job.Status.IsTerminal() || status.rank() != job.Status.rank()+1 {
		return *job, fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, job.Status, status)
	}

	job.Status = status
	job.Error = errMsg
	return *job, nil
}
