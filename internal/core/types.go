package core

import (
	"context"
	"errors"
	"time"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// rank orders statuses along the lifecycle. Terminal statuses share a rank.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	}
	return -1
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	return s.rank() >= 0
}

// Job is a snapshot of one submitted document. Values handed out by the
// registry are copies and never change under the caller.
type Job struct {
	ID        string    `json:"id"`
	SourceRef string    `json:"source_ref"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusEvent is emitted once per job transition.
type StatusEvent struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

func (j *Job) Event() StatusEvent {
	return StatusEvent{JobID: j.ID, Status: j.Status, Error: j.Error}
}

type QueueStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

type Extractor interface {
	Extract(ctx context.Context, sourceRef string) (string, error)
}

type Ingester interface {
	Ingest(ctx context.Context, texts []string) (string, error)
}

// EventPublisher receives every status transition. Publish must not block.
type EventPublisher interface {
	Publish(event StatusEvent)
}

var (
	ErrSubmission     = errors.New("submission rejected")
	ErrExtraction     = errors.New("extraction failed")
	ErrIngestion      = errors.New("ingestion failed")
	ErrQuery          = errors.New("query failed")
	ErrDelivery       = errors.New("delivery failed")
	ErrInternalWorker = errors.New("internal worker error")
	ErrJobNotFound    = errors.New("job not found")
	ErrPoolStopped    = errors.New("worker pool stopped")
	ErrInvalidStatus  = errors.New("invalid status transition")
)
