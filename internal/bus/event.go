// Package bus exports job status events to message brokers.
package bus

import (
	"time"

	"github.com/knowledgepitt/server/internal/core"
)

const EventType = "job.status"

// Message is the JSON envelope published for every status event.
type Message struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewMessage(event core.StatusEvent, at time.Time) Message {
	return Message{
		Type:      EventType,
		JobID:     event.JobID,
		Status:    string(event.Status),
		Error:     event.Error,
		Timestamp: at.UTC(),
	}
}
