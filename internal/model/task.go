package model

import (
	"time"

	"github.com/google/uuid"
)

// Task is the message submitted to the queue. It is not persisted by the
// service; the Job row is the durable record.
type Task struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	ImageID       uuid.UUID `json:"image_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// Result is the outcome of a single worker invocation.
type Result struct {
	JobID         uuid.UUID  `json:"job_id"`
	CorrelationID uuid.UUID  `json:"correlation_id"`
	Status        JobStatus  `json:"status"`
	ThumbnailID   *uuid.UUID `json:"thumbnail_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Duplicate     bool       `json:"duplicate"`
}

// CompletionEvent announces that a job reached a terminal state.
type CompletionEvent struct {
	CorrelationID uuid.UUID  `json:"correlation_id"`
	JobID         uuid.UUID  `json:"job_id"`
	Status        JobStatus  `json:"status"`
	ThumbnailID   *uuid.UUID `json:"thumbnail_id,omitempty"`
	Error         string     `json:"error,omitempty"`
	Attempts      int        `json:"attempts"`
	CompletedAt   time.Time  `json:"completed_at"`
}

// Event builds the completion event for a terminal result.
func (r Result) Event(attempts int, at time.Time) CompletionEvent {
	return CompletionEvent{
		CorrelationID: r.CorrelationID,
		JobID:         r.JobID,
		Status:        r.Status,
		ThumbnailID:   r.ThumbnailID,
		Error:         r.FailureReason,
		Attempts:      attempts,
		CompletedAt:   at,
	}
}
