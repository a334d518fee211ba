package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusComplete   JobStatus = "complete"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusComplete, StatusFailed:
		return true
	default:
		return false
	}
}

// Job is the persisted unit of work tracking one thumbnail request.
//
// ThumbnailID is set if and only if Status is StatusComplete.
type Job struct {
	ID            uuid.UUID  `json:"id"`
	Slug          string     `json:"slug"`
	Title         string     `json:"title"`
	ImageID       uuid.UUID  `json:"image_id"`
	ThumbnailID   *uuid.UUID `json:"thumbnail_id,omitempty"`
	CorrelationID uuid.UUID  `json:"correlation_id"`
	Status        JobStatus  `json:"status"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	Tags          []string   `json:"tags"`
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// JobView is the externally visible projection of a Job.
type JobView struct {
	ID            uuid.UUID `json:"id"`
	Slug          string    `json:"slug"`
	Title         string    `json:"title"`
	Status        JobStatus `json:"status"`
	Tags          []string  `json:"tags"`
	ThumbnailURL  *string   `json:"thumbnail_url,omitempty"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// JobFilter narrows a job listing. Empty fields do not filter.
type JobFilter struct {
	Tag string
}

// Page selects a window of an ordered listing.
type Page struct {
	Limit  int
	Offset int
}

// JobList is one page of jobs plus the total number of matching jobs.
type JobList struct {
	Items []JobView `json:"items"`
	Total int       `json:"total"`
}
