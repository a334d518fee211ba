package model

import (
	"time"

	"github.com/google/uuid"
)

// Thumbnail is the derived artifact produced for exactly one Job.
type Thumbnail struct {
	ID          uuid.UUID `json:"id"`
	JobID       uuid.UUID `json:"job_id"`
	Filename    string    `json:"filename"`
	StoragePath string    `json:"file_path"`
	ContentType string    `json:"content_type"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Size        int64     `json:"size"`
	GeneratedAt time.Time `json:"generated_at"`
}
