package model

import (
	"time"

	"github.com/google/uuid"
)

// Image represents an uploaded source image stored in object storage.
// Images are immutable once stored.
type Image struct {
	ID          uuid.UUID `json:"id"`
	Filename    string    `json:"filename"`  // logical file name, e.g. "cat.png"
	StoragePath string    `json:"file_path"` // object key inside the bucket
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// ImageHandle is the reference to stored image bytes that the upload
// collaborator hands to the Producer.
type ImageHandle struct {
	ID          uuid.UUID `json:"id"`
	Path        string    `json:"path"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
}

// Resolved reports whether the handle points at stored bytes.
func (h ImageHandle) Resolved() bool {
	return h.ID != uuid.Nil && h.Path != "" && h.Filename != ""
}

// Handle returns the handle referencing the image.
func (i Image) Handle() ImageHandle {
	return ImageHandle{
		ID:          i.ID,
		Path:        i.StoragePath,
		Filename:    i.Filename,
		ContentType: i.ContentType,
		Size:        i.Size,
	}
}
