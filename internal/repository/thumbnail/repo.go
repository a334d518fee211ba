package thumbnail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/image-thumbnailer/internal/model"
)

var ErrThumbnailNotFound = errors.New("thumbnail not found")

// Repository persists generated thumbnails, at most one per job.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Save stores the thumbnail for its job. Saving again for the same job
// overwrites the row in place and keeps its ID, so redelivered tasks
// never produce a second thumbnail.
func (r *Repository) Save(ctx context.Context, t model.Thumbnail) (model.Thumbnail, error) {
	query := `
		INSERT INTO thumbnails (job_id, filename, storage_path, content_type, width, height, size, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO UPDATE
		SET filename = EXCLUDED.filename,
		    storage_path = EXCLUDED.storage_path,
		    content_type = EXCLUDED.content_type,
		    width = EXCLUDED.width,
		    height = EXCLUDED.height,
		    size = EXCLUDED.size,
		    generated_at = EXCLUDED.generated_at
		RETURNING id
    `

	err := r.db.Master.QueryRowContext(
		ctx, query, t.JobID, t.Filename, t.StoragePath, t.ContentType, t.Width, t.Height, t.Size, t.GeneratedAt,
	).Scan(&t.ID)
	if err != nil {
		return model.Thumbnail{}, fmt.Errorf("save: failed to save thumbnail: %w", err)
	}

	return t, nil
}

// GetByID retrieves a thumbnail by its ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (model.Thumbnail, error) {
	return r.getOne(ctx, "id = $1", id)
}

// GetByJobID retrieves the thumbnail generated for a job.
func (r *Repository) GetByJobID(ctx context.Context, jobID uuid.UUID) (model.Thumbnail, error) {
	return r.getOne(ctx, "job_id = $1", jobID)
}

func (r *Repository) getOne(ctx context.Context, cond string, arg any) (model.Thumbnail, error) {
	query := `
		SELECT id, job_id, filename, storage_path, content_type, width, height, size, generated_at
		FROM thumbnails
		WHERE ` + cond

	var t model.Thumbnail
	err := r.db.Master.QueryRowContext(ctx, query, arg).Scan(
		&t.ID, &t.JobID, &t.Filename, &t.StoragePath, &t.ContentType, &t.Width, &t.Height, &t.Size, &t.GeneratedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Thumbnail{}, ErrThumbnailNotFound
		}

		return model.Thumbnail{}, fmt.Errorf("get: failed to get thumbnail: %w", err)
	}

	return t, nil
}

// DeleteByJobID removes the thumbnail row of a job, if any.
func (r *Repository) DeleteByJobID(ctx context.Context, jobID uuid.UUID) error {
	query := `
		DELETE FROM thumbnails WHERE job_id = $1
    `

	if _, err := r.db.Master.ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("delete: failed to delete thumbnail: %w", err)
	}

	return nil
}
