package image

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/image-thumbnailer/internal/model"
)

var (
	ErrImageNotFound = errors.New("image not found")
	ErrImageInUse    = errors.New("image is referenced by a job")
)

// foreignKeyViolation is the PostgreSQL error code for a violated
// foreign key.
const foreignKeyViolation = "23503"

// Repository provides storage of uploaded image records.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// SaveImage inserts a new image record into the database and returns its UUID.
func (r *Repository) SaveImage(ctx context.Context, img model.Image) (uuid.UUID, error) {
	query := `
		INSERT INTO images (filename, storage_path, content_type, size)
		VALUES ($1, $2, $3, $4)
		RETURNING id
    `

	var id uuid.UUID
	err := r.db.Master.QueryRowContext(
		ctx, query, img.Filename, img.StoragePath, img.ContentType, img.Size,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("save: failed to save image: %w", err)
	}

	return id, nil
}

// GetImage retrieves an image record by ID from the database.
func (r *Repository) GetImage(ctx context.Context, id uuid.UUID) (model.Image, error) {
	query := `
		SELECT filename, storage_path, content_type, size, created_at
		FROM images
		WHERE id = $1
    `

	var img model.Image
	err := r.db.Master.QueryRowContext(
		ctx, query, id,
	).Scan(&img.Filename, &img.StoragePath, &img.ContentType, &img.Size, &img.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Image{}, ErrImageNotFound
		}

		return model.Image{}, fmt.Errorf("get: failed to get image: %w", err)
	}

	img.ID = id

	return img, nil
}

// DeleteImage deletes an image record by ID from the database.
func (r *Repository) DeleteImage(ctx context.Context, id uuid.UUID) error {
	query := `
		DELETE FROM images WHERE id = $1
    `

	res, err := r.db.Master.ExecContext(ctx, query, id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return ErrImageInUse
		}
		return fmt.Errorf("delete: failed to delete image: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete: failed to get number of rows affected: %w", err)
	}

	if n == 0 {
		return ErrImageNotFound
	}

	return nil
}
