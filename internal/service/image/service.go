package image

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/internal/apperror"
	"github.com/aliskhannn/image-thumbnailer/internal/model"
)

const originalsPrefix = "originals"

// fileStorage defines the interface for storing raw image bytes.
type fileStorage interface {
	Save(ctx context.Context, prefix, filename string, src io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// repository defines the interface for persisting image records.
type repository interface {
	SaveImage(ctx context.Context, img model.Image) (uuid.UUID, error)
}

// Service stores uploaded images and hands back a handle for the job producer.
type Service struct {
	fileStorage fileStorage
	repo        repository
}

// NewService creates a new Service with the given storage and repository.
func NewService(fs fileStorage, repo repository) *Service {
	return &Service{fileStorage: fs, repo: repo}
}

// Upload stores the image bytes under a unique object key, records the
// image and returns its handle.
func (s *Service) Upload(ctx context.Context, filename, contentType string, size int64, file io.Reader) (model.ImageHandle, error) {
	filename = path.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == "/" {
		return model.ImageHandle{}, apperror.ErrInvalidInput.WithMessage("image filename is required")
	}

	// Save the original file under a collision-free key.
	key := uuid.NewString() + strings.ToLower(path.Ext(filename))
	dst, err := s.fileStorage.Save(ctx, originalsPrefix, key, file, size, contentType)
	if err != nil {
		return model.ImageHandle{}, fmt.Errorf("upload: failed to save file: %w", err)
	}

	img := model.Image{
		Filename:    filename,
		StoragePath: dst,
		ContentType: contentType,
		Size:        size,
	}

	id, err := s.repo.SaveImage(ctx, img)
	if err != nil {
		if delErr := s.fileStorage.Delete(ctx, dst); delErr != nil {
			zlog.Logger.Warn().Err(delErr).Str("path", dst).Msg("failed to remove orphan upload")
		}
		return model.ImageHandle{}, fmt.Errorf("upload: failed to save image: %w", err)
	}

	img.ID = id

	return img.Handle(), nil
}
