package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/internal/apperror"
	"github.com/aliskhannn/image-thumbnailer/internal/model"
	jobrepo "github.com/aliskhannn/image-thumbnailer/internal/repository/job"
	thumbnailrepo "github.com/aliskhannn/image-thumbnailer/internal/repository/thumbnail"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// jobStore defines the job store operations of the status API.
type jobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.Job, error)
	GetBySlug(ctx context.Context, slug string) (model.Job, error)
	List(ctx context.Context, filter model.JobFilter, page model.Page) ([]model.Job, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// thumbnailStore reads thumbnail records.
type thumbnailStore interface {
	GetByJobID(ctx context.Context, jobID uuid.UUID) (model.Thumbnail, error)
}

// imageStore removes image records.
type imageStore interface {
	GetImage(ctx context.Context, id uuid.UUID) (model.Image, error)
	DeleteImage(ctx context.Context, id uuid.UUID) error
}

// objectStore reads and removes stored objects.
type objectStore interface {
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Service answers job status queries. It never changes job state except
// through DeleteJob.
type Service struct {
	jobs    jobStore
	thumbs  thumbnailStore
	images  imageStore
	objects objectStore
	baseURL string
}

// NewService creates a Service. baseURL prefixes thumbnail URLs in views.
func NewService(jobs jobStore, thumbs thumbnailStore, images imageStore, objects objectStore, baseURL string) *Service {
	return &Service{
		jobs:    jobs,
		thumbs:  thumbs,
		images:  images,
		objects: objects,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// GetJob returns the view of the job identified by its id or slug.
func (s *Service) GetJob(ctx context.Context, idOrSlug string) (model.JobView, error) {
	job, err := s.find(ctx, idOrSlug)
	if err != nil {
		return model.JobView{}, err
	}

	return s.View(job), nil
}

// ListJobs returns jobs newest first, optionally restricted to a tag.
func (s *Service) ListJobs(ctx context.Context, filter model.JobFilter, page model.Page) (model.JobList, error) {
	filter.Tag = strings.ToLower(strings.TrimSpace(filter.Tag))
	page = ClampPage(page)

	jobs, total, err := s.jobs.List(ctx, filter, page)
	if err != nil {
		return model.JobList{}, fmt.Errorf("list jobs: %w", err)
	}

	items := make([]model.JobView, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, s.View(j))
	}

	return model.JobList{Items: items, Total: total}, nil
}

// Thumbnail returns the thumbnail record and its bytes for a complete job.
// The caller closes the reader.
func (s *Service) Thumbnail(ctx context.Context, idOrSlug string) (model.Thumbnail, io.ReadCloser, error) {
	job, err := s.find(ctx, idOrSlug)
	if err != nil {
		return model.Thumbnail{}, nil, err
	}
	if job.Status != model.StatusComplete {
		return model.Thumbnail{}, nil, apperror.ErrNotFound.WithMessage("thumbnail is not ready")
	}

	thumb, err := s.thumbs.GetByJobID(ctx, job.ID)
	if err != nil {
		if errors.Is(err, thumbnailrepo.ErrThumbnailNotFound) {
			return model.Thumbnail{}, nil, apperror.ErrNotFound.WithMessage("thumbnail not found")
		}
		return model.Thumbnail{}, nil, fmt.Errorf("get thumbnail: %w", err)
	}

	rc, err := s.objects.Load(ctx, thumb.StoragePath)
	if err != nil {
		return model.Thumbnail{}, nil, fmt.Errorf("load thumbnail: %w", err)
	}

	return thumb, rc, nil
}

// DeleteJob removes the job, its thumbnail and, when no other job uses
// it, the source image.
func (s *Service) DeleteJob(ctx context.Context, idOrSlug string) error {
	job, err := s.find(ctx, idOrSlug)
	if err != nil {
		return err
	}

	thumb, thumbErr := s.thumbs.GetByJobID(ctx, job.ID)

	if err := s.jobs.Delete(ctx, job.ID); err != nil {
		if errors.Is(err, jobrepo.ErrJobNotFound) {
			return apperror.ErrNotFound.WithMessage("job not found")
		}
		return fmt.Errorf("delete job: %w", err)
	}

	if thumbErr == nil {
		s.removeObject(ctx, thumb.StoragePath)
	}

	img, err := s.images.GetImage(ctx, job.ImageID)
	if err != nil {
		return nil
	}
	if err := s.images.DeleteImage(ctx, img.ID); err != nil {
		zlog.Logger.Warn().Err(err).Str("image_id", img.ID.String()).Msg("keeping image still in use")
		return nil
	}
	s.removeObject(ctx, img.StoragePath)

	return nil
}

func (s *Service) removeObject(ctx context.Context, key string) {
	if err := s.objects.Delete(ctx, key); err != nil {
		zlog.Logger.Warn().Err(err).Str("path", key).Msg("failed to delete object")
	}
}

func (s *Service) find(ctx context.Context, idOrSlug string) (model.Job, error) {
	idOrSlug = strings.TrimSpace(idOrSlug)
	if idOrSlug == "" {
		return model.Job{}, apperror.ErrInvalidInput.WithMessage("job id or slug is required")
	}

	var (
		job model.Job
		err error
	)
	if id, parseErr := uuid.Parse(idOrSlug); parseErr == nil {
		job, err = s.jobs.GetByID(ctx, id)
	} else {
		job, err = s.jobs.GetBySlug(ctx, idOrSlug)
	}

	if err != nil {
		if errors.Is(err, jobrepo.ErrJobNotFound) {
			return model.Job{}, apperror.ErrNotFound.WithMessage("job not found")
		}
		return model.Job{}, fmt.Errorf("get job: %w", err)
	}

	return job, nil
}

// View projects a job for external callers.
func (s *Service) View(job model.Job) model.JobView {
	v := model.JobView{
		ID:            job.ID,
		Slug:          job.Slug,
		Title:         job.Title,
		Status:        job.Status,
		Tags:          job.Tags,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
	if v.Tags == nil {
		v.Tags = []string{}
	}

	if job.Status == model.StatusComplete && job.ThumbnailID != nil {
		url := fmt.Sprintf("%s/api/jobs/%s/thumbnail", s.baseURL, job.ID)
		v.ThumbnailURL = &url
	}

	return v
}

// ClampPage applies the default and maximum page size.
func ClampPage(p model.Page) model.Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}

	return p
}
