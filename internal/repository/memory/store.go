// Package memory holds in-memory versions of the image, job and
// thumbnail repositories with the same conditional-update semantics as
// the PostgreSQL ones. Tests use it in place of a database.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aliskhannn/image-thumbnailer/internal/model"
	imagerepo "github.com/aliskhannn/image-thumbnailer/internal/repository/image"
	jobrepo "github.com/aliskhannn/image-thumbnailer/internal/repository/job"
	thumbnailrepo "github.com/aliskhannn/image-thumbnailer/internal/repository/thumbnail"
)

type jobRow struct {
	job        model.Job
	leaseToken string
	leaseUntil time.Time
}

// Store is the shared state behind the repository views.
type Store struct {
	mu     sync.Mutex
	now    func() time.Time
	images map[uuid.UUID]model.Image
	jobs   map[uuid.UUID]*jobRow
	thumbs map[uuid.UUID]model.Thumbnail // keyed by job id
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		now:    time.Now,
		images: make(map[uuid.UUID]model.Image),
		jobs:   make(map[uuid.UUID]*jobRow),
		thumbs: make(map[uuid.UUID]model.Thumbnail),
	}
}

// SetClock replaces the time source used for timestamps and leases.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
}

// Images returns the image repository view.
func (s *Store) Images() *Images { return &Images{s: s} }

// Jobs returns the job repository view.
func (s *Store) Jobs() *Jobs { return &Jobs{s: s} }

// Thumbnails returns the thumbnail repository view.
func (s *Store) Thumbnails() *Thumbnails { return &Thumbnails{s: s} }

// Images mirrors the image repository.
type Images struct{ s *Store }

func (r *Images) SaveImage(_ context.Context, img model.Image) (uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	img.CreatedAt = r.s.now()
	r.s.images[img.ID] = img

	return img.ID, nil
}

func (r *Images) GetImage(_ context.Context, id uuid.UUID) (model.Image, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	img, ok := r.s.images[id]
	if !ok {
		return model.Image{}, imagerepo.ErrImageNotFound
	}

	return img, nil
}

func (r *Images) DeleteImage(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.images[id]; !ok {
		return imagerepo.ErrImageNotFound
	}
	for _, row := range r.s.jobs {
		if row.job.ImageID == id {
			return imagerepo.ErrImageInUse
		}
	}
	delete(r.s.images, id)

	return nil
}

// Jobs mirrors the job repository.
type Jobs struct{ s *Store }

func (r *Jobs) Create(_ context.Context, job model.Job) (model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, row := range r.s.jobs {
		if row.job.Slug == job.Slug {
			return model.Job{}, jobrepo.ErrSlugTaken
		}
	}

	now := r.s.now()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.Tags == nil {
		job.Tags = []string{}
	}
	r.s.jobs[job.ID] = &jobRow{job: job}

	return copyJob(job), nil
}

func (r *Jobs) GetByID(_ context.Context, id uuid.UUID) (model.Job, error) {
	return r.find(func(j model.Job) bool { return j.ID == id })
}

func (r *Jobs) GetBySlug(_ context.Context, slug string) (model.Job, error) {
	return r.find(func(j model.Job) bool { return j.Slug == slug })
}

func (r *Jobs) GetByCorrelationID(_ context.Context, correlationID uuid.UUID) (model.Job, error) {
	return r.find(func(j model.Job) bool { return j.CorrelationID == correlationID })
}

func (r *Jobs) find(match func(model.Job) bool) (model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	row := r.s.findLocked(match)
	if row == nil {
		return model.Job{}, jobrepo.ErrJobNotFound
	}

	return copyJob(row.job), nil
}

func (s *Store) findLocked(match func(model.Job) bool) *jobRow {
	for _, row := range s.jobs {
		if match(row.job) {
			return row
		}
	}
	return nil
}

// held reports whether a processing row may be taken over by token.
func (s *Store) held(row *jobRow, token string) bool {
	return row.job.Status == model.StatusProcessing &&
		(row.leaseToken == token || row.leaseUntil.Before(s.now()))
}

func (r *Jobs) Claim(_ context.Context, id uuid.UUID, token string, lease time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	row, ok := r.s.jobs[id]
	if !ok || !(row.job.Status == model.StatusPending || r.s.held(row, token)) {
		return false, nil
	}

	row.job.Status = model.StatusProcessing
	row.job.Attempts++
	row.job.UpdatedAt = r.s.now()
	row.leaseToken = token
	row.leaseUntil = r.s.now().Add(lease)

	return true, nil
}

func (r *Jobs) Complete(_ context.Context, id uuid.UUID, token string, thumbnailID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	row, ok := r.s.jobs[id]
	if !ok || row.job.Status != model.StatusProcessing || row.leaseToken != token {
		return false, nil
	}

	row.job.Status = model.StatusComplete
	row.job.ThumbnailID = &thumbnailID
	row.job.FailureReason = nil
	row.job.UpdatedAt = r.s.now()
	row.leaseToken, row.leaseUntil = "", time.Time{}

	return true, nil
}

func (r *Jobs) Fail(_ context.Context, correlationID uuid.UUID, token, reason string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	row := r.s.findLocked(func(j model.Job) bool { return j.CorrelationID == correlationID })
	if row == nil || !(row.job.Status == model.StatusPending || r.s.held(row, token)) {
		return false, nil
	}

	reason = jobrepo.TruncateReason(reason)
	row.job.Status = model.StatusFailed
	row.job.FailureReason = &reason
	row.job.UpdatedAt = r.s.now()
	row.leaseToken, row.leaseUntil = "", time.Time{}

	return true, nil
}

func (r *Jobs) List(_ context.Context, filter model.JobFilter, page model.Page) ([]model.Job, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	matched := make([]model.Job, 0, len(r.s.jobs))
	for _, row := range r.s.jobs {
		if filter.Tag == "" || slices.Contains(row.job.Tags, filter.Tag) {
			matched = append(matched, copyJob(row.job))
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() > matched[j].ID.String()
	})

	total := len(matched)
	if page.Offset >= total {
		return []model.Job{}, total, nil
	}
	end := total
	if page.Limit > 0 && page.Offset+page.Limit < total {
		end = page.Offset + page.Limit
	}

	return matched[page.Offset:end], total, nil
}

func (r *Jobs) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.jobs[id]; !ok {
		return jobrepo.ErrJobNotFound
	}
	delete(r.s.jobs, id)
	delete(r.s.thumbs, id)

	return nil
}

// Thumbnails mirrors the thumbnail repository.
type Thumbnails struct{ s *Store }

func (r *Thumbnails) Save(_ context.Context, t model.Thumbnail) (model.Thumbnail, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if existing, ok := r.s.thumbs[t.JobID]; ok {
		t.ID = existing.ID
	} else {
		t.ID = uuid.New()
	}
	r.s.thumbs[t.JobID] = t

	return t, nil
}

func (r *Thumbnails) GetByID(_ context.Context, id uuid.UUID) (model.Thumbnail, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, t := range r.s.thumbs {
		if t.ID == id {
			return t, nil
		}
	}

	return model.Thumbnail{}, thumbnailrepo.ErrThumbnailNotFound
}

func (r *Thumbnails) GetByJobID(_ context.Context, jobID uuid.UUID) (model.Thumbnail, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.thumbs[jobID]
	if !ok {
		return model.Thumbnail{}, thumbnailrepo.ErrThumbnailNotFound
	}

	return t, nil
}

func (r *Thumbnails) DeleteByJobID(_ context.Context, jobID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	delete(r.s.thumbs, jobID)
	return nil
}

// Count returns the number of stored thumbnails.
func (r *Thumbnails) Count() int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return len(r.s.thumbs)
}

func copyJob(j model.Job) model.Job {
	j.Tags = append([]string{}, j.Tags...)
	if j.ThumbnailID != nil {
		id := *j.ThumbnailID
		j.ThumbnailID = &id
	}
	if j.FailureReason != nil {
		r := *j.FailureReason
		j.FailureReason = &r
	}
	return j
}
