package job

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/wb-go/wbf/zlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aliskhannn/image-thumbnailer/internal/apperror"
	"github.com/aliskhannn/image-thumbnailer/internal/model"
	imagerepo "github.com/aliskhannn/image-thumbnailer/internal/repository/image"
	jobrepo "github.com/aliskhannn/image-thumbnailer/internal/repository/job"
	"github.com/aliskhannn/image-thumbnailer/internal/slug"
)

const (
	slugAttempts = 3
	maxTags      = 16
	maxTagLen    = 64

	failAttempts = 3
	failBackoff  = 50 * time.Millisecond
	failTimeout  = 5 * time.Second
)

var tracer = otel.Tracer("github.com/aliskhannn/image-thumbnailer/internal/service/job")

// jobWriter defines the job store operations the producer needs.
type jobWriter interface {
	Create(ctx context.Context, job model.Job) (model.Job, error)
	Fail(ctx context.Context, correlationID uuid.UUID, token, reason string) (bool, error)
	GetByCorrelationID(ctx context.Context, correlationID uuid.UUID) (model.Job, error)
}

// imageReader resolves image handles.
type imageReader interface {
	GetImage(ctx context.Context, id uuid.UUID) (model.Image, error)
}

// enqueuer submits tasks to the queue.
type enqueuer interface {
	Enqueue(ctx context.Context, task model.Task) (string, error)
}

// EnqueueRequest describes a thumbnail job to create.
type EnqueueRequest struct {
	Image model.ImageHandle
	Title string
	Tags  []string
}

// Producer records jobs and submits their tasks to the queue.
type Producer struct {
	jobs      jobWriter
	images    imageReader
	queue     enqueuer
	now         func() time.Time
	newSuffix   func() string
	failBackoff time.Duration
}

// NewProducer creates a Producer over the given stores and queue.
func NewProducer(jobs jobWriter, images imageReader, q enqueuer) *Producer {
	return &Producer{
		jobs:      jobs,
		images:    images,
		queue:     q,
		now:         time.Now,
		newSuffix:   slug.NewSuffix,
		failBackoff: failBackoff,
	}
}

// Enqueue persists a pending job for the image and submits its task.
//
// The job row exists before the task is visible to any worker. When the
// queue rejects the task the job is marked failed and returned together
// with apperror.ErrEnqueueFailure.
func (p *Producer) Enqueue(ctx context.Context, req EnqueueRequest) (job model.Job, err error) {
	ctx, span := tracer.Start(ctx, "producer.enqueue")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !req.Image.Resolved() {
		return model.Job{}, apperror.ErrInvalidInput.WithMessage("image handle is missing or unresolved")
	}

	img, err := p.images.GetImage(ctx, req.Image.ID)
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			return model.Job{}, apperror.ErrInvalidInput.WithMessage("image does not exist")
		}
		return model.Job{}, fmt.Errorf("enqueue: failed to resolve image: %w", err)
	}
	if img.StoragePath != req.Image.Path {
		return model.Job{}, apperror.ErrInvalidInput.WithMessage("image handle does not match stored image")
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = strings.TrimSuffix(img.Filename, path.Ext(img.Filename))
	}

	job = model.Job{
		ID:            uuid.New(),
		Title:         title,
		ImageID:       img.ID,
		CorrelationID: uuid.New(),
		Status:        model.StatusPending,
		Tags:          NormalizeTags(req.Tags),
	}
	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.correlation_id", job.CorrelationID.String()),
	)

	// Persist the pending job before the task becomes visible.
	for attempt := 1; ; attempt++ {
		job.Slug = slug.Generate(title, p.newSuffix())

		var created model.Job
		created, err = p.jobs.Create(ctx, job)
		if err == nil {
			job = created
			break
		}
		if !errors.Is(err, jobrepo.ErrSlugTaken) || attempt == slugAttempts {
			return model.Job{}, fmt.Errorf("enqueue: failed to create job: %w", err)
		}
	}

	task := model.Task{
		CorrelationID: job.CorrelationID,
		ImageID:       job.ImageID,
		EnqueuedAt:    p.now(),
	}

	taskID, err := p.queue.Enqueue(ctx, task)
	if err != nil {
		zlog.Logger.Error().
			Err(err).
			Str("job_id", job.ID.String()).
			Str("correlation_id", job.CorrelationID.String()).
			Msg("failed to enqueue task")

		return p.enqueueFailed(ctx, job, err)
	}

	zlog.Logger.Info().
		Str("job_id", job.ID.String()).
		Str("slug", job.Slug).
		Str("correlation_id", job.CorrelationID.String()).
		Str("task_id", taskID).
		Msg("job enqueued")

	return job, nil
}

// enqueueFailed moves the pending job to failed after the queue rejected
// its task. If the row cannot be updated its state is unknown, and the
// job is returned as stored together with the update error.
func (p *Producer) enqueueFailed(ctx context.Context, job model.Job, cause error) (model.Job, error) {
	// The caller may be gone; the row must not stay pending.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()

	reason := "enqueue failure: " + cause.Error()
	enqueueErr := apperror.ErrEnqueueFailure.WithInternal(cause)

	var failed bool
	b := retry.WithMaxRetries(failAttempts-1, retry.NewExponential(p.failBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		failed, err = p.jobs.Fail(ctx, job.CorrelationID, "", reason)
		return retry.RetryableError(err)
	})
	if err != nil {
		zlog.Logger.Error().
			Err(err).
			Str("job_id", job.ID.String()).
			Msg("failed to mark job failed after enqueue failure")
		return job, errors.Join(enqueueErr, fmt.Errorf("enqueue: job left %s: %w", job.Status, err))
	}

	if !failed {
		// The broker took the task after all and a worker already moved the job.
		current, err := p.jobs.GetByCorrelationID(ctx, job.CorrelationID)
		if err != nil {
			return job, errors.Join(enqueueErr, fmt.Errorf("enqueue: reload job: %w", err))
		}

		zlog.Logger.Warn().
			Str("job_id", job.ID.String()).
			Str("status", string(current.Status)).
			Msg("task was delivered despite enqueue error")
		return current, nil
	}

	reason = jobrepo.TruncateReason(reason)
	job.Status = model.StatusFailed
	job.FailureReason = &reason

	return job, enqueueErr
}

// NormalizeTags lowercases and trims tags, dropping empties and duplicates.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))

	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || len(t) > maxTagLen {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)

		if len(out) == maxTags {
			break
		}
	}

	return out
}
