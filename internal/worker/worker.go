package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aliskhannn/image-thumbnailer/internal/apperror"
	"github.com/aliskhannn/image-thumbnailer/internal/model"
	"github.com/aliskhannn/image-thumbnailer/internal/processor"
	"github.com/aliskhannn/image-thumbnailer/internal/queue"
	imagerepo "github.com/aliskhannn/image-thumbnailer/internal/repository/image"
	jobrepo "github.com/aliskhannn/image-thumbnailer/internal/repository/job"
	thumbnailrepo "github.com/aliskhannn/image-thumbnailer/internal/repository/thumbnail"
	"github.com/aliskhannn/image-thumbnailer/internal/storage/file"
)

const (
	thumbnailsPrefix = "thumbnails"
	cleanupTimeout   = 10 * time.Second
)

var tracer = otel.Tracer("github.com/aliskhannn/image-thumbnailer/internal/worker")

// jobStore defines the job transitions the worker performs.
type jobStore interface {
	GetByCorrelationID(ctx context.Context, correlationID uuid.UUID) (model.Job, error)
	Claim(ctx context.Context, id uuid.UUID, token string, lease time.Duration) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, token string, thumbnailID uuid.UUID) (bool, error)
	Fail(ctx context.Context, correlationID uuid.UUID, token, reason string) (bool, error)
}

// thumbnailStore persists thumbnail records.
type thumbnailStore interface {
	Save(ctx context.Context, t model.Thumbnail) (model.Thumbnail, error)
	GetByJobID(ctx context.Context, jobID uuid.UUID) (model.Thumbnail, error)
	DeleteByJobID(ctx context.Context, jobID uuid.UUID) error
}

// imageStore resolves source images.
type imageStore interface {
	GetImage(ctx context.Context, id uuid.UUID) (model.Image, error)
}

// objectStore defines the interface for object storage.
type objectStore interface {
	Save(ctx context.Context, prefix, filename string, src io.Reader, size int64, contentType string) (string, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// thumbnailer derives thumbnails from image bytes.
type thumbnailer interface {
	Thumbnail(ctx context.Context, src io.Reader, filename string) (processor.Output, error)
}

// consumer delivers tasks to a handler.
type consumer interface {
	Consume(ctx context.Context, h queue.Handler) error
}

// Options configures a Worker.
type Options struct {
	Concurrency    int
	ProcessTimeout time.Duration
	Lease          time.Duration
}

// Worker turns queued tasks into thumbnails and drives job transitions.
type Worker struct {
	jobs    jobStore
	thumbs  thumbnailStore
	images  imageStore
	objects objectStore
	proc    thumbnailer
	queue   consumer
	opts    Options
	now     func() time.Time
}

// New creates a Worker.
func New(
	jobs jobStore,
	thumbs thumbnailStore,
	images imageStore,
	objects objectStore,
	proc thumbnailer,
	q consumer,
	opts Options,
) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 30 * time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}

	return &Worker{
		jobs:    jobs,
		thumbs:  thumbs,
		images:  images,
		objects: objects,
		proc:    proc,
		queue:   q,
		opts:    opts,
		now:     time.Now,
	}
}

// Run starts the configured number of consumers and blocks until ctx is
// canceled or a consumer fails.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, w.opts.Concurrency)

	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			zlog.Logger.Info().Int("consumer", n).Msg("starting worker consumer")
			if err := w.queue.Consume(ctx, w); err != nil {
				errs <- fmt.Errorf("consumer %d: %w", n, err)
				cancel()
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	return <-errs
}

// Process handles one attempt of a delivered task.
//
// Tasks whose job is terminal, or held by another live delivery, are
// reported as duplicates without side effects.
func (w *Worker) Process(ctx context.Context, d queue.Delivery) (res model.Result, err error) {
	ctx, span := tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("job.correlation_id", d.Task.CorrelationID.String()),
		attribute.Int("delivery.attempt", d.Attempt),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, w.opts.ProcessTimeout)
	defer cancel()

	res.CorrelationID = d.Task.CorrelationID

	job, err := w.jobs.GetByCorrelationID(ctx, d.Task.CorrelationID)
	if err != nil {
		if errors.Is(err, jobrepo.ErrJobNotFound) {
			return res, queue.Drop(apperror.ErrCorrelationFailure.WithInternal(err))
		}
		return res, fmt.Errorf("lookup job: %w", err)
	}
	res.JobID = job.ID

	if job.Status.Terminal() {
		return duplicate(job), nil
	}

	claimed, err := w.jobs.Claim(ctx, job.ID, d.ID, w.opts.Lease)
	if err != nil {
		return res, fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		return w.current(ctx, d.Task.CorrelationID)
	}

	thumbID, err := w.generate(ctx, job)
	if err != nil {
		res.Status = model.StatusProcessing
		return res, err
	}

	completed, err := w.jobs.Complete(ctx, job.ID, d.ID, thumbID)
	if err != nil {
		return res, fmt.Errorf("complete job: %w", err)
	}
	if !completed {
		return w.lostCompletion(ctx, job, d)
	}

	zlog.Logger.Info().
		Str("job_id", job.ID.String()).
		Str("correlation_id", job.CorrelationID.String()).
		Str("thumbnail_id", thumbID.String()).
		Int("attempt", d.Attempt).
		Msg("thumbnail generated")

	res.Status = model.StatusComplete
	res.ThumbnailID = &thumbID

	return res, nil
}

// generate writes the thumbnail object and record. Both writes are
// idempotent per job, so a repeated attempt overwrites rather than adds.
func (w *Worker) generate(ctx context.Context, job model.Job) (uuid.UUID, error) {
	img, err := w.images.GetImage(ctx, job.ImageID)
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			return uuid.Nil, queue.Permanent(apperror.ErrProcessingFailure.WithInternal(err))
		}
		return uuid.Nil, fmt.Errorf("get image: %w", err)
	}

	// Load the original image from storage.
	src, err := w.objects.Load(ctx, img.StoragePath)
	if err != nil {
		if errors.Is(err, file.ErrObjectNotFound) {
			return uuid.Nil, queue.Permanent(apperror.ErrProcessingFailure.WithInternal(err))
		}
		return uuid.Nil, apperror.ErrProcessingFailure.WithInternal(err)
	}
	defer src.Close()

	out, err := w.proc.Thumbnail(ctx, src, img.Filename)
	if err != nil {
		return uuid.Nil, apperror.ErrProcessingFailure.WithInternal(err)
	}

	// Save the thumbnail object before its record.
	key, err := w.objects.Save(ctx, thumbnailsPrefix+"/"+job.ID.String(), out.Filename,
		bytes.NewReader(out.Data), int64(len(out.Data)), out.ContentType)
	if err != nil {
		return uuid.Nil, apperror.ErrProcessingFailure.WithInternal(err)
	}

	thumb, err := w.thumbs.Save(ctx, model.Thumbnail{
		JobID:       job.ID,
		Filename:    out.Filename,
		StoragePath: key,
		ContentType: out.ContentType,
		Width:       out.Width,
		Height:      out.Height,
		Size:        int64(len(out.Data)),
		GeneratedAt: w.now(),
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("save thumbnail record: %w", err)
	}

	return thumb.ID, nil
}

// Exhausted records the task's job as failed with cause and removes any
// partial thumbnail.
func (w *Worker) Exhausted(ctx context.Context, d queue.Delivery, cause error) (model.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.ProcessTimeout)
	defer cancel()

	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}

	failed, err := w.jobs.Fail(ctx, d.Task.CorrelationID, d.ID, reason)
	if err != nil {
		return model.Result{}, fmt.Errorf("fail job: %w", err)
	}

	job, err := w.jobs.GetByCorrelationID(ctx, d.Task.CorrelationID)
	if err != nil {
		if errors.Is(err, jobrepo.ErrJobNotFound) {
			zlog.Logger.Warn().
				Str("correlation_id", d.Task.CorrelationID.String()).
				Msg("exhausted task has no job")
			return model.Result{CorrelationID: d.Task.CorrelationID}, nil
		}
		return model.Result{}, fmt.Errorf("lookup job: %w", err)
	}

	if !failed {
		return duplicate(job), nil
	}

	w.discardThumbnail(ctx, job.ID)

	zlog.Logger.Error().
		Str("job_id", job.ID.String()).
		Str("correlation_id", job.CorrelationID.String()).
		Str("reason", reason).
		Msg("job failed")

	res := model.Result{
		JobID:         job.ID,
		CorrelationID: job.CorrelationID,
		Status:        model.StatusFailed,
	}
	if job.FailureReason != nil {
		res.FailureReason = *job.FailureReason
	}

	return res, nil
}

func (w *Worker) discardThumbnail(ctx context.Context, jobID uuid.UUID) {
	thumb, err := w.thumbs.GetByJobID(ctx, jobID)
	if err != nil {
		if !errors.Is(err, thumbnailrepo.ErrThumbnailNotFound) {
			zlog.Logger.Warn().Err(err).Str("job_id", jobID.String()).Msg("failed to look up partial thumbnail")
		}
		return
	}

	if err := w.objects.Delete(ctx, thumb.StoragePath); err != nil {
		zlog.Logger.Warn().Err(err).Str("path", thumb.StoragePath).Msg("failed to delete partial thumbnail")
	}
	if err := w.thumbs.DeleteByJobID(ctx, jobID); err != nil {
		zlog.Logger.Warn().Err(err).Str("job_id", jobID.String()).Msg("failed to delete partial thumbnail record")
	}
}

// lostCompletion handles a delivery whose lease lapsed while it was
// generating. If another delivery failed the job meanwhile, the
// thumbnail written by this one is removed, since a failed job has none.
func (w *Worker) lostCompletion(ctx context.Context, job model.Job, d queue.Delivery) (model.Result, error) {
	// The attempt deadline may already have passed.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	res, err := w.current(ctx, d.Task.CorrelationID)
	if err != nil {
		return res, err
	}

	if res.Status == model.StatusFailed {
		zlog.Logger.Warn().
			Str("job_id", job.ID.String()).
			Str("delivery", d.ID).
			Msg("job failed while lease was lapsed, discarding late thumbnail")
		w.discardThumbnail(ctx, job.ID)
	}

	return res, nil
}

// current reports the job's present state as a duplicate result.
func (w *Worker) current(ctx context.Context, correlationID uuid.UUID) (model.Result, error) {
	job, err := w.jobs.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		return model.Result{CorrelationID: correlationID}, fmt.Errorf("reload job: %w", err)
	}

	return duplicate(job), nil
}

func duplicate(job model.Job) model.Result {
	res := model.Result{
		JobID:         job.ID,
		CorrelationID: job.CorrelationID,
		Status:        job.Status,
		ThumbnailID:   job.ThumbnailID,
		Duplicate:     true,
	}
	if job.FailureReason != nil {
		res.FailureReason = *job.FailureReason
	}

	return res
}
