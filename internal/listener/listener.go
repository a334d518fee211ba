// Package listener consumes job completion events for metrics and audit.
// It reads job state but never changes it.
package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/internal/apperror"
	"github.com/aliskhannn/image-thumbnailer/internal/model"
	jobrepo "github.com/aliskhannn/image-thumbnailer/internal/repository/job"
)

// jobReader resolves jobs by correlation id.
type jobReader interface {
	GetByCorrelationID(ctx context.Context, correlationID uuid.UUID) (model.Job, error)
}

// Listener records metrics and an audit entry once per terminal job state.
type Listener struct {
	jobs    jobReader
	dedup   Deduper
	metrics *Metrics
}

// New creates a Listener.
func New(jobs jobReader, dedup Deduper, metrics *Metrics) *Listener {
	return &Listener{jobs: jobs, dedup: dedup, metrics: metrics}
}

// HandleCompletion handles one completion event. Repeated, stale and
// uncorrelated events are counted and otherwise ignored.
func (l *Listener) HandleCompletion(ctx context.Context, ev model.CompletionEvent) error {
	if !ev.Status.Terminal() {
		zlog.Logger.Warn().
			Str("correlation_id", ev.CorrelationID.String()).
			Str("status", string(ev.Status)).
			Msg("ignoring completion event with non-terminal status")
		return nil
	}

	job, err := l.jobs.GetByCorrelationID(ctx, ev.CorrelationID)
	if err != nil {
		if errors.Is(err, jobrepo.ErrJobNotFound) {
			l.metrics.uncorrelated.Inc()
			zlog.Logger.Warn().
				Err(apperror.ErrCorrelationFailure.WithInternal(err)).
				Str("correlation_id", ev.CorrelationID.String()).
				Msg("completion event has no job")
			return nil
		}
		return fmt.Errorf("listener: failed to get job: %w", err)
	}

	if job.Status != ev.Status {
		l.metrics.stale.Inc()
		zlog.Logger.Debug().
			Str("job_id", job.ID.String()).
			Str("event_status", string(ev.Status)).
			Str("job_status", string(job.Status)).
			Msg("ignoring stale completion event")
		return nil
	}

	first, err := l.dedup.FirstSeen(ctx, ev.CorrelationID.String()+":"+string(ev.Status))
	if err != nil {
		return fmt.Errorf("listener: %w", err)
	}
	if !first {
		l.metrics.duplicates.Inc()
		return nil
	}

	l.record(job, ev)

	return nil
}

func (l *Listener) record(job model.Job, ev model.CompletionEvent) {
	status := string(ev.Status)

	completedAt := ev.CompletedAt
	if completedAt.IsZero() {
		completedAt = job.UpdatedAt
	}
	elapsed := completedAt.Sub(job.CreatedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	l.metrics.completions.WithLabelValues(status).Inc()
	l.metrics.latency.WithLabelValues(status).Observe(elapsed.Seconds())
	l.metrics.attempts.Observe(float64(job.Attempts))

	entry := zlog.Logger.Info().
		Str("audit", "job_completed").
		Str("job_id", job.ID.String()).
		Str("slug", job.Slug).
		Str("correlation_id", job.CorrelationID.String()).
		Str("status", status).
		Int("attempts", job.Attempts).
		Dur("elapsed", elapsed.Round(time.Millisecond))

	if job.ThumbnailID != nil {
		entry = entry.Str("thumbnail_id", job.ThumbnailID.String())
	}
	if job.FailureReason != nil {
		entry = entry.Str("failure_reason", *job.FailureReason)
	}

	entry.Msg("job completed")
}
