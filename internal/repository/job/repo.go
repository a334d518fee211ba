package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/image-thumbnailer/internal/model"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrSlugTaken   = errors.New("slug already taken")
)

const (
	uniqueViolation    = "23505"
	slugConstraint     = "jobs_slug_key"
	maxFailureReasonLn = 500
)

const jobColumns = `
	id, slug, title, image_id, thumbnail_id, correlation_id, status,
	failure_reason, tags, attempts, created_at, updated_at`

// Repository persists jobs. Every status change is a conditional update
// keyed on the prior status, so concurrent writers cannot overwrite a
// transition they did not observe.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a pending job. It returns ErrSlugTaken when the slug
// collides with an existing job.
func (r *Repository) Create(ctx context.Context, job model.Job) (model.Job, error) {
	query := `
		INSERT INTO jobs (id, slug, title, image_id, correlation_id, status, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
    `

	if job.Tags == nil {
		job.Tags = []string{}
	}

	err := r.db.Master.QueryRowContext(
		ctx, query, job.ID, job.Slug, job.Title, job.ImageID, job.CorrelationID, job.Status, pq.Array(job.Tags),
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == slugConstraint {
			return model.Job{}, ErrSlugTaken
		}

		return model.Job{}, fmt.Errorf("create: failed to insert job: %w", err)
	}

	return job, nil
}

// GetByID retrieves a job by its ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (model.Job, error) {
	return r.getOne(ctx, "id = $1", id)
}

// GetBySlug retrieves a job by its slug.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (model.Job, error) {
	return r.getOne(ctx, "slug = $1", slug)
}

// GetByCorrelationID retrieves a job by the correlation id carried in its task.
func (r *Repository) GetByCorrelationID(ctx context.Context, correlationID uuid.UUID) (model.Job, error) {
	return r.getOne(ctx, "correlation_id = $1", correlationID)
}

func (r *Repository) getOne(ctx context.Context, cond string, arg any) (model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + cond

	job, err := scanJob(r.db.Master.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, ErrJobNotFound
		}

		return model.Job{}, fmt.Errorf("get: failed to get job: %w", err)
	}

	return job, nil
}

// Claim moves a job to processing under the given lease token.
//
// The claim succeeds from pending, from processing held by the same token,
// and from processing whose lease has expired. It reports false when
// another holder owns the job or the job is terminal.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID, token string, lease time.Duration) (bool, error) {
	query := `
		UPDATE jobs
		SET status = 'processing',
		    lease_token = $2,
		    lease_until = now() + ($3::bigint * interval '1 millisecond'),
		    attempts = attempts + 1,
		    updated_at = now()
		WHERE id = $1
		  AND (status = 'pending'
		       OR (status = 'processing' AND (lease_token = $2 OR lease_until < now())))
    `

	res, err := r.db.Master.ExecContext(ctx, query, id, token, lease.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("claim: failed to claim job: %w", err)
	}

	return affected(res)
}

// Complete moves a processing job held by token to complete and links
// the thumbnail. It reports false when the job is no longer held by token.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID, token string, thumbnailID uuid.UUID) (bool, error) {
	query := `
		UPDATE jobs
		SET status = 'complete',
		    thumbnail_id = $3,
		    failure_reason = NULL,
		    lease_token = NULL,
		    lease_until = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND lease_token = $2
    `

	res, err := r.db.Master.ExecContext(ctx, query, id, token, thumbnailID)
	if err != nil {
		return false, fmt.Errorf("complete: failed to complete job: %w", err)
	}

	return affected(res)
}

// Fail moves a job to failed with reason. Pending jobs always fail;
// processing jobs fail only when held by token or when their lease has
// expired. It reports false when no row changed.
func (r *Repository) Fail(ctx context.Context, correlationID uuid.UUID, token, reason string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = 'failed',
		    failure_reason = $3,
		    lease_token = NULL,
		    lease_until = NULL,
		    updated_at = now()
		WHERE correlation_id = $1
		  AND (status = 'pending'
		       OR (status = 'processing' AND (lease_token = $2 OR lease_until < now())))
    `

	res, err := r.db.Master.ExecContext(ctx, query, correlationID, token, TruncateReason(reason))
	if err != nil {
		return false, fmt.Errorf("fail: failed to fail job: %w", err)
	}

	return affected(res)
}

// List returns one page of jobs ordered newest first and the total
// number of jobs matching filter.
func (r *Repository) List(ctx context.Context, filter model.JobFilter, page model.Page) ([]model.Job, int, error) {
	countQuery := `
		SELECT count(*) FROM jobs WHERE ($1 = '' OR $1 = ANY(tags))
    `

	var total int
	if err := r.db.Master.QueryRowContext(ctx, countQuery, filter.Tag).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("list: failed to count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE ($1 = '' OR $1 = ANY(tags))
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
    `

	rows, err := r.db.Master.QueryContext(ctx, query, filter.Tag, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list: failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]model.Job, 0, page.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list: failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list: failed to iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// Delete removes a job. Its thumbnail row goes with it.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `
		DELETE FROM jobs WHERE id = $1
    `

	res, err := r.db.Master.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete: failed to delete job: %w", err)
	}

	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if !ok {
		return ErrJobNotFound
	}

	return nil
}

// TruncateReason bounds a failure reason to the stored length.
func TruncateReason(reason string) string {
	runes := []rune(reason)
	if len(runes) <= maxFailureReasonLn {
		return reason
	}

	return string(runes[:maxFailureReasonLn-3]) + "..."
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (model.Job, error) {
	var (
		job         model.Job
		status      string
		thumbnailID uuid.NullUUID
		reason      sql.NullString
	)

	err := s.Scan(
		&job.ID, &job.Slug, &job.Title, &job.ImageID, &thumbnailID, &job.CorrelationID, &status,
		&reason, pq.Array(&job.Tags), &job.Attempts, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return model.Job{}, err
	}

	job.Status = model.JobStatus(status)
	if thumbnailID.Valid {
		id := thumbnailID.UUID
		job.ThumbnailID = &id
	}
	if reason.Valid {
		r := reason.String
		job.FailureReason = &r
	}
	if job.Tags == nil {
		job.Tags = []string{}
	}

	return job, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get number of rows affected: %w", err)
	}

	return n > 0, nil
}
