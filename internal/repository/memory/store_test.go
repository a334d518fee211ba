package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/image-thumbnailer/internal/model"
	jobrepo "github.com/aliskhannn/image-thumbnailer/internal/repository/job"
)

func newJob(slug string) model.Job {
	return model.Job{
		ID:            uuid.New(),
		Slug:          slug,
		ImageID:       uuid.New(),
		CorrelationID: uuid.New(),
		Status:        model.StatusPending,
	}
}

func TestClaimLeaseSemantics(t *testing.T) {
	ctx := context.Background()
	store := New()
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	jobs := store.Jobs()

	job, err := jobs.Create(ctx, newJob("a"))
	require.NoError(t, err)

	ok, _ := jobs.Claim(ctx, job.ID, "first", time.Minute)
	assert.True(t, ok, "pending job is claimable")

	ok, _ = jobs.Claim(ctx, job.ID, "second", time.Minute)
	assert.False(t, ok, "live lease blocks other deliveries")

	ok, _ = jobs.Claim(ctx, job.ID, "first", time.Minute)
	assert.True(t, ok, "same delivery may re-claim")

	now = now.Add(2 * time.Minute)
	ok, _ = jobs.Claim(ctx, job.ID, "second", time.Minute)
	assert.True(t, ok, "expired lease may be taken over")

	ok, _ = jobs.Complete(ctx, job.ID, "first", uuid.New())
	assert.False(t, ok, "stale holder cannot complete")

	ok, _ = jobs.Complete(ctx, job.ID, "second", uuid.New())
	assert.True(t, ok)

	got, _ := jobs.GetByID(ctx, job.ID)
	assert.Equal(t, model.StatusComplete, got.Status)
	assert.NotNil(t, got.ThumbnailID)
	assert.Equal(t, 3, got.Attempts)

	ok, _ = jobs.Fail(ctx, job.CorrelationID, "second", "late failure")
	assert.False(t, ok, "terminal jobs never change")
}

func TestCreateRejectsDuplicateSlug(t *testing.T) {
	jobs := New().Jobs()

	_, err := jobs.Create(context.Background(), newJob("same"))
	require.NoError(t, err)

	_, err = jobs.Create(context.Background(), newJob("same"))
	assert.ErrorIs(t, err, jobrepo.ErrSlugTaken)
}

func TestThumbnailSaveIsIdempotentPerJob(t *testing.T) {
	thumbs := New().Thumbnails()
	jobID := uuid.New()

	first, err := thumbs.Save(context.Background(), model.Thumbnail{JobID: jobID, Filename: "a.png"})
	require.NoError(t, err)
	second, err := thumbs.Save(context.Background(), model.Thumbnail{JobID: jobID, Filename: "a.png"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, thumbs.Count())
}
