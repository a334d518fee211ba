package thumbnail

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/image-thumbnailer/internal/model"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewRepository(&dbpg.DB{Master: db}), mock
}

func TestSaveUpsertsOnJob(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()
	thumb := model.Thumbnail{
		JobID:       uuid.New(),
		Filename:    "cat-thumbnail.png",
		StoragePath: "thumbnails/job/cat-thumbnail.png",
		ContentType: "image/png",
		Width:       200,
		Height:      150,
		Size:        1024,
		GeneratedAt: time.Now(),
	}

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (job_id) DO UPDATE")).
		WithArgs(thumb.JobID, thumb.Filename, thumb.StoragePath, thumb.ContentType, 200, 150, int64(1024), thumb.GeneratedAt).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id.String()))

	got, err := repo.Save(context.Background(), thumb)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "cat-thumbnail.png", got.Filename)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByJobIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE job_id = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByJobID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrThumbnailNotFound)
}
