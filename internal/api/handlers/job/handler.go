package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/internal/api/respond"
	"github.com/aliskhannn/image-thumbnailer/internal/apperror"
	"github.com/aliskhannn/image-thumbnailer/internal/model"
	jobsvc "github.com/aliskhannn/image-thumbnailer/internal/service/job"
)

const maxUploadMemory = 10 << 20

// uploader stores raw image bytes.
type uploader interface {
	Upload(ctx context.Context, filename, contentType string, size int64, file io.Reader) (model.ImageHandle, error)
}

// producer creates jobs.
type producer interface {
	Enqueue(ctx context.Context, req jobsvc.EnqueueRequest) (model.Job, error)
}

// statusService answers job queries.
type statusService interface {
	GetJob(ctx context.Context, idOrSlug string) (model.JobView, error)
	ListJobs(ctx context.Context, filter model.JobFilter, page model.Page) (model.JobList, error)
	Thumbnail(ctx context.Context, idOrSlug string) (model.Thumbnail, io.ReadCloser, error)
	DeleteJob(ctx context.Context, idOrSlug string) error
	View(job model.Job) model.JobView
}

// Handler provides HTTP handlers for job endpoints.
type Handler struct {
	uploads  uploader
	producer producer
	status   statusService
}

// NewHandler creates a new Handler.
func NewHandler(u uploader, p producer, s statusService) *Handler {
	return &Handler{uploads: u, producer: p, status: s}
}

// Create handles a multipart upload of an image and enqueues a thumbnail
// job for it. Optional form fields: title, tags (comma separated).
func (h *Handler) Create(c *ginext.Context) {
	// Parse the multipart form with a 10MB max memory limit.
	if err := c.Request.ParseMultipartForm(maxUploadMemory); err != nil {
		respond.Fail(c, apperror.ErrInvalidInput.WithMessage("request must be multipart/form-data"))
		return
	}

	// Retrieve the uploaded file from the form.
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("image field missing")
		respond.Fail(c, apperror.ErrInvalidInput.WithMessage("image file is required"))
		return
	}
	defer file.Close()

	handle, err := h.uploads.Upload(c.Request.Context(), header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		zlog.Logger.Err(err).Str("filename", header.Filename).Msg("failed to store the image")
		respond.Fail(c, err)
		return
	}

	job, err := h.producer.Enqueue(c.Request.Context(), jobsvc.EnqueueRequest{
		Image: handle,
		Title: c.PostForm("title"),
		Tags:  splitTags(c.PostForm("tags")),
	})
	if err != nil {
		if errors.Is(err, apperror.ErrEnqueueFailure) {
			respond.FailWithResult(c, err, h.status.View(job))
			return
		}

		zlog.Logger.Err(err).Str("image_id", handle.ID.String()).Msg("failed to create job")
		respond.Fail(c, err)
		return
	}

	respond.Accepted(c, h.status.View(job))
}

// Get returns a job by id or slug.
func (h *Handler) Get(c *ginext.Context) {
	view, err := h.status.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to get job")
		return
	}

	respond.OK(c, view)
}

// List returns jobs newest first. Query: tag, limit, offset.
func (h *Handler) List(c *ginext.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		respond.Fail(c, err)
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		respond.Fail(c, err)
		return
	}

	list, err := h.status.ListJobs(c.Request.Context(), model.JobFilter{Tag: c.Query("tag")}, model.Page{Limit: limit, Offset: offset})
	if err != nil {
		h.fail(c, err, "failed to list jobs")
		return
	}

	respond.OK(c, list)
}

// Thumbnail serves the thumbnail bytes of a complete job.
func (h *Handler) Thumbnail(c *ginext.Context) {
	thumb, reader, err := h.status.Thumbnail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to get thumbnail")
		return
	}
	defer reader.Close()

	respond.Data(c, http.StatusOK, thumb.ContentType, reader, map[string]string{
		"Content-Disposition": mime.FormatMediaType("inline", map[string]string{"filename": thumb.Filename}),
		"Cache-Control":       "public, max-age=86400",
	})
}

// Delete removes a job with its thumbnail and source image.
func (h *Handler) Delete(c *ginext.Context) {
	if err := h.status.DeleteJob(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "failed to delete job")
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) fail(c *ginext.Context, err error, msg string) {
	var appErr *apperror.Error
	if errors.As(err, &appErr) && appErr.HTTPStatus < 500 {
		zlog.Logger.Warn().Err(err).Str("id", c.Param("id")).Msg(msg)
	} else {
		zlog.Logger.Err(err).Str("id", c.Param("id")).Msg(msg)
	}

	respond.Fail(c, err)
}

func queryInt(c *ginext.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.ErrInvalidInput.WithMessage(fmt.Sprintf("%s must be a non-negative integer", key))
	}

	return n, nil
}

func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	return strings.Split(raw, ",")
}
