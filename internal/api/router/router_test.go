package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/internal/api/handlers/job"
	"github.com/aliskhannn/image-thumbnailer/internal/listener"
	"github.com/aliskhannn/image-thumbnailer/internal/model"
	"github.com/aliskhannn/image-thumbnailer/internal/processor"
	"github.com/aliskhannn/image-thumbnailer/internal/queue"
	memqueue "github.com/aliskhannn/image-thumbnailer/internal/queue/memory"
	"github.com/aliskhannn/image-thumbnailer/internal/repository/memory"
	imagesvc "github.com/aliskhannn/image-thumbnailer/internal/service/image"
	jobsvc "github.com/aliskhannn/image-thumbnailer/internal/service/job"
	memstorage "github.com/aliskhannn/image-thumbnailer/internal/storage/memory"
	"github.com/aliskhannn/image-thumbnailer/internal/worker"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

type app struct {
	handler http.Handler
	queue   *memqueue.Queue
	worker  *worker.Worker
	events  *listener.Listener
}

func newApp(t *testing.T) *app {
	t.Helper()

	store := memory.New()
	objects := memstorage.New()
	q := memqueue.New(queue.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, 16)
	reg := prometheus.NewRegistry()

	uploads := imagesvc.NewService(objects, store.Images())
	producer := jobsvc.NewProducer(store.Jobs(), store.Images(), q)
	status := jobsvc.NewService(store.Jobs(), store.Thumbnails(), store.Images(), objects, "http://thumbs.test")
	proc := processor.New(processor.Options{Width: 16, Height: 16})

	return &app{
		handler: Setup(job.NewHandler(uploads, producer, status), promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		queue:   q,
		worker: worker.New(store.Jobs(), store.Thumbnails(), store.Images(), objects, proc, q, worker.Options{
			ProcessTimeout: 5 * time.Second,
			Lease:          time.Minute,
		}),
		events: listener.New(store.Jobs(), listener.NewMemoryDeduper(time.Hour), listener.NewMetrics(reg)),
	}
}

func (a *app) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	return rec
}

func uploadRequest(t *testing.T, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		part, err := w.CreateFormFile("image", filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())

	return req
}

func pngBytes(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(40, 30, color.NRGBA{B: 255, A: 255}), imaging.PNG))

	return buf.Bytes()
}

type jobResponse struct {
	Result model.JobView `json:"result"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) jobResponse {
	t.Helper()

	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	return resp
}

func TestJobLifecycle(t *testing.T) {
	a := newApp(t)
	ctx := context.Background()

	rec := a.do(t, uploadRequest(t, "cat.png", pngBytes(t), map[string]string{"title": "My Cat", "tags": "pets, cats"}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	created := decodeJob(t, rec).Result
	assert.Equal(t, model.StatusPending, created.Status)
	assert.Equal(t, "My Cat", created.Title)
	assert.Equal(t, []string{"pets", "cats"}, created.Tags)
	assert.Nil(t, created.ThumbnailURL)

	rec = a.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+created.ID.String()+"/thumbnail", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	a.queue.RunPending(ctx, a.worker)
	assert.Equal(t, 1, a.queue.DrainEvents(ctx, a.events))

	rec = a.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+created.Slug, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeJob(t, rec).Result
	assert.Equal(t, model.StatusComplete, got.Status)
	require.NotNil(t, got.ThumbnailURL)
	assert.Equal(t, "http://thumbs.test/api/jobs/"+created.ID.String()+"/thumbnail", *got.ThumbnailURL)

	rec = a.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+created.ID.String()+"/thumbnail", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "cat-thumbnail.png")
	assert.NotEmpty(t, rec.Body.Bytes())

	rec = a.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `thumbnailer_jobs_completed_total{status="complete"} 1`)

	rec = a.do(t, httptest.NewRequest(http.MethodDelete, "/api/jobs/"+created.ID.String(), nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+created.ID.String(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeJob(t, rec).Error.Code)
}

func TestCreateRequiresImage(t *testing.T) {
	a := newApp(t)

	rec := a.do(t, uploadRequest(t, "", nil, map[string]string{"title": "nothing"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeJob(t, rec).Error.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, a.do(t, req).Code)
}

func TestCreateEnqueueFailure(t *testing.T) {
	a := newApp(t)
	a.queue.FailEnqueue(errors.New("broker unavailable"))

	rec := a.do(t, uploadRequest(t, "cat.png", pngBytes(t), nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	resp := decodeJob(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "enqueue_failure", resp.Error.Code)
	assert.Equal(t, model.StatusFailed, resp.Result.Status)
	require.NotNil(t, resp.Result.FailureReason)
	assert.Contains(t, *resp.Result.FailureReason, "broker unavailable")
}

func TestListJobs(t *testing.T) {
	a := newApp(t)

	for _, tags := range []string{"pets", "cars", "pets"} {
		rec := a.do(t, uploadRequest(t, "cat.png", pngBytes(t), map[string]string{"tags": tags}))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := a.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs?tag=pets&limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result model.JobList `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Result.Total)
	assert.Len(t, resp.Result.Items, 1)

	rec = a.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	a := newApp(t)

	rec := a.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodOptions, "/api/jobs", nil)
	rec = a.do(t, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
