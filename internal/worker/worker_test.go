package worker

import (
	"bytes"
	"context"
	"image/color"
	"io"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/internal/model"
	"github.com/aliskhannn/image-thumbnailer/internal/processor"
	"github.com/aliskhannn/image-thumbnailer/internal/queue"
	memqueue "github.com/aliskhannn/image-thumbnailer/internal/queue/memory"
	"github.com/aliskhannn/image-thumbnailer/internal/repository/memory"
	imagesvc "github.com/aliskhannn/image-thumbnailer/internal/service/image"
	jobsvc "github.com/aliskhannn/image-thumbnailer/internal/service/job"
	memstorage "github.com/aliskhannn/image-thumbnailer/internal/storage/memory"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

type pipeline struct {
	store    *memory.Store
	objects  *memstorage.Storage
	queue    *memqueue.Queue
	uploads  *imagesvc.Service
	producer *jobsvc.Producer
	worker   *Worker
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	store := memory.New()
	objects := memstorage.New()
	q := memqueue.New(queue.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, 16)
	proc := processor.New(processor.Options{Width: 32, Height: 32, Mode: processor.ModeFill})

	return &pipeline{
		store:    store,
		objects:  objects,
		queue:    q,
		uploads:  imagesvc.NewService(objects, store.Images()),
		producer: jobsvc.NewProducer(store.Jobs(), store.Images(), q),
		worker: New(store.Jobs(), store.Thumbnails(), store.Images(), objects, proc, q, Options{
			Concurrency:    2,
			ProcessTimeout: 5 * time.Second,
			Lease:          time.Minute,
		}),
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(64, 48, color.NRGBA{R: 200, A: 255}), imaging.PNG))

	return buf.Bytes()
}

func (p *pipeline) submit(t *testing.T, filename string, data []byte) model.Job {
	t.Helper()
	ctx := context.Background()

	handle, err := p.uploads.Upload(ctx, filename, "image/png", int64(len(data)), bytes.NewReader(data))
	require.NoError(t, err)

	job, err := p.producer.Enqueue(ctx, jobsvc.EnqueueRequest{Image: handle})
	require.NoError(t, err)

	return job
}

func (p *pipeline) job(t *testing.T, id uuid.UUID) model.Job {
	t.Helper()

	job, err := p.store.Jobs().GetByID(context.Background(), id)
	require.NoError(t, err)

	return job
}

func TestProcessGeneratesThumbnail(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	job := p.submit(t, "cat.png", pngBytes(t))

	assert.Equal(t, 1, p.queue.RunPending(ctx, p.worker))

	got := p.job(t, job.ID)
	assert.Equal(t, model.StatusComplete, got.Status)
	require.NotNil(t, got.ThumbnailID)
	assert.Nil(t, got.FailureReason)
	assert.Equal(t, 1, got.Attempts)

	thumb, err := p.store.Thumbnails().GetByJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, *got.ThumbnailID, thumb.ID)
	assert.Equal(t, "cat-thumbnail.png", thumb.Filename)
	assert.Equal(t, "image/png", thumb.ContentType)
	assert.Equal(t, 32, thumb.Width)
	assert.Equal(t, 32, thumb.Height)
	assert.Equal(t, "thumbnails/"+job.ID.String()+"/cat-thumbnail.png", thumb.StoragePath)
	assert.True(t, p.objects.Has(thumb.StoragePath))

	events := p.queue.Events()
	require.Len(t, events, 1)
	assert.Equal(t, job.CorrelationID, events[0].CorrelationID)
	assert.Equal(t, model.StatusComplete, events[0].Status)
	assert.Equal(t, got.ThumbnailID, events[0].ThumbnailID)
	assert.Equal(t, 1, p.queue.Stats().Acked)
}

func TestDuplicateDeliveryKeepsOneThumbnail(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	job := p.submit(t, "cat.png", pngBytes(t))

	p.queue.RunPending(ctx, p.worker)
	first := p.job(t, job.ID)

	require.NoError(t, p.queue.Redeliver(model.Task{CorrelationID: job.CorrelationID, ImageID: job.ImageID}))
	p.queue.RunPending(ctx, p.worker)

	second := p.job(t, job.ID)
	assert.Equal(t, model.StatusComplete, second.Status)
	assert.Equal(t, first.ThumbnailID, second.ThumbnailID)
	assert.Equal(t, first.Attempts, second.Attempts)
	assert.Equal(t, 1, p.store.Thumbnails().Count())
	assert.Equal(t, 2, p.queue.Stats().Acked)

	events := p.queue.Events()
	require.Len(t, events, 2)
	assert.Equal(t, events[0].ThumbnailID, events[1].ThumbnailID)
}

func TestConcurrentDeliveriesCompleteOnce(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	job := p.submit(t, "cat.png", pngBytes(t))
	task := model.Task{CorrelationID: job.CorrelationID, ImageID: job.ImageID}

	const deliveries = 4
	results := make([]model.Result, deliveries)
	errs := make([]error, deliveries)

	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.worker.Process(ctx, queue.Delivery{Task: task, ID: uuid.NewString(), Attempt: 1})
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].Duplicate {
			winners++
			assert.Equal(t, model.StatusComplete, results[i].Status)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, p.store.Thumbnails().Count())
	assert.Equal(t, model.StatusComplete, p.job(t, job.ID).Status)
}

func TestCorruptImageFailsAfterRetries(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	job := p.submit(t, "cat.png", []byte("definitely not a png"))

	p.queue.RunPending(ctx, p.worker)

	got := p.job(t, job.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Nil(t, got.ThumbnailID)
	require.NotNil(t, got.FailureReason)
	assert.NotEmpty(t, *got.FailureReason)
	assert.Equal(t, 3, got.Attempts)
	assert.Zero(t, p.store.Thumbnails().Count())

	dead := p.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, job.CorrelationID, dead[0].CorrelationID)

	events := p.queue.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusFailed, events[0].Status)
	assert.Equal(t, 3, events[0].Attempts)
	assert.Equal(t, *got.FailureReason, events[0].Error)
}

func TestMissingSourceFailsWithoutRetry(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	job := p.submit(t, "cat.png", pngBytes(t))

	img, err := p.store.Images().GetImage(ctx, job.ImageID)
	require.NoError(t, err)
	require.NoError(t, p.objects.Delete(ctx, img.StoragePath))

	p.queue.RunPending(ctx, p.worker)

	got := p.job(t, job.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Len(t, p.queue.DeadLetters(), 1)
}

func TestUnknownCorrelationIsDropped(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	_, err := p.queue.Enqueue(ctx, model.Task{CorrelationID: uuid.New(), ImageID: uuid.New()})
	require.NoError(t, err)

	p.queue.RunPending(ctx, p.worker)

	stats := p.queue.Stats()
	assert.Equal(t, 1, stats.Acked)
	assert.Zero(t, stats.DeadLettered)
	assert.Empty(t, p.queue.Events())
	assert.Zero(t, p.store.Thumbnails().Count())
}

func TestExpiredLeaseIsRecovered(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	now := time.Now()
	p.store.SetClock(func() time.Time { return now })

	job := p.submit(t, "cat.png", pngBytes(t))

	ok, err := p.store.Jobs().Claim(ctx, job.ID, "crashed-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := p.worker.Process(ctx, queue.Delivery{Task: model.Task{CorrelationID: job.CorrelationID}, ID: "live", Attempt: 1})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, model.StatusProcessing, res.Status)

	now = now.Add(2 * time.Minute)
	p.queue.RunPending(ctx, p.worker)

	got := p.job(t, job.ID)
	assert.Equal(t, model.StatusComplete, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestExhaustedRespectsCompletedJob(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	job := p.submit(t, "cat.png", pngBytes(t))
	p.queue.RunPending(ctx, p.worker)

	res, err := p.worker.Exhausted(ctx, queue.Delivery{Task: model.Task{CorrelationID: job.CorrelationID}, ID: "late"}, assert.AnError)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, model.StatusComplete, res.Status)
	assert.Equal(t, model.StatusComplete, p.job(t, job.ID).Status)
	assert.Equal(t, 1, p.store.Thumbnails().Count())
}

func TestRun(t *testing.T) {
	p := newPipeline(t)
	job := p.submit(t, "cat.png", pngBytes(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := p.store.Jobs().GetByID(context.Background(), job.ID)
		return err == nil && got.Status == model.StatusComplete
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

// photoBytes encodes a noisy width x height PNG, which compresses poorly
// and so comes out at the size of a real photo.
func photoBytes(t *testing.T, width, height int) []byte {
	t.Helper()

	img := imaging.New(width, height, color.NRGBA{A: 255})
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(rnd.Intn(256))
		img.Pix[i+1] = uint8(rnd.Intn(256))
		img.Pix[i+2] = uint8(rnd.Intn(256))
	}

	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))

	return buf.Bytes()
}

func TestProcessLargeImage(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	data := photoBytes(t, 1024, 768)
	require.Greater(t, len(data), 500*1024)

	job := p.submit(t, "cat.png", data)
	p.queue.RunPending(ctx, p.worker)

	got := p.job(t, job.ID)
	require.Equal(t, model.StatusComplete, got.Status)

	thumb, err := p.store.Thumbnails().GetByJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 32, thumb.Width)
	assert.Equal(t, 32, thumb.Height)
	assert.Less(t, thumb.Size, int64(len(data)))
	assert.True(t, p.objects.Has(thumb.StoragePath))
}

// gatedThumbnailer blocks inside Thumbnail until released.
type gatedThumbnailer struct {
	next    thumbnailer
	entered chan struct{}
	release chan struct{}
}

func (g *gatedThumbnailer) Thumbnail(ctx context.Context, src io.Reader, filename string) (processor.Output, error) {
	close(g.entered)
	<-g.release
	return g.next.Thumbnail(ctx, src, filename)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLateWorkerDoesNotLeaveThumbnailOnFailedJob(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	clock := &testClock{now: time.Now()}
	p.store.SetClock(clock.Now)

	gate := &gatedThumbnailer{
		next:    processor.New(processor.Options{Width: 32, Height: 32, Mode: processor.ModeFill}),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	w := New(p.store.Jobs(), p.store.Thumbnails(), p.store.Images(), p.objects, gate, p.queue, Options{
		ProcessTimeout: 5 * time.Second,
		Lease:          time.Minute,
	})

	job := p.submit(t, "cat.png", pngBytes(t))
	task := model.Task{CorrelationID: job.CorrelationID, ImageID: job.ImageID}

	type outcome struct {
		res model.Result
		err error
	}
	slow := make(chan outcome, 1)
	go func() {
		res, err := w.Process(ctx, queue.Delivery{Task: task, ID: "slow", Attempt: 1})
		slow <- outcome{res, err}
	}()

	<-gate.entered
	clock.Advance(2 * time.Minute)

	res, err := w.Exhausted(ctx, queue.Delivery{Task: task, ID: "other", Attempt: 3}, assert.AnError)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, res.Status)
	require.False(t, res.Duplicate)

	close(gate.release)
	got := <-slow
	require.NoError(t, got.err)
	assert.True(t, got.res.Duplicate)
	assert.Equal(t, model.StatusFailed, got.res.Status)

	final := p.job(t, job.ID)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Nil(t, final.ThumbnailID)
	assert.Zero(t, p.store.Thumbnails().Count())
	assert.Equal(t, 1, p.objects.Len(), "only the source image should remain")
}
