package memory

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/internal/model"
	"github.com/aliskhannn/image-thumbnailer/internal/queue"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

var testPolicy = queue.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}

type stubHandler struct {
	calls atomic.Int32
	err   error
}

func (h *stubHandler) Process(_ context.Context, d queue.Delivery) (model.Result, error) {
	h.calls.Add(1)
	if h.err != nil {
		return model.Result{}, h.err
	}
	id := uuid.New()
	return model.Result{CorrelationID: d.Task.CorrelationID, Status: model.StatusComplete, ThumbnailID: &id}, nil
}

func (h *stubHandler) Exhausted(_ context.Context, d queue.Delivery, cause error) (model.Result, error) {
	return model.Result{CorrelationID: d.Task.CorrelationID, Status: model.StatusFailed, FailureReason: cause.Error()}, nil
}

type eventRecorder struct{ events []model.CompletionEvent }

func (r *eventRecorder) HandleCompletion(_ context.Context, ev model.CompletionEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func task() model.Task {
	return model.Task{CorrelationID: uuid.New(), ImageID: uuid.New(), EnqueuedAt: time.Now()}
}

func TestEnqueue(t *testing.T) {
	q := New(testPolicy, 1)

	id, err := q.Enqueue(context.Background(), task())
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	_, err = q.Enqueue(context.Background(), task())
	assert.ErrorIs(t, err, ErrFull)

	assert.Equal(t, 1, q.Len())
}

func TestEnqueueFailureInjection(t *testing.T) {
	q := New(testPolicy, 4)
	boom := errors.New("broker unavailable")

	q.FailEnqueue(boom)
	_, err := q.Enqueue(context.Background(), task())
	assert.ErrorIs(t, err, boom)

	q.FailEnqueue(nil)
	_, err = q.Enqueue(context.Background(), task())
	assert.NoError(t, err)
}

func TestEnqueueAfterClose(t *testing.T) {
	q := New(testPolicy, 4)
	require.NoError(t, q.Close())

	_, err := q.Enqueue(context.Background(), task())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunPendingAcksAndPublishes(t *testing.T) {
	q := New(testPolicy, 4)
	h := &stubHandler{}
	_, _ = q.Enqueue(context.Background(), task())
	_, _ = q.Enqueue(context.Background(), task())

	n := q.RunPending(context.Background(), h)

	assert.Equal(t, 2, n)
	assert.Equal(t, 2, q.Stats().Acked)

	rec := &eventRecorder{}
	assert.Equal(t, 2, q.DrainEvents(context.Background(), rec))
	assert.Len(t, rec.events, 2)
}

func TestRunPendingDeadLetters(t *testing.T) {
	q := New(testPolicy, 4)
	h := &stubHandler{err: errors.New("decode failed")}
	tk := task()
	_, _ = q.Enqueue(context.Background(), tk)

	q.RunPending(context.Background(), h)

	assert.EqualValues(t, 2, h.calls.Load())
	assert.Equal(t, []model.Task{tk}, q.DeadLetters())
	assert.Equal(t, 1, q.Stats().DeadLettered)

	events := q.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusFailed, events[0].Status)
}

func TestConsumeStopsOnCancel(t *testing.T) {
	q := New(testPolicy, 4)
	h := &stubHandler{}
	_, _ = q.Enqueue(context.Background(), task())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Consume(ctx, h) }()

	assert.Eventually(t, func() bool { return q.Stats().Acked == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consume did not stop")
	}
}
