package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
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

type fakeAcknowledger struct {
	acked    int
	nacked   int
	requeued bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.acked++
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	a.requeued = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name         string
		outcome      queue.Outcome
		wantAcked    int
		wantNacked   int
		wantRequeued bool
	}{
		{name: "ack", outcome: queue.Ack, wantAcked: 1},
		{name: "dead letter", outcome: queue.DeadLetter, wantNacked: 1},
		{name: "requeue", outcome: queue.Requeue, wantNacked: 1, wantRequeued: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			settle(amqp.Delivery{Acknowledger: ack, DeliveryTag: 1}, tt.outcome)

			assert.Equal(t, tt.wantAcked, ack.acked)
			assert.Equal(t, tt.wantNacked, ack.nacked)
			assert.Equal(t, tt.wantRequeued, ack.requeued)
		})
	}
}

func TestDeliveryBudget(t *testing.T) {
	assert.Zero(t, deliveryCount(nil))
	assert.Equal(t, int64(2), deliveryCount(amqp.Table{deliveryCountHeader: int64(2)}))
	assert.Equal(t, int64(3), deliveryCount(amqp.Table{deliveryCountHeader: int32(3)}))

	assert.False(t, exceedsBudget(0, 3))
	assert.False(t, exceedsBudget(2, 3))
	assert.True(t, exceedsBudget(3, 3))
	assert.False(t, exceedsBudget(5, 0))
}

type recordingEvents struct {
	events []model.CompletionEvent
	err    error
}

func (r *recordingEvents) HandleCompletion(_ context.Context, ev model.CompletionEvent) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestHandleEvent(t *testing.T) {
	ev := model.CompletionEvent{CorrelationID: uuid.New(), Status: model.StatusFailed, Error: "decode failed"}
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	rec := &recordingEvents{}
	ack := &fakeAcknowledger{}
	handleEvent(context.Background(), rec, amqp.Delivery{Acknowledger: ack, Body: body})
	require.Len(t, rec.events, 1)
	assert.Equal(t, "decode failed", rec.events[0].Error)
	assert.Equal(t, 1, ack.acked)

	rec.err = errors.New("dedup unavailable")
	ack = &fakeAcknowledger{}
	handleEvent(context.Background(), rec, amqp.Delivery{Acknowledger: ack, Body: body})
	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeued)

	ack = &fakeAcknowledger{}
	handleEvent(context.Background(), rec, amqp.Delivery{Acknowledger: ack, Body: body, Redelivered: true})
	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeued)
}
