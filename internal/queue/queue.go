// Package queue defines the task transport contract shared by the
// producer, the worker and the listener, and the dispatcher that turns
// a worker result into an acknowledgement decision.
package queue

import (
	"context"

	"github.com/aliskhannn/image-thumbnailer/internal/model"
)

// Delivery is one receipt of a task by a consumer. ID is a lease token
// shared by all in-process attempts of the same receipt.
type Delivery struct {
	Task    model.Task
	ID      string
	Attempt int
}

// Handler processes tasks. Process is invoked once per attempt; Exhausted
// is invoked once the retry budget is spent or a permanent error occurs.
type Handler interface {
	Process(ctx context.Context, d Delivery) (model.Result, error)
	Exhausted(ctx context.Context, d Delivery, cause error) (model.Result, error)
}

// EventHandler consumes completion events.
type EventHandler interface {
	HandleCompletion(ctx context.Context, ev model.CompletionEvent) error
}

// EventPublisher emits completion events.
type EventPublisher interface {
	PublishCompletion(ctx context.Context, ev model.CompletionEvent) error
}

// Client is a task transport with at-least-once delivery.
//
// Consume and Subscribe block until ctx is canceled. Each Consume call
// is an independent consumer, so running several concurrently adds
// workers.
type Client interface {
	Enqueue(ctx context.Context, task model.Task) (string, error)
	Consume(ctx context.Context, h Handler) error
	Subscribe(ctx context.Context, h EventHandler) error
	EventPublisher
	Close() error
}
