// Package queue runs background maintenance jobs on a Redis-backed task queue.
package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// ErrSkipRetry marks a task failure that retrying cannot fix.
var ErrSkipRetry = asynq.SkipRetry

// Task is a job type plus an opaque payload.
type Task struct {
	Type    string
	Payload []byte
}

// Handler processes a Task. A non-nil error schedules a retry unless it wraps
// ErrSkipRetry. Handlers must be idempotent.
type Handler func(ctx context.Context, task Task) error

// EnqueueOption tunes a single enqueue. Zero values mean unset.
type EnqueueOption struct {
	Queue     string
	ProcessIn time.Duration
	MaxRetry  int
	UniqueTTL time.Duration
	Retention time.Duration
	Timeout   time.Duration
}

// Client enqueues tasks.
type Client interface {
	Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (id string, err error)
	Close() error
}

// Server runs registered handlers until its context ends.
type Server interface {
	Register(taskType string, h Handler)
	Run(ctx context.Context) error
}
