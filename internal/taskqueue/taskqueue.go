// Package taskqueue holds the in-process queue feeding the worker pool.
package taskqueue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueFull is returned by TryEnqueue when no capacity is left.
	ErrQueueFull = errors.New("taskqueue: queue full")

	// ErrQueueClosed is returned once Close has been called and, for
	// Dequeue, the queue has been drained.
	ErrQueueClosed = errors.New("taskqueue: queue closed")
)

// TaskType identifies what the executor should do.
type TaskType string

const (
	// TaskTypeAsync runs an async handler issued by an Async result.
	TaskTypeAsync TaskType = "async-task"
	// TaskTypeResume drives a run ResumeAsync already moved to RUNNING.
	TaskTypeResume TaskType = "resume"
)

// Task is a unit of work for the pool.
type Task struct {
	ID   string
	Type TaskType

	RunID string

	// For async tasks
	TaskID   string
	Args     map[string]any
	Estimate time.Duration

	// For resume tasks: the input and the version saved when the run was
	// moved to RUNNING.
	Input   any
	Version int64

	EnqueuedAt time.Time
}

// Queue is a bounded FIFO of tasks.
type Queue interface {
	// TryEnqueue adds a task without blocking, or returns ErrQueueFull.
	TryEnqueue(t Task) error

	// Dequeue removes and returns the next task, blocking until one is
	// available, the queue is closed and drained, or ctx is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int

	// Close stops intake. Queued tasks can still be dequeued.
	Close()
}
