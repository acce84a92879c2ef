// Package store is the durable, transactional repository of tasks and their
// outcomes, and the sole coordination point between producers and workers.
// Independent processes sharing one store file act as a single logical queue.
package store

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a task. Legal transitions are
// pending -> in_progress (Reserve), in_progress -> success (MarkSuccess),
// in_progress -> failed (MarkFailure), and the operator-only
// in_progress -> pending (Requeue). Terminal states are sticky.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Task is the persistent record of one unit of queued work.
// Timestamps are UTC. StartedAt and FinishedAt are nil until the task is
// reserved and concluded, respectively. Error and Traceback are empty
// unless the status is failed, and ResultValue is nil unless success
// (an empty-but-non-nil ResultValue is a legitimate success outcome).
type Task struct {
	TaskID      string
	Status      Status
	Payload     []byte
	EnqueuedAt  time.Time
	AvailableAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	ResultValue []byte
	Error       string
	Traceback   string
}

// Reserved is the projection of a task handed to a worker by Reserve.
type Reserved struct {
	TaskID     string
	Payload    []byte
	EnqueuedAt time.Time
}

var (
	// ErrDuplicateTaskID is returned by Enqueue for an already-used task id.
	ErrDuplicateTaskID = errors.New("task id already exists")
	// ErrStaleTransition is returned by MarkSuccess, MarkFailure, and Requeue
	// when the task is not in_progress. The row is left untouched.
	ErrStaleTransition = errors.New("task is not in progress")
	// ErrNoSuchTask is returned by Requeue for an unknown task id.
	ErrNoSuchTask = errors.New("no such task")
	// ErrStoreUnavailable wraps any backing-store failure: I/O errors,
	// corruption, or schema version skew.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Store is the narrow mutation surface through which tasks are created and
// driven through their lifecycle. Every method is a single ACID transaction
// from the caller's viewpoint, and implementations must be safe for
// concurrent use within and across processes.
type Store interface {
	// Enqueue inserts a new pending task. The store assigns enqueued_at,
	// and clamps availableAt up to it so available_at >= enqueued_at holds.
	Enqueue(ctx context.Context, taskID string, payload []byte, availableAt time.Time) error

	// Reserve atomically transitions up to maxItems eligible tasks
	// (pending, with available_at <= now) to in_progress and returns them,
	// oldest first with ties broken by task id. Two concurrent reservers
	// always obtain disjoint sets.
	Reserve(ctx context.Context, maxItems int, now time.Time) ([]Reserved, error)

	// MarkSuccess concludes an in_progress task with its encoded result.
	MarkSuccess(ctx context.Context, taskID string, resultValue []byte, finishedAt time.Time) error

	// MarkFailure concludes an in_progress task with an error message and
	// a multi-line diagnostic.
	MarkFailure(ctx context.Context, taskID string, errMsg, traceback string, finishedAt time.Time) error

	// GetResult returns the task row, or (nil, nil) when no such task
	// exists. It never mutates state.
	GetResult(ctx context.Context, taskID string) (*Task, error)

	// ListTasks returns tasks filtered by status (all statuses when status
	// is empty), newest first. A non-positive limit means no limit.
	ListTasks(ctx context.Context, status Status, limit int) ([]Task, error)

	// Requeue is the operator recovery operation: it returns a stuck
	// in_progress task to pending, clearing started_at. The store never
	// requeues on its own.
	Requeue(ctx context.Context, taskID string) error

	// Ping verifies the store can serve requests.
	Ping(ctx context.Context) error

	Close() error
}
