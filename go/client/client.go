// Package client is the producer-side facade of the queue: it creates task
// rows through the store and polls them for completion.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/sitq/sitq/go/codec"
	"github.com/sitq/sitq/go/store"
)

// ErrInvalidArgument is returned when an input violates a documented
// constraint, such as an empty handler name.
var ErrInvalidArgument = errors.New("invalid argument")

// resultCacheSize bounds the cache of terminal results. Terminal rows are
// immutable, so cached entries never go stale.
const resultCacheSize = 1024

// EnqueueRequest describes one task to enqueue.
type EnqueueRequest struct {
	// Handler is the registered handler name executed by workers.
	Handler string
	// Args and Kwargs are the handler's arguments.
	Args   []any
	Kwargs map[string]any
	// Context is optional opaque metadata carried alongside the call.
	Context map[string]string
	// ETA is the earliest execution time. The zero time means "now".
	// Non-UTC locations are converted; an ETA in the past executes
	// immediately.
	ETA time.Time
}

// Result is the client-side projection of a terminal task outcome.
type Result struct {
	TaskID     string
	Status     store.Status
	Value      any // decoded result value; nil unless Status is success
	Error      string
	Traceback  string
	EnqueuedAt time.Time
	StartedAt  time.Time // zero if never reserved
	FinishedAt time.Time
}

// Succeeded reports whether the task completed successfully.
func (r *Result) Succeeded() bool { return r.Status == store.StatusSuccess }

// Failed reports whether the task failed.
func (r *Result) Failed() bool { return r.Status == store.StatusFailed }

// Client enqueues tasks and retrieves their results. It is safe for use by
// concurrent producers; all operations delegate to the store's own
// concurrency discipline.
type Client struct {
	store store.Store
	codec codec.Codec

	terminal  *lru.Cache[string, *Result]
	closeOnce sync.Once
	closeErr  error
}

// New returns a Client over the given store and codec.
func New(s store.Store, c codec.Codec) *Client {
	// Cache construction only fails on a non-positive size.
	var cache, err = lru.New[string, *Result](resultCacheSize)
	if err != nil {
		panic(err)
	}
	return &Client{store: s, codec: c, terminal: cache}
}

// Enqueue encodes the call and inserts it as a pending task, returning the
// generated task id.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Handler == "" {
		return "", fmt.Errorf("enqueue requires a handler name: %w", ErrInvalidArgument)
	}

	var payload, err = c.codec.EncodeTask(codec.CallSpec{
		Handler: req.Handler,
		Args:    req.Args,
		Kwargs:  req.Kwargs,
		Context: req.Context,
	})
	if err != nil {
		return "", fmt.Errorf("encoding task payload: %w", err)
	}

	var taskID = uuid.NewString()
	var availableAt = req.ETA
	if availableAt.IsZero() {
		availableAt = time.Now().UTC()
	} else {
		availableAt = availableAt.UTC()
	}

	if err = c.store.Enqueue(ctx, taskID, payload, availableAt); err != nil {
		return "", err
	}

	log.WithFields(log.Fields{
		"task":    taskID,
		"handler": req.Handler,
	}).Debug("enqueued task")

	return taskID, nil
}

// GetResult returns the terminal result of the task, or (nil, nil) when the
// task does not exist or is not yet terminal.
//
// With a non-positive timeout it probes the store exactly once. Otherwise it
// polls until the task is terminal or the timeout elapses, at an interval of
// max(50ms, timeout/20) capped at one second. Task failure is not an error:
// it is reported inside the returned Result.
func (c *Client) GetResult(ctx context.Context, taskID string, timeout time.Duration) (*Result, error) {
	if cached, ok := c.terminal.Get(taskID); ok {
		return cached, nil
	}

	if timeout <= 0 {
		return c.probe(ctx, taskID)
	}

	var deadline = time.Now().Add(timeout)
	var interval = timeout / 20
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}

	for {
		var result, err = c.probe(ctx, taskID)
		if err != nil || result != nil {
			return result, err
		}
		var remaining = time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if remaining < interval {
			interval = remaining
		}

		var timer = time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// probe reads the task once, returning a Result only when terminal.
func (c *Client) probe(ctx context.Context, taskID string) (*Result, error) {
	var task, err = c.store.GetResult(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil || !task.Status.Terminal() {
		return nil, nil
	}

	var result = &Result{
		TaskID:     task.TaskID,
		Status:     task.Status,
		Error:      task.Error,
		Traceback:  task.Traceback,
		EnqueuedAt: task.EnqueuedAt,
	}
	if task.StartedAt != nil {
		result.StartedAt = *task.StartedAt
	}
	if task.FinishedAt != nil {
		result.FinishedAt = *task.FinishedAt
	}
	if task.Status == store.StatusSuccess {
		if result.Value, err = c.codec.DecodeValue(task.ResultValue); err != nil {
			return nil, fmt.Errorf("decoding result of task %q: %w", taskID, err)
		}
	}

	c.terminal.Add(taskID, result)
	return result, nil
}

// Close releases the underlying store handle. It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.store.Close() })
	return c.closeErr
}
