// Package worker is the consumer-side runtime of the queue: it reserves
// tasks from the store, executes their handlers concurrently up to a
// ceiling, records outcomes, and shuts down gracefully.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/sitq/sitq/go/codec"
	"github.com/sitq/sitq/go/store"
)

// Config tunes a Worker. The zero value adopts all defaults.
type Config struct {
	// MaxConcurrency bounds simultaneously executing tasks. Default 10.
	MaxConcurrency int
	// PollInterval is how long the dispatcher sleeps after an empty
	// reservation. Default 1s.
	PollInterval time.Duration
	// BatchSize caps the number of tasks requested by a single reservation,
	// further capped by free concurrency slots. Default 10.
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 10
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	return c
}

func (c Config) validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("MaxConcurrency must be >= 1 (got %d)", c.MaxConcurrency)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be > 0 (got %s)", c.PollInterval)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BatchSize must be >= 1 (got %d)", c.BatchSize)
	}
	return nil
}

// maxStoreFailures is the number of consecutive store failures after which
// the worker gives up and drains.
const maxStoreFailures = 5

// maxBackoff caps the exponential backoff applied between store retries.
const maxBackoff = 30 * time.Second

// Worker drains the queue. A single dispatcher goroutine issues reservations
// and spawns one executor goroutine per reserved task; a weighted semaphore
// enforces the concurrency ceiling. Shutdown is one-way: once signalled the
// dispatcher stops reserving, in-flight executors run to completion
// (including their terminal store write), and Stop returns when all have
// drained. Reserved tasks are never returned to pending on shutdown, since
// every reserved task already has a running executor.
type Worker struct {
	store    store.Store
	codec    codec.Codec
	registry *Registry
	cfg      Config

	sem     *semaphore.Weighted
	running atomic.Int64 // executors not yet completed; drain tracking only
	wake    chan struct{}

	executors sync.WaitGroup
	stopCh    chan struct{}
	stopOnce  sync.Once
	started   atomic.Bool
	done      chan struct{} // closed when the dispatcher exits
}

// New returns a Worker over the given store, codec, and handler registry.
func New(s store.Store, c codec.Codec, r *Registry, cfg Config) (*Worker, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}

	return &Worker{
		store:    s,
		codec:    c,
		registry: r,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins dispatching on a background goroutine. It is non-blocking
// and idempotent.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}

	log.WithFields(log.Fields{
		"maxConcurrency": w.cfg.MaxConcurrency,
		"pollInterval":   w.cfg.PollInterval,
		"batchSize":      w.cfg.BatchSize,
	}).Info("worker started")

	go w.dispatch()
}

// Stop signals shutdown and blocks until the dispatcher has exited and all
// in-flight executors have drained. It is idempotent, and safe to call
// concurrently or before Start.
func (w *Worker) Stop() {
	w.signalStop()
	if w.started.Load() {
		<-w.done
	}
	w.executors.Wait()
	log.Info("worker stopped")
}

func (w *Worker) signalStop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// dispatch is the single reservation loop.
func (w *Worker) dispatch() {
	defer close(w.done)

	var storeFailures int
	for !w.stopping() {
		var free = w.cfg.MaxConcurrency - int(w.running.Load())
		if free == 0 {
			// Saturated. Wait for an executor to complete, or for shutdown.
			select {
			case <-w.wake:
			case <-w.stopCh:
			}
			continue
		}

		var n = w.cfg.BatchSize
		if n > free {
			n = free
		}

		var reserved, err = w.store.Reserve(context.Background(), n, time.Now().UTC())
		if err != nil {
			reserveCounter.WithLabelValues("error").Inc()
			storeFailures++
			log.WithFields(log.Fields{
				"err":         err,
				"consecutive": storeFailures,
			}).Error("task reservation failed")

			if storeFailures >= maxStoreFailures {
				log.WithField("consecutive", storeFailures).
					Error("store is persistently unavailable; worker is shutting down")
				w.signalStop()
				return
			}
			w.sleep(backoff(storeFailures))
			continue
		}
		storeFailures = 0

		if len(reserved) == 0 {
			reserveCounter.WithLabelValues("empty").Inc()
			w.sleep(w.cfg.PollInterval)
			continue
		}

		reserveCounter.WithLabelValues("tasks").Inc()
		log.WithField("count", len(reserved)).Debug("reserved tasks")
		for _, task := range reserved {
			// Cannot block: |free| permits are available by construction.
			if !w.sem.TryAcquire(1) {
				// Defensive fallback; Acquire only fails on context cancel.
				_ = w.sem.Acquire(context.Background(), 1)
			}
			w.running.Add(1)
			w.executors.Add(1)
			go w.execute(task)
		}
	}
}

// sleep waits for d, returning early if shutdown is signalled.
func (w *Worker) sleep(d time.Duration) {
	var timer = time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.stopCh:
	}
}

func backoff(consecutive int) time.Duration {
	var d = time.Second << (consecutive - 1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

// execute runs one reserved task to its terminal outcome. Task errors and
// panics are recorded through the store and never propagate.
func (w *Worker) execute(task store.Reserved) {
	defer func() {
		w.sem.Release(1)
		w.running.Add(-1)
		w.executors.Done()
		// Wake the dispatcher if it is waiting on a free slot.
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}()

	inFlightGauge.Inc()
	defer inFlightGauge.Dec()
	var began = time.Now()

	var ctx = context.Background()

	var spec, err = w.codec.DecodeTask(task.Payload)
	if err != nil {
		w.concludeFailure(ctx, task.TaskID, "payload decode failed", errorDiagnostic(err), began)
		return
	}

	var logger = log.WithFields(log.Fields{"task": task.TaskID, "handler": spec.Handler})

	var fn, ok = w.registry.Lookup(spec.Handler)
	if !ok {
		w.concludeFailure(ctx, task.TaskID,
			fmt.Sprintf("unknown handler %q", spec.Handler),
			fmt.Sprintf("no handler registered under %q\ntask: %s\n", spec.Handler, task.TaskID),
			began)
		return
	}

	var value, invokeErr = w.invoke(ctx, fn, spec)
	if invokeErr != nil {
		var p *panicError
		if errors.As(invokeErr, &p) {
			w.concludeFailure(ctx, task.TaskID, p.message(), p.stack, began)
		} else {
			w.concludeFailure(ctx, task.TaskID, invokeErr.Error(), errorDiagnostic(invokeErr), began)
		}
		return
	}

	var encoded []byte
	if encoded, err = w.codec.EncodeValue(value); err != nil {
		w.concludeFailure(ctx, task.TaskID, "result encode failed", errorDiagnostic(err), began)
		return
	}

	if err = w.markWithRetry(func() error {
		return w.store.MarkSuccess(ctx, task.TaskID, encoded, time.Now().UTC())
	}); errors.Is(err, store.ErrStaleTransition) {
		// Already concluded by another party. An anomaly, not a worker fault.
		logger.WithField("err", err).Warn("dropped stale success outcome")
	} else if err != nil {
		logger.WithField("err", err).Error("failed to record task success")
		return
	}

	executedCounter.WithLabelValues("success").Inc()
	durationHistogram.Observe(time.Since(began).Seconds())
	logger.WithField("elapsed", time.Since(began)).Info("task completed")
}

// invoke calls the handler, converting a panic into a *panicError.
func (w *Worker) invoke(ctx context.Context, fn HandlerFunc, spec codec.CallSpec) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return fn(ctx, spec.Args, spec.Kwargs)
}

// concludeFailure records a failed outcome for the task.
func (w *Worker) concludeFailure(ctx context.Context, taskID, message, traceback string, began time.Time) {
	var err = w.markWithRetry(func() error {
		return w.store.MarkFailure(ctx, taskID, message, traceback, time.Now().UTC())
	})
	if errors.Is(err, store.ErrStaleTransition) {
		log.WithFields(log.Fields{"task": taskID, "err": err}).
			Warn("dropped stale failure outcome")
	} else if err != nil {
		log.WithFields(log.Fields{"task": taskID, "err": err}).
			Error("failed to record task failure")
		return
	}

	executedCounter.WithLabelValues("failed").Inc()
	durationHistogram.Observe(time.Since(began).Seconds())
	log.WithFields(log.Fields{
		"task":    taskID,
		"error":   message,
		"elapsed": time.Since(began),
	}).Warn("task failed")
}

// markWithRetry retries a terminal store write across transient store
// failures, with exponential backoff. ErrStaleTransition is returned
// immediately; it cannot succeed on retry.
func (w *Worker) markWithRetry(mark func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = mark(); err == nil || errors.Is(err, store.ErrStaleTransition) {
			return err
		}
		if attempt >= maxStoreFailures {
			return err
		}
		log.WithFields(log.Fields{"err": err, "attempt": attempt}).
			Warn("retrying terminal task write")
		time.Sleep(backoff(attempt))
	}
}

// panicError captures a recovered handler panic with its stack.
type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string { return p.message() }

func (p *panicError) message() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}

// errorDiagnostic renders a multi-line diagnostic from an error chain.
func errorDiagnostic(err error) string {
	var b strings.Builder
	b.WriteString("error chain:\n")
	for depth := 0; err != nil; depth++ {
		fmt.Fprintf(&b, "  %d: %s\n", depth, err.Error())
		err = errors.Unwrap(err)
	}
	return b.String()
}
