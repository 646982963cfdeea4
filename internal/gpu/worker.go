// Package gpu provides the single-slot serial executor that owns all
// accelerator-touching work. The engine compiles accelerator graphs bound
// to thread-local state on first execution and faults if later calls come
// from another thread, so every engine and safety-model call in the process
// funnels through one long-lived worker.
package gpu

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// ErrWorkerClosed is returned for submissions after Close.
var ErrWorkerClosed = errors.New("gpu worker closed")

// Task is an opaque unit of work. The worker never interprets tasks.
type Task func() (any, error)

type result struct {
	val any
	err error
}

type request struct {
	task  Task
	reply chan result
}

// Worker runs tasks one at a time, in FIFO order, on a single OS thread.
// It is long-lived and never replaced while the process runs.
type Worker struct {
	requests chan request
	done     chan struct{}
	once     sync.Once
}

// NewWorker starts the worker goroutine with a bounded request queue.
func NewWorker(queueDepth int) *Worker {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	w := &Worker{
		requests: make(chan request, queueDepth),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	// Accelerator graph state is bound to the OS thread it compiled on.
	runtime.LockOSThread()
	for {
		// Check done first so a close observed during the previous task
		// refuses queued work instead of racing it.
		select {
		case <-w.done:
			w.drain()
			return
		default:
		}
		select {
		case req := <-w.requests:
			val, err := req.task()
			req.reply <- result{val: val, err: err}
		case <-w.done:
			w.drain()
			return
		}
	}
}

// drain refuses every request still queued at close time.
func (w *Worker) drain() {
	for {
		select {
		case req := <-w.requests:
			req.reply <- result{err: ErrWorkerClosed}
		default:
			return
		}
	}
}

// Submit enqueues a task and waits for its result. Submissions must come
// from non-worker goroutines. A task is not cancellable once submitted: if
// ctx expires while the task is in flight, Submit returns ctx.Err() and the
// task's eventual result is discarded. A task still running at Close
// completes, but its submitter may see ErrWorkerClosed instead of the
// result.
func (w *Worker) Submit(ctx context.Context, task Task) (any, error) {
	reply := make(chan result, 1)
	select {
	case w.requests <- request{task: task, reply: reply}:
	case <-w.done:
		return nil, ErrWorkerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.val, res.err
	case <-w.done:
		// The worker may have answered just before closing; prefer a
		// delivered result over the shutdown error.
		select {
		case res := <-reply:
			return res.val, res.err
		default:
			return nil, ErrWorkerClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the worker. Pending submissions fail with ErrWorkerClosed.
func (w *Worker) Close() {
	w.once.Do(func() { close(w.done) })
}

// Do submits a typed task and unwraps its result.
func Do[T any](ctx context.Context, w *Worker, fn func() (T, error)) (T, error) {
	val, err := w.Submit(ctx, func() (any, error) { return fn() })
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := val.(T)
	return out, nil
}

// Run submits a task that produces no result.
func Run(ctx context.Context, w *Worker, fn func() error) error {
	_, err := w.Submit(ctx, func() (any, error) { return nil, fn() })
	return err
}
