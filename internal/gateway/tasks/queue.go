// Package tasks runs background work (usage commits, cleanup, deferred
// validation) on a fixed worker pool. A failing or panicking task is logged
// and never affects the request that submitted it or other tasks.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Func is one unit of background work.
type Func func(ctx context.Context) error

type task struct {
	name string
	fn   Func
}

// Queue is a bounded background task runner.
type Queue struct {
	tasks   chan task
	timeout time.Duration
	log     *logrus.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// inflight counts accepted tasks that have not finished; idle is
	// broadcast whenever it drops to zero.
	inflightMu sync.Mutex
	inflight   int
	idle       *sync.Cond
}

// New starts workers goroutines consuming a queue of size buffered tasks.
// Each task runs with its own timeout.
func New(log *logrus.Logger, workers, size int, timeout time.Duration) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if size < 0 {
		size = 0
	}
	q := &Queue{
		tasks:   make(chan task, size),
		timeout: timeout,
		log:     log,
	}
	q.idle = sync.NewCond(&q.inflightMu)
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues fn. It returns false, and logs, when the queue is full or
// closed.
func (q *Queue) Submit(name string, fn Func) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.log.WithField("task", name).Warn("task queue closed, dropping task")
		return false
	}

	q.track(1)
	select {
	case q.tasks <- task{name: name, fn: fn}:
		return true
	default:
		q.track(-1)
		q.log.WithField("task", name).Error("task queue full, dropping task")
		return false
	}
}

// Wait blocks until no accepted task is queued or running. It is safe to call
// while other goroutines keep submitting; tasks accepted during the wait are
// waited for too.
func (q *Queue) Wait() {
	q.inflightMu.Lock()
	for q.inflight > 0 {
		q.idle.Wait()
	}
	q.inflightMu.Unlock()
}

func (q *Queue) track(delta int) {
	q.inflightMu.Lock()
	q.inflight += delta
	if q.inflight == 0 {
		q.idle.Broadcast()
	}
	q.inflightMu.Unlock()
}

// Close stops accepting tasks and waits for queued ones to finish or ctx to
// expire.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks: shutdown: %w", ctx.Err())
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.run(t)
	}
}

func (q *Queue) run(t task) {
	defer q.track(-1)

	ctx := context.Background()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			q.log.WithFields(logrus.Fields{"task": t.name, "panic": r}).Error("background task panicked")
		}
	}()

	start := time.Now()
	if err := t.fn(ctx); err != nil {
		q.log.WithError(err).WithField("task", t.name).Error("background task failed")
		return
	}
	q.log.WithFields(logrus.Fields{
		"task":     t.name,
		"duration": time.Since(start).String(),
	}).Debug("background task done")
}
