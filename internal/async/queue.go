package async

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Task is a unit of work run by a Queue. ctx is cancelled when the queue closes.
type Task func(ctx context.Context)

// QueueObserver receives the queue depth after every change.
type QueueObserver func(name string, queued, running int)

// Queue admits submitted tasks in FIFO order and runs at most N of them at
// once. With N = 1 tasks complete in submission order.
type Queue struct {
	name  string
	limit int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	idle     *sync.Cond
	pending  []Task
	running  int
	closed   bool
	observer QueueObserver
}

// NewQueue creates a queue running at most n tasks concurrently.
func NewQueue(name string, n int) (*Queue, error) {
	if n < 1 {
		return nil, fmt.Errorf("queue %s: concurrency must be at least 1, got %d", name, n)
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{name: name, limit: n, ctx: ctx, cancel: cancel}
	q.idle = sync.NewCond(&q.mu)
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Limit returns the concurrency bound.
func (q *Queue) Limit() int {
	return q.limit
}

// SetObserver registers fn to be told about depth changes.
func (q *Queue) SetObserver(fn QueueObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observer = fn
}

// Submit enqueues t. It returns false if the queue is closed.
func (q *Queue) Submit(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, t)
	q.admitLocked()
	return true
}

// admitLocked starts queued tasks while slots are free. Must hold q.mu.
func (q *Queue) admitLocked() {
	for q.running < q.limit && len(q.pending) > 0 {
		t := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.running++
		go q.exec(t)
	}
	if q.observer != nil {
		q.observer(q.name, len(q.pending), q.running)
	}
	if q.running == 0 && len(q.pending) == 0 {
		q.idle.Broadcast()
	}
}

func (q *Queue) exec(t Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("queue_task_panic",
				slog.String("queue", q.name),
				slog.String("panic", fmt.Sprint(r)))
		}
		q.mu.Lock()
		q.running--
		q.admitLocked()
		q.mu.Unlock()
	}()
	t(q.ctx)
}

// IsBusy reports whether any task is queued or running.
func (q *Queue) IsBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running > 0 || len(q.pending) > 0
}

// Len returns the number of queued and running tasks.
func (q *Queue) Len() (queued, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), q.running
}

// Wait blocks until the queue is idle.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running > 0 || len(q.pending) > 0 {
		q.idle.Wait()
	}
}

// Close drops queued tasks, cancels the context of running ones and
// rejects further submissions. It does not wait for running tasks.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.pending = nil
	q.cancel()
	q.admitLocked()
}
