// Package memory is the bounded in-process queue between the worker pool's
// Submit and its workers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// ErrClosed is returned by Dequeue once the queue is closed and empty.
var ErrClosed = errors.New("check queue closed")

// Queue holds pending check tasks. Producers never block; consumers wait.
type Queue struct {
	tasks chan monitor.CheckTask

	// mu guards closing tasks against a concurrent send.
	mu     sync.RWMutex
	closed bool
}

// NewQueue returns a queue holding at most depth tasks.
func NewQueue(depth int) *Queue {
	return &Queue{tasks: make(chan monitor.CheckTask, max(depth, 0))}
}

// TryEnqueue adds task if there is room and reports whether it did.
func (q *Queue) TryEnqueue(task monitor.CheckTask) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.tasks <- task:
		return true
	default:
		return false
	}
}

// Dequeue waits for the next task. Tasks queued before Close are still
// handed out; after that it returns ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (monitor.CheckTask, error) {
	select {
	case task, ok := <-q.tasks:
		if !ok {
			return monitor.CheckTask{}, ErrClosed
		}
		return task, nil
	case <-ctx.Done():
		return monitor.CheckTask{}, fmt.Errorf("dequeue check task: %w", ctx.Err())
	}
}

// Len is the number of tasks waiting.
func (q *Queue) Len() int { return len(q.tasks) }

// Close stops further enqueues. It is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
}
