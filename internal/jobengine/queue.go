package jobengine

import (
	"container/list"
	"context"
	"sync"

	"github.com/fetchbridge/dlsvc/internal/models"
)

// Queue is a bounded, two-priority-class work queue. standard items always
// drain before low items (strict, not weighted); within a class, order is
// FIFO. Capacity is shared across both classes.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	capacity int
	standard *list.List
	low      *list.List
	closed   bool
}

// NewQueue constructs a queue with the given total capacity across both
// priority classes.
func NewQueue(capacity int) *Queue {
	q := &Queue{
		capacity: capacity,
		standard: list.New(),
		low:      list.New(),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) lenLocked() int {
	return q.standard.Len() + q.low.Len()
}

// Enqueue adds jobID to the given priority class. Returns ErrServiceBusy
// when the queue is at capacity — callers must surface this as backpressure,
// never silently drop.
func (q *Queue) Enqueue(jobID string, priority models.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrServiceBusy
	}
	if q.lenLocked() >= q.capacity {
		return ErrServiceBusy
	}

	if priority == models.PriorityLow {
		q.low.PushBack(jobID)
	} else {
		q.standard.PushBack(jobID)
	}
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until an item is available, the queue is closed, or ctx is
// cancelled. standard items are always returned before low items.
func (q *Queue) Dequeue(ctx context.Context) (string, bool) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.lenLocked() == 0 && !q.closed {
		if ctx.Err() != nil {
			return "", false
		}
		q.notEmpty.Wait()
	}

	if q.closed || q.lenLocked() == 0 {
		return "", false
	}

	var front *list.Element
	var src *list.List
	if q.standard.Len() > 0 {
		src = q.standard
	} else {
		src = q.low
	}
	front = src.Front()
	src.Remove(front)
	return front.Value.(string), true
}

// Close shuts the queue down: any blocked or future Dequeue call returns
// (_, false).
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}

// Length returns the current depth of each priority class.
func (q *Queue) Length() (standard, low int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.standard.Len(), q.low.Len()
}
