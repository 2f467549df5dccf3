package core

import (
	"context"
	"sync"
)

// pendingItem is one submission waiting for the worker.
type pendingItem struct {
	ref  recordRef
	code string
}

// executionQueue is an unbounded FIFO. Push never blocks.
type executionQueue struct {
	mu     sync.Mutex
	items  []pendingItem
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newExecutionQueue() *executionQueue {
	return &executionQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends an item. It reports false once the queue is closed.
func (q *executionQueue) Push(item pendingItem) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until an item is available, the queue is closed or ctx ends.
func (q *executionQueue) Pop(ctx context.Context) (pendingItem, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return pendingItem{}, false
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = pendingItem{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return pendingItem{}, false
		}
	}
}

// Drain removes and returns every pending item.
func (q *executionQueue) Drain() []pendingItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Close stops the queue and returns the items that never ran.
func (q *executionQueue) Close() []pendingItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	items := q.items
	q.items = nil
	return items
}

// Len reports the number of pending items.
func (q *executionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
