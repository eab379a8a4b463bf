package governor

import (
	"container/heap"
	"sync"
)

// requestQueue is a priority queue over pending requests with the explicit
// total order (priority, scheduled time, insertion sequence). A buffered
// wake channel lets the owning worker block until work arrives.
type requestQueue struct {
	mu    sync.Mutex
	items pqHeap
	wake  chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{wake: make(chan struct{}, 1)}
}

func (q *requestQueue) push(p *pendingRequest) {
	q.mu.Lock()
	heap.Push(&q.items, p)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop removes and returns the highest-priority request, or nil when empty.
func (q *requestQueue) pop() *pendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*pendingRequest)
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type pqHeap []*pendingRequest

func (h pqHeap) Len() int { return len(h) }

func (h pqHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.req.Priority != b.req.Priority {
		return a.req.Priority < b.req.Priority
	}
	if !a.scheduledAt.Equal(b.scheduledAt) {
		return a.scheduledAt.Before(b.scheduledAt)
	}
	return a.seq < b.seq
}

func (h pqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pqHeap) Push(x interface{}) {
	*h = append(*h, x.(*pendingRequest))
}

func (h *pqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
