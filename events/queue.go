package events

import (
	"container/heap"
	"sync"
	"time"

	"github.com/trackrun/trackcore/types"
)

// PriorityQueue is a bounded, blocking-push queue of TBEvents ordered by
// ascending wall_time. Push blocks when the
// queue is at capacity; Pop blocks (with timeout) when empty.
type PriorityQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    tbHeap
	capacity int
}

// NewPriorityQueue returns a queue bounded at capacity. capacity <= 0 means
// unbounded.
func NewPriorityQueue(capacity int) *PriorityQueue {
	q := &PriorityQueue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	heap.Init(&q.items)
	return q
}

// Push inserts ev, blocking while the queue is at capacity.
func (q *PriorityQueue) Push(ev *types.TBEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.capacity > 0 && len(q.items) >= q.capacity {
		q.notFull.Wait()
	}
	heap.Push(&q.items, ev)
	q.notEmpty.Signal()
}

// Pop removes and returns the lowest-wall_time event, blocking until one
// is available or timeout elapses (1s in the consumer loop).
func (q *PriorityQueue) Pop(timeout time.Duration) (*types.TBEvent, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		q.waitWithTimeout(remaining)
	}

	ev := heap.Pop(&q.items).(*types.TBEvent)
	q.notFull.Signal()
	return ev, true
}

// waitWithTimeout waits on notEmpty for up to d, backstopped by a timer
// that broadcasts so the wait can't block past the caller's deadline. Must
// be called with q.mu held; the caller re-checks len(q.items) afterward.
func (q *PriorityQueue) waitWithTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()
	q.notEmpty.Wait()
}

// PushBack re-inserts ev without blocking, used by the Consumer's warm-up
// reinsertion step.
func (q *PriorityQueue) PushBack(ev *types.TBEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.items, ev)
	q.notEmpty.Signal()
}

// Len returns the current queue depth.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type tbHeap []*types.TBEvent

func (h tbHeap) Len() int            { return len(h) }
func (h tbHeap) Less(i, j int) bool  { return h[i].WallTime() < h[j].WallTime() }
func (h tbHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *tbHeap) Push(x any)         { *h = append(*h, x.(*types.TBEvent)) }
func (h *tbHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
