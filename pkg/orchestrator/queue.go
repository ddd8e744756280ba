package orchestrator

import (
	"container/heap"
	"context"
	"sync"
)

// waiter is one queued request blocked on a free execution slot.
type waiter struct {
	priority int    // 1..10, 1 most urgent
	seq      uint64 // admission order, breaks priority ties FIFO
	ready    chan struct{}
	index    int
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// slots bounds concurrent execution. Requests beyond the concurrency cap wait
// in a bounded priority queue; beyond the queue cap admission fails fast.
type slots struct {
	mu       sync.Mutex
	active   int
	capacity int
	maxQueue int
	nextSeq  uint64
	waiting  waiterHeap
}

func newSlots(capacity, maxQueue int) *slots {
	s := &slots{capacity: capacity, maxQueue: maxQueue}
	heap.Init(&s.waiting)
	return s
}

// acquire blocks until a slot frees, ordered by priority then FIFO. Returns
// ErrOverCapacity when the wait queue is full and ctx.Err on cancellation.
func (s *slots) acquire(ctx context.Context, priority int) error {
	s.mu.Lock()
	if s.active < s.capacity {
		s.active++
		s.mu.Unlock()
		return nil
	}
	if s.waiting.Len() >= s.maxQueue {
		s.mu.Unlock()
		return ErrOverCapacity
	}
	w := &waiter{priority: priority, seq: s.nextSeq, ready: make(chan struct{})}
	s.nextSeq++
	heap.Push(&s.waiting, w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&s.waiting, w.index)
			s.mu.Unlock()
			return ctx.Err()
		}
		s.mu.Unlock()
		// Slot was granted concurrently with cancellation; give it back.
		s.release()
		return ctx.Err()
	}
}

// release hands the slot to the best waiter, or frees it.
func (s *slots) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiting.Len() > 0 {
		w := heap.Pop(&s.waiting).(*waiter)
		close(w.ready)
		return
	}
	s.active--
}

func (s *slots) depth() (active, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.waiting.Len()
}
