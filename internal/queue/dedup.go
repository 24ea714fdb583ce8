package queue

import "sync"

// Dedup is a FIFO of pending inbound item ids with O(1) membership
// tracking: an id already waiting cannot be enqueued twice. It holds
// references only, never row content; the worker re-fetches each row
// from the store after dequeueing. The queue is an accelerator, not the
// source of truth — the rehydrator refills it from the store.
type Dedup struct {
	mu      sync.Mutex
	items   []int64
	present map[int64]struct{}
}

func NewDedup() *Dedup {
	return &Dedup{present: make(map[int64]struct{})}
}

// Enqueue appends id unless it is already waiting. Returns true when
// the id was added. Double-enqueueing from the webhook path and the
// rehydration pass is therefore safe.
func (q *Dedup) Enqueue(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.present[id]; ok {
		return false
	}
	q.items = append(q.items, id)
	q.present[id] = struct{}{}
	return true
}

// Dequeue pops the oldest id. Returns (0, false) when empty.
func (q *Dedup) Dequeue() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	id := q.items[0]
	q.items = q.items[1:]
	delete(q.present, id)
	return id, true
}

// Contains reports whether id is currently waiting.
func (q *Dedup) Contains(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.present[id]
	return ok
}

func (q *Dedup) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
