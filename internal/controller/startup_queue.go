package controller

import (
	"sync"

	"github.com/qzbxw/chatline/internal/inbound"
	"github.com/qzbxw/chatline/internal/wire"
)

// startupQueue implements inbound.Queue: it buffers activities delivered
// while a handshake is in flight and flushes them to the sink in FIFO order
// once the controller observes Online, per spec.md §4.2 step 4 and §4.4
// step 7. A single mutex guards the queueing flag and the buffer together so
// Route and flush can never interleave a buffered delivery with a direct one.
type startupQueue struct {
	mu       sync.Mutex
	queueing bool
	items    []wire.Activity
	sink     inbound.Sink
}

func newStartupQueue(sink inbound.Sink) *startupQueue {
	return &startupQueue{sink: sink}
}

// startQueueing begins buffering inbound activities, per spec.md §4.4 step 1.
func (q *startupQueue) startQueueing() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queueing = true
}

// Route implements inbound.Queue.
func (q *startupQueue) Route(a wire.Activity) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queueing {
		q.items = append(q.items, a)
		return
	}
	q.sink <- inbound.Event{Activity: &a}
}

// flush stops queueing and delivers every buffered activity to the sink in
// arrival order, per spec.md §4.4 step 7. Held under the same mutex as
// Route, so an activity arriving mid-flush either lands in items (delivered
// here) or sees queueing already false (delivered directly) — never both,
// never reordered.
func (q *startupQueue) flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queueing = false
	for _, a := range q.items {
		q.sink <- inbound.Event{Activity: &a}
	}
	q.items = nil
}
