package session

import (
	"sync"

	"github.com/cribcall/cribcall/internal/cerr"
)

// outboundQueue is a bounded FIFO of framed payloads with priority
// displacement: pushing a priority item onto a full queue evicts the
// oldest non-priority item instead of failing (spec §4.6).
type outboundQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []queueItem
	capacity int
	closed   bool
}

type queueItem struct {
	payload  []byte
	priority bool
}

func newOutboundQueue(capacity int) *outboundQueue {
	q := &outboundQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues payload. On a full queue, a non-priority push returns
// cerr.Backpressure; a priority push displaces the oldest non-priority
// item (or, if every queued item is itself priority, the oldest item).
func (q *outboundQueue) push(payload []byte, priority bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return cerr.New(cerr.ProtocolError, "session is draining")
	}

	if len(q.items) >= q.capacity {
		if !priority {
			return cerr.New(cerr.Backpressure, "outbound queue full")
		}
		evicted := false
		for i, it := range q.items {
			if !it.priority {
				q.items = append(q.items[:i], q.items[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			q.items = q.items[1:]
		}
	}

	q.items = append(q.items, queueItem{payload: payload, priority: priority})
	q.cond.Signal()
	return nil
}

// pop blocks until an item is available or the queue is closed and
// drained, returning ok=false once fully drained and closed.
func (q *outboundQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}

	item := q.items[0]
	q.items = q.items[1:]
	return item.payload, true
}

// closeForDrain marks the queue closed; pending items are still drained by
// pop until empty, after which pop reports ok=false.
func (q *outboundQueue) closeForDrain() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
