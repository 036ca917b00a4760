package transport

import (
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

// outboxEntry is one queued outbound frame awaiting its next flush.
type outboxEntry struct {
	peer       string
	ciphertext []byte
	enqueuedAt time.Time
}

// outbox is the shared in-memory batch every Send/Broadcast call enqueues
// into; flush drains it grouped by recipient. A concurrent queue.Queue
// backs it rather than a mutex-guarded slice, since enqueue happens from
// the consensus/recovery/shard call paths while flush runs on its own
// timer goroutine.
type outbox struct {
	q *queue.Queue
}

func newOutbox() *outbox {
	return &outbox{q: queue.New(64)}
}

func (o *outbox) enqueue(e outboxEntry) error {
	return o.q.Put(e)
}

// drain removes and returns every entry currently queued, grouped by
// peer, preserving arrival order within each peer's slice.
func (o *outbox) drain() map[string][]outboxEntry {
	n := o.q.Len()
	if n == 0 {
		return nil
	}
	items, err := o.q.Get(n)
	if err != nil {
		return nil
	}
	grouped := make(map[string][]outboxEntry)
	for _, raw := range items {
		e := raw.(outboxEntry)
		grouped[e.peer] = append(grouped[e.peer], e)
	}
	return grouped
}

func (o *outbox) len() int64 {
	return o.q.Len()
}
