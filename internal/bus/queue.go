package bus

import (
	"sync/atomic"
)

// enqueueOutcome reports what happened to a candidate envelope.
type enqueueOutcome int

const (
	outcomeEnqueued enqueueOutcome = iota
	outcomeDroppedNewest
	outcomeDroppedOldest
	outcomeRejected // queue closed
)

// subQueue is the bounded per-subscription FIFO. It is backed by a buffered
// channel so that dequeue's blocking-with-cancellation behavior and the
// Closed signal fall out of normal channel semantics instead of a
// hand-rolled condition variable; the channel is never read by more than one
// consumer goroutine at a time (single reader, many writers). The channel
// carries Event by value: Event.Payload is an `any` that, for
// reference-typed payloads, still points at the one allocation the publisher
// created, so fanning an event out to N subscriptions never copies the
// payload itself even though the small envelope struct around it is copied N
// times.
//
// Depth is deliberately not tracked as a separately-maintained counter: a
// counter incremented on admit and decremented on receive only stays correct
// if every receive path remembers to decrement it, and Ch() hands callers
// the raw channel precisely so they can select on it directly. len(ch) is
// always correct regardless of which of Ch(), Dequeue, or tryDequeue drained
// it, so Depth reads that instead. admitted and evicted are the two
// monotonic counters Delivered derives from: every envelope ever admitted
// was either evicted by drop-oldest before anyone saw it, or delivered to
// the subscription (still buffered or already consumed; Depth says which).
type subQueue struct {
	ch       chan Event
	capacity int

	admitted  atomic.Int64 // total envelopes ever admitted onto ch
	evicted   atomic.Int64 // of those, admitted then evicted by drop-oldest
	highWater atomic.Int64
	drops     atomic.Int64  // dropped_overflow: newest+sample+oldest, all reasons
	tick      atomic.Uint64 // sampling stride counter

	lastDeliveryNs atomic.Int64
	closed         atomic.Bool
}

func newSubQueue(capacity int) *subQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &subQueue{
		ch:       make(chan Event, capacity),
		capacity: capacity,
	}
}

// tryEnqueue admits env according to action, which the caller has already
// computed via decide(). It never blocks.
func (q *subQueue) tryEnqueue(env Event, action admitAction) enqueueOutcome {
	if q.closed.Load() {
		return outcomeRejected
	}

	switch action {
	case actionDropNewest, actionSampleDrop:
		q.drops.Add(1)
		return outcomeDroppedNewest

	case actionDropOldest:
		// Evict the head, then admit the newcomer. If the channel raced
		// empty (consumer just drained it), fall through to a plain send.
		evicted := false
		select {
		case <-q.ch:
			q.drops.Add(1)
			q.evicted.Add(1)
			evicted = true
		default:
		}
		select {
		case q.ch <- env:
			q.recordAdmit()
			if evicted {
				return outcomeDroppedOldest
			}
			return outcomeEnqueued
		default:
			// Another writer raced us and refilled the slot we just freed;
			// our own envelope never landed, so this is a drop-newest on
			// our side regardless of whether the eviction above fired.
			q.drops.Add(1)
			return outcomeDroppedNewest
		}

	default: // actionEnqueue
		select {
		case q.ch <- env:
			q.recordAdmit()
			return outcomeEnqueued
		default:
			// Raced with concurrent publishers between decide() and here;
			// the queue filled up in between. Treat as drop-newest rather
			// than block the publisher.
			q.drops.Add(1)
			return outcomeDroppedNewest
		}
	}
}

// recordAdmit marks one envelope as having landed on ch and updates the
// high-water mark against the channel's current length.
func (q *subQueue) recordAdmit() {
	q.admitted.Add(1)
	d := int64(len(q.ch))
	for {
		hw := q.highWater.Load()
		if d <= hw || q.highWater.CompareAndSwap(hw, d) {
			return
		}
	}
}

// dequeueResult distinguishes an empty-vs-closed channel from the zero
// value of Event.
type dequeueResult int

const (
	dequeueOK dequeueResult = iota
	dequeueEmpty
	dequeueClosed
)

// tryDequeue performs a non-blocking receive, used by tests and by anything
// draining a queue without blocking. Depth and Delivered are derived from
// ch's own length, so a receive here updates them for free, exactly as a
// receive via Ch() or Dequeue does.
func (q *subQueue) tryDequeue() (Event, dequeueResult) {
	select {
	case env, ok := <-q.ch:
		if !ok {
			return Event{}, dequeueClosed
		}
		return env, dequeueOK
	default:
		return Event{}, dequeueEmpty
	}
}

// close marks the queue closed and shuts the channel so blocked consumers
// wake with dequeueClosed once they've drained whatever was already
// buffered. Safe to call more than once.
func (q *subQueue) close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
}

// Depth reports how many envelopes are currently buffered, read straight off
// the channel so it is correct no matter which path a consumer drains
// through.
func (q *subQueue) Depth() int { return len(q.ch) }

func (q *subQueue) HighWater() int { return int(q.highWater.Load()) }
func (q *subQueue) Drops() int64   { return q.drops.Load() }

// Delivered is the count of envelopes delivered to this subscription: every
// envelope ever admitted onto the queue, minus those evicted by drop-oldest
// before reaching anyone. Envelopes still buffered count as delivered;
// Depth reports how many of them the consumer has yet to receive. The
// bus-wide EventsDelivered counter uses the same definition, so the two
// always reconcile.
func (q *subQueue) Delivered() int64 {
	return q.admitted.Load() - q.evicted.Load()
}

func (q *subQueue) Capacity() int { return q.capacity }
