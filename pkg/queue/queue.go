// Package queue provides the bounded in-memory buffer that sits between
// instrumented request handlers and the flush scheduler.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gt8004/gt8004/pkg/event"
)

// ErrQueueFull reports that an enqueue caused a record to be dropped.
var ErrQueueFull = errors.New("queue: full")

// DropPolicy selects which record is discarded when the queue is at capacity.
type DropPolicy int

const (
	// DropOldest evicts the head of the queue so recent events survive.
	DropOldest DropPolicy = iota
	// DropNewest rejects the incoming record.
	DropNewest
)

// ParseDropPolicy accepts "drop_oldest" (default for "") and "drop_newest".
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch s {
	case "", "drop_oldest", "drop-oldest", "oldest":
		return DropOldest, nil
	case "drop_newest", "drop-newest", "newest":
		return DropNewest, nil
	default:
		return DropOldest, fmt.Errorf("queue.ParseDropPolicy: unknown policy %q", s)
	}
}

func (p DropPolicy) String() string {
	if p == DropNewest {
		return "drop_newest"
	}
	return "drop_oldest"
}

// Queue is a fixed-capacity FIFO ring buffer. It is safe for many concurrent
// producers and one consumer; every operation holds the lock for O(1) work
// except Drain, which copies at most max records.
type Queue struct {
	mu    sync.Mutex
	buf   []event.Record
	head  int
	size  int
	drop  DropPolicy
	total atomic.Uint64 // records accepted into the buffer
	lost  atomic.Uint64 // records discarded on overflow
}

// New creates a queue holding at most capacity records.
func New(capacity int, policy DropPolicy) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		buf:  make([]event.Record, capacity),
		drop: policy,
	}
}

// Enqueue appends r. When the queue is full the drop policy is applied, the
// dropped counter is incremented and ErrQueueFull is returned. The caller
// decides whether to surface the error; it never blocks.
func (q *Queue) Enqueue(r event.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	capacity := len(q.buf)
	if q.size < capacity {
		q.buf[(q.head+q.size)%capacity] = r
		q.size++
		q.total.Add(1)
		return nil
	}

	q.lost.Add(1)
	if q.drop == DropNewest {
		return ErrQueueFull
	}
	// Overwrite the oldest slot and advance the head.
	q.buf[q.head] = r
	q.head = (q.head + 1) % capacity
	q.total.Add(1)
	return ErrQueueFull
}

// Drain removes and returns up to max records in insertion order. A max of
// zero or less drains everything. It returns nil when the queue is empty.
func (q *Queue) Drain(max int) []event.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}
	if max <= 0 || max > q.size {
		max = q.size
	}
	capacity := len(q.buf)
	out := make([]event.Record, max)
	for i := 0; i < max; i++ {
		idx := (q.head + i) % capacity
		out[i] = q.buf[idx]
		q.buf[idx] = event.Record{} // release references held by the slot
	}
	q.head = (q.head + max) % capacity
	q.size -= max
	return out
}

// Discard empties the queue and returns how many records were removed.
func (q *Queue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.size
	clear(q.buf)
	q.head = 0
	q.size = 0
	return n
}

// Len returns the number of pending records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Policy returns the configured drop policy.
func (q *Queue) Policy() DropPolicy {
	return q.drop
}

// Dropped returns how many records have been discarded because the queue was full.
func (q *Queue) Dropped() uint64 {
	return q.lost.Load()
}

// Accepted returns how many records have entered the buffer.
func (q *Queue) Accepted() uint64 {
	return q.total.Load()
}
