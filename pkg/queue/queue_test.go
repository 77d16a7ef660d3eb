package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gt8004/gt8004/pkg/event"
)

func rec(id string) event.Record {
	return event.Record{RequestID: id, Operation: "op"}
}

func ids(records []event.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.RequestID
	}
	return out
}

func TestQueueDrainPreservesOrder(t *testing.T) {
	q := New(8, DropOldest)
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(rec(fmt.Sprint(i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	first := q.Drain(2)
	if got := ids(first); fmt.Sprint(got) != "[0 1]" {
		t.Fatalf("unexpected first drain: %v", got)
	}
	rest := q.Drain(10)
	if got := ids(rest); fmt.Sprint(got) != "[2 3 4]" {
		t.Fatalf("unexpected second drain: %v", got)
	}
	if q.Drain(10) != nil {
		t.Fatal("expected nil drain on empty queue")
	}
}

func TestQueueDropOldestKeepsLatest(t *testing.T) {
	q := New(3, DropOldest)
	var fullErrs int
	for i := 1; i <= 5; i++ {
		if err := q.Enqueue(rec(fmt.Sprint(i))); errors.Is(err, ErrQueueFull) {
			fullErrs++
		}
	}

	if fullErrs != 2 {
		t.Errorf("expected 2 ErrQueueFull, got %d", fullErrs)
	}
	if q.Dropped() != 2 {
		t.Errorf("expected dropped=2, got %d", q.Dropped())
	}
	got := ids(q.Drain(0))
	if fmt.Sprint(got) != "[3 4 5]" {
		t.Fatalf("expected last three records in order, got %v", got)
	}
}

func TestQueueDropNewestRejectsIncoming(t *testing.T) {
	q := New(2, DropNewest)
	q.Enqueue(rec("a"))
	q.Enqueue(rec("b"))
	if err := q.Enqueue(rec("c")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	got := ids(q.Drain(0))
	if fmt.Sprint(got) != "[a b]" {
		t.Fatalf("expected original records, got %v", got)
	}
	if q.Dropped() != 1 || q.Accepted() != 2 {
		t.Errorf("dropped=%d accepted=%d", q.Dropped(), q.Accepted())
	}
}

func TestQueueWrapAround(t *testing.T) {
	q := New(3, DropOldest)
	q.Enqueue(rec("1"))
	q.Enqueue(rec("2"))
	q.Drain(1)
	q.Enqueue(rec("3"))
	q.Enqueue(rec("4"))
	if q.Len() != 3 {
		t.Fatalf("expected len 3, got %d", q.Len())
	}
	if got := ids(q.Drain(0)); fmt.Sprint(got) != "[2 3 4]" {
		t.Fatalf("unexpected order after wrap: %v", got)
	}
}

func TestQueueDiscard(t *testing.T) {
	q := New(4, DropOldest)
	q.Enqueue(rec("1"))
	q.Enqueue(rec("2"))
	if n := q.Discard(); n != 2 {
		t.Errorf("expected 2 discarded, got %d", n)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := New(10000, DropOldest)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				q.Enqueue(rec(fmt.Sprintf("%d-%d", p, i)))
			}
		}(p)
	}

	drained := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		drained += len(q.Drain(64))
		select {
		case <-done:
			drained += len(q.Drain(0))
			if drained != 4000 {
				t.Fatalf("expected 4000 drained records, got %d", drained)
			}
			return
		default:
		}
	}
}

func TestParseDropPolicy(t *testing.T) {
	if p, err := ParseDropPolicy(""); err != nil || p != DropOldest {
		t.Errorf("default policy: %v %v", p, err)
	}
	if p, err := ParseDropPolicy("drop_newest"); err != nil || p != DropNewest {
		t.Errorf("drop_newest: %v %v", p, err)
	}
	if _, err := ParseDropPolicy("block"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
