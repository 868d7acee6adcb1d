package recorder

import (
	"sync"
	"testing"
	"time"
)

func TestQueueDrainReturnsInOrder(t *testing.T) {
	q := NewQueue[int]()
	q.Send(1)
	q.Send(2)
	q.Defer(0)

	items, open := q.Drain()
	if !open {
		t.Fatalf("queue should still be open")
	}
	if len(items) != 3 || items[0] != 0 || items[1] != 1 || items[2] != 2 {
		t.Fatalf("unexpected drain order %v", items)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestQueueDeferredWaitsForPoke(t *testing.T) {
	q := NewQueue[int]()
	q.Defer(7)

	got := make(chan []int, 1)
	go func() {
		items, _ := q.Drain()
		got <- items
	}()

	select {
	case items := <-got:
		t.Fatalf("drain returned %v before being poked", items)
	case <-time.After(50 * time.Millisecond):
	}

	q.Poke()
	select {
	case items := <-got:
		if len(items) != 1 || items[0] != 7 {
			t.Fatalf("expected deferred item, got %v", items)
		}
	case <-time.After(time.Second):
		t.Fatalf("drain not woken by poke")
	}
}

func TestQueueCloseFlushesAndRefuses(t *testing.T) {
	q := NewQueue[string]()
	q.Send("a")
	q.Close()
	if q.Send("b") {
		t.Fatalf("send after close must fail")
	}
	items, open := q.Drain()
	if open || len(items) != 1 || items[0] != "a" {
		t.Fatalf("expected final drain [a] closed, got %v open=%v", items, open)
	}
	items, open = q.Drain()
	if open || len(items) != 0 {
		t.Fatalf("expected empty closed drain, got %v", items)
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue[int]()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Send(i)
			}
		}()
	}

	total := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			items, open := q.Drain()
			total += len(items)
			if !open {
				return
			}
		}
	}()

	wg.Wait()
	q.Close()
	<-done
	if total != 1000 {
		t.Fatalf("expected 1000 items, got %d", total)
	}
}

func TestWorkerJoinsAfterPanic(t *testing.T) {
	w := startWorker("test", func() { panic("boom") })
	finished := make(chan struct{})
	go func() {
		w.Join()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("join did not return after panic")
	}
}
