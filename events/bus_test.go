package events

import "testing"

func TestPublishCallsListenersInOrder(t *testing.T) {
	bus := NewBus[Bolid]()
	var order []string
	bus.Subscribe(func(b Bolid) { order = append(order, "first:"+b.ID) })
	bus.Subscribe(func(b Bolid) { order = append(order, "second:"+b.ID) })

	bus.Publish(Bolid{ID: "a"})
	bus.Publish(Bolid{ID: "b"})

	want := []string{"first:a", "second:a", "first:b", "second:b"}
	if len(order) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestBusesAreIndependent(t *testing.T) {
	a, b := NewBus[int](), NewBus[int]()
	got := 0
	a.Subscribe(func(v int) { got += v })
	b.Publish(5)
	if got != 0 {
		t.Fatalf("message leaked across buses")
	}
	if a.Len() != 1 || b.Len() != 0 {
		t.Fatalf("unexpected listener counts %d/%d", a.Len(), b.Len())
	}
}
