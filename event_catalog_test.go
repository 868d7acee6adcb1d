package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cwsl/radio_observer/events"
)

func testBolid(id string, at time.Time) events.Bolid {
	return events.Bolid{
		ID:          id,
		Origin:      "test",
		Time:        at,
		FileName:    id + ".fits",
		MinFreq:     10250,
		MaxFreq:     10650,
		PeakFreq:    10450,
		Magnitude:   12.5,
		Noise:       2,
		Duration:    0.75,
		StartSample: 1000,
		EndSample:   5000,
	}
}

func TestEventCatalogRecordsAndListsNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "bolids.db")
	catalog, err := OpenEventCatalog(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	base := time.Date(2024, 8, 12, 22, 0, 0, 0, time.UTC)
	bus := events.NewBus[events.Bolid]()
	catalog.Subscribe(bus)
	bus.Publish(testBolid("a", base))
	bus.Publish(testBolid("c", base.Add(2*time.Minute)))
	bus.Publish(testBolid("b", base.Add(time.Minute)))

	// Close flushes the queue
	if err := catalog.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	catalog, err = OpenEventCatalog(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer catalog.Close()

	list, err := catalog.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(list) != 2 || list[0].ID != "c" || list[1].ID != "b" {
		t.Fatalf("unexpected order %+v", list)
	}
	want := testBolid("c", base.Add(2*time.Minute))
	if !list[0].Time.Equal(want.Time) {
		t.Fatalf("expected time %v, got %v", want.Time, list[0].Time)
	}
	list[0].Time = want.Time
	if list[0] != want {
		t.Fatalf("round trip changed the event:\n got %+v\nwant %+v", list[0], want)
	}
}

func TestEventCatalogDropsAfterClose(t *testing.T) {
	catalog, err := OpenEventCatalog(filepath.Join(t.TempDir(), "bolids.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	catalog.Record(testBolid("a", time.Now().UTC()))
	if err := catalog.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	catalog.Record(testBolid("b", time.Now().UTC()))

	if inserted, failed := catalog.Counts(); inserted != 1 || failed != 0 {
		t.Fatalf("expected one insert, got %d inserted %d failed", inserted, failed)
	}
}
