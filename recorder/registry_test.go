package recorder

import (
	"testing"

	"github.com/cwsl/radio_observer/events"
	"github.com/cwsl/radio_observer/fits"
	"github.com/cwsl/radio_observer/spectrogram"
)

func f64(v float64) *float64 { return &v }

func TestRegistryCreatesBuiltinTypes(t *testing.T) {
	reg := DefaultRegistry()
	if !reg.Exists("snapshot") || !reg.Exists("bolid") {
		t.Fatalf("expected built-in types, got %v", reg.List())
	}
	if list := reg.List(); len(list) != 2 || list[0].Type != "bolid" {
		t.Fatalf("expected sorted list, got %v", list)
	}

	rec, err := reg.Create(Options{Type: "snapshot", Name: "waterfall", SnapshotLength: 30, Compression: "zstd"}, Env{})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	snap, ok := rec.(*SnapshotRecorder)
	if !ok || snap.cfg.Compression != fits.Zstd || snap.cfg.SnapshotLength != 30 || snap.Name() != "waterfall" {
		t.Fatalf("unexpected snapshot recorder %+v", rec)
	}

	rec, err = reg.Create(Options{Type: "bolid", Threshold: 3, OutputDir: "out"}, Env{Bus: events.NewBus[events.Bolid]()})
	if err != nil {
		t.Fatalf("create bolid: %v", err)
	}
	b := rec.(*BolidRecorder)
	if b.cfg.Threshold != 3 || b.cfg.LowDetectFreq != 10000 || b.cfg.Snapshot.Compression != fits.Gzip {
		t.Fatalf("expected defaults with threshold override, got %+v", b.cfg)
	}
	if b.cfg.Snapshot.LowFreq != 9000 || b.cfg.Snapshot.HiFreq != 12000 || b.Name() != "blid" {
		t.Fatalf("unexpected bolid band %+v", b.cfg.Snapshot)
	}
}

func TestRegistryRejectsUnknownType(t *testing.T) {
	if _, err := DefaultRegistry().Create(Options{Type: "waterfall"}, Env{}); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	if _, err := DefaultRegistry().Create(Options{Type: "snapshot", Compression: "lzma"}, Env{}); err == nil {
		t.Fatalf("expected error for unknown compression")
	}
}

func TestRegistryKeepsExplicitZeroSettings(t *testing.T) {
	opts := Options{
		Type:          "bolid",
		OutputDir:     t.TempDir(),
		LowFreq:       f64(0),
		HiFreq:        f64(0),
		LowDetectFreq: f64(-1000),
		HiDetectFreq:  f64(0),
		LowNoiseFreq:  f64(0),
		HiNoiseFreq:   f64(1000),
		AvgFreqRange:  100,
		AdvanceTime:   f64(0),
		JitterTime:    f64(0),
	}
	rec, err := DefaultRegistry().Create(opts, Env{})
	if err != nil {
		t.Fatalf("create bolid: %v", err)
	}
	b := rec.(*BolidRecorder)
	c := b.cfg
	if c.LowDetectFreq != -1000 || c.HiDetectFreq != 0 || c.LowNoiseFreq != 0 || c.HiNoiseFreq != 1000 {
		t.Fatalf("zero band edges replaced by defaults: %+v", c)
	}
	if c.AdvanceTime != 0 || c.JitterTime != 0 {
		t.Fatalf("zero times replaced by defaults: advance %v jitter %v", c.AdvanceTime, c.JitterTime)
	}
	if c.Snapshot.LowFreq != 0 || c.Snapshot.HiFreq != 0 {
		t.Fatalf("expected the whole row for an explicit 0-0 band, got %v-%v", c.Snapshot.LowFreq, c.Snapshot.HiFreq)
	}

	b.SetSource(newTestSource(t, spectrogram.PolicyDetect, 100))
	if err := b.Start(); err != nil {
		t.Fatalf("start with 0 Hz band edges: %v", err)
	}
	b.Stop()
}
