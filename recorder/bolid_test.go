package recorder

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cwsl/radio_observer/events"
	"github.com/cwsl/radio_observer/spectral"
	"github.com/cwsl/radio_observer/spectrogram"
)

// testBolidConfig detects between 1000 and 2000 Hz against a noise band at
// -2000 to -1000 Hz on the 64 bin test source.
func testBolidConfig(dir string) BolidConfig {
	return BolidConfig{
		Snapshot: SnapshotConfig{
			SnapshotLength: 60,
			OutputDir:      dir,
			OutputType:     "blid",
		},
		LowDetectFreq: 1000,
		HiDetectFreq:  2000,
		LowNoiseFreq:  -2000,
		HiNoiseFreq:   -1000,
		AvgFreqRange:  100,
		AdvanceTime:   0.1,
		JitterTime:    0.05,
		Threshold:     2,
	}
}

func bolidRow(p *spectral.Processor, spike bool) []float32 {
	row := make([]float32, p.Bins())
	for i := range row {
		row[i] = 1
	}
	row[0] = float32(p.Store().Mark())
	if spike {
		row[47] = 6 // 1500 Hz
	}
	return row
}

func startBolid(t *testing.T, cfg BolidConfig, out Output) (*BolidRecorder, *spectral.Processor, *[]events.Bolid) {
	t.Helper()
	bus := events.NewBus[events.Bolid]()
	var got []events.Bolid
	bus.Subscribe(func(b events.Bolid) { got = append(got, b) })

	r := NewBolidRecorder(cfg, bus)
	sizing := newTestSource(t, spectrogram.PolicyDetect, 1)
	r.SetSource(sizing)
	rows := r.RequestBufferSize()

	p := newTestSource(t, spectrogram.PolicyDetect, rows)
	r.SetSource(p)
	r.SetOutput(out)
	p.SetRowHandler(func(int64) { r.Update() })
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return r, p, &got
}

func feed(t *testing.T, p *spectral.Processor, n int, spike bool) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := p.PushRow(bolidRow(p, spike)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
}

func TestBolidRequestBufferSize(t *testing.T) {
	r := NewBolidRecorder(testBolidConfig(t.TempDir()), nil)
	r.SetSource(newTestSource(t, spectrogram.PolicyDetect, 1))
	if got := r.RequestBufferSize(); got != 6000+20+5+2 {
		t.Fatalf("unexpected buffer request %d", got)
	}
}

func TestBolidRecordsOneEvent(t *testing.T) {
	dir := t.TempDir()
	out := &fakeOutput{}
	r, p, got := startBolid(t, testBolidConfig(dir), out)

	feed(t, p, 1000, false)
	feed(t, p, 50, true)
	if r.Phase() != PhaseBolid {
		t.Fatalf("expected BOLID during the spike, got %v", r.Phase())
	}
	feed(t, p, 20, false)
	r.Stop()

	if len(*got) != 1 {
		t.Fatalf("expected one published event, got %d", len(*got))
	}
	ev := (*got)[0]
	if ev.PeakFreq != 1500 || ev.MinFreq != 1250 || ev.MaxFreq != 1750 {
		t.Fatalf("unexpected frequencies %+v", ev)
	}
	if ev.Duration != 0.5 || ev.Magnitude != 6 || ev.Noise != 2 {
		t.Fatalf("unexpected measurements %+v", ev)
	}
	if ev.EndSample-ev.StartSample != 70*64 {
		t.Fatalf("expected a 70 row raw range, got %d-%d", ev.StartSample, ev.EndSample)
	}
	if want := p.Handle(990).Time; !ev.Time.Equal(want) {
		t.Fatalf("expected event time %v, got %v", want, ev.Time)
	}

	images := out.written()
	if len(images) != 1 {
		t.Fatalf("expected one image, got %d", len(images))
	}
	if images[0].start != 990 || images[0].height != 70 {
		t.Fatalf("expected window 990+70, got %v+%d", images[0].start, images[0].height)
	}
	if filepath.Base(images[0].path) != ev.FileName {
		t.Fatalf("image %s does not match event file %s", images[0].path, ev.FileName)
	}
	if !strings.HasSuffix(ev.FileName, "_test_blid.fits") {
		t.Fatalf("unexpected file name %s", ev.FileName)
	}
	// PushRow feeds no raw samples, so there is nothing to excerpt.
	if len(out.raws) != 0 {
		t.Fatalf("expected no raw files, got %v", out.raws)
	}

	data, err := os.ReadFile(NewCsvLog(dir, "test", MetadataHeader).PathFor(ev.Time))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || lines[1] != ev.FileName+";2;1500;6;0.5" {
		t.Fatalf("unexpected metadata log %q", lines)
	}

	if s := r.Stats(); s.Events != 1 || s.Written != 1 || s.Type != "bolid" {
		t.Fatalf("unexpected stats %+v", s)
	}
	if last, ok := r.LastEvent(); !ok || last.ID != ev.ID {
		t.Fatalf("expected last event %s", ev.ID)
	}
	if n := p.Store().LiveReservations(); n != 0 {
		t.Fatalf("expected reservations freed, %d left", n)
	}
}

func TestBolidDropoutShorterThanJitterIsOneEvent(t *testing.T) {
	r, p, got := startBolid(t, testBolidConfig(t.TempDir()), &fakeOutput{})

	feed(t, p, 100, false)
	feed(t, p, 10, true)
	feed(t, p, 3, false)
	feed(t, p, 10, true)
	feed(t, p, 30, false)
	r.Stop()

	if len(*got) != 1 {
		t.Fatalf("expected one event, got %d", len(*got))
	}
	if (*got)[0].Duration != 0.23 {
		t.Fatalf("expected 23 rows of duration, got %v", (*got)[0].Duration)
	}
}

func TestBolidFailedImageIsNotLogged(t *testing.T) {
	dir := t.TempDir()
	r, p, got := startBolid(t, testBolidConfig(dir), &fakeOutput{err: errors.New("disk full")})

	feed(t, p, 100, false)
	feed(t, p, 10, true)
	feed(t, p, 20, false)
	r.Stop()

	if len(*got) != 1 {
		t.Fatalf("expected the event to be published, got %d", len(*got))
	}
	if s := r.Stats(); s.Failed != 1 || s.Written != 0 {
		t.Fatalf("expected one failed write, got %+v", s)
	}
	path := NewCsvLog(dir, "test", MetadataHeader).PathFor((*got)[0].Time)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no metadata log for a failed image, stat: %v", err)
	}
}

func TestBolidStopDiscardsOpenEvent(t *testing.T) {
	out := &fakeOutput{}
	r, p, got := startBolid(t, testBolidConfig(t.TempDir()), out)

	feed(t, p, 100, false)
	feed(t, p, 10, true)
	r.Stop()

	if len(*got) != 0 || len(out.written()) != 0 {
		t.Fatalf("expected no event for an unfinished detection")
	}
	if r.Phase() != PhaseIdle {
		t.Fatalf("expected INIT after stop, got %v", r.Phase())
	}
}

func TestBolidStartRejectsEmptyBand(t *testing.T) {
	cfg := testBolidConfig(t.TempDir())
	cfg.HiDetectFreq = cfg.LowDetectFreq
	r := NewBolidRecorder(cfg, nil)
	r.SetSource(newTestSource(t, spectrogram.PolicyDetect, 10))
	if err := r.Start(); err == nil {
		t.Fatalf("expected error for an empty detection band")
	}
}
