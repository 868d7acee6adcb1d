package recorder

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cwsl/radio_observer/events"
	"github.com/cwsl/radio_observer/fits"
)

// BolidConfig configures a BolidRecorder. Frequencies are in Hz relative to
// the stream centre, times in seconds.
type BolidConfig struct {
	Snapshot SnapshotConfig

	LowDetectFreq float64
	HiDetectFreq  float64
	LowNoiseFreq  float64
	HiNoiseFreq   float64
	AvgFreqRange  float64
	AdvanceTime   float64
	JitterTime    float64
	Threshold     float64
	MetadataPath  string // directory of the hourly CSV logs, defaults to the output directory
}

// DefaultBolidConfig returns the settings used for a typical forward
// scatter setup around a 10.5 kHz offset.
func DefaultBolidConfig() BolidConfig {
	return BolidConfig{
		Snapshot: SnapshotConfig{
			SnapshotLength: 60,
			LowFreq:        9000,
			HiFreq:         12000,
			OutputType:     "blid",
			Compression:    fits.Gzip,
		},
		LowDetectFreq: 10000,
		HiDetectFreq:  10900,
		LowNoiseFreq:  9000,
		HiNoiseFreq:   10000,
		AvgFreqRange:  40,
		AdvanceTime:   1,
		JitterTime:    1,
		Threshold:     2.0,
	}
}

// BolidRecorder runs the detector over every new row and hands each
// finished event to a snapshot writer together with its raw I/Q samples.
type BolidRecorder struct {
	cfg  BolidConfig
	snap *SnapshotRecorder
	bus  *events.Bus[events.Bolid]

	detector *Detector
	advance  int
	jitter   int
	base     string // file base of the open event

	phase  atomic.Int32
	events atomic.Uint64

	mu   sync.Mutex
	last *events.Bolid
}

// NewBolidRecorder creates a bolid recorder publishing to bus, which may be nil
func NewBolidRecorder(cfg BolidConfig, bus *events.Bus[events.Bolid]) *BolidRecorder {
	if cfg.Snapshot.OutputType == "" {
		cfg.Snapshot.OutputType = "blid"
	}
	snap := NewSnapshotRecorder(cfg.Snapshot)
	snap.kind = "bolid"
	snap.periodic = false
	snap.cfg.WriteUnfinished = false

	return &BolidRecorder{cfg: cfg, snap: snap, bus: bus}
}

func (r *BolidRecorder) Name() string { return r.snap.Name() }

func (r *BolidRecorder) SetSource(src Source) { r.snap.SetSource(src) }

// SetOutput replaces the file writer
func (r *BolidRecorder) SetOutput(out Output) { r.snap.SetOutput(out) }

// SetMetrics registers a metrics sink
func (r *BolidRecorder) SetMetrics(m Metrics) { r.snap.SetMetrics(m) }

// RequestBufferSize covers a full window, the advance before and after the
// event, the jitter hold and the readiness slack.
func (r *BolidRecorder) RequestBufferSize() int {
	src := r.snap.src
	return r.snap.snapshotRows() + 2*src.TimeToRows(r.cfg.AdvanceTime) + src.TimeToRows(r.cfg.JitterTime) + 2
}

// Start derives the detector bands from the stream and starts the writer
func (r *BolidRecorder) Start() error {
	src := r.snap.src
	if src == nil {
		return fmt.Errorf("recorder %s has no source", r.Name())
	}
	if r.cfg.HiDetectFreq <= r.cfg.LowDetectFreq {
		return fmt.Errorf("recorder %s: detection band %.1f-%.1f Hz is empty", r.Name(), r.cfg.LowDetectFreq, r.cfg.HiDetectFreq)
	}
	if r.cfg.HiNoiseFreq <= r.cfg.LowNoiseFreq {
		return fmt.Errorf("recorder %s: noise band %.1f-%.1f Hz is empty", r.Name(), r.cfg.LowNoiseFreq, r.cfg.HiNoiseFreq)
	}

	lowDetect := src.FrequencyToBin(r.cfg.LowDetectFreq)
	lowNoise := src.FrequencyToBin(r.cfg.LowNoiseFreq)
	r.advance = src.TimeToRows(r.cfg.AdvanceTime)
	r.jitter = src.TimeToRows(r.cfg.JitterTime)

	d, err := NewDetector(DetectorConfig{
		LowDetectBin: lowDetect,
		DetectWidth:  src.FrequencyToBin(r.cfg.HiDetectFreq) - lowDetect,
		LowNoiseBin:  lowNoise,
		NoiseWidth:   src.FrequencyToBin(r.cfg.HiNoiseFreq) - lowNoise,
		AverageBins:  src.FrequencyToBin(r.cfg.AvgFreqRange) - src.FrequencyToBin(0),
		Advance:      r.advance,
		Jitter:       r.jitter,
		Threshold:    r.cfg.Threshold,
	})
	if err != nil {
		return fmt.Errorf("recorder %s: %w", r.Name(), err)
	}
	r.detector = d
	r.phase.Store(int32(PhaseIdle))
	r.base = ""

	dir := r.cfg.MetadataPath
	if dir == "" {
		dir = r.snap.cfg.OutputDir
	}
	if dir == "" {
		dir = "."
	}
	r.snap.csv = NewCsvLog(dir, src.Origin(), MetadataHeader)
	if err := r.snap.Start(); err != nil {
		r.snap.csv = nil
		return err
	}

	log.Printf("[Bolid] %s: detect bins %d+%d, noise bins %d+%d, advance %d rows, jitter %d rows, threshold %.2f",
		r.Name(), lowDetect, d.cfg.DetectWidth, lowNoise, d.cfg.NoiseWidth, r.advance, r.jitter, r.cfg.Threshold)
	return nil
}

// Update runs the detector on the newest row
func (r *BolidRecorder) Update() {
	if r.detector == nil {
		return
	}
	src := r.snap.src
	store := src.Store()
	mark := store.Mark() - 1
	if mark < 0 {
		return
	}

	action, det := r.detector.Update(mark, store.At(mark))
	r.phase.Store(int32(r.detector.Phase()))

	switch action {
	case ActionOpen:
		if det.Start < store.Oldest() {
			det.Start = store.Oldest()
		}
		r.base = r.snap.basePath(det.Start)
		if DebugMode {
			log.Printf("DEBUG: [Bolid] %s: onset at mark %d, peak %.1f Hz, avg %.3f, noise %.3f",
				r.Name(), mark, src.BinToFrequency(det.PeakBin), det.Magnitude, det.Noise)
		}
	case ActionFinish:
		r.finish(det)
	}

	r.snap.Update()
}

func (r *BolidRecorder) finish(det Detection) {
	src := r.snap.src
	store := src.Store()

	start := det.Start
	length := det.Length
	if oldest := store.Oldest(); start < oldest {
		length -= int(oldest - start)
		start = oldest
	}
	if length > r.snap.rows {
		length = r.snap.rows
	}
	if length <= 0 {
		log.Printf("[Bolid] %s: event window at mark %d was overwritten before capture", r.Name(), det.Start)
		r.base = ""
		return
	}

	base := r.base
	if base == "" {
		base = r.snap.basePath(start)
	}
	r.base = ""

	handle := src.Handle(start)
	peak := src.BinToFrequency(det.PeakBin)
	halfWidth := (r.cfg.HiDetectFreq - r.cfg.LowDetectFreq) / 4
	ev := events.Bolid{
		ID:          uuid.New().String(),
		Origin:      src.Origin(),
		Time:        handle.Time,
		FileName:    filepath.Base(r.snap.ImagePath(base)),
		MinFreq:     peak - halfWidth,
		MaxFreq:     peak + halfWidth,
		PeakFreq:    peak,
		Magnitude:   det.Magnitude,
		Noise:       det.Noise,
		Duration:    src.RowsToSeconds(det.Duration),
		StartSample: handle.RawMark,
		EndSample:   handle.RawMark + int64(src.FFTSamplesToRaw(length)),
	}

	n := r.events.Add(1)
	r.mu.Lock()
	r.last = &ev
	r.mu.Unlock()
	r.snap.metrics.BolidDetected(r.Name())
	log.Printf("[Bolid] %s: bolid #%d at %s, peak %.1f Hz, duration %.2fs, magnitude %.3f, noise %.3f",
		r.Name(), n, ev.Time.Format("2006-01-02 15:04:05.000"), ev.PeakFreq, ev.Duration, ev.Magnitude, ev.Noise)

	if r.bus != nil {
		r.bus.Publish(ev)
	}

	r.snap.Commit(Snapshot{
		Start:      start,
		Length:     length,
		IncludeRaw: true,
		Base:       base,
		Event:      &ev,
	})
}

// Stop discards an open event, flushes pending windows and closes the log
func (r *BolidRecorder) Stop() {
	if r.detector != nil && r.detector.Phase() != PhaseIdle {
		log.Printf("[Bolid] %s: stream ended during an event, discarding it", r.Name())
		r.detector.Reset()
		r.phase.Store(int32(PhaseIdle))
	}
	r.snap.Stop()
	if r.snap.csv != nil {
		r.snap.csv.Close()
		r.snap.csv = nil
	}
}

// Phase returns the detector state after the last row
func (r *BolidRecorder) Phase() Phase {
	return Phase(r.phase.Load())
}

// LastEvent returns the most recent bolid
func (r *BolidRecorder) LastEvent() (events.Bolid, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return events.Bolid{}, false
	}
	return *r.last, true
}

func (r *BolidRecorder) Stats() Stats {
	s := r.snap.Stats()
	s.Events = r.events.Load()
	return s
}
