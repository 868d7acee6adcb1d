package recorder

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cwsl/radio_observer/events"
	"github.com/cwsl/radio_observer/fits"
)

// Snapshot is one window of rows handed from the producer to the writer
type Snapshot struct {
	Start          int64
	Length         int
	Reservation    int
	RawReservation int
	IncludeRaw     bool
	Base           string        // file path without extension
	Event          *events.Bolid // set for detected events
}

func (s Snapshot) End() int64 {
	return s.Start + int64(s.Length)
}

// SnapshotConfig configures a SnapshotRecorder
type SnapshotConfig struct {
	Name            string
	SnapshotLength  float64 // seconds per file
	LowFreq         float64 // Hz, lower edge of the stored band
	HiFreq          float64 // Hz, upper edge of the stored band (0 with LowFreq 0 = whole row)
	OutputDir       string
	OutputType      string // file name suffix, e.g. "snap"
	Compression     fits.Compression
	WriteUnfinished bool // flush the last partial window on Stop
	IncludeRaw      bool // store raw I/Q next to each image
}

// SnapshotRecorder cuts the spectrogram into contiguous, back-to-back
// windows and writes each one from a background worker.
type SnapshotRecorder struct {
	cfg      SnapshotConfig
	kind     string
	periodic bool

	src     Source
	out     Output
	metrics Metrics
	csv     *CsvLog

	queue  *Queue[Snapshot]
	worker *worker
	next   Snapshot

	rows     int
	leftBin  int
	rightBin int

	written atomic.Uint64
	failed  atomic.Uint64
	dirty   atomic.Uint64
	queued  atomic.Int64
}

// NewSnapshotRecorder creates a periodic snapshot recorder
func NewSnapshotRecorder(cfg SnapshotConfig) *SnapshotRecorder {
	if cfg.OutputType == "" {
		cfg.OutputType = "snap"
	}
	if cfg.Name == "" {
		cfg.Name = cfg.OutputType
	}
	return &SnapshotRecorder{
		cfg:      cfg,
		kind:     "snapshot",
		periodic: true,
		out:      FileOutput{},
		metrics:  nopMetrics{},
	}
}

func (r *SnapshotRecorder) Name() string { return r.cfg.Name }

func (r *SnapshotRecorder) SetSource(src Source) { r.src = src }

// SetOutput replaces the file writer
func (r *SnapshotRecorder) SetOutput(out Output) { r.out = out }

// SetMetrics registers a metrics sink
func (r *SnapshotRecorder) SetMetrics(m Metrics) {
	if m == nil {
		m = nopMetrics{}
	}
	r.metrics = m
}

func (r *SnapshotRecorder) snapshotRows() int {
	return r.src.TimeToRows(r.cfg.SnapshotLength)
}

// RequestBufferSize asks for one window plus the readiness slack
func (r *SnapshotRecorder) RequestBufferSize() int {
	return r.snapshotRows() + 2
}

// Rows returns the window length in rows
func (r *SnapshotRecorder) Rows() int { return r.rows }

// Bins returns the stored bin range [left, right)
func (r *SnapshotRecorder) Bins() (int, int) { return r.leftBin, r.rightBin }

// Start validates the configuration against the stream and starts the writer
func (r *SnapshotRecorder) Start() error {
	if r.src == nil {
		return fmt.Errorf("recorder %s has no source", r.cfg.Name)
	}

	r.rows = r.snapshotRows()
	if r.rows < 1 {
		return fmt.Errorf("recorder %s: snapshot length %.3fs is shorter than one row", r.cfg.Name, r.cfg.SnapshotLength)
	}

	r.leftBin, r.rightBin = 0, r.src.Bins()
	if r.cfg.LowFreq != 0 || r.cfg.HiFreq != 0 {
		r.leftBin = r.src.FrequencyToBin(r.cfg.LowFreq)
		r.rightBin = r.src.FrequencyToBin(r.cfg.HiFreq) + 1
		if r.rightBin > r.src.Bins() {
			r.rightBin = r.src.Bins()
		}
	}
	if r.rightBin <= r.leftBin {
		return fmt.Errorf("recorder %s: empty frequency range %.1f-%.1f Hz", r.cfg.Name, r.cfg.LowFreq, r.cfg.HiFreq)
	}

	if r.cfg.OutputDir == "" {
		r.cfg.OutputDir = "."
	}
	if err := os.MkdirAll(r.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	r.next = r.window(r.src.Store().Mark())
	q := NewQueue[Snapshot]()
	r.queue = q
	r.worker = startWorker(r.cfg.Name, func() { r.run(q) })

	log.Printf("[Snapshot] %s: %d rows per file, bins %d-%d (%.1f-%.1f Hz), output %s",
		r.cfg.Name, r.rows, r.leftBin, r.rightBin,
		r.src.BinToFrequency(r.leftBin), r.src.BinToFrequency(r.rightBin-1), r.cfg.OutputDir)
	return nil
}

// Update closes the current window once enough rows follow it
func (r *SnapshotRecorder) Update() {
	if r.queue == nil {
		return
	}

	if r.periodic {
		store := r.src.Store()
		if oldest := store.Oldest(); r.next.Start < oldest {
			log.Printf("[Snapshot] %s: rows %d-%d overwritten before capture, skipping to %d",
				r.cfg.Name, r.next.Start, oldest, oldest)
			r.next = r.window(oldest)
		}
		if store.Size(r.next.Start) >= r.rows+2 {
			r.next.Length = r.rows
			r.Commit(r.next)
			r.next = r.window(r.next.Start + int64(r.rows))
		}
	}

	if r.queue.Deferred() > 0 {
		r.queue.Poke()
	}
}

// window starts a periodic window at start
func (r *SnapshotRecorder) window(start int64) Snapshot {
	return Snapshot{Start: start, IncludeRaw: r.cfg.IncludeRaw}
}

// Commit reserves a window and hands it to the writer
func (r *SnapshotRecorder) Commit(s Snapshot) {
	store := r.src.Store()
	s.Reservation = store.Reserve(s.Start, s.End())
	s.RawReservation = -1
	if s.IncludeRaw {
		rawStart := r.src.Handle(s.Start).RawMark
		s.RawReservation = r.src.RawStore().Reserve(rawStart, rawStart+int64(r.src.FFTSamplesToRaw(s.Length)))
	}
	if s.Base == "" {
		s.Base = r.basePath(s.Start)
	}

	if !r.queue.Send(s) {
		store.Free(s.Reservation)
		if s.RawReservation >= 0 {
			r.src.RawStore().Free(s.RawReservation)
		}
		log.Printf("[Snapshot] %s: queue closed, dropping window %d+%d", r.cfg.Name, s.Start, s.Length)
		return
	}
	r.reportDepth(r.queue)
}

func (r *SnapshotRecorder) reportDepth(q *Queue[Snapshot]) {
	depth := q.Len()
	r.queued.Store(int64(depth))
	r.metrics.QueueDepth(r.cfg.Name, depth)
}

func (r *SnapshotRecorder) basePath(start int64) string {
	t := r.src.Handle(start).Time
	return filepath.Join(r.cfg.OutputDir, FileBase(t, r.src.Origin(), r.cfg.OutputType))
}

// ImagePath returns the image file name for a base path
func (r *SnapshotRecorder) ImagePath(base string) string {
	return base + r.cfg.Compression.Ext()
}

// Stop flushes the unfinished window if configured, then drains the queue
// and waits for the writer.
func (r *SnapshotRecorder) Stop() {
	if r.queue == nil {
		return
	}

	if r.periodic && r.cfg.WriteUnfinished {
		if n := r.src.Store().Size(r.next.Start); n > 0 {
			if n > r.rows {
				n = r.rows
			}
			r.next.Length = n
			r.Commit(r.next)
		}
	}

	r.queue.Close()
	r.worker.Join()
	r.queue = nil
	log.Printf("[Snapshot] %s: stopped (%d written, %d failed)", r.cfg.Name, r.written.Load(), r.failed.Load())
}

func (r *SnapshotRecorder) run(q *Queue[Snapshot]) {
	for {
		items, open := q.Drain()
		for _, s := range items {
			if open && !r.ready(s) {
				q.Defer(s)
				continue
			}
			r.write(s)
		}
		r.reportDepth(q)
		if !open {
			return
		}
	}
}

// ready reports whether the producer has moved safely past the window
func (r *SnapshotRecorder) ready(s Snapshot) bool {
	return r.src.Store().Mark() >= s.End()+2
}

func (r *SnapshotRecorder) write(s Snapshot) {
	store := r.src.Store()
	defer store.Free(s.Reservation)
	if s.RawReservation >= 0 {
		defer r.src.RawStore().Free(s.RawReservation)
	}

	// After Stop the stream may end inside the window.
	length := s.Length
	if avail := store.SizeBetween(s.Start, store.Mark()); length > avail {
		length = avail
	}
	if length <= 0 {
		return
	}

	path := r.ImagePath(s.Base)
	width := r.rightBin - r.leftBin
	img := fits.Image{
		Width:  width,
		Height: length,
		Row: func(y int) []float32 {
			return store.At(s.Start + int64(y))[r.leftBin:r.rightBin]
		},
	}
	err := r.out.WriteImage(path, r.cfg.Compression, r.header(s, length), img)

	if store.IsDirty(s.Reservation) || s.Start < store.Oldest() {
		r.dirty.Add(1)
		r.metrics.ReservationDirty(r.cfg.Name)
		log.Printf("[Snapshot] %s: rows %d-%d were overwritten while writing %s", r.cfg.Name, s.Start, s.Start+int64(length), path)
	}
	if err != nil {
		r.failed.Add(1)
		r.metrics.SnapshotFailed(r.cfg.Name)
		log.Printf("[Snapshot] %s: failed to write %s: %v", r.cfg.Name, path, err)
		return
	}
	r.written.Add(1)
	r.metrics.SnapshotWritten(r.cfg.Name, length)

	// Only logged once the image exists.
	if s.Event != nil && r.csv != nil {
		if err := r.csv.Write(s.Event.Time, metadataRecord(filepath.Base(path), s.Event)); err != nil {
			log.Printf("[Snapshot] %s: metadata log: %v", r.cfg.Name, err)
		}
	}
	if DebugMode {
		log.Printf("DEBUG: [Snapshot] %s: wrote %s (%d rows from mark %d)", r.cfg.Name, path, length, s.Start)
	}

	if s.IncludeRaw {
		r.writeRaw(s, length)
	}
}

func (r *SnapshotRecorder) writeRaw(s Snapshot, length int) {
	raw := r.src.RawStore()
	start := r.src.Handle(s.Start).RawMark
	count := r.src.FFTSamplesToRaw(length)

	if oldest := raw.Oldest(); start < oldest {
		count -= int(oldest - start)
		start = oldest
	}
	if avail := raw.SizeBetween(start, raw.Mark()); count > avail {
		count = avail
	}
	if count <= 0 {
		if DebugMode {
			log.Printf("DEBUG: [Snapshot] %s: no raw samples left for %s", r.cfg.Name, s.Base)
		}
		return
	}

	path := s.Base + "_raw.wav"
	if err := r.out.WriteRaw(path, r.src.SampleRate(), raw, start, count); err != nil {
		r.failed.Add(1)
		r.metrics.SnapshotFailed(r.cfg.Name)
		log.Printf("[Snapshot] %s: failed to write %s: %v", r.cfg.Name, path, err)
		return
	}
	if s.RawReservation >= 0 && raw.IsDirty(s.RawReservation) {
		r.dirty.Add(1)
		r.metrics.ReservationDirty(r.cfg.Name)
		log.Printf("[Snapshot] %s: raw samples were overwritten while writing %s", r.cfg.Name, path)
	}
}

func (r *SnapshotRecorder) header(s Snapshot, length int) *fits.Header {
	h := fits.NewHeader()
	start := r.src.Handle(s.Start).Time
	rowTime := 1 / r.src.FFTSampleRate()
	set := func(key string, value interface{}, comment string) {
		if err := h.Set(key, value, comment); err != nil {
			log.Printf("[Snapshot] %s: header card %s: %v", r.cfg.Name, key, err)
		}
	}

	set("ORIGIN", r.src.Origin(), "station")
	set("DATE", time.Now().UTC(), "file creation time (UTC)")
	set("DATE-OBS", start, "time of the first row (UTC)")
	set("OBJECT", r.cfg.OutputType, "recorder output type")
	set("CTYPE1", "FREQ", "")
	set("CUNIT1", "Hz", "")
	set("CRPIX1", 1.0, "")
	set("CRVAL1", r.src.BinToFrequency(r.leftBin), "baseband frequency of the first column")
	set("CDELT1", r.src.BinWidth(), "")
	set("CTYPE2", "TIME", "")
	set("CUNIT2", "s", "")
	set("CRPIX2", 1.0, "")
	set("CRVAL2", 0.0, "")
	set("CDELT2", rowTime, "")
	set("SMPLRATE", r.src.SampleRate(), "I/Q sample rate")
	set("FFTBINS", r.src.Bins(), "")
	set("OVERLAP", r.src.Overlap(), "")
	set("WINDOW", r.src.WindowName(), "")
	set("STARTMRK", s.Start, "spectrogram mark of the first row")

	if ev := s.Event; ev != nil {
		set("EVENTID", ev.ID, "")
		set("PEAKFREQ", ev.PeakFreq, "Hz")
		set("MAGNITUD", ev.Magnitude, "")
		set("NOISE", ev.Noise, "")
		set("DURATION", ev.Duration, "s")
	}
	h.Comment(fmt.Sprintf("radio_observer %s recorder %s, %d rows", r.kind, r.cfg.Name, length))
	return h
}

// Stats returns writer counters
func (r *SnapshotRecorder) Stats() Stats {
	return Stats{
		Name:    r.cfg.Name,
		Type:    r.kind,
		Queued:  int(r.queued.Load()),
		Written: r.written.Load(),
		Failed:  r.failed.Load(),
		Dirty:   r.dirty.Load(),
	}
}

func metadataRecord(fileName string, ev *events.Bolid) []string {
	return []string{
		fileName,
		strconv.FormatFloat(ev.Noise, 'f', -1, 64),
		strconv.FormatFloat(ev.PeakFreq, 'f', -1, 64),
		strconv.FormatFloat(ev.Magnitude, 'f', -1, 64),
		strconv.FormatFloat(ev.Duration, 'f', -1, 64),
	}
}
