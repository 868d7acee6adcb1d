package pipeline

import (
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/cwsl/radio_observer/recorder"
	"github.com/cwsl/radio_observer/spectral"
	"github.com/cwsl/radio_observer/spectrogram"
)

// DebugMode enables verbose logging for the pipeline package
var DebugMode bool

// Config holds the buffer sizing parameters of a Waterfall
type Config struct {
	SafetyFactor float64    // multiplier on the largest recorder request
	MemoryLimit  uint64     // bytes, 0 for no limit
	Available    MemoryFunc // host memory check, nil to skip
}

// Waterfall connects a spectral processor to its recorders. It is the
// backend every frontend feeds; all recorder updates run on the frontend's
// goroutine.
type Waterfall struct {
	cfg  Config
	proc *spectral.Processor

	mu        sync.RWMutex
	recorders []recorder.Recorder
	started   []recorder.Recorder
	running   bool
	info      spectral.StreamInfo
	plan      Plan
	streams   int
}

// NewWaterfall creates a waterfall around proc
func NewWaterfall(proc *spectral.Processor, cfg Config) *Waterfall {
	if cfg.SafetyFactor < 1 {
		cfg.SafetyFactor = 1
	}
	w := &Waterfall{cfg: cfg, proc: proc}
	proc.SetRowHandler(w.update)
	return w
}

// AddRecorder registers a recorder. Recorders are started, updated and
// stopped in the order they were added.
func (w *Waterfall) AddRecorder(r recorder.Recorder) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r.SetSource(w.proc)
	w.recorders = append(w.recorders, r)
}

// Processor returns the spectral processor
func (w *Waterfall) Processor() *spectral.Processor { return w.proc }

// StartStream sizes the buffers for the new stream and starts every recorder
func (w *Waterfall) StartStream(info spectral.StreamInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("stream already running")
	}
	if err := w.proc.Configure(info); err != nil {
		return err
	}

	rows := 1
	for _, r := range w.recorders {
		n := r.RequestBufferSize()
		if DebugMode {
			log.Printf("DEBUG: [Waterfall] %s requests %d rows", r.Name(), n)
		}
		if n > rows {
			rows = n
		}
	}
	rows = int(math.Ceil(float64(rows) * w.cfg.SafetyFactor))

	plan := PlanCapacity(w.proc, rows)
	if err := plan.Check(w.cfg.MemoryLimit, w.cfg.Available); err != nil {
		return fmt.Errorf("cannot buffer stream: %w", err)
	}
	if err := w.proc.AllocateBuffers(rows); err != nil {
		return err
	}
	log.Printf("[Waterfall] Buffering %s", plan)

	w.started = w.started[:0]
	for _, r := range w.recorders {
		if err := r.Start(); err != nil {
			w.stopStarted()
			return fmt.Errorf("failed to start recorder %s: %w", r.Name(), err)
		}
		w.started = append(w.started, r)
	}

	w.info = info
	w.plan = plan
	w.running = true
	w.streams++
	return nil
}

// Process forwards samples to the processor
func (w *Waterfall) Process(samples []complex128) {
	w.proc.Process(samples)
}

func (w *Waterfall) update(int64) {
	for _, r := range w.started {
		r.Update()
	}
}

// EndStream stops every recorder, flushing and joining their writers
func (w *Waterfall) EndStream() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.stopStarted()
	w.running = false

	st := w.proc.Stats()
	log.Printf("[Waterfall] Stream ended: %d rows, %d dropped, latency avg %v max %v",
		st.Rows, st.Dropped, st.Latency.Avg, st.Latency.Max)
}

func (w *Waterfall) stopStarted() {
	for _, r := range w.started {
		r.Stop()
	}
	w.started = w.started[:0]
}

// StoreStats summarizes one ring buffer
type StoreStats struct {
	Capacity     int    `json:"capacity"`
	Len          int    `json:"len"`
	Mark         int64  `json:"mark"`
	Bytes        uint64 `json:"bytes"`
	Reservations int    `json:"reservations"`
	Dirtied      uint64 `json:"dirtied"`
	Policy       string `json:"policy"`
}

// Stats is a point-in-time view of the waterfall
type Stats struct {
	Running   bool                `json:"running"`
	Streams   int                 `json:"streams"`
	Stream    spectral.StreamInfo `json:"stream"`
	Plan      Plan                `json:"plan"`
	Processor spectral.Stats      `json:"processor"`
	Spectrum  StoreStats          `json:"spectrum"`
	Raw       StoreStats          `json:"raw"`
	Recorders []recorder.Stats    `json:"recorders"`
}

// Stats is safe to call from any goroutine
func (w *Waterfall) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := Stats{
		Running:   w.running,
		Streams:   w.streams,
		Stream:    w.info,
		Plan:      w.plan,
		Processor: w.proc.Stats(),
		Spectrum:  storeStats(w.proc.Store()),
		Raw:       storeStats(w.proc.RawStore()),
	}
	for _, r := range w.recorders {
		s.Recorders = append(s.Recorders, r.Stats())
	}
	return s
}

func storeStats(s *spectrogram.Store) StoreStats {
	return StoreStats{
		Capacity:     s.Capacity(),
		Len:          s.Len(),
		Mark:         s.Mark(),
		Bytes:        s.Bytes(),
		Reservations: s.LiveReservations(),
		Dirtied:      s.Dirtied(),
		Policy:       s.Policy().String(),
	}
}
