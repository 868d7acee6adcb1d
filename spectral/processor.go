package spectral

import (
	"fmt"
	"log"
	"math"
	"math/cmplx"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwsl/radio_observer/spectrogram"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// DebugMode enables verbose logging for the spectral package
var DebugMode bool

// StreamInfo describes an I/Q stream as announced by a frontend
type StreamInfo struct {
	SampleRate int
	Start      time.Time // wall-clock time of the first sample
}

// RawDataHandle ties a spectrum row to the raw I/Q sample that started its
// FFT window.
type RawDataHandle struct {
	RawMark int64
	Time    time.Time
}

// Metrics receives processor events. Implementations must not block.
type Metrics interface {
	RowProcessed(latency time.Duration)
	RowDropped()
}

// Config holds the FFT and buffer parameters of a Processor
type Config struct {
	Bins         int                // FFT size
	Overlap      int                // samples shared by consecutive windows
	Window       string             // window function name
	IQGain       float64            // Q branch gain error
	IQPhaseShift int                // Q branch delay in samples
	ChunkBytes   int                // store chunk size
	Policy       spectrogram.Policy // store overwrite policy
	Origin       string             // station name used in file names and metadata
}

// Processor turns I/Q samples into folded magnitude spectra. It owns the
// spectrogram store, a raw I/Q ring (two float32 values per sample) and a
// table of RawDataHandles parallel to the store.
type Processor struct {
	cfg Config

	sampleRate    int
	fftSampleRate float64
	start         time.Time

	store   *spectrogram.Store
	raw     *spectrogram.Store
	handles handleTable

	fft        *fourier.CmplxFFT
	window     []float64
	correction *IQCorrection
	frame      []complex128
	work       []complex128
	coeffs     []complex128
	rawScratch []float32
	filled     int
	frameRaw   int64
	frameClock int64

	onRow   func(mark int64)
	metrics Metrics
	latency runningLatency
	rows    atomic.Uint64
	dropped atomic.Uint64
}

// NewProcessor creates a processor. Configure and AllocateBuffers must be
// called before samples are processed.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Bins < 2 {
		return nil, fmt.Errorf("fft bins must be at least 2, got %d", cfg.Bins)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Bins {
		return nil, fmt.Errorf("fft overlap must be in [0, %d), got %d", cfg.Bins, cfg.Overlap)
	}
	if _, err := windowFunc(cfg.Window); err != nil {
		return nil, err
	}

	return &Processor{
		cfg:   cfg,
		store: spectrogram.NewStore(cfg.Policy),
		// The raw ring only ever detects overwrites; snapshots clamp to what is left.
		raw: spectrogram.NewStore(spectrogram.PolicyDetect),
	}, nil
}

// SetRowHandler registers the callback invoked after every pushed row
func (p *Processor) SetRowHandler(fn func(mark int64)) {
	p.onRow = fn
}

// SetMetrics registers a metrics sink
func (p *Processor) SetMetrics(m Metrics) {
	p.metrics = m
}

func windowFunc(name string) (func([]float64) []float64, error) {
	switch strings.ToLower(name) {
	case "", "hann", "hanning":
		return window.Hann, nil
	case "hamming":
		return window.Hamming, nil
	case "blackman":
		return window.Blackman, nil
	case "blackmanharris", "blackman-harris":
		return window.BlackmanHarris, nil
	case "rectangular", "none":
		return window.Rectangular, nil
	default:
		return nil, fmt.Errorf("unknown window function: %s", name)
	}
}

// Configure prepares the processor for a new stream
func (p *Processor) Configure(info StreamInfo) error {
	if info.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", info.SampleRate)
	}

	p.sampleRate = info.SampleRate
	p.start = info.Start
	p.fftSampleRate = float64(info.SampleRate) / float64(p.cfg.Bins-p.cfg.Overlap)

	fn, _ := windowFunc(p.cfg.Window)
	ones := make([]float64, p.cfg.Bins)
	for i := range ones {
		ones[i] = 1
	}
	p.window = fn(ones)

	p.fft = fourier.NewCmplxFFT(p.cfg.Bins)
	p.correction = NewIQCorrection(p.cfg.IQGain, p.cfg.IQPhaseShift)
	p.frame = make([]complex128, p.cfg.Bins)
	p.work = make([]complex128, p.cfg.Bins)
	p.coeffs = make([]complex128, p.cfg.Bins)
	p.filled = 0
	p.frameRaw = 0
	p.frameClock = 0
	p.latency.reset()
	p.rows.Store(0)
	p.dropped.Store(0)

	log.Printf("[Spectral] Stream: %d Hz, %d bins, overlap %d, %.3f rows/s, window %s",
		info.SampleRate, p.cfg.Bins, p.cfg.Overlap, p.fftSampleRate, p.windowName())
	return nil
}

func (p *Processor) windowName() string {
	if p.cfg.Window == "" {
		return "hann"
	}
	return p.cfg.Window
}

// AllocateBuffers sizes the spectrum store for rows rows and the raw ring for
// the matching number of I/Q samples.
func (p *Processor) AllocateBuffers(rows int) error {
	if p.fft == nil {
		return fmt.Errorf("processor not configured")
	}
	if err := p.store.Resize(p.cfg.Bins, p.cfg.ChunkBytes, rows); err != nil {
		return fmt.Errorf("failed to allocate spectrum store: %w", err)
	}
	if err := p.raw.Resize(2, p.cfg.ChunkBytes, p.FFTSamplesToRaw(p.store.Capacity())+p.cfg.Bins); err != nil {
		return fmt.Errorf("failed to allocate raw ring: %w", err)
	}
	p.handles.resize(p.store.Capacity())
	return nil
}

// Process consumes a block of I/Q samples. Rows are produced only for
// complete windows; leftover samples wait for the next block.
func (p *Processor) Process(samples []complex128) {
	if p.fft == nil || len(samples) == 0 {
		return
	}

	p.rawScratch = p.rawScratch[:0]
	for _, s := range samples {
		p.rawScratch = append(p.rawScratch, float32(real(s)), float32(imag(s)))
	}
	if _, _, err := p.raw.Append(p.rawScratch); err != nil && DebugMode {
		log.Printf("DEBUG: [Spectral] raw ring append failed: %v", err)
	}

	step := p.cfg.Bins - p.cfg.Overlap
	for _, s := range samples {
		if p.correction.Identity() {
			p.frame[p.filled] = s
		} else {
			p.frame[p.filled] = p.correction.Apply(s)
		}
		p.filled++

		if p.filled == p.cfg.Bins {
			p.emit()
			copy(p.frame, p.frame[step:])
			p.filled = p.cfg.Overlap
			p.frameRaw += int64(step)
			p.frameClock += int64(step)
		}
	}
}

func (p *Processor) emit() {
	begin := time.Now()

	for i, s := range p.frame {
		p.work[i] = s * complex(p.window[i], 0)
	}
	p.fft.Coefficients(p.coeffs, p.work)

	row, err := p.store.Push()
	if err != nil {
		p.drop(err)
		return
	}
	half := p.cfg.Bins / 2
	for i := range row {
		row[i] = float32(cmplx.Abs(p.coeffs[(i+half)%p.cfg.Bins]))
	}

	p.finishRow(RawDataHandle{RawMark: p.frameRaw, Time: p.sampleTime(p.frameClock)}, begin)
}

// PushRow stores a spectrum computed elsewhere, such as a replayed
// spectrogram, and runs it through the same path as a processed row. Values
// beyond Bins() are ignored; missing values are zero. It is not meant to be
// mixed with Process on the same stream.
func (p *Processor) PushRow(values []float32) error {
	if p.fft == nil {
		return fmt.Errorf("processor not configured")
	}
	begin := time.Now()

	row, err := p.store.Push()
	if err != nil {
		p.drop(err)
		return err
	}
	n := copy(row, values)
	for i := n; i < len(row); i++ {
		row[i] = 0
	}

	h := RawDataHandle{RawMark: p.raw.Mark(), Time: p.sampleTime(p.frameClock)}
	p.frameClock += int64(p.cfg.Bins - p.cfg.Overlap)
	p.finishRow(h, begin)
	return nil
}

func (p *Processor) finishRow(h RawDataHandle, begin time.Time) {
	mark := p.store.Mark() - 1
	p.handles.set(mark, h)

	elapsed := time.Since(begin)
	p.latency.add(elapsed)
	p.rows.Add(1)
	if p.metrics != nil {
		p.metrics.RowProcessed(elapsed)
	}

	if p.onRow != nil {
		p.onRow(mark)
	}
}

func (p *Processor) drop(err error) {
	n := p.dropped.Add(1)
	if p.metrics != nil {
		p.metrics.RowDropped()
	}
	if n == 1 || DebugMode {
		log.Printf("[Spectral] Dropping row: %v (dropped so far: %d)", err, n)
	}
}

func (p *Processor) sampleTime(clock int64) time.Time {
	rate := int64(p.sampleRate)
	secs, rem := clock/rate, clock%rate
	return p.start.Add(time.Duration(secs)*time.Second + time.Duration(rem)*time.Second/time.Duration(rate))
}

// Handle returns the raw data handle recorded for a spectrum row
func (p *Processor) Handle(mark int64) RawDataHandle {
	return p.handles.get(mark)
}

func (p *Processor) Store() *spectrogram.Store    { return p.store }
func (p *Processor) RawStore() *spectrogram.Store { return p.raw }
func (p *Processor) Bins() int                    { return p.cfg.Bins }
func (p *Processor) Overlap() int                 { return p.cfg.Overlap }
func (p *Processor) SampleRate() int              { return p.sampleRate }
func (p *Processor) FFTSampleRate() float64       { return p.fftSampleRate }
func (p *Processor) Origin() string               { return p.cfg.Origin }
func (p *Processor) WindowName() string           { return p.windowName() }

// ChunkBytes returns the store chunk size the buffers are allocated with
func (p *Processor) ChunkBytes() int { return p.cfg.ChunkBytes }

// BinToFrequency returns the baseband frequency in Hz of a folded bin
func (p *Processor) BinToFrequency(bin int) float64 {
	return float64(p.sampleRate) * (-0.5 + float64(bin)/float64(p.cfg.Bins))
}

// FrequencyToBin returns the folded bin containing freq, clamped to the row
func (p *Processor) FrequencyToBin(freq float64) int {
	if p.sampleRate == 0 {
		return 0
	}
	// The small bias keeps exact bin frequencies from truncating down.
	bin := int(math.Floor(float64(p.cfg.Bins)*(freq/float64(p.sampleRate)+0.5) + 1e-6))
	if bin < 0 {
		return 0
	}
	if bin > p.cfg.Bins-1 {
		return p.cfg.Bins - 1
	}
	return bin
}

// BinWidth returns the frequency resolution in Hz
func (p *Processor) BinWidth() float64 {
	return float64(p.sampleRate) / float64(p.cfg.Bins)
}

// TimeToRows converts seconds into a number of spectrum rows
func (p *Processor) TimeToRows(seconds float64) int {
	return int(seconds * p.fftSampleRate)
}

// RowsToSeconds converts a number of spectrum rows into seconds
func (p *Processor) RowsToSeconds(rows int) float64 {
	if p.fftSampleRate == 0 {
		return 0
	}
	return float64(rows) / p.fftSampleRate
}

// FFTSamplesToRaw converts a number of spectrum rows into raw samples
func (p *Processor) FFTSamplesToRaw(rows int) int {
	if p.fftSampleRate == 0 {
		return 0
	}
	return int(math.Round(float64(rows) / p.fftSampleRate * float64(p.sampleRate)))
}

// Stats is a point-in-time summary of the processor
type Stats struct {
	SampleRate    int          `json:"sample_rate"`
	FFTSampleRate float64      `json:"fft_sample_rate"`
	Bins          int          `json:"bins"`
	Overlap       int          `json:"overlap"`
	Rows          uint64       `json:"rows"`
	Dropped       uint64       `json:"dropped"`
	Latency       LatencyStats `json:"latency"`
}

// Stats returns processing counters and latency statistics
func (p *Processor) Stats() Stats {
	return Stats{
		SampleRate:    p.sampleRate,
		FFTSampleRate: p.fftSampleRate,
		Bins:          p.cfg.Bins,
		Overlap:       p.cfg.Overlap,
		Rows:          p.rows.Load(),
		Dropped:       p.dropped.Load(),
		Latency:       p.latency.snapshot(),
	}
}

// handleTable is a ring of RawDataHandles indexed like the spectrum store
type handleTable struct {
	mu      sync.RWMutex
	handles []RawDataHandle
}

func (t *handleTable) resize(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles = make([]RawDataHandle, n)
}

func (t *handleTable) set(mark int64, h RawDataHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.handles) == 0 {
		return
	}
	t.handles[t.index(mark)] = h
}

func (t *handleTable) get(mark int64) RawDataHandle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.handles) == 0 {
		return RawDataHandle{}
	}
	return t.handles[t.index(mark)]
}

func (t *handleTable) index(mark int64) int {
	i := mark % int64(len(t.handles))
	if i < 0 {
		i += int64(len(t.handles))
	}
	return int(i)
}
