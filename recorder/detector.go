package recorder

import (
	"fmt"
	"slices"
)

// Phase is the state of the bolid detector
type Phase int

const (
	PhaseIdle  Phase = iota // waiting for a detection
	PhaseBolid              // signal above threshold
	PhaseEnded              // signal dropped, waiting out the jitter time
)

func (p Phase) String() string {
	switch p {
	case PhaseBolid:
		return "BOLID"
	case PhaseEnded:
		return "BOLID_ENDED"
	default:
		return "INIT"
	}
}

// Action tells the caller what a detector step did
type Action int

const (
	ActionNone   Action = iota
	ActionOpen          // a new event started
	ActionFinish        // the event is complete
)

// DetectorConfig holds bin ranges and row counts derived from the stream
type DetectorConfig struct {
	LowDetectBin int // first bin of the detection band
	DetectWidth  int // bins in the detection band
	LowNoiseBin  int // first bin of the noise band
	NoiseWidth   int // bins in the noise band
	AverageBins  int // bins averaged around the peak
	Advance      int // rows kept before and after an event
	Jitter       int // quiet rows that end an event
	Threshold    float64
}

// Measurement is the per-row statistic the detector decides on
type Measurement struct {
	Noise    float64
	PeakBin  int // absolute bin of the strongest detection band value
	Average  float64
	Detected bool
}

// Detection describes the window of an event
type Detection struct {
	Start     int64 // first mark of the window, Advance rows before the onset
	Length    int   // rows in the window
	Duration  int   // rows from onset to the last detection
	PeakBin   int
	Magnitude float64
	Noise     float64
}

// Detector is the three-state bolid state machine
type Detector struct {
	cfg     DetectorConfig
	phase   Phase
	scratch []float32

	peakBin   int
	noise     float64
	magnitude float64
	duration  int
	start     int64
	length    int
}

// NewDetector validates cfg and creates an idle detector
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if cfg.DetectWidth < 1 {
		return nil, fmt.Errorf("detection band is empty")
	}
	if cfg.NoiseWidth < 1 {
		return nil, fmt.Errorf("noise band is empty")
	}
	if cfg.AverageBins < 1 {
		return nil, fmt.Errorf("average range must cover at least one bin")
	}
	if cfg.Advance < 0 || cfg.Jitter < 0 {
		return nil, fmt.Errorf("advance and jitter must not be negative")
	}
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive")
	}
	return &Detector{cfg: cfg, scratch: make([]float32, cfg.NoiseWidth)}, nil
}

// NoiseLevel estimates the noise floor as twice the lower quartile
func NoiseLevel(values []float32, scratch []float32) float64 {
	if len(values) == 0 {
		return 0
	}
	scratch = append(scratch[:0], values...)
	slices.Sort(scratch)
	return float64(scratch[len(scratch)/4]) * 2
}

// PeakIndex returns the index of the largest value; ties go to the last one
func PeakIndex(values []float32) int {
	peak := 0
	for i, v := range values {
		if v >= values[peak] {
			peak = i
		}
	}
	return peak
}

// Average returns the mean of width values centred on center, clamped to
// the slice.
func Average(values []float32, center, width int) float64 {
	from := center - width/2
	to := from + width
	if from < 0 {
		from = 0
	}
	if to > len(values) {
		to = len(values)
	}
	if from >= to {
		return 0
	}
	sum := 0.0
	for _, v := range values[from:to] {
		sum += float64(v)
	}
	return sum / float64(to-from)
}

// Measure computes the detection statistic of one spectrum row
func (d *Detector) Measure(row []float32) Measurement {
	noiseBand := row[d.cfg.LowNoiseBin : d.cfg.LowNoiseBin+d.cfg.NoiseWidth]
	detectBand := row[d.cfg.LowDetectBin : d.cfg.LowDetectBin+d.cfg.DetectWidth]

	noise := NoiseLevel(noiseBand, d.scratch)
	peak := PeakIndex(detectBand)
	avg := Average(detectBand, peak, d.cfg.AverageBins)

	return Measurement{
		Noise:    noise,
		PeakBin:  d.cfg.LowDetectBin + peak,
		Average:  avg,
		Detected: avg > noise*d.cfg.Threshold,
	}
}

// Update measures row and advances the state machine
func (d *Detector) Update(mark int64, row []float32) (Action, Detection) {
	return d.Step(mark, d.Measure(row))
}

// Step advances the state machine with a precomputed measurement
func (d *Detector) Step(mark int64, m Measurement) (Action, Detection) {
	switch d.phase {
	case PhaseIdle:
		if m.Detected {
			d.peakBin = m.PeakBin
			d.noise = m.Noise
			d.magnitude = m.Average
			d.duration = 1
			d.start = mark - int64(d.cfg.Advance)
			d.length = 2 * d.cfg.Advance
			d.phase = PhaseBolid
			return ActionOpen, d.detection()
		}

	case PhaseBolid:
		if m.Detected {
			d.duration++
		} else {
			d.length += d.duration
			d.duration = 1
			d.phase = PhaseEnded
		}

	case PhaseEnded:
		d.duration++
		if m.Detected {
			d.phase = PhaseBolid
		} else if d.duration >= d.cfg.Jitter {
			det := d.detection()
			d.Reset()
			return ActionFinish, det
		}
	}
	return ActionNone, Detection{}
}

func (d *Detector) detection() Detection {
	return Detection{
		Start:     d.start,
		Length:    d.length,
		Duration:  d.length - 2*d.cfg.Advance,
		PeakBin:   d.peakBin,
		Magnitude: d.magnitude,
		Noise:     d.noise,
	}
}

// Phase returns the current state
func (d *Detector) Phase() Phase {
	return d.phase
}

// Reset returns the detector to the idle state
func (d *Detector) Reset() {
	d.phase = PhaseIdle
	d.peakBin, d.noise, d.magnitude = 0, 0, 0
	d.duration, d.start, d.length = 0, 0, 0
}
