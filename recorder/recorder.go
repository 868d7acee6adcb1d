package recorder

import (
	"github.com/cwsl/radio_observer/spectral"
	"github.com/cwsl/radio_observer/spectrogram"
)

// DebugMode enables verbose logging for the recorder package
var DebugMode bool

// Recorder consumes spectrum rows as they are produced.
//
// SetSource is called once when the recorder is added to a pipeline.
// RequestBufferSize and Start are called at the beginning of every stream,
// after the source knows its sample rates. Update runs on the producer
// goroutine after each new row and must never block on I/O. Stop flushes
// and joins any background work.
type Recorder interface {
	Name() string
	SetSource(src Source)
	RequestBufferSize() int
	Start() error
	Update()
	Stop()
	Stats() Stats
}

// Source is the read-only view of the spectral processor a recorder works
// against. spectral.Processor implements it.
type Source interface {
	Store() *spectrogram.Store
	RawStore() *spectrogram.Store
	Handle(mark int64) spectral.RawDataHandle

	Bins() int
	Overlap() int
	SampleRate() int
	FFTSampleRate() float64
	Origin() string
	WindowName() string

	BinToFrequency(bin int) float64
	FrequencyToBin(freq float64) int
	BinWidth() float64
	TimeToRows(seconds float64) int
	RowsToSeconds(rows int) float64
	FFTSamplesToRaw(rows int) int
}

var _ Source = (*spectral.Processor)(nil)

// Metrics receives recorder events. Implementations must not block.
type Metrics interface {
	SnapshotWritten(recorder string, rows int)
	SnapshotFailed(recorder string)
	ReservationDirty(recorder string)
	QueueDepth(recorder string, depth int)
	BolidDetected(recorder string)
}

type nopMetrics struct{}

func (nopMetrics) SnapshotWritten(string, int) {}
func (nopMetrics) SnapshotFailed(string)       {}
func (nopMetrics) ReservationDirty(string)     {}
func (nopMetrics) QueueDepth(string, int)      {}
func (nopMetrics) BolidDetected(string)        {}

// Stats is a point-in-time summary of a recorder
type Stats struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Queued  int    `json:"queued"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dirty   uint64 `json:"dirty"`
	Events  uint64 `json:"events,omitempty"`
}
