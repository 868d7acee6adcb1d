package frontend

import (
	"context"

	"github.com/cwsl/radio_observer/spectral"
	"github.com/cwsl/radio_observer/wavfile"
)

// DebugMode enables verbose logging for the frontend package
var DebugMode bool

var (
	// ErrFormat reports a malformed or unsupported input stream
	ErrFormat = wavfile.ErrFormat
	// ErrTruncated reports input that ended inside a frame or chunk
	ErrTruncated = wavfile.ErrTruncated
)

// BlockFrames is the number of I/Q frames handed to the backend per call
const BlockFrames = 1024

// Backend consumes a stream of I/Q samples. StartStream is called once the
// sample rate is known, Process once per block and EndStream exactly once
// after a successful StartStream, however the stream ends.
type Backend interface {
	StartStream(info spectral.StreamInfo) error
	Process(samples []complex128)
	EndStream()
}

// Frontend produces I/Q samples until its input ends or ctx is cancelled.
// Cancellation is a clean end and returns nil.
type Frontend interface {
	Name() string
	Run(ctx context.Context, backend Backend) error
}
