package frontend

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"os"
	"time"

	"github.com/cwsl/radio_observer/spectral"
)

// frameBytes is the size of one interleaved little-endian float32 I/Q pair
const frameBytes = 8

// RawFrontend reads interleaved little-endian float32 I/Q from a file, or
// from stdin when Path is "-".
type RawFrontend struct {
	Path       string
	SampleRate int
	Start      time.Time // defaults to the time the stream is opened
}

func (f *RawFrontend) Name() string { return "raw:" + f.Path }

func (f *RawFrontend) Run(ctx context.Context, backend Backend) error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("raw input needs a sample rate")
	}

	var in io.Reader = os.Stdin
	if f.Path != "-" && f.Path != "" {
		file, err := os.Open(f.Path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", f.Path, err)
		}
		defer file.Close()
		in = file
	}
	return runRaw(ctx, in, f.SampleRate, f.Start, backend, f.Name())
}

// RawTCPFrontend reads the same sample format from a TCP server
type RawTCPFrontend struct {
	Address    string
	SampleRate int
	Timeout    time.Duration // dial timeout
}

func (f *RawTCPFrontend) Name() string { return "tcp:" + f.Address }

func (f *RawTCPFrontend) Run(ctx context.Context, backend Backend) error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("raw input needs a sample rate")
	}

	d := net.Dialer{Timeout: f.Timeout}
	conn, err := d.DialContext(ctx, "tcp", f.Address)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to connect to %s: %w", f.Address, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log.Printf("[TCP] Connected to %s", f.Address)
	return runRaw(ctx, conn, f.SampleRate, time.Time{}, backend, f.Name())
}

func runRaw(ctx context.Context, in io.Reader, sampleRate int, start time.Time, backend Backend, name string) error {
	if start.IsZero() {
		start = time.Now().UTC()
	}
	if err := backend.StartStream(spectral.StreamInfo{SampleRate: sampleRate, Start: start}); err != nil {
		return err
	}
	defer backend.EndStream()

	return pump(ctx, newRawReader(in).ReadFrames, backend, name)
}

type rawReader struct {
	r   *bufio.Reader
	buf []byte
}

func newRawReader(r io.Reader) *rawReader {
	return &rawReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrames fills dst with whole frames. A partial trailing frame is
// dropped and reported as ErrTruncated.
func (rr *rawReader) ReadFrames(dst []complex128) (int, error) {
	want := len(dst) * frameBytes
	if cap(rr.buf) < want {
		rr.buf = make([]byte, want)
	}
	buf := rr.buf[:want]

	got, err := io.ReadFull(rr.r, buf)
	n := got / frameBytes
	for i := 0; i < n; i++ {
		b := buf[i*frameBytes:]
		re := math.Float32frombits(binary.LittleEndian.Uint32(b[0:4]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(b[4:8]))
		dst[i] = complex(float64(re), float64(im))
	}

	switch {
	case err == nil:
		return n, nil
	case err == io.EOF:
		return 0, io.EOF
	case err == io.ErrUnexpectedEOF:
		if got%frameBytes != 0 {
			if DebugMode {
				log.Printf("DEBUG: [Frontend] dropping %d trailing bytes", got%frameBytes)
			}
			return n, ErrTruncated
		}
		return n, nil
	default:
		return n, err
	}
}
