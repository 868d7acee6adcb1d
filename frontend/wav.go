package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cwsl/radio_observer/spectral"
	"github.com/cwsl/radio_observer/wavfile"
)

// WAVFrontend replays a two-channel I/Q WAV recording
type WAVFrontend struct {
	Path  string
	Start time.Time // time of the first sample, defaults to the file modification time minus its duration
}

func (f *WAVFrontend) Name() string { return "wav:" + f.Path }

func (f *WAVFrontend) Run(ctx context.Context, backend Backend) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Path, err)
	}
	defer file.Close()

	r, err := wavfile.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", f.Path, err)
	}
	format := r.Format()

	start := f.Start
	if start.IsZero() {
		start = time.Now().UTC()
		if st, err := file.Stat(); err == nil {
			frameBytes := int64(format.Channels * format.BitsPerSample / 8)
			frames := st.Size() / frameBytes
			start = st.ModTime().UTC().Add(-time.Duration(frames) * time.Second / time.Duration(format.SampleRate))
			log.Printf("[WAV] %s: %s, %d Hz, %d-bit, ~%s of I/Q", f.Path, humanize.Bytes(uint64(st.Size())),
				format.SampleRate, format.BitsPerSample, time.Duration(frames)*time.Second/time.Duration(format.SampleRate))
		}
	}
	if info := r.Info(); info != "" {
		log.Printf("[WAV] %s: inf1 chunk: %s", f.Path, info)
	}

	if err := backend.StartStream(spectral.StreamInfo{SampleRate: format.SampleRate, Start: start}); err != nil {
		return err
	}
	defer backend.EndStream()

	return pump(ctx, r.ReadFrames, backend, f.Path)
}

// pump moves blocks from read to backend until EOF, an error or cancellation
func pump(ctx context.Context, read func([]complex128) (int, error), backend Backend, name string) error {
	block := make([]complex128, BlockFrames)
	var total int64
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Frontend] %s: stopped after %d frames", name, total)
			return nil
		default:
		}

		n, err := read(block)
		if n > 0 {
			backend.Process(block[:n])
			total += int64(n)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			log.Printf("[Frontend] %s: end of input after %d frames", name, total)
			return nil
		case ctx.Err() != nil:
			log.Printf("[Frontend] %s: stopped after %d frames", name, total)
			return nil
		default:
			return fmt.Errorf("%s: %w", name, err)
		}
	}
}
