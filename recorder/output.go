package recorder

import (
	"fmt"

	"github.com/cwsl/radio_observer/fits"
	"github.com/cwsl/radio_observer/spectrogram"
	"github.com/cwsl/radio_observer/wavfile"
)

// Output persists snapshot images and raw I/Q excerpts
type Output interface {
	WriteImage(path string, c fits.Compression, h *fits.Header, img fits.Image) error
	WriteRaw(path string, sampleRate int, raw *spectrogram.Store, start int64, count int) error
}

// FileOutput writes FITS images and 32-bit float stereo WAV files
type FileOutput struct{}

func (FileOutput) WriteImage(path string, c fits.Compression, h *fits.Header, img fits.Image) error {
	return fits.WriteFile(path, c, h, img)
}

// WriteRaw copies count I/Q samples starting at raw mark start
func (FileOutput) WriteRaw(path string, sampleRate int, raw *spectrogram.Store, start int64, count int) error {
	w, err := wavfile.Create(path, wavfile.FormatFloat, sampleRate, 2)
	if err != nil {
		return err
	}

	const block = 4096
	buf := make([]float32, 0, 2*block)
	for i := 0; i < count; i++ {
		buf = append(buf, raw.At(start+int64(i))...)
		if len(buf) == cap(buf) {
			if err := w.WriteFloat32(buf); err != nil {
				w.Close()
				return err
			}
			buf = buf[:0]
		}
	}
	if len(buf) > 0 {
		if err := w.WriteFloat32(buf); err != nil {
			w.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish raw file: %w", err)
	}
	return nil
}
