package wavfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	FormatPCM   = 1
	FormatFloat = 3
)

// header is the canonical 44-byte RIFF/WAVE header
type header struct {
	ChunkID   [4]byte // "RIFF"
	ChunkSize uint32  // file size - 8
	Format    [4]byte // "WAVE"

	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16
	AudioFormat   uint16  // 1 PCM, 3 IEEE float
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample/8
	BlockAlign    uint16 // NumChannels * BitsPerSample/8
	BitsPerSample uint16

	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// Writer writes interleaved samples to a WAV file
type Writer struct {
	file          *os.File
	format        uint16
	sampleRate    int
	channels      int
	bitsPerSample int
	dataSize      int64
	buf           []byte
}

// Create opens filename for writing. format is FormatPCM (16 bit) or
// FormatFloat (32 bit).
func Create(filename string, format uint16, sampleRate, channels int) (*Writer, error) {
	bits := 16
	switch format {
	case FormatPCM:
	case FormatFloat:
		bits = 32
	default:
		return nil, fmt.Errorf("unsupported WAV format: %d", format)
	}

	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	w := &Writer{
		file:          file,
		format:        format,
		sampleRate:    sampleRate,
		channels:      channels,
		bitsPerSample: bits,
	}

	// Placeholder sizes, fixed up by Close
	if err := w.writeHeader(0xFFFFFFFF, 0xFFFFFFFF); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader(chunkSize, dataSize uint32) error {
	h := header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     chunkSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   w.format,
		NumChannels:   uint16(w.channels),
		SampleRate:    uint32(w.sampleRate),
		ByteRate:      uint32(w.sampleRate * w.channels * w.bitsPerSample / 8),
		BlockAlign:    uint16(w.channels * w.bitsPerSample / 8),
		BitsPerSample: uint16(w.bitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
	if err := binary.Write(w.file, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}
	return nil
}

// WriteFloat32 writes interleaved samples. For PCM files values are clamped
// to the int16 range.
func (w *Writer) WriteFloat32(samples []float32) error {
	size := len(samples) * w.bitsPerSample / 8
	if cap(w.buf) < size {
		w.buf = make([]byte, size)
	}
	buf := w.buf[:size]

	for i, s := range samples {
		if w.format == FormatFloat {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(s))
			continue
		}
		v := math.Round(float64(s))
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(v)))
	}

	n, err := w.file.Write(buf)
	w.dataSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	return nil
}

// Close finalizes the header sizes and closes the file
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	defer func() { w.file = nil }()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to seek to beginning: %w", err)
	}
	if err := w.writeHeader(uint32(w.dataSize+36), uint32(w.dataSize)); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Frames returns the number of frames written so far
func (w *Writer) Frames() int64 {
	return w.dataSize / int64(w.channels*w.bitsPerSample/8)
}

// Duration returns the length of the written audio in seconds
func (w *Writer) Duration() float64 {
	return float64(w.Frames()) / float64(w.sampleRate)
}
