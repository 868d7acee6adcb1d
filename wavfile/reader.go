package wavfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	// ErrFormat reports a malformed or unsupported RIFF/WAVE stream
	ErrFormat = errors.New("wavfile: invalid format")
	// ErrTruncated reports that the data chunk ended early
	ErrTruncated = errors.New("wavfile: truncated data")
)

// unbounded marks a data chunk written by a streaming producer
const unbounded = 0xFFFFFFFF

// Format is the content of the fmt chunk
type Format struct {
	AudioFormat   uint16
	Channels      int
	SampleRate    int
	BitsPerSample int
}

// Reader decodes two-channel I/Q frames from a WAV stream
type Reader struct {
	r      *bufio.Reader
	format Format
	info   string
	left   int64 // bytes remaining in the data chunk, -1 when unbounded
	frame  []byte
}

// NewReader parses the RIFF header up to the start of the data chunk
func NewReader(r io.Reader) (*Reader, error) {
	wr := &Reader{r: bufio.NewReaderSize(r, 64*1024)}

	var riff [12]byte
	if _, err := io.ReadFull(wr.r, riff[:]); err != nil {
		return nil, fmt.Errorf("%w: missing RIFF header: %v", ErrFormat, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrFormat)
	}

	haveFormat := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(wr.r, hdr[:]); err != nil {
			return nil, fmt.Errorf("%w: missing data chunk: %v", ErrFormat, err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if err := wr.readFormat(size); err != nil {
				return nil, err
			}
			haveFormat = true
		case "inf1":
			body, err := wr.readChunk(size)
			if err != nil {
				return nil, err
			}
			wr.info = string(body)
		case "data":
			if !haveFormat {
				return nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrFormat)
			}
			wr.left = int64(size)
			if size == unbounded {
				wr.left = -1
			}
			wr.frame = make([]byte, wr.format.Channels*wr.format.BitsPerSample/8)
			return wr, nil
		default:
			if _, err := wr.readChunk(size); err != nil {
				return nil, err
			}
		}
	}
}

func (wr *Reader) readChunk(size uint32) ([]byte, error) {
	n := int64(size) + int64(size&1) // chunks are word aligned
	body := make([]byte, n)
	if _, err := io.ReadFull(wr.r, body); err != nil {
		return nil, fmt.Errorf("%w: short chunk: %v", ErrFormat, err)
	}
	return body[:size], nil
}

func (wr *Reader) readFormat(size uint32) error {
	if size < 16 {
		return fmt.Errorf("%w: fmt chunk too small (%d bytes)", ErrFormat, size)
	}
	body, err := wr.readChunk(size)
	if err != nil {
		return err
	}

	f := Format{
		AudioFormat:   binary.LittleEndian.Uint16(body[0:2]),
		Channels:      int(binary.LittleEndian.Uint16(body[2:4])),
		SampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
		BitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
	}
	switch {
	case f.AudioFormat == FormatPCM && f.BitsPerSample == 16:
	case f.AudioFormat == FormatFloat && f.BitsPerSample == 32:
	default:
		return fmt.Errorf("%w: unsupported sample format %d with %d bits", ErrFormat, f.AudioFormat, f.BitsPerSample)
	}
	if f.Channels != 2 {
		return fmt.Errorf("%w: expected 2 channels (I/Q), got %d", ErrFormat, f.Channels)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: invalid sample rate %d", ErrFormat, f.SampleRate)
	}
	wr.format = f
	return nil
}

// Format returns the stream format
func (wr *Reader) Format() Format {
	return wr.format
}

// Info returns the content of the inf1 chunk, if any
func (wr *Reader) Info() string {
	return wr.info
}

// ReadFrames decodes up to len(dst) frames. At the end of the data it
// returns io.EOF; if the stream stops before the declared data size or in
// the middle of a frame it returns the complete frames read and ErrTruncated.
// PCM samples keep their integer scale.
func (wr *Reader) ReadFrames(dst []complex128) (int, error) {
	n := 0
	for n < len(dst) {
		if wr.left == 0 {
			break
		}
		if _, err := io.ReadFull(wr.r, wr.frame); err != nil {
			if err == io.EOF && wr.left < 0 {
				wr.left = 0
				break
			}
			return n, ErrTruncated
		}
		if wr.left > 0 {
			wr.left -= int64(len(wr.frame))
			if wr.left < 0 {
				wr.left = 0
			}
		}
		dst[n] = wr.decode()
		n++
	}
	if n == 0 && wr.left == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (wr *Reader) decode() complex128 {
	b := wr.frame
	if wr.format.AudioFormat == FormatFloat {
		i := math.Float32frombits(binary.LittleEndian.Uint32(b[0:4]))
		q := math.Float32frombits(binary.LittleEndian.Uint32(b[4:8]))
		return complex(float64(i), float64(q))
	}
	i := int16(binary.LittleEndian.Uint16(b[0:2]))
	q := int16(binary.LittleEndian.Uint16(b[2:4]))
	return complex(float64(i), float64(q))
}
