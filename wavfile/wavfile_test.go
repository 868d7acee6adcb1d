package wavfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func pcmStream(t *testing.T, declaredFrames int, frames [][2]int16, extra ...[]byte) []byte {
	t.Helper()
	var b bytes.Buffer
	le := binary.LittleEndian
	b.WriteString("RIFF")
	binary.Write(&b, le, uint32(0))
	b.WriteString("WAVE")

	b.WriteString("fmt ")
	binary.Write(&b, le, uint32(16))
	binary.Write(&b, le, uint16(FormatPCM))
	binary.Write(&b, le, uint16(2))
	binary.Write(&b, le, uint32(48000))
	binary.Write(&b, le, uint32(48000*4))
	binary.Write(&b, le, uint16(4))
	binary.Write(&b, le, uint16(16))

	b.WriteString("inf1")
	binary.Write(&b, le, uint32(5))
	b.WriteString("hello\x00") // odd size, padded

	b.WriteString("data")
	binary.Write(&b, le, uint32(declaredFrames*4))
	for _, f := range frames {
		binary.Write(&b, le, f[0])
		binary.Write(&b, le, f[1])
	}
	for _, e := range extra {
		b.Write(e)
	}
	return b.Bytes()
}

func TestReaderDecodesPCM(t *testing.T) {
	r, err := NewReader(bytes.NewReader(pcmStream(t, 3, [][2]int16{{1, -1}, {100, 200}, {-32768, 32767}})))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	if r.Format().SampleRate != 48000 || r.Info() != "hello" {
		t.Fatalf("unexpected header %+v info %q", r.Format(), r.Info())
	}

	dst := make([]complex128, 2)
	n, err := r.ReadFrames(dst)
	if err != nil || n != 2 || dst[1] != complex(100, 200) {
		t.Fatalf("first read: n=%d err=%v dst=%v", n, err, dst)
	}
	n, err = r.ReadFrames(dst)
	if err != nil || n != 1 || dst[0] != complex(-32768, 32767) {
		t.Fatalf("second read: n=%d err=%v dst=%v", n, err, dst)
	}
	if _, err := r.ReadFrames(dst); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReaderReportsTruncation(t *testing.T) {
	// Declares 4 frames but carries 2 and a half.
	data := pcmStream(t, 4, [][2]int16{{1, 2}, {3, 4}}, []byte{9, 9})
	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	dst := make([]complex128, 8)
	n, err := r.ReadFrames(dst)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if n != 2 {
		t.Fatalf("expected the 2 complete frames, got %d", n)
	}
}

func TestReaderRejectsUnsupportedFormats(t *testing.T) {
	if _, err := NewReader(bytes.NewReader([]byte("RIFX\x00\x00\x00\x00WAVE"))); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat for bad magic, got %v", err)
	}

	data := pcmStream(t, 1, [][2]int16{{1, 2}})
	binary.LittleEndian.PutUint16(data[22:], 1) // mono
	if _, err := NewReader(bytes.NewReader(data)); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat for mono stream, got %v", err)
	}
}

func TestWriterFloatFileIsReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.wav")
	w, err := Create(path, FormatFloat, 96000, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.WriteFloat32([]float32{0.5, -0.25, 1.5, 2.5}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.Frames() != 2 {
		t.Fatalf("expected 2 frames, got %d", w.Frames())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	r, err := NewReader(f)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	dst := make([]complex128, 4)
	n, err := r.ReadFrames(dst)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 frames, got %d (%v)", n, err)
	}
	if dst[0] != complex(0.5, -0.25) || dst[1] != complex(1.5, 2.5) {
		t.Fatalf("unexpected frames %v", dst[:2])
	}
}

func TestWriterClampsPCM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clamp.wav")
	w, err := Create(path, FormatPCM, 8000, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w.WriteFloat32([]float32{40000, -40000})
	w.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) != 48 {
		t.Fatalf("expected 48 bytes, got %d", len(data))
	}
	if i := int16(binary.LittleEndian.Uint16(data[44:])); i != 32767 {
		t.Fatalf("expected clamp to 32767, got %d", i)
	}
	if q := int16(binary.LittleEndian.Uint16(data[46:])); q != -32768 {
		t.Fatalf("expected clamp to -32768, got %d", q)
	}
}
