package frontend

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/cwsl/radio_observer/spectral"
	"github.com/cwsl/radio_observer/wavfile"
)

type recordingBackend struct {
	info    spectral.StreamInfo
	starts  int
	ends    int
	calls   int
	samples []complex128
}

func (b *recordingBackend) StartStream(info spectral.StreamInfo) error {
	b.info = info
	b.starts++
	return nil
}

func (b *recordingBackend) Process(samples []complex128) {
	b.calls++
	b.samples = append(b.samples, samples...)
}

func (b *recordingBackend) EndStream() { b.ends++ }

func rawBytes(frames [][2]float32) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		binary.Write(&buf, binary.LittleEndian, f[0])
		binary.Write(&buf, binary.LittleEndian, f[1])
	}
	return buf.Bytes()
}

func TestWAVFrontendReplaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iq.wav")
	w, err := wavfile.Create(path, wavfile.FormatFloat, 48000, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	samples := make([]float32, 2*2500)
	for i := range samples {
		samples[i] = float32(i)
	}
	if err := w.WriteFloat32(samples); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	start := time.Date(2024, 8, 12, 22, 0, 0, 0, time.UTC)
	b := &recordingBackend{}
	f := &WAVFrontend{Path: path, Start: start}
	if err := f.Run(context.Background(), b); err != nil {
		t.Fatalf("run: %v", err)
	}

	if b.starts != 1 || b.ends != 1 {
		t.Fatalf("expected one start and one end, got %d/%d", b.starts, b.ends)
	}
	if b.info.SampleRate != 48000 || !b.info.Start.Equal(start) {
		t.Fatalf("unexpected stream info %+v", b.info)
	}
	if len(b.samples) != 2500 || b.calls != 3 {
		t.Fatalf("expected 2500 frames in 3 blocks, got %d in %d", len(b.samples), b.calls)
	}
	if b.samples[1249] != complex(2498, 2499) {
		t.Fatalf("unexpected frame %v", b.samples[1249])
	}
}

func TestRawReaderDropsTrailingPartialFrame(t *testing.T) {
	data := append(rawBytes([][2]float32{{1, -1}, {0.5, 0.25}}), 0, 0, 0)
	b := &recordingBackend{}
	err := runRaw(context.Background(), bytes.NewReader(data), 8000, time.Time{}, b, "test")
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if len(b.samples) != 2 || b.samples[1] != complex(0.5, 0.25) {
		t.Fatalf("expected both whole frames, got %v", b.samples)
	}
	if b.ends != 1 {
		t.Fatalf("expected the stream to be ended once, got %d", b.ends)
	}
}

func TestRawReaderEndsCleanly(t *testing.T) {
	b := &recordingBackend{}
	data := rawBytes(make([][2]float32, BlockFrames+10))
	if err := runRaw(context.Background(), bytes.NewReader(data), 8000, time.Time{}, b, "test"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(b.samples) != BlockFrames+10 || b.calls != 2 {
		t.Fatalf("unexpected delivery: %d frames in %d calls", len(b.samples), b.calls)
	}
}

func TestRawStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &recordingBackend{}
	if err := runRaw(ctx, bytes.NewReader(rawBytes(make([][2]float32, 10))), 8000, time.Time{}, b, "test"); err != nil {
		t.Fatalf("cancel must end cleanly, got %v", err)
	}
	if b.ends != 1 || len(b.samples) != 0 {
		t.Fatalf("expected an empty, ended stream")
	}
}

func TestDecodePayload(t *testing.T) {
	s16 := []byte{0x00, 0x64, 0xff, 0x9c, 0x7f, 0xff, 0x80, 0x00, 0x01}
	got := decodePayload(nil, s16, PayloadS16BE)
	if len(got) != 2 || got[0] != complex(100, -100) || got[1] != complex(32767, -32768) {
		t.Fatalf("unexpected s16be decode %v", got)
	}

	f32 := make([]byte, 8)
	binary.LittleEndian.PutUint32(f32[0:], math.Float32bits(0.5))
	binary.LittleEndian.PutUint32(f32[4:], math.Float32bits(-2))
	got = decodePayload(nil, f32, PayloadF32LE)
	if len(got) != 1 || got[0] != complex(0.5, -2) {
		t.Fatalf("unexpected f32le decode %v", got)
	}
}

func rtpPacket(t *testing.T, ssrc uint32, seq uint16, ts uint32, frames int) []byte {
	t.Helper()
	payload := make([]byte, 4*frames)
	for i := range payload {
		payload[i] = 1
	}
	p := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 97, SequenceNumber: seq, Timestamp: ts, SSRC: ssrc},
		Payload: payload,
	}
	data, err := p.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

type gapCounter struct{ packets, lost int }

func (g *gapCounter) RTPPacket()     { g.packets++ }
func (g *gapCounter) RTPGap(lost int) { g.lost += lost }

func TestRTPStreamFiltersAndFillsGaps(t *testing.T) {
	metrics := &gapCounter{}
	f := &RTPFrontend{SampleRate: 8000, SSRC: 42, Payload: PayloadS16BE, Metrics: metrics}
	b := &recordingBackend{}
	s := &rtpStream{front: f, backend: b}
	now := time.Now().UTC()

	packets := [][]byte{
		rtpPacket(t, 7, 1, 0, 10),       // other stream
		rtpPacket(t, 42, 100, 1000, 10), // first accepted
		rtpPacket(t, 42, 101, 1010, 10),
		rtpPacket(t, 42, 101, 1010, 10), // duplicate
		rtpPacket(t, 42, 104, 1040, 10), // two lost
		[]byte{1, 2, 3},
	}
	for _, p := range packets {
		if err := s.handle(p, now); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	s.end()

	if b.starts != 1 || b.ends != 1 || !b.info.Start.Equal(now) {
		t.Fatalf("unexpected stream lifecycle %+v starts=%d ends=%d", b.info, b.starts, b.ends)
	}
	if f.Packets() != 3 || f.Lost() != 2 || metrics.lost != 2 || metrics.packets != 3 {
		t.Fatalf("unexpected counters: packets %d lost %d metrics %+v", f.Packets(), f.Lost(), metrics)
	}
	// 30 received samples plus 20 zeros for the lost packets
	if len(b.samples) != 50 {
		t.Fatalf("expected 50 samples, got %d", len(b.samples))
	}
	if b.samples[25] != 0 || b.samples[19] != complex(257, 257) {
		t.Fatalf("expected zeros in the gap, got %v / %v", b.samples[25], b.samples[19])
	}
}

func TestRTPFrontendRejectsUnknownPayload(t *testing.T) {
	f := &RTPFrontend{Address: "127.0.0.1:0", SampleRate: 8000, Payload: "u8"}
	if err := f.Run(context.Background(), &recordingBackend{}); err == nil {
		t.Fatalf("expected error for unknown payload")
	}
}
