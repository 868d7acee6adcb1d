package frontend

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/cwsl/radio_observer/spectral"
)

// RTP payload encodings of interleaved I/Q
const (
	PayloadS16BE = "s16be"
	PayloadF32LE = "f32le"
)

// maxGapFill bounds how many missing samples are replaced with zeros
const maxGapFill = 1 << 20

// RTPMetrics receives packet loss reports. Implementations must not block.
type RTPMetrics interface {
	RTPPacket()
	RTPGap(lostPackets int)
}

// RTPFrontend receives I/Q samples from an RTP stream, typically a ka9q-radio
// multicast group.
type RTPFrontend struct {
	Address    string // group:port or host:port
	Interface  string // multicast interface, empty for the default
	SampleRate int
	SSRC       uint32 // 0 accepts any stream
	Payload    string // PayloadS16BE or PayloadF32LE
	Metrics    RTPMetrics

	packets atomic.Uint64
	lost    atomic.Uint64
}

func (f *RTPFrontend) Name() string { return "rtp:" + f.Address }

// Packets returns the number of accepted packets
func (f *RTPFrontend) Packets() uint64 { return f.packets.Load() }

// Lost returns the number of packets missing from the sequence
func (f *RTPFrontend) Lost() uint64 { return f.lost.Load() }

func (f *RTPFrontend) Run(ctx context.Context, backend Backend) error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("rtp input needs a sample rate")
	}
	if f.Payload == "" {
		f.Payload = PayloadS16BE
	}
	if f.Payload != PayloadS16BE && f.Payload != PayloadF32LE {
		return fmt.Errorf("unknown rtp payload: %s", f.Payload)
	}

	addr, err := net.ResolveUDPAddr("udp4", f.Address)
	if err != nil {
		return fmt.Errorf("invalid rtp address %s: %w", f.Address, err)
	}
	var iface *net.Interface
	if f.Interface != "" {
		if iface, err = net.InterfaceByName(f.Interface); err != nil {
			return fmt.Errorf("failed to find interface %s: %w", f.Interface, err)
		}
	}

	conn, err := setupDataSocket(addr, iface)
	if err != nil {
		return fmt.Errorf("failed to setup data socket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log.Printf("[RTP] Listening on %s (iface: %v, ssrc: %d, payload: %s)", addr, iface, f.SSRC, f.Payload)

	s := &rtpStream{front: f, backend: backend}
	defer s.end()

	buffer := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("[RTP] Stopped after %d packets (%d lost)", f.packets.Load(), f.lost.Load())
				return nil
			}
			return fmt.Errorf("failed to read rtp packet: %w", err)
		}
		if err := s.handle(buffer[:n], time.Now().UTC()); err != nil {
			return err
		}
	}
}

// rtpStream tracks one RTP session from its first accepted packet
type rtpStream struct {
	front   *RTPFrontend
	backend Backend

	started bool
	ssrc    uint32
	lastSeq uint16
	nextTS  uint32
	samples []complex128
}

func (s *rtpStream) handle(data []byte, now time.Time) error {
	if len(data) < 12 {
		if DebugMode {
			log.Printf("DEBUG: [RTP] Received packet too small (%d bytes), skipping", len(data))
		}
		return nil
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		log.Printf("[RTP] Error parsing packet: %v", err)
		return nil
	}
	if s.front.SSRC != 0 && packet.SSRC != s.front.SSRC {
		return nil
	}

	if !s.started {
		if err := s.backend.StartStream(spectral.StreamInfo{SampleRate: s.front.SampleRate, Start: now}); err != nil {
			return err
		}
		s.started = true
		s.ssrc = packet.SSRC
		log.Printf("[RTP] Stream started: ssrc %d, seq %d", packet.SSRC, packet.SequenceNumber)
	} else {
		if packet.SSRC != s.ssrc {
			return nil
		}
		gap := packet.SequenceNumber - s.lastSeq - 1
		if gap >= 0x8000 {
			if DebugMode {
				log.Printf("DEBUG: [RTP] Late or duplicate packet seq %d, skipping", packet.SequenceNumber)
			}
			return nil
		}
		if gap > 0 {
			s.front.lost.Add(uint64(gap))
			if s.front.Metrics != nil {
				s.front.Metrics.RTPGap(int(gap))
			}
			s.fill(packet.Timestamp)
			log.Printf("[RTP] Lost %d packets before seq %d", gap, packet.SequenceNumber)
		}
	}

	s.samples = decodePayload(s.samples[:0], packet.Payload, s.front.Payload)
	s.lastSeq = packet.SequenceNumber
	s.nextTS = packet.Timestamp + uint32(len(s.samples))
	s.front.packets.Add(1)
	if s.front.Metrics != nil {
		s.front.Metrics.RTPPacket()
	}
	if len(s.samples) > 0 {
		s.backend.Process(s.samples)
	}
	return nil
}

// fill replaces lost samples with zeros so row timing stays aligned
func (s *rtpStream) fill(ts uint32) {
	missing := int32(ts - s.nextTS)
	if missing <= 0 || missing > maxGapFill {
		return
	}
	zeros := make([]complex128, missing)
	s.backend.Process(zeros)
}

func (s *rtpStream) end() {
	if s.started {
		s.backend.EndStream()
	}
}

// decodePayload appends the I/Q pairs of payload to dst. A trailing partial
// pair is ignored.
func decodePayload(dst []complex128, payload []byte, encoding string) []complex128 {
	switch encoding {
	case PayloadF32LE:
		for i := 0; i+8 <= len(payload); i += 8 {
			re := math.Float32frombits(binary.LittleEndian.Uint32(payload[i:]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(payload[i+4:]))
			dst = append(dst, complex(float64(re), float64(im)))
		}
	default:
		for i := 0; i+4 <= len(payload); i += 4 {
			re := int16(binary.BigEndian.Uint16(payload[i:]))
			im := int16(binary.BigEndian.Uint16(payload[i+2:]))
			dst = append(dst, complex(float64(re), float64(im)))
		}
	}
	return dst
}

// setupDataSocket creates a UDP socket that can share its port with other
// receivers and joins the multicast group when addr is one.
func setupDataSocket(addr *net.UDPAddr, iface *net.Interface) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
					return
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	udpConn := conn.(*net.UDPConn)

	if err := udpConn.SetReadBuffer(4 * 1024 * 1024); err != nil {
		log.Printf("Warning: failed to set read buffer size: %v", err)
	}

	if !addr.IP.IsMulticast() {
		return udpConn, nil
	}

	p := ipv4.NewPacketConn(udpConn)
	if err := p.JoinGroup(iface, addr); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to join multicast group %s: %w", addr.IP, err)
	}
	if lo := loopbackInterface(); lo != nil && (iface == nil || iface.Name != lo.Name) {
		if err := p.JoinGroup(lo, addr); err != nil {
			log.Printf("Warning: failed to join multicast group on loopback: %v", err)
		}
	}
	return udpConn, nil
}

func loopbackInterface() *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagLoopback != 0 && ifaces[i].Flags&net.FlagUp != 0 {
			return &ifaces[i]
		}
	}
	return nil
}
