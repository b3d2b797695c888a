package rtp

import (
	"fmt"
	"math/rand"
	"net"
	"sync"

	"github.com/ClareAI/agent-bridge/pkg/logger"
	"go.uber.org/zap"
)

// samplesPerFrame is the RTP timestamp increment for one 20 ms Opus frame
// at 48 kHz.
const samplesPerFrame = 960

// Sender transmits RTP toward Janus. Janus only accepts media from the
// address a plain-RTP participant registered, so the sender normally shares
// the Receiver's socket instead of opening its own; an owned socket is kept
// as a fallback.
type Sender struct {
	destIP      string
	destPort    int
	ssrc        uint32
	payloadType uint8

	mu        sync.Mutex
	dest      *net.UDPAddr
	conn      *net.UDPConn
	ownsConn  bool
	seq       uint16
	timestamp uint32
	running   bool
}

// NewSender creates a sender toward destIP:destPort with a fixed SSRC and
// payload type. Call AttachTo or Start before sending.
func NewSender(destIP string, destPort int, ssrc uint32, payloadType uint8) *Sender {
	return &Sender{
		destIP:      destIP,
		destPort:    destPort,
		ssrc:        ssrc,
		payloadType: payloadType,
		seq:         uint16(rand.Uint32()),
	}
}

// AttachTo shares the receiver's bound socket so outbound packets carry the
// source port Janus expects.
func (s *Sender) AttachTo(r *Receiver) error {
	conn := r.Conn()
	if conn == nil {
		return fmt.Errorf("rtp sender: receiver not started")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.ownsConn = false
	return s.start()
}

// Start opens an owned socket on an ephemeral port. Less reliable with
// Janus than AttachTo; kept for setups where the receiver socket is not
// available.
func (s *Sender) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
		if err != nil {
			return fmt.Errorf("rtp sender: bind: %w", err)
		}
		s.conn = conn
		s.ownsConn = true
	}
	return s.start()
}

func (s *Sender) start() error {
	ip := net.ParseIP(s.destIP)
	if ip == nil {
		return fmt.Errorf("rtp sender: invalid destination ip %q", s.destIP)
	}
	s.dest = &net.UDPAddr{IP: ip, Port: s.destPort}
	s.running = true
	logger.Base().Info("RTP sender started",
		zap.String("dest", s.dest.String()),
		zap.Uint32("ssrc", s.ssrc),
		zap.Bool("shared_socket", !s.ownsConn))
	return nil
}

// SendFrame packs one Opus frame into an RTP packet and transmits it.
// The timestamp advances by 960 samples per frame regardless of wall time.
func (s *Sender) SendFrame(payload []byte, marker bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.conn == nil {
		return fmt.Errorf("rtp sender: not started")
	}

	pkt := Packet{
		Marker:         marker,
		PayloadType:    s.payloadType,
		SequenceNumber: s.seq,
		Timestamp:      s.timestamp,
		SSRC:           s.ssrc,
		Payload:        payload,
	}
	data, err := pkt.Bytes()
	if err != nil {
		return err
	}

	if _, err := s.conn.WriteToUDP(data, s.dest); err != nil {
		return fmt.Errorf("rtp sender: write: %w", err)
	}

	s.seq++
	s.timestamp += samplesPerFrame
	return nil
}

// SSRC returns the sender's synchronization source id.
func (s *Sender) SSRC() uint32 {
	return s.ssrc
}

// Running reports whether the sender is usable.
func (s *Sender) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop releases the socket if the sender owns it. A shared socket is left
// for the receiver to close.
func (s *Sender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if s.ownsConn && s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	logger.Base().Info("RTP sender stopped", zap.Uint32("ssrc", s.ssrc))
}
