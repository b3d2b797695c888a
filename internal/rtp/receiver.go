package rtp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ClareAI/agent-bridge/pkg/logger"
	"go.uber.org/zap"
)

// readBufferSize fits any RTP packet on a standard-MTU path.
const readBufferSize = 1500

// DatagramHandler is invoked once per received datagram. The data slice is
// only valid for the duration of the call.
type DatagramHandler func(data []byte, src *net.UDPAddr)

// Receiver binds a UDP port and delivers datagrams to a handler. It is the
// socket Janus sends plain RTP to; its bound port must match the port
// advertised in the AudioBridge join request.
type Receiver struct {
	host    string
	port    int
	handler DatagramHandler

	conn    *net.UDPConn
	running atomic.Bool
	wg      sync.WaitGroup

	// Datagrams from this source port are dropped before parsing so the
	// mixed audio Janus echoes back cannot re-enter as user speech.
	ignoreSourcePort atomic.Int32
}

// NewReceiver creates a receiver for host:port. The handler may be nil,
// in which case datagrams are drained and discarded.
func NewReceiver(host string, port int, handler DatagramHandler) *Receiver {
	return &Receiver{
		host:    host,
		port:    port,
		handler: handler,
	}
}

// Start binds the socket and launches the read loop.
func (r *Receiver) Start() error {
	addr := &net.UDPAddr{IP: net.ParseIP(r.host), Port: r.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("rtp receiver: bind %s:%d: %w", r.host, r.port, err)
	}
	r.conn = conn
	r.running.Store(true)

	r.wg.Add(1)
	go r.readLoop()

	logger.Base().Info("RTP receiver started",
		zap.String("host", r.host),
		zap.Int("port", r.port))
	return nil
}

func (r *Receiver) readLoop() {
	defer r.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if !r.running.Load() {
				return
			}
			logger.Base().Warn("RTP receiver read error", zap.Error(err))
			continue
		}

		if ignore := r.ignoreSourcePort.Load(); ignore != 0 && src.Port == int(ignore) {
			continue
		}

		if r.handler != nil {
			r.handler(buf[:n], src)
		}
	}
}

// SetIgnoreSourcePort installs the echo filter. Zero disables it.
func (r *Receiver) SetIgnoreSourcePort(port int) {
	r.ignoreSourcePort.Store(int32(port))
}

// Conn exposes the bound socket so a Sender can share it.
func (r *Receiver) Conn() *net.UDPConn {
	return r.conn
}

// LocalPort returns the actually-bound port (useful when port 0 was requested).
func (r *Receiver) LocalPort() int {
	if r.conn == nil {
		return r.port
	}
	if addr, ok := r.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return r.port
}

// Running reports whether the read loop is active.
func (r *Receiver) Running() bool {
	return r.running.Load()
}

// Stop closes the socket and waits for the read loop to exit.
func (r *Receiver) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.wg.Wait()
	logger.Base().Info("RTP receiver stopped", zap.Int("port", r.port))
}
