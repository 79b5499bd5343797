// Package transport wraps UDP packet I/O with pooled frame buffers: one
// transport worker per listening socket, matching spec §5's "no
// cooperative yield inside the pipeline" by running all per-packet work on
// the goroutine that read the packet (spec SPEC_FULL.md §4.7).
package transport

import (
	"net"
	"time"

	"github.com/facebookgo/stackerr"

	"pegasuskv/log"
	"pegasuskv/recycle"
	"pegasuskv/wire"
)

// MaxFrameSize bounds a single Pegasus frame: header plus the largest key.
const MaxFrameSize = wire.HeaderSize + wire.MaxKeyLen

// Socket is a UDP endpoint leasing its receive buffers from a shared pool,
// so repeated reads don't allocate on the hot path. Writes send the
// caller's own buffer and lease nothing.
type Socket struct {
	conn *net.UDPConn
	pool *recycle.Pool
	log  log.Logger
}

// Listen opens addr for UDP I/O. An empty addr lets the OS pick an
// ephemeral port (used by the LB's server-facing socket, which also carries
// the migration controller's MGR_REQs).
func Listen(l log.Logger, pool *recycle.Pool, addr string) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return &Socket{conn: conn, pool: pool, log: l}, nil
}

// LocalAddr returns the socket's bound address, useful when Listen was
// called with an ephemeral port.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close releases the underlying UDP socket.
func (s *Socket) Close() error { return s.conn.Close() }

// Frame is a leased receive buffer together with the sender it arrived
// from. Callers must call Release when done with Data.
type Frame struct {
	Data []byte
	From net.Addr
	buf  []byte
	pool *recycle.Pool
}

// Release returns the frame's backing buffer to the pool.
func (f *Frame) Release() {
	if f.pool != nil {
		f.pool.Release(f.buf)
		f.pool = nil
	}
}

// ReadFrame blocks for the next datagram, leasing a MaxFrameSize buffer
// from the pool to receive it.
func (s *Socket) ReadFrame() (*Frame, error) {
	buf := s.pool.Lease(MaxFrameSize)
	n, from, err := s.conn.ReadFrom(buf)
	if err != nil {
		s.pool.Release(buf)
		return nil, stackerr.Wrap(err)
	}
	return &Frame{Data: buf[:n], From: from, buf: buf, pool: s.pool}, nil
}

// WriteFrameTo sends data to dst. The transport does not retain data after
// this call returns, so callers may reuse or release it immediately.
func (s *Socket) WriteFrameTo(data []byte, dst net.Addr) error {
	udpDst, ok := dst.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", dst.String())
		if err != nil {
			return stackerr.Wrap(err)
		}
		udpDst = resolved
	}
	_, err := s.conn.WriteToUDP(data, udpDst)
	return stackerr.Wrap(err)
}

// WriteFrame sends data to the socket's connected peer (used by clients,
// which Dial rather than Listen).
func (s *Socket) WriteFrame(data []byte) error {
	_, err := s.conn.Write(data)
	return stackerr.Wrap(err)
}

// SetReadDeadline proxies to the underlying connection, used by the client
// harness and controller to bound a blocking read (spec §4.5 MGR_TIMEOUT
// has a server-kernel analog on the client side for RESET_REPLY waits).
func (s *Socket) SetReadDeadline(t time.Time) error {
	return stackerr.Wrap(s.conn.SetReadDeadline(t))
}

// Dial opens a UDP "connection" to addr, for the client harness and the
// controller, which only ever talk to one peer.
func Dial(l log.Logger, pool *recycle.Pool, addr string) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return &Socket{conn: conn, pool: pool, log: l}, nil
}
