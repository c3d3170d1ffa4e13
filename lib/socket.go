package lib

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"
)

// SocketType tags the variant held by a Socket.
type SocketType uint8

const (
	SocketTCP SocketType = iota + 1
	SocketUDP
)

func (t SocketType) String() string {
	switch t {
	case SocketTCP:
		return "tcp"
	case SocketUDP:
		return "udp"
	}
	return "unknown"
}

// Socket is the user handle of a TCP connection or a UDP endpoint. It
// implements net.Conn.
type Socket struct {
	kind SocketType
	tcp  *TcpConnection
	udp  *UdpConnection
	core *TcpCore

	mu            sync.Mutex
	handle        Handle
	readDeadline  time.Time
	writeDeadline time.Time
	closed        bool
}

var _ net.Conn = (*Socket)(nil)

func newTcpSocket(core *TcpCore, conn *TcpConnection) *Socket {
	return &Socket{kind: SocketTCP, tcp: conn, core: core}
}

func newUdpSocket(core *TcpCore, conn *UdpConnection) *Socket {
	return &Socket{kind: SocketUDP, udp: conn, core: core}
}

func (s *Socket) Type() SocketType {
	return s.kind
}

// TCP returns the connection of a SocketTCP, nil otherwise.
func (s *Socket) TCP() *TcpConnection {
	return s.tcp
}

// UDP returns the endpoint of a SocketUDP, nil otherwise.
func (s *Socket) UDP() *UdpConnection {
	return s.udp
}

func (s *Socket) setHandle(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
}

func (s *Socket) getHandle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Socket) deadlineContext(write bool) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	deadline := s.readDeadline
	if write {
		deadline = s.writeDeadline
	}
	s.mu.Unlock()
	if deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}

// Read implements net.Conn.
func (s *Socket) Read(b []byte) (int, error) {
	ctx, cancel := s.deadlineContext(false)
	defer cancel()
	n, _, err := s.ReceiveFromContext(ctx, b, 0)
	return n, err
}

// Write implements net.Conn.
func (s *Socket) Write(b []byte) (int, error) {
	ctx, cancel := s.deadlineContext(true)
	defer cancel()
	switch s.kind {
	case SocketTCP:
		return s.tcp.SendContext(ctx, b, 0)
	case SocketUDP:
		return s.udp.Send(b)
	}
	return 0, ErrWrongSocketType
}

// SendTo sends b to dst. TCP sockets ignore dst and send to their peer.
func (s *Socket) SendTo(b []byte, dst netip.AddrPort) (int, error) {
	switch s.kind {
	case SocketTCP:
		return s.Write(b)
	case SocketUDP:
		return s.udp.SendTo(b, dst)
	}
	return 0, ErrWrongSocketType
}

// ReceiveFrom reads like Read and also reports the sender.
func (s *Socket) ReceiveFrom(b []byte) (int, netip.AddrPort, error) {
	ctx, cancel := s.deadlineContext(false)
	defer cancel()
	return s.ReceiveFromContext(ctx, b, 0)
}

// ReceiveFromContext is ReceiveFrom with the wait bounded by ctx.
func (s *Socket) ReceiveFromContext(ctx context.Context, b []byte, flags MsgFlags) (int, netip.AddrPort, error) {
	switch s.kind {
	case SocketTCP:
		n, err := s.tcp.ReceiveContext(ctx, b, flags)
		if err != nil {
			return n, netip.AddrPort{}, err
		}
		return n, s.tcp.RemoteAddr(), nil
	case SocketUDP:
		return s.udp.ReceiveFrom(ctx, b, flags)
	}
	return 0, netip.AddrPort{}, ErrWrongSocketType
}

// Close starts the release of a TCP connection or closes a UDP endpoint.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrConnectionClosed
	}
	s.closed = true
	s.mu.Unlock()

	switch s.kind {
	case SocketTCP:
		err := s.tcp.Close()
		if errors.Is(err, ErrConnectionClosed) {
			err = nil
		}
		// a terminated connection may already be reaped
		s.tcp.release()
		return err
	case SocketUDP:
		err := s.udp.Close()
		if s.core != nil {
			s.core.removeSocket(s.getHandle())
		}
		return err
	}
	return ErrWrongSocketType
}

// IsConnected reports whether the socket can exchange data with its peer.
func (s *Socket) IsConnected() bool {
	if s.kind == SocketTCP {
		return s.tcp.IsConnected()
	}
	return s.udp.IsConnected()
}

// IsTerminated reports whether the socket reached its final state.
func (s *Socket) IsTerminated() bool {
	if s.kind == SocketTCP {
		return s.tcp.IsTerminated()
	}
	return s.udp.IsClosed()
}

func (s *Socket) localAddrPort() netip.AddrPort {
	if s.kind == SocketTCP {
		return s.tcp.LocalAddr()
	}
	return s.udp.LocalAddr()
}

func (s *Socket) remoteAddrPort() netip.AddrPort {
	if s.kind == SocketTCP {
		return s.tcp.RemoteAddr()
	}
	return s.udp.RemoteAddr()
}

// LocalAddr implements net.Conn.
func (s *Socket) LocalAddr() net.Addr {
	return s.netAddr(s.localAddrPort())
}

// RemoteAddr implements net.Conn.
func (s *Socket) RemoteAddr() net.Addr {
	return s.netAddr(s.remoteAddrPort())
}

func (s *Socket) netAddr(ap netip.AddrPort) net.Addr {
	if s.kind == SocketUDP {
		return net.UDPAddrFromAddrPort(ap)
	}
	return net.TCPAddrFromAddrPort(ap)
}

// SetDeadline implements net.Conn.
func (s *Socket) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDeadline = t
	s.writeDeadline = t
	return nil
}

// SetReadDeadline sets the deadline for future Read calls. A zero value
// disables it.
func (s *Socket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDeadline = t
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls. A write that
// times out may have queued part of the data.
func (s *Socket) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDeadline = t
	return nil
}
