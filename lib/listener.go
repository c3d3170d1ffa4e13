package lib

import (
	"context"
	"net"
	"net/netip"
	"sync"
)

// Listener accepts TCP connections on a local endpoint. It keeps one
// connection in LISTEN in the core's table; when that connection takes a
// SYN it becomes a child and a fresh LISTEN connection replaces it.
type Listener struct {
	core  *TcpCore
	local netip.AddrPort
	limit int

	mu      sync.Mutex
	handle  Handle // connection currently in LISTEN, zero while not armed
	backlog []*Socket
	closed  bool
	wake    chan struct{}
}

var _ net.Listener = (*Listener)(nil)

func newListener(core *TcpCore, local netip.AddrPort, backlog int) *Listener {
	return &Listener{
		core:  core,
		local: local,
		limit: backlog,
		wake:  make(chan struct{}),
	}
}

// Accept implements net.Listener.
func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptContext(context.Background())
}

// AcceptContext waits for an established connection.
func (l *Listener) AcceptContext(ctx context.Context) (*Socket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.backlog) == 0 {
		if l.closed {
			return nil, ErrConnectionClosed
		}
		wake := l.wake
		l.mu.Unlock()
		select {
		case <-wake:
			l.mu.Lock()
		case <-ctx.Done():
			l.mu.Lock()
			return nil, contextError(ctx.Err())
		}
	}
	s := l.backlog[0]
	l.backlog[0] = nil
	l.backlog = l.backlog[1:]
	return s, nil
}

// push adds an established child. It reports false when the backlog is full.
func (l *Listener) push(s *Socket) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.backlog) >= l.limit {
		return false
	}
	l.backlog = append(l.backlog, s)
	l.signal()
	return true
}

func (l *Listener) signal() {
	close(l.wake)
	l.wake = make(chan struct{})
}

// Close stops accepting. Connections not yet accepted are reset.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrConnectionClosed
	}
	l.closed = true
	backlog := l.backlog
	l.backlog = nil
	l.signal()
	l.mu.Unlock()

	for _, s := range backlog {
		s.tcp.Abort()
	}
	l.core.closeListener(l)
	return nil
}

// Addr implements net.Listener.
func (l *Listener) Addr() net.Addr {
	return net.TCPAddrFromAddrPort(l.local)
}

// AddrPort returns the local endpoint.
func (l *Listener) AddrPort() netip.AddrPort {
	return l.local
}
