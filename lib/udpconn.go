package lib

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/apex/log"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	rp "github.com/Clouded-Sabre/ringpool/lib"

	"github.com/Clouded-Sabre/tcp-engine/logging"
	"github.com/Clouded-Sabre/tcp-engine/metrics"
)

type datagram struct {
	from  netip.AddrPort
	chunk *rp.Element
}

// UdpConnection is a datagram endpoint. With a remote endpoint set it only
// exchanges datagrams with that peer.
type UdpConnection struct {
	mu      sync.Mutex
	network NetworkLayer
	pool    *PayloadPool
	log     *log.Entry

	local, remote netip.AddrPort
	queue         []datagram
	queueLimit    int
	closed        bool
	err           error // latched ICMP error of a connected endpoint
	wake          chan struct{}
}

// NewUdpConnection creates an endpoint bound to local. queueLimit bounds the
// number of unread datagrams.
func NewUdpConnection(network NetworkLayer, pool *PayloadPool, local, remote netip.AddrPort, queueLimit int) *UdpConnection {
	return &UdpConnection{
		network:    network,
		pool:       pool,
		local:      local,
		remote:     remote,
		queueLimit: queueLimit,
		wake:       make(chan struct{}),
		log: logging.Logger.WithFields(log.Fields{
			"local":  local.String(),
			"remote": remote.String(),
			"proto":  "udp",
		}),
	}
}

func (u *UdpConnection) LocalAddr() netip.AddrPort {
	return u.local
}

func (u *UdpConnection) RemoteAddr() netip.AddrPort {
	return u.remote
}

// IsConnected reports whether the endpoint has a fixed peer and is open.
func (u *UdpConnection) IsConnected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.remote.IsValid() && !u.closed
}

func (u *UdpConnection) IsClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

// Send sends data to the connected peer.
func (u *UdpConnection) Send(data []byte) (int, error) {
	if !u.remote.IsValid() {
		return 0, ErrNotConnected
	}
	return u.SendTo(data, u.remote)
}

// SendTo sends one datagram to dst.
func (u *UdpConnection) SendTo(data []byte, dst netip.AddrPort) (int, error) {
	u.mu.Lock()
	closed, err := u.closed, u.err
	u.err = nil
	u.mu.Unlock()
	if closed {
		return 0, ErrConnectionClosed
	}
	if err != nil {
		return 0, err
	}
	if !dst.IsValid() || dst.Port() == 0 {
		return 0, ErrInvalidAddress
	}
	if len(data) > 0xffff-UdpHeaderLength {
		return 0, ErrMessageTooLong
	}

	src := u.local.Addr()
	if !src.IsValid() || src.IsUnspecified() {
		src = u.network.LocalAddr()
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(u.local.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	ip := &layers.IPv4{
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.Addr().AsSlice()),
		Protocol: layers.IPProtocolUDP,
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return 0, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, udp, gopacket.Payload(data)); err != nil {
		return 0, err
	}
	metrics.SegmentsSent.WithLabelValues("udp").Inc()
	if err := u.network.Send(dst.Addr(), buf.Bytes(), ProtocolUDP); err != nil {
		return 0, err
	}
	return len(data), nil
}

// PacketReceived queues a datagram sent by sender to receiver.
func (u *UdpConnection) PacketReceived(frame []byte, sender, receiver netip.Addr, protocol uint8) PacketResult {
	if protocol != ProtocolUDP {
		return PacketNotForMe
	}
	var udp layers.UDP
	if err := udp.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return PacketInvalid
	}
	from := netip.AddrPortFrom(sender, uint16(udp.SrcPort))

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed || uint16(udp.DstPort) != u.local.Port() {
		return PacketNotForMe
	}
	if la := u.local.Addr(); la.IsValid() && !la.IsUnspecified() && la != receiver {
		return PacketNotForMe
	}
	if u.remote.IsValid() && u.remote != from {
		return PacketNotForMe
	}
	if int(udp.Length) > len(frame) || int(udp.Length) < UdpHeaderLength {
		return PacketInvalid
	}
	frame = frame[:udp.Length]
	if udp.Checksum != 0 && !VerifyChecksum(frame, sender, receiver, ProtocolUDP) {
		return PacketInvalid
	}

	payload := frame[UdpHeaderLength:]
	if len(u.queue) >= u.queueLimit {
		u.log.Debug("receive queue full, dropping datagram")
		return PacketConsumed
	}
	chunk, err := u.pool.GetCopy(payload)
	if err != nil {
		u.log.WithError(err).Debug("dropping datagram")
		return PacketConsumed
	}
	u.queue = append(u.queue, datagram{from: from, chunk: chunk})
	u.signal()
	return PacketConsumed
}

// NotificationReceived latches ICMP errors for a connected endpoint. The
// next send or receive reports them.
func (u *UdpConnection) NotificationReceived(n Notification) bool {
	if n.Protocol != ProtocolUDP {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.remote.IsValid() || n.Destination != u.remote || n.Source.Port() != u.local.Port() {
		return false
	}
	if err := n.Type.err(); err != nil {
		u.err = err
		u.signal()
	}
	return true
}

// ReceiveFrom copies the next datagram into buffer, truncating it if buffer
// is too short, and reports its sender.
func (u *UdpConnection) ReceiveFrom(ctx context.Context, buffer []byte, flags MsgFlags) (int, netip.AddrPort, error) {
	if flags&^MsgDontWait != 0 {
		return 0, netip.AddrPort{}, ErrInvalidFlags
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	for len(u.queue) == 0 {
		if u.err != nil {
			err := u.err
			u.err = nil
			return 0, netip.AddrPort{}, err
		}
		if u.closed {
			return 0, netip.AddrPort{}, ErrConnectionClosed
		}
		if flags&MsgDontWait != 0 {
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		wake := u.wake
		u.mu.Unlock()
		select {
		case <-wake:
			u.mu.Lock()
		case <-ctx.Done():
			u.mu.Lock()
			return 0, netip.AddrPort{}, contextError(ctx.Err())
		}
	}

	d := u.queue[0]
	u.queue[0] = datagram{}
	u.queue = u.queue[1:]
	n := copy(buffer, chunkPayload(d.chunk).GetSlice())
	u.pool.Put(d.chunk)
	return n, d.from, nil
}

// Close drops queued datagrams and wakes blocked readers.
func (u *UdpConnection) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrConnectionClosed
	}
	u.closed = true
	for _, d := range u.queue {
		u.pool.Put(d.chunk)
	}
	u.queue = nil
	u.signal()
	return nil
}

func (u *UdpConnection) signal() {
	close(u.wake)
	u.wake = make(chan struct{})
}
