package lib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/apex/log"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/Clouded-Sabre/tcp-engine/filter"
	"github.com/Clouded-Sabre/tcp-engine/logging"
)

// RawConfig configures a RawNetwork.
type RawConfig struct {
	LocalAddr      netip.Addr // address to bind, picked from Target when invalid
	Target         netip.Addr // peer used to pick LocalAddr
	ReadBufferSize int
	FilterComment  string // tags the RST filter rules
	DisableFilter  bool
}

func DefaultRawConfig() *RawConfig {
	return &RawConfig{
		ReadBufferSize: 65535,
		FilterComment:  "tcp-engine",
	}
}

// RawNetwork carries frames over raw IPv4 sockets. The kernel builds the IP
// header. It needs CAP_NET_RAW.
type RawNetwork struct {
	local   netip.Addr
	tcp     net.PacketConn
	udp     net.PacketConn
	icmp    *icmp.PacketConn
	filter  filter.PacketFilterer
	bufSize int

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

var (
	_ NetworkLayer  = (*RawNetwork)(nil)
	_ RSTSuppressor = (*RawNetwork)(nil)
)

// NewRawNetwork opens the raw sockets for TCP, UDP and ICMP on one local
// address.
func NewRawNetwork(cfg *RawConfig) (*RawNetwork, error) {
	if cfg == nil {
		cfg = DefaultRawConfig()
	}
	local := cfg.LocalAddr
	if !local.IsValid() {
		var err error
		if local, err = findLocalAddr(cfg.Target); err != nil {
			return nil, err
		}
	}
	if !local.Is4() {
		return nil, fmt.Errorf("%w: %s is not an IPv4 address", ErrInvalidAddress, local)
	}

	r := &RawNetwork{
		local:   local,
		bufSize: cfg.ReadBufferSize,
		done:    make(chan struct{}),
		filter:  filter.NoOp{},
	}
	if r.bufSize <= 0 {
		r.bufSize = 65535
	}
	var err error
	if r.tcp, err = net.ListenPacket("ip4:tcp", local.String()); err != nil {
		return nil, fmt.Errorf("opening raw TCP socket: %w", err)
	}
	if r.udp, err = net.ListenPacket("ip4:udp", local.String()); err != nil {
		r.tcp.Close()
		return nil, fmt.Errorf("opening raw UDP socket: %w", err)
	}
	if r.icmp, err = icmp.ListenPacket("ip4:icmp", local.String()); err != nil {
		r.tcp.Close()
		r.udp.Close()
		return nil, fmt.Errorf("opening ICMP socket: %w", err)
	}
	if !cfg.DisableFilter {
		r.filter = filter.New(cfg.FilterComment)
	}
	logging.Logger.WithField("local", local.String()).Info("raw network layer opened")
	return r, nil
}

func (r *RawNetwork) LocalAddr() netip.Addr {
	return r.local
}

func (r *RawNetwork) Send(dst netip.Addr, payload []byte, protocol uint8) error {
	var conn net.PacketConn
	switch protocol {
	case ProtocolTCP:
		conn = r.tcp
	case ProtocolUDP:
		conn = r.udp
	default:
		return fmt.Errorf("unsupported protocol %d", protocol)
	}
	_, err := conn.WriteTo(payload, &net.IPAddr{IP: net.IP(dst.AsSlice())})
	return err
}

// Start spawns one reader per socket.
func (r *RawNetwork) Start(sink PacketSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("raw network layer already started")
	}
	r.started = true
	r.wg.Add(3)
	go r.readLoop(r.tcp, ProtocolTCP, sink)
	go r.readLoop(r.udp, ProtocolUDP, sink)
	go r.icmpLoop(sink)
	return nil
}

func (r *RawNetwork) closing() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// readLoop reads transport frames. The kernel strips the IP header and only
// hands over datagrams addressed to the bound address.
func (r *RawNetwork) readLoop(conn net.PacketConn, protocol uint8, sink PacketSink) {
	defer r.wg.Done()
	buf := make([]byte, r.bufSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if r.closing() || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Logger.WithError(err).Warn("raw socket read failed")
			continue
		}
		ipAddr, ok := from.(*net.IPAddr)
		if !ok {
			continue
		}
		src, ok := netip.AddrFromSlice(ipAddr.IP.To4())
		if !ok {
			continue
		}
		sink.Deliver(InboundPacket{
			Source:      src,
			Destination: r.local,
			Protocol:    protocol,
			Data:        buf[:n],
		})
	}
}

func (r *RawNetwork) icmpLoop(sink PacketSink) {
	defer r.wg.Done()
	buf := make([]byte, r.bufSize)
	for {
		n, _, err := r.icmp.ReadFrom(buf)
		if err != nil {
			if r.closing() || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Logger.WithError(err).Warn("ICMP read failed")
			continue
		}
		note, ok := parseICMP(buf[:n])
		if !ok || note.Source.Addr() != r.local {
			continue
		}
		sink.Notify(note)
	}
}

// parseICMP turns a destination unreachable or time exceeded message into a
// Notification about the datagram it quotes.
func parseICMP(b []byte) (Notification, bool) {
	msg, err := icmp.ParseMessage(int(ProtocolICMP), b)
	if err != nil {
		return Notification{}, false
	}
	var typ NotificationType
	var quoted []byte
	switch msg.Type {
	case ipv4.ICMPTypeDestinationUnreachable:
		body, ok := msg.Body.(*icmp.DstUnreach)
		if !ok {
			return Notification{}, false
		}
		quoted = body.Data
		switch msg.Code {
		case 0:
			typ = NotificationNetUnreachable
		case 1:
			typ = NotificationHostUnreachable
		case 2:
			typ = NotificationProtocolUnreachable
		case 3:
			typ = NotificationPortUnreachable
		case 4:
			typ = NotificationFragmentationNeeded
		case 5:
			typ = NotificationSourceRouteFailed
		default:
			typ = NotificationUnreachable
		}
	case ipv4.ICMPTypeTimeExceeded:
		body, ok := msg.Body.(*icmp.TimeExceeded)
		if !ok {
			return Notification{}, false
		}
		quoted = body.Data
		typ = NotificationTimeExceeded
	default:
		return Notification{}, false
	}

	var ip layers.IPv4
	if err := ip.DecodeFromBytes(quoted, gopacket.NilDecodeFeedback); err != nil {
		return Notification{}, false
	}
	transport := quoted[int(ip.IHL)*4:]
	if len(transport) < 4 {
		return Notification{}, false
	}
	src, ok1 := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, ok2 := netip.AddrFromSlice(ip.DstIP.To4())
	if !ok1 || !ok2 {
		return Notification{}, false
	}
	return Notification{
		Type:        typ,
		Protocol:    uint8(ip.Protocol),
		Source:      netip.AddrPortFrom(src, binary.BigEndian.Uint16(transport[0:2])),
		Destination: netip.AddrPortFrom(dst, binary.BigEndian.Uint16(transport[2:4])),
	}, true
}

// SuppressRST installs a rule dropping the kernel's RSTs for a connection we
// dial (remote valid) or a port we listen on (remote invalid).
func (r *RawNetwork) SuppressRST(local, remote netip.AddrPort) error {
	ep, dir := r.ruleFor(local, remote)
	logging.Logger.WithFields(log.Fields{"endpoint": ep.String(), "direction": dir.String()}).Debug("suppressing kernel RSTs")
	return r.filter.AddRule(ep, dir)
}

func (r *RawNetwork) ReleaseRST(local, remote netip.AddrPort) error {
	ep, dir := r.ruleFor(local, remote)
	return r.filter.RemoveRule(ep, dir)
}

func (r *RawNetwork) ruleFor(local, remote netip.AddrPort) (netip.AddrPort, filter.Direction) {
	if remote.IsValid() {
		return remote, filter.Client
	}
	if !local.Addr().IsValid() || local.Addr().IsUnspecified() {
		local = netip.AddrPortFrom(r.local, local.Port())
	}
	return local, filter.Server
}

// Close stops the readers and removes the filter rules.
func (r *RawNetwork) Close() error {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return nil
	default:
	}
	close(r.done)
	r.mu.Unlock()

	errs := []error{r.tcp.Close(), r.udp.Close(), r.icmp.Close()}
	r.wg.Wait()
	errs = append(errs, r.filter.Flush())
	return errors.Join(errs...)
}

// findLocalAddr picks a local IPv4 address in the same /24 as target, or
// the first non-loopback one.
func findLocalAddr(target netip.Addr) (netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("listing interfaces: %w", err)
	}
	var fallback netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipNet.IP.To4())
			if !ok {
				continue
			}
			if !fallback.IsValid() {
				fallback = ip
			}
			if target.IsValid() {
				if p, err := ip.Prefix(24); err == nil && p.Contains(target) {
					return ip, nil
				}
			}
		}
	}
	if fallback.IsValid() {
		return fallback, nil
	}
	return netip.Addr{}, fmt.Errorf("no local IPv4 address found for %s", target)
}
