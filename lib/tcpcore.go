package lib

import (
	"context"
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/Clouded-Sabre/tcp-engine/logging"
	"github.com/Clouded-Sabre/tcp-engine/metrics"
)

// CoreConfig holds the tunables of a TcpCore.
type CoreConfig struct {
	PayloadPoolSize      int           `yaml:"payload_pool_size"`      // number of payload chunks in the pool
	PreferredMSS         int           `yaml:"preferred_mss"`          // chunk size, and the largest MSS we announce
	Debug                bool          `yaml:"debug"`                  // trace every segment
	PoolDebug            bool          `yaml:"pool_debug"`             // ring pool debug output
	ProcessTimeThreshold time.Duration `yaml:"process_time_threshold"` // ring pool slow-chunk warning
	EphemeralPortLower   uint16        `yaml:"ephemeral_port_lower"`
	EphemeralPortUpper   uint16        `yaml:"ephemeral_port_upper"`
	MaxConnections       int           `yaml:"max_connections"` // SYNs beyond this are reset
	ListenBacklog        int           `yaml:"listen_backlog"`
	ProcessInterval      time.Duration `yaml:"process_interval"` // period of the deferred-work sweep
	InboundQueueSize     int           `yaml:"inbound_queue_size"`
	UdpQueueSize         int           `yaml:"udp_queue_size"` // unread datagrams per UDP socket
}

func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		PayloadPoolSize:      4096,
		PreferredMSS:         1460,
		Debug:                false,
		PoolDebug:            false,
		ProcessTimeThreshold: 10 * time.Millisecond,
		EphemeralPortLower:   60000,
		EphemeralPortUpper:   60999,
		MaxConnections:       1000,
		ListenBacklog:        128,
		ProcessInterval:      50 * time.Millisecond,
		InboundQueueSize:     1024,
		UdpQueueSize:         256,
	}
}

// TcpCore owns the connections on one network layer. A single goroutine
// feeds them inbound segments, ICMP notifications and timer events.
type TcpCore struct {
	config     *CoreConfig
	connConfig *ConnectionConfig
	network    NetworkLayer
	pool       *PayloadPool
	table      *ConnTable // TCP connections, listening ones included
	udpTable   *ConnTable
	ports      *PortPool

	inbound       chan InboundPacket
	notifications chan Notification
	timerEvents   chan TimerEvent
	closeSignal   chan struct{} // closed when the core shuts down
	wg            sync.WaitGroup

	mu          sync.Mutex
	listeners   map[*Listener]struct{}
	listenConns map[Handle]*Listener // connection in LISTEN -> its listener
	pending     map[Handle]*Listener // promoted child not yet established
	ephemeral   map[Handle]uint16    // TCP handle -> allocated local port
	udpPorts    map[Handle]uint16
	closed      bool
}

// NewTcpCore creates the core and starts its event loop on network.
func NewTcpCore(cfg *CoreConfig, connCfg *ConnectionConfig, network NetworkLayer) (*TcpCore, error) {
	if cfg == nil {
		cfg = DefaultCoreConfig()
	}
	if connCfg == nil {
		connCfg = DefaultConnectionConfig()
	}
	if cfg.Debug {
		// segment traces are logged at Debug
		logging.SetDebug(true)
	}
	c := &TcpCore{
		config:        cfg,
		connConfig:    connCfg,
		network:       network,
		pool:          NewPayloadPool("tcp-engine", cfg.PayloadPoolSize, cfg.PreferredMSS, cfg.PoolDebug, cfg.ProcessTimeThreshold),
		table:         NewConnTable(0),
		udpTable:      NewConnTable(cfg.MaxConnections),
		ports:         newPortPool(cfg.EphemeralPortLower, cfg.EphemeralPortUpper),
		inbound:       make(chan InboundPacket, cfg.InboundQueueSize),
		notifications: make(chan Notification, cfg.InboundQueueSize),
		timerEvents:   make(chan TimerEvent, cfg.InboundQueueSize),
		closeSignal:   make(chan struct{}),
		listeners:     make(map[*Listener]struct{}),
		listenConns:   make(map[Handle]*Listener),
		pending:       make(map[Handle]*Listener),
		ephemeral:     make(map[Handle]uint16),
		udpPorts:      make(map[Handle]uint16),
	}

	c.wg.Add(1)
	go c.run()

	if err := network.Start(c); err != nil {
		close(c.closeSignal)
		c.wg.Wait()
		return nil, err
	}
	logging.Logger.WithFields(log.Fields{
		"local": network.LocalAddr().String(),
		"mss":   cfg.PreferredMSS,
	}).Info("tcp core started")
	return c, nil
}

// Deliver implements PacketSink. Frames are dropped when the core lags.
func (c *TcpCore) Deliver(pkt InboundPacket) {
	pkt.Data = append([]byte(nil), pkt.Data...)
	select {
	case c.inbound <- pkt:
	default:
		metrics.SegmentsReceived.WithLabelValues("dropped").Inc()
	}
}

// Notify implements PacketSink.
func (c *TcpCore) Notify(n Notification) {
	select {
	case c.notifications <- n:
	default:
	}
}

func (c *TcpCore) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.ProcessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeSignal:
			return
		case pkt := <-c.inbound:
			c.demux(pkt)
		case n := <-c.notifications:
			c.notify(n)
		case ev := <-c.timerEvents:
			c.handleTimer(ev)
		case <-ticker.C:
			c.processAll()
			c.reap()
			c.rearmListeners()
		}
	}
}

// demux hands a frame to its socket: a connected one first, then one bound
// to the local endpoint. Unmatched TCP segments are rejected with a RST.
func (c *TcpCore) demux(pkt InboundPacket) {
	switch pkt.Protocol {
	case ProtocolTCP:
		c.demuxTCP(pkt)
	case ProtocolUDP:
		c.demuxUDP(pkt)
	}
}

func (c *TcpCore) demuxTCP(pkt InboundPacket) {
	if len(pkt.Data) < TcpHeaderLength {
		metrics.SegmentsReceived.WithLabelValues(PacketInvalid.String()).Inc()
		return
	}
	tuple := FourTuple{
		Local:  netip.AddrPortFrom(pkt.Destination, binary.BigEndian.Uint16(pkt.Data[2:4])),
		Remote: netip.AddrPortFrom(pkt.Source, binary.BigEndian.Uint16(pkt.Data[0:2])),
	}

	if h, s := c.table.Lookup(tuple); s != nil {
		res := s.tcp.PacketReceived(pkt.Data, pkt.Source, pkt.Destination, ProtocolTCP)
		metrics.SegmentsReceived.WithLabelValues(res.String()).Inc()
		if res == PacketNotForMe {
			c.reject(pkt)
		}
		c.settle(h)
		return
	}

	h, s := c.table.LookupBound(tuple.Local)
	if s == nil {
		metrics.SegmentsReceived.WithLabelValues(PacketNotForMe.String()).Inc()
		c.reject(pkt)
		return
	}
	if pkt.Data[13]&SYNFlag != 0 && c.tcpConnections() >= c.config.MaxConnections {
		logging.Logger.WithField("remote", tuple.Remote.String()).Warn("connection limit reached, refusing SYN")
		c.reject(pkt)
		return
	}
	res := s.tcp.PacketReceived(pkt.Data, pkt.Source, pkt.Destination, ProtocolTCP)
	metrics.SegmentsReceived.WithLabelValues(res.String()).Inc()
	if res == PacketNotForMe {
		c.reject(pkt)
		return
	}
	if s.tcp.State() != StateListen {
		c.promote(h, s)
	}
}

// promote turns the LISTEN connection at h, which just took a SYN, into a
// child indexed by its 4-tuple and arms a fresh LISTEN connection.
func (c *TcpCore) promote(h Handle, s *Socket) {
	c.mu.Lock()
	l, ok := c.listenConns[h]
	if ok {
		delete(c.listenConns, h)
		c.pending[h] = l
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	tuple := FourTuple{Local: s.tcp.LocalAddr(), Remote: s.tcp.RemoteAddr()}
	if err := c.table.Rebind(h, tuple); err != nil {
		logging.Logger.WithError(err).WithField("tuple", tuple.String()).Warn("cannot index accepted connection")
		s.tcp.Abort()
	}
	l.mu.Lock()
	if l.handle == h {
		l.handle = Handle{}
	}
	l.mu.Unlock()
	if err := c.armListener(l); err != nil {
		logging.Logger.WithError(err).WithField("local", l.local.String()).Warn("cannot re-arm listener")
	}
	c.settle(h)
}

// settle moves a pending child to its listener's backlog once established,
// or drops it when its handshake failed.
func (c *TcpCore) settle(h Handle) {
	c.mu.Lock()
	l, ok := c.pending[h]
	c.mu.Unlock()
	if !ok {
		return
	}
	s := c.table.Get(h)
	if s == nil {
		c.mu.Lock()
		delete(c.pending, h)
		c.mu.Unlock()
		return
	}

	switch s.tcp.State() {
	case StateSynReceived:
		return
	case StateListen, StateClosed:
		s.tcp.Abort()
		c.remove(h)
	default:
		if !l.push(s) {
			logging.Logger.WithField("local", l.local.String()).Warn("listen backlog full, resetting connection")
			s.tcp.Abort()
		}
	}
	c.mu.Lock()
	delete(c.pending, h)
	c.mu.Unlock()
}

// reject answers a segment no connection wants.
func (c *TcpCore) reject(pkt InboundPacket) {
	var seg Segment
	if err := seg.Unmarshal(pkt.Data); err != nil {
		return
	}
	if !VerifyChecksum(pkt.Data, pkt.Source, pkt.Destination, ProtocolTCP) {
		return
	}
	if seg.Flags&RSTFlag != 0 {
		return
	}
	// on a host shared with a kernel stack, other ports belong to the kernel
	if _, shared := c.network.(RSTSuppressor); shared && !c.ports.owns(seg.DestinationPort) {
		return
	}
	if c.config.Debug {
		logging.Logger.WithFields(log.Fields{
			"seg":  seg.String(),
			"from": pkt.Source.String(),
		}).Debug("rejecting segment")
	}
	metrics.ResetsSent.WithLabelValues("rejector").Inc()
	metrics.SegmentsSent.WithLabelValues("rst").Inc()
	if err := SendReset(c.network, &seg, pkt.Destination, pkt.Source); err != nil {
		logging.Logger.WithError(err).Debug("sending reset failed")
	}
}

func (c *TcpCore) demuxUDP(pkt InboundPacket) {
	if len(pkt.Data) < UdpHeaderLength {
		metrics.SegmentsReceived.WithLabelValues(PacketInvalid.String()).Inc()
		return
	}
	tuple := FourTuple{
		Local:  netip.AddrPortFrom(pkt.Destination, binary.BigEndian.Uint16(pkt.Data[2:4])),
		Remote: netip.AddrPortFrom(pkt.Source, binary.BigEndian.Uint16(pkt.Data[0:2])),
	}
	_, s := c.udpTable.Lookup(tuple)
	if s == nil {
		_, s = c.udpTable.LookupBound(tuple.Local)
	}
	res := PacketNotForMe
	if s != nil {
		res = s.udp.PacketReceived(pkt.Data, pkt.Source, pkt.Destination, ProtocolUDP)
	}
	metrics.SegmentsReceived.WithLabelValues(res.String()).Inc()
}

// notify dispatches an ICMP error to the socket that sent the quoted
// datagram.
func (c *TcpCore) notify(n Notification) {
	metrics.Notifications.WithLabelValues(n.Type.String()).Inc()
	tuple := FourTuple{Local: n.Source, Remote: n.Destination}
	switch n.Protocol {
	case ProtocolTCP:
		h, s := c.table.Lookup(tuple)
		if s == nil {
			return
		}
		if s.tcp.NotificationReceived(n) {
			c.settle(h)
		}
	case ProtocolUDP:
		if _, s := c.udpTable.Lookup(tuple); s != nil {
			s.udp.NotificationReceived(n)
		}
	}
}

func (c *TcpCore) handleTimer(ev TimerEvent) {
	s := c.table.Get(ev.Handle)
	if s == nil {
		return
	}
	s.tcp.HandleTimer(ev)
	c.settle(ev.Handle)
}

func (c *TcpCore) processAll() {
	for _, h := range c.table.Handles() {
		if s := c.table.Get(h); s != nil {
			s.tcp.Process()
		}
	}
}

// reap removes connections that reached CLOSED. Buffers of connections the
// user still holds are released by Socket.Close.
func (c *TcpCore) reap() {
	for _, h := range c.table.Handles() {
		s := c.table.Get(h)
		if s == nil || !s.tcp.IsTerminated() {
			continue
		}
		c.mu.Lock()
		_, isPending := c.pending[h]
		c.mu.Unlock()
		if isPending {
			c.settle(h)
			continue
		}
		c.remove(h)
	}
}

// remove drops the connection at h from the table and frees its port.
func (c *TcpCore) remove(h Handle) {
	s := c.table.Remove(h)
	if s == nil {
		return
	}
	c.mu.Lock()
	port, dialed := c.ephemeral[h]
	delete(c.ephemeral, h)
	delete(c.listenConns, h)
	c.mu.Unlock()

	if dialed {
		if err := c.ports.returnPort(port); err != nil {
			logging.Logger.WithError(err).Warn("cannot return port")
		}
		if rs, ok := c.network.(RSTSuppressor); ok {
			if err := rs.ReleaseRST(s.tcp.LocalAddr(), s.tcp.RemoteAddr()); err != nil {
				logging.Logger.WithError(err).Debug("cannot release RST suppression")
			}
		}
	}
	if s.tcp.closedByUser() {
		s.tcp.release()
	}
	metrics.ActiveConnections.WithLabelValues(SocketTCP.String()).Set(float64(c.tcpConnections()))
}

// tcpConnections counts TCP connections, not counting those in LISTEN.
func (c *TcpCore) tcpConnections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Len() - len(c.listenConns)
}

func (c *TcpCore) newConnection(local, remote netip.AddrPort) *TcpConnection {
	return NewTcpConnection(ConnectionParams{
		Config:  c.connConfig,
		Network: c.network,
		Pool:    c.pool,
		Events:  c.timerEvents,
		Done:    c.closeSignal,
		Local:   local,
		Remote:  remote,
		Debug:   c.config.Debug,
	})
}

func (c *TcpCore) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dial opens a connection to remote from an ephemeral port and waits for the
// handshake.
func (c *TcpCore) Dial(ctx context.Context, remote netip.AddrPort) (*Socket, error) {
	if !remote.IsValid() || remote.Port() == 0 {
		return nil, ErrInvalidAddress
	}
	if c.isClosed() {
		return nil, ErrCoreClosed
	}
	if c.tcpConnections() >= c.config.MaxConnections {
		return nil, ErrTableFull
	}
	port, err := c.ports.allocatePort()
	if err != nil {
		return nil, err
	}
	local := netip.AddrPortFrom(c.network.LocalAddr(), port)
	conn := c.newConnection(local, remote)
	s := newTcpSocket(c, conn)
	h, err := c.table.Insert(s, FourTuple{Local: local, Remote: remote})
	if err != nil {
		c.ports.returnPort(port)
		return nil, err
	}
	conn.attach(h)
	s.setHandle(h)
	c.mu.Lock()
	c.ephemeral[h] = port
	c.mu.Unlock()
	metrics.ActiveConnections.WithLabelValues(SocketTCP.String()).Set(float64(c.tcpConnections()))

	if rs, ok := c.network.(RSTSuppressor); ok {
		if err := rs.SuppressRST(local, remote); err != nil {
			logging.Logger.WithError(err).Warn("cannot suppress kernel RSTs")
		}
	}
	if err := conn.Connect(); err != nil {
		conn.Abort()
		c.remove(h)
		return nil, err
	}
	if err := conn.WaitConnected(ctx); err != nil {
		conn.Abort()
		return nil, err
	}
	return s, nil
}

// Listen accepts connections on local. An unspecified address accepts on
// every address of the network layer.
func (c *TcpCore) Listen(local netip.AddrPort) (*Listener, error) {
	if local.Port() == 0 {
		return nil, ErrInvalidAddress
	}
	if !local.Addr().IsValid() {
		local = netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoreClosed
	}
	c.mu.Unlock()

	l := newListener(c, local, c.config.ListenBacklog)
	if err := c.armListener(l); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.listeners[l] = struct{}{}
	c.mu.Unlock()

	if rs, ok := c.network.(RSTSuppressor); ok {
		if err := rs.SuppressRST(local, netip.AddrPort{}); err != nil {
			logging.Logger.WithError(err).Warn("cannot suppress kernel RSTs")
		}
	}
	logging.Logger.WithField("local", local.String()).Info("listening")
	return l, nil
}

// armListener puts a fresh LISTEN connection in place for l.
func (c *TcpCore) armListener(l *Listener) error {
	conn := c.newConnection(l.local, netip.AddrPort{})
	if err := conn.Listen(); err != nil {
		return err
	}
	s := newTcpSocket(c, conn)
	h, err := c.table.Insert(s, FourTuple{Local: l.local})
	if err != nil {
		return err
	}
	conn.attach(h)
	s.setHandle(h)

	l.mu.Lock()
	closed := l.closed
	if !closed {
		l.handle = h
	}
	l.mu.Unlock()
	if closed {
		c.table.Remove(h)
		return ErrConnectionClosed
	}
	c.mu.Lock()
	c.listenConns[h] = l
	c.mu.Unlock()
	return nil
}

// rearmListeners retries listeners whose LISTEN connection could not be
// replaced.
func (c *TcpCore) rearmListeners() {
	c.mu.Lock()
	var idle []*Listener
	for l := range c.listeners {
		l.mu.Lock()
		if l.handle.IsZero() && !l.closed {
			idle = append(idle, l)
		}
		l.mu.Unlock()
	}
	c.mu.Unlock()
	for _, l := range idle {
		if err := c.armListener(l); err != nil {
			logging.Logger.WithError(err).WithField("local", l.local.String()).Debug("cannot re-arm listener")
		}
	}
}

// closeListener drops the LISTEN connection of l and resets children still
// in the handshake.
func (c *TcpCore) closeListener(l *Listener) {
	l.mu.Lock()
	h := l.handle
	l.handle = Handle{}
	l.mu.Unlock()

	c.mu.Lock()
	delete(c.listeners, l)
	delete(c.listenConns, h)
	var children []Handle
	for ch, owner := range c.pending {
		if owner == l {
			children = append(children, ch)
			delete(c.pending, ch)
		}
	}
	c.mu.Unlock()

	for _, ch := range children {
		if s := c.table.Get(ch); s != nil {
			s.tcp.Abort()
		}
	}
	if s := c.table.Remove(h); s != nil {
		s.tcp.Abort()
		s.tcp.release()
	}
	if rs, ok := c.network.(RSTSuppressor); ok {
		if err := rs.ReleaseRST(l.local, netip.AddrPort{}); err != nil {
			logging.Logger.WithError(err).Debug("cannot release RST suppression")
		}
	}
}

// ListenUDP opens a UDP socket bound to local that takes datagrams from any
// peer.
func (c *TcpCore) ListenUDP(local netip.AddrPort) (*Socket, error) {
	if local.Port() == 0 {
		return nil, ErrInvalidAddress
	}
	if !local.Addr().IsValid() {
		local = netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())
	}
	if c.isClosed() {
		return nil, ErrCoreClosed
	}
	u := NewUdpConnection(c.network, c.pool, local, netip.AddrPort{}, c.config.UdpQueueSize)
	s := newUdpSocket(c, u)
	h, err := c.udpTable.Insert(s, FourTuple{Local: local})
	if err != nil {
		return nil, err
	}
	s.setHandle(h)
	metrics.ActiveConnections.WithLabelValues(SocketUDP.String()).Set(float64(c.udpTable.Len()))
	return s, nil
}

// DialUDP opens a UDP socket on an ephemeral port connected to remote.
func (c *TcpCore) DialUDP(remote netip.AddrPort) (*Socket, error) {
	if !remote.IsValid() || remote.Port() == 0 {
		return nil, ErrInvalidAddress
	}
	if c.isClosed() {
		return nil, ErrCoreClosed
	}
	port, err := c.ports.allocatePort()
	if err != nil {
		return nil, err
	}
	local := netip.AddrPortFrom(c.network.LocalAddr(), port)
	u := NewUdpConnection(c.network, c.pool, local, remote, c.config.UdpQueueSize)
	s := newUdpSocket(c, u)
	h, err := c.udpTable.Insert(s, FourTuple{Local: local, Remote: remote})
	if err != nil {
		c.ports.returnPort(port)
		return nil, err
	}
	s.setHandle(h)
	c.mu.Lock()
	c.udpPorts[h] = port
	c.mu.Unlock()
	metrics.ActiveConnections.WithLabelValues(SocketUDP.String()).Set(float64(c.udpTable.Len()))
	return s, nil
}

// removeSocket drops a closed UDP socket.
func (c *TcpCore) removeSocket(h Handle) {
	if c.udpTable.Remove(h) == nil {
		return
	}
	c.mu.Lock()
	port, ok := c.udpPorts[h]
	delete(c.udpPorts, h)
	c.mu.Unlock()
	if ok {
		if err := c.ports.returnPort(port); err != nil {
			logging.Logger.WithError(err).Warn("cannot return port")
		}
	}
	metrics.ActiveConnections.WithLabelValues(SocketUDP.String()).Set(float64(c.udpTable.Len()))
}

// Connections returns the number of TCP connections, listening ones
// excluded.
func (c *TcpCore) Connections() int {
	return c.tcpConnections()
}

// Close resets every connection, stops the event loop and closes the network
// layer.
func (c *TcpCore) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoreClosed
	}
	c.closed = true
	listeners := make([]*Listener, 0, len(c.listeners))
	for l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, h := range c.table.Handles() {
		if s := c.table.Get(h); s != nil {
			s.tcp.shutdown(ErrCoreClosed)
		}
	}
	for _, h := range c.udpTable.Handles() {
		if s := c.udpTable.Get(h); s != nil {
			s.udp.Close()
		}
	}

	close(c.closeSignal)
	c.wg.Wait()
	err := c.network.Close()
	logging.Logger.Info("tcp core stopped")
	return err
}
