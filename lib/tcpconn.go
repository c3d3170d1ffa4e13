package lib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/Clouded-Sabre/tcp-engine/logging"
	"github.com/Clouded-Sabre/tcp-engine/metrics"
)

// MsgFlags modify Send and Receive.
type MsgFlags int

const (
	// MsgDontWait makes Send and Receive return instead of blocking.
	MsgDontWait MsgFlags = 1 << iota
)

// PacketResult tells the demultiplexer what PacketReceived did with a frame.
type PacketResult int

const (
	PacketInvalid  PacketResult = -1 // malformed or bad checksum
	PacketNotForMe PacketResult = 0  // try another connection
	PacketConsumed PacketResult = 1
)

func (r PacketResult) String() string {
	switch r {
	case PacketInvalid:
		return "invalid"
	case PacketNotForMe:
		return "not_for_me"
	case PacketConsumed:
		return "consumed"
	}
	return "unknown"
}

// ConnectionConfig holds per-connection tunables.
type ConnectionConfig struct {
	WindowSize              int           `yaml:"window_size"`               // receive window advertised to the peer
	MSS                     int           `yaml:"mss"`                       // MSS announced in our SYN
	InitialRTO              time.Duration `yaml:"initial_rto"`               // RTO before the first RTT sample
	MinRTO                  time.Duration `yaml:"min_rto"`                   // RTO floor
	MaxRTO                  time.Duration `yaml:"max_rto"`                   // RTO ceiling
	MaxRetransmissions      int           `yaml:"max_retransmissions"`       // retransmissions before the connection times out
	TimeWaitTimeout         time.Duration `yaml:"time_wait_timeout"`         // 2MSL
	FinWait2Timeout         time.Duration `yaml:"fin_wait2_timeout"`         // how long to wait for the peer's FIN
	UserTimeout             time.Duration `yaml:"user_timeout"`              // inactivity abort, 0 disables it
	RetransmissionQueueSize int           `yaml:"retransmission_queue_size"` // bytes of unacknowledged data
	TxQueueSize             int           `yaml:"tx_queue_size"`             // bytes of unsent data
	RxQueueSize             int           `yaml:"rx_queue_size"`             // bytes of received, unread data
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		WindowSize:              10 * 1460,
		MSS:                     1460,
		InitialRTO:              DefaultInitialRTO,
		MinRTO:                  DefaultMinRTO,
		MaxRTO:                  DefaultMaxRTO,
		MaxRetransmissions:      5,
		TimeWaitTimeout:         60 * time.Second,
		FinWait2Timeout:         60 * time.Second,
		UserTimeout:             0,
		RetransmissionQueueSize: 64 * 1024,
		TxQueueSize:             64 * 1024,
		RxQueueSize:             64 * 1024,
	}
}

// ConnectionParams carries what a connection needs from its core.
type ConnectionParams struct {
	Config  *ConnectionConfig
	Network NetworkLayer
	Pool    *PayloadPool
	Events  chan<- TimerEvent // nil disables timer expiry
	Done    <-chan struct{}
	Local   netip.AddrPort
	Remote  netip.AddrPort // invalid for passive connections
	Debug   bool           // trace every segment
}

// TcpConnection is the RFC 793 state machine of one connection. All state is
// guarded by mu; the core goroutine feeds it segments, notifications and
// timer events while user goroutines call Send, Receive and Close.
type TcpConnection struct {
	mu sync.Mutex

	id      uuid.UUID
	config  *ConnectionConfig
	network NetworkLayer
	pool    *PayloadPool
	log     *log.Entry
	debug   bool
	handle  Handle
	mss     int // MSS we announce, bounded by the pool chunk size

	local, remote netip.AddrPort

	state         State
	activeOpen    bool
	opened        bool
	userClosed    bool
	finQueued     bool
	finSent       bool
	stateAfterFin State

	// send sequence variables
	iss, sndUna, sndNxt, sndWnd, sndWl1, sndWl2 uint32
	sndUp                                       uint16
	sndMss                                      int
	// receive sequence variables
	irs, rcvNxt, rcvWnd uint32

	retransmit  bool
	timedOut    bool
	retriesLeft int

	err         error // latched fatal error
	errReported bool

	tx     *ByteQueue
	rx     *ByteQueue
	rtq    *RetransmissionQueue
	rto    *RtoEstimator
	timers *Timers

	wake   chan struct{} // closed and replaced on every state change
	txBuf  []byte        // frame scratch
	segBuf []byte        // payload scratch
}

// NewTcpConnection creates a connection in state Closed.
func NewTcpConnection(params ConnectionParams) *TcpConnection {
	cfg := params.Config
	if cfg == nil {
		cfg = DefaultConnectionConfig()
	}
	mss := cfg.MSS
	if mss <= 0 || mss > params.Pool.ChunkSize() {
		mss = params.Pool.ChunkSize()
	}

	c := &TcpConnection{
		id:          uuid.New(),
		config:      cfg,
		network:     params.Network,
		pool:        params.Pool,
		debug:       params.Debug,
		mss:         mss,
		local:       params.Local,
		remote:      params.Remote,
		state:       StateClosed,
		sndMss:      defaultSendMSS,
		retriesLeft: cfg.MaxRetransmissions,
		tx:          NewByteQueue(params.Pool, cfg.TxQueueSize),
		rx:          NewByteQueue(params.Pool, cfg.RxQueueSize),
		rtq:         NewRetransmissionQueue(params.Pool, cfg.RetransmissionQueueSize),
		rto:         NewRtoEstimator(cfg.InitialRTO, cfg.MinRTO, cfg.MaxRTO),
		timers:      NewTimers(Handle{}, params.Events, params.Done),
		wake:        make(chan struct{}),
		txBuf:       make([]byte, TcpHeaderLength+TcpOptionsMaxLength+mss),
		segBuf:      make([]byte, mss),
	}
	if c.sndMss > mss {
		c.sndMss = mss
	}
	c.rcvWnd = c.receiveWindow()
	c.setLogger()
	return c
}

func (c *TcpConnection) setLogger() {
	c.log = logging.Logger.WithFields(log.Fields{
		"conn":   c.id.String(),
		"local":  c.local.String(),
		"remote": c.remote.String(),
	})
}

// attach records the table handle the timers report events with.
func (c *TcpConnection) attach(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = h
	c.timers.handle = h
}

func (c *TcpConnection) ID() uuid.UUID {
	return c.id
}

func (c *TcpConnection) LocalAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *TcpConnection) RemoteAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *TcpConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RTO returns the current retransmission timeout.
func (c *TcpConnection) RTO() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rto.RTO()
}

// Retransmissions returns how many retransmissions of the budget were used
// since the last acknowledgment of new data.
func (c *TcpConnection) Retransmissions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.MaxRetransmissions - c.retriesLeft
}

// IsConnected reports whether the handshake completed and the connection has
// not yet entered TIME-WAIT or CLOSED.
func (c *TcpConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state > StateSynSent && c.state != StateTimeWait && c.state != StateClosed
}

// IsTerminated reports whether the connection was opened and is closed now.
func (c *TcpConnection) IsTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened && c.state == StateClosed
}

// SetRemoteAddr sets the peer a Connect from CLOSED or LISTEN goes to.
func (c *TcpConnection) SetRemoteAddr(remote netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed, StateListen:
	default:
		return ErrAlreadyConnected
	}
	if !remote.IsValid() || remote.Port() == 0 {
		return ErrInvalidAddress
	}
	c.remote = remote
	c.setLogger()
	return nil
}

// Listen makes a fresh connection wait for a SYN.
func (c *TcpConnection) Listen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened || c.state != StateClosed {
		return ErrAlreadyConnected
	}
	c.opened = true
	c.activeOpen = false
	c.remote = netip.AddrPort{}
	c.setState(StateListen)
	return nil
}

// Connect starts the active open. It does not wait for the handshake; see
// WaitConnected.
func (c *TcpConnection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeErr(); err != nil {
		return err
	}
	switch {
	case c.state == StateClosed && !c.opened:
	case c.state == StateListen && c.remote.IsValid():
	default:
		return ErrAlreadyConnected
	}
	if !c.remote.IsValid() || c.remote.Port() == 0 {
		return ErrInvalidAddress
	}

	c.opened = true
	c.activeOpen = true
	c.iss = GenerateISN(c.local, c.remote, time.Now())
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.rto.Initialize(c.iss)
	c.retriesLeft = c.config.MaxRetransmissions

	now := time.Now()
	c.sendSegment(SYNFlag, c.iss, 0, nil)
	if err := c.rtq.Push(c.iss, SYNFlag, nil, now); err != nil {
		return err
	}
	c.rto.SegmentSent(c.iss, 1, now)
	c.sndNxt = SeqIncrement(c.iss)
	c.setState(StateSynSent)
	c.armRetransmission()
	c.armUserTimer()
	return nil
}

// WaitConnected blocks until the handshake finished or failed.
func (c *TcpConnection) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.waitLocked(ctx, func() bool {
		return c.err != nil || (c.state != StateSynSent && c.state != StateSynReceived)
	})
	if err != nil {
		return err
	}
	if err := c.takeErr(); err != nil {
		return err
	}
	switch c.state {
	case StateClosed:
		return ErrConnectionClosed
	case StateListen:
		return ErrNotConnected
	}
	return nil
}

// Accept reports the peer of a passive connection once it is established.
// It never blocks.
func (c *TcpConnection) Accept() (netip.AddrPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeErr(); err != nil {
		return netip.AddrPort{}, err
	}
	switch c.state {
	case StateListen, StateSynReceived:
		return netip.AddrPort{}, ErrWouldBlock
	case StateEstablished, StateCloseWait:
		return c.remote, nil
	}
	return netip.AddrPort{}, ErrConnectionClosed
}

// Close starts the orderly release. It returns without waiting for the
// peer; IsTerminated turns true once the close handshake completed.
func (c *TcpConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.signal()

	c.userClosed = true
	if err := c.takeErr(); err != nil {
		return err
	}
	switch c.state {
	case StateClosed:
		return ErrConnectionClosed
	case StateListen, StateSynSent:
		c.terminate()
		return nil
	case StateSynReceived, StateEstablished:
		if c.finQueued {
			return nil
		}
		c.stateAfterFin = StateFinWait1
	case StateCloseWait:
		if c.finQueued {
			return nil
		}
		c.stateAfterFin = StateLastAck
	case StateFinWait1, StateFinWait2:
		return nil
	default:
		return ErrConnectionClosing
	}
	c.finQueued = true
	c.retriesLeft = c.config.MaxRetransmissions
	c.output(time.Now())
	return nil
}

// Abort resets the connection: the peer gets a RST and queued data is
// dropped.
func (c *TcpConnection) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userClosed = true
	c.reset(ErrConnectionClosed)
}

// reset sends a RST to a synchronized peer and aborts with err.
func (c *TcpConnection) reset(err error) {
	switch c.state {
	case StateClosed:
		return
	case StateSynReceived, StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		c.sendReset(c.sndNxt)
	}
	c.abort(err)
}

// shutdown resets the connection on behalf of the core.
func (c *TcpConnection) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset(err)
}

func (c *TcpConnection) closedByUser() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userClosed
}

// Send queues data and, unless MsgDontWait is given, waits until all of it
// left the send queue.
func (c *TcpConnection) Send(data []byte, flags MsgFlags) (int, error) {
	return c.SendContext(context.Background(), data, flags)
}

// SendContext is Send with the wait bounded by ctx. Data larger than the
// free send queue is queued piecewise as space frees up.
func (c *TcpConnection) SendContext(ctx context.Context, data []byte, flags MsgFlags) (int, error) {
	if flags&^MsgDontWait != 0 {
		return 0, ErrInvalidFlags
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkSendable(); err != nil {
		return 0, err
	}
	if flags&MsgDontWait != 0 {
		if err := c.tx.Enqueue(data); err != nil {
			return 0, err
		}
		c.output(time.Now())
		return len(data), nil
	}

	sent := 0
	for {
		n := len(data) - sent
		if free := c.tx.Free(); n > free {
			n = free
		}
		if n > 0 {
			if err := c.tx.Enqueue(data[sent : sent+n]); err != nil {
				return sent, err
			}
			sent += n
			c.output(time.Now())
		}
		if sent == len(data) {
			break
		}
		err := c.waitLocked(ctx, func() bool {
			return c.err != nil || !c.state.canSend() || c.tx.Free() > 0
		})
		if err != nil {
			return sent, err
		}
		if err := c.checkSendable(); err != nil {
			return sent, err
		}
	}

	err := c.waitLocked(ctx, func() bool {
		return c.err != nil || c.state == StateClosed || c.tx.Empty()
	})
	if err != nil {
		return sent, err
	}
	if err := c.takeErr(); err != nil {
		return sent, err
	}
	return sent, nil
}

func (c *TcpConnection) checkSendable() error {
	if err := c.takeErr(); err != nil {
		return err
	}
	switch c.state {
	case StateSynSent, StateSynReceived, StateEstablished, StateCloseWait:
		if c.finQueued {
			return ErrConnectionClosing
		}
		return nil
	case StateClosed:
		if c.opened {
			return ErrConnectionClosed
		}
		return ErrNotConnected
	case StateListen:
		return ErrNotConnected
	}
	return ErrConnectionClosing
}

// Receive moves received bytes into buffer. It returns io.EOF once the peer
// closed its side and everything was read.
func (c *TcpConnection) Receive(buffer []byte, flags MsgFlags) (int, error) {
	return c.ReceiveContext(context.Background(), buffer, flags)
}

// ReceiveContext is Receive with the wait bounded by ctx.
func (c *TcpConnection) ReceiveContext(ctx context.Context, buffer []byte, flags MsgFlags) (int, error) {
	if flags&^MsgDontWait != 0 {
		return 0, ErrInvalidFlags
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if err := c.takeErr(); err != nil {
			return 0, err
		}
		if n := c.rx.Dequeue(buffer); n > 0 {
			c.windowUpdate()
			return n, nil
		}
		if len(buffer) == 0 {
			return 0, nil
		}
		switch {
		case c.state.canReceive() && !c.finQueued:
		case c.state == StateListen, c.state == StateClosed && !c.opened:
			return 0, ErrNotConnected
		default:
			return 0, io.EOF
		}
		if flags&MsgDontWait != 0 {
			return 0, nil
		}
		err := c.waitLocked(ctx, func() bool {
			return c.err != nil || !c.rx.Empty() || !c.state.canReceive() || c.finQueued
		})
		if err != nil {
			return 0, err
		}
	}
}

// windowUpdate tells the peer about a window that reopened after reading.
func (c *TcpConnection) windowUpdate() {
	if !c.state.IsSynchronized() || c.state == StateTimeWait {
		return
	}
	old := c.rcvWnd
	wnd := c.receiveWindow()
	if old < uint32(c.sndMss) && wnd >= uint32(c.sndMss) {
		c.sendAck()
	}
}

// Process runs the deferred work of the connection: timeout aborts,
// retransmissions, and moving queued data onto the wire.
func (c *TcpConnection) Process() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.process(time.Now())
}

func (c *TcpConnection) process(now time.Time) {
	if c.timedOut {
		c.timedOut = false
		metrics.RetransmissionTimeouts.Inc()
		c.log.Info("retransmissions exhausted, aborting")
		c.abort(ErrConnectionTimedOut)
		return
	}
	if c.retransmit {
		c.retransmit = false
		c.resendFront(now)
	}
	c.output(now)
}

// HandleTimer applies a timer expiry. Stale events are ignored.
func (c *TcpConnection) HandleTimer(ev TimerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.timers.Valid(ev) {
		return
	}
	switch ev.Kind {
	case TimerRetransmission:
		if c.rtq.Empty() {
			return
		}
		c.rto.RetransmissionTimerExpired()
		if c.retriesLeft == 0 {
			c.timedOut = true
		} else {
			c.retriesLeft--
			c.retransmit = true
		}
	case TimerTimeWait:
		switch c.state {
		case StateTimeWait, StateFinWait2:
			c.terminate()
		}
		return
	case TimerUser:
		if c.state != StateClosed {
			c.log.Info("user timeout expired, aborting")
			c.abort(ErrConnectionTimedOut)
		}
		return
	}
	c.process(time.Now())
}

// resendFront retransmits the oldest outstanding segment.
func (c *TcpConnection) resendFront(now time.Time) {
	e := c.rtq.Front()
	if e == nil {
		return
	}
	var flags uint8
	switch {
	case e.Flags&SYNFlag != 0 && c.state == StateSynSent:
		flags = SYNFlag
	case e.Flags&SYNFlag != 0:
		flags = SYNFlag | ACKFlag
	case e.Flags&FINFlag != 0:
		flags = FINFlag | ACKFlag
	default:
		flags = ACKFlag | PSHFlag
	}
	payload := e.Payload()
	if e.Flags&FINFlag != 0 && len(payload) > 0 {
		flags |= PSHFlag
	}
	c.log.WithFields(log.Fields{"seq": e.Seq, "len": e.Len(), "rto": c.rto.RTO().String()}).Debug("retransmitting")
	c.sendSegment(flags, e.Seq, c.rcvNxt, payload)
	e.Retransmissions++
	metrics.Retransmissions.Inc()
	c.timers.Start(TimerRetransmission, c.rto.RTO())
}

// output moves queued bytes into segments within the peer's window and sends
// a queued FIN once nothing is left.
func (c *TcpConnection) output(now time.Time) {
	switch c.state {
	case StateEstablished, StateCloseWait, StateFinWait1, StateClosing, StateLastAck:
	default:
		return
	}
	for !c.tx.Empty() {
		window := int64(seqDiff(SeqIncrementBy(c.sndUna, c.sndWnd), c.sndNxt))
		n := int64(c.tx.Len())
		for _, limit := range []int64{window, int64(c.sndMss), int64(c.rtq.Free())} {
			if n > limit {
				n = limit
			}
		}
		if n <= 0 {
			break
		}
		payload := c.segBuf[:c.tx.Peek(c.segBuf[:n], 0)]
		if err := c.rtq.Push(c.sndNxt, 0, payload, now); err != nil {
			c.log.WithError(err).Debug("retransmission queue full")
			break
		}
		c.tx.Discard(len(payload))
		flags := ACKFlag
		if c.tx.Empty() {
			flags |= PSHFlag
		}
		c.sendSegment(flags, c.sndNxt, c.rcvNxt, payload)
		c.rto.SegmentSent(c.sndNxt, uint32(len(payload)), now)
		c.sndNxt = SeqIncrementBy(c.sndNxt, uint32(len(payload)))
		c.armRetransmission()
	}

	if c.finQueued && c.tx.Empty() && (c.state == StateEstablished || c.state == StateCloseWait) {
		c.sendSegment(FINFlag|ACKFlag, c.sndNxt, c.rcvNxt, nil)
		if err := c.rtq.Push(c.sndNxt, FINFlag, nil, now); err != nil {
			c.log.WithError(err).Warn("cannot queue FIN")
		}
		c.rto.SegmentSent(c.sndNxt, 1, now)
		c.sndNxt = SeqIncrement(c.sndNxt)
		c.finQueued = false
		c.finSent = true
		c.setState(c.stateAfterFin)
		c.armRetransmission()
	}

	if c.tx.Free() > 0 {
		c.signal()
	}
}

// NotificationReceived handles an ICMP error about this connection. It
// reports whether the notification matched.
func (c *TcpConnection) NotificationReceived(n Notification) bool {
	if n.Protocol != ProtocolTCP {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state < StateSynSent {
		return false
	}
	if n.Destination != c.remote || n.Source.Port() != c.local.Port() {
		return false
	}
	if c.local.Addr().IsValid() && !c.local.Addr().IsUnspecified() && n.Source.Addr() != c.local.Addr() {
		return false
	}
	err := n.Type.err()
	if err == nil {
		c.log.WithField("type", n.Type.String()).Debug("ignoring advisory notification")
		return true
	}
	c.log.WithField("type", n.Type.String()).Info("aborting on ICMP notification")
	c.abort(err)
	return true
}

// PacketReceived processes a TCP frame sent by sender to receiver.
func (c *TcpConnection) PacketReceived(frame []byte, sender, receiver netip.Addr, protocol uint8) PacketResult {
	if protocol != ProtocolTCP {
		return PacketNotForMe
	}
	if len(frame) < TcpHeaderLength {
		return PacketInvalid
	}
	var seg Segment
	if err := seg.Unmarshal(frame); err != nil {
		logging.Logger.WithError(err).Debug("dropping malformed segment")
		return PacketInvalid
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if seg.DestinationPort != c.local.Port() {
		return PacketNotForMe
	}
	if la := c.local.Addr(); la.IsValid() && !la.IsUnspecified() && la != receiver {
		return PacketNotForMe
	}
	if c.state != StateListen {
		if c.remote.Addr() != sender || c.remote.Port() != seg.SourcePort {
			return PacketNotForMe
		}
	}
	if !VerifyChecksum(frame, sender, receiver, ProtocolTCP) {
		c.log.WithField("seg", seg.String()).Debug("dropping segment with bad checksum")
		return PacketInvalid
	}
	if c.debug {
		c.log.WithFields(log.Fields{"seg": seg.String(), "state": c.state.String()}).Debug("rx")
	}

	now := time.Now()
	switch c.state {
	case StateClosed:
		c.replyReset(&seg, sender)
	case StateListen:
		c.segmentInListen(&seg, sender, receiver, now)
	case StateSynSent:
		c.segmentInSynSent(&seg, now)
	default:
		c.segmentSynchronized(&seg, now)
	}
	c.process(now)
	return PacketConsumed
}

func (c *TcpConnection) replyReset(seg *Segment, sender netip.Addr) {
	if seg.Flags&RSTFlag != 0 {
		return
	}
	metrics.ResetsSent.WithLabelValues("connection").Inc()
	metrics.SegmentsSent.WithLabelValues("rst").Inc()
	if err := SendReset(c.network, seg, c.localAddrFor(sender), sender); err != nil {
		c.log.WithError(err).Debug("sending reset failed")
	}
}

// localAddrFor returns the address segments to remote are sent from.
func (c *TcpConnection) localAddrFor(remote netip.Addr) netip.Addr {
	if la := c.local.Addr(); la.IsValid() && !la.IsUnspecified() {
		return la
	}
	return c.network.LocalAddr()
}

func (c *TcpConnection) segmentInListen(seg *Segment, sender, receiver netip.Addr, now time.Time) {
	switch {
	case seg.Flags&RSTFlag != 0:
		return
	case seg.Flags&ACKFlag != 0:
		c.replyReset(seg, sender)
		return
	case seg.Flags&SYNFlag == 0:
		return
	}

	c.remote = netip.AddrPortFrom(sender, seg.SourcePort)
	if la := c.local.Addr(); !la.IsValid() || la.IsUnspecified() {
		c.local = netip.AddrPortFrom(receiver, c.local.Port())
	}
	c.setLogger()

	c.irs = seg.SequenceNumber
	c.rcvNxt = SeqIncrement(seg.SequenceNumber)
	c.sndWnd = uint32(seg.WindowSize)
	c.sndWl1 = seg.SequenceNumber
	c.sndWl2 = seg.AcknowledgmentNum
	c.applyMSS(seg)

	c.iss = GenerateISN(c.local, c.remote, now)
	c.rto.Initialize(c.iss)
	c.retriesLeft = c.config.MaxRetransmissions
	c.sendSegment(SYNFlag|ACKFlag, c.iss, c.rcvNxt, nil)
	if err := c.rtq.Push(c.iss, SYNFlag, nil, now); err != nil {
		c.log.WithError(err).Warn("cannot queue SYN-ACK")
	}
	c.rto.SegmentSent(c.iss, 1, now)
	c.sndUna = c.iss
	c.sndNxt = SeqIncrement(c.iss)
	c.setState(StateSynReceived)
	c.armRetransmission()
	c.armUserTimer()
	c.signal()
}

func (c *TcpConnection) segmentInSynSent(seg *Segment, now time.Time) {
	acceptable := false
	if seg.Flags&ACKFlag != 0 {
		if !seqBWH(c.iss, seg.AcknowledgmentNum, c.sndNxt) {
			if seg.Flags&RSTFlag == 0 {
				c.sendReset(seg.AcknowledgmentNum)
			}
			return
		}
		acceptable = seqBWLH(c.sndUna, seg.AcknowledgmentNum, c.sndNxt)
	}

	if seg.Flags&RSTFlag != 0 {
		if acceptable {
			c.log.Info("connection refused")
			c.abort(ErrConnectionRefused)
		}
		return
	}
	if seg.Flags&ACKFlag != 0 && !acceptable {
		return
	}
	if seg.Flags&SYNFlag == 0 {
		return
	}

	c.irs = seg.SequenceNumber
	c.rcvNxt = SeqIncrement(seg.SequenceNumber)
	c.applyMSS(seg)
	if seg.Flags&ACKFlag != 0 {
		c.acknowledge(seg.AcknowledgmentNum, now)
	}

	if isGreater(c.sndUna, c.iss) {
		c.setState(StateEstablished)
		c.timers.Stop(TimerRetransmission)
		c.retriesLeft = c.config.MaxRetransmissions
		// RFC 1122 4.2.2.20 (c)
		c.sndWnd = uint32(seg.WindowSize)
		c.sndWl1 = seg.SequenceNumber
		c.sndWl2 = seg.AcknowledgmentNum
		c.sendAck()
		c.signal()

		seg.SequenceNumber = SeqIncrement(seg.SequenceNumber)
		seg.Flags &^= SYNFlag
		if seg.Flags&FINFlag != 0 || len(seg.Payload) > 0 {
			if c.processText(seg) {
				c.processFin(seg)
			}
		}
		return
	}

	// simultaneous open
	c.setState(StateSynReceived)
	c.sendSegment(SYNFlag|ACKFlag, c.iss, c.rcvNxt, nil)
	c.retriesLeft = c.config.MaxRetransmissions
	c.timers.Start(TimerRetransmission, c.rto.RTO())
	if seg.Flags&FINFlag != 0 {
		c.sendReset(c.sndNxt)
		c.abort(ErrConnectionReset)
	}
}

// acceptable runs the RFC 793 sequence number test.
func (c *TcpConnection) acceptable(seg *Segment) bool {
	segLen := seg.Len()
	end := SeqIncrementBy(c.rcvNxt, c.rcvWnd)
	if c.rcvWnd == 0 {
		return segLen == 0 && seg.SequenceNumber == c.rcvNxt
	}
	if segLen == 0 {
		return seqBWL(c.rcvNxt, seg.SequenceNumber, end)
	}
	last := SeqIncrementBy(seg.SequenceNumber, segLen-1)
	return seqBWL(c.rcvNxt, seg.SequenceNumber, end) || seqBWL(c.rcvNxt, last, end)
}

func (c *TcpConnection) segmentSynchronized(seg *Segment, now time.Time) {
	// a retransmitted FIN in TIME-WAIT
	if c.state == StateTimeWait && seg.Flags&FINFlag != 0 && seg.Flags&RSTFlag == 0 &&
		SeqIncrementBy(seg.SequenceNumber, seg.Len()) == c.rcvNxt {
		c.sendAck()
		c.timers.Start(TimerTimeWait, c.config.TimeWaitTimeout)
		return
	}

	// step 1: sequence number
	if !c.acceptable(seg) {
		if seg.Flags&RSTFlag == 0 {
			c.sendAck()
		}
		return
	}
	c.armUserTimer()

	// step 2: RST
	if seg.Flags&RSTFlag != 0 {
		switch c.state {
		case StateSynReceived:
			if !c.activeOpen {
				c.backToListen()
				return
			}
			c.log.Info("connection refused")
			c.abort(ErrConnectionRefused)
		case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
			c.log.Info("connection reset by peer")
			c.abort(ErrConnectionReset)
		default:
			c.terminate()
		}
		return
	}

	// step 4: SYN in window
	if seg.Flags&SYNFlag != 0 {
		// RFC 1122 4.2.2.20 (e)
		if c.state == StateSynReceived && !c.activeOpen {
			c.backToListen()
			return
		}
		c.sendReset(c.sndNxt)
		c.abort(ErrConnectionReset)
		return
	}

	// step 5: ACK
	if seg.Flags&ACKFlag == 0 {
		return
	}
	ack := seg.AcknowledgmentNum
	switch c.state {
	case StateSynReceived:
		if !seqBWLH(c.sndUna, ack, c.sndNxt) {
			c.sendReset(ack)
			return
		}
		// RFC 1122 4.2.2.20 (f)
		c.sndWnd = uint32(seg.WindowSize)
		c.sndWl1 = seg.SequenceNumber
		c.sndWl2 = ack
		c.acknowledge(ack, now)
		c.setState(StateEstablished)
		c.signal()

	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait, StateClosing:
		switch {
		case seqBWH(c.sndUna, ack, c.sndNxt):
			c.acknowledge(ack, now)
			c.updateWindow(seg)
		case isLessOrEqual(ack, c.sndUna):
			// duplicate, RFC 1122 4.2.2.20 (g)
			if ack == c.sndUna {
				c.updateWindow(seg)
			}
		default:
			c.sendAck()
			return
		}

		finAcked := c.finSent && c.sndUna == c.sndNxt
		switch c.state {
		case StateFinWait1:
			if finAcked {
				c.setState(StateFinWait2)
				c.timers.Start(TimerTimeWait, c.config.FinWait2Timeout)
				c.signal()
			}
		case StateClosing:
			if finAcked {
				c.enterTimeWait()
			}
		}

	case StateLastAck:
		if seqBWH(c.sndUna, ack, c.sndNxt) {
			c.acknowledge(ack, now)
			c.updateWindow(seg)
		}
		if c.sndUna == c.sndNxt {
			c.terminate()
			return
		}
	}

	// step 7: segment text
	if !c.processText(seg) {
		return
	}
	// step 8: FIN
	c.processFin(seg)
}

// processText queues in-order data. It reports whether segment processing
// should go on to the FIN.
func (c *TcpConnection) processText(seg *Segment) bool {
	if len(seg.Payload) == 0 {
		return true
	}
	switch c.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return true
	}

	// drop what we already have
	if isLess(seg.SequenceNumber, c.rcvNxt) {
		dup := uint32(seqDiff(c.rcvNxt, seg.SequenceNumber))
		if dup >= uint32(len(seg.Payload)) {
			seg.Payload = nil
			seg.SequenceNumber = SeqIncrementBy(seg.SequenceNumber, dup)
			if seg.Flags&FINFlag == 0 {
				c.sendAck()
			}
			return true
		}
		seg.Payload = seg.Payload[dup:]
		seg.SequenceNumber = c.rcvNxt
	}
	if seg.SequenceNumber != c.rcvNxt {
		c.sendAck()
		return false
	}
	if wnd := c.rcvWnd; uint32(len(seg.Payload)) > wnd {
		seg.Payload = seg.Payload[:wnd]
		seg.Flags &^= FINFlag
	}
	if err := c.rx.Enqueue(seg.Payload); err != nil {
		c.log.WithField("len", len(seg.Payload)).Debug("receive queue full, dropping data")
		c.sendAck()
		return false
	}
	c.rcvNxt = SeqIncrementBy(c.rcvNxt, uint32(len(seg.Payload)))
	seg.SequenceNumber = c.rcvNxt
	seg.Payload = nil
	c.signal()
	if seg.Flags&FINFlag == 0 {
		c.sendAck()
	}
	return true
}

func (c *TcpConnection) processFin(seg *Segment) {
	if seg.Flags&FINFlag == 0 {
		return
	}
	switch c.state {
	case StateClosed, StateListen, StateSynSent:
		return
	}
	if SeqIncrementBy(seg.SequenceNumber, uint32(len(seg.Payload))) != c.rcvNxt {
		c.sendAck()
		return
	}

	c.rcvNxt = SeqIncrement(c.rcvNxt)
	c.sendAck()
	switch c.state {
	case StateSynReceived, StateEstablished:
		c.setState(StateCloseWait)
	case StateFinWait1:
		if c.finSent && c.sndUna == c.sndNxt {
			c.enterTimeWait()
		} else {
			c.setState(StateClosing)
		}
	case StateFinWait2:
		c.enterTimeWait()
	case StateTimeWait:
		c.timers.Start(TimerTimeWait, c.config.TimeWaitTimeout)
	}
	c.signal()
}

// acknowledge advances SND.UNA to ack.
func (c *TcpConnection) acknowledge(ack uint32, now time.Time) {
	if !isGreater(ack, c.sndUna) {
		return
	}
	c.rto.SegmentAcknowledged(ack, now)
	c.rtq.Acknowledge(ack)
	c.sndUna = ack
	c.retriesLeft = c.config.MaxRetransmissions
	if c.sndUna == c.sndNxt {
		c.timers.Stop(TimerRetransmission)
	} else {
		// RFC 6298 5.3
		c.timers.Start(TimerRetransmission, c.rto.RTO())
	}
	c.signal()
}

func (c *TcpConnection) updateWindow(seg *Segment) {
	if isLess(c.sndWl1, seg.SequenceNumber) ||
		(c.sndWl1 == seg.SequenceNumber && isLessOrEqual(c.sndWl2, seg.AcknowledgmentNum)) {
		c.sndWnd = uint32(seg.WindowSize)
		c.sndWl1 = seg.SequenceNumber
		c.sndWl2 = seg.AcknowledgmentNum
	}
}

// applyMSS takes the peer's MSS option from a SYN.
func (c *TcpConnection) applyMSS(seg *Segment) {
	if seg.MSS == 0 {
		return
	}
	mss := int(seg.MSS)
	if mss > c.mss {
		mss = c.mss
	}
	if mss >= minSendMSS {
		c.sndMss = mss
	}
}

func (c *TcpConnection) enterTimeWait() {
	c.timers.Stop(TimerRetransmission)
	c.timers.Stop(TimerUser)
	c.setState(StateTimeWait)
	c.timers.Start(TimerTimeWait, c.config.TimeWaitTimeout)
}

// backToListen returns a passive connection to LISTEN after its handshake
// was reset.
func (c *TcpConnection) backToListen() {
	c.timers.StopAll()
	c.rtq.Flush()
	c.tx.Flush()
	c.rx.Flush()
	c.remote = netip.AddrPort{}
	c.finQueued = false
	c.sndMss = defaultSendMSS
	c.setState(StateListen)
	c.setLogger()
}

// abort latches err and drops the connection.
func (c *TcpConnection) abort(err error) {
	if c.err == nil {
		c.err = err
		c.errReported = false
	}
	c.rtq.Flush()
	c.tx.Flush()
	c.rx.Flush()
	c.terminate()
}

// terminate enters CLOSED without an error. Unread data stays readable.
func (c *TcpConnection) terminate() {
	c.timers.StopAll()
	c.rtq.Flush()
	c.tx.Flush()
	c.finQueued = false
	c.retransmit = false
	c.timedOut = false
	c.setState(StateClosed)
	c.signal()
}

// release returns every buffer to the pool. Terminated connections only.
func (c *TcpConnection) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		return
	}
	c.rtq.Flush()
	c.tx.Flush()
	c.rx.Flush()
}

// takeErr returns the latched error the first time it is asked for.
func (c *TcpConnection) takeErr() error {
	if c.err == nil {
		return nil
	}
	if c.errReported {
		return nil
	}
	c.errReported = true
	return c.err
}

func (c *TcpConnection) setState(s State) {
	if c.state == s {
		return
	}
	c.log.WithFields(log.Fields{"from": c.state.String(), "to": s.String()}).Debug("state change")
	c.state = s
	metrics.StateTransitions.WithLabelValues(s.String()).Inc()
}

func (c *TcpConnection) armRetransmission() {
	if !c.timers.Armed(TimerRetransmission) {
		c.timers.Start(TimerRetransmission, c.rto.RTO())
	}
}

func (c *TcpConnection) armUserTimer() {
	if c.config.UserTimeout > 0 {
		c.timers.Start(TimerUser, c.config.UserTimeout)
	}
}

// signal wakes every goroutine blocked in waitLocked.
func (c *TcpConnection) signal() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// waitLocked waits with mu held until cond holds or ctx ends.
func (c *TcpConnection) waitLocked(ctx context.Context, cond func() bool) error {
	for !cond() {
		wake := c.wake
		c.mu.Unlock()
		select {
		case <-wake:
			c.mu.Lock()
		case <-ctx.Done():
			c.mu.Lock()
			return contextError(ctx.Err())
		}
	}
	return nil
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errDeadlineExceeded
	}
	return err
}

func (c *TcpConnection) receiveWindow() uint32 {
	wnd := c.config.WindowSize
	if free := c.rx.Free(); free < wnd {
		wnd = free
	}
	if wnd > 0xffff {
		wnd = 0xffff
	}
	if wnd < 0 {
		wnd = 0
	}
	return uint32(wnd)
}

func (c *TcpConnection) sendAck() {
	c.sendSegment(ACKFlag, c.sndNxt, c.rcvNxt, nil)
}

// sendReset sends a bare RST with sequence number seq.
func (c *TcpConnection) sendReset(seq uint32) {
	metrics.ResetsSent.WithLabelValues("connection").Inc()
	c.sendSegment(RSTFlag, seq, 0, nil)
}

func (c *TcpConnection) sendSegment(flags uint8, seq, ack uint32, payload []byte) {
	c.rcvWnd = c.receiveWindow()
	seg := Segment{
		SourcePort:      c.local.Port(),
		DestinationPort: c.remote.Port(),
		SequenceNumber:  seq,
		Flags:           flags,
		WindowSize:      uint16(c.rcvWnd),
		UrgentPointer:   c.sndUp,
		Payload:         payload,
	}
	if flags&ACKFlag != 0 {
		seg.AcknowledgmentNum = ack
	}
	if flags&SYNFlag != 0 {
		seg.MSS = uint16(c.mss)
	}
	remote := c.remote.Addr()
	n, err := seg.Marshal(c.txBuf, c.localAddrFor(remote), remote)
	if err != nil {
		c.log.WithError(err).Error("cannot marshal segment")
		return
	}
	if c.debug {
		c.log.WithFields(log.Fields{"seg": seg.String(), "state": c.state.String()}).Debug("tx")
	}
	metrics.SegmentsSent.WithLabelValues(segmentKind(flags, len(payload))).Inc()
	if err := c.network.Send(remote, c.txBuf[:n], ProtocolTCP); err != nil {
		// the retransmission timer covers lost sends
		c.log.WithError(err).Debug("network send failed")
	}
}

func segmentKind(flags uint8, payload int) string {
	switch {
	case flags&RSTFlag != 0:
		return "rst"
	case flags&SYNFlag != 0 && flags&ACKFlag != 0:
		return "synack"
	case flags&SYNFlag != 0:
		return "syn"
	case flags&FINFlag != 0:
		return "fin"
	case payload > 0:
		return "data"
	}
	return "ack"
}

func (c *TcpConnection) String() string {
	return fmt.Sprintf("%s %s->%s %s", c.id, c.local, c.remote, c.state)
}
