package lib

import (
	"encoding/binary"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/Clouded-Sabre/tcp-engine/logging"
)

// PipeConfig shapes the traffic of a pipe link.
type PipeConfig struct {
	DropRate  float64       // probability a frame is lost, 0.0-1.0
	Delay     time.Duration // one-way latency
	Seed      int64         // loss pattern seed, 0 picks one from the clock
	QueueSize int
}

// PipeNetwork is one end of an in-memory link between two addresses. Frames
// sent to an address other than the peer's come back as host unreachable
// notifications.
type PipeNetwork struct {
	addr netip.Addr
	peer *PipeNetwork

	mu       sync.Mutex
	rng      *rand.Rand
	dropRate float64
	delay    time.Duration
	sink     PacketSink
	closed   bool

	queue chan InboundPacket
	done  chan struct{}
	wg    sync.WaitGroup
}

var _ NetworkLayer = (*PipeNetwork)(nil)

// NewPipe connects two network layers with addresses a and b.
func NewPipe(a, b netip.Addr, cfg PipeConfig) (*PipeNetwork, *PipeNetwork) {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	newEnd := func(addr netip.Addr, seed int64) *PipeNetwork {
		return &PipeNetwork{
			addr:     addr,
			rng:      rand.New(rand.NewSource(seed)),
			dropRate: cfg.DropRate,
			delay:    cfg.Delay,
			queue:    make(chan InboundPacket, size),
			done:     make(chan struct{}),
		}
	}
	ea, eb := newEnd(a, seed), newEnd(b, seed+1)
	ea.peer, eb.peer = eb, ea
	return ea, eb
}

func (p *PipeNetwork) LocalAddr() netip.Addr {
	return p.addr
}

// SetDropRate changes the loss probability of frames sent from this end.
func (p *PipeNetwork) SetDropRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropRate = rate
}

// Send copies payload onto the link.
func (p *PipeNetwork) Send(dst netip.Addr, payload []byte, protocol uint8) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrConnectionClosed
	}
	drop := p.dropRate > 0 && p.rng.Float64() < p.dropRate
	delay := p.delay
	p.mu.Unlock()

	if dst != p.peer.addr {
		p.unreachable(dst, payload, protocol)
		return nil
	}
	if drop {
		logging.Logger.WithField("len", len(payload)).Debug("pipe dropped frame")
		return nil
	}
	pkt := InboundPacket{
		Source:      p.addr,
		Destination: dst,
		Protocol:    protocol,
		Data:        append([]byte(nil), payload...),
	}
	if delay > 0 {
		time.AfterFunc(delay, func() { p.peer.push(pkt) })
		return nil
	}
	p.peer.push(pkt)
	return nil
}

// unreachable reports a frame to an unknown address back to the sender.
func (p *PipeNetwork) unreachable(dst netip.Addr, payload []byte, protocol uint8) {
	if len(payload) < 4 {
		return
	}
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return
	}
	sink.Notify(Notification{
		Type:        NotificationHostUnreachable,
		Protocol:    protocol,
		Source:      netip.AddrPortFrom(p.addr, binary.BigEndian.Uint16(payload[0:2])),
		Destination: netip.AddrPortFrom(dst, binary.BigEndian.Uint16(payload[2:4])),
	})
}

func (p *PipeNetwork) push(pkt InboundPacket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- pkt:
	default:
	}
}

// Start delivers frames arriving at this end to sink.
func (p *PipeNetwork) Start(sink PacketSink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrConnectionClosed
	}
	p.sink = sink
	p.wg.Add(1)
	go p.deliver(sink)
	return nil
}

func (p *PipeNetwork) deliver(sink PacketSink) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case pkt := <-p.queue:
			sink.Deliver(pkt)
		}
	}
}

func (p *PipeNetwork) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}
