package lib

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordSink struct {
	mu            sync.Mutex
	packets       []InboundPacket
	notifications []Notification
}

func (s *recordSink) Deliver(pkt InboundPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, pkt)
}

func (s *recordSink) Notify(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
}

func (s *recordSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets), len(s.notifications)
}

func TestPipeDelivers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	addrA, addrB := netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")
	a, b := NewPipe(addrA, addrB, PipeConfig{Seed: 1})
	sinkA, sinkB := &recordSink{}, &recordSink{}
	require.NoError(t, a.Start(sinkA))
	require.NoError(t, b.Start(sinkB))

	frame := []byte{0x13, 0x88, 0x00, 0x35, 1, 2, 3, 4}
	require.NoError(t, a.Send(addrB, frame, ProtocolUDP))
	frame[4] = 9 // the pipe copies what it sends
	require.Eventually(t, func() bool {
		n, _ := sinkB.counts()
		return n == 1
	}, 5*time.Second, time.Millisecond)
	sinkB.mu.Lock()
	pkt := sinkB.packets[0]
	sinkB.mu.Unlock()
	assert.Equal(t, addrA, pkt.Source)
	assert.Equal(t, addrB, pkt.Destination)
	assert.Equal(t, ProtocolUDP, pkt.Protocol)
	assert.Equal(t, byte(1), pkt.Data[4])

	// frames to any other address bounce back as notifications
	require.NoError(t, a.Send(netip.MustParseAddr("10.0.0.9"), frame, ProtocolTCP))
	_, notes := sinkA.counts()
	require.Equal(t, 1, notes)
	n := sinkA.notifications[0]
	assert.Equal(t, NotificationHostUnreachable, n.Type)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:5000"), n.Source)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.9:53"), n.Destination)

	a.SetDropRate(1)
	require.NoError(t, a.Send(addrB, frame, ProtocolUDP))
	time.Sleep(10 * time.Millisecond)
	got, _ := sinkB.counts()
	assert.Equal(t, 1, got)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, a.Send(addrB, frame, ProtocolUDP), ErrConnectionClosed)
	assert.ErrorIs(t, a.Start(sinkA), ErrConnectionClosed)
}

func TestPipeDelay(t *testing.T) {
	addrA, addrB := netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")
	a, b := NewPipe(addrA, addrB, PipeConfig{Delay: 30 * time.Millisecond})
	defer a.Close()
	defer b.Close()
	sink := &recordSink{}
	require.NoError(t, b.Start(sink))

	start := time.Now()
	require.NoError(t, a.Send(addrB, []byte{0, 1, 0, 2}, ProtocolTCP))
	require.Eventually(t, func() bool {
		n, _ := sink.counts()
		return n == 1
	}, 5*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
