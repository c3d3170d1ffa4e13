package lib

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	udpClient = netip.MustParseAddrPort("10.0.0.1:5000")
	udpServer = netip.MustParseAddrPort("10.0.0.2:53")
)

func udpPair(t *testing.T, limit int) (client, server *UdpConnection, cnet, snet *captureNetwork) {
	pool := newTestPool(t, 16, 1460)
	cnet = &captureNetwork{addr: udpClient.Addr()}
	snet = &captureNetwork{addr: udpServer.Addr()}
	client = NewUdpConnection(cnet, pool, udpClient, udpServer, limit)
	server = NewUdpConnection(snet, pool, netip.AddrPortFrom(netip.IPv4Unspecified(), udpServer.Port()), netip.AddrPort{}, limit)
	return client, server, cnet, snet
}

func lastFrame(n *captureNetwork) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frames[len(n.frames)-1]
}

func TestUdpExchange(t *testing.T) {
	client, server, cnet, snet := udpPair(t, 4)
	assert.True(t, client.IsConnected())
	assert.False(t, server.IsConnected())

	n, err := client.Send([]byte("query"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, PacketConsumed, server.PacketReceived(lastFrame(cnet), udpClient.Addr(), udpServer.Addr(), ProtocolUDP))

	buf := make([]byte, 16)
	n, from, err := server.ReceiveFrom(context.Background(), buf, MsgDontWait)
	require.NoError(t, err)
	assert.Equal(t, "query", string(buf[:n]))
	assert.Equal(t, udpClient, from)

	_, err = server.SendTo([]byte("answer"), from)
	require.NoError(t, err)
	assert.Equal(t, PacketConsumed, client.PacketReceived(lastFrame(snet), udpServer.Addr(), udpClient.Addr(), ProtocolUDP))

	// a short buffer truncates the datagram
	n, _, err = client.ReceiveFrom(context.Background(), buf[:3], 0)
	require.NoError(t, err)
	assert.Equal(t, "ans", string(buf[:n]))

	_, _, err = client.ReceiveFrom(context.Background(), buf, MsgDontWait)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestUdpFiltering(t *testing.T) {
	client, server, cnet, _ := udpPair(t, 1)
	_, err := client.Send([]byte("one"))
	require.NoError(t, err)
	frame := lastFrame(cnet)

	// a connected endpoint only takes datagrams from its peer
	other := netip.MustParseAddr("10.0.0.3")
	assert.Equal(t, PacketNotForMe, client.PacketReceived(frame, other, udpClient.Addr(), ProtocolUDP))
	assert.Equal(t, PacketNotForMe, server.PacketReceived(frame, udpClient.Addr(), udpServer.Addr(), ProtocolTCP))

	corrupt := append([]byte(nil), frame...)
	corrupt[len(corrupt)-1] ^= 0xff
	assert.Equal(t, PacketInvalid, server.PacketReceived(corrupt, udpClient.Addr(), udpServer.Addr(), ProtocolUDP))
	assert.Equal(t, PacketInvalid, server.PacketReceived(frame[:4], udpClient.Addr(), udpServer.Addr(), ProtocolUDP))

	// the queue holds one datagram, the second is dropped
	assert.Equal(t, PacketConsumed, server.PacketReceived(frame, udpClient.Addr(), udpServer.Addr(), ProtocolUDP))
	assert.Equal(t, PacketConsumed, server.PacketReceived(frame, udpClient.Addr(), udpServer.Addr(), ProtocolUDP))
	buf := make([]byte, 8)
	_, _, err = server.ReceiveFrom(context.Background(), buf, MsgDontWait)
	require.NoError(t, err)
	_, _, err = server.ReceiveFrom(context.Background(), buf, MsgDontWait)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestUdpNotification(t *testing.T) {
	client, _, _, _ := udpPair(t, 4)
	n := Notification{Type: NotificationPortUnreachable, Protocol: ProtocolUDP, Source: udpClient, Destination: udpServer}
	assert.True(t, client.NotificationReceived(n))

	_, err := client.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrConnectionRefused)
	_, err = client.Send([]byte("x"))
	assert.NoError(t, err)

	n.Destination = netip.MustParseAddrPort("10.0.0.2:54")
	assert.False(t, client.NotificationReceived(n))
}

func TestUdpErrors(t *testing.T) {
	client, server, _, _ := udpPair(t, 4)
	_, err := server.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = server.SendTo([]byte("x"), netip.AddrPort{})
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = client.SendTo(make([]byte, 70000), udpServer)
	assert.ErrorIs(t, err, ErrMessageTooLong)
	_, _, err = client.ReceiveFrom(context.Background(), nil, MsgFlags(4))
	assert.ErrorIs(t, err, ErrInvalidFlags)

	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Close(), ErrConnectionClosed)
	assert.True(t, client.IsClosed())
	_, err = client.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, _, err = client.ReceiveFrom(context.Background(), make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
