package lib

import (
	"net/netip"
)

// NetworkLayer carries transport frames to and from IP. Send must not retain
// payload. Send errors are transient: the engine relies on retransmission.
type NetworkLayer interface {
	LocalAddr() netip.Addr
	Send(dst netip.Addr, payload []byte, protocol uint8) error
	// Start begins delivering inbound frames and notifications to sink.
	Start(sink PacketSink) error
	Close() error
}

// RSTSuppressor is implemented by network layers that share the host with a
// kernel TCP stack. The core asks it to keep the kernel from resetting
// connections the engine owns.
type RSTSuppressor interface {
	SuppressRST(local netip.AddrPort, remote netip.AddrPort) error
	ReleaseRST(local netip.AddrPort, remote netip.AddrPort) error
}

// PacketSink receives inbound traffic. Implementations copy what they keep.
type PacketSink interface {
	Deliver(pkt InboundPacket)
	Notify(n Notification)
}

// InboundPacket is one transport frame taken off the network.
type InboundPacket struct {
	Source      netip.Addr
	Destination netip.Addr
	Protocol    uint8
	Data        []byte
}

// NotificationType classifies ICMP errors.
type NotificationType uint8

const (
	NotificationNetUnreachable NotificationType = iota + 1
	NotificationHostUnreachable
	NotificationProtocolUnreachable
	NotificationPortUnreachable
	NotificationFragmentationNeeded
	NotificationSourceRouteFailed
	NotificationUnreachable // any other destination unreachable code
	NotificationTimeExceeded
)

func (n NotificationType) String() string {
	switch n {
	case NotificationNetUnreachable:
		return "net_unreachable"
	case NotificationHostUnreachable:
		return "host_unreachable"
	case NotificationProtocolUnreachable:
		return "protocol_unreachable"
	case NotificationPortUnreachable:
		return "port_unreachable"
	case NotificationFragmentationNeeded:
		return "fragmentation_needed"
	case NotificationSourceRouteFailed:
		return "source_route_failed"
	case NotificationUnreachable:
		return "unreachable"
	case NotificationTimeExceeded:
		return "time_exceeded"
	}
	return "unknown"
}

// err maps a notification to the error latched on the connection, or nil
// for advisory notifications.
func (n NotificationType) err() error {
	switch n {
	case NotificationFragmentationNeeded:
		return nil
	case NotificationProtocolUnreachable, NotificationPortUnreachable:
		return ErrConnectionRefused
	case NotificationNetUnreachable, NotificationHostUnreachable:
		return ErrHostUnreachable
	case NotificationTimeExceeded:
		return ErrTimeExceeded
	}
	return ErrUnreachable
}

// Notification is an ICMP error about a datagram we sent. Source and
// Destination are taken from the quoted header, so Source is our endpoint.
type Notification struct {
	Type        NotificationType
	Protocol    uint8
	Source      netip.AddrPort
	Destination netip.AddrPort
}
