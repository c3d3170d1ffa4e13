package lib

// Flag constants. They occupy byte 13 of the TCP header.
const (
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

// IP protocol numbers handled by the transport core.
const (
	ProtocolICMP uint8 = 1
	ProtocolTCP  uint8 = 6
	ProtocolUDP  uint8 = 17
)

const (
	TcpOptionsMaxLength   = 40
	TcpHeaderLength       = 20 //options not included
	TcpPseudoHeaderLength = 12
	UdpHeaderLength       = 8
	IpHeaderMaxLength     = 60
)

// TCP option kinds
const (
	optionEndOfList = 0
	optionNOP       = 1
	optionMSS       = 2
	optionMSSLength = 4
)

const (
	defaultSendMSS = 536 // RFC 1122 section 4.2.2.6
	minSendMSS     = 10
)
