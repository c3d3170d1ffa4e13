package lib

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	srcAddr = netip.MustParseAddr("192.168.1.10")
	dstAddr = netip.MustParseAddr("192.168.1.20")
)

func TestSegmentRoundTrip(t *testing.T) {
	seg := Segment{
		SourcePort:        60123,
		DestinationPort:   80,
		SequenceNumber:    0xdeadbeef,
		AcknowledgmentNum: 42,
		Flags:             SYNFlag | ACKFlag,
		WindowSize:        14600,
		MSS:               1460,
		Payload:           []byte("odd"),
	}
	buf := make([]byte, 128)
	n, err := seg.Marshal(buf, srcAddr, dstAddr)
	require.NoError(t, err)
	assert.Equal(t, TcpHeaderLength+optionMSSLength+3, n)
	assert.True(t, VerifyChecksum(buf[:n], srcAddr, dstAddr, ProtocolTCP))
	assert.False(t, VerifyChecksum(buf[:n], srcAddr, netip.MustParseAddr("192.168.1.21"), ProtocolTCP))

	var got Segment
	require.NoError(t, got.Unmarshal(buf[:n]))
	assert.Equal(t, seg.SourcePort, got.SourcePort)
	assert.Equal(t, seg.DestinationPort, got.DestinationPort)
	assert.Equal(t, seg.SequenceNumber, got.SequenceNumber)
	assert.Equal(t, seg.AcknowledgmentNum, got.AcknowledgmentNum)
	assert.Equal(t, seg.Flags, got.Flags)
	assert.Equal(t, seg.WindowSize, got.WindowSize)
	assert.Equal(t, uint16(1460), got.MSS)
	assert.Equal(t, uint8(6), got.DataOffset)
	assert.Equal(t, seg.Checksum, got.Checksum)
	assert.Equal(t, []byte("odd"), got.Payload)
	assert.Equal(t, uint32(4), got.Len())
	assert.True(t, got.Has(SYNFlag|ACKFlag))
	assert.Equal(t, "[SYN,ACK]", FlagString(got.Flags))
}

func TestSegmentMatchesGopacket(t *testing.T) {
	seg := Segment{
		SourcePort:        1234,
		DestinationPort:   5678,
		SequenceNumber:    1000,
		AcknowledgmentNum: 2000,
		Flags:             ACKFlag | PSHFlag | FINFlag,
		WindowSize:        512,
		MSS:               536,
		Payload:           []byte("payload bytes"),
	}
	buf := make([]byte, 128)
	n, err := seg.Marshal(buf, srcAddr, dstAddr)
	require.NoError(t, err)

	var tcp layers.TCP
	require.NoError(t, tcp.DecodeFromBytes(buf[:n], gopacket.NilDecodeFeedback))
	assert.Equal(t, layers.TCPPort(1234), tcp.SrcPort)
	assert.Equal(t, layers.TCPPort(5678), tcp.DstPort)
	assert.Equal(t, uint32(1000), tcp.Seq)
	assert.Equal(t, uint32(2000), tcp.Ack)
	assert.True(t, tcp.ACK && tcp.PSH && tcp.FIN)
	assert.False(t, tcp.SYN || tcp.RST || tcp.URG)
	assert.Equal(t, uint16(512), tcp.Window)
	require.Len(t, tcp.Options, 1)
	assert.Equal(t, layers.TCPOptionKind(layers.TCPOptionKindMSS), tcp.Options[0].OptionType)
	assert.Equal(t, []byte{0x02, 0x18}, tcp.Options[0].OptionData)
	assert.Equal(t, []byte("payload bytes"), tcp.Payload)

	// gopacket computes the same checksum
	ip := &layers.IPv4{SrcIP: net.IP(srcAddr.AsSlice()), DstIP: net.IP(dstAddr.AsSlice()), Protocol: layers.IPProtocolTCP}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	out := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(out, opts, &tcp, gopacket.Payload(seg.Payload)))
	assert.Equal(t, seg.Checksum, tcp.Checksum)
}

func TestSegmentUnmarshalOptions(t *testing.T) {
	header := func(options ...byte) []byte {
		frame := make([]byte, TcpHeaderLength+len(options))
		frame[12] = uint8(len(frame)/4) << 4
		copy(frame[TcpHeaderLength:], options)
		return frame
	}
	tests := []struct {
		name    string
		frame   []byte
		mss     uint16
		wantErr bool
	}{
		{name: "nop-then-mss", frame: header(optionNOP, optionNOP, optionNOP, optionNOP, optionMSS, 4, 0x05, 0xb4), mss: 1460},
		{name: "end-of-list", frame: header(optionEndOfList, optionMSS, 4, 0x05), mss: 0},
		{name: "unknown-option-skipped", frame: header(8, 6, 0, 0, 0, 0, optionMSS, 4, 0x02, 0x00, optionNOP, optionNOP), mss: 512},
		{name: "option-past-header", frame: header(8, 6, 0, 0, 0, 0, optionMSS, 4, 0x02, 0x00), wantErr: true},
		{name: "zero-length", frame: header(8, 0, 0, 0), wantErr: true},
		{name: "overrun", frame: header(optionMSS, 8, 0, 0), wantErr: true},
		{name: "truncated-kind", frame: header(optionNOP, optionNOP, optionNOP, 8), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seg Segment
			err := seg.Unmarshal(tt.frame)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mss, seg.MSS)
		})
	}
}

func TestSegmentUnmarshalShort(t *testing.T) {
	var seg Segment
	assert.Error(t, seg.Unmarshal(make([]byte, 10)))

	frame := make([]byte, TcpHeaderLength)
	frame[12] = 4 << 4
	assert.Error(t, seg.Unmarshal(frame), "data offset below 5")

	frame[12] = 8 << 4
	assert.Error(t, seg.Unmarshal(frame), "data offset past the frame")
}

func TestMarshalBufferTooSmall(t *testing.T) {
	seg := Segment{Payload: make([]byte, 100)}
	_, err := seg.Marshal(make([]byte, 64), srcAddr, dstAddr)
	assert.Error(t, err)
}

func TestResetFor(t *testing.T) {
	withAck := &Segment{SourcePort: 1, DestinationPort: 2, SequenceNumber: 10, AcknowledgmentNum: 500, Flags: ACKFlag}
	rst := resetFor(withAck)
	assert.Equal(t, RSTFlag, rst.Flags)
	assert.Equal(t, uint32(500), rst.SequenceNumber)
	assert.Equal(t, uint16(2), rst.SourcePort)
	assert.Equal(t, uint16(1), rst.DestinationPort)

	syn := &Segment{SourcePort: 1, DestinationPort: 2, SequenceNumber: 10, Flags: SYNFlag, Payload: []byte("ab")}
	rst = resetFor(syn)
	assert.Equal(t, RSTFlag|ACKFlag, rst.Flags)
	assert.Zero(t, rst.SequenceNumber)
	assert.Equal(t, uint32(13), rst.AcknowledgmentNum)
}

func TestCalculateChecksum(t *testing.T) {
	// RFC 1071 example
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	assert.Equal(t, uint16(0x220d), CalculateChecksum(data))
	assert.Equal(t, ^uint16(0x0100), CalculateChecksum([]byte{0x01}))
}
