package lib

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

// Segment is a TCP segment as it travels between the wire and a connection.
// Payload aliases the buffer the segment was unmarshalled from; copy it before
// the buffer is reused.
type Segment struct {
	SourcePort        uint16 // SourcePort represents the source port
	DestinationPort   uint16 // DestinationPort represents the destination port
	SequenceNumber    uint32 // SequenceNumber represents the sequence number
	AcknowledgmentNum uint32 // AcknowledgmentNum represents the acknowledgment number
	DataOffset        uint8  // header length in 32-bit words
	Flags             uint8  // Flags represent various control flags
	WindowSize        uint16 // WindowSize specifies the number of bytes the receiver is willing to receive
	Checksum          uint16 // Checksum is the checksum of the packet
	UrgentPointer     uint16 // UrgentPointer indicates the end of the urgent data
	MSS               uint16 // MSS option value, 0 when absent
	Payload           []byte // Payload represents the payload data
}

// HeaderLength returns the length of the marshalled header including options.
func (s *Segment) HeaderLength() int {
	if s.MSS > 0 {
		return TcpHeaderLength + optionMSSLength
	}
	return TcpHeaderLength
}

// Len returns the amount of sequence space the segment occupies.
func (s *Segment) Len() uint32 {
	n := uint32(len(s.Payload))
	if s.Flags&SYNFlag != 0 {
		n++
	}
	if s.Flags&FINFlag != 0 {
		n++
	}
	return n
}

// Has reports whether all of flags are set.
func (s *Segment) Has(flags uint8) bool {
	return s.Flags&flags == flags
}

func (s *Segment) String() string {
	return fmt.Sprintf("%d->%d %s seq=%d ack=%d win=%d len=%d",
		s.SourcePort, s.DestinationPort, FlagString(s.Flags), s.SequenceNumber, s.AcknowledgmentNum, s.WindowSize, len(s.Payload))
}

// FlagString renders flags as "[SYN,ACK]".
func FlagString(flags uint8) string {
	names := []struct {
		flag uint8
		name string
	}{
		{SYNFlag, "SYN"}, {FINFlag, "FIN"}, {RSTFlag, "RST"}, {PSHFlag, "PSH"}, {ACKFlag, "ACK"}, {URGFlag, "URG"},
	}
	var parts []string
	for _, n := range names {
		if flags&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Marshal writes the segment into buffer and fills in the checksum computed
// over the pseudo-header of src and dst. It returns the frame length.
func (s *Segment) Marshal(buffer []byte, src, dst netip.Addr) (int, error) {
	headerLength := s.HeaderLength()
	frameLength := headerLength + len(s.Payload)
	if frameLength > len(buffer) {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the frame (%d)", len(buffer), frameLength)
	}
	frame := buffer[:frameLength]

	binary.BigEndian.PutUint16(frame[0:2], s.SourcePort)
	binary.BigEndian.PutUint16(frame[2:4], s.DestinationPort)
	binary.BigEndian.PutUint32(frame[4:8], s.SequenceNumber)
	binary.BigEndian.PutUint32(frame[8:12], s.AcknowledgmentNum)
	frame[12] = uint8(headerLength/4) << 4
	frame[13] = s.Flags
	binary.BigEndian.PutUint16(frame[14:16], s.WindowSize)
	// checksum must be zero for calculation
	binary.BigEndian.PutUint16(frame[16:18], 0)
	binary.BigEndian.PutUint16(frame[18:20], s.UrgentPointer)

	if s.MSS > 0 {
		frame[TcpHeaderLength] = optionMSS
		frame[TcpHeaderLength+1] = optionMSSLength
		binary.BigEndian.PutUint16(frame[TcpHeaderLength+2:TcpHeaderLength+4], s.MSS)
	}
	copy(frame[headerLength:], s.Payload)

	s.DataOffset = uint8(headerLength / 4)
	s.Checksum = TransportChecksum(src, dst, ProtocolTCP, frame)
	binary.BigEndian.PutUint16(frame[16:18], s.Checksum)

	return frameLength, nil
}

// Unmarshal parses a TCP frame. It does not verify the checksum.
func (s *Segment) Unmarshal(data []byte) error {
	if len(data) < TcpHeaderLength {
		return fmt.Errorf("the length(%d) of data is too short to be unmarshalled", len(data))
	}
	s.SourcePort = binary.BigEndian.Uint16(data[0:2])
	s.DestinationPort = binary.BigEndian.Uint16(data[2:4])
	s.SequenceNumber = binary.BigEndian.Uint32(data[4:8])
	s.AcknowledgmentNum = binary.BigEndian.Uint32(data[8:12])
	s.DataOffset = data[12] >> 4
	s.Flags = data[13] & 0x3f
	s.WindowSize = binary.BigEndian.Uint16(data[14:16])
	s.Checksum = binary.BigEndian.Uint16(data[16:18])
	s.UrgentPointer = binary.BigEndian.Uint16(data[18:20])
	s.MSS = 0

	headerLength := int(s.DataOffset) * 4
	if headerLength < TcpHeaderLength {
		return fmt.Errorf("segment unmarshal: data offset %d is below the minimum header length", headerLength)
	}
	if headerLength > len(data) {
		return fmt.Errorf("segment unmarshal: header length(%d) > len(data)(%d)", headerLength, len(data))
	}
	if err := s.scanOptions(data[TcpHeaderLength:headerLength]); err != nil {
		return err
	}
	if len(data) > headerLength {
		s.Payload = data[headerLength:]
	} else {
		s.Payload = nil
	}
	return nil
}

// scanOptions records the MSS option and skips everything else.
func (s *Segment) scanOptions(options []byte) error {
	for i := 0; i < len(options); {
		switch options[i] {
		case optionEndOfList:
			return nil
		case optionNOP:
			i++
			continue
		}
		if i+2 > len(options) {
			return fmt.Errorf("segment unmarshal: truncated option kind %d", options[i])
		}
		length := int(options[i+1])
		if length < 2 || i+length > len(options) {
			return fmt.Errorf("segment unmarshal: option kind %d has invalid length %d", options[i], length)
		}
		if options[i] == optionMSS && length == optionMSSLength {
			s.MSS = binary.BigEndian.Uint16(options[i+2 : i+4])
		}
		i += length
	}
	return nil
}

// CalculateChecksum returns the one's complement of the one's complement sum of buffer.
func CalculateChecksum(buffer []byte) uint16 {
	return foldChecksum(sumWords(0, buffer))
}

// TransportChecksum computes the TCP/UDP checksum of frame, whose checksum
// field must be zero, including the IPv4 pseudo-header.
func TransportChecksum(src, dst netip.Addr, protocol uint8, frame []byte) uint16 {
	return foldChecksum(sumWords(pseudoHeaderSum(src, dst, protocol, len(frame)), frame))
}

// VerifyChecksum checks a received frame with its checksum field in place.
func VerifyChecksum(frame []byte, src, dst netip.Addr, protocol uint8) bool {
	return foldChecksum(sumWords(pseudoHeaderSum(src, dst, protocol, len(frame)), frame)) == 0
}

func sumWords(sum uint32, buffer []byte) uint32 {
	// Process 16-bit words (2 bytes each)
	for i := 0; i+1 < len(buffer); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buffer[i : i+2]))
	}
	// Handle remaining odd byte, if any
	if len(buffer)%2 != 0 {
		sum += uint32(buffer[len(buffer)-1]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// pseudoHeaderSum sums the 12-byte pseudo-header: src IP, dst IP, zero, protocol, length.
func pseudoHeaderSum(src, dst netip.Addr, protocol uint8, length int) uint32 {
	var buffer [TcpPseudoHeaderLength]byte
	s4, d4 := src.As4(), dst.As4()
	copy(buffer[0:4], s4[:])
	copy(buffer[4:8], d4[:])
	buffer[9] = protocol
	binary.BigEndian.PutUint16(buffer[10:12], uint16(length))
	return sumWords(0, buffer[:])
}

// resetFor builds the RST answering seg per RFC 793: if seg carried an ACK the
// reset takes its sequence number from it, otherwise it acknowledges seg.
func resetFor(seg *Segment) *Segment {
	rst := &Segment{
		SourcePort:      seg.DestinationPort,
		DestinationPort: seg.SourcePort,
	}
	if seg.Flags&ACKFlag != 0 {
		rst.Flags = RSTFlag
		rst.SequenceNumber = seg.AcknowledgmentNum
	} else {
		rst.Flags = RSTFlag | ACKFlag
		rst.AcknowledgmentNum = SeqIncrementBy(seg.SequenceNumber, seg.Len())
	}
	return rst
}

// SendReset answers seg, received from remote on local, with a RST. Resets are
// never sent in answer to resets.
func SendReset(network NetworkLayer, seg *Segment, local, remote netip.Addr) error {
	if seg.Flags&RSTFlag != 0 {
		return nil
	}
	rst := resetFor(seg)
	var buffer [TcpHeaderLength]byte
	n, err := rst.Marshal(buffer[:], local, remote)
	if err != nil {
		return err
	}
	return network.Send(remote, buffer[:n], ProtocolTCP)
}
