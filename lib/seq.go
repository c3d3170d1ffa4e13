package lib

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
	"net/netip"
	"time"
)

// Sequence numbers live in a 32-bit space that wraps. Every comparison goes
// through the signed difference so that ordering survives the wrap as long as
// the two values are less than 2^31 apart.

func SeqIncrement(seq uint32) uint32 {
	return seq + 1 // implicit modulo operation included
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return seq + inc // implicit modulo operation included
}

// seqDiff returns a-b as a signed distance.
func seqDiff(a, b uint32) int32 {
	return int32(a - b)
}

func isLess(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) < 0
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) <= 0
}

func isGreater(seq1, seq2 uint32) bool {
	return isLess(seq2, seq1)
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return isLessOrEqual(seq2, seq1)
}

// seqBW reports low < x < high.
func seqBW(low, x, high uint32) bool {
	return isLess(low, x) && isLess(x, high)
}

// seqBWL reports low <= x < high.
func seqBWL(low, x, high uint32) bool {
	return isLessOrEqual(low, x) && isLess(x, high)
}

// seqBWH reports low < x <= high.
func seqBWH(low, x, high uint32) bool {
	return isLess(low, x) && isLessOrEqual(x, high)
}

// seqBWLH reports low <= x <= high.
func seqBWLH(low, x, high uint32) bool {
	return isLessOrEqual(low, x) && isLessOrEqual(x, high)
}

var issSecret [16]byte

func init() {
	if _, err := rand.Read(issSecret[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to the clock.
		binary.BigEndian.PutUint64(issSecret[:8], uint64(time.Now().UnixNano()))
	}
}

// GenerateISN picks an initial send sequence number: a 4µs clock as in RFC 793
// plus a keyed hash of the 4-tuple, so numbers are neither predictable nor
// reused across connections in quick succession (RFC 6528).
func GenerateISN(local, remote netip.AddrPort, now time.Time) uint32 {
	h := fnv.New32a()
	h.Write(issSecret[:])
	lb, _ := local.MarshalBinary()
	rb, _ := remote.MarshalBinary()
	h.Write(lb)
	h.Write(rb)
	return uint32(now.UnixMicro()/4) + h.Sum32()
}
