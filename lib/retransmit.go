package lib

import (
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// RetransmissionEntry is one outstanding segment. It owns its payload chunk
// until the entry is acknowledged or flushed.
type RetransmissionEntry struct {
	Seq             uint32
	Flags           uint8 // SYNFlag and/or FINFlag
	SentTime        time.Time
	Retransmissions int

	chunk  *rp.Element
	offset int // bytes already acknowledged from the front of chunk
}

// Payload returns the unacknowledged bytes of the entry.
func (e *RetransmissionEntry) Payload() []byte {
	if e.chunk == nil {
		return nil
	}
	return chunkPayload(e.chunk).GetSlice()[e.offset:]
}

// Len returns the sequence space still covered by the entry.
func (e *RetransmissionEntry) Len() uint32 {
	n := uint32(len(e.Payload()))
	if e.Flags&SYNFlag != 0 {
		n++
	}
	if e.Flags&FINFlag != 0 {
		n++
	}
	return n
}

// End returns the sequence number following the entry.
func (e *RetransmissionEntry) End() uint32 {
	return SeqIncrementBy(e.Seq, e.Len())
}

// RetransmissionQueue keeps outstanding segments in send order.
type RetransmissionQueue struct {
	pool    *PayloadPool
	entries []*RetransmissionEntry
	bytes   int
	limit   int
}

// NewRetransmissionQueue creates a queue holding at most limit payload bytes.
func NewRetransmissionQueue(pool *PayloadPool, limit int) *RetransmissionQueue {
	return &RetransmissionQueue{pool: pool, limit: limit}
}

// Push records a segment just sent. The payload is copied into a pool chunk.
func (q *RetransmissionQueue) Push(seq uint32, flags uint8, payload []byte, now time.Time) error {
	entry := &RetransmissionEntry{
		Seq:      seq,
		Flags:    flags & (SYNFlag | FINFlag),
		SentTime: now,
	}
	if len(payload) > 0 {
		if q.bytes+len(payload) > q.limit {
			return ErrNoBufferSpace
		}
		chunk, err := q.pool.GetCopy(payload)
		if err != nil {
			return err
		}
		entry.chunk = chunk
		q.bytes += len(payload)
	}
	q.entries = append(q.entries, entry)
	return nil
}

// Acknowledge drops everything below una, trimming a partially acknowledged
// front entry. It returns the number of entries removed and whether any of
// them had been retransmitted.
func (q *RetransmissionQueue) Acknowledge(una uint32) (removed int, retransmitted bool) {
	for len(q.entries) > 0 {
		e := q.entries[0]
		if isLessOrEqual(e.End(), una) {
			if e.Retransmissions > 0 {
				retransmitted = true
			}
			q.release(e)
			q.entries[0] = nil
			q.entries = q.entries[1:]
			removed++
			continue
		}
		if isGreater(una, e.Seq) {
			q.trim(e, uint32(seqDiff(una, e.Seq)))
		}
		break
	}
	if len(q.entries) == 0 {
		q.entries = nil
	}
	return removed, retransmitted
}

// trim drops n acknowledged sequence numbers from the front of e.
func (q *RetransmissionQueue) trim(e *RetransmissionEntry, n uint32) {
	if e.Flags&SYNFlag != 0 {
		e.Flags &^= SYNFlag
		e.Seq = SeqIncrement(e.Seq)
		n--
	}
	if n == 0 {
		return
	}
	data := len(e.Payload())
	if int(n) > data {
		n = uint32(data)
	}
	e.offset += int(n)
	e.Seq = SeqIncrementBy(e.Seq, n)
	q.bytes -= int(n)
}

func (q *RetransmissionQueue) release(e *RetransmissionEntry) {
	if e.chunk != nil {
		q.bytes -= len(e.Payload())
		q.pool.Put(e.chunk)
		e.chunk = nil
	}
}

// Front returns the oldest outstanding entry or nil.
func (q *RetransmissionQueue) Front() *RetransmissionEntry {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

func (q *RetransmissionQueue) Len() int {
	return len(q.entries)
}

// Bytes returns the payload bytes held by the queue.
func (q *RetransmissionQueue) Bytes() int {
	return q.bytes
}

func (q *RetransmissionQueue) Empty() bool {
	return len(q.entries) == 0
}

// Free returns how many more payload bytes Push accepts.
func (q *RetransmissionQueue) Free() int {
	return q.limit - q.bytes
}

// Flush drops all entries and returns their chunks to the pool.
func (q *RetransmissionQueue) Flush() {
	for _, e := range q.entries {
		q.release(e)
	}
	q.entries = nil
	q.bytes = 0
}
