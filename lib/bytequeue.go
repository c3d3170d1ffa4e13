package lib

import (
	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// ByteQueue is a FIFO of bytes stored in pool chunks. It is not safe for
// concurrent use; the owning connection serializes access.
type ByteQueue struct {
	pool   *PayloadPool
	chunks []*rp.Element
	head   int // read offset into chunks[0]
	length int
	limit  int
}

// NewByteQueue creates a queue holding at most limit bytes.
func NewByteQueue(pool *PayloadPool, limit int) *ByteQueue {
	return &ByteQueue{pool: pool, limit: limit}
}

func (q *ByteQueue) Len() int {
	return q.length
}

func (q *ByteQueue) Empty() bool {
	return q.length == 0
}

// Free returns how many more bytes the queue accepts.
func (q *ByteQueue) Free() int {
	return q.limit - q.length
}

// Enqueue appends all of data or nothing. It fails with ErrNoBufferSpace when
// the byte limit or the pool cannot take the whole of data.
func (q *ByteQueue) Enqueue(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > q.Free() {
		return ErrNoBufferSpace
	}

	// fill the tail chunk first, remembering where to roll back to
	var taken []*rp.Element
	tailLen := -1
	rest := data
	if n := len(q.chunks); n > 0 {
		tail := chunkPayload(q.chunks[n-1])
		tailLen = tail.Len()
		rest = rest[tail.Append(rest):]
	}
	for len(rest) > 0 {
		chunk, err := q.pool.Get()
		if err != nil {
			for _, c := range taken {
				q.pool.Put(c)
			}
			if tailLen >= 0 {
				tail := chunkPayload(q.chunks[len(q.chunks)-1])
				tail.length = tailLen
			}
			return ErrNoBufferSpace
		}
		taken = append(taken, chunk)
		rest = rest[chunkPayload(chunk).Append(rest):]
	}
	q.chunks = append(q.chunks, taken...)
	q.length += len(data)
	return nil
}

// Peek copies up to len(buf) bytes starting offset bytes into the queue
// without removing them.
func (q *ByteQueue) Peek(buf []byte, offset int) int {
	n := 0
	skip := q.head + offset
	for _, chunk := range q.chunks {
		slice := chunkPayload(chunk).GetSlice()
		if skip >= len(slice) {
			skip -= len(slice)
			continue
		}
		n += copy(buf[n:], slice[skip:])
		skip = 0
		if n == len(buf) {
			break
		}
	}
	return n
}

// Dequeue moves up to len(buf) bytes into buf.
func (q *ByteQueue) Dequeue(buf []byte) int {
	n := q.Peek(buf, 0)
	q.Discard(n)
	return n
}

// Discard drops n bytes from the front of the queue.
func (q *ByteQueue) Discard(n int) {
	if n > q.length {
		n = q.length
	}
	q.length -= n
	for n > 0 && len(q.chunks) > 0 {
		avail := chunkPayload(q.chunks[0]).Len() - q.head
		if n < avail {
			q.head += n
			return
		}
		n -= avail
		q.pool.Put(q.chunks[0])
		q.chunks[0] = nil
		q.chunks = q.chunks[1:]
		q.head = 0
	}
	if len(q.chunks) == 0 {
		q.chunks = nil
	}
}

// Flush drops every byte and returns all chunks to the pool.
func (q *ByteQueue) Flush() {
	for _, chunk := range q.chunks {
		q.pool.Put(chunk)
	}
	q.chunks = nil
	q.head = 0
	q.length = 0
}
