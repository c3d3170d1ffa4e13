package lib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteQueueSpansChunks(t *testing.T) {
	q := NewByteQueue(newTestPool(t, 16, 8), 64)
	data := []byte("the quick brown fox jumps")

	require.NoError(t, q.Enqueue(data[:3]))
	require.NoError(t, q.Enqueue(data[3:]))
	assert.Equal(t, len(data), q.Len())
	assert.Equal(t, 64-len(data), q.Free())

	buf := make([]byte, 5)
	assert.Equal(t, 5, q.Peek(buf, 10))
	assert.Equal(t, "brown", string(buf))
	assert.Equal(t, len(data), q.Len())

	assert.Equal(t, 4, q.Dequeue(buf[:4]))
	assert.Equal(t, "the ", string(buf[:4]))

	q.Discard(6)
	out := make([]byte, 64)
	n := q.Dequeue(out)
	assert.Equal(t, "brown fox jumps", string(out[:n]))
	assert.True(t, q.Empty())
}

func TestByteQueueAllOrNothing(t *testing.T) {
	q := NewByteQueue(newTestPool(t, 16, 8), 10)
	require.NoError(t, q.Enqueue([]byte("12345678")))
	assert.ErrorIs(t, q.Enqueue([]byte("abc")), ErrNoBufferSpace)
	assert.Equal(t, 8, q.Len())
	assert.NoError(t, q.Enqueue(nil))

	require.NoError(t, q.Enqueue([]byte("ab")))
	assert.Zero(t, q.Free())
}

func TestByteQueueAppendAfterPartialRead(t *testing.T) {
	q := NewByteQueue(newTestPool(t, 16, 8), 64)
	require.NoError(t, q.Enqueue([]byte("abcd")))
	buf := make([]byte, 2)
	q.Dequeue(buf)
	require.NoError(t, q.Enqueue([]byte("efghijkl")))

	out := make([]byte, 16)
	n := q.Dequeue(out)
	assert.Equal(t, "cdefghijkl", string(out[:n]))
}

func TestByteQueueFlush(t *testing.T) {
	q := NewByteQueue(newTestPool(t, 16, 8), 64)
	require.NoError(t, q.Enqueue(make([]byte, 30)))
	q.Discard(100)
	assert.True(t, q.Empty())

	require.NoError(t, q.Enqueue(make([]byte, 30)))
	q.Flush()
	assert.Zero(t, q.Len())
	assert.Equal(t, 64, q.Free())
	assert.Zero(t, q.Dequeue(make([]byte, 4)))
}
