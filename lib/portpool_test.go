package lib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortPoolAllocatesWholeRange(t *testing.T) {
	p := newPortPool(60000, 60009)
	assert.Equal(t, 10, p.available())

	seen := map[uint16]bool{}
	for i := 0; i < 10; i++ {
		port, err := p.allocatePort()
		require.NoError(t, err)
		assert.True(t, p.owns(port))
		assert.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}
	_, err := p.allocatePort()
	assert.ErrorIs(t, err, ErrNoPortAvailable)
	assert.Zero(t, p.available())
}

func TestPortPoolReturn(t *testing.T) {
	p := newPortPool(60000, 60002)
	first, err := p.allocatePort()
	require.NoError(t, err)

	assert.Error(t, p.returnPort(59999))
	require.NoError(t, p.returnPort(first))
	// only allocated ports come back
	assert.Error(t, p.returnPort(first))
	assert.Equal(t, 3, p.available())

	// a returned port goes to the back of the line
	a, _ := p.allocatePort()
	b, _ := p.allocatePort()
	c, _ := p.allocatePort()
	assert.NotEqual(t, first, a)
	assert.NotEqual(t, first, b)
	assert.Equal(t, first, c)
}
