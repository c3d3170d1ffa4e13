package lib

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tableLocal  = netip.MustParseAddrPort("10.0.0.1:80")
	tableRemote = netip.MustParseAddrPort("10.0.0.2:60000")
)

func TestConnTableExactAndBound(t *testing.T) {
	table := NewConnTable(0)
	listener := &Socket{}
	conn := &Socket{}

	hl, err := table.Insert(listener, FourTuple{Local: netip.AddrPortFrom(netip.IPv4Unspecified(), 80)})
	require.NoError(t, err)
	hc, err := table.Insert(conn, FourTuple{Local: tableLocal, Remote: tableRemote})
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())

	h, s := table.Lookup(FourTuple{Local: tableLocal, Remote: tableRemote})
	assert.Equal(t, hc, h)
	assert.Same(t, conn, s)

	// a bound lookup falls back to the wildcard address
	h, s = table.LookupBound(tableLocal)
	assert.Equal(t, hl, h)
	assert.Same(t, listener, s)

	h, s = table.LookupBound(netip.MustParseAddrPort("10.0.0.1:81"))
	assert.True(t, h.IsZero())
	assert.Nil(t, s)

	_, err = table.Insert(&Socket{}, FourTuple{Local: tableLocal, Remote: tableRemote})
	assert.ErrorIs(t, err, ErrAddressInUse)
	_, err = table.Insert(&Socket{}, FourTuple{Local: netip.AddrPortFrom(netip.IPv4Unspecified(), 80)})
	assert.ErrorIs(t, err, ErrAddressInUse)
}

func TestConnTableStaleHandles(t *testing.T) {
	table := NewConnTable(0)
	first := &Socket{}
	h1, err := table.Insert(first, FourTuple{Local: tableLocal, Remote: tableRemote})
	require.NoError(t, err)
	assert.Same(t, first, table.Remove(h1))
	assert.Nil(t, table.Remove(h1))

	second := &Socket{}
	h2, err := table.Insert(second, FourTuple{Local: tableLocal, Remote: tableRemote})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Nil(t, table.Get(h1))
	assert.Same(t, second, table.Get(h2))
	assert.Nil(t, table.Get(Handle{}))
	assert.Equal(t, []Handle{h2}, table.Handles())
}

func TestConnTableRebind(t *testing.T) {
	table := NewConnTable(0)
	s := &Socket{}
	h, err := table.Insert(s, FourTuple{Local: tableLocal})
	require.NoError(t, err)

	tuple := FourTuple{Local: tableLocal, Remote: tableRemote}
	require.NoError(t, table.Rebind(h, tuple))
	_, bound := table.LookupBound(tableLocal)
	assert.Nil(t, bound)
	got, exact := table.Lookup(tuple)
	assert.Equal(t, h, got)
	assert.Same(t, s, exact)

	// the local endpoint is free for the next listener
	_, err = table.Insert(&Socket{}, FourTuple{Local: tableLocal})
	assert.NoError(t, err)

	other, err := table.Insert(&Socket{}, FourTuple{Local: netip.MustParseAddrPort("10.0.0.1:81")})
	require.NoError(t, err)
	assert.ErrorIs(t, table.Rebind(other, tuple), ErrAddressInUse)
	assert.ErrorIs(t, table.Rebind(Handle{index: 99, gen: 1}, tuple), ErrNotConnected)
}

func TestConnTableLimit(t *testing.T) {
	table := NewConnTable(2)
	for i := 0; i < 2; i++ {
		_, err := table.Insert(&Socket{}, FourTuple{Local: netip.AddrPortFrom(tableLocal.Addr(), uint16(100+i))})
		require.NoError(t, err)
	}
	_, err := table.Insert(&Socket{}, FourTuple{Local: netip.AddrPortFrom(tableLocal.Addr(), 200)})
	assert.ErrorIs(t, err, ErrTableFull)
}
