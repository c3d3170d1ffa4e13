package lib

import (
	"fmt"
	"net/netip"
	"sync"
)

// Handle refers to a socket stored in a ConnTable. A handle outlives the slot
// it points to safely: once the slot is reused the generation no longer
// matches and lookups fail. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) IsZero() bool {
	return h.gen == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.index, h.gen)
}

// FourTuple identifies a connected socket.
type FourTuple struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

func (f FourTuple) String() string {
	return f.Local.String() + "<->" + f.Remote.String()
}

type tableSlot struct {
	socket *Socket
	gen    uint32
	tuple  FourTuple
	bound  bool // indexed by tuple.Local only
}

// ConnTable owns every socket of a core. Sockets are indexed by 4-tuple once
// connected and by local endpoint while listening or unconnected.
type ConnTable struct {
	mu    sync.RWMutex
	slots []tableSlot
	free  []uint32
	exact map[FourTuple]Handle
	bound map[netip.AddrPort]Handle
	count int
	limit int
}

// NewConnTable creates a table holding at most limit sockets.
func NewConnTable(limit int) *ConnTable {
	return &ConnTable{
		exact: make(map[FourTuple]Handle),
		bound: make(map[netip.AddrPort]Handle),
		limit: limit,
	}
}

// Insert stores s. An invalid remote endpoint indexes s by its local endpoint.
func (t *ConnTable) Insert(s *Socket, tuple FourTuple) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limit > 0 && t.count >= t.limit {
		return Handle{}, ErrTableFull
	}
	isBound := !tuple.Remote.IsValid()
	if isBound {
		if _, ok := t.bound[tuple.Local]; ok {
			return Handle{}, fmt.Errorf("%w: %s", ErrAddressInUse, tuple.Local)
		}
	} else if _, ok := t.exact[tuple]; ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrAddressInUse, tuple)
	}

	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, tableSlot{})
	}
	slot := &t.slots[index]
	slot.gen++
	if slot.gen == 0 {
		slot.gen = 1
	}
	slot.socket = s
	slot.tuple = tuple
	slot.bound = isBound

	h := Handle{index: index, gen: slot.gen}
	if isBound {
		t.bound[tuple.Local] = h
	} else {
		t.exact[tuple] = h
	}
	t.count++
	return h, nil
}

// Get returns the socket behind h, or nil if h is stale.
func (t *ConnTable) Get(h Handle) *Socket {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if slot := t.slot(h); slot != nil {
		return slot.socket
	}
	return nil
}

func (t *ConnTable) slot(h Handle) *tableSlot {
	if h.IsZero() || int(h.index) >= len(t.slots) {
		return nil
	}
	slot := &t.slots[h.index]
	if slot.gen != h.gen || slot.socket == nil {
		return nil
	}
	return slot
}

// Lookup finds the socket connected on tuple.
func (t *ConnTable) Lookup(tuple FourTuple) (Handle, *Socket) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.exact[tuple]
	if !ok {
		return Handle{}, nil
	}
	return h, t.slots[h.index].socket
}

// LookupBound finds the socket bound to local, falling back to a wildcard
// address bound on the same port.
func (t *ConnTable) LookupBound(local netip.AddrPort) (Handle, *Socket) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.bound[local]
	if !ok {
		h, ok = t.bound[netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())]
	}
	if !ok {
		return Handle{}, nil
	}
	return h, t.slots[h.index].socket
}

// Rebind moves the socket behind h to the index for tuple. It is used when a
// listening connection is promoted to a connected child.
func (t *ConnTable) Rebind(h Handle, tuple FourTuple) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slot(h)
	if slot == nil {
		return ErrNotConnected
	}
	if _, ok := t.exact[tuple]; ok {
		return fmt.Errorf("%w: %s", ErrAddressInUse, tuple)
	}
	t.unindex(h, slot)
	slot.tuple = tuple
	slot.bound = false
	t.exact[tuple] = h
	return nil
}

// Remove frees the slot of h. Stale handles are ignored.
func (t *ConnTable) Remove(h Handle) *Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slot(h)
	if slot == nil {
		return nil
	}
	s := slot.socket
	t.unindex(h, slot)
	slot.socket = nil
	slot.tuple = FourTuple{}
	t.free = append(t.free, h.index)
	t.count--
	return s
}

func (t *ConnTable) unindex(h Handle, slot *tableSlot) {
	if slot.bound {
		if t.bound[slot.tuple.Local] == h {
			delete(t.bound, slot.tuple.Local)
		}
	} else if t.exact[slot.tuple] == h {
		delete(t.exact, slot.tuple)
	}
}

// Len returns the number of stored sockets.
func (t *ConnTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Handles returns the handles of all stored sockets.
func (t *ConnTable) Handles() []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	handles := make([]Handle, 0, t.count)
	for i := range t.slots {
		if t.slots[i].socket != nil {
			handles = append(handles, Handle{index: uint32(i), gen: t.slots[i].gen})
		}
	}
	return handles
}
