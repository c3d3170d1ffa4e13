package lib

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Clouded-Sabre/tcp-engine/logging"
)

// PortPool hands out local ports for active opens. Ports come out of a ring
// filled with a random permutation of the range, so a returned port goes to
// the back of the line and is not reused right away.
type PortPool struct {
	ports           []uint16
	capacity        int
	minPort         uint16
	maxPort         uint16
	readIdx         int
	writeIdx        int
	isFull, isEmpty bool
	allocatedMap    map[uint16]time.Time
	mtx             sync.Mutex
}

// newPortPool creates a pool holding every port in [minPort, maxPort].
func newPortPool(minPort, maxPort uint16) *PortPool {
	capacity := int(maxPort) - int(minPort) + 1

	// Generate a random permutation of indices
	perm := rand.Perm(capacity)

	ports := make([]uint16, capacity)
	for i, v := range perm {
		ports[i] = minPort + uint16(v)
	}

	return &PortPool{
		ports:        ports,
		capacity:     capacity,
		minPort:      minPort,
		maxPort:      maxPort,
		allocatedMap: make(map[uint16]time.Time),
		isFull:       true,
	}
}

// allocatePort takes the next free port.
func (p *PortPool) allocatePort() (uint16, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.isEmpty {
		logging.Logger.Warn("port pool is empty, cannot allocate")
		return 0, ErrNoPortAvailable
	}

	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity // Move read index circularly

	if p.readIdx == p.writeIdx {
		p.isEmpty = true
	}
	p.isFull = false

	p.allocatedMap[port] = time.Now()
	return port, nil
}

// returnPort puts an allocated port back.
func (p *PortPool) returnPort(port uint16) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if port < p.minPort || port > p.maxPort {
		return fmt.Errorf("port %d out of range [%d, %d]", port, p.minPort, p.maxPort)
	}
	if _, ok := p.allocatedMap[port]; !ok {
		return fmt.Errorf("port %d was not allocated", port)
	}
	if p.isFull {
		return fmt.Errorf("port pool is full, cannot return port %d", port)
	}

	// Reuse the port number
	p.ports[p.writeIdx] = port
	p.writeIdx = (p.writeIdx + 1) % p.capacity

	if p.writeIdx == p.readIdx {
		p.isFull = true
	}
	p.isEmpty = false

	delete(p.allocatedMap, port)
	return nil
}

// owns reports whether port belongs to the pool's range.
func (p *PortPool) owns(port uint16) bool {
	return port >= p.minPort && port <= p.maxPort
}

// available returns the number of ports that can still be allocated.
func (p *PortPool) available() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	switch {
	case p.isEmpty:
		return 0
	case p.isFull:
		return p.capacity
	case p.readIdx < p.writeIdx:
		return p.writeIdx - p.readIdx
	}
	return p.capacity - (p.readIdx - p.writeIdx)
}
