package lib

import (
	"fmt"
	"time"

	"github.com/Clouded-Sabre/tcp-engine/logging"
	"github.com/Clouded-Sabre/tcp-engine/metrics"
	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload is the fixed-capacity byte buffer held by every ring pool element.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates the data of a ring pool element. The only parameter is
// the buffer capacity in bytes.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		logging.Logger.Error("NewPayload: expected exactly one parameter (buffer length)")
		return nil
	}

	bufferLength, ok := params[0].(int)
	if !ok || bufferLength <= 0 {
		logging.Logger.Errorf("NewPayload: invalid buffer length %v", params[0])
		return nil
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// SetContent sets the content of the payload
func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset empties the payload without giving its buffer away.
func (p *Payload) Reset() {
	clear(p.payloadBytes[:p.length])
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("Payload Copy: source slice(%d) is longer than buffer length(%d)", len(src), len(p.payloadBytes))
	}
	p.length = copy(p.payloadBytes, src)
	return nil
}

// Append copies as much of src as fits and returns the number of bytes taken.
func (p *Payload) Append(src []byte) int {
	n := copy(p.payloadBytes[p.length:], src)
	p.length += n
	return n
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

func (p *Payload) Len() int {
	return p.length
}

func (p *Payload) Cap() int {
	return len(p.payloadBytes)
}

// PayloadPool hands out owned payload buffers. Every buffer taken with Get
// must be handed back with Put exactly once.
type PayloadPool struct {
	ring      *rp.RingPool
	chunkSize int
}

// NewPayloadPool creates a ring pool of size chunks of chunkSize bytes each.
func NewPayloadPool(name string, size, chunkSize int, debug bool, processTimeThreshold time.Duration) *PayloadPool {
	rp.Debug = debug
	ring := rp.NewRingPool(name, size, NewPayload, chunkSize)
	ring.Debug = debug
	ring.ProcessTimeThreshold = processTimeThreshold
	return &PayloadPool{ring: ring, chunkSize: chunkSize}
}

// ChunkSize returns the capacity of every buffer in the pool.
func (p *PayloadPool) ChunkSize() int {
	return p.chunkSize
}

// Get takes an empty buffer out of the pool.
func (p *PayloadPool) Get() (*rp.Element, error) {
	chunk := p.ring.GetElement()
	if chunk == nil {
		metrics.PoolExhausted.Inc()
		return nil, ErrNoBufferSpace
	}
	return chunk, nil
}

// GetCopy takes a buffer out of the pool and fills it with src.
func (p *PayloadPool) GetCopy(src []byte) (*rp.Element, error) {
	if len(src) > p.chunkSize {
		return nil, fmt.Errorf("%w: %d bytes exceed chunk size %d", ErrMessageTooLong, len(src), p.chunkSize)
	}
	chunk, err := p.Get()
	if err != nil {
		return nil, err
	}
	if err := chunkPayload(chunk).Copy(src); err != nil {
		p.Put(chunk)
		return nil, err
	}
	return chunk, nil
}

// Put returns a buffer to the pool.
func (p *PayloadPool) Put(chunk *rp.Element) {
	if chunk == nil {
		return
	}
	chunkPayload(chunk).Reset()
	p.ring.ReturnElement(chunk)
}

func chunkPayload(chunk *rp.Element) *Payload {
	return chunk.Data.(*Payload)
}
