// services/hal/internal/dma/pool.go
package dma

import (
	"math/bits"
	"sync"

	"dmahal-go/errcode"
)

// ChannelID indexes a channel in a Pool. NoChannel marks "unclaimed".
type ChannelID int8

const NoChannel ChannelID = -1

// MaxChannels bounds the pool size (one bit per channel).
const MaxChannels = 32

// Direction of a transfer relative to memory.
type Direction uint8

const (
	MemToPeriph Direction = iota // TX
	PeriphToMem                  // RX
)

func (d Direction) String() string {
	if d == PeriphToMem {
		return "rx"
	}
	return "tx"
}

// Route wires a channel to a peripheral request signal.
type Route struct {
	Signal uint8
	Dir    Direction
}

// Descriptor is one programmed transfer.
type Descriptor struct {
	Dir   Direction
	Buf   []byte
	Width uint8 // bytes per frame: 1 or 2
}

// Frames reports the number of frames the descriptor moves.
func (d Descriptor) Frames() int {
	if d.Width == 2 {
		return len(d.Buf) / 2
	}
	return len(d.Buf)
}

// Controller is the vendor DMA engine. done is invoked from interrupt
// context when the hardware finishes the descriptor, never from within Start.
type Controller interface {
	Configure(ch ChannelID, r Route) error
	Start(ch ChannelID, d Descriptor, done func(ch ChannelID)) error
	Stop(ch ChannelID)
	Remaining(ch ChannelID) int
}

// Pool arbitrates a fixed set of channels. It is the only place channel
// indices are handed out; a reserved index belongs to exactly one holder.
type Pool struct {
	mu       sync.Mutex
	n        int
	reserved uint32
	ctrl     Controller
}

func NewPool(n int, ctrl Controller) (*Pool, error) {
	if n < 0 || n > MaxChannels {
		return nil, errcode.Wrap(errcode.InvalidParams, "dma.pool", "channel count out of range")
	}
	return &Pool{n: n, ctrl: ctrl}, nil
}

func (p *Pool) Size() int { return p.n }

func (p *Pool) Controller() Controller { return p.ctrl }

// Alloc reserves the lowest free channel. ok is false when the pool is
// exhausted or no controller is attached.
func (p *Pool) Alloc() (ch ChannelID, ok bool) {
	if p == nil || p.ctrl == nil {
		return NoChannel, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	free := ^p.reserved
	if p.n < MaxChannels {
		free &= (1 << uint(p.n)) - 1
	}
	if free == 0 {
		return NoChannel, false
	}
	i := bits.TrailingZeros32(free)
	p.reserved |= 1 << uint(i)
	return ChannelID(i), true
}

// Free returns ch to the pool. Unreserved or out-of-range indices are ignored.
func (p *Pool) Free(ch ChannelID) {
	if p == nil || ch < 0 || int(ch) >= p.n {
		return
	}
	p.mu.Lock()
	p.reserved &^= 1 << uint(ch)
	p.mu.Unlock()
}

// InUse reports whether ch is currently reserved.
func (p *Pool) InUse(ch ChannelID) bool {
	if p == nil || ch < 0 || int(ch) >= p.n {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved&(1<<uint(ch)) != 0
}

// Available counts free channels.
func (p *Pool) Available() int {
	if p == nil || p.ctrl == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n - bits.OnesCount32(p.reserved)
}
