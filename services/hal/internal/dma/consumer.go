// services/hal/internal/dma/consumer.go
package dma

import (
	"sync"

	"dmahal-go/errcode"
)

// Usage is both the hint a caller requests and the state a Consumer is in.
// Never, Opportunistic and Always are valid requests; TemporaryAllocated and
// Allocated are only ever reached as states.
type Usage uint8

const (
	Never Usage = iota
	Opportunistic
	Always
	TemporaryAllocated
	Allocated
)

func (u Usage) String() string {
	switch u {
	case Never:
		return "never"
	case Opportunistic:
		return "opportunistic"
	case Always:
		return "always"
	case TemporaryAllocated:
		return "temporary_allocated"
	case Allocated:
		return "allocated"
	default:
		return "unknown"
	}
}

// IsHint reports whether u may be requested by a caller.
func (u Usage) IsHint() bool { return u <= Always }

// ParseUsage maps "never" | "opportunistic" | "always" to a hint.
func ParseUsage(s string) (Usage, bool) {
	switch s {
	case "never", "":
		return Never, true
	case "opportunistic":
		return Opportunistic, true
	case "always":
		return Always, true
	}
	return Never, false
}

// Consumer is the channel usage record of one transfer direction of one
// peripheral instance.
type Consumer struct {
	mu    sync.Mutex
	pool  *Pool
	route Route
	state Usage
	ch    ChannelID
	done  func(ch ChannelID)
}

func (p *Pool) NewConsumer(r Route) *Consumer {
	return &Consumer{pool: p, route: r, state: Never, ch: NoChannel}
}

func (c *Consumer) State() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) Channel() ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

func (c *Consumer) Route() Route { return c.route }

// Request is TrySetState with validation of the hint.
func (c *Consumer) Request(hint Usage) (Usage, error) {
	if !hint.IsHint() {
		return c.State(), errcode.Wrap(errcode.InvalidParams, "dma.request", hint.String())
	}
	return c.TrySetState(hint), nil
}

// TrySetState applies one arbitration decision and returns the new state.
// Pool exhaustion leaves the consumer without a channel in the requested
// hint's state, which callers read as "use interrupts".
func (c *Consumer) TrySetState(hint Usage) Usage {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch hint {
	case Always:
		switch c.state {
		case Allocated:
		case TemporaryAllocated:
			// Already holding a channel for this transfer; keep it for good.
			c.state = Allocated
		default:
			if c.acquire() {
				c.state = Allocated
			} else {
				c.state = Always
			}
		}
	case Opportunistic:
		switch c.state {
		case Allocated, TemporaryAllocated:
			c.state = TemporaryAllocated
		default:
			if c.acquire() {
				c.state = TemporaryAllocated
			} else {
				c.state = Opportunistic
			}
		}
	case Never:
		c.releaseLocked()
		c.state = Never
	}
	return c.state
}

// caller holds lock
func (c *Consumer) acquire() bool {
	ch, ok := c.pool.Alloc()
	if !ok {
		return false
	}
	if err := c.pool.ctrl.Configure(ch, c.route); err != nil {
		c.pool.Free(ch)
		return false
	}
	c.ch = ch
	return true
}

// caller holds lock
func (c *Consumer) releaseLocked() {
	if c.ch != NoChannel {
		c.pool.Free(c.ch)
		c.ch = NoChannel
	}
	c.done = nil
}

// Start programs d on the held channel and registers done as the completion
// callback. started is false when no channel is held; the caller then moves
// the data from the peripheral interrupt instead.
func (c *Consumer) Start(d Descriptor, done func(ch ChannelID)) (started bool, err error) {
	c.mu.Lock()
	ch := c.ch
	if ch == NoChannel {
		c.mu.Unlock()
		return false, nil
	}
	c.done = done
	c.mu.Unlock()

	if err := c.pool.ctrl.Start(ch, d, c.fire); err != nil {
		c.mu.Lock()
		c.done = nil
		c.mu.Unlock()
		return false, err
	}
	return true, nil
}

func (c *Consumer) fire(ch ChannelID) {
	c.mu.Lock()
	done := c.done
	c.done = nil
	c.mu.Unlock()
	if done != nil {
		done(ch)
	}
}

// Complete ends the current transfer's claim: a temporary channel goes back
// to the pool, a permanent one stays held for the next transfer.
func (c *Consumer) Complete() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = nil
	if c.state == TemporaryAllocated {
		c.releaseLocked()
		c.state = Opportunistic
	}
	return c.state
}

// Abort stops an in-flight DMA transfer and then completes the claim.
func (c *Consumer) Abort() Usage {
	c.mu.Lock()
	ch := c.ch
	c.done = nil
	c.mu.Unlock()
	if ch != NoChannel {
		c.pool.ctrl.Stop(ch)
	}
	return c.Complete()
}

// Remaining reports frames not yet moved by the held channel, or 0.
func (c *Consumer) Remaining() int {
	ch := c.Channel()
	if ch == NoChannel {
		return 0
	}
	return c.pool.ctrl.Remaining(ch)
}
