// services/hal/internal/serial/uart.go
package serial

import (
	"sync"

	"dmahal-go/errcode"
	"dmahal-go/services/hal/internal/dma"
	"dmahal-go/services/hal/internal/periph"
	"dmahal-go/services/hal/internal/sleep"
)

// Event is a bitmask of transfer outcomes and line faults.
type Event uint32

const (
	EventTXComplete Event = 1 << iota
	EventRXComplete
	EventRXOverrun
	EventRXFraming
	EventRXParity
	EventRXOverflow
	EventRXCharMatch

	EventTXAll = EventTXComplete
	EventRXAll = EventRXComplete | EventRXOverrun | EventRXFraming | EventRXParity | EventRXOverflow | EventRXCharMatch

	lineErrors = EventRXOverrun | EventRXFraming | EventRXParity
)

func (e Event) String() string {
	if e == 0 {
		return "none"
	}
	names := [...]string{"tx_complete", "rx_complete", "rx_overrun", "rx_framing", "rx_parity", "rx_overflow", "rx_char_match"}
	s := ""
	for i, n := range names {
		if e&(1<<uint(i)) != 0 {
			if s != "" {
				s += "|"
			}
			s += n
		}
	}
	return s
}

// NoMatch disables character matching on ReadAsync.
const NoMatch = -1

// IRQSource selects one of the port's interrupt lines.
type IRQSource uint8

const (
	IRQTXReady    IRQSource = iota // data register has room
	IRQTXComplete                  // shift register drained
	IRQRXData                      // data register holds a byte
)

// Port is the register-level surface of one UART instance.
type Port interface {
	TXReady() bool
	TXIdle() bool
	TXData(b byte)
	RXReady() bool
	RXData() byte
	// LineErrors returns latched overrun/framing/parity flags and clears them.
	LineErrors() Event
	EnableIRQ(src IRQSource, on bool)
}

// Result is passed to a Handler when a transfer ends.
type Result struct {
	Events Event
	N      int // bytes moved
}

type Handler func(Result)

type direction struct {
	on   bool
	dma  bool
	buf  []byte
	pos  int
	mask Event
	cb   Handler
}

// UART runs asynchronous transfers on one instance. All state lives here;
// HandleIRQ and the DMA completion callbacks are its interrupt entry points.
type UART struct {
	mu   sync.Mutex
	desc periph.Descriptor
	port Port
	pm   *sleep.Manager

	txc, rxc *dma.Consumer

	tx    direction
	drain bool // all TX bytes handed over; waiting for the shift register
	rx    direction
	match int
}

func New(desc periph.Descriptor, port Port, pool *dma.Pool, pm *sleep.Manager) *UART {
	return &UART{
		desc:  desc,
		port:  port,
		pm:    pm,
		txc:   pool.NewConsumer(dma.Route{Signal: desc.TXSignal, Dir: dma.MemToPeriph}),
		rxc:   pool.NewConsumer(dma.Route{Signal: desc.RXSignal, Dir: dma.PeriphToMem}),
		match: NoMatch,
	}
}

func (u *UART) Descriptor() periph.Descriptor { return u.desc }

// WriteAsync starts sending p. cb receives the events in mask once the last
// byte has left the shift register.
func (u *UART) WriteAsync(p []byte, hint dma.Usage, mask Event, cb Handler) error {
	if len(p) == 0 || !hint.IsHint() {
		return errcode.Wrap(errcode.InvalidParams, "uart.write", u.desc.Name)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.tx.on {
		return errcode.Busy
	}
	u.tx = direction{on: true, buf: p, mask: mask, cb: cb}
	u.drain = false
	u.pm.Block(u.desc.SleepBlock)

	u.txc.TrySetState(hint)
	started, err := u.txc.Start(dma.Descriptor{Dir: dma.MemToPeriph, Buf: p, Width: 1}, u.onTXDMA)
	if err != nil {
		// The channel could not be driven; give a temporary claim back and
		// move the bytes from the interrupt instead.
		u.txc.Complete()
	}
	u.tx.dma = started
	if !started {
		u.port.EnableIRQ(IRQTXReady, true)
	}
	return nil
}

// ReadAsync fills p. A match other than NoMatch ends the transfer after
// that byte is stored; matching needs byte inspection so it runs from the
// interrupt even when a channel is held.
func (u *UART) ReadAsync(p []byte, hint dma.Usage, mask Event, match int, cb Handler) error {
	if len(p) == 0 || !hint.IsHint() || match > 0xff {
		return errcode.Wrap(errcode.InvalidParams, "uart.read", u.desc.Name)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rx.on {
		return errcode.Busy
	}
	u.rx = direction{on: true, buf: p, mask: mask, cb: cb}
	if match < 0 {
		match = NoMatch
	}
	u.match = match
	u.pm.Block(u.desc.SleepBlock)
	_ = u.port.LineErrors() // stale flags belong to no transfer

	u.rxc.TrySetState(hint)
	started := false
	if u.match == NoMatch {
		var err error
		started, err = u.rxc.Start(dma.Descriptor{Dir: dma.PeriphToMem, Buf: p, Width: 1}, u.onRXDMA)
		if err != nil {
			u.rxc.Complete()
		}
	} else {
		u.rxc.Complete()
	}
	u.rx.dma = started
	// Line faults are reported from the interrupt in both modes.
	u.port.EnableIRQ(IRQRXData, true)
	return nil
}

// HandleIRQ is the peripheral interrupt entry point.
func (u *UART) HandleIRQ() {
	u.mu.Lock()
	var (
		rxRes, txRes Result
		rxCB, txCB   Handler
	)

	if errs := u.port.LineErrors() & lineErrors; errs != 0 && u.rx.on {
		rxRes, rxCB = u.endRXLocked(errs, true)
	} else if u.rx.on && !u.rx.dma {
		for u.rx.on && u.port.RXReady() {
			b := u.port.RXData()
			u.rx.buf[u.rx.pos] = b
			u.rx.pos++
			var ev Event
			if u.match != NoMatch && b == byte(u.match) {
				ev |= EventRXCharMatch
			}
			if u.rx.pos == len(u.rx.buf) {
				ev |= EventRXComplete
				if u.port.RXReady() {
					ev |= EventRXOverflow
				}
			}
			if ev != 0 {
				rxRes, rxCB = u.endRXLocked(ev, false)
			}
		}
	}

	if u.tx.on {
		if !u.tx.dma && !u.drain {
			for u.tx.pos < len(u.tx.buf) && u.port.TXReady() {
				u.port.TXData(u.tx.buf[u.tx.pos])
				u.tx.pos++
			}
			if u.tx.pos == len(u.tx.buf) {
				u.port.EnableIRQ(IRQTXReady, false)
				txRes, txCB = u.drainTXLocked()
			}
		} else if u.drain {
			txRes, txCB = u.drainTXLocked()
		}
	}
	u.mu.Unlock()

	if rxCB != nil && rxRes.Events != 0 {
		rxCB(rxRes)
	}
	if txCB != nil && txRes.Events != 0 {
		txCB(txRes)
	}
}

func (u *UART) onTXDMA(dma.ChannelID) {
	u.mu.Lock()
	if !u.tx.on || !u.tx.dma {
		u.mu.Unlock()
		return
	}
	u.tx.pos = len(u.tx.buf)
	res, cb := u.drainTXLocked()
	u.mu.Unlock()
	if cb != nil && res.Events != 0 {
		cb(res)
	}
}

func (u *UART) onRXDMA(dma.ChannelID) {
	u.mu.Lock()
	if !u.rx.on || !u.rx.dma {
		u.mu.Unlock()
		return
	}
	u.rx.pos = len(u.rx.buf)
	res, cb := u.endRXLocked(EventRXComplete, false)
	u.mu.Unlock()
	if cb != nil && res.Events != 0 {
		cb(res)
	}
}

// caller holds lock
func (u *UART) drainTXLocked() (Result, Handler) {
	if u.port.TXIdle() {
		return u.endTXLocked()
	}
	if !u.drain {
		u.drain = true
		u.port.EnableIRQ(IRQTXComplete, true)
	}
	return Result{}, nil
}

// caller holds lock
func (u *UART) endTXLocked() (Result, Handler) {
	u.port.EnableIRQ(IRQTXReady, false)
	u.port.EnableIRQ(IRQTXComplete, false)
	u.txc.Complete()
	u.pm.Unblock(u.desc.SleepBlock)
	res := Result{Events: EventTXComplete & u.tx.mask, N: u.tx.pos}
	cb := u.tx.cb
	u.tx = direction{}
	u.drain = false
	return res, cb
}

// caller holds lock
func (u *UART) endRXLocked(ev Event, stop bool) (Result, Handler) {
	u.port.EnableIRQ(IRQRXData, false)
	n := u.rx.pos
	if u.rx.dma && stop {
		n = len(u.rx.buf) - u.rxc.Remaining()
		u.rxc.Abort()
	} else {
		u.rxc.Complete()
	}
	u.pm.Unblock(u.desc.SleepBlock)
	res := Result{Events: ev & u.rx.mask, N: n}
	cb := u.rx.cb
	u.rx = direction{}
	u.match = NoMatch
	return res, cb
}

// AbortTX cancels an in-flight write without invoking its handler and
// returns the bytes handed to the hardware so far.
func (u *UART) AbortTX() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.tx.on {
		return 0
	}
	u.port.EnableIRQ(IRQTXReady, false)
	u.port.EnableIRQ(IRQTXComplete, false)
	n := u.tx.pos
	if u.tx.dma {
		n = len(u.tx.buf) - u.txc.Remaining()
		u.txc.Abort()
	} else {
		u.txc.Complete()
	}
	u.pm.Unblock(u.desc.SleepBlock)
	u.tx = direction{}
	u.drain = false
	return n
}

// AbortRX cancels an in-flight read without invoking its handler and
// returns the bytes stored so far.
func (u *UART) AbortRX() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.rx.on {
		return 0
	}
	res, _ := u.endRXLocked(0, true)
	return res.N
}

func (u *UART) TXActive() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tx.on
}

func (u *UART) RXActive() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rx.on
}

// Consumer exposes the DMA usage record of one direction.
func (u *UART) Consumer(d dma.Direction) *dma.Consumer {
	if d == dma.PeriphToMem {
		return u.rxc
	}
	return u.txc
}

// SetUsage changes a direction's hint between transfers. Opportunistic
// leaves no channel held; Always keeps one for later transfers.
func (u *UART) SetUsage(d dma.Direction, hint dma.Usage) (dma.Usage, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	active := u.tx.on
	if d == dma.PeriphToMem {
		active = u.rx.on
	}
	if active {
		return u.Consumer(d).State(), errcode.Busy
	}
	c := u.Consumer(d)
	if _, err := c.Request(hint); err != nil {
		return c.State(), err
	}
	return c.Complete(), nil
}
