// services/hal/internal/spi/spi.go
package spi

import (
	"sync"

	"dmahal-go/errcode"
	"dmahal-go/services/hal/internal/dma"
	"dmahal-go/services/hal/internal/periph"
	"dmahal-go/services/hal/internal/sleep"
)

type Event uint32

const (
	EventComplete Event = 1 << iota
	EventError
	EventRXOverflow

	EventAll = EventComplete | EventError | EventRXOverflow
)

func (e Event) String() string {
	if e == 0 {
		return "none"
	}
	names := [...]string{"complete", "error", "rx_overflow"}
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

// Mode is clock polarity/phase, 0..3.
type Mode uint8

type Config struct {
	FrameBits int
	Mode      Mode
	Hz        uint32
	Fill      uint16 // sent when tx is shorter than rx
}

// DefaultConfig is 8-bit mode 0 at 1 MHz, filling with 0xff.
func DefaultConfig() Config {
	return Config{FrameBits: 8, Mode: 0, Hz: 1_000_000, Fill: 0xff}
}

// Width is the number of buffer bytes per frame.
func (c Config) Width() int {
	if c.FrameBits > 8 {
		return 2
	}
	return 1
}

type IRQSource uint8

const (
	IRQTXReady IRQSource = iota
	IRQRXData
)

// Port is the register-level surface of one SPI master instance.
type Port interface {
	Configure(cfg Config) error
	TXReady() bool
	TXData(frame uint16)
	RXReady() bool
	RXData() uint16
	// Overrun returns the latched receive-overrun flag and clears it.
	Overrun() bool
	EnableIRQ(src IRQSource, on bool)
}

type Result struct {
	Events Event
	N      int // frames exchanged
}

type Handler func(Result)

// SPI runs asynchronous full-duplex transfers on one master instance.
type SPI struct {
	mu   sync.Mutex
	desc periph.Descriptor
	port Port
	pm   *sleep.Manager

	txc, rxc *dma.Consumer
	cfg      Config

	on      bool
	useDMA  bool
	pending int // DMA channels still running
	tx, rx  []byte
	rxDMA   []byte // buffer the RX channel writes to
	frames  int
	txPos   int
	rxPos   int
	mask    Event
	cb      Handler
}

func New(desc periph.Descriptor, port Port, pool *dma.Pool, pm *sleep.Manager) *SPI {
	return &SPI{
		desc: desc,
		port: port,
		pm:   pm,
		txc:  pool.NewConsumer(dma.Route{Signal: desc.TXSignal, Dir: dma.MemToPeriph}),
		rxc:  pool.NewConsumer(dma.Route{Signal: desc.RXSignal, Dir: dma.PeriphToMem}),
		cfg:  DefaultConfig(),
	}
}

func (s *SPI) Descriptor() periph.Descriptor { return s.desc }

func (s *SPI) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Check reports whether cfg is a valid frame format for desc. Frames are
// 4..16 bits and no wider than the instance supports.
func Check(desc periph.Descriptor, cfg Config) error {
	if cfg.FrameBits < 4 || cfg.FrameBits > 16 || cfg.FrameBits > desc.MaxFrameBits {
		return errcode.Wrap(errcode.InvalidParams, "spi.configure", "frame bits")
	}
	if cfg.Mode > 3 {
		return errcode.Wrap(errcode.InvalidParams, "spi.configure", "mode")
	}
	return nil
}

// Configure sets the frame format after Check.
func (s *SPI) Configure(cfg Config) error {
	if err := Check(s.desc, cfg); err != nil {
		return err
	}
	if cfg.Hz == 0 {
		cfg.Hz = DefaultConfig().Hz
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.on {
		return errcode.Busy
	}
	if err := s.port.Configure(cfg); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

// TransferAsync exchanges max(len(tx), len(rx)) bytes worth of frames.
// DMA is used only when both directions hold a channel.
func (s *SPI) TransferAsync(tx, rx []byte, hint dma.Usage, mask Event, cb Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.cfg.Width()
	n := len(tx)
	if len(rx) > n {
		n = len(rx)
	}
	if n == 0 || len(tx)%w != 0 || len(rx)%w != 0 || !hint.IsHint() {
		return errcode.Wrap(errcode.InvalidParams, "spi.transfer", s.desc.Name)
	}
	if s.on {
		return errcode.Busy
	}
	s.on, s.tx, s.rx, s.frames = true, tx, rx, n/w
	s.txPos, s.rxPos, s.mask, s.cb = 0, 0, mask, cb
	s.pm.Block(s.desc.SleepBlock)

	s.txc.TrySetState(hint)
	s.rxc.TrySetState(hint)
	s.useDMA = s.startDMALocked(n)
	if !s.useDMA {
		s.txc.Complete()
		s.rxc.Complete()
		s.port.EnableIRQ(IRQRXData, true)
		s.port.EnableIRQ(IRQTXReady, true)
	}
	return nil
}

// caller holds lock
func (s *SPI) startDMALocked(n int) bool {
	if s.txc.Channel() == dma.NoChannel || s.rxc.Channel() == dma.NoChannel {
		return false
	}
	w := uint8(s.cfg.Width())
	txBuf := s.tx
	if len(txBuf) < n {
		txBuf = make([]byte, n)
		copy(txBuf, s.tx)
		for i := len(s.tx); i < n; i += int(w) {
			putFrame(txBuf[i:], int(w), s.cfg.Fill&frameMask(s.cfg.FrameBits))
		}
	}
	s.rxDMA = s.rx
	if len(s.rxDMA) < n {
		s.rxDMA = make([]byte, n)
	}
	s.pending = 2
	// RX first so no frame clocked out by TX is missed.
	if ok, _ := s.rxc.Start(dma.Descriptor{Dir: dma.PeriphToMem, Buf: s.rxDMA, Width: w}, s.onDMA); !ok {
		return false
	}
	if ok, _ := s.txc.Start(dma.Descriptor{Dir: dma.MemToPeriph, Buf: txBuf, Width: w}, s.onDMA); !ok {
		s.rxc.Abort()
		return false
	}
	return true
}

func (s *SPI) onDMA(dma.ChannelID) {
	s.mu.Lock()
	if !s.on || !s.useDMA {
		s.mu.Unlock()
		return
	}
	s.pending--
	if s.pending > 0 {
		s.mu.Unlock()
		return
	}
	if len(s.rx) > 0 && &s.rxDMA[0] != &s.rx[0] {
		copy(s.rx, s.rxDMA)
	}
	s.txPos, s.rxPos = s.frames, s.frames
	res, cb := s.endLocked(EventComplete)
	s.mu.Unlock()
	if cb != nil && res.Events != 0 {
		cb(res)
	}
}

// HandleIRQ is the peripheral interrupt entry point for the interrupt path.
func (s *SPI) HandleIRQ() {
	s.mu.Lock()
	if !s.on || s.useDMA {
		s.mu.Unlock()
		return
	}
	var (
		res Result
		cb  Handler
	)
	w := s.cfg.Width()
	depth := s.desc.FIFODepth
	for s.on {
		if s.port.Overrun() {
			res, cb = s.endLocked(EventError | EventRXOverflow)
			break
		}
		progressed := false
		if s.rxPos < s.txPos && s.port.RXReady() {
			f := s.port.RXData()
			if off := s.rxPos * w; off+w <= len(s.rx) {
				putFrame(s.rx[off:], w, f)
			}
			s.rxPos++
			progressed = true
		}
		if s.rxPos == s.frames {
			res, cb = s.endLocked(EventComplete)
			break
		}
		if s.txPos < s.frames && s.txPos-s.rxPos < depth && s.port.TXReady() {
			s.port.TXData(s.frameAt(s.txPos))
			s.txPos++
			progressed = true
		}
		if !progressed {
			break
		}
	}
	s.mu.Unlock()
	if cb != nil && res.Events != 0 {
		cb(res)
	}
}

// caller holds lock
func (s *SPI) frameAt(i int) uint16 {
	w := s.cfg.Width()
	off := i * w
	var f uint16
	if off+w <= len(s.tx) {
		f = getFrame(s.tx[off:], w)
	} else {
		f = s.cfg.Fill
	}
	return f & frameMask(s.cfg.FrameBits)
}

func frameMask(bits int) uint16 { return uint16((1 << uint(bits)) - 1) }

// caller holds lock
func (s *SPI) endLocked(ev Event) (Result, Handler) {
	s.port.EnableIRQ(IRQTXReady, false)
	s.port.EnableIRQ(IRQRXData, false)
	s.txc.Complete()
	s.rxc.Complete()
	s.pm.Unblock(s.desc.SleepBlock)
	res := Result{Events: ev & s.mask, N: s.rxPos}
	cb := s.cb
	s.reset()
	return res, cb
}

// caller holds lock
func (s *SPI) reset() {
	s.on, s.useDMA, s.pending = false, false, 0
	s.tx, s.rx, s.rxDMA = nil, nil, nil
	s.frames, s.txPos, s.rxPos = 0, 0, 0
	s.mask, s.cb = 0, nil
}

// Abort cancels an in-flight transfer without invoking its handler.
func (s *SPI) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.on {
		return
	}
	s.port.EnableIRQ(IRQTXReady, false)
	s.port.EnableIRQ(IRQRXData, false)
	if s.useDMA {
		s.txc.Abort()
		s.rxc.Abort()
	} else {
		s.txc.Complete()
		s.rxc.Complete()
	}
	s.pm.Unblock(s.desc.SleepBlock)
	s.reset()
}

func (s *SPI) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

func (s *SPI) Consumer(d dma.Direction) *dma.Consumer {
	if d == dma.PeriphToMem {
		return s.rxc
	}
	return s.txc
}

// SetUsage changes a direction's hint between transfers.
func (s *SPI) SetUsage(d dma.Direction, hint dma.Usage) (dma.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.Consumer(d)
	if s.on {
		return c.State(), errcode.Busy
	}
	if _, err := c.Request(hint); err != nil {
		return c.State(), err
	}
	return c.Complete(), nil
}

// Frames wider than 8 bits are stored little-endian.
func putFrame(b []byte, w int, f uint16) {
	b[0] = byte(f)
	if w == 2 {
		b[1] = byte(f >> 8)
	}
}

func getFrame(b []byte, w int) uint16 {
	if w == 2 {
		return uint16(b[0]) | uint16(b[1])<<8
	}
	return uint16(b[0])
}
