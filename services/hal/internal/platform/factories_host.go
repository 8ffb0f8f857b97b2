// services/hal/internal/platform/factories_host.go
//go:build !rp2040 && !rp2350

package platform

import (
	"sync"

	"dmahal-go/services/hal/internal/dma"
	"dmahal-go/services/hal/internal/halcore"
	"dmahal-go/services/hal/internal/periph"
	"dmahal-go/services/hal/internal/serial"
	"dmahal-go/services/hal/internal/sleep"
	"dmahal-go/services/hal/internal/spi"

	"tinygo.org/x/drivers"
)

// Ensure the host types satisfy the contracts at compile time.
var (
	_ halcore.Platform  = (*HostPlatform)(nil)
	_ dma.Controller    = (*FakeDMA)(nil)
	_ serial.Port       = (*FakeUART)(nil)
	_ spi.Port          = (*FakeSPI)(nil)
	_ halcore.Endpoint  = (*FakeUART)(nil)
	_ halcore.BaudRater = (*FakeUART)(nil)
	_ halcore.Endpoint  = (*FakeSPI)(nil)
)

// ----------------------------- DMA (host) ------------------------------------

type fakeXfer struct {
	d    dma.Descriptor
	done func(dma.ChannelID)
}

// FakeDMA emulates a DMA controller by moving bytes between descriptors and
// the Endpoint attached to each request signal. With Auto set, transfers are
// pumped from a goroutine as soon as they start; otherwise tests call Pump.
type FakeDMA struct {
	mu      sync.Mutex
	Auto    bool
	routes  map[dma.ChannelID]dma.Route
	running map[dma.ChannelID]fakeXfer
	eps     map[uint8]halcore.Endpoint
	started int
}

func NewFakeDMA(auto bool) *FakeDMA {
	return &FakeDMA{
		Auto:    auto,
		routes:  map[dma.ChannelID]dma.Route{},
		running: map[dma.ChannelID]fakeXfer{},
		eps:     map[uint8]halcore.Endpoint{},
	}
}

// Attach routes request signal sig to ep.
func (f *FakeDMA) Attach(sig uint8, ep halcore.Endpoint) {
	f.mu.Lock()
	f.eps[sig] = ep
	f.mu.Unlock()
}

func (f *FakeDMA) Configure(ch dma.ChannelID, r dma.Route) error {
	f.mu.Lock()
	f.routes[ch] = r
	f.mu.Unlock()
	return nil
}

func (f *FakeDMA) Start(ch dma.ChannelID, d dma.Descriptor, done func(dma.ChannelID)) error {
	f.mu.Lock()
	f.running[ch] = fakeXfer{d: d, done: done}
	f.started++
	auto := f.Auto
	f.mu.Unlock()
	if auto {
		go f.Pump()
	}
	return nil
}

func (f *FakeDMA) Stop(ch dma.ChannelID) {
	f.mu.Lock()
	delete(f.running, ch)
	f.mu.Unlock()
}

func (f *FakeDMA) Remaining(ch dma.ChannelID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if x, ok := f.running[ch]; ok {
		return x.d.Frames()
	}
	return 0
}

// Pump completes every running transfer its endpoint can serve, repeating
// until nothing moves. It returns the number of completions.
func (f *FakeDMA) Pump() int {
	total := 0
	for {
		type fin struct {
			ch   dma.ChannelID
			done func(dma.ChannelID)
		}
		var ready []fin
		f.mu.Lock()
		for ch, x := range f.running {
			ep := f.eps[f.routes[ch].Signal]
			if ep == nil {
				continue
			}
			w := int(x.d.Width)
			if x.d.Dir == dma.MemToPeriph {
				ep.DMAWrite(x.d.Buf, w)
			} else if !ep.DMARead(x.d.Buf, w) {
				continue
			}
			ready = append(ready, fin{ch, x.done})
			delete(f.running, ch)
		}
		f.mu.Unlock()
		if len(ready) == 0 {
			return total
		}
		for _, r := range ready {
			r.done(r.ch)
		}
		total += len(ready)
	}
}

// Finish completes ch without moving data.
func (f *FakeDMA) Finish(ch dma.ChannelID) bool {
	f.mu.Lock()
	x, ok := f.running[ch]
	delete(f.running, ch)
	f.mu.Unlock()
	if ok {
		x.done(ch)
	}
	return ok
}

func (f *FakeDMA) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}

// Started counts descriptors ever started.
func (f *FakeDMA) Started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// ----------------------------- UART (host) -----------------------------------

// FakeUART implements serial.Port with a capture buffer for TX and an
// injectable RX queue.
type FakeUART struct {
	mu    sync.Mutex
	irq   softIRQ
	en    map[serial.IRQSource]bool
	sent  []byte
	rxq   []byte
	errs  serial.Event
	dma   *FakeDMA
	baud  uint32
	Stuck bool // shift register never drains
}

func NewFakeUART() *FakeUART { return &FakeUART{en: map[serial.IRQSource]bool{}} }

func (u *FakeUART) SetIRQ(h func()) { u.mu.Lock(); u.irq.SetIRQ(h); u.mu.Unlock() }

func (u *FakeUART) TXReady() bool { return true }
func (u *FakeUART) TXIdle() bool  { u.mu.Lock(); defer u.mu.Unlock(); return !u.Stuck }
func (u *FakeUART) TXData(b byte) { u.mu.Lock(); u.sent = append(u.sent, b); u.mu.Unlock() }

func (u *FakeUART) RXReady() bool { u.mu.Lock(); defer u.mu.Unlock(); return len(u.rxq) > 0 }

func (u *FakeUART) RXData() byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.rxq) == 0 {
		return 0
	}
	b := u.rxq[0]
	u.rxq = u.rxq[1:]
	return b
}

func (u *FakeUART) LineErrors() serial.Event {
	u.mu.Lock()
	defer u.mu.Unlock()
	e := u.errs
	u.errs = 0
	return e
}

func (u *FakeUART) EnableIRQ(src serial.IRQSource, on bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.en[src] = on
	if !on {
		return
	}
	switch src {
	case serial.IRQTXReady:
		u.irq.raise()
	case serial.IRQTXComplete:
		if !u.Stuck {
			u.irq.raise()
		}
	case serial.IRQRXData:
		if len(u.rxq) > 0 || u.errs != 0 {
			u.irq.raise()
		}
	}
}

func (u *FakeUART) SetBaudRate(baud uint32) error {
	u.mu.Lock()
	u.baud = baud
	u.mu.Unlock()
	return nil
}

func (u *FakeUART) Baud() uint32 { u.mu.Lock(); defer u.mu.Unlock(); return u.baud }

// Inject queues received bytes, lets DMA take them, then raises RX.
func (u *FakeUART) Inject(p []byte) {
	u.mu.Lock()
	u.rxq = append(u.rxq, p...)
	d := u.dma
	u.mu.Unlock()
	if d != nil {
		d.Pump()
	}
	u.mu.Lock()
	if u.en[serial.IRQRXData] && len(u.rxq) > 0 {
		u.irq.raise()
	}
	u.mu.Unlock()
}

// InjectError latches line fault flags and raises RX.
func (u *FakeUART) InjectError(e serial.Event) {
	u.mu.Lock()
	u.errs |= e
	if u.en[serial.IRQRXData] {
		u.irq.raise()
	}
	u.mu.Unlock()
}

// Unstick lets the shift register drain and raises TX complete.
func (u *FakeUART) Unstick() {
	u.mu.Lock()
	u.Stuck = false
	if u.en[serial.IRQTXComplete] {
		u.irq.raise()
	}
	u.mu.Unlock()
}

// Sent returns a copy of everything transmitted so far.
func (u *FakeUART) Sent() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]byte(nil), u.sent...)
}

func (u *FakeUART) DMAWrite(p []byte, _ int) {
	u.mu.Lock()
	u.sent = append(u.sent, p...)
	u.mu.Unlock()
}

func (u *FakeUART) DMARead(p []byte, _ int) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.rxq) < len(p) {
		return false
	}
	copy(p, u.rxq)
	u.rxq = u.rxq[len(p):]
	return true
}

// ----------------------------- SPI (host) ------------------------------------

// FakeSPI is a loopback SPI master: every frame sent is received back.
type FakeSPI struct {
	mu      sync.Mutex
	irq     softIRQ
	en      map[spi.IRQSource]bool
	cfg     spi.Config
	sent    []uint16
	loop    []uint16
	overrun bool
}

func NewFakeSPI() *FakeSPI { return &FakeSPI{en: map[spi.IRQSource]bool{}, cfg: spi.DefaultConfig()} }

func (s *FakeSPI) SetIRQ(h func()) { s.mu.Lock(); s.irq.SetIRQ(h); s.mu.Unlock() }

func (s *FakeSPI) Configure(cfg spi.Config) error {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *FakeSPI) TXReady() bool { return true }

func (s *FakeSPI) TXData(f uint16) {
	s.mu.Lock()
	s.sent = append(s.sent, f)
	s.loop = append(s.loop, f)
	if s.en[spi.IRQRXData] {
		s.irq.raise()
	}
	s.mu.Unlock()
}

func (s *FakeSPI) RXReady() bool { s.mu.Lock(); defer s.mu.Unlock(); return len(s.loop) > 0 }

func (s *FakeSPI) RXData() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.loop) == 0 {
		return 0
	}
	f := s.loop[0]
	s.loop = s.loop[1:]
	return f
}

func (s *FakeSPI) Overrun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.overrun
	s.overrun = false
	return o
}

func (s *FakeSPI) EnableIRQ(src spi.IRQSource, on bool) {
	s.mu.Lock()
	s.en[src] = on
	if on && src == spi.IRQTXReady {
		s.irq.raise()
	}
	s.mu.Unlock()
}

// SetOverrun latches an overrun for the next interrupt.
func (s *FakeSPI) SetOverrun() { s.mu.Lock(); s.overrun = true; s.mu.Unlock() }

// Sent returns the frames transmitted so far.
func (s *FakeSPI) Sent() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.sent...)
}

func (s *FakeSPI) DMAWrite(p []byte, w int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i+w <= len(p); i += w {
		f := uint16(p[i])
		if w == 2 {
			f |= uint16(p[i+1]) << 8
		}
		s.sent = append(s.sent, f)
		s.loop = append(s.loop, f)
	}
}

func (s *FakeSPI) DMARead(p []byte, w int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(p) / w
	if len(s.loop) < n {
		return false
	}
	for i := 0; i < n; i++ {
		f := s.loop[i]
		p[i*w] = byte(f)
		if w == 2 {
			p[i*w+1] = byte(f >> 8)
		}
	}
	s.loop = s.loop[n:]
	return true
}

// ----------------------------- Platform (host) -------------------------------

// HostPlatform hands out fakes per descriptor name and records sleep entries.
// A nil DMA controller makes every transfer interrupt-driven.
type HostPlatform struct {
	mu    sync.Mutex
	dma   *FakeDMA
	uarts map[string]*FakeUART
	ports map[string]serial.Port
	spis  map[string]spi.Port
	buses map[string]drivers.SPI
	slept []sleep.Mode
}

// NewHostPlatform builds a host platform. dmaOn attaches a FakeDMA; auto
// makes it complete transfers without test intervention.
func NewHostPlatform(dmaOn, auto bool) *HostPlatform {
	h := &HostPlatform{
		uarts: map[string]*FakeUART{},
		ports: map[string]serial.Port{},
		spis:  map[string]spi.Port{},
		buses: map[string]drivers.SPI{},
	}
	if dmaOn {
		h.dma = NewFakeDMA(auto)
	}
	return h
}

// WithUART makes descriptor name use p, typically a HostSerialPort, instead
// of a fake.
func (h *HostPlatform) WithUART(name string, p serial.Port) *HostPlatform {
	h.mu.Lock()
	h.ports[name] = p
	h.mu.Unlock()
	return h
}

// WithSPIBus makes descriptor name use a drivers.SPI bus instead of the
// loopback fake.
func (h *HostPlatform) WithSPIBus(name string, bus drivers.SPI) *HostPlatform {
	h.mu.Lock()
	h.buses[name] = bus
	h.mu.Unlock()
	return h
}

func (h *HostPlatform) DMA() dma.Controller {
	if h.dma == nil {
		return nil
	}
	return h.dma
}

func (h *HostPlatform) FakeDMA() *FakeDMA { return h.dma }

func (h *HostPlatform) Sleep() sleep.Enterer { return h }

func (h *HostPlatform) Enter(m sleep.Mode) {
	h.mu.Lock()
	h.slept = append(h.slept, m)
	h.mu.Unlock()
}

// Slept returns the modes entered so far.
func (h *HostPlatform) Slept() []sleep.Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sleep.Mode(nil), h.slept...)
}

func (h *HostPlatform) UART(d periph.Descriptor) (serial.Port, bool) {
	if !d.Kind.Serial() {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.ports[d.Name]; ok {
		if hs, ok := p.(*HostSerialPort); ok && h.dma != nil {
			hs.setDMA(h.dma)
			h.dma.Attach(d.TXSignal, hs)
			h.dma.Attach(d.RXSignal, hs)
		}
		return p, true
	}
	u, ok := h.uarts[d.Name]
	if !ok {
		u = NewFakeUART()
		u.dma = h.dma
		h.uarts[d.Name] = u
		if h.dma != nil {
			h.dma.Attach(d.TXSignal, u)
			h.dma.Attach(d.RXSignal, u)
		}
	}
	return u, true
}

func (h *HostPlatform) SPI(d periph.Descriptor) (spi.Port, bool) {
	if d.Kind != periph.KindSPI {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.spis[d.Name]; ok {
		return p, true
	}
	var p spi.Port
	if bus, ok := h.buses[d.Name]; ok {
		p = NewDriverSPIPort(bus)
	} else {
		fs := NewFakeSPI()
		if h.dma != nil {
			h.dma.Attach(d.TXSignal, fs)
			h.dma.Attach(d.RXSignal, fs)
		}
		p = fs
	}
	h.spis[d.Name] = p
	return p, true
}

// UARTPort returns the fake behind descriptor name, if built.
func (h *HostPlatform) UARTPort(name string) (*FakeUART, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.uarts[name]
	return u, ok
}

// SPIPort returns the port behind descriptor name, if built.
func (h *HostPlatform) SPIPort(name string) (spi.Port, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.spis[name]
	return p, ok
}
