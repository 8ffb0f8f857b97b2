// services/hal/internal/platform/spi_driver.go
package platform

import (
	"sync"

	"dmahal-go/services/hal/internal/spi"

	"tinygo.org/x/drivers"
)

var _ spi.Port = (*DriverSPIPort)(nil)

// ----------------------------- IRQ emulation ---------------------------------

// softIRQ delivers an interrupt line from a goroutine, as hardware would
// deliver it after the enabling register write returns.
type softIRQ struct {
	handler func()
}

func (s *softIRQ) SetIRQ(h func()) { s.handler = h }

// caller holds the port lock
func (s *softIRQ) raise() {
	if h := s.handler; h != nil {
		go h()
	}
}

// ----------------------------- drivers.SPI adapter ---------------------------

// DriverSPIPort drives an SPI engine over a tinygo drivers.SPI bus one frame
// at a time. Frames wider than 8 bits go out MSB byte first.
type DriverSPIPort struct {
	mu    sync.Mutex
	irq   softIRQ
	bus   drivers.SPI
	cfg   spi.Config
	rx    []uint16
	fault bool
}

func NewDriverSPIPort(bus drivers.SPI) *DriverSPIPort {
	return &DriverSPIPort{bus: bus, cfg: spi.DefaultConfig()}
}

func (d *DriverSPIPort) SetIRQ(h func()) { d.mu.Lock(); d.irq.SetIRQ(h); d.mu.Unlock() }

func (d *DriverSPIPort) Configure(cfg spi.Config) error {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	return nil
}

func (d *DriverSPIPort) TXReady() bool { return true }

func (d *DriverSPIPort) TXData(f uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var got uint16
	if d.cfg.FrameBits > 8 {
		hi, err1 := d.bus.Transfer(byte(f >> 8))
		lo, err2 := d.bus.Transfer(byte(f))
		d.fault = d.fault || err1 != nil || err2 != nil
		got = uint16(hi)<<8 | uint16(lo)
	} else {
		b, err := d.bus.Transfer(byte(f))
		d.fault = d.fault || err != nil
		got = uint16(b)
	}
	d.rx = append(d.rx, got)
}

func (d *DriverSPIPort) RXReady() bool { d.mu.Lock(); defer d.mu.Unlock(); return len(d.rx) > 0 }

func (d *DriverSPIPort) RXData() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rx) == 0 {
		return 0
	}
	f := d.rx[0]
	d.rx = d.rx[1:]
	return f
}

// Overrun reports a failed bus transfer.
func (d *DriverSPIPort) Overrun() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.fault
	d.fault = false
	return f
}

func (d *DriverSPIPort) EnableIRQ(src spi.IRQSource, on bool) {
	d.mu.Lock()
	if on && src == spi.IRQTXReady {
		d.irq.raise()
	}
	d.mu.Unlock()
}
