// services/hal/internal/platform/factories_rp2xxx.go
//go:build rp2040 || rp2350

package platform

import (
	"context"
	"device/arm"
	"machine"
	"sync"
	"time"

	"dmahal-go/services/hal/internal/dma"
	"dmahal-go/services/hal/internal/halcore"
	"dmahal-go/services/hal/internal/periph"
	"dmahal-go/services/hal/internal/serial"
	"dmahal-go/services/hal/internal/sleep"
	"dmahal-go/services/hal/internal/spi"

	"github.com/jangala-dev/tinygo-uartx/uartx"
)

// -----------------------------------------------------------------------------
// Raspberry Pi Pico / Pico 2. The RP2 DMA block is not driven from here, so
// every transfer runs from interrupts.
// -----------------------------------------------------------------------------

type RP2Platform struct {
	mu    sync.Mutex
	uarts map[string]*rp2UART
	spis  map[string]spi.Port
	Baud  uint32
}

// NewRP2Platform returns the board platform. baud applies to both UARTs.
func NewRP2Platform(baud uint32) *RP2Platform {
	return &RP2Platform{
		uarts: map[string]*rp2UART{},
		spis:  map[string]spi.Port{},
		Baud:  baud,
	}
}

var _ halcore.Platform = (*RP2Platform)(nil)

func (p *RP2Platform) DMA() dma.Controller { return nil }

func (p *RP2Platform) Sleep() sleep.Enterer { return rp2Sleep{} }

func (p *RP2Platform) UART(d periph.Descriptor) (serial.Port, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.uarts[d.Name]; ok {
		return u, true
	}
	var (
		hw     *uartx.UART
		tx, rx machine.Pin
	)
	switch d.Name {
	case "uart0":
		hw, tx, rx = uartx.UART0, machine.UART0_TX_PIN, machine.UART0_RX_PIN
	case "uart1":
		hw, tx, rx = uartx.UART1, machine.UART1_TX_PIN, machine.UART1_RX_PIN
	default:
		return nil, false
	}
	_ = hw.Configure(uartx.UARTConfig{BaudRate: p.Baud, TX: tx, RX: rx})
	u := newRP2UART(hw)
	p.uarts[d.Name] = u
	return u, true
}

func (p *RP2Platform) SPI(d periph.Descriptor) (spi.Port, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.spis[d.Name]; ok {
		return s, true
	}
	var hw *machine.SPI
	cfg := machine.SPIConfig{Frequency: 1_000_000}
	switch d.Name {
	case "spi0":
		hw = machine.SPI0
		cfg.SCK, cfg.SDO, cfg.SDI = machine.SPI0_SCK_PIN, machine.SPI0_SDO_PIN, machine.SPI0_SDI_PIN
	case "spi1":
		hw = machine.SPI1
		cfg.SCK, cfg.SDO, cfg.SDI = machine.SPI1_SCK_PIN, machine.SPI1_SDO_PIN, machine.SPI1_SDI_PIN
	default:
		return nil, false
	}
	if err := hw.Configure(cfg); err != nil {
		return nil, false
	}
	s := &rp2SPI{DriverSPIPort: NewDriverSPIPort(hw), hw: hw, base: cfg}
	p.spis[d.Name] = s
	return s, true
}

// ---- sleep ----

type rp2Sleep struct{}

// Enter waits for the next interrupt; the RP2 has no cheaper state reachable
// without losing peripheral clocks.
func (rp2Sleep) Enter(m sleep.Mode) {
	if m != sleep.Run {
		arm.Asm("wfi")
	}
}

// ---- UART over uartx ----

// rp2UART buffers bytes received by uartx and feeds them to the engine as if
// they arrived in the data register.
type rp2UART struct {
	mu  sync.Mutex
	irq softIRQ
	hw  *uartx.UART
	en  map[serial.IRQSource]bool
	rxq []byte
}

func newRP2UART(hw *uartx.UART) *rp2UART {
	u := &rp2UART{hw: hw, en: map[serial.IRQSource]bool{}}
	go u.reader()
	return u
}

func (u *rp2UART) reader() {
	buf := make([]byte, 32)
	backoff := time.Millisecond
	for {
		n, err := u.hw.RecvSomeContext(context.Background(), buf)
		if err != nil || n == 0 {
			time.Sleep(backoff)
			if backoff < 100*time.Millisecond {
				backoff *= 2
			}
			continue
		}
		backoff = time.Millisecond
		u.mu.Lock()
		u.rxq = append(u.rxq, buf[:n]...)
		if u.en[serial.IRQRXData] {
			u.irq.raise()
		}
		u.mu.Unlock()
	}
}

func (u *rp2UART) SetIRQ(h func()) { u.mu.Lock(); u.irq.SetIRQ(h); u.mu.Unlock() }

func (u *rp2UART) TXReady() bool { return true }
func (u *rp2UART) TXIdle() bool  { return true }
func (u *rp2UART) TXData(b byte) { _, _ = u.hw.Write([]byte{b}) }

func (u *rp2UART) RXReady() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.rxq) > 0
}

func (u *rp2UART) RXData() byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.rxq) == 0 {
		return 0
	}
	b := u.rxq[0]
	u.rxq = u.rxq[1:]
	return b
}

func (u *rp2UART) SetBaudRate(br uint32) error { u.hw.SetBaudRate(br); return nil }

func (u *rp2UART) LineErrors() serial.Event { return 0 }

func (u *rp2UART) EnableIRQ(src serial.IRQSource, on bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.en[src] = on
	if on && (src != serial.IRQRXData || len(u.rxq) > 0) {
		u.irq.raise()
	}
}

// ---- SPI over machine.SPI ----

type rp2SPI struct {
	*DriverSPIPort
	hw   *machine.SPI
	base machine.SPIConfig
}

func (s *rp2SPI) Configure(cfg spi.Config) error {
	c := s.base
	c.Frequency = cfg.Hz
	c.Mode = uint8(cfg.Mode)
	if err := s.hw.Configure(c); err != nil {
		return err
	}
	return s.DriverSPIPort.Configure(cfg)
}
