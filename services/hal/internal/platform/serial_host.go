// services/hal/internal/platform/serial_host.go
//go:build !rp2040 && !rp2350

package platform

import (
	"errors"
	"sync"
	"time"

	"dmahal-go/services/hal/internal/halcore"
	"dmahal-go/services/hal/internal/serial"

	bugserial "go.bug.st/serial"
)

var (
	_ serial.Port       = (*HostSerialPort)(nil)
	_ halcore.Endpoint  = (*HostSerialPort)(nil)
	_ halcore.BaudRater = (*HostSerialPort)(nil)
)

// HostSerialPort presents an OS serial device as a UART register file. A
// reader goroutine plays the part of the receive interrupt.
type HostSerialPort struct {
	mu   sync.Mutex
	irq  softIRQ
	en   map[serial.IRQSource]bool
	port bugserial.Port
	rxq  []byte
	errs serial.Event
	dma  *FakeDMA
	done chan struct{}
}

// OpenSerial opens device name at baud, 8N1.
func OpenSerial(name string, baud int) (*HostSerialPort, error) {
	p, err := bugserial.Open(name, &bugserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugserial.NoParity,
		StopBits: bugserial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(50 * time.Millisecond); err != nil {
		_ = p.Close()
		return nil, err
	}
	h := &HostSerialPort{
		en:   map[serial.IRQSource]bool{},
		port: p,
		done: make(chan struct{}),
	}
	go h.reader()
	return h, nil
}

// SerialPorts lists the devices the OS reports.
func SerialPorts() ([]string, error) { return bugserial.GetPortsList() }

func (h *HostSerialPort) reader() {
	defer close(h.done)
	buf := make([]byte, 64)
	for {
		n, err := h.port.Read(buf)
		if err != nil {
			var pe *bugserial.PortError
			if errors.As(err, &pe) && pe.Code() == bugserial.PortClosed {
				return
			}
			h.mu.Lock()
			h.errs |= serial.EventRXFraming
			if h.en[serial.IRQRXData] {
				h.irq.raise()
			}
			h.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}
		h.mu.Lock()
		h.rxq = append(h.rxq, buf[:n]...)
		d := h.dma
		h.mu.Unlock()
		if d != nil {
			d.Pump()
		}
		h.mu.Lock()
		if h.en[serial.IRQRXData] && len(h.rxq) > 0 {
			h.irq.raise()
		}
		h.mu.Unlock()
	}
}

func (h *HostSerialPort) setDMA(d *FakeDMA) { h.mu.Lock(); h.dma = d; h.mu.Unlock() }

// DMAWrite lets an emulated channel write straight to the device.
func (h *HostSerialPort) DMAWrite(p []byte, _ int) {
	if _, err := h.port.Write(p); err != nil {
		println("[hal] serial write:", err.Error())
	}
}

func (h *HostSerialPort) DMARead(p []byte, _ int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.rxq) < len(p) {
		return false
	}
	copy(p, h.rxq)
	h.rxq = h.rxq[len(p):]
	return true
}

func (h *HostSerialPort) SetIRQ(fn func()) { h.mu.Lock(); h.irq.SetIRQ(fn); h.mu.Unlock() }

// TXReady is always true: Write blocks until the OS has taken the byte.
func (h *HostSerialPort) TXReady() bool { return true }
func (h *HostSerialPort) TXIdle() bool  { return true }

func (h *HostSerialPort) TXData(b byte) {
	if _, err := h.port.Write([]byte{b}); err != nil {
		println("[hal] serial write:", err.Error())
	}
}

func (h *HostSerialPort) RXReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rxq) > 0
}

func (h *HostSerialPort) RXData() byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.rxq) == 0 {
		return 0
	}
	b := h.rxq[0]
	h.rxq = h.rxq[1:]
	return b
}

func (h *HostSerialPort) LineErrors() serial.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.errs
	h.errs = 0
	return e
}

func (h *HostSerialPort) EnableIRQ(src serial.IRQSource, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.en[src] = on
	if !on {
		return
	}
	if src != serial.IRQRXData || len(h.rxq) > 0 {
		h.irq.raise()
	}
}

func (h *HostSerialPort) SetBaudRate(baud uint32) error {
	return h.port.SetMode(&bugserial.Mode{
		BaudRate: int(baud),
		DataBits: 8,
		Parity:   bugserial.NoParity,
		StopBits: bugserial.OneStopBit,
	})
}

// Close stops the reader and releases the device.
func (h *HostSerialPort) Close() error {
	err := h.port.Close()
	<-h.done
	return err
}
