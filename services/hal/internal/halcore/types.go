// services/hal/internal/halcore/types.go
package halcore

import (
	"dmahal-go/services/hal/internal/dma"
	"dmahal-go/services/hal/internal/periph"
	"dmahal-go/services/hal/internal/serial"
	"dmahal-go/services/hal/internal/sleep"
	"dmahal-go/services/hal/internal/spi"
)

// ---- Platform factories ----

// UARTFactory supplies the register-level port for a serial descriptor.
type UARTFactory interface {
	UART(d periph.Descriptor) (serial.Port, bool)
}

// SPIFactory supplies the register-level port for an SPI descriptor.
type SPIFactory interface {
	SPI(d periph.Descriptor) (spi.Port, bool)
}

// Platform bundles everything the HAL needs from a target.
// DMA may return nil: every consumer then falls back to interrupts.
type Platform interface {
	UARTFactory
	SPIFactory
	DMA() dma.Controller
	Sleep() sleep.Enterer
}

// IRQBinder is implemented by ports whose interrupt line is delivered in
// software. The HAL binds the owning engine's HandleIRQ to it.
type IRQBinder interface {
	SetIRQ(handler func())
}

// Bind attaches handler to port when the port supports it.
func Bind(port any, handler func()) bool {
	b, ok := port.(IRQBinder)
	if ok {
		b.SetIRQ(handler)
	}
	return ok
}

// BaudRater is implemented by UART ports whose line rate can be changed.
type BaudRater interface {
	SetBaudRate(baud uint32) error
}

// ---- DMA endpoint (host emulation) ----

// Endpoint is the data side of a peripheral as seen by an emulated DMA
// controller.
type Endpoint interface {
	// DMAWrite consumes bytes written by a memory-to-peripheral channel.
	DMAWrite(p []byte, width int)
	// DMARead fills p if enough data is pending and reports success.
	DMARead(p []byte, width int) bool
}
