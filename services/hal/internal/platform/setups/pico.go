//go:build pico

package setups

import "dmahal-go/services/hal/config"

// Selected wires both UARTs and SPI0 on a Pico. The RP2 platform has no DMA
// controller, so hints only matter when the table is reused elsewhere.
var Selected = config.HALConfig{
	IdleSleepMs: 500,
	Peripherals: []config.Peripheral{
		{ID: "console", Periph: "uart0", Type: "uart", TXDMA: "opportunistic", RXDMA: "opportunistic", Baud: 115200},
		{ID: "modem", Periph: "uart1", Type: "uart", TXDMA: "always", RXDMA: "always", Baud: 9600},
		{ID: "flash", Periph: "spi0", Type: "spi", TXDMA: "opportunistic", RXDMA: "opportunistic", FrameBits: 8, Hz: 4_000_000},
	},
}
