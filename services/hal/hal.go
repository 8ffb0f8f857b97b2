// services/hal/hal.go
package hal

import (
	"context"

	"dmahal-go/bus"
	"dmahal-go/services/hal/internal/halcore"
	"dmahal-go/services/hal/internal/service"
)

// Platform is what a target provides: serial and SPI ports per descriptor,
// an optional DMA controller and a sleep entry point.
type Platform = halcore.Platform

// Run serves the HAL on conn until ctx ends. Configuration arrives on the
// retained "config/hal" topic.
func Run(ctx context.Context, conn *bus.Connection, plat Platform) {
	service.New(conn, plat).Run(ctx)
}
