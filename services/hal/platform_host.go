// services/hal/platform_host.go
//go:build !rp2040 && !rp2350

package hal

import (
	"dmahal-go/services/hal/config"
	"dmahal-go/services/hal/internal/platform"
)

type (
	HostPlatform   = platform.HostPlatform
	HostSerialPort = platform.HostSerialPort
)

// NewHostPlatform returns a host platform backed by fakes. dmaOn attaches an
// emulated DMA controller that completes transfers on its own.
func NewHostPlatform(dmaOn bool) *HostPlatform { return platform.NewHostPlatform(dmaOn, true) }

// OpenSerial opens an OS serial device for use with HostPlatform.WithUART.
func OpenSerial(name string, baud int) (*HostSerialPort, error) {
	return platform.OpenSerial(name, baud)
}

// SerialPorts lists the serial devices the OS reports.
func SerialPorts() ([]string, error) { return platform.SerialPorts() }

// InitialConfig is the built-in configuration for the selected board.
func InitialConfig() config.HALConfig { return platform.InitialConfig() }
