// services/hal/platform_rp2.go
//go:build rp2040 || rp2350

package hal

import (
	"dmahal-go/services/hal/config"
	"dmahal-go/services/hal/internal/platform"
)

type RP2Platform = platform.RP2Platform

func NewRP2Platform(baud uint32) *RP2Platform { return platform.NewRP2Platform(baud) }

// InitialConfig is the built-in configuration for the selected board.
func InitialConfig() config.HALConfig { return platform.InitialConfig() }
