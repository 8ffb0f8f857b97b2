package platform

import (
	"dmahal-go/services/hal/config"
	"dmahal-go/services/hal/internal/platform/setups"
)

// InitialConfig is the board's built-in HAL configuration, selected by
// build tags. Off-board it is empty.
func InitialConfig() config.HALConfig { return setups.Selected }
