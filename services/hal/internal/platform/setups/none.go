//go:build !pico

package setups

import "dmahal-go/services/hal/config"

// Selected is empty off-board; tests and tools publish their own config.
var Selected = config.HALConfig{}
