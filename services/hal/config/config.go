package config

import (
	"dmahal-go/errcode"
	"dmahal-go/services/hal/internal/dma"
	"dmahal-go/services/hal/internal/halerr"
	"dmahal-go/services/hal/internal/util"
	"dmahal-go/x/mathx"
)

const (
	DefaultDMAChannels = 8
	DefaultTimeoutMs   = 1000
	MaxTimeoutMs       = 60_000
	DefaultBaud        = 115200
)

// HALConfig is supplied on the "config/hal" bus topic.
type HALConfig struct {
	// DMAChannels sizes the channel pool; 0 selects DefaultDMAChannels.
	DMAChannels int `json:"dma_channels,omitempty"`
	// Table is an optional path to a YAML peripheral descriptor table.
	Table string `json:"table,omitempty"`
	// IdleSleepMs enters the deepest allowed sleep mode after this long with
	// no activity. 0 disables it.
	IdleSleepMs int          `json:"idle_sleep_ms,omitempty"`
	Peripherals []Peripheral `json:"peripherals"`
}

// Peripheral binds a bus-facing id to one descriptor-table instance.
type Peripheral struct {
	ID     string `json:"id"`
	Periph string `json:"periph"` // descriptor name, e.g. "usart0"
	Type   string `json:"type"`   // "uart" | "spi"
	TXDMA  string `json:"tx_dma,omitempty"`
	RXDMA  string `json:"rx_dma,omitempty"`

	TimeoutMs int `json:"timeout_ms,omitempty"`

	// UART
	Baud uint32 `json:"baud,omitempty"`

	// SPI
	FrameBits int     `json:"frame_bits,omitempty"`
	Mode      uint8   `json:"mode,omitempty"`
	Hz        uint32  `json:"hz,omitempty"`
	Fill      *uint16 `json:"fill,omitempty"`
}

// Decode accepts a HALConfig value, JSON bytes/string or a generic map.
func Decode(src any) (HALConfig, error) {
	if c, ok := src.(HALConfig); ok {
		return c, nil
	}
	if c, ok := src.(*HALConfig); ok && c != nil {
		return *c, nil
	}
	var c HALConfig
	if err := util.DecodeJSON(src, &c); err != nil {
		return HALConfig{}, &errcode.E{C: errcode.InvalidPayload, Op: "config.decode", Err: err}
	}
	return c, nil
}

// Normalize fills defaults and clamps channel count and timeouts in place.
// SPI frame settings are left for Validate to reject.
func (c *HALConfig) Normalize() {
	if c.DMAChannels == 0 {
		c.DMAChannels = DefaultDMAChannels
	}
	c.DMAChannels = mathx.Clamp(c.DMAChannels, 0, dma.MaxChannels)
	c.IdleSleepMs = mathx.Max(c.IdleSleepMs, 0)
	for i := range c.Peripherals {
		p := &c.Peripherals[i]
		if p.TimeoutMs <= 0 {
			p.TimeoutMs = DefaultTimeoutMs
		}
		p.TimeoutMs = mathx.Min(p.TimeoutMs, MaxTimeoutMs)
		if p.Baud == 0 {
			p.Baud = DefaultBaud
		}
		if p.FrameBits == 0 {
			p.FrameBits = 8
		}
	}
}

// Validate checks ids and hints. It does not resolve descriptor names.
func (c HALConfig) Validate() error {
	seen := map[string]bool{}
	for _, p := range c.Peripherals {
		if p.ID == "" || p.Periph == "" {
			return errcode.Wrap(errcode.InvalidParams, "config.validate", "missing id or periph")
		}
		if seen[p.ID] {
			return errcode.Wrap(errcode.InvalidParams, "config.validate", halerr.ErrDuplicateID.Error()+" "+p.ID)
		}
		seen[p.ID] = true
		if p.Type != "uart" && p.Type != "spi" {
			return errcode.Wrap(errcode.InvalidParams, "config.validate", "type "+p.Type)
		}
		if p.Type == "spi" {
			if p.FrameBits != 0 && !mathx.Between(p.FrameBits, 4, 16) {
				return errcode.Wrap(errcode.InvalidParams, "config.validate", "frame_bits for "+p.ID)
			}
			if p.Mode > 3 {
				return errcode.Wrap(errcode.InvalidParams, "config.validate", "mode for "+p.ID)
			}
		}
		for _, h := range []string{p.TXDMA, p.RXDMA} {
			if _, ok := dma.ParseUsage(h); !ok {
				return errcode.Wrap(errcode.InvalidParams, "config.validate", halerr.ErrInvalidHint.Error()+" "+h)
			}
		}
	}
	return nil
}
