package config

import (
	"encoding/json"
	"testing"

	"dmahal-go/errcode"
)

func TestDecodeForms(t *testing.T) {
	raw := `{"dma_channels":4,"peripherals":[{"id":"gps","periph":"usart1","type":"uart","tx_dma":"always","baud":9600}]}`
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}
	for name, src := range map[string]any{"string": raw, "bytes": []byte(raw), "map": m} {
		c, err := Decode(src)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if c.DMAChannels != 4 || len(c.Peripherals) != 1 || c.Peripherals[0].Baud != 9600 {
			t.Fatalf("%s: got %+v", name, c)
		}
	}
	if _, err := Decode("{"); errcode.Of(err) != errcode.InvalidPayload {
		t.Fatalf("bad json: %v", err)
	}
}

func TestNormalizeDefaultsAndClamps(t *testing.T) {
	c := HALConfig{
		DMAChannels: 99,
		IdleSleepMs: -5,
		Peripherals: []Peripheral{
			{ID: "a", Periph: "spi0", Type: "spi", FrameBits: 12, TimeoutMs: 1 << 30},
			{ID: "b", Periph: "usart0", Type: "uart"},
		},
	}
	c.Normalize()
	if c.DMAChannels != 32 || c.IdleSleepMs != 0 {
		t.Fatalf("top level: %+v", c)
	}
	a, b := c.Peripherals[0], c.Peripherals[1]
	if a.FrameBits != 12 || a.TimeoutMs != MaxTimeoutMs {
		t.Fatalf("spi: %+v", a)
	}
	if b.Baud != DefaultBaud || b.FrameBits != 8 || b.TimeoutMs != DefaultTimeoutMs {
		t.Fatalf("uart: %+v", b)
	}

	var z HALConfig
	z.Normalize()
	if z.DMAChannels != DefaultDMAChannels {
		t.Fatalf("default channels: %d", z.DMAChannels)
	}
}

func TestValidate(t *testing.T) {
	ok := HALConfig{Peripherals: []Peripheral{
		{ID: "a", Periph: "usart0", Type: "uart", TXDMA: "opportunistic"},
		{ID: "b", Periph: "spi0", Type: "spi"},
	}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]HALConfig{
		"dup":    {Peripherals: []Peripheral{{ID: "a", Periph: "x", Type: "uart"}, {ID: "a", Periph: "y", Type: "uart"}}},
		"type":   {Peripherals: []Peripheral{{ID: "a", Periph: "x", Type: "i2c"}}},
		"hint":   {Peripherals: []Peripheral{{ID: "a", Periph: "x", Type: "uart", RXDMA: "sometimes"}}},
		"id":     {Peripherals: []Peripheral{{Periph: "x", Type: "uart"}}},
		"wide":   {Peripherals: []Peripheral{{ID: "a", Periph: "spi0", Type: "spi", FrameBits: 24}}},
		"narrow": {Peripherals: []Peripheral{{ID: "a", Periph: "spi0", Type: "spi", FrameBits: 3}}},
		"mode":   {Peripherals: []Peripheral{{ID: "a", Periph: "spi0", Type: "spi", Mode: 7}}},
	}
	for name, c := range cases {
		if err := c.Validate(); errcode.Of(err) != errcode.InvalidParams {
			t.Fatalf("%s: got %v", name, err)
		}
	}
}

func TestNormalizeKeepsFrameSettingsForValidate(t *testing.T) {
	c := HALConfig{Peripherals: []Peripheral{{ID: "f", Periph: "spi0", Type: "spi", FrameBits: 24, Mode: 7}}}
	c.Normalize()
	if c.Peripherals[0].FrameBits != 24 || c.Peripherals[0].Mode != 7 {
		t.Fatalf("frame settings rewritten: %+v", c.Peripherals[0])
	}
	if err := c.Validate(); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("validate: %v", err)
	}

	d := HALConfig{Peripherals: []Peripheral{{ID: "f", Periph: "spi0", Type: "spi"}}}
	d.Normalize()
	if d.Peripherals[0].FrameBits != 8 {
		t.Fatalf("default frame bits %d", d.Peripherals[0].FrameBits)
	}
}
