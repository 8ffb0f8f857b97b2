package config

// Key: device ID (same value placed in ctx under CtxDeviceKey)
// Val: raw JSON bytes for that device
var embeddedConfigs = map[string][]byte{
	"host": []byte(cfgHost),
}

const cfgHost = `{
  "hal": {
    "dma_channels": 4,
    "idle_sleep_ms": 2000,
    "peripherals": [
      {"id": "console", "periph": "usart0", "type": "uart", "tx_dma": "opportunistic", "rx_dma": "opportunistic"},
      {"id": "flash", "periph": "spi0", "type": "spi", "tx_dma": "always", "rx_dma": "always", "hz": 1000000}
    ]
  },
  "heartbeat": {
    "interval": 2
  }
}`
