package types

// ------------------------
// SPI control payloads
// ------------------------

// SPITransfer is the payload of hal/<id>/control/transfer. RXLen 0 means
// len(TX).
type SPITransfer struct {
	TX        []byte `json:"tx"`
	RXLen     int    `json:"rx_len,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type SPITransferReply struct {
	OK     bool     `json:"ok"`
	RX     []byte   `json:"rx"`
	Events []string `json:"events"`
}
