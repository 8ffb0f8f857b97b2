package types

// ------------------------
// UART control payloads
// ------------------------

// UARTWrite is the payload of hal/<id>/control/write.
type UARTWrite struct {
	Data []byte `json:"data"`
}

type UARTWriteAck struct {
	OK bool `json:"ok"`
	N  int  `json:"n"`
}

// UARTRead is the payload of hal/<id>/control/read. Match, when set, is a
// terminating byte value.
type UARTRead struct {
	N         int  `json:"n"`
	Match     *int `json:"match,omitempty"`
	TimeoutMs int  `json:"timeout_ms,omitempty"`
}

type UARTReadReply struct {
	OK     bool     `json:"ok"`
	Data   []byte   `json:"data"`
	Events []string `json:"events"`
}
