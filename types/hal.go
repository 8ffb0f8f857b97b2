package types

// ------------------------
// Common HAL state (retained)
// ------------------------

type HALState struct {
	Level  string `json:"level"`           // "idle", "ready", "error", "stopped"
	Status string `json:"status"`          // freeform short code
	Error  string `json:"error,omitempty"` // machine-readable short code
	TS     int64  `json:"ts_ns"`           // publish Unix ns
}

// ------------------------
// DMA pool (retained on hal/dma/state)
// ------------------------

type DMAState struct {
	Channels  int              `json:"channels"`
	InUse     int              `json:"in_use"`
	Consumers []DMAConsumerRow `json:"consumers"`
	TS        int64            `json:"ts_ns"`
}

type DMAConsumerRow struct {
	Periph  string `json:"periph"`
	Dir     string `json:"dir"`     // "tx" | "rx"
	State   string `json:"state"`   // usage state name
	Channel int    `json:"channel"` // -1 when none held
}

// ------------------------
// Usage control (any peripheral)
// ------------------------

// SetUsage is the payload of hal/<id>/control/usage.
type SetUsage struct {
	Dir  string `json:"dir"`  // "tx" | "rx"
	Hint string `json:"hint"` // "never" | "opportunistic" | "always"
}

type SetUsageAck struct {
	OK      bool   `json:"ok"`
	State   string `json:"state"`
	Channel int    `json:"channel"`
}

// ErrorReply is sent on any failed control request.
type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// ------------------------
// Events (non-retained, hal/<id>/event)
// ------------------------

type TransferEvent struct {
	Periph string   `json:"periph"`
	Op     string   `json:"op"` // "write" | "read" | "transfer"
	Events []string `json:"events"`
	N      int      `json:"n"`
	Data   []byte   `json:"data,omitempty"`
	TS     int64    `json:"ts_ns"`
}
