// services/hal/internal/consts/consts.go
package consts

// Top-level topics
const (
	TokConfig  = "config"
	TokHAL     = "hal"
	TokDMA     = "dma"
	TokState   = "state"
	TokControl = "control"
	TokEvent   = "event"
)

// Control verbs
const (
	CtrlWrite    = "write"
	CtrlRead     = "read"
	CtrlTransfer = "transfer"
	CtrlUsage    = "usage"
)

// Peripheral types in HAL config
const (
	TypeUART = "uart"
	TypeSPI  = "spi"
)

// HAL state levels
const (
	LevelIdle    = "idle"
	LevelReady   = "ready"
	LevelError   = "error"
	LevelStopped = "stopped"
)
