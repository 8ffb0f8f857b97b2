// services/hal/internal/halerr/errors.go
package halerr

import "errors"

var (
	// Service/control plane
	ErrInvalidAddr = errors.New("invalid_address")
	ErrUnknownVerb = errors.New("unknown_verb")
	ErrWrongType   = errors.New("wrong_peripheral_type")

	// Build/config
	ErrDuplicateID  = errors.New("duplicate_id")
	ErrNoPort       = errors.New("no_port")
	ErrInvalidHint  = errors.New("invalid_hint")
	ErrInvalidTable = errors.New("invalid_table")
)
