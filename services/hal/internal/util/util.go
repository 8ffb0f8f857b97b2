// services/hal/internal/util/util.go
package util

import (
	"encoding/json"
	"strings"
	"time"
)

func ResetTimer(t *time.Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if !t.Stop() {
		DrainTimer(t)
	}
	t.Reset(d)
}

func DrainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

func DecodeJSON[T any](src any, dst *T) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}

// Flags splits a "a|b|c" flag string as produced by the engines' event
// String methods. "none" and "" yield an empty slice.
func Flags(s string) []string {
	if s == "" || s == "none" {
		return []string{}
	}
	return strings.Split(s, "|")
}
