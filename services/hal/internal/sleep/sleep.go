// services/hal/internal/sleep/sleep.go
package sleep

import "sync/atomic"

// Mode is a processor power state, ordered shallow to deep.
type Mode uint8

const (
	Run       Mode = iota
	Sleep          // EM1: core stopped, peripherals clocked
	DeepSleep      // EM2: high-frequency clocks stopped
	Stop           // EM3: low-frequency clocks stopped
	Shutoff        // EM4: reset on wake

	numModes
)

func (m Mode) String() string {
	switch m {
	case Run:
		return "run"
	case Sleep:
		return "sleep"
	case DeepSleep:
		return "deep_sleep"
	case Stop:
		return "stop"
	case Shutoff:
		return "shutoff"
	default:
		return "unknown"
	}
}

// ParseMode maps a mode name back to a Mode.
func ParseMode(s string) (Mode, bool) {
	for m := Run; m < numModes; m++ {
		if m.String() == s {
			return m, true
		}
	}
	return Run, false
}

// Enterer puts the processor into m until the next wake event.
type Enterer interface {
	Enter(m Mode)
}

// Manager counts sleep blocks. Blocking mode m forbids entering m or any
// deeper mode while the count is non-zero. The counters are advisory.
type Manager struct {
	blocks [numModes]atomic.Int32
	hw     Enterer
}

func New(hw Enterer) *Manager { return &Manager{hw: hw} }

// Block adds one hold on m. Run cannot be blocked.
func (s *Manager) Block(m Mode) {
	if s == nil || m == Run || m >= numModes {
		return
	}
	s.blocks[m].Add(1)
}

// Unblock drops one hold on m; an unheld mode stays at zero.
func (s *Manager) Unblock(m Mode) {
	if s == nil || m == Run || m >= numModes {
		return
	}
	for {
		v := s.blocks[m].Load()
		if v <= 0 {
			return
		}
		if s.blocks[m].CompareAndSwap(v, v-1) {
			return
		}
	}
}

// Count reports the holds on m.
func (s *Manager) Count(m Mode) int {
	if s == nil || m >= numModes {
		return 0
	}
	return int(s.blocks[m].Load())
}

// Deepest returns the deepest mode that may be entered now. Shutoff is
// never chosen implicitly since it loses state.
func (s *Manager) Deepest() Mode {
	for m := Sleep; m <= Stop; m++ {
		if s.blocks[m].Load() > 0 {
			return m - 1
		}
	}
	return Stop
}

// Sleep enters Deepest() and returns the mode used.
func (s *Manager) Sleep() Mode {
	m := s.Deepest()
	if m != Run && s.hw != nil {
		s.hw.Enter(m)
	}
	return m
}
