package heartbeat

import (
	"context"
	"time"

	"dmahal-go/bus"
	"dmahal-go/types"
)

var (
	topicConfigHeartbeat = bus.T("config", "heartbeat")
	topicHALState        = bus.T("hal", "state")
	topicDMAState        = bus.T("hal", "dma", "state")
)

// Beat is the status line printed on every tick.
type Beat struct {
	At       time.Time
	Level    string
	Channels int
	InUse    int
}

type Service struct {
	// Out receives each beat; nil prints it.
	Out func(Beat)
}

func (s *Service) emit(b Beat) {
	if s.Out != nil {
		s.Out(b)
		return
	}
	println("Info:", b.At.Format("15:04:05"), "Heartbeat hal:", b.Level, "dma:", b.InUse, "/", b.Channels)
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection, interval time.Duration) {
	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)
	halSub := conn.Subscribe(topicHALState)
	defer conn.Unsubscribe(halSub)
	dmaSub := conn.Subscribe(topicDMAState)
	defer conn.Unsubscribe(dmaSub)

	tick := time.NewTicker(interval)
	defer tick.Stop()

	beat := Beat{Level: "unknown"}
	for {
		select {
		case <-ctx.Done():
			println("Info: heartbeat service stopping")
			return
		case t := <-tick.C:
			beat.At = t
			s.emit(beat)
		case msg := <-halSub.Channel():
			if st, ok := msg.Payload.(types.HALState); ok {
				beat.Level = st.Level
			}
		case msg := <-dmaSub.Channel():
			if st, ok := msg.Payload.(types.DMAState); ok {
				beat.Channels, beat.InUse = st.Channels, st.InUse
			}
		case msg := <-cfgSub.Channel():
			// Change tick interval if needed
			if m, ok := msg.Payload.(map[string]any); ok {
				if iv, ok := m["interval"].(float64); ok && iv > 0 {
					tick.Reset(time.Duration(iv * float64(time.Second)))
					println("Info:", "Heartbeat interval set to", iv, "seconds")
				}
			}
		}
	}
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.serviceLoop(ctx, conn, time.Second)
	return nil
}
