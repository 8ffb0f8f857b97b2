// services/hal/internal/service/service.go
package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"dmahal-go/bus"
	"dmahal-go/errcode"
	"dmahal-go/services/hal/config"
	"dmahal-go/services/hal/internal/consts"
	"dmahal-go/services/hal/internal/dma"
	"dmahal-go/services/hal/internal/halcore"
	"dmahal-go/services/hal/internal/halerr"
	"dmahal-go/services/hal/internal/periph"
	"dmahal-go/services/hal/internal/serial"
	"dmahal-go/services/hal/internal/sleep"
	"dmahal-go/services/hal/internal/spi"
	"dmahal-go/services/hal/internal/util"
	"dmahal-go/types"
)

// maxLen bounds a single blocking read or transfer.
const maxLen = 1 << 16

type entry struct {
	cfg     config.Peripheral
	desc    periph.Descriptor
	port    any
	uart    *serial.UART
	spi     *spi.SPI
	spiCfg  spi.Config
	hints   [2]dma.Usage // indexed by dma.Direction
	timeout time.Duration

	// gone is closed when the engine is released; nil while inactive.
	gone chan struct{}
}

func (e *entry) consumer(d dma.Direction) *dma.Consumer {
	if e.uart != nil {
		return e.uart.Consumer(d)
	}
	return e.spi.Consumer(d)
}

// Service owns the channel pool, the sleep manager and one engine per
// configured peripheral.
type Service struct {
	conn *bus.Connection
	plat halcore.Platform
	pm   *sleep.Manager

	mu      sync.Mutex
	pool    *dma.Pool
	periphs map[string]*entry
	idle    time.Duration

	activity chan struct{}
}

var (
	topicConfigHAL = bus.T(consts.TokConfig, consts.TokHAL)
	topicCtrl      = bus.T(consts.TokHAL, bus.Single, consts.TokControl, bus.Single)
	topicState     = bus.T(consts.TokHAL, consts.TokState)
	topicDMAState  = bus.T(consts.TokHAL, consts.TokDMA, consts.TokState)
)

func New(conn *bus.Connection, plat halcore.Platform) *Service {
	return &Service{
		conn:     conn,
		plat:     plat,
		pm:       sleep.New(plat.Sleep()),
		periphs:  map[string]*entry{},
		activity: make(chan struct{}, 1),
	}
}

func (s *Service) Sleep() *sleep.Manager { return s.pm }

func (s *Service) Pool() *dma.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// Run serves config and control topics until ctx ends.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfigHAL)
	ctrlSub := s.conn.Subscribe(topicCtrl)
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(ctrlSub)

	s.publishState(consts.LevelIdle, "awaiting_config", nil)

	idle := time.NewTimer(time.Hour)
	if !idle.Stop() {
		util.DrainTimer(idle)
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			s.publishState(consts.LevelStopped, "context_cancelled", nil)
			return

		case msg := <-cfgSub.Channel():
			cfg, err := config.Decode(msg.Payload)
			if err == nil {
				err = s.Apply(cfg)
			}
			if err != nil {
				println("[hal] config rejected:", err.Error())
				s.publishState(consts.LevelError, "apply_config_failed", err)
				continue
			}
			s.publishState(consts.LevelReady, "configured", nil)
			s.armIdle(idle)

		case msg := <-ctrlSub.Channel():
			go s.handleControl(ctx, msg)

		case <-s.activity:
			s.armIdle(idle)

		case <-idle.C:
			if m := s.pm.Sleep(); m != sleep.Run {
				println("[hal] idle, entered", m.String())
			}
		}
	}
}

func (s *Service) armIdle(t *time.Timer) {
	s.mu.Lock()
	d := s.idle
	s.mu.Unlock()
	if d <= 0 {
		if !t.Stop() {
			util.DrainTimer(t)
		}
		return
	}
	util.ResetTimer(t, d)
}

func (s *Service) touch() {
	select {
	case s.activity <- struct{}{}:
	default:
	}
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Apply replaces the running configuration. The new engines are built first;
// a config that fails to build leaves the running one untouched. Otherwise
// in-flight transfers on the old engines are aborted, their callers get
// errcode.Aborted and the new engines take over the ports.
func (s *Service) Apply(cfg config.HALConfig) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	table := periph.Default()
	if cfg.Table != "" {
		f, err := os.Open(cfg.Table)
		if err != nil {
			return &errcode.E{C: errcode.InvalidParams, Op: "hal.apply", Msg: halerr.ErrInvalidTable.Error(), Err: err}
		}
		table, err = periph.LoadYAML(f)
		_ = f.Close()
		if err != nil {
			return err
		}
	}

	var ctrl dma.Controller
	if cfg.DMAChannels > 0 {
		ctrl = s.plat.DMA()
	}
	pool, err := dma.NewPool(cfg.DMAChannels, ctrl)
	if err != nil {
		return err
	}

	built := map[string]*entry{}
	for _, pc := range cfg.Peripherals {
		e, err := s.build(pc, table, pool)
		if err != nil {
			return err
		}
		built[pc.ID] = e
	}

	// Ports are shared across configurations, so nothing touches them until
	// every peripheral has built.
	if err := s.swap(built, pool, time.Duration(cfg.IdleSleepMs)*time.Millisecond); err != nil {
		return err
	}
	s.publishDMAState()
	return nil
}

// swap releases the running engines and activates built in their place. If
// any activation fails the previous engines are restored.
func (s *Service) swap(built map[string]*entry, pool *dma.Pool, idle time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.periphs
	for _, e := range old {
		releaseLocked(e)
	}
	for _, e := range built {
		if err := activateLocked(e); err != nil {
			for _, n := range built {
				releaseLocked(n)
			}
			for _, o := range old {
				if rerr := activateLocked(o); rerr != nil {
					println("[hal] restore failed:", o.cfg.ID, rerr.Error())
				}
				claimAlways(o)
			}
			return err
		}
	}
	s.periphs = built
	s.pool = pool
	s.idle = idle
	for _, e := range built {
		claimAlways(e)
	}
	return nil
}

func (s *Service) build(pc config.Peripheral, table *periph.Table, pool *dma.Pool) (*entry, error) {
	desc, ok := table.ByName(pc.Periph)
	if !ok {
		return nil, errcode.Wrap(errcode.UnknownPeriph, "hal.build", pc.Periph)
	}
	tx, _ := dma.ParseUsage(pc.TXDMA)
	rx, _ := dma.ParseUsage(pc.RXDMA)
	e := &entry{
		cfg:     pc,
		desc:    desc,
		timeout: time.Duration(pc.TimeoutMs) * time.Millisecond,
	}
	e.hints[dma.MemToPeriph] = tx
	e.hints[dma.PeriphToMem] = rx

	switch pc.Type {
	case consts.TypeUART:
		if !desc.Kind.Serial() {
			return nil, errcode.Wrap(errcode.InvalidParams, "hal.build", halerr.ErrWrongType.Error())
		}
		port, ok := s.plat.UART(desc)
		if !ok {
			return nil, errcode.Wrap(errcode.Unsupported, "hal.build", halerr.ErrNoPort.Error())
		}
		e.port = port
		e.uart = serial.New(desc, port, pool, s.pm)

	case consts.TypeSPI:
		if desc.Kind != periph.KindSPI {
			return nil, errcode.Wrap(errcode.InvalidParams, "hal.build", halerr.ErrWrongType.Error())
		}
		port, ok := s.plat.SPI(desc)
		if !ok {
			return nil, errcode.Wrap(errcode.Unsupported, "hal.build", halerr.ErrNoPort.Error())
		}
		sc := spi.DefaultConfig()
		sc.FrameBits, sc.Mode = pc.FrameBits, spi.Mode(pc.Mode)
		if pc.Hz > 0 {
			sc.Hz = pc.Hz
		}
		if pc.Fill != nil {
			sc.Fill = *pc.Fill
		}
		if err := spi.Check(desc, sc); err != nil {
			return nil, err
		}
		e.port = port
		e.spiCfg = sc
		e.spi = spi.New(desc, port, pool, s.pm)
	}
	return e, nil
}

// activateLocked programs the port for e and routes its interrupt to e.
func activateLocked(e *entry) error {
	if e.uart != nil {
		if br, ok := e.port.(halcore.BaudRater); ok {
			if err := br.SetBaudRate(e.cfg.Baud); err != nil {
				return &errcode.E{C: errcode.Error, Op: "hal.apply", Msg: "baud", Err: err}
			}
		}
		halcore.Bind(e.port, e.uart.HandleIRQ)
	} else {
		if err := e.spi.Configure(e.spiCfg); err != nil {
			return err
		}
		halcore.Bind(e.port, e.spi.HandleIRQ)
	}
	e.gone = make(chan struct{})
	return nil
}

// claimAlways reserves channels for "always" hints up front.
func claimAlways(e *entry) {
	for _, d := range []dma.Direction{dma.MemToPeriph, dma.PeriphToMem} {
		if e.hints[d] == dma.Always {
			_, _ = setUsage(e, d, dma.Always)
		}
	}
}

// releaseLocked stops an engine, gives back every channel it holds and wakes
// any blocked caller.
func releaseLocked(e *entry) {
	if e.gone != nil {
		close(e.gone)
		e.gone = nil
	}
	if e.uart != nil {
		e.uart.AbortTX()
		e.uart.AbortRX()
	} else {
		e.spi.Abort()
	}
	_, _ = setUsage(e, dma.MemToPeriph, dma.Never)
	_, _ = setUsage(e, dma.PeriphToMem, dma.Never)
}

func setUsage(e *entry, d dma.Direction, hint dma.Usage) (dma.Usage, error) {
	if e.uart != nil {
		return e.uart.SetUsage(d, hint)
	}
	return e.spi.SetUsage(d, hint)
}

func (s *Service) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.periphs {
		releaseLocked(e)
	}
	s.periphs = map[string]*entry{}
}

// lookup returns the entry for id and the channel closed when it is released.
func (s *Service) lookup(id string) (*entry, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil, nil, errcode.HALNotReady
	}
	e, ok := s.periphs[id]
	if !ok {
		return nil, nil, errcode.Wrap(errcode.UnknownPeriph, "hal", id)
	}
	return e, e.gone, nil
}

func (s *Service) hint(e *entry, d dma.Direction) dma.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.hints[d]
}

// -----------------------------------------------------------------------------
// Blocking API
// -----------------------------------------------------------------------------

func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errcode.Timeout
	}
	return errcode.Aborted
}

// Write sends p on UART id and returns once the last byte has left the
// shift register. Cancelling ctx aborts the transfer.
func (s *Service) Write(ctx context.Context, id string, p []byte) (int, error) {
	e, gone, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	if e.uart == nil {
		return 0, errcode.Wrap(errcode.Unsupported, "hal.write", halerr.ErrWrongType.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan serial.Result, 1)
	if err := e.uart.WriteAsync(p, s.hint(e, dma.MemToPeriph), serial.EventTXAll, func(r serial.Result) { done <- r }); err != nil {
		return 0, err
	}
	s.touch()
	select {
	case r := <-done:
		s.publishEvent(e, consts.CtrlWrite, r.Events.String(), r.N, nil)
		return r.N, nil
	case <-gone:
		return e.uart.AbortTX(), errcode.Aborted
	case <-ctx.Done():
		n := e.uart.AbortTX()
		s.publishDMAState()
		return n, waitErr(ctx)
	}
}

// Read fills up to n bytes from UART id. A match in 0..255 ends the read at
// that byte. Line faults end it early and are reported in the events.
func (s *Service) Read(ctx context.Context, id string, n, match int) ([]byte, serial.Event, error) {
	if n <= 0 || n > maxLen {
		return nil, 0, errcode.Wrap(errcode.InvalidParams, "hal.read", "length")
	}
	e, gone, err := s.lookup(id)
	if err != nil {
		return nil, 0, err
	}
	if e.uart == nil {
		return nil, 0, errcode.Wrap(errcode.Unsupported, "hal.read", halerr.ErrWrongType.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	buf := make([]byte, n)
	done := make(chan serial.Result, 1)
	if err := e.uart.ReadAsync(buf, s.hint(e, dma.PeriphToMem), serial.EventRXAll, match, func(r serial.Result) { done <- r }); err != nil {
		return nil, 0, err
	}
	s.touch()
	select {
	case r := <-done:
		s.publishEvent(e, consts.CtrlRead, r.Events.String(), r.N, buf[:r.N])
		return buf[:r.N], r.Events, nil
	case <-gone:
		return buf[:e.uart.AbortRX()], 0, errcode.Aborted
	case <-ctx.Done():
		got := e.uart.AbortRX()
		s.publishDMAState()
		return buf[:got], 0, waitErr(ctx)
	}
}

// Transfer clocks max(len(tx), rxLen) bytes through SPI id and returns the
// first rxLen received.
func (s *Service) Transfer(ctx context.Context, id string, tx []byte, rxLen int) ([]byte, spi.Event, error) {
	if rxLen < 0 || rxLen > maxLen || len(tx) > maxLen {
		return nil, 0, errcode.Wrap(errcode.InvalidParams, "hal.transfer", "length")
	}
	e, gone, err := s.lookup(id)
	if err != nil {
		return nil, 0, err
	}
	if e.spi == nil {
		return nil, 0, errcode.Wrap(errcode.Unsupported, "hal.transfer", halerr.ErrWrongType.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rx := make([]byte, rxLen)
	done := make(chan spi.Result, 1)
	// Both channels are needed for DMA; the stronger of the two hints wins.
	hint := s.hint(e, dma.MemToPeriph)
	if h := s.hint(e, dma.PeriphToMem); h > hint {
		hint = h
	}
	if err := e.spi.TransferAsync(tx, rx, hint, spi.EventAll, func(r spi.Result) { done <- r }); err != nil {
		return nil, 0, err
	}
	s.touch()
	select {
	case r := <-done:
		s.publishEvent(e, consts.CtrlTransfer, r.Events.String(), r.N, rx)
		if r.Events&spi.EventError != 0 {
			return rx, r.Events, errcode.Wrap(errcode.Error, "hal.transfer", r.Events.String())
		}
		return rx, r.Events, nil
	case <-gone:
		e.spi.Abort()
		return nil, 0, errcode.Aborted
	case <-ctx.Done():
		e.spi.Abort()
		s.publishDMAState()
		return nil, 0, waitErr(ctx)
	}
}

// SetUsage changes the DMA hint of one direction of id and applies it now.
func (s *Service) SetUsage(id string, d dma.Direction, hint dma.Usage) (dma.Usage, dma.ChannelID, error) {
	e, _, err := s.lookup(id)
	if err != nil {
		return 0, dma.NoChannel, err
	}
	st, err := setUsage(e, d, hint)
	if err != nil {
		return st, e.consumer(d).Channel(), err
	}
	s.mu.Lock()
	e.hints[d] = hint
	s.mu.Unlock()
	s.publishDMAState()
	return st, e.consumer(d).Channel(), nil
}

// -----------------------------------------------------------------------------
// Publishing
// -----------------------------------------------------------------------------

func (s *Service) publishState(level, status string, err error) {
	st := types.HALState{Level: level, Status: status, TS: time.Now().UnixNano()}
	if err != nil {
		st.Error = string(errcode.Of(err))
	}
	s.conn.Publish(s.conn.NewMessage(topicState, st, true))
}

// DMAState snapshots pool occupancy and every consumer's usage record.
func (s *Service) DMAState() types.DMAState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := types.DMAState{TS: time.Now().UnixNano(), Consumers: []types.DMAConsumerRow{}}
	if s.pool == nil {
		return st
	}
	st.Channels = s.pool.Size()
	for ch := 0; ch < st.Channels; ch++ {
		if s.pool.InUse(dma.ChannelID(ch)) {
			st.InUse++
		}
	}
	for id, e := range s.periphs {
		for _, d := range []dma.Direction{dma.MemToPeriph, dma.PeriphToMem} {
			c := e.consumer(d)
			st.Consumers = append(st.Consumers, types.DMAConsumerRow{
				Periph:  id,
				Dir:     d.String(),
				State:   c.State().String(),
				Channel: int(c.Channel()),
			})
		}
	}
	return st
}

func (s *Service) publishDMAState() {
	s.conn.Publish(s.conn.NewMessage(topicDMAState, s.DMAState(), true))
}

func (s *Service) publishEvent(e *entry, op, events string, n int, data []byte) {
	ev := types.TransferEvent{
		Periph: e.cfg.ID,
		Op:     op,
		Events: util.Flags(events),
		N:      n,
		Data:   data,
		TS:     time.Now().UnixNano(),
	}
	s.conn.Publish(s.conn.NewMessage(bus.T(consts.TokHAL, e.cfg.ID, consts.TokEvent), ev, false))
	s.publishDMAState()
	s.touch()
}
