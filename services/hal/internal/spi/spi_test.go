package spi

import (
	"sync"
	"testing"

	"dmahal-go/errcode"
	"dmahal-go/services/hal/internal/dma"
	"dmahal-go/services/hal/internal/periph"
	"dmahal-go/services/hal/internal/sleep"
)

// loopPort echoes every transmitted frame back to the receiver.
type loopPort struct {
	mu      sync.Mutex
	cfg     Config
	rxq     []uint16
	sent    []uint16
	overrun bool
	hold    bool // frames sent while holding are not echoed
	irq     map[IRQSource]bool
}

func newLoopPort() *loopPort { return &loopPort{irq: map[IRQSource]bool{}} }

func (p *loopPort) Configure(cfg Config) error { p.cfg = cfg; return nil }
func (p *loopPort) TXReady() bool              { return true }
func (p *loopPort) TXData(f uint16) {
	p.mu.Lock()
	p.sent = append(p.sent, f)
	if !p.hold {
		p.rxq = append(p.rxq, f)
	}
	p.mu.Unlock()
}
func (p *loopPort) RXReady() bool { p.mu.Lock(); defer p.mu.Unlock(); return len(p.rxq) > 0 }
func (p *loopPort) RXData() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.rxq[0]
	p.rxq = p.rxq[1:]
	return f
}
func (p *loopPort) Overrun() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.overrun
	p.overrun = false
	return o
}
func (p *loopPort) EnableIRQ(src IRQSource, on bool) { p.mu.Lock(); p.irq[src] = on; p.mu.Unlock() }

// loopDMA loops TX descriptors into the RX descriptor on finish.
type loopDMA struct {
	mu      sync.Mutex
	running map[dma.ChannelID]dma.Descriptor
	done    map[dma.ChannelID]func(dma.ChannelID)
}

func newLoopDMA() *loopDMA {
	return &loopDMA{running: map[dma.ChannelID]dma.Descriptor{}, done: map[dma.ChannelID]func(dma.ChannelID){}}
}

func (f *loopDMA) Configure(dma.ChannelID, dma.Route) error { return nil }
func (f *loopDMA) Start(ch dma.ChannelID, d dma.Descriptor, done func(dma.ChannelID)) error {
	f.mu.Lock()
	f.running[ch], f.done[ch] = d, done
	f.mu.Unlock()
	return nil
}
func (f *loopDMA) Stop(ch dma.ChannelID) {
	f.mu.Lock()
	delete(f.running, ch)
	delete(f.done, ch)
	f.mu.Unlock()
}
func (f *loopDMA) Remaining(ch dma.ChannelID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[ch].Frames()
}

// finishAll copies the TX buffer into the RX buffer then completes both.
func (f *loopDMA) finishAll() {
	f.mu.Lock()
	var tx, rx dma.Descriptor
	var dones []func()
	for ch, d := range f.running {
		if d.Dir == dma.MemToPeriph {
			tx = d
		} else {
			rx = d
		}
		done, id := f.done[ch], ch
		dones = append(dones, func() { done(id) })
	}
	f.running = map[dma.ChannelID]dma.Descriptor{}
	f.done = map[dma.ChannelID]func(dma.ChannelID){}
	f.mu.Unlock()
	copy(rx.Buf, tx.Buf)
	for _, d := range dones {
		d()
	}
}

type rig struct {
	s    *SPI
	port *loopPort
	ctrl *loopDMA
	pool *dma.Pool
	pm   *sleep.Manager
	got  []Result
}

func newRig(t *testing.T, channels int) *rig {
	t.Helper()
	port := newLoopPort()
	ctrl := newLoopDMA()
	pool, err := dma.NewPool(channels, ctrl)
	if err != nil {
		t.Fatal(err)
	}
	desc := periph.Descriptor{ID: 1, Name: "spi_t", Kind: periph.KindSPI, FIFODepth: 2, MaxFrameBits: 12, SleepBlock: sleep.DeepSleep}
	pm := sleep.New(nil)
	return &rig{s: New(desc, port, pool, pm), port: port, ctrl: ctrl, pool: pool, pm: pm}
}

func (r *rig) handler(res Result) { r.got = append(r.got, res) }

func TestConfigureValidation(t *testing.T) {
	r := newRig(t, 0)
	for _, bits := range []int{3, 13, 17} {
		cfg := DefaultConfig()
		cfg.FrameBits = bits
		if err := r.s.Configure(cfg); errcode.Of(err) != errcode.InvalidParams {
			t.Fatalf("bits %d: %v", bits, err)
		}
	}
	cfg := DefaultConfig()
	cfg.Mode = 4
	if err := r.s.Configure(cfg); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("mode 4: %v", err)
	}
	cfg = Config{FrameBits: 12, Mode: 3}
	if err := r.s.Configure(cfg); err != nil {
		t.Fatalf("12 bits: %v", err)
	}
	if r.port.cfg.Hz != DefaultConfig().Hz || r.s.Config().FrameBits != 12 {
		t.Fatalf("config not applied: %+v", r.port.cfg)
	}
}

func TestInterruptLoopback(t *testing.T) {
	r := newRig(t, 0)
	rx := make([]byte, 3)
	if err := r.s.TransferAsync([]byte("abc"), rx, dma.Always, EventAll, r.handler); err != nil {
		t.Fatalf("TransferAsync: %v", err)
	}
	if r.pm.Count(sleep.DeepSleep) != 1 {
		t.Fatal("sleep not blocked")
	}
	r.s.HandleIRQ()
	if string(rx) != "abc" || len(r.got) != 1 || r.got[0] != (Result{Events: EventComplete, N: 3}) {
		t.Fatalf("rx %q results %+v", rx, r.got)
	}
	if r.s.Active() || r.pm.Count(sleep.DeepSleep) != 0 {
		t.Fatal("transfer state left behind")
	}
}

func TestFillAndDiscard(t *testing.T) {
	r := newRig(t, 0)
	rx := make([]byte, 3)
	r.s.TransferAsync([]byte{0x01}, rx, dma.Never, EventAll, r.handler)
	r.s.HandleIRQ()
	if rx[0] != 0x01 || rx[1] != 0xff || rx[2] != 0xff {
		t.Fatalf("rx % x", rx)
	}

	rx = make([]byte, 1)
	r.s.TransferAsync([]byte{1, 2, 3}, rx, dma.Never, EventAll, r.handler)
	r.s.HandleIRQ()
	if rx[0] != 1 || len(r.got) != 2 || r.got[1].N != 3 {
		t.Fatalf("rx % x results %+v", rx, r.got)
	}
}

func TestWideFrames(t *testing.T) {
	r := newRig(t, 0)
	if err := r.s.Configure(Config{FrameBits: 12, Fill: 0xffff}); err != nil {
		t.Fatal(err)
	}
	rx := make([]byte, 4)
	r.s.TransferAsync([]byte{0x34, 0x12}, rx, dma.Never, EventAll, r.handler)
	r.s.HandleIRQ()
	if r.port.sent[0] != 0x234 || r.port.sent[1] != 0xfff {
		t.Fatalf("sent % x", r.port.sent)
	}
	want := []byte{0x34, 0x02, 0xff, 0x0f}
	if string(rx) != string(want) || r.got[0].N != 2 {
		t.Fatalf("rx % x results %+v", rx, r.got)
	}
	if err := r.s.TransferAsync([]byte{1, 2, 3}, nil, dma.Never, EventAll, r.handler); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("odd length: %v", err)
	}
}

func TestFIFODepthBoundsOutstanding(t *testing.T) {
	r := newRig(t, 0)
	r.port.hold = true
	r.s.TransferAsync(make([]byte, 5), make([]byte, 5), dma.Never, EventAll, r.handler)
	r.s.HandleIRQ()
	if len(r.port.sent) != 2 {
		t.Fatalf("sent %d frames with depth 2", len(r.port.sent))
	}
	if err := r.s.TransferAsync([]byte{1}, nil, dma.Never, EventAll, r.handler); err != errcode.Busy {
		t.Fatalf("expected busy, got %v", err)
	}
	if err := r.s.Configure(DefaultConfig()); err != errcode.Busy {
		t.Fatalf("configure during transfer: %v", err)
	}
	r.port.hold = false
	r.port.rxq = append(r.port.rxq, 0, 0)
	r.s.HandleIRQ()
	if len(r.got) != 1 || r.got[0].N != 5 {
		t.Fatalf("results %+v", r.got)
	}
}

func TestDMAWithBothChannels(t *testing.T) {
	r := newRig(t, 2)
	rx := make([]byte, 4)
	r.s.TransferAsync([]byte("wxyz"), rx, dma.Opportunistic, EventAll, r.handler)
	if r.pool.Available() != 0 {
		t.Fatal("expected both channels claimed")
	}
	r.s.HandleIRQ() // no-op while DMA owns the transfer
	r.ctrl.finishAll()
	if string(rx) != "wxyz" || len(r.got) != 1 || r.got[0].N != 4 {
		t.Fatalf("rx %q results %+v", rx, r.got)
	}
	if r.pool.Available() != 2 {
		t.Fatal("temporary channels not returned")
	}
}

func TestDMAShortRXUsesScratch(t *testing.T) {
	r := newRig(t, 2)
	rx := make([]byte, 1)
	r.s.TransferAsync([]byte{7, 8, 9}, rx, dma.Opportunistic, EventAll, r.handler)
	r.ctrl.finishAll()
	if rx[0] != 7 || len(r.got) != 1 || r.got[0].N != 3 {
		t.Fatalf("rx % x results %+v", rx, r.got)
	}
}

func TestSingleChannelFallsBack(t *testing.T) {
	r := newRig(t, 1)
	rx := make([]byte, 2)
	r.s.TransferAsync([]byte{1, 2}, rx, dma.Opportunistic, EventAll, r.handler)
	if r.pool.Available() != 1 {
		t.Fatal("half a DMA pair kept during interrupt transfer")
	}
	r.s.HandleIRQ()
	if len(r.got) != 1 || rx[1] != 2 {
		t.Fatalf("rx % x results %+v", rx, r.got)
	}

	// A permanent claim survives the fallback.
	r.s.TransferAsync([]byte{3}, nil, dma.Always, EventAll, r.handler)
	if tx := r.s.Consumer(dma.MemToPeriph); tx.State() != dma.Allocated {
		t.Fatalf("tx state %v", tx.State())
	}
	if rxc := r.s.Consumer(dma.PeriphToMem); rxc.State() != dma.Always || rxc.Channel() != dma.NoChannel {
		t.Fatalf("rx state %v", rxc.State())
	}
	r.s.HandleIRQ()
	if r.pool.Available() != 0 || len(r.got) != 2 {
		t.Fatal("allocated channel released")
	}
}

func TestOverrunEndsTransfer(t *testing.T) {
	r := newRig(t, 0)
	r.port.overrun = true
	r.s.TransferAsync([]byte{1}, nil, dma.Never, EventAll, r.handler)
	r.s.HandleIRQ()
	if len(r.got) != 1 || r.got[0].Events != EventError|EventRXOverflow {
		t.Fatalf("results %+v", r.got)
	}
}

func TestAbortDMA(t *testing.T) {
	r := newRig(t, 2)
	r.s.TransferAsync([]byte{1, 2}, make([]byte, 2), dma.Opportunistic, EventAll, r.handler)
	r.s.Abort()
	if r.pool.Available() != 2 || r.s.Active() || r.pm.Count(sleep.DeepSleep) != 0 {
		t.Fatal("abort left resources held")
	}
	r.ctrl.finishAll()
	if len(r.got) != 0 {
		t.Fatal("handler called after abort")
	}
}

func TestSetUsage(t *testing.T) {
	r := newRig(t, 2)
	if st, err := r.s.SetUsage(dma.PeriphToMem, dma.Always); err != nil || st != dma.Allocated {
		t.Fatalf("always: %v %v", st, err)
	}
	if st, _ := r.s.SetUsage(dma.PeriphToMem, dma.Never); st != dma.Never || r.pool.Available() != 2 {
		t.Fatalf("never: %v", st)
	}
}
