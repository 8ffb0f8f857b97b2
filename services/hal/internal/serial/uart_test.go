package serial

import (
	"sync"
	"testing"

	"dmahal-go/errcode"
	"dmahal-go/services/hal/internal/dma"
	"dmahal-go/services/hal/internal/periph"
	"dmahal-go/services/hal/internal/sleep"
)

// ---- fakes ----

type fakePort struct {
	mu   sync.Mutex
	sent []byte
	rxq  []byte
	errs Event
	irq  map[IRQSource]bool
	busy bool // shift register still draining
}

func newFakePort() *fakePort { return &fakePort{irq: map[IRQSource]bool{}} }

func (p *fakePort) TXReady() bool { return true }
func (p *fakePort) TXIdle() bool  { p.mu.Lock(); defer p.mu.Unlock(); return !p.busy }
func (p *fakePort) TXData(b byte) { p.mu.Lock(); p.sent = append(p.sent, b); p.mu.Unlock() }
func (p *fakePort) RXReady() bool { p.mu.Lock(); defer p.mu.Unlock(); return len(p.rxq) > 0 }
func (p *fakePort) RXData() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.rxq[0]
	p.rxq = p.rxq[1:]
	return b
}
func (p *fakePort) LineErrors() Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.errs
	p.errs = 0
	return e
}
func (p *fakePort) EnableIRQ(src IRQSource, on bool) { p.mu.Lock(); p.irq[src] = on; p.mu.Unlock() }
func (p *fakePort) irqOn(src IRQSource) bool          { p.mu.Lock(); defer p.mu.Unlock(); return p.irq[src] }
func (p *fakePort) inject(b string)                   { p.mu.Lock(); p.rxq = append(p.rxq, b...); p.mu.Unlock() }

// fakeDMA moves data between descriptors and the fake port when finished.
type fakeDMA struct {
	mu      sync.Mutex
	port    *fakePort
	running map[dma.ChannelID]dma.Descriptor
	done    map[dma.ChannelID]func(dma.ChannelID)
}

func newFakeDMA(p *fakePort) *fakeDMA {
	return &fakeDMA{port: p, running: map[dma.ChannelID]dma.Descriptor{}, done: map[dma.ChannelID]func(dma.ChannelID){}}
}

func (f *fakeDMA) Configure(dma.ChannelID, dma.Route) error { return nil }
func (f *fakeDMA) Start(ch dma.ChannelID, d dma.Descriptor, done func(dma.ChannelID)) error {
	f.mu.Lock()
	f.running[ch], f.done[ch] = d, done
	f.mu.Unlock()
	return nil
}
func (f *fakeDMA) Stop(ch dma.ChannelID) {
	f.mu.Lock()
	delete(f.running, ch)
	delete(f.done, ch)
	f.mu.Unlock()
}
func (f *fakeDMA) Remaining(ch dma.ChannelID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.running[ch]; ok {
		return d.Frames()
	}
	return 0
}
func (f *fakeDMA) active() int { f.mu.Lock(); defer f.mu.Unlock(); return len(f.running) }

func (f *fakeDMA) finish(ch dma.ChannelID) {
	f.mu.Lock()
	d, ok := f.running[ch]
	done := f.done[ch]
	delete(f.running, ch)
	delete(f.done, ch)
	f.mu.Unlock()
	if !ok {
		return
	}
	if d.Dir == dma.MemToPeriph {
		for _, b := range d.Buf {
			f.port.TXData(b)
		}
	} else {
		for i := range d.Buf {
			d.Buf[i] = f.port.RXData()
		}
	}
	done(ch)
}

type rig struct {
	u    *UART
	port *fakePort
	ctrl *fakeDMA
	pool *dma.Pool
	pm   *sleep.Manager
	got  []Result
}

func newRig(t *testing.T, channels int) *rig {
	t.Helper()
	port := newFakePort()
	ctrl := newFakeDMA(port)
	pool, err := dma.NewPool(channels, ctrl)
	if err != nil {
		t.Fatal(err)
	}
	desc, _ := periph.Default().ByName("usart0")
	pm := sleep.New(nil)
	return &rig{u: New(desc, port, pool, pm), port: port, ctrl: ctrl, pool: pool, pm: pm}
}

func (r *rig) handler(res Result) { r.got = append(r.got, res) }

// ---- TX ----

func TestWriteInterruptDriven(t *testing.T) {
	r := newRig(t, 0)
	if err := r.u.WriteAsync([]byte("hello"), dma.Always, EventTXAll, r.handler); err != nil {
		t.Fatalf("WriteAsync: %v", err)
	}
	if r.u.Consumer(dma.MemToPeriph).State() != dma.Always {
		t.Fatalf("state %v", r.u.Consumer(dma.MemToPeriph).State())
	}
	if !r.port.irqOn(IRQTXReady) {
		t.Fatal("TX-ready interrupt not enabled")
	}
	if r.pm.Deepest() != sleep.Sleep {
		t.Fatalf("deep sleep not blocked: %v", r.pm.Deepest())
	}
	r.u.HandleIRQ()
	if string(r.port.sent) != "hello" {
		t.Fatalf("sent %q", r.port.sent)
	}
	if len(r.got) != 1 || r.got[0].Events != EventTXComplete || r.got[0].N != 5 {
		t.Fatalf("results %+v", r.got)
	}
	if r.u.TXActive() || r.port.irqOn(IRQTXReady) || r.pm.Count(sleep.DeepSleep) != 0 {
		t.Fatal("TX state not torn down")
	}
}

func TestWriteWaitsForShiftRegister(t *testing.T) {
	r := newRig(t, 0)
	r.port.busy = true
	r.u.WriteAsync([]byte("x"), dma.Never, EventTXAll, r.handler)
	r.u.HandleIRQ()
	if len(r.got) != 0 {
		t.Fatalf("completed while draining: %+v", r.got)
	}
	if !r.port.irqOn(IRQTXComplete) {
		t.Fatal("TX-complete interrupt not armed")
	}
	r.port.busy = false
	r.u.HandleIRQ()
	if len(r.got) != 1 {
		t.Fatalf("results %+v", r.got)
	}
}

func TestWriteOpportunisticDMA(t *testing.T) {
	r := newRig(t, 1)
	r.u.WriteAsync([]byte("dma!"), dma.Opportunistic, EventTXAll, r.handler)
	c := r.u.Consumer(dma.MemToPeriph)
	if c.State() != dma.TemporaryAllocated || c.Channel() != 0 {
		t.Fatalf("state %v ch %d", c.State(), c.Channel())
	}
	if r.port.irqOn(IRQTXReady) {
		t.Fatal("interrupt path enabled alongside DMA")
	}
	r.ctrl.finish(0)
	if string(r.port.sent) != "dma!" || len(r.got) != 1 || r.got[0].N != 4 {
		t.Fatalf("sent %q results %+v", r.port.sent, r.got)
	}
	if c.State() != dma.Opportunistic || r.pool.Available() != 1 {
		t.Fatalf("temporary claim kept: %v avail %d", c.State(), r.pool.Available())
	}
}

func TestWriteAlwaysKeepsChannel(t *testing.T) {
	r := newRig(t, 1)
	r.u.WriteAsync([]byte("a"), dma.Always, EventTXAll, r.handler)
	r.ctrl.finish(0)
	c := r.u.Consumer(dma.MemToPeriph)
	if c.State() != dma.Allocated || c.Channel() != 0 || r.pool.Available() != 0 {
		t.Fatalf("state %v ch %d", c.State(), c.Channel())
	}
	// Second transfer reuses the channel without another allocation.
	r.u.WriteAsync([]byte("b"), dma.Always, EventTXAll, r.handler)
	r.ctrl.finish(0)
	if string(r.port.sent) != "ab" || len(r.got) != 2 {
		t.Fatalf("sent %q results %d", r.port.sent, len(r.got))
	}
}

func TestWriteDMAWaitsForIdle(t *testing.T) {
	r := newRig(t, 1)
	r.port.busy = true
	r.u.WriteAsync([]byte("zz"), dma.Opportunistic, EventTXAll, r.handler)
	r.ctrl.finish(0)
	if len(r.got) != 0 || !r.port.irqOn(IRQTXComplete) {
		t.Fatal("DMA completion did not wait for TX complete")
	}
	r.port.busy = false
	r.u.HandleIRQ()
	if len(r.got) != 1 || r.got[0].N != 2 {
		t.Fatalf("results %+v", r.got)
	}
}

func TestWriteBusyAndInvalid(t *testing.T) {
	r := newRig(t, 0)
	r.port.busy = true
	r.u.WriteAsync([]byte("a"), dma.Never, EventTXAll, r.handler)
	if err := r.u.WriteAsync([]byte("b"), dma.Never, EventTXAll, r.handler); err != errcode.Busy {
		t.Fatalf("expected busy, got %v", err)
	}
	if err := r.u.WriteAsync(nil, dma.Never, EventTXAll, r.handler); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("empty write: %v", err)
	}
	if err := r.u.WriteAsync([]byte("a"), dma.Allocated, EventTXAll, r.handler); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("state as hint: %v", err)
	}
}

func TestMaskFiltersCallback(t *testing.T) {
	r := newRig(t, 0)
	r.u.WriteAsync([]byte("q"), dma.Never, 0, r.handler)
	r.u.HandleIRQ()
	if len(r.got) != 0 || r.u.TXActive() {
		t.Fatalf("masked transfer: got %+v active %v", r.got, r.u.TXActive())
	}
}

func TestAbortTXReleasesTemporaryClaim(t *testing.T) {
	r := newRig(t, 1)
	r.u.WriteAsync([]byte("abcd"), dma.Opportunistic, EventTXAll, r.handler)
	if n := r.u.AbortTX(); n != 0 {
		t.Fatalf("aborted after %d bytes", n)
	}
	if r.ctrl.active() != 0 || r.pool.Available() != 1 || r.pm.Count(sleep.DeepSleep) != 0 {
		t.Fatal("abort did not release resources")
	}
	r.ctrl.finish(0)
	if len(r.got) != 0 {
		t.Fatal("handler called after abort")
	}
	if r.u.AbortTX() != 0 {
		t.Fatal("second abort")
	}
}

// ---- RX ----

func TestReadCharMatch(t *testing.T) {
	r := newRig(t, 1)
	r.port.inject("ab\ncd")
	buf := make([]byte, 8)
	r.u.ReadAsync(buf, dma.Opportunistic, EventRXAll, '\n', r.handler)
	if r.pool.Available() != 1 {
		t.Fatal("char-match read kept a temporary channel")
	}
	r.u.HandleIRQ()
	if len(r.got) != 1 || r.got[0].Events != EventRXCharMatch || r.got[0].N != 3 {
		t.Fatalf("results %+v", r.got)
	}
	if string(buf[:3]) != "ab\n" {
		t.Fatalf("buf %q", buf[:3])
	}
	if !r.port.RXReady() {
		t.Fatal("bytes after match consumed")
	}
}

func TestReadCompleteAndOverflow(t *testing.T) {
	r := newRig(t, 0)
	r.port.inject("xyz")
	buf := make([]byte, 2)
	r.u.ReadAsync(buf, dma.Never, EventRXAll, NoMatch, r.handler)
	r.u.HandleIRQ()
	want := EventRXComplete | EventRXOverflow
	if len(r.got) != 1 || r.got[0].Events != want || string(buf) != "xy" {
		t.Fatalf("results %+v buf %q", r.got, buf)
	}
	if r.port.irqOn(IRQRXData) {
		t.Fatal("RX interrupt left enabled")
	}
}

func TestReadLineErrorAborts(t *testing.T) {
	r := newRig(t, 1)
	buf := make([]byte, 4)
	r.u.ReadAsync(buf, dma.Always, EventRXAll, NoMatch, r.handler)
	r.port.errs = EventRXParity | EventRXFraming
	r.u.HandleIRQ()
	if len(r.got) != 1 || r.got[0].Events != EventRXParity|EventRXFraming || r.got[0].N != 0 {
		t.Fatalf("results %+v", r.got)
	}
	if r.ctrl.active() != 0 {
		t.Fatal("DMA channel still running after line error")
	}
	c := r.u.Consumer(dma.PeriphToMem)
	if c.State() != dma.Allocated {
		t.Fatalf("permanent claim dropped: %v", c.State())
	}
	if r.u.RXActive() {
		t.Fatal("RX still active")
	}
}

func TestReadDMA(t *testing.T) {
	r := newRig(t, 2)
	r.port.inject("1234")
	buf := make([]byte, 4)
	r.u.ReadAsync(buf, dma.Opportunistic, EventRXAll, NoMatch, r.handler)
	r.u.HandleIRQ() // data present but DMA owns it
	if len(r.got) != 0 {
		t.Fatalf("interrupt consumed DMA data: %+v", r.got)
	}
	ch := r.u.Consumer(dma.PeriphToMem).Channel()
	r.ctrl.finish(ch)
	if len(r.got) != 1 || r.got[0].Events != EventRXComplete || string(buf) != "1234" {
		t.Fatalf("results %+v buf %q", r.got, buf)
	}
}

func TestAbortRX(t *testing.T) {
	r := newRig(t, 0)
	r.port.inject("a")
	buf := make([]byte, 4)
	r.u.ReadAsync(buf, dma.Never, EventRXAll, NoMatch, r.handler)
	r.u.HandleIRQ()
	if n := r.u.AbortRX(); n != 1 {
		t.Fatalf("aborted with %d bytes", n)
	}
	if len(r.got) != 0 || r.u.RXActive() || r.pm.Count(sleep.DeepSleep) != 0 {
		t.Fatal("abort left state behind")
	}
}

// TX and RX of one instance compete for a single channel.
func TestTXAndRXShareOneChannel(t *testing.T) {
	r := newRig(t, 1)
	r.u.WriteAsync([]byte("w"), dma.Opportunistic, EventTXAll, r.handler)
	buf := make([]byte, 1)
	r.u.ReadAsync(buf, dma.Opportunistic, EventRXAll, NoMatch, r.handler)

	tx, rx := r.u.Consumer(dma.MemToPeriph), r.u.Consumer(dma.PeriphToMem)
	if tx.Channel() != 0 || rx.Channel() != dma.NoChannel || rx.State() != dma.Opportunistic {
		t.Fatalf("tx ch %d rx ch %d rx state %v", tx.Channel(), rx.Channel(), rx.State())
	}
	r.port.inject("r")
	r.u.HandleIRQ() // RX by interrupt
	r.ctrl.finish(0)
	if len(r.got) != 2 || buf[0] != 'r' {
		t.Fatalf("results %+v buf %q", r.got, buf)
	}
	if r.pool.Available() != 1 {
		t.Fatal("channel not returned")
	}
}

func TestSetUsage(t *testing.T) {
	r := newRig(t, 1)
	if st, err := r.u.SetUsage(dma.MemToPeriph, dma.Always); err != nil || st != dma.Allocated {
		t.Fatalf("always: %v %v", st, err)
	}
	if st, _ := r.u.SetUsage(dma.MemToPeriph, dma.Opportunistic); st != dma.Opportunistic || r.pool.Available() != 1 {
		t.Fatalf("opportunistic: %v avail %d", st, r.pool.Available())
	}
	r.u.SetUsage(dma.MemToPeriph, dma.Always)
	if st, _ := r.u.SetUsage(dma.MemToPeriph, dma.Never); st != dma.Never || r.pool.Available() != 1 {
		t.Fatalf("never: %v", st)
	}
	r.port.busy = true
	r.u.WriteAsync([]byte("a"), dma.Never, EventTXAll, r.handler)
	if _, err := r.u.SetUsage(dma.MemToPeriph, dma.Always); err != errcode.Busy {
		t.Fatalf("during transfer: %v", err)
	}
}

func TestEventString(t *testing.T) {
	if s := (EventRXComplete | EventRXOverflow).String(); s != "rx_complete|rx_overflow" {
		t.Fatalf("got %q", s)
	}
	if Event(0).String() != "none" {
		t.Fatal("zero event")
	}
}
