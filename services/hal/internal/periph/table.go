// services/hal/internal/periph/table.go
package periph

import (
	"io"
	"sort"

	"dmahal-go/errcode"
	"dmahal-go/services/hal/internal/sleep"

	"gopkg.in/yaml.v2"
)

// Kind is the peripheral class a descriptor drives.
type Kind string

const (
	KindUART   Kind = "uart"
	KindLEUART Kind = "leuart"
	KindSPI    Kind = "spi"
)

// Serial reports whether k is driven by the UART engine.
func (k Kind) Serial() bool { return k == KindUART || k == KindLEUART }

type ID uint8

// Descriptor is one row of the peripheral table: everything the engines
// need to know about an instance without touching vendor registers.
type Descriptor struct {
	ID           ID         `yaml:"id"`
	Name         string     `yaml:"name"`
	Kind         Kind       `yaml:"kind"`
	IRQ          int        `yaml:"irq"`
	TXSignal     uint8      `yaml:"tx_signal"`
	RXSignal     uint8      `yaml:"rx_signal"`
	SleepBlock   sleep.Mode `yaml:"-"`
	FIFODepth    int        `yaml:"fifo_depth"`
	MaxFrameBits int        `yaml:"max_frame_bits"`
}

// Table indexes descriptors by ID and by name.
type Table struct {
	byID   map[ID]Descriptor
	byName map[string]ID
}

func NewTable(ds ...Descriptor) (*Table, error) {
	t := &Table{byID: map[ID]Descriptor{}, byName: map[string]ID{}}
	for _, d := range ds {
		if err := t.add(d); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) add(d Descriptor) error {
	switch d.Kind {
	case KindUART, KindLEUART, KindSPI:
	default:
		return errcode.Wrap(errcode.InvalidParams, "periph.table", "unknown kind "+string(d.Kind)+" for "+d.Name)
	}
	if d.Name == "" {
		return errcode.Wrap(errcode.InvalidParams, "periph.table", "descriptor without name")
	}
	if _, dup := t.byID[d.ID]; dup {
		return errcode.Wrap(errcode.InvalidParams, "periph.table", "duplicate id for "+d.Name)
	}
	if _, dup := t.byName[d.Name]; dup {
		return errcode.Wrap(errcode.InvalidParams, "periph.table", "duplicate name "+d.Name)
	}
	if d.MaxFrameBits == 0 {
		d.MaxFrameBits = 8
		if d.Kind == KindSPI {
			d.MaxFrameBits = 16
		}
	}
	if d.MaxFrameBits < 4 || d.MaxFrameBits > 16 {
		return errcode.Wrap(errcode.InvalidParams, "periph.table", "max_frame_bits out of range for "+d.Name)
	}
	if d.FIFODepth <= 0 {
		d.FIFODepth = 1
	}
	t.byID[d.ID] = d
	t.byName[d.Name] = d.ID
	return nil
}

func (t *Table) Get(id ID) (Descriptor, bool) {
	d, ok := t.byID[id]
	return d, ok
}

func (t *Table) ByName(name string) (Descriptor, bool) {
	id, ok := t.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return t.byID[id], true
}

// All returns descriptors ordered by ID.
func (t *Table) All() []Descriptor {
	out := make([]Descriptor, 0, len(t.byID))
	for _, d := range t.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Table) Len() int { return len(t.byID) }

// ---- YAML board files ----

type yamlDescriptor struct {
	Descriptor `yaml:",inline"`
	SleepBlock string `yaml:"sleep_block"`
}

type yamlTable struct {
	Peripherals []yamlDescriptor `yaml:"peripherals"`
}

// LoadYAML builds a table from a board file of the form:
//
//	peripherals:
//	  - {id: 0, name: usart0, kind: uart, irq: 3, tx_signal: 1, rx_signal: 2, sleep_block: deep_sleep}
func LoadYAML(r io.Reader) (*Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var yt yamlTable
	if err := yaml.UnmarshalStrict(raw, &yt); err != nil {
		return nil, &errcode.E{C: errcode.InvalidPayload, Op: "periph.load", Msg: "bad board file", Err: err}
	}
	ds := make([]Descriptor, 0, len(yt.Peripherals))
	for _, y := range yt.Peripherals {
		d := y.Descriptor
		d.SleepBlock = defaultBlock(d.Kind)
		if y.SleepBlock != "" {
			m, ok := sleep.ParseMode(y.SleepBlock)
			if !ok {
				return nil, errcode.Wrap(errcode.InvalidParams, "periph.load", "bad sleep_block "+y.SleepBlock)
			}
			d.SleepBlock = m
		}
		ds = append(ds, d)
	}
	return NewTable(ds...)
}

// defaultBlock is the shallowest mode that stops the peripheral's clock.
// Low-energy UARTs keep running in DeepSleep.
func defaultBlock(k Kind) sleep.Mode {
	if k == KindLEUART {
		return sleep.Stop
	}
	return sleep.DeepSleep
}

// Default is an EFM32-class family: three USARTs, two UARTs, two LEUARTs.
func Default() *Table {
	t, err := NewTable(
		Descriptor{ID: 0, Name: "usart0", Kind: KindUART, IRQ: 3, TXSignal: 0x0c, RXSignal: 0x0d, SleepBlock: sleep.DeepSleep, FIFODepth: 2, MaxFrameBits: 16},
		Descriptor{ID: 1, Name: "usart1", Kind: KindUART, IRQ: 15, TXSignal: 0x0e, RXSignal: 0x0f, SleepBlock: sleep.DeepSleep, FIFODepth: 2, MaxFrameBits: 16},
		Descriptor{ID: 2, Name: "usart2", Kind: KindUART, IRQ: 18, TXSignal: 0x10, RXSignal: 0x11, SleepBlock: sleep.DeepSleep, FIFODepth: 2, MaxFrameBits: 16},
		Descriptor{ID: 3, Name: "uart0", Kind: KindUART, IRQ: 20, TXSignal: 0x12, RXSignal: 0x13, SleepBlock: sleep.DeepSleep, FIFODepth: 2, MaxFrameBits: 9},
		Descriptor{ID: 4, Name: "uart1", Kind: KindUART, IRQ: 22, TXSignal: 0x14, RXSignal: 0x15, SleepBlock: sleep.DeepSleep, FIFODepth: 2, MaxFrameBits: 9},
		Descriptor{ID: 5, Name: "leuart0", Kind: KindLEUART, IRQ: 24, TXSignal: 0x16, RXSignal: 0x17, SleepBlock: sleep.Stop, FIFODepth: 1, MaxFrameBits: 9},
		Descriptor{ID: 6, Name: "leuart1", Kind: KindLEUART, IRQ: 25, TXSignal: 0x18, RXSignal: 0x19, SleepBlock: sleep.Stop, FIFODepth: 1, MaxFrameBits: 9},
		Descriptor{ID: 7, Name: "spi0", Kind: KindSPI, IRQ: 4, TXSignal: 0x1a, RXSignal: 0x1b, SleepBlock: sleep.DeepSleep, FIFODepth: 2, MaxFrameBits: 16},
		Descriptor{ID: 8, Name: "spi1", Kind: KindSPI, IRQ: 16, TXSignal: 0x1c, RXSignal: 0x1d, SleepBlock: sleep.DeepSleep, FIFODepth: 2, MaxFrameBits: 16},
	)
	if err != nil {
		panic("periph: default table: " + err.Error())
	}
	return t
}
