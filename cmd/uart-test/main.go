//go:build !rp2040 && !rp2350

// Command uart-test drives the asynchronous UART engine against a host
// serial device, or against a fake port when no device is given.
//
// Usage:
//
//	go run ./cmd/uart-test [flags]
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"dmahal-go/bus"
	"dmahal-go/services/hal"
	"dmahal-go/services/hal/config"
	"dmahal-go/types"
)

const periph = "usart0"

var (
	opts = struct {
		dev     string
		baud    int
		dma     bool
		txHint  string
		rxHint  string
		msg     string
		readN   int
		match   string
		timeout time.Duration
	}{}

	rootCmd = &cobra.Command{
		Use:   "uart-test",
		Short: "Exercise the async UART engine",
		Long:  "Configure one UART through the HAL bus, write a message and optionally read a reply, printing transfer events.",
		Args:  cobra.NoArgs,
		// main prints the error.
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
)

func init() {
	rootCmd.Flags().StringVarP(&opts.dev, "dev", "d", "", "serial device (empty: list devices and use a fake)")
	rootCmd.Flags().IntVarP(&opts.baud, "baud", "b", 115200, "line rate")
	rootCmd.Flags().BoolVar(&opts.dma, "dma", true, "attach the emulated DMA controller")
	rootCmd.Flags().StringVar(&opts.txHint, "tx-dma", "opportunistic", "TX DMA hint (never, opportunistic, always)")
	rootCmd.Flags().StringVar(&opts.rxHint, "rx-dma", "opportunistic", "RX DMA hint (never, opportunistic, always)")
	rootCmd.Flags().StringVarP(&opts.msg, "msg", "m", "hello\r\n", "bytes to write")
	rootCmd.Flags().IntVarP(&opts.readN, "read", "r", 0, "bytes to read after writing (0: skip)")
	rootCmd.Flags().StringVar(&opts.match, "match", "", "end the read early on this character")
	rootCmd.Flags().DurationVarP(&opts.timeout, "timeout", "t", 2*time.Second, "per-request timeout")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		println("[uart-test]", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	plat := hal.NewHostPlatform(opts.dma)
	if opts.dev == "" {
		if ports, err := hal.SerialPorts(); err == nil {
			for _, p := range ports {
				println("[uart-test] found", p)
			}
		}
		println("[uart-test] no --dev given, using a fake port")
	} else {
		port, err := hal.OpenSerial(opts.dev, opts.baud)
		if err != nil {
			return errors.New("open failed: " + err.Error())
		}
		defer port.Close()
		plat.WithUART(periph, port)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := bus.NewBus(32)
	ui := b.NewConnection("ui")
	go hal.Run(ctx, b.NewConnection("hal"), plat)

	stateSub := ui.Subscribe(bus.T("hal", "state"))
	evSub := ui.Subscribe(bus.T("hal", "uart", "event"))
	go func() {
		for m := range evSub.Channel() {
			if ev, ok := m.Payload.(types.TransferEvent); ok {
				print("[uart-test] event ", ev.Op, " n=", ev.N)
				for _, e := range ev.Events {
					print(" ", e)
				}
				println()
			}
		}
	}()
	defer ui.Disconnect()

	ui.Publish(ui.NewMessage(bus.T("config", "hal"), config.HALConfig{
		Peripherals: []config.Peripheral{{
			ID:        "uart",
			Periph:    periph,
			Type:      "uart",
			TXDMA:     opts.txHint,
			RXDMA:     opts.rxHint,
			Baud:      uint32(opts.baud),
			TimeoutMs: int(opts.timeout.Milliseconds()),
		}},
	}, true))

	if err := waitReady(stateSub, 2*time.Second); err != nil {
		return err
	}

	rctx, rcancel := context.WithTimeout(ctx, opts.timeout)
	reply, err := ui.RequestWait(rctx, ui.NewMessage(
		bus.T("hal", "uart", "control", "write"), types.UARTWrite{Data: []byte(opts.msg)}, false))
	rcancel()
	if err := report("write", reply, err); err != nil {
		return err
	}

	if opts.readN > 0 {
		req := types.UARTRead{N: opts.readN, TimeoutMs: int(opts.timeout.Milliseconds())}
		if opts.match != "" {
			c := int(opts.match[0])
			req.Match = &c
		}
		rctx, rcancel := context.WithTimeout(ctx, opts.timeout+time.Second)
		reply, err := ui.RequestWait(rctx, ui.NewMessage(bus.T("hal", "uart", "control", "read"), req, false))
		rcancel()
		if err := report("read", reply, err); err != nil {
			return err
		}
		if r, ok := reply.Payload.(types.UARTReadReply); ok {
			println("[uart-test] read:", string(r.Data))
		}
	}

	// Let the event printer catch up.
	time.Sleep(50 * time.Millisecond)
	return nil
}

func waitReady(sub *bus.Subscription, d time.Duration) error {
	deadline := time.After(d)
	for {
		select {
		case m := <-sub.Channel():
			if st, ok := m.Payload.(types.HALState); ok {
				switch st.Level {
				case "ready":
					return nil
				case "error":
					return errors.New("config error: " + st.Error)
				}
			}
		case <-deadline:
			return errors.New("HAL did not become ready")
		}
	}
}

func report(op string, reply *bus.Message, err error) error {
	if err != nil {
		return errors.New(op + " failed: " + err.Error())
	}
	if e, ok := reply.Payload.(types.ErrorReply); ok {
		return errors.New(op + " error: " + e.Error)
	}
	println("[uart-test]", op, "ok")
	return nil
}
