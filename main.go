//go:build !rp2040 && !rp2350

package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"dmahal-go/bus"
	"dmahal-go/services/config"
	"dmahal-go/services/hal"
	"dmahal-go/services/heartbeat"
	"dmahal-go/types"
)

// Runs the HAL on the host against fake ports and the emulated DMA
// controller, configured from the embedded "host" config.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	println("boot")

	b := bus.NewBus(16)
	go hal.Run(ctx, b.NewConnection("hal"), hal.NewHostPlatform(true))
	_ = (&heartbeat.Service{}).Start(ctx, b.NewConnection("heartbeat"))

	cctx := context.WithValue(ctx, config.CtxDeviceKey, "host")
	config.NewConfigService().Start(cctx, b.NewConnection("config"))

	ui := b.NewConnection("ui")
	write := bus.T("hal", "console", "control", "write")
	probe := bus.T("hal", "flash", "control", "transfer")

	tick := time.NewTicker(3 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			println("shutdown")
			return
		case t := <-tick.C:
			rctx, cancel := context.WithTimeout(ctx, time.Second)
			if _, err := ui.RequestWait(rctx, ui.NewMessage(write, types.UARTWrite{Data: []byte(t.Format("15:04:05") + "\r\n")}, false)); err != nil {
				println("write error:", err.Error())
			}
			if reply, err := ui.RequestWait(rctx, ui.NewMessage(probe, types.SPITransfer{TX: []byte{0x9f, 0, 0, 0}}, false)); err != nil {
				println("transfer error:", err.Error())
			} else if r, ok := reply.Payload.(types.SPITransferReply); ok {
				println("loopback:", len(r.RX), "bytes")
			}
			cancel()
		}
	}
}
