//go:build rp2040 || rp2350

package main

import (
	"context"
	"runtime"
	"time"

	"dmahal-go/bus"
	"dmahal-go/services/hal"
	"dmahal-go/types"
)

func printTopicWith(prefix string, t bus.Topic) {
	print(prefix)
	print(" ")
	for i := 0; i < t.Len(); i++ {
		if i > 0 {
			print("/")
		}
		switch v := t.At(i).(type) {
		case string:
			print(v)
		case int:
			print(v)
		case uint64:
			print(v)
		default:
			print("?")
		}
	}
	println()
}

func main() {
	time.Sleep(3 * time.Second)
	ctx := context.Background()

	println("[main] bootstrapping bus …")
	b := bus.NewBus(8)
	halConn := b.NewConnection("hal")
	uiConn := b.NewConnection("ui")

	mon := uiConn.Subscribe(bus.T("hal", "#"))
	go func() {
		for m := range mon.Channel() {
			printTopicWith("[monitor] <-", m.Topic)
		}
	}()

	println("[main] starting hal.Run …")
	go hal.Run(ctx, halConn, hal.NewRP2Platform(115200))

	cfg := hal.InitialConfig()
	println("[main] publishing config/hal, peripherals:", len(cfg.Peripherals))
	uiConn.Publish(uiConn.NewMessage(bus.T("config", "hal"), cfg, true))
	time.Sleep(250 * time.Millisecond)

	write := bus.T("hal", "console", "control", "write")
	probe := bus.T("hal", "flash", "control", "transfer")
	for {
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		if _, err := uiConn.RequestWait(rctx, uiConn.NewMessage(write, types.UARTWrite{Data: []byte("tick\r\n")}, false)); err != nil {
			println("[main] write error:", err.Error())
		}
		// JEDEC id: 0x9f then three bytes back.
		if reply, err := uiConn.RequestWait(rctx, uiConn.NewMessage(probe, types.SPITransfer{TX: []byte{0x9f}, RXLen: 4}, false)); err != nil {
			println("[main] transfer error:", err.Error())
		} else if r, ok := reply.Payload.(types.SPITransferReply); ok && len(r.RX) == 4 {
			println("[main] jedec:", r.RX[1], r.RX[2], r.RX[3])
		}
		cancel()
		printMem()
		time.Sleep(time.Second)
	}
}

// printMem prints a compact snapshot of TinyGo runtime memory stats.
func printMem() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	println(
		"[mem]",
		"alloc:", uint32(ms.Alloc),
		"heapInuse:", uint32(ms.HeapInuse),
		"mallocs:", uint32(ms.Mallocs),
		"frees:", uint32(ms.Frees),
	)
}
