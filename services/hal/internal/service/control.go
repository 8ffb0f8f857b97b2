// services/hal/internal/service/control.go
package service

import (
	"context"
	"time"

	"dmahal-go/bus"
	"dmahal-go/errcode"
	"dmahal-go/services/hal/internal/consts"
	"dmahal-go/services/hal/internal/dma"
	"dmahal-go/services/hal/internal/halerr"
	"dmahal-go/services/hal/internal/serial"
	"dmahal-go/services/hal/internal/util"
	"dmahal-go/types"
)

// decode accepts a typed payload or anything DecodeJSON understands.
func decode[T any](p any) (T, error) {
	if v, ok := p.(T); ok {
		return v, nil
	}
	if v, ok := p.(*T); ok && v != nil {
		return *v, nil
	}
	var v T
	if p == nil {
		return v, errcode.InvalidPayload
	}
	if err := util.DecodeJSON(p, &v); err != nil {
		return v, &errcode.E{C: errcode.InvalidPayload, Op: "hal.control", Err: err}
	}
	return v, nil
}

func withTimeout(ctx context.Context, ms int) (context.Context, context.CancelFunc) {
	if ms > 0 {
		return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
	}
	return context.WithCancel(ctx)
}

func (s *Service) replyErr(msg *bus.Message, err error) {
	s.conn.Reply(msg, types.ErrorReply{OK: false, Error: string(errcode.Of(err))}, false)
}

// handleControl serves hal/<id>/control/<verb>. It runs on its own goroutine
// so a blocking transfer does not stall the service loop.
func (s *Service) handleControl(ctx context.Context, msg *bus.Message) {
	if msg.Topic.Len() != 4 {
		s.replyErr(msg, errcode.InvalidTopic)
		return
	}
	id, ok1 := msg.Topic.At(1).(string)
	verb, ok2 := msg.Topic.At(3).(string)
	if !ok1 || !ok2 || id == "" {
		s.replyErr(msg, errcode.Wrap(errcode.InvalidTopic, "hal.control", halerr.ErrInvalidAddr.Error()))
		return
	}

	switch verb {
	case consts.CtrlWrite:
		req, err := decode[types.UARTWrite](msg.Payload)
		if err != nil {
			s.replyErr(msg, err)
			return
		}
		n, err := s.Write(ctx, id, req.Data)
		if err != nil {
			s.replyErr(msg, err)
			return
		}
		s.conn.Reply(msg, types.UARTWriteAck{OK: true, N: n}, false)

	case consts.CtrlRead:
		req, err := decode[types.UARTRead](msg.Payload)
		if err != nil {
			s.replyErr(msg, err)
			return
		}
		match := serial.NoMatch
		if req.Match != nil {
			match = *req.Match
		}
		rctx, cancel := withTimeout(ctx, req.TimeoutMs)
		data, ev, err := s.Read(rctx, id, req.N, match)
		cancel()
		if err != nil {
			s.replyErr(msg, err)
			return
		}
		s.conn.Reply(msg, types.UARTReadReply{OK: true, Data: data, Events: util.Flags(ev.String())}, false)

	case consts.CtrlTransfer:
		req, err := decode[types.SPITransfer](msg.Payload)
		if err != nil {
			s.replyErr(msg, err)
			return
		}
		// rx_len 0 reads back as many bytes as were sent; Transfer rejects
		// negative lengths.
		rxLen := req.RXLen
		if rxLen == 0 {
			rxLen = len(req.TX)
		}
		tctx, cancel := withTimeout(ctx, req.TimeoutMs)
		rx, ev, err := s.Transfer(tctx, id, req.TX, rxLen)
		cancel()
		if err != nil {
			s.replyErr(msg, err)
			return
		}
		s.conn.Reply(msg, types.SPITransferReply{OK: true, RX: rx, Events: util.Flags(ev.String())}, false)

	case consts.CtrlUsage:
		req, err := decode[types.SetUsage](msg.Payload)
		if err != nil {
			s.replyErr(msg, err)
			return
		}
		var dir dma.Direction
		switch req.Dir {
		case dma.MemToPeriph.String():
			dir = dma.MemToPeriph
		case dma.PeriphToMem.String():
			dir = dma.PeriphToMem
		default:
			s.replyErr(msg, errcode.Wrap(errcode.InvalidParams, "hal.usage", "dir"))
			return
		}
		hint, ok := dma.ParseUsage(req.Hint)
		if !ok {
			s.replyErr(msg, errcode.Wrap(errcode.InvalidParams, "hal.usage", halerr.ErrInvalidHint.Error()))
			return
		}
		st, ch, err := s.SetUsage(id, dir, hint)
		if err != nil {
			s.replyErr(msg, err)
			return
		}
		s.conn.Reply(msg, types.SetUsageAck{OK: true, State: st.String(), Channel: int(ch)}, false)

	default:
		s.replyErr(msg, errcode.Wrap(errcode.Unsupported, "hal.control", halerr.ErrUnknownVerb.Error()))
	}
}
