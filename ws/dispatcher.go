package ws

import (
	"runtime/debug"
	"sync"

	"integrate_clickhouse/metrics"
	"integrate_clickhouse/parser"

	"go.uber.org/zap"
)

// Handler consumes the raw payload of one inbound frame.
type Handler func(parser.Payload)

// dispatcher routes decoded frames to one handler per event kind. Callbacks run
// on the reader goroutine in receipt order.
type dispatcher struct {
	log *zap.SugaredLogger

	mu        sync.RWMutex
	touchline Handler
	depth     Handler
	order     Handler
}

func (d *dispatcher) set(kind parser.Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch kind {
	case parser.KindTouchline:
		d.touchline = h
	case parser.KindDepth:
		d.depth = h
	case parser.KindOrder:
		d.order = h
	}
}

func (d *dispatcher) handler(kind parser.Kind) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch kind {
	case parser.KindTouchline:
		return d.touchline
	case parser.KindDepth:
		return d.depth
	case parser.KindOrder:
		return d.order
	}
	return nil
}

func (d *dispatcher) dispatch(msg parser.Message) {
	metrics.IncrementFramesReceived(msg.Kind.String())

	switch msg.Kind {
	case parser.KindTouchline, parser.KindDepth, parser.KindOrder:
	case parser.KindUnknown:
		d.log.Debugw("Dropping frame", "error", &parser.ProtocolError{Kind: parser.UnknownFrameType, Tag: msg.Tag})
		return
	default:
		return
	}

	h := d.handler(msg.Kind)
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.IncrementCallbackPanics(msg.Kind.String())
			d.log.Errorw("Callback panic recovered",
				"kind", msg.Kind.String(),
				"tag", msg.Tag,
				"error", r,
				"stack", string(debug.Stack()))
		}
	}()
	h(msg.Payload)
}
