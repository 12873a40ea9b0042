package server

import (
	"context"
	"log/slog"

	"github.com/Dantee296/SwiftOSC/internal/osc"
)

// Consumer receives what the listener reads off the wire. A consumer implements
// any subset of RawDatagramHandler, MessageHandler and BundleHandler; the
// listener checks each capability with a type assertion and skips the ones that
// are missing.
//
// All callbacks run on a single dispatch goroutine, never on the I/O loop, and
// are invoked in datagram arrival order.
type Consumer interface{}

// RawDatagramHandler is called with every datagram accepted from the active
// peer, whether or not it decodes. The slice is not reused by the listener.
type RawDatagramHandler interface {
	OnRawDatagram(data []byte)
}

// MessageHandler is called for every decoded message, top-level or nested
// inside a bundle.
type MessageHandler interface {
	OnMessage(msg *osc.Message)
}

// BundleHandler is called once per decoded bundle, before its nested elements
// are delivered depth-first in wire order.
type BundleHandler interface {
	OnBundle(bundle *osc.Bundle)
}

// ConsumerFuncs adapts plain functions to a Consumer. Nil fields are no-ops.
type ConsumerFuncs struct {
	RawDatagram func(data []byte)
	Message     func(msg *osc.Message)
	Bundle      func(bundle *osc.Bundle)
}

// OnRawDatagram implements RawDatagramHandler.
func (c ConsumerFuncs) OnRawDatagram(data []byte) {
	if c.RawDatagram != nil {
		c.RawDatagram(data)
	}
}

// OnMessage implements MessageHandler.
func (c ConsumerFuncs) OnMessage(msg *osc.Message) {
	if c.Message != nil {
		c.Message(msg)
	}
}

// OnBundle implements BundleHandler.
func (c ConsumerFuncs) OnBundle(bundle *osc.Bundle) {
	if c.Bundle != nil {
		c.Bundle(bundle)
	}
}

// MultiConsumer fans every callback out to each consumer that supports it, in
// slice order.
type MultiConsumer []Consumer

// OnRawDatagram implements RawDatagramHandler.
func (mc MultiConsumer) OnRawDatagram(data []byte) {
	for _, c := range mc {
		if h, ok := c.(RawDatagramHandler); ok {
			h.OnRawDatagram(data)
		}
	}
}

// OnMessage implements MessageHandler.
func (mc MultiConsumer) OnMessage(msg *osc.Message) {
	for _, c := range mc {
		if h, ok := c.(MessageHandler); ok {
			h.OnMessage(msg)
		}
	}
}

// OnBundle implements BundleHandler.
func (mc MultiConsumer) OnBundle(bundle *osc.Bundle) {
	for _, c := range mc {
		if h, ok := c.(BundleHandler); ok {
			h.OnBundle(bundle)
		}
	}
}

// LogConsumer writes every decoded message and bundle to a logger.
type LogConsumer struct {
	Logger *slog.Logger
	Level  slog.Level
}

// OnMessage implements MessageHandler.
func (l LogConsumer) OnMessage(msg *osc.Message) {
	l.Logger.Log(context.Background(), l.Level, "OSC message",
		slog.String("address", string(msg.Address)),
		slog.String("type_tags", msg.TypeTags()),
		slog.Int("arguments", len(msg.Arguments)),
		slog.String("message", msg.String()),
	)
}

// OnBundle implements BundleHandler.
func (l LogConsumer) OnBundle(bundle *osc.Bundle) {
	l.Logger.Log(context.Background(), l.Level, "OSC bundle",
		slog.Uint64("timetag", uint64(bundle.Timetag)),
		slog.Int("elements", len(bundle.Elements)),
	)
}

// Verify that interfaces are implemented properly.
var (
	_ RawDatagramHandler = ConsumerFuncs{}
	_ MessageHandler     = ConsumerFuncs{}
	_ BundleHandler      = ConsumerFuncs{}
	_ RawDatagramHandler = MultiConsumer{}
	_ MessageHandler     = MultiConsumer{}
	_ BundleHandler      = MultiConsumer{}
	_ MessageHandler     = LogConsumer{}
	_ BundleHandler      = LogConsumer{}
)
