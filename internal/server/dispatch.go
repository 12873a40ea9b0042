package server

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Dantee296/SwiftOSC/internal/metrics"
	"github.com/Dantee296/SwiftOSC/internal/osc"
)

// delivery is one accepted datagram on its way to the consumer. elem is nil
// when the datagram failed to decode.
type delivery struct {
	raw  []byte
	elem osc.Element
}

// dispatcher hands deliveries to the consumer on its own goroutine so a slow
// consumer never stalls the I/O loop.
type dispatcher struct {
	raw     RawDatagramHandler
	message MessageHandler
	bundle  BundleHandler

	queue   chan delivery
	logger  *slog.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup

	mu        sync.Mutex
	delivered uint64
	dropped   uint64
	panics    uint64
}

func newDispatcher(consumer Consumer, queueSize int, logger *slog.Logger, m *metrics.Metrics) *dispatcher {
	d := &dispatcher{
		queue:   make(chan delivery, queueSize),
		logger:  logger,
		metrics: m,
	}
	d.raw, _ = consumer.(RawDatagramHandler)
	d.message, _ = consumer.(MessageHandler)
	d.bundle, _ = consumer.(BundleHandler)
	return d
}

func (d *dispatcher) start() {
	d.wg.Add(1)
	go d.run()
}

// stop closes the queue and waits until every queued delivery has been handed
// to the consumer. enqueue must not be called afterwards.
func (d *dispatcher) stop() {
	close(d.queue)
	d.wg.Wait()
}

// enqueue queues dv without blocking. It reports false when the queue is full
// and the delivery was dropped.
func (d *dispatcher) enqueue(dv delivery) bool {
	select {
	case d.queue <- dv:
		d.metrics.SetDeliveryQueueSize(len(d.queue))
		return true
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.metrics.RecordDeliveryDrop()
		d.logger.Warn("Delivery queue full, dropping datagram",
			slog.Int("datagram_size", len(dv.raw)),
			slog.Int("queue_capacity", cap(d.queue)),
		)
		return false
	}
}

func (d *dispatcher) run() {
	defer d.wg.Done()

	for dv := range d.queue {
		d.metrics.SetDeliveryQueueSize(len(d.queue))
		d.deliver(dv)

		d.mu.Lock()
		d.delivered++
		d.mu.Unlock()
	}
}

// deliver invokes the raw callback first, then walks the decoded tree: each
// bundle is announced before its children, messages in wire order.
func (d *dispatcher) deliver(dv delivery) {
	if d.raw != nil {
		d.safely("OnRawDatagram", func() { d.raw.OnRawDatagram(dv.raw) })
	}
	if dv.elem == nil {
		return
	}

	osc.Walk(dv.elem, func(e osc.Element) {
		switch el := e.(type) {
		case *osc.Bundle:
			if d.bundle != nil {
				d.safely("OnBundle", func() { d.bundle.OnBundle(el) })
			}
		case *osc.Message:
			if d.message != nil {
				d.safely("OnMessage", func() { d.message.OnMessage(el) })
			}
		}
	})
}

// safely runs a consumer callback, recovering and logging any panic.
func (d *dispatcher) safely(callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.mu.Lock()
			d.panics++
			d.mu.Unlock()
			d.metrics.RecordConsumerPanic()
			d.logger.Error("Consumer callback panicked",
				slog.String("callback", callback),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn()
}

// dispatchStats is a snapshot of the dispatcher counters.
type dispatchStats struct {
	delivered uint64
	dropped   uint64
	panics    uint64
	queued    int
	capacity  int
}

func (d *dispatcher) stats() dispatchStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return dispatchStats{
		delivered: d.delivered,
		dropped:   d.dropped,
		panics:    d.panics,
		queued:    len(d.queue),
		capacity:  cap(d.queue),
	}
}
