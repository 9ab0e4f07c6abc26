// Package events fans domain events out to external sinks: websocket
// clients, Kafka and the trade journal. Publishing never blocks the engine.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
)

// DefaultBuffer is the dispatcher's queue size.
const DefaultBuffer = 1024

// deliverTimeout bounds one sink delivery.
const deliverTimeout = 5 * time.Second

// Sink receives events from the dispatcher, one at a time.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev model.Event) error
}

// Dispatcher queues events and delivers them to every sink on a single
// goroutine, in publish order.
type Dispatcher struct {
	sinks []Sink
	queue chan model.Event
	log   *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher creates a dispatcher with a queue of buffer events.
func NewDispatcher(buffer int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sinks: sinks,
		queue: make(chan model.Event, buffer),
		log:   logger.With("component", "events"),
		done:  make(chan struct{}),
	}
}

// Publish enqueues ev. When the queue is full or the dispatcher is closed
// the event is dropped and counted.
func (d *Dispatcher) Publish(ev model.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.EventsDropped.Inc()
		return
	}
	select {
	case d.queue <- ev:
	default:
		metrics.EventsDropped.Inc()
		d.log.Warn("event dropped, queue full", "type", ev.Type, "portfolio_id", ev.PortfolioID)
	}
}

// Run delivers queued events until Close is called and the queue drains.
// ctx bounds individual deliveries. Must be called in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for ev := range d.queue {
		d.deliver(ctx, ev)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev model.Event) {
	for _, s := range d.sinks {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
		err := s.Deliver(dctx, ev)
		cancel()
		if err != nil {
			metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
			d.log.Error("event delivery failed",
				"sink", s.Name(),
				"type", ev.Type,
				"event_id", ev.ID,
				"error", err,
			)
		}
	}
}

// Close stops accepting events and waits for Run to deliver what is queued.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}
