// Package notify hands committed transition events to downstream sinks
// without holding up the request that produced them.
package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/peerflow/internal/observability"
	"github.com/pitabwire/peerflow/model"
)

const defaultQueueSize = 256

// Sink delivers one event. Sinks are called from a single goroutine.
type Sink interface {
	Name() string
	Publish(ctx context.Context, event model.TransitionEvent) error
}

// Dispatcher queues events and drains them into a Sink on its own
// goroutine. Notify never blocks: when the queue is full the event is
// dropped and counted.
type Dispatcher struct {
	sink    Sink
	queue   chan model.TransitionEvent
	metrics *observability.Metrics
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a Dispatcher. Close must be called to stop it.
func NewDispatcher(sink Sink, queueSize int, metrics *observability.Metrics, logger *zap.Logger) *Dispatcher {
	if queueSize < 1 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan model.TransitionEvent, queueSize),
		metrics: metrics,
		logger:  logger.With(zap.String("sink", sink.Name())),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify implements model.Notifier.
func (d *Dispatcher) Notify(_ context.Context, event model.TransitionEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.metrics.RecordNotificationDropped("closed")
		return
	}
	select {
	case d.queue <- event:
	default:
		d.metrics.RecordNotificationDropped("queue_full")
		d.logger.Warn("notification queue full, dropping event",
			zap.String("event_id", event.ID),
			zap.String("instance_id", event.InstanceID),
		)
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to
// end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify: drain interrupted: %w", ctx.Err())
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event model.TransitionEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordNotificationDropped("panic")
			d.logger.Error("notification sink panicked", zap.Any("panic", r), zap.String("event_id", event.ID))
		}
	}()

	if err := d.sink.Publish(context.Background(), event); err != nil {
		d.metrics.RecordNotificationDropped("sink_error")
		d.logger.Error("notification publish failed", zap.String("event_id", event.ID), zap.Error(err))
		return
	}
	d.metrics.RecordNotificationPublished(d.sink.Name())
}

// Nop discards every event.
type Nop struct{}

// Notify implements model.Notifier.
func (Nop) Notify(context.Context, model.TransitionEvent) {}
