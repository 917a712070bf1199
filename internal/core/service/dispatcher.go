package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

const publishTimeout = 5 * time.Second

// EventDispatcher queues reservation events and publishes them from a pool of
// workers so that request handlers never wait on the broker.
type EventDispatcher struct {
	publisher port.EventPublisher
	queue     chan domain.Event
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewEventDispatcher(publisher port.EventPublisher, queueSize int, logger *zap.Logger) *EventDispatcher {
	return &EventDispatcher{
		publisher: publisher,
		queue:     make(chan domain.Event, queueSize),
		logger:    logger.Named("dispatcher"),
	}
}

// Start launches workerCount publishing workers.
func (d *EventDispatcher) Start(workerCount int) {
	for i := 0; i < workerCount; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.workerLoop(id)
		}(i)
	}
	d.logger.Info("started event workers", zap.Int("workers", workerCount))
}

// Dispatch enqueues an event. When the queue is full it waits until ctx is
// done; the event is then logged and dropped, as it is once the dispatcher is
// closed.
func (d *EventDispatcher) Dispatch(ctx context.Context, event domain.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("dispatcher closed, dropping event", eventFields(event)...)
		return
	}

	// A queue with room always takes the event, even when ctx is already done.
	select {
	case d.queue <- event:
		return
	default:
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.logger.Warn("context done, dropping event", append(eventFields(event), zap.Error(ctx.Err()))...)
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (d *EventDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("event workers stopped")
}

func (d *EventDispatcher) workerLoop(id int) {
	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)

		if err := d.publisher.Publish(ctx, event); err != nil {
			d.logger.Error("failed to publish event",
				append(eventFields(event), zap.Int("worker", id), zap.Error(err))...)
		}

		cancel()
	}
}

func eventFields(e domain.Event) []zap.Field {
	return []zap.Field{
		zap.String("event", string(e.Type)),
		zap.String("reservation_id", e.ReservationID),
		zap.String("variant_id", e.VariantID),
		zap.Int("quantity", e.Quantity),
	}
}
