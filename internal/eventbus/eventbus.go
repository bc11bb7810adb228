// Package eventbus fans a stream of polling.MeasurementEvent values out to
// any number of subscribers, synchronously and in subscription order.
package eventbus

import (
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/bifrost/modbus-gateway/internal/polling"
)

// Subscriber receives every event published on a Bus.
type Subscriber interface {
	OnEvent(event polling.MeasurementEvent)
}

// SubscriberFunc adapts a plain function to a Subscriber.
type SubscriberFunc func(event polling.MeasurementEvent)

func (f SubscriberFunc) OnEvent(event polling.MeasurementEvent) { f(event) }

// Bus is a concurrency-safe, synchronous publish/subscribe fan-out.
// Publish blocks until every subscriber has returned; a subscriber that
// panics is recovered and logged so it cannot prevent the others from
// receiving the event.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers []*subscription
	nextID      int64
}

type subscription struct {
	id   int64
	sub  Subscriber
	bus  *Bus
}

// New builds an empty Bus. A nil logger is replaced with a no-op logger.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Subscribe registers sub to receive every future published event, in the
// order it was added relative to other current subscribers. Closing the
// returned handle removes it; Close is idempotent.
func (b *Bus) Subscribe(sub Subscriber) io.Closer {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &subscription{id: b.nextID, sub: sub, bus: b}
	b.subscribers = append(b.subscribers, s)
	return s
}

func (s *subscription) Close() error {
	s.bus.remove(s.id)
	return nil
}

func (b *Bus) remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.id == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish invokes every current subscriber with event, in subscription
// order. Subscribers added or removed concurrently with Publish do not
// observe this event unless they were present at the moment the subscriber
// snapshot was taken.
func (b *Bus) Publish(event polling.MeasurementEvent) {
	b.mu.RLock()
	snapshot := make([]*subscription, len(b.subscribers))
	copy(snapshot, b.subscribers)
	b.mu.RUnlock()

	for _, s := range snapshot {
		b.dispatch(s, event)
	}
}

func (b *Bus) dispatch(s *subscription, event polling.MeasurementEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus subscriber panicked", zap.Any("panic", r))
		}
	}()
	s.sub.OnEvent(event)
}
