package eventbus

import (
	"context"
	"log/slog"
	"sync"
)

// Bus is the in-process publish/subscribe contract. Post never blocks on
// subscriber processing; an event posted while a subscriber's buffer is full
// is dropped for that subscriber. Events posted with no subscriber attached
// are simply gone; durable delivery is the DurableBus's job.
type Bus interface {
	Post(ctx context.Context, event Event) error
	Subscribe(types ...Type) *Subscription
}

// Subscription is a live, order-preserving filtered view of the bus.
// Close unsubscribes promptly; no deliveries happen afterwards.
type Subscription struct {
	ch     chan Event
	types  map[Type]struct{}
	cancel func()
	once   sync.Once
}

// C is the receive channel. It is closed when the subscription is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the bus and closes C.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

func (s *Subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// LocalBus fans events out to current subscribers synchronously, one
// buffered channel per subscriber.
type LocalBus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	buffer  int
	logger  *slog.Logger
	dropped int64
}

// NewLocalBus returns a bus whose subscriber channels buffer up to buffer
// events. A non-positive buffer falls back to 64.
func NewLocalBus(buffer int, logger *slog.Logger) *LocalBus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Post fans the event out to every matching subscriber without blocking.
func (b *LocalBus) Post(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full. Dropping keeps the poster and
			// the remaining subscribers moving.
			b.dropped++
			b.logger.Warn("event dropped for slow subscriber", "type", string(event.Type), "team_id", event.TeamID)
		}
	}
	return nil
}

// Subscribe registers a filtered view. With no types given, every event is
// delivered.
func (b *LocalBus) Subscribe(types ...Type) *Subscription {
	sub := &Subscription{
		ch:    make(chan Event, b.buffer),
		types: make(map[Type]struct{}, len(types)),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, sub)
		close(sub.ch)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Dropped reports how many deliveries were skipped because of full
// subscriber buffers.
func (b *LocalBus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
