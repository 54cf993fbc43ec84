package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store is the pluggable append-only log behind the DurableBus, keyed by
// team id. Both calls may fail transiently; Append must assign contiguous
// per-team revisions starting at zero, in append order, never reused.
type Store interface {
	Append(ctx context.Context, teamID int, event Event) (PersistedEvent, error)
	ReadSince(ctx context.Context, teamID int, since int64) ([]PersistedEvent, error)
}

// StreamSubscription is a live tail of persisted events for one team.
type StreamSubscription struct {
	ch     chan PersistedEvent
	teamID int
	cancel func()
	once   sync.Once
}

// C is the receive channel. It is closed when the subscription is closed.
func (s *StreamSubscription) C() <-chan PersistedEvent {
	return s.ch
}

// Close detaches the tail promptly.
func (s *StreamSubscription) Close() {
	s.once.Do(s.cancel)
}

// DurableBus extends a LocalBus with a per-team append-only log. Streamable
// events are appended before fan-out; append failures are retried a bounded
// number of times with a fixed delay and then surfaced from Post. Local-only
// events pass straight through.
type DurableBus struct {
	local  *LocalBus
	store  Store
	logger *slog.Logger

	retries int
	delay   time.Duration

	mu    sync.Mutex
	tails map[*StreamSubscription]struct{}
}

// NewDurableBus wraps local with the given store. retries is the total
// number of append attempts (minimum 1); delay is the fixed pause between
// attempts.
func NewDurableBus(local *LocalBus, store Store, retries int, delay time.Duration, logger *slog.Logger) *DurableBus {
	if retries < 1 {
		retries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DurableBus{
		local:   local,
		store:   store,
		logger:  logger,
		retries: retries,
		delay:   delay,
		tails:   make(map[*StreamSubscription]struct{}),
	}
}

// Post appends streamable events to the team stream and then fans out. The
// typed event reaches Subscribe consumers; the persisted form reaches
// SubscribeStream tails. When every append attempt fails the error is
// returned and nothing is fanned out; callers are expected to log and move
// on rather than crash.
func (b *DurableBus) Post(ctx context.Context, event Event) error {
	if !event.Streamable() {
		return b.local.Post(ctx, event)
	}

	persisted, err := b.append(ctx, event)
	if err != nil {
		return fmt.Errorf("appending %s to team %d stream: %w", event.Type, event.TeamID, err)
	}

	if err := b.local.Post(ctx, event); err != nil {
		return err
	}
	b.fanOutTail(persisted)
	return nil
}

func (b *DurableBus) append(ctx context.Context, event Event) (PersistedEvent, error) {
	var persisted PersistedEvent
	var err error
	for attempt := 1; attempt <= b.retries; attempt++ {
		persisted, err = b.store.Append(ctx, event.TeamID, event)
		if err == nil {
			return persisted, nil
		}
		b.logger.Warn("event store append failed",
			"type", string(event.Type),
			"team_id", event.TeamID,
			"attempt", attempt,
			"error", err,
		)
		if attempt == b.retries {
			break
		}
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return PersistedEvent{}, ctx.Err()
		}
	}
	return PersistedEvent{}, err
}

// Subscribe proxies the in-process bus.
func (b *DurableBus) Subscribe(types ...Type) *Subscription {
	return b.local.Subscribe(types...)
}

// SubscribeStream returns a live tail of persisted events for the team.
func (b *DurableBus) SubscribeStream(teamID int) *StreamSubscription {
	sub := &StreamSubscription{
		ch:     make(chan PersistedEvent, b.local.buffer),
		teamID: teamID,
	}
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.tails, sub)
		close(sub.ch)
	}

	b.mu.Lock()
	b.tails[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Events returns all persisted events for the team with revision >= since,
// in revision order.
func (b *DurableBus) Events(ctx context.Context, teamID int, since int64) ([]PersistedEvent, error) {
	return b.store.ReadSince(ctx, teamID, since)
}

func (b *DurableBus) fanOutTail(persisted PersistedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.tails {
		if sub.teamID != persisted.TeamID {
			continue
		}
		select {
		case sub.ch <- persisted:
		default:
			b.logger.Warn("stream tail dropped for slow subscriber", "team_id", persisted.TeamID, "revision", persisted.StreamRevision)
		}
	}
}
