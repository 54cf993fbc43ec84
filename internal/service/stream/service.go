// Package stream produces the ordered, gap-free, duplicate-free event
// sequence live clients consume: historical replay from the durable store
// concatenated with the live tail, interleaved with heartbeats.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucified/minard-backend-sub001/internal/eventbus"
)

// Service opens team-scoped event streams against the durable bus.
type Service struct {
	bus       *eventbus.DurableBus
	heartbeat time.Duration
	buffer    int
	logger    *slog.Logger
}

// New builds a stream service. heartbeat is the keep-alive interval; buffer
// the per-stream channel capacity.
func New(bus *eventbus.DurableBus, heartbeat time.Duration, buffer int, logger *slog.Logger) *Service {
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{bus: bus, heartbeat: heartbeat, buffer: buffer, logger: logger}
}

// Heartbeat is the pseudo-event interleaved on idle streams. It is never
// persisted and never consumes a stream revision.
func Heartbeat(teamID int) eventbus.PersistedEvent {
	return eventbus.PersistedEvent{
		Type:      eventbus.TypeControlPing,
		TeamID:    teamID,
		CreatedAt: time.Now().UTC(),
	}
}

// Open returns the team's event sequence. With since set, events up to and
// including that revision are treated as already seen by the caller: replay
// starts at since+1 and continues seamlessly into the live tail. The
// returned channel closes when ctx is cancelled; the tail subscription and
// the heartbeat ticker are released at the same moment.
func (s *Service) Open(ctx context.Context, teamID int, since *int64) (<-chan eventbus.PersistedEvent, error) {
	// Subscribe before reading history so nothing falls between replay
	// and tail; overlap is resolved by revision-based dedup in the pump.
	tail := s.bus.SubscribeStream(teamID)

	var history []eventbus.PersistedEvent
	last := int64(-1)
	if since != nil {
		events, err := s.bus.Events(ctx, teamID, *since)
		if err != nil {
			tail.Close()
			return nil, fmt.Errorf("replaying team %d from revision %d: %w", teamID, *since, err)
		}
		// "since" is inclusive in storage but exclusive to the resumer.
		if len(events) > 0 && events[0].StreamRevision == *since {
			events = events[1:]
		}
		history = events
		last = *since
		if len(history) > 0 {
			last = history[len(history)-1].StreamRevision
		}
	}

	out := make(chan eventbus.PersistedEvent, s.buffer)
	go s.pump(ctx, teamID, tail, history, last, out)
	return out, nil
}

func (s *Service) pump(ctx context.Context, teamID int, tail *eventbus.StreamSubscription, history []eventbus.PersistedEvent, last int64, out chan<- eventbus.PersistedEvent) {
	defer close(out)
	defer tail.Close()

	send := func(event eventbus.PersistedEvent) bool {
		select {
		case out <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}
	deliver := func(event eventbus.PersistedEvent) bool {
		if event.StreamRevision <= last {
			// Already delivered through replay or an earlier tail
			// overlap; repeated (team, revision) pairs are no-ops.
			return true
		}
		if !send(event) {
			return false
		}
		last = event.StreamRevision
		return true
	}

	for _, event := range history {
		if !send(event) {
			return
		}
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !send(Heartbeat(teamID)) {
				return
			}
		case event, ok := <-tail.C():
			if !ok {
				return
			}
			if last >= 0 && event.StreamRevision > last+1 {
				// The tail dropped deliveries while we were slow;
				// backfill from the store to keep the sequence
				// gap-free.
				missed, err := s.bus.Events(ctx, teamID, last+1)
				if err != nil {
					s.logger.Error("backfilling stream gap failed",
						"team_id", teamID,
						"after_revision", last,
						"error", err,
					)
				} else {
					for _, m := range missed {
						if m.StreamRevision >= event.StreamRevision {
							break
						}
						if !deliver(m) {
							return
						}
					}
				}
			}
			if !deliver(event) {
				return
			}
		}
	}
}
