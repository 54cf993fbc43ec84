package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lucified/minard-backend-sub001/internal/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is an in-memory append-only log.
type memStore struct {
	mu   sync.Mutex
	logs map[int][]eventbus.PersistedEvent
}

func newMemStore() *memStore {
	return &memStore{logs: make(map[int][]eventbus.PersistedEvent)}
}

func (s *memStore) Append(_ context.Context, teamID int, event eventbus.Event) (eventbus.PersistedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return eventbus.PersistedEvent{}, err
	}
	persisted := eventbus.PersistedEvent{
		ID:             "evt",
		Type:           event.Type,
		TeamID:         teamID,
		StreamRevision: int64(len(s.logs[teamID])),
		Payload:        payload,
		CreatedAt:      event.CreatedAt,
	}
	s.logs[teamID] = append(s.logs[teamID], persisted)
	return persisted, nil
}

func (s *memStore) ReadSince(_ context.Context, teamID int, since int64) ([]eventbus.PersistedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[teamID]
	if since < 0 {
		since = 0
	}
	if since > int64(len(log)) {
		return nil, nil
	}
	out := make([]eventbus.PersistedEvent, len(log[since:]))
	copy(out, log[since:])
	return out, nil
}

func newTestService(heartbeat time.Duration) (*Service, *eventbus.DurableBus) {
	bus := eventbus.NewDurableBus(eventbus.NewLocalBus(64, testLogger()), newMemStore(), 1, time.Millisecond, testLogger())
	return New(bus, heartbeat, 64, testLogger()), bus
}

func post(t *testing.T, bus *eventbus.DurableBus, teamID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		event := eventbus.NewDeploymentUpdatedEvent(teamID, eventbus.DeploymentUpdatedPayload{})
		if err := bus.Post(context.Background(), event); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
}

func recvRevision(t *testing.T, ch <-chan eventbus.PersistedEvent) eventbus.PersistedEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatal("stream closed unexpectedly")
			}
			if e.Type == eventbus.TypeControlPing {
				continue
			}
			return e
		case <-deadline:
			t.Fatal("timed out waiting for stream event")
		}
	}
}

func sincePtr(v int64) *int64 { return &v }

func TestOpenDeliversLiveTailInOrder(t *testing.T) {
	svc, bus := newTestService(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := svc.Open(ctx, 7, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	post(t, bus, 7, 3)
	for want := int64(0); want < 3; want++ {
		if e := recvRevision(t, ch); e.StreamRevision != want {
			t.Fatalf("revision %d, want %d", e.StreamRevision, want)
		}
	}
}

func TestOpenWithSinceResumesExclusively(t *testing.T) {
	svc, bus := newTestService(time.Hour)
	post(t, bus, 7, 5) // revisions 0..4

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := svc.Open(ctx, 7, sincePtr(2))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Revision 2 is the caller's last-seen event and must not repeat.
	for want := int64(3); want < 5; want++ {
		if e := recvRevision(t, ch); e.StreamRevision != want {
			t.Fatalf("replay revision %d, want %d", e.StreamRevision, want)
		}
	}

	// The live tail continues the sequence without gap or duplicate.
	post(t, bus, 7, 2)
	for want := int64(5); want < 7; want++ {
		if e := recvRevision(t, ch); e.StreamRevision != want {
			t.Fatalf("tail revision %d, want %d", e.StreamRevision, want)
		}
	}
}

func TestResumeMatchesFullStream(t *testing.T) {
	svc, bus := newTestService(time.Hour)
	post(t, bus, 7, 6)

	collect := func(since *int64, n int) []int64 {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch, err := svc.Open(ctx, 7, since)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		var revisions []int64
		for i := 0; i < n; i++ {
			revisions = append(revisions, recvRevision(t, ch).StreamRevision)
		}
		return revisions
	}

	full := collect(sincePtr(0), 5)    // 1..5
	resumed := collect(sincePtr(2), 3) // 3..5

	// The resumed stream must equal the full stream filtered to > 2.
	if len(full) != 5 || len(resumed) != 3 {
		t.Fatalf("full=%v resumed=%v", full, resumed)
	}
	for i, rev := range resumed {
		if rev != full[i+2] {
			t.Fatalf("resumed[%d]=%d, full=%v", i, rev, full)
		}
	}
}

func TestHeartbeatsInterleaveOnIdleStream(t *testing.T) {
	svc, _ := newTestService(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := svc.Open(ctx, 7, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	select {
	case e := <-ch:
		if e.Type != eventbus.TypeControlPing {
			t.Fatalf("idle stream delivered %s", e.Type)
		}
		if e.StreamRevision != 0 {
			t.Fatalf("heartbeat consumed revision %d", e.StreamRevision)
		}
	case <-time.After(time.Second):
		t.Fatal("no heartbeat on idle stream")
	}
}

func TestHeartbeatsInvisibleToReplay(t *testing.T) {
	svc, bus := newTestService(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := svc.Open(ctx, 7, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Let a few heartbeats tick before any real event.
	time.Sleep(30 * time.Millisecond)
	post(t, bus, 7, 1)
	if e := recvRevision(t, ch); e.StreamRevision != 0 {
		t.Fatalf("first real event at revision %d; heartbeats must not consume revisions", e.StreamRevision)
	}

	events, err := bus.Events(context.Background(), 7, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	for _, e := range events {
		if e.Type == eventbus.TypeControlPing {
			t.Fatal("heartbeat leaked into the durable stream")
		}
	}
}

func TestCancellationClosesStreamPromptly(t *testing.T) {
	svc, bus := newTestService(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := svc.Open(ctx, 7, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				// Closed; late posts must not resurrect anything.
				post(t, bus, 7, 1)
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}
