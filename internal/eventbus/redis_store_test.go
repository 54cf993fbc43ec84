package eventbus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedisStore(mr.Addr(), "", 0, testLogger())
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreAssignsContiguousRevisions(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		persisted, err := store.Append(ctx, 7, deploymentUpdated(7))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if persisted.StreamRevision != int64(i) {
			t.Fatalf("append %d assigned revision %d", i, persisted.StreamRevision)
		}
		if persisted.ID == "" {
			t.Fatal("persisted event missing id")
		}
	}

	// A second team gets its own zero-based stream.
	persisted, err := store.Append(ctx, 8, deploymentUpdated(8))
	if err != nil {
		t.Fatalf("append team 8: %v", err)
	}
	if persisted.StreamRevision != 0 {
		t.Fatalf("team 8 first revision = %d", persisted.StreamRevision)
	}

	events, err := store.ReadSince(ctx, 7, 0)
	if err != nil {
		t.Fatalf("read since 0: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, e := range events {
		if e.StreamRevision != int64(i) {
			t.Fatalf("revision gap at index %d: %d", i, e.StreamRevision)
		}
		if e.TeamID != 7 {
			t.Fatalf("cross-team leak: event for team %d", e.TeamID)
		}
	}
}

func TestRedisStoreReadSinceIsInclusive(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := store.Append(ctx, 1, deploymentUpdated(1)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := store.ReadSince(ctx, 1, 2)
	if err != nil {
		t.Fatalf("read since 2: %v", err)
	}
	if len(events) != 2 || events[0].StreamRevision != 2 || events[1].StreamRevision != 3 {
		t.Fatalf("read since 2 returned %+v", events)
	}

	beyond, err := store.ReadSince(ctx, 1, 10)
	if err != nil {
		t.Fatalf("read past end: %v", err)
	}
	if len(beyond) != 0 {
		t.Fatalf("read past end returned %d events", len(beyond))
	}
}

func TestRedisStorePayloadSurvivesRoundTrip(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	event := NewDeploymentUpdatedEvent(3, DeploymentUpdatedPayload{})
	persisted, err := store.Append(ctx, 3, event)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := store.ReadSince(ctx, 3, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	if string(events[0].Payload) != string(persisted.Payload) {
		t.Fatalf("replayed payload %s differs from appended %s", events[0].Payload, persisted.Payload)
	}
	var decoded DeploymentUpdatedPayload
	if err := json.Unmarshal(events[0].Payload, &decoded); err != nil {
		t.Fatalf("replayed payload does not decode: %v", err)
	}
}

func TestRedisStoreReconnectsAfterFailure(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	if _, err := store.Append(ctx, 5, deploymentUpdated(5)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if store.State() != StateConnected {
		t.Fatalf("state after success = %s", store.State())
	}

	mr.SetError("store down")
	if _, err := store.Append(ctx, 5, deploymentUpdated(5)); err == nil {
		t.Fatal("append should fail while the store is down")
	}
	if store.State() != StateDisconnected {
		t.Fatalf("failed call must mark the adapter disconnected, state = %s", store.State())
	}

	mr.SetError("")
	persisted, err := store.Append(ctx, 5, deploymentUpdated(5))
	if err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if persisted.StreamRevision != 1 {
		t.Fatalf("committed revisions must survive the reconnect, got revision %d", persisted.StreamRevision)
	}
	if store.State() != StateConnected {
		t.Fatalf("state after recovery = %s", store.State())
	}
}
