package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// ConnState tracks the store adapter's connection lifecycle. It is owned by
// the adapter and only observable through State; nothing outside the adapter
// mutates it.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// RedisStore keeps one append-only list per team. Revisions are list
// indices: RPUSH is atomic and returns the post-append length, so revisions
// are contiguous from zero in append order even with concurrent appenders or
// multiple processes sharing the store.
//
// Any failed command transitions the adapter to disconnected and closes the
// client, so the next call dials fresh instead of reusing a possibly-corrupt
// connection.
type RedisStore struct {
	addr     string
	password string
	db       int
	prefix   string
	logger   *slog.Logger

	mu     sync.Mutex
	client *redis.Client
	state  ConnState
}

// NewRedisStore returns a store for the given Redis endpoint. No connection
// is made until the first call.
func NewRedisStore(addr, password string, db int, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		addr:     addr,
		password: password,
		db:       db,
		prefix:   "minard:stream:",
		logger:   logger,
	}
}

// storedEvent is the envelope written to Redis. The revision is not stored;
// it is the element's list index.
type storedEvent struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	TeamID    int             `json:"teamId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Append persists the event at the tail of the team's stream and returns
// its assigned revision.
func (s *RedisStore) Append(ctx context.Context, teamID int, event Event) (PersistedEvent, error) {
	client, err := s.conn(ctx)
	if err != nil {
		return PersistedEvent{}, err
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		// Encoding failures are not transient; leave the connection alone.
		return PersistedEvent{}, fmt.Errorf("encoding %s payload: %w", event.Type, err)
	}
	stored := storedEvent{
		ID:        uuid.NewString(),
		Type:      event.Type,
		TeamID:    teamID,
		Payload:   payload,
		CreatedAt: event.CreatedAt.UTC(),
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return PersistedEvent{}, fmt.Errorf("encoding stream envelope: %w", err)
	}

	length, err := client.RPush(ctx, s.key(teamID), data).Result()
	if err != nil {
		s.disconnect(err)
		return PersistedEvent{}, fmt.Errorf("appending to %s: %w", s.key(teamID), err)
	}

	return PersistedEvent{
		ID:             stored.ID,
		Type:           stored.Type,
		TeamID:         teamID,
		StreamRevision: length - 1,
		Payload:        payload,
		CreatedAt:      stored.CreatedAt,
	}, nil
}

// ReadSince returns all events for the team with revision >= since, in
// revision order.
func (s *RedisStore) ReadSince(ctx context.Context, teamID int, since int64) ([]PersistedEvent, error) {
	if since < 0 {
		since = 0
	}
	client, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := client.LRange(ctx, s.key(teamID), since, -1).Result()
	if err != nil {
		s.disconnect(err)
		return nil, fmt.Errorf("reading %s from revision %d: %w", s.key(teamID), since, err)
	}

	events := make([]PersistedEvent, 0, len(raw))
	for i, item := range raw {
		var stored storedEvent
		if err := json.Unmarshal([]byte(item), &stored); err != nil {
			return nil, fmt.Errorf("decoding %s at revision %d: %w", s.key(teamID), since+int64(i), err)
		}
		events = append(events, PersistedEvent{
			ID:             stored.ID,
			Type:           stored.Type,
			TeamID:         teamID,
			StreamRevision: since + int64(i),
			Payload:        stored.Payload,
			CreatedAt:      stored.CreatedAt,
		})
	}
	return events, nil
}

// State reports the current connection state.
func (s *RedisStore) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *RedisStore) key(teamID int) string {
	return fmt.Sprintf("%s%d", s.prefix, teamID)
}

// conn returns a connected client, dialing if the adapter is disconnected.
func (s *RedisStore) conn(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected && s.client != nil {
		return s.client, nil
	}

	s.state = StateConnecting
	client := redis.NewClient(&redis.Options{Addr: s.addr, Password: s.password, DB: s.db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		s.state = StateDisconnected
		return nil, fmt.Errorf("connecting to event store: %w", err)
	}
	s.client = client
	s.state = StateConnected
	return client, nil
}

// disconnect drops the client after a failed command so the next call
// reconnects.
func (s *RedisStore) disconnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Warn("event store connection marked unhealthy", "error", err)
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	s.state = StateDisconnected
}
