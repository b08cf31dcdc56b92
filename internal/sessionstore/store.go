// Package sessionstore persists conversation sessions between turns and
// serializes turns for the same session.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-gateway/internal/domain"
)

const keyPrefix = "session:"

// MemoryStore keeps sessions in process. Entries older than the TTL are
// treated as absent.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]memoryEntry
}

type memoryEntry struct {
	session domain.Session
	savedAt time.Time
}

// NewMemoryStore builds a MemoryStore. A ttl of zero keeps sessions forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]memoryEntry),
	}
}

// Load returns the stored session or a fresh one when id is unknown.
func (m *MemoryStore) Load(_ context.Context, id string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return domain.NewSession(id), nil
	}
	if m.ttl > 0 && m.now().Sub(e.savedAt) > m.ttl {
		delete(m.sessions, id)
		return domain.NewSession(id), nil
	}
	return e.session, nil
}

func (m *MemoryStore) Save(_ context.Context, s domain.Session) error {
	if s.ID == "" {
		return errors.New("sessionstore: session id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = memoryEntry{session: s, savedAt: m.now()}
	return nil
}

// RedisStore keeps sessions as JSON under session:<id> with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("sessionstore: redis client must not be nil")
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// Load returns the stored session or a fresh one when the key is missing.
func (r *RedisStore) Load(ctx context.Context, id string) (domain.Session, error) {
	raw, err := r.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.NewSession(id), nil
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("sessionstore: get session: %w", err)
	}

	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.Session{}, fmt.Errorf("sessionstore: decode session: %w", err)
	}
	s.ID = id
	return s, nil
}

func (r *RedisStore) Save(ctx context.Context, s domain.Session) error {
	if s.ID == "" {
		return errors.New("sessionstore: session id must not be empty")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("sessionstore: encode session: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+s.ID, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("sessionstore: set session: %w", err)
	}
	return nil
}
