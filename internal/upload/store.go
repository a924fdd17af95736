package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// SessionStore persists session records so resumability can survive a process
// restart. Load returns (nil, nil) when no record exists.
type SessionStore interface {
	Load(ctx context.Context, tenant, slot string) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Delete(ctx context.Context, tenant, slot string) error
}

// MemoryStore keeps session records in process memory. Sufficient for a
// single-process deployment.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Load(ctx context.Context, tenant, slot string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[slotKey(tenant, slot)]
	if !ok {
		return nil, nil
	}
	copied := session
	return &copied, nil
}

func (m *MemoryStore) Save(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[slotKey(session.Tenant, session.Slot)] = *session
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, tenant, slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, slotKey(tenant, slot))
	return nil
}

// RedisStore mirrors session records into Redis as JSON with the session TTL,
// so offsets survive a restart of the gateway.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed session store and verifies the
// connection.
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Load(ctx context.Context, tenant, slot string) (*Session, error) {
	data, err := r.client.Get(ctx, redisKey(tenant, slot)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session record: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}

	return &session, nil
}

func (r *RedisStore) Save(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}

	return r.client.Set(ctx, redisKey(session.Tenant, session.Slot), data, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, tenant, slot string) error {
	return r.client.Del(ctx, redisKey(tenant, slot)).Err()
}

// Registry owns the per-slot serialization: all mutation of a slot's session
// happens while that slot's lock is held. Reads take a snapshot under the same
// lock.
type Registry struct {
	store SessionStore

	mu    sync.Mutex
	slots map[string]*slotEntry
}

type slotEntry struct {
	mu      sync.Mutex
	session *Session
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store SessionStore) *Registry {
	return &Registry{
		store: store,
		slots: make(map[string]*slotEntry),
	}
}

// withSlot runs fn while holding the slot's exclusive lock. The session
// pointer passed to fn may be nil (no session yet); fn returns the session to
// persist, or nil to clear the slot.
func (r *Registry) withSlot(ctx context.Context, tenant, slot string, fn func(*Session) (*Session, error)) error {
	entry := r.entry(tenant, slot)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.session == nil {
		stored, err := r.store.Load(ctx, tenant, slot)
		if err != nil {
			log.Warn().Err(err).Str("slot", slot).Msg("failed to load persisted session record")
		} else {
			entry.session = stored
		}
	}

	session, err := fn(entry.session)
	entry.session = session

	if session != nil {
		if saveErr := r.store.Save(ctx, session); saveErr != nil {
			log.Warn().Err(saveErr).Str("slot", slot).Msg("failed to persist session record")
		}
	} else if entry.session == nil {
		if delErr := r.store.Delete(ctx, tenant, slot); delErr != nil {
			log.Debug().Err(delErr).Str("slot", slot).Msg("failed to delete session record")
		}
	}

	return err
}

// Snapshot returns a consistent copy of the slot's session, or nil when no
// session exists.
func (r *Registry) Snapshot(ctx context.Context, tenant, slot string) *Session {
	var snapshot *Session
	r.withSlot(ctx, tenant, slot, func(session *Session) (*Session, error) {
		if session != nil {
			copied := session.Snapshot()
			snapshot = &copied
		}
		return session, nil
	})
	return snapshot
}

// Expired returns snapshots of all sessions past their TTL.
func (r *Registry) Expired(now time.Time) []Session {
	r.mu.Lock()
	entries := make([]*slotEntry, 0, len(r.slots))
	for _, entry := range r.slots {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	var expired []Session
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.session != nil && entry.session.Expired(now) && entry.session.State != StateFinalized {
			expired = append(expired, entry.session.Snapshot())
		}
		entry.mu.Unlock()
	}
	return expired
}

func (r *Registry) entry(tenant, slot string) *slotEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := slotKey(tenant, slot)
	entry, ok := r.slots[key]
	if !ok {
		entry = &slotEntry{}
		r.slots[key] = entry
	}
	return entry
}

func slotKey(tenant, slot string) string {
	return tenant + "/" + slot
}

func redisKey(tenant, slot string) string {
	return "tusgate:session:" + slotKey(tenant, slot)
}
