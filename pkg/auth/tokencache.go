package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sign-in state lives 10 minutes; the completed-auth bridge that carries
// a finished session across a custom-domain cookie boundary lives 5.
const (
	StateTTL                = 10 * time.Minute
	CompletedAuthSessionTTL = 5 * time.Minute

	// memoryCacheMaxEntries bounds the in-memory cache against state
	// exhaustion from unauthenticated clients.
	memoryCacheMaxEntries = 10000
)

// Lookup failures are distinct: an expired entry proves the flow was
// started but took too long, a missing one proves nothing.
var (
	ErrStateNotFound = errors.New("state not found")
	ErrStateExpired  = errors.New("state expired")
)

// OAuth2State is the per-flow record stashed between the start redirect
// and the IdP callback.
type OAuth2State struct {
	CodeVerifier            string `json:"code_verifier"`
	RedirectURL             string `json:"redirect_url,omitempty"`
	ProjectName             string `json:"project_name,omitempty"`
	FlowType                string `json:"flow_type"` // "platform" | "ingress" | "device"
	CustomDomainCallbackURL string `json:"custom_domain_callback_url,omitempty"`
	DeviceCode              string `json:"device_code,omitempty"`
}

// CompletedAuthSession is the one-time record redeemed on a custom domain
// to set host-scoped cookies there.
type CompletedAuthSession struct {
	PlatformToken string `json:"platform_token,omitempty"`
	IngressToken  string `json:"ingress_token,omitempty"`
	RedirectURL   string `json:"redirect_url,omitempty"`
}

// StateCache is the byte-level cache the token stores share. GetDel
// consumes the entry: a second read of the same key fails. Get reads
// without consuming, for entries that are polled rather than redeemed.
type StateCache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	GetDel(ctx context.Context, key string) ([]byte, error)
}

// envelope carries the logical expiry inside the stored value so an
// expired-but-still-present entry is distinguishable from a missing one.
// The physical cache TTL is padded past the logical one.
type envelope struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Payload   json.RawMessage `json:"payload"`
}

const envelopeGrace = 5 * time.Minute

func putEnvelope(ctx context.Context, c StateCache, key string, payload any, ttl time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding cache payload: %w", err)
	}
	env, err := json.Marshal(envelope{ExpiresAt: time.Now().Add(ttl), Payload: raw})
	if err != nil {
		return fmt.Errorf("encoding cache envelope: %w", err)
	}
	return c.Set(ctx, key, env, ttl+envelopeGrace)
}

func takeEnvelope(ctx context.Context, c StateCache, key string, out any) error {
	raw, err := c.GetDel(ctx, key)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decoding cache envelope: %w", err)
	}
	if time.Now().After(env.ExpiresAt) {
		return ErrStateExpired
	}
	return json.Unmarshal(env.Payload, out)
}

// StateStore persists OAuth2State under random state tokens.
type StateStore struct {
	cache StateCache
	ttl   time.Duration
}

// NewStateStore builds the sign-in state store with the standard TTL.
func NewStateStore(cache StateCache) *StateStore {
	return &StateStore{cache: cache, ttl: StateTTL}
}

func (s *StateStore) Put(ctx context.Context, stateToken string, state OAuth2State) error {
	return putEnvelope(ctx, s.cache, "oauth_state:"+stateToken, state, s.ttl)
}

// Take consumes and returns the state for a token, failing with
// ErrStateNotFound or ErrStateExpired.
func (s *StateStore) Take(ctx context.Context, stateToken string) (*OAuth2State, error) {
	var out OAuth2State
	if err := takeEnvelope(ctx, s.cache, "oauth_state:"+stateToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompletedAuthStore persists one-time completed sessions for the
// custom-domain cookie bridge.
type CompletedAuthStore struct {
	cache StateCache
	ttl   time.Duration
}

func NewCompletedAuthStore(cache StateCache) *CompletedAuthStore {
	return &CompletedAuthStore{cache: cache, ttl: CompletedAuthSessionTTL}
}

func (s *CompletedAuthStore) Put(ctx context.Context, token string, session CompletedAuthSession) error {
	return putEnvelope(ctx, s.cache, "completed_auth:"+token, session, s.ttl)
}

func (s *CompletedAuthStore) Take(ctx context.Context, token string) (*CompletedAuthSession, error) {
	var out CompletedAuthSession
	if err := takeEnvelope(ctx, s.cache, "completed_auth:"+token, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RedisCache backs StateCache with Redis, which also lifts the
// single-replica limitation on sign-in flows.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("storing cache entry: %w", err)
	}
	return nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}
	return raw, nil
}

func (r *RedisCache) GetDel(ctx context.Context, key string) ([]byte, error) {
	raw, err := r.client.GetDel(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}
	return raw, nil
}

// MemoryCache is a bounded, TTL-aware in-process StateCache used by
// tests; the server itself wires RedisCache. At capacity, expired entries are
// dropped first, then the oldest live entry.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	max     int
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	storedAt  time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), max: memoryCacheMaxEntries}
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if len(m.entries) >= m.max {
		m.evictLocked(now)
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: now.Add(ttl), storedAt: now}
	return nil
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, ErrStateNotFound
	}
	return e.value, nil
}

func (m *MemoryCache) GetDel(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(m.entries, key)
	if time.Now().After(e.expiresAt) {
		return nil, ErrStateNotFound
	}
	return e.value, nil
}

func (m *MemoryCache) evictLocked(now time.Time) {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
			continue
		}
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.storedAt
		}
	}
	if len(m.entries) >= m.max && oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}
