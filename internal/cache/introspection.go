// Package cache implements the introspection hot path: a Redis store keyed
// by access-token digest with a bounded in-process fallback that keeps
// introspection answering while Redis is unreachable.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is the cached projection of a token's introspection state.
// ExpiresAt is the token's own expiry (unix seconds); readers must check it
// against the wall clock even on a cache hit, because the cache TTL may
// outlive nothing but can never be trusted to be shorter than the token.
type Entry struct {
	Active    bool     `json:"active"`
	ClientID  string   `json:"client_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Scope     []string `json:"scope,omitempty"`
	ExpiresAt int64    `json:"exp"`
}

// Config controls keys and bounds.
type Config struct {
	Prefix             string
	TTLCeiling         time.Duration
	FallbackMaxEntries int
}

// Store is safe for concurrent use. Degraded state is per-Store; two engine
// instances may disagree about Redis health and that is fine.
type Store struct {
	redis    redis.UniversalClient
	cfg      Config
	degraded atomic.Bool

	mu       sync.Mutex
	fallback map[string]fallbackEntry
}

type fallbackEntry struct {
	entry     Entry
	expiresAt time.Time
}

func New(redisClient redis.UniversalClient, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "aci"
	}
	if cfg.FallbackMaxEntries < 1 {
		cfg.FallbackMaxEntries = 1
	}
	return &Store{
		redis:    redisClient,
		cfg:      cfg,
		fallback: make(map[string]fallbackEntry),
	}
}

func (s *Store) key(digest string) string {
	return s.cfg.Prefix + ":" + digest
}

// Get never returns an error: a broken cache is a miss, flagged as degraded.
func (s *Store) Get(ctx context.Context, digest string, now time.Time) (*Entry, bool) {
	if s == nil {
		return nil, false
	}

	data, err := s.redis.Get(ctx, s.key(digest)).Bytes()
	switch {
	case err == nil:
		s.degraded.Store(false)
		var entry Entry
		if json.Unmarshal(data, &entry) != nil {
			return nil, false
		}
		if now.Unix() >= entry.ExpiresAt {
			return nil, false
		}
		return &entry, true
	case errors.Is(err, redis.Nil):
		s.degraded.Store(false)
		return nil, false
	default:
		s.degraded.Store(true)
		return s.getFallback(digest, now)
	}
}

// Put stores the entry with TTL = min(remaining token lifetime, ceiling).
// Entries for already-expired tokens are not stored.
func (s *Store) Put(ctx context.Context, digest string, entry Entry, now time.Time) {
	if s == nil {
		return
	}

	ttl := time.Unix(entry.ExpiresAt, 0).Sub(now)
	if ttl > s.cfg.TTLCeiling {
		ttl = s.cfg.TTLCeiling
	}
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	if err := s.redis.Set(ctx, s.key(digest), data, ttl).Err(); err != nil {
		s.degraded.Store(true)
		s.putFallback(digest, entry, now.Add(ttl))
		return
	}
	s.degraded.Store(false)
}

// Invalidate removes the entry from both tiers. The fallback is always
// cleared because it may hold entries written during an earlier outage.
func (s *Store) Invalidate(ctx context.Context, digest string) {
	if s == nil {
		return
	}

	if err := s.redis.Del(ctx, s.key(digest)).Err(); err != nil {
		s.degraded.Store(true)
	}

	s.mu.Lock()
	delete(s.fallback, digest)
	s.mu.Unlock()
}

// Degraded reports whether the last Redis operation failed.
func (s *Store) Degraded() bool {
	return s != nil && s.degraded.Load()
}

func (s *Store) getFallback(digest string, now time.Time) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fe, ok := s.fallback[digest]
	if !ok {
		return nil, false
	}
	if now.After(fe.expiresAt) || now.Unix() >= fe.entry.ExpiresAt {
		delete(s.fallback, digest)
		return nil, false
	}

	entry := fe.entry
	return &entry, true
}

func (s *Store) putFallback(digest string, entry Entry, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.fallback) >= s.cfg.FallbackMaxEntries {
		now := time.Now()
		for k, fe := range s.fallback {
			if now.After(fe.expiresAt) {
				delete(s.fallback, k)
			}
		}
		// Still full after sweeping: drop an arbitrary entry to stay bounded.
		if len(s.fallback) >= s.cfg.FallbackMaxEntries {
			for k := range s.fallback {
				delete(s.fallback, k)
				break
			}
		}
	}

	s.fallback[digest] = fallbackEntry{entry: entry, expiresAt: deadline}
}
