package rp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

// SessionStore persists authenticated sessions by ID. Save keeps the session for
// ttl; a non-positive ttl removes it. Get returns nil, nil for unknown IDs.
// Implementations must be safe for concurrent use.
type SessionStore interface {
	Save(ctx context.Context, sess *AuthenticatedSession, ttl time.Duration) error
	Get(ctx context.Context, id string) (*AuthenticatedSession, error)
	Delete(ctx context.Context, id string) error
}

// MemorySessionStore keeps sessions in process and drops them when their TTL elapses.
type MemorySessionStore struct {
	cache *ttlcache.Cache[string, *AuthenticatedSession]
}

// NewMemorySessionStore builds the store and starts its expiry loop.
func NewMemorySessionStore() *MemorySessionStore {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *AuthenticatedSession](),
	)
	go cache.Start()
	return &MemorySessionStore{cache: cache}
}

func (s *MemorySessionStore) Save(_ context.Context, sess *AuthenticatedSession, ttl time.Duration) error {
	if ttl <= 0 {
		s.cache.Delete(sess.ID)
		return nil
	}
	cp := *sess
	s.cache.Set(sess.ID, &cp, ttl)
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*AuthenticatedSession, error) {
	item := s.cache.Get(id)
	if item == nil {
		return nil, nil
	}
	cp := *item.Value()
	return &cp, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.cache.Delete(id)
	return nil
}

// Close stops the expiry loop.
func (s *MemorySessionStore) Close() error {
	s.cache.Stop()
	return nil
}

// RedisSessionStore keeps sessions in redis as JSON with a matching key TTL.
type RedisSessionStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisSessionStore wraps an existing redis client.
func NewRedisSessionStore(client redis.UniversalClient, keyPrefix string) *RedisSessionStore {
	return &RedisSessionStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisSessionStore) key(id string) string {
	return s.keyPrefix + "session:" + id
}

func (s *RedisSessionStore) Save(ctx context.Context, sess *AuthenticatedSession, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(ctx, sess.ID)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (*AuthenticatedSession, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess AuthenticatedSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
