package rp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// consumeFlowScript atomically reads and deletes a pending flow and leaves a
// consumed marker behind. Returns the payload, -1 if already consumed, or nil.
var consumeFlowScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  redis.call('DEL', KEYS[1])
  redis.call('SET', KEYS[2], '1', 'PX', ARGV[1])
  return v
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return -1
end
return false
`)

// RedisFlowStore keeps flows in redis so several instances share them.
type RedisFlowStore struct {
	client    redis.UniversalClient
	keyPrefix string
	opts      FlowStoreOptions
}

// NewRedisFlowStore wraps an existing redis client.
func NewRedisFlowStore(client redis.UniversalClient, keyPrefix string, opts FlowStoreOptions) *RedisFlowStore {
	opts.defaults()
	return &RedisFlowStore{client: client, keyPrefix: keyPrefix, opts: opts}
}

// Both keys share a hash tag so the script stays on one cluster slot.
func (s *RedisFlowStore) keys(id string) (string, string) {
	base := s.keyPrefix + "flow:{" + id + "}"
	return base, base + ":consumed"
}

// Create stores a new flow for m. SetNX guards against an ID collision.
func (s *RedisFlowStore) Create(ctx context.Context, m Material) (*FlowState, error) {
	flow, err := s.opts.newFlow(m)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(flow)
	if err != nil {
		return nil, fmt.Errorf("marshal flow: %w", err)
	}
	key, _ := s.keys(flow.ID)
	ok, err := s.client.SetNX(ctx, key, data, s.opts.TTL+consumedRetention).Result()
	if err != nil {
		return nil, fmt.Errorf("store flow: %w", err)
	}
	if !ok {
		return nil, errors.New("store flow: id collision")
	}
	return flow, nil
}

// Consume atomically fetches and removes the flow for id.
func (s *RedisFlowStore) Consume(ctx context.Context, id string) (*FlowState, error) {
	if id == "" {
		return nil, ErrFlowNotFound
	}
	key, marker := s.keys(id)
	res, err := consumeFlowScript.Run(ctx, s.client, []string{key, marker}, consumedRetention.Milliseconds()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume flow: %w", err)
	}

	var raw string
	switch v := res.(type) {
	case int64:
		return nil, ErrAlreadyConsumed
	case string:
		raw = v
	default:
		return nil, fmt.Errorf("consume flow: unexpected reply %T", res)
	}

	var flow FlowState
	if err := json.Unmarshal([]byte(raw), &flow); err != nil {
		return nil, fmt.Errorf("unmarshal flow: %w", err)
	}
	// Redis TTL includes the retention window, so expiry is checked here.
	if !s.opts.Now().Before(flow.ExpiresAt) {
		return nil, ErrFlowExpired
	}
	return &flow, nil
}
