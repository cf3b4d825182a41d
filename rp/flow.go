package rp

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	// DefaultFlowTTL bounds how long a login attempt may stay pending.
	DefaultFlowTTL = 10 * time.Minute

	// consumedRetention keeps a marker for consumed or expired flows around so
	// replays report ErrAlreadyConsumed/ErrFlowExpired instead of ErrFlowNotFound.
	consumedRetention = 10 * time.Minute
)

// FlowState binds one pending login attempt to its cryptographic material.
type FlowState struct {
	ID           string    `json:"id"`
	CodeVerifier string    `json:"code_verifier"`
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Challenge returns the S256 code challenge for the stored verifier.
func (f *FlowState) Challenge() string {
	return S256Challenge(f.CodeVerifier)
}

// FlowStore holds pending flows keyed by an unguessable flow ID.
// Consume is an atomic check-and-delete: a flow is returned at most once.
type FlowStore interface {
	Create(ctx context.Context, m Material) (*FlowState, error)
	Consume(ctx context.Context, id string) (*FlowState, error)
}

// FlowStoreOptions configures flow stores.
type FlowStoreOptions struct {
	TTL       time.Duration
	Generator *Generator
	Now       func() time.Time
}

func (o *FlowStoreOptions) defaults() {
	if o.TTL <= 0 {
		o.TTL = DefaultFlowTTL
	}
	if o.Generator == nil {
		o.Generator = NewGenerator(nil)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func (o *FlowStoreOptions) newFlow(m Material) (*FlowState, error) {
	id, err := o.Generator.NewID()
	if err != nil {
		return nil, err
	}
	now := o.Now()
	return &FlowState{
		ID:           id,
		CodeVerifier: m.Verifier,
		State:        m.State,
		Nonce:        m.Nonce,
		CreatedAt:    now,
		ExpiresAt:    now.Add(o.TTL),
	}, nil
}

type flowEntry struct {
	mu       sync.Mutex
	flow     *FlowState
	consumed bool
}

// MemoryFlowStore keeps flows in process. Suitable for a single instance.
type MemoryFlowStore struct {
	opts  FlowStoreOptions
	cache *ttlcache.Cache[string, *flowEntry]
}

// NewMemoryFlowStore builds an in-process store and starts its expiry loop.
// Call Close to stop it.
func NewMemoryFlowStore(opts FlowStoreOptions) *MemoryFlowStore {
	opts.defaults()
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *flowEntry](opts.TTL+consumedRetention),
		ttlcache.WithDisableTouchOnHit[string, *flowEntry](),
	)
	go cache.Start()
	return &MemoryFlowStore{opts: opts, cache: cache}
}

// Create stores a new flow for m and returns it.
func (s *MemoryFlowStore) Create(_ context.Context, m Material) (*FlowState, error) {
	flow, err := s.opts.newFlow(m)
	if err != nil {
		return nil, err
	}
	s.cache.Set(flow.ID, &flowEntry{flow: flow}, ttlcache.DefaultTTL)
	return flow, nil
}

// Consume returns the flow for id and marks it used. Only the entry for id is locked.
func (s *MemoryFlowStore) Consume(_ context.Context, id string) (*FlowState, error) {
	if id == "" {
		return nil, ErrFlowNotFound
	}
	item := s.cache.Get(id)
	if item == nil {
		return nil, ErrFlowNotFound
	}
	entry := item.Value()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.consumed {
		return nil, ErrAlreadyConsumed
	}
	entry.consumed = true
	flow := entry.flow
	entry.flow = nil

	if !s.opts.Now().Before(flow.ExpiresAt) {
		return nil, ErrFlowExpired
	}
	return flow, nil
}

// Len reports the number of tracked flows, consumed markers included.
func (s *MemoryFlowStore) Len() int {
	return s.cache.Len()
}

// Close stops the expiry loop.
func (s *MemoryFlowStore) Close() error {
	s.cache.Stop()
	return nil
}
