package rp

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"oidcrp/rp/rptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRP struct {
	rp       *RelyingParty
	op       *rptest.Provider
	resolver *Resolver
	flows    *MemoryFlowStore
	store    *MemorySessionStore
	sessions *SessionManager
	clock    *fakeClock
}

func testClient(op *rptest.Provider) ClientConfig {
	return ClientConfig{
		ClientID:     op.ClientID,
		ClientSecret: op.ClientSecret,
		RedirectURI:  "http://localhost:3000/api/callback",
		Scopes:       []string{"profile", "email"},
	}
}

func newTestRP(t *testing.T, op *rptest.Provider) *testRP {
	t.Helper()
	clock := newFakeClock()
	client := testClient(op)
	resolver := NewResolver(ResolverConfig{
		Issuer:        op.Issuer,
		RetryInterval: time.Millisecond,
		Logger:        discardLogger(),
		Now:           clock.Now,
	})
	flows := NewMemoryFlowStore(FlowStoreOptions{Now: clock.Now})
	store := NewMemorySessionStore()
	t.Cleanup(func() {
		flows.Close()
		store.Close()
	})
	sessions := NewSessionManager(SessionManagerConfig{
		Store:    store,
		Resolver: resolver,
		Client:   client,
		Logger:   discardLogger(),
		Now:      clock.Now,
	})
	party, err := New(Config{
		Client:   client,
		Resolver: resolver,
		Flows:    flows,
		Sessions: sessions,
		Logger:   discardLogger(),
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("new relying party: %v", err)
	}
	return &testRP{
		rp:       party,
		op:       op,
		resolver: resolver,
		flows:    flows,
		store:    store,
		sessions: sessions,
		clock:    clock,
	}
}

// login runs BeginLogin and the provider's authorization step.
func (h *testRP) login(t *testing.T) (*FlowState, url.Values) {
	t.Helper()
	flow, authURL, err := h.rp.BeginLogin(context.Background())
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	query, err := h.op.Authorize(authURL)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	return flow, query
}
