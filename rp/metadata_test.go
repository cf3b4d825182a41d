package rp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"

	"oidcrp/rp/rptest"
)

func TestResolverCachesMetadata(t *testing.T) {
	op := rptest.NewProvider(t)
	clock := newFakeClock()
	r := NewResolver(ResolverConfig{Issuer: op.Issuer, Logger: discardLogger(), Now: clock.Now})

	md, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if md.Issuer != op.Issuer {
		t.Fatalf("issuer = %q, want %q", md.Issuer, op.Issuer)
	}
	if md.TokenEndpoint != op.Issuer+"/token" || md.UserinfoEndpoint != op.Issuer+"/userinfo" {
		t.Fatalf("unexpected endpoints: %+v", md)
	}
	if !md.SupportsS256() {
		t.Fatalf("expected S256 to be advertised")
	}
	if len(md.Keys.Keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(md.Keys.Keys))
	}

	for i := 0; i < 5; i++ {
		if _, err := r.Resolve(context.Background()); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	if got := op.DiscoveryRequests(); got != 1 {
		t.Fatalf("discovery requests = %d, want 1", got)
	}

	clock.Advance(DefaultDiscoveryTTL + time.Second)
	if _, err := r.Resolve(context.Background()); err != nil {
		t.Fatalf("resolve after ttl: %v", err)
	}
	if got := op.DiscoveryRequests(); got != 2 {
		t.Fatalf("discovery requests after ttl = %d, want 2", got)
	}

	r.Invalidate()
	if _, err := r.Resolve(context.Background()); err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if got := op.DiscoveryRequests(); got != 3 {
		t.Fatalf("discovery requests after invalidate = %d, want 3", got)
	}
}

func TestResolverRejectsMissingTokenEndpoint(t *testing.T) {
	op := rptest.NewProvider(t)
	op.OmitTokenEndpoint = true
	r := NewResolver(ResolverConfig{Issuer: op.Issuer, RetryInterval: time.Millisecond, Logger: discardLogger()})

	_, err := r.Resolve(context.Background())
	if !errors.Is(err, ErrDiscovery) {
		t.Fatalf("err = %v, want ErrDiscovery", err)
	}
	if got := op.DiscoveryRequests(); got != 1 {
		t.Fatalf("invalid documents must not be retried, got %d requests", got)
	}
}

func TestResolverIssuerMismatch(t *testing.T) {
	op := rptest.NewProvider(t)
	r := NewResolver(ResolverConfig{Issuer: op.Issuer + "/other", RetryInterval: time.Millisecond, Logger: discardLogger()})
	if _, err := r.Resolve(context.Background()); !errors.Is(err, ErrDiscovery) {
		t.Fatalf("err = %v, want ErrDiscovery", err)
	}
}

func TestResolverStaleCacheIsNotServed(t *testing.T) {
	op := rptest.NewProvider(t)
	clock := newFakeClock()
	r := NewResolver(ResolverConfig{Issuer: op.Issuer, RetryInterval: time.Millisecond, Logger: discardLogger(), Now: clock.Now})
	if _, err := r.Resolve(context.Background()); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	op.OmitTokenEndpoint = true
	clock.Advance(DefaultDiscoveryTTL)
	if _, err := r.Resolve(context.Background()); !errors.Is(err, ErrDiscovery) {
		t.Fatalf("err = %v, want ErrDiscovery once the cache is stale", err)
	}
}

// flakyProvider fails discovery with 503 a number of times before serving it.
func flakyProvider(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var calls atomic.Int32
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/authorize",
			"token_endpoint":         srv.URL + "/token",
			"jwks_uri":               srv.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &key.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig",
		}}})
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestResolverRetriesTransientFailures(t *testing.T) {
	srv, calls := flakyProvider(t, 2)
	r := NewResolver(ResolverConfig{Issuer: srv.URL, RetryInterval: time.Millisecond, Logger: discardLogger()})

	md, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if md.SupportsS256() {
		t.Fatalf("provider did not advertise S256")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("discovery calls = %d, want 3", got)
	}
}

func TestResolverGivesUpAfterRetryBudget(t *testing.T) {
	srv, calls := flakyProvider(t, 10)
	r := NewResolver(ResolverConfig{Issuer: srv.URL, RetryAttempts: 2, RetryInterval: time.Millisecond, Logger: discardLogger()})

	if _, err := r.Resolve(context.Background()); !errors.Is(err, ErrDiscovery) {
		t.Fatalf("err = %v, want ErrDiscovery", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("discovery calls = %d, want 2", got)
	}
}

func TestRefreshKeysIsRateLimited(t *testing.T) {
	op := rptest.NewProvider(t)
	clock := newFakeClock()
	r := NewResolver(ResolverConfig{Issuer: op.Issuer, Logger: discardLogger(), Now: clock.Now})
	ctx := context.Background()

	if _, err := r.Resolve(ctx); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := r.RefreshKeys(ctx); err != nil {
		t.Fatalf("refresh keys: %v", err)
	}
	if got := op.JWKSRequests(); got != 1 {
		t.Fatalf("jwks requests = %d, want 1 (refresh right after fetch is skipped)", got)
	}

	if err := op.RotateKey(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	clock.Advance(minKeyRefreshInterval)
	md, err := r.RefreshKeys(ctx)
	if err != nil {
		t.Fatalf("refresh keys: %v", err)
	}
	if got := op.JWKSRequests(); got != 2 {
		t.Fatalf("jwks requests = %d, want 2", got)
	}
	if current, _ := r.Resolve(ctx); current != md {
		t.Fatalf("refreshed keys were not published")
	}

	if _, err := r.RefreshKeys(ctx); err != nil {
		t.Fatalf("refresh keys: %v", err)
	}
	if got := op.JWKSRequests(); got != 2 {
		t.Fatalf("jwks requests = %d, want 2 within the rate limit", got)
	}
}

func TestValidateEndpointScheme(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		issuer   string
		wantErr  bool
	}{
		{"https", "https://idp.example.com/token", "https://idp.example.com", false},
		{"plain http", "http://idp.example.com/token", "https://idp.example.com", true},
		{"loopback", "http://127.0.0.1:8080/token", "http://127.0.0.1:8080", false},
		{"localhost", "http://localhost:8080/token", "http://localhost:8080", false},
		{"loopback issuer remote endpoint", "http://idp.example.com/token", "http://localhost:8080", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEndpointScheme(tt.endpoint, tt.issuer)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
