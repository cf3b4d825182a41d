package rp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultDiscoveryTTL   = time.Hour
	DefaultHTTPTimeout    = 10 * time.Second
	DefaultRetryAttempts  = 3
	defaultRetryInterval  = 250 * time.Millisecond
	minKeyRefreshInterval = 10 * time.Second
	maxJWKSBytes          = 1 << 20
)

// ProviderMetadata is the resolved discovery document plus the provider's signing keys.
// A value is never mutated after it is published; refreshes build a new one.
type ProviderMetadata struct {
	Issuer                        string             `json:"issuer"`
	AuthorizationEndpoint         string             `json:"authorization_endpoint"`
	TokenEndpoint                 string             `json:"token_endpoint"`
	UserinfoEndpoint              string             `json:"userinfo_endpoint,omitempty"`
	JWKSURI                       string             `json:"jwks_uri"`
	EndSessionEndpoint            string             `json:"end_session_endpoint,omitempty"`
	CodeChallengeMethodsSupported []string           `json:"code_challenge_methods_supported,omitempty"`
	Keys                          jose.JSONWebKeySet `json:"-"`
	FetchedAt                     time.Time          `json:"-"`
}

// SupportsS256 reports whether the provider advertises S256 PKCE.
func (m *ProviderMetadata) SupportsS256() bool {
	return slices.Contains(m.CodeChallengeMethodsSupported, ChallengeMethodS256)
}

func (m *ProviderMetadata) validate() error {
	if m.AuthorizationEndpoint == "" {
		return errors.New("authorization_endpoint missing")
	}
	if m.TokenEndpoint == "" {
		return errors.New("token_endpoint missing")
	}
	if m.JWKSURI == "" {
		return errors.New("jwks_uri missing")
	}
	for name, endpoint := range map[string]string{
		"authorization_endpoint": m.AuthorizationEndpoint,
		"token_endpoint":         m.TokenEndpoint,
		"userinfo_endpoint":      m.UserinfoEndpoint,
		"jwks_uri":               m.JWKSURI,
	} {
		if endpoint == "" {
			continue
		}
		if err := validateEndpointScheme(endpoint, m.Issuer); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// validateEndpointScheme requires https endpoints unless issuer and endpoint are both loopback.
func validateEndpointScheme(endpoint, issuer string) error {
	eu, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	iu, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer: %w", err)
	}
	if isLoopback(iu.Hostname()) {
		if !isLoopback(eu.Hostname()) {
			return fmt.Errorf("issuer is loopback but endpoint host is %q", eu.Host)
		}
		return nil
	}
	if eu.Scheme != "https" {
		return fmt.Errorf("endpoint must use https, got %q", eu.Scheme)
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Issuer        string
	HTTPClient    *http.Client
	TTL           time.Duration
	RetryAttempts int
	RetryInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Resolver fetches and caches provider metadata and keys.
// Cached metadata is served until TTL elapses; after that a refresh must
// succeed before metadata is returned again.
type Resolver struct {
	cfg     ResolverConfig
	current atomic.Pointer[ProviderMetadata]
	group   singleflight.Group

	keyMu          sync.Mutex
	lastKeyRefresh time.Time
}

// NewResolver creates a resolver. Nothing is fetched until Resolve is called.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultDiscoveryTTL
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{cfg: cfg}
}

// Issuer returns the configured issuer URL.
func (r *Resolver) Issuer() string { return r.cfg.Issuer }

// HTTPClient returns the client used for provider calls.
func (r *Resolver) HTTPClient() *http.Client { return r.cfg.HTTPClient }

// Resolve returns cached metadata or fetches it. Errors wrap ErrDiscovery.
func (r *Resolver) Resolve(ctx context.Context) (*ProviderMetadata, error) {
	if md := r.current.Load(); md != nil && r.cfg.Now().Sub(md.FetchedAt) < r.cfg.TTL {
		return md, nil
	}
	return r.refresh(ctx)
}

// Invalidate drops the cached metadata so the next Resolve refetches it.
func (r *Resolver) Invalidate() {
	r.current.Store(nil)
}

// RefreshKeys refetches the key set for the current metadata. Calls closer than
// minKeyRefreshInterval return the cached metadata unchanged.
func (r *Resolver) RefreshKeys(ctx context.Context) (*ProviderMetadata, error) {
	md, err := r.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	r.keyMu.Lock()
	now := r.cfg.Now()
	if now.Sub(r.lastKeyRefresh) < minKeyRefreshInterval || now.Sub(md.FetchedAt) < minKeyRefreshInterval {
		r.keyMu.Unlock()
		return md, nil
	}
	r.lastKeyRefresh = now
	r.keyMu.Unlock()

	v, err, _ := r.group.Do("keys", func() (any, error) {
		keys, err := r.fetchKeys(ctx, md.JWKSURI)
		if err != nil {
			return nil, err
		}
		next := *md
		next.Keys = keys
		r.current.CompareAndSwap(md, &next)
		r.cfg.Logger.Debug("provider keys refreshed", "issuer", md.Issuer, "keys", len(keys.Keys))
		return &next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	return v.(*ProviderMetadata), nil
}

func (r *Resolver) refresh(ctx context.Context) (*ProviderMetadata, error) {
	v, err, _ := r.group.Do("metadata", func() (any, error) {
		md, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}
		r.current.Store(md)
		return md, nil
	})
	if err != nil {
		r.cfg.Logger.Warn("provider discovery failed", "issuer", r.cfg.Issuer, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	return v.(*ProviderMetadata), nil
}

func (r *Resolver) fetch(ctx context.Context) (*ProviderMetadata, error) {
	if r.cfg.Issuer == "" {
		return nil, backoff.Permanent(errors.New("issuer not configured"))
	}

	md, err := retry(ctx, r, "discovery", func() (*ProviderMetadata, error) {
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, r.cfg.HTTPClient), r.cfg.Issuer)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		md := &ProviderMetadata{}
		if err := provider.Claims(md); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decode discovery document: %w", err))
		}
		if err := md.validate(); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("invalid discovery document: %w", err))
		}
		return md, nil
	})
	if err != nil {
		return nil, err
	}

	keys, err := r.fetchKeys(ctx, md.JWKSURI)
	if err != nil {
		return nil, err
	}
	md.Keys = keys
	md.FetchedAt = r.cfg.Now()

	r.cfg.Logger.Info("provider metadata resolved",
		"issuer", md.Issuer,
		"authorization_endpoint", md.AuthorizationEndpoint,
		"token_endpoint", md.TokenEndpoint,
		"userinfo_endpoint", md.UserinfoEndpoint,
		"keys", len(keys.Keys),
		"s256_advertised", md.SupportsS256(),
	)
	return md, nil
}

func (r *Resolver) fetchKeys(ctx context.Context, jwksURI string) (jose.JSONWebKeySet, error) {
	return retry(ctx, r, "jwks", func() (jose.JSONWebKeySet, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
		if err != nil {
			return jose.JSONWebKeySet{}, backoff.Permanent(fmt.Errorf("create jwks request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		resp, err := r.cfg.HTTPClient.Do(req)
		if err != nil {
			return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return jose.JSONWebKeySet{}, backoff.Permanent(fmt.Errorf("fetch jwks: status %d", resp.StatusCode))
		}

		var set jose.JSONWebKeySet
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
			return jose.JSONWebKeySet{}, backoff.Permanent(fmt.Errorf("decode jwks: %w", err))
		}
		if len(set.Keys) == 0 {
			return jose.JSONWebKeySet{}, backoff.Permanent(errors.New("jwks contains no keys"))
		}
		return set, nil
	})
}

// retry runs op with bounded exponential backoff. Only network-level and 5xx
// failures are retried; op marks everything else permanent.
func retry[T any](ctx context.Context, r *Resolver, what string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInterval
	b.MaxInterval = 10 * r.cfg.RetryInterval

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.RetryAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.cfg.Logger.Debug("retrying provider call", "call", what, "issuer", r.cfg.Issuer, "after", d, "error", err)
		}),
	)
}
