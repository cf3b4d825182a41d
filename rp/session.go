package rp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultSessionTTL caps an authenticated session's lifetime.
const DefaultSessionTTL = 12 * time.Hour

const maxUserInfoBytes = 1 << 20

// TokenSet is the provider's token response after a successful exchange or refresh.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

func (t TokenSet) expired(now time.Time) bool {
	return !t.Expiry.IsZero() && !now.Before(t.Expiry)
}

// IdentityClaims are the verified claims of the ID token.
type IdentityClaims struct {
	Subject  string         `json:"sub"`
	Issuer   string         `json:"iss"`
	Audience []string       `json:"aud"`
	Expiry   time.Time      `json:"exp"`
	IssuedAt time.Time      `json:"iat"`
	Nonce    string         `json:"nonce,omitempty"`
	Profile  map[string]any `json:"profile,omitempty"`
}

// Map flattens the claims back into the ID token's claim set.
func (c IdentityClaims) Map() map[string]any {
	out := make(map[string]any, len(c.Profile)+6)
	for k, v := range c.Profile {
		out[k] = v
	}
	out["sub"] = c.Subject
	out["iss"] = c.Issuer
	out["aud"] = c.Audience
	out["exp"] = c.Expiry.Unix()
	out["iat"] = c.IssuedAt.Unix()
	if c.Nonce != "" {
		out["nonce"] = c.Nonce
	}
	return out
}

// AuthenticatedSession binds a transport-level session ID to tokens and identity.
type AuthenticatedSession struct {
	ID        string         `json:"id"`
	Tokens    TokenSet       `json:"tokens"`
	Claims    IdentityClaims `json:"claims"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// SessionManagerConfig configures a SessionManager.
type SessionManagerConfig struct {
	Store     SessionStore
	Resolver  *Resolver
	Client    ClientConfig
	Generator *Generator
	TTL       time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// SessionManager owns authenticated sessions after a successful callback.
type SessionManager struct {
	store     SessionStore
	resolver  *Resolver
	client    ClientConfig
	gen       *Generator
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
	verifier  *idTokenVerifier
	refreshes singleflight.Group
}

// NewSessionManager builds a manager. Store and Resolver are required.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.Generator == nil {
		cfg.Generator = NewGenerator(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SessionManager{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		client:   cfg.Client,
		gen:      cfg.Generator,
		ttl:      cfg.TTL,
		logger:   cfg.Logger,
		now:      cfg.Now,
		verifier: &idTokenVerifier{
			resolver:  cfg.Resolver,
			clientID:  cfg.Client.ClientID,
			maxAge:    DefaultMaxIDTokenAge,
			clockSkew: DefaultClockSkew,
			now:       cfg.Now,
		},
	}
}

// CreateSession stores a new session and returns its opaque ID.
func (m *SessionManager) CreateSession(ctx context.Context, tokens TokenSet, claims IdentityClaims) (string, error) {
	sess, err := m.create(ctx, tokens, claims)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

func (m *SessionManager) create(ctx context.Context, tokens TokenSet, claims IdentityClaims) (*AuthenticatedSession, error) {
	id, err := m.gen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	now := m.now()
	sess := &AuthenticatedSession{
		ID:        id,
		Tokens:    tokens,
		Claims:    claims,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	// Without a refresh token the session cannot outlive the access token.
	if tokens.RefreshToken == "" && !tokens.Expiry.IsZero() && tokens.Expiry.Before(sess.ExpiresAt) {
		sess.ExpiresAt = tokens.Expiry
	}
	if err := m.store.Save(ctx, sess, sess.ExpiresAt.Sub(now)); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession returns the live session for id, or nil if there is none.
// An expired access token is refreshed when a refresh token is held; a failed
// refresh ends the session.
func (m *SessionManager) GetSession(ctx context.Context, id string) (*AuthenticatedSession, error) {
	if id == "" {
		return nil, nil
	}
	sess, err := m.store.Get(ctx, id)
	if err != nil || sess == nil {
		return nil, err
	}

	now := m.now()
	if !now.Before(sess.ExpiresAt) {
		_ = m.store.Delete(ctx, id)
		return nil, nil
	}
	if !sess.Tokens.expired(now) {
		return sess, nil
	}
	if sess.Tokens.RefreshToken == "" {
		_ = m.store.Delete(ctx, id)
		return nil, nil
	}

	v, err, _ := m.refreshes.Do(id, func() (any, error) {
		return m.refresh(ctx, sess)
	})
	if err != nil {
		m.logger.Warn("session refresh failed", "kind", ErrorKind(err), "error", err)
		_ = m.store.Delete(ctx, id)
		return nil, nil
	}
	return v.(*AuthenticatedSession), nil
}

func (m *SessionManager) refresh(ctx context.Context, sess *AuthenticatedSession) (*AuthenticatedSession, error) {
	md, err := m.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.resolver.HTTPClient())
	src := m.client.oauth2Config(md).TokenSource(ctx, &oauth2.Token{
		RefreshToken: sess.Tokens.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, exchangeError(err)
	}

	next := *sess
	next.Tokens = tokenSetFrom(tok)
	if next.Tokens.RefreshToken == "" {
		next.Tokens.RefreshToken = sess.Tokens.RefreshToken
	}
	if next.Tokens.IDToken == "" {
		next.Tokens.IDToken = sess.Tokens.IDToken
	} else {
		idt, err := m.verifier.verify(ctx, next.Tokens.IDToken, "", next.Tokens.AccessToken)
		if err != nil {
			return nil, err
		}
		if idt.Subject != sess.Claims.Subject {
			return nil, fmt.Errorf("%w: refreshed id token subject changed", ErrTokenValidation)
		}
		claims, err := claimsFrom(idt)
		if err != nil {
			return nil, err
		}
		next.Claims = claims
	}
	if err := m.store.Save(ctx, &next, next.ExpiresAt.Sub(m.now())); err != nil {
		return nil, err
	}
	m.logger.Debug("session tokens refreshed", "sub", next.Claims.Subject)
	return &next, nil
}

// RefreshUserInfo fetches the userinfo document with the session's access token.
// A subject that differs from the ID token's destroys the session.
func (m *SessionManager) RefreshUserInfo(ctx context.Context, id string) (map[string]any, error) {
	sess, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	md, err := m.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if md.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("%w: provider has no userinfo endpoint", ErrDiscovery)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, md.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.resolver.HTTPClient())
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: sess.Tokens.AccessToken,
		TokenType:   "Bearer",
	}))
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, fmt.Errorf("read userinfo: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request: status %d", resp.StatusCode)
	}
	if ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); ct == "application/jwt" {
		return nil, errors.New("signed userinfo responses are not supported")
	}

	var profile map[string]any
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if sub, _ := profile["sub"].(string); sub != sess.Claims.Subject {
		m.logger.Warn("userinfo subject mismatch, ending session", "kind", ErrorKind(ErrIdentityMismatch))
		_ = m.DestroySession(ctx, id)
		return nil, ErrIdentityMismatch
	}
	return profile, nil
}

// DestroySession removes the session. Unknown IDs are not an error.
func (m *SessionManager) DestroySession(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return m.store.Delete(ctx, id)
}

// ErrSessionNotFound is returned by RefreshUserInfo when no live session exists.
var ErrSessionNotFound = errors.New("session not found")

func tokenSetFrom(tok *oauth2.Token) TokenSet {
	ts := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		Expiry:       tok.Expiry,
	}
	if raw, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = raw
	}
	return ts
}

func exchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		body := string(re.Body)
		if len(body) > 512 {
			body = body[:512]
		}
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &TokenExchangeError{
			StatusCode:  status,
			Code:        re.ErrorCode,
			Description: re.ErrorDescription,
			Body:        body,
		}
	}
	return &TokenExchangeError{Err: err}
}
