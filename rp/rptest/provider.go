// Package rptest provides an in-process OpenID provider for tests.
package rptest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Default registration used by NewProvider.
const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
	Subject      = "user-123"
)

type grant struct {
	challenge   string
	nonce       string
	redirectURI string
}

// Provider is an httptest server speaking enough OpenID Connect for an RP:
// discovery, JWKS, token (authorization_code and refresh_token) and userinfo.
type Provider struct {
	*httptest.Server

	Issuer       string
	ClientID     string
	ClientSecret string
	Subject      string
	// Profile claims added to ID tokens and userinfo responses.
	Profile map[string]any

	// ClaimsHook may rewrite ID token claims before signing.
	ClaimsHook func(claims jwt.MapClaims)
	// TokenFailure, when set, is returned by the token endpoint with status 400.
	TokenFailure string
	// UserInfoSubject overrides the sub returned from userinfo.
	UserInfoSubject string
	// OmitTokenEndpoint drops token_endpoint from discovery.
	OmitTokenEndpoint bool
	// AccessTokenTTL sets expires_in on token responses.
	AccessTokenTTL time.Duration

	tokenRequests     atomic.Int64
	discoveryRequests atomic.Int64
	jwksRequests      atomic.Int64

	mu            sync.Mutex
	key           *rsa.PrivateKey
	keyID         string
	grants        map[string]grant
	accessTokens  map[string]bool
	refreshTokens map[string]bool
}

// NewProvider starts a provider and closes it when the test ends.
func NewProvider(t testing.TB) *Provider {
	t.Helper()

	p := &Provider{
		ClientID:       ClientID,
		ClientSecret:   ClientSecret,
		Subject:        Subject,
		Profile:        map[string]any{"name": "Test User", "email": "test@example.com"},
		AccessTokenTTL: time.Hour,
		grants:         make(map[string]grant),
		accessTokens:   make(map[string]bool),
		refreshTokens:  make(map[string]bool),
	}
	if err := p.RotateKey(); err != nil {
		t.Fatalf("generate provider key: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/jwks", p.handleJWKS)
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/token", p.handleToken)
	mux.HandleFunc("/userinfo", p.handleUserInfo)

	p.Server = httptest.NewServer(mux)
	p.Issuer = p.URL
	t.Cleanup(p.Close)
	return p
}

// RotateKey replaces the signing key with a new one under a new kid.
func (p *Provider) RotateKey() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = key
	p.keyID = randomString(8)
	return nil
}

// TokenRequests counts calls to the token endpoint.
func (p *Provider) TokenRequests() int { return int(p.tokenRequests.Load()) }

// DiscoveryRequests counts calls to the discovery endpoint.
func (p *Provider) DiscoveryRequests() int { return int(p.discoveryRequests.Load()) }

// JWKSRequests counts calls to the JWKS endpoint.
func (p *Provider) JWKSRequests() int { return int(p.jwksRequests.Load()) }

// Authorize plays the user's side of the authorization endpoint: it checks
// authURL and returns the query the provider would redirect back with.
func (p *Provider) Authorize(authURL string) (url.Values, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	switch {
	case q.Get("response_type") != "code":
		return nil, errors.New("response_type must be code")
	case q.Get("client_id") != p.ClientID:
		return nil, errors.New("unknown client_id")
	case q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "":
		return nil, errors.New("S256 code challenge required")
	case !strings.Contains(" "+q.Get("scope")+" ", " openid "):
		return nil, errors.New("openid scope required")
	}
	code := p.IssueCode(q.Get("code_challenge"), q.Get("nonce"), q.Get("redirect_uri"))
	return url.Values{"code": {code}, "state": {q.Get("state")}}, nil
}

// IssueCode registers a single-use authorization code.
func (p *Provider) IssueCode(challenge, nonce, redirectURI string) string {
	code := randomString(16)
	p.mu.Lock()
	p.grants[code] = grant{challenge: challenge, nonce: nonce, redirectURI: redirectURI}
	p.mu.Unlock()
	return code
}

// SignIDToken signs claims with the current key.
func (p *Provider) SignIDToken(claims jwt.MapClaims) (string, error) {
	p.mu.Lock()
	key, kid := p.key, p.keyID
	p.mu.Unlock()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	return tok.SignedString(key)
}

// IDTokenClaims returns the default claim set for nonce.
func (p *Provider) IDTokenClaims(nonce string) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.Issuer,
		"sub": p.Subject,
		"aud": p.ClientID,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for k, v := range p.Profile {
		claims[k] = v
	}
	return claims
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	p.discoveryRequests.Add(1)
	doc := map[string]any{
		"issuer":                                p.Issuer,
		"authorization_endpoint":                p.Issuer + "/authorize",
		"userinfo_endpoint":                     p.Issuer + "/userinfo",
		"jwks_uri":                              p.Issuer + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "client_secret_basic"},
	}
	if !p.OmitTokenEndpoint {
		doc["token_endpoint"] = p.Issuer + "/token"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (p *Provider) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	p.jwksRequests.Add(1)
	p.mu.Lock()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     p.keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, set)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.tokenRequests.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", err.Error())
		return
	}
	if p.TokenFailure != "" {
		oauthError(w, p.TokenFailure, "forced failure")
		return
	}
	if !p.authenticateClient(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.exchangeCode(w, r)
	case "refresh_token":
		p.refresh(w, r)
	default:
		oauthError(w, "unsupported_grant_type", "")
	}
}

func (p *Provider) authenticateClient(r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
	} else {
		id = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	if id != p.ClientID {
		return false
	}
	return p.ClientSecret == "" || secret == p.ClientSecret
}

func (p *Provider) exchangeCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	p.mu.Lock()
	g, ok := p.grants[code]
	delete(p.grants, code)
	p.mu.Unlock()
	if !ok {
		oauthError(w, "invalid_grant", "unknown or used code")
		return
	}
	if g.redirectURI != "" && r.PostForm.Get("redirect_uri") != g.redirectURI {
		oauthError(w, "invalid_grant", "redirect_uri mismatch")
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
		oauthError(w, "invalid_grant", "code_verifier mismatch")
		return
	}
	p.issueTokens(w, g.nonce)
}

func (p *Provider) refresh(w http.ResponseWriter, r *http.Request) {
	rt := r.PostForm.Get("refresh_token")
	p.mu.Lock()
	ok := p.refreshTokens[rt]
	delete(p.refreshTokens, rt)
	p.mu.Unlock()
	if !ok {
		oauthError(w, "invalid_grant", "unknown refresh token")
		return
	}
	p.issueTokens(w, "")
}

func (p *Provider) issueTokens(w http.ResponseWriter, nonce string) {
	claims := p.IDTokenClaims(nonce)
	if p.ClaimsHook != nil {
		p.ClaimsHook(claims)
	}
	idToken, err := p.SignIDToken(claims)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	access, refresh := randomString(16), randomString(16)
	p.mu.Lock()
	p.accessTokens[access] = true
	p.refreshTokens[refresh] = true
	p.mu.Unlock()

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    int(p.AccessTokenTTL.Seconds()),
		"refresh_token": refresh,
		"id_token":      idToken,
	})
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	p.mu.Lock()
	ok := p.accessTokens[token]
	p.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	sub := p.Subject
	if p.UserInfoSubject != "" {
		sub = p.UserInfoSubject
	}
	resp := map[string]any{"sub": sub}
	for k, v := range p.Profile {
		resp[k] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func oauthError(w http.ResponseWriter, code, desc string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code, "error_description": desc})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("rptest: random: %v", err))
	}
	return hex.EncodeToString(buf)
}
