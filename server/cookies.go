package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	flowCookiePrefix  = "rp_flow_"
	sessionCookieName = "rp_session"

	cookieKeyFile = "cookie.key"
	cookieKeyInfo = "oidcrp cookie signing v1"
	cookieIssuer  = "oidcrp"
)

// cookieClaims is the signed payload of a transport cookie. The ID is an opaque
// flow or session identifier; nothing else about the login travels to the browser.
type cookieClaims struct {
	Kind string `json:"knd"`
	jwt.RegisteredClaims
}

// CookieManager issues and reads the HS256-signed flow and session cookies.
type CookieManager struct {
	key      []byte
	secure   bool
	sameSite http.SameSite
	domain   string
	path     string
	logger   *slog.Logger
	now      func() time.Time
}

// NewCookieManager derives the signing key and applies cookie attributes from cfg.
func NewCookieManager(cfg Config, logger *slog.Logger) (*CookieManager, error) {
	secret, err := cookieSecret(cfg.Server, logger)
	if err != nil {
		return nil, err
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(cookieKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive cookie key: %w", err)
	}

	path := cfg.Server.BasePath
	if path == "" {
		path = "/"
	}
	return &CookieManager{
		key:    key,
		secure: !cfg.Server.DevMode,
		// Lax: the callback arrives as a top-level cross-site navigation from the provider.
		sameSite: http.SameSiteLaxMode,
		domain:   cfg.Server.CookieDomain,
		path:     path,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// cookieSecret returns the configured secret, or loads (creating if needed) one
// persisted under the secrets path.
func cookieSecret(cfg ServerConfig, logger *slog.Logger) ([]byte, error) {
	if cfg.CookieSecret != "" {
		return []byte(cfg.CookieSecret), nil
	}
	if cfg.SecretsPath == "" {
		logger.Warn("no cookie secret configured, cookies will not survive a restart")
		return randomSecret()
	}

	path := filepath.Join(cfg.SecretsPath, cookieKeyFile)
	payload, err := os.ReadFile(path)
	if err == nil {
		secret, err := hex.DecodeString(strings.TrimSpace(string(payload)))
		if err != nil || len(secret) < minCookieSecretLen {
			return nil, fmt.Errorf("invalid cookie key in %s", path)
		}
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read cookie key: %w", err)
	}

	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.SecretsPath, 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)), 0o600); err != nil {
		return nil, fmt.Errorf("write cookie key: %w", err)
	}
	logger.Info("generated cookie signing key", "path", path)
	return secret, nil
}

func randomSecret() ([]byte, error) {
	secret := make([]byte, minCookieSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate cookie secret: %w", err)
	}
	return secret, nil
}

// flowCookieName names the flow cookie after the flow's state so logins started
// in several tabs each keep their own reference.
func flowCookieName(state string) string {
	sum := sha256.Sum256([]byte(state))
	return flowCookiePrefix + base64.RawURLEncoding.EncodeToString(sum[:9])
}

// SetFlow stores the reference to the flow identified by state.
func (c *CookieManager) SetFlow(w http.ResponseWriter, state, id string, ttl time.Duration) error {
	return c.set(w, flowCookieName(state), "flow", id, ttl)
}

// FlowID returns the flow whose login produced state, or "" if this browser holds none.
func (c *CookieManager) FlowID(r *http.Request, state string) string {
	if state == "" {
		return ""
	}
	return c.read(r, flowCookieName(state), "flow")
}

// HasFlows reports whether the request carries any flow cookie.
func (c *CookieManager) HasFlows(r *http.Request) bool {
	for _, cookie := range r.Cookies() {
		if strings.HasPrefix(cookie.Name, flowCookiePrefix) {
			return true
		}
	}
	return false
}

// ClearFlow removes the flow cookie for state.
func (c *CookieManager) ClearFlow(w http.ResponseWriter, state string) {
	c.clear(w, flowCookieName(state))
}

// SetSession stores the session reference after a successful login.
func (c *CookieManager) SetSession(w http.ResponseWriter, id string, ttl time.Duration) error {
	return c.set(w, sessionCookieName, "session", id, ttl)
}

// SessionID returns the session referenced by the request, or "".
func (c *CookieManager) SessionID(r *http.Request) string {
	return c.read(r, sessionCookieName, "session")
}

// ClearSession removes the session cookie for logout.
func (c *CookieManager) ClearSession(w http.ResponseWriter) {
	c.clear(w, sessionCookieName)
}

func (c *CookieManager) set(w http.ResponseWriter, name, kind, id string, ttl time.Duration) error {
	now := c.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cookieClaims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cookieIssuer,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(c.key)
	if err != nil {
		return fmt.Errorf("sign %s cookie: %w", kind, err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    signed,
		Path:     c.path,
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
		MaxAge:   int(ttl.Seconds()),
	})
	return nil
}

func (c *CookieManager) read(r *http.Request, name, kind string) string {
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return ""
	}
	var claims cookieClaims
	_, err = jwt.ParseWithClaims(cookie.Value, &claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cookieIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		c.logger.Debug("rejected cookie", "cookie", name, "error", err)
		return ""
	}
	if claims.Kind != kind {
		c.logger.Debug("rejected cookie", "cookie", name, "reason", "kind mismatch")
		return ""
	}
	return claims.ID
}

func (c *CookieManager) clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     c.path,
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
		MaxAge:   -1,
	})
}
