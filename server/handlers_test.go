package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcrp/rp"
	"oidcrp/rp/rptest"
)

const testLanding = "http://localhost:3000/"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(op *rptest.Provider) Config {
	cfg := DefaultConfig()
	cfg.Server.LandingURL = testLanding
	cfg.Server.CookieSecret = strings.Repeat("s", minCookieSecretLen)
	cfg.Server.SecretsPath = ""
	cfg.Provider.Issuer = op.Issuer
	cfg.Provider.ClientID = op.ClientID
	cfg.Provider.ClientSecret = op.ClientSecret
	cfg.Provider.RedirectURI = "http://localhost:3001/api/callback"
	return cfg
}

func setupTestApp(t *testing.T) (*App, *rptest.Provider) {
	t.Helper()
	op := rptest.NewProvider(t)
	app, err := NewApp(context.Background(), testConfig(op), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app, op
}

// browser keeps cookies between requests the way a user agent would.
type browser struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
}

func newBrowser(t *testing.T, app *App) *browser {
	return &browser{t: t, handler: app.Routes(), cookies: make(map[string]*http.Cookie)}
}

func (b *browser) get(target string) *httptest.ResponseRecorder {
	b.t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range b.cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	w := httptest.NewRecorder()
	b.handler.ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return w
}

// login drives /login, the provider and /callback, and returns the callback response.
func (b *browser) login(op *rptest.Provider) *httptest.ResponseRecorder {
	b.t.Helper()
	w := b.get("/api/login")
	require.Equal(b.t, http.StatusFound, w.Code)
	query, err := op.Authorize(w.Header().Get("Location"))
	require.NoError(b.t, err)
	return b.get("/api/callback?" + query.Encode())
}

// flowCookies lists the names of the pending-login cookies the browser holds.
func (b *browser) flowCookies() []string {
	var names []string
	for name := range b.cookies {
		if strings.HasPrefix(name, flowCookiePrefix) {
			names = append(names, name)
		}
	}
	return names
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestLoginRedirectsToProvider(t *testing.T) {
	app, op := setupTestApp(t)
	b := newBrowser(t, app)

	w := b.get("/api/login")
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, op.Issuer+"/authorize", loc.Scheme+"://"+loc.Host+loc.Path)
	q := loc.Query()
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("nonce"))
	assert.Equal(t, "http://localhost:3001/api/callback", q.Get("redirect_uri"))

	var flowCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == flowCookieName(q.Get("state")) {
			flowCookie = c
		}
	}
	require.NotNil(t, flowCookie)
	assert.True(t, flowCookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, flowCookie.SameSite)
	assert.Equal(t, "/api", flowCookie.Path)
	assert.NotContains(t, flowCookie.Value, q.Get("state"))
}

func TestLoginFlowEndToEnd(t *testing.T) {
	app, op := setupTestApp(t)
	b := newBrowser(t, app)

	w := b.login(op)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	assert.Equal(t, testLanding, w.Header().Get("Location"))
	require.Contains(t, b.cookies, sessionCookieName)
	assert.Empty(t, b.flowCookies())

	w = b.get("/api/auth-status")
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeBody(t, w)
	assert.Equal(t, true, status["isAuthenticated"])
	user, ok := status["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, rptest.Subject, user["sub"])
	assert.Equal(t, op.Issuer, user["iss"])
	assert.Equal(t, "test@example.com", user["email"])

	w = b.get("/api/user-profile")
	require.Equal(t, http.StatusOK, w.Code)
	profile := decodeBody(t, w)
	assert.Equal(t, rptest.Subject, profile["sub"])
	assert.Equal(t, "Test User", profile["name"])

	assert.Equal(t, 1, op.TokenRequests())
}

func TestCallbackProviderErrorSkipsExchange(t *testing.T) {
	app, op := setupTestApp(t)
	b := newBrowser(t, app)

	w := b.get("/api/login")
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)

	q := url.Values{
		"error":             {"access_denied"},
		"error_description": {"The user denied access"},
		"state":             {loc.Query().Get("state")},
	}
	w = b.get("/api/callback?" + q.Encode())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, map[string]any{"error": "provider_error"}, decodeBody(t, w))
	assert.Equal(t, 0, op.TokenRequests())
	assert.NotContains(t, b.cookies, sessionCookieName)
}

func TestCallbackFailures(t *testing.T) {
	tests := []struct {
		name     string
		callback func(b *browser, op *rptest.Provider) *httptest.ResponseRecorder
		wantKind string
		// a replay after a successful login leaves that login intact
		wantAuthenticated bool
	}{
		{
			name: "state mismatch",
			callback: func(b *browser, op *rptest.Provider) *httptest.ResponseRecorder {
				w := b.get("/api/login")
				query, err := op.Authorize(w.Header().Get("Location"))
				require.NoError(b.t, err)
				query.Set("state", "forged")
				return b.get("/api/callback?" + query.Encode())
			},
			wantKind: "state_mismatch",
		},
		{
			name: "no flow cookie",
			callback: func(b *browser, op *rptest.Provider) *httptest.ResponseRecorder {
				w := b.get("/api/login")
				query, err := op.Authorize(w.Header().Get("Location"))
				require.NoError(b.t, err)
				for _, name := range b.flowCookies() {
					delete(b.cookies, name)
				}
				return b.get("/api/callback?" + query.Encode())
			},
			wantKind: "flow_not_found",
		},
		{
			name: "replayed callback",
			callback: func(b *browser, op *rptest.Provider) *httptest.ResponseRecorder {
				w := b.get("/api/login")
				query, err := op.Authorize(w.Header().Get("Location"))
				require.NoError(b.t, err)
				name := flowCookieName(query.Get("state"))
				flow := b.cookies[name]
				require.NotNil(b.t, flow)
				require.Equal(b.t, http.StatusFound, b.get("/api/callback?"+query.Encode()).Code)
				b.cookies[name] = flow
				return b.get("/api/callback?" + query.Encode())
			},
			wantKind:          "already_consumed",
			wantAuthenticated: true,
		},
		{
			name: "token endpoint rejects code",
			callback: func(b *browser, op *rptest.Provider) *httptest.ResponseRecorder {
				w := b.get("/api/login")
				query, err := op.Authorize(w.Header().Get("Location"))
				require.NoError(b.t, err)
				op.TokenFailure = "invalid_grant"
				return b.get("/api/callback?" + query.Encode())
			},
			wantKind: "token_exchange_error",
		},
		{
			name: "nonce mismatch",
			callback: func(b *browser, op *rptest.Provider) *httptest.ResponseRecorder {
				op.ClaimsHook = func(c jwt.MapClaims) { c["nonce"] = "other" }
				w := b.get("/api/login")
				query, err := op.Authorize(w.Header().Get("Location"))
				require.NoError(b.t, err)
				return b.get("/api/callback?" + query.Encode())
			},
			wantKind: "token_validation_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, op := setupTestApp(t)
			b := newBrowser(t, app)
			w := tt.callback(b, op)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, map[string]any{"error": tt.wantKind}, decodeBody(t, w))

			status := decodeBody(t, b.get("/api/auth-status"))
			assert.Equal(t, tt.wantAuthenticated, status["isAuthenticated"])
		})
	}
}

func TestLoginsInTwoTabs(t *testing.T) {
	app, op := setupTestApp(t)
	b := newBrowser(t, app)

	// Both tabs start a login before either returns from the provider.
	tabA := b.get("/api/login")
	tabB := b.get("/api/login")
	require.Len(t, b.flowCookies(), 2)

	queryA, err := op.Authorize(tabA.Header().Get("Location"))
	require.NoError(t, err)
	queryB, err := op.Authorize(tabB.Header().Get("Location"))
	require.NoError(t, err)

	w := b.get("/api/callback?" + queryA.Encode())
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	assert.Len(t, b.flowCookies(), 1, "tab B's pending login must survive tab A's callback")

	w = b.get("/api/callback?" + queryB.Encode())
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	assert.Empty(t, b.flowCookies())
	assert.Equal(t, 2, op.TokenRequests())

	status := decodeBody(t, b.get("/api/auth-status"))
	assert.Equal(t, true, status["isAuthenticated"])
}

func TestForgedStateLeavesPendingLoginIntact(t *testing.T) {
	app, op := setupTestApp(t)
	b := newBrowser(t, app)

	w := b.get("/api/login")
	query, err := op.Authorize(w.Header().Get("Location"))
	require.NoError(t, err)

	forged := url.Values{"code": {"attacker-code"}, "state": {"attacker-state"}}
	w = b.get("/api/callback?" + forged.Encode())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, map[string]any{"error": "state_mismatch"}, decodeBody(t, w))
	assert.Equal(t, 0, op.TokenRequests())

	w = b.get("/api/callback?" + query.Encode())
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
}

func TestReloginReplacesPreviousSession(t *testing.T) {
	app, op := setupTestApp(t)
	b := newBrowser(t, app)

	require.Equal(t, http.StatusFound, b.login(op).Code)
	previous := b.cookies[sessionCookieName]
	require.NotNil(t, previous)

	require.Equal(t, http.StatusFound, b.login(op).Code)
	current := b.cookies[sessionCookieName]
	require.NotNil(t, current)
	assert.NotEqual(t, previous.Value, current.Value)

	stale := newBrowser(t, app)
	stale.cookies[sessionCookieName] = previous
	status := decodeBody(t, stale.get("/api/auth-status"))
	assert.Equal(t, false, status["isAuthenticated"])
	assert.Equal(t, http.StatusUnauthorized, stale.get("/api/user-profile").Code)

	status = decodeBody(t, b.get("/api/auth-status"))
	assert.Equal(t, true, status["isAuthenticated"])
}

func TestUserProfileRequiresSession(t *testing.T) {
	app, _ := setupTestApp(t)
	b := newBrowser(t, app)

	w := b.get("/api/user-profile")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, map[string]any{"error": "Unauthorized"}, decodeBody(t, w))

	b.cookies[sessionCookieName] = &http.Cookie{Name: sessionCookieName, Value: "forged"}
	w = b.get("/api/user-profile")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUserProfileSubjectMismatchEndsSession(t *testing.T) {
	app, op := setupTestApp(t)
	b := newBrowser(t, app)
	require.Equal(t, http.StatusFound, b.login(op).Code)

	op.UserInfoSubject = "someone-else"
	w := b.get("/api/user-profile")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotContains(t, b.cookies, sessionCookieName)

	status := decodeBody(t, b.get("/api/auth-status"))
	assert.Equal(t, false, status["isAuthenticated"])
}

func TestLogoutEndsSession(t *testing.T) {
	app, op := setupTestApp(t)
	b := newBrowser(t, app)
	require.Equal(t, http.StatusFound, b.login(op).Code)
	stolen := *b.cookies[sessionCookieName]

	w := b.get("/api/logout")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, testLanding, w.Header().Get("Location"))

	w = b.get("/api/auth-status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"isAuthenticated":false,"user":null}`, w.Body.String())

	// The old cookie no longer refers to anything.
	b.cookies[sessionCookieName] = &stolen
	assert.JSONEq(t, `{"isAuthenticated":false,"user":null}`, b.get("/api/auth-status").Body.String())
}

func TestAuthStatusWithoutSession(t *testing.T) {
	app, _ := setupTestApp(t)
	w := newBrowser(t, app).get("/api/auth-status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"isAuthenticated":false,"user":null}`, w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	app, op := setupTestApp(t)
	b := newBrowser(t, app)

	w := b.get("/healthz")
	assert.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, http.StatusFound, b.login(op).Code)
	w = b.get("/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "oidcrp_logins_started_total 1")
	assert.Contains(t, body, `oidcrp_callbacks_total{outcome="success"} 1`)
}

func TestRoutesWithoutBasePath(t *testing.T) {
	op := rptest.NewProvider(t)
	cfg := testConfig(op)
	cfg.Server.BasePath = ""
	app, err := NewApp(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer app.Close()

	w := newBrowser(t, app).get("/auth-status")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewAppFailsOnBadDiscovery(t *testing.T) {
	op := rptest.NewProvider(t)
	op.OmitTokenEndpoint = true
	_, err := NewApp(context.Background(), testConfig(op), testLogger())
	assert.True(t, errors.Is(err, rp.ErrDiscovery), "err = %v", err)
}

func TestNewAppWithRedisStorage(t *testing.T) {
	op := rptest.NewProvider(t)
	cfg := testConfig(op)
	cfg.Storage.Backend = "redis"
	cfg.Storage.Redis.Addrs = []string{startMiniredis(t)}

	app, err := NewApp(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer app.Close()

	b := newBrowser(t, app)
	require.Equal(t, http.StatusFound, b.login(op).Code)
	status := decodeBody(t, b.get("/api/auth-status"))
	assert.Equal(t, true, status["isAuthenticated"])
}

func startMiniredis(t *testing.T) string {
	t.Helper()
	return miniredis.RunT(t).Addr()
}
