package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestSecurityFakeCookies checks that forged or malformed cookies never authenticate.
func TestSecurityFakeCookies(t *testing.T) {
	app, _ := setupTestApp(t)

	forgedKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cookieClaims{
		Kind: "session",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cookieIssuer,
			ID:        "guessed-session",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("not-the-server-key-not-the-server-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, cookieClaims{
		Kind:             "session",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: cookieIssuer, ID: "guessed-session"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	tests := []struct {
		name        string
		cookieValue string
	}{
		{"fake_session_cookie", "fake-session-12345"},
		{"sql_injection_in_cookie", "' OR '1'='1"},
		{"extremely_long_cookie", strings.Repeat("A", 50000)},
		{"cookie_with_special_chars", "session<script>alert(1)</script>"},
		{"wrong_key", forgedKey},
		{"alg_none", unsigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, path := range []string{"/api/auth-status", "/api/user-profile"} {
				req := httptest.NewRequest(http.MethodGet, path, nil)
				req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: tt.cookieValue})
				w := httptest.NewRecorder()
				app.Routes().ServeHTTP(w, req)

				if w.Code >= 500 {
					t.Errorf("%s: server error %d", path, w.Code)
				}
				if strings.Contains(w.Body.String(), `"isAuthenticated":true`) || w.Code == http.StatusOK && path == "/api/user-profile" {
					t.Errorf("%s: fake cookie granted access", path)
				}
			}
		})
	}
}

// TestSecurityFlowCookieIsNotASessionCookie ensures a cookie minted for one purpose
// cannot be replayed as the other.
func TestSecurityFlowCookieIsNotASessionCookie(t *testing.T) {
	app, _ := setupTestApp(t)
	h := app.Routes()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/login", nil))
	var flow *http.Cookie
	for _, c := range w.Result().Cookies() {
		if strings.HasPrefix(c.Name, flowCookiePrefix) {
			flow = c
		}
	}
	if flow == nil {
		t.Fatalf("no flow cookie set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/auth-status", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: flow.Value})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if strings.Contains(w.Body.String(), `"isAuthenticated":true`) {
		t.Fatalf("flow cookie accepted as session")
	}
}

// TestSecurityOpenRedirect verifies redirects only ever go to the provider or the landing page.
func TestSecurityOpenRedirect(t *testing.T) {
	app, op := setupTestApp(t)
	h := app.Routes()

	for _, target := range []string{
		"/api/logout?redirect=https://evil.example.com",
		"/api/logout?next=//evil.example.com",
		"/api/login?redirect_uri=https://evil.example.com/cb",
	} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		loc := w.Header().Get("Location")
		if strings.Contains(loc, "evil.example.com") {
			loc, _ = url.QueryUnescape(loc)
			t.Errorf("%s redirected to %s", target, loc)
		}
		if !strings.HasPrefix(loc, testLanding) && !strings.HasPrefix(loc, op.Issuer+"/authorize") {
			t.Errorf("%s: unexpected redirect %q", target, loc)
		}
	}
}

// TestSecurityCallbackDoesNotLeakDetails keeps provider-supplied text out of error bodies.
func TestSecurityCallbackDoesNotLeakDetails(t *testing.T) {
	app, _ := setupTestApp(t)
	b := newBrowser(t, app)
	w := b.get("/api/login")
	loc, _ := url.Parse(w.Header().Get("Location"))

	q := url.Values{
		"error":             {"server_error"},
		"error_description": {"<script>alert(document.cookie)</script>"},
		"state":             {loc.Query().Get("state")},
	}
	w = b.get("/api/callback?" + q.Encode())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if strings.Contains(w.Body.String(), "script") {
		t.Fatalf("error body echoes provider text: %s", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
}

// TestSecurityHeaders checks cache and sniffing headers on auth responses.
func TestSecurityHeaders(t *testing.T) {
	app, _ := setupTestApp(t)
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/auth-status", nil))

	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Errorf("missing X-Request-ID")
	}
}

// TestSecurityHeaderInjection ensures oversized request IDs are replaced.
func TestSecurityHeaderInjection(t *testing.T) {
	app, _ := setupTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 500))
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); len(got) > 64 {
		t.Fatalf("request id echoed unbounded: %d bytes", len(got))
	}
}
