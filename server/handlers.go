package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"oidcrp/rp"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Resolver *rp.Resolver
	RP       *rp.RelyingParty
	Sessions *rp.SessionManager
	Cookies  *CookieManager
	Metrics  *Metrics

	closers []func() error
}

// NewApp wires together the application state from configuration. Provider
// discovery runs once here; a provider that cannot be resolved is fatal.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: NewMetrics(),
	}

	app.Resolver = rp.NewResolver(rp.ResolverConfig{
		Issuer:        cfg.Provider.Issuer,
		HTTPClient:    &http.Client{Timeout: cfg.Provider.HTTPTimeout},
		TTL:           cfg.Provider.DiscoveryTTL,
		RetryAttempts: cfg.Provider.RetryAttempts,
		Logger:        logger,
	})
	md, err := app.Resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if !md.SupportsS256() {
		logger.Warn("provider does not advertise S256 PKCE, sending it anyway", "issuer", md.Issuer)
	}

	flows, store, err := app.buildStores(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	client := cfg.Client()
	app.Sessions = rp.NewSessionManager(rp.SessionManagerConfig{
		Store:    store,
		Resolver: app.Resolver,
		Client:   client,
		TTL:      cfg.Sessions.TTL,
		Logger:   logger,
	})
	app.RP, err = rp.New(rp.Config{
		Client:          client,
		Resolver:        app.Resolver,
		Flows:           flows,
		Sessions:        app.Sessions,
		ExchangeTimeout: cfg.Provider.ExchangeTimeout,
		Logger:          logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Cookies, err = NewCookieManager(cfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	logger.Info("relying party ready",
		"issuer", md.Issuer,
		"client_id", client.ClientID,
		"redirect_uri", client.RedirectURI,
		"storage", cfg.Storage.Backend,
	)
	return app, nil
}

func (a *App) buildStores(ctx context.Context) (rp.FlowStore, rp.SessionStore, error) {
	flowOpts := rp.FlowStoreOptions{TTL: a.Config.Flows.TTL}

	if a.Config.Storage.Backend != "redis" {
		flows := rp.NewMemoryFlowStore(flowOpts)
		sessions := rp.NewMemorySessionStore()
		a.closers = append(a.closers, flows.Close, sessions.Close)
		return flows, sessions, nil
	}

	rc := a.Config.Storage.Redis
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    rc.Addrs,
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return rp.NewRedisFlowStore(client, rc.KeyPrefix, flowOpts), rp.NewRedisSessionStore(client, rc.KeyPrefix), nil
}

// Close releases stores and connections.
func (a *App) Close() error {
	var errs []error
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	flow, authURL, err := a.RP.BeginLogin(r.Context())
	if err != nil {
		kind := rp.ErrorKind(err)
		a.Logger.Error("login start failed", "kind", kind, "error", err, "request_id", RequestIDFromContext(r.Context()))
		status := http.StatusInternalServerError
		if errors.Is(err, rp.ErrDiscovery) {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]string{"error": kind})
		return
	}
	if err := a.Cookies.SetFlow(w, flow.State, flow.ID, time.Until(flow.ExpiresAt)); err != nil {
		a.Logger.Error("set flow cookie", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	a.Metrics.loginsStarted.Inc()
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")
	flowID := a.Cookies.FlowID(r, state)
	if state != "" {
		// The flow is single-use whatever the outcome. Other tabs keep theirs.
		a.Cookies.ClearFlow(w, state)
	}

	var sess *rp.AuthenticatedSession
	var err error
	if flowID == "" && a.Cookies.HasFlows(r) {
		// Logins are pending in this browser but none issued this state.
		err = fmt.Errorf("%w: no pending login matches the callback state", rp.ErrStateMismatch)
	} else {
		sess, err = a.RP.HandleCallback(r.Context(), query, flowID)
	}
	if err != nil {
		kind := rp.ErrorKind(err)
		a.Metrics.callbacks.WithLabelValues(kind).Inc()
		attrs := []any{"kind", kind, "error", err, "request_id", RequestIDFromContext(r.Context())}
		if errors.Is(err, rp.ErrStateMismatch) {
			a.Logger.Warn("callback rejected, possible CSRF", attrs...)
		} else {
			a.Logger.Warn("callback rejected", attrs...)
		}
		status := http.StatusBadRequest
		if kind == "server_error" {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]string{"error": kind})
		return
	}

	if err := a.Cookies.SetSession(w, sess.ID, time.Until(sess.ExpiresAt)); err != nil {
		a.Logger.Error("set session cookie", "error", err)
		_ = a.Sessions.DestroySession(r.Context(), sess.ID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	// A new login replaces the browser's previous session wholesale.
	if prev := a.Cookies.SessionID(r); prev != "" && prev != sess.ID {
		if err := a.Sessions.DestroySession(r.Context(), prev); err != nil {
			a.Logger.Error("destroy previous session", "error", err, "request_id", RequestIDFromContext(r.Context()))
		}
	}
	a.Metrics.callbacks.WithLabelValues(outcome("")).Inc()
	http.Redirect(w, r, a.Config.Server.LandingURL, http.StatusFound)
}

type authStatus struct {
	IsAuthenticated bool           `json:"isAuthenticated"`
	User            map[string]any `json:"user"`
}

func (a *App) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	sid := a.Cookies.SessionID(r)
	sess, err := a.Sessions.GetSession(r.Context(), sid)
	if err != nil {
		a.Logger.Error("load session", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	if sess == nil {
		if sid != "" {
			a.Cookies.ClearSession(w)
		}
		writeJSON(w, http.StatusOK, authStatus{})
		return
	}
	writeJSON(w, http.StatusOK, authStatus{IsAuthenticated: true, User: sess.Claims.Map()})
}

func (a *App) handleUserProfile(w http.ResponseWriter, r *http.Request) {
	sid := a.Cookies.SessionID(r)
	if sid == "" {
		unauthorized(w)
		return
	}

	profile, err := a.Sessions.RefreshUserInfo(r.Context(), sid)
	if err != nil {
		kind := rp.ErrorKind(err)
		a.Metrics.userinfo.WithLabelValues(kind).Inc()
		switch {
		case errors.Is(err, rp.ErrSessionNotFound):
			a.Cookies.ClearSession(w)
			unauthorized(w)
		case errors.Is(err, rp.ErrIdentityMismatch):
			a.Logger.Warn("userinfo subject mismatch, session ended", "kind", kind, "request_id", RequestIDFromContext(r.Context()))
			a.Cookies.ClearSession(w)
			unauthorized(w)
		default:
			a.Logger.Error("userinfo fetch failed", "kind", kind, "error", err, "request_id", RequestIDFromContext(r.Context()))
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": kind})
		}
		return
	}
	a.Metrics.userinfo.WithLabelValues(outcome("")).Inc()
	writeJSON(w, http.StatusOK, profile)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sid := a.Cookies.SessionID(r); sid != "" {
		if err := a.Sessions.DestroySession(r.Context(), sid); err != nil {
			a.Logger.Error("destroy session", "error", err, "request_id", RequestIDFromContext(r.Context()))
		}
	}
	a.Cookies.ClearSession(w)
	a.Metrics.logouts.Inc()
	http.Redirect(w, r, a.Config.Server.LandingURL, http.StatusFound)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
