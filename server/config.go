package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"oidcrp/rp"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Content-Type", "X-Request-ID"}
	DefaultCORSAllowedMethods = []string{"GET", "OPTIONS"}
)

const minCookieSecretLen = 32

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Flows    FlowsConfig    `yaml:"flows"`
	Sessions SessionsConfig `yaml:"sessions"`
	Storage  StorageConfig  `yaml:"storage"`
}

// ServerConfig controls listener, TLS, cookie and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url" validate:"required,http_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	BasePath        string     `yaml:"base_path"`
	LandingURL      string     `yaml:"landing_url" validate:"required"`
	CookieDomain    string     `yaml:"cookie_domain"`
	CookieSecret    string     `yaml:"cookie_secret"`
	SecretsPath     string     `yaml:"secrets_path"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version" validate:"omitempty,oneof=1.2 1.3"`
	HSTSMaxAge int      `yaml:"hsts_max_age" validate:"gte=0"`
}

// CORSConfig lists browser origins allowed to call the API with credentials.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// ProviderConfig is the OpenID provider and this application's registration there.
type ProviderConfig struct {
	Issuer          string        `yaml:"issuer" validate:"required,http_url"`
	ClientID        string        `yaml:"client_id" validate:"required"`
	ClientSecret    string        `yaml:"client_secret"`
	AuthMethod      string        `yaml:"auth_method" validate:"omitempty,oneof=client_secret_post client_secret_basic none"`
	RedirectURI     string        `yaml:"redirect_uri" validate:"required,http_url"`
	Scopes          []string      `yaml:"scopes"`
	DiscoveryTTL    time.Duration `yaml:"discovery_ttl" validate:"gte=0"`
	HTTPTimeout     time.Duration `yaml:"http_timeout" validate:"gte=0"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout" validate:"gte=0"`
	RetryAttempts   int           `yaml:"retry_attempts" validate:"gte=0,lte=10"`
}

// FlowsConfig bounds pending logins.
type FlowsConfig struct {
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
}

// SessionsConfig bounds authenticated sessions.
type SessionsConfig struct {
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
}

// StorageConfig selects where flows and sessions live.
type StorageConfig struct {
	Backend string      `yaml:"backend" validate:"oneof=memory redis"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig addresses a redis server or cluster.
type RedisConfig struct {
	Addrs     []string `yaml:"addrs"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db" validate:"gte=0"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("%w: %w (check for typos or deprecated fields)", rp.ErrConfig, err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("%w: parse config: %w", rp.ErrConfig, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:3001",
			DevListenAddr:   "127.0.0.1:3001",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			BasePath:        "/api",
			LandingURL:      "http://localhost:3000/",
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Provider: ProviderConfig{
			AuthMethod:      rp.AuthMethodClientSecretPost,
			Scopes:          []string{"openid", "profile", "email"},
			DiscoveryTTL:    rp.DefaultDiscoveryTTL,
			HTTPTimeout:     rp.DefaultHTTPTimeout,
			ExchangeTimeout: rp.DefaultExchangeTimeout,
			RetryAttempts:   rp.DefaultRetryAttempts,
		},
		Flows:    FlowsConfig{TTL: rp.DefaultFlowTTL},
		Sessions: SessionsConfig{TTL: rp.DefaultSessionTTL},
		Storage: StorageConfig{
			Backend: "memory",
			Redis:   RedisConfig{KeyPrefix: "oidcrp:"},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCRP_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"OIDCRP_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OIDCRP_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"OIDCRP_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OIDCRP_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCRP_SERVER_BASE_PATH":         func(v string) { cfg.Server.BasePath = v },
		"OIDCRP_SERVER_LANDING_URL":       func(v string) { cfg.Server.LandingURL = v },
		"OIDCRP_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"OIDCRP_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCRP_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OIDCRP_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"OIDCRP_SERVER_CORS_ORIGINS":      func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"OIDCRP_PROVIDER_AUTH_METHOD":     func(v string) { cfg.Provider.AuthMethod = v },
		"OIDCRP_PROVIDER_SCOPES":          func(v string) { cfg.Provider.Scopes = splitAndTrim(v) },
		"OIDCRP_PROVIDER_DISCOVERY_TTL":   func(v string) { cfg.Provider.DiscoveryTTL = parseDuration(v, cfg.Provider.DiscoveryTTL) },
		"OIDCRP_FLOWS_TTL":                func(v string) { cfg.Flows.TTL = parseDuration(v, cfg.Flows.TTL) },
		"OIDCRP_SESSIONS_TTL":             func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"OIDCRP_STORAGE_BACKEND":          func(v string) { cfg.Storage.Backend = v },
		"OIDCRP_STORAGE_REDIS_ADDRS":      func(v string) { cfg.Storage.Redis.Addrs = splitAndTrim(v) },
		"OIDCRP_STORAGE_REDIS_PASSWORD":   func(v string) { cfg.Storage.Redis.Password = v },

		// Names used by existing deployments of the frontend's auth server.
		"OIDC_ISSUER_URL":    func(v string) { cfg.Provider.Issuer = v },
		"OIDC_CLIENT_ID":     func(v string) { cfg.Provider.ClientID = v },
		"OIDC_CLIENT_SECRET": func(v string) { cfg.Provider.ClientSecret = v },
		"OIDC_REDIRECT_URI":  func(v string) { cfg.Provider.RedirectURI = v },
		"SESSION_SECRET":     func(v string) { cfg.Server.CookieSecret = v },
		"PORT": func(v string) {
			if _, err := strconv.Atoi(v); err == nil {
				cfg.Server.DevListenAddr = ":" + v
			}
		},
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report yaml key names in errors.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks field constraints and cross-field rules. Errors wrap rp.ErrConfig.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				field := strings.TrimPrefix(fe.Namespace(), "Config.")
				slog.Error("Invalid configuration value", "field", field, "rule", fe.Tag(), "param", fe.Param())
				msgs = append(msgs, field+": "+describeRule(fe))
			}
			return fmt.Errorf("%w: %s", rp.ErrConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", rp.ErrConfig, err)
	}

	if err := c.Client().Validate(); err != nil {
		slog.Error("Invalid provider client configuration", "error", err)
		return err
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return fmt.Errorf("%w: server.tls.domains must be provided in production", rp.ErrConfig)
	}

	if !c.Server.DevMode && !strings.HasPrefix(c.Provider.RedirectURI, "https://") {
		slog.Error("Insecure redirect URI in production", "field", "provider.redirect_uri", "value", c.Provider.RedirectURI)
		return fmt.Errorf("%w: provider.redirect_uri must use https in production", rp.ErrConfig)
	}

	if c.Server.BasePath != "" && (!strings.HasPrefix(c.Server.BasePath, "/") || strings.HasSuffix(c.Server.BasePath, "/")) {
		slog.Error("Invalid configuration value", "field", "server.base_path", "value", c.Server.BasePath, "reason", "must start and not end with /")
		return fmt.Errorf("%w: server.base_path must start with / and must not end with /, got: %s", rp.ErrConfig, c.Server.BasePath)
	}

	if c.Server.CookieSecret != "" && len(c.Server.CookieSecret) < minCookieSecretLen {
		slog.Error("Cookie secret too short", "field", "server.cookie_secret", "min_length", minCookieSecretLen)
		return fmt.Errorf("%w: server.cookie_secret must be at least %d characters", rp.ErrConfig, minCookieSecretLen)
	}
	if c.Server.CookieSecret == "" && !c.Server.DevMode && c.Storage.Backend == "redis" {
		// Several instances must agree on the cookie key.
		slog.Error("Missing required configuration", "field", "server.cookie_secret", "reason", "required with shared redis storage")
		return fmt.Errorf("%w: server.cookie_secret is required when storage.backend is redis", rp.ErrConfig)
	}

	if c.Storage.Backend == "redis" && len(c.Storage.Redis.Addrs) == 0 {
		slog.Error("Missing required configuration", "field", "storage.redis.addrs")
		return fmt.Errorf("%w: storage.redis.addrs is required when storage.backend is redis", rp.ErrConfig)
	}

	// Validate cookie_domain matches public_url domain
	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("%w: server.cookie_domain '%s' does not match server.public_url domain '%s'", rp.ErrConfig, c.Server.CookieDomain, host)
		}
	}

	return nil
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "http_url":
		return "must be an http(s) URL"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	default:
		return "is invalid"
	}
}

// Client returns the provider registration in the form the rp package expects.
func (c Config) Client() rp.ClientConfig {
	return rp.ClientConfig{
		ClientID:     c.Provider.ClientID,
		ClientSecret: c.Provider.ClientSecret,
		AuthMethod:   c.Provider.AuthMethod,
		RedirectURI:  c.Provider.RedirectURI,
		Scopes:       c.Provider.Scopes,
	}
}

// CORSOrigins returns the configured origins, or the landing page origin when none are set.
func (c Config) CORSOrigins() []string {
	if len(c.Server.CORS.AllowedOrigins) > 0 {
		return c.Server.CORS.AllowedOrigins
	}
	if origin := extractOrigin(c.Server.LandingURL); origin != "" {
		return []string{origin}
	}
	return nil
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(rawURL string) string {
	if rawURL == "" || rawURL == "*" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
