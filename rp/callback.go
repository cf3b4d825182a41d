package rp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DefaultExchangeTimeout bounds the token endpoint call.
const DefaultExchangeTimeout = 15 * time.Second

// Config wires a RelyingParty.
type Config struct {
	Client          ClientConfig
	Resolver        *Resolver
	Generator       *Generator
	Flows           FlowStore
	Sessions        *SessionManager
	ExchangeTimeout time.Duration
	MaxIDTokenAge   time.Duration
	ClockSkew       time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// RelyingParty runs the authorization code + PKCE flow against one provider.
type RelyingParty struct {
	client          ClientConfig
	resolver        *Resolver
	gen             *Generator
	flows           FlowStore
	sessions        *SessionManager
	exchangeTimeout time.Duration
	verifier        *idTokenVerifier
	logger          *slog.Logger
}

// New validates cfg and returns a RelyingParty.
func New(cfg Config) (*RelyingParty, error) {
	if err := cfg.Client.Validate(); err != nil {
		return nil, err
	}
	if cfg.Resolver == nil || cfg.Flows == nil || cfg.Sessions == nil {
		return nil, errors.New("resolver, flow store and session manager are required")
	}
	if cfg.Generator == nil {
		cfg.Generator = NewGenerator(nil)
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	if cfg.MaxIDTokenAge <= 0 {
		cfg.MaxIDTokenAge = DefaultMaxIDTokenAge
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RelyingParty{
		client:          cfg.Client,
		resolver:        cfg.Resolver,
		gen:             cfg.Generator,
		flows:           cfg.Flows,
		sessions:        cfg.Sessions,
		exchangeTimeout: cfg.ExchangeTimeout,
		verifier: &idTokenVerifier{
			resolver:  cfg.Resolver,
			clientID:  cfg.Client.ClientID,
			maxAge:    cfg.MaxIDTokenAge,
			clockSkew: cfg.ClockSkew,
			now:       cfg.Now,
		},
		logger: cfg.Logger,
	}, nil
}

// Sessions returns the session manager the flow hands off to.
func (p *RelyingParty) Sessions() *SessionManager { return p.sessions }

// BeginLogin creates a flow and returns it with the provider authorization URL.
func (p *RelyingParty) BeginLogin(ctx context.Context) (*FlowState, string, error) {
	md, err := p.resolver.Resolve(ctx)
	if err != nil {
		return nil, "", err
	}
	material, err := p.gen.Generate()
	if err != nil {
		return nil, "", err
	}
	flow, err := p.flows.Create(ctx, material)
	if err != nil {
		return nil, "", fmt.Errorf("create flow: %w", err)
	}
	authURL, err := BuildAuthURL(md, p.client, flow)
	if err != nil {
		return nil, "", err
	}
	return flow, authURL, nil
}

// CallbackParams are the query parameters the provider redirects back with.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	ErrorURI         string
}

// ParseCallback extracts callback parameters from a query.
func ParseCallback(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		ErrorURI:         q.Get("error_uri"),
	}
}

// HandleCallback validates the provider callback for flowID and establishes a
// session. Steps run in a fixed order and the first failure ends the attempt;
// the flow is consumed either way.
func (p *RelyingParty) HandleCallback(ctx context.Context, query url.Values, flowID string) (*AuthenticatedSession, error) {
	params := ParseCallback(query)

	flow, err := p.flows.Consume(ctx, flowID)
	if err != nil {
		return nil, err
	}

	if params.State == "" || subtle.ConstantTimeCompare([]byte(params.State), []byte(flow.State)) != 1 {
		return nil, ErrStateMismatch
	}

	if params.Error != "" {
		return nil, &ProviderError{
			Code:        params.Error,
			Description: params.ErrorDescription,
			URI:         params.ErrorURI,
		}
	}
	if params.Code == "" {
		return nil, &TokenExchangeError{Err: errors.New("authorization code missing")}
	}

	tokens, err := p.exchange(ctx, params.Code, flow.CodeVerifier)
	if err != nil {
		return nil, err
	}

	idt, err := p.verifier.verify(ctx, tokens.IDToken, flow.Nonce, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	claims, err := claimsFrom(idt)
	if err != nil {
		return nil, err
	}

	sess, err := p.sessions.create(ctx, tokens, claims)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	p.logger.Info("login completed", "sub", claims.Subject, "iss", claims.Issuer)
	return sess, nil
}

// exchange posts the code and verifier to the token endpoint. It is never retried.
func (p *RelyingParty) exchange(ctx context.Context, code, verifier string) (TokenSet, error) {
	md, err := p.resolver.Resolve(ctx)
	if err != nil {
		return TokenSet{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.exchangeTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.resolver.HTTPClient())

	tok, err := p.client.oauth2Config(md).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return TokenSet{}, exchangeError(err)
	}
	return tokenSetFrom(tok), nil
}

func claimsFrom(idt *oidc.IDToken) (IdentityClaims, error) {
	var profile map[string]any
	if err := idt.Claims(&profile); err != nil {
		return IdentityClaims{}, fmt.Errorf("%w: decode claims: %w", ErrTokenValidation, err)
	}
	for _, k := range []string{"sub", "iss", "aud", "exp", "iat", "nonce"} {
		delete(profile, k)
	}
	return IdentityClaims{
		Subject:  idt.Subject,
		Issuer:   idt.Issuer,
		Audience: idt.Audience,
		Expiry:   idt.Expiry,
		IssuedAt: idt.IssuedAt,
		Nonce:    idt.Nonce,
		Profile:  profile,
	}, nil
}
