package rp

import (
	"errors"
	"fmt"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Client authentication methods at the token endpoint.
const (
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodNone              = "none"
)

// ClientConfig is this application's registration at the provider.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	AuthMethod   string
	RedirectURI  string
	Scopes       []string
}

// Validate reports missing client settings as ErrConfig.
func (c ClientConfig) Validate() error {
	switch {
	case c.ClientID == "":
		return fmt.Errorf("%w: client id required", ErrConfig)
	case c.RedirectURI == "":
		return fmt.Errorf("%w: redirect uri required", ErrConfig)
	}
	switch c.authMethod() {
	case AuthMethodClientSecretPost, AuthMethodClientSecretBasic:
		if c.ClientSecret == "" {
			return fmt.Errorf("%w: client secret required for %s", ErrConfig, c.authMethod())
		}
	case AuthMethodNone:
	default:
		return fmt.Errorf("%w: unsupported auth method %q", ErrConfig, c.AuthMethod)
	}
	return nil
}

func (c ClientConfig) authMethod() string {
	if c.AuthMethod == "" {
		return AuthMethodClientSecretPost
	}
	return c.AuthMethod
}

// scopes returns the configured scopes with openid guaranteed first.
func (c ClientConfig) scopes() []string {
	out := []string{oidc.ScopeOpenID}
	for _, s := range c.Scopes {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// oauth2Config maps the client onto x/oauth2 using the discovered endpoints.
func (c ClientConfig) oauth2Config(md *ProviderMetadata) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	secret := c.ClientSecret
	switch c.authMethod() {
	case AuthMethodClientSecretBasic:
		style = oauth2.AuthStyleInHeader
	case AuthMethodNone:
		secret = ""
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: secret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   md.AuthorizationEndpoint,
			TokenURL:  md.TokenEndpoint,
			AuthStyle: style,
		},
	}
}

// BuildAuthURL returns the provider authorization URL for flow. It has no side effects.
func BuildAuthURL(md *ProviderMetadata, client ClientConfig, flow *FlowState) (string, error) {
	if err := client.Validate(); err != nil {
		return "", err
	}
	if md == nil || md.AuthorizationEndpoint == "" {
		return "", fmt.Errorf("%w: authorization endpoint unknown", ErrDiscovery)
	}
	if flow == nil || flow.CodeVerifier == "" || flow.State == "" || flow.Nonce == "" {
		return "", errors.New("flow state incomplete")
	}
	return client.oauth2Config(md).AuthCodeURL(flow.State,
		oauth2.S256ChallengeOption(flow.CodeVerifier),
		oauth2.SetAuthURLParam("nonce", flow.Nonce),
	), nil
}
