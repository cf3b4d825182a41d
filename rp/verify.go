package rp

import (
	"context"
	"crypto/subtle"
	"fmt"
	"slices"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

const (
	// DefaultMaxIDTokenAge rejects ID tokens issued longer ago than this.
	DefaultMaxIDTokenAge = 10 * time.Minute
	// DefaultClockSkew tolerates provider clocks running slightly ahead.
	DefaultClockSkew = time.Minute
)

// idTokenVerifier checks ID token signature, iss, aud, exp, iat, azp and nonce.
type idTokenVerifier struct {
	resolver  *Resolver
	clientID  string
	maxAge    time.Duration
	clockSkew time.Duration
	now       func() time.Time
}

// verify validates raw. expectedNonce is compared when non-empty; callback
// verification always passes one.
func (v *idTokenVerifier) verify(ctx context.Context, raw, expectedNonce, accessToken string) (*oidc.IDToken, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: id_token missing from token response", ErrTokenValidation)
	}
	md, err := v.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	keys := &resolverKeySet{resolver: v.resolver}
	verifier := oidc.NewVerifier(md.Issuer, keys, &oidc.Config{
		ClientID: v.clientID,
		Now:      v.now,
	})
	token, err := verifier.Verify(ctx, raw)
	if err != nil {
		if keys.err != nil {
			return nil, keys.err
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenValidation, err)
	}

	now := v.now()
	if token.IssuedAt.IsZero() {
		return nil, fmt.Errorf("%w: iat missing", ErrTokenValidation)
	}
	if token.IssuedAt.After(now.Add(v.clockSkew)) {
		return nil, fmt.Errorf("%w: iat is in the future", ErrTokenValidation)
	}
	if now.Sub(token.IssuedAt) > v.maxAge+v.clockSkew {
		return nil, fmt.Errorf("%w: iat too old", ErrTokenValidation)
	}

	if len(token.Audience) > 1 {
		var claims struct {
			AuthorizedParty string `json:"azp"`
		}
		if err := token.Claims(&claims); err != nil {
			return nil, fmt.Errorf("%w: decode claims: %w", ErrTokenValidation, err)
		}
		if claims.AuthorizedParty != v.clientID {
			return nil, fmt.Errorf("%w: azp does not match client", ErrTokenValidation)
		}
	}
	if !slices.Contains(token.Audience, v.clientID) {
		return nil, fmt.Errorf("%w: audience does not include client", ErrTokenValidation)
	}

	if expectedNonce != "" {
		if token.Nonce == "" {
			return nil, fmt.Errorf("%w: nonce missing", ErrTokenValidation)
		}
		if subtle.ConstantTimeCompare([]byte(token.Nonce), []byte(expectedNonce)) != 1 {
			return nil, fmt.Errorf("%w: nonce mismatch", ErrTokenValidation)
		}
	}

	if token.AccessTokenHash != "" && accessToken != "" {
		if err := token.VerifyAccessToken(accessToken); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTokenValidation, err)
		}
	}
	return token, nil
}
