package rp

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v3"
)

// resolverKeySet verifies JWS signatures against the resolver's cached keys.
// An unknown kid triggers one rate-limited key refresh before giving up.
// go-oidc flattens key set errors into strings, so the last resolver failure
// is kept in err for the caller to inspect.
type resolverKeySet struct {
	resolver *Resolver
	err      error
}

func (k *resolverKeySet) VerifySignature(ctx context.Context, raw string) ([]byte, error) {
	jws, err := jose.ParseSigned(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed jwt: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, errors.New("jwt must carry exactly one signature")
	}
	kid := jws.Signatures[0].Header.KeyID

	md, err := k.resolver.Resolve(ctx)
	if err != nil {
		k.err = err
		return nil, err
	}
	if payload, ok := verifyWithSet(jws, md.Keys, kid); ok {
		return payload, nil
	}

	md, err = k.resolver.RefreshKeys(ctx)
	if err != nil {
		k.err = err
		return nil, err
	}
	if payload, ok := verifyWithSet(jws, md.Keys, kid); ok {
		return payload, nil
	}
	return nil, errors.New("no provider key verifies the signature")
}

func verifyWithSet(jws *jose.JSONWebSignature, set jose.JSONWebKeySet, kid string) ([]byte, bool) {
	candidates := set.Keys
	if kid != "" {
		candidates = set.Key(kid)
	}
	for _, key := range candidates {
		if key.Use != "" && key.Use != "sig" {
			continue
		}
		if payload, err := jws.Verify(key.Public()); err == nil {
			return payload, true
		}
	}
	return nil, false
}
