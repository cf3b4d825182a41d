package rp

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/oauth2"
)

const (
	// secretBytes is the number of random bytes behind verifier, state, nonce
	// and flow/session identifiers. 32 bytes encode to 43 base64url characters,
	// the minimum verifier length RFC 7636 allows.
	secretBytes = 32

	// ChallengeMethodS256 is the only PKCE method this package emits.
	ChallengeMethodS256 = "S256"
)

// Material is the per-flow cryptographic material produced by a Generator.
type Material struct {
	Verifier  string
	Challenge string
	State     string
	Nonce     string
}

// Generator produces PKCE, state and nonce values from a random source.
type Generator struct {
	rand io.Reader
}

// NewGenerator returns a generator reading from r. A nil reader selects crypto/rand.
// Production callers must pass nil; tests pass a seeded source.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r}
}

// Generate returns fresh verifier, challenge, state and nonce values.
func (g *Generator) Generate() (Material, error) {
	verifier, err := g.token()
	if err != nil {
		return Material{}, fmt.Errorf("generate verifier: %w", err)
	}
	state, err := g.token()
	if err != nil {
		return Material{}, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := g.token()
	if err != nil {
		return Material{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Material{
		Verifier:  verifier,
		Challenge: S256Challenge(verifier),
		State:     state,
		Nonce:     nonce,
	}, nil
}

// NewID returns an opaque identifier suitable for flow and session keys.
func (g *Generator) NewID() (string, error) {
	return g.token()
}

func (g *Generator) token() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// S256Challenge derives the PKCE challenge: base64url(sha256(verifier)) without padding.
func S256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
