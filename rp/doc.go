// Package rp implements an OpenID Connect relying party for the authorization
// code flow with PKCE.
//
// A login starts with RelyingParty.BeginLogin, which generates fresh verifier,
// state and nonce values, stores them in a FlowStore under an unguessable flow
// ID and returns the provider authorization URL. The provider redirects back
// to the application, which passes the query and flow ID to
// RelyingParty.HandleCallback. The callback consumes the flow exactly once,
// checks state, exchanges the code, verifies the ID token and hands the result
// to the SessionManager.
//
// Provider discovery documents and signing keys are cached by a Resolver.
package rp
