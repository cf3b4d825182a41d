package rp

import (
	"errors"
	"fmt"
)

// Sentinel errors for the relying-party flow. Callers match them with errors.Is.
var (
	ErrDiscovery        = errors.New("provider discovery failed")
	ErrConfig           = errors.New("invalid client configuration")
	ErrFlowNotFound     = errors.New("login flow not found")
	ErrFlowExpired      = errors.New("login flow expired")
	ErrAlreadyConsumed  = errors.New("login flow already consumed")
	ErrStateMismatch    = errors.New("state parameter mismatch")
	ErrProvider         = errors.New("provider returned an error")
	ErrTokenExchange    = errors.New("token exchange failed")
	ErrTokenValidation  = errors.New("id token validation failed")
	ErrIdentityMismatch = errors.New("userinfo subject does not match id token subject")
)

// ProviderError carries the error reported by the provider on the callback.
type ProviderError struct {
	Code        string
	Description string
	URI         string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("provider error: %s", e.Code)
	}
	return fmt.Sprintf("provider error: %s: %s", e.Code, e.Description)
}

// Unwrap lets errors.Is(err, ErrProvider) match.
func (e *ProviderError) Unwrap() error { return ErrProvider }

// TokenExchangeError describes a failed POST to the token endpoint.
// Body holds the provider's error response, truncated.
type TokenExchangeError struct {
	StatusCode  int
	Code        string
	Description string
	Body        string
	Err         error
}

func (e *TokenExchangeError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("token exchange failed: status %d: %s: %s", e.StatusCode, e.Code, e.Description)
	case e.StatusCode != 0:
		return fmt.Sprintf("token exchange failed: status %d: %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("token exchange failed: %v", e.Err)
	default:
		return ErrTokenExchange.Error()
	}
}

func (e *TokenExchangeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTokenExchange}
	}
	return []error{ErrTokenExchange, e.Err}
}

// ErrorKind maps an error to the short kind reported to HTTP clients and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDiscovery):
		return "discovery_error"
	case errors.Is(err, ErrConfig):
		return "config_error"
	case errors.Is(err, ErrFlowNotFound):
		return "flow_not_found"
	case errors.Is(err, ErrFlowExpired):
		return "flow_expired"
	case errors.Is(err, ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, ErrStateMismatch):
		return "state_mismatch"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	case errors.Is(err, ErrTokenExchange):
		return "token_exchange_error"
	case errors.Is(err, ErrTokenValidation):
		return "token_validation_error"
	case errors.Is(err, ErrIdentityMismatch):
		return "identity_mismatch"
	default:
		return "server_error"
	}
}
