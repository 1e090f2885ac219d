// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authnz

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/hashicorp/authnz/jwt"
	"github.com/hashicorp/authnz/oidc"
	"golang.org/x/oauth2"
)

var (
	// ErrConfiguration means a ProviderConfig is malformed or incomplete.  It
	// is only returned while loading configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrPolicyRejection means the request was refused by local policy, for
	// example an idp hint that isn't allowed or a disabled IdP logout.
	ErrPolicyRejection = errors.New("policy rejection")

	// ErrProtocolValidation means a state, nonce, signature, audience, issuer
	// or expiry check failed.
	ErrProtocolValidation = errors.New("protocol validation failure")

	// ErrAccountConflict means the resolved identity collides with an
	// existing local account and linking isn't permitted.
	ErrAccountConflict = errors.New("account conflict")

	// ErrTransientProvider means the provider timed out or answered with a
	// server error.  It is never retried internally.
	ErrTransientProvider = errors.New("transient provider error")

	// ErrDataIntegrity means more than one credential exists for a (user,
	// provider) pair.
	ErrDataIntegrity = errors.New("data integrity anomaly")

	ErrProviderNotFound    = errors.New("provider not found")
	ErrInvalidRefreshToken = errors.New("invalid or missing refresh token")
	ErrUserNotFound        = errors.New("user not found")
	ErrNotSupported        = errors.New("not supported")
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrNilParameter        = errors.New("nil parameter")
)

// AuthenticationFailed carries a message meant for the end user.  It's
// returned for account conflicts so that the web layer can render Msg instead
// of a generic failure.
type AuthenticationFailed struct {
	Msg string
	Err error
}

// Error implements the error interface.
func (e *AuthenticationFailed) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Msg, e.Err)
}

// Unwrap returns the underlying error.
func (e *AuthenticationFailed) Unwrap() error { return e.Err }

func newAccountConflict(msg string) error {
	return &AuthenticationFailed{Msg: msg, Err: ErrAccountConflict}
}

// protocolSentinels are the oidc and jwt errors which mean a provider
// assertion failed validation.
var protocolSentinels = []error{
	oidc.ErrInvalidResponseState,
	oidc.ErrExpiredRequest,
	oidc.ErrInvalidNonce,
	oidc.ErrInvalidSignature,
	oidc.ErrInvalidAudience,
	oidc.ErrInvalidAuthorizedParty,
	oidc.ErrInvalidIssuer,
	oidc.ErrInvalidSubject,
	oidc.ErrExpiredToken,
	oidc.ErrInvalidNotBefore,
	oidc.ErrInvalidIssuedAt,
	oidc.ErrUnsupportedAlg,
	oidc.ErrMalformedToken,
	oidc.ErrMissingIDToken,
	oidc.ErrMissingAccessToken,
	oidc.ErrInvalidJWKs,
	jwt.ErrInvalidSignature,
	jwt.ErrMalformedToken,
	jwt.ErrUnexpectedAlg,
	jwt.ErrInvalidIssuer,
	jwt.ErrInvalidAudience,
	jwt.ErrExpired,
	jwt.ErrNotYetValid,
	jwt.ErrIssuedInFuture,
	jwt.ErrMissingTimes,
}

// classify maps an error from a provider interaction onto the taxonomy.
// Errors which are already classified are returned unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProtocolValidation),
		errors.Is(err, ErrTransientProvider),
		errors.Is(err, ErrPolicyRejection),
		errors.Is(err, ErrAccountConflict),
		errors.Is(err, ErrDataIntegrity),
		errors.Is(err, ErrInvalidRefreshToken),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrNotSupported),
		errors.Is(err, ErrConfiguration):
		return err
	}
	for _, s := range protocolSentinels {
		if errors.Is(err, s) {
			return fmt.Errorf("%w: %w", ErrProtocolValidation, err)
		}
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode >= 500 {
		return fmt.Errorf("%w: %w", ErrTransientProvider, err)
	}
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr),
		errors.As(err, &urlErr):
		return fmt.Errorf("%w: %w", ErrTransientProvider, err)
	}
	return err
}

// isRejectedGrant reports whether the provider refused a token request with
// a client error such as invalid_grant.
func isRejectedGrant(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode >= 400 && re.Response.StatusCode < 500
	}
	return false
}
