// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Request basically represents one OIDC authentication flow for a user. It
// contains the data needed to uniquely represent that one-time flow across the
// multiple interactions needed to complete the OIDC flow the user is
// attempting.
//
// Request() is passed throughout the OIDC interactions to uniquely identify the
// flow's Request. The Request.State() and Request.Nonce() cannot be equal, and
// will be used during the OIDC flow to prevent CSRF and replay attacks (see the
// OpenID Connect Core 1.0 for specifics).
type Request interface {
	// State is a unique identifier and an opaque value used to maintain request
	// between the oidc request and the callback. State cannot equal the Nonce.
	// See https://openid.net/specs/openid-connect-core-1_0.html#AuthRequest.
	State() string

	// Nonce is a unique nonce and a string value used to associate a Client
	// session with an ID Token, and to mitigate replay attacks. Nonce cannot
	// equal the ID.
	// See https://openid.net/specs/openid-connect-core-1_0.html#AuthRequest
	// and https://openid.net/specs/openid-connect-core-1_0.html#NonceNotes.
	Nonce() string

	// IsExpired returns true if the request has expired. Implementations should
	// support a time skew (perhaps RequestExpirySkew) when checking expiration.
	IsExpired() bool

	// RedirectURL is a URL where providers will redirect responses to
	// authentication requests.
	RedirectURL() string

	// Audiences is an specific authentication attempt's list of optional
	// case-sensitive strings to use when verifying an id_token's "aud" claim
	// (which is also a list). If provided, the audiences of an id_token must
	// match one of the configured audiences.  If a Request does not have
	// audiences, then the configured list of default audiences will be used.
	Audiences() []string

	// Scopes is a specific authentication attempt's list of optional
	// scopes to request of the provider. The required "oidc" scope is requested
	// by default, and does not need to be part of this optional list. If a
	// Request does not have Scopes, then the configured list of default
	// requested scopes will be used.
	Scopes() []string

	// PKCEVerifier defines an optional code verifier for the request. When
	// nil the authorization code flow is performed without PKCE.
	// See: https://tools.ietf.org/html/rfc7636
	PKCEVerifier() CodeVerifier

	// AuthParams are additional, provider specific, parameters added to the
	// authorization URL (for example: kc_idp_hint or access_type).
	AuthParams() map[string]string

	// OptionalNonce reports whether an id_token without a nonce claim is
	// accepted. A present nonce claim must still match Nonce().
	OptionalNonce() bool
}

// Req represents the oidc request used for oidc flows and implements the Request interface.
type Req struct {
	//	state is a unique identifier and an opaque value used to maintain request
	//	between the oidc request and the callback.
	state string

	// nonce is a unique nonce and suitable for use as an oidc nonce.
	nonce string

	// Expiration is the expiration time for the Request.
	expiration time.Time

	// redirectURL is a URL where providers will redirect responses to
	// authentication requests.
	redirectURL string

	// scopes is a specific authentication attempt's list of optional
	// scopes to request of the provider.
	scopes []string

	// audiences is an specific authentication attempt's list of optional
	// case-sensitive strings to use when verifying an id_token's "aud" claim
	audiences []string

	// nowFunc is an optional function that returns the current time
	nowFunc func() time.Time

	withVerifier      CodeVerifier
	withAuthParams    map[string]string
	withOptionalNonce bool
}

// ensure that Request implements the Request interface.
var _ Request = (*Req)(nil)

// NewRequest creates a new Request (*Req).
//
//	Supports the options:
//	* WithState
//	* WithNonce
//	* WithNow
//	* WithAudiences
//	* WithScopes
//	* WithPKCE
//	* WithAuthParams
//	* WithOptionalNonce
func NewRequest(expireIn time.Duration, redirectURL string, opt ...Option) (*Req, error) {
	const op = "oidc.NewRequest"
	opts := getReqOpts(opt...)
	if redirectURL == "" {
		return nil, fmt.Errorf("%s: redirect URL is empty: %w", op, ErrInvalidParameter)
	}
	if expireIn <= 0 {
		return nil, fmt.Errorf("%s: expireIn not greater than zero: %w", op, ErrInvalidParameter)
	}
	nonce := opts.withNonce
	if nonce == "" {
		var err error
		if nonce, err = NewID(WithPrefix("n")); err != nil {
			return nil, fmt.Errorf("%s: unable to generate a request's nonce: %w", op, err)
		}
	}
	state := opts.withState
	if state == "" {
		var err error
		if state, err = NewID(WithPrefix("st")); err != nil {
			return nil, fmt.Errorf("%s: unable to generate a request's state: %w", op, err)
		}
	}
	if state == nonce {
		return nil, fmt.Errorf("%s: state and nonce cannot be equal: %w", op, ErrInvalidParameter)
	}
	r := &Req{
		state:             state,
		nonce:             nonce,
		redirectURL:       redirectURL,
		nowFunc:           opts.withNowFunc,
		audiences:         opts.withAudiences,
		withVerifier:      opts.withVerifier,
		withAuthParams:    opts.withAuthParams,
		withOptionalNonce: opts.withOptionalNonce,
	}
	r.expiration = r.now().Add(expireIn)
	if len(opts.withScopes) > 0 {
		r.scopes = append([]string{oidc.ScopeOpenID}, opts.withScopes...)
	}
	return r, nil
}

// State implements the Request.State() interface function.
func (r *Req) State() string { return r.state }

// Nonce implements the Request.Nonce() interface function.
func (r *Req) Nonce() string { return r.nonce }

// Audiences implements the Request.Audiences() interface function and returns a
// copy of the audiences.
func (r *Req) Audiences() []string {
	if r.audiences == nil {
		return nil
	}
	cp := make([]string, len(r.audiences))
	copy(cp, r.audiences)
	return cp
}

// Scopes implements the Request.Scopes() interface function and returns a copy of
// the scopes.
func (r *Req) Scopes() []string {
	if r.scopes == nil {
		return nil
	}
	cp := make([]string, len(r.scopes))
	copy(cp, r.scopes)
	return cp
}

// RedirectURL implements the Request.RedirectURL() interface function.
func (r *Req) RedirectURL() string { return r.redirectURL }

// PKCEVerifier implements the Request.PKCEVerifier() interface function.
func (r *Req) PKCEVerifier() CodeVerifier { return r.withVerifier }

// AuthParams implements the Request.AuthParams() interface function and
// returns a copy of the params.
func (r *Req) AuthParams() map[string]string {
	if r.withAuthParams == nil {
		return nil
	}
	cp := make(map[string]string, len(r.withAuthParams))
	for k, v := range r.withAuthParams {
		cp[k] = v
	}
	return cp
}

// OptionalNonce implements the Request.OptionalNonce() interface function.
func (r *Req) OptionalNonce() bool { return r.withOptionalNonce }

// RequestExpirySkew defines a time skew when checking a Request's
// expiration.
const RequestExpirySkew = 1 * time.Second

// IsExpired returns true if the request has expired.
func (r *Req) IsExpired() bool {
	return r.expiration.Before(r.now().Add(RequestExpirySkew))
}

// now returns the current time using the optional timeFn
func (r *Req) now() time.Time {
	if r.nowFunc != nil {
		return r.nowFunc()
	}
	return time.Now() // fallback to this default
}

type reqOptions struct {
	withNowFunc       func() time.Time
	withScopes        []string
	withAudiences     []string
	withState         string
	withNonce         string
	withVerifier      CodeVerifier
	withAuthParams    map[string]string
	withOptionalNonce bool
}

// reqDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func reqDefaults() reqOptions {
	return reqOptions{}
}

// getReqOpts gets the request defaults and applies the opt overrides passed in
func getReqOpts(opt ...Option) reqOptions {
	opts := reqDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithState optionally specifies a value to use for the request's state.
// Typically, state is a random string value (NewID()) to prevent CSRF.  If
// not specified NewRequest will generate one.
//
// Option is valid for: Request
func WithState(s string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withState = s
		}
	}
}

// WithNonce optionally specifies a value to use for the request's nonce.
// Typically, nonce is a random string value (NewID()) to prevent replay
// attacks. If not specified NewRequest will generate one.
//
// Option is valid for: Request
func WithNonce(n string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withNonce = n
		}
	}
}

// WithPKCE provides an option to use a CodeVerifier with the authorization
// code flow with PKCE.
//
// Option is valid for: Request
//
// See: https://tools.ietf.org/html/rfc7636
func WithPKCE(v CodeVerifier) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withVerifier = v
		}
	}
}

// WithAuthParams provides additional parameters for the authorization URL.
//
// Option is valid for: Request
func WithAuthParams(params map[string]string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withAuthParams = params
		}
	}
}

// WithOptionalNonce accepts id_tokens which carry no nonce claim.
//
// Option is valid for: Request
func WithOptionalNonce() Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withOptionalNonce = true
		}
	}
}
