// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authnz

import (
	"context"
)

// Adapter drives one provider family's login flow.  Every adapter supports
// the methods of this interface.  The optional capabilities are exposed via
// Refresher, AccessTokenDecoder and UserCreator.
type Adapter interface {
	// Name of the provider instance.
	Name() string

	Kind() Kind

	// Authenticate returns the provider's authorization URL and stores the
	// state of the attempt in tx's cookies.
	Authenticate(ctx context.Context, tx Transaction, idpHint string) (string, error)

	// Callback completes the login attempt started by Authenticate.
	Callback(ctx context.Context, tx Transaction, req CallbackRequest) (*CallbackResult, error)

	// Disconnect removes the user's credential for this provider and returns
	// the URL to redirect to.
	Disconnect(ctx context.Context, tx Transaction, req DisconnectRequest) (string, error)

	// Logout returns the provider's RP-initiated logout URL.
	Logout(ctx context.Context, tx Transaction, postLogoutURL string) (string, error)

	// Done releases the adapter's resources.
	Done()
}

// Refresher is implemented by adapters which can refresh a credential.  It
// returns true when the credential was refreshed.
type Refresher interface {
	Refresh(ctx context.Context, tx Transaction, c *DelegatedCredential) (bool, error)
}

// AccessTokenDecoder is implemented by adapters which can validate bearer
// access tokens.
//
// A token issued by a different provider yields (nil, nil, nil).  A valid
// token whose subject isn't linked to a local user yields (nil, claims, nil).
// Any other validation failure is returned as an error.
type AccessTokenDecoder interface {
	DecodeAccessToken(ctx context.Context, tx Transaction, token string) (*User, map[string]interface{}, error)
}

// UserCreator is implemented by adapters which can complete a login that
// was waiting for the user to confirm account creation.
type UserCreator interface {
	CreateUser(ctx context.Context, tx Transaction, pendingID string) (*CallbackResult, error)
}

// CallbackRequest holds the parameters of a provider callback.
type CallbackRequest struct {
	State string
	Code  string

	// LoginRedirectURL is where the browser goes after a successful login.
	LoginRedirectURL string

	IDPHint string

	// AutoLink permits linking the identity to an existing local user with
	// the same email when nobody is logged in.
	AutoLink bool
}

// CallbackResult is the outcome of a successful callback.
type CallbackResult struct {
	RedirectURL string

	// User is nil when the login is waiting for the user to confirm account
	// creation.  RedirectURL then points at the confirmation page.
	User *User

	Credential *DelegatedCredential
	Identity   *ResolvedIdentity
}

// DisconnectRequest holds the parameters of a disconnect.
type DisconnectRequest struct {
	// Subject selects the credential to remove.  When empty the session
	// user's credential for the provider is removed.
	Subject string

	RedirectURL string
}

// AdapterFactory builds an adapter from a validated config.  WithLogger and
// WithNow are passed to every factory.
type AdapterFactory func(c *ProviderConfig, opt ...Option) (Adapter, error)

// DefaultFactories returns the factories of the provider families shipped in
// this package.
func DefaultFactories() map[Kind]AdapterFactory {
	return map[Kind]AdapterFactory{
		KindOIDC:     func(c *ProviderConfig, opt ...Option) (Adapter, error) { return NewGenericOIDCAdapter(c, opt...) },
		KindKeycloak: func(c *ProviderConfig, opt ...Option) (Adapter, error) { return NewKeycloakAdapter(c, opt...) },
		KindLegacy:   func(c *ProviderConfig, opt ...Option) (Adapter, error) { return NewLegacyAdapter(c, opt...) },
	}
}
