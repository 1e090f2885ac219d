// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/authnz/oidc/internal/strutils"
	"golang.org/x/oauth2"
)

// Provider provides integration with an OIDC provider.
// It's primary capabilities include:
//   - Kicking off a user authentication via either the authorization code flow
//     (with optional PKCE)
//   - The authorization code flow (with optional PKCE) exchange
//   - Verifying an id_token issued by a provider
//   - Refreshing the tokens of an authenticated user
//   - Retrieving a user's OAuth claims from the provider's UserInfo endpoint
type Provider struct {
	config   *Config
	provider *oidc.Provider

	// client uses a pooled transport that uses the config's ProviderCA if
	// provided, otherwise it will use the installed system CA chain.  This
	// client's idle connections are closed in Provider.Done()
	client *http.Client

	mu sync.Mutex

	// backgroundCtx is the context used by the provider for background
	// activities like: refreshing JWKs Key sets, refreshing tokens, etc
	backgroundCtx context.Context

	// backgroundCtxCancel is used to cancel any background activities running
	// in spawned go routines.
	backgroundCtxCancel context.CancelFunc
}

// NewProvider creates and initializes a Provider.  Intializing the provider,
// includes making an http request to the provider's issuer.
//
// See Provider.Done() which must be called to release provider resources.
func NewProvider(c *Config) (*Provider, error) {
	const op = "NewProvider"
	if c == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: provider config is invalid: %w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	// initializing the Provider with it's background ctx/cancel will
	// allow us to use p.Stop() to release any resources when returning errors
	// from this function.
	p := &Provider{
		config:              c,
		backgroundCtx:       ctx,
		backgroundCtxCancel: cancel,
	}
	oidcCtx, err := p.HTTPClientContext(p.backgroundCtx)
	if err != nil {
		p.Done() // release the backgroundCtxCancel resources
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}

	provider, err := oidc.NewProvider(oidcCtx, c.Issuer) // makes http req to issuer for discovery
	if err != nil {
		p.Done() // release the backgroundCtxCancel resources
		// we don't know what's causing the problem, so we won't classify the
		// error with a Kind
		return nil, fmt.Errorf("%s: unable to create provider: %w", op, err)
	}
	p.provider = provider

	return p, nil
}

// Done with the provider's background resources and must be called for every
// Provider created
func (p *Provider) Done() {
	// checking for nil here prevents a panic when developers neglect to check
	// the for an error before deferring a call to p.Done():
	// p, err := NewProvider(...)
	// defer p.Done()
	// if err != nil { ... }
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backgroundCtxCancel != nil {
		p.backgroundCtxCancel()
		p.backgroundCtxCancel = nil
	}

	// release the http.Client's pooled connections
	if p.client != nil {
		p.client.CloseIdleConnections()
	}
}

// Config returns the provider's configuration.
func (p *Provider) Config() *Config { return p.config }

// AuthURL will generate a URL the caller can use to kick off an OIDC
// authorization code (with optional PKCE) flow with an IdP.
//
// See NewRequest() to create an oidc flow Request with a valid state and Nonce
// that will uniquely identify the user's authentication attempt throughout the
// flow.
func (p *Provider) AuthURL(ctx context.Context, oidcRequest Request) (string, error) {
	const op = "Provider.AuthURL"
	if oidcRequest == nil {
		return "", fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if oidcRequest.State() == oidcRequest.Nonce() {
		return "", fmt.Errorf("%s: request id and nonce cannot be equal: %w", op, ErrInvalidParameter)
	}
	withRedirect := oidcRequest.RedirectURL()
	if withRedirect == "" {
		return "", fmt.Errorf("%s: request redirect URL is empty: %w", op, ErrInvalidParameter)
	}
	if err := p.validRedirect(withRedirect); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	oauth2Config := oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: string(p.config.ClientSecret),
		RedirectURL:  withRedirect,
		Endpoint:     p.provider.Endpoint(),
		Scopes:       p.scopes(oidcRequest),
	}
	authCodeOpts := []oauth2.AuthCodeOption{
		oidc.Nonce(oidcRequest.Nonce()),
	}
	if v := oidcRequest.PKCEVerifier(); v != nil {
		authCodeOpts = append(authCodeOpts,
			oauth2.SetAuthURLParam("code_challenge", v.Challenge()),
			oauth2.SetAuthURLParam("code_challenge_method", string(v.Method())),
		)
	}
	for k, v := range oidcRequest.AuthParams() {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam(k, v))
	}
	return oauth2Config.AuthCodeURL(oidcRequest.State(), authCodeOpts...), nil
}

// Exchange will request a token from the oidc token endpoint, using the
// authorizationCode and authorizationState it received in an earlier successful
// oidc authentication response.
//
// Exchange will use PKCE when the user's oidc Request specifies its use.
//
// It will also validate the authorizationState it receives against the
// existing Request for the user's oidc authentication flow.
//
// On success, the Token returned will include an IDToken and may
// include an AccessToken and RefreshToken.
func (p *Provider) Exchange(ctx context.Context, oidcRequest Request, authorizationState string, authorizationCode string) (*Tk, error) {
	const op = "Provider.Exchange"
	if p.config == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	if oidcRequest == nil {
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if authorizationCode == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	}
	if oidcRequest.State() != authorizationState {
		return nil, fmt.Errorf("%s: authentication request state and authorization state are not equal: %w", op, ErrInvalidResponseState)
	}
	if oidcRequest.IsExpired() {
		return nil, fmt.Errorf("%s: authentication request is expired: %w", op, ErrExpiredRequest)
	}
	if err := p.validRedirect(oidcRequest.RedirectURL()); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	oidcCtx, err := p.HTTPClientContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	var oauth2Config = oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: string(p.config.ClientSecret),
		RedirectURL:  oidcRequest.RedirectURL(),
		Endpoint:     p.provider.Endpoint(),
		Scopes:       p.scopes(oidcRequest),
	}
	var authCodeOpts []oauth2.AuthCodeOption
	if v := oidcRequest.PKCEVerifier(); v != nil {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam("code_verifier", v.Verifier()))
	}
	oauth2Token, err := oauth2Config.Exchange(oidcCtx, authorizationCode, authCodeOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to exchange auth code with provider: %w", op, p.convertError(err))
	}

	idToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok || idToken == "" {
		return nil, fmt.Errorf("%s: id_token is missing from auth code exchange: %w", op, ErrMissingIDToken)
	}
	if oauth2Token.AccessToken == "" {
		return nil, fmt.Errorf("%s: access_token is missing from auth code exchange: %w", op, ErrMissingAccessToken)
	}
	t, err := NewToken(IDToken(idToken), oauth2Token, WithNow(p.config.NowFunc))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create new id_token: %w", op, err)
	}
	verified, err := p.verifyIDToken(ctx, t.IDToken(), oidcRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: id_token failed verification: %w", op, err)
	}
	if verified.AccessTokenHash != "" {
		if err := verified.VerifyAccessToken(oauth2Token.AccessToken); err != nil {
			return nil, fmt.Errorf("%s: access_token hash does not match value in id_token: %w", op, ErrInvalidSignature)
		}
	}
	return t, nil
}

// RefreshToken exchanges the refresh_token for a new set of tokens. When
// the provider returns a new id_token it's verified, but its nonce isn't
// checked since refresh responses aren't bound to an authentication request.
func (p *Provider) RefreshToken(ctx context.Context, rt RefreshToken) (*Tk, error) {
	const op = "Provider.RefreshToken"
	if rt == "" {
		return nil, fmt.Errorf("%s: refresh token is empty: %w", op, ErrInvalidParameter)
	}
	oidcCtx, err := p.HTTPClientContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	oauth2Config := oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: string(p.config.ClientSecret),
		Endpoint:     p.provider.Endpoint(),
	}
	// an empty access_token forces the token source to refresh
	oauth2Token, err := oauth2Config.TokenSource(oidcCtx, &oauth2.Token{RefreshToken: string(rt)}).Token()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to refresh token with provider: %w", op, err)
	}
	if oauth2Token.RefreshToken == "" {
		// providers may omit the refresh_token when it wasn't rotated
		oauth2Token.RefreshToken = string(rt)
	}
	idToken, _ := oauth2Token.Extra("id_token").(string)
	if idToken == "" {
		return newAccessOnlyToken(oauth2Token, WithNow(p.config.NowFunc)), nil
	}
	if _, err := p.verifyIDToken(ctx, IDToken(idToken), nil); err != nil {
		return nil, fmt.Errorf("%s: refreshed id_token failed verification: %w", op, err)
	}
	return NewToken(IDToken(idToken), oauth2Token, WithNow(p.config.NowFunc))
}

// UserInfo gets the UserInfo claims from the provider using the token produced
// by the tokenSource.  Only JSON user info responses are supported (signed JWT
// responses are not).  The WithAudiences option is supported to specify
// optional audiences to verify when the aud claim is present in the response.
//
// It verifies:
//   - sub (sub) is required and must match
//   - issuer (iss) - if the iss claim is included in returned claims
//   - audiences (aud) - if the aud claim is included in returned claims and
//     WithAudiences option is provided.
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#UserInfoResponse
func (p *Provider) UserInfo(ctx context.Context, tokenSource oauth2.TokenSource, validSubject string, claims interface{}, opt ...Option) error {
	const op = "Provider.UserInfo"
	opts := getUserInfoOpts(opt...)

	if tokenSource == nil {
		return fmt.Errorf("%s: token source is nil: %w", op, ErrNilParameter)
	}
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	if validSubject == "" {
		return fmt.Errorf("%s: valid subject is empty: %w", op, ErrInvalidParameter)
	}

	oidcCtx, err := p.HTTPClientContext(ctx)
	if err != nil {
		return fmt.Errorf("%s: unable to create http client: %w", op, err)
	}

	userinfo, err := p.provider.UserInfo(oidcCtx, tokenSource)
	if err != nil {
		return fmt.Errorf("%s: provider UserInfo request failed: %w", op, p.convertError(err))
	}
	type verifyClaims struct {
		Sub string
		Iss string
		Aud []string
	}
	var vc verifyClaims
	if err := userinfo.Claims(&vc); err != nil {
		// claims may carry a single string aud, so fall back to the
		// required fields only
		var minimal struct {
			Sub string
			Iss string
		}
		if err := userinfo.Claims(&minimal); err != nil {
			return fmt.Errorf("%s: failed to parse claims for UserInfo verification: %w", op, err)
		}
		vc.Sub, vc.Iss = minimal.Sub, minimal.Iss
	}
	switch {
	case validSubject != vc.Sub:
		return fmt.Errorf("%s: %w", op, ErrInvalidSubject)
	case vc.Iss != "" && vc.Iss != p.config.Issuer:
		return fmt.Errorf("%s: %w", op, ErrInvalidIssuer)
	case len(vc.Aud) > 0 && len(opts.withAudiences) > 0:
		if !strutils.StrListContainsAny(vc.Aud, opts.withAudiences...) {
			return fmt.Errorf("%s: %w", op, ErrInvalidAudience)
		}
	}
	if err := userinfo.Claims(claims); err != nil {
		return fmt.Errorf("%s: failed to get UserInfo claims: %w", op, err)
	}
	return nil
}

// VerifyIDToken will verify the inbound IDToken and return its claims.
//
// It verifies:
//   - signature (including if a supported signing algorithm was used)
//   - issuer (iss)
//   - expiration (exp)
//   - issued at (iat) (with a leeway of 1 min)
//   - not before (nbf) (with a leeway of 1 min)
//   - nonce (nonce), which may be absent when oidcRequest.OptionalNonce()
//   - audience (aud) contains all audiences required from the provider's config
//   - when there are multiple audiences (aud), then one of them must equal
//     the client_id
//   - when present, the authorized party (azp) must equal the client id
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#IDTokenValidation
func (p *Provider) VerifyIDToken(ctx context.Context, t IDToken, oidcRequest Request) (map[string]interface{}, error) {
	const op = "Provider.VerifyIDToken"
	if oidcRequest == nil {
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	verified, err := p.verifyIDToken(ctx, t, oidcRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	claims := map[string]interface{}{}
	if err := verified.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%s: unable to get id_token claims: %w", op, err)
	}
	return claims, nil
}

// verifyIDToken verifies t and checks its nonce against oidcRequest.  A nil
// oidcRequest skips the nonce check.
func (p *Provider) verifyIDToken(ctx context.Context, t IDToken, oidcRequest Request) (*oidc.IDToken, error) {
	const op = "verifyIDToken"
	if t == "" {
		return nil, fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	if oidcRequest != nil && oidcRequest.Nonce() == "" {
		return nil, fmt.Errorf("%s: nonce is empty: %w", op, ErrInvalidParameter)
	}
	algs := []string{}
	for _, a := range p.config.SupportedSigningAlgs {
		algs = append(algs, string(a))
	}
	oidcConfig := &oidc.Config{
		SkipClientIDCheck:    true,
		SupportedSigningAlgs: algs,
		Now:                  p.config.Now,
	}
	verifier := p.provider.Verifier(oidcConfig)
	oidcCtx, err := p.HTTPClientContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	oidcIDToken, err := verifier.Verify(oidcCtx, string(t))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid id_token: %w", op, p.convertError(err))
	}

	if oidcRequest != nil {
		switch {
		case oidcIDToken.Nonce == "" && oidcRequest.OptionalNonce():
		case oidcIDToken.Nonce != oidcRequest.Nonce():
			return nil, fmt.Errorf("%s: invalid id_token nonce: %w", op, ErrInvalidNonce)
		}
	}

	var audiences []string
	if oidcRequest != nil {
		audiences = oidcRequest.Audiences()
	}
	if len(audiences) == 0 {
		audiences = p.config.Audiences
	}
	if len(audiences) == 0 {
		audiences = []string{p.config.ClientID}
	}
	if !strutils.StrListContainsAny(oidcIDToken.Audience, audiences...) {
		return nil, fmt.Errorf("%s: invalid id_token audiences: %w", op, ErrInvalidAudience)
	}

	var azp struct {
		AuthorizedParty string `json:"azp"`
	}
	if err := oidcIDToken.Claims(&azp); err != nil {
		return nil, fmt.Errorf("%s: unable to get id_token claims: %w", op, err)
	}
	if len(oidcIDToken.Audience) > 1 && !strutils.StrListContains(oidcIDToken.Audience, p.config.ClientID) {
		return nil, fmt.Errorf("%s: multiple audiences and one of them is not equal client_id (%s): %w", op, p.config.ClientID, ErrInvalidAudience)
	}
	if azp.AuthorizedParty != "" && azp.AuthorizedParty != p.config.ClientID {
		return nil, fmt.Errorf("%s: authorized party (%s) is not equal client_id (%s): %w", op, azp.AuthorizedParty, p.config.ClientID, ErrInvalidAuthorizedParty)
	}
	return oidcIDToken, nil
}

// EndSessionURL returns the provider's RP-initiated logout URL, or
// ErrNotFound when the provider doesn't advertise an end_session_endpoint.
func (p *Provider) EndSessionURL(idTokenHint IDToken, postLogoutRedirectURL string) (string, error) {
	const op = "Provider.EndSessionURL"
	var discovered struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := p.provider.Claims(&discovered); err != nil {
		return "", fmt.Errorf("%s: unable to read discovery document: %w", op, err)
	}
	if discovered.EndSessionEndpoint == "" {
		return "", fmt.Errorf("%s: provider has no end_session_endpoint: %w", op, ErrNotFound)
	}
	u, err := url.Parse(discovered.EndSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("%s: end_session_endpoint is invalid: %w", op, err)
	}
	q := u.Query()
	if idTokenHint != "" {
		q.Set("id_token_hint", string(idTokenHint))
	}
	if postLogoutRedirectURL != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURL)
	}
	q.Set("client_id", p.config.ClientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HTTPClient returns an http.Client for the provider. The returned client uses
// a pooled transport (so it can reuse connections) that uses the provider's
// config CA certificate PEM if provided, otherwise it will use the installed
// system CA chain.  This client's idle connections are closed in
// Provider.Done()
func (p *Provider) HTTPClient() (*http.Client, error) {
	const op = "Provider.HTTPClient"
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	c, err := p.config.HTTPClient()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p.client = c
	return p.client, nil
}

// HTTPClientContext returns a new Context that carries the provider's HTTP
// client. This method sets the same context key used by the
// github.com/coreos/go-oidc and golang.org/x/oauth2 packages, so the returned
// context works for those packages as well.
func (p *Provider) HTTPClientContext(ctx context.Context) (context.Context, error) {
	const op = "Provider.HTTPClientContext"
	c, err := p.HTTPClient()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// simple to implement as a wrapper for the coreos package
	return oidc.ClientContext(ctx, c), nil
}

func (p *Provider) validRedirect(uri string) error {
	const op = "Provider.validRedirect"
	if len(p.config.AllowedRedirectURLs) == 0 {
		return nil
	}
	if !strutils.StrListContains(p.config.AllowedRedirectURLs, uri) {
		return fmt.Errorf("%s: redirect url %q is not allowed: %w", op, uri, ErrUnauthorizedRedirectURI)
	}
	return nil
}

func (p *Provider) scopes(r Request) []string {
	scopes := append([]string{oidc.ScopeOpenID}, p.config.Scopes...)
	scopes = append(scopes, r.Scopes()...)
	return strutils.RemoveDuplicatesStable(scopes, false)
}

// convertError is used to convert errors from the go-oidc package into
// errors from this package.
func (p *Provider) convertError(e error) error {
	switch {
	case e == nil:
		return nil
	case strings.Contains(e.Error(), "id token issued by a different provider"):
		return fmt.Errorf("%s: %w", e.Error(), ErrInvalidIssuer)
	case strings.Contains(e.Error(), "signed with unsupported algorithm"):
		return fmt.Errorf("%s: %w", e.Error(), ErrUnsupportedAlg)
	case strings.Contains(e.Error(), "before the nbf (not before) time"):
		return fmt.Errorf("%s: %w", e.Error(), ErrInvalidNotBefore)
	case strings.Contains(e.Error(), "before the iat (issued at) time"):
		return fmt.Errorf("%s: %w", e.Error(), ErrInvalidIssuedAt)
	case strings.Contains(e.Error(), "token is expired"):
		return fmt.Errorf("%s: %w", e.Error(), ErrExpiredToken)
	case strings.Contains(e.Error(), "failed to verify id token signature"),
		strings.Contains(e.Error(), "failed to verify signature"):
		return fmt.Errorf("%s: %w", e.Error(), ErrInvalidSignature)
	case strings.Contains(e.Error(), "malformed jwt"):
		return fmt.Errorf("%s: %w", e.Error(), ErrMalformedToken)
	case strings.Contains(e.Error(), "failed to decode keys"):
		return fmt.Errorf("%s: %w", e.Error(), ErrInvalidJWKs)
	default:
		return e
	}
}

// userInfoOptions is the set of available options for the Provider.UserInfo
// function
type userInfoOptions struct {
	withAudiences []string
}

// userInfoDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func userInfoDefaults() userInfoOptions {
	return userInfoOptions{}
}

// getUserInfoOpts gets the defaults and applies the opt overrides passed in.
func getUserInfoOpts(opt ...Option) userInfoOptions {
	opts := userInfoDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
