// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authnz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/authnz/jwt"
	"github.com/hashicorp/authnz/oidc"
	"github.com/hashicorp/go-hclog"
)

// GenericOIDCAdapter drives the authorization code flow, with optional PKCE,
// against any OIDC compliant provider.
//
// The nonce sent to the provider is the hash of a random value kept in a
// cookie, so the raw value never leaves the browser's cookie jar.
type GenericOIDCAdapter struct {
	config *ProviderConfig
	kind   Kind
	logger hclog.Logger
	now    func() time.Time
	linker *accountLinker

	// secretFn returns the client secret used at the token endpoint.
	secretFn func(ctx context.Context) (oidc.ClientSecret, error)

	// authParamsFn returns the effective idp hint and the extra
	// authorization parameters for it.
	authParamsFn func(idpHint string) (string, map[string]string, error)

	// optionalNonce allows id_tokens without a nonce claim.
	optionalNonce bool

	// mu protects the following
	mu             sync.Mutex
	provider       *oidc.Provider
	providerSecret oidc.ClientSecret
	validator      *jwt.Validator
}

var (
	_ Adapter            = (*GenericOIDCAdapter)(nil)
	_ Refresher          = (*GenericOIDCAdapter)(nil)
	_ AccessTokenDecoder = (*GenericOIDCAdapter)(nil)
	_ UserCreator        = (*GenericOIDCAdapter)(nil)
)

// NewGenericOIDCAdapter creates an adapter for c.  It makes an http request
// to the provider's discovery endpoint.
//
// Supported options: WithLogger, WithNow
func NewGenericOIDCAdapter(c *ProviderConfig, opt ...Option) (*GenericOIDCAdapter, error) {
	const op = "NewGenericOIDCAdapter"
	g, err := newGenericOIDCAdapter(c, KindOIDC, nil, opt...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return g, nil
}

func newGenericOIDCAdapter(c *ProviderConfig, kind Kind, customize func(*GenericOIDCAdapter), opt ...Option) (*GenericOIDCAdapter, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	opts := getAdapterOpts(opt...)
	g := &GenericOIDCAdapter{
		config: c,
		kind:   kind,
		logger: opts.withLogger,
		now:    opts.withNow,
		linker: newAccountLinker(c, opts.withLogger),
	}
	if customize != nil {
		customize(g)
	}
	if _, err := g.oidcProvider(context.Background()); err != nil {
		return nil, fmt.Errorf("%s: unable to initialize provider: %w: %w", c.Name, ErrConfiguration, err)
	}
	return g, nil
}

// Name of the provider.
func (g *GenericOIDCAdapter) Name() string { return g.config.Name }

// Kind of the provider.
func (g *GenericOIDCAdapter) Kind() Kind { return g.kind }

// Config returns the provider's config.
func (g *GenericOIDCAdapter) Config() *ProviderConfig { return g.config }

// Done releases the provider's resources.
func (g *GenericOIDCAdapter) Done() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.provider.Done()
}

// oidcProvider returns the discovered provider, rebuilding it when the client
// secret changed.
func (g *GenericOIDCAdapter) oidcProvider(ctx context.Context) (*oidc.Provider, error) {
	const op = "GenericOIDCAdapter.oidcProvider"
	secret := g.config.ClientSecret
	if g.secretFn != nil {
		var err error
		if secret, err = g.secretFn(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.provider != nil && g.providerSecret == secret {
		return g.provider, nil
	}
	oc, err := g.config.oidcConfig(secret, g.now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p, err := oidc.NewProvider(oc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	g.provider.Done()
	g.provider, g.providerSecret = p, secret
	return p, nil
}

// Authenticate returns the provider's authorization URL.  The state, the raw
// nonce and the PKCE verifier are stored in cookies.
func (g *GenericOIDCAdapter) Authenticate(ctx context.Context, tx Transaction, idpHint string) (string, error) {
	const op = "GenericOIDCAdapter.Authenticate"
	p, err := g.oidcProvider(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, classify(err))
	}
	var a attempt
	if a.state, err = oidc.NewID(oidc.WithPrefix("st")); err != nil {
		return "", fmt.Errorf("%s: unable to generate state: %w", op, err)
	}
	if a.nonce, err = oidc.NewID(oidc.WithPrefix("n")); err != nil {
		return "", fmt.Errorf("%s: unable to generate nonce: %w", op, err)
	}
	opts := []oidc.Option{
		oidc.WithState(a.state),
		oidc.WithNonce(oidc.HashNonce(a.nonce)),
	}
	if g.config.PKCEEnabled {
		v, err := oidc.NewCodeVerifier()
		if err != nil {
			return "", fmt.Errorf("%s: unable to generate pkce verifier: %w", op, err)
		}
		a.verifier = v.Verifier()
		opts = append(opts, oidc.WithPKCE(v))
	}
	params := map[string]string{}
	for k, v := range g.config.ExtraAuthorizeParams {
		params[k] = v
	}
	if g.authParamsFn != nil {
		hint, extra, err := g.authParamsFn(idpHint)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		a.idpHint = hint
		for k, v := range extra {
			params[k] = v
		}
	}
	opts = append(opts, oidc.WithAuthParams(params))

	r, err := oidc.NewRequest(CookieMaxAge, g.config.RedirectURI, opts...)
	if err != nil {
		return "", fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	u, err := p.AuthURL(ctx, r)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	a.store(tx)
	g.logger.Debug("authentication started", "pkce", g.config.PKCEEnabled)
	return u, nil
}

// Callback validates the provider's response, exchanges the code, resolves
// the local user and stores the credential.  The attempt's cookies are
// deleted whatever the outcome.
func (g *GenericOIDCAdapter) Callback(ctx context.Context, tx Transaction, req CallbackRequest) (*CallbackResult, error) {
	const op = "GenericOIDCAdapter.Callback"
	a := consumeAttempt(tx)
	switch {
	case a.state == "":
		return nil, fmt.Errorf("%s: missing state cookie: %w", op, ErrProtocolValidation)
	case a.state != req.State:
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocolValidation, oidc.ErrInvalidResponseState)
	case a.nonce == "":
		return nil, fmt.Errorf("%s: missing nonce cookie: %w", op, ErrProtocolValidation)
	case req.Code == "":
		return nil, fmt.Errorf("%s: missing authorization code: %w", op, ErrProtocolValidation)
	}

	p, err := g.oidcProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	opts := []oidc.Option{
		oidc.WithState(a.state),
		oidc.WithNonce(oidc.HashNonce(a.nonce)),
	}
	if a.verifier != "" {
		v, err := oidc.RestoreCodeVerifier(a.verifier)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid pkce verifier cookie: %w", op, ErrProtocolValidation)
		}
		opts = append(opts, oidc.WithPKCE(v))
	}
	if g.optionalNonce {
		opts = append(opts, oidc.WithOptionalNonce())
	}
	r, err := oidc.NewRequest(CookieMaxAge, g.config.RedirectURI, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	tk, err := p.Exchange(ctx, r, req.State, req.Code)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}

	claims := map[string]interface{}{}
	if err := tk.IDToken().Claims(&claims); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocolValidation, err)
	}
	if _, ok := claims["nonce"]; !ok && g.optionalNonce {
		g.logger.Warn("nonce validation skipped", "reason", "id_token has no nonce claim")
	}
	id, err := g.identity(ctx, p, tk, claims)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	res, err := g.linker.complete(ctx, tx, id, tokensFromOIDC(tk), req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// identity builds the resolved identity from the id_token claims, falling
// back to the userinfo endpoint when they carry no email.
func (g *GenericOIDCAdapter) identity(ctx context.Context, p *oidc.Provider, tk *oidc.Tk, claims map[string]interface{}) (*ResolvedIdentity, error) {
	const op = "GenericOIDCAdapter.identity"
	id := &ResolvedIdentity{
		Subject:           claimString(claims, "sub"),
		Email:             claimString(claims, "email"),
		PreferredUsername: claimString(claims, "preferred_username"),
		Claims:            claims,
	}
	if id.Email != "" {
		return id, nil
	}
	info := map[string]interface{}{}
	if err := p.UserInfo(ctx, tk.StaticTokenSource(), id.Subject, &info, oidc.WithAudiences(g.config.ClientID)); err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	for k, v := range info {
		if _, ok := id.Claims[k]; !ok {
			id.Claims[k] = v
		}
	}
	id.Email = claimString(info, "email")
	if id.PreferredUsername == "" {
		id.PreferredUsername = claimString(info, "preferred_username")
	}
	return id, nil
}

// CreateUser completes a login waiting for account creation confirmation.
func (g *GenericOIDCAdapter) CreateUser(ctx context.Context, tx Transaction, pendingID string) (*CallbackResult, error) {
	const op = "GenericOIDCAdapter.CreateUser"
	res, err := g.linker.createPending(ctx, tx, pendingID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// Refresh refreshes c when it's in its refresh window.  It returns false
// without contacting the provider otherwise.
func (g *GenericOIDCAdapter) Refresh(ctx context.Context, tx Transaction, c *DelegatedCredential) (bool, error) {
	const op = "GenericOIDCAdapter.Refresh"
	if !refreshDue(c, g.now()) {
		return false, nil
	}
	p, err := g.oidcProvider(ctx)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, classify(err))
	}
	tk, err := p.RefreshToken(ctx, oidc.RefreshToken(c.RefreshToken))
	if err != nil {
		if isRejectedGrant(err) {
			return false, fmt.Errorf("%s: %w: %w", op, ErrInvalidRefreshToken, err)
		}
		return false, fmt.Errorf("%s: %w", op, classify(err))
	}
	user, err := tx.Users().FindByID(ctx, c.UserID)
	if err != nil {
		return false, fmt.Errorf("%s: unable to find user: %w", op, err)
	}
	if user == nil {
		return false, fmt.Errorf("%s: credential owner %q: %w", op, c.UserID, ErrUserNotFound)
	}
	if _, err := upsertCredential(ctx, tx, g.logger, user, g.config.Name, c.Subject, tokensFromOIDC(tk)); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	g.logger.Debug("refreshed credential", "user_id", user.ID)
	return true, nil
}

// DecodeAccessToken validates a bearer access token issued by this provider.
func (g *GenericOIDCAdapter) DecodeAccessToken(ctx context.Context, tx Transaction, token string) (*User, map[string]interface{}, error) {
	const op = "GenericOIDCAdapter.DecodeAccessToken"
	iss, err := jwt.PeekIssuer(token)
	if err != nil || !sameIssuer(iss, g.config.Issuer) {
		return nil, nil, nil
	}
	v, err := g.accessTokenValidator(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	audiences := g.config.AcceptedAudiences
	if len(audiences) == 0 {
		audiences = []string{g.config.ClientID}
	}
	algs := make([]jwt.Alg, 0, len(g.config.SupportedSigningAlgs))
	for _, a := range g.config.SupportedSigningAlgs {
		algs = append(algs, jwt.Alg(a))
	}
	claims, err := v.Validate(ctx, token, jwt.Expected{
		Issuer:            iss,
		Audiences:         audiences,
		SigningAlgorithms: algs,
		Now:               g.now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	sub := claimString(claims, "sub")
	c, err := tx.Tokens().Find(ctx, sub, g.config.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: unable to find credential: %w", op, err)
	}
	if c == nil {
		return nil, claims, nil
	}
	user, err := tx.Users().FindByID(ctx, c.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: unable to find user: %w", op, err)
	}
	return user, claims, nil
}

func (g *GenericOIDCAdapter) accessTokenValidator(ctx context.Context) (*jwt.Validator, error) {
	const op = "GenericOIDCAdapter.accessTokenValidator"
	p, err := g.oidcProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.validator != nil {
		return g.validator, nil
	}
	// the key set outlives ctx so it gets the provider's client on a
	// background context
	keyCtx, err := p.HTTPClientContext(context.Background())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ks, err := jwt.NewOIDCDiscoveryKeySet(keyCtx, g.config.Issuer, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	v, err := jwt.NewValidator(ks)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	g.validator = v
	return v, nil
}

// Disconnect removes the session user's credential for this provider.
func (g *GenericOIDCAdapter) Disconnect(ctx context.Context, tx Transaction, req DisconnectRequest) (string, error) {
	const op = "GenericOIDCAdapter.Disconnect"
	u, err := g.linker.disconnect(ctx, tx, req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// Logout returns the provider's end session URL with the session user's
// id_token as a hint.
func (g *GenericOIDCAdapter) Logout(ctx context.Context, tx Transaction, postLogoutURL string) (string, error) {
	const op = "GenericOIDCAdapter.Logout"
	p, err := g.oidcProvider(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, classify(err))
	}
	u, err := p.EndSessionURL(oidc.IDToken(g.linker.idTokenFor(ctx, tx)), postLogoutURL)
	switch {
	case errors.Is(err, oidc.ErrNotFound):
		return "", fmt.Errorf("%s: %w: %w", op, ErrPolicyRejection, ErrNotSupported)
	case err != nil:
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

func sameIssuer(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}
