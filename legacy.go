// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authnz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jwtv4 "github.com/golang-jwt/jwt/v4"
	"github.com/hashicorp/authnz/jwt"
	"github.com/hashicorp/authnz/oidc"
	"github.com/hashicorp/go-hclog"
	"github.com/lestrrat-go/jwx/jwk"
	"golang.org/x/oauth2"
)

// LegacyAdapter is the plain OAuth2 adapter for Google flavored providers.
// It doesn't use discovery: the endpoints come from the config and the
// id_token is verified against the configured JWKS URL.
type LegacyAdapter struct {
	config *ProviderConfig
	logger hclog.Logger
	now    func() time.Time
	linker *accountLinker
	client *http.Client
	oauth  *oauth2.Config
}

var (
	_ Adapter     = (*LegacyAdapter)(nil)
	_ Refresher   = (*LegacyAdapter)(nil)
	_ UserCreator = (*LegacyAdapter)(nil)
)

// NewLegacyAdapter creates an adapter for c.
//
// Supported options: WithLogger, WithNow
func NewLegacyAdapter(c *ProviderConfig, opt ...Option) (*LegacyAdapter, error) {
	const op = "NewLegacyAdapter"
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client, err := c.HTTPClient()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrConfiguration, err)
	}
	opts := getAdapterOpts(opt...)
	return &LegacyAdapter{
		config: c,
		logger: opts.withLogger,
		now:    opts.withNow,
		linker: newAccountLinker(c, opts.withLogger),
		client: client,
		oauth: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: string(c.ClientSecret),
			RedirectURL:  c.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:  c.AuthURL,
				TokenURL: c.TokenURL,
			},
			Scopes: append([]string{"openid"}, c.scopes()...),
		},
	}, nil
}

// Name of the provider.
func (l *LegacyAdapter) Name() string { return l.config.Name }

// Kind of the provider.
func (l *LegacyAdapter) Kind() Kind { return KindLegacy }

// Done releases pooled connections.
func (l *LegacyAdapter) Done() { l.client.CloseIdleConnections() }

func (l *LegacyAdapter) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, l.client)
}

// Authenticate returns the provider's authorization URL requesting offline
// access so that a refresh token is issued.
func (l *LegacyAdapter) Authenticate(ctx context.Context, tx Transaction, idpHint string) (string, error) {
	const op = "LegacyAdapter.Authenticate"
	var a attempt
	var err error
	if a.state, err = oidc.NewID(oidc.WithPrefix("st")); err != nil {
		return "", fmt.Errorf("%s: unable to generate state: %w", op, err)
	}
	if a.nonce, err = oidc.NewID(oidc.WithPrefix("n")); err != nil {
		return "", fmt.Errorf("%s: unable to generate nonce: %w", op, err)
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("nonce", oidc.HashNonce(a.nonce)),
	}
	if l.config.PKCEEnabled {
		v, err := oidc.NewCodeVerifier()
		if err != nil {
			return "", fmt.Errorf("%s: unable to generate pkce verifier: %w", op, err)
		}
		a.verifier = v.Verifier()
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", v.Challenge()),
			oauth2.SetAuthURLParam("code_challenge_method", string(v.Method())))
	}
	for k, v := range l.config.ExtraAuthorizeParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	a.store(tx)
	return l.oauth.AuthCodeURL(a.state, opts...), nil
}

// Callback exchanges the code, verifies the id_token and completes the
// login.
func (l *LegacyAdapter) Callback(ctx context.Context, tx Transaction, req CallbackRequest) (*CallbackResult, error) {
	const op = "LegacyAdapter.Callback"
	a := consumeAttempt(tx)
	switch {
	case a.state == "" || a.state != req.State:
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocolValidation, oidc.ErrInvalidResponseState)
	case a.nonce == "":
		return nil, fmt.Errorf("%s: missing nonce cookie: %w", op, ErrProtocolValidation)
	case req.Code == "":
		return nil, fmt.Errorf("%s: missing authorization code: %w", op, ErrProtocolValidation)
	}
	var opts []oauth2.AuthCodeOption
	if a.verifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", a.verifier))
	}
	issuedAt := l.now()
	t, err := l.oauth.Exchange(l.clientContext(ctx), req.Code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to exchange code: %w", op, classify(err))
	}
	ts := tokensFromOAuth2(t, issuedAt)
	if ts.idToken == "" {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocolValidation, oidc.ErrMissingIDToken)
	}
	claims, err := l.decodeIDToken(ctx, ts.idToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if nonce, _ := claims["nonce"].(string); nonce != oidc.HashNonce(a.nonce) {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocolValidation, oidc.ErrInvalidNonce)
	}

	id := &ResolvedIdentity{
		Subject:           claimString(claims, "sub"),
		Email:             claimString(claims, "email"),
		PreferredUsername: claimString(claims, "preferred_username"),
		Claims:            claims,
	}
	if id.Email == "" {
		info, err := l.userInfo(ctx, ts.accessToken)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if sub := claimString(info, "sub"); sub != "" && sub != id.Subject {
			return nil, fmt.Errorf("%s: userinfo subject mismatch: %w: %w", op, ErrProtocolValidation, oidc.ErrInvalidSubject)
		}
		id.Email = claimString(info, "email")
	}
	res, err := l.linker.complete(ctx, tx, id, ts, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// decodeIDToken verifies the id_token's signature with the provider's JWKS
// and checks its audience, issuer and expiry.
func (l *LegacyAdapter) decodeIDToken(ctx context.Context, idToken string) (jwtv4.MapClaims, error) {
	const op = "LegacyAdapter.decodeIDToken"
	set, err := jwk.Fetch(ctx, l.config.JWKSURL, jwk.WithHTTPClient(l.client))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to fetch JWKs: %w", op, classify(err))
	}
	methods := make([]string, 0, len(l.config.SupportedSigningAlgs))
	for _, a := range l.config.SupportedSigningAlgs {
		methods = append(methods, string(a))
	}
	token, err := jwtv4.Parse(idToken, func(token *jwtv4.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("kid header not found")
		}
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("unable to find key %s", kid)
		}
		var publicKey interface{}
		if err := key.Raw(&publicKey); err != nil {
			return nil, fmt.Errorf("unable to parse JWK: %w", err)
		}
		return publicKey, nil
	}, jwtv4.WithValidMethods(methods), jwtv4.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocolValidation, err)
	}
	claims, ok := token.Claims.(jwtv4.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocolValidation, oidc.ErrMalformedToken)
	}
	now := l.now().Unix()
	switch {
	case !claims.VerifyAudience(l.config.ClientID, true):
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocolValidation, oidc.ErrInvalidAudience)
	case !claims.VerifyIssuer(l.config.Issuer, true) &&
		!claims.VerifyIssuer(strings.TrimPrefix(l.config.Issuer, "https://"), true):
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocolValidation, oidc.ErrInvalidIssuer)
	case !claims.VerifyExpiresAt(now, true):
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocolValidation, oidc.ErrExpiredToken)
	case !claims.VerifyIssuedAt(now+jwt.DefaultLeewaySeconds, false):
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProtocolValidation, oidc.ErrInvalidIssuedAt)
	}
	return claims, nil
}

// userInfo fetches the userinfo endpoint with the access token.
func (l *LegacyAdapter) userInfo(ctx context.Context, accessToken string) (map[string]interface{}, error) {
	const op = "LegacyAdapter.userInfo"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s: userinfo returned %d: %w", op, resp.StatusCode, ErrTransientProvider)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: userinfo returned %d: %w", op, resp.StatusCode, ErrProtocolValidation)
	}
	info := map[string]interface{}{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return nil, fmt.Errorf("%s: unable to decode userinfo: %w: %w", op, ErrProtocolValidation, err)
	}
	return info, nil
}

// CreateUser completes a login waiting for account creation confirmation.
func (l *LegacyAdapter) CreateUser(ctx context.Context, tx Transaction, pendingID string) (*CallbackResult, error) {
	const op = "LegacyAdapter.CreateUser"
	res, err := l.linker.createPending(ctx, tx, pendingID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// Refresh refreshes c when it's in its refresh window.
func (l *LegacyAdapter) Refresh(ctx context.Context, tx Transaction, c *DelegatedCredential) (bool, error) {
	const op = "LegacyAdapter.Refresh"
	if !refreshDue(c, l.now()) {
		return false, nil
	}
	issuedAt := l.now()
	t, err := l.oauth.TokenSource(l.clientContext(ctx), &oauth2.Token{RefreshToken: c.RefreshToken}).Token()
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
	if _, err := upsertCredential(ctx, tx, l.logger, user, l.config.Name, c.Subject, tokensFromOAuth2(t, issuedAt)); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// Disconnect removes the session user's credential for this provider.
func (l *LegacyAdapter) Disconnect(ctx context.Context, tx Transaction, req DisconnectRequest) (string, error) {
	const op = "LegacyAdapter.Disconnect"
	u, err := l.linker.disconnect(ctx, tx, req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// Logout isn't supported by the legacy provider.
func (l *LegacyAdapter) Logout(_ context.Context, _ Transaction, _ string) (string, error) {
	const op = "LegacyAdapter.Logout"
	return "", fmt.Errorf("%s: %w: %w", op, ErrPolicyRejection, ErrNotSupported)
}
