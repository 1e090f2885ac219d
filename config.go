// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authnz

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/authnz/internal/httpclient"
	"github.com/hashicorp/authnz/oidc"
)

// Kind identifies a provider family.
type Kind string

const (
	// KindOIDC is any OIDC compliant provider driven by its discovery
	// document.
	KindOIDC Kind = "oidc"

	// KindKeycloak covers Keycloak, Custos and CILogon flavored providers.
	KindKeycloak Kind = "keycloak"

	// KindLegacy is the Google flavored OAuth2 provider kept for older
	// deployments.
	KindLegacy Kind = "legacy"
)

// Default endpoints of the legacy provider.
const (
	LegacyDefaultIssuer      = "https://accounts.google.com"
	LegacyDefaultAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	LegacyDefaultTokenURL    = "https://oauth2.googleapis.com/token"
	LegacyDefaultJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
	LegacyDefaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

// DefaultTimeout bounds every request made to a provider.
const DefaultTimeout = httpclient.DefaultTimeout

// ProviderConfig is the validated configuration of one provider instance.
// It's built once when configuration is loaded and must not be modified
// afterwards.
type ProviderConfig struct {
	// Name is the provider name used by callers.  It's matched case
	// insensitively.
	Name string

	Kind Kind

	// Issuer is the discovery base URL.  For the Keycloak family it's the
	// realm or tenant URL.
	Issuer string

	ClientID     string
	ClientSecret oidc.ClientSecret
	RedirectURI  string

	// SkipTLSVerify disables verification of the provider's certificate.
	// CABundle optionally names a PEM file used as the trust chain.
	SkipTLSVerify bool
	CABundle      string

	// Timeout for a single request to the provider.  Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// IDPHint is the default upstream identity provider hint.
	IDPHint string

	ExtraAuthorizeParams map[string]string
	ExtraScopes          []string

	// RequireCreateConfirmation makes new users confirm account creation
	// before a local user is created.
	RequireCreateConfirmation bool

	// AcceptedAudiences are matched against the aud claim of bearer access
	// tokens.  When empty the client id is expected.
	AcceptedAudiences []string

	PKCEEnabled     bool
	EnableIDPLogout bool

	// AllowedIDPs is the allow-list of upstream entity ids an idp hint may
	// name.  An empty list allows any hint.
	AllowedIDPs []string

	// CredentialURL is the Keycloak family credential endpoint.  When set, the
	// client secret used at the token endpoint is fetched from it.
	CredentialURL string

	// RequireNonce makes a missing nonce claim fatal for the Keycloak
	// family.  By default a missing nonce is logged and skipped.
	RequireNonce bool

	// SupportedSigningAlgs defaults to RS256.
	SupportedSigningAlgs []oidc.Alg

	// Legacy endpoint overrides.  They default to Google's endpoints.
	AuthURL     string
	TokenURL    string
	JWKSURL     string
	UserInfoURL string
}

// Validate the config and fill in defaults.  Errors wrap ErrConfiguration and
// name the offending field.
func (c *ProviderConfig) Validate() error {
	const op = "ProviderConfig.Validate"
	if c == nil {
		return fmt.Errorf("%s: provider config is nil: %w", op, ErrConfiguration)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%s: name is empty: %w", op, ErrConfiguration)
	}
	switch c.Kind {
	case KindOIDC, KindKeycloak, KindLegacy:
	case "":
		c.Kind = KindOIDC
	default:
		return fmt.Errorf("%s: %s: unknown kind %q: %w", op, c.Name, c.Kind, ErrConfiguration)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%s: %s: client_id is empty: %w", op, c.Name, ErrConfiguration)
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("%s: %s: client_secret is empty: %w", op, c.Name, ErrConfiguration)
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("%s: %s: redirect_uri is empty: %w", op, c.Name, ErrConfiguration)
	}
	if err := validURL(c.RedirectURI); err != nil {
		return fmt.Errorf("%s: %s: redirect_uri: %s: %w", op, c.Name, err, ErrConfiguration)
	}
	if c.Kind == KindLegacy {
		c.setLegacyDefaults()
	}
	if c.Issuer == "" {
		return fmt.Errorf("%s: %s: issuer is empty: %w", op, c.Name, ErrConfiguration)
	}
	for field, u := range map[string]string{
		"issuer":         c.Issuer,
		"credential_url": c.CredentialURL,
		"auth_url":       c.AuthURL,
		"token_url":      c.TokenURL,
		"jwks_url":       c.JWKSURL,
		"userinfo_url":   c.UserInfoURL,
	} {
		if u == "" {
			continue
		}
		if err := validURL(u); err != nil {
			return fmt.Errorf("%s: %s: %s: %s: %w", op, c.Name, field, err, ErrConfiguration)
		}
	}
	if c.CredentialURL != "" && c.Kind != KindKeycloak {
		return fmt.Errorf("%s: %s: credential_url is only valid for the %s kind: %w", op, c.Name, KindKeycloak, ErrConfiguration)
	}
	if len(c.SupportedSigningAlgs) == 0 {
		c.SupportedSigningAlgs = []oidc.Alg{oidc.RS256}
	}
	for _, a := range c.SupportedSigningAlgs {
		if !oidc.SupportedAlgorithm(a) {
			return fmt.Errorf("%s: %s: unsupported signing algorithm %q: %w", op, c.Name, a, ErrConfiguration)
		}
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%s: %s: timeout is negative: %w", op, c.Name, ErrConfiguration)
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CABundle != "" {
		if _, err := c.caPEM(); err != nil {
			return fmt.Errorf("%s: %s: ca_bundle: %s: %w", op, c.Name, err, ErrConfiguration)
		}
	}
	return nil
}

func (c *ProviderConfig) setLegacyDefaults() {
	if c.Issuer == "" {
		c.Issuer = LegacyDefaultIssuer
	}
	if c.AuthURL == "" {
		c.AuthURL = LegacyDefaultAuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = LegacyDefaultTokenURL
	}
	if c.JWKSURL == "" {
		c.JWKSURL = LegacyDefaultJWKSURL
	}
	if c.UserInfoURL == "" {
		c.UserInfoURL = LegacyDefaultUserInfoURL
	}
}

// HTTPClient builds the pooled client used for every request made to the
// provider.
func (c *ProviderConfig) HTTPClient() (*http.Client, error) {
	const op = "ProviderConfig.HTTPClient"
	ca, err := c.caPEM()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client, err := httpclient.New(httpclient.Config{
		CAPEM:              ca,
		InsecureSkipVerify: c.SkipTLSVerify,
		Timeout:            c.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return client, nil
}

// oidcConfig converts the provider config into an oidc.Config using secret
// as the client secret.
func (c *ProviderConfig) oidcConfig(secret oidc.ClientSecret, now func() time.Time) (*oidc.Config, error) {
	const op = "ProviderConfig.oidcConfig"
	ca, err := c.caPEM()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	opts := []oidc.Option{
		oidc.WithScopes(c.scopes()...),
		oidc.WithTimeout(c.Timeout),
		oidc.WithNow(now),
	}
	if ca != "" {
		opts = append(opts, oidc.WithProviderCA(ca))
	}
	if c.SkipTLSVerify {
		opts = append(opts, oidc.WithInsecureSkipVerify())
	}
	oc, err := oidc.NewConfig(c.Issuer, c.ClientID, secret, c.SupportedSigningAlgs, []string{c.RedirectURI}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, err, ErrConfiguration)
	}
	return oc, nil
}

// scopes returns the requested scopes beyond openid.
func (c *ProviderConfig) scopes() []string {
	return append([]string{"email", "profile"}, c.ExtraScopes...)
}

func (c *ProviderConfig) caPEM() (string, error) {
	return httpclient.ReadCABundle(c.CABundle)
}

// checkIDPHint applies the allow-list to hint, or to the default hint when
// hint is empty.  With an allow-list some hint is required.
func (c *ProviderConfig) checkIDPHint(hint string) error {
	if len(c.AllowedIDPs) == 0 {
		return nil
	}
	if hint == "" {
		hint = c.IDPHint
	}
	switch {
	case hint == "":
		return fmt.Errorf("an idp hint is required for %s: %w", c.Name, ErrPolicyRejection)
	case !c.idpAllowed(hint):
		return fmt.Errorf("idp %q is not allowed for %s: %w", hint, c.Name, ErrPolicyRejection)
	}
	return nil
}

// idpAllowed reports whether hint is on the allow-list.
func (c *ProviderConfig) idpAllowed(hint string) bool {
	if len(c.AllowedIDPs) == 0 {
		return true
	}
	for _, id := range c.AllowedIDPs {
		if id == hint {
			return true
		}
	}
	return false
}

func validURL(u string) error {
	parsed, err := url.Parse(u)
	if err != nil {
		return err
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("scheme of %q is not http or https", u)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%q has no host", u)
	}
	return nil
}
