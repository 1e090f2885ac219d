// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package config loads provider configuration from YAML.
//
//	link_policy: single-provider
//	password_authenticators: 1
//	aliases:
//	  CILogon: custos
//	providers:
//	  - name: custos
//	    kind: keycloak
//	    issuer: https://custos.example/realms/main
//	    client_id: app
//	    client_secret_env: CUSTOS_CLIENT_SECRET
//	    redirect_uri: https://app.example/callback
//	    verify_tls: /etc/ssl/custos-ca.pem
//	    allowed_idps: [https://idp.example/shibboleth]
//
// verify_tls is either a bool or the path of a CA bundle, which implies
// verification.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/authnz"
	"github.com/hashicorp/authnz/oidc"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// ConfigurationError is the error of a single provider entry.  Load and
// Parse aggregate them in a multierror.
type ConfigurationError struct {
	// Provider is the entry's name, or its position when it has none.
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error { return e.Err }

// TLSVerify is the verify_tls setting.
type TLSVerify struct {
	Skip     bool
	CABundle string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *TLSVerify) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: verify_tls must be a bool or a path", n.Line)
	}
	if n.Tag == "!!bool" {
		var verify bool
		if err := n.Decode(&verify); err != nil {
			return err
		}
		*v = TLSVerify{Skip: !verify}
		return nil
	}
	*v = TLSVerify{CABundle: n.Value}
	return nil
}

// Provider is one entry of the providers list.
type Provider struct {
	Name                      string            `yaml:"name"`
	Kind                      string            `yaml:"kind"`
	Issuer                    string            `yaml:"issuer"`
	ClientID                  string            `yaml:"client_id"`
	ClientSecret              string            `yaml:"client_secret"`
	ClientSecretEnv           string            `yaml:"client_secret_env"`
	RedirectURI               string            `yaml:"redirect_uri"`
	VerifyTLS                 *TLSVerify        `yaml:"verify_tls"`
	Timeout                   time.Duration     `yaml:"timeout"`
	IDPHint                   string            `yaml:"idp_hint"`
	ExtraAuthorizeParams      map[string]string `yaml:"extra_authorize_params"`
	ExtraScopes               []string          `yaml:"extra_scopes"`
	RequireCreateConfirmation bool              `yaml:"require_create_confirmation"`
	AcceptedAudiences         []string          `yaml:"accepted_audiences"`
	PKCE                      bool              `yaml:"pkce"`
	EnableIDPLogout           bool              `yaml:"enable_idp_logout"`
	AllowedIDPs               []string          `yaml:"allowed_idps"`
	CredentialURL             string            `yaml:"credential_url"`
	RequireNonce              bool              `yaml:"require_nonce"`
	SigningAlgs               []string          `yaml:"signing_algs"`
	AuthURL                   string            `yaml:"auth_url"`
	TokenURL                  string            `yaml:"token_url"`
	JWKSURL                   string            `yaml:"jwks_url"`
	UserInfoURL               string            `yaml:"userinfo_url"`
}

// File is the document layout.
type File struct {
	LinkPolicy             string            `yaml:"link_policy"`
	PasswordAuthenticators int               `yaml:"password_authenticators"`
	Aliases                map[string]string `yaml:"aliases"`
	Providers              []Provider        `yaml:"providers"`
}

// Config is a loaded configuration.  Providers only holds entries which
// passed validation.
type Config struct {
	Providers              []*authnz.ProviderConfig
	Aliases                map[string]string
	LinkPolicy             authnz.LinkPolicy
	PasswordAuthenticators int
}

// ManagerOptions returns the options which apply c to authnz.NewManager.
func (c *Config) ManagerOptions() []authnz.Option {
	return []authnz.Option{
		authnz.WithAliases(c.Aliases),
		authnz.WithLinkPolicy(c.LinkPolicy),
		authnz.WithPasswordAuthenticators(c.PasswordAuthenticators),
	}
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	const op = "config.Load"
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return Parse(b)
}

// Parse decodes a YAML document.  Unknown keys are rejected.  Invalid
// provider entries are skipped and returned as ConfigurationErrors in a
// multierror alongside the Config of the remaining entries.  A document which
// can't be decoded returns a nil Config.
func Parse(b []byte) (*Config, error) {
	const op = "config.Parse"
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %s: %w", op, err, authnz.ErrConfiguration)
	}
	policy, err := authnz.ParseLinkPolicy(f.LinkPolicy)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, err, authnz.ErrConfiguration)
	}
	if f.PasswordAuthenticators < 0 {
		return nil, fmt.Errorf("%s: password_authenticators is negative: %w", op, authnz.ErrConfiguration)
	}
	c := &Config{
		Aliases:                f.Aliases,
		LinkPolicy:             policy,
		PasswordAuthenticators: f.PasswordAuthenticators,
	}

	var result *multierror.Error
	for i, p := range f.Providers {
		pc, err := p.providerConfig()
		if err != nil {
			name := p.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			result = multierror.Append(result, &ConfigurationError{Provider: name, Err: err})
			continue
		}
		c.Providers = append(c.Providers, pc)
	}
	return c, result.ErrorOrNil()
}

// providerConfig converts and validates the entry.
func (p Provider) providerConfig() (*authnz.ProviderConfig, error) {
	secret := p.ClientSecret
	if p.ClientSecretEnv != "" {
		if secret != "" {
			return nil, fmt.Errorf("client_secret and client_secret_env are mutually exclusive: %w", authnz.ErrConfiguration)
		}
		var ok bool
		if secret, ok = os.LookupEnv(p.ClientSecretEnv); !ok {
			return nil, fmt.Errorf("environment variable %s is not set: %w", p.ClientSecretEnv, authnz.ErrConfiguration)
		}
	}
	pc := &authnz.ProviderConfig{
		Name:                      p.Name,
		Kind:                      authnz.Kind(p.Kind),
		Issuer:                    p.Issuer,
		ClientID:                  p.ClientID,
		ClientSecret:              oidc.ClientSecret(secret),
		RedirectURI:               p.RedirectURI,
		Timeout:                   p.Timeout,
		IDPHint:                   p.IDPHint,
		ExtraAuthorizeParams:      p.ExtraAuthorizeParams,
		ExtraScopes:               p.ExtraScopes,
		RequireCreateConfirmation: p.RequireCreateConfirmation,
		AcceptedAudiences:         p.AcceptedAudiences,
		PKCEEnabled:               p.PKCE,
		EnableIDPLogout:           p.EnableIDPLogout,
		AllowedIDPs:               p.AllowedIDPs,
		CredentialURL:             p.CredentialURL,
		RequireNonce:              p.RequireNonce,
		AuthURL:                   p.AuthURL,
		TokenURL:                  p.TokenURL,
		JWKSURL:                   p.JWKSURL,
		UserInfoURL:               p.UserInfoURL,
	}
	if p.VerifyTLS != nil {
		pc.SkipTLSVerify = p.VerifyTLS.Skip
		pc.CABundle = p.VerifyTLS.CABundle
	}
	for _, a := range p.SigningAlgs {
		pc.SupportedSigningAlgs = append(pc.SupportedSigningAlgs, oidc.Alg(a))
	}
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	return pc, nil
}
