// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authnz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/text/cases"
)

// LinkPolicy decides whether a provider identity may be linked to an
// existing local user with the same email when nobody is logged in.
type LinkPolicy int

const (
	// LinkSingleProvider auto-links only when exactly one provider is
	// configured and there are no password authenticators.
	LinkSingleProvider LinkPolicy = iota

	// LinkAuto always auto-links by email.
	LinkAuto

	// LinkRequireSession never auto-links: the user must log in as the
	// existing account first.
	LinkRequireSession
)

// String returns the policy's config name.
func (p LinkPolicy) String() string {
	switch p {
	case LinkAuto:
		return "auto"
	case LinkRequireSession:
		return "require-session"
	default:
		return "single-provider"
	}
}

// ParseLinkPolicy parses a policy's config name.  An empty name is
// LinkSingleProvider.
func ParseLinkPolicy(s string) (LinkPolicy, error) {
	switch s {
	case "", "single-provider":
		return LinkSingleProvider, nil
	case "auto":
		return LinkAuto, nil
	case "require-session":
		return LinkRequireSession, nil
	}
	return 0, fmt.Errorf("ParseLinkPolicy: unknown link policy %q: %w", s, ErrInvalidParameter)
}

// Manager operation names used in logs and metrics.
const (
	opAuthenticate = "authenticate"
	opCallback     = "callback"
	opCreateUser   = "create_user"
	opDisconnect   = "disconnect"
	opLogout       = "logout"
	opRefresh      = "refresh"
	opMatchToken   = "match_access_token"
)

// Response is the outcome of a Manager operation which didn't fail with a
// propagating error.
type Response struct {
	Success bool

	// Message is a human readable explanation of a failure.
	Message string

	RedirectURL string
	User        *User
}

// Manager is the entry point for callers: it resolves provider names to
// adapters and applies the cross provider policies.
//
// Manager methods report policy rejections, transient provider failures and
// other non-propagating errors through an unsuccessful Response and a nil
// error.  Protocol validation failures, account conflicts
// (*AuthenticationFailed), ErrInvalidRefreshToken and ErrUserNotFound are
// returned as errors.
type Manager struct {
	adapters map[string]Adapter
	configs  map[string]*ProviderConfig
	order    []string
	aliases  map[string]string
	autoLink bool
	logger   hclog.Logger
	now      func() time.Time
	metrics  *Metrics
}

// NewManager builds an adapter for every config.  Configs which fail
// validation or whose adapter can't be built are skipped, and their errors
// are returned in a multierror alongside a manager serving the rest.  The
// returned manager is never nil.
//
// Supported options: WithLogger, WithNow, WithFactories, WithAliases,
// WithLinkPolicy, WithPasswordAuthenticators, WithMetrics
func NewManager(configs []*ProviderConfig, opt ...Option) (*Manager, error) {
	const op = "NewManager"
	opts := getManagerOpts(opt...)
	m := &Manager{
		adapters: map[string]Adapter{},
		configs:  map[string]*ProviderConfig{},
		aliases:  map[string]string{},
		logger:   opts.withLogger,
		now:      opts.withNow,
		metrics:  opts.withMetrics,
	}

	var result *multierror.Error
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", op, err))
			continue
		}
		key := foldName(c.Name)
		if _, dup := m.adapters[key]; dup {
			result = multierror.Append(result, fmt.Errorf("%s: duplicate provider %q: %w", op, c.Name, ErrConfiguration))
			continue
		}
		factory, ok := opts.withFactories[c.Kind]
		if !ok {
			result = multierror.Append(result, fmt.Errorf("%s: %s: no adapter for kind %q: %w", op, c.Name, c.Kind, ErrConfiguration))
			continue
		}
		a, err := factory(c, WithLogger(m.logger.Named(c.Name)), WithNow(m.now))
		if err != nil {
			m.logger.Error("unable to initialize provider", "provider", c.Name, "error", err)
			if !errors.Is(err, ErrConfiguration) {
				err = fmt.Errorf("%w: %w", ErrConfiguration, err)
			}
			result = multierror.Append(result, fmt.Errorf("%s: %s: %w", op, c.Name, err))
			continue
		}
		m.adapters[key] = a
		m.configs[key] = c
		m.order = append(m.order, key)
	}
	for alias, name := range opts.withAliases {
		m.aliases[foldName(alias)] = foldName(name)
	}

	switch opts.withLinkPolicy {
	case LinkAuto:
		m.autoLink = true
	case LinkSingleProvider:
		m.autoLink = len(m.adapters) == 1 && opts.withPasswordAuthenticators == 0
	}
	return m, result.ErrorOrNil()
}

// Providers returns the names of the configured providers in configuration
// order.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.order))
	for _, k := range m.order {
		names = append(names, m.configs[k].Name)
	}
	return names
}

// Done releases every adapter's resources.
func (m *Manager) Done() {
	for _, a := range m.adapters {
		a.Done()
	}
}

// adapter resolves a provider name, case insensitively, falling back to the
// alias table.
func (m *Manager) adapter(name string) (Adapter, *ProviderConfig, error) {
	const op = "Manager.adapter"
	key := foldName(name)
	if a, ok := m.adapters[key]; ok {
		return a, m.configs[key], nil
	}
	if target, ok := m.aliases[key]; ok {
		if a, ok := m.adapters[target]; ok {
			return a, m.configs[target], nil
		}
	}
	return nil, nil, fmt.Errorf("%s: %q: %w", op, name, ErrProviderNotFound)
}

// checkIDPHint enforces the Keycloak family allow-list before any provider
// is contacted.
func checkIDPHint(c *ProviderConfig, idpHint string) error {
	if c.Kind != KindKeycloak {
		return nil
	}
	return c.checkIDPHint(idpHint)
}

// foldName case folds a provider name.  A Caser isn't safe for concurrent
// use so one is built per call.
func foldName(name string) string {
	return cases.Fold().String(name)
}

// propagates reports whether err must be returned to the caller rather than
// reported through a Response.
func propagates(err error) bool {
	var af *AuthenticationFailed
	return errors.As(err, &af) ||
		errors.Is(err, ErrProtocolValidation) ||
		errors.Is(err, ErrInvalidRefreshToken) ||
		errors.Is(err, ErrUserNotFound)
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return resultSuccess
	case errors.Is(err, ErrPolicyRejection), errors.Is(err, ErrAccountConflict):
		return resultRejected
	default:
		return resultError
	}
}

// finish records the outcome of an operation and converts a non-propagating
// error into an unsuccessful Response.
func (m *Manager) finish(provider, operation string, started time.Time, resp *Response, err error) (*Response, error) {
	m.metrics.observe(provider, operation, resultOf(err), started)
	if err == nil {
		resp.Success = true
		return resp, nil
	}
	err = classify(err)
	if propagates(err) {
		m.logger.Warn("operation failed", "provider", provider, "operation", operation, "error", err)
		return nil, err
	}
	level := hclog.Error
	if errors.Is(err, ErrPolicyRejection) || errors.Is(err, ErrProviderNotFound) {
		level = hclog.Info
	}
	m.logger.Log(level, "operation failed", "provider", provider, "operation", operation, "error", err)
	return &Response{Success: false, Message: err.Error()}, nil
}

// Authenticate starts a login and returns the provider's authorization URL
// in the Response.
func (m *Manager) Authenticate(ctx context.Context, provider string, tx Transaction, idpHint string) (*Response, error) {
	started := time.Now()
	a, c, err := m.adapter(provider)
	if err != nil {
		return m.finish(provider, opAuthenticate, started, nil, err)
	}
	if err := checkIDPHint(c, idpHint); err != nil {
		return m.finish(c.Name, opAuthenticate, started, nil, err)
	}
	u, err := a.Authenticate(ctx, tx, idpHint)
	return m.finish(c.Name, opAuthenticate, started, &Response{RedirectURL: u}, err)
}

// Callback completes a login.  The Response carries the post login redirect
// and the resolved user.  When the user must confirm account creation the
// user is nil and the redirect points at the confirmation page.
func (m *Manager) Callback(ctx context.Context, provider string, tx Transaction, req CallbackRequest) (*Response, error) {
	started := time.Now()
	a, c, err := m.adapter(provider)
	if err != nil {
		return m.finish(provider, opCallback, started, nil, err)
	}
	// the hint recorded by Authenticate is checked by the adapter
	if req.IDPHint != "" {
		if err := checkIDPHint(c, req.IDPHint); err != nil {
			return m.finish(c.Name, opCallback, started, nil, err)
		}
	}
	req.AutoLink = m.autoLink
	res, err := a.Callback(ctx, tx, req)
	if err != nil {
		return m.finish(c.Name, opCallback, started, nil, err)
	}
	return m.finish(c.Name, opCallback, started, &Response{RedirectURL: res.RedirectURL, User: res.User}, nil)
}

// CreateUser completes a login which was waiting for the user to confirm
// account creation.
func (m *Manager) CreateUser(ctx context.Context, provider string, tx Transaction, pendingID string) (*Response, error) {
	started := time.Now()
	a, c, err := m.adapter(provider)
	if err != nil {
		return m.finish(provider, opCreateUser, started, nil, err)
	}
	uc, ok := a.(UserCreator)
	if !ok {
		return m.finish(c.Name, opCreateUser, started, nil, fmt.Errorf("%s does not create users: %w: %w", c.Name, ErrPolicyRejection, ErrNotSupported))
	}
	res, err := uc.CreateUser(ctx, tx, pendingID)
	if err != nil {
		return m.finish(c.Name, opCreateUser, started, nil, err)
	}
	return m.finish(c.Name, opCreateUser, started, &Response{RedirectURL: res.RedirectURL, User: res.User}, nil)
}

// Disconnect removes the session user's link to the provider.
func (m *Manager) Disconnect(ctx context.Context, provider string, tx Transaction, req DisconnectRequest) (*Response, error) {
	started := time.Now()
	a, c, err := m.adapter(provider)
	if err != nil {
		return m.finish(provider, opDisconnect, started, nil, err)
	}
	u, err := a.Disconnect(ctx, tx, req)
	return m.finish(c.Name, opDisconnect, started, &Response{RedirectURL: u}, err)
}

// Logout returns the provider's logout URL.  It fails without contacting the
// provider when IdP logout isn't enabled for it.
func (m *Manager) Logout(ctx context.Context, provider string, tx Transaction, postLogoutURL string) (*Response, error) {
	started := time.Now()
	a, c, err := m.adapter(provider)
	if err != nil {
		return m.finish(provider, opLogout, started, nil, err)
	}
	if !c.EnableIDPLogout {
		return m.finish(c.Name, opLogout, started, nil, fmt.Errorf("idp logout is not enabled for %s: %w", c.Name, ErrPolicyRejection))
	}
	u, err := a.Logout(ctx, tx, postLogoutURL)
	return m.finish(c.Name, opLogout, started, &Response{RedirectURL: u}, err)
}

// Refresh refreshes the session user's credential for the provider when it's
// in its refresh window.  Success is false when there was nothing to do.
func (m *Manager) Refresh(ctx context.Context, provider string, tx Transaction) (*Response, error) {
	const op = "Manager.Refresh"
	started := time.Now()
	a, c, err := m.adapter(provider)
	if err != nil {
		return m.finish(provider, opRefresh, started, nil, err)
	}
	user := tx.CurrentUser()
	if user == nil {
		return m.finish(c.Name, opRefresh, started, nil, fmt.Errorf("%s: no user is logged in: %w", op, ErrPolicyRejection))
	}
	r, ok := a.(Refresher)
	if !ok {
		return m.finish(c.Name, opRefresh, started, nil, fmt.Errorf("%s: %s: %w: %w", op, c.Name, ErrPolicyRejection, ErrNotSupported))
	}
	creds, err := tx.Tokens().ListForUser(ctx, user.ID)
	if err != nil {
		return m.finish(c.Name, opRefresh, started, nil, fmt.Errorf("%s: unable to list credentials: %w", op, err))
	}
	for _, cred := range creds {
		if cred.Provider != c.Name {
			continue
		}
		if cred.RefreshToken == "" {
			return m.finish(c.Name, opRefresh, started, nil, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken))
		}
		refreshed, err := r.Refresh(ctx, tx, cred)
		if err != nil {
			return m.finish(c.Name, opRefresh, started, nil, err)
		}
		if !refreshed {
			m.metrics.observe(c.Name, opRefresh, resultSuccess, started)
			return &Response{Success: false, Message: "credential is not in its refresh window", User: user}, nil
		}
		return m.finish(c.Name, opRefresh, started, &Response{User: user}, nil)
	}
	return m.finish(c.Name, opRefresh, started, nil, fmt.Errorf("%s: user is not connected to %s: %w", op, c.Name, ErrPolicyRejection))
}

// RefreshExpiringTokens refreshes every credential of user, or of the
// session user when user is nil, which is in its refresh window.  Failures
// are logged and don't stop the sweep.  It returns the number of credentials
// refreshed.
func (m *Manager) RefreshExpiringTokens(ctx context.Context, tx Transaction, user *User) int {
	if user == nil {
		user = tx.CurrentUser()
	}
	if user == nil {
		return 0
	}
	creds, err := tx.Tokens().ListForUser(ctx, user.ID)
	if err != nil {
		m.logger.Error("unable to list credentials", "user_id", user.ID, "error", err)
		return 0
	}
	var count int
	for _, cred := range creds {
		started := time.Now()
		a, c, err := m.adapter(cred.Provider)
		if err != nil {
			m.logger.Warn("credential for an unknown provider", "user_id", user.ID, "provider", cred.Provider)
			continue
		}
		r, ok := a.(Refresher)
		if !ok {
			continue
		}
		refreshed, err := r.Refresh(ctx, tx, cred)
		if err != nil {
			m.metrics.observe(c.Name, opRefresh, resultError, started)
			m.logger.Error("unable to refresh credential", "user_id", user.ID, "provider", c.Name, "error", err)
			continue
		}
		if refreshed {
			m.metrics.observe(c.Name, opRefresh, resultSuccess, started)
			count++
		}
	}
	return count
}

// MatchAccessTokenToUser asks every provider able to decode access tokens
// whether token is theirs.  It returns the linked user of the first provider
// that claims it.  A nil user and nil error means no provider claimed the
// token.  A token whose provider has no linked user fails with
// ErrUserNotFound.  Providers are probed in name order.
func (m *Manager) MatchAccessTokenToUser(ctx context.Context, tx Transaction, token string) (*User, error) {
	const op = "Manager.MatchAccessTokenToUser"
	keys := make([]string, 0, len(m.adapters))
	for k := range m.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d, ok := m.adapters[k].(AccessTokenDecoder)
		if !ok {
			continue
		}
		name := m.configs[k].Name
		started := time.Now()
		user, claims, err := d.DecodeAccessToken(ctx, tx, token)
		switch {
		case err != nil:
			m.metrics.observe(name, opMatchToken, resultError, started)
			return nil, fmt.Errorf("%s: %s: %w", op, name, classify(err))
		case user != nil:
			m.metrics.observe(name, opMatchToken, resultSuccess, started)
			return user, nil
		case claims != nil:
			m.metrics.observe(name, opMatchToken, resultRejected, started)
			return nil, fmt.Errorf("%s: %s: subject %q: %w", op, name, claimString(claims, "sub"), ErrUserNotFound)
		}
	}
	return nil, nil
}
