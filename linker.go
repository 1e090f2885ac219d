// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authnz

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"github.com/patrickmn/go-cache"
)

// PendingConfirmationTTL is how long a login waits for the user to confirm
// account creation.
const PendingConfirmationTTL = 10 * time.Minute

const maxUsernameAttempts = 100

var usernameInvalidChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// pendingLogin is a login waiting for the user to confirm account creation.
type pendingLogin struct {
	identity    *ResolvedIdentity
	tokens      tokenSet
	redirectURL string

	// binding is the value of the PendingCookie set for the login.
	binding string
}

// accountLinker resolves the local user of a provider identity and stores
// the credential.  It's shared by every adapter.
type accountLinker struct {
	provider string
	config   *ProviderConfig
	logger   hclog.Logger
	pending  *cache.Cache
}

func newAccountLinker(c *ProviderConfig, logger hclog.Logger) *accountLinker {
	return &accountLinker{
		provider: c.Name,
		config:   c,
		logger:   logger,
		pending:  cache.New(PendingConfirmationTTL, 2*PendingConfirmationTTL),
	}
}

// complete links id to a local user and stores the credential.
func (l *accountLinker) complete(ctx context.Context, tx Transaction, id *ResolvedIdentity, ts tokenSet, req CallbackRequest) (*CallbackResult, error) {
	const op = "accountLinker.complete"
	if id.Subject == "" {
		return nil, fmt.Errorf("%s: provider assertion has no subject: %w", op, ErrProtocolValidation)
	}
	current := tx.CurrentUser()

	var user *User
	existing, err := tx.Tokens().Find(ctx, id.Subject, l.provider)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to find credential: %w", op, err)
	}
	if existing != nil {
		if current != nil && current.ID != existing.UserID {
			return nil, newAccountConflict("this identity is already linked to a different account")
		}
		if user, err = tx.Users().FindByID(ctx, existing.UserID); err != nil {
			return nil, fmt.Errorf("%s: unable to find user: %w", op, err)
		}
		if user == nil {
			l.logger.Warn("deleting credential of a missing user", "user_id", existing.UserID, "subject", id.Subject)
			if err := tx.Tokens().Delete(ctx, existing); err != nil {
				return nil, fmt.Errorf("%s: unable to delete credential: %w", op, err)
			}
		}
	}
	if user == nil && current != nil {
		user = current
	}
	if user == nil && id.Email != "" {
		byEmail, err := tx.Users().FindByEmail(ctx, id.Email)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to find user by email: %w", op, err)
		}
		if byEmail != nil {
			if !req.AutoLink {
				return nil, newAccountConflict(fmt.Sprintf(
					"an account with the email %s already exists, log in as the existing account first to link it with %s", id.Email, l.provider))
			}
			l.logger.Info("linking identity to existing user by email", "user_id", byEmail.ID, "subject", id.Subject)
			user = byEmail
		}
	}
	if user == nil && l.config.RequireCreateConfirmation {
		return l.stash(tx, id, ts, req.LoginRedirectURL)
	}
	if user == nil {
		if user, err = l.createUser(ctx, tx, id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	c, err := upsertCredential(ctx, tx, l.logger, user, l.provider, id.Subject, ts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &CallbackResult{
		RedirectURL: req.LoginRedirectURL,
		User:        user,
		Credential:  c,
		Identity:    id,
	}, nil
}

// stash parks the login until the user confirms account creation and
// returns the confirmation redirect.  The login is bound to the browser with
// the PendingCookie.
func (l *accountLinker) stash(tx Transaction, id *ResolvedIdentity, ts tokenSet, loginRedirectURL string) (*CallbackResult, error) {
	const op = "accountLinker.stash"
	pendingID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate id: %w", op, err)
	}
	binding, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate binding: %w", op, err)
	}
	u, err := url.Parse(loginRedirectURL)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid login redirect url: %w", op, ErrInvalidParameter)
	}
	q := u.Query()
	q.Set("confirm", "true")
	q.Set("provider", l.provider)
	q.Set("provider_token", pendingID)
	u.RawQuery = q.Encode()

	l.pending.SetDefault(pendingID, &pendingLogin{identity: id, tokens: ts, redirectURL: loginRedirectURL, binding: binding})
	tx.SetCookie(PendingCookie, binding, PendingConfirmationTTL)
	l.logger.Debug("waiting for account creation confirmation", "subject", id.Subject)
	return &CallbackResult{RedirectURL: u.String(), Identity: id}, nil
}

// createPending completes a login parked by stash.  Only the browser
// holding the login's PendingCookie can complete it.
func (l *accountLinker) createPending(ctx context.Context, tx Transaction, pendingID string) (*CallbackResult, error) {
	const op = "accountLinker.createPending"
	v, ok := l.pending.Get(pendingID)
	if !ok {
		return nil, fmt.Errorf("%s: unknown or expired confirmation: %w", op, ErrPolicyRejection)
	}
	p := v.(*pendingLogin)
	binding, _ := tx.Cookie(PendingCookie)
	if subtle.ConstantTimeCompare([]byte(binding), []byte(p.binding)) != 1 {
		l.logger.Warn("account creation confirmation from another browser", "subject", p.identity.Subject)
		return nil, fmt.Errorf("%s: confirmation isn't bound to this browser: %w", op, ErrPolicyRejection)
	}
	l.pending.Delete(pendingID)
	tx.SetCookie(PendingCookie, "", -1)

	if existing, err := tx.Users().FindByEmail(ctx, p.identity.Email); err != nil {
		return nil, fmt.Errorf("%s: unable to find user by email: %w", op, err)
	} else if existing != nil {
		return nil, newAccountConflict(fmt.Sprintf("an account with the email %s already exists", p.identity.Email))
	}
	user, err := l.createUser(ctx, tx, p.identity)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c, err := upsertCredential(ctx, tx, l.logger, user, l.provider, p.identity.Subject, p.tokens)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &CallbackResult{
		RedirectURL: p.redirectURL,
		User:        user,
		Credential:  c,
		Identity:    p.identity,
	}, nil
}

func (l *accountLinker) createUser(ctx context.Context, tx Transaction, id *ResolvedIdentity) (*User, error) {
	const op = "accountLinker.createUser"
	if id.Email == "" {
		return nil, fmt.Errorf("%s: provider did not assert an email address: %w", op, ErrPolicyRejection)
	}
	username, err := uniqueUsername(ctx, tx.Users(), id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	user, err := tx.Users().Create(ctx, id.Email, username)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create user: %w", op, err)
	}
	l.logger.Info("created user", "user_id", user.ID, "username", username)
	if err := tx.Users().SendActivationEmail(ctx, user); err != nil {
		l.logger.Warn("unable to send activation email", "user_id", user.ID, "error", err)
	}
	return user, nil
}

// disconnect removes the session user's credentials for the provider.
func (l *accountLinker) disconnect(ctx context.Context, tx Transaction, req DisconnectRequest) (string, error) {
	const op = "accountLinker.disconnect"
	user := tx.CurrentUser()
	if user == nil {
		return "", fmt.Errorf("%s: no user is logged in: %w", op, ErrPolicyRejection)
	}
	all, err := tx.Tokens().ListForUser(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("%s: unable to list credentials: %w", op, err)
	}
	var remove []*DelegatedCredential
	for _, c := range all {
		if c.Provider == l.provider && (req.Subject == "" || c.Subject == req.Subject) {
			remove = append(remove, c)
		}
	}
	if len(remove) == 0 {
		return "", fmt.Errorf("%s: user is not connected to %s: %w", op, l.provider, ErrPolicyRejection)
	}
	if !user.HasPassword && len(all) == len(remove) {
		return "", fmt.Errorf("%s: refusing to remove the last login method of a user without a password: %w", op, ErrPolicyRejection)
	}
	for _, c := range remove {
		if err := tx.Tokens().Delete(ctx, c); err != nil {
			return "", fmt.Errorf("%s: unable to delete credential: %w", op, err)
		}
	}
	l.logger.Info("disconnected provider", "user_id", user.ID)
	return req.RedirectURL, nil
}

// idTokenFor returns the session user's stored id_token for the provider.
func (l *accountLinker) idTokenFor(ctx context.Context, tx Transaction) string {
	user := tx.CurrentUser()
	if user == nil {
		return ""
	}
	all, err := tx.Tokens().ListForUser(ctx, user.ID)
	if err != nil {
		l.logger.Warn("unable to list credentials", "error", err)
		return ""
	}
	for _, c := range all {
		if c.Provider == l.provider {
			return c.IDToken
		}
	}
	return ""
}

// uniqueUsername derives a username from the identity and makes it unique by
// appending a counter.
func uniqueUsername(ctx context.Context, users UserStore, id *ResolvedIdentity) (string, error) {
	const op = "uniqueUsername"
	base := id.PreferredUsername
	if base == "" {
		base = id.Email
	}
	if i := strings.Index(base, "@"); i >= 0 {
		base = base[:i]
	}
	base = strings.Trim(usernameInvalidChars.ReplaceAllString(strings.ToLower(base), "-"), "-")
	if base == "" {
		base = "user"
	}
	for i := 0; i < maxUsernameAttempts; i++ {
		candidate := base
		if i > 0 {
			candidate = base + "-" + strconv.Itoa(i)
		}
		u, err := users.FindByUsername(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("%s: unable to find user by username: %w", op, err)
		}
		if u == nil {
			return candidate, nil
		}
	}
	suffix, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate suffix: %w", op, err)
	}
	return base + "-" + suffix[:8], nil
}

func claimString(claims map[string]interface{}, key string) string {
	s, _ := claims[key].(string)
	return s
}
