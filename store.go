// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authnz

import (
	"context"
	"time"
)

// User is a local user record.
type User struct {
	ID       string
	Email    string
	Username string

	// HasPassword is true when the user can also log in with a local
	// password.
	HasPassword bool

	// Active is false until the user confirms their email address.
	Active bool
}

// DelegatedCredential is one user's tokens for one provider.  At most one
// exists per (UserID, Provider).
type DelegatedCredential struct {
	ID       string
	UserID   string
	Provider string

	// Subject is the provider's stable identifier for the user.
	Subject string

	AccessToken  string
	IDToken      string
	RefreshToken string

	// IssuedAt is when the current tokens were issued.  It anchors the
	// refresh window.
	IssuedAt      time.Time
	AccessExpiry  time.Time
	RefreshExpiry time.Time
}

// ResolvedIdentity is the identity asserted by a provider.
type ResolvedIdentity struct {
	Subject           string
	Email             string
	PreferredUsername string
	Claims            map[string]interface{}
}

// Transaction is the per-request context handed to adapters: a short lived
// cookie jar, the session user and the stores.
type Transaction interface {
	// Cookie returns the named cookie's value.
	Cookie(name string) (string, bool)

	// SetCookie sets a cookie.  A negative maxAge deletes it.
	SetCookie(name, value string, maxAge time.Duration)

	// CurrentUser returns the user of the current session or nil.
	CurrentUser() *User

	RequestURL() string
	Users() UserStore
	Tokens() TokenStore
}

// UserStore persists local users.  Finders return a nil user and a nil error
// when nothing matches.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	Create(ctx context.Context, email, username string) (*User, error)
	SendActivationEmail(ctx context.Context, u *User) error
}

// TokenStore persists delegated credentials.  Find returns a nil credential
// and a nil error when nothing matches.
type TokenStore interface {
	Find(ctx context.Context, subject, provider string) (*DelegatedCredential, error)
	ListForUser(ctx context.Context, userID string) ([]*DelegatedCredential, error)

	// Upsert creates c when c.ID is empty (assigning an ID) and overwrites
	// the stored record otherwise.
	Upsert(ctx context.Context, c *DelegatedCredential) error
	Delete(ctx context.Context, c *DelegatedCredential) error
}
