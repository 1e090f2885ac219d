// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package web

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/authnz"
)

// Session is the application's session system.  Implementations must be
// concurrently safe.
type Session interface {
	// CurrentUser returns the user logged in to the request's session or nil.
	CurrentUser(r *http.Request) *authnz.User

	// Login makes u the session user.
	Login(w http.ResponseWriter, r *http.Request, u *authnz.User) error

	// Logout ends the session.
	Logout(w http.ResponseWriter, r *http.Request) error
}

// Deps are the application collaborators used by the handlers.
type Deps struct {
	Users   authnz.UserStore
	Tokens  authnz.TokenStore
	Session Session

	// AllowedRedirects are the absolute URLs, besides the request's own
	// origin, which the logout and disconnect handlers redirect to.  A URL
	// matches an entry with the same scheme and host when the entry's path
	// is a prefix of its path.
	AllowedRedirects []string

	// DefaultRedirect replaces a redirect which isn't allowed.  It defaults
	// to "/".
	DefaultRedirect string
}

func (d Deps) validate() error {
	switch {
	case d.Users == nil:
		return fmt.Errorf("user store is nil: %w", authnz.ErrNilParameter)
	case d.Tokens == nil:
		return fmt.Errorf("token store is nil: %w", authnz.ErrNilParameter)
	case d.Session == nil:
		return fmt.Errorf("session is nil: %w", authnz.ErrNilParameter)
	}
	for _, a := range d.AllowedRedirects {
		u, err := url.Parse(a)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("allowed redirect %q isn't an absolute url: %w", a, authnz.ErrInvalidParameter)
		}
	}
	return nil
}

// Transaction is an authnz.Transaction backed by an http request and its
// response.  Cookies set during the request are visible to later reads.
type Transaction struct {
	w    http.ResponseWriter
	r    *http.Request
	deps Deps
	user *authnz.User

	mu      sync.Mutex
	written map[string]*http.Cookie
}

var _ authnz.Transaction = (*Transaction)(nil)

// NewTransaction creates a Transaction for one request.  The session user is
// read once.
func NewTransaction(w http.ResponseWriter, r *http.Request, d Deps) (*Transaction, error) {
	const op = "web.NewTransaction"
	switch {
	case w == nil:
		return nil, fmt.Errorf("%s: response writer is nil: %w", op, authnz.ErrNilParameter)
	case r == nil:
		return nil, fmt.Errorf("%s: request is nil: %w", op, authnz.ErrNilParameter)
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Transaction{
		w:       w,
		r:       r,
		deps:    d,
		user:    d.Session.CurrentUser(r),
		written: map[string]*http.Cookie{},
	}, nil
}

// Cookie implements authnz.Transaction.
func (tx *Transaction) Cookie(name string) (string, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if c, ok := tx.written[name]; ok {
		if c.MaxAge < 0 {
			return "", false
		}
		return c.Value, true
	}
	c, err := tx.r.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

// SetCookie implements authnz.Transaction.  Cookies are HttpOnly, scoped to
// the whole site and SameSite=Lax so that they survive the redirect back
// from the provider.
func (tx *Transaction) SetCookie(name, value string, maxAge time.Duration) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   tx.secure(),
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge < 0 {
		c.Value = ""
		c.MaxAge = -1
	}
	tx.mu.Lock()
	tx.written[name] = c
	tx.mu.Unlock()
	http.SetCookie(tx.w, c)
}

// CurrentUser implements authnz.Transaction.
func (tx *Transaction) CurrentUser() *authnz.User { return tx.user }

// RequestURL implements authnz.Transaction.
func (tx *Transaction) RequestURL() string {
	scheme := "http"
	if tx.secure() {
		scheme = "https"
	}
	return scheme + "://" + tx.r.Host + tx.r.URL.RequestURI()
}

// Users implements authnz.Transaction.
func (tx *Transaction) Users() authnz.UserStore { return tx.deps.Users }

// Tokens implements authnz.Transaction.
func (tx *Transaction) Tokens() authnz.TokenStore { return tx.deps.Tokens }

func (tx *Transaction) secure() bool {
	return tx.r.TLS != nil || tx.r.Header.Get("X-Forwarded-Proto") == "https"
}
