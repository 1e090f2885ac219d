// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authnz

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/authnz/oidc"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
)

// tokenSet is the set of tokens returned by a provider.
type tokenSet struct {
	accessToken   string
	idToken       string
	refreshToken  string
	issuedAt      time.Time
	accessExpiry  time.Time
	refreshExpiry time.Time
}

func tokensFromOIDC(tk *oidc.Tk) tokenSet {
	return tokenSet{
		accessToken:   string(tk.AccessToken()),
		idToken:       string(tk.IDToken()),
		refreshToken:  string(tk.RefreshToken()),
		issuedAt:      tk.IssuedAt(),
		accessExpiry:  tk.Expiry(),
		refreshExpiry: tk.RefreshExpiry(),
	}
}

func tokensFromOAuth2(t *oauth2.Token, issuedAt time.Time) tokenSet {
	ts := tokenSet{
		accessToken:  t.AccessToken,
		refreshToken: t.RefreshToken,
		issuedAt:     issuedAt,
		accessExpiry: t.Expiry,
	}
	ts.idToken, _ = t.Extra("id_token").(string)
	if secs := extraSeconds(t.Extra("refresh_expires_in")); secs > 0 && ts.refreshToken != "" {
		ts.refreshExpiry = issuedAt.Add(time.Duration(secs) * time.Second)
	}
	return ts
}

func extraSeconds(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// apply overwrites c's token fields.  An empty id or refresh token keeps the
// stored value since refresh responses may omit them.
func (ts tokenSet) apply(c *DelegatedCredential) {
	c.AccessToken = ts.accessToken
	if ts.idToken != "" {
		c.IDToken = ts.idToken
	}
	if ts.refreshToken != "" {
		c.RefreshToken = ts.refreshToken
		c.RefreshExpiry = ts.refreshExpiry
	}
	c.IssuedAt = ts.issuedAt
	c.AccessExpiry = ts.accessExpiry
}

// inRefreshWindow reports whether now is in [IssuedAt + lifetime/2,
// IssuedAt + lifetime) where lifetime is the access token's lifetime.
func inRefreshWindow(c *DelegatedCredential, now time.Time) bool {
	if c.IssuedAt.IsZero() || c.AccessExpiry.IsZero() {
		return false
	}
	lifetime := c.AccessExpiry.Sub(c.IssuedAt)
	if lifetime <= 0 {
		return false
	}
	start := c.IssuedAt.Add(lifetime / 2)
	return !now.Before(start) && now.Before(c.AccessExpiry)
}

// refreshDue reports whether c should be refreshed now.
func refreshDue(c *DelegatedCredential, now time.Time) bool {
	if c == nil || c.RefreshToken == "" {
		return false
	}
	if !c.RefreshExpiry.IsZero() && !now.Before(c.RefreshExpiry) {
		return false
	}
	return inRefreshWindow(c, now)
}

// upsertCredential writes the user's credential for provider.  When more than
// one credential exists for the pair they're all deleted and a fresh record is
// written.
func upsertCredential(ctx context.Context, tx Transaction, logger hclog.Logger, user *User, provider, subject string, ts tokenSet) (*DelegatedCredential, error) {
	const op = "upsertCredential"
	all, err := tx.Tokens().ListForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to list credentials: %w", op, err)
	}
	var existing []*DelegatedCredential
	for _, c := range all {
		if c.Provider == provider {
			existing = append(existing, c)
		}
	}

	c := &DelegatedCredential{}
	switch len(existing) {
	case 0:
	case 1:
		c = existing[0]
	default:
		logger.Error("multiple credentials found for user and provider, deleting all of them",
			"anomaly", "data-integrity",
			"user_id", user.ID,
			"provider", provider,
			"count", len(existing),
			"error", ErrDataIntegrity)
		for _, dup := range existing {
			if err := tx.Tokens().Delete(ctx, dup); err != nil {
				return nil, fmt.Errorf("%s: unable to delete duplicate credential: %w", op, err)
			}
		}
	}
	c.UserID = user.ID
	c.Provider = provider
	c.Subject = subject
	ts.apply(c)
	if err := tx.Tokens().Upsert(ctx, c); err != nil {
		return nil, fmt.Errorf("%s: unable to store credential: %w", op, err)
	}
	return c, nil
}
