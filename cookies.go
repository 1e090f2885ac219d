// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authnz

import "time"

// Cookies holding the state of a login attempt.
const (
	StateCookie    = "oidc_state"
	NonceCookie    = "oidc_nonce"
	VerifierCookie = "oidc_code_verifier"
	IDPHintCookie  = "oidc_idp_hint"
)

// PendingCookie binds a login waiting for account creation confirmation to
// the browser which started it.
const PendingCookie = "authnz_pending"


// CookieMaxAge is the lifetime of a login attempt.
const CookieMaxAge = 10 * time.Minute

// attempt is the state of one login attempt as recovered from cookies.
type attempt struct {
	state    string
	nonce    string
	verifier string
	idpHint  string
}

func (a attempt) store(tx Transaction) {
	tx.SetCookie(StateCookie, a.state, CookieMaxAge)
	if a.nonce != "" {
		tx.SetCookie(NonceCookie, a.nonce, CookieMaxAge)
	}
	if a.verifier != "" {
		tx.SetCookie(VerifierCookie, a.verifier, CookieMaxAge)
	}
	if a.idpHint != "" {
		tx.SetCookie(IDPHintCookie, a.idpHint, CookieMaxAge)
	}
}

// consumeAttempt reads the attempt's cookies and deletes them.  An attempt
// can only be consumed once.
func consumeAttempt(tx Transaction) attempt {
	var a attempt
	a.state, _ = tx.Cookie(StateCookie)
	a.nonce, _ = tx.Cookie(NonceCookie)
	a.verifier, _ = tx.Cookie(VerifierCookie)
	a.idpHint, _ = tx.Cookie(IDPHintCookie)
	for _, name := range []string{StateCookie, NonceCookie, VerifierCookie, IDPHintCookie} {
		tx.SetCookie(name, "", -1)
	}
	return a
}
