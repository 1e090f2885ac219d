// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package web serves the login flows of an authnz.Manager over net/http.
// The attempt state lives in cookies and the session is supplied by the
// application.
package web

import (
	"fmt"
	"net/http"

	"github.com/hashicorp/authnz"
)

// Request parameters read by the handlers from the query or form body.
const (
	ProviderParam      = "provider"
	IDPHintParam       = "idphint"
	PendingParam       = "provider_token"
	PostLogoutParam    = "post_logout_redirect_uri"
	SubjectParam       = "subject"
	RedirectParam      = "redirect_url"
	callbackStateParam = "state"
	callbackCodeParam  = "code"
)

func checkHandlerParams(m *authnz.Manager, d Deps, sFn SuccessResponseFunc, eFn ErrorResponseFunc) error {
	switch {
	case m == nil:
		return fmt.Errorf("manager is nil: %w", authnz.ErrInvalidParameter)
	case sFn == nil:
		return fmt.Errorf("success response func is nil: %w", authnz.ErrInvalidParameter)
	case eFn == nil:
		return fmt.Errorf("error response func is nil: %w", authnz.ErrInvalidParameter)
	}
	if err := d.validate(); err != nil {
		return fmt.Errorf("%s: %w", err, authnz.ErrInvalidParameter)
	}
	return nil
}

// respond hands the manager's outcome to the response funcs.
func respond(provider string, resp *authnz.Response, err error, sFn SuccessResponseFunc, eFn ErrorResponseFunc, w http.ResponseWriter, req *http.Request) {
	switch {
	case err != nil:
		eFn(provider, nil, err, w, req)
	case !resp.Success:
		eFn(provider, nil, fmt.Errorf("%s: %w", resp.Message, ErrUnsuccessful), w, req)
	default:
		sFn(provider, resp, w, req)
	}
}

// LoginHandler creates a handler which starts a login with the provider
// named by the "provider" parameter.  An optional "idphint" selects the
// upstream identity provider of a Keycloak family provider.  On success
// sFn receives the provider's authorization URL, which RedirectResponse
// redirects to.
func LoginHandler(m *authnz.Manager, d Deps, sFn SuccessResponseFunc, eFn ErrorResponseFunc) (http.HandlerFunc, error) {
	const op = "web.LoginHandler"
	if err := checkHandlerParams(m, d, sFn, eFn); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return func(w http.ResponseWriter, req *http.Request) {
		provider := req.FormValue(ProviderParam)
		tx, err := NewTransaction(w, req, d)
		if err != nil {
			eFn(provider, nil, err, w, req)
			return
		}
		resp, err := m.Authenticate(req.Context(), provider, tx, req.FormValue(IDPHintParam))
		respond(provider, resp, err, sFn, eFn, w, req)
	}, nil
}

// CallbackHandler creates the handler for the provider's redirect back to
// the application.  The provider's OAuth2 error responses are passed to eFn.
// A completed login is established in the session before sFn is called.
// loginRedirectURL is where the browser goes after a successful login.
func CallbackHandler(m *authnz.Manager, d Deps, loginRedirectURL string, sFn SuccessResponseFunc, eFn ErrorResponseFunc) (http.HandlerFunc, error) {
	const op = "web.CallbackHandler"
	if err := checkHandlerParams(m, d, sFn, eFn); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if loginRedirectURL == "" {
		return nil, fmt.Errorf("%s: login redirect url is empty: %w", op, authnz.ErrInvalidParameter)
	}
	return func(w http.ResponseWriter, req *http.Request) {
		provider := req.FormValue(ProviderParam)
		if e := req.FormValue("error"); e != "" {
			// FormValue prioritizes body values over the query
			eFn(provider, &AuthenErrorResponse{
				Error:       e,
				Description: req.FormValue("error_description"),
				Uri:         req.FormValue("error_uri"),
			}, nil, w, req)
			return
		}
		tx, err := NewTransaction(w, req, d)
		if err != nil {
			eFn(provider, nil, err, w, req)
			return
		}
		resp, err := m.Callback(req.Context(), provider, tx, authnz.CallbackRequest{
			State:            req.FormValue(callbackStateParam),
			Code:             req.FormValue(callbackCodeParam),
			LoginRedirectURL: loginRedirectURL,
			IDPHint:          req.FormValue(IDPHintParam),
		})
		if err == nil && resp.Success && resp.User != nil {
			if err := d.Session.Login(w, req, resp.User); err != nil {
				eFn(provider, nil, fmt.Errorf("%s: unable to log in: %w", op, err), w, req)
				return
			}
		}
		respond(provider, resp, err, sFn, eFn, w, req)
	}, nil
}

// ConfirmHandler creates the handler which completes a login that was
// waiting for the user to confirm account creation.  The "provider_token"
// parameter names the pending login.
func ConfirmHandler(m *authnz.Manager, d Deps, sFn SuccessResponseFunc, eFn ErrorResponseFunc) (http.HandlerFunc, error) {
	const op = "web.ConfirmHandler"
	if err := checkHandlerParams(m, d, sFn, eFn); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return func(w http.ResponseWriter, req *http.Request) {
		provider := req.FormValue(ProviderParam)
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		tx, err := NewTransaction(w, req, d)
		if err != nil {
			eFn(provider, nil, err, w, req)
			return
		}
		resp, err := m.CreateUser(req.Context(), provider, tx, req.FormValue(PendingParam))
		if err == nil && resp.Success && resp.User != nil {
			if err := d.Session.Login(w, req, resp.User); err != nil {
				eFn(provider, nil, fmt.Errorf("%s: unable to log in: %w", op, err), w, req)
				return
			}
		}
		respond(provider, resp, err, sFn, eFn, w, req)
	}, nil
}

// LogoutHandler creates a handler which ends the session and, when the
// provider has IdP logout enabled, passes the provider's end session URL to
// sFn.  Otherwise sFn receives the "post_logout_redirect_uri" parameter.
// Redirects off the request's origin must be in Deps.AllowedRedirects.
func LogoutHandler(m *authnz.Manager, d Deps, sFn SuccessResponseFunc, eFn ErrorResponseFunc) (http.HandlerFunc, error) {
	const op = "web.LogoutHandler"
	if err := checkHandlerParams(m, d, sFn, eFn); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return func(w http.ResponseWriter, req *http.Request) {
		provider := req.FormValue(ProviderParam)
		postLogout := d.redirectTarget(req, req.FormValue(PostLogoutParam))
		tx, err := NewTransaction(w, req, d)
		if err != nil {
			eFn(provider, nil, err, w, req)
			return
		}
		// the id_token hint is read through tx before the session ends
		resp, err := m.Logout(req.Context(), provider, tx, postLogout)
		if err != nil {
			eFn(provider, nil, err, w, req)
			return
		}
		if err := d.Session.Logout(w, req); err != nil {
			eFn(provider, nil, fmt.Errorf("%s: unable to log out: %w", op, err), w, req)
			return
		}
		if !resp.Success {
			resp = &authnz.Response{Success: true, RedirectURL: postLogout}
		}
		sFn(provider, resp, w, req)
	}, nil
}

// DisconnectHandler creates a handler which removes the session user's
// credential for the provider.  It only accepts POST.
func DisconnectHandler(m *authnz.Manager, d Deps, sFn SuccessResponseFunc, eFn ErrorResponseFunc) (http.HandlerFunc, error) {
	const op = "web.DisconnectHandler"
	if err := checkHandlerParams(m, d, sFn, eFn); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return func(w http.ResponseWriter, req *http.Request) {
		provider := req.FormValue(ProviderParam)
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		tx, err := NewTransaction(w, req, d)
		if err != nil {
			eFn(provider, nil, err, w, req)
			return
		}
		resp, err := m.Disconnect(req.Context(), provider, tx, authnz.DisconnectRequest{
			Subject:     req.FormValue(SubjectParam),
			RedirectURL: d.redirectTarget(req, req.FormValue(RedirectParam)),
		})
		respond(provider, resp, err, sFn, eFn, w, req)
	}, nil
}

// RefreshMiddleware refreshes the session user's credentials which are in
// their refresh window before calling next.  Failures are logged by the
// manager and never block the request.
func RefreshMiddleware(m *authnz.Manager, d Deps, next http.Handler) (http.Handler, error) {
	const op = "web.RefreshMiddleware"
	switch {
	case m == nil:
		return nil, fmt.Errorf("%s: manager is nil: %w", op, authnz.ErrInvalidParameter)
	case next == nil:
		return nil, fmt.Errorf("%s: next handler is nil: %w", op, authnz.ErrInvalidParameter)
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, err, authnz.ErrInvalidParameter)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if tx, err := NewTransaction(w, req, d); err == nil && tx.CurrentUser() != nil {
			m.RefreshExpiringTokens(req.Context(), tx, nil)
		}
		next.ServeHTTP(w, req)
	}), nil
}
