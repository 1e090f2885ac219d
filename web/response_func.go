// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hashicorp/authnz"
)

// ErrUnsuccessful is passed to an ErrorResponseFunc when the manager
// reported an unsuccessful Response.  The Response's message is wrapped
// around it.
var ErrUnsuccessful = errors.New("request was not successful")

// SuccessResponseFunc is used by the handlers to create a http response when
// the request is successful.
//
// The provider is the name from the request.  The Response holds the redirect
// URL and, after a completed login, the user.  The function should use the
// http.ResponseWriter to send back whatever content (headers, html, JSON,
// etc) it wishes.
type SuccessResponseFunc func(provider string, resp *authnz.Response, w http.ResponseWriter, req *http.Request)

// ErrorResponseFunc is used by the handlers to create a http response when
// the request fails.
//
// respErr is set when the provider returned an OAuth2 error response to the
// callback.  e is set when processing the request failed.
type ErrorResponseFunc func(provider string, respErr *AuthenErrorResponse, e error, w http.ResponseWriter, req *http.Request)

// AuthenErrorResponse represents Oauth2 error responses.  See:
// https://openid.net/specs/openid-connect-core-1_0.html#AuthError
type AuthenErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Uri         string `json:"error_uri,omitempty"`
}

// RedirectResponse is a SuccessResponseFunc which redirects to the
// Response's RedirectURL, or answers 204 when there is none.
func RedirectResponse(_ string, resp *authnz.Response, w http.ResponseWriter, req *http.Request) {
	if resp == nil || resp.RedirectURL == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, req, resp.RedirectURL, http.StatusFound)
}

// JSONErrorResponse is an ErrorResponseFunc which writes an
// AuthenErrorResponse as JSON.  Only the user facing message of an
// authnz.AuthenticationFailed is disclosed.  Other failures are described by
// their kind.
func JSONErrorResponse(_ string, respErr *AuthenErrorResponse, e error, w http.ResponseWriter, _ *http.Request) {
	status, body := errorBody(respErr, e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	j, _ := json.Marshal(body)
	_, _ = w.Write(j)
}

func errorBody(respErr *AuthenErrorResponse, e error) (int, *AuthenErrorResponse) {
	var af *authnz.AuthenticationFailed
	switch {
	case respErr != nil:
		return http.StatusUnauthorized, respErr
	case e == nil:
		return http.StatusInternalServerError, &AuthenErrorResponse{Error: "unknown-error"}
	case errors.As(e, &af):
		return http.StatusUnauthorized, &AuthenErrorResponse{Error: "authentication-failed", Description: af.Msg}
	case errors.Is(e, authnz.ErrProtocolValidation):
		return http.StatusBadRequest, &AuthenErrorResponse{Error: "invalid-response", Description: authnz.ErrProtocolValidation.Error()}
	case errors.Is(e, authnz.ErrInvalidRefreshToken):
		return http.StatusUnauthorized, &AuthenErrorResponse{Error: "invalid-refresh-token", Description: authnz.ErrInvalidRefreshToken.Error()}
	case errors.Is(e, ErrUnsuccessful):
		return http.StatusForbidden, &AuthenErrorResponse{Error: "rejected", Description: e.Error()}
	default:
		return http.StatusInternalServerError, &AuthenErrorResponse{Error: "internal-error"}
	}
}
