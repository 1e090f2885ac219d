// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hashicorp/authnz"
	"github.com/hashicorp/authnz/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginHandler(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t, nil)
	d, _, _ := testDeps()

	tests := []struct {
		name      string
		m         *authnz.Manager
		d         Deps
		sFn       SuccessResponseFunc
		eFn       ErrorResponseFunc
		wantErrIs error
	}{
		{name: "valid", m: m, d: d, sFn: RedirectResponse, eFn: JSONErrorResponse},
		{name: "nil-manager", d: d, sFn: RedirectResponse, eFn: JSONErrorResponse, wantErrIs: authnz.ErrInvalidParameter},
		{name: "nil-stores", m: m, sFn: RedirectResponse, eFn: JSONErrorResponse, wantErrIs: authnz.ErrInvalidParameter},
		{name: "nil-sFn", m: m, d: d, eFn: JSONErrorResponse, wantErrIs: authnz.ErrInvalidParameter},
		{name: "nil-eFn", m: m, d: d, sFn: RedirectResponse, wantErrIs: authnz.ErrInvalidParameter},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := LoginHandler(tt.m, tt.d, tt.sFn, tt.eFn)
			if tt.wantErrIs != nil {
				require.Error(err)
				assert.Nil(got)
				assert.Truef(errors.Is(err, tt.wantErrIs), "wanted \"%s\" but got \"%s\"", tt.wantErrIs, err)
				return
			}
			require.NoError(err)
			assert.NotNil(got)
		})
	}

	t.Run("unknown-provider", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		h, err := LoginHandler(m, d, RedirectResponse, JSONErrorResponse)
		require.NoError(err)
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest("GET", "https://app.example/login?provider=nope", nil))
		assert.Equal(http.StatusForbidden, rec.Code)
		var body AuthenErrorResponse
		require.NoError(json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal("rejected", body.Error)
		assert.Contains(body.Description, authnz.ErrProviderNotFound.Error())
	})
}

func TestCallbackHandler_login(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	m, tp := testManager(t, nil)
	d, store, session := testDeps()
	login, err := LoginHandler(m, d, RedirectResponse, JSONErrorResponse)
	require.NoError(err)
	callback, err := CallbackHandler(m, d, testLoginURL, RedirectResponse, JSONErrorResponse)
	require.NoError(err)

	loginRec := httptest.NewRecorder()
	login(loginRec, httptest.NewRequest("GET", "https://app.example/login?provider=OIDC-TEST", nil))
	require.Equal(http.StatusFound, loginRec.Code)
	authURL := loginRec.Header().Get("Location")
	require.True(strings.HasPrefix(authURL, tp.Addr()))

	cbReq := httptest.NewRequest("GET", testFollow(t, tp, authURL), nil)
	testCarryCookies(loginRec, cbReq)
	cbRec := httptest.NewRecorder()
	callback(cbRec, cbReq)
	require.Equalf(http.StatusFound, cbRec.Code, "body: %s", cbRec.Body.String())
	assert.Equal(testLoginURL, cbRec.Header().Get("Location"))

	user := session.CurrentUser(cbReq)
	require.NotNil(user)
	assert.Equal("a@example.com", user.Email)
	creds := store.Credentials()
	require.Len(creds, 1)
	assert.Equal(user.ID, creds[0].UserID)
	for _, c := range cbRec.Result().Cookies() {
		assert.Equalf(-1, c.MaxAge, "cookie %s was not deleted", c.Name)
	}
}

func TestCallbackHandler_errors(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t, nil)
	d, _, session := testDeps()
	callback, err := CallbackHandler(m, d, testLoginURL, RedirectResponse, JSONErrorResponse)
	require.NoError(t, err)

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantError  string
	}{
		{
			name:       "provider-error",
			url:        "https://app.example/cb?provider=oidc-test&error=access_denied&error_description=" + url.QueryEscape("user said no"),
			wantStatus: http.StatusUnauthorized,
			wantError:  "access_denied",
		},
		{
			name:       "no-attempt",
			url:        "https://app.example/cb?provider=oidc-test&state=st&code=code",
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid-response",
		},
		{
			name:       "unknown-provider",
			url:        "https://app.example/cb?provider=nope&state=st&code=code",
			wantStatus: http.StatusForbidden,
			wantError:  "rejected",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			rec := httptest.NewRecorder()
			callback(rec, httptest.NewRequest("GET", tt.url, nil))
			assert.Equal(tt.wantStatus, rec.Code)
			var body AuthenErrorResponse
			require.NoError(json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(tt.wantError, body.Error)
			assert.Nil(session.CurrentUser(nil))
		})
	}

	_, err = CallbackHandler(m, d, "", RedirectResponse, JSONErrorResponse)
	require.Error(t, err)
	assert.Truef(t, errors.Is(err, authnz.ErrInvalidParameter), "wanted \"%s\" but got \"%s\"", authnz.ErrInvalidParameter, err)
}

// testLoginFlow runs the login handler and follows the test IdP back to
// the callback handler, returning the callback's recorder.
func testLoginFlow(t *testing.T, m *authnz.Manager, tp *oidc.TestProvider, d Deps) (*httptest.ResponseRecorder, *http.Request) {
	t.Helper()
	require := require.New(t)
	login, err := LoginHandler(m, d, RedirectResponse, JSONErrorResponse)
	require.NoError(err)
	callback, err := CallbackHandler(m, d, testLoginURL, RedirectResponse, JSONErrorResponse)
	require.NoError(err)
	loginRec := httptest.NewRecorder()
	login(loginRec, httptest.NewRequest("GET", "https://app.example/login?provider=oidc-test", nil))
	require.Equal(http.StatusFound, loginRec.Code)
	cbReq := httptest.NewRequest("GET", testFollow(t, tp, loginRec.Header().Get("Location")), nil)
	testCarryCookies(loginRec, cbReq)
	cbRec := httptest.NewRecorder()
	callback(cbRec, cbReq)
	return cbRec, cbReq
}

func TestCallbackHandler_accountConflict(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	m, tp := testManager(t, nil, authnz.WithLinkPolicy(authnz.LinkRequireSession))
	d, store, session := testDeps()
	store.AddUser(authnz.User{Email: "a@example.com", Username: "a"})

	rec, _ := testLoginFlow(t, m, tp, d)
	assert.Equal(http.StatusUnauthorized, rec.Code)
	var body AuthenErrorResponse
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal("authentication-failed", body.Error)
	assert.Contains(body.Description, "already exists")
	assert.Nil(session.CurrentUser(nil))
	assert.Empty(store.Credentials())
}

func TestConfirmHandler(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	m, tp := testManager(t, func(c *authnz.ProviderConfig) { c.RequireCreateConfirmation = true })
	d, store, session := testDeps()
	confirm, err := ConfirmHandler(m, d, RedirectResponse, JSONErrorResponse)
	require.NoError(err)

	rec, _ := testLoginFlow(t, m, tp, d)
	require.Equal(http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(err)
	assert.Equal("true", loc.Query().Get("confirm"))
	assert.Nil(session.CurrentUser(nil))
	assert.Empty(store.AllUsers())

	get := httptest.NewRecorder()
	confirm(get, httptest.NewRequest("GET", "https://app.example/confirm", nil))
	assert.Equal(http.StatusMethodNotAllowed, get.Code)

	form := url.Values{
		ProviderParam: {loc.Query().Get("provider")},
		PendingParam:  {loc.Query().Get("provider_token")},
	}
	newPost := func() *http.Request {
		req := httptest.NewRequest("POST", "https://app.example/confirm", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req
	}

	// without the browser's cookie the confirmation url alone isn't enough
	stranger := httptest.NewRecorder()
	confirm(stranger, newPost())
	assert.Equal(http.StatusForbidden, stranger.Code)
	assert.Nil(session.CurrentUser(nil))
	assert.Empty(store.AllUsers())

	req := newPost()
	testCarryCookies(rec, req)
	post := httptest.NewRecorder()
	confirm(post, req)
	require.Equalf(http.StatusFound, post.Code, "body: %s", post.Body.String())
	assert.Equal(testLoginURL, post.Header().Get("Location"))
	user := session.CurrentUser(nil)
	require.NotNil(user)
	assert.Equal("a@example.com", user.Email)
	assert.Len(store.Credentials(), 1)
}

func TestLogoutHandler(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		enabled   bool
		target    string
		want      string
		wantAtIdP bool
	}{
		{name: "idp-logout", enabled: true, target: "https://app.example/bye", want: "https://app.example/bye", wantAtIdP: true},
		{name: "local-only", target: "https://app.example/bye", want: "https://app.example/bye"},
		{name: "local-other-host", target: "https://evil.example/phish", want: "/"},
		{name: "idp-logout-other-host", enabled: true, target: "https://evil.example/phish", want: "/", wantAtIdP: true},
		{name: "local-scheme-relative", target: "//evil.example/phish", want: "/"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			m, tp := testManager(t, func(c *authnz.ProviderConfig) { c.EnableIDPLogout = tt.enabled })
			d, _, session := testDeps()
			rec, _ := testLoginFlow(t, m, tp, d)
			require.Equal(http.StatusFound, rec.Code)
			require.NotNil(session.CurrentUser(nil))

			logout, err := LogoutHandler(m, d, RedirectResponse, JSONErrorResponse)
			require.NoError(err)
			out := httptest.NewRecorder()
			logout(out, httptest.NewRequest("GET", "https://app.example/logout?provider=oidc-test&"+PostLogoutParam+"="+url.QueryEscape(tt.target), nil))
			require.Equal(http.StatusFound, out.Code)
			assert.Nil(session.CurrentUser(nil))
			loc := out.Header().Get("Location")
			if !tt.wantAtIdP {
				assert.Equal(tt.want, loc)
				return
			}
			u, err := url.Parse(loc)
			require.NoError(err)
			assert.True(strings.HasPrefix(loc, tp.Addr()))
			assert.NotEmpty(u.Query().Get("id_token_hint"))
			assert.Equal(tt.want, u.Query().Get("post_logout_redirect_uri"))
		})
	}
}

func TestDisconnectHandler(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	m, tp := testManager(t, nil)
	d, store, session := testDeps()
	rec, _ := testLoginFlow(t, m, tp, d)
	require.Equal(http.StatusFound, rec.Code)
	disconnect, err := DisconnectHandler(m, d, RedirectResponse, JSONErrorResponse)
	require.NoError(err)

	get := httptest.NewRecorder()
	disconnect(get, httptest.NewRequest("GET", "https://app.example/disconnect?provider=oidc-test", nil))
	assert.Equal(http.StatusMethodNotAllowed, get.Code)

	// the only login method of a user without a password stays
	refused := httptest.NewRecorder()
	disconnect(refused, httptest.NewRequest("POST", "https://app.example/disconnect?provider=oidc-test", nil))
	assert.Equal(http.StatusForbidden, refused.Code)
	assert.Len(store.Credentials(), 1)

	user := session.CurrentUser(nil)
	user.HasPassword = true
	require.NoError(session.Login(nil, nil, user))

	// a redirect off the app's origin is replaced by the default
	offsite := httptest.NewRecorder()
	disconnect(offsite, httptest.NewRequest("POST", "https://app.example/disconnect?provider=oidc-test&"+RedirectParam+"="+url.QueryEscape("https://evil.example/phish"), nil))
	assert.Equal(http.StatusFound, offsite.Code)
	assert.Equal("/", offsite.Header().Get("Location"))
	assert.Empty(store.Credentials())
}

func TestDisconnectHandler_sameOrigin(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	m, tp := testManager(t, nil)
	d, store, session := testDeps()
	rec, _ := testLoginFlow(t, m, tp, d)
	require.Equal(http.StatusFound, rec.Code)
	disconnect, err := DisconnectHandler(m, d, RedirectResponse, JSONErrorResponse)
	require.NoError(err)

	user := session.CurrentUser(nil)
	user.HasPassword = true
	require.NoError(session.Login(nil, nil, user))
	ok := httptest.NewRecorder()
	disconnect(ok, httptest.NewRequest("POST", "https://app.example/disconnect?provider=oidc-test&"+RedirectParam+"="+url.QueryEscape("https://app.example/settings"), nil))
	assert.Equal(http.StatusFound, ok.Code)
	assert.Equal("https://app.example/settings", ok.Header().Get("Location"))
	assert.Empty(store.Credentials())
}

func TestRefreshMiddleware(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	m, tp := testManager(t, nil)
	d, _, _ := testDeps()
	var called int
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called++
		w.WriteHeader(http.StatusTeapot)
	})
	_, err := RefreshMiddleware(m, d, nil)
	require.Error(err)

	h, err := RefreshMiddleware(m, d, next)
	require.NoError(err)
	anon := httptest.NewRecorder()
	h.ServeHTTP(anon, httptest.NewRequest("GET", "https://app.example/", nil))
	assert.Equal(http.StatusTeapot, anon.Code)

	rec, _ := testLoginFlow(t, m, tp, d)
	require.Equal(http.StatusFound, rec.Code)
	authed := httptest.NewRecorder()
	h.ServeHTTP(authed, httptest.NewRequest("GET", "https://app.example/", nil))
	assert.Equal(http.StatusTeapot, authed.Code)
	assert.Equal(2, called)
}

func TestJSONErrorResponse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		respErr    *AuthenErrorResponse
		err        error
		wantStatus int
		wantError  string
	}{
		{name: "provider", respErr: &AuthenErrorResponse{Error: "access_denied"}, wantStatus: http.StatusUnauthorized, wantError: "access_denied"},
		{name: "nothing", wantStatus: http.StatusInternalServerError, wantError: "unknown-error"},
		{name: "authentication-failed", err: &authnz.AuthenticationFailed{Msg: "taken", Err: authnz.ErrAccountConflict}, wantStatus: http.StatusUnauthorized, wantError: "authentication-failed"},
		{name: "protocol", err: authnz.ErrProtocolValidation, wantStatus: http.StatusBadRequest, wantError: "invalid-response"},
		{name: "refresh", err: authnz.ErrInvalidRefreshToken, wantStatus: http.StatusUnauthorized, wantError: "invalid-refresh-token"},
		{name: "internal", err: errors.New("database is down"), wantStatus: http.StatusInternalServerError, wantError: "internal-error"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			rec := httptest.NewRecorder()
			JSONErrorResponse("p", tt.respErr, tt.err, rec, httptest.NewRequest("GET", "/", nil))
			assert.Equal(tt.wantStatus, rec.Code)
			assert.Equal("application/json", rec.Header().Get("Content-Type"))
			var body AuthenErrorResponse
			require.NoError(json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(tt.wantError, body.Error)
			assert.NotContains(rec.Body.String(), "database")
		})
	}
}
