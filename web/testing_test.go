// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package web

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/authnz"
	"github.com/hashicorp/authnz/oidc"
	"github.com/stretchr/testify/require"
)

const (
	testRedirectURI = "https://app.example/cb"
	testLoginURL    = "https://app.example/home"
)

// testSession is a Session holding a single user.
type testSession struct {
	mu   sync.Mutex
	user *authnz.User
}

func (s *testSession) CurrentUser(*http.Request) *authnz.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *testSession) Login(_ http.ResponseWriter, _ *http.Request, u *authnz.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
	return nil
}

func (s *testSession) Logout(http.ResponseWriter, *http.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
	return nil
}

func testDeps() (Deps, *authnz.TestStore, *testSession) {
	store := authnz.NewTestStore()
	session := &testSession{}
	return Deps{Users: store, Tokens: store, Session: session}, store, session
}

// testManager serves one provider, "oidc-test", backed by a test IdP.
// configure may adjust the provider config.
func testManager(t *testing.T, configure func(*authnz.ProviderConfig), opt ...authnz.Option) (*authnz.Manager, *oidc.TestProvider) {
	t.Helper()
	require := require.New(t)
	tp := oidc.StartTestProvider(t)
	tp.SetClientCreds("abc", "secret")
	tp.SetAllowedRedirectURIs([]string{testRedirectURI})
	tp.SetExpectedAuthCode("code")
	tp.SetSubject("sub-1")
	tp.SetCustomClaims(map[string]interface{}{"email": "a@example.com"})
	tp.SetExpectedExpiry(time.Hour)

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(os.WriteFile(caFile, []byte(tp.CACert()), 0o600))
	c := &authnz.ProviderConfig{
		Name:                 "oidc-test",
		Issuer:               tp.Addr(),
		ClientID:             "abc",
		ClientSecret:         "secret",
		RedirectURI:          testRedirectURI,
		CABundle:             caFile,
		SupportedSigningAlgs: []oidc.Alg{oidc.ES256},
	}
	if configure != nil {
		configure(c)
	}
	m, err := authnz.NewManager([]*authnz.ProviderConfig{c}, opt...)
	require.NoError(err)
	t.Cleanup(m.Done)
	return m, tp
}

// testFollow sends the browser to the test IdP and returns the callback
// URL it redirects to.
func testFollow(t *testing.T, tp *oidc.TestProvider, authURL string) string {
	t.Helper()
	require := require.New(t)
	resp, err := tp.HTTPClient().Get(authURL)
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusFound, resp.StatusCode)
	loc, err := resp.Location()
	require.NoError(err)
	q := loc.Query()
	q.Set(ProviderParam, "oidc-test")
	loc.RawQuery = q.Encode()
	return loc.String()
}

// testCarryCookies copies the cookies set by rec onto req.
func testCarryCookies(rec *httptest.ResponseRecorder, req *http.Request) {
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			continue
		}
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}
