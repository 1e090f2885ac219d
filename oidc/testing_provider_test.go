// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_StartTestProvider(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	port := func() int {
		addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
		require.NoError(err)
		l, err := net.ListenTCP("tcp", addr)
		require.NoError(err)
		defer l.Close()
		return l.Addr().(*net.TCPAddr).Port
	}()

	tp := StartTestProvider(t, WithTestPort(port))
	url, err := url.Parse(tp.Addr())
	require.NoError(err)
	assert.Equal(strconv.Itoa(port), url.Port())

	client := tp.HTTPClient()
	resp, err := client.Get(tp.Addr() + "/.well-known/jwks.json")
	require.NoError(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
}

func Test_WithTestPort(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	opts := getTestProviderOpts(WithTestPort(8080))
	testOpts := testProviderDefaults()
	testOpts.withPort = 8080
	assert.Equal(opts, testOpts)
}

func TestTestProvider_Setters(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)

	require.Equal(5*time.Second, tp.replyExpiry)
	tp.SetExpectedExpiry(5 * time.Minute)
	assert.Equal(5*time.Minute, tp.replyExpiry)

	id, secret := tp.ClientCreds()
	require.Empty(id)
	require.Empty(secret)
	tp.SetClientCreds("alice", "bob")
	id, secret = tp.ClientCreds()
	assert.Equal("alice", id)
	assert.Equal("bob", secret)

	tp.SetExpectedAuthCode("blue")
	assert.Equal("blue", tp.expectedAuthCode)
	tp.SetExpectedAuthNonce("red")
	assert.Equal("red", tp.expectedAuthNonce)

	require.Equal([]string{"https://example.com"}, tp.allowedRedirectURIs)
	tp.SetAllowedRedirectURIs([]string{"https://shoe.com", "https://pants.com"})
	assert.Equal([]string{"https://shoe.com", "https://pants.com"}, tp.allowedRedirectURIs)

	custom := map[string]interface{}{"what_is_your_favorite_color": "blue... no green!"}
	tp.SetCustomClaims(custom)
	assert.Equal(custom, tp.customClaims)

	tp.SetCustomAudience("alice", "bob", "eve")
	assert.Equal([]string{"alice", "bob", "eve"}, tp.customAudiences)

	tp.SetOmitIDTokens(true)
	tp.SetOmitAccessTokens(true)
	tp.SetOmitRefreshTokens(true)
	tp.SetOmitNonceClaim(true)
	tp.SetDisableUserInfo(true)
	tp.SetDisableJWKs(true)
	tp.SetDisableEndSession(true)
	assert.True(tp.omitIDToken)
	assert.True(tp.omitAccessToken)
	assert.True(tp.omitRefreshToken)
	assert.True(tp.omitNonceClaim)
	assert.True(tp.disableUserInfo)
	assert.True(tp.disableJWKs)
	assert.True(tp.disableEndSess)

	pub, priv := TestGenerateRSAKeys(t)
	tp.SetSigningKeys(priv, pub, RS256, "rsa-key")
	gotPriv, gotPub, gotAlg, gotKeyID := tp.SigningKeys()
	assert.Equal(priv, gotPriv)
	assert.Equal(pub, gotPub)
	assert.Equal(RS256, gotAlg)
	assert.Equal("rsa-key", gotKeyID)
}

func TestTestProvider_discovery(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)
	resp, err := tp.HTTPClient().Get(tp.Addr() + "/.well-known/openid-configuration")
	require.NoError(err)
	defer resp.Body.Close()
	var doc map[string]interface{}
	require.NoError(json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(tp.Addr(), doc["issuer"])
	assert.Equal(tp.Addr()+"/authorize", doc["authorization_endpoint"])
	assert.Equal(tp.Addr()+"/token", doc["token_endpoint"])
	assert.Equal(tp.Addr()+"/logout", doc["end_session_endpoint"])
}

func TestTestProvider_token(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	tp.SetClientCreds("client", "secret")
	tp.SetExpectedAuthCode("code")
	post := func(t *testing.T, form url.Values, user, pass string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, tp.Addr()+"/token", strings.NewReader(form.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		resp, err := tp.HTTPClient().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}
	t.Run("bad-client", func(t *testing.T) {
		resp := post(t, url.Values{"grant_type": {"authorization_code"}, "code": {"code"}, "redirect_uri": {"https://example.com"}}, "client", "nope")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
	t.Run("bad-grant", func(t *testing.T) {
		resp := post(t, url.Values{"grant_type": {"password"}}, "client", "secret")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
	t.Run("code-and-refresh", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		resp := post(t, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {"code"},
			"redirect_uri":  {"https://example.com"},
			"client_id":     {"client"},
			"client_secret": {"secret"},
		}, "", "")
		require.Equal(http.StatusOK, resp.StatusCode)
		var reply map[string]interface{}
		require.NoError(json.NewDecoder(resp.Body).Decode(&reply))
		assert.NotEmpty(reply["id_token"])
		assert.NotEmpty(reply["access_token"])
		rt, ok := reply["refresh_token"].(string)
		require.True(ok)

		resp = post(t, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {rt}}, "client", "secret")
		assert.Equal(http.StatusOK, resp.StatusCode)
		resp = post(t, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {rt}}, "client", "secret")
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
	})
}

func TestTestProvider_writeJSON(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)
	data := map[string]string{
		"FirstName": "jane",
		"LastName":  "doe",
	}
	rr := httptest.NewRecorder()
	err := tp.writeJSON(rr, data)
	require.NoError(err)
	// Check the response body is what we expect.
	expected := `{"FirstName":"jane","LastName":"doe"}`
	got := strings.TrimSuffix(rr.Body.String(), "\n")
	assert.Equal(expected, got)
}

func TestTestProvider_writeAuthErrorResponse(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)
	rr := httptest.NewRecorder()
	u, err := url.Parse("https://example.com/callback")
	require.NoError(err)
	req := http.Request{
		Method: "GET",
		URL:    u,
	}
	tp.writeAuthErrorResponse(rr, &req, "redirectURL", "state", "error_code", "error_message")
	assert.Equal(302, rr.Result().StatusCode)

	location, err := rr.Result().Location()
	require.NoError(err)
	assert.Equal("/redirectURL?state=state&error=error_code&error_description=error_message", location.String())
}

func TestTestProvider_writeTokenErrorResponse(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	type body struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}
	t.Run("include-desc", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		rr := httptest.NewRecorder()
		err := tp.writeTokenErrorResponse(rr, 401, "error_code", "error_message")
		require.NoError(err)
		var errBody body
		err = json.Unmarshal(rr.Body.Bytes(), &errBody)
		require.NoError(err)
		assert.Equal("error_code", errBody.Code)
		assert.Equal("error_message", errBody.Desc)
	})
	t.Run("no-desc", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		rr := httptest.NewRecorder()
		err := tp.writeTokenErrorResponse(rr, 401, "error_code", "")
		require.NoError(err)
		var errBody body
		err = json.Unmarshal(rr.Body.Bytes(), &errBody)
		require.NoError(err)
		assert.Equal("error_code", errBody.Code)
		assert.Empty(errBody.Desc)
	})
}

func TestTestProvider_staticTokensAndCredentials(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)
	tp.SetClientCreds("client", "secret")
	tp.SetExpectedAuthCode("code")
	tp.SetStaticTokens("AT1", "RT1")
	tp.SetIssuedClientSecret("issued", time.Hour)

	req, err := http.NewRequest(http.MethodGet, tp.Addr()+"/credentials?client_id=client", nil)
	require.NoError(err)
	req.SetBasicAuth("client", "secret")
	resp, err := tp.HTTPClient().Do(req)
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)
	var creds struct {
		Secret    string `json:"iam_client_secret"`
		ExpiresAt int64  `json:"client_secret_expires_at"`
	}
	require.NoError(json.NewDecoder(resp.Body).Decode(&creds))
	assert.Equal("issued", creds.Secret)
	assert.Greater(creds.ExpiresAt, time.Now().Unix())

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {"code"},
		"redirect_uri": {"https://example.com"},
	}
	post := func(secret string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, tp.Addr()+"/token", strings.NewReader(form.Encode()))
		require.NoError(err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth("client", secret)
		resp, err := tp.HTTPClient().Do(req)
		require.NoError(err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}
	assert.Equal(http.StatusUnauthorized, post("secret").StatusCode)
	resp = post("issued")
	require.Equal(http.StatusOK, resp.StatusCode)
	var reply map[string]interface{}
	require.NoError(json.NewDecoder(resp.Body).Decode(&reply))
	assert.Equal("AT1", reply["access_token"])
	assert.Equal("RT1", reply["refresh_token"])
}
