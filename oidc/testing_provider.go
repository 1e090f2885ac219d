// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/authnz/oidc/internal/strutils"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
)

// TestProvider is a local http server that supports test provider
// capabilities which makes writing tests much easier.  Much of this
// TestProvider design/implementation comes from Consul's oauthtest package. A
// big thanks to the original package's contributors.
//
// It's important to remember that the TestProvider is stateful (see any of its
// receiver functions that begin with Set*).
//
// Once you've started a TestProvider http server with StartTestProvider(...),
// the following test endpoints are supported:
//
//   - GET /.well-known/openid-configuration    OIDC Discovery
//
//   - GET /authorize                  OIDC authorization (PKCE is supported)
//
//   - POST /token                     OIDC token (authorization_code and
//     refresh_token grants)
//
//   - GET /userinfo                   OAuth UserInfo
//
//   - GET /.well-known/jwks.json      JWKs used to verify issued JWT tokens
//
//   - GET /logout                     RP-initiated logout
//
// Making requests to these endpoints are facilitated by
//   - TestProvider.HTTPClient which returns an http.Client for making requests.
//   - TestProvider.CACert which the pem-encoded CA certificate used by the HTTPS server.
//
// Runtime Configuration:
//   - Issuer: Addr() returns the the current base URL for the test provider's
//     running webserver, which can be used as an OIDC Issuer for discovery and
//     is also used for the iss claim when issuing JWTs.
//
//   - Relying Party ClientID/ClientSecret: SetClientCreds(...) updates the
//     creds and they are empty by default.
//
//   - Now: SetNowFunc(...) updates the provider's "now" function and time.Now
//     is the default.
//
//   - Expiry: SetExpectedExpiry( exp time.Duration) updates the expiry and
//     now + 5 * time.Second is the default.
//
//   - Signing keys: SetSigningKeys(...) updates the keys and a ECDSA P-256 pair
//     of priv/pub keys are the default with a signing algorithm of ES256
//
//   - Authorization Code: SetExpectedAuthCode(...) updates the auth code
//     required by the /authorize endpoint and the code provided will be
//     returned by the /authorize endpoint.  Without one, /authorize answers
//     access_denied.
//
//   - Authorization Nonce: SetExpectedAuthNonce(...) updates the nonce required
//     by the /authorize endpoint.  When it's empty, the nonce received by the
//     last /authorize request is echoed in the issued id_token.
//
//   - Allowed RedirectURIs: SetAllowedRedirectURIs(...) updates the allowed
//     redirect URIs and "https://example.com" is the default.
//
//   - Custom Claims: SetCustomClaims(...) updates custom claims added to JWTs issued
//     and the custom claims are empty by default.
//
//   - Audiences: SetCustomAudience(...) updates the audience claim of JWTs issued
//     and the ClientID is the default.
//
//   - Subject: SetSubject(...) updates the sub claim of JWTs issued and the
//     UserInfo reply.
//
//   - UserInfo reply: SetUserInfoReply(...) updates the userinfo reply.
//
//   - PKCE verifier: SetPKCEVerifier(oidc.CodeVerifier) sets the PKCE code_verifier
//     and PKCEVerifier() returns the current verifier.
//
//   - Omit tokens and claims: SetOmitIDTokens, SetOmitAccessTokens,
//     SetOmitRefreshTokens and SetOmitNonceClaim.
//
//   - Refresh tokens: SetRefreshExpiry(...) adds a refresh_expires_in to token
//     responses and RevokeRefreshTokens() makes every issued refresh_token
//     invalid.
//
//   - Opaque tokens: SetStaticTokens(...) replies with fixed access and
//     refresh token values instead of generated ones.
//
//   - Issued client credentials: SetIssuedClientSecret(...) makes the
//     /credentials endpoint hand out a client secret which the /token
//     endpoint then requires.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	// mu protects all the following
	mu                  sync.Mutex
	nowFunc             func() time.Time
	pkceVerifier        CodeVerifier
	clientID            string
	clientSecret        string
	expectedAuthCode    string
	expectedAuthNonce   string
	lastAuthNonce       string
	allowedRedirectURIs []string
	customClaims        map[string]interface{}
	customAudiences     []string
	replySubject        string
	replyUserinfo       interface{}
	replyExpiry         time.Duration
	replyRefreshExpiry  time.Duration
	issuedRefreshTokens map[string]bool
	staticAccessToken   string
	staticRefreshToken  string
	issuedClientSecret  string
	issuedSecretExpiry  time.Duration

	omitIDToken      bool
	omitAccessToken  bool
	omitRefreshToken bool
	omitNonceClaim   bool
	disableUserInfo  bool
	disableJWKs      bool
	disableEndSess   bool

	privKey crypto.PrivateKey
	pubKey  crypto.PublicKey
	alg     Alg
	keyID   string

	client *http.Client

	t *testing.T
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
	if p.client != nil {
		p.client.CloseIdleConnections()
	}
}

// StartTestProvider creates and starts a running TestProvider http server.  The
// WithTestPort option is supported.  The TestProvider will be shutdown when the
// test and all it's subtests complete via a function registered with
// t.Cleanup(...).
func StartTestProvider(t *testing.T, opt ...Option) *TestProvider {
	t.Helper()
	require := require.New(t)
	opts := getTestProviderOpts(opt...)

	v, err := NewCodeVerifier()
	require.NoError(err)

	p := &TestProvider{
		t:            t,
		nowFunc:      time.Now,
		pkceVerifier: v,
		customClaims: map[string]interface{}{},
		replyExpiry:  5 * time.Second,
		allowedRedirectURIs: []string{
			"https://example.com",
		},
		replySubject:        "alice@example.com",
		issuedRefreshTokens: map[string]bool{},
		alg:                 ES256,
		keyID:               "test-key-id",
	}
	p.pubKey, p.privKey = TestGenerateKeys(t)

	if opts.withPort != 0 {
		p.httpServer = httptestNewUnstartedServerWithPort(t, p, opts.withPort)
	} else {
		p.httpServer = httptest.NewUnstartedServer(p)
	}
	p.httpServer.Config.ErrorLog = log.New(ioutil.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.Stop)

	cert := p.httpServer.Certificate()

	var buf bytes.Buffer
	err = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	require.NoError(err)
	p.caCert = buf.String()
	p.client = p.buildHTTPClient()
	return p
}

// testProviderOptions is the set of available options for TestProvider
// functions
type testProviderOptions struct {
	withPort int
}

// testProviderDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func testProviderDefaults() testProviderOptions {
	return testProviderOptions{}
}

// getTestProviderOpts gets the test provider defaults and applies the opt
// overrides passed in
func getTestProviderOpts(opt ...Option) testProviderOptions {
	opts := testProviderDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithTestPort provides an optional port for the test provider.
//
// Valid for: TestProvider.StartTestProvider
func WithTestPort(port int) Option {
	return func(o interface{}) {
		if o, ok := o.(*testProviderOptions); ok {
			o.withPort = port
		}
	}
}

// HTTPClient returns an http.Client for the test provider. The returned client
// uses a pooled transport (so it can reuse connections) that trusts the test
// provider's CA certificate.
func (p *TestProvider) HTTPClient() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

func (p *TestProvider) buildHTTPClient() *http.Client {
	p.t.Helper()
	certPool := x509.NewCertPool()
	require.True(p.t, certPool.AppendCertsFromPEM([]byte(p.caCert)))
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
		TLSClientConfig: &tls.Config{RootCAs: certPool},
	}
	return &http.Client{
		Transport: tr,
		// the test provider's /authorize answers with a redirect that
		// callers want to inspect rather than follow
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// SetExpectedExpiry is for configuring the expected expiry for any JWTs issued
// by the provider (the default is 5 seconds)
func (p *TestProvider) SetExpectedExpiry(exp time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyExpiry = exp
}

// SetRefreshExpiry adds a refresh_expires_in to token responses. Zero
// removes it.
func (p *TestProvider) SetRefreshExpiry(exp time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyRefreshExpiry = exp
}

// SetClientCreds is for configuring the relying party client ID and client
// secret information required for the OIDC workflows.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// ClientCreds returns the relying party client information required for the
// OIDC workflows.
func (p *TestProvider) ClientCreds() (clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID, p.clientSecret
}

// SetExpectedAuthCode configures the auth code to return from /authorize and
// the allowed auth code for /token.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetExpectedAuthNonce configures the nonce value required for /authorize.
func (p *TestProvider) SetExpectedAuthNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthNonce = nonce
}

// SetAllowedRedirectURIs allows you to configure the allowed redirect URIs for
// the OIDC workflow. If not configured a sample of "https://example.com" is
// used.  An empty list allows any redirect.
func (p *TestProvider) SetAllowedRedirectURIs(uris []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedRedirectURIs = uris
}

// SetCustomClaims lets you set claims to return in the JWT issued by the OIDC
// workflow.
func (p *TestProvider) SetCustomClaims(customClaims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = customClaims
}

// SetCustomAudience configures what audience value to embed in the JWT issued
// by the OIDC workflow.
func (p *TestProvider) SetCustomAudience(customAudiences ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customAudiences = customAudiences
}

// SetSubject configures the sub claim of issued JWTs and UserInfo replies.
func (p *TestProvider) SetSubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replySubject = sub
}

// SetUserInfoReply sets the UserInfo endpoint response.  When it's nil the
// endpoint replies with the subject and custom claims.
func (p *TestProvider) SetUserInfoReply(resp interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyUserinfo = resp
}

// SetNowFunc configures how the test provider will determine the current time.  The
// default is time.Now()
func (p *TestProvider) SetNowFunc(n func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotNilf(p.t, n, "TestProvider.SetNowFunc: time func is nil")
	p.nowFunc = n
}

// SetPKCEVerifier sets the PKCE oidc.CodeVerifier
func (p *TestProvider) SetPKCEVerifier(verifier CodeVerifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t.Helper()
	require.NotNil(p.t, verifier)
	p.pkceVerifier = verifier
}

// PKCEVerifier returns the PKCE oidc.CodeVerifier
func (p *TestProvider) PKCEVerifier() CodeVerifier {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pkceVerifier
}

// SetOmitIDTokens turn on/off the omitting of id_tokens from the /token
// endpoint.  If set to true, the test provider will not omit (issue) id_tokens
// from the /token endpoint.
func (p *TestProvider) SetOmitIDTokens(omitIDTokens bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = omitIDTokens
}

// SetOmitAccessTokens turn on/off the omitting of access_tokens from the /token
// endpoint.  If set to true, the test provider will not omit (issue)
// access_tokens from the /token endpoint.
func (p *TestProvider) SetOmitAccessTokens(omitAccessTokens bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitAccessToken = omitAccessTokens
}

// SetOmitRefreshTokens turn on/off the omitting of refresh_tokens from the
// /token endpoint.
func (p *TestProvider) SetOmitRefreshTokens(omitRefreshTokens bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshToken = omitRefreshTokens
}

// SetOmitNonceClaim turn on/off the omitting of the nonce claim from issued
// id_tokens.
func (p *TestProvider) SetOmitNonceClaim(omitNonce bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitNonceClaim = omitNonce
}

// SetDisableUserInfo makes the userinfo endpoint return 404 and omits it from the
// discovery config.
func (p *TestProvider) SetDisableUserInfo(disable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableUserInfo = disable
}

// SetDisableJWKs makes the JWKs endpoint return 404
func (p *TestProvider) SetDisableJWKs(disable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableJWKs = disable
}

// SetDisableEndSession omits the end_session_endpoint from the discovery
// config and makes /logout return 404.
func (p *TestProvider) SetDisableEndSession(disable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableEndSess = disable
}

// SetStaticTokens makes the /token endpoint reply with the given opaque
// access_token and refresh_token.  Empty values restore generated tokens.
func (p *TestProvider) SetStaticTokens(accessToken, refreshToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.staticAccessToken = accessToken
	p.staticRefreshToken = refreshToken
}

// SetIssuedClientSecret sets the client secret handed out by the /credentials
// endpoint and its lifetime.  Once set, the /token endpoint only accepts the
// issued secret.
func (p *TestProvider) SetIssuedClientSecret(secret string, expiresIn time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issuedClientSecret = secret
	p.issuedSecretExpiry = expiresIn
}

// RevokeRefreshTokens makes every refresh_token issued so far invalid.
func (p *TestProvider) RevokeRefreshTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issuedRefreshTokens = map[string]bool{}
}

// SetSigningKeys sets the test provider's keys and alg used to sign JWTs.
func (p *TestProvider) SetSigningKeys(privKey crypto.PrivateKey, pubKey crypto.PublicKey, alg Alg, keyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t.Helper()
	require := require.New(p.t)
	require.NotNil(privKey, "TestProvider.SetSigningKeys: private key is nil")
	require.NotNil(pubKey, "TestProvider.SetSigningKeys: public key is nil")
	require.NotEmpty(alg, "TestProvider.SetSigningKeys: alg is empty")
	require.True(SupportedAlgorithm(alg), "TestProvider.SetSigningKeys: alg %s is not supported", alg)
	p.privKey = privKey
	p.pubKey = pubKey
	p.alg = alg
	p.keyID = keyID
}

// SigningKeys returns the test provider's keys used to sign JWTs, its Alg and
// Key ID.
func (p *TestProvider) SigningKeys() (crypto.PrivateKey, crypto.PublicKey, Alg, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.privKey, p.pubKey, p.alg, p.keyID
}

// Addr returns the current base URL for the test provider's running webserver,
// which can be used as an OIDC issuer for discovery and is also used for the
// iss claim when issuing JWTs.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the test provider's
// HTTPS server.
func (p *TestProvider) CACert() string { return p.caCert }

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) error {
	enc := json.NewEncoder(w)
	return enc.Encode(out)
}

// writeAuthErrorResponse writes a standard OIDC authentication error response.
// See: https://openid.net/specs/openid-connect-core-1_0.html#AuthError
func (p *TestProvider) writeAuthErrorResponse(w http.ResponseWriter, req *http.Request, redirectURL, state, errorCode, errorMessage string) {
	p.t.Helper()
	// status and content-type will be set by the http.Redirect below
	redirectURI := redirectURL +
		"?state=" + url.QueryEscape(state) +
		"&error=" + url.QueryEscape(errorCode)
	if errorMessage != "" {
		redirectURI += "&error_description=" + url.QueryEscape(errorMessage)
	}
	http.Redirect(w, req, redirectURI, http.StatusFound)
}

// writeTokenErrorResponse writes a standard OIDC token error response.
// See: https://openid.net/specs/openid-connect-core-1_0.html#TokenErrorResponse
func (p *TestProvider) writeTokenErrorResponse(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) error {
	body := struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: errorMessage,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return p.writeJSON(w, &body)
}

// issueSignedJWT issues a JWT for the subject signed with the provider's
// current keys.  Callers must hold p.mu.
func (p *TestProvider) issueSignedJWT(nonce string, extra map[string]interface{}) string {
	now := p.nowFunc()
	claims := map[string]interface{}{
		"sub": p.replySubject,
		"iss": p.Addr(),
		"nbf": float64(now.Add(-10 * time.Second).Unix()),
		"iat": float64(now.Unix()),
		"exp": float64(now.Add(p.replyExpiry).Unix()),
		"aud": []string{p.clientID},
	}
	if len(p.customAudiences) != 0 {
		claims["aud"] = append(claims["aud"].([]string), p.customAudiences...)
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for k, v := range p.customClaims {
		claims[k] = v
	}
	for k, v := range extra {
		claims[k] = v
	}
	return TestSignJWT(p.t, p.privKey, string(p.alg), claims, []byte(p.keyID))
}

// tokenReply builds the /token response.  Callers must hold p.mu.
func (p *TestProvider) tokenReply(nonce string) (map[string]interface{}, error) {
	reply := map[string]interface{}{
		"token_type": "Bearer",
		"expires_in": int64(p.replyExpiry.Seconds()),
	}
	if !p.omitAccessToken {
		reply["access_token"] = p.issueSignedJWT("", map[string]interface{}{"typ": "Bearer"})
		if p.staticAccessToken != "" {
			reply["access_token"] = p.staticAccessToken
		}
	}
	if !p.omitIDToken {
		reply["id_token"] = p.issueSignedJWT(nonce, nil)
	}
	if !p.omitRefreshToken {
		rt := p.staticRefreshToken
		if rt == "" {
			var err error
			if rt, err = NewID(WithPrefix("rt")); err != nil {
				return nil, err
			}
		}
		p.issuedRefreshTokens[rt] = true
		reply["refresh_token"] = rt
		if p.replyRefreshExpiry > 0 {
			reply["refresh_expires_in"] = int64(p.replyRefreshExpiry.Seconds())
		}
	}
	return reply, nil
}

func (p *TestProvider) validClientCreds(req *http.Request) bool {
	if p.clientID == "" {
		return true
	}
	id, secret, ok := req.BasicAuth()
	if ok {
		// oauth2 url encodes basic auth creds
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
	} else {
		id, secret = req.FormValue("client_id"), req.FormValue("client_secret")
	}
	if p.issuedClientSecret != "" {
		return id == p.clientID && secret == p.issuedClientSecret
	}
	return id == p.clientID && secret == p.clientSecret
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t.Helper()
	require := require.New(p.t)

	const (
		openidConfiguration = "/.well-known/openid-configuration"
		authorize           = "/authorize"
		token               = "/token"
		userInfo            = "/userinfo"
		wellKnownJwks       = "/.well-known/jwks.json"
		logout              = "/logout"
		credentials         = "/credentials"
	)

	switch req.URL.Path {
	case openidConfiguration:
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		reply := struct {
			Issuer                 string   `json:"issuer"`
			AuthEndpoint           string   `json:"authorization_endpoint"`
			TokenEndpoint          string   `json:"token_endpoint"`
			JWKSURI                string   `json:"jwks_uri"`
			UserinfoEndpoint       string   `json:"userinfo_endpoint,omitempty"`
			EndSessionEndpoint     string   `json:"end_session_endpoint,omitempty"`
			SupportedAlgs          []string `json:"id_token_signing_alg_values_supported"`
			SubjectTypesSupported  []string `json:"subject_types_supported"`
			ResponseTypesSupported []string `json:"response_types_supported"`
		}{
			Issuer:                 p.Addr(),
			AuthEndpoint:           p.Addr() + authorize,
			TokenEndpoint:          p.Addr() + token,
			JWKSURI:                p.Addr() + wellKnownJwks,
			UserinfoEndpoint:       p.Addr() + userInfo,
			EndSessionEndpoint:     p.Addr() + logout,
			SupportedAlgs:          []string{string(p.alg)},
			SubjectTypesSupported:  []string{"public"},
			ResponseTypesSupported: []string{"code"},
		}
		if p.disableUserInfo {
			reply.UserinfoEndpoint = ""
		}
		if p.disableEndSess {
			reply.EndSessionEndpoint = ""
		}
		w.Header().Set("Content-Type", "application/json")
		err := p.writeJSON(w, &reply)
		require.NoErrorf(err, "%s: internal error: %v", openidConfiguration, err)

	case authorize:
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		qv := req.URL.Query()
		redirectURI := qv.Get("redirect_uri")
		state := qv.Get("state")
		switch {
		case redirectURI == "":
			w.WriteHeader(http.StatusBadRequest)
			return
		case len(p.allowedRedirectURIs) > 0 && !strutils.StrListContains(p.allowedRedirectURIs, redirectURI):
			w.WriteHeader(http.StatusBadRequest)
			return
		case qv.Get("response_type") != "code":
			p.writeAuthErrorResponse(w, req, redirectURI, state, "unsupported_response_type", "")
			return
		case !strutils.StrListContains(strings.Split(qv.Get("scope"), " "), "openid"):
			p.writeAuthErrorResponse(w, req, redirectURI, state, "invalid_scope", "")
			return
		case p.expectedAuthCode == "":
			p.writeAuthErrorResponse(w, req, redirectURI, state, "access_denied", "")
			return
		case p.expectedAuthNonce != "" && p.expectedAuthNonce != qv.Get("nonce"):
			p.writeAuthErrorResponse(w, req, redirectURI, state, "access_denied", "")
			return
		case state == "":
			p.writeAuthErrorResponse(w, req, redirectURI, state, "invalid_request", "missing state parameter")
			return
		}
		p.lastAuthNonce = qv.Get("nonce")
		redirectURI += "?state=" + url.QueryEscape(state) +
			"&code=" + url.QueryEscape(p.expectedAuthCode)
		http.Redirect(w, req, redirectURI, http.StatusFound)

	case wellKnownJwks:
		if p.disableJWKs {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		jwks := &jose.JSONWebKeySet{
			Keys: []jose.JSONWebKey{
				{
					Key:       p.pubKey,
					KeyID:     p.keyID,
					Algorithm: string(p.alg),
					Use:       "sig",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		err := p.writeJSON(w, jwks)
		require.NoErrorf(err, "%s: internal error: %v", wellKnownJwks, err)

	case token:
		if req.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !p.validClientCreds(req) {
			_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_client", "unexpected client credentials")
			return
		}
		var reply map[string]interface{}
		var err error
		switch req.FormValue("grant_type") {
		case "authorization_code":
			switch {
			case len(p.allowedRedirectURIs) > 0 && !strutils.StrListContains(p.allowedRedirectURIs, req.FormValue("redirect_uri")):
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not allowed")
				return
			case req.FormValue("code") != p.expectedAuthCode:
				_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_grant", "unexpected auth code")
				return
			case req.FormValue("code_verifier") != "" && req.FormValue("code_verifier") != p.pkceVerifier.Verifier():
				_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_verifier", "unexpected verifier")
				return
			}
			nonce := p.expectedAuthNonce
			if nonce == "" {
				nonce = p.lastAuthNonce
			}
			if p.omitNonceClaim {
				nonce = ""
			}
			reply, err = p.tokenReply(nonce)
		case "refresh_token":
			rt := req.FormValue("refresh_token")
			if !p.issuedRefreshTokens[rt] {
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unknown refresh_token")
				return
			}
			delete(p.issuedRefreshTokens, rt)
			reply, err = p.tokenReply("")
		default:
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "bad grant_type")
			return
		}
		if err != nil {
			_ = p.writeTokenErrorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		err = p.writeJSON(w, reply)
		require.NoErrorf(err, "%s: internal error: %v", token, err)

	case userInfo:
		if p.disableUserInfo {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		reply := p.replyUserinfo
		if reply == nil {
			m := map[string]interface{}{"sub": p.replySubject}
			for k, v := range p.customClaims {
				m[k] = v
			}
			reply = m
		}
		w.Header().Set("Content-Type", "application/json")
		err := p.writeJSON(w, reply)
		require.NoErrorf(err, "%s: internal error: %v", userInfo, err)

	case credentials:
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id, secret, ok := req.BasicAuth()
		if !ok || id != p.clientID || secret != p.clientSecret || req.URL.Query().Get("client_id") != p.clientID {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		issued := p.issuedClientSecret
		if issued == "" {
			issued = p.clientSecret
		}
		reply := map[string]interface{}{
			"iam_client_secret":        issued,
			"client_secret_expires_at": p.nowFunc().Add(p.issuedSecretExpiry).Unix(),
		}
		if p.issuedSecretExpiry <= 0 {
			reply["client_secret_expires_at"] = 0
		}
		w.Header().Set("Content-Type", "application/json")
		err := p.writeJSON(w, reply)
		require.NoErrorf(err, "%s: internal error: %v", credentials, err)

	case logout:
		if p.disableEndSess {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if redirect := req.URL.Query().Get("post_logout_redirect_uri"); redirect != "" {
			http.Redirect(w, req, redirect, http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// httptestNewUnstartedServerWithPort is roughly the same as
// httptest.NewUnstartedServer() but allows the caller to explicitly choose the
// port if desired.
func httptestNewUnstartedServerWithPort(t *testing.T, handler http.Handler, port int) *httptest.Server {
	t.Helper()
	require := require.New(t)
	require.NotZero(port)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	l, err := net.Listen("tcp", addr)
	require.NoError(err)

	return &httptest.Server{
		Listener: l,
		Config:   &http.Server{Handler: handler},
	}
}
