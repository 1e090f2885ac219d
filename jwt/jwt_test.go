// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/authnz/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nilKeySet struct{}

func (nilKeySet) VerifySignature(context.Context, string) (map[string]interface{}, error) {
	return nil, ErrInvalidSignature
}

func TestNewValidator(t *testing.T) {
	t.Parallel()
	var typedNil KeySet
	tests := []struct {
		name         string
		keySets      []KeySet
		wantErrMatch error
	}{
		{name: "one", keySets: []KeySet{nilKeySet{}}},
		{name: "many", keySets: []KeySet{nilKeySet{}, nilKeySet{}}},
		{name: "none", wantErrMatch: ErrInvalidParameter},
		{name: "nil-entry", keySets: []KeySet{nilKeySet{}, typedNil}, wantErrMatch: ErrInvalidParameter},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			v, err := NewValidator(tt.keySets...)
			if tt.wantErrMatch != nil {
				require.Error(err)
				assert.Nil(v)
				assert.Truef(errors.Is(err, tt.wantErrMatch), "wanted \"%s\" but got \"%s\"", tt.wantErrMatch, err)
				return
			}
			require.NoError(err)
			assert.Len(v.keySets, len(tt.keySets))
		})
	}
}

func TestValidator_Validate(t *testing.T) {
	t.Parallel()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ks, err := NewStaticKeySet([]crypto.PublicKey{k.Public()})
	require.NoError(t, err)
	v, err := NewValidator(ks)
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second)
	at := func(d time.Duration) float64 { return float64(now.Add(d).Unix()) }
	sign := func(claims map[string]interface{}) string {
		return testSignJWT(t, k, RS256, claims, []byte(testKeyID))
	}

	tests := []struct {
		name         string
		claims       map[string]interface{}
		expected     Expected
		wantErrMatch error
	}{
		{
			name: "all-claims",
			claims: map[string]interface{}{
				"iss": "https://custos.example/realms/main",
				"sub": "alice",
				"jti": "abc",
				"aud": []string{"portal", "api"},
				"iat": at(-time.Minute),
				"nbf": at(-time.Minute),
				"exp": at(time.Hour),
			},
			expected: Expected{
				Issuer:            "https://custos.example/realms/main",
				Subject:           "alice",
				ID:                "abc",
				Audiences:         []string{"other", "api"},
				SigningAlgorithms: []Alg{ES256, RS256},
			},
		},
		{
			name:     "audience-trailing-slash",
			claims:   map[string]interface{}{"aud": "https://api.example", "iat": at(-time.Minute), "exp": at(time.Hour)},
			expected: Expected{Audiences: []string{"https://api.example/"}},
		},
		{
			// without nbf or iat a token is valid from exp minus the leeway
			name:   "only-exp-in-window",
			claims: map[string]interface{}{"exp": at(time.Minute)},
		},
		{
			name:         "only-exp-before-window",
			claims:       map[string]interface{}{"exp": at(time.Hour)},
			wantErrMatch: ErrNotYetValid,
		},
		{
			name:     "only-exp-wider-window",
			claims:   map[string]interface{}{"exp": at(time.Hour)},
			expected: Expected{NotBeforeLeeway: 2 * time.Hour},
		},
		{
			name:   "only-iat",
			claims: map[string]interface{}{"iat": at(-time.Minute)},
		},
		{
			name:   "exp-within-clock-skew",
			claims: map[string]interface{}{"exp": at(-30 * time.Second)},
		},
		{
			name:         "exp-without-clock-skew",
			claims:       map[string]interface{}{"exp": at(-30 * time.Second)},
			expected:     Expected{ClockSkewLeeway: -1},
			wantErrMatch: ErrExpired,
		},
		{
			name:         "expired",
			claims:       map[string]interface{}{"exp": at(-2 * time.Minute)},
			wantErrMatch: ErrExpired,
		},
		{
			name:         "stale-iat",
			claims:       map[string]interface{}{"iat": at(-10 * time.Minute)},
			wantErrMatch: ErrExpired,
		},
		{
			name:         "not-yet-valid",
			claims:       map[string]interface{}{"nbf": at(5 * time.Minute), "exp": at(10 * time.Minute)},
			wantErrMatch: ErrNotYetValid,
		},
		{
			name:         "issued-in-future",
			claims:       map[string]interface{}{"iat": at(5 * time.Minute), "nbf": at(-time.Minute), "exp": at(10 * time.Minute)},
			wantErrMatch: ErrIssuedInFuture,
		},
		{
			name:         "subject",
			claims:       map[string]interface{}{"sub": "alice", "exp": at(time.Hour)},
			expected:     Expected{Subject: "bob"},
			wantErrMatch: ErrInvalidSubject,
		},
		{
			name:         "jti",
			claims:       map[string]interface{}{"jti": "abc", "exp": at(time.Hour)},
			expected:     Expected{ID: "def"},
			wantErrMatch: ErrInvalidID,
		},
		{
			name:         "missing-audience",
			claims:       map[string]interface{}{"exp": at(time.Hour)},
			expected:     Expected{Audiences: []string{"api"}},
			wantErrMatch: ErrInvalidAudience,
		},
		{
			name:         "unsupported-expected-alg",
			claims:       map[string]interface{}{"exp": at(time.Hour)},
			expected:     Expected{SigningAlgorithms: []Alg{"HS256"}},
			wantErrMatch: ErrUnsupportedAlg,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			tt.expected.Now = func() time.Time { return now }
			got, err := v.Validate(context.Background(), sign(tt.claims), tt.expected)
			if tt.wantErrMatch != nil {
				require.Error(err)
				assert.Nil(got)
				assert.Truef(errors.Is(err, tt.wantErrMatch), "wanted \"%s\" but got \"%s\"", tt.wantErrMatch, err)
				return
			}
			require.NoError(err)
			for name := range tt.claims {
				assert.Contains(got, name)
			}
		})
	}
}

func TestValidator_ValidateAllowMissingIatNbfExp(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)
	ks, err := NewStaticKeySet([]crypto.PublicKey{k.Public()})
	require.NoError(err)
	v, err := NewValidator(ks)
	require.NoError(err)
	ctx := context.Background()

	untimed := testSignJWT(t, k, RS256, map[string]interface{}{"sub": "alice"}, nil)
	claims, err := v.ValidateAllowMissingIatNbfExp(ctx, untimed, Expected{Subject: "alice"})
	require.NoError(err)
	assert.Equal("alice", claims["sub"])

	_, err = v.Validate(ctx, untimed, Expected{})
	assert.Truef(errors.Is(err, ErrMissingTimes), "wanted \"%s\" but got \"%s\"", ErrMissingTimes, err)

	expired := testSignJWT(t, k, RS256, map[string]interface{}{"exp": float64(time.Now().Add(-time.Hour).Unix())}, nil)
	_, err = v.ValidateAllowMissingIatNbfExp(ctx, expired, Expected{})
	assert.Truef(errors.Is(err, ErrExpired), "wanted \"%s\" but got \"%s\"", ErrExpired, err)
}

func TestValidator_multipleKeySets(t *testing.T) {
	t.Parallel()
	tp := oidc.StartTestProvider(t)
	ctx := context.Background()

	remote, err := NewJSONWebKeySet(ctx, tp.Addr()+wellKnownJWKS, tp.CACert())
	require.NoError(t, err)
	local, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	static, err := NewStaticKeySet([]crypto.PublicKey{local.Public()})
	require.NoError(t, err)
	v, err := NewValidator(static, remote)
	require.NoError(t, err)

	priv, _, alg, kid := tp.SigningKeys()
	_, stranger := oidc.TestGenerateRSAKeys(t)
	now := time.Now()
	claims := map[string]interface{}{
		"iss": tp.Addr(),
		"iat": float64(now.Add(-time.Minute).Unix()),
		"exp": float64(now.Add(time.Hour).Unix()),
	}

	tests := []struct {
		name         string
		token        string
		expected     Expected
		wantErrMatch error
	}{
		{
			name:     "first-key-set",
			token:    testSignJWT(t, local, RS256, claims, nil),
			expected: Expected{Issuer: tp.Addr()},
		},
		{
			name:     "second-key-set",
			token:    testSignJWT(t, priv, Alg(alg), claims, []byte(kid)),
			expected: Expected{Issuer: tp.Addr(), SigningAlgorithms: []Alg{Alg(alg)}},
		},
		{
			name:         "no-key-set",
			token:        testSignJWT(t, stranger, RS256, claims, nil),
			wantErrMatch: ErrInvalidSignature,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := v.Validate(ctx, tt.token, tt.expected)
			if tt.wantErrMatch != nil {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantErrMatch), "wanted \"%s\" but got \"%s\"", tt.wantErrMatch, err)
				return
			}
			require.NoError(err)
			assert.Equal(tp.Addr(), got["iss"])
		})
	}
}

func Test_validateAudience(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		expected []string
		claim    []string
		wantErr  bool
	}{
		{name: "nothing-expected", claim: []string{"a"}},
		{name: "nothing-expected-no-claim"},
		{name: "match", expected: []string{"a", "b"}, claim: []string{"b"}},
		{name: "slash-on-expected", expected: []string{"https://a/"}, claim: []string{"https://a"}},
		{name: "slash-on-both", expected: []string{"https://a/"}, claim: []string{"https://a/"}},
		{name: "slash-only-on-claim", expected: []string{"https://a"}, claim: []string{"https://a/"}, wantErr: true},
		{name: "no-claim", expected: []string{"a"}, wantErr: true},
		{name: "mismatch", expected: []string{"a"}, claim: []string{"b", "c"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateAudience(tt.expected, tt.claim)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidAudience)
				return
			}
			require.NoError(t, err)
		})
	}
}

func Test_validateSigningAlgorithm(t *testing.T) {
	t.Parallel()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, ecKey := oidc.TestGenerateKeys(t)
	rs256 := testSignJWT(t, rsaKey, RS256, testJWTClaims(t), nil)
	es256 := testSignJWT(t, ecKey, ES256, testJWTClaims(t), nil)

	tests := []struct {
		name         string
		token        string
		expected     []Alg
		wantErrMatch error
	}{
		{name: "default-rs256", token: rs256},
		{name: "listed", token: es256, expected: []Alg{RS256, ES256}},
		{name: "default-rejects-es256", token: es256, wantErrMatch: ErrUnexpectedAlg},
		{name: "unlisted", token: rs256, expected: []Alg{PS256}, wantErrMatch: ErrUnexpectedAlg},
		{name: "unsupported", token: rs256, expected: []Alg{"none"}, wantErrMatch: ErrUnsupportedAlg},
		{name: "malformed", token: "not.a.jwt", wantErrMatch: ErrMalformedToken},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			err := validateSigningAlgorithm(tt.token, tt.expected)
			if tt.wantErrMatch != nil {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantErrMatch), "wanted \"%s\" but got \"%s\"", tt.wantErrMatch, err)
				return
			}
			require.NoError(err)
		})
	}
}

func TestSupportedSigningAlgorithm(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.NoError(SupportedSigningAlgorithm())
	assert.NoError(SupportedSigningAlgorithm(RS256, RS384, RS512, ES256, ES384, ES512, PS256, PS384, PS512, EdDSA))
	for _, a := range []Alg{"HS256", "none", ""} {
		err := SupportedSigningAlgorithm(RS256, a)
		assert.Truef(errors.Is(err, ErrUnsupportedAlg), "wanted \"%s\" but got \"%s\"", ErrUnsupportedAlg, err)
	}
}
