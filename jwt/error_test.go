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

func TestPeekIssuer(t *testing.T) {
	t.Parallel()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name            string
		token           string
		want            string
		wantErrMatch    error
		wantErrContains string
	}{
		{
			name:  "valid",
			token: testSignJWT(t, k, RS256, testJWTClaims(t), []byte(testKeyID)),
			want:  "https://example.com/",
		},
		{
			name:  "no-issuer",
			token: testSignJWT(t, k, RS256, map[string]interface{}{"sub": "alice"}, []byte(testKeyID)),
			want:  "",
		},
		{
			name:         "malformed",
			token:        "not-a-jwt",
			wantErrMatch: ErrMalformedToken,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := PeekIssuer(tt.token)
			if tt.wantErrMatch != nil {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantErrMatch), "wanted \"%s\" but got \"%s\"", tt.wantErrMatch, err)
				return
			}
			require.NoError(err)
			assert.Equal(tt.want, got)
		})
	}
}

func TestValidator_Validate_errors(t *testing.T) {
	t.Parallel()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ks, err := NewStaticKeySet([]crypto.PublicKey{k.Public()})
	require.NoError(t, err)
	v, err := NewValidator(ks)
	require.NoError(t, err)

	now := time.Now()
	sign := func(claims map[string]interface{}) string {
		return testSignJWT(t, k, RS256, claims, []byte(testKeyID))
	}
	tests := []struct {
		name         string
		token        string
		expected     Expected
		wantErrMatch error
	}{
		{
			name:         "issuer",
			token:        sign(map[string]interface{}{"iss": "a", "iat": float64(now.Unix())}),
			expected:     Expected{Issuer: "b"},
			wantErrMatch: ErrInvalidIssuer,
		},
		{
			name:         "audience",
			token:        sign(map[string]interface{}{"aud": []string{"a"}, "iat": float64(now.Unix())}),
			expected:     Expected{Audiences: []string{"b"}},
			wantErrMatch: ErrInvalidAudience,
		},
		{
			name:         "expired",
			token:        sign(map[string]interface{}{"exp": float64(now.Add(-time.Hour).Unix())}),
			wantErrMatch: ErrExpired,
		},
		{
			name:         "missing-times",
			token:        sign(map[string]interface{}{"iss": "a"}),
			wantErrMatch: ErrMissingTimes,
		},
		{
			name:         "unexpected-alg",
			token:        sign(map[string]interface{}{"iat": float64(now.Unix())}),
			expected:     Expected{SigningAlgorithms: []Alg{ES256}},
			wantErrMatch: ErrUnexpectedAlg,
		},
		{
			name:         "bad-signature",
			token:        oidc.TestSignJWT(t, testOtherKey(t), string(RS256), map[string]interface{}{"iat": float64(now.Unix())}, []byte(testKeyID)),
			wantErrMatch: ErrInvalidSignature,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := v.Validate(context.Background(), tt.token, tt.expected)
			require.Error(err)
			assert.Nil(got)
			assert.Truef(errors.Is(err, tt.wantErrMatch), "wanted \"%s\" but got \"%s\"", tt.wantErrMatch, err)
		})
	}
}

func testOtherKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return k
}
