// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/hashicorp/authnz/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wellKnownJWKS = "/.well-known/jwks.json"
	testKeyID     = "test-key"
)

func testJWTClaims(t *testing.T) map[string]interface{} {
	t.Helper()
	return map[string]interface{}{
		"iss": "https://example.com/",
		"sub": "alice@example.com",
		"aud": []interface{}{"www.example.com"},
		"exp": float64(1611699944),
		"nbf": float64(1611699344),
		"iat": float64(1611699344),
		"jti": "abc123",
	}
}

func testSignJWT(t *testing.T, key crypto.PrivateKey, alg Alg, claims interface{}, keyID []byte) string {
	t.Helper()
	return oidc.TestSignJWT(t, key, string(alg), claims, keyID)
}

func TestNewStaticKeySet(t *testing.T) {
	t.Parallel()
	rsaPub, _ := oidc.TestGenerateRSAKeys(t)
	ecPub, _ := oidc.TestGenerateKeys(t)
	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name         string
		keys         []crypto.PublicKey
		wantErrMatch error
	}{
		{name: "rsa", keys: []crypto.PublicKey{rsaPub}},
		{name: "mixed", keys: []crypto.PublicKey{rsaPub, ecPub, edPub}},
		{name: "empty", wantErrMatch: ErrInvalidParameter},
		{name: "unsupported-type", keys: []crypto.PublicKey{"not-a-key"}, wantErrMatch: ErrInvalidParameter},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			ks, err := NewStaticKeySet(tt.keys)
			if tt.wantErrMatch != nil {
				require.Error(err)
				assert.Nil(ks)
				assert.Truef(errors.Is(err, tt.wantErrMatch), "wanted \"%s\" but got \"%s\"", tt.wantErrMatch, err)
				return
			}
			require.NoError(err)
			assert.NotNil(ks)
		})
	}
}

func Test_staticKeySet_VerifySignature(t *testing.T) {
	t.Parallel()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, strangerKey := oidc.TestGenerateRSAKeys(t)

	ks, err := NewStaticKeySet([]crypto.PublicKey{rsaKey.Public(), ecKey.Public(), edPub})
	require.NoError(t, err)

	tests := []struct {
		name         string
		token        string
		wantErrMatch error
	}{
		{name: "rs256", token: testSignJWT(t, rsaKey, RS256, testJWTClaims(t), nil)},
		{name: "ps512", token: testSignJWT(t, rsaKey, PS512, testJWTClaims(t), nil)},
		{name: "es384", token: testSignJWT(t, ecKey, ES384, testJWTClaims(t), nil)},
		{name: "eddsa", token: testSignJWT(t, edPriv, EdDSA, testJWTClaims(t), nil)},
		{
			name:         "unknown-key",
			token:        testSignJWT(t, strangerKey, RS256, testJWTClaims(t), nil),
			wantErrMatch: ErrInvalidSignature,
		},
		{name: "malformed", token: "a.b.c", wantErrMatch: ErrMalformedToken},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			claims, err := ks.VerifySignature(context.Background(), tt.token)
			if tt.wantErrMatch != nil {
				require.Error(err)
				assert.Nil(claims)
				assert.Truef(errors.Is(err, tt.wantErrMatch), "wanted \"%s\" but got \"%s\"", tt.wantErrMatch, err)
				return
			}
			require.NoError(err)
			assert.Equal(testJWTClaims(t), claims)
		})
	}
}

func TestNewJSONWebKeySet(t *testing.T) {
	t.Parallel()
	tp := oidc.StartTestProvider(t)
	ctx := context.Background()

	t.Run("missing-url", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := NewJSONWebKeySet(ctx, "", tp.CACert())
		require.Error(err)
		assert.Truef(errors.Is(err, ErrInvalidParameter), "wanted \"%s\" but got \"%s\"", ErrInvalidParameter, err)
	})
	t.Run("bad-ca", func(t *testing.T) {
		_, err := NewJSONWebKeySet(ctx, tp.Addr()+wellKnownJWKS, "-----BEGIN CERTIFICATE-----")
		require.Error(t, err)
	})
	t.Run("verifies-provider-tokens", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ks, err := NewJSONWebKeySet(ctx, tp.Addr()+wellKnownJWKS, tp.CACert())
		require.NoError(err)

		priv, _, alg, kid := tp.SigningKeys()
		claims, err := ks.VerifySignature(ctx, testSignJWT(t, priv, Alg(alg), testJWTClaims(t), []byte(kid)))
		require.NoError(err)
		assert.Equal(testJWTClaims(t), claims)

		_, stranger := oidc.TestGenerateKeys(t)
		_, err = ks.VerifySignature(ctx, testSignJWT(t, stranger, Alg(alg), testJWTClaims(t), []byte(kid)))
		require.Error(err)
		assert.Truef(errors.Is(err, ErrInvalidSignature), "wanted \"%s\" but got \"%s\"", ErrInvalidSignature, err)
	})
}

func TestNewOIDCDiscoveryKeySet(t *testing.T) {
	t.Parallel()
	tp := oidc.StartTestProvider(t)
	ctx := context.Background()

	t.Run("missing-issuer", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := NewOIDCDiscoveryKeySet(ctx, "", tp.CACert())
		require.Error(err)
		assert.Truef(errors.Is(err, ErrInvalidParameter), "wanted \"%s\" but got \"%s\"", ErrInvalidParameter, err)
	})
	t.Run("untrusted-issuer", func(t *testing.T) {
		// the test provider's certificate isn't in the system pool
		_, err := NewOIDCDiscoveryKeySet(ctx, tp.Addr(), "")
		require.Error(t, err)
	})
	t.Run("verifies-provider-tokens", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ks, err := NewOIDCDiscoveryKeySet(ctx, tp.Addr(), tp.CACert())
		require.NoError(err)

		priv, _, alg, kid := tp.SigningKeys()
		claims, err := ks.VerifySignature(ctx, testSignJWT(t, priv, Alg(alg), testJWTClaims(t), []byte(kid)))
		require.NoError(err)
		assert.Equal("alice@example.com", claims["sub"])
	})
}

func TestParsePublicKeyPEM(t *testing.T) {
	t.Parallel()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pkix, err := x509.MarshalPKIXPublicKey(rsaKey.Public())
	require.NoError(t, err)
	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	edPKIX, err := x509.MarshalPKIXPublicKey(edPub)
	require.NoError(t, err)
	caCert, caPEM := oidc.TestGenerateCA(t, []string{"localhost"})

	tests := []struct {
		name    string
		data    []byte
		want    crypto.PublicKey
		wantErr bool
	}{
		{
			name: "pkix-rsa",
			data: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix}),
			want: rsaKey.Public(),
		},
		{
			name: "pkix-ed25519",
			data: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: edPKIX}),
			want: edPub,
		},
		{
			name: "certificate",
			data: []byte(caPEM),
			want: caCert.PublicKey,
		},
		{
			name:    "not-pem",
			data:    []byte("public key"),
			wantErr: true,
		},
		{
			name:    "garbage-block",
			data:    pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: []byte("nope")}),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := ParsePublicKeyPEM(tt.data)
			if tt.wantErr {
				require.Error(err)
				return
			}
			require.NoError(err)
			assert.Equal(tt.want, got)
		})
	}
}
