// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	t.Parallel()
	testNow := time.Now().Add(-1 * time.Hour)
	nowFn := func() time.Time { return testNow }
	v, err := NewCodeVerifier()
	require.NoError(t, err)

	tests := []struct {
		name        string
		expireIn    time.Duration
		redirectURL string
		opt         []Option
		wantErr     bool
		wantIsErr   error
		check       func(*assert.Assertions, *Req)
	}{
		{
			name:        "defaults",
			expireIn:    time.Minute,
			redirectURL: "https://app.example/cb",
			check: func(assert *assert.Assertions, r *Req) {
				assert.NotEmpty(r.State())
				assert.NotEmpty(r.Nonce())
				assert.NotEqual(r.State(), r.Nonce())
				assert.Equal("https://app.example/cb", r.RedirectURL())
				assert.Nil(r.Scopes())
				assert.Nil(r.Audiences())
				assert.Nil(r.PKCEVerifier())
				assert.Nil(r.AuthParams())
				assert.False(r.OptionalNonce())
				assert.False(r.IsExpired())
			},
		},
		{
			name:        "all-opts",
			expireIn:    time.Minute,
			redirectURL: "https://app.example/cb",
			opt: []Option{
				WithState("abc"),
				WithNonce("hashed-nonce"),
				WithNow(nowFn),
				WithScopes("email"),
				WithAudiences("account"),
				WithPKCE(v),
				WithAuthParams(map[string]string{"kc_idp_hint": "github"}),
				WithOptionalNonce(),
			},
			check: func(assert *assert.Assertions, r *Req) {
				assert.Equal("abc", r.State())
				assert.Equal("hashed-nonce", r.Nonce())
				assert.Equal([]string{"openid", "email"}, r.Scopes())
				assert.Equal([]string{"account"}, r.Audiences())
				assert.Equal(v, r.PKCEVerifier())
				assert.Equal(map[string]string{"kc_idp_hint": "github"}, r.AuthParams())
				assert.True(r.OptionalNonce())
				assert.Equal(testNow.Add(time.Minute), r.expiration)
			},
		},
		{
			name:        "empty-redirect",
			expireIn:    time.Minute,
			wantErr:     true,
			wantIsErr:   ErrInvalidParameter,
			redirectURL: "",
		},
		{
			name:        "zero-expire",
			redirectURL: "https://app.example/cb",
			wantErr:     true,
			wantIsErr:   ErrInvalidParameter,
		},
		{
			name:        "state-equals-nonce",
			expireIn:    time.Minute,
			redirectURL: "https://app.example/cb",
			opt:         []Option{WithState("same"), WithNonce("same")},
			wantErr:     true,
			wantIsErr:   ErrInvalidParameter,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := NewRequest(tt.expireIn, tt.redirectURL, tt.opt...)
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			tt.check(assert, got)
		})
	}
}

func TestReq_IsExpired(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	now := time.Now()
	r, err := NewRequest(time.Minute, "https://app.example/cb", WithNow(func() time.Time { return now }))
	require.NoError(err)
	assert.False(r.IsExpired())
	now = now.Add(2 * time.Minute)
	assert.True(r.IsExpired())
}

func TestReq_copies(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	r, err := NewRequest(time.Minute, "https://app.example/cb",
		WithScopes("email"),
		WithAudiences("account"),
		WithAuthParams(map[string]string{"prompt": "consent"}),
	)
	require.NoError(err)
	r.Scopes()[0] = "mutated"
	r.Audiences()[0] = "mutated"
	r.AuthParams()["prompt"] = "mutated"
	assert.Equal([]string{"openid", "email"}, r.Scopes())
	assert.Equal([]string{"account"}, r.Audiences())
	assert.Equal("consent", r.AuthParams()["prompt"])
}
