// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package web

import (
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hashicorp/authnz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransaction(t *testing.T) {
	t.Parallel()
	d, _, _ := testDeps()
	tests := []struct {
		name    string
		w       http.ResponseWriter
		r       *http.Request
		d       Deps
		wantErr bool
	}{
		{name: "valid", w: httptest.NewRecorder(), r: httptest.NewRequest("GET", "/", nil), d: d},
		{name: "nil-writer", r: httptest.NewRequest("GET", "/", nil), d: d, wantErr: true},
		{name: "nil-request", w: httptest.NewRecorder(), d: d, wantErr: true},
		{name: "nil-session", w: httptest.NewRecorder(), r: httptest.NewRequest("GET", "/", nil), d: Deps{Users: d.Users, Tokens: d.Tokens}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			tx, err := NewTransaction(tt.w, tt.r, tt.d)
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, authnz.ErrNilParameter), "wanted \"%s\" but got \"%s\"", authnz.ErrNilParameter, err)
				return
			}
			require.NoError(err)
			assert.NotNil(tx)
		})
	}
}

func TestTransaction_cookies(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	d, _, _ := testDeps()
	req := httptest.NewRequest("GET", "https://app.example/cb?state=st", nil)
	req.AddCookie(&http.Cookie{Name: "incoming", Value: "in"})
	req.AddCookie(&http.Cookie{Name: "deleted", Value: "gone"})
	rec := httptest.NewRecorder()
	tx, err := NewTransaction(rec, req, d)
	require.NoError(err)

	v, ok := tx.Cookie("incoming")
	assert.True(ok)
	assert.Equal("in", v)
	_, ok = tx.Cookie("missing")
	assert.False(ok)

	tx.SetCookie("fresh", "value", 10*time.Minute)
	tx.SetCookie("deleted", "", -1)
	v, ok = tx.Cookie("fresh")
	assert.True(ok)
	assert.Equal("value", v)
	_, ok = tx.Cookie("deleted")
	assert.False(ok)

	written := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		written[c.Name] = c
	}
	require.Contains(written, "fresh")
	assert.Equal(600, written["fresh"].MaxAge)
	assert.True(written["fresh"].HttpOnly)
	assert.True(written["fresh"].Secure)
	assert.Equal(http.SameSiteLaxMode, written["fresh"].SameSite)
	assert.Equal("/", written["fresh"].Path)
	require.Contains(written, "deleted")
	assert.Equal(-1, written["deleted"].MaxAge)

	assert.Equal("https://app.example/cb?state=st", tx.RequestURL())
}

func TestTransaction_RequestURL(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	d, _, session := testDeps()
	user := &authnz.User{ID: "u1"}
	session.user = user

	plain := httptest.NewRequest("GET", "http://app.example/login?provider=p", nil)
	plain.TLS = nil
	tx, err := NewTransaction(httptest.NewRecorder(), plain, d)
	require.NoError(err)
	assert.Equal("http://app.example/login?provider=p", tx.RequestURL())
	assert.Equal(user, tx.CurrentUser())

	proxied := httptest.NewRequest("GET", "http://app.example/login", nil)
	proxied.Header.Set("X-Forwarded-Proto", "https")
	tx, err = NewTransaction(httptest.NewRecorder(), proxied, d)
	require.NoError(err)
	assert.Equal("https://app.example/login", tx.RequestURL())

	direct := httptest.NewRequest("GET", "http://app.example/login", nil)
	direct.TLS = &tls.ConnectionState{}
	tx, err = NewTransaction(httptest.NewRecorder(), direct, d)
	require.NoError(err)
	assert.Equal("https://app.example/login", tx.RequestURL())
}
