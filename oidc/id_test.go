// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	t.Parallel()
	// base64 RawURL of n bytes
	encLen := func(n int) int { return (n*8 + 5) / 6 }
	tests := []struct {
		name       string
		opt        []Option
		wantPrefix string
		wantLen    int
	}{
		{
			name:    "no-prefix",
			wantLen: encLen(DefaultIDLength),
		},
		{
			name:       "with-prefix",
			opt:        []Option{WithPrefix("alice")},
			wantPrefix: "alice_",
			wantLen:    encLen(DefaultIDLength) + len("alice_"),
		},
		{
			name:    "with-len",
			opt:     []Option{WithLen(32)},
			wantLen: verifierLen,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := NewID(tt.opt...)
			require.NoError(err)
			if tt.wantPrefix != "" {
				assert.Truef(strings.HasPrefix(got, tt.wantPrefix), "NewID() = %v and wanted prefix %s", got, tt.wantPrefix)
			}
			assert.Equalf(tt.wantLen, len(got), "NewID() = %v, with len of %d and wanted len of %v", got, len(got), tt.wantLen)
		})
	}
	t.Run("unique", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		first, err := NewID()
		require.NoError(err)
		second, err := NewID()
		require.NoError(err)
		assert.NotEqual(first, second)
	})
}

func TestHashNonce(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	// echo -n "abc" | sha256sum
	assert.Equal("ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashNonce("abc"))
	assert.NotEqual(HashNonce("abc"), HashNonce("abd"))
	assert.Len(HashNonce(""), 64)
}

func Test_WithPrefix(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	opts := getIDOpts(WithPrefix("alice"))
	testOpts := idDefaults()
	testOpts.withPrefix = "alice"
	assert.Equal(opts, testOpts)
}

func Test_WithLen(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	opts := getIDOpts(WithLen(8), WithLen(-1))
	testOpts := idDefaults()
	testOpts.withLen = 8
	assert.Equal(opts, testOpts)
}
