// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import "errors"

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrMalformedToken   = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnsupportedAlg   = errors.New("unsupported signing algorithm")
	ErrUnexpectedAlg    = errors.New("unexpected signing algorithm")
	ErrInvalidIssuer    = errors.New("invalid issuer")
	ErrInvalidSubject   = errors.New("invalid subject")
	ErrInvalidID        = errors.New("invalid jwt id")
	ErrInvalidAudience  = errors.New("invalid audience")
	ErrExpired          = errors.New("token is expired")
	ErrNotYetValid      = errors.New("token is not yet valid")
	ErrIssuedInFuture   = errors.New("token issued in the future")
	ErrMissingTimes     = errors.New("missing iat, nbf and exp claims")
)
