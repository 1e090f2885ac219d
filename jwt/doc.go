// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
Package jwt validates JSON Web Tokens issued by OIDC providers. It is used to
match bearer access tokens presented to an API with the provider that issued
them.

A KeySet verifies signatures. It may be backed by an issuer's discovery
document (NewOIDCDiscoveryKeySet), a JWKS URL (NewJSONWebKeySet), or local
public keys (NewStaticKeySet). A Validator wraps one or more KeySets and checks
the registered claims against an Expected value.

	ks, err := jwt.NewOIDCDiscoveryKeySet(ctx, issuer, "")
	if err != nil {
		// handle error
	}
	v, err := jwt.NewValidator(ks)
	if err != nil {
		// handle error
	}
	claims, err := v.Validate(ctx, token, jwt.Expected{
		Issuer:            issuer,
		SigningAlgorithms: []jwt.Alg{jwt.RS256},
	})

PeekIssuer reads the "iss" claim without verification so that a caller can
pick which Validator to use.
*/
package jwt
