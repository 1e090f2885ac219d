// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package httpclient builds the outbound http clients used to talk to
// identity providers.
package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// DefaultTimeout bounds every request made to an identity provider when the
// caller does not choose a timeout.
const DefaultTimeout = 30 * time.Second

var (
	// ErrInvalidCertificatePem is returned when a CA PEM contains no usable
	// certificates.
	ErrInvalidCertificatePem = errors.New("invalid certificate PEM")
)

// Config describes how to reach a provider.
type Config struct {
	// CAPEM is an optional PEM encoded CA chain. When empty the system chain
	// is used.
	CAPEM string

	// InsecureSkipVerify disables TLS verification of the provider.
	InsecureSkipVerify bool

	// Timeout for a single request. Zero means DefaultTimeout.
	Timeout time.Duration
}

// New creates a new http client which will use the optional CA certificate PEM
// if provided, otherwise it will use the installed system CA chain.
func New(c Config) (*http.Client, error) {
	const op = "httpclient.New"
	tr := cleanhttp.DefaultPooledTransport()

	switch {
	case c.CAPEM != "":
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(c.CAPEM)); !ok {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCertificatePem)
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs:            certPool,
			InsecureSkipVerify: c.InsecureSkipVerify,
		}
	case c.InsecureSkipVerify:
		tr.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

// ReadCABundle reads a PEM encoded CA bundle from path. An empty path returns
// an empty bundle.
func ReadCABundle(path string) (string, error) {
	const op = "httpclient.ReadCABundle"
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%s: unable to read CA bundle %q: %w", op, path, err)
	}
	if !x509.NewCertPool().AppendCertsFromPEM(b) {
		return "", fmt.Errorf("%s: %q: %w", op, path, ErrInvalidCertificatePem)
	}
	return string(b), nil
}
