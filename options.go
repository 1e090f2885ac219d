// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authnz

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil { // ignore any nil Options
			continue
		}
		o(opts)
	}
}

// adapterOptions is the set of available options for adapters.
type adapterOptions struct {
	withLogger hclog.Logger
	withNow    func() time.Time
}

func adapterDefaults() adapterOptions {
	return adapterOptions{
		withLogger: hclog.NewNullLogger(),
		withNow:    time.Now,
	}
}

func getAdapterOpts(opt ...Option) adapterOptions {
	opts := adapterDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger.
//
// Valid for: Manager and adapters
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		switch v := o.(type) {
		case *adapterOptions:
			v.withLogger = l
		case *managerOptions:
			v.withLogger = l
		}
	}
}

// WithNow provides an optional func for determining the current time.
//
// Valid for: Manager and adapters
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		switch v := o.(type) {
		case *adapterOptions:
			v.withNow = now
		case *managerOptions:
			v.withNow = now
		}
	}
}

// managerOptions is the set of available options for NewManager.
type managerOptions struct {
	withLogger                 hclog.Logger
	withNow                    func() time.Time
	withFactories              map[Kind]AdapterFactory
	withAliases                map[string]string
	withLinkPolicy             LinkPolicy
	withPasswordAuthenticators int
	withMetrics                *Metrics
}

func managerDefaults() managerOptions {
	return managerOptions{
		withLogger:     hclog.NewNullLogger(),
		withNow:        time.Now,
		withFactories:  DefaultFactories(),
		withLinkPolicy: LinkSingleProvider,
	}
}

func getManagerOpts(opt ...Option) managerOptions {
	opts := managerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithFactories provides the adapter factories by kind.  They replace the
// DefaultFactories.
//
// Valid for: Manager
func WithFactories(f map[Kind]AdapterFactory) Option {
	return func(o interface{}) {
		if v, ok := o.(*managerOptions); ok && f != nil {
			v.withFactories = f
		}
	}
}

// WithAliases provides alternate names for providers, mapping an alias to a
// provider name.  Both are matched case insensitively.
//
// Valid for: Manager
func WithAliases(aliases map[string]string) Option {
	return func(o interface{}) {
		if v, ok := o.(*managerOptions); ok {
			v.withAliases = aliases
		}
	}
}

// WithLinkPolicy provides the policy for linking identities to existing
// users by email.
//
// Valid for: Manager
func WithLinkPolicy(p LinkPolicy) Option {
	return func(o interface{}) {
		if v, ok := o.(*managerOptions); ok {
			v.withLinkPolicy = p
		}
	}
}

// WithPasswordAuthenticators provides the number of local password
// authenticators configured alongside the providers.
//
// Valid for: Manager
func WithPasswordAuthenticators(n int) Option {
	return func(o interface{}) {
		if v, ok := o.(*managerOptions); ok {
			v.withPasswordAuthenticators = n
		}
	}
}

// WithMetrics provides optional metrics.
//
// Valid for: Manager
func WithMetrics(m *Metrics) Option {
	return func(o interface{}) {
		if v, ok := o.(*managerOptions); ok {
			v.withMetrics = m
		}
	}
}
