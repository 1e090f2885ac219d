// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package bolt

import (
	"github.com/hashicorp/authnz"
	"github.com/hashicorp/go-hclog"
)

type options struct {
	withLogger           hclog.Logger
	withActivationSender ActivationSender
}

func getOpts(opt ...authnz.Option) options {
	opts := options{
		withLogger: hclog.NewNullLogger(),
	}
	authnz.ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) authnz.Option {
	return func(o interface{}) {
		if v, ok := o.(*options); ok && l != nil {
			v.withLogger = l
		}
	}
}

// WithActivationSender provides the func which delivers activation emails.
func WithActivationSender(fn ActivationSender) authnz.Option {
	return func(o interface{}) {
		if v, ok := o.(*options); ok {
			v.withActivationSender = fn
		}
	}
}
