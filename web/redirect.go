// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package web

import (
	"net/http"
	"net/url"
	"strings"
)

// redirectTarget returns target when it's a local path, on the request's
// origin or on d.AllowedRedirects.  Any other non empty target is replaced
// by d.DefaultRedirect.
func (d Deps) redirectTarget(req *http.Request, target string) string {
	if target == "" || d.redirectAllowed(req, target) {
		return target
	}
	if d.DefaultRedirect != "" {
		return d.DefaultRedirect
	}
	return "/"
}

func (d Deps) redirectAllowed(req *http.Request, target string) bool {
	// browsers treat a backslash like a slash
	if strings.ContainsAny(target, "\\\r\n\t") {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	if u.Scheme == "" && u.Host == "" {
		return strings.HasPrefix(u.Path, "/") && u.User == nil
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return false
	}
	if u.User != nil {
		return false
	}
	if strings.EqualFold(u.Host, req.Host) {
		return true
	}
	for _, a := range d.AllowedRedirects {
		allowed, err := url.Parse(a)
		if err != nil {
			continue
		}
		if strings.EqualFold(allowed.Scheme, u.Scheme) &&
			strings.EqualFold(allowed.Host, u.Host) &&
			strings.HasPrefix(u.Path, allowed.Path) {
			return true
		}
	}
	return false
}
