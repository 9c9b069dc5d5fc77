// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package urlutil parses and normalizes the source and target URLs the
// routing table is keyed on, and implements the proxy's path rewriting
// rule.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/valyala/bytebufferpool"
)

// Target is a fully-parsed, immutable upstream URL.
type Target struct {
	Protocol            string // "http" or "https"
	Hostname             string
	Port                 string
	Pathname             string
	Host                 string // hostname[:port]
	Href                 string
	SSLRedirect          bool
	UseTargetHostHeader  bool
}

// TargetOptions controls how BuildTarget populates the derived fields.
type TargetOptions struct {
	SSLRedirect         bool
	UseTargetHostHeader bool
}

// PrepareURL accepts a raw string and normalizes it into a *url.URL.
// Strings without an http(s):// scheme are assumed http. Returns an error
// if the result isn't a valid absolute HTTP(S) URL.
func PrepareURL(input string) (*url.URL, error) {
	if input == "" {
		return nil, fmt.Errorf("urlutil: empty url")
	}
	raw := input
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("urlutil: parse %q: %w", input, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("urlutil: unsupported scheme %q in %q", u.Scheme, input)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("urlutil: missing host in %q", input)
	}
	return u, nil
}

// BuildTarget prepares the given raw target string and attaches the
// derived ssl-redirect / host-header-override semantics.
func BuildTarget(raw string, opts TargetOptions) (Target, error) {
	u, err := PrepareURL(raw)
	if err != nil {
		return Target{}, err
	}

	port := u.Port()
	hostname := u.Hostname()
	host := hostname
	if port != "" {
		host = hostname + ":" + port
	}

	pathname := u.Path
	if pathname == "" {
		pathname = ""
	}

	return Target{
		Protocol:            u.Scheme,
		Hostname:            hostname,
		Port:                port,
		Pathname:            strings.TrimSuffix(pathname, "/"),
		Host:                host,
		Href:                u.String(),
		SSLRedirect:         opts.SSLRedirect,
		UseTargetHostHeader: opts.UseTargetHostHeader,
	}, nil
}

// NormalizeSourcePath returns "/" for an empty pathname, since a source
// URL's pathname always defaults to "/".
func NormalizeSourcePath(pathname string) string {
	if pathname == "" {
		return "/"
	}
	return pathname
}

// PathStartsWith reports whether url equals prefix, or begins with prefix
// followed immediately by '/' or '?', so that prefix "/foo" does not
// match "/foobar".
func PathStartsWith(u, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if u == prefix {
		return true
	}
	if !strings.HasPrefix(u, prefix) {
		return false
	}
	next := u[len(prefix)]
	return next == '/' || next == '?'
}

// StripHostPort removes a trailing ":port" from a Host-style header value.
func StripHostPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i != -1 {
		// Only strip if what follows looks like a port (all digits) --
		// guards against bare IPv6 literals without brackets, which this
		// proxy never constructs itself but may receive from a client.
		if isAllDigits(host[i+1:]) {
			return host[:i]
		}
	}
	return host
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// RewriteResult is the outcome of applying the path rewrite rule to an
// incoming request URL for a matched route path and chosen target.
type RewriteResult struct {
	Path     string
	RawQuery string
}

// Rewrite applies the two-step rewrite:
//  1. strip routePath from the incoming path (if routePath longer than "/")
//  2. POSIX-join the target's pathname with what remains
//
// When nothing but a query remains after step 1, the target's pathname is
// used as-is, so no "/" is inserted before the query. Otherwise an empty
// remainder is treated as "/".
//
// rawQuery passes through unchanged; it is only carried on RewriteResult so
// callers don't have to re-derive it themselves.
func Rewrite(incomingPath, rawQuery, routePath, targetPathname string) RewriteResult {
	remaining := incomingPath
	if len(routePath) > 1 && strings.HasPrefix(remaining, routePath) {
		remaining = remaining[len(routePath):]
	}
	if remaining == "" && rawQuery != "" && targetPathname != "" {
		return RewriteResult{Path: targetPathname, RawQuery: rawQuery}
	}
	if remaining == "" {
		remaining = "/"
	}

	path := remaining
	if targetPathname != "" {
		path = posixJoin(targetPathname, remaining)
	}

	return RewriteResult{Path: path, RawQuery: rawQuery}
}

// posixJoin joins two URL path segments with exactly one '/' between them,
// the way path.Join would, but without path.Join's "." cleaning -- query
// strings and the literal double slashes some upstreams expect must pass
// through untouched. The scratch buffer is pooled since this runs on every
// forwarded request.
func posixJoin(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	switch {
	case aSlash && bSlash:
		buf.WriteString(a)
		buf.WriteString(b[1:])
	case !aSlash && !bSlash:
		buf.WriteString(a)
		buf.WriteString("/")
		buf.WriteString(b)
	default:
		buf.WriteString(a)
		buf.WriteString(b)
	}
	return buf.String()
}
