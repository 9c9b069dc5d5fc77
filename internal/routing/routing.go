// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package routing implements the host+path routing table: per-host
// buckets of routes sorted by descending path length, each carrying a
// round-robin target list and a proxy handle.
package routing

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/latticeproxy/rprox/internal/urlutil"
)

// DecisionKind is the tagged result of an OnRequest hook: an explicit
// {Continue | Skip | Replace(Target)} sum type standing in for a dynamic
// hook-return value.
type DecisionKind int

const (
	// Continue forwards to the originally selected target unchanged.
	Continue DecisionKind = iota
	// Skip means the hook already wrote and ended the response; the
	// request is not forwarded upstream.
	Skip
	// Replace forwards to Decision.Target instead of the selected one.
	Replace
)

// Decision is what an OnRequest hook returns.
type Decision struct {
	Kind   DecisionKind
	Target urlutil.Target
}

// ContinueDecision is the default decision when a hook declines to override.
func ContinueDecision() Decision { return Decision{Kind: Continue} }

// HTTPProxyOptions configures the forwarder for a route. Secure defaults
// to true and is only overridden after the route's own setting is applied,
// so a route can't accidentally relax TLS verification by omission.
type HTTPProxyOptions struct {
	Secure *bool
	XFwd   *bool
	NTLM   bool
}

// Options are the per-route options captured at register time.
type Options struct {
	UseTargetHostHeader bool
	SSL                 *SSLOptions
	HTTPProxy           HTTPProxyOptions

	OnRequest  func(w http.ResponseWriter, r *http.Request, target urlutil.Target) Decision
	OnResponse func(w http.ResponseWriter, r *http.Request, target urlutil.Target)
	OnError    func(err error, w http.ResponseWriter, r *http.Request, target urlutil.Target)
}

// SSLOptions is a route's per-hostname TLS configuration.
type SSLOptions struct {
	Key, Cert, CA string
	Redirect      bool
	Letsencrypt   *LetsencryptOptions
}

// LetsencryptOptions is a route's ssl.letsencrypt sub-option.
type LetsencryptOptions struct {
	Email       string
	Production  bool
	RenewWithin string
}

// Route is a (path, targets, round-robin, options, proxy-handle) record
// under a host bucket.
type Route struct {
	Path  string
	URLs  []urlutil.Target
	rr    int
	Opts  Options
	Proxy any // *proxy handle, opaque to this package

	mu sync.Mutex
}

// NextTarget selects the next upstream via round-robin and advances the
// index exactly once per selection.
func (r *Route) NextTarget() (urlutil.Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.URLs) == 0 {
		return urlutil.Target{}, false
	}
	t := r.URLs[r.rr]
	r.rr = (r.rr + 1) % len(r.URLs)
	return t, true
}

// RRIndex returns the current round-robin index (tests / introspection only).
func (r *Route) RRIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rr
}

// hostBucket is an ordered list of routes for one hostname, kept sorted by
// descending path length (ties broken by insertion order).
type hostBucket struct {
	routes []*Route
}

func (b *hostBucket) sort() {
	sort.SliceStable(b.routes, func(i, j int) bool {
		return len(b.routes[i].Path) > len(b.routes[j].Path)
	})
}

func (b *hostBucket) find(path string) *Route {
	for _, r := range b.routes {
		if r.Path == path {
			return r
		}
	}
	return nil
}

// Table is the hostname -> hostBucket routing table. All mutation happens
// under mu (single-writer control plane); Lookup takes a read lock so
// concurrent requests never observe a partially-sorted bucket.
type Table struct {
	mu      sync.RWMutex
	buckets map[string]*hostBucket
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{buckets: make(map[string]*hostBucket)}
}

// ProxyHandleFactory returns (or creates and caches) a proxy handle for the
// given origin. Routing calls this once per new route so that routes
// sharing origin+changeOrigin semantics share one handle.
type ProxyHandleFactory func(protocol, hostname, port string, changeOrigin bool) any

// Register find-or-creates the route for (hostname, path), appends the
// target, and re-sorts the bucket. URL preparation and cert bookkeeping are
// the caller's responsibility (internal/rprox), since they require
// collaborators this package doesn't own.
func (t *Table) Register(hostname, path string, target urlutil.Target, opts Options, handleFactory ProxyHandleFactory) (*Route, error) {
	if hostname == "" {
		return nil, fmt.Errorf("routing: register: missing hostname")
	}
	path = urlutil.NormalizeSourcePath(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	hostname = strings.ToLower(hostname)
	bucket, ok := t.buckets[hostname]
	if !ok {
		bucket = &hostBucket{}
		t.buckets[hostname] = bucket
	}

	route := bucket.find(path)
	if route == nil {
		var handle any
		if handleFactory != nil {
			handle = handleFactory(target.Protocol, target.Hostname, target.Port, opts.UseTargetHostHeader)
		}
		route = &Route{
			Path:  path,
			Opts:  opts,
			Proxy: handle,
		}
		bucket.routes = append(bucket.routes, route)
	}
	route.URLs = append(route.URLs, target)
	bucket.sort()

	return route, nil
}

// Unregister removes matching target hrefs (or all targets when href ==
// ""), and splices the route out of its bucket once its target list is
// empty.
func (t *Table) Unregister(hostname, path, href string) (removed bool) {
	hostname = strings.ToLower(hostname)
	path = urlutil.NormalizeSourcePath(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, ok := t.buckets[hostname]
	if !ok {
		return false
	}
	route := bucket.find(path)
	if route == nil {
		return false
	}

	if href == "" {
		route.URLs = nil
	} else {
		kept := route.URLs[:0]
		for _, u := range route.URLs {
			if u.Href != href {
				kept = append(kept, u)
			}
		}
		route.URLs = kept
	}

	if len(route.URLs) > 0 {
		return true
	}

	newRoutes := bucket.routes[:0]
	for _, r := range bucket.routes {
		if r != route {
			newRoutes = append(newRoutes, r)
		}
	}
	bucket.routes = newRoutes
	if len(bucket.routes) == 0 {
		delete(t.buckets, hostname)
	}
	return true
}

// Lookup returns the first route in hostname's bucket whose path is "/" or
// a valid prefix of reqPath.
func (t *Table) Lookup(hostname, reqPath string) *Route {
	hostname = strings.ToLower(hostname)

	t.mu.RLock()
	defer t.mu.RUnlock()

	bucket, ok := t.buckets[hostname]
	if !ok {
		return nil
	}
	for _, r := range bucket.routes {
		if r.Path == "/" || urlutil.PathStartsWith(reqPath, r.Path) {
			return r
		}
	}
	return nil
}

// RouteFor returns the exact route registered at (hostname, path), if any,
// without prefix matching.
func (t *Table) RouteFor(hostname, path string) *Route {
	hostname = strings.ToLower(hostname)
	path = urlutil.NormalizeSourcePath(path)

	t.mu.RLock()
	defer t.mu.RUnlock()

	bucket, ok := t.buckets[hostname]
	if !ok {
		return nil
	}
	return bucket.find(path)
}

// Hosts returns the set of hostnames with at least one registered route.
func (t *Table) Hosts() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hosts := make([]string, 0, len(t.buckets))
	for h := range t.buckets {
		hosts = append(hosts, h)
	}
	return hosts
}
