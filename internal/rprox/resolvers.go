// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package rprox

import (
	"net/http"

	"github.com/latticeproxy/rprox/internal/resolver"
)

// AddResolver appends one or more resolvers, re-sorts descending by
// priority, and de-duplicates. A no-op on a cluster master process.
func (p *Proxy) AddResolver(resolvers ...*resolver.Resolver) {
	if p.isMaster {
		return
	}
	p.pipeline.Add(resolvers...)
}

// RemoveResolver removes all entries equal (by pointer) to r. A no-op on
// a cluster master process.
func (p *Proxy) RemoveResolver(r *resolver.Resolver) {
	if p.isMaster {
		return
	}
	p.pipeline.Remove(r)
}

// NotFound replaces the default not-found responder.
func (p *Proxy) NotFound(callback http.HandlerFunc) {
	p.notFound.Store(callback)
}
